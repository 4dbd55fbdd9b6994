package geometry

import (
	"math"
	"strconv"
	"strings"

	domainErrors "citystid/internal/core/errors"
)

// Vertex is a posList point in document axis order.
type Vertex struct {
	Lat float64
	Lon float64
	Alt float64
}

// Ring is one polygon boundary. A closing duplicate of the first vertex is
// allowed but not required.
type Ring []Vertex

// Triangle keeps the winding of the ring it was cut from.
type Triangle [3]Vertex

// ParsePosList reads whitespace separated numbers as (lat, lon, alt) triples.
// A count that is not a multiple of three or a token that is not a finite
// number is a geometry format error.
func ParsePosList(text string) (Ring, error) {
	fields := strings.Fields(text)
	if len(fields)%3 != 0 {
		return nil, domainErrors.Newf(domainErrors.CodeGeometryFormat,
			"coordinate count %d is not a multiple of 3", len(fields))
	}

	ring := make(Ring, 0, len(fields)/3)
	var xyz [3]float64
	for i, field := range fields {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, domainErrors.Newf(domainErrors.CodeGeometryFormat,
				"coordinate %d (%q) is not a number", i, field)
		}
		xyz[i%3] = v
		if i%3 == 2 {
			ring = append(ring, Vertex{Lat: xyz[0], Lon: xyz[1], Alt: xyz[2]})
		}
	}
	return ring, nil
}

// Open returns the ring without its closing duplicate vertex, if present.
func (r Ring) Open() Ring {
	if len(r) >= 2 && r[0] == r[len(r)-1] {
		return r[:len(r)-1]
	}
	return r
}

// Grounded reports whether no vertex sits at exactly zero altitude.
func (r Ring) Grounded() bool {
	for _, v := range r {
		if v.Alt == 0 {
			return false
		}
	}
	return true
}
