package geometry

import (
	"errors"
	"math"

	domainErrors "citystid/internal/core/errors"

	"github.com/paulmach/orb"
	"github.com/rclancey/earcut"
)

var errDegenerateRing = errors.New("ring has no area in its projection plane")

type Axis int

const (
	AxisX Axis = iota // latitude
	AxisY             // longitude
	AxisZ             // altitude
)

type Options struct {
	// RejectUngrounded drops rings that carry a placeholder zero altitude.
	RejectUngrounded bool
}

// Prepare triangulates a ring on its best-fit plane. Rings with fewer than
// three distinct vertices, and ungrounded rings when requested, produce no
// triangles and no error. A ring that cannot be ear-clipped returns a
// TRIANGULATION error alongside an empty result; callers treat it as a
// polygon that contributes nothing.
func Prepare(ring Ring, opts Options) ([]Triangle, error) {
	if len(ring) < 3 {
		return nil, nil
	}
	if opts.RejectUngrounded && !ring.Grounded() {
		return nil, nil
	}

	open := ring.Open()
	if len(open) < 3 {
		return nil, nil
	}

	flat := Project(open, DominantAxis(NewellNormal(open)))
	indices, err := triangulate(flat)
	if err != nil {
		return nil, domainErrors.AddContext(
			domainErrors.Wrap(err, domainErrors.CodeTriangulation, "ear clipping failed"),
			"vertices", len(open))
	}

	triangles := make([]Triangle, 0, len(indices))
	for _, tri := range indices {
		triangles = append(triangles, Triangle{open[tri[0]], open[tri[1]], open[tri[2]]})
	}
	return triangles, nil
}

// triangulate ear-clips pts and returns index triples into it. Coordinates
// are shifted to the first vertex first; raw lat/lon degrees lose precision in
// the area tests otherwise.
func triangulate(pts orb.Ring) ([][3]int, error) {
	origin := pts[0]
	data := make([]float64, 0, 2*len(pts))
	for _, p := range pts {
		data = append(data, p[0]-origin[0], p[1]-origin[1])
	}

	flat, err := earcut.Earcut(data, nil, 2)
	if err != nil {
		return nil, err
	}
	if len(flat) == 0 {
		return nil, errDegenerateRing
	}

	tris := make([][3]int, 0, len(flat)/3)
	for i := 0; i+2 < len(flat); i += 3 {
		tris = append(tris, [3]int{flat[i], flat[i+1], flat[i+2]})
	}
	return tris, nil
}

// NewellNormal sums the per-edge Newell contributions, which tolerates mildly
// non-planar rings. Components are returned in (lat, lon, alt) axis order.
func NewellNormal(ring Ring) [3]float64 {
	var n [3]float64
	for i := range ring {
		cur := ring[i]
		next := ring[(i+1)%len(ring)]
		n[0] += (cur.Lat - next.Lat) * (cur.Alt + next.Alt)
		n[1] += (cur.Alt - next.Alt) * (cur.Lon + next.Lon)
		n[2] += (cur.Lon - next.Lon) * (cur.Lat + next.Lat)
	}
	return n
}

// DominantAxis picks the normal component with the largest magnitude; ties
// resolve towards X, then Y.
func DominantAxis(n [3]float64) Axis {
	x, y, z := math.Abs(n[0]), math.Abs(n[1]), math.Abs(n[2])
	switch {
	case x >= y && x >= z:
		return AxisX
	case y >= z:
		return AxisY
	default:
		return AxisZ
	}
}

// Project drops the given axis.
func Project(ring Ring, drop Axis) orb.Ring {
	flat := make(orb.Ring, len(ring))
	for i, v := range ring {
		switch drop {
		case AxisX:
			flat[i] = orb.Point{v.Lat, v.Alt}
		case AxisY:
			flat[i] = orb.Point{v.Lon, v.Alt}
		default:
			flat[i] = orb.Point{v.Lon, v.Lat}
		}
	}
	return flat
}
