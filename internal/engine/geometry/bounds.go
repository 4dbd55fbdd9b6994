package geometry

import (
	"github.com/paulmach/orb"
)

// Bounds is a 3D box: a lon/lat orb.Bound plus an altitude range.
type Bounds struct {
	Plane  orb.Bound
	MinAlt float64
	MaxAlt float64
	set    bool
}

func (b Bounds) IsEmpty() bool {
	return !b.set
}

// Extend grows the box to cover every vertex of the ring.
func (b Bounds) Extend(ring Ring) Bounds {
	for _, v := range ring {
		p := orb.Point{v.Lon, v.Lat}
		if !b.set {
			b = Bounds{Plane: orb.Bound{Min: p, Max: p}, MinAlt: v.Alt, MaxAlt: v.Alt, set: true}
			continue
		}
		b.Plane = b.Plane.Extend(p)
		if v.Alt < b.MinAlt {
			b.MinAlt = v.Alt
		}
		if v.Alt > b.MaxAlt {
			b.MaxAlt = v.Alt
		}
	}
	return b
}

func (b Bounds) Union(other Bounds) Bounds {
	switch {
	case !other.set:
		return b
	case !b.set:
		return other
	}
	b.Plane = b.Plane.Union(other.Plane)
	if other.MinAlt < b.MinAlt {
		b.MinAlt = other.MinAlt
	}
	if other.MaxAlt > b.MaxAlt {
		b.MaxAlt = other.MaxAlt
	}
	return b
}

// NewBounds builds a box from stored extremes.
func NewBounds(minLat, minLon, minAlt, maxLat, maxLon, maxAlt float64) Bounds {
	return Bounds{
		Plane:  orb.Bound{Min: orb.Point{minLon, minLat}, Max: orb.Point{maxLon, maxLat}},
		MinAlt: minAlt,
		MaxAlt: maxAlt,
		set:    true,
	}
}

func (b Bounds) MinLat() float64 { return b.Plane.Min[1] }
func (b Bounds) MinLon() float64 { return b.Plane.Min[0] }
func (b Bounds) MaxLat() float64 { return b.Plane.Max[1] }
func (b Bounds) MaxLon() float64 { return b.Plane.Max[0] }
