package spatialid

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"citystid/internal/engine/geometry"
)

const (
	MaxZoom = 30

	// DefaultMaxSteps bounds the barycentric grid per triangle piece. Larger
	// triangles are bisected until every piece fits.
	DefaultMaxSteps = 2048
	// DefaultMaxCells bounds the estimated voxel count of one triangle.
	DefaultMaxCells = 1 << 24

	// Bisection depth past which a piece is sampled as is.
	maxSplitDepth = 64

	maxLatitude = 85.05112877980659
	// Altitude span, in metres, of the single zoom-0 voxel.
	heightExtent = 1 << 25
)

var ErrTriangleTooLarge = errors.New("spatialid: triangle exceeds sampling budget")

// SamplingRasterizer walks a barycentric grid over the triangle at no more
// than half a voxel spacing and collects every voxel a sample lands in.
type SamplingRasterizer struct {
	MaxSteps int
	MaxCells int
}

func NewSamplingRasterizer() *SamplingRasterizer {
	return &SamplingRasterizer{MaxSteps: DefaultMaxSteps, MaxCells: DefaultMaxCells}
}

type cellPoint struct {
	f, x, y float64
}

func (p cellPoint) sub(o cellPoint) cellPoint {
	return cellPoint{p.f - o.f, p.x - o.x, p.y - o.y}
}

func (p cellPoint) span() float64 {
	return math.Max(math.Abs(p.f), math.Max(math.Abs(p.x), math.Abs(p.y)))
}

func (p cellPoint) mid(o cellPoint) cellPoint {
	return cellPoint{(p.f + o.f) / 2, (p.x + o.x) / 2, (p.y + o.y) / 2}
}

// estimateCells approximates how many voxels the triangle touches: its area
// in voxel units plus one voxel per unit of perimeter.
func estimateCells(pa, pb, pc cellPoint) float64 {
	u, v := pb.sub(pa), pc.sub(pa)
	cf := u.x*v.y - u.y*v.x
	cx := u.y*v.f - u.f*v.y
	cy := u.f*v.x - u.x*v.f
	area := math.Sqrt(cf*cf+cx*cx+cy*cy) / 2
	return area + u.span() + v.span() + pc.sub(pb).span() + 1
}

// Cell returns the voxel containing v at zoom z.
func Cell(z uint8, v geometry.Vertex) ID {
	return toID(z, toCell(z, v))
}

func toCell(z uint8, v geometry.Vertex) cellPoint {
	n := math.Exp2(float64(z))
	lat := math.Max(-maxLatitude, math.Min(maxLatitude, v.Lat)) * math.Pi / 180
	return cellPoint{
		f: v.Alt * n / heightExtent,
		x: (v.Lon + 180) / 360 * n,
		y: (1 - math.Log(math.Tan(lat)+1/math.Cos(lat))/math.Pi) / 2 * n,
	}
}

func toID(z uint8, p cellPoint) ID {
	limit := math.Exp2(float64(z)) - 1
	clampIndex := func(v float64) uint64 {
		return uint64(math.Max(0, math.Min(limit, math.Floor(v))))
	}
	return ID{
		Z: z,
		F: int64(math.Floor(p.f)),
		X: clampIndex(p.x),
		Y: clampIndex(p.y),
	}
}

func (r *SamplingRasterizer) Triangle(z uint8, a, b, c geometry.Vertex) ([]ID, error) {
	if z > MaxZoom {
		return nil, fmt.Errorf("spatialid: zoom %d exceeds %d", z, MaxZoom)
	}
	maxSteps := r.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	maxCells := r.MaxCells
	if maxCells <= 0 {
		maxCells = DefaultMaxCells
	}

	pa, pb, pc := toCell(z, a), toCell(z, b), toCell(z, c)
	if est := estimateCells(pa, pb, pc); est > float64(maxCells) {
		return nil, fmt.Errorf("%w: about %.0f voxels at zoom %d", ErrTriangleTooLarge, est, z)
	}

	seen := make(Set)
	sample(z, pa, pb, pc, maxSteps, 0, seen)

	ids := make([]ID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	SortIDs(ids)
	return ids, nil
}

// sample bisects the longest edge until the grid fits in maxSteps, then adds
// the voxel of every grid point to seen.
func sample(z uint8, pa, pb, pc cellPoint, maxSteps, depth int, seen Set) {
	ab, bc, ca := pb.sub(pa).span(), pc.sub(pb).span(), pa.sub(pc).span()
	span := math.Max(ab, math.Max(bc, ca))
	steps := int(math.Ceil(span*2)) + 1

	if steps > maxSteps && depth < maxSplitDepth {
		depth++
		switch {
		case ab >= bc && ab >= ca:
			m := pa.mid(pb)
			sample(z, pa, m, pc, maxSteps, depth, seen)
			sample(z, m, pb, pc, maxSteps, depth, seen)
		case bc >= ca:
			m := pb.mid(pc)
			sample(z, pa, pb, m, maxSteps, depth, seen)
			sample(z, pa, m, pc, maxSteps, depth, seen)
		default:
			m := pc.mid(pa)
			sample(z, pa, pb, m, maxSteps, depth, seen)
			sample(z, m, pb, pc, maxSteps, depth, seen)
		}
		return
	}

	inv := 1 / float64(steps)
	for i := 0; i <= steps; i++ {
		u := float64(i) * inv
		for j := 0; j <= steps-i; j++ {
			v := float64(j) * inv
			w := 1 - u - v
			seen.Add(toID(z, cellPoint{
				f: pa.f*w + pb.f*u + pc.f*v,
				x: pa.x*w + pb.x*u + pc.x*v,
				y: pa.y*w + pb.y*u + pc.y*v,
			}))
		}
	}
}

// SortIDs orders ids by F, then X, then Y.
func SortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		if a.F != b.F {
			return a.F < b.F
		}
		if a.X != b.X {
			return a.X < b.X
		}
		return a.Y < b.Y
	})
}
