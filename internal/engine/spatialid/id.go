// Package spatialid defines the voxel identifier written to output and the
// rasterization primitive that maps triangles onto identifiers.
package spatialid

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"citystid/internal/engine/geometry"
)

// ID addresses one voxel: zoom Z, vertical index F, and Web Mercator tile
// X/Y at the same zoom.
type ID struct {
	Z uint8
	F int64
	X uint64
	Y uint64
}

// String renders the canonical "z/f/x/y" form.
func (id ID) String() string {
	return fmt.Sprintf("%d/%d/%d/%d", id.Z, id.F, id.X, id.Y)
}

// Parse reads the canonical form produced by String.
func Parse(s string) (ID, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 4 {
		return ID{}, fmt.Errorf("spatial id %q: expected z/f/x/y", s)
	}
	z, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return ID{}, fmt.Errorf("spatial id %q: zoom: %w", s, err)
	}
	f, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("spatial id %q: f: %w", s, err)
	}
	x, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("spatial id %q: x: %w", s, err)
	}
	y, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("spatial id %q: y: %w", s, err)
	}
	return ID{Z: uint8(z), F: f, X: x, Y: y}, nil
}

// Rasterizer converts a triangle at a subdivision depth into voxel ids.
// Implementations must be pure and deterministic.
type Rasterizer interface {
	Triangle(z uint8, a, b, c geometry.Vertex) ([]ID, error)
}

// RasterizerFunc adapts a function to Rasterizer.
type RasterizerFunc func(z uint8, a, b, c geometry.Vertex) ([]ID, error)

func (f RasterizerFunc) Triangle(z uint8, a, b, c geometry.Vertex) ([]ID, error) {
	return f(z, a, b, c)
}

// Set is a deduplicated collection of ids.
type Set map[ID]struct{}

func (s Set) Add(ids ...ID) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

func (s Set) Union(other Set) {
	for id := range other {
		s[id] = struct{}{}
	}
}

func (s Set) Has(id ID) bool {
	_, ok := s[id]
	return ok
}

// Strings returns the canonical forms in sorted order.
func (s Set) Strings() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id.String())
	}
	sort.Strings(out)
	return out
}
