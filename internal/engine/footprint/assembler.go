// Package footprint turns the rings of one feature into its spatial-ID set.
package footprint

import (
	"log/slog"

	domainErrors "citystid/internal/core/errors"
	"citystid/internal/engine/geometry"
	"citystid/internal/engine/spatialid"
	"citystid/internal/shared/observability"
)

// Slot groups rings by level of detail. Unleveled holds geometry found
// outside any lodN element.
type Slot int

const (
	Unleveled Slot = -1
	MaxLOD    Slot = 4
)

type Options struct {
	Depth            uint8
	PreferHighLOD    bool
	RejectUngrounded bool
}

// Stats counts recovered failures for the current assembler.
type Stats struct {
	Rings                 int
	TriangulationFailures int
	RasterizeErrors       int
}

type slotState struct {
	polygons  int
	triangles []geometry.Triangle
	bounds    geometry.Bounds
}

// Assembler accumulates prepared triangles per slot and rasterizes the
// selected slots at Finalize. Not safe for concurrent use.
type Assembler struct {
	rasterizer spatialid.Rasterizer
	opts       Options
	slots      [MaxLOD + 2]slotState
	stats      Stats
}

func NewAssembler(r spatialid.Rasterizer, opts Options) *Assembler {
	if r == nil {
		r = spatialid.NewSamplingRasterizer()
	}
	return &Assembler{rasterizer: r, opts: opts}
}

func slotIndex(slot Slot) int {
	if slot < 0 || slot > MaxLOD {
		return 0
	}
	return int(slot) + 1
}

// AddRing prepares ring and files its triangles under slot. Triangulation
// failures are absorbed; the ring still counts towards its slot. Empty rings
// are ignored.
func (a *Assembler) AddRing(slot Slot, ring geometry.Ring) {
	if len(ring) == 0 {
		return
	}
	s := &a.slots[slotIndex(slot)]
	s.polygons++
	a.stats.Rings++

	tris, err := geometry.Prepare(ring, geometry.Options{RejectUngrounded: a.opts.RejectUngrounded})
	if err != nil {
		a.stats.TriangulationFailures++
		observability.TriangulationFailuresTotal.Inc()
		slog.Debug("polygon skipped", "code", domainErrors.CodeOf(err), "error", err)
		return
	}
	if len(tris) == 0 {
		return
	}
	s.triangles = append(s.triangles, tris...)
	s.bounds = s.bounds.Extend(ring)
}

// Finalize returns the footprint and bounds of the accumulated geometry and
// resets the assembler for the next feature.
func (a *Assembler) Finalize() (spatialid.Set, geometry.Bounds) {
	footprint := make(spatialid.Set)
	var bounds geometry.Bounds
	for _, i := range a.selected() {
		s := &a.slots[i]
		for _, t := range s.triangles {
			ids, err := a.rasterizer.Triangle(a.opts.Depth, t[0], t[1], t[2])
			if err != nil {
				a.stats.RasterizeErrors++
				observability.RasterizeErrorsTotal.Inc()
				slog.Warn("triangle skipped", "depth", a.opts.Depth, "error", err)
				continue
			}
			footprint.Add(ids...)
		}
		bounds = bounds.Union(s.bounds)
	}
	a.Reset()
	return footprint, bounds
}

// selected lists the slot indices that contribute to the footprint.
func (a *Assembler) selected() []int {
	if !a.opts.PreferHighLOD {
		all := make([]int, len(a.slots))
		for i := range all {
			all[i] = i
		}
		return all
	}
	for lod := MaxLOD; lod >= 0; lod-- {
		if i := slotIndex(lod); a.slots[i].polygons > 0 {
			return []int{i}
		}
	}
	return []int{slotIndex(Unleveled)}
}

func (a *Assembler) Reset() {
	for i := range a.slots {
		a.slots[i] = slotState{}
	}
}

// Stats returns the counters accumulated since construction.
func (a *Assembler) Stats() Stats {
	return a.stats
}
