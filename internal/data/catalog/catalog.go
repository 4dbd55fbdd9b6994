// Package catalog answers bounding-box queries over the feature bounds
// recorded in the manifest.
package catalog

import (
	"fmt"
	"sort"

	"citystid/internal/core/ports"

	"github.com/dhconnelly/rtreego"
)

// minExtent keeps point-like and flat features indexable; rtreego rejects
// zero-length sides.
const minExtent = 1e-9

// Source is the slice of the manifest the catalog reads from.
type Source interface {
	LoadFeatures(theme string) ([]ports.FeatureBounds, error)
}

// BBox is a lat/lon query window.
type BBox struct {
	MinLat, MinLon float64
	MaxLat, MaxLon float64
}

func (b BBox) Validate() error {
	if b.MinLat > b.MaxLat || b.MinLon > b.MaxLon {
		return fmt.Errorf("bbox min must not exceed max: %+v", b)
	}
	if b.MinLat < -90 || b.MaxLat > 90 || b.MinLon < -180 || b.MaxLon > 180 {
		return fmt.Errorf("bbox out of range: %+v", b)
	}
	return nil
}

type entry struct {
	feature ports.FeatureBounds
	rect    rtreego.Rect
}

func (e *entry) Bounds() rtreego.Rect {
	return e.rect
}

// Catalog is an immutable R-tree over feature bounds.
type Catalog struct {
	rtree *rtreego.Rtree
	size  int
}

// Build loads the features of one theme, or of all themes when theme is
// empty, and indexes them.
func Build(src Source, theme string) (*Catalog, error) {
	features, err := src.LoadFeatures(theme)
	if err != nil {
		return nil, fmt.Errorf("load feature bounds: %w", err)
	}
	return New(features), nil
}

func New(features []ports.FeatureBounds) *Catalog {
	c := &Catalog{rtree: rtreego.NewTree(2, 25, 50)}
	for _, f := range features {
		if f.Bounds.IsEmpty() {
			continue
		}
		rect, err := planeRect(f.Bounds.MinLat(), f.Bounds.MinLon(), f.Bounds.MaxLat(), f.Bounds.MaxLon())
		if err != nil {
			continue
		}
		c.rtree.Insert(&entry{feature: f, rect: rect})
		c.size++
	}
	return c
}

func (c *Catalog) Len() int {
	return c.size
}

// Query returns features whose lat/lon bounds intersect the window, ordered
// by path then sequence number.
func (c *Catalog) Query(box BBox) ([]ports.FeatureBounds, error) {
	if err := box.Validate(); err != nil {
		return nil, err
	}
	rect, err := planeRect(box.MinLat, box.MinLon, box.MaxLat, box.MaxLon)
	if err != nil {
		return nil, err
	}

	hits := c.rtree.SearchIntersect(rect)
	out := make([]ports.FeatureBounds, 0, len(hits))
	for _, hit := range hits {
		out = append(out, hit.(*entry).feature)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func planeRect(minLat, minLon, maxLat, maxLon float64) (rtreego.Rect, error) {
	point := rtreego.Point{minLon, minLat}
	lengths := []float64{
		max(maxLon-minLon, minExtent),
		max(maxLat-minLat, minExtent),
	}
	return rtreego.NewRect(point, lengths)
}
