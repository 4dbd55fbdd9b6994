package feature

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

const (
	DefaultIDAttr      = "gml:id"
	DefaultGeometryTag = "gml:posList"
	DefaultDepth       = 25
)

// Theme describes how one kind of city-model document is converted. The
// parser is generic; everything theme specific lives here.
type Theme struct {
	Name        string
	RootTag     string
	IDAttr      string
	GeometryTag string
	// PassThrough holds glob patterns over qualified tag names whose text is
	// copied verbatim.
	PassThrough      []string
	Recursive        bool
	PreferHighLOD    bool
	RejectUngrounded bool
	Depth            uint8
	QualifiedKeys    bool

	passThrough []glob.Glob
	compiled    bool
}

var builtins = []Theme{
	{
		Name:    "bldg",
		RootTag: "bldg:Building",
		PassThrough: []string{
			"bldg:measuredHeight",
			"bldg:storeysAboveGround",
			"bldg:storeysBelowGround",
			"uro:buildingID",
		},
		PreferHighLOD:    true,
		RejectUngrounded: true,
	},
	{
		Name:             "brid",
		RootTag:          "brid:Bridge",
		PassThrough:      []string{"uro:*"},
		PreferHighLOD:    true,
		RejectUngrounded: true,
	},
	{Name: "dem", RootTag: "dem:ReliefFeature"},
	{Name: "fld", RootTag: "wtr:WaterBody", Recursive: true, PassThrough: []string{"urf:*", "uro:*"}},
	{Name: "frn", RootTag: "frn:CityFurniture", PassThrough: []string{"uro:*"}, PreferHighLOD: true},
	{Name: "htd", RootTag: "wtr:WaterBody", Recursive: true, PassThrough: []string{"urf:*", "uro:*"}},
	{Name: "lsld", RootTag: "urf:SedimentDisasterProneArea", PassThrough: []string{"urf:*"}},
	{Name: "luse", RootTag: "luse:LandUse", PassThrough: []string{"urf:*", "uro:*", "luse:*"}},
	{Name: "tran", RootTag: "tran:Road", PassThrough: []string{"uro:*"}},
	{Name: "urf", RootTag: "urf:UseDistrict", PassThrough: []string{"urf:*"}},
}

// Builtin returns a copy of the named built-in theme with defaults applied.
func Builtin(name string) (Theme, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, t := range builtins {
		if t.Name == name {
			t.PassThrough = append([]string(nil), t.PassThrough...)
			return t.withDefaults(), true
		}
	}
	return Theme{}, false
}

// Names lists the built-in theme names in sorted order.
func Names() []string {
	names := make([]string, 0, len(builtins))
	for _, t := range builtins {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

func (t Theme) withDefaults() Theme {
	if t.IDAttr == "" {
		t.IDAttr = DefaultIDAttr
	}
	if t.GeometryTag == "" {
		t.GeometryTag = DefaultGeometryTag
	}
	if t.Depth == 0 {
		t.Depth = DefaultDepth
	}
	return t
}

// Compile validates the descriptor and prepares its pass-through matchers.
func (t Theme) Compile() (Theme, error) {
	t = t.withDefaults()
	if t.Name == "" {
		return t, fmt.Errorf("theme name is required")
	}
	if t.RootTag == "" {
		return t, fmt.Errorf("theme %q: root tag is required", t.Name)
	}
	t.passThrough = make([]glob.Glob, 0, len(t.PassThrough))
	for _, pattern := range t.PassThrough {
		g, err := glob.Compile(pattern)
		if err != nil {
			return t, fmt.Errorf("theme %q: pass-through pattern %q: %w", t.Name, pattern, err)
		}
		t.passThrough = append(t.passThrough, g)
	}
	t.compiled = true
	return t, nil
}

// PassesThrough reports whether text under the qualified tag is copied
// verbatim.
func (t Theme) PassesThrough(qualified string) bool {
	for _, g := range t.passThrough {
		if g.Match(qualified) {
			return true
		}
	}
	return false
}
