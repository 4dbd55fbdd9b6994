package feature

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	domainErrors "citystid/internal/core/errors"
	"citystid/internal/engine/codelist"
	"citystid/internal/engine/geometry"
	"citystid/internal/engine/spatialid"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const structureDictionary = `<?xml version="1.0" encoding="UTF-8"?>
<gml:Dictionary xmlns:gml="http://www.opengis.net/gml">
  <gml:dictionaryEntry>
    <gml:Definition gml:id="id1">
      <gml:description>Reinforced Concrete</gml:description>
      <gml:name>431</gml:name>
    </gml:Definition>
  </gml:dictionaryEntry>
</gml:Dictionary>
`

func cityModel(members ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<core:CityModel xmlns:core="http://www.opengis.net/citygml/2.0" xmlns:gml="http://www.opengis.net/gml"
  xmlns:bldg="http://www.opengis.net/citygml/building/2.0" xmlns:uro="https://www.geospatial.jp/iur/uro/2.0">
  <gml:boundedBy><gml:Envelope><gml:lowerCorner>0 0 0</gml:lowerCorner></gml:Envelope></gml:boundedBy>
`)
	for _, m := range members {
		b.WriteString("  <core:cityObjectMember>\n")
		b.WriteString(m)
		b.WriteString("\n  </core:cityObjectMember>\n")
	}
	b.WriteString("</core:CityModel>\n")
	return b.String()
}

func polygon(posList string) string {
	return `<gml:Polygon><gml:exterior><gml:LinearRing><gml:posList>` + posList +
		`</gml:posList></gml:LinearRing></gml:exterior></gml:Polygon>`
}

type fixture struct {
	dir    string
	source string
}

func newFixture(t *testing.T, doc string) fixture {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "codelists"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "codelists", "Building_buildingStructureType.xml"), []byte(structureDictionary), 0o644))
	source := filepath.Join(dir, "53394525_bldg_6697_op.gml")
	require.NoError(t, os.WriteFile(source, []byte(doc), 0o644))
	return fixture{dir: dir, source: source}
}

func bldgTheme(t *testing.T, depth uint8) Theme {
	t.Helper()
	theme, ok := Builtin("bldg")
	require.True(t, ok)
	theme.Depth = depth
	return theme
}

func parseFixture(t *testing.T, theme Theme, f fixture, opts Options) ([]Record, *Parser, error) {
	t.Helper()
	p, err := NewParser(theme, opts)
	require.NoError(t, err)
	records, err := p.ParseFile(context.Background(), f.source)
	return records, p, err
}

func TestParser_BuildingScenario(t *testing.T) {
	const posList = "0 0 10 1 0 10 1 1 10 0 0 10"
	doc := cityModel(`<bldg:Building gml:id="bldg_1">
      <bldg:buildingStructureType codeSpace="codelists/Building_buildingStructureType.xml">431</bldg:buildingStructureType>
      <bldg:lod0RoofEdge><gml:MultiSurface><gml:surfaceMember>` + polygon(posList) + `</gml:surfaceMember></gml:MultiSurface></bldg:lod0RoofEdge>
    </bldg:Building>`)
	f := newFixture(t, doc)

	records, p, err := parseFixture(t, bldgTheme(t, 1), f, Options{})
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, 0, rec.Seq)
	assert.Equal(t, "bldg_1", rec.ID)
	label, ok := rec.Attributes.Get("buildingStructureType")
	require.True(t, ok)
	assert.Equal(t, "Reinforced Concrete", label)

	ring, err := geometry.ParsePosList(posList)
	require.NoError(t, err)
	tris, err := geometry.Prepare(ring, geometry.Options{RejectUngrounded: true})
	require.NoError(t, err)
	require.NotEmpty(t, tris)
	r := spatialid.NewSamplingRasterizer()
	want := make(spatialid.Set)
	for _, tri := range tris {
		ids, err := r.Triangle(1, tri[0], tri[1], tri[2])
		require.NoError(t, err)
		want.Add(ids...)
	}
	assert.Equal(t, want, rec.Footprint)
	assert.False(t, rec.Bounds.IsEmpty())

	assert.False(t, p.Truncated())
	assert.Equal(t, 1, p.Stats().Features)
}

func TestParser_TwoFeaturesDoNotLeak(t *testing.T) {
	doc := cityModel(
		`<bldg:Building gml:id="a">
      <bldg:measuredHeight uom="m">12.5</bldg:measuredHeight>
      <uro:buildingID>13101-bldg-1</uro:buildingID>
      <bldg:lod1Solid>`+polygon("35.0 139.0 3 35.0 139.001 3 35.001 139.001 3 35.0 139.0 3")+`</bldg:lod1Solid>
    </bldg:Building>`,
		`<bldg:Building gml:id="b">
      <bldg:storeysAboveGround>3</bldg:storeysAboveGround>
    </bldg:Building>`,
	)
	f := newFixture(t, doc)

	records, _, err := parseFixture(t, bldgTheme(t, 18), f, Options{})
	require.NoError(t, err)
	require.Len(t, records, 2)

	a, b := records[0], records[1]
	assert.Equal(t, "a", a.ID)
	assert.Equal(t, []string{"measuredHeight", "buildingID"}, a.Attributes.Keys())
	assert.NotEmpty(t, a.Footprint)

	assert.Equal(t, 1, b.Seq)
	assert.Equal(t, "b", b.ID)
	assert.Equal(t, map[string]string{"storeysAboveGround": "3"}, b.Attributes.Map())
	assert.Empty(t, b.Footprint)
	assert.True(t, b.Bounds.IsEmpty())
}

func TestParser_UnlistedTagsAreNotCaptured(t *testing.T) {
	doc := cityModel(`<bldg:Building gml:id="x">
      <gml:name>ignored</gml:name>
      <bldg:class>3001</bldg:class>
      <bldg:measuredHeight>4</bldg:measuredHeight>
    </bldg:Building>`)
	records, _, err := parseFixture(t, bldgTheme(t, 10), newFixture(t, doc), Options{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []string{"measuredHeight"}, records[0].Attributes.Keys())
}

func TestParser_QualifiedKeys(t *testing.T) {
	doc := cityModel(`<bldg:Building gml:id="x"><uro:buildingID>id-1</uro:buildingID></bldg:Building>`)
	theme := bldgTheme(t, 10)
	theme.QualifiedKeys = true

	records, _, err := parseFixture(t, theme, newFixture(t, doc), Options{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	v, ok := records[0].Attributes.Get("uro:buildingID")
	assert.True(t, ok)
	assert.Equal(t, "id-1", v)
}

func TestParser_MalformedPosList(t *testing.T) {
	doc := cityModel(`<bldg:Building gml:id="bad">` + polygon("0 0 10 1 0 10 1 1 10 0") + `</bldg:Building>`)
	records, _, err := parseFixture(t, bldgTheme(t, 1), newFixture(t, doc), Options{})
	require.Error(t, err)
	assert.Nil(t, records)
	assert.True(t, domainErrors.IsCode(err, domainErrors.CodeGeometryFormat), "got %v", err)
}

func TestParser_MarkupErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"mismatched end tag", cityModel(`<bldg:Building gml:id="a"><bldg:class>1</bldg:usage></bldg:Building>`)},
		{"syntax", `<core:CityModel><bldg:Building gml:id="a"><<</bldg:Building></core:CityModel>`},
		{"stray end tag", `<a></a></b>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := parseFixture(t, bldgTheme(t, 1), newFixture(t, tt.doc), Options{})
			assert.True(t, domainErrors.IsCode(err, domainErrors.CodeMarkupSyntax), "got %v", err)
		})
	}
}

func TestParser_MissingDocument(t *testing.T) {
	p, err := NewParser(bldgTheme(t, 1), Options{})
	require.NoError(t, err)
	_, err = p.ParseFile(context.Background(), filepath.Join(t.TempDir(), "absent.gml"))
	assert.True(t, domainErrors.IsCode(err, domainErrors.CodeDocumentRead), "got %v", err)
}

func TestParser_MissingCodeList(t *testing.T) {
	doc := cityModel(`<bldg:Building gml:id="a">
      <bldg:usage codeSpace="codelists/Building_usage.xml">401</bldg:usage>
    </bldg:Building>`)
	f := newFixture(t, doc)
	// The dictionary exists but cannot be parsed.
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "codelists", "Building_usage.xml"), []byte("<gml:Dictionary/>"), 0o644))

	_, _, err := parseFixture(t, bldgTheme(t, 1), f, Options{})
	assert.True(t, domainErrors.IsCode(err, domainErrors.CodeCodeListParse), "got %v", err)
}

func TestParser_UnresolvableCodeSpaceFallsThroughToPassThrough(t *testing.T) {
	doc := cityModel(`<bldg:Building gml:id="a">
      <uro:buildingID codeSpace="codelists/missing.xml">raw</uro:buildingID>
    </bldg:Building>`)
	records, _, err := parseFixture(t, bldgTheme(t, 1), newFixture(t, doc), Options{})
	require.NoError(t, err)
	v, _ := records[0].Attributes.Get("buildingID")
	assert.Equal(t, "raw", v)
}

func TestParser_PrefersHighestLOD(t *testing.T) {
	low := polygon("35.0 139.0 3 35.0 139.01 3 35.01 139.01 3 35.0 139.0 3")
	high := polygon("35.5 139.5 3 35.5 139.51 3 35.51 139.51 3 35.5 139.5 3")
	doc := cityModel(`<bldg:Building gml:id="a">
      <bldg:lod0RoofEdge>` + low + `</bldg:lod0RoofEdge>
      <bldg:lod2Solid>` + high + `</bldg:lod2Solid>
    </bldg:Building>`)

	records, _, err := parseFixture(t, bldgTheme(t, 12), newFixture(t, doc), Options{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.InDelta(t, 35.5, records[0].Bounds.MinLat(), 1e-9)

	// Without the preference both levels contribute.
	dem, ok := Builtin("dem")
	require.True(t, ok)
	dem.RootTag = "bldg:Building"
	dem.Depth = 12
	records, _, err = parseFixture(t, dem, newFixture(t, doc), Options{})
	require.NoError(t, err)
	assert.InDelta(t, 35.0, records[0].Bounds.MinLat(), 1e-9)
}

func TestParser_EmptyHighLODRingKeepsLowerLOD(t *testing.T) {
	low := polygon("35.0 139.0 3 35.0 139.01 3 35.01 139.01 3 35.0 139.0 3")
	lowOnly := cityModel(`<bldg:Building gml:id="a">
      <bldg:lod1Solid>` + low + `</bldg:lod1Solid>
    </bldg:Building>`)
	withEmpty := cityModel(`<bldg:Building gml:id="a">
      <bldg:lod1Solid>` + low + `</bldg:lod1Solid>
      <bldg:lod2Solid>` + polygon("") + `</bldg:lod2Solid>
    </bldg:Building>`)

	want, _, err := parseFixture(t, bldgTheme(t, 12), newFixture(t, lowOnly), Options{})
	require.NoError(t, err)
	require.Len(t, want, 1)
	require.NotEmpty(t, want[0].Footprint)

	got, p, err := parseFixture(t, bldgTheme(t, 12), newFixture(t, withEmpty), Options{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want[0].Footprint, got[0].Footprint)
	assert.Equal(t, 1, p.Stats().Footprint.Rings)
}

func TestParser_InteriorRingsIgnored(t *testing.T) {
	doc := cityModel(`<bldg:Building gml:id="a"><gml:Polygon>
      <gml:exterior><gml:LinearRing><gml:posList>35 139 3 35 139.01 3 35.01 139.01 3 35 139 3</gml:posList></gml:LinearRing></gml:exterior>
      <gml:interior><gml:LinearRing><gml:posList>1 1 3 1 2 3 2 2 3 1 1 3</gml:posList></gml:LinearRing></gml:interior>
    </gml:Polygon></bldg:Building>`)

	records, p, err := parseFixture(t, bldgTheme(t, 12), newFixture(t, doc), Options{})
	require.NoError(t, err)
	assert.InDelta(t, 35.0, records[0].Bounds.MinLat(), 1e-9)
	assert.Equal(t, 1, p.Stats().Footprint.Rings)
}

func TestParser_NestedCodeScopeIgnored(t *testing.T) {
	doc := cityModel(`<bldg:Building gml:id="a">
      <bldg:buildingStructureType codeSpace="codelists/Building_buildingStructureType.xml">
        <uro:detail codeSpace="codelists/Building_buildingStructureType.xml">431</uro:detail>
      </bldg:buildingStructureType>
    </bldg:Building>`)

	records, p, err := parseFixture(t, bldgTheme(t, 1), newFixture(t, doc), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stats().NestedScopes)
	v, ok := records[0].Attributes.Get("detail")
	require.True(t, ok)
	assert.Equal(t, "Reinforced Concrete", v)
}

func TestParser_TruncatedFeatureDiscarded(t *testing.T) {
	doc := `<core:CityModel xmlns:core="c" xmlns:bldg="b" xmlns:gml="g">
  <bldg:Building gml:id="done"><bldg:measuredHeight>1</bldg:measuredHeight></bldg:Building>
  <bldg:Building gml:id="cut"><bldg:measuredHeight>2</bldg:measuredHeight>`

	records, p, err := parseFixture(t, bldgTheme(t, 1), newFixture(t, doc), Options{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "done", records[0].ID)
	assert.True(t, p.Truncated())
}

func TestParser_NestedRootIsAChild(t *testing.T) {
	doc := cityModel(`<bldg:Building gml:id="outer">
      <bldg:consistsOfBuildingPart><bldg:Building gml:id="inner"><bldg:measuredHeight>7</bldg:measuredHeight></bldg:Building></bldg:consistsOfBuildingPart>
      <bldg:storeysAboveGround>2</bldg:storeysAboveGround>
    </bldg:Building>`)

	records, _, err := parseFixture(t, bldgTheme(t, 1), newFixture(t, doc), Options{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "outer", records[0].ID)
	assert.Equal(t, []string{"measuredHeight", "storeysAboveGround"}, records[0].Attributes.Keys())
}

func TestParser_SharedResolver(t *testing.T) {
	doc := cityModel(`<bldg:Building gml:id="a">
      <bldg:buildingStructureType codeSpace="codelists/Building_buildingStructureType.xml">431</bldg:buildingStructureType>
    </bldg:Building>`)
	shared := codelist.NewSharedCache(nil)

	for i := 0; i < 2; i++ {
		records, _, err := parseFixture(t, bldgTheme(t, 1), newFixture(t, doc), Options{Resolver: shared})
		require.NoError(t, err)
		v, _ := records[0].Attributes.Get("buildingStructureType")
		assert.Equal(t, "Reinforced Concrete", v)
	}
	assert.Equal(t, 2, shared.Len(), "each fixture has its own dictionary path")
}

func TestParser_Cancelled(t *testing.T) {
	doc := cityModel(`<bldg:Building gml:id="a"/>`)
	p, err := NewParser(bldgTheme(t, 1), Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.ParseFile(ctx, newFixture(t, doc).source)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAttributesMarshalKeepsOrder(t *testing.T) {
	var attrs Attributes
	attrs.Set("z", "1")
	attrs.Set("a", "\"q\"")
	attrs.Set("z", "2")

	data, err := json.Marshal(attrs)
	require.NoError(t, err)
	assert.Equal(t, `{"z":"2","a":"\"q\""}`, string(data))

	var empty Attributes
	data, err = json.Marshal(empty)
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(data))
}

func TestBuiltinThemes(t *testing.T) {
	assert.Equal(t, []string{"bldg", "brid", "dem", "fld", "frn", "htd", "lsld", "luse", "tran", "urf"}, Names())

	for _, name := range Names() {
		theme, ok := Builtin(name)
		require.True(t, ok, name)
		compiled, err := theme.Compile()
		require.NoError(t, err, name)
		assert.Equal(t, DefaultIDAttr, compiled.IDAttr)
		assert.Equal(t, DefaultGeometryTag, compiled.GeometryTag)
		assert.Equal(t, uint8(DefaultDepth), compiled.Depth)
	}

	fld, _ := Builtin("FLD")
	fld, err := fld.Compile()
	require.NoError(t, err)
	assert.True(t, fld.Recursive)
	assert.True(t, fld.PassesThrough("urf:rank"))
	assert.False(t, fld.PassesThrough("gml:name"))

	_, ok := Builtin("nope")
	assert.False(t, ok)

	_, err = Theme{Name: "x", RootTag: "a:B", PassThrough: []string{"[unclosed"}}.Compile()
	assert.Error(t, err)
}
