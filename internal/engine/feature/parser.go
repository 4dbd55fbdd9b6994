// Package feature streams a city-model document and emits one Record per
// root feature element, as described by a Theme.
package feature

import (
	"bufio"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	domainErrors "citystid/internal/core/errors"
	"citystid/internal/engine/codelist"
	"citystid/internal/engine/footprint"
	"citystid/internal/engine/geometry"
	"citystid/internal/engine/spatialid"
)

const ctxCheckInterval = 512

type Options struct {
	// Source is the document path; codeSpace references resolve against its
	// directory. ParseFile fills it when empty.
	Source            string
	Resolver          codelist.Resolver
	Rasterizer        spatialid.Rasterizer
	CodeListAttribute string
	Logger            *slog.Logger
}

// Stats describes the last Parse call.
type Stats struct {
	Features     int
	NestedScopes int
	Truncated    bool
	Footprint    footprint.Stats
}

type qname struct {
	prefix string
	local  string
}

func splitQName(s string) qname {
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return qname{prefix: s[:i], local: s[i+1:]}
	}
	return qname{local: s}
}

// matches compares local names, and prefixes only when q has one.
func (q qname) matches(n xml.Name) bool {
	return n.Local == q.local && (q.prefix == "" || n.Space == q.prefix)
}

func qualified(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

type frame struct {
	name     xml.Name
	slot     footprint.Slot
	interior bool
}

// Parser converts documents of one theme. A Parser is reusable but not safe
// for concurrent use.
type Parser struct {
	theme    Theme
	opts     Options
	root     qname
	idAttr   qname
	geometry qname
	logger   *slog.Logger

	tracker   *codelist.Tracker
	assembler *footprint.Assembler
	stats     Stats
}

func NewParser(theme Theme, opts Options) (*Parser, error) {
	if !theme.compiled {
		var err error
		if theme, err = theme.Compile(); err != nil {
			return nil, domainErrors.Wrap(err, domainErrors.CodeValidationError, "invalid theme")
		}
	}
	if opts.Resolver == nil {
		opts.Resolver = codelist.NewCache(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	assembler := footprint.NewAssembler(opts.Rasterizer, footprint.Options{
		Depth:            theme.Depth,
		PreferHighLOD:    theme.PreferHighLOD,
		RejectUngrounded: theme.RejectUngrounded,
	})
	return &Parser{
		theme:     theme,
		opts:      opts,
		root:      splitQName(theme.RootTag),
		idAttr:    splitQName(theme.IDAttr),
		geometry:  splitQName(theme.GeometryTag),
		logger:    logger.With("theme", theme.Name),
		tracker:   codelist.NewTracker(opts.CodeListAttribute),
		assembler: assembler,
	}, nil
}

func (p *Parser) Theme() Theme { return p.theme }

// Stats returns counters for the most recent Parse.
func (p *Parser) Stats() Stats { return p.stats }

// Truncated reports whether the last document ended inside a feature, which
// was then discarded.
func (p *Parser) Truncated() bool { return p.stats.Truncated }

// ParseFile opens path and parses it.
func (p *Parser) ParseFile(ctx context.Context, path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, domainErrors.AddContext(
			domainErrors.Wrap(err, domainErrors.CodeDocumentRead, "open document"),
			domainErrors.CtxPath, path)
	}
	defer f.Close()

	if p.opts.Source == "" {
		p.opts.Source = path
		defer func() { p.opts.Source = "" }()
	}
	return p.Parse(ctx, bufio.NewReaderSize(f, 64<<10))
}

// Parse reads the whole document and returns its finalized records in
// document order. Any error aborts the document; partial results are not
// returned.
func (p *Parser) Parse(ctx context.Context, r io.Reader) ([]Record, error) {
	p.stats = Stats{}
	p.tracker = codelist.NewTracker(p.opts.CodeListAttribute)
	p.assembler.Reset()
	before := p.assembler.Stats()
	defer func() {
		after := p.assembler.Stats()
		p.stats.Footprint = footprint.Stats{
			Rings:                 after.Rings - before.Rings,
			TriangulationFailures: after.TriangulationFailures - before.TriangulationFailures,
			RasterizeErrors:       after.RasterizeErrors - before.RasterizeErrors,
		}
	}()

	dec := xml.NewDecoder(r)

	var (
		records    []Record
		rec        *Record
		rootDepth  int
		stack      []frame
		current    xml.Name
		hasCurrent bool
		inGeometry bool
		geom       strings.Builder
		tokens     int
	)

	for {
		if tokens%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		tokens++

		tok, err := dec.RawToken()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, p.readError(err, dec)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			f := frame{name: t.Name, slot: footprint.Unleveled}
			if n := len(stack); n > 0 {
				f.slot = stack[n-1].slot
				f.interior = stack[n-1].interior
			}
			if slot, ok := lodSlot(t.Name.Local); ok {
				f.slot = slot
			}
			if t.Name.Local == "interior" {
				f.interior = true
			}
			stack = append(stack, f)

			if p.root.matches(t.Name) {
				if rec == nil {
					rec = &Record{ID: p.attrValue(t.Attr, p.idAttr)}
					rootDepth = 1
					hasCurrent = false
					continue
				}
				rootDepth++
			}
			if rec == nil {
				continue
			}

			current, hasCurrent = t.Name, true
			if p.tracker.OnStart(qualified(t.Name), attrMap(t.Attr), p.opts.Source) {
				p.stats.NestedScopes++
				p.logger.Debug("nested code scope ignored",
					"path", p.opts.Source, "tag", qualified(t.Name), "owner", p.tracker.Owner())
			}
			if p.geometry.matches(t.Name) {
				inGeometry = true
				geom.Reset()
			}

		case xml.EndElement:
			n := len(stack)
			if n == 0 || stack[n-1].name != t.Name {
				line, _ := dec.InputPos()
				expected := ""
				if n > 0 {
					expected = qualified(stack[n-1].name)
				}
				err := domainErrors.Newf(domainErrors.CodeMarkupSyntax,
					"unexpected end tag </%s>, expected </%s>", qualified(t.Name), expected)
				err = domainErrors.AddContext(err, domainErrors.CtxLine, line)
				return nil, domainErrors.AddContext(err, domainErrors.CtxPath, p.opts.Source)
			}
			f := stack[n-1]
			stack = stack[:n-1]
			if rec == nil {
				continue
			}

			if inGeometry && p.geometry.matches(t.Name) {
				inGeometry = false
				ring, err := geometry.ParsePosList(geom.String())
				if err != nil {
					line, _ := dec.InputPos()
					err = domainErrors.AddContext(err, domainErrors.CtxLine, line)
					return nil, domainErrors.AddContext(err, domainErrors.CtxPath, p.opts.Source)
				}
				if !f.interior && len(ring) > 0 {
					p.assembler.AddRing(f.slot, ring)
				}
			}

			p.tracker.OnEnd(qualified(t.Name))
			if hasCurrent && current == t.Name {
				hasCurrent = false
			}

			if p.root.matches(t.Name) {
				rootDepth--
				if rootDepth == 0 {
					rec.Footprint, rec.Bounds = p.assembler.Finalize()
					rec.Seq = len(records)
					records = append(records, *rec)
					rec = nil
					p.tracker.Reset()
				}
			}

		case xml.CharData:
			if rec == nil {
				continue
			}
			text := strings.TrimSpace(string(t))
			if text == "" {
				continue
			}

			label, active, err := p.tracker.ResolveText(text, p.opts.Resolver)
			if err != nil {
				return nil, domainErrors.AddContext(err, "referenced_by", p.opts.Source)
			}
			if active {
				key := p.tracker.Owner()
				if hasCurrent {
					key = qualified(current)
				}
				rec.Attributes.Set(p.attrKey(key), label)
				continue
			}
			if !hasCurrent {
				continue
			}
			if inGeometry {
				geom.WriteString(text)
				geom.WriteByte(' ')
				continue
			}
			if q := qualified(current); p.theme.PassesThrough(q) {
				rec.Attributes.Set(p.attrKey(q), text)
			}
		}
	}

	if rec != nil {
		p.stats.Truncated = true
		p.assembler.Reset()
	}
	p.stats.Features = len(records)
	return records, nil
}

func (p *Parser) readError(err error, dec *xml.Decoder) error {
	var syntax *xml.SyntaxError
	if errors.As(err, &syntax) {
		out := domainErrors.Wrap(err, domainErrors.CodeMarkupSyntax, "malformed markup")
		out = domainErrors.AddContext(out, domainErrors.CtxLine, syntax.Line)
		return domainErrors.AddContext(out, domainErrors.CtxPath, p.opts.Source)
	}
	line, _ := dec.InputPos()
	out := domainErrors.Wrap(err, domainErrors.CodeDocumentRead, "read document")
	out = domainErrors.AddContext(out, domainErrors.CtxLine, line)
	return domainErrors.AddContext(out, domainErrors.CtxPath, p.opts.Source)
}

func (p *Parser) attrValue(attrs []xml.Attr, name qname) string {
	for _, a := range attrs {
		if name.matches(a.Name) {
			return a.Value
		}
	}
	return ""
}

// attrKey drops the prefix unless the theme keeps qualified keys.
func (p *Parser) attrKey(q string) string {
	if p.theme.QualifiedKeys {
		return q
	}
	return splitQName(q).local
}

func attrMap(attrs []xml.Attr) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[a.Name.Local] = a.Value
	}
	return m
}

// lodSlot recognises lod0* through lod4* elements.
func lodSlot(local string) (footprint.Slot, bool) {
	if len(local) < 4 || !strings.HasPrefix(local, "lod") {
		return 0, false
	}
	d := local[3]
	if d < '0' || d > byte('0'+footprint.MaxLOD) {
		return 0, false
	}
	return footprint.Slot(d - '0'), true
}
