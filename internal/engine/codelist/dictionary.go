// Package codelist resolves enumerated code values against the GML
// dictionaries a document references through codeSpace attributes.
package codelist

import (
	"strings"

	domainErrors "citystid/internal/core/errors"

	"github.com/beevik/etree"
)

// ParseFunc loads a code-to-label mapping from a dictionary document.
type ParseFunc func(path string) (map[string]string, error)

// ParseDictionary reads a gml:Dictionary and maps each Definition's name to
// its description. Prefixes are not significant. Later duplicates win.
func ParseDictionary(path string) (map[string]string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(path); err != nil {
		return nil, parseError(err, path, "read dictionary")
	}

	mapping := make(map[string]string)
	for _, def := range doc.FindElements("//Definition") {
		name := def.SelectElement("name")
		if name == nil {
			continue
		}
		code := strings.TrimSpace(name.Text())
		if code == "" {
			continue
		}
		label := ""
		if desc := def.SelectElement("description"); desc != nil {
			label = strings.TrimSpace(desc.Text())
		}
		mapping[code] = label
	}

	if len(mapping) == 0 {
		return nil, parseError(nil, path, "dictionary has no definitions")
	}
	return mapping, nil
}

func parseError(err error, path, msg string) error {
	var out error
	if err == nil {
		out = domainErrors.New(domainErrors.CodeCodeListParse, msg)
	} else {
		out = domainErrors.Wrap(err, domainErrors.CodeCodeListParse, msg)
	}
	return domainErrors.AddContext(out, domainErrors.CtxPath, path)
}
