package codelist

import (
	"citystid/internal/shared/observability"

	domainErrors "citystid/internal/core/errors"
)

// Resolver returns the mapping for a canonical dictionary path.
type Resolver interface {
	Resolve(path string) (map[string]string, error)
}

// Cache memoizes parsed dictionaries for a single file task. Entries are
// never evicted or modified. Not safe for concurrent use.
type Cache struct {
	parse   ParseFunc
	entries map[string]map[string]string
}

func NewCache(parse ParseFunc) *Cache {
	if parse == nil {
		parse = ParseDictionary
	}
	return &Cache{
		parse:   parse,
		entries: make(map[string]map[string]string),
	}
}

func (c *Cache) Resolve(path string) (map[string]string, error) {
	if mapping, ok := c.entries[path]; ok {
		observability.CodeListCacheHitsTotal.Inc()
		return mapping, nil
	}
	observability.CodeListCacheMissesTotal.Inc()

	mapping, err := c.parse(path)
	if err != nil {
		return nil, asParseError(err, path)
	}
	c.entries[path] = mapping
	return mapping, nil
}

func (c *Cache) Len() int {
	return len(c.entries)
}

// asParseError keeps injected parse functions inside the CODE_LIST_PARSE
// taxonomy.
func asParseError(err error, path string) error {
	if domainErrors.IsCode(err, domainErrors.CodeCodeListParse) {
		return err
	}
	return parseError(err, path, "parse dictionary")
}
