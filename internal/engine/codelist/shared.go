package codelist

import (
	"citystid/internal/shared/observability"

	"github.com/puzpuzpuz/xsync/v3"
)

// SharedCache is a Cache that may be shared by every worker of a run.
// Concurrent misses on one path parse it once; failures are not stored.
type SharedCache struct {
	parse   ParseFunc
	entries *xsync.MapOf[string, map[string]string]
}

func NewSharedCache(parse ParseFunc) *SharedCache {
	if parse == nil {
		parse = ParseDictionary
	}
	return &SharedCache{
		parse:   parse,
		entries: xsync.NewMapOf[string, map[string]string](),
	}
}

func (c *SharedCache) Resolve(path string) (map[string]string, error) {
	if mapping, ok := c.entries.Load(path); ok {
		observability.CodeListCacheHitsTotal.Inc()
		return mapping, nil
	}

	var parseErr error
	mapping, _ := c.entries.Compute(path, func(old map[string]string, loaded bool) (map[string]string, bool) {
		if loaded {
			observability.CodeListCacheHitsTotal.Inc()
			return old, false
		}
		observability.CodeListCacheMissesTotal.Inc()
		parsed, err := c.parse(path)
		if err != nil {
			parseErr = err
			return nil, true
		}
		return parsed, false
	})
	if parseErr != nil {
		return nil, asParseError(parseErr, path)
	}
	return mapping, nil
}

func (c *SharedCache) Len() int {
	return c.entries.Size()
}
