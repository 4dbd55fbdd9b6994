package feature

import (
	"bytes"
	"encoding/json"

	"citystid/internal/engine/geometry"
	"citystid/internal/engine/spatialid"
)

// Attributes is a string map that remembers first-insertion order. Setting
// an existing key replaces the value in place.
type Attributes struct {
	keys   []string
	values map[string]string
}

func (a *Attributes) Set(key, value string) {
	if a.values == nil {
		a.values = make(map[string]string)
	}
	if _, ok := a.values[key]; !ok {
		a.keys = append(a.keys, key)
	}
	a.values[key] = value
}

func (a *Attributes) Get(key string) (string, bool) {
	v, ok := a.values[key]
	return v, ok
}

func (a *Attributes) Len() int {
	return len(a.keys)
}

// Keys returns the keys in insertion order.
func (a *Attributes) Keys() []string {
	return append([]string(nil), a.keys...)
}

// Map returns an unordered copy.
func (a *Attributes) Map() map[string]string {
	out := make(map[string]string, len(a.values))
	for k, v := range a.values {
		out[k] = v
	}
	return out
}

// MarshalJSON writes the attributes as an object in insertion order.
func (a Attributes) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range a.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(a.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Record is one finalized root feature.
type Record struct {
	Seq        int
	ID         string
	Footprint  spatialid.Set
	Attributes Attributes
	Bounds     geometry.Bounds
}
