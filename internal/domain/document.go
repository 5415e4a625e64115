package domain

import (
	"maps"
	"strings"
)

// Document is a raw record in a (possibly legacy) collection. Fields is the
// decoded document body; nested objects are map[string]any.
type Document struct {
	Collection string         `json:"collection"`
	ID         EntityID       `json:"id"`
	Version    int64          `json:"version"`
	Fields     map[string]any `json:"fields"`
}

// Clone deep-copies nested maps so path edits do not leak into the source.
func (d Document) Clone() Document {
	out := d
	out.Fields = deepCopy(d.Fields)
	return out
}

// Lookup returns the value at a dotted path.
func (d Document) Lookup(path string) (any, bool) {
	cur := any(d.Fields)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set writes value at a dotted path, creating intermediate objects.
func (d *Document) Set(path string, value any) {
	if d.Fields == nil {
		d.Fields = map[string]any{}
	}
	segs := strings.Split(path, ".")
	m := d.Fields
	for _, seg := range segs[:len(segs)-1] {
		next, ok := m[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[seg] = next
		}
		m = next
	}
	m[segs[len(segs)-1]] = value
}

// Delete removes the value at a dotted path. Missing paths are ignored.
func (d *Document) Delete(path string) {
	segs := strings.Split(path, ".")
	m := d.Fields
	for _, seg := range segs[:len(segs)-1] {
		next, ok := m[seg].(map[string]any)
		if !ok {
			return
		}
		m = next
	}
	delete(m, segs[len(segs)-1])
}

func deepCopy(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := maps.Clone(m)
	for k, v := range out {
		switch t := v.(type) {
		case map[string]any:
			out[k] = deepCopy(t)
		case []any:
			cp := make([]any, len(t))
			for i, item := range t {
				if im, ok := item.(map[string]any); ok {
					cp[i] = deepCopy(im)
				} else {
					cp[i] = item
				}
			}
			out[k] = cp
		}
	}
	return out
}
