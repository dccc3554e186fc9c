package models

import (
	"encoding/json"
	"strings"
)

// Document is the stored form of a job or run record.
type Document map[string]interface{}

// ToDocument converts a record struct into its stored form.
func ToDocument(v interface{}) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// FromDocument decodes a stored document into dst.
func FromDocument(doc Document, dst interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return cloneValue(map[string]interface{}(d)).(map[string]interface{})
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case Document:
		return Document(cloneValue(map[string]interface{}(t)).(map[string]interface{}))
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Lookup resolves a dotted path such as "metrics.acc". The second result is
// false when any segment is missing.
func (d Document) Lookup(path string) (interface{}, bool) {
	var cur interface{} = map[string]interface{}(d)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set writes value at a dotted path, creating intermediate maps.
func (d Document) Set(path string, value interface{}) {
	parts := strings.Split(path, ".")
	cur := map[string]interface{}(d)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(cur[part])
		if !ok {
			next = map[string]interface{}{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// Unset removes the value at a dotted path.
func (d Document) Unset(path string) {
	parts := strings.Split(path, ".")
	cur := map[string]interface{}(d)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(cur[part])
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}

// Project keeps only the listed dotted paths. An empty list keeps everything.
func (d Document) Project(fields []string) Document {
	if len(fields) == 0 {
		return d.Clone()
	}
	out := Document{}
	for _, f := range fields {
		if v, ok := d.Lookup(f); ok {
			out.Set(f, cloneValue(v))
		}
	}
	return out
}

func (d Document) String(key string) string {
	v, _ := d.Lookup(key)
	s, _ := v.(string)
	return s
}

func (d Document) Int(key string) int {
	v, _ := d.Lookup(key)
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case Document:
		return map[string]interface{}(m), true
	}
	return nil, false
}

// Update is a set/unset pair applied atomically to one document.
type Update struct {
	Set   map[string]interface{}
	Unset []string
}

func (u Update) Empty() bool { return len(u.Set) == 0 && len(u.Unset) == 0 }

// Apply mutates doc in place.
func (u Update) Apply(doc Document) {
	for k, v := range u.Set {
		doc.Set(k, Normalize(v))
	}
	for _, k := range u.Unset {
		doc.Unset(k)
	}
}

// Normalize converts v to the shape it has after a JSON round trip, so that
// in-memory and persisted documents compare equal.
func Normalize(v interface{}) interface{} {
	switch v.(type) {
	case nil, string, bool, float64:
		return v
	case int:
		return float64(v.(int))
	case int64:
		return float64(v.(int64))
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
