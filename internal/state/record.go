package state

import (
	"encoding/json"
	"maps"
	"slices"
)

// Record is the immutable semantic state of one device.
type Record struct {
	id       string
	category string
	name     string
	fields   map[string]any
}

// NewRecord returns a record holding a copy of fields.
func NewRecord(id, category, name string, fields map[string]any) *Record {
	return &Record{
		id:       id,
		category: category,
		name:     name,
		fields:   maps.Clone(fieldsOrEmpty(fields)),
	}
}

func fieldsOrEmpty(fields map[string]any) map[string]any {
	if fields == nil {
		return map[string]any{}
	}
	return fields
}

// ID returns the stable device id.
func (r *Record) ID() string { return r.id }

// Category returns the device category.
func (r *Record) Category() string { return r.category }

// Name returns the display name reported by the hub.
func (r *Record) Name() string { return r.name }

// Get returns the value of a semantic key.
func (r *Record) Get(key string) (any, bool) {
	v, ok := r.fields[key]
	return v, ok
}

// Bool returns the value of key if it is a bool, else false.
func (r *Record) Bool(key string) bool {
	b, _ := r.fields[key].(bool)
	return b
}

// Float returns the value of key if it is numeric.
func (r *Record) Float(key string) (float64, bool) {
	f, ok := r.fields[key].(float64)
	return f, ok
}

// Fields returns a copy of all semantic fields.
func (r *Record) Fields() map[string]any {
	return maps.Clone(r.fields)
}

// Keys returns the semantic keys in sorted order.
func (r *Record) Keys() []string {
	return slices.Sorted(maps.Keys(r.fields))
}

// With returns a new record with patch overlaid on the current fields.
// The receiver is left untouched.
func (r *Record) With(patch map[string]any) *Record {
	fields := make(map[string]any, len(r.fields)+len(patch))
	maps.Copy(fields, r.fields)
	maps.Copy(fields, patch)
	return &Record{id: r.id, category: r.category, name: r.name, fields: fields}
}

// MarshalJSON implements json.Marshaler.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID       string         `json:"id"`
		Category string         `json:"category"`
		Name     string         `json:"name,omitempty"`
		Fields   map[string]any `json:"fields"`
	}{r.id, r.category, r.name, r.fields})
}
