// Package telemetry defines the canonical wire shape of an inbound
// message: either a single JSON object or an ordered list of objects,
// each carrying a schema/table/device identity plus an ordered bag of
// typed fields.
package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FieldType is the scalar kind a Field carries. Only these four values
// are recognized by the parser; anything else passes through as a raw
// string in SQL terms via the default branch of the writer's type map.
type FieldType string

const (
	FieldInt   FieldType = "int"
	FieldFloat FieldType = "float"
	FieldStr   FieldType = "str"
	FieldJSON  FieldType = "json"
)

// Field is one named measurement inside an envelope's fields bag.
type Field struct {
	Name  string    `json:"name"`
	Title string    `json:"title"`
	Value any       `json:"value"`
	Type  FieldType `json:"type"`
	Unit  *string   `json:"unit"`
}

// OrderedFields preserves the declaration order of a JSON object's keys,
// which encoding/json's native map decoding does not. Column order in a
// parser.InsertPlan is derived directly from this order, so it is load
// bearing, not cosmetic.
type OrderedFields struct {
	order  []string
	byName map[string]Field
}

// Names returns field names in declaration order.
func (f *OrderedFields) Names() []string {
	if f == nil {
		return nil
	}
	return f.order
}

// Get returns the field by name.
func (f *OrderedFields) Get(name string) (Field, bool) {
	if f == nil {
		return Field{}, false
	}
	v, ok := f.byName[name]
	return v, ok
}

// Has reports whether name is present in the fields bag.
func (f *OrderedFields) Has(name string) bool {
	_, ok := f.Get(name)
	return ok
}

// Len returns the number of fields.
func (f *OrderedFields) Len() int {
	if f == nil {
		return 0
	}
	return len(f.order)
}

// UnmarshalJSON decodes a JSON object while recording key order.
func (f *OrderedFields) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != '{' {
		return fmt.Errorf("telemetry: fields must be a JSON object, got %v", tok)
	}

	order := make([]string, 0)
	byName := make(map[string]Field)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("telemetry: fields key must be a string, got %v", keyTok)
		}
		var field Field
		if err := dec.Decode(&field); err != nil {
			return fmt.Errorf("telemetry: field %q: %w", key, err)
		}
		if _, seen := byName[key]; !seen {
			order = append(order, key)
		}
		byName[key] = field
	}
	if _, err := dec.Token(); err != nil { // consume closing '}'
		return err
	}

	f.order = order
	f.byName = byName
	return nil
}

// MarshalJSON emits fields back out in their original declaration order.
func (f *OrderedFields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range f.Names() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(f.byName[name])
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Default column identities applied when an envelope omits them. These
// mirror the historical Python implementation (plugins/parser_postgresql.py)
// rather than spec defaults that only cover schema/table, resolving an
// open question the distilled spec leaves silent on timestamp/device
// fallbacks.
const (
	defaultSchema    = "public"
	defaultTable     = "example"
	defaultDeviceID  = "no_id"
	defaultTimestamp = "1970-01-01 08:00:00"
)

// Envelope is one inbound telemetry object after UTF-8 decode and JSON
// parse.
type Envelope struct {
	Timestamp string
	Schema    string
	Table     string
	DeviceID  string
	Fields    *OrderedFields
}

type envelopeWire struct {
	Timestamp string         `json:"timestamp"`
	Schema    string         `json:"schema"`
	Table     string         `json:"table"`
	DeviceID  string         `json:"deviceid"`
	Fields    *OrderedFields `json:"fields"`
}

// UnmarshalJSON decodes one envelope object, applying the default
// column identities declared above for any missing or empty value.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w envelopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Schema == "" {
		w.Schema = defaultSchema
	}
	if w.Table == "" {
		w.Table = defaultTable
	}
	if w.DeviceID == "" {
		w.DeviceID = defaultDeviceID
	}
	if w.Timestamp == "" {
		w.Timestamp = defaultTimestamp
	}
	if w.Fields == nil {
		w.Fields = &OrderedFields{}
	}
	e.Timestamp = w.Timestamp
	e.Schema = w.Schema
	e.Table = w.Table
	e.DeviceID = w.DeviceID
	e.Fields = w.Fields
	return nil
}

// MarshalJSON round-trips an envelope back to its wire shape; mainly
// useful for tests and for re-emitting a normalized payload.
func (e Envelope) MarshalJSON() ([]byte, error) {
	fields := e.Fields
	if fields == nil {
		fields = &OrderedFields{}
	}
	return json.Marshal(envelopeWire{
		Timestamp: e.Timestamp,
		Schema:    e.Schema,
		Table:     e.Table,
		DeviceID:  e.DeviceID,
		Fields:    fields,
	})
}

// EnvelopeBatch is an ordered list of Envelope, normalized early from
// either a single JSON object or a JSON array per spec: a tagged sum
// over "one object" vs "a list of objects" replaced by batch-of-length-1
// normalization, so every downstream consumer only ever handles a batch.
type EnvelopeBatch []Envelope

// ErrInvalidShape is returned when a payload is neither a JSON object
// nor a JSON array of objects.
var ErrInvalidShape = fmt.Errorf("telemetry: payload must be a JSON object or an array of objects")

// UnmarshalJSON decodes a batch from either shape.
func (b *EnvelopeBatch) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return ErrInvalidShape
	}
	switch trimmed[0] {
	case '[':
		var list []Envelope
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			return ErrInvalidShape
		}
		*b = list
		return nil
	case '{':
		var single Envelope
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return err
		}
		*b = EnvelopeBatch{single}
		return nil
	default:
		return ErrInvalidShape
	}
}

// Decode parses raw bytes (already UTF-8 validated by the caller) into a
// normalized EnvelopeBatch.
func Decode(payload []byte) (EnvelopeBatch, error) {
	var batch EnvelopeBatch
	if err := json.Unmarshal(payload, &batch); err != nil {
		if err == ErrInvalidShape {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidShape, err)
	}
	return batch, nil
}
