// Package descriptor defines the canonical identity of a cacheable request.
//
// A Descriptor is an ordered set of named parameters (or a single scalar
// value) describing one query to the answer pipeline. Two descriptors that
// differ only in field order canonicalize to the same bytes and therefore
// hash to the same Fingerprint.
package descriptor

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// QueryField is the field name the similarity tier inspects for free text.
const QueryField = "query"

// Fingerprint is the SHA-256 hex digest of a descriptor's canonical form.
// It names exactly one cache slot.
type Fingerprint string

// Valid reports whether f looks like a SHA-256 hex digest.
func (f Fingerprint) Valid() bool {
	if len(f) != 64 {
		return false
	}
	for _, c := range f {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func (f Fingerprint) String() string { return string(f) }

// Kind identifies which form a Value carries.
type Kind uint8

// Value kinds.
const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindRaw
)

// Value is a small tagged union of the parameter types a descriptor accepts.
// The zero Value is the empty string.
type Value struct {
	kind Kind
	str  string
	num  int64
	flt  float64
	b    bool
	raw  json.RawMessage
}

// String builds a string Value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Int builds an integer Value.
func Int(i int64) Value { return Value{kind: KindInt, num: i} }

// Float builds a floating-point Value.
func Float(f float64) Value { return Value{kind: KindFloat, flt: f} }

// Bool builds a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Raw builds a Value from pre-encoded JSON, for structured parameters such
// as tool lists or message arrays.
func Raw(j json.RawMessage) Value {
	cp := make(json.RawMessage, len(j))
	copy(cp, j)
	return Value{kind: KindRaw, raw: cp}
}

// Kind returns the value's form.
func (v Value) Kind() Kind { return v.kind }

// Text returns the string payload and reports whether v is a string Value.
func (v Value) Text() (string, bool) { return v.str, v.kind == KindString }

// appendCanonical writes the value's canonical JSON encoding.
func (v Value) appendCanonical(sb *strings.Builder) {
	switch v.kind {
	case KindString:
		b, _ := json.Marshal(v.str) //nolint:errcheck // string marshal cannot fail
		sb.Write(b)
	case KindInt:
		sb.WriteString(strconv.FormatInt(v.num, 10))
	case KindFloat:
		b, _ := json.Marshal(v.flt) //nolint:errcheck
		sb.Write(b)
	case KindBool:
		sb.WriteString(strconv.FormatBool(v.b))
	case KindRaw:
		canon, err := canonicalizeRaw(v.raw)
		if err != nil {
			// Not valid JSON. Quote the raw bytes so the descriptor still
			// canonicalizes deterministically instead of failing the lookup.
			b, _ := json.Marshal(string(v.raw)) //nolint:errcheck
			sb.Write(b)
			return
		}
		sb.Write(canon)
	}
}

// scalarString renders the value the way a bare scalar key is hashed,
// without JSON quoting.
func (v Value) scalarString() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindFloat:
		return strconv.FormatFloat(v.flt, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindRaw:
		return string(v.raw)
	}
	return ""
}

// Field is one named descriptor parameter.
type Field struct {
	Name  string
	Value Value
}

// F is shorthand for constructing a Field.
func F(name string, v Value) Field { return Field{Name: name, Value: v} }

// Descriptor identifies one cacheable request. Construct with New, Text,
// or Scalar; the zero Descriptor is an empty parameter set.
type Descriptor struct {
	fields   []Field
	scalar   Value
	isScalar bool
}

// New builds a map-shaped descriptor from the given fields. Field order
// does not affect identity.
func New(fields ...Field) Descriptor {
	cp := make([]Field, len(fields))
	copy(cp, fields)
	return Descriptor{fields: cp}
}

// Text builds the common single-field descriptor for a free-text query.
func Text(query string) Descriptor {
	return New(F(QueryField, String(query)))
}

// Scalar builds a descriptor whose identity is a single bare value.
func Scalar(v Value) Descriptor {
	return Descriptor{scalar: v, isScalar: true}
}

// Canonical returns the deterministic serialization the fingerprint is
// computed over: a compact JSON object with fields sorted by name, or the
// direct string form for a scalar descriptor.
func (d Descriptor) Canonical() []byte {
	if d.isScalar {
		return []byte(d.scalar.scalarString())
	}

	sorted := make([]Field, len(d.fields))
	copy(sorted, d.fields)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var sb strings.Builder
	sb.WriteByte('{')
	for i, f := range sorted {
		if i > 0 {
			sb.WriteByte(',')
		}
		name, _ := json.Marshal(f.Name) //nolint:errcheck
		sb.Write(name)
		sb.WriteByte(':')
		f.Value.appendCanonical(&sb)
	}
	sb.WriteByte('}')
	return []byte(sb.String())
}

// Fingerprint hashes the canonical form with SHA-256 and returns the
// lowercase hex digest.
func (d Descriptor) Fingerprint() Fingerprint {
	hash := sha256.Sum256(d.Canonical())
	return Fingerprint(hex.EncodeToString(hash[:]))
}

// QueryText returns the free-text query carried by the descriptor: the
// "query" field of a map descriptor, or the string payload of a scalar one.
// ok is false when the descriptor has no usable text.
func (d Descriptor) QueryText() (string, bool) {
	if d.isScalar {
		return d.scalar.Text()
	}
	for _, f := range d.fields {
		if f.Name == QueryField {
			return f.Value.Text()
		}
	}
	return "", false
}

// Len returns the number of fields (1 for a scalar descriptor).
func (d Descriptor) Len() int {
	if d.isScalar {
		return 1
	}
	return len(d.fields)
}

// MarshalJSON renders the canonical form, so persisted key data matches the
// bytes the fingerprint was computed over. Scalars encode as JSON strings.
func (d Descriptor) MarshalJSON() ([]byte, error) {
	if d.isScalar {
		return json.Marshal(d.scalar.scalarString())
	}
	return d.Canonical(), nil
}

// canonicalizeRaw re-encodes arbitrary JSON compactly with object keys
// sorted at every depth, so structurally equal raw values hash equally.
func canonicalizeRaw(src []byte) ([]byte, error) {
	if !json.Valid(src) {
		return nil, errors.New("descriptor: raw value is not valid JSON")
	}
	dec := json.NewDecoder(strings.NewReader(string(src)))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
