package vocab

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrTypeMismatch is returned when a document's JSON-LD type is absent or
// incompatible with the class it is being parsed as.
var ErrTypeMismatch = errors.New("type mismatch")

// Value is a single property value: a scalar, a bare IRI reference, or an
// inline object. Materializing the inline form from an IRI is a lazy fetch
// through a document loader, memoized on the value.
type Value struct {
	mu     sync.Mutex
	scalar any     // string, float64 or bool; nil unless scalar
	iri    string  // non-empty for reference values
	obj    *Object // inline object, or the memoized result of Resolve
}

// String returns a scalar string value.
func String(s string) *Value { return &Value{scalar: s} }

// Float returns a scalar numeric value.
func Float(f float64) *Value { return &Value{scalar: f} }

// Bool returns a scalar boolean value.
func Bool(b bool) *Value { return &Value{scalar: b} }

// IRI returns a by-reference value.
func IRI(iri string) *Value { return &Value{iri: iri} }

// Inline returns an inline object value.
func Inline(o *Object) *Value { return &Value{obj: o} }

// IsIRI reports whether the value is an unresolved or resolved reference.
func (v *Value) IsIRI() bool { return v.iri != "" }

// IsInline reports whether an object form is already available without a
// fetch (inline or previously resolved).
func (v *Value) IsInline() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.obj != nil
}

// IRIValue returns the reference IRI without fetching. For inline objects it
// falls back to the object's id.
func (v *Value) IRIValue() string {
	if v.iri != "" {
		return v.iri
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.obj != nil {
		return v.obj.ID()
	}
	return ""
}

// Scalar returns the scalar payload, or nil for references and objects.
func (v *Value) Scalar() any { return v.scalar }

// StringValue returns the value as a string: the scalar string or the IRI.
func (v *Value) StringValue() string {
	if s, ok := v.scalar.(string); ok {
		return s
	}
	return v.IRIValue()
}

// Inlined returns the inline object if present, without fetching.
func (v *Value) Inlined() *Object {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.obj
}

// Resolve materializes the value as an object. Inline objects are returned
// as-is. References are fetched through the loader on first call and
// memoized. When allowed types are given, each is tried in declaration
// order and the first compatible parse wins; if none parses the result is
// ErrTypeMismatch.
func (v *Value) Resolve(ctx context.Context, loader DocumentLoader, allowed ...Type) (*Object, error) {
	v.mu.Lock()
	if v.obj != nil {
		obj := v.obj
		v.mu.Unlock()
		return obj, nil
	}
	iri := v.iri
	v.mu.Unlock()

	if iri == "" {
		return nil, fmt.Errorf("%w: value is scalar, not an object", ErrTypeMismatch)
	}
	if loader == nil {
		return nil, errors.New("no document loader configured")
	}

	doc, err := loader.Load(ctx, iri)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", iri, err)
	}

	obj, err := parseAs(doc, allowed)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.obj = obj
	v.mu.Unlock()
	return obj, nil
}

func parseAs(doc map[string]any, allowed []Type) (*Object, error) {
	if len(allowed) == 0 {
		return FromJSON(doc, TypeObject)
	}
	for _, t := range allowed {
		obj, err := FromJSON(doc, t)
		if err == nil {
			return obj, nil
		}
		if !errors.Is(err, ErrTypeMismatch) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: document matches none of %v", ErrTypeMismatch, allowed)
}

// Object is a generic ActivityStreams object: an id, one or more class
// tags, and a property table keyed by JSON-LD term. Property cardinality
// is preserved: functional properties hold at most one value.
type Object struct {
	types []Type
	props map[string][]*Value
}

// NewObject returns an empty object with the given class tags.
func NewObject(types ...Type) *Object {
	return &Object{types: types, props: make(map[string][]*Value)}
}

// Types returns the object's class tags.
func (o *Object) Types() []Type { return o.types }

// Type returns the primary (first) class tag.
func (o *Object) Type() Type {
	if len(o.types) == 0 {
		return TypeObject
	}
	return o.types[0]
}

// Is reports whether any of the object's classes derives from t.
func (o *Object) Is(t Type) bool {
	for _, ot := range o.types {
		if IsSubtype(ot, t) {
			return true
		}
	}
	return false
}

// ID returns the object's IRI, or "" when anonymous.
func (o *Object) ID() string { return o.GetString("id") }

// SetID sets the object's IRI.
func (o *Object) SetID(iri string) { o.Set("id", String(iri)) }

// Get returns all values of a property.
func (o *Object) Get(term string) []*Value {
	return o.props[term]
}

// GetOne returns the first value of a property, or nil. This is the scalar
// read for functional properties.
func (o *Object) GetOne(term string) *Value {
	vs := o.props[term]
	if len(vs) == 0 {
		return nil
	}
	return vs[0]
}

// GetString returns the first value of a property as a string.
func (o *Object) GetString(term string) string {
	v := o.GetOne(term)
	if v == nil {
		return ""
	}
	return v.StringValue()
}

// GetStrings returns every value of a property in string form, skipping
// values with no string representation.
func (o *Object) GetStrings(term string) []string {
	var out []string
	for _, v := range o.props[term] {
		if s := v.StringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// GetIRI returns the reference IRI of a property value without fetching
// (the idOnly accessor form).
func (o *Object) GetIRI(term string) string {
	v := o.GetOne(term)
	if v == nil {
		return ""
	}
	return v.IRIValue()
}

// Set replaces a property's values.
func (o *Object) Set(term string, values ...*Value) {
	if o.props == nil {
		o.props = make(map[string][]*Value)
	}
	o.props[term] = values
}

// Append adds values to a property.
func (o *Object) Append(term string, values ...*Value) {
	if o.props == nil {
		o.props = make(map[string][]*Value)
	}
	o.props[term] = append(o.props[term], values...)
}

// Delete removes a property.
func (o *Object) Delete(term string) {
	delete(o.props, term)
}

// Terms returns the property terms present on the object.
func (o *Object) Terms() []string {
	terms := make([]string, 0, len(o.props))
	for t := range o.props {
		terms = append(terms, t)
	}
	return terms
}

// Clone returns a shallow copy with the named property overrides applied.
// An override with a nil value list removes the property. Used by the
// outbox transformer chain, which must not mutate the caller's activity.
func (o *Object) Clone(overrides map[string][]*Value) *Object {
	c := &Object{
		types: append([]Type(nil), o.types...),
		props: make(map[string][]*Value, len(o.props)),
	}
	for term, vs := range o.props {
		c.props[term] = append([]*Value(nil), vs...)
	}
	for term, vs := range overrides {
		if vs == nil {
			delete(c.props, term)
			continue
		}
		c.props[term] = vs
	}
	return c
}
