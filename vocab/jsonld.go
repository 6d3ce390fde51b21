package vocab

import (
	"encoding/json"
	"fmt"
)

// objectRange lists terms whose range contains non-scalar types. A bare
// string under one of these terms is a reference IRI, not a scalar; it is
// kept as an IRI on parse and only materialized through Value.Resolve.
var objectRange = map[string]struct{}{
	"actor": {}, "object": {}, "target": {}, "origin": {}, "instrument": {},
	"result": {}, "inReplyTo": {}, "attributedTo": {}, "icon": {}, "image": {},
	"tag": {}, "attachment": {}, "url": {}, "href": {},
	"to": {}, "cc": {}, "bto": {}, "bcc": {}, "audience": {},
	"inbox": {}, "outbox": {}, "followers": {}, "following": {}, "liked": {},
	"featured": {}, "featuredTags": {}, "alsoKnownAs": {},
	"publicKey": {}, "assertionMethod": {}, "owner": {},
	"items": {}, "orderedItems": {}, "first": {}, "last": {}, "next": {},
	"prev": {}, "current": {}, "partOf": {}, "replies": {}, "quoteUrl": {},
	"endpoints": {}, "sharedInbox": {}, "generator": {}, "location": {},
	"oneOf": {}, "anyOf": {},
}

// functional lists terms that carry at most one value and expose a scalar
// read. Everything else is multi-valued.
var functional = map[string]struct{}{
	"id": {}, "inbox": {}, "outbox": {}, "followers": {}, "following": {},
	"liked": {}, "featured": {}, "featuredTags": {}, "preferredUsername": {},
	"published": {}, "updated": {}, "startTime": {}, "endTime": {},
	"endpoints": {}, "sharedInbox": {}, "owner": {}, "publicKeyPem": {},
	"totalItems": {}, "first": {}, "last": {}, "next": {}, "prev": {},
	"current": {}, "partOf": {}, "deleted": {},
}

// ObjectRange reports whether a term admits object values.
func ObjectRange(term string) bool {
	_, ok := objectRange[term]
	return ok
}

// Functional reports whether a term is functional (single-valued).
func Functional(term string) bool {
	_, ok := functional[term]
	return ok
}

// FromJSON parses a JSON-LD document into an object, validating that the
// document's type is compatible with the target class. Nested IRIs stay as
// IRIs; nothing is eagerly fetched.
func FromJSON(doc map[string]any, as Type) (*Object, error) {
	types, err := docTypes(doc)
	if err != nil {
		return nil, err
	}
	compatible := false
	for _, t := range types {
		if IsSubtype(t, as) {
			compatible = true
			break
		}
	}
	if !compatible {
		return nil, fmt.Errorf("%w: document type %v is not a %s", ErrTypeMismatch, types, as)
	}
	return fromMap(doc, types), nil
}

// FromBytes parses raw JSON into an object of the target class.
func FromBytes(raw []byte, as Type) (*Object, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTypeMismatch, err)
	}
	return FromJSON(doc, as)
}

func docTypes(doc map[string]any) ([]Type, error) {
	raw, ok := doc["type"]
	if !ok {
		raw, ok = doc["@type"]
	}
	if !ok {
		return nil, fmt.Errorf("%w: document has no type", ErrTypeMismatch)
	}
	switch v := raw.(type) {
	case string:
		return []Type{Type(v)}, nil
	case []any:
		var types []Type
		for _, e := range v {
			if s, ok := e.(string); ok {
				types = append(types, Type(s))
			}
		}
		if len(types) == 0 {
			return nil, fmt.Errorf("%w: empty type list", ErrTypeMismatch)
		}
		return types, nil
	default:
		return nil, fmt.Errorf("%w: unexpected type shape %T", ErrTypeMismatch, raw)
	}
}

func fromMap(doc map[string]any, types []Type) *Object {
	o := NewObject(types...)
	for term, raw := range doc {
		switch term {
		case "@context", "type", "@type":
			continue
		}
		var values []*Value
		switch v := raw.(type) {
		case []any:
			for _, e := range v {
				if val := parseValue(term, e); val != nil {
					values = append(values, val)
				}
			}
		default:
			if val := parseValue(term, v); val != nil {
				values = append(values, val)
			}
		}
		if len(values) > 0 {
			o.props[term] = values
		}
	}
	return o
}

func parseValue(term string, raw any) *Value {
	switch v := raw.(type) {
	case string:
		if term != "id" && ObjectRange(term) {
			return IRI(v)
		}
		return String(v)
	case float64:
		return Float(v)
	case bool:
		return Bool(v)
	case map[string]any:
		// Inline objects may be anonymous (no type), e.g. actor endpoints.
		types, err := docTypes(v)
		if err != nil {
			types = nil
		}
		return Inline(fromMap(v, types))
	default:
		return nil
	}
}

// ToJSON emits the object as a JSON-LD document with the default context.
// FromJSON(ToJSON(o)) is structurally equal to o.
func ToJSON(o *Object) map[string]any {
	doc := toMap(o)
	doc["@context"] = DefaultContext
	return doc
}

// ToBytes marshals the object as JSON-LD.
func ToBytes(o *Object) ([]byte, error) {
	return json.Marshal(ToJSON(o))
}

func toMap(o *Object) map[string]any {
	doc := make(map[string]any, len(o.props)+1)
	switch len(o.types) {
	case 0:
	case 1:
		doc["type"] = string(o.types[0])
	default:
		ts := make([]any, len(o.types))
		for i, t := range o.types {
			ts[i] = string(t)
		}
		doc["type"] = ts
	}
	for term, vs := range o.props {
		if len(vs) == 1 {
			doc[term] = emitValue(vs[0])
			continue
		}
		arr := make([]any, len(vs))
		for i, v := range vs {
			arr[i] = emitValue(v)
		}
		doc[term] = arr
	}
	return doc
}

func emitValue(v *Value) any {
	if v.scalar != nil {
		return v.scalar
	}
	if v.iri != "" {
		return v.iri
	}
	if obj := v.Inlined(); obj != nil {
		return toMap(obj)
	}
	return nil
}
