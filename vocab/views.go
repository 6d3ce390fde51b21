package vocab

import (
	"context"
)

// Actor is a typed view over a generic object for the fields the federation
// engine needs from a federated identity.
type Actor struct {
	ID                string
	Type              Type
	PreferredUsername string
	Name              string
	Summary           string
	Inbox             string
	Outbox            string
	Followers         string
	Following         string
	URL               string
	SharedInbox       string
	PublicKeys        []CryptographicKey
}

// CryptographicKey is an actor signing key: an IRI, public PEM material and
// an optional owner IRI. Keys are identified by IRI; two keys are the same
// key when their IRIs match.
type CryptographicKey struct {
	ID           string
	Owner        string
	PublicKeyPEM string
}

// AsActor projects an object onto the Actor view. Returns nil when the
// object is not one of the actor classes.
func AsActor(o *Object) *Actor {
	if o == nil || !isActorObject(o) {
		return nil
	}
	a := &Actor{
		ID:                o.ID(),
		Type:              o.Type(),
		PreferredUsername: o.GetString("preferredUsername"),
		Name:              o.GetString("name"),
		Summary:           o.GetString("summary"),
		Inbox:             o.GetIRI("inbox"),
		Outbox:            o.GetIRI("outbox"),
		Followers:         o.GetIRI("followers"),
		Following:         o.GetIRI("following"),
		URL:               o.GetIRI("url"),
	}
	if ep := o.GetOne("endpoints"); ep != nil {
		if inner := ep.Inlined(); inner != nil {
			a.SharedInbox = inner.GetIRI("sharedInbox")
		}
	}
	for _, kv := range o.Get("publicKey") {
		if k := keyFromValue(kv); k != nil {
			a.PublicKeys = append(a.PublicKeys, *k)
		}
	}
	for _, kv := range o.Get("assertionMethod") {
		if k := keyFromValue(kv); k != nil {
			a.PublicKeys = append(a.PublicKeys, *k)
		}
	}
	return a
}

func isActorObject(o *Object) bool {
	for _, t := range o.Types() {
		if IsActorType(t) {
			return true
		}
	}
	return false
}

func keyFromValue(v *Value) *CryptographicKey {
	inner := v.Inlined()
	if inner == nil {
		return nil
	}
	return &CryptographicKey{
		ID:           inner.ID(),
		Owner:        inner.GetIRI("owner"),
		PublicKeyPEM: inner.GetString("publicKeyPem"),
	}
}

// KeyFromDocument extracts the key with the given IRI from a loaded
// document. The document may be a bare CryptographicKey or an actor that
// carries one. Returns nil when no key with that IRI is present.
func KeyFromDocument(doc map[string]any, keyID string) *CryptographicKey {
	// Bare key shape: id + publicKeyPem, type usually "Key" or absent.
	if pem, ok := doc["publicKeyPem"].(string); ok {
		id, _ := doc["id"].(string)
		owner, _ := doc["owner"].(string)
		if id == keyID {
			return &CryptographicKey{ID: id, Owner: owner, PublicKeyPEM: pem}
		}
	}

	obj, err := FromJSON(doc, TypeObject)
	if err != nil {
		return nil
	}
	actor := AsActor(obj)
	if actor == nil {
		return nil
	}
	for i := range actor.PublicKeys {
		k := &actor.PublicKeys[i]
		if k.ID == keyID {
			if k.Owner == "" {
				k.Owner = actor.ID
			}
			return k
		}
	}
	return nil
}

// ActivityActorIRI returns the actor IRI of an activity without fetching.
func ActivityActorIRI(a *Object) string {
	return a.GetIRI("actor")
}

// ResolveActor fetches and projects an actor by IRI.
func ResolveActor(ctx context.Context, loader DocumentLoader, iri string) (*Actor, error) {
	doc, err := loader.Load(ctx, iri)
	if err != nil {
		return nil, err
	}
	obj, err := FromJSON(doc, TypeObject)
	if err != nil {
		return nil, err
	}
	actor := AsActor(obj)
	if actor == nil {
		return nil, ErrTypeMismatch
	}
	return actor, nil
}

// KeyObject builds the vocabulary form of a public key for embedding in an
// actor document.
func KeyObject(k CryptographicKey) *Object {
	o := NewObject(TypeKey)
	o.SetID(k.ID)
	if k.Owner != "" {
		o.Set("owner", IRI(k.Owner))
	}
	o.Set("publicKeyPem", String(k.PublicKeyPEM))
	return o
}
