package federation

import (
	"context"
	"fmt"

	"github.com/weftfed/weft/signing"
	"github.com/weftfed/weft/vocab"
)

// Context carries one federation operation: it embeds the request's
// context.Context, exposes canonical URL construction through the
// registered routes, and gives dispatchers and listeners access to the
// application payload and authenticated document fetches.
type Context[T any] struct {
	context.Context

	fed  *Federation[T]
	data T

	// fetchKey, when set, signs document fetches made through Load.
	fetchKey *signing.KeyPair
}

func (f *Federation[T]) newContext(ctx context.Context, data T) *Context[T] {
	return &Context[T]{Context: ctx, fed: f, data: data}
}

// Data returns the application payload the operation was started with.
func (c *Context[T]) Data() T { return c.data }

// ActorURI returns the canonical actor IRI for a local identifier.
func (c *Context[T]) ActorURI(identifier string) (string, error) {
	return c.fed.build(routeActor, map[string]string{"identifier": identifier})
}

// InboxURI returns the canonical personal inbox IRI for a local identifier.
func (c *Context[T]) InboxURI(identifier string) (string, error) {
	return c.fed.build(routeInbox, map[string]string{"identifier": identifier})
}

// SharedInboxURI returns the shared inbox IRI, or an error when no shared
// inbox is registered.
func (c *Context[T]) SharedInboxURI() (string, error) {
	return c.fed.build(routeSharedInbox, nil)
}

// OutboxURI returns the canonical outbox IRI for a local identifier.
func (c *Context[T]) OutboxURI(identifier string) (string, error) {
	return c.fed.build(routeOutbox, map[string]string{"identifier": identifier})
}

// FollowingURI returns the canonical following-collection IRI.
func (c *Context[T]) FollowingURI(identifier string) (string, error) {
	return c.fed.build(routeFollowing, map[string]string{"identifier": identifier})
}

// FollowersURI returns the canonical followers-collection IRI.
func (c *Context[T]) FollowersURI(identifier string) (string, error) {
	return c.fed.build(routeFollowers, map[string]string{"identifier": identifier})
}

// ObjectURI returns the canonical IRI of an object endpoint by name.
func (c *Context[T]) ObjectURI(name string, values map[string]string) (string, error) {
	return c.fed.build(objectRoutePrefix+name, values)
}

// ParseActorURI inverts ActorURI: given a local actor IRI it returns the
// identifier, or "" when the IRI is not a local actor.
func (c *Context[T]) ParseActorURI(iri string) string {
	values, ok := c.fed.matchLocal(iri, routeActor)
	if !ok {
		return ""
	}
	return values["identifier"]
}

// KeyPairs returns the signing key pairs for a local identifier through
// the registered dispatcher.
func (c *Context[T]) KeyPairs(identifier string) ([]*signing.KeyPair, error) {
	if c.fed.keyPairsDispatcher == nil {
		return nil, fmt.Errorf("no key pairs dispatcher registered")
	}
	return c.fed.keyPairsDispatcher(c, identifier)
}

// Load fetches a remote document, signing the request when the operation
// carries a fetch key (inbox handling with a shared-inbox key, or outbox
// delivery with the sender's key).
func (c *Context[T]) Load(iri string) (map[string]any, error) {
	loader := c.fed.loader
	if c.fetchKey != nil {
		loader = c.fed.signedLoaderFor(c.fetchKey)
	}
	return loader.Load(c.Context, iri)
}

// LoadObject fetches a remote document and materializes it.
func (c *Context[T]) LoadObject(iri string) (*vocab.Object, error) {
	doc, err := c.Load(iri)
	if err != nil {
		return nil, err
	}
	return vocab.FromJSON(doc, vocab.TypeObject)
}

// DocumentLoader mirrors Load's loader selection; hand it to
// vocab.Value.Resolve to materialize by-reference values.
func (c *Context[T]) DocumentLoader() vocab.DocumentLoader {
	if c.fetchKey != nil {
		return c.fed.signedLoaderFor(c.fetchKey)
	}
	return c.fed.loader
}
