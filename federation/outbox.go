package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/google/uuid"

	"github.com/weftfed/weft/signing"
	"github.com/weftfed/weft/vocab"
)

// Transformer rewrites an outgoing activity before delivery. Transformers
// run in registration order, built-ins first.
type Transformer[T any] func(c *Context[T], activity *vocab.Object) (*vocab.Object, error)

// AutoID assigns a urn:uuid id to activities sent without one, with a
// warning: durable IRIs should come from the application.
func AutoID[T any]() Transformer[T] {
	return func(c *Context[T], activity *vocab.Object) (*vocab.Object, error) {
		if activity.ID() != "" {
			return activity, nil
		}
		id := "urn:uuid:" + uuid.NewString()
		slog.Warn("outgoing activity has no id, assigning a transient one",
			"type", activity.Type(), "id", id)
		out := activity.Clone(nil)
		out.SetID(id)
		return out, nil
	}
}

// DehydrateActor replaces an inline actor object with its IRI so the full
// actor document is never embedded in deliveries.
func DehydrateActor[T any]() Transformer[T] {
	return func(c *Context[T], activity *vocab.Object) (*vocab.Object, error) {
		v := activity.GetOne("actor")
		if v == nil {
			return activity, nil
		}
		inner := v.Inlined()
		if inner == nil {
			return activity, nil
		}
		id := inner.ID()
		if id == "" {
			return nil, errors.New("inline actor has no id to dehydrate to")
		}
		return activity.Clone(map[string][]*vocab.Value{
			"actor": {vocab.IRI(id)},
		}), nil
	}
}

// Recipient describes a delivery target whose inbox is already known, so
// recipient expansion needs no remote fetch.
type Recipient struct {
	ActorIRI    string
	Inbox       string
	SharedInbox string
}

// Recipients names the targets of a delivery: actor IRIs to resolve,
// inline actor objects, pre-resolved recipient descriptors, and
// optionally the sender's whole followers collection.
type Recipients struct {
	ActorIRIs   []string
	Actors      []*vocab.Object
	Descriptors []Recipient
	Followers   bool
}

type sendOptions struct {
	preferSharedInbox bool
	immediate         bool
}

// SendOption configures a SendActivity call.
type SendOption func(*sendOptions)

// WithoutSharedInbox disables shared-inbox coalescing for this send.
func WithoutSharedInbox() SendOption {
	return func(o *sendOptions) { o.preferSharedInbox = false }
}

// WithImmediateDelivery bypasses the queue and delivers synchronously.
func WithImmediateDelivery() SendOption {
	return func(o *sendOptions) { o.immediate = true }
}

// destination is one resolved delivery target.
type destination struct {
	inbox string
	// followersAtOrigin is set when the destination serves followers of
	// the sender, for collection synchronization.
	followersAtOrigin []string
	syncCollection    string
}

// SendActivity signs and delivers an activity from a local sender to the
// given recipients. Deliveries go through the queue when one is
// configured; the returned error covers preparation and, for inline
// delivery, the delivery attempts themselves.
func (f *Federation[T]) SendActivity(ctx context.Context, data T, sender string, to Recipients, activity *vocab.Object, opts ...SendOption) error {
	f.freeze()
	options := sendOptions{preferSharedInbox: true}
	for _, opt := range opts {
		opt(&options)
	}

	c := f.newContext(ctx, data)
	keys, err := c.KeyPairs(sender)
	if err != nil {
		return fmt.Errorf("key pairs for %q: %w", sender, err)
	}
	if len(keys) == 0 {
		return fmt.Errorf("no signing keys for %q", sender)
	}
	kp := keys[0]
	c.fetchKey = kp

	for _, tr := range f.transformers {
		activity, err = tr(c, activity)
		if err != nil {
			return fmt.Errorf("transform activity: %w", err)
		}
	}

	// bto and bcc drive targeting but never go on the wire.
	wire := activity.Clone(map[string][]*vocab.Value{"bto": nil, "bcc": nil})
	body, err := vocab.ToBytes(wire)
	if err != nil {
		return fmt.Errorf("serialize activity: %w", err)
	}

	dests, err := f.expandRecipients(c, sender, to, options.preferSharedInbox)
	if err != nil {
		return err
	}

	var errs []error
	for _, dest := range dests {
		msg := &deliveryMessage{
			Activity:      body,
			KeyID:         kp.KeyID,
			PrivateKeyPEM: signing.EncodePrivatePEM(kp.Private),
			Inbox:         dest.inbox,
		}
		if dest.syncCollection != "" {
			origin, err := originOf(dest.inbox)
			if err == nil {
				msg.SyncHeader = syncHeaderValue(
					dest.syncCollection,
					partialCollectionURL(dest.syncCollection, origin),
					CollectionDigest(dest.followersAtOrigin),
				)
			}
		}
		if f.queue == nil || options.immediate {
			if err := f.deliverOnce(ctx, msg); err != nil {
				errs = append(errs, fmt.Errorf("deliver to %s: %w", dest.inbox, err))
			}
			continue
		}
		raw, err := msg.marshal()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := f.queue.Enqueue(ctx, raw); err != nil {
			errs = append(errs, fmt.Errorf("enqueue delivery to %s: %w", dest.inbox, err))
		}
	}
	return errors.Join(errs...)
}

// expandRecipients resolves recipients to inbox URLs, coalescing by
// shared inbox and deduplicating by the final URL. Descriptors and actor
// objects that already carry an inbox are used as-is; everything else
// resolves by IRI.
func (f *Federation[T]) expandRecipients(c *Context[T], sender string, to Recipients, preferShared bool) ([]*destination, error) {
	actorIRIs := append([]string{}, to.ActorIRIs...)

	known := append([]Recipient{}, to.Descriptors...)
	for _, obj := range to.Actors {
		if a := vocab.AsActor(obj); a != nil && a.Inbox != "" {
			known = append(known, Recipient{ActorIRI: a.ID, Inbox: a.Inbox, SharedInbox: a.SharedInbox})
			continue
		}
		if obj != nil && obj.ID() != "" {
			actorIRIs = append(actorIRIs, obj.ID())
		}
	}

	var followerIRIs []string
	var followersID string
	if to.Followers {
		var err error
		followerIRIs, err = f.followersForServer(c, sender, "")
		if err != nil {
			return nil, fmt.Errorf("expand followers of %q: %w", sender, err)
		}
		actorIRIs = append(actorIRIs, followerIRIs...)
		followersID, err = c.FollowersURI(sender)
		if err != nil {
			followersID = ""
		}
	}
	followerSet := make(map[string]struct{}, len(followerIRIs))
	for _, iri := range followerIRIs {
		followerSet[iri] = struct{}{}
	}

	byInbox := make(map[string]*destination)
	var order []string
	add := func(inbox, shared string) *destination {
		if preferShared && shared != "" {
			inbox = shared
		}
		if inbox == "" {
			return nil
		}
		dest, ok := byInbox[inbox]
		if !ok {
			dest = &destination{inbox: inbox}
			byInbox[inbox] = dest
			order = append(order, inbox)
		}
		return dest
	}

	for _, r := range known {
		if r.ActorIRI == vocab.PublicURI {
			continue
		}
		if _, local := f.matchLocal(r.ActorIRI, routeActor); local {
			continue
		}
		if add(r.Inbox, r.SharedInbox) == nil {
			slog.Warn("recipient has no inbox, skipping", "actor", r.ActorIRI)
		}
	}

	for _, iri := range actorIRIs {
		if iri == "" || iri == vocab.PublicURI {
			continue
		}
		if _, local := f.matchLocal(iri, routeActor); local {
			continue
		}
		actor, err := vocab.ResolveActor(c.Context, c.DocumentLoader(), iri)
		if err != nil {
			slog.Warn("cannot resolve recipient, skipping", "actor", iri, "error", err)
			continue
		}
		dest := add(actor.Inbox, actor.SharedInbox)
		if dest == nil {
			slog.Warn("recipient has no inbox, skipping", "actor", iri)
			continue
		}
		if _, isFollower := followerSet[iri]; isFollower && followersID != "" {
			dest.syncCollection = followersID
			dest.followersAtOrigin = append(dest.followersAtOrigin, iri)
		}
	}

	dests := make([]*destination, 0, len(order))
	for _, inbox := range order {
		dests = append(dests, byInbox[inbox])
	}
	return dests, nil
}

func originOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("no origin in %q", rawURL)
	}
	return u.Scheme + "://" + u.Host, nil
}
