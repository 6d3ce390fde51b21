package federation

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/weftfed/weft/kv"
	"github.com/weftfed/weft/vocab"
)

// maxActivityBytes bounds inbound POST bodies.
const maxActivityBytes = 1 << 20

// handleInboxPost runs the inbox pipeline for one delivery: signature
// verification, activity parsing, idempotent dedup, actor authentication
// and listener dispatch.
func (f *Federation[T]) handleInboxPost(w http.ResponseWriter, r *http.Request, data T, shared bool) {
	f.freeze()

	select {
	case f.inboxSem <- struct{}{}:
		defer func() { <-f.inboxSem }()
	default:
		http.Error(w, "too many concurrent deliveries", http.StatusServiceUnavailable)
		return
	}

	c := f.newContext(r.Context(), data)

	if shared && f.sharedInboxDispatcher != nil {
		if kp, err := f.sharedInboxDispatcher(c); err == nil && kp != nil {
			c.fetchKey = kp
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxActivityBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	key, reason := f.verifier.Verify(r.Context(), r, body)
	if key == nil {
		slog.Debug("inbox signature rejected", "reason", reason, "remote", r.RemoteAddr)
		http.Error(w, "invalid HTTP signature", http.StatusUnauthorized)
		return
	}

	activity, err := vocab.FromBytes(body, vocab.TypeObject)
	if err != nil {
		http.Error(w, "malformed activity document", http.StatusBadRequest)
		return
	}
	if !vocab.IsActivityType(activity.Type()) {
		http.Error(w, "document is not an activity", http.StatusBadRequest)
		return
	}
	actorIRI := vocab.ActivityActorIRI(activity)
	if activity.ID() == "" || actorIRI == "" {
		http.Error(w, "activity must carry id and actor", http.StatusBadRequest)
		return
	}

	// The signer must be the activity's actor. A signature from someone
	// else's key is a forged delivery.
	owned := key.Owner == actorIRI
	if !owned && key.Owner == "" {
		// Bare key documents may omit owner; the actor vouches for the
		// key by listing it.
		owned = f.actorListsKey(c, actorIRI, key.ID)
	}
	if !owned {
		slog.Debug("inbox actor mismatch", "keyOwner", key.Owner, "actor", actorIRI)
		http.Error(w, "signature key does not belong to the activity actor", http.StatusUnauthorized)
		return
	}

	// Idempotency: the first delivery of an activity ID wins; replays and
	// fan-out duplicates are acknowledged without dispatching again.
	fresh, err := f.store.SetIfAbsent(r.Context(),
		kv.NewKey("_weft", "inbox", "seen", activity.ID()),
		[]byte{1}, kv.WithTTL(f.dedupTTL))
	if err != nil {
		slog.Error("inbox dedup store failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !fresh {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	listener := f.listenerFor(activity.Type())
	if listener == nil {
		slog.Debug("no listener for activity", "type", activity.Type(), "id", activity.ID())
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if err := listener(c, activity); err != nil {
		slog.Error("inbox listener failed", "type", activity.Type(), "id", activity.ID(), "error", err)
		if f.inboxErrorHandler != nil {
			f.inboxErrorHandler(c, err)
		}
		http.Error(w, "activity processing failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// actorListsKey reports whether the actor document at actorIRI carries
// the key under publicKey or assertionMethod.
func (f *Federation[T]) actorListsKey(c *Context[T], actorIRI, keyID string) bool {
	actor, err := vocab.ResolveActor(c.Context, c.DocumentLoader(), actorIRI)
	if err != nil {
		slog.Debug("cannot resolve actor for key ownership", "actor", actorIRI, "error", err)
		return false
	}
	for _, k := range actor.PublicKeys {
		if k.ID == keyID {
			return true
		}
	}
	return false
}

// listenerFor walks the activity's ancestry and returns the listener of
// the most specific registered class, or nil.
func (f *Federation[T]) listenerFor(t vocab.Type) Listener[T] {
	for _, ancestor := range vocab.Ancestry(t) {
		if l, ok := f.listeners[ancestor]; ok {
			return l
		}
	}
	return nil
}
