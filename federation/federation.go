// Package federation implements the ActivityPub federation engine: the
// endpoint dispatch table, the inbox pipeline (signature verification,
// deduplication, polymorphic listener dispatch) and the outbox delivery
// pipeline (recipient expansion, shared-inbox coalescing, queue-backed
// retry with exponential backoff).
package federation

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weftfed/weft/kv"
	"github.com/weftfed/weft/mq"
	"github.com/weftfed/weft/nodeinfo"
	"github.com/weftfed/weft/routing"
	"github.com/weftfed/weft/signing"
	"github.com/weftfed/weft/vocab"
)

var (
	// ErrDuplicateListener is returned when a second listener is registered
	// for the same activity class.
	ErrDuplicateListener = errors.New("duplicate listener")
	// ErrFrozen is returned for registrations after the first inbound or
	// outbound operation.
	ErrFrozen = errors.New("dispatch table is frozen after the first operation")
)

// Route names used in the router's dispatch table.
const (
	routeActor        = "actor"
	routeInbox        = "inbox"
	routeSharedInbox  = "shared-inbox"
	routeOutbox       = "outbox"
	routeFollowing    = "following"
	routeFollowers    = "followers"
	routeLiked        = "liked"
	routeFeatured     = "featured"
	routeFeaturedTags = "featured-tags"
	routeWebFinger    = "webfinger"
	routeNodeInfo     = "nodeinfo"
	routeNodeInfoDoc  = "nodeinfo-document"
	routeHostMeta     = "host-meta"

	objectRoutePrefix = "object:"
)

// collectionRoutes are the endpoint kinds served as paged collections.
var collectionRoutes = []string{
	routeOutbox, routeFollowing, routeFollowers, routeLiked,
	routeFeatured, routeFeaturedTags,
}

// ActorDispatcher produces the actor for a local identifier, or nil when
// no such actor exists.
type ActorDispatcher[T any] func(c *Context[T], identifier string) (*vocab.Object, error)

// KeyPairsDispatcher supplies the signing key pairs for a local
// identifier. The first pair is the principal key advertised as publicKey;
// the rest become assertionMethods.
type KeyPairsDispatcher[T any] func(c *Context[T], identifier string) ([]*signing.KeyPair, error)

// ObjectDispatcher produces an object for the placeholder values of its
// route, or nil when absent.
type ObjectDispatcher[T any] func(c *Context[T], values map[string]string) (*vocab.Object, error)

// Authorizer decides whether a request may see an object. The key is the
// verified signing key of the request, or nil for unsigned requests.
type Authorizer[T any] func(c *Context[T], values map[string]string, key *vocab.CryptographicKey) (bool, error)

// Listener handles one inbound activity. At most one listener per activity
// class; dispatch picks the most specific registered ancestor.
type Listener[T any] func(c *Context[T], activity *vocab.Object) error

// InboxErrorHandler observes listener failures.
type InboxErrorHandler[T any] func(c *Context[T], err error)

// OutboxErrorHandler observes permanently failed deliveries.
type OutboxErrorHandler func(err error, activity []byte)

// NodeInfoDispatcher produces the server's NodeInfo document.
type NodeInfoDispatcher[T any] func(c *Context[T]) (*nodeinfo.NodeInfo, error)

// SharedInboxKeyDispatcher supplies the key pair used for authenticated
// document fetches while handling shared-inbox deliveries.
type SharedInboxKeyDispatcher[T any] func(c *Context[T]) (*signing.KeyPair, error)

type objectEndpoint[T any] struct {
	dispatch  ObjectDispatcher[T]
	authorize Authorizer[T]
}

type collectionEndpoint[T any] struct {
	dispatch CollectionDispatcher[T]
	count    CollectionCounter[T]
	first    CollectionCursor[T]
	last     CollectionCursor[T]
}

// Options configures a Federation at construction time.
type Options struct {
	// Origin is the scheme and host all local IRIs live under,
	// e.g. "https://example.com".
	Origin string
	// Store persists ephemeral routing state (inbox idempotency).
	Store kv.Store
	// Queue backs outbox delivery. Nil means all deliveries are inline.
	Queue mq.Queue
	// Loader fetches remote documents. Defaults to a caching HTTP loader.
	Loader vocab.DocumentLoader
	// HTTPClient performs deliveries. Defaults to a 30s-timeout client.
	HTTPClient *http.Client
	// UserAgent is sent on outgoing requests.
	UserAgent string
	// SignatureSkew is the accepted Date header skew. Default 30s.
	SignatureSkew time.Duration
	// KeyCacheTTL bounds the key-ownership cache. Default one hour.
	KeyCacheTTL time.Duration
	// DedupTTL bounds the inbox idempotency window. Default one week.
	DedupTTL time.Duration
	// MaxInFlight caps concurrently processed inbox activities; deliveries
	// beyond it get a 503. Default 50.
	MaxInFlight int
	// Retry maps a failed attempt count to the next delay. Defaults to
	// exponential backoff: base one minute, factor two, jitter ±20%,
	// capped at eight attempts.
	Retry RetrySchedule
}

// Federation is the process-wide federation handle, parameterized by an
// application-defined context payload T. Create it once at startup,
// register dispatchers and listeners, then mount it; the dispatch table
// freezes on the first inbound or outbound operation.
type Federation[T any] struct {
	origin     *url.URL
	router     *routing.Router
	store      kv.Store
	queue      mq.Queue
	loader     vocab.DocumentLoader
	verifier   *signing.Verifier
	httpClient *http.Client
	userAgent  string
	dedupTTL   time.Duration
	retry      RetrySchedule
	inboxSem   chan struct{}

	actorDispatcher       ActorDispatcher[T]
	keyPairsDispatcher    KeyPairsDispatcher[T]
	objectEndpoints       map[string]*objectEndpoint[T]
	collectionEndpoints   map[string]*collectionEndpoint[T]
	listeners             map[vocab.Type]Listener[T]
	transformers          []Transformer[T]
	inboxErrorHandler     InboxErrorHandler[T]
	outboxErrorHandler    OutboxErrorHandler
	nodeInfoDispatcher    NodeInfoDispatcher[T]
	sharedInboxDispatcher SharedInboxKeyDispatcher[T]

	signedLoaders sync.Map // key IRI → vocab.DocumentLoader
	frozen        atomic.Bool
}

// New creates a Federation handle.
func New[T any](opts Options) (*Federation[T], error) {
	origin, err := url.Parse(opts.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("invalid origin %q", opts.Origin)
	}
	if opts.Store == nil {
		return nil, errors.New("a kv store is required")
	}

	loader := opts.Loader
	if loader == nil {
		loaderOpts := []vocab.LoaderOption{}
		if opts.UserAgent != "" {
			loaderOpts = append(loaderOpts, vocab.WithUserAgent(opts.UserAgent))
		}
		loader = vocab.NewHTTPLoader(loaderOpts...)
	}

	verifierOpts := []signing.VerifierOption{}
	if opts.SignatureSkew > 0 {
		verifierOpts = append(verifierOpts, signing.WithSkew(opts.SignatureSkew))
	}

	dedupTTL := opts.DedupTTL
	if dedupTTL <= 0 {
		dedupTTL = 7 * 24 * time.Hour
	}
	retry := opts.Retry
	if retry == nil {
		retry = DefaultRetrySchedule()
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "weft/1.0 (+https://github.com/weftfed/weft)"
	}
	maxInFlight := opts.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 50
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	f := &Federation[T]{
		origin:              origin,
		router:              routing.New(),
		store:               opts.Store,
		queue:               opts.Queue,
		loader:              loader,
		verifier:            signing.NewVerifier(loader, opts.KeyCacheTTL, verifierOpts...),
		httpClient:          httpClient,
		userAgent:           userAgent,
		dedupTTL:            dedupTTL,
		retry:               retry,
		inboxSem:            make(chan struct{}, maxInFlight),
		objectEndpoints:     make(map[string]*objectEndpoint[T]),
		collectionEndpoints: make(map[string]*collectionEndpoint[T]),
		listeners:           make(map[vocab.Type]Listener[T]),
	}
	f.transformers = []Transformer[T]{AutoID[T](), DehydrateActor[T]()}

	// Discovery endpoints have fixed well-known paths.
	for _, r := range []struct{ template, name string }{
		{"/.well-known/webfinger", routeWebFinger},
		{"/.well-known/nodeinfo", routeNodeInfo},
		{"/nodeinfo/2.1", routeNodeInfoDoc},
		{"/.well-known/host-meta", routeHostMeta},
	} {
		if _, err := f.router.Add(r.template, r.name); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *Federation[T]) checkMutable() error {
	if f.frozen.Load() {
		return ErrFrozen
	}
	return nil
}

// freeze marks the dispatch table immutable. Called on the first inbound
// or outbound operation.
func (f *Federation[T]) freeze() { f.frozen.Store(true) }

// SetActorDispatcher registers the actor endpoint under a template with an
// "{identifier}" placeholder.
func (f *Federation[T]) SetActorDispatcher(template string, cb ActorDispatcher[T]) error {
	if err := f.checkMutable(); err != nil {
		return err
	}
	if _, err := f.router.Add(template, routeActor); err != nil {
		return err
	}
	f.actorDispatcher = cb
	return nil
}

// SetKeyPairsDispatcher registers the key-pair source for local actors.
func (f *Federation[T]) SetKeyPairsDispatcher(cb KeyPairsDispatcher[T]) error {
	if err := f.checkMutable(); err != nil {
		return err
	}
	f.keyPairsDispatcher = cb
	return nil
}

// SetObjectDispatcher registers a named object endpoint.
func (f *Federation[T]) SetObjectDispatcher(name, template string, cb ObjectDispatcher[T]) error {
	if err := f.checkMutable(); err != nil {
		return err
	}
	if _, err := f.router.Add(template, objectRoutePrefix+name); err != nil {
		return err
	}
	f.objectEndpoints[name] = &objectEndpoint[T]{dispatch: cb}
	return nil
}

// SetObjectAuthorizer attaches an authorize predicate to a registered
// object endpoint.
func (f *Federation[T]) SetObjectAuthorizer(name string, az Authorizer[T]) error {
	if err := f.checkMutable(); err != nil {
		return err
	}
	ep, ok := f.objectEndpoints[name]
	if !ok {
		return fmt.Errorf("no object endpoint %q", name)
	}
	ep.authorize = az
	return nil
}

// SetInboxPaths registers the personal and shared inbox endpoints.
func (f *Federation[T]) SetInboxPaths(inboxTemplate, sharedInboxTemplate string) error {
	if err := f.checkMutable(); err != nil {
		return err
	}
	if _, err := f.router.Add(inboxTemplate, routeInbox); err != nil {
		return err
	}
	if sharedInboxTemplate != "" {
		if _, err := f.router.Add(sharedInboxTemplate, routeSharedInbox); err != nil {
			return err
		}
	}
	return nil
}

// OnActivity registers the listener for an activity class. Registering a
// second listener for the same class fails with ErrDuplicateListener.
func (f *Federation[T]) OnActivity(t vocab.Type, listener Listener[T]) error {
	if err := f.checkMutable(); err != nil {
		return err
	}
	if _, exists := f.listeners[t]; exists {
		return fmt.Errorf("%w for %s", ErrDuplicateListener, t)
	}
	f.listeners[t] = listener
	return nil
}

// OnInboxError registers the handler invoked when a listener fails.
func (f *Federation[T]) OnInboxError(h InboxErrorHandler[T]) { f.inboxErrorHandler = h }

// OnOutboxError registers the handler invoked when a delivery fails
// permanently or exhausts its retries.
func (f *Federation[T]) OnOutboxError(h OutboxErrorHandler) { f.outboxErrorHandler = h }

// SetCollectionDispatcher registers a paged collection endpoint. The kind
// must be one of "outbox", "following", "followers", "liked", "featured"
// or "featured-tags".
func (f *Federation[T]) SetCollectionDispatcher(kind, template string, cb CollectionDispatcher[T]) error {
	if err := f.checkMutable(); err != nil {
		return err
	}
	valid := false
	for _, k := range collectionRoutes {
		if k == kind {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("unknown collection kind %q", kind)
	}
	if _, err := f.router.Add(template, kind); err != nil {
		return err
	}
	f.collectionEndpoints[kind] = &collectionEndpoint[T]{dispatch: cb}
	return nil
}

// SetCollectionCounter attaches a totalItems counter to a collection.
func (f *Federation[T]) SetCollectionCounter(kind string, cb CollectionCounter[T]) error {
	return f.setCollectionExtra(kind, func(ep *collectionEndpoint[T]) { ep.count = cb })
}

// SetCollectionFirstCursor attaches a first-page cursor to a collection.
func (f *Federation[T]) SetCollectionFirstCursor(kind string, cb CollectionCursor[T]) error {
	return f.setCollectionExtra(kind, func(ep *collectionEndpoint[T]) { ep.first = cb })
}

// SetCollectionLastCursor attaches a last-page cursor to a collection.
func (f *Federation[T]) SetCollectionLastCursor(kind string, cb CollectionCursor[T]) error {
	return f.setCollectionExtra(kind, func(ep *collectionEndpoint[T]) { ep.last = cb })
}

func (f *Federation[T]) setCollectionExtra(kind string, apply func(*collectionEndpoint[T])) error {
	if err := f.checkMutable(); err != nil {
		return err
	}
	ep, ok := f.collectionEndpoints[kind]
	if !ok {
		return fmt.Errorf("no collection endpoint %q", kind)
	}
	apply(ep)
	return nil
}

// AddTransformer appends an activity transformer to the outbox chain,
// after the built-in auto-id and actor-dehydration steps.
func (f *Federation[T]) AddTransformer(t Transformer[T]) error {
	if err := f.checkMutable(); err != nil {
		return err
	}
	f.transformers = append(f.transformers, t)
	return nil
}

// SetNodeInfoDispatcher registers the NodeInfo source.
func (f *Federation[T]) SetNodeInfoDispatcher(cb NodeInfoDispatcher[T]) error {
	if err := f.checkMutable(); err != nil {
		return err
	}
	f.nodeInfoDispatcher = cb
	return nil
}

// SetSharedInboxKeyDispatcher registers the key source for authenticated
// fetches during shared-inbox handling.
func (f *Federation[T]) SetSharedInboxKeyDispatcher(cb SharedInboxKeyDispatcher[T]) error {
	if err := f.checkMutable(); err != nil {
		return err
	}
	f.sharedInboxDispatcher = cb
	return nil
}

// Router exposes the URL template router, mainly for building canonical
// URLs outside a request context.
func (f *Federation[T]) Router() *routing.Router { return f.router }

// baseURL joins a path onto the configured origin.
func (f *Federation[T]) baseURL(path string) string {
	u := *f.origin
	u.Path = path
	return u.String()
}

// build constructs the canonical URL for a route.
func (f *Federation[T]) build(name string, values map[string]string) (string, error) {
	path, err := f.router.Build(name, values)
	if err != nil {
		return "", err
	}
	return f.baseURL(path), nil
}

// matchLocal routes an absolute IRI against the dispatch table and
// reports whether it hits the named route on this server's origin.
func (f *Federation[T]) matchLocal(iri, name string) (map[string]string, bool) {
	u, err := url.Parse(iri)
	if err != nil {
		return nil, false
	}
	if u.Scheme != f.origin.Scheme || u.Host != f.origin.Host {
		return nil, false
	}
	m := f.router.Route(u.Path)
	if m == nil || m.Name != name {
		return nil, false
	}
	return m.Values, true
}

// signedLoaderFor returns a document loader whose fetches are signed with
// the given key, creating and caching one per key IRI.
func (f *Federation[T]) signedLoaderFor(kp *signing.KeyPair) vocab.DocumentLoader {
	if cached, ok := f.signedLoaders.Load(kp.KeyID); ok {
		return cached.(vocab.DocumentLoader)
	}
	loader := vocab.NewHTTPLoader(
		vocab.WithUserAgent(f.userAgent),
		vocab.WithRequestSigner(func(req *http.Request) error {
			return signing.SignRequest(req, nil, kp)
		}),
	)
	actual, _ := f.signedLoaders.LoadOrStore(kp.KeyID, vocab.DocumentLoader(loader))
	return actual.(vocab.DocumentLoader)
}
