package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftfed/weft/kv"
	"github.com/weftfed/weft/mq"
	"github.com/weftfed/weft/nodeinfo"
	"github.com/weftfed/weft/signing"
	"github.com/weftfed/weft/vocab"
)

const testOrigin = "https://local.example"

// testKeyPair is generated once; RSA generation is too slow to repeat per
// test.
var (
	testKeyPair     *signing.KeyPair
	testKeyPairOnce sync.Once
)

func localKeyPair(t *testing.T) *signing.KeyPair {
	t.Helper()
	testKeyPairOnce.Do(func() {
		kp, err := signing.GenerateKeyPair(testOrigin + "/users/alice#main-key")
		require.NoError(t, err)
		testKeyPair = kp
	})
	return testKeyPair
}

// remoteDocs is a stub document loader serving a fixed set of IRIs.
type remoteDocs map[string]map[string]any

func (d remoteDocs) Load(ctx context.Context, iri string) (map[string]any, error) {
	if doc, ok := d[iri]; ok {
		return doc, nil
	}
	return nil, &url.Error{Op: "Get", URL: iri, Err: context.Canceled}
}

// captureQueue records enqueued messages instead of delivering them.
type captureQueue struct {
	mu       sync.Mutex
	messages [][]byte
	delays   []time.Duration
}

func (q *captureQueue) Enqueue(ctx context.Context, body []byte, opts ...mq.EnqueueOption) error {
	var o mq.EnqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, body)
	q.delays = append(q.delays, o.Delay)
	return nil
}

func (q *captureQueue) Listen(ctx context.Context, handler mq.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (q *captureQueue) deliveries(t *testing.T) []deliveryMessage {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]deliveryMessage, len(q.messages))
	for i, raw := range q.messages {
		require.NoError(t, json.Unmarshal(raw, &out[i]))
	}
	return out
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func remotePersonDoc(id, inbox, sharedInbox string) map[string]any {
	doc := map[string]any{
		"type":  "Person",
		"id":    id,
		"inbox": inbox,
	}
	if sharedInbox != "" {
		doc["endpoints"] = map[string]any{"sharedInbox": sharedInbox}
	}
	return doc
}

func newTestFederation(t *testing.T, opts Options) *Federation[string] {
	t.Helper()
	if opts.Origin == "" {
		opts.Origin = testOrigin
	}
	if opts.Store == nil {
		opts.Store = kv.NewMemoryStore()
	}
	f, err := New[string](opts)
	require.NoError(t, err)

	require.NoError(t, f.SetActorDispatcher("/users/{identifier}",
		func(c *Context[string], identifier string) (*vocab.Object, error) {
			if identifier != "alice" {
				return nil, nil
			}
			actor := vocab.NewObject(vocab.TypePerson)
			actor.Set("preferredUsername", vocab.String("alice"))
			actor.Set("name", vocab.String("Alice"))
			return actor, nil
		}))
	require.NoError(t, f.SetKeyPairsDispatcher(
		func(c *Context[string], identifier string) ([]*signing.KeyPair, error) {
			return []*signing.KeyPair{localKeyPair(t)}, nil
		}))
	require.NoError(t, f.SetInboxPaths("/users/{identifier}/inbox", "/inbox"))
	return f
}

func TestCollectionDigestVector(t *testing.T) {
	iris := []string{
		"https://testing.example.org/users/1",
		"https://testing.example.org/users/2",
		"https://testing.example.org/users/2",
	}
	const want = "c33f48cd341ef046a206b8a72ec97af65079f9a3a9b90eef79c5920dce45c61f"
	assert.Equal(t, want, CollectionDigest(iris))

	// Order independent, duplicates ignored.
	assert.Equal(t, want, CollectionDigest([]string{iris[2], iris[1], iris[0]}))

	assert.Equal(t, strings.Repeat("0", 64), CollectionDigest(nil))
}

func TestSyncHeaderValue(t *testing.T) {
	col := "https://testing.example.org/users/1/followers"
	partial := partialCollectionURL(col, "https://testing.example.org")
	assert.Equal(t,
		"https://testing.example.org/users/1/followers?base-url=https%3A%2F%2Ftesting.example.org%2F",
		partial)

	const digest = "c33f48cd341ef046a206b8a72ec97af65079f9a3a9b90eef79c5920dce45c61f"
	header := syncHeaderValue(col, partial, digest)
	assert.Equal(t,
		`collectionId="https://testing.example.org/users/1/followers", `+
			`url="https://testing.example.org/users/1/followers?base-url=https%3A%2F%2Ftesting.example.org%2F", `+
			`digest="`+digest+`"`,
		header)
}

// signedActivityRequest builds a POST to alice's inbox signed with the
// given remote key.
func signedActivityRequest(t *testing.T, kp *signing.KeyPair, activity map[string]any) (*http.Request, []byte) {
	t.Helper()
	body, err := json.Marshal(activity)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, testOrigin+"/users/alice/inbox", bytes.NewReader(body))
	require.NoError(t, signing.SignRequest(req, body, kp))
	return req, body
}

func inboxTestSetup(t *testing.T) (*Federation[string], *signing.KeyPair, *atomic.Int32) {
	t.Helper()
	remoteKP, err := signing.GenerateKeyPair("https://remote.example/users/bob#main-key")
	require.NoError(t, err)

	bob := remotePersonDoc("https://remote.example/users/bob", "https://remote.example/users/bob/inbox", "")
	bob["publicKey"] = map[string]any{
		"id":           remoteKP.KeyID,
		"owner":        "https://remote.example/users/bob",
		"publicKeyPem": remoteKP.PublicPEM,
	}
	f := newTestFederation(t, Options{
		Loader: remoteDocs{
			"https://remote.example/users/bob":          bob,
			"https://remote.example/users/bob#main-key": bob,
		},
	})

	var calls atomic.Int32
	require.NoError(t, f.OnActivity(vocab.TypeFollow,
		func(c *Context[string], activity *vocab.Object) error {
			calls.Add(1)
			return nil
		}))
	return f, remoteKP, &calls
}

func TestInboxDeduplicatesByActivityID(t *testing.T) {
	f, remoteKP, calls := inboxTestSetup(t)
	handler := f.Handler(func(r *http.Request) string { return "" }, nil)

	activity := map[string]any{
		"type":   "Follow",
		"id":     "https://remote.example/activities/1",
		"actor":  "https://remote.example/users/bob",
		"object": testOrigin + "/users/alice",
	}

	for i := 0; i < 2; i++ {
		req, _ := signedActivityRequest(t, remoteKP, activity)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusAccepted, rec.Code, "delivery %d", i+1)
	}
	assert.Equal(t, int32(1), calls.Load(), "listener must run once for a replayed id")
}

func TestInboxRejectsUnsigned(t *testing.T) {
	f, _, calls := inboxTestSetup(t)
	handler := f.Handler(func(r *http.Request) string { return "" }, nil)

	body, _ := json.Marshal(map[string]any{
		"type": "Follow", "id": "https://remote.example/activities/2",
		"actor": "https://remote.example/users/bob",
	})
	req := httptest.NewRequest(http.MethodPost, testOrigin+"/users/alice/inbox", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, int32(0), calls.Load())
}

func TestInboxRejectsActorMismatch(t *testing.T) {
	f, remoteKP, calls := inboxTestSetup(t)
	handler := f.Handler(func(r *http.Request) string { return "" }, nil)

	// Signed with bob's key but claiming carol as the actor.
	req, _ := signedActivityRequest(t, remoteKP, map[string]any{
		"type":   "Follow",
		"id":     "https://remote.example/activities/3",
		"actor":  "https://remote.example/users/carol",
		"object": testOrigin + "/users/alice",
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, int32(0), calls.Load())
}

func TestInboxOwnerlessKeyResolvedViaActor(t *testing.T) {
	remoteKP, err := signing.GenerateKeyPair("https://remote.example/users/dana#main-key")
	require.NoError(t, err)

	// The key document carries no owner; dana's actor document vouches
	// for it by listing the key id.
	keyDoc := map[string]any{
		"id":           remoteKP.KeyID,
		"publicKeyPem": remoteKP.PublicPEM,
	}
	dana := remotePersonDoc("https://remote.example/users/dana", "https://remote.example/users/dana/inbox", "")
	dana["publicKey"] = map[string]any{
		"id":           remoteKP.KeyID,
		"publicKeyPem": remoteKP.PublicPEM,
	}
	eve := remotePersonDoc("https://remote.example/users/eve", "https://remote.example/users/eve/inbox", "")

	f := newTestFederation(t, Options{
		Loader: remoteDocs{
			remoteKP.KeyID:                      keyDoc,
			"https://remote.example/users/dana": dana,
			"https://remote.example/users/eve":  eve,
		},
	})
	var calls atomic.Int32
	require.NoError(t, f.OnActivity(vocab.TypeFollow,
		func(c *Context[string], activity *vocab.Object) error {
			calls.Add(1)
			return nil
		}))
	handler := f.Handler(func(r *http.Request) string { return "" }, nil)

	req, _ := signedActivityRequest(t, remoteKP, map[string]any{
		"type":   "Follow",
		"id":     "https://remote.example/activities/7",
		"actor":  "https://remote.example/users/dana",
		"object": testOrigin + "/users/alice",
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, int32(1), calls.Load())

	// An actor that does not list the key gets no benefit from the
	// fallback.
	req, _ = signedActivityRequest(t, remoteKP, map[string]any{
		"type":   "Follow",
		"id":     "https://remote.example/activities/8",
		"actor":  "https://remote.example/users/eve",
		"object": testOrigin + "/users/alice",
	})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestInboxRejectsNonActivity(t *testing.T) {
	f, remoteKP, calls := inboxTestSetup(t)
	handler := f.Handler(func(r *http.Request) string { return "" }, nil)

	req, _ := signedActivityRequest(t, remoteKP, map[string]any{
		"type":  "Note",
		"id":    "https://remote.example/notes/1",
		"actor": "https://remote.example/users/bob",
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, int32(0), calls.Load())
}

func TestInboxListenerErrorIs500(t *testing.T) {
	f, remoteKP, _ := inboxTestSetup(t)
	require.NoError(t, f.OnActivity(vocab.TypeLike,
		func(c *Context[string], activity *vocab.Object) error {
			return assert.AnError
		}))
	var observed error
	f.OnInboxError(func(c *Context[string], err error) { observed = err })

	handler := f.Handler(func(r *http.Request) string { return "" }, nil)
	req, _ := signedActivityRequest(t, remoteKP, map[string]any{
		"type":   "Like",
		"id":     "https://remote.example/activities/4",
		"actor":  "https://remote.example/users/bob",
		"object": testOrigin + "/users/alice",
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.ErrorIs(t, observed, assert.AnError)
}

func TestListenerSpecificity(t *testing.T) {
	f := newTestFederation(t, Options{})
	var got []string
	require.NoError(t, f.OnActivity(vocab.TypeActivity,
		func(c *Context[string], a *vocab.Object) error {
			got = append(got, "activity")
			return nil
		}))
	require.NoError(t, f.OnActivity(vocab.TypeAccept,
		func(c *Context[string], a *vocab.Object) error {
			got = append(got, "accept")
			return nil
		}))

	c := f.newContext(context.Background(), "")

	// TentativeAccept has no listener of its own; Accept is the most
	// specific registered ancestor.
	require.NotNil(t, f.listenerFor(vocab.TypeTentativeAccept))
	require.NoError(t, f.listenerFor(vocab.TypeTentativeAccept)(c, vocab.NewObject(vocab.TypeTentativeAccept)))
	// Follow falls back to the Activity listener.
	require.NoError(t, f.listenerFor(vocab.TypeFollow)(c, vocab.NewObject(vocab.TypeFollow)))

	assert.Equal(t, []string{"accept", "activity"}, got)
}

func TestDuplicateListenerRejected(t *testing.T) {
	f := newTestFederation(t, Options{})
	noop := func(c *Context[string], a *vocab.Object) error { return nil }
	require.NoError(t, f.OnActivity(vocab.TypeFollow, noop))
	assert.ErrorIs(t, f.OnActivity(vocab.TypeFollow, noop), ErrDuplicateListener)
}

func TestRegistrationFrozenAfterOperation(t *testing.T) {
	f := newTestFederation(t, Options{})
	handler := f.Handler(func(r *http.Request) string { return "" }, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, testOrigin+"/users/alice", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	noop := func(c *Context[string], a *vocab.Object) error { return nil }
	assert.ErrorIs(t, f.OnActivity(vocab.TypeFollow, noop), ErrFrozen)
	assert.ErrorIs(t, f.SetKeyPairsDispatcher(nil), ErrFrozen)
}

func TestActorDocument(t *testing.T) {
	f := newTestFederation(t, Options{})
	handler := f.Handler(func(r *http.Request) string { return "" }, nil)

	req := httptest.NewRequest(http.MethodGet, testOrigin+"/users/alice", nil)
	req.Header.Set("Accept", "application/activity+json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, activityContentType, rec.Header().Get("Content-Type"))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "Person", doc["type"])
	assert.Equal(t, testOrigin+"/users/alice", doc["id"])
	assert.Equal(t, testOrigin+"/users/alice/inbox", doc["inbox"])

	endpoints, ok := doc["endpoints"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, testOrigin+"/inbox", endpoints["sharedInbox"])

	key, ok := doc["publicKey"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, localKeyPair(t).KeyID, key["id"])
	assert.Equal(t, testOrigin+"/users/alice", key["owner"])
	assert.Contains(t, key["publicKeyPem"], "BEGIN PUBLIC KEY")
}

func TestActorContentNegotiation(t *testing.T) {
	f := newTestFederation(t, Options{})
	fallthroughs := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallthroughs++
		w.WriteHeader(http.StatusTeapot)
	})
	handler := f.Handler(func(r *http.Request) string { return "" }, next)

	req := httptest.NewRequest(http.MethodGet, testOrigin+"/users/alice", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, 1, fallthroughs)
}

func TestResponseContentTypeFollowsAccept(t *testing.T) {
	f := newTestFederation(t, Options{})
	handler := f.Handler(func(r *http.Request) string { return "" }, nil)

	get := func(accept string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, testOrigin+"/users/alice", nil)
		if accept != "" {
			req.Header.Set("Accept", accept)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		return rec
	}

	assert.Equal(t, activityContentType, get("").Header().Get("Content-Type"))
	assert.Equal(t, activityContentType,
		get("application/activity+json").Header().Get("Content-Type"))
	assert.Equal(t,
		`application/ld+json; profile="https://www.w3.org/ns/activitystreams"`,
		get(`application/ld+json; profile="https://www.w3.org/ns/activitystreams"`).
			Header().Get("Content-Type"))
	// First listed ActivityPub type wins.
	assert.Equal(t, activityContentType,
		get("application/activity+json, application/ld+json").Header().Get("Content-Type"))
}

func TestUnknownActorIs404(t *testing.T) {
	f := newTestFederation(t, Options{})
	handler := f.Handler(func(r *http.Request) string { return "" }, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, testOrigin+"/users/nobody", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebFinger(t *testing.T) {
	f := newTestFederation(t, Options{})
	handler := f.Handler(func(r *http.Request) string { return "" }, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		testOrigin+"/.well-known/webfinger?resource=acct:alice@local.example", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/jrd+json", rec.Header().Get("Content-Type"))

	var jrd struct {
		Subject string `json:"subject"`
		Links   []struct {
			Rel  string `json:"rel"`
			Href string `json:"href"`
		} `json:"links"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jrd))
	assert.Equal(t, "acct:alice@local.example", jrd.Subject)
	found := false
	for _, l := range jrd.Links {
		if l.Rel == "self" {
			found = true
			assert.Equal(t, testOrigin+"/users/alice", l.Href)
		}
	}
	assert.True(t, found, "JRD must carry a self link")

	// Unknown account and foreign host are 404s.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		testOrigin+"/.well-known/webfinger?resource=acct:nobody@local.example", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		testOrigin+"/.well-known/webfinger?resource=acct:alice@elsewhere.example", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCollectionPaging(t *testing.T) {
	f := newTestFederation(t, Options{})
	items := []string{
		"https://remote.example/notes/1",
		"https://remote.example/notes/2",
		"https://remote.example/notes/3",
	}
	require.NoError(t, f.SetCollectionDispatcher("outbox", "/users/{identifier}/outbox",
		func(c *Context[string], values map[string]string, cursor string) (*CollectionPage, error) {
			switch cursor {
			case "0":
				return &CollectionPage{
					Items:      []*vocab.Value{vocab.IRI(items[0]), vocab.IRI(items[1])},
					NextCursor: "2",
				}, nil
			case "2":
				return &CollectionPage{
					Items:      []*vocab.Value{vocab.IRI(items[2])},
					PrevCursor: "0",
				}, nil
			}
			return nil, nil
		}))
	require.NoError(t, f.SetCollectionCounter("outbox",
		func(c *Context[string], values map[string]string) (int64, error) { return 3, nil }))
	require.NoError(t, f.SetCollectionFirstCursor("outbox",
		func(c *Context[string], values map[string]string) (string, error) { return "0", nil }))
	require.NoError(t, f.SetCollectionLastCursor("outbox",
		func(c *Context[string], values map[string]string) (string, error) { return "2", nil }))

	handler := f.Handler(func(r *http.Request) string { return "" }, nil)
	colID := testOrigin + "/users/alice/outbox"

	// Naked endpoint: container with first/last and the count.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, colID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var container map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &container))
	assert.Equal(t, "OrderedCollection", container["type"])
	assert.Equal(t, colID, container["id"])
	assert.Equal(t, float64(3), container["totalItems"])
	assert.Equal(t, colID+"?cursor=0", container["first"])
	assert.Equal(t, colID+"?cursor=2", container["last"])
	assert.NotContains(t, container, "orderedItems")

	// First page.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, colID+"?cursor=0", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var page map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, "OrderedCollectionPage", page["type"])
	assert.Equal(t, colID, page["partOf"])
	assert.Equal(t, colID+"?cursor=2", page["next"])
	assert.NotContains(t, page, "prev")
	assert.Equal(t, []any{items[0], items[1]}, page["orderedItems"])

	// Unknown cursor.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, colID+"?cursor=99", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFollowersPartition(t *testing.T) {
	f := newTestFederation(t, Options{})
	require.NoError(t, f.SetCollectionDispatcher("followers", "/users/{identifier}/followers",
		func(c *Context[string], values map[string]string, cursor string) (*CollectionPage, error) {
			return &CollectionPage{Items: []*vocab.Value{
				vocab.IRI("https://remote.example/users/bob"),
				vocab.IRI("https://other.example/users/eve"),
				vocab.IRI("https://remote.example/users/carol"),
			}}, nil
		}))
	handler := f.Handler(func(r *http.Request) string { return "" }, nil)
	colID := testOrigin + "/users/alice/followers"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		colID+"?base-url=https%3A%2F%2Fremote.example%2F", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var col map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &col))
	assert.Equal(t, "OrderedCollection", col["type"])
	assert.Equal(t, colID+"?base-url=https%3A%2F%2Fremote.example%2F", col["id"])
	assert.Equal(t, float64(2), col["totalItems"])
	assert.Equal(t, []any{
		"https://remote.example/users/bob",
		"https://remote.example/users/carol",
	}, col["orderedItems"])

	// Digest over the remote.example partition only.
	header := rec.Header().Get(CollectionSyncHeader)
	assert.Contains(t, header, `collectionId="`+colID+`"`)
	assert.Contains(t, header,
		`digest="0f7fa9dcc2c54ce5c4aca2d551e6f7be697bff4d2dc30029c9b8565608c9d096"`)
}

func TestNodeInfoEndpoints(t *testing.T) {
	f := newTestFederation(t, Options{})
	require.NoError(t, f.SetNodeInfoDispatcher(
		func(c *Context[string]) (*nodeinfo.NodeInfo, error) {
			return &nodeinfo.NodeInfo{
				Software:  nodeinfo.Software{Name: "weft", Version: "0.1.0"},
				Protocols: []string{"activitypub"},
				Usage:     nodeinfo.Usage{Users: nodeinfo.Users{Total: 1}},
			}, nil
		}))
	handler := f.Handler(func(r *http.Request) string { return "" }, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, testOrigin+"/.well-known/nodeinfo", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var ptr nodeinfo.Pointer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ptr))
	require.Len(t, ptr.Links, 1)
	assert.Equal(t, nodeinfo.Schema21, ptr.Links[0].Rel)
	assert.Equal(t, testOrigin+"/nodeinfo/2.1", ptr.Links[0].Href)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, ptr.Links[0].Href, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var info nodeinfo.NodeInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "2.1", info.Version)
	assert.Equal(t, "weft", info.Software.Name)
}

func TestHostMeta(t *testing.T) {
	f := newTestFederation(t, Options{})
	handler := f.Handler(func(r *http.Request) string { return "" }, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, testOrigin+"/.well-known/host-meta", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/xrd+xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(),
		testOrigin+"/.well-known/webfinger?resource={uri}")
}
