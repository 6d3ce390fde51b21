package federation

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/weftfed/weft/nodeinfo"
	"github.com/weftfed/weft/vocab"
	"github.com/weftfed/weft/webfinger"
)

// DataFactory derives the application payload for one request.
type DataFactory[T any] func(r *http.Request) T

// Handler returns the federation's HTTP handler. Requests that match no
// registered route, and object GETs whose client does not accept an
// ActivityPub representation, fall through to next (404 when next is nil).
func (f *Federation[T]) Handler(data DataFactory[T], next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.freeze()
		m := f.router.Route(r.URL.Path)
		if m == nil {
			next.ServeHTTP(w, r)
			return
		}

		switch m.Name {
		case routeInbox, routeSharedInbox:
			if r.Method != http.MethodPost {
				w.Header().Set("Allow", http.MethodPost)
				http.Error(w, "inbox accepts POST only", http.StatusMethodNotAllowed)
				return
			}
			f.handleInboxPost(w, r, data(r), m.Name == routeSharedInbox)
			return
		case routeWebFinger:
			f.handleWebFinger(w, r, data(r))
			return
		case routeNodeInfo:
			f.handleNodeInfoPointer(w, r)
			return
		case routeNodeInfoDoc:
			f.handleNodeInfoDocument(w, r, data(r))
			return
		case routeHostMeta:
			f.handleHostMeta(w, r)
			return
		}

		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !acceptsActivityJSON(r) {
			next.ServeHTTP(w, r)
			return
		}

		c := f.newContext(r.Context(), data(r))
		switch {
		case m.Name == routeActor:
			f.handleActor(w, r, c, m.Values)
		case strings.HasPrefix(m.Name, objectRoutePrefix):
			f.handleObject(w, r, c, strings.TrimPrefix(m.Name, objectRoutePrefix), m.Values)
		case f.collectionEndpoints[m.Name] != nil:
			f.handleCollection(w, r, c, m.Name, m.Values)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// acceptsActivityJSON reports whether the client accepts an ActivityPub
// document. Wildcard and generic JSON accepts count; browsers asking for
// text/html fall through to the application's own pages.
func acceptsActivityJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if accept == "" {
		return true
	}
	for _, part := range strings.Split(accept, ",") {
		mt := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		switch mt {
		case "*/*", "application/*", "application/activity+json",
			"application/ld+json", "application/json":
			return true
		}
	}
	return false
}

// ldContentType is served when the client asked for ld+json specifically.
const ldContentType = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

// responseContentType picks the representation the client asked for; the
// first of the two ActivityPub media types in the Accept header wins,
// defaulting to activity+json.
func responseContentType(r *http.Request) string {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		switch strings.TrimSpace(strings.SplitN(part, ";", 2)[0]) {
		case "application/ld+json":
			return ldContentType
		case "application/activity+json":
			return activityContentType
		}
	}
	return activityContentType
}

func writeActivityJSON(w http.ResponseWriter, r *http.Request, status int, doc map[string]any) {
	w.Header().Set("Content-Type", responseContentType(r))
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		slog.Debug("response write failed", "error", err)
	}
}

// handleActor serves the actor document: the dispatched object enriched
// with its canonical id, collection IRIs, endpoints and public keys.
func (f *Federation[T]) handleActor(w http.ResponseWriter, r *http.Request, c *Context[T], values map[string]string) {
	if f.actorDispatcher == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	identifier := values["identifier"]
	actor, err := f.actorDispatcher(c, identifier)
	if err != nil {
		slog.Error("actor dispatcher failed", "identifier", identifier, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if actor == nil {
		http.Error(w, "no such actor", http.StatusNotFound)
		return
	}

	doc, err := f.enrichActor(c, identifier, actor)
	if err != nil {
		slog.Error("actor document assembly failed", "identifier", identifier, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeActivityJSON(w, r, http.StatusOK, vocab.ToJSON(doc))
}

// enrichActor overlays the engine-owned actor terms: id, the collection
// IRIs whose routes are registered, the shared inbox endpoint and the
// signing keys.
func (f *Federation[T]) enrichActor(c *Context[T], identifier string, actor *vocab.Object) (*vocab.Object, error) {
	overrides := make(map[string][]*vocab.Value)

	id, err := c.ActorURI(identifier)
	if err != nil {
		return nil, err
	}
	overrides["id"] = []*vocab.Value{vocab.String(id)}

	for _, route := range []struct{ name, term string }{
		{routeInbox, "inbox"},
		{routeOutbox, "outbox"},
		{routeFollowing, "following"},
		{routeFollowers, "followers"},
		{routeLiked, "liked"},
		{routeFeatured, "featured"},
		{routeFeaturedTags, "featuredTags"},
	} {
		uri, err := f.build(route.name, map[string]string{"identifier": identifier})
		if err != nil {
			continue
		}
		overrides[route.term] = []*vocab.Value{vocab.IRI(uri)}
	}

	if shared, err := f.build(routeSharedInbox, nil); err == nil {
		endpoints := vocab.NewObject()
		endpoints.Set("sharedInbox", vocab.IRI(shared))
		overrides["endpoints"] = []*vocab.Value{vocab.Inline(endpoints)}
	}

	if f.keyPairsDispatcher != nil {
		keys, err := f.keyPairsDispatcher(c, identifier)
		if err != nil {
			return nil, fmt.Errorf("key pairs: %w", err)
		}
		for i, kp := range keys {
			key := vocab.KeyObject(vocab.CryptographicKey{
				ID:           kp.KeyID,
				Owner:        id,
				PublicKeyPEM: kp.PublicPEM,
			})
			term := "publicKey"
			if i > 0 {
				term = "assertionMethod"
			}
			overrides[term] = append(overrides[term], vocab.Inline(key))
		}
	}

	return actor.Clone(overrides), nil
}

// handleObject serves a dispatched object, enforcing its authorizer when
// one is registered.
func (f *Federation[T]) handleObject(w http.ResponseWriter, r *http.Request, c *Context[T], name string, values map[string]string) {
	ep, ok := f.objectEndpoints[name]
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if ep.authorize != nil {
		// The verified key is nil for unsigned requests; the authorizer
		// decides whether that is enough.
		key, _ := f.verifier.Verify(r.Context(), r, nil)
		allowed, err := ep.authorize(c, values, key)
		if err != nil {
			slog.Error("object authorizer failed", "object", name, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	obj, err := ep.dispatch(c, values)
	if err != nil {
		slog.Error("object dispatcher failed", "object", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if obj == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	doc := obj
	if doc.ID() == "" {
		if id, err := c.ObjectURI(name, values); err == nil {
			doc = doc.Clone(map[string][]*vocab.Value{"id": {vocab.String(id)}})
		}
	}
	writeActivityJSON(w, r, http.StatusOK, vocab.ToJSON(doc))
}

// handleCollection serves a paged collection endpoint. A followers GET
// carrying ?base-url= is a synchronization request: it returns the
// partition of followers on that origin plus the digest header over it.
func (f *Federation[T]) handleCollection(w http.ResponseWriter, r *http.Request, c *Context[T], name string, values map[string]string) {
	ep := f.collectionEndpoints[name]
	cursor := r.URL.Query().Get("cursor")
	_, hasCursor := r.URL.Query()["cursor"]

	if name == routeFollowers {
		if baseURL := r.URL.Query().Get("base-url"); baseURL != "" {
			f.handleFollowersPartition(w, r, c, values, baseURL)
			return
		}
	}

	doc, err := f.serveCollection(c, ep, name, values, cursor, hasCursor)
	if err != nil {
		slog.Error("collection dispatcher failed", "collection", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if doc == nil {
		http.Error(w, "no such page", http.StatusNotFound)
		return
	}
	writeActivityJSON(w, r, http.StatusOK, vocab.ToJSON(doc))
}

// handleFollowersPartition serves the followers on one origin with the
// Collection-Synchronization digest over that partition.
func (f *Federation[T]) handleFollowersPartition(w http.ResponseWriter, r *http.Request, c *Context[T], values map[string]string, baseURL string) {
	origin, err := originOf(baseURL)
	if err != nil {
		http.Error(w, "malformed base-url", http.StatusBadRequest)
		return
	}
	identifier := values["identifier"]
	iris, err := f.followersForServer(c, identifier, origin)
	if err != nil {
		slog.Error("followers partition failed", "identifier", identifier, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	id, err := f.build(routeFollowers, values)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	col := vocab.NewObject(vocab.TypeOrderedCollection)
	col.SetID(partialCollectionURL(id, origin))
	col.Set("totalItems", vocab.Float(float64(len(iris))))
	items := make([]*vocab.Value, len(iris))
	for i, iri := range iris {
		items[i] = vocab.IRI(iri)
	}
	if len(items) > 0 {
		col.Set("orderedItems", items...)
	}

	w.Header().Set(CollectionSyncHeader,
		syncHeaderValue(id, partialCollectionURL(id, origin), CollectionDigest(iris)))
	writeActivityJSON(w, r, http.StatusOK, vocab.ToJSON(col))
}

// handleWebFinger resolves acct: resources against the actor dispatcher.
func (f *Federation[T]) handleWebFinger(w http.ResponseWriter, r *http.Request, data T) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		http.Error(w, "missing resource parameter", http.StatusBadRequest)
		return
	}

	c := f.newContext(r.Context(), data)

	var identifier string
	if user, host, err := webfinger.ParseResource(resource); err == nil {
		if !strings.EqualFold(host, f.origin.Host) {
			http.Error(w, "resource is not on this server", http.StatusNotFound)
			return
		}
		identifier = user
	} else if values, ok := f.matchLocal(resource, routeActor); ok {
		// https:// actor IRIs are valid resources too.
		identifier = values["identifier"]
	} else {
		http.Error(w, "unsupported resource", http.StatusBadRequest)
		return
	}

	if f.actorDispatcher == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	actor, err := f.actorDispatcher(c, identifier)
	if err != nil {
		slog.Error("actor dispatcher failed", "identifier", identifier, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if actor == nil {
		http.Error(w, "no such actor", http.StatusNotFound)
		return
	}

	actorIRI, err := c.ActorURI(identifier)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	resp := webfinger.ForActor(
		"acct:"+identifier+"@"+f.origin.Host,
		actorIRI,
		actor.GetIRI("url"),
	)
	w.Header().Set("Content-Type", webfinger.ContentType)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Debug("response write failed", "error", err)
	}
}

func (f *Federation[T]) handleNodeInfoPointer(w http.ResponseWriter, r *http.Request) {
	href, err := f.build(routeNodeInfoDoc, nil)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(nodeinfo.NewPointer(href)); err != nil {
		slog.Debug("response write failed", "error", err)
	}
}

func (f *Federation[T]) handleNodeInfoDocument(w http.ResponseWriter, r *http.Request, data T) {
	if f.nodeInfoDispatcher == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	c := f.newContext(r.Context(), data)
	info, err := f.nodeInfoDispatcher(c)
	if err != nil {
		slog.Error("nodeinfo dispatcher failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	info.Normalize()
	if err := info.Validate(); err != nil {
		slog.Error("nodeinfo document invalid", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type",
		`application/json; profile="`+nodeinfo.Schema21+`#"`)
	if err := json.NewEncoder(w).Encode(info); err != nil {
		slog.Debug("response write failed", "error", err)
	}
}

// hostMetaXRD is the /.well-known/host-meta document shape.
type hostMetaXRD struct {
	XMLName xml.Name       `xml:"XRD"`
	XMLNS   string         `xml:"xmlns,attr"`
	Links   []hostMetaLink `xml:"Link"`
}

type hostMetaLink struct {
	Rel      string `xml:"rel,attr"`
	Type     string `xml:"type,attr,omitempty"`
	Template string `xml:"template,attr,omitempty"`
}

func (f *Federation[T]) handleHostMeta(w http.ResponseWriter, r *http.Request) {
	doc := hostMetaXRD{
		XMLNS: "http://docs.oasis-open.org/ns/xri/xrd-1.0",
		Links: []hostMetaLink{{
			Rel:      "lrdd",
			Type:     webfinger.ContentType,
			Template: f.baseURL("/.well-known/webfinger") + "?resource={uri}",
		}},
	}
	w.Header().Set("Content-Type", "application/xrd+xml")
	fmt.Fprint(w, xml.Header)
	if err := xml.NewEncoder(w).Encode(doc); err != nil {
		slog.Debug("response write failed", "error", err)
	}
}
