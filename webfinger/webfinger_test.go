package webfinger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResource(t *testing.T) {
	user, host, err := ParseResource("acct:alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "example.com", host)

	user, host, err = ParseResource("bob@social.example")
	require.NoError(t, err)
	assert.Equal(t, "bob", user)
	assert.Equal(t, "social.example", host)

	for _, bad := range []string{"", "acct:", "alice", "@example.com", "alice@"} {
		_, _, err := ParseResource(bad)
		assert.Error(t, err, "resource %q", bad)
	}
}

func TestForActor(t *testing.T) {
	resp := ForActor("acct:alice@example.com",
		"https://example.com/users/alice",
		"https://example.com/@alice")

	assert.Equal(t, "acct:alice@example.com", resp.Subject)
	assert.Contains(t, resp.Aliases, "https://example.com/users/alice")
	assert.Contains(t, resp.Aliases, "https://example.com/@alice")

	var self *Link
	for i := range resp.Links {
		if resp.Links[i].Rel == "self" {
			self = &resp.Links[i]
		}
	}
	require.NotNil(t, self)
	assert.Equal(t, "https://example.com/users/alice", self.Href)
	assert.Equal(t, "application/activity+json", self.Type)
}

func TestResolve(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/.well-known/webfinger", r.URL.Path)
		assert.Equal(t, "acct:alice@example.com", r.URL.Query().Get("resource"))
		w.Header().Set("Content-Type", ContentType)
		json.NewEncoder(w).Encode(Response{
			Subject: "acct:alice@example.com",
			Links: []Link{
				{Rel: "http://webfinger.net/rel/profile-page", Type: "text/html", Href: "https://example.com/@alice"},
				{Rel: "self", Type: "application/activity+json", Href: "https://example.com/users/alice"},
			},
		})
	}))
	defer srv.Close()

	// Point the package client at the test server and rewrite the host.
	oldClient := httpClient
	httpClient = srv.Client()
	httpClient.Transport = rewriteHost(srv)
	defer func() { httpClient = oldClient }()

	iri, err := Resolve(context.Background(), "@alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/users/alice", iri)
}

// rewriteHost redirects all requests to the test server while preserving
// the original query string.
func rewriteHost(srv *httptest.Server) http.RoundTripper {
	base := srv.Client().Transport
	return roundTripFunc(func(req *http.Request) (*http.Response, error) {
		req.URL.Scheme = "https"
		req.URL.Host = strings.TrimPrefix(srv.URL, "https://")
		return base.RoundTrip(req)
	})
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }
