// Package webfinger implements RFC 7033 resource discovery: the JRD
// document types, client-side resolution of fediverse handles to actor
// IRIs, and helpers for serving the endpoint.
package webfinger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ContentType is the JRD media type WebFinger responses carry.
const ContentType = "application/jrd+json"

const activityJSONType = "application/activity+json"
const ldJSONType = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

// Response is a JRD document.
type Response struct {
	Subject string   `json:"subject"`
	Aliases []string `json:"aliases,omitempty"`
	Links   []Link   `json:"links"`
}

// Link is a single JRD link relation.
type Link struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

// ForActor builds the JRD document for a local actor.
func ForActor(subject, actorIRI, profileURL string) *Response {
	resp := &Response{
		Subject: subject,
		Aliases: []string{actorIRI},
		Links: []Link{
			{Rel: "self", Type: activityJSONType, Href: actorIRI},
		},
	}
	if profileURL != "" {
		resp.Aliases = append(resp.Aliases, profileURL)
		resp.Links = append(resp.Links, Link{
			Rel:  "http://webfinger.net/rel/profile-page",
			Type: "text/html",
			Href: profileURL,
		})
	}
	return resp
}

// ParseResource splits a webfinger resource parameter into username and
// host. Accepts "acct:user@host" and bare "user@host".
func ParseResource(resource string) (user, host string, err error) {
	acct := strings.TrimPrefix(resource, "acct:")
	parts := strings.SplitN(acct, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid resource %q: expected acct:user@host", resource)
	}
	return parts[0], parts[1], nil
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

// Resolve resolves a fediverse handle (e.g. "alice@mastodon.social") to an
// ActivityPub actor IRI via WebFinger.
func Resolve(ctx context.Context, handle string) (string, error) {
	handle = strings.TrimPrefix(handle, "@")
	user, host, err := ParseResource(handle)
	if err != nil {
		return "", err
	}

	wfURL := "https://" + host + "/.well-known/webfinger?resource=" +
		url.QueryEscape("acct:"+user+"@"+host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wfURL, nil)
	if err != nil {
		return "", fmt.Errorf("webfinger request: %w", err)
	}
	req.Header.Set("Accept", ContentType+", application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("webfinger fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("webfinger returned HTTP %d for %s", resp.StatusCode, handle)
	}

	var wf Response
	if err := json.NewDecoder(resp.Body).Decode(&wf); err != nil {
		return "", fmt.Errorf("webfinger decode: %w", err)
	}

	for _, link := range wf.Links {
		if link.Rel == "self" && (link.Type == activityJSONType || link.Type == ldJSONType) {
			return link.Href, nil
		}
	}
	return "", fmt.Errorf("no ActivityPub actor link found for %s", handle)
}
