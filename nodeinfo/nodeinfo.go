// Package nodeinfo implements the NodeInfo 2.1 server metadata document:
// the pointer document at /.well-known/nodeinfo, the schema document, and
// validation of application-supplied values.
package nodeinfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"
)

// ErrInvalidNodeInfo wraps all NodeInfo validation failures. Validation
// errors are thrown synchronously at the dispatcher's caller, never turned
// into HTTP 500s silently.
var ErrInvalidNodeInfo = errors.New("invalid NodeInfo")

// SchemaVersion is the served NodeInfo schema version.
const SchemaVersion = "2.1"

// Schema21 is the rel IRI of the 2.1 schema.
const Schema21 = "http://nodeinfo.diaspora.software/ns/schema/2.1"

var (
	softwareNameRe = regexp.MustCompile(`^[a-z0-9-]+$`)
	// Serialized SemVer per semver.org 2.0.0, pre-release and build
	// metadata included.
	semverRe = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)` +
		`(?:-((?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*)(?:\.(?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*))*))?` +
		`(?:\+([0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*))?$`)
)

// NodeInfo is the 2.1 schema document.
type NodeInfo struct {
	Version           string         `json:"version"`
	Software          Software       `json:"software"`
	Protocols         []string       `json:"protocols"`
	Services          Services       `json:"services"`
	OpenRegistrations bool           `json:"openRegistrations"`
	Usage             Usage          `json:"usage"`
	Metadata          map[string]any `json:"metadata"`
}

// Software describes the server implementation.
type Software struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Repository string `json:"repository,omitempty"`
	Homepage   string `json:"homepage,omitempty"`
}

// Services lists third-party bridges the server connects to.
type Services struct {
	Inbound  []string `json:"inbound"`
	Outbound []string `json:"outbound"`
}

// Usage carries server activity statistics.
type Usage struct {
	Users         Users `json:"users"`
	LocalPosts    int64 `json:"localPosts"`
	LocalComments int64 `json:"localComments"`
}

// Users carries user counts.
type Users struct {
	Total          int64 `json:"total"`
	ActiveMonth    int64 `json:"activeMonth"`
	ActiveHalfyear int64 `json:"activeHalfyear"`
}

// Validate checks the document against the 2.1 schema constraints.
func (n *NodeInfo) Validate() error {
	if !softwareNameRe.MatchString(n.Software.Name) {
		return fmt.Errorf("%w: invalid software name %q", ErrInvalidNodeInfo, n.Software.Name)
	}
	if !semverRe.MatchString(n.Software.Version) {
		return fmt.Errorf("%w: software version %q is not a serialized SemVer", ErrInvalidNodeInfo, n.Software.Version)
	}
	if len(n.Protocols) == 0 {
		return fmt.Errorf("%w: protocols must be non-empty", ErrInvalidNodeInfo)
	}
	for name, v := range map[string]int64{
		"usage.users.total":          n.Usage.Users.Total,
		"usage.users.activeMonth":    n.Usage.Users.ActiveMonth,
		"usage.users.activeHalfyear": n.Usage.Users.ActiveHalfyear,
		"usage.localPosts":           n.Usage.LocalPosts,
		"usage.localComments":        n.Usage.LocalComments,
	} {
		if v < 0 {
			return fmt.Errorf("%w: %s must be non-negative, got %d", ErrInvalidNodeInfo, name, v)
		}
	}
	return nil
}

// Normalize fills in the fixed schema version and the fields the wire
// format requires to be present even when empty.
func (n *NodeInfo) Normalize() {
	n.Version = SchemaVersion
	if n.Protocols == nil {
		n.Protocols = []string{}
	}
	if n.Services.Inbound == nil {
		n.Services.Inbound = []string{}
	}
	if n.Services.Outbound == nil {
		n.Services.Outbound = []string{}
	}
	if n.Metadata == nil {
		n.Metadata = map[string]any{}
	}
}

// Pointer is the /.well-known/nodeinfo discovery document.
type Pointer struct {
	Links []PointerLink `json:"links"`
}

// PointerLink points at a schema document.
type PointerLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

// NewPointer builds the discovery document for a server whose schema
// document lives at href.
func NewPointer(href string) *Pointer {
	return &Pointer{Links: []PointerLink{{Rel: Schema21, Href: href}}}
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

// Fetch retrieves and parses a remote server's NodeInfo: the pointer
// document first, then the schema document it links to.
func Fetch(ctx context.Context, host string) (*NodeInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"https://"+host+"/.well-known/nodeinfo", nil)
	if err != nil {
		return nil, fmt.Errorf("nodeinfo request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nodeinfo fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nodeinfo pointer returned HTTP %d", resp.StatusCode)
	}

	var ptr Pointer
	if err := json.NewDecoder(resp.Body).Decode(&ptr); err != nil {
		return nil, fmt.Errorf("nodeinfo pointer decode: %w", err)
	}

	var href string
	for _, link := range ptr.Links {
		href = link.Href
		if link.Rel == Schema21 {
			break
		}
	}
	if href == "" {
		return nil, fmt.Errorf("nodeinfo pointer has no links")
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return nil, fmt.Errorf("nodeinfo request: %w", err)
	}
	resp2, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nodeinfo fetch: %w", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nodeinfo document returned HTTP %d", resp2.StatusCode)
	}

	var info NodeInfo
	if err := json.NewDecoder(resp2.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("nodeinfo decode: %w", err)
	}
	return &info, nil
}
