package signing

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-fed/httpsig"

	"github.com/weftfed/weft/vocab"
)

// DefaultSkew is the accepted clock skew for the Date header. The window is
// policy, not protocol; override with WithSkew.
const DefaultSkew = 30 * time.Second

// Verifier checks incoming HTTP signatures against keys resolved through a
// document loader. A nil result means the signature is invalid — network
// errors during key resolution are treated as verification failure, never
// surfaced to the request handler.
type Verifier struct {
	keys *KeyCache
	skew time.Duration
	now  func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithSkew sets the accepted Date header clock skew.
func WithSkew(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.skew = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier returns a Verifier resolving keys through the given loader.
func NewVerifier(loader vocab.DocumentLoader, keyCacheTTL time.Duration, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		keys: NewKeyCache(loader, keyCacheTTL),
		skew: DefaultSkew,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Keys exposes the underlying key cache.
func (v *Verifier) Keys() *KeyCache { return v.keys }

// Verify checks the request's HTTP signature and returns the signing key on
// success, or nil. The returned reason is for logging only.
func (v *Verifier) Verify(ctx context.Context, req *http.Request, body []byte) (*vocab.CryptographicKey, string) {
	if req.Header.Get("Signature") == "" {
		return nil, "missing Signature header"
	}
	dateHdr := req.Header.Get("Date")
	if dateHdr == "" {
		return nil, "missing Date header"
	}
	if len(body) > 0 {
		if reason := verifyDigest(req.Header.Get("Digest"), body); reason != "" {
			return nil, reason
		}
	}

	date, err := http.ParseTime(dateHdr)
	if err != nil {
		return nil, fmt.Sprintf("unparseable Date header %q", dateHdr)
	}
	if delta := v.now().Sub(date); delta > v.skew || delta < -v.skew {
		return nil, fmt.Sprintf("Date header outside ±%s window (skew %s)", v.skew, delta)
	}

	params := parseSignatureHeader(req.Header.Get("Signature"))
	keyID := params["keyId"]
	if keyID == "" {
		return nil, "Signature header has no keyId"
	}
	if reason := checkSignedHeaders(params["headers"], len(body) > 0); reason != "" {
		return nil, reason
	}

	key, err := v.keys.Resolve(ctx, keyID)
	if err != nil {
		// Network errors during key resolution are a verification failure,
		// not an error for the caller.
		slog.Debug("key resolution failed", "keyId", keyID, "error", err)
		return nil, fmt.Sprintf("resolve key %s: %v", keyID, err)
	}
	if key == nil {
		return nil, fmt.Sprintf("no key %s in resolved document", keyID)
	}

	pub, err := ParsePublicPEM(key.PublicKeyPEM)
	if err != nil {
		return nil, fmt.Sprintf("parse key %s: %v", keyID, err)
	}
	if err := ValidateKey(pub); err != nil {
		return nil, err.Error()
	}

	// Server-side requests carry the host in req.Host, not the header map;
	// normalize so the reconstructed signing string sees the same value the
	// signer covered.
	if req.Header.Get("Host") == "" && req.Host != "" {
		req.Header.Set("Host", req.Host)
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return nil, fmt.Sprintf("parse signature: %v", err)
	}
	if err := verifier.Verify(pub, httpsig.RSA_SHA256); err != nil {
		return nil, fmt.Sprintf("signature mismatch: %v", err)
	}

	return key, ""
}

// verifyDigest checks the Digest header against the body. The header may
// carry several comma-separated algorithm=value entries; any supported
// algorithm that matches is enough.
func verifyDigest(header string, body []byte) string {
	if header == "" {
		return "missing Digest header on request with body"
	}
	supported := false
	for _, part := range strings.Split(header, ",") {
		algo, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		var sum []byte
		switch strings.ToLower(algo) {
		case "sha":
			s := sha1.Sum(body)
			sum = s[:]
		case "sha-256":
			s := sha256.Sum256(body)
			sum = s[:]
		case "sha-512":
			s := sha512.Sum512(body)
			sum = s[:]
		default:
			continue
		}
		supported = true
		if base64.StdEncoding.EncodeToString(sum) == value {
			return ""
		}
	}
	if !supported {
		return "Digest header carries no supported algorithm"
	}
	return "Digest header does not match body"
}

// checkSignedHeaders enforces the minimum header coverage: the request
// target and date must be signed, and the digest when a body is present.
func checkSignedHeaders(list string, hasBody bool) string {
	if list == "" {
		// Per draft-cavage the default is "date" only, which does not cover
		// the request target; reject.
		return "Signature header names no signed headers"
	}
	signed := make(map[string]struct{})
	for _, h := range strings.Fields(list) {
		signed[strings.ToLower(h)] = struct{}{}
	}
	for _, required := range []string{httpsig.RequestTarget, "date"} {
		if _, ok := signed[required]; !ok {
			return fmt.Sprintf("signature does not cover %q", required)
		}
	}
	if hasBody {
		if _, ok := signed["digest"]; !ok {
			return `signature does not cover "digest"`
		}
	}
	return ""
}

// parseSignatureHeader parses the comma-separated k="v" parameter list of a
// Signature header.
func parseSignatureHeader(header string) map[string]string {
	params := make(map[string]string)
	for len(header) > 0 {
		header = strings.TrimLeft(header, ", ")
		eq := strings.IndexByte(header, '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(header[:eq])
		rest := header[eq+1:]
		var value string
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				break
			}
			value = rest[1 : 1+end]
			header = rest[end+2:]
		} else {
			end := strings.IndexByte(rest, ',')
			if end < 0 {
				value = rest
				header = ""
			} else {
				value = rest[:end]
				header = rest[end+1:]
			}
		}
		params[key] = value
	}
	return params
}
