package signing

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-fed/httpsig"
)

// SignRequest signs an outgoing request with rsa-sha256 over
// (request-target), host, date and — when a body is present — digest.
// It fills in the Host and Date headers and lets the signer compute the
// Digest header from the body.
func SignRequest(req *http.Request, body []byte, key *KeyPair) error {
	if key == nil || key.Private == nil {
		return fmt.Errorf("no private key to sign with")
	}

	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.URL.Host)
	}

	headers := []string{httpsig.RequestTarget, "host", "date"}
	if len(body) > 0 {
		headers = append(headers, "digest")
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}
	if err := signer.SignRequest(key.Private, key.KeyID, req, body); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	return nil
}
