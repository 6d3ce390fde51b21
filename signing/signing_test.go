package signing

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftfed/weft/vocab"
)

const (
	testActorIRI = "https://local.example/users/alice"
	testKeyID    = testActorIRI + "#main-key"
)

func testKeyPair(t *testing.T) *KeyPair {
	t.Helper()
	kp, err := GenerateKeyPair(testKeyID)
	require.NoError(t, err)
	return kp
}

// actorLoader serves the actor document carrying the test public key.
func actorLoader(kp *KeyPair) vocab.DocumentLoader {
	return vocab.LoaderFunc(func(ctx context.Context, iri string) (map[string]any, error) {
		return map[string]any{
			"type": "Person",
			"id":   testActorIRI,
			"publicKey": map[string]any{
				"id":           testKeyID,
				"owner":        testActorIRI,
				"publicKeyPem": kp.PublicPEM,
			},
		}, nil
	})
}

func signedRequest(t *testing.T, kp *KeyPair, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "https://remote.example/users/bob/inbox", bytes.NewReader(body))
	require.NoError(t, err)
	req.Host = req.URL.Host
	req.Header.Set("Content-Type", "application/activity+json")
	require.NoError(t, SignRequest(req, body, kp))
	return req
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp := testKeyPair(t)
	body := []byte(`{"type":"Follow"}`)
	req := signedRequest(t, kp, body)

	assert.NotEmpty(t, req.Header.Get("Signature"))
	assert.NotEmpty(t, req.Header.Get("Digest"))
	assert.NotEmpty(t, req.Header.Get("Date"))

	v := NewVerifier(actorLoader(kp), time.Minute)
	key, reason := v.Verify(context.Background(), req, body)
	require.NotNil(t, key, "verification failed: %s", reason)
	assert.Equal(t, testKeyID, key.ID)
	assert.Equal(t, testActorIRI, key.Owner)
}

func TestVerifyRejectsDateSkew(t *testing.T) {
	kp := testKeyPair(t)
	body := []byte(`{}`)
	req := signedRequest(t, kp, body)

	// Pretend the request was signed 60s in the future.
	v := NewVerifier(actorLoader(kp), time.Minute,
		WithClock(func() time.Time { return time.Now().Add(-60 * time.Second) }))
	key, reason := v.Verify(context.Background(), req, body)
	assert.Nil(t, key)
	assert.Contains(t, reason, "window")
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	kp := testKeyPair(t)
	body := []byte(`{"type":"Follow"}`)
	req := signedRequest(t, kp, body)

	v := NewVerifier(actorLoader(kp), time.Minute)
	key, reason := v.Verify(context.Background(), req, []byte(`{"type":"Delete"}`))
	assert.Nil(t, key)
	assert.Contains(t, reason, "Digest")
}

func TestVerifyDigestAlgorithms(t *testing.T) {
	body := []byte(`{"type":"Follow"}`)
	s256 := sha256.Sum256(body)
	b64 := base64.StdEncoding.EncodeToString(s256[:])

	// Any supported algorithm that matches is enough.
	assert.Empty(t, verifyDigest("sha-256="+b64, body))
	assert.Empty(t, verifyDigest("md5=bogus,sha-256="+b64, body))
	assert.Empty(t, verifyDigest("SHA-256="+b64, body))

	s512 := sha512.Sum512(body)
	assert.Empty(t, verifyDigest("sha-512="+base64.StdEncoding.EncodeToString(s512[:]), body))

	assert.Contains(t, verifyDigest("sha-256=AAAA", body), "does not match")
	assert.Contains(t, verifyDigest("md5=bogus", body), "no supported algorithm")
}

func TestVerifyMissingHeaders(t *testing.T) {
	kp := testKeyPair(t)
	body := []byte(`{}`)
	v := NewVerifier(actorLoader(kp), time.Minute)

	req := signedRequest(t, kp, body)
	req.Header.Del("Signature")
	key, reason := v.Verify(context.Background(), req, body)
	assert.Nil(t, key)
	assert.Contains(t, reason, "Signature")

	req = signedRequest(t, kp, body)
	req.Header.Del("Date")
	key, _ = v.Verify(context.Background(), req, body)
	assert.Nil(t, key)

	req = signedRequest(t, kp, body)
	req.Header.Del("Digest")
	key, _ = v.Verify(context.Background(), req, body)
	assert.Nil(t, key)
}

func TestVerifyLoaderErrorYieldsNil(t *testing.T) {
	kp := testKeyPair(t)
	body := []byte(`{}`)
	req := signedRequest(t, kp, body)

	loader := vocab.LoaderFunc(func(ctx context.Context, iri string) (map[string]any, error) {
		return nil, fmt.Errorf("connection refused")
	})
	v := NewVerifier(loader, time.Minute)
	key, reason := v.Verify(context.Background(), req, body)
	assert.Nil(t, key)
	assert.Contains(t, reason, "resolve key")
}

func TestVerifyWrongKeyShape(t *testing.T) {
	kp := testKeyPair(t)
	body := []byte(`{}`)
	req := signedRequest(t, kp, body)

	loader := vocab.LoaderFunc(func(ctx context.Context, iri string) (map[string]any, error) {
		return map[string]any{"type": "Note", "content": "not a key"}, nil
	})
	v := NewVerifier(loader, time.Minute)
	key, reason := v.Verify(context.Background(), req, body)
	assert.Nil(t, key)
	assert.Contains(t, reason, "no key")
}

func TestValidateKeyRejectsSmallModulus(t *testing.T) {
	small, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	assert.ErrorIs(t, ValidateKey(&small.PublicKey), ErrUnsupportedKey)

	ok, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	assert.NoError(t, ValidateKey(&ok.PublicKey))
}

func TestParseSignatureHeader(t *testing.T) {
	params := parseSignatureHeader(`keyId="https://a.example/u/1#main-key",headers="(request-target) host date digest",signature="YWJjZA=="`)
	assert.Equal(t, "https://a.example/u/1#main-key", params["keyId"])
	assert.Equal(t, "(request-target) host date digest", params["headers"])
	assert.Equal(t, "YWJjZA==", params["signature"])
}

func TestKeyCacheCoalescesConcurrentFetches(t *testing.T) {
	kp := testKeyPair(t)
	var fetches atomic.Int32
	release := make(chan struct{})
	loader := vocab.LoaderFunc(func(ctx context.Context, iri string) (map[string]any, error) {
		fetches.Add(1)
		<-release
		return map[string]any{
			"id":           testKeyID,
			"owner":        testActorIRI,
			"publicKeyPem": kp.PublicPEM,
		}, nil
	})

	cache := NewKeyCache(loader, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := cache.Resolve(context.Background(), testKeyID)
			assert.NoError(t, err)
			assert.NotNil(t, key)
		}()
	}
	time.Sleep(50 * time.Millisecond) // let all goroutines reach the fetch
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), fetches.Load(), "concurrent lookups must share one fetch")
}
