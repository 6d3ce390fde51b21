// Package signing implements HTTP Signatures (draft-cavage) for
// ActivityPub federation: signing outgoing requests, verifying incoming
// ones, and caching resolved public keys.
package signing

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// ErrUnsupportedKey is returned for keys that are not RSA with a modulus of
// at least 2048 bits.
var ErrUnsupportedKey = errors.New("unsupported key")

const minRSABits = 2048

// KeyPair holds the RSA key pair used for ActivityPub HTTP signatures,
// together with the IRI under which the public half is advertised.
type KeyPair struct {
	KeyID     string
	Private   *rsa.PrivateKey
	Public    *rsa.PublicKey
	PublicPEM string
}

// ValidateKey enforces the key validity predicate: extractable RSA with a
// modulus of at least 2048 bits.
func ValidateKey(pub *rsa.PublicKey) error {
	if pub == nil {
		return fmt.Errorf("%w: nil key", ErrUnsupportedKey)
	}
	if bits := pub.N.BitLen(); bits < minRSABits {
		return fmt.Errorf("%w: RSA modulus %d bits, need at least %d", ErrUnsupportedKey, bits, minRSABits)
	}
	return nil
}

// GenerateKeyPair creates a fresh 2048-bit RSA key pair.
func GenerateKeyPair(keyID string) (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, minRSABits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}
	pubPEM, err := EncodePublicPEM(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &KeyPair{KeyID: keyID, Private: priv, Public: &priv.PublicKey, PublicPEM: pubPEM}, nil
}

// LoadOrGenerateKeyPair loads an RSA key pair from PEM files, or generates
// a new one if the files do not exist. Zero-setup for new installs.
func LoadOrGenerateKeyPair(keyID, privatePath, publicPath string) (*KeyPair, error) {
	privPEM, err := os.ReadFile(privatePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		slog.Info("RSA key pair not found, generating new one", "private", privatePath, "public", publicPath)
		return generateAndSaveKeyPair(keyID, privatePath, publicPath)
	}

	pubPEM, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}

	return parseKeyPair(keyID, privPEM, pubPEM)
}

func generateAndSaveKeyPair(keyID, privatePath, publicPath string) (*KeyPair, error) {
	privKey, err := rsa.GenerateKey(rand.Reader, minRSABits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}

	privBytes := x509.MarshalPKCS1PrivateKey(privKey)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes})

	pubPEM, err := EncodePublicPEM(&privKey.PublicKey)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(privatePath, privPEM, 0600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(publicPath, []byte(pubPEM), 0644); err != nil {
		return nil, fmt.Errorf("write public key: %w", err)
	}

	slog.Info("generated RSA key pair", "private", privatePath, "public", publicPath)
	return parseKeyPair(keyID, privPEM, []byte(pubPEM))
}

func parseKeyPair(keyID string, privPEM, pubPEM []byte) (*KeyPair, error) {
	privBlock, _ := pem.Decode(privPEM)
	if privBlock == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}

	privKey, err := x509.ParsePKCS1PrivateKey(privBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	pubKey, err := ParsePublicPEM(string(pubPEM))
	if err != nil {
		return nil, err
	}
	if err := ValidateKey(pubKey); err != nil {
		return nil, err
	}

	return &KeyPair{
		KeyID:     keyID,
		Private:   privKey,
		Public:    pubKey,
		PublicPEM: string(pubPEM),
	}, nil
}

// EncodePrivatePEM encodes an RSA private key as PKCS#1 PEM. Delivery queue
// messages carry the sender's key this way so any worker process can sign.
func EncodePrivatePEM(priv *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	}))
}

// ParsePrivatePEM parses a PKCS#1 PEM private key.
func ParsePrivatePEM(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("invalid PEM")
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return priv, nil
}

// ParsePublicPEM parses a PEM-encoded PKIX RSA public key.
func ParsePublicPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("invalid PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKIX public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key (%T)", ErrUnsupportedKey, pub)
	}
	return rsaPub, nil
}

// EncodePublicPEM encodes an RSA public key as PKIX PEM.
func EncodePublicPEM(pub *rsa.PublicKey) (string, error) {
	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})), nil
}
