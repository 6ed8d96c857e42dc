package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidKey is returned when PEM or key type is invalid.
var ErrInvalidKey = errors.New("invalid key")

// LoadPEM reads content from path if s does not look like inline PEM; otherwise returns s as bytes.
// Inline PEM passed through a single-line env var may use literal "\n" sequences; they are expanded.
func LoadPEM(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidKey
	}
	if strings.HasPrefix(s, "-----BEGIN") {
		return []byte(strings.ReplaceAll(s, `\n`, "\n")), nil
	}
	return os.ReadFile(s)
}

// ParsePrivateKey parses a PEM-encoded private key (RSA or ECDSA). s may be inline PEM or a file path.
func ParsePrivateKey(s string) (crypto.Signer, error) {
	pemBytes, err := LoadPEM(s)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrInvalidKey
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, ErrInvalidKey
		}
		return signer, nil
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, ErrInvalidKey
	}
}

// ParsePublicKey parses a PEM-encoded public key (RSA or ECDSA). s may be inline PEM or a file path.
func ParsePublicKey(s string) (crypto.PublicKey, error) {
	pemBytes, err := LoadPEM(s)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrInvalidKey
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	case "PUBLIC KEY":
		return x509.ParsePKIXPublicKey(block.Bytes)
	default:
		return nil, ErrInvalidKey
	}
}

// KeyAlg returns "RS256" for RSA and "ES256" for ECDSA P-256; empty otherwise, including
// other ECDSA curves.
func KeyAlg(pub crypto.PublicKey) string {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return "RS256"
	case *ecdsa.PublicKey:
		if k.Curve != elliptic.P256() {
			return ""
		}
		return "ES256"
	default:
		return ""
	}
}

func signingMethod(pub crypto.PublicKey) (jwt.SigningMethod, error) {
	switch KeyAlg(pub) {
	case "RS256":
		return jwt.SigningMethodRS256, nil
	case "ES256":
		return jwt.SigningMethodES256, nil
	default:
		return nil, ErrInvalidKey
	}
}

// SameKey reports whether two public keys are identical.
func SameKey(a, b crypto.PublicKey) bool {
	eq, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return false
	}
	return eq.Equal(b)
}

// LoadSigningKey parses privatePEM and, when publicPEM is set, checks that it is the matching
// public half. Both may be inline PEM or file paths.
func LoadSigningKey(kid, privatePEM, publicPEM string) (SigningKey, error) {
	priv, err := ParsePrivateKey(privatePEM)
	if err != nil {
		return SigningKey{}, err
	}
	if KeyAlg(priv.Public()) == "" {
		return SigningKey{}, fmt.Errorf("%w: key %q must be RSA or ECDSA P-256", ErrInvalidKey, kid)
	}
	if strings.TrimSpace(publicPEM) != "" {
		pub, err := ParsePublicKey(publicPEM)
		if err != nil {
			return SigningKey{}, err
		}
		if !SameKey(priv.Public(), pub) {
			return SigningKey{}, fmt.Errorf("%w: public key %q does not match private key", ErrInvalidKey, kid)
		}
	}
	return SigningKey{ID: kid, Private: priv}, nil
}

// ParseVerificationKeys parses comma-separated "kid=key" entries, where key is inline PEM or a
// file path. Empty input yields no keys.
func ParseVerificationKeys(s string) ([]VerificationKey, error) {
	var out []VerificationKey
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kid, src, ok := strings.Cut(entry, "=")
		kid = strings.TrimSpace(kid)
		if !ok || kid == "" {
			return nil, fmt.Errorf("%w: verification key entry must be kid=key", ErrInvalidKey)
		}
		pub, err := ParsePublicKey(src)
		if err != nil {
			return nil, fmt.Errorf("verification key %q: %w", kid, err)
		}
		out = append(out, VerificationKey{ID: kid, Public: pub})
	}
	return out, nil
}
