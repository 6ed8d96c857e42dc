package security

import (
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned when a token is malformed, expired, or fails signature checks.
	ErrInvalidToken = errors.New("invalid token")
	// ErrKeyReuse is returned when access and refresh tokens would share a signing key.
	ErrKeyReuse = errors.New("access and refresh tokens must use different signing keys")
)

// AccessClaims holds JWT claims for the access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// RefreshClaims holds JWT claims for the refresh token. Only jti (ID) and sub
// are meaningful; the role is never embedded.
type RefreshClaims struct {
	jwt.RegisteredClaims
}

// SigningKey is a private key plus the key id written to the JWT "kid" header.
// Retired lists public keys of earlier kids that are still accepted on Verify.
type SigningKey struct {
	ID      string
	Private crypto.Signer
	Retired []VerificationKey
}

// VerificationKey is a public key accepted for tokens whose kid header is ID.
type VerificationKey struct {
	ID     string
	Public crypto.PublicKey
}

// IssuerConfig holds claim values and lifetimes shared by both issuers.
type IssuerConfig struct {
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// keyRing signs with one key and verifies against any registered kid. It is not modified after
// newKeyRing returns, so concurrent Verify calls need no locking.
type keyRing struct {
	signer crypto.Signer
	kid    string
	method jwt.SigningMethod
	verify map[string]crypto.PublicKey
}

func newKeyRing(k SigningKey) (*keyRing, error) {
	if k.Private == nil {
		return nil, ErrInvalidKey
	}
	method, err := signingMethod(k.Private.Public())
	if err != nil {
		return nil, err
	}
	verify := map[string]crypto.PublicKey{k.ID: k.Private.Public()}
	for _, rk := range k.Retired {
		if rk.ID == "" || KeyAlg(rk.Public) == "" {
			return nil, fmt.Errorf("%w: retired key %q", ErrInvalidKey, rk.ID)
		}
		if _, exists := verify[rk.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate kid %q", ErrInvalidKey, rk.ID)
		}
		verify[rk.ID] = rk.Public
	}
	return &keyRing{
		signer: k.Private,
		kid:    k.ID,
		method: method,
		verify: verify,
	}, nil
}

func (r *keyRing) sign(claims jwt.Claims) (string, error) {
	t := jwt.NewWithClaims(r.method, claims)
	t.Header["kid"] = r.kid
	return t.SignedString(r.signer)
}

func (r *keyRing) keyFunc(t *jwt.Token) (interface{}, error) {
	kid, _ := t.Header["kid"].(string)
	pub, ok := r.verify[kid]
	if !ok {
		return nil, ErrInvalidToken
	}
	if t.Method.Alg() != KeyAlg(pub) {
		return nil, ErrInvalidToken
	}
	return pub, nil
}

func (c IssuerConfig) parser() *jwt.Parser {
	now := c.Now
	if now == nil {
		now = time.Now
	}
	return jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
		jwt.WithIssuer(c.Issuer),
		jwt.WithAudience(c.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	)
}

func (c IssuerConfig) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

// NewTokenIssuers builds the access and refresh issuers. The two keys must differ so a
// leaked key compromises only one token family.
func NewTokenIssuers(access, refresh SigningKey, cfg IssuerConfig) (*AccessTokenIssuer, *RefreshTokenIssuer, error) {
	if access.Private == nil || refresh.Private == nil {
		return nil, nil, ErrInvalidKey
	}
	if SameKey(access.Private.Public(), refresh.Private.Public()) {
		return nil, nil, ErrKeyReuse
	}
	accessRing, err := newKeyRing(access)
	if err != nil {
		return nil, nil, fmt.Errorf("access key: %w", err)
	}
	refreshRing, err := newKeyRing(refresh)
	if err != nil {
		return nil, nil, fmt.Errorf("refresh key: %w", err)
	}
	return &AccessTokenIssuer{keys: accessRing, cfg: cfg}, &RefreshTokenIssuer{keys: refreshRing, cfg: cfg}, nil
}

// AccessToken is a signed access JWT and its expiry.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
}

// AccessTokenIssuer issues and verifies short-lived, stateless access tokens.
type AccessTokenIssuer struct {
	keys *keyRing
	cfg  IssuerConfig
}

// Issue signs an access token for userID carrying role.
func (p *AccessTokenIssuer) Issue(userID, role string) (AccessToken, error) {
	now := p.cfg.now()
	expiresAt := now.Add(p.cfg.AccessTTL)
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    p.cfg.Issuer,
			Audience:  jwt.ClaimStrings{p.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Role: role,
	}
	token, err := p.keys.sign(claims)
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: token, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Verify parses and validates an access token (signature, kid, exp, iss, aud).
func (p *AccessTokenIssuer) Verify(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	token, err := p.cfg.parser().ParseWithClaims(tokenString, claims, p.keys.keyFunc)
	if err != nil || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IssuedRefreshToken is a freshly signed refresh token with the values the ledger stores.
type IssuedRefreshToken struct {
	Token     string
	TokenHash string
	JTI       string
	ExpiresAt time.Time
}

// RefreshTokenIssuer issues and verifies long-lived refresh tokens.
type RefreshTokenIssuer struct {
	keys *keyRing
	cfg  IssuerConfig
}

// Issue signs a refresh token for userID with a new random jti. ExpiresAt is read back
// from the signed token so the ledger and the token agree on expiry.
func (p *RefreshTokenIssuer) Issue(userID string) (IssuedRefreshToken, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return IssuedRefreshToken{}, err
	}
	jti := id.String()
	now := p.cfg.now()
	claims := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			Issuer:    p.cfg.Issuer,
			Audience:  jwt.ClaimStrings{p.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.cfg.RefreshTTL)),
		},
	}
	token, err := p.keys.sign(claims)
	if err != nil {
		return IssuedRefreshToken{}, err
	}
	expiresAt, err := refreshExpiry(token)
	if err != nil {
		return IssuedRefreshToken{}, err
	}
	return IssuedRefreshToken{
		Token:     token,
		TokenHash: HashRefreshToken(token),
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

// Verify parses and validates a refresh token (signature, kid, exp, iss, aud, jti present).
func (p *RefreshTokenIssuer) Verify(tokenString string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	token, err := p.cfg.parser().ParseWithClaims(tokenString, claims, p.keys.keyFunc)
	if err != nil || !token.Valid || claims.ID == "" || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func refreshExpiry(token string) (time.Time, error) {
	claims := &RefreshClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrInvalidToken
	}
	return claims.ExpiresAt.Time.UTC(), nil
}
