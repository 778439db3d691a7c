package relay

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
)

// IDClaims are the claims read from a relay ID token.
type IDClaims struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Nickname string `json:"nickname,omitempty"`
	jwt.RegisteredClaims
}

// VerifierConfig configures ID token verification. RS256 keys come from
// PublicKeyPEM or JWKSURL; SecretKey selects HS256 and is meant for tests.
type VerifierConfig struct {
	PublicKeyPEM string
	JWKSURL      string
	SecretKey    string

	Issuer   string
	Audience string

	// JWKSRefreshInterval limits how often an unknown kid triggers a fetch.
	JWKSRefreshInterval time.Duration
	Clock               clock.Clock
	HTTPClient          *http.Client
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

// Verifier checks relay ID tokens.
type Verifier struct {
	cfg       VerifierConfig
	clock     clock.Clock
	client    *http.Client
	publicKey *rsa.PublicKey

	// fetchMu serializes JWKS fetches; mu guards keys and lastFetch and is
	// never held across a fetch.
	fetchMu   sync.Mutex
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	lastFetch time.Time
}

// NewVerifier validates cfg. JWKS keys are fetched on first use.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	v := &Verifier{
		cfg:    cfg,
		clock:  cfg.Clock,
		client: cfg.HTTPClient,
		keys:   make(map[string]*rsa.PublicKey),
	}
	if v.clock == nil {
		v.clock = clock.New()
	}
	if v.client == nil {
		v.client = &http.Client{Timeout: 10 * time.Second}
	}
	if v.cfg.JWKSRefreshInterval <= 0 {
		v.cfg.JWKSRefreshInterval = 5 * time.Minute
	}
	if cfg.SecretKey == "" && cfg.PublicKeyPEM == "" && cfg.JWKSURL == "" {
		return nil, fmt.Errorf("verifier needs a public key, a JWKS URL or a secret key")
	}
	if cfg.PublicKeyPEM != "" {
		key, err := parsePublicKeyPEM(cfg.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to load public key from PEM: %w", err)
		}
		v.publicKey = key
	}
	return v, nil
}

// Verify parses token and checks its signature, expiry, issuer and audience.
func (v *Verifier) Verify(ctx context.Context, token string) (*IDClaims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	opts := []jwt.ParserOption{jwt.WithTimeFunc(v.clock.Now), jwt.WithExpirationRequired()}
	if v.cfg.SecretKey != "" {
		opts = append(opts, jwt.WithValidMethods([]string{"HS256"}))
	} else {
		opts = append(opts, jwt.WithValidMethods([]string{"RS256"}))
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	claims := &IDClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if v.cfg.SecretKey != "" {
			return []byte(v.cfg.SecretKey), nil
		}
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			if v.publicKey == nil {
				return nil, fmt.Errorf("token has no kid and no public key is configured")
			}
			return v.publicKey, nil
		}
		return v.keyFor(ctx, kid)
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Email == "" {
		return nil, fmt.Errorf("%w: missing email claim", ErrInvalidToken)
	}
	return claims, nil
}

func (v *Verifier) keyFor(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	v.mu.RUnlock()
	if ok {
		return key, nil
	}
	if v.cfg.JWKSURL == "" {
		return nil, fmt.Errorf("key not found: %s", kid)
	}

	v.fetchMu.Lock()
	defer v.fetchMu.Unlock()

	v.mu.RLock()
	key, ok = v.keys[kid]
	recent := !v.lastFetch.IsZero() && v.clock.Since(v.lastFetch) < v.cfg.JWKSRefreshInterval
	v.mu.RUnlock()
	if ok {
		return key, nil
	}
	if recent {
		return nil, fmt.Errorf("key not found: %s", kid)
	}

	keys, err := v.fetchJWKS(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh JWKS: %w", err)
	}
	v.mu.Lock()
	v.keys = keys
	v.lastFetch = v.clock.Now()
	key, ok = v.keys[kid]
	v.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("key not found: %s", kid)
	}
	return key, nil
}

func (v *Verifier) fetchJWKS(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch failed with status: %d", resp.StatusCode)
	}

	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("failed to parse JWKS: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") || (k.Alg != "" && k.Alg != "RS256") {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

func (k jwk) publicKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(k.N, "="))
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(k.E, "="))
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	exp := 0
	for _, b := range e {
		exp = exp<<8 | int(b)
	}
	if exp == 0 {
		return nil, fmt.Errorf("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: exp}, nil
}

func parsePublicKeyPEM(data string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaPub, nil
}
