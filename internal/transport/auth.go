package transport

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/model"
)

// tokenLeeway absorbs clock skew between the identity provider and us.
const tokenLeeway = 30 * time.Second

var errUnknownKey = errors.New("unknown signing key")

// KeySet is a cached copy of an identity provider's JSON Web Key Set.
// Concurrent refreshes share a single fetch.
type KeySet struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	client     *http.Client
	logger     *zap.Logger
	group      singleflight.Group

	mu        sync.RWMutex
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

// KeySetOption customises a KeySet.
type KeySetOption func(*KeySet)

// WithMinRefresh sets how long a populated key set is trusted before an
// unknown kid may trigger another fetch.
func WithMinRefresh(d time.Duration) KeySetOption {
	return func(k *KeySet) { k.minRefresh = d }
}

// WithHTTPClient replaces the client used to fetch the key set.
func WithHTTPClient(c *http.Client) KeySetOption {
	return func(k *KeySet) { k.client = c }
}

// NewKeySet returns a KeySet that fetches url lazily and keeps keys for ttl.
func NewKeySet(url string, ttl time.Duration, logger *zap.Logger, opts ...KeySetOption) *KeySet {
	if logger == nil {
		logger = zap.NewNop()
	}
	k := &KeySet{
		url:        url,
		ttl:        ttl,
		minRefresh: 5 * time.Minute,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		keys:       map[string]crypto.PublicKey{},
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Key returns the verification key for kid. A stale cache or an unseen kid
// triggers a fetch; when that fetch fails a previously cached key is still
// served.
func (k *KeySet) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	key, ok, fresh := k.lookup(kid)
	if ok && fresh {
		return key, nil
	}

	if err := k.refresh(ctx); err != nil {
		if ok {
			k.logger.Warn("jwks refresh failed, serving cached key", zap.String("kid", kid), zap.Error(err))
			return key, nil
		}
		return nil, err
	}

	if key, ok, _ = k.lookup(kid); !ok {
		return nil, fmt.Errorf("%w %q", errUnknownKey, kid)
	}
	return key, nil
}

func (k *KeySet) lookup(kid string) (crypto.PublicKey, bool, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[kid]
	return key, ok, time.Since(k.fetchedAt) <= k.ttl
}

func (k *KeySet) refresh(ctx context.Context) error {
	k.mu.RLock()
	throttled := len(k.keys) > 0 && time.Since(k.fetchedAt) < k.minRefresh
	k.mu.RUnlock()
	if throttled {
		return nil
	}

	_, err, _ := k.group.Do("jwks", func() (any, error) {
		keys, err := k.fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		k.mu.Lock()
		k.keys = keys
		k.fetchedAt = time.Now()
		k.mu.Unlock()
		k.logger.Debug("jwks refreshed", zap.Int("keys", len(keys)))
		return nil, nil
	})
	return err
}

func (k *KeySet) fetch(ctx context.Context) (map[string]crypto.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return nil, fmt.Errorf("jwks: build request: %w", err)
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwks: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks: unexpected status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("jwks: decode: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(doc.Keys))
	for _, jwk := range doc.Keys {
		if jwk.Kid == "" || (jwk.Use != "" && jwk.Use != "sig") {
			continue
		}
		pub, err := jwk.publicKey()
		if err != nil {
			k.logger.Warn("jwks key skipped", zap.String("kid", jwk.Kid), zap.Error(err))
			continue
		}
		keys[jwk.Kid] = pub
	}
	return keys, nil
}

type jsonWebKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

var ecCurves = map[string]elliptic.Curve{
	"P-256": elliptic.P256(),
	"P-384": elliptic.P384(),
	"P-521": elliptic.P521(),
}

func (j jsonWebKey) publicKey() (crypto.PublicKey, error) {
	switch j.Kty {
	case "RSA":
		n, err := decodeCoordinate("n", j.N)
		if err != nil {
			return nil, err
		}
		e, err := decodeCoordinate("e", j.E)
		if err != nil {
			return nil, err
		}
		if !e.IsInt64() {
			return nil, errors.New("exponent out of range")
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		curve, ok := ecCurves[j.Crv]
		if !ok {
			return nil, fmt.Errorf("unsupported curve %q", j.Crv)
		}
		x, err := decodeCoordinate("x", j.X)
		if err != nil {
			return nil, err
		}
		y, err := decodeCoordinate("y", j.Y)
		if err != nil {
			return nil, err
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", j.Kty)
	}
}

func decodeCoordinate(name, s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("missing %s", name)
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return new(big.Int).SetBytes(b), nil
}

// Authenticator verifies bearer tokens issued by the configured identity
// provider.
type Authenticator struct {
	parser *jwt.Parser
	keys   *KeySet
}

// NewAuthenticator builds an Authenticator that accepts only cfg's issuer,
// audience and algorithms. Tokens must carry an expiry.
func NewAuthenticator(cfg config.IdentityConfig, keys *KeySet) *Authenticator {
	return &Authenticator{
		keys: keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods(cfg.Algorithms),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithLeeway(tokenLeeway),
			jwt.WithExpirationRequired(),
		),
	}
}

// Middleware rejects requests without a valid bearer token and stores the
// verified claims in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerToken(r)
		if err != nil {
			WriteError(w, model.NewUnauthorizedError(err.Error()))
			return
		}

		claims := jwt.MapClaims{}
		if _, err := a.parser.ParseWithClaims(raw, claims, a.keyFunc(r.Context())); err != nil {
			WriteError(w, model.NewUnauthorizedError(describeTokenError(err)))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func (a *Authenticator) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: token header has no kid", errUnknownKey)
		}
		return a.keys.Key(ctx, kid)
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", errors.New("authorization header must carry a bearer token")
	}
	return strings.TrimSpace(token), nil
}

// describeTokenError turns a parser error into a client-safe message.
func describeTokenError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "token is missing a required claim"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "invalid token audience"
	case errors.Is(err, errUnknownKey):
		return "unknown signing key"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "invalid token signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed token"
	default:
		return "invalid token"
	}
}
