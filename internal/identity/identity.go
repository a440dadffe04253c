package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"palaver/internal/models"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
)

// Provider is the identity collaborator. The session core only ever reads an
// opaque stable user ID plus display attributes from it; it never implements
// authentication itself.
type Provider interface {
	// CurrentUser returns the signed-in user, or models.ErrNotAuthenticated.
	CurrentUser(ctx context.Context) (models.User, error)
}

// Static is a fixed-user Provider for single-user mode and tests.
type Static struct {
	User models.User
}

func (s Static) CurrentUser(ctx context.Context) (models.User, error) {
	if s.User.ID == "" {
		return models.User{}, models.ErrNotAuthenticated
	}
	return s.User, nil
}

// Claims is the token payload the hosted identity service signs.
type Claims struct {
	DisplayName string `json:"name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 tokens and caches the result so repeated lookups
// for the same token skip signature verification. Entries expire from the
// cache independently of token expiry, so a revoked secret takes effect
// within the cache TTL.
type Verifier struct {
	secret []byte
	cache  geche.Geche[string, models.User]
	now    func() time.Time
}

func NewVerifier(ctx context.Context, secret string, cacheTTL time.Duration) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("secret is required")
	}
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &Verifier{
		secret: []byte(secret),
		cache:  geche.NewMapTTLCache[string, models.User](ctx, cacheTTL, time.Minute),
		now:    time.Now,
	}, nil
}

// Verify parses and validates a token, returning the user it identifies.
func (v *Verifier) Verify(token string) (models.User, error) {
	if user, err := v.cache.Get(token); err == nil {
		return user, nil
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(v.now))
	if err != nil || !parsed.Valid {
		return models.User{}, models.ErrNotAuthenticated
	}
	if claims.Subject == "" {
		return models.User{}, models.ErrNotAuthenticated
	}

	user := models.User{
		ID:          claims.Subject,
		DisplayName: claims.DisplayName,
		AvatarURL:   claims.AvatarURL,
	}
	v.cache.Set(token, user)
	return user, nil
}

// TokenProvider adapts a Verifier plus a concrete token to the Provider
// interface.
type TokenProvider struct {
	verifier *Verifier
	token    string
}

func NewTokenProvider(verifier *Verifier, token string) *TokenProvider {
	return &TokenProvider{verifier: verifier, token: token}
}

func (p *TokenProvider) CurrentUser(ctx context.Context) (models.User, error) {
	if p.token == "" {
		return models.User{}, models.ErrNotAuthenticated
	}
	return p.verifier.Verify(p.token)
}

// SignToken mints a token for the given user, valid for ttl. Used by the
// local single-node setup and tests; a hosted identity service would do this
// on its side.
func SignToken(secret string, user models.User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		DisplayName: user.DisplayName,
		AvatarURL:   user.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}
