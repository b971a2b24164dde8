// Package auth turns bearer tokens into stable user ids.
package auth

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const defaultJWKSCacheTTL = 15 * time.Minute

var (
	ErrMissingAuthorization = errors.New("missing authorization header")
	ErrBadAuthorization     = errors.New("bad auth header")
)

// Options configures token validation. Either JWKS (RS256) or
// SharedSecret (HS256) must be set.
type Options struct {
	JWKS         *keyfunc.JWKS
	SharedSecret []byte
	Audience     string
	Issuer       string
	KeyCacheTTL  time.Duration
}

// Auth validates JWTs and extracts the subject.
type Auth struct {
	jwks     *keyfunc.JWKS
	secret   []byte
	audience string
	issuer   string

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
	now         func() time.Time
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates an Auth. A shared secret selects HS256, otherwise the
// JWKS is used with RS256.
func NewAuth(opts Options) (*Auth, error) {
	if opts.JWKS == nil && len(opts.SharedSecret) == 0 {
		return nil, errors.New("auth: jwks or shared secret required")
	}
	a := &Auth{
		jwks:        opts.JWKS,
		secret:      opts.SharedSecret,
		audience:    opts.Audience,
		issuer:      opts.Issuer,
		keyCacheTTL: opts.KeyCacheTTL,
		now:         time.Now,
	}
	if a.keyCacheTTL == 0 {
		a.keyCacheTTL = defaultJWKSCacheTTL
	}
	if len(a.secret) > 0 {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	} else {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	}
	return a, nil
}

// UserIDFromAuthHeader extracts the user id from an Authorization header.
func (a *Auth) UserIDFromAuthHeader(h string) (string, error) {
	token, err := BearerToken(h)
	if err != nil {
		return "", err
	}
	return a.UserIDFromBearer(token)
}

// UserIDFromBearer validates a raw token and returns its subject.
func (a *Auth) UserIDFromBearer(token string) (string, error) {
	sub, _, err := a.parse(token)
	return sub, err
}

func (a *Auth) parse(token string) (string, time.Time, error) {
	if token == "" {
		return "", time.Time{}, ErrBadAuthorization
	}
	parsed, err := a.parser.Parse(token, a.keyFunc)
	if err != nil {
		return "", time.Time{}, err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", time.Time{}, errors.New("invalid claims")
	}

	now := a.now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return "", time.Time{}, errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return "", time.Time{}, errors.New("token not valid yet")
	}
	if !claims.VerifyIssuedAt(now, false) {
		return "", time.Time{}, errors.New("token used before issued")
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, false) {
		return "", time.Time{}, errors.New("invalid audience")
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, false) {
		return "", time.Time{}, errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", time.Time{}, errors.New("missing sub")
	}
	var exp time.Time
	if v, ok := claims["exp"].(float64); ok {
		exp = time.Unix(int64(v), 0)
	}
	return sub, exp, nil
}

func (a *Auth) keyFunc(t *jwt.Token) (any, error) {
	if len(a.secret) > 0 {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.secret, nil
	}
	return a.keyForToken(t)
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.jwks == nil {
		return nil, errors.New("jwks not configured")
	}
	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if a.now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}
	key, err := a.jwks.Keyfunc(token)
	if err != nil {
		return nil, err
	}
	if kid != "" && a.keyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: a.now().Add(a.keyCacheTTL)})
	}
	return key, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(h string) (string, error) {
	h = strings.TrimSpace(h)
	if h == "" {
		return "", ErrMissingAuthorization
	}
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || token == "" {
		return "", ErrBadAuthorization
	}
	if strings.Count(token, ".") != 2 {
		return "", ErrBadAuthorization
	}
	return token, nil
}
