package relay

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthClaims mirrors the teacher's JWTClaims (packages/go-shared/jwt.go),
// renamed from session/user identifiers to the relay's own domain: which
// extension a token is scoped to.
type AuthClaims struct {
	ExtensionID string `json:"extensionId,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates the token carried on /cdp and /extension
// connections (spec.md §6, §7 AuthFailed).
type Authenticator struct {
	staticToken string
	jwtSecret   string
}

func NewAuthenticator(cfg *Config) *Authenticator {
	return &Authenticator{staticToken: cfg.Token, jwtSecret: cfg.JWTSecret}
}

// Required reports whether a token must be presented at all.
func (a *Authenticator) Required() bool {
	return a.staticToken != "" || a.jwtSecret != ""
}

// Validate checks a token extracted from the query string or Authorization
// header, returning the extensionId pinned by the token, if any.
func (a *Authenticator) Validate(token string) (extensionID string, err error) {
	if !a.Required() {
		return "", nil
	}
	if token == "" {
		return "", ErrAuthFailed
	}
	if a.jwtSecret != "" {
		claims := &AuthClaims{}
		parsed, jerr := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(a.jwtSecret), nil
		})
		if jerr == nil && parsed.Valid {
			return claims.ExtensionID, nil
		}
	}
	if a.staticToken != "" && token == a.staticToken {
		return "", nil
	}
	return "", ErrAuthFailed
}

// CreateToken issues an HS256 JWT pinned to extensionID, mirroring the
// teacher's CreateJWTToken (go-shared/jwt.go).
func (a *Authenticator) CreateToken(extensionID string, ttl time.Duration) (string, error) {
	if a.jwtSecret == "" {
		return "", fmt.Errorf("jwt secret not configured")
	}
	now := time.Now()
	claims := AuthClaims{
		ExtensionID: extensionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Audience:  []string{"cdp-relay"},
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(a.jwtSecret))
}

// ExtractToken pulls a token from the query string (a WebSocket upgrade
// issued from within a browser extension can't set custom headers) or a
// Bearer Authorization header, matching the teacher's extractSigningKey
// (internal/cdpproxy/proxy.go). It is called on the /cdp and /extension
// upgrades only; the REST recording endpoints do not check a token.
func ExtractToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
