package jwt

import (
	"errors"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Scopes recognised by the launchpad API.
const (
	ScopeDeploy  = "deploy"
	ScopeRead    = "read"
	ScopeRuntime = "runtime"
)

// ErrScope is returned when a token does not grant the requested access.
var ErrScope = errors.New("token scope does not permit this action")

// Claims defines the deploy token payload. An empty ProjectID grants access to every project.
type Claims struct {
	ProjectID string   `json:"project_id,omitempty"`
	Scopes    []string `json:"scopes"`
	jwtlib.RegisteredClaims
}

// Allows reports whether the claims grant scope on projectID.
func (c *Claims) Allows(scope, projectID string) bool {
	if c == nil {
		return false
	}
	if c.ProjectID != "" && projectID != "" && c.ProjectID != projectID {
		return false
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// GenerateToken issues a signed JWT with provided secret and ttl.
func GenerateToken(subject, projectID string, scopes []string, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		ProjectID: projectID,
		Scopes:    scopes,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    "launchpad",
			Subject:   subject,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse validates and extracts claims from token.
func Parse(token string, secret string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}), jwtlib.WithIssuer("launchpad"))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}
