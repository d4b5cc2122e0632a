// Package auth authenticates bearer tokens and exposes the caller's identity to handlers.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/apperr"
)

const (
	RoleAdmin    = "admin"
	RoleCustomer = "customer"

	principalKey = "principal"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
)

// Principal is the authenticated caller. UserID always comes from the "sub" claim.
type Principal struct {
	UserID string
	Role   string
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// Claims are the token claims this service issues and accepts.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// FailFunc renders an authentication or authorization error and aborts the request.
type FailFunc func(c *gin.Context, err error)

// Authenticator verifies HS256 tokens signed with a shared secret.
type Authenticator struct {
	secret  []byte
	nowFunc func() time.Time
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), nowFunc: time.Now}
}

// Verify parses a raw token and returns its principal.
func (a *Authenticator) Verify(raw string) (Principal, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.nowFunc),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	role := claims.Role
	if role == "" {
		role = RoleCustomer
	}
	return Principal{UserID: claims.Subject, Role: role}, nil
}

// Middleware requires a valid bearer token and stores the principal on the context.
func (a *Authenticator) Middleware(fail FailFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearer(c.GetHeader("Authorization"))
		if !ok {
			fail(c, apperr.New(apperr.ErrUnauthenticatedCode, "", ErrMissingToken))
			return
		}
		p, err := a.Verify(raw)
		if err != nil {
			fail(c, apperr.New(apperr.ErrUnauthenticatedCode, "invalid or expired token", err))
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// RequireAdmin rejects callers without the admin role. It must run after Middleware.
func RequireAdmin(fail FailFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		if !ok {
			fail(c, apperr.New(apperr.ErrUnauthenticatedCode, "", ErrMissingToken))
			return
		}
		if !p.IsAdmin() {
			fail(c, apperr.Forbidden("admin role required"))
			return
		}
		c.Next()
	}
}

// PrincipalFrom returns the principal stored by Middleware.
func PrincipalFrom(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// NewToken issues a signed token for userID. Used by operator tooling and tests.
func NewToken(secret, userID, role string, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
