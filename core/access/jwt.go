package access

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/bookstore/core/logger"
)

// CookieName is the name of the cookie which may carry the bearer token
const CookieName = "Bookstore-JWT"

// ErrInvalidToken is returned by TokenIssuer.Parse for tokens which are malformed,
// expired, or not issued by this issuer
var ErrInvalidToken = errors.New("invalid token")

// Claims are the claims of a bookstore access token. The subject is the account ID.
type Claims struct {
	Email string   `json:"email"`
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// TokenIssuer creates and validates HS256 signed access tokens
type TokenIssuer struct {
	secret   []byte
	issuer   string
	validity time.Duration
	now      func() time.Time
}

// NewTokenIssuer returns a new token issuer. Tokens are signed with secret and are valid
// for the given duration.
func NewTokenIssuer(secret []byte, issuer string, validity time.Duration) (*TokenIssuer, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("token secret must have at least 16 bytes, got %d", len(secret))
	}
	if validity <= 0 {
		return nil, fmt.Errorf("token validity must be positive, got %s", validity)
	}
	return &TokenIssuer{
		secret:   secret,
		issuer:   issuer,
		validity: validity,
		now:      time.Now,
	}, nil
}

// Issue returns a signed token for the account together with its expiry time
func (t *TokenIssuer) Issue(accountID uuid.UUID, email string, roles []string) (string, time.Time, error) {
	now := t.now().UTC()
	expiresAt := now.Add(t.validity)
	claims := Claims{
		Email: email,
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID.String(),
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("cannot sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Parse validates the token string and returns its claims
func (t *TokenIssuer) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != t.issuer {
		return nil, ErrInvalidToken
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authorization returns the authorization carried by the claims
func (c *Claims) Authorization() *Authorization {
	return &Authorization{
		Roles:      c.Roles,
		Selectors:  map[string]string{"account_id": c.Subject},
		Properties: map[string]string{"email": c.Email},
	}
}

// BearerToken extracts the bearer token from the request. It looks at the
// Authorization header first, then at the Bookstore-JWT cookie.
func BearerToken(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if len(bearer) > 0 && bearer != "null" {
		if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
			return bearer[7:]
		}
		return bearer
	}
	if cookie, _ := r.Cookie(CookieName); cookie != nil {
		return cookie.Value
	}
	return ""
}

// NewJwtMiddleware returns a middleware handler to validate
// JWT bearer token.
//
// Java-Web-Token (JWT) are accepted as "Authorization: Bearer"
// header or as "Bookstore-JWT"-cookie.
//
// This is a final handler with regards to the bearer token. It will return
// http.StatusUnauthorized when a token is available but invalid. Requests
// without token pass through without authorization.
func NewJwtMiddleware(issuer *TokenIssuer) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if AuthorizationFromContext(r.Context()) != nil { // already authorized?
				h.ServeHTTP(w, r)
				return
			}

			tokenString := BearerToken(r)
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r) // no token no auth, moving on
				return
			}

			claims, err := issuer.Parse(tokenString)
			if err != nil {
				logger.FromContext(r.Context()).WithError(err).Debugln("rejected bearer token")
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			ctx := ContextWithIdentity(r.Context(), claims.Email)
			ctx, _ = logger.ContextWithLoggerIdentity(ctx, claims.Email)
			ctx = ContextWithAuthorization(ctx, claims.Authorization())
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
