package ledgerx

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const RoleAdmin = "admin"

type callerCtxKey struct{}

// Claims are the bearer token claims. Subject carries the external auth id.
type Claims struct {
	Realm string   `json:"realm,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator turns HS256 bearer tokens into a CallerIdentity.
type Authenticator struct {
	secret []byte
	realm  string
	parser *jwt.Parser
}

func NewAuthenticator(secret, realm string) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		realm:  realm,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

func (a *Authenticator) Identify(tokenString string) (CallerIdentity, error) {
	claims := &Claims{}
	token, err := a.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return CallerIdentity{}, ErrUnauthorized
	}
	subject, err := uuid.Parse(claims.Subject)
	if err != nil {
		return CallerIdentity{}, ErrUnauthorized
	}
	realm := claims.Realm
	if realm == "" {
		realm = a.realm
	}
	return CallerIdentity{
		Subject: subject,
		Realm:   realm,
		Admin:   slices.Contains(claims.Roles, RoleAdmin),
	}, nil
}

// Sign issues a token for the given identity. Used by local tooling and tests.
func (a *Authenticator) Sign(claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Middleware rejects requests without a valid bearer token and stores the
// caller in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		headerParts := strings.Split(authHeader, " ")
		if len(headerParts) != 2 || strings.ToLower(headerParts[0]) != "bearer" {
			WriteHTTPError(w, ErrUnauthorized)
			return
		}
		caller, err := a.Identify(headerParts[1])
		if err != nil {
			WriteHTTPError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), callerCtxKey{}, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func CallerFromContext(ctx context.Context) (CallerIdentity, error) {
	caller, ok := ctx.Value(callerCtxKey{}).(CallerIdentity)
	if !ok || caller.IsZero() {
		return CallerIdentity{}, ErrUnauthorized
	}
	return caller, nil
}
