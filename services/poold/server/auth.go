package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"

	"lendmarket/services/poold/config"
)

type contextKey string

const contextKeyCaller contextKey = "caller_address"

// Authenticator accepts either a bearer JWT whose subject is the caller's
// market address, or a pre-shared API token for internal tooling. Token
// callers name their address in the X-Caller-Address header.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
	tokens   map[string]struct{}
}

func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	tokens := make(map[string]struct{}, len(cfg.APITokens))
	for _, token := range cfg.APITokens {
		tokens[token] = struct{}{}
	}
	var secret []byte
	if cfg.JWTSecret != "" {
		secret = []byte(cfg.JWTSecret)
	}
	return &Authenticator{
		secret:   secret,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		tokens:   tokens,
	}
}

// Middleware authenticates the request and stores the caller address in the
// context. Requests with no usable identity are rejected.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if caller, ok := a.identify(r); ok {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeyCaller, caller)))
			return
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

func (a *Authenticator) identify(r *http.Request) (common.Address, bool) {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" && a.secret != nil {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return a.verifyJWT(strings.TrimSpace(parts[1]))
		}
	}
	if token := strings.TrimSpace(r.Header.Get("X-API-Key")); token != "" {
		if _, ok := a.tokens[token]; ok {
			addr := strings.TrimSpace(r.Header.Get("X-Caller-Address"))
			if common.IsHexAddress(addr) {
				return common.HexToAddress(addr), true
			}
		}
	}
	return common.Address{}, false
}

func (a *Authenticator) verifyJWT(raw string) (common.Address, bool) {
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if a.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(a.audience))
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, parserOpts...)
	if err != nil || !token.Valid {
		return common.Address{}, false
	}
	subject, err := claims.GetSubject()
	if err != nil || !common.IsHexAddress(subject) {
		return common.Address{}, false
	}
	return common.HexToAddress(subject), true
}

// CallerFromContext returns the authenticated caller address.
func CallerFromContext(ctx context.Context) (common.Address, bool) {
	caller, ok := ctx.Value(contextKeyCaller).(common.Address)
	return caller, ok
}
