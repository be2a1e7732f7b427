package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"goa.design/clue/log"
)

const (
	actorHeader    = "X-Actor-Id"
	anonymousActor = "api"
	issuer         = "nightlobster"
)

var errNoSecret = errors.New("jwt secret not configured")

type AuthConfig struct {
	JWTSecret string
	// Disabled accepts every request. The actor comes from X-Actor-Id, or
	// "api" when the header is absent.
	Disabled bool
}

// caller is the authenticated identity attached to a request context.
type caller struct {
	actor string
	roles []string
	via   string
}

type callerKey struct{}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	c, _ := ctx.Value(callerKey{}).(caller)
	if c.actor == "" {
		return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	return c.actor, nil
}

type claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 bearer token for subject.
func IssueToken(secret, subject string, roles []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errNoSecret
	}
	if subject == "" {
		return "", errors.New("subject required")
	}
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return tok.SignedString([]byte(secret))
}

// verify checks signature, algorithm and expiry, then returns the subject.
func verify(raw, secret string) (caller, error) {
	if strings.TrimSpace(secret) == "" {
		return caller{}, errNoSecret
	}
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c,
		func(*jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	if err != nil {
		return caller{}, err
	}
	sub, _ := c.GetSubject()
	if sub == "" {
		return caller{}, errors.New("token has no subject")
	}
	return caller{actor: sub, roles: c.Roles, via: "jwt"}, nil
}

type gate struct {
	cfg    AuthConfig
	prefix string
	open   map[string]struct{}
	next   http.Handler
}

// newAuthMiddleware guards every route under basePath except the public
// health, defaults, docs and OpenAPI endpoints.
func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	open := map[string]struct{}{}
	for _, p := range publicRoutes {
		open[strings.TrimRight(basePath, "/")+"/"+p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return &gate{cfg: cfg, prefix: basePath, open: open, next: next}
	}
}

func (g *gate) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if _, public := g.open[req.URL.Path]; public || !strings.HasPrefix(req.URL.Path, g.prefix) {
		g.next.ServeHTTP(w, req)
		return
	}
	c, apiErr := g.identify(req)
	if apiErr != nil {
		writeStatusError(w, apiErr)
		return
	}
	g.next.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), callerKey{}, c)))
}

func (g *gate) identify(req *http.Request) (caller, huma.StatusError) {
	if g.cfg.Disabled {
		actor := strings.TrimSpace(req.Header.Get(actorHeader))
		if actor == "" {
			actor = anonymousActor
		}
		return caller{actor: actor, via: "unauthenticated"}, nil
	}
	header := strings.TrimSpace(req.Header.Get("Authorization"))
	if header == "" {
		return caller{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	scheme, raw, ok := strings.Cut(header, " ")
	raw = strings.TrimSpace(raw)
	if !ok || !strings.EqualFold(scheme, "bearer") || raw == "" {
		return caller{}, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
	}
	c, err := verify(raw, g.cfg.JWTSecret)
	if err != nil {
		log.Info(req.Context(), log.KV{K: "msg", V: "rejected bearer token"}, log.KV{K: "err", V: err.Error()})
		return caller{}, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
	}
	log.Debug(req.Context(), log.KV{K: "actor", V: c.actor}, log.KV{K: "roles", V: c.roles})
	return c, nil
}

func writeStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
