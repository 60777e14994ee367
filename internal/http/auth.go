package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// ContextKeySubject holds the token subject of an authenticated request.
const ContextKeySubject contextKey = "jwt_subject"

// Claims accepts both the space separated "scope" claim and a "scopes"
// array.
type Claims struct {
	jwt.RegisteredClaims
	ScopeString string   `json:"scope"`
	ScopeArray  []string `json:"scopes"`
}

func (c *Claims) Scopes() []string {
	var out []string
	if c.ScopeString != "" {
		out = append(out, strings.Fields(c.ScopeString)...)
	}
	return append(out, c.ScopeArray...)
}

type JWTAuthConfig struct {
	JWKSURL         string
	RequiredScope   string
	ClientTimeout   time.Duration
	RefreshInterval time.Duration
	Leeway          time.Duration
}

// JWTAuth validates RS256 bearer tokens against a JWKS endpoint.
type JWTAuth struct {
	jwks   keyfunc.Keyfunc
	scope  string
	leeway time.Duration
	logger *slog.Logger
}

func NewJWTAuth(cfg JWTAuthConfig, logger *slog.Logger) (*JWTAuth, error) {
	if cfg.ClientTimeout <= 0 {
		cfg.ClientTimeout = 10 * time.Second
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Hour
	}
	storage, err := jwkset.NewStorageFromHTTP(cfg.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    &http.Client{Timeout: cfg.ClientTimeout},
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           cfg.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("jwks refresh failed", "url", cfg.JWKSURL, "err", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create jwks storage: %w", err)
	}
	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("create keyfunc: %w", err)
	}
	return NewJWTAuthWithKeyfunc(k, cfg.RequiredScope, cfg.Leeway, logger), nil
}

func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, scope string, leeway time.Duration, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{
		jwks:   kf,
		scope:  scope,
		leeway: leeway,
		logger: logger.With("component", "jwt_auth"),
	}
}

// Middleware rejects requests without a valid bearer token (401) or
// without the required scope (403).
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Bearer token required")
				return
			}

			claims := &Claims{}
			parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), claims, j.jwks.KeyfuncCtx(r.Context()),
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.leeway),
			)
			if err != nil || !parsed.Valid {
				j.logger.Debug("token rejected", "remote_addr", r.RemoteAddr, "err", err)
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
				return
			}
			if j.scope != "" && !slices.Contains(claims.Scopes(), j.scope) {
				writeError(w, http.StatusForbidden, "forbidden", "Missing scope "+j.scope)
				return
			}
			subject, _ := claims.GetSubject()
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ContextKeySubject, subject)))
		})
	}
}

// SubjectFromContext returns the authenticated subject, if any.
func SubjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(ContextKeySubject).(string)
	return subject
}
