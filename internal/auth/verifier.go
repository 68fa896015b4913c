// Package auth resolves the caller's tenant and role from a bearer token or,
// in header mode, from request headers.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"medroute/internal/config"
)

var (
	// ErrInvalidToken is returned when a token fails signature or claim checks.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrMissingToken is returned in jwt mode when no bearer token is sent.
	ErrMissingToken = errors.New("missing bearer token")
)

const (
	ModeHeader = "header"
	ModeJWT    = "jwt"

	RoleAdmin      = "admin"
	RoleDispatcher = "dispatcher"
	RoleDriver     = "driver"

	defaultTenant = "t_demo"
)

// Principal is the authenticated caller.
type Principal struct {
	Tenant   string
	Role     string
	DriverID string
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// CanPlan reports whether the caller may run optimisations and change routes.
func (p Principal) CanPlan() bool { return p.Role == RoleAdmin || p.Role == RoleDispatcher }

// Claims is the token payload issued to medroute clients.
type Claims struct {
	Tenant string `json:"tenant"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 tokens and extracts tenant/role claims.
type Verifier struct {
	mode        string
	secret      []byte
	parser      *jwt.Parser
	tenantClaim string
	roleClaim   string
}

func NewVerifier(cfg config.AuthConfig) *Verifier {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeHeader
	}
	tc, rc := cfg.TenantClaim, cfg.RoleClaim
	if tc == "" {
		tc = "tenant"
	}
	if rc == "" {
		rc = "role"
	}
	return &Verifier{
		mode:        mode,
		secret:      []byte(cfg.JWTSecret),
		parser:      jwt.NewParser(opts...),
		tenantClaim: tc,
		roleClaim:   rc,
	}
}

func (v *Verifier) Mode() string { return v.mode }

// Verify parses and validates a raw token string.
func (v *Verifier) Verify(token string) (Principal, error) {
	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	tenant, _ := claims[v.tenantClaim].(string)
	role, _ := claims[v.roleClaim].(string)
	sub, _ := claims.GetSubject()
	if tenant == "" {
		return Principal{}, fmt.Errorf("%w: missing %s claim", ErrInvalidToken, v.tenantClaim)
	}
	if role == "" {
		role = RoleDispatcher
	}
	p := Principal{Tenant: tenant, Role: strings.ToLower(role)}
	if p.Role == RoleDriver {
		p.DriverID = sub
	}
	return p, nil
}

// Authenticate resolves the principal for a request. In header mode a valid
// bearer token still wins over X-Tenant-Id/X-Role.
func (v *Verifier) Authenticate(r *http.Request) (Principal, error) {
	tok := bearer(r)
	if v.mode == ModeJWT {
		if tok == "" {
			return Principal{}, ErrMissingToken
		}
		return v.Verify(tok)
	}
	if tok != "" && len(v.secret) > 0 {
		if p, err := v.Verify(tok); err == nil {
			return p, nil
		}
	}
	p := Principal{
		Tenant:   r.Header.Get("X-Tenant-Id"),
		Role:     strings.ToLower(r.Header.Get("X-Role")),
		DriverID: r.Header.Get("X-Driver-Id"),
	}
	if p.Tenant == "" {
		p.Tenant = defaultTenant
	}
	if p.Role == "" {
		p.Role = RoleAdmin
	}
	return p, nil
}

// Sign issues an HS256 token for claims. Used by tooling and tests.
func Sign(secret string, claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
