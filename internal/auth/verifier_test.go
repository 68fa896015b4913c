package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medroute/internal/config"
)

const secret = "test-secret"

func token(t *testing.T, c Claims) string {
	t.Helper()
	s, err := Sign(secret, c)
	require.NoError(t, err)
	return s
}

func valid(tenant, role string) Claims {
	return Claims{
		Tenant: tenant,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "drv-7",
			Issuer:    "medroute-test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestVerify(t *testing.T) {
	v := NewVerifier(config.AuthConfig{Mode: ModeJWT, JWTSecret: secret, Issuer: "medroute-test"})

	p, err := v.Verify(token(t, valid("clinic-a", "Driver")))
	require.NoError(t, err)
	assert.Equal(t, Principal{Tenant: "clinic-a", Role: RoleDriver, DriverID: "drv-7"}, p)

	p, err = v.Verify(token(t, valid("clinic-a", "")))
	require.NoError(t, err)
	assert.Equal(t, RoleDispatcher, p.Role)
	assert.True(t, p.CanPlan())
	assert.False(t, p.IsAdmin())

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not.a.token"},
		{"expired", func() string {
			c := valid("clinic-a", "admin")
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
			return token(t, c)
		}()},
		{"wrong issuer", func() string {
			c := valid("clinic-a", "admin")
			c.Issuer = "someone-else"
			return token(t, c)
		}()},
		{"missing tenant", token(t, valid("", "admin"))},
		{"wrong secret", func() string {
			s, err := Sign("other", valid("clinic-a", "admin"))
			require.NoError(t, err)
			return s
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestAuthenticateJWTMode(t *testing.T) {
	v := NewVerifier(config.AuthConfig{Mode: ModeJWT, JWTSecret: secret})
	r := httptest.NewRequest("GET", "/v1/plans", nil)
	r.Header.Set("X-Tenant-Id", "spoofed")
	_, err := v.Authenticate(r)
	assert.ErrorIs(t, err, ErrMissingToken)

	r.Header.Set("Authorization", "Bearer "+token(t, valid("clinic-b", "admin")))
	p, err := v.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "clinic-b", p.Tenant)
	assert.True(t, p.IsAdmin())
}

func TestAuthenticateHeaderMode(t *testing.T) {
	v := NewVerifier(config.AuthConfig{})
	assert.Equal(t, ModeHeader, v.Mode())

	r := httptest.NewRequest("GET", "/v1/plans", nil)
	p, err := v.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, Principal{Tenant: "t_demo", Role: RoleAdmin}, p)

	r.Header.Set("X-Tenant-Id", "clinic-c")
	r.Header.Set("X-Role", "Dispatcher")
	p, err = v.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "clinic-c", p.Tenant)
	assert.Equal(t, RoleDispatcher, p.Role)
}
