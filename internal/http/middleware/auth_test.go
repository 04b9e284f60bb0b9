package middleware_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"siren/internal/http/middleware"
	"siren/internal/infra"
)

// stubVerifier is a test double for infra.TokenVerifier.
type stubVerifier struct {
	token *infra.Token
	err   error
	seen  string
}

func (s *stubVerifier) VerifyIDToken(_ context.Context, raw string) (*infra.Token, error) {
	s.seen = raw
	return s.token, s.err
}

func newTestRouter(verifier infra.TokenVerifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Recovery(zap.NewNop()), middleware.Auth(verifier))
	r.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"uid": middleware.CallerUID(c), "role": middleware.CallerRole(c)})
	})
	r.GET("/drivers-only", middleware.RequireRole(middleware.RoleDriver), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	r.GET("/panic", func(*gin.Context) { panic("boom") })
	return r
}

func tokenFor(uid, role string) *stubVerifier {
	claims := map[string]interface{}{}
	if role != "" {
		claims["role"] = role
	}
	return &stubVerifier{token: &infra.Token{UID: uid, Claims: claims}}
}

func TestAuth_RejectsMissingOrMalformedCredentials(t *testing.T) {
	tests := []struct {
		name     string
		verifier *stubVerifier
		header   string
	}{
		{"missing header", tokenFor("user1", ""), ""},
		{"wrong prefix", tokenFor("user1", ""), "Token abc"},
		{"empty bearer", tokenFor("user1", ""), "Bearer "},
		{"verifier error", &stubVerifier{err: errors.New("bad token")}, "Bearer abc"},
		{"empty uid", tokenFor("", "driver"), "Bearer abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(tt.verifier)
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestAuth_PopulatesIdentity(t *testing.T) {
	tests := []struct {
		role string
		want string
	}{
		{"driver", middleware.RoleDriver},
		{"", middleware.RoleRider},
		{"admin", middleware.RoleRider},
	}
	for _, tt := range tests {
		t.Run(tt.want+"/"+tt.role, func(t *testing.T) {
			v := tokenFor("u42", tt.role)
			r := newTestRouter(v)
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.Header.Set("Authorization", "Bearer good")
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			require.Equal(t, http.StatusOK, w.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, "u42", body["uid"])
			assert.Equal(t, tt.want, body["role"])
			assert.Equal(t, "good", v.seen)
		})
	}
}

func TestResolveIdentity_QueryTokenOnlyForUpgrades(t *testing.T) {
	v := tokenFor("d1", "driver")

	plain := httptest.NewRequest(http.MethodGet, "/ws/drivers/d1?access_token=q", nil)
	_, err := middleware.ResolveIdentity(context.Background(), v, plain)
	assert.ErrorIs(t, err, middleware.ErrUnauthenticated)

	upgrade := httptest.NewRequest(http.MethodGet, "/ws/drivers/d1?access_token=q", nil)
	upgrade.Header.Set("Connection", "Upgrade")
	upgrade.Header.Set("Upgrade", "websocket")
	id, err := middleware.ResolveIdentity(context.Background(), v, upgrade)
	require.NoError(t, err)
	assert.Equal(t, middleware.Identity{UID: "d1", Role: middleware.RoleDriver}, id)
	assert.Equal(t, "q", v.seen)

	upgrade.Header.Set("Authorization", "Bearer header")
	_, err = middleware.ResolveIdentity(context.Background(), v, upgrade)
	require.NoError(t, err)
	assert.Equal(t, "header", v.seen)
}

func TestRequireRole(t *testing.T) {
	for role, want := range map[string]int{"driver": http.StatusNoContent, "": http.StatusForbidden} {
		r := newTestRouter(tokenFor("u1", role))
		req := httptest.NewRequest(http.MethodGet, "/drivers-only", nil)
		req.Header.Set("Authorization", "Bearer t")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, want, w.Code, "role %q", role)
	}
}

func TestRecovery_Answers500(t *testing.T) {
	r := newTestRouter(tokenFor("u1", ""))
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	req.Header.Set("Authorization", "Bearer t")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
