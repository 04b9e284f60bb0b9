// README: Identity resolution from bearer tokens and role gates for gin routes.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"siren/internal/infra"
	"siren/internal/types"
)

const (
	RoleRider  = "rider"
	RoleDriver = "driver"

	ctxIdentityKey = "identity"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the verified caller bound to a request or connection.
type Identity struct {
	UID  types.ID
	Role string
}

// ResolveIdentity verifies the bearer token carried by r. Websocket upgrades
// without an Authorization header may pass the token as access_token.
func ResolveIdentity(ctx context.Context, verifier infra.TokenVerifier, r *http.Request) (Identity, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return Identity{}, err
	}
	tok, err := verifier.VerifyIDToken(ctx, raw)
	if err != nil || tok == nil || tok.UID == "" {
		return Identity{}, ErrUnauthenticated
	}
	role := RoleRider
	if v, _ := tok.Claims["role"].(string); v == RoleDriver {
		role = RoleDriver
	}
	return Identity{UID: types.ID(tok.UID), Role: role}, nil
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if websocket.IsWebSocketUpgrade(r) {
			if q := r.URL.Query().Get("access_token"); q != "" {
				return q, nil
			}
		}
		return "", ErrUnauthenticated
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return "", ErrUnauthenticated
	}
	return raw, nil
}

// Auth rejects the request with 401 unless an identity resolves.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := ResolveIdentity(c.Request.Context(), verifier, c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(ctxIdentityKey, id)
		c.Next()
	}
}

// RequireRole must run after Auth.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if CallerRole(c) != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden: " + role + " role required"})
			return
		}
		c.Next()
	}
}

func Caller(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(ctxIdentityKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

func CallerUID(c *gin.Context) types.ID {
	id, _ := Caller(c)
	return id.UID
}

func CallerRole(c *gin.Context) string {
	id, _ := Caller(c)
	return id.Role
}
