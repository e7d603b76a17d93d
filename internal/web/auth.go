package web

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ao/litestack/internal/servers"
)

const principalKey = "litestack.principal"

// AuthMiddleware resolves the bearer token into the calling principal
func AuthMiddleware(authenticator Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		token = strings.TrimSpace(token)
		if !ok || token == "" {
			_ = c.Error(errUnauthorized)
			c.Abort()
			return
		}

		user, err := authenticator.Authenticate(c.Request.Context(), token)
		if err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}

		c.Set(principalKey, servers.Principal{
			UserID:    user.ID,
			Email:     user.Email,
			Superuser: user.Superuser,
		})
		c.Next()
	}
}

// principal returns the caller set by AuthMiddleware
func principal(c *gin.Context) servers.Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(servers.Principal); ok {
			return p
		}
	}
	return servers.Principal{}
}
