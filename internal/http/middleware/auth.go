package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/leadsync-backend/internal/http/response"
	"github.com/yungbote/leadsync-backend/internal/pkg/ctxutil"
	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
	"github.com/yungbote/leadsync-backend/internal/services"
)

type AuthMiddleware struct {
	log  *logger.Logger
	auth services.AgentAuth
}

func NewAuthMiddleware(log *logger.Logger, auth services.AgentAuth) *AuthMiddleware {
	return &AuthMiddleware{log: log.With("Middleware", "AuthMiddleware"), auth: auth}
}

// RequireAgent admits requests carrying a valid agent token.
func (am *AuthMiddleware) RequireAgent() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractToken(c)
		if tokenString == "" {
			c.Abort()
			response.RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("missing or invalid token"))
			return
		}
		ctx, err := am.auth.SetContextFromToken(c.Request.Context(), tokenString)
		if err != nil {
			if errors.Is(err, services.ErrAgentAuthDisabled) {
				am.log.Warn("Agent request rejected, AGENT_JWT_SECRET is not set")
				c.Abort()
				response.RespondError(c, http.StatusServiceUnavailable, "auth_disabled", err)
				return
			}
			am.log.Debug("Agent token rejected", "error", err)
			c.Abort()
			response.RespondError(c, http.StatusUnauthorized, "unauthorized", err)
			return
		}
		if ctxutil.Agent(ctx) == "" {
			c.Abort()
			response.RespondError(c, http.StatusForbidden, "forbidden", errors.New("forbidden"))
			return
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
