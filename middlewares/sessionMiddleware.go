package middlewares

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sustainafood/sustainafood_backend/utils"
)

// Header names set by the identity gateway in front of this service.
const (
	HeaderActorId       = "X-Actor-Id"
	HeaderActorRole     = "X-Actor-Role"
	HeaderCorrelationId = "X-Correlation-Id"
)

// CorrelationMiddleware attaches the caller's correlation id, or a new one, to the request context.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader(HeaderCorrelationId)
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header(HeaderCorrelationId, cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	}
}

// SessionMiddleware copies the authenticated actor into the request context.
// Requests without an actor pass through; handlers that need one reject them.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderActorId))
		if raw == "" {
			c.Next()
			return
		}
		actorId, err := strconv.Atoi(raw)
		if err != nil || actorId <= 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		ctx := utils.SetActorIdInContext(c.Request.Context(), actorId)
		if role := strings.TrimSpace(c.GetHeader(HeaderActorRole)); role != "" {
			ctx = utils.SetActorRoleInContext(ctx, role)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireActor aborts with 401 unless SessionMiddleware resolved an actor.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := utils.GetActorIdFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}
