package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/production_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	HeaderCorrelationId = "x-correlation-id"
	HeaderUser          = "x-user"
	HeaderUserName      = "x-user-name"
)

// CorrelationId attaches the caller's correlation id, or a new one, to the
// request context and echoes it back.
func CorrelationId() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := strings.TrimSpace(c.GetHeader(HeaderCorrelationId))
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Header(HeaderCorrelationId, cid)
		c.Next()
	}
}

// Actor records who is acting from the upstream session headers. Ledger
// entries and confirmations are attributed to this actor.
func Actor() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if v := strings.TrimSpace(c.GetHeader(HeaderUser)); v != "" {
			ctx = utils.SetUsernameInContext(ctx, v)
		}
		if v := strings.TrimSpace(c.GetHeader(HeaderUserName)); v != "" {
			ctx = utils.SetUserNameInContext(ctx, v)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// Readiness answers /healthz and returns 503 for everything else until
// ready reports true.
func Readiness(ready func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if !ready() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service not ready"})
			return
		}
		c.Next()
	}
}

// ErrorLogger logs only requests that collected errors.
func ErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
			logger.WithFields(logrus.Fields{
				"field":          "http",
				"path":           c.Request.URL.Path,
				"status":         c.Writer.Status(),
				"correlation_id": cid,
			}).Error(c.Errors.String())
		}
	}
}

// RateLimiter is a fixed-window per-client limiter backed by Redis.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, limit: limit, window: window}
}

func (rl *RateLimiter) Middleware(c *gin.Context) {
	key := "ratelimit:" + c.ClientIP()
	ctx := c.Request.Context()

	count, err := rl.client.Incr(ctx, key).Result()
	if err != nil {
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	if count == 1 {
		if err := rl.client.Expire(ctx, key, rl.window).Err(); err != nil {
			_ = c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
	}
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}
	c.Next()
}

func NotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}
