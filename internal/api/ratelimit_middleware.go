package api

import (
	"fmt"
	"math"
	"strconv"

	"petportrait/internal/apperr"
	"petportrait/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

var rateLimitMessages = map[string]string{
	PolicyUpload: "Upload limit reached. Please try again later.",
	PolicyStatus: "Status check limit reached.",
	PolicyAPI:    "API limit reached.",
}

// rateLimitKey 按用户、匿名 ID、客户端 IP 的优先级选择限流键。
// 刚生成的匿名 ID 不可信，按 IP 计。
func rateLimitKey(c *gin.Context) string {
	identity := CurrentIdentity(c)
	switch {
	case identity.IsAuthenticated():
		return fmt.Sprintf("user:%d", identity.User.ID)
	case identity != nil && identity.Owner.AnonymousID != "" && !identity.NewAnonymousID:
		return "anon:" + identity.Owner.AnonymousID
	default:
		return "ip:" + c.ClientIP()
	}
}

// RateLimit 对 policy 限流。限流后端出错时放行。
func (h *HTTPHandler) RateLimit(policy string) gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter, ok := h.limiters[policy]
		if !ok || limiter == nil {
			c.Next()
			return
		}

		decision, err := limiter.Allow(c.Request.Context(), rateLimitKey(c))
		if err != nil {
			logrus.WithError(err).WithField("policy", policy).Warn("rate_limit_unavailable")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if !decision.Allowed {
			retry := int(math.Ceil(decision.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			metrics.RateLimitRejections.WithLabelValues(policy).Inc()
			h.RenderError(c, apperr.RateLimited(rateLimitMessages[policy]).
				WithDetails(map[string]any{"retry_after": retry}))
			return
		}
		c.Next()
	}
}
