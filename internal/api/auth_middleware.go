package api

import (
	"context"
	"net/http"
	"strings"

	"petportrait/internal/apperr"
	"petportrait/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AnonymousIDHeader 无 cookie 的客户端可通过该头携带匿名 ID
const AnonymousIDHeader = "X-Anonymous-ID"

type identityContextKey struct{}

// CurrentIdentity 从请求上下文获取已解析的调用方
func CurrentIdentity(c *gin.Context) *service.Identity {
	identity, _ := c.Request.Context().Value(identityContextKey{}).(*service.Identity)
	return identity
}

func setIdentity(c *gin.Context, identity *service.Identity) {
	ctx := context.WithValue(c.Request.Context(), identityContextKey{}, identity)
	c.Request = c.Request.WithContext(ctx)
}

// bearerToken 返回 Authorization 头中的 Bearer Token，格式不符时为空
func bearerToken(c *gin.Context) string {
	authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func clientMeta(c *gin.Context) service.ClientMeta {
	return service.ClientMeta{IPAddress: c.ClientIP(), UserAgent: c.Request.UserAgent()}
}

// ResolveIdentity 解析调用方：有效的 Bearer 会话优先，否则回落到匿名 ID。
// count 为 true 时本次请求计入匿名每日配额。
func (h *HTTPHandler) ResolveIdentity(count bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		if token := bearerToken(c); token != "" && h.sessions != nil {
			identity, err := h.sessions.Verify(ctx, token)
			if err == nil {
				setIdentity(c, identity)
				c.Next()
				return
			}
			if apperr.KindOf(err) == apperr.KindInternal {
				h.RenderError(c, err)
				return
			}
			// 失效的令牌按匿名访问处理
			logrus.WithError(err).Debug("bearer_ignored")
		}

		cookieID, _ := c.Cookie(h.cfg.AnonymousCookieName)
		raw := cookieID
		if strings.TrimSpace(raw) == "" {
			raw = c.GetHeader(AnonymousIDHeader)
		}

		identity, err := h.identity.ResolveAnonymous(ctx, service.AnonymousRequest{
			AnonymousID: raw,
			IPAddress:   c.ClientIP(),
			UserAgent:   c.Request.UserAgent(),
			Count:       count,
		})
		if err != nil {
			h.RenderError(c, err)
			return
		}
		if id := identity.Owner.AnonymousID; id != cookieID {
			h.setAnonymousCookie(c, id)
		}
		setIdentity(c, identity)
		c.Next()
	}
}

func (h *HTTPHandler) setAnonymousCookie(c *gin.Context, id string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cfg.AnonymousCookieName, id, int(h.cfg.AnonymousCookieTTL.Seconds()), "/", "", h.cfg.IsProduction(), true)
}

// RequireAuth 要求有效的 Bearer 会话
func (h *HTTPHandler) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			h.RenderError(c, apperr.Unauthenticated("authentication required"))
			return
		}
		identity, err := h.sessions.Verify(c.Request.Context(), token)
		if err != nil {
			h.RenderError(c, err)
			return
		}
		setIdentity(c, identity)
		c.Next()
	}
}

// RequireAdmin 管理员权限守卫中间件
func (h *HTTPHandler) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := CurrentIdentity(c)
		if !identity.IsAuthenticated() || !identity.User.IsAdmin() {
			h.RenderError(c, apperr.Forbidden("admin privileges required"))
			return
		}
		c.Next()
	}
}
