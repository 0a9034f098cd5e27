package api

import (
	"net/http"
	"net/url"
	"strings"

	"petportrait/internal/apperr"
	"petportrait/internal/auth"
	"petportrait/internal/entity"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	oauthStateCookie = "oauth_state"
	oauthStateMaxAge = 600
	oauthCookiePath  = "/api/auth/google"
)

// GoogleRedirect 跳转到 Google 授权页
func (h *HTTPHandler) GoogleRedirect(c *gin.Context) {
	state, err := auth.NewState()
	if err != nil {
		h.RenderError(c, apperr.Internal("failed to start sign-in", err))
		return
	}
	target, err := h.sessions.AuthCodeURL(state)
	if err != nil {
		h.RenderError(c, err)
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(oauthStateCookie, state, oauthStateMaxAge, oauthCookiePath, "", h.cfg.IsProduction(), true)
	c.Redirect(http.StatusFound, target)
}

// GoogleCallback 校验 state、兑换授权码，然后带令牌跳回前端
func (h *HTTPHandler) GoogleCallback(c *gin.Context) {
	expected, _ := c.Cookie(oauthStateCookie)
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(oauthStateCookie, "", -1, oauthCookiePath, "", h.cfg.IsProduction(), true)

	if denied := strings.TrimSpace(c.Query("error")); denied != "" {
		h.redirectAuthError(c, denied)
		return
	}
	state := c.Query("state")
	if expected == "" || state == "" || state != expected {
		logrus.WithField("client_ip", c.ClientIP()).Warn("oauth_state_mismatch")
		h.redirectAuthError(c, "invalid oauth state")
		return
	}

	result, err := h.sessions.LoginWithCode(c.Request.Context(), c.Query("code"), clientMeta(c))
	if err != nil {
		logrus.WithError(err).Warn("oauth_callback_failed")
		message := "authentication failed"
		if appErr, ok := apperr.As(err); ok && appErr.Kind != apperr.KindInternal {
			message = appErr.Message
		}
		h.redirectAuthError(c, message)
		return
	}

	query := url.Values{}
	query.Set("token", result.Token)
	query.Set("refreshToken", result.RefreshToken)
	c.Redirect(http.StatusFound, h.frontendURL("/auth/callback")+"?"+query.Encode())
}

func (h *HTTPHandler) redirectAuthError(c *gin.Context, message string) {
	query := url.Values{}
	query.Set("error", message)
	c.Redirect(http.StatusFound, h.frontendURL("/auth/error")+"?"+query.Encode())
}

func (h *HTTPHandler) frontendURL(path string) string {
	return strings.TrimRight(strings.TrimSpace(h.cfg.FrontendURL), "/") + path
}

// GoogleToken 使用 Google ID Token 登录
func (h *HTTPHandler) GoogleToken(c *gin.Context) {
	var req entity.GoogleTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidPayload(c)
		return
	}
	result, err := h.sessions.LoginWithIDToken(c.Request.Context(), req.IDToken, clientMeta(c))
	if err != nil {
		h.RenderError(c, err)
		return
	}
	OK(c, result)
}

// RefreshToken 轮换刷新令牌；携带 Bearer 时必须属于同一用户
func (h *HTTPHandler) RefreshToken(c *gin.Context) {
	var req entity.RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidPayload(c)
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		h.RenderError(c, apperr.Validation("refreshToken is required"))
		return
	}
	result, err := h.sessions.Refresh(c.Request.Context(), req.RefreshToken, bearerToken(c), clientMeta(c))
	if err != nil {
		h.RenderError(c, err)
		return
	}
	OK(c, result)
}

// Verify 返回当前会话对应的用户
func (h *HTTPHandler) Verify(c *gin.Context) {
	identity := CurrentIdentity(c)
	OK(c, gin.H{"valid": true, "user": identity.User.Summary()})
}

// Profile 返回用户资料与生成统计
func (h *HTTPHandler) Profile(c *gin.Context) {
	identity := CurrentIdentity(c)
	stats, err := h.queries.Stats(c.Request.Context(), identity.Owner)
	if err != nil {
		h.RenderError(c, err)
		return
	}
	OK(c, entity.ProfileResponse{User: identity.User.Summary(), Stats: *stats})
}

// Sessions 列出用户的有效会话
func (h *HTTPHandler) Sessions(c *gin.Context) {
	identity := CurrentIdentity(c)
	sessions, err := h.sessions.ListSessions(c.Request.Context(), identity.User.ID, identity.Token)
	if err != nil {
		h.RenderError(c, err)
		return
	}
	OK(c, sessions)
}

// Logout 注销当前会话
func (h *HTTPHandler) Logout(c *gin.Context) {
	identity := CurrentIdentity(c)
	if err := h.sessions.Logout(c.Request.Context(), identity.Token); err != nil {
		h.RenderError(c, err)
		return
	}
	OK(c, gin.H{"message": "Logged out successfully"})
}

// LogoutAll 注销全部会话，请求体可省略
func (h *HTTPHandler) LogoutAll(c *gin.Context) {
	var req entity.LogoutAllRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			InvalidPayload(c)
			return
		}
	}
	identity := CurrentIdentity(c)
	revoked, err := h.sessions.LogoutAll(c.Request.Context(), identity.User.ID, identity.Token, req.KeepCurrent)
	if err != nil {
		h.RenderError(c, err)
		return
	}
	OK(c, gin.H{"revoked": revoked})
}
