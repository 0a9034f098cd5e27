package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"petportrait/internal/apperr"
	"petportrait/internal/auth"
	"petportrait/internal/entity"
	"petportrait/internal/model"

	"github.com/sirupsen/logrus"
)

// 会话错误提示
const (
	msgSessionInvalid = "invalid or expired session"
	msgRefreshInvalid = "invalid refresh token"
	msgTokenExpired   = "token expired"
	msgTokenMalformed = "malformed token"
	msgUserDisabled   = "user account is disabled"
)

// ClientMeta 登录设备的记录信息
type ClientMeta struct {
	IPAddress string
	UserAgent string
}

// LoginResult 登录或刷新成功后的返回值
type LoginResult struct {
	User         entity.UserSummary `json:"user"`
	Token        string             `json:"token"`
	RefreshToken string             `json:"refreshToken"`
	ExpiresAt    time.Time          `json:"expiresAt"`
	IsNewUser    bool               `json:"isNewUser,omitempty"`
}

// SessionConfig token 有效期配置
type SessionConfig struct {
	AccessTTL     time.Duration
	RefreshedTTL  time.Duration
	SessionTTL    time.Duration
	SignupCredits int
}

// SessionService 管理登录会话的签发与撤销
type SessionService struct {
	repo   model.Repository
	jwt    *auth.Manager
	google auth.GoogleProvider
	cfg    SessionConfig
	now    func() time.Time
}

func NewSessionService(repo model.Repository, jwt *auth.Manager, google auth.GoogleProvider, cfg SessionConfig) *SessionService {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 7 * 24 * time.Hour
	}
	if cfg.RefreshedTTL <= 0 {
		cfg.RefreshedTTL = 15 * time.Minute
	}
	return &SessionService{repo: repo, jwt: jwt, google: google, cfg: cfg, now: time.Now}
}

// GoogleEnabled 是否配置了 Google 登录
func (s *SessionService) GoogleEnabled() bool {
	return s != nil && s.google != nil
}

// AuthCodeURL 返回带 state 的 Google 授权页地址
func (s *SessionService) AuthCodeURL(state string) (string, error) {
	if !s.GoogleEnabled() {
		return "", apperr.New(apperr.KindInternal, "google sign-in is not configured")
	}
	return s.google.AuthCodeURL(state), nil
}

// LoginWithCode 完成 OAuth 回调登录
func (s *SessionService) LoginWithCode(ctx context.Context, code string, meta ClientMeta) (*LoginResult, error) {
	if !s.GoogleEnabled() {
		return nil, apperr.New(apperr.KindInternal, "google sign-in is not configured")
	}
	if strings.TrimSpace(code) == "" {
		return nil, apperr.Validation("authorization code is required")
	}
	profile, err := s.google.Exchange(ctx, code)
	if err != nil {
		return nil, googleError(err)
	}
	return s.Login(ctx, profile, meta)
}

// LoginWithIDToken 校验客户端提交的 Google ID token
func (s *SessionService) LoginWithIDToken(ctx context.Context, idToken string, meta ClientMeta) (*LoginResult, error) {
	if !s.GoogleEnabled() {
		return nil, apperr.New(apperr.KindInternal, "google sign-in is not configured")
	}
	if strings.TrimSpace(idToken) == "" {
		return nil, apperr.Validation("idToken is required")
	}
	profile, err := s.google.VerifyIDToken(ctx, idToken)
	if err != nil {
		return nil, googleError(err)
	}
	return s.Login(ctx, profile, meta)
}

func googleError(err error) error {
	if errors.Is(err, auth.ErrEmailNotVerified) {
		return apperr.Wrap(apperr.KindAuthentication, "google email is not verified", err)
	}
	return apperr.Wrap(apperr.KindAuthentication, "google authentication failed", err)
}

// Login 根据已验证的资料创建或更新用户，并开启新会话
func (s *SessionService) Login(ctx context.Context, profile entity.GoogleProfile, meta ClientMeta) (*LoginResult, error) {
	if !profile.EmailVerified {
		return nil, apperr.Unauthenticated("google email is not verified")
	}
	now := s.now()
	user, created, err := s.repo.UpsertGoogleUser(ctx, profile, s.cfg.SignupCredits, now)
	if err != nil {
		return nil, apperr.Internal("failed to save user", err)
	}
	if err := checkUsable(user, now); err != nil {
		return nil, err
	}

	token, claims, err := s.jwt.GenerateToken(user, s.cfg.AccessTTL)
	if err != nil {
		return nil, apperr.Internal("failed to issue token", err)
	}
	refresh, err := auth.NewRefreshToken()
	if err != nil {
		return nil, apperr.Internal("failed to issue refresh token", err)
	}
	session := s.newSession(user.ID, token, refresh, claims, meta, now)
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, apperr.Internal("failed to create session", err)
	}

	logrus.WithFields(logrus.Fields{
		"user_id":  user.ID,
		"new_user": created,
	}).Info("user_login")

	return &LoginResult{
		User:         user.Summary(),
		Token:        token,
		RefreshToken: refresh,
		ExpiresAt:    claims.ExpiresAt.Time,
		IsNewUser:    created,
	}, nil
}

func (s *SessionService) newSession(userID uint, token, refresh string, claims *auth.Claims, meta ClientMeta, now time.Time) *entity.DbSession {
	return &entity.DbSession{
		UserID:      userID,
		TokenHash:   auth.HashToken(token),
		RefreshHash: auth.HashToken(refresh),
		JTI:         claims.ID,
		UserAgent:   truncate(meta.UserAgent, 512),
		IPAddress:   truncate(meta.IPAddress, 64),
		ExpiresAt:   now.Add(s.cfg.SessionTTL),
		LastUsedAt:  &now,
	}
}

func checkUsable(user *entity.DbUser, now time.Time) error {
	if user == nil {
		return apperr.Unauthenticated(msgSessionInvalid)
	}
	if !user.IsActive || user.IsBanned(now) {
		return apperr.NewCode(apperr.KindAuthentication, apperr.CodeUserDisabled, msgUserDisabled)
	}
	return nil
}

// Verify 把 bearer token 解析为已认证身份。
// 先查会话记录再验 JWT，已撤销的 token 即使未过期也会失败
func (s *SessionService) Verify(ctx context.Context, token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperr.NewCode(apperr.KindAuthentication, apperr.CodeTokenMalformed, msgTokenMalformed)
	}
	now := s.now()

	session, err := s.repo.GetSessionByTokenHash(ctx, auth.HashToken(token))
	if err != nil {
		if model.IsNotFound(err) {
			return nil, apperr.NewCode(apperr.KindAuthentication, apperr.CodeSessionInvalid, msgSessionInvalid)
		}
		return nil, apperr.Internal("failed to load session", err)
	}
	if !session.IsValid(now) {
		return nil, apperr.NewCode(apperr.KindAuthentication, apperr.CodeSessionInvalid, msgSessionInvalid)
	}

	claims, err := s.jwt.ParseToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			return nil, apperr.WrapCode(apperr.KindAuthentication, apperr.CodeTokenExpired, msgTokenExpired, err)
		}
		return nil, apperr.WrapCode(apperr.KindAuthentication, apperr.CodeTokenMalformed, msgTokenMalformed, err)
	}
	if claims.UserID != session.UserID {
		return nil, apperr.NewCode(apperr.KindAuthentication, apperr.CodeSessionInvalid, msgSessionInvalid)
	}

	user, err := s.repo.GetUserByID(ctx, session.UserID)
	if err != nil {
		if model.IsNotFound(err) {
			return nil, apperr.NewCode(apperr.KindAuthentication, apperr.CodeSessionInvalid, msgSessionInvalid)
		}
		return nil, apperr.Internal("failed to load user", err)
	}
	if err := checkUsable(user, now); err != nil {
		return nil, err
	}
	if claims.Role != user.Role {
		logrus.WithFields(logrus.Fields{
			"user_id":    user.ID,
			"token_role": claims.Role,
			"db_role":    user.Role,
		}).Warn("token_role_mismatch")
	}

	if err := s.repo.TouchSession(ctx, session.ID, now); err != nil {
		logrus.WithError(err).WithField("session_id", session.ID).Warn("touch_session_failed")
	}

	return &Identity{
		Owner:   entity.UserOwner(user.ID),
		User:    user,
		Session: session,
		Claims:  claims,
		Token:   token,
	}, nil
}

// Refresh 轮换 refresh token，传入 bearer 时必须属于同一个用户
func (s *SessionService) Refresh(ctx context.Context, refreshToken, bearer string, meta ClientMeta) (*LoginResult, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, apperr.Validation("refreshToken is required")
	}
	now := s.now()
	invalid := apperr.NewCode(apperr.KindAuthentication, apperr.CodeRefreshInvalid, msgRefreshInvalid)

	old, err := s.repo.GetSessionByRefreshHash(ctx, auth.HashToken(refreshToken))
	if err != nil {
		if model.IsNotFound(err) {
			return nil, invalid
		}
		return nil, apperr.Internal("failed to load session", err)
	}
	if !old.IsValid(now) {
		return nil, invalid
	}

	if bearer = strings.TrimSpace(bearer); bearer != "" {
		current, err := s.repo.GetSessionByTokenHash(ctx, auth.HashToken(bearer))
		if err != nil && !model.IsNotFound(err) {
			return nil, apperr.Internal("failed to load session", err)
		}
		if current == nil || current.UserID != old.UserID {
			return nil, invalid
		}
	}

	user, err := s.repo.GetUserByID(ctx, old.UserID)
	if err != nil {
		if model.IsNotFound(err) {
			return nil, invalid
		}
		return nil, apperr.Internal("failed to load user", err)
	}
	if err := checkUsable(user, now); err != nil {
		return nil, err
	}

	token, claims, err := s.jwt.GenerateToken(user, s.cfg.RefreshedTTL)
	if err != nil {
		return nil, apperr.Internal("failed to issue token", err)
	}
	nextRefresh, err := auth.NewRefreshToken()
	if err != nil {
		return nil, apperr.Internal("failed to issue refresh token", err)
	}
	next := s.newSession(user.ID, token, nextRefresh, claims, meta, now)
	if err := s.repo.RotateSession(ctx, old.ID, next, now); err != nil {
		if errors.Is(err, model.ErrSessionRevoked) {
			return nil, invalid
		}
		return nil, apperr.Internal("failed to rotate session", err)
	}

	return &LoginResult{
		User:         user.Summary(),
		Token:        token,
		RefreshToken: nextRefresh,
		ExpiresAt:    claims.ExpiresAt.Time,
	}, nil
}

// Logout 撤销 token 对应的会话
func (s *SessionService) Logout(ctx context.Context, token string) error {
	if _, err := s.repo.RevokeSession(ctx, auth.HashToken(token), s.now()); err != nil {
		return apperr.Internal("failed to revoke session", err)
	}
	return nil
}

// LogoutAll 撤销用户所有有效会话，可保留 currentToken 对应的那个
func (s *SessionService) LogoutAll(ctx context.Context, userID uint, currentToken string, keepCurrent bool) (int64, error) {
	except := ""
	if keepCurrent && strings.TrimSpace(currentToken) != "" {
		except = auth.HashToken(currentToken)
	}
	n, err := s.repo.RevokeUserSessions(ctx, userID, except, s.now())
	if err != nil {
		return 0, apperr.Internal("failed to revoke sessions", err)
	}
	return n, nil
}

// ListSessions 返回用户的活跃设备，并标记调用者自己的会话
func (s *SessionService) ListSessions(ctx context.Context, userID uint, currentToken string) ([]entity.SessionSummary, error) {
	sessions, err := s.repo.ListActiveSessions(ctx, userID, s.now())
	if err != nil {
		return nil, apperr.Internal("failed to list sessions", err)
	}
	currentHash := ""
	if currentToken != "" {
		currentHash = auth.HashToken(currentToken)
	}
	out := make([]entity.SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, entity.SessionSummary{
			ID:         sess.ID,
			UserAgent:  sess.UserAgent,
			IPAddress:  sess.IPAddress,
			CreatedAt:  sess.CreatedAt,
			ExpiresAt:  sess.ExpiresAt,
			LastUsedAt: sess.LastUsedAt,
			Current:    currentHash != "" && sess.TokenHash == currentHash,
		})
	}
	return out, nil
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max]
}
