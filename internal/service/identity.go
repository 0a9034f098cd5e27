package service

import (
	"context"
	"strings"
	"time"

	"petportrait/internal/apperr"
	"petportrait/internal/auth"
	"petportrait/internal/entity"
	"petportrait/internal/model"

	"github.com/google/uuid"
)

const (
	anonymousWindow = 24 * time.Hour
	// DailyLimitMessage 匿名访客超过每日上限时的提示
	DailyLimitMessage = "Daily limit reached. Please register for more requests."
)

// Identity 请求的调用者：已登录用户或匿名访客
type Identity struct {
	Owner entity.Owner

	User    *entity.DbUser
	Session *entity.DbSession
	Claims  *auth.Claims
	// Token 已登录调用者的原始 bearer token
	Token string

	Anonymous *entity.DbAnonymousSession
	// NewAnonymousID 调用者没有可用的匿名 ID 时设置
	NewAnonymousID bool
}

func (i *Identity) IsAuthenticated() bool {
	return i != nil && i.User != nil
}

// AnonymousRequest 描述没有 bearer token 的访客
type AnonymousRequest struct {
	AnonymousID string
	IPAddress   string
	UserAgent   string
	// Count 表示该请求计入每日额度
	Count bool
}

// IdentityService 识别匿名访客并执行每日上限
type IdentityService struct {
	repo       model.Repository
	dailyLimit int
	ttl        time.Duration
	now        func() time.Time
}

func NewIdentityService(repo model.Repository, dailyLimit int, ttl time.Duration) *IdentityService {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &IdentityService{repo: repo, dailyLimit: dailyLimit, ttl: ttl, now: time.Now}
}

// NormalizeAnonymousID 合法 uuid 原样返回，否则返回空字符串
func NormalizeAnonymousID(id string) string {
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return ""
	}
	return parsed.String()
}

// ResolveAnonymous 查找或创建访客会话，需要时计数。
// 缺失或非法的 ID 会重新生成 uuid
func (s *IdentityService) ResolveAnonymous(ctx context.Context, req AnonymousRequest) (*Identity, error) {
	id := NormalizeAnonymousID(req.AnonymousID)
	minted := false
	if id == "" {
		id = uuid.NewString()
		minted = true
	}

	session, err := s.repo.TouchAnonymousSession(ctx, entity.AnonymousTouch{
		AnonymousID: id,
		IPAddress:   req.IPAddress,
		UserAgent:   req.UserAgent,
		Count:       req.Count,
		Window:      anonymousWindow,
		TTL:         s.ttl,
		Now:         s.now(),
	})
	if err != nil {
		return nil, apperr.Internal("failed to resolve anonymous session", err)
	}

	return &Identity{
		Owner:          entity.AnonymousOwner(id),
		Anonymous:      session,
		NewAnonymousID: minted,
	}, nil
}

// CheckQuota 拒绝超过每日上限的匿名调用者，已登录用户由积分限制
func (s *IdentityService) CheckQuota(identity *Identity) error {
	if identity == nil || identity.IsAuthenticated() || identity.Anonymous == nil {
		return nil
	}
	if s.dailyLimit > 0 && identity.Anonymous.RequestCount > s.dailyLimit {
		return apperr.NewCode(apperr.KindRateLimited, apperr.CodeDailyLimitReached, DailyLimitMessage).
			WithDetails(map[string]any{"limit": s.dailyLimit})
	}
	return nil
}
