package entity

import "time"

// DbSession is one signed-in device: an access token plus its refresh token.
type DbSession struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	UserID    uint      `gorm:"column:user_id;index;not null" json:"user_id"`
	// sha256 of the bearer token and the refresh token; the plain values are never stored
	TokenHash   string     `gorm:"column:token_hash;type:varchar(64);uniqueIndex;not null" json:"-"`
	RefreshHash string     `gorm:"column:refresh_hash;type:varchar(64);uniqueIndex;not null" json:"-"`
	JTI         string     `gorm:"column:jti;type:varchar(64);index" json:"-"`
	UserAgent   string     `gorm:"column:user_agent;type:varchar(512)" json:"user_agent"`
	IPAddress   string     `gorm:"column:ip_address;type:varchar(64)" json:"ip_address"`
	ExpiresAt   time.Time  `gorm:"column:expires_at;index;not null" json:"expires_at"`
	RevokedAt   *time.Time `gorm:"column:revoked_at;index" json:"revoked_at,omitempty"`
	LastUsedAt  *time.Time `gorm:"column:last_used_at" json:"last_used_at,omitempty"`

	User *DbUser `gorm:"foreignKey:UserID" json:"-"`
}

func (DbSession) TableName() string {
	return "sessions"
}

// IsValid reports whether the session is neither revoked nor expired at now.
func (s *DbSession) IsValid(now time.Time) bool {
	return s != nil && s.RevokedAt == nil && s.ExpiresAt.After(now)
}

// DbAnonymousSession backs the anonymousId cookie of visitors who have not signed in.
type DbAnonymousSession struct {
	ID              uint      `gorm:"primarykey" json:"id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	AnonymousID     string    `gorm:"column:anonymous_id;type:varchar(64);uniqueIndex;not null" json:"anonymous_id"`
	IPAddress       string    `gorm:"column:ip_address;type:varchar(64)" json:"ip_address"`
	UserAgent       string    `gorm:"column:user_agent;type:varchar(512)" json:"user_agent"`
	RequestCount    int       `gorm:"column:request_count;not null;default:0" json:"request_count"`
	WindowStartedAt time.Time `gorm:"column:window_started_at;not null" json:"window_started_at"`
	LastActivityAt  time.Time `gorm:"column:last_activity_at;not null" json:"last_activity_at"`
	ExpiresAt       time.Time `gorm:"column:expires_at;index;not null" json:"expires_at"`
}

func (DbAnonymousSession) TableName() string {
	return "anonymous_sessions"
}

// AnonymousTouch describes one request observed for an anonymous visitor.
type AnonymousTouch struct {
	AnonymousID string
	IPAddress   string
	UserAgent   string
	Count       bool
	// Window is the length of the request counting window.
	Window time.Duration
	// TTL extends expires_at from now.
	TTL time.Duration
	Now time.Time
}

// SessionSummary is returned when listing a user's devices.
type SessionSummary struct {
	ID         uint       `json:"id"`
	UserAgent  string     `json:"user_agent"`
	IPAddress  string     `json:"ip_address"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	Current    bool       `json:"current"`
}
