package entity

import "time"

const (
	UserRoleAdmin     = "admin"
	UserRoleModerator = "moderator"
	UserRoleUser      = "user"
)

// DbUser represents an account created through Google sign-in.
type DbUser struct {
	ID          uint       `gorm:"primarykey" json:"id"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	GoogleID    string     `gorm:"column:google_id;type:varchar(64);uniqueIndex;not null" json:"-"`
	Email       string     `gorm:"column:email;type:varchar(255);index;not null" json:"email"`
	DisplayName string     `gorm:"column:display_name;type:varchar(255)" json:"display_name"`
	AvatarURL   string     `gorm:"column:avatar_url;type:varchar(1024)" json:"avatar_url"`
	Role        string     `gorm:"column:role;type:varchar(32);index;not null;default:user" json:"role"`
	Credits     int        `gorm:"column:credits;not null;default:0;check:chk_users_credits,credits >= 0" json:"credits"`
	Settings    JSONMap    `gorm:"column:settings;type:text" json:"settings,omitempty"`
	IsActive    bool       `gorm:"column:is_active;not null;default:true" json:"is_active"`
	BannedUntil *time.Time `gorm:"column:banned_until" json:"banned_until,omitempty"`
	LastLoginAt *time.Time `gorm:"column:last_login_at" json:"last_login_at,omitempty"`
}

// TableName overrides default pluralised name.
func (DbUser) TableName() string {
	return "users"
}

// IsBanned reports whether the ban is still in force at now.
func (u *DbUser) IsBanned(now time.Time) bool {
	return u != nil && u.BannedUntil != nil && u.BannedUntil.After(now)
}

// IsAdmin reports whether the user may use admin endpoints.
func (u *DbUser) IsAdmin() bool {
	return u != nil && u.Role == UserRoleAdmin
}

// GoogleProfile is the verified identity extracted from a Google ID token.
type GoogleProfile struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
}

// UserSummary is a lightweight user description returned to clients.
type UserSummary struct {
	ID          uint       `json:"id"`
	Email       string     `json:"email"`
	DisplayName string     `json:"name"`
	AvatarURL   string     `json:"picture"`
	Role        string     `json:"role"`
	Credits     int        `json:"credits"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Summary converts the row into its client representation.
func (u *DbUser) Summary() UserSummary {
	if u == nil {
		return UserSummary{}
	}
	return UserSummary{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		Role:        u.Role,
		Credits:     u.Credits,
		LastLoginAt: u.LastLoginAt,
		CreatedAt:   u.CreatedAt,
	}
}
