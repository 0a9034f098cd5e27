package entity

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidOwner is returned when a row has both or neither owner column set.
var ErrInvalidOwner = errors.New("exactly one of user_id or anonymous_id must be set")

// Owner identifies who a row belongs to: an authenticated user or an
// anonymous visitor, never both.
type Owner struct {
	UserID      uint
	AnonymousID string
}

func UserOwner(id uint) Owner { return Owner{UserID: id} }

func AnonymousOwner(id string) Owner { return Owner{AnonymousID: strings.TrimSpace(id)} }

func (o Owner) IsZero() bool { return o.UserID == 0 && o.AnonymousID == "" }

func (o Owner) IsUser() bool { return o.UserID != 0 }

// Valid reports whether exactly one identity is set.
func (o Owner) Valid() bool {
	return (o.UserID != 0) != (o.AnonymousID != "")
}

// Columns returns the nullable column values for persistence.
func (o Owner) Columns() (*uint, *string) {
	if o.UserID != 0 {
		id := o.UserID
		return &id, nil
	}
	if o.AnonymousID != "" {
		anon := o.AnonymousID
		return nil, &anon
	}
	return nil, nil
}

// Owns reports whether the given owner columns identify o.
func (o Owner) Owns(userID *uint, anonymousID *string) bool {
	if o.UserID != 0 {
		return userID != nil && *userID == o.UserID
	}
	if o.AnonymousID != "" {
		return anonymousID != nil && *anonymousID == o.AnonymousID
	}
	return false
}

// Token is a filesystem-safe identifier used in generated filenames.
func (o Owner) Token() string {
	if o.UserID != 0 {
		return fmt.Sprintf("user%d", o.UserID)
	}
	var b strings.Builder
	for _, ch := range strings.ToLower(o.AnonymousID) {
		if (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') || ch == '-' {
			b.WriteRune(ch)
		}
	}
	if b.Len() == 0 {
		return "anonymous"
	}
	return b.String()
}

func (o Owner) String() string {
	if o.UserID != 0 {
		return fmt.Sprintf("user:%d", o.UserID)
	}
	if o.AnonymousID != "" {
		return "anon:" + o.AnonymousID
	}
	return "none"
}

// OwnerFromColumns rebuilds an Owner from a row's nullable columns.
func OwnerFromColumns(userID *uint, anonymousID *string) Owner {
	var o Owner
	if userID != nil {
		o.UserID = *userID
	}
	if anonymousID != nil {
		o.AnonymousID = *anonymousID
	}
	return o
}

func validateOwnerColumns(userID *uint, anonymousID *string) error {
	hasUser := userID != nil && *userID != 0
	hasAnon := anonymousID != nil && strings.TrimSpace(*anonymousID) != ""
	if hasUser == hasAnon {
		return ErrInvalidOwner
	}
	return nil
}
