package entity

import (
	"time"

	"gorm.io/gorm"
)

const (
	ImageTypeOriginal  = "original"
	ImageTypeGenerated = "generated"
	ImageTypeProcessed = "processed"
)

// IsValidImageType reports whether t is one of the known image type tags.
func IsValidImageType(t string) bool {
	switch t {
	case ImageTypeOriginal, ImageTypeGenerated, ImageTypeProcessed:
		return true
	default:
		return false
	}
}

// DbImage is an uploaded or produced picture.
type DbImage struct {
	ID               uint       `gorm:"primarykey" json:"id"`
	CreatedAt        time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	UserID           *uint      `gorm:"column:user_id;index;check:chk_images_owner,(user_id IS NULL) <> (anonymous_id IS NULL)" json:"user_id,omitempty"`
	AnonymousID      *string    `gorm:"column:anonymous_id;type:varchar(64);index" json:"anonymous_id,omitempty"`
	Filename         string     `gorm:"column:filename;type:varchar(255);uniqueIndex;not null" json:"filename"`
	OriginalFilename string     `gorm:"column:original_filename;type:varchar(255)" json:"original_filename"`
	StorageKey       string     `gorm:"column:storage_key;type:varchar(512);not null" json:"-"`
	FileSize         int64      `gorm:"column:file_size;not null;default:0" json:"file_size"`
	MimeType         string     `gorm:"column:mime_type;type:varchar(64)" json:"mime_type"`
	ContentHash      string     `gorm:"column:content_hash;type:varchar(64);index" json:"-"`
	Type             string     `gorm:"column:type;type:varchar(16);index;not null;default:original" json:"type"`
	AnalysisData     JSONMap    `gorm:"column:analysis_data;type:text" json:"analysis_data,omitempty"`
	Prompt           string     `gorm:"column:prompt;type:text" json:"prompt,omitempty"`
	Metadata         JSONMap    `gorm:"column:metadata;type:text" json:"metadata,omitempty"`
	IsPublic         bool       `gorm:"column:is_public;not null;default:false" json:"is_public"`
	ViewsCount       int64      `gorm:"column:views_count;not null;default:0" json:"views_count"`
	LikesCount       int64      `gorm:"column:likes_count;not null;default:0" json:"likes_count"`
	IsDeleted        bool       `gorm:"column:is_deleted;not null;default:false;index" json:"-"`
	DeletedAt        *time.Time `gorm:"column:deleted_at" json:"-"`
	FilePurgedAt     *time.Time `gorm:"column:file_purged_at" json:"-"`
}

func (DbImage) TableName() string {
	return "images"
}

// BeforeCreate enforces the single-owner rule.
func (i *DbImage) BeforeCreate(_ *gorm.DB) error {
	return validateOwnerColumns(i.UserID, i.AnonymousID)
}

// Owner returns who the image belongs to.
func (i *DbImage) Owner() Owner {
	return OwnerFromColumns(i.UserID, i.AnonymousID)
}

// SetOwner stores o into the nullable owner columns.
func (i *DbImage) SetOwner(o Owner) {
	i.UserID, i.AnonymousID = o.Columns()
}

// ImageQuery lists an owner's images.
type ImageQuery struct {
	BaseParams
	Owner Owner  `form:"-"`
	Type  string `form:"type"`
}
