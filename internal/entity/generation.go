package entity

import (
	"math"
	"time"

	"gorm.io/gorm"
)

const (
	GenerationStatusPending    = "pending"
	GenerationStatusProcessing = "processing"
	GenerationStatusCompleted  = "completed"
	GenerationStatusFailed     = "failed"
	GenerationStatusCancelled  = "cancelled"
)

// Parameters keys
const (
	ParamRequestID   = "request_id"
	ParamModel       = "model"
	ParamSeed        = "seed"
	ParamSteps       = "steps"
	ParamResultKey   = "result_key"
	ParamOriginalKey = "original_key"
	ParamContentHash = "content_hash"
	ParamRefunded    = "refunded"
)

// ActiveGenerationStatuses are the states a generation may still leave.
var ActiveGenerationStatuses = []string{GenerationStatusPending, GenerationStatusProcessing}

// AllGenerationStatuses lists every status in lifecycle order.
var AllGenerationStatuses = []string{
	GenerationStatusPending,
	GenerationStatusProcessing,
	GenerationStatusCompleted,
	GenerationStatusFailed,
	GenerationStatusCancelled,
}

// IsTerminalStatus reports whether status can no longer change.
func IsTerminalStatus(status string) bool {
	switch status {
	case GenerationStatusCompleted, GenerationStatusFailed, GenerationStatusCancelled:
		return true
	default:
		return false
	}
}

// IsValidGenerationStatus reports whether status is a known lifecycle state.
func IsValidGenerationStatus(status string) bool {
	for _, s := range AllGenerationStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// DbGeneration is one attempt to transform a source image through a vendor.
type DbGeneration struct {
	ID                uint       `gorm:"primarykey" json:"id"`
	CreatedAt         time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	UserID            *uint      `gorm:"column:user_id;index;check:chk_generations_owner,(user_id IS NULL) <> (anonymous_id IS NULL)" json:"user_id,omitempty"`
	AnonymousID       *string    `gorm:"column:anonymous_id;type:varchar(64);index" json:"anonymous_id,omitempty"`
	SourceImageID     *uint      `gorm:"column:source_image_id;index" json:"source_image_id,omitempty"`
	Prompt            string     `gorm:"column:prompt;type:text" json:"prompt"`
	NegativePrompt    string     `gorm:"column:negative_prompt;type:text" json:"negative_prompt,omitempty"`
	Parameters        JSONMap    `gorm:"column:parameters;type:text" json:"parameters,omitempty"`
	VendorRequestID   *string    `gorm:"column:vendor_request_id;type:varchar(128);uniqueIndex" json:"request_id,omitempty"`
	GeneratedFilename *string    `gorm:"column:generated_filename;type:varchar(255)" json:"generated_filename,omitempty"`
	Status            string     `gorm:"column:status;type:varchar(16);index;not null;default:pending" json:"status"`
	Progress          float64    `gorm:"column:progress;not null;default:0" json:"progress"`
	CreditsSpent      int        `gorm:"column:credits_spent;not null;default:0" json:"credits_spent"`
	ProcessingTimeMs  int64      `gorm:"column:processing_time_ms;not null;default:0" json:"processing_time_ms"`
	ErrorMessage      string     `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	Provider          string     `gorm:"column:provider;type:varchar(32)" json:"provider"`
	ModelName         string     `gorm:"column:model_name;type:varchar(128)" json:"model_name"`
	CompletedAt       *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`

	SourceImage *DbImage `gorm:"foreignKey:SourceImageID" json:"-"`
}

func (DbGeneration) TableName() string {
	return "generations"
}

// BeforeCreate enforces the single-owner rule.
func (g *DbGeneration) BeforeCreate(_ *gorm.DB) error {
	return validateOwnerColumns(g.UserID, g.AnonymousID)
}

func (g *DbGeneration) Owner() Owner {
	return OwnerFromColumns(g.UserID, g.AnonymousID)
}

func (g *DbGeneration) SetOwner(o Owner) {
	g.UserID, g.AnonymousID = o.Columns()
}

// IsTerminal reports whether the generation reached a final state.
func (g *DbGeneration) IsTerminal() bool {
	return g != nil && IsTerminalStatus(g.Status)
}

// RequestID returns the vendor request id or an empty string.
func (g *DbGeneration) RequestID() string {
	if g == nil || g.VendorRequestID == nil {
		return ""
	}
	return *g.VendorRequestID
}

// GenerationQuery lists an owner's generations.
type GenerationQuery struct {
	BaseParams
	Owner  Owner  `form:"-"`
	Status string `form:"status"`
}

// GenerationDraft groups the rows written when a generation request is accepted.
type GenerationDraft struct {
	Image      *DbImage
	Generation *DbGeneration
	// Cost is debited from the owning user in the same transaction; ignored for anonymous owners.
	Cost int
}

// GenerationCompletion describes a successful vendor result.
type GenerationCompletion struct {
	Filename         string
	ProcessingTimeMs int64
	Result           *DbImage
	Parameters       JSONMap
	Now              time.Time
}

// GenerationFailure describes a terminal non-success transition.
type GenerationFailure struct {
	// Status is failed or cancelled.
	Status  string
	Message string
	Refund  bool
	Now     time.Time
}

// GenerationStats aggregates an owner's generation history.
type GenerationStats struct {
	Total        int64            `json:"total"`
	ByStatus     map[string]int64 `json:"by_status"`
	Completed    int64            `json:"completed"`
	Failed       int64            `json:"failed"`
	Pending      int64            `json:"pending"`
	Processing   int64            `json:"processing"`
	Cancelled    int64            `json:"cancelled"`
	SuccessRate  float64          `json:"success_rate"`
	CreditsSpent int64            `json:"credits_spent"`
}

// NewGenerationStats derives totals and success rate from counts per status.
func NewGenerationStats(byStatus map[string]int64, creditsSpent int64) GenerationStats {
	stats := GenerationStats{ByStatus: make(map[string]int64, len(AllGenerationStatuses)), CreditsSpent: creditsSpent}
	for _, s := range AllGenerationStatuses {
		stats.ByStatus[s] = byStatus[s]
	}
	for _, n := range byStatus {
		stats.Total += n
	}
	stats.Completed = stats.ByStatus[GenerationStatusCompleted]
	stats.Failed = stats.ByStatus[GenerationStatusFailed]
	stats.Pending = stats.ByStatus[GenerationStatusPending]
	stats.Processing = stats.ByStatus[GenerationStatusProcessing]
	stats.Cancelled = stats.ByStatus[GenerationStatusCancelled]
	stats.SuccessRate = SuccessRate(stats.Completed, stats.Total)
	return stats
}

// SuccessRate is completed/total*100 rounded to two decimals, 0 when total is 0.
func SuccessRate(completed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(completed)/float64(total)*100*100) / 100
}
