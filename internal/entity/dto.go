package entity

import "time"

// ImageView is the client representation of an image.
type ImageView struct {
	ID               uint      `json:"id"`
	Filename         string    `json:"filename"`
	OriginalFilename string    `json:"original_filename,omitempty"`
	URL              string    `json:"url"`
	Type             string    `json:"type"`
	MimeType         string    `json:"mime_type"`
	FileSize         int64     `json:"file_size"`
	Prompt           string    `json:"prompt,omitempty"`
	AnalysisData     JSONMap   `json:"analysis_data,omitempty"`
	Metadata         JSONMap   `json:"metadata,omitempty"`
	IsPublic         bool      `json:"is_public"`
	ViewsCount       int64     `json:"views_count"`
	LikesCount       int64     `json:"likes_count"`
	CreatedAt        time.Time `json:"created_at"`
}

// GenerationView is the client representation of a generation.
type GenerationView struct {
	ID                uint       `json:"id"`
	RequestID         string     `json:"request_id,omitempty"`
	Status            string     `json:"status"`
	Progress          float64    `json:"progress"`
	Prompt            string     `json:"prompt"`
	SourceImageID     *uint      `json:"source_image_id,omitempty"`
	GeneratedFilename string     `json:"generated_filename,omitempty"`
	URL               string     `json:"url,omitempty"`
	CreditsSpent      int        `json:"credits_spent"`
	ProcessingTimeMs  int64      `json:"processing_time_ms"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	Provider          string     `json:"provider"`
	ModelName         string     `json:"model_name"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// View converts the row using urlFor to build the public address.
func (i *DbImage) View(urlFor func(key string) string) ImageView {
	url := i.StorageKey
	if urlFor != nil {
		url = urlFor(i.StorageKey)
	}
	return ImageView{
		ID:               i.ID,
		Filename:         i.Filename,
		OriginalFilename: i.OriginalFilename,
		URL:              url,
		Type:             i.Type,
		MimeType:         i.MimeType,
		FileSize:         i.FileSize,
		Prompt:           i.Prompt,
		AnalysisData:     i.AnalysisData,
		Metadata:         i.Metadata,
		IsPublic:         i.IsPublic,
		ViewsCount:       i.ViewsCount,
		LikesCount:       i.LikesCount,
		CreatedAt:        i.CreatedAt,
	}
}

// View converts the row; the result URL is only set once a file exists.
func (g *DbGeneration) View(urlFor func(key string) string) GenerationView {
	view := GenerationView{
		ID:               g.ID,
		RequestID:        g.RequestID(),
		Status:           g.Status,
		Progress:         g.Progress,
		Prompt:           g.Prompt,
		SourceImageID:    g.SourceImageID,
		CreditsSpent:     g.CreditsSpent,
		ProcessingTimeMs: g.ProcessingTimeMs,
		ErrorMessage:     g.ErrorMessage,
		Provider:         g.Provider,
		ModelName:        g.ModelName,
		CreatedAt:        g.CreatedAt,
		CompletedAt:      g.CompletedAt,
	}
	if g.GeneratedFilename != nil && *g.GeneratedFilename != "" {
		view.GeneratedFilename = *g.GeneratedFilename
		key := g.Parameters.String(ParamResultKey)
		if key == "" {
			key = *g.GeneratedFilename
		}
		if urlFor != nil {
			view.URL = urlFor(key)
		}
	}
	return view
}

// GoogleTokenRequest 客户端直接提交 Google ID Token 登录
type GoogleTokenRequest struct {
	IDToken string `json:"idToken"`
}

// RefreshTokenRequest 轮换刷新令牌
type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// LogoutAllRequest 注销全部会话，可保留当前会话
type LogoutAllRequest struct {
	KeepCurrent bool `json:"keepCurrent"`
}

// GrantCreditsRequest 管理员为用户充值积分
type GrantCreditsRequest struct {
	Amount int `json:"amount"`
}

// ProfileResponse 用户资料与生成统计
type ProfileResponse struct {
	User  UserSummary     `json:"user"`
	Stats GenerationStats `json:"stats"`
}
