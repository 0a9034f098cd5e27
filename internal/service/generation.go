package service

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"petportrait/internal/analysis"
	"petportrait/internal/apperr"
	"petportrait/internal/config"
	"petportrait/internal/entity"
	"petportrait/internal/imaging"
	"petportrait/internal/llm"
	"petportrait/internal/metrics"
	"petportrait/internal/model"
	"petportrait/internal/storage"
	"petportrait/internal/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	msgGenerationNotFound = "Generation not found"
	msgAccessDenied       = "Access denied"
	msgVendorTimeout      = "image provider did not respond in time, please retry"
	msgVendorFailed       = "image generation failed"
)

// GenerationConfig 生成流程的配置
type GenerationConfig struct {
	Cost             int
	DedupePolicy     string
	PromptStrategy   string
	StylePrompt      string
	NegativePrompt   string
	VendorTimeout    time.Duration
	MaxDownloadBytes int64
}

// GenerationConfigFrom 从全局配置中取出生成相关的设置
func GenerationConfigFrom(cfg config.Config) GenerationConfig {
	return GenerationConfig{
		Cost:           cfg.GenerationCost,
		DedupePolicy:   strings.ToLower(strings.TrimSpace(cfg.DedupePolicy)),
		PromptStrategy: strings.ToLower(strings.TrimSpace(cfg.PromptStrategy)),
		StylePrompt:    cfg.StylePrompt,
		NegativePrompt: cfg.NegativePrompt,
		VendorTimeout:  cfg.VendorTimeout,
	}
}

// GenerationDeps 是 GenerationService 的依赖，Protected 与 Analyzer 可以为空
type GenerationDeps struct {
	Repo       model.Repository
	Identity   *IdentityService
	Intake     *IntakeService
	Generator  llm.Generator
	Analyzer   analysis.Analyzer
	Watermark  *imaging.Watermarker
	Public     storage.Storage
	Protected  storage.Storage
	HTTPClient *http.Client
}

// ProcessResult 是 Process 的返回值
type ProcessResult struct {
	Generation entity.GenerationView `json:"generation"`
	Image      *entity.ImageView     `json:"image,omitempty"`
	// Reused 表示返回的是同一上传此前的生成
	Reused bool `json:"reused,omitempty"`
}

// GenerationService 负责 上传 → 提交 → 轮询 → 收尾 的完整流程
type GenerationService struct {
	GenerationDeps
	cfg GenerationConfig
	now func() time.Time
}

func NewGenerationService(deps GenerationDeps, cfg GenerationConfig) (*GenerationService, error) {
	if deps.Repo == nil || deps.Intake == nil || deps.Generator == nil || deps.Public == nil {
		return nil, errors.New("generation service: repository, intake, generator and storage are required")
	}
	if deps.Watermark == nil {
		wm, err := imaging.NewWatermarker(imaging.DefaultWatermarkText, imaging.DefaultWatermarkOpacity)
		if err != nil {
			return nil, err
		}
		deps.Watermark = wm
	}
	if deps.Analyzer == nil {
		deps.Analyzer = analysis.None{}
	}
	if cfg.VendorTimeout <= 0 {
		cfg.VendorTimeout = 60 * time.Second
	}
	if cfg.MaxDownloadBytes <= 0 {
		cfg.MaxDownloadBytes = llm.DefaultMaxDownloadBytes
	}
	if cfg.Cost < 0 {
		cfg.Cost = 0
	}
	return &GenerationService{GenerationDeps: deps, cfg: cfg, now: time.Now}, nil
}

// URL 返回存储对象的公开地址
func (s *GenerationService) URL(key string) string { return s.Public.URL(key) }

func (s *GenerationService) logger(gen *entity.DbGeneration) *logrus.Entry {
	fields := logrus.Fields{"provider": s.Generator.Name()}
	if gen != nil {
		fields["generation_id"] = gen.ID
		if id := gen.RequestID(); id != "" {
			fields["request_id"] = id
		}
	}
	return logrus.WithFields(fields)
}

// Process 接收上传，扣除积分并提交任务
func (s *GenerationService) Process(ctx context.Context, identity *Identity, fh *multipart.FileHeader) (*ProcessResult, error) {
	if identity == nil || !identity.Owner.Valid() {
		return nil, apperr.Unauthenticated("unable to identify caller")
	}
	owner := identity.Owner
	if s.Identity != nil {
		if err := s.Identity.CheckQuota(identity); err != nil {
			return nil, err
		}
	}

	up, err := s.Intake.Read(fh)
	if err != nil {
		return nil, err
	}

	if s.cfg.DedupePolicy == config.DedupePolicyReuse {
		existing, err := s.Repo.FindReusableGeneration(ctx, owner, up.ContentHash)
		switch {
		case err == nil:
			s.logger(existing).Info("generation_reused")
			return &ProcessResult{Generation: existing.View(s.URL), Reused: true}, nil
		case !model.IsNotFound(err):
			return nil, apperr.Internal("failed to look up previous generations", err)
		}
	}

	prompt, negative, analysisData := s.buildPrompt(ctx, up)

	if err := s.Intake.Store(ctx, owner, up); err != nil {
		return nil, err
	}
	img := up.Image(owner)
	img.AnalysisData = analysisData
	img.Prompt = prompt

	gen := &entity.DbGeneration{
		Prompt:         prompt,
		NegativePrompt: negative,
		Provider:       s.Generator.Name(),
		ModelName:      s.Generator.Model(),
		Parameters: entity.JSONMap{
			entity.ParamContentHash: up.ContentHash,
		},
	}
	gen.SetOwner(owner)

	cost := 0
	if owner.IsUser() {
		cost = s.cfg.Cost
	}
	if err := s.Repo.CreateGeneration(ctx, &entity.GenerationDraft{Image: img, Generation: gen, Cost: cost}); err != nil {
		s.Intake.Discard(ctx, up)
		return nil, debitError(ctx, s.Repo, owner, cost, err)
	}
	metrics.ObserveGeneration(gen.Provider, entity.GenerationStatusPending)
	s.logger(gen).WithFields(logrus.Fields{
		"owner":   owner.String(),
		"credits": gen.CreditsSpent,
	}).Info("generation_created")

	submitCtx, cancel := context.WithTimeout(ctx, s.cfg.VendorTimeout)
	defer cancel()
	started := time.Now()
	submission, err := s.Generator.Submit(submitCtx, llm.SubmitRequest{
		Image:          up.Data,
		MimeType:       up.MimeType,
		Filename:       up.Filename,
		Prompt:         prompt,
		NegativePrompt: negative,
	})
	metrics.ObserveVendorCall(gen.Provider, "submit", started, err)
	if err != nil {
		return nil, s.submitFailed(ctx, gen, img, up, err)
	}

	params := mergeParams(gen.Parameters, submission.Parameters)
	imageView := img.View(s.URL)

	if s.Generator.Async() {
		requestID := strings.TrimSpace(submission.RequestID)
		if requestID == "" {
			return nil, s.submitFailed(ctx, gen, img, up, fmt.Errorf("%s returned no request id", gen.Provider))
		}
		params[entity.ParamRequestID] = requestID
		if err := s.Repo.MarkGenerationProcessing(ctx, gen.ID, requestID, params); err != nil {
			return nil, s.abandon(ctx, gen, img, up, "failed to record vendor request", err)
		}
		metrics.ObserveGeneration(gen.Provider, entity.GenerationStatusProcessing)
		gen.Status = entity.GenerationStatusProcessing
		gen.VendorRequestID = &requestID
		gen.Parameters = params
		s.logger(gen).Info("generation_submitted")
		return &ProcessResult{Generation: gen.View(s.URL), Image: &imageView}, nil
	}

	// 同步服务商没有请求号，生成一个本地请求号以便客户端按 requestId 查询
	requestID := gen.Provider + "-" + uuid.NewString()
	params[entity.ParamRequestID] = requestID
	if err := s.Repo.MarkGenerationProcessing(ctx, gen.ID, requestID, params); err != nil {
		return nil, s.abandon(ctx, gen, img, up, "failed to record vendor request", err)
	}
	gen.Status = entity.GenerationStatusProcessing
	gen.VendorRequestID = &requestID
	gen.Parameters = params

	final, err := s.finalize(ctx, gen, submission.Result)
	if err != nil {
		return nil, err
	}
	return &ProcessResult{Generation: final.View(s.URL), Image: &imageView}, nil
}

// buildPrompt 使用固定提示词或调用图片分析，分析失败不影响请求
func (s *GenerationService) buildPrompt(ctx context.Context, up *Upload) (string, string, entity.JSONMap) {
	prompt := strings.TrimSpace(s.cfg.StylePrompt)
	if prompt == "" {
		prompt = BrandPrompt
	}
	negative := strings.TrimSpace(s.cfg.NegativePrompt)
	if negative == "" {
		negative = BrandNegativePrompt
	}
	if s.cfg.PromptStrategy != config.PromptStrategyAnalysis {
		return prompt, negative, nil
	}

	result, err := s.Analyzer.Analyze(ctx, up.Data, up.MimeType)
	if err != nil {
		logrus.WithError(err).WithField("analyzer", s.Analyzer.Name()).Warn("image_analysis_failed")
		return analysis.FallbackPrompt, negative, nil
	}
	return s.Analyzer.Prompt(ctx, result), negative, result.ToMap()
}

// submitFailed 处理提交失败。超时的记录保持 pending，由 reconciler 退款收尾；
// 没有请求号就无法轮询，所以上传文件总是立即删除。
func (s *GenerationService) submitFailed(ctx context.Context, gen *entity.DbGeneration, img *entity.DbImage, up *Upload, cause error) error {
	logger := s.logger(gen).WithError(cause)
	if llm.IsTimeout(cause) {
		logger.Warn("generation_submit_timeout")
		s.releaseUpload(ctx, img, up)
		return apperr.WrapCode(apperr.KindUpstreamTimeout, apperr.CodeUpstreamTimeout, msgVendorTimeout, cause)
	}

	logger.Error("generation_submit_failed")
	s.failAndRelease(ctx, gen, img, up, failureMessage(cause))
	return apperr.Wrap(apperr.KindUpstream, msgVendorFailed, cause)
}

// abandon 提交后本地记录失败：生成置为失败并退款，清理上传
func (s *GenerationService) abandon(ctx context.Context, gen *entity.DbGeneration, img *entity.DbImage, up *Upload, message string, cause error) error {
	s.logger(gen).WithError(cause).Error("generation_record_failed")
	s.failAndRelease(ctx, gen, img, up, message)
	return apperr.Internal(message, cause)
}

func (s *GenerationService) failAndRelease(ctx context.Context, gen *entity.DbGeneration, img *entity.DbImage, up *Upload, message string) {
	won, err := s.Repo.FinishGeneration(context.WithoutCancel(ctx), gen.ID, entity.GenerationFailure{
		Status:  entity.GenerationStatusFailed,
		Message: message,
		Refund:  true,
		Now:     s.now(),
	})
	switch {
	case err != nil:
		s.logger(gen).WithError(err).Error("generation_fail_record_failed")
	case won:
		metrics.ObserveGeneration(gen.Provider, entity.GenerationStatusFailed)
	}
	s.releaseUpload(ctx, img, up)
}

// releaseUpload 删除已写入的原图并软删除对应的 Image 记录
func (s *GenerationService) releaseUpload(ctx context.Context, img *entity.DbImage, up *Upload) {
	s.Intake.Discard(ctx, up)
	if img == nil || img.ID == 0 {
		return
	}
	if err := s.Repo.SoftDeleteImage(context.WithoutCancel(ctx), img.ID, s.now()); err != nil && !model.IsNotFound(err) {
		logrus.WithError(err).WithField("image_id", img.ID).Warn("source_image_delete_failed")
	}
}

// Poll 返回调用者的生成记录，仍在进行中时向服务商刷新状态
func (s *GenerationService) Poll(ctx context.Context, identity *Identity, requestID string) (*entity.GenerationView, error) {
	gen, err := s.owned(ctx, identity, requestID)
	if err != nil {
		return nil, err
	}
	refreshed, err := s.Refresh(ctx, gen)
	if err != nil {
		return nil, err
	}
	view := refreshed.View(s.URL)
	return &view, nil
}

// Cancel 把进行中的生成置为已取消并退款
func (s *GenerationService) Cancel(ctx context.Context, identity *Identity, requestID string) (*entity.GenerationView, error) {
	gen, err := s.owned(ctx, identity, requestID)
	if err != nil {
		return nil, err
	}
	if gen.IsTerminal() {
		return nil, apperr.Validation(fmt.Sprintf("generation is already %s", gen.Status))
	}
	won, err := s.Repo.FinishGeneration(ctx, gen.ID, entity.GenerationFailure{
		Status:  entity.GenerationStatusCancelled,
		Message: "cancelled by user",
		Refund:  true,
		Now:     s.now(),
	})
	if err != nil {
		return nil, apperr.Internal("failed to cancel generation", err)
	}
	if won {
		metrics.ObserveGeneration(gen.Provider, entity.GenerationStatusCancelled)
		s.logger(gen).Info("generation_cancelled")
	}
	stored, err := s.reload(ctx, gen.ID)
	if err != nil {
		return nil, err
	}
	view := stored.View(s.URL)
	return &view, nil
}

func (s *GenerationService) owned(ctx context.Context, identity *Identity, requestID string) (*entity.DbGeneration, error) {
	if identity == nil || !identity.Owner.Valid() {
		return nil, apperr.Unauthenticated("unable to identify caller")
	}
	gen, err := s.Repo.GetGenerationByRequestID(ctx, requestID)
	if err != nil {
		if model.IsNotFound(err) {
			return nil, apperr.NotFound(msgGenerationNotFound)
		}
		return nil, apperr.Internal("failed to load generation", err)
	}
	if !identity.Owner.Owns(gen.UserID, gen.AnonymousID) {
		return nil, apperr.Forbidden(msgAccessDenied)
	}
	return gen, nil
}

// Refresh 向服务商查询进行中生成的状态并落库，终态记录原样返回。
// Poll 与 reconciler 共用
func (s *GenerationService) Refresh(ctx context.Context, gen *entity.DbGeneration) (*entity.DbGeneration, error) {
	if gen.IsTerminal() || gen.RequestID() == "" {
		return gen, nil
	}
	if gen.Provider != "" && gen.Provider != s.Generator.Name() {
		s.logger(gen).WithField("generation_provider", gen.Provider).Warn("generation_provider_mismatch")
		return gen, nil
	}

	pollCtx, cancel := context.WithTimeout(ctx, s.cfg.VendorTimeout)
	defer cancel()
	started := time.Now()
	result, err := s.Generator.Poll(pollCtx, gen.RequestID())
	metrics.ObserveVendorCall(gen.Provider, "poll", started, err)
	if err != nil {
		switch {
		case errors.Is(err, llm.ErrJobNotFound):
			return s.fail(ctx, gen, "generation job is unknown to the provider")
		case llm.IsTimeout(err):
			s.logger(gen).WithError(err).Warn("generation_poll_timeout")
			return nil, apperr.WrapCode(apperr.KindUpstreamTimeout, apperr.CodeUpstreamTimeout, msgVendorTimeout, err)
		default:
			s.logger(gen).WithError(err).Warn("generation_poll_failed")
			return nil, apperr.Wrap(apperr.KindUpstream, "failed to check generation status", err)
		}
	}

	switch result.Status {
	case llm.TaskStatusSucceeded:
		return s.finalize(ctx, gen, result.Result)
	case llm.TaskStatusFailed, llm.TaskStatusCancelled:
		message := strings.TrimSpace(result.Message)
		if message == "" {
			message = msgVendorFailed
		}
		return s.fail(ctx, gen, message)
	default:
		if err := s.Repo.UpdateGenerationProgress(ctx, gen.ID, result.Progress); err != nil {
			return nil, apperr.Internal("failed to store progress", err)
		}
		gen.Progress = result.Progress
		return gen, nil
	}
}

// fail 记录服务商侧失败并退款，返回库中的记录
func (s *GenerationService) fail(ctx context.Context, gen *entity.DbGeneration, message string) (*entity.DbGeneration, error) {
	won, err := s.Repo.FinishGeneration(ctx, gen.ID, entity.GenerationFailure{
		Status:  entity.GenerationStatusFailed,
		Message: message,
		Refund:  true,
		Now:     s.now(),
	})
	if err != nil {
		return nil, apperr.Internal("failed to record generation failure", err)
	}
	if won {
		metrics.ObserveGeneration(gen.Provider, entity.GenerationStatusFailed)
		s.logger(gen).WithField("reason", message).Warn("generation_failed")
	}
	return s.reload(ctx, gen.ID)
}

// finalize 下载结果、加水印并存储，然后完成生成。
// 配置了受保护存储时，未加水印的原图也会保存一份
func (s *GenerationService) finalize(ctx context.Context, gen *entity.DbGeneration, result *llm.Result) (*entity.DbGeneration, error) {
	logger := s.logger(gen)

	downloadCtx, cancel := context.WithTimeout(ctx, s.cfg.VendorTimeout)
	defer cancel()
	started := time.Now()
	data, mimeType, err := llm.Download(downloadCtx, s.HTTPClient, result, s.cfg.MaxDownloadBytes)
	metrics.ObserveVendorCall(gen.Provider, "download", started, err)
	if err != nil {
		if llm.IsTimeout(err) {
			logger.WithError(err).Warn("generation_download_timeout")
			return nil, apperr.WrapCode(apperr.KindUpstreamTimeout, apperr.CodeUpstreamTimeout, msgVendorTimeout, err)
		}
		logger.WithError(err).Error("generation_download_failed")
		return s.fail(ctx, gen, "failed to download generated image")
	}

	marked, err := s.Watermark.Apply(data)
	if err != nil {
		logger.WithError(err).Error("generation_watermark_failed")
		return s.fail(ctx, gen, "generated image could not be processed")
	}

	now := s.now()
	// 同一毫秒内同一用户可能完成多个生成，后缀避免覆盖
	stem := fmt.Sprintf("%d-%s-%s", now.UnixMilli(), gen.Owner().Token(), uuid.NewString()[:8])
	filename := "processed-" + stem + ".png"
	resultKey, err := s.Public.Save(ctx, marked, storage.SaveOptions{
		Filename:    filename,
		ContentType: "image/png",
	})
	if err != nil {
		return nil, apperr.Internal("failed to store generated image", err)
	}
	written := []func(){func() { s.deleteObject(ctx, s.Public, resultKey) }}

	params := mergeParams(gen.Parameters, nil)
	params[entity.ParamResultKey] = resultKey
	if s.Protected != nil {
		ext := utils.ExtensionFromMime(mimeType)
		if ext == "" {
			ext = "png"
		}
		originalKey, err := s.Protected.Save(ctx, data, storage.SaveOptions{
			Filename:    stem + "." + ext,
			ContentType: mimeType,
		})
		if err != nil {
			logger.WithError(err).Warn("protected_original_save_failed")
		} else {
			params[entity.ParamOriginalKey] = originalKey
			written = append(written, func() { s.deleteObject(ctx, s.Protected, originalKey) })
		}
	}

	processed := &entity.DbImage{
		Filename:    filename,
		StorageKey:  resultKey,
		FileSize:    int64(len(marked)),
		MimeType:    "image/png",
		ContentHash: utils.ContentHash(marked),
		Type:        entity.ImageTypeProcessed,
		Prompt:      gen.Prompt,
		Metadata: entity.JSONMap{
			"generation_id": gen.ID,
			"provider":      gen.Provider,
			"model":         gen.ModelName,
		},
	}
	if gen.SourceImageID != nil {
		processed.Metadata["source_image_id"] = *gen.SourceImageID
	}
	processed.SetOwner(gen.Owner())

	elapsed := now.Sub(gen.CreatedAt).Milliseconds()
	if gen.CreatedAt.IsZero() || elapsed < 0 {
		elapsed = 0
	}
	won, err := s.Repo.CompleteGeneration(ctx, gen.ID, entity.GenerationCompletion{
		Filename:         filename,
		ProcessingTimeMs: elapsed,
		Result:           processed,
		Parameters:       params,
		Now:              now,
	})
	if err != nil || !won {
		for _, undo := range written {
			undo()
		}
		if err != nil {
			return nil, apperr.Internal("failed to complete generation", err)
		}
		// 另一个轮询已完成该记录
		logger.Info("generation_completed_elsewhere")
		return s.reload(ctx, gen.ID)
	}

	metrics.ObserveGeneration(gen.Provider, entity.GenerationStatusCompleted)
	logger.WithFields(logrus.Fields{
		"filename":           filename,
		"processing_time_ms": elapsed,
	}).Info("generation_completed")
	return s.reload(ctx, gen.ID)
}

func (s *GenerationService) deleteObject(ctx context.Context, store storage.Storage, key string) {
	if err := store.Delete(context.WithoutCancel(ctx), key); err != nil {
		logrus.WithError(err).WithField("key", key).Warn("storage_delete_failed")
	}
}

func (s *GenerationService) reload(ctx context.Context, id uint) (*entity.DbGeneration, error) {
	gen, err := s.Repo.GetGenerationByID(ctx, id)
	if err != nil {
		return nil, apperr.Internal("failed to load generation", err)
	}
	return gen, nil
}

func mergeParams(base entity.JSONMap, extra map[string]any) entity.JSONMap {
	out := make(entity.JSONMap, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func failureMessage(err error) string {
	var vendorErr *llm.VendorError
	if errors.As(err, &vendorErr) && vendorErr.Message != "" {
		return vendorErr.Message
	}
	if err == nil {
		return msgVendorFailed
	}
	return err.Error()
}
