package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"petportrait/internal/apperr"
	"petportrait/internal/config"
	"petportrait/internal/entity"
	"petportrait/internal/llm"
	"petportrait/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessAsyncLifecycle(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{async: true}
	env := newTestEnv(t, gen, GenerationConfig{Cost: 1})
	user := newTestUser(t, env.repo, "g-1", 10)

	src := pngBytes(t, 64, 48)
	res, err := env.svc.Process(ctx, userIdentity(user), fileHeader(t, "pet.png", "image/png", src))
	require.NoError(t, err)
	assert.Equal(t, entity.GenerationStatusProcessing, res.Generation.Status)
	assert.Equal(t, "req-1", res.Generation.RequestID)
	assert.Equal(t, 1, res.Generation.CreditsSpent)
	require.NotNil(t, res.Image)
	assert.True(t, strings.HasPrefix(res.Image.Filename, "user"+fmt.Sprint(user.ID)+"-"))
	assert.True(t, fileExists(env.publicDir, res.Image.Filename))

	reloaded, err := env.repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, reloaded.Credits)

	// 处理中：只更新进度
	gen.setPoll(&llm.PollResult{Status: llm.TaskStatusRunning, Progress: 40})
	view, err := env.svc.Poll(ctx, userIdentity(user), "req-1")
	require.NoError(t, err)
	assert.Equal(t, entity.GenerationStatusProcessing, view.Status)
	assert.Equal(t, 40.0, view.Progress)

	// 完成：下载、加水印、落盘
	gen.setPoll(&llm.PollResult{Status: llm.TaskStatusSucceeded, Result: &llm.Result{Data: pngBytes(t, 32, 32), MimeType: "image/png"}})
	view, err = env.svc.Poll(ctx, userIdentity(user), "req-1")
	require.NoError(t, err)
	assert.Equal(t, entity.GenerationStatusCompleted, view.Status)
	assert.Equal(t, 100.0, view.Progress)
	require.NotEmpty(t, view.GeneratedFilename)
	assert.True(t, strings.HasPrefix(view.GeneratedFilename, "processed-"))
	assert.True(t, strings.HasSuffix(view.GeneratedFilename, "-user"+fmt.Sprint(user.ID)+".png"))
	assert.Equal(t, "/uploads/"+view.GeneratedFilename, view.URL)
	assert.True(t, fileExists(env.publicDir, view.GeneratedFilename))
	assert.Len(t, storedFiles(t, env.protectedDir), 1)

	processed, err := env.repo.GetImageByFilename(ctx, view.GeneratedFilename)
	require.NoError(t, err)
	assert.Equal(t, entity.ImageTypeProcessed, processed.Type)
	assert.Equal(t, "image/png", processed.MimeType)

	// 终态直接返回存储结果，不再请求服务商
	polls := gen.polls
	again, err := env.svc.Poll(ctx, userIdentity(user), "req-1")
	require.NoError(t, err)
	assert.Equal(t, entity.GenerationStatusCompleted, again.Status)
	assert.Equal(t, polls, gen.polls)
}

func TestProcessSyncVendorCompletesImmediately(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{result: &llm.Result{Data: pngBytes(t, 40, 30), MimeType: "image/png"}}
	env := newTestEnv(t, gen, GenerationConfig{Cost: 1})
	user := newTestUser(t, env.repo, "g-sync", 3)

	res, err := env.svc.Process(ctx, userIdentity(user), fileHeader(t, "pet.jpg", "image/png", pngBytes(t, 20, 20)))
	require.NoError(t, err)
	assert.Equal(t, entity.GenerationStatusCompleted, res.Generation.Status)
	assert.True(t, strings.HasPrefix(res.Generation.RequestID, "fake-"))
	assert.NotEmpty(t, res.Generation.URL)

	view, err := env.svc.Poll(ctx, userIdentity(user), res.Generation.RequestID)
	require.NoError(t, err)
	assert.Equal(t, entity.GenerationStatusCompleted, view.Status)
	assert.Zero(t, gen.polls)
}

func TestFinalizeSameMillisecondKeepsBothResults(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{result: &llm.Result{Data: pngBytes(t, 40, 30), MimeType: "image/png"}}
	env := newTestEnv(t, gen, GenerationConfig{Cost: 1})
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env.svc.now = func() time.Time { return fixed }
	user := newTestUser(t, env.repo, "g-burst", 5)

	var names []string
	for i := 0; i < 2; i++ {
		res, err := env.svc.Process(ctx, userIdentity(user), fileHeader(t, "pet.png", "image/png", pngBytes(t, 10+i, 10)))
		require.NoError(t, err)
		require.Equal(t, entity.GenerationStatusCompleted, res.Generation.Status)
		names = append(names, res.Generation.GeneratedFilename)
	}
	assert.NotEqual(t, names[0], names[1])
	for _, name := range names {
		assert.True(t, strings.HasPrefix(name, fmt.Sprintf("processed-%d-", fixed.UnixMilli())))
		assert.True(t, fileExists(env.publicDir, name), name)
	}
	assert.Len(t, storedFiles(t, env.protectedDir), 2)
}

func TestProcessInsufficientCreditsWritesNothing(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{async: true}
	env := newTestEnv(t, gen, GenerationConfig{Cost: 1})
	user := newTestUser(t, env.repo, "g-broke", 0)

	_, err := env.svc.Process(ctx, userIdentity(user), fileHeader(t, "pet.png", "image/png", pngBytes(t, 8, 8)))
	require.Error(t, err)
	assert.Equal(t, apperr.KindInsufficientCredits, apperr.KindOf(err))
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, 0, appErr.Details["balance"])
	assert.Equal(t, 1, appErr.Details["required"])

	assert.Empty(t, storedFiles(t, env.publicDir))
	assert.Zero(t, gen.submits)
	var images, generations int64
	env.db.Model(&entity.DbImage{}).Count(&images)
	env.db.Model(&entity.DbGeneration{}).Count(&generations)
	assert.Zero(t, images)
	assert.Zero(t, generations)
}

func TestProcessVendorFailureRefunds(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{async: true, submitErr: &llm.VendorError{Vendor: "fake", Kind: llm.FailureStatus, StatusCode: 500, Message: "boom"}}
	env := newTestEnv(t, gen, GenerationConfig{Cost: 2})
	user := newTestUser(t, env.repo, "g-fail", 5)

	_, err := env.svc.Process(ctx, userIdentity(user), fileHeader(t, "pet.png", "image/png", pngBytes(t, 8, 8)))
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))

	reloaded, err := env.repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, reloaded.Credits)
	assert.Empty(t, storedFiles(t, env.publicDir))

	var row entity.DbGeneration
	require.NoError(t, env.db.First(&row).Error)
	assert.Equal(t, entity.GenerationStatusFailed, row.Status)
	assert.Equal(t, "boom", row.ErrorMessage)
	assert.Equal(t, 1, row.CreditsSpent)
	assert.Equal(t, true, row.Parameters[entity.ParamRefunded])

	var img entity.DbImage
	require.NoError(t, env.db.First(&img).Error)
	assert.True(t, img.IsDeleted)
}

func TestProcessSubmitTimeoutKeepsGenerationPending(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{async: true, submitErr: &llm.VendorError{Vendor: "fake", Kind: llm.FailureTimeout}}
	env := newTestEnv(t, gen, GenerationConfig{Cost: 1})
	user := newTestUser(t, env.repo, "g-slow", 2)

	_, err := env.svc.Process(ctx, userIdentity(user), fileHeader(t, "pet.png", "image/png", pngBytes(t, 8, 8)))
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstreamTimeout, apperr.KindOf(err))

	var row entity.DbGeneration
	require.NoError(t, env.db.First(&row).Error)
	assert.Equal(t, entity.GenerationStatusPending, row.Status)
	assert.Equal(t, 1, row.CreditsSpent)
	assert.Empty(t, storedFiles(t, env.publicDir), "没有请求号的上传不会被轮询，文件立即删除")

	var img entity.DbImage
	require.NoError(t, env.db.First(&img, *row.SourceImageID).Error)
	assert.True(t, img.IsDeleted)
}

// markFailingRepo 让记录请求号的写入失败
type markFailingRepo struct {
	model.Repository
}

func (markFailingRepo) MarkGenerationProcessing(context.Context, uint, string, entity.JSONMap) error {
	return errors.New("db unavailable")
}

func TestProcessRecordFailureReleasesUpload(t *testing.T) {
	tests := []struct {
		name  string
		async bool
	}{
		{name: "异步提交", async: true},
		{name: "同步生成", async: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			env := newTestEnv(t, &fakeGenerator{async: tt.async}, GenerationConfig{Cost: 1})
			env.svc.Repo = markFailingRepo{Repository: env.repo}
			user := newTestUser(t, env.repo, "g-mark", 3)

			_, err := env.svc.Process(ctx, userIdentity(user), fileHeader(t, "pet.png", "image/png", pngBytes(t, 8, 8)))
			require.Error(t, err)
			assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))

			var row entity.DbGeneration
			require.NoError(t, env.db.First(&row).Error)
			assert.Equal(t, entity.GenerationStatusFailed, row.Status)
			reloaded, err := env.repo.GetUserByID(ctx, user.ID)
			require.NoError(t, err)
			assert.Equal(t, 3, reloaded.Credits)

			assert.Empty(t, storedFiles(t, env.publicDir))
			var img entity.DbImage
			require.NoError(t, env.db.First(&img, *row.SourceImageID).Error)
			assert.True(t, img.IsDeleted)
		})
	}
}

func TestPollErrors(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{async: true}
	env := newTestEnv(t, gen, GenerationConfig{Cost: 1})
	owner := newTestUser(t, env.repo, "g-owner", 3)
	other := newTestUser(t, env.repo, "g-other", 3)

	_, err := env.svc.Process(ctx, userIdentity(owner), fileHeader(t, "pet.png", "image/png", pngBytes(t, 8, 8)))
	require.NoError(t, err)

	tests := []struct {
		name      string
		identity  *Identity
		requestID string
		want      apperr.Kind
	}{
		{name: "不存在的请求", identity: userIdentity(owner), requestID: "missing", want: apperr.KindNotFound},
		{name: "他人的请求", identity: userIdentity(other), requestID: "req-1", want: apperr.KindAuthorization},
		{name: "匿名访客", identity: &Identity{Owner: entity.AnonymousOwner(uuid.NewString())}, requestID: "req-1", want: apperr.KindAuthorization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Poll(ctx, tt.identity, tt.requestID)
			require.Error(t, err)
			assert.Equal(t, tt.want, apperr.KindOf(err))
		})
	}
}

func TestPollVendorFailureAndTimeout(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{async: true}
	env := newTestEnv(t, gen, GenerationConfig{Cost: 1})
	user := newTestUser(t, env.repo, "g-poll", 1)

	_, err := env.svc.Process(ctx, userIdentity(user), fileHeader(t, "pet.png", "image/png", pngBytes(t, 8, 8)))
	require.NoError(t, err)

	gen.pollErr = &llm.VendorError{Vendor: "fake", Kind: llm.FailureTimeout}
	_, err = env.svc.Poll(ctx, userIdentity(user), "req-1")
	assert.Equal(t, apperr.KindUpstreamTimeout, apperr.KindOf(err))
	row, err := env.repo.GetGenerationByRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, entity.GenerationStatusProcessing, row.Status)

	gen.pollErr = nil
	gen.setPoll(&llm.PollResult{Status: llm.TaskStatusFailed, Message: "nsfw content"})
	view, err := env.svc.Poll(ctx, userIdentity(user), "req-1")
	require.NoError(t, err)
	assert.Equal(t, entity.GenerationStatusFailed, view.Status)
	assert.Equal(t, "nsfw content", view.ErrorMessage)

	reloaded, err := env.repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Credits)
}

func TestCancelRefundsOnce(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{async: true}
	env := newTestEnv(t, gen, GenerationConfig{Cost: 1})
	user := newTestUser(t, env.repo, "g-cancel", 4)

	_, err := env.svc.Process(ctx, userIdentity(user), fileHeader(t, "pet.png", "image/png", pngBytes(t, 8, 8)))
	require.NoError(t, err)

	view, err := env.svc.Cancel(ctx, userIdentity(user), "req-1")
	require.NoError(t, err)
	assert.Equal(t, entity.GenerationStatusCancelled, view.Status)

	_, err = env.svc.Cancel(ctx, userIdentity(user), "req-1")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	reloaded, err := env.repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, reloaded.Credits)
}

func TestProcessDedupeReuse(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{async: true}
	env := newTestEnv(t, gen, GenerationConfig{Cost: 1, DedupePolicy: config.DedupePolicyReuse})
	user := newTestUser(t, env.repo, "g-dup", 5)
	src := pngBytes(t, 16, 16)

	first, err := env.svc.Process(ctx, userIdentity(user), fileHeader(t, "a.png", "image/png", src))
	require.NoError(t, err)
	second, err := env.svc.Process(ctx, userIdentity(user), fileHeader(t, "b.png", "image/png", src))
	require.NoError(t, err)

	assert.True(t, second.Reused)
	assert.Equal(t, first.Generation.ID, second.Generation.ID)
	assert.Equal(t, 1, gen.submits)
	assert.Len(t, storedFiles(t, env.publicDir), 1)

	reloaded, err := env.repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, reloaded.Credits)
}

func TestProcessAnonymousDailyLimit(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{async: true}
	env := newTestEnv(t, gen, GenerationConfig{Cost: 1})
	anonID := uuid.NewString()

	var lastErr error
	for i := 0; i < 11; i++ {
		identity, err := env.identity.ResolveAnonymous(ctx, AnonymousRequest{AnonymousID: anonID, Count: true})
		require.NoError(t, err)
		_, lastErr = env.svc.Process(ctx, identity, fileHeader(t, "pet.png", "image/png", pngBytes(t, 4+i, 4)))
		if i < 10 {
			require.NoError(t, lastErr, "request %d", i+1)
		}
	}
	require.Error(t, lastErr)
	assert.Equal(t, apperr.KindRateLimited, apperr.KindOf(lastErr))
	assert.Equal(t, DailyLimitMessage, lastErr.(*apperr.Error).Message)
	assert.Equal(t, 10, gen.submits)
}

func TestProcessOversizeUploadWritesNothing(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{async: true}
	env := newTestEnv(t, gen, GenerationConfig{Cost: 1})
	env.svc.Intake = NewIntakeService(env.svc.Public, 1024)
	user := newTestUser(t, env.repo, "g-big", 3)

	_, err := env.svc.Process(ctx, userIdentity(user), fileHeader(t, "pet.png", "image/png", noisyPNG(t, 2048)))
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeFileTooLarge, appErr.Code)

	assert.Empty(t, storedFiles(t, env.publicDir))
	assert.Zero(t, gen.submits)
	var count int64
	require.NoError(t, env.db.Model(&entity.DbImage{}).Count(&count).Error)
	assert.Zero(t, count)
	reloaded, err := env.repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, reloaded.Credits)
}

func TestIntakeValidation(t *testing.T) {
	intake := NewIntakeService(nil, 1024)
	small := pngBytes(t, 4, 4)

	tests := []struct {
		name     string
		filename string
		ctype    string
		data     []byte
		code     string
	}{
		{name: "扩展名不允许", filename: "pet.bmp", ctype: "image/png", data: small, code: apperr.CodeInvalidFileType},
		{name: "声明类型不允许", filename: "pet.png", ctype: "application/pdf", data: small, code: apperr.CodeInvalidFileType},
		{name: "内容不是图片", filename: "pet.png", ctype: "image/png", data: []byte("plain text body"), code: apperr.CodeInvalidFileType},
		{name: "超过大小限制", filename: "pet.png", ctype: "image/png", data: noisyPNG(t, 4096), code: apperr.CodeFileTooLarge},
		{name: "刚好超过一个字节", filename: "pet.png", ctype: "image/png", data: noisyPNG(t, 1025), code: apperr.CodeFileTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := intake.Read(fileHeader(t, tt.filename, tt.ctype, tt.data))
			require.Error(t, err)
			appErr, ok := apperr.As(err)
			require.True(t, ok)
			assert.Equal(t, tt.code, appErr.Code)
			assert.Equal(t, apperr.KindValidation, appErr.Kind)
		})
	}

	_, err := intake.Read(nil)
	appErr, _ := apperr.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperr.CodeMissingFile, appErr.Code)

	up, err := intake.Read(fileHeader(t, "Pet.PNG", "image/png", small))
	require.NoError(t, err)
	assert.Equal(t, "image/png", up.MimeType)
	assert.Equal(t, "png", up.Extension)
	assert.Len(t, up.ContentHash, 64)
}

func TestFailureMessage(t *testing.T) {
	assert.Equal(t, "bad", failureMessage(&llm.VendorError{Message: "bad"}))
	assert.Equal(t, "plain", failureMessage(errors.New("plain")))
	assert.Equal(t, msgVendorFailed, failureMessage(nil))
}
