package service

import (
	"context"
	"testing"
	"time"

	"petportrait/internal/apperr"
	"petportrait/internal/entity"
	"petportrait/internal/llm"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryListsAndStats(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{async: true}
	env := newTestEnv(t, gen, GenerationConfig{Cost: 1})
	user := newTestUser(t, env.repo, "q-1", 10)
	query := NewQueryService(env.repo, env.svc.URL)

	for i := 0; i < 3; i++ {
		_, err := env.svc.Process(ctx, userIdentity(user), fileHeader(t, "pet.png", "image/png", pngBytes(t, 4+i, 4)))
		require.NoError(t, err)
	}
	_, err := env.svc.Cancel(ctx, userIdentity(user), "req-1")
	require.NoError(t, err)

	images, err := query.ListImages(ctx, entity.UserOwner(user.ID), entity.ImageQuery{BaseParams: entity.BaseParams{Page: 1, Limit: 2}})
	require.NoError(t, err)
	assert.Len(t, images.Items, 2)
	assert.Equal(t, int64(3), images.Meta.Total)
	assert.Equal(t, int64(2), images.Meta.TotalPages)
	assert.True(t, images.Items[0].ID > images.Items[1].ID, "newest first")

	past, err := query.ListImages(ctx, entity.UserOwner(user.ID), entity.ImageQuery{BaseParams: entity.BaseParams{Page: 9}})
	require.NoError(t, err)
	assert.Empty(t, past.Items)

	gens, err := query.ListGenerations(ctx, entity.UserOwner(user.ID), entity.GenerationQuery{Status: entity.GenerationStatusProcessing})
	require.NoError(t, err)
	assert.Len(t, gens.Items, 2)

	_, err = query.ListGenerations(ctx, entity.UserOwner(user.ID), entity.GenerationQuery{Status: "bogus"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	stats, err := query.Stats(ctx, entity.UserOwner(user.ID))
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(1), stats.Cancelled)
	assert.Equal(t, int64(2), stats.Processing)
	assert.Equal(t, 0.0, stats.SuccessRate)
	assert.Equal(t, int64(3), stats.CreditsSpent)

	empty, err := query.Stats(ctx, entity.AnonymousOwner(uuid.NewString()))
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.Zero(t, empty.SuccessRate)
}

func TestQueryImageAccess(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{async: true}
	env := newTestEnv(t, gen, GenerationConfig{Cost: 1})
	owner := newTestUser(t, env.repo, "q-owner", 3)
	stranger := entity.AnonymousOwner(uuid.NewString())
	query := NewQueryService(env.repo, env.svc.URL)

	res, err := env.svc.Process(ctx, userIdentity(owner), fileHeader(t, "pet.png", "image/png", pngBytes(t, 8, 8)))
	require.NoError(t, err)
	filename := res.Image.Filename

	tests := []struct {
		name     string
		owner    entity.Owner
		filename string
		want     apperr.Kind
	}{
		{name: "不存在", owner: entity.UserOwner(owner.ID), filename: "nope.png", want: apperr.KindNotFound},
		{name: "非法文件名", owner: entity.UserOwner(owner.ID), filename: "../etc/passwd", want: apperr.KindValidation},
		{name: "他人的私有图片", owner: stranger, filename: filename, want: apperr.KindAuthorization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := query.GetImage(ctx, tt.owner, tt.filename)
			assert.Equal(t, tt.want, apperr.KindOf(err))
		})
	}

	view, err := query.GetImage(ctx, entity.UserOwner(owner.ID), filename)
	require.NoError(t, err)
	assert.Zero(t, view.ViewsCount)

	// 公开图片对任何人可见，非所有者访问计数
	require.NoError(t, env.db.Model(&entity.DbImage{}).Where("filename = ?", filename).Update("is_public", true).Error)
	view, err = query.GetImage(ctx, stranger, filename)
	require.NoError(t, err)
	assert.Equal(t, int64(1), view.ViewsCount)

	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(query.DeleteImage(ctx, stranger, filename)))
	require.NoError(t, query.DeleteImage(ctx, entity.UserOwner(owner.ID), filename))
	_, err = query.GetImage(ctx, entity.UserOwner(owner.ID), filename)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.True(t, fileExists(env.publicDir, filename), "soft delete keeps the file until purge")
}

func TestReconciler(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{async: true}
	env := newTestEnv(t, gen, GenerationConfig{Cost: 1})
	user := newTestUser(t, env.repo, "r-1", 5)
	query := NewQueryService(env.repo, env.svc.URL)
	public := env.svc.Public
	rec := NewReconciler(env.repo, public, env.svc, ReconcilerConfig{StaleAfter: time.Minute, Retention: time.Hour})

	res, err := env.svc.Process(ctx, userIdentity(user), fileHeader(t, "pet.png", "image/png", pngBytes(t, 8, 8)))
	require.NoError(t, err)

	t.Run("清理已删除图片的文件", func(t *testing.T) {
		require.NoError(t, query.DeleteImage(ctx, entity.UserOwner(user.ID), res.Image.Filename))
		n, err := rec.PurgeFiles(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.False(t, fileExists(env.publicDir, res.Image.Filename))

		n, err = rec.PurgeFiles(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("重新轮询停滞的生成", func(t *testing.T) {
		gen.setPoll(&llm.PollResult{Status: llm.TaskStatusFailed, Message: "vendor gave up"})
		rec.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		n, err := rec.RepollStale(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		row, err := env.repo.GetGenerationByRequestID(ctx, "req-1")
		require.NoError(t, err)
		assert.Equal(t, entity.GenerationStatusFailed, row.Status)
		reloaded, err := env.repo.GetUserByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, 5, reloaded.Credits)
	})

	t.Run("没有请求号的挂起任务直接失败", func(t *testing.T) {
		gen.submitErr = &llm.VendorError{Vendor: "fake", Kind: llm.FailureTimeout}
		_, err := env.svc.Process(ctx, userIdentity(user), fileHeader(t, "pet.png", "image/png", pngBytes(t, 9, 9)))
		require.Error(t, err)
		gen.submitErr = nil

		var row entity.DbGeneration
		require.NoError(t, env.db.Where("vendor_request_id IS NULL").First(&row).Error)
		require.NotNil(t, row.SourceImageID)
		// 模拟进程在清理原图前退出
		require.NoError(t, env.db.Model(&entity.DbImage{}).Where("id = ?", *row.SourceImageID).
			Updates(map[string]any{"is_deleted": false, "deleted_at": nil}).Error)

		n, err := rec.RepollStale(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		reloaded, err := env.repo.GetUserByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, 5, reloaded.Credits)

		var img entity.DbImage
		require.NoError(t, env.db.First(&img, *row.SourceImageID).Error)
		assert.True(t, img.IsDeleted)
		purged, err := rec.PurgeFiles(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, purged)
	})

	t.Run("删除过期的终态记录", func(t *testing.T) {
		rec.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		n, err := rec.CleanupGenerations(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("清理会话", func(t *testing.T) {
		_, err := env.identity.ResolveAnonymous(ctx, AnonymousRequest{})
		require.NoError(t, err)
		rec.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
		_, anonymous, err := rec.CleanupSessions(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), anonymous)
	})
}

func TestCreditGrant(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)
	user := newTestUser(t, repo, "c-1", 2)
	credits := NewCreditService(repo)

	summary, err := credits.Grant(ctx, user.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 7, summary.Credits)

	tests := []struct {
		name   string
		userID uint
		amount int
		want   apperr.Kind
	}{
		{name: "金额为零", userID: user.ID, amount: 0, want: apperr.KindValidation},
		{name: "负数金额", userID: user.ID, amount: -3, want: apperr.KindValidation},
		{name: "用户不存在", userID: 9999, amount: 1, want: apperr.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := credits.Grant(ctx, tt.userID, tt.amount)
			assert.Equal(t, tt.want, apperr.KindOf(err))
		})
	}
}

func TestNormalizeAnonymousID(t *testing.T) {
	id := uuid.NewString()
	assert.Equal(t, id, NormalizeAnonymousID("  "+id+" "))
	assert.Empty(t, NormalizeAnonymousID("not-a-uuid"))
	assert.Empty(t, NormalizeAnonymousID(""))
}
