package sql

import (
	"context"
	"errors"
	"testing"
	"time"

	"petportrait/internal/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestRepository(t *testing.T) (*GormRepository, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 内存库每个连接独立，测试里只保留一个连接
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&entity.DbUser{},
		&entity.DbSession{},
		&entity.DbAnonymousSession{},
		&entity.DbImage{},
		&entity.DbGeneration{},
	))
	return NewGormRepository(db), db
}

func createUser(t *testing.T, repo *GormRepository, subject string, credits int) *entity.DbUser {
	t.Helper()
	user, created, err := repo.UpsertGoogleUser(context.Background(), entity.GoogleProfile{
		Subject: subject,
		Email:   subject + "@example.com",
		Name:    "Tester " + subject,
	}, credits, time.Now())
	require.NoError(t, err)
	require.True(t, created)
	return user
}

func newDraft(owner entity.Owner, filename string, cost int) *entity.GenerationDraft {
	image := &entity.DbImage{
		Filename:   filename,
		StorageKey: filename,
		FileSize:   4,
		MimeType:   "image/png",
		Type:       entity.ImageTypeOriginal,
	}
	image.SetOwner(owner)
	gen := &entity.DbGeneration{Prompt: "portrait", Provider: "deapi", ModelName: "m"}
	gen.SetOwner(owner)
	return &entity.GenerationDraft{Image: image, Generation: gen, Cost: cost}
}

func TestUpsertGoogleUser(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	first := createUser(t, repo, "g-1", 10)
	assert.Equal(t, 10, first.Credits)
	assert.Equal(t, entity.UserRoleUser, first.Role)

	again, created, err := repo.UpsertGoogleUser(ctx, entity.GoogleProfile{
		Subject: "g-1",
		Email:   "NEW@example.com",
		Name:    "Renamed",
	}, 10, time.Now())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "new@example.com", again.Email)
	assert.Equal(t, "Renamed", again.DisplayName)
	assert.Equal(t, 10, again.Credits, "signup credits are granted only once")
}

func TestAdjustUserCredits(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	user := createUser(t, repo, "g-credits", 2)

	updated, err := repo.AdjustUserCredits(ctx, user.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, updated.Credits)

	updated, err = repo.AdjustUserCredits(ctx, user.ID, -5)
	require.NoError(t, err)
	assert.Equal(t, 0, updated.Credits)

	_, err = repo.AdjustUserCredits(ctx, user.ID, -1)
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	_, err = repo.AdjustUserCredits(ctx, 9999, -1)
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestSetRoleByEmail(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	alice := createUser(t, repo, "alice", 0)
	createUser(t, repo, "bob", 0)

	updated, err := repo.SetRoleByEmail(ctx, []string{" ALICE@example.com ", "", "nobody@example.com"}, entity.UserRoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated)

	reloaded, err := repo.GetUserByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.IsAdmin())

	// 已是管理员的不重复计数
	updated, err = repo.SetRoleByEmail(ctx, []string{"alice@example.com"}, entity.UserRoleAdmin)
	require.NoError(t, err)
	assert.Zero(t, updated)

	updated, err = repo.SetRoleByEmail(ctx, nil, entity.UserRoleAdmin)
	require.NoError(t, err)
	assert.Zero(t, updated)
}

func TestTouchAnonymousSession(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	touch := entity.AnonymousTouch{
		AnonymousID: "visitor-1",
		IPAddress:   "10.0.0.1",
		UserAgent:   "test",
		Count:       true,
		Window:      24 * time.Hour,
		TTL:         30 * 24 * time.Hour,
		Now:         now,
	}
	session, err := repo.TouchAnonymousSession(ctx, touch)
	require.NoError(t, err)
	assert.Equal(t, 1, session.RequestCount)

	touch.Now = now.Add(time.Hour)
	session, err = repo.TouchAnonymousSession(ctx, touch)
	require.NoError(t, err)
	assert.Equal(t, 2, session.RequestCount)

	touch.Count = false
	session, err = repo.TouchAnonymousSession(ctx, touch)
	require.NoError(t, err)
	assert.Equal(t, 2, session.RequestCount, "non-counting touches keep the counter")

	touch.Count = true
	touch.Now = now.Add(25 * time.Hour)
	session, err = repo.TouchAnonymousSession(ctx, touch)
	require.NoError(t, err)
	assert.Equal(t, 1, session.RequestCount, "counter resets after the window")

	removed, err := repo.DeleteExpiredAnonymousSessions(ctx, now.Add(60*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)
}

func TestRotateSession(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	user := createUser(t, repo, "g-session", 0)
	now := time.Now()

	old := &entity.DbSession{UserID: user.ID, TokenHash: "t1", RefreshHash: "r1", ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, repo.CreateSession(ctx, old))

	next := &entity.DbSession{UserID: user.ID, TokenHash: "t2", RefreshHash: "r2", ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, repo.RotateSession(ctx, old.ID, next, now))

	replay := &entity.DbSession{UserID: user.ID, TokenHash: "t3", RefreshHash: "r3", ExpiresAt: now.Add(time.Hour)}
	assert.ErrorIs(t, repo.RotateSession(ctx, old.ID, replay, now), ErrSessionRevoked)

	active, err := repo.ListActiveSessions(ctx, user.ID, now)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "t2", active[0].TokenHash)

	found, err := repo.GetSessionByRefreshHash(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, next.ID, found.ID)
}

func TestRevokeUserSessions(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	user := createUser(t, repo, "g-revoke", 0)
	now := time.Now()

	for _, hash := range []string{"a", "b", "c"} {
		require.NoError(t, repo.CreateSession(ctx, &entity.DbSession{
			UserID: user.ID, TokenHash: hash, RefreshHash: "r" + hash, ExpiresAt: now.Add(time.Hour),
		}))
	}

	revoked, err := repo.RevokeUserSessions(ctx, user.ID, "a", now)
	require.NoError(t, err)
	assert.EqualValues(t, 2, revoked)

	ok, err := repo.RevokeSession(ctx, "a", now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.RevokeSession(ctx, "a", now)
	require.NoError(t, err)
	assert.False(t, ok, "revoking twice is a no-op")

	removed, err := repo.DeleteStaleSessions(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 3, removed)
}

func TestCreateGenerationDebitsCredits(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	user := createUser(t, repo, "g-gen", 1)
	owner := entity.UserOwner(user.ID)

	draft := newDraft(owner, "user1-a.png", 1)
	require.NoError(t, repo.CreateGeneration(ctx, draft))
	assert.NotZero(t, draft.Image.ID)
	require.NotNil(t, draft.Generation.SourceImageID)
	assert.Equal(t, draft.Image.ID, *draft.Generation.SourceImageID)
	assert.Equal(t, entity.GenerationStatusPending, draft.Generation.Status)
	assert.Equal(t, 1, draft.Generation.CreditsSpent)

	reloaded, err := repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, reloaded.Credits)

	// 余额不足时整笔事务回滚
	second := newDraft(owner, "user1-b.png", 1)
	assert.ErrorIs(t, repo.CreateGeneration(ctx, second), ErrInsufficientCredits)
	_, err = repo.GetImageByFilename(ctx, "user1-b.png")
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestCreateGenerationAnonymousIsFree(t *testing.T) {
	repo, _ := newTestRepository(t)
	draft := newDraft(entity.AnonymousOwner("visitor"), "visitor-a.png", 1)
	require.NoError(t, repo.CreateGeneration(context.Background(), draft))
	assert.Equal(t, 0, draft.Generation.CreditsSpent)
}

func TestGenerationLifecycle(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	user := createUser(t, repo, "g-life", 3)
	owner := entity.UserOwner(user.ID)

	draft := newDraft(owner, "user1-life.png", 1)
	require.NoError(t, repo.CreateGeneration(ctx, draft))
	genID := draft.Generation.ID

	require.NoError(t, repo.MarkGenerationProcessing(ctx, genID, "req-1", entity.JSONMap{entity.ParamRequestID: "req-1"}))
	require.NoError(t, repo.UpdateGenerationProgress(ctx, genID, 40))

	gen, err := repo.GetGenerationByRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, entity.GenerationStatusProcessing, gen.Status)
	assert.Equal(t, float64(40), gen.Progress)

	result := &entity.DbImage{Filename: "processed-1-user1.png", StorageKey: "processed-1-user1.png", Type: entity.ImageTypeProcessed}
	result.SetOwner(owner)
	won, err := repo.CompleteGeneration(ctx, genID, entity.GenerationCompletion{
		Filename:         result.Filename,
		ProcessingTimeMs: 1200,
		Result:           result,
	})
	require.NoError(t, err)
	assert.True(t, won)

	// 已完成的记录不能再被改写
	dup := &entity.DbImage{Filename: "processed-2-user1.png", StorageKey: "processed-2-user1.png", Type: entity.ImageTypeProcessed}
	dup.SetOwner(owner)
	won, err = repo.CompleteGeneration(ctx, genID, entity.GenerationCompletion{Filename: dup.Filename, Result: dup})
	require.NoError(t, err)
	assert.False(t, won)
	_, err = repo.GetImageByFilename(ctx, dup.Filename)
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))

	won, err = repo.FinishGeneration(ctx, genID, entity.GenerationFailure{Status: entity.GenerationStatusFailed, Refund: true})
	require.NoError(t, err)
	assert.False(t, won, "completed generations cannot fail")

	assert.ErrorIs(t, repo.MarkGenerationProcessing(ctx, genID, "req-2", nil), ErrStatusConflict)

	gen, err = repo.GetGenerationByID(ctx, genID)
	require.NoError(t, err)
	assert.Equal(t, entity.GenerationStatusCompleted, gen.Status)
	assert.Equal(t, float64(100), gen.Progress)
	require.NotNil(t, gen.GeneratedFilename)
	assert.Equal(t, "processed-1-user1.png", *gen.GeneratedFilename)
}

func TestFinishGenerationRefundsOnce(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	user := createUser(t, repo, "g-refund", 1)

	draft := newDraft(entity.UserOwner(user.ID), "user1-refund.png", 1)
	require.NoError(t, repo.CreateGeneration(ctx, draft))

	failure := entity.GenerationFailure{Status: entity.GenerationStatusFailed, Message: "vendor error", Refund: true}
	won, err := repo.FinishGeneration(ctx, draft.Generation.ID, failure)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = repo.FinishGeneration(ctx, draft.Generation.ID, failure)
	require.NoError(t, err)
	assert.False(t, won)

	reloaded, err := repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Credits, "credits are refunded exactly once")

	gen, err := repo.GetGenerationByID(ctx, draft.Generation.ID)
	require.NoError(t, err)
	assert.Equal(t, "vendor error", gen.ErrorMessage)
	assert.Equal(t, 1, gen.CreditsSpent, "refund keeps the debited amount on record")
	assert.Equal(t, true, gen.Parameters[entity.ParamRefunded])

	_, err = repo.FinishGeneration(ctx, draft.Generation.ID, entity.GenerationFailure{Status: entity.GenerationStatusCompleted})
	assert.Error(t, err)
}

func TestListAndStats(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	user := createUser(t, repo, "g-list", 10)
	owner := entity.UserOwner(user.ID)
	other := entity.AnonymousOwner("someone-else")

	var ids []uint
	for i, name := range []string{"u-1.png", "u-2.png", "u-3.png"} {
		draft := newDraft(owner, name, 1)
		draft.Image.ContentHash = "hash-" + name
		require.NoError(t, repo.CreateGeneration(ctx, draft))
		ids = append(ids, draft.Generation.ID)
		if i == 0 {
			_, err := repo.CompleteGeneration(ctx, draft.Generation.ID, entity.GenerationCompletion{Filename: "processed-" + name})
			require.NoError(t, err)
		}
	}
	require.NoError(t, repo.CreateGeneration(ctx, newDraft(other, "other.png", 0)))
	_, err := repo.FinishGeneration(ctx, ids[1], entity.GenerationFailure{Status: entity.GenerationStatusFailed, Refund: true})
	require.NoError(t, err)

	gens, meta, err := repo.ListGenerations(ctx, &entity.GenerationQuery{Owner: owner, BaseParams: entity.BaseParams{Page: 1, Limit: 2}})
	require.NoError(t, err)
	assert.Len(t, gens, 2)
	assert.EqualValues(t, 3, meta.Total)
	assert.EqualValues(t, 2, meta.TotalPages)
	assert.Equal(t, ids[2], gens[0].ID, "newest first")

	gens, _, err = repo.ListGenerations(ctx, &entity.GenerationQuery{Owner: owner, BaseParams: entity.BaseParams{Page: 1e17, Limit: 100}})
	require.NoError(t, err)
	assert.Empty(t, gens, "page past the end returns nothing")
	far, _, err := repo.ListImages(ctx, &entity.ImageQuery{Owner: owner, BaseParams: entity.BaseParams{Page: 1e17, Limit: 100}})
	require.NoError(t, err)
	assert.Empty(t, far)

	images, imageMeta, err := repo.ListImages(ctx, &entity.ImageQuery{Owner: owner})
	require.NoError(t, err)
	assert.Len(t, images, 3)
	assert.EqualValues(t, 3, imageMeta.Total)

	stats, err := repo.GenerationStats(ctx, owner)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Total)
	assert.EqualValues(t, 1, stats.Completed)
	assert.EqualValues(t, 1, stats.Failed)
	assert.EqualValues(t, 1, stats.Pending)
	assert.EqualValues(t, 3, stats.CreditsSpent)
	assert.Equal(t, 33.33, stats.SuccessRate)

	reusable, err := repo.FindReusableGeneration(ctx, owner, "hash-u-1.png")
	require.NoError(t, err)
	assert.Equal(t, ids[0], reusable.ID)
	_, err = repo.FindReusableGeneration(ctx, owner, "hash-u-2.png")
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound), "failed generations are never reused")
	pending, err := repo.FindReusableGeneration(ctx, owner, "hash-u-3.png")
	require.NoError(t, err)
	assert.Equal(t, ids[2], pending.ID)
	_, err = repo.FindReusableGeneration(ctx, other, "hash-u-1.png")
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound), "other owners never reuse")
}

func TestImageSoftDeleteAndPurge(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	draft := newDraft(entity.AnonymousOwner("visitor"), "visitor-del.png", 0)
	require.NoError(t, repo.CreateGeneration(ctx, draft))

	img, err := repo.GetImageByFilename(ctx, "visitor-del.png")
	require.NoError(t, err)
	require.NoError(t, repo.IncrementImageViews(ctx, img.ID))

	now := time.Now()
	require.NoError(t, repo.SoftDeleteImage(ctx, img.ID, now))
	assert.True(t, errors.Is(repo.SoftDeleteImage(ctx, img.ID, now), gorm.ErrRecordNotFound))

	_, err = repo.GetImageByFilename(ctx, "visitor-del.png")
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))

	purgeable, err := repo.ListPurgeableImages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, purgeable, 1)
	assert.EqualValues(t, 1, purgeable[0].ViewsCount)

	require.NoError(t, repo.MarkImagePurged(ctx, img.ID, now))
	purgeable, err = repo.ListPurgeableImages(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, purgeable)
}

func TestStaleAndRetention(t *testing.T) {
	repo, db := newTestRepository(t)
	ctx := context.Background()
	draft := newDraft(entity.AnonymousOwner("visitor"), "visitor-stale.png", 0)
	require.NoError(t, repo.CreateGeneration(ctx, draft))
	require.NoError(t, repo.MarkGenerationProcessing(ctx, draft.Generation.ID, "req-stale", nil))

	past := time.Now().Add(-time.Hour)
	require.NoError(t, db.Model(&entity.DbGeneration{}).Where("id = ?", draft.Generation.ID).
		UpdateColumns(map[string]interface{}{"updated_at": past, "created_at": past}).Error)

	stale, err := repo.ListStaleGenerations(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "req-stale", stale[0].RequestID())

	removed, err := repo.DeleteFinishedGenerations(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, removed, "active generations are kept")

	_, err = repo.FinishGeneration(ctx, draft.Generation.ID, entity.GenerationFailure{Status: entity.GenerationStatusCancelled})
	require.NoError(t, err)
	removed, err = repo.DeleteFinishedGenerations(ctx, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)
}
