package service

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"petportrait/internal/entity"
	"petportrait/internal/llm"
	"petportrait/internal/model"
	"petportrait/internal/model/sql"
	"petportrait/internal/storage"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestRepo(t *testing.T) (model.Repository, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&entity.DbUser{},
		&entity.DbSession{},
		&entity.DbAnonymousSession{},
		&entity.DbImage{},
		&entity.DbGeneration{},
	))
	return sql.NewGormRepository(db), db
}

func newTestUser(t *testing.T, repo model.Repository, subject string, credits int) *entity.DbUser {
	t.Helper()
	user, _, err := repo.UpsertGoogleUser(context.Background(), entity.GoogleProfile{
		Subject:       subject,
		Email:         subject + "@example.com",
		EmailVerified: true,
		Name:          "Owner " + subject,
	}, credits, time.Now())
	require.NoError(t, err)
	return user
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: 120, B: uint8(y), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// noisyPNG 返回 PNG 文件头加随机字节，压缩不了，长度正好为 size
func noisyPNG(t *testing.T, size int) []byte {
	t.Helper()
	sig := []byte("\x89PNG\r\n\x1a\n")
	data := make([]byte, size)
	copy(data, sig)
	_, err := rand.Read(data[len(sig):])
	require.NoError(t, err)
	return data
}

// fileHeader round-trips data through a multipart form the way gin receives it.
func fileHeader(t *testing.T, filename, contentType string, data []byte) *multipart.FileHeader {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, filename))
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	form, err := multipart.NewReader(body, writer.Boundary()).ReadForm(32 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = form.RemoveAll() })
	return form.File["image"][0]
}

func storedFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

type fakeGenerator struct {
	mu sync.Mutex

	async     bool
	submitErr error
	result    *llm.Result
	poll      *llm.PollResult
	pollErr   error

	submits int
	polls   int
}

func (f *fakeGenerator) Name() string  { return "fake" }
func (f *fakeGenerator) Model() string { return "fake-model" }
func (f *fakeGenerator) Async() bool   { return f.async }

func (f *fakeGenerator) Submit(_ context.Context, req llm.SubmitRequest) (*llm.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	if len(req.Image) == 0 {
		return nil, fmt.Errorf("empty image")
	}
	if !f.async {
		return &llm.Submission{Result: f.result, Parameters: map[string]any{"model": "fake-model"}}, nil
	}
	return &llm.Submission{
		RequestID:  fmt.Sprintf("req-%d", f.submits),
		Parameters: map[string]any{"model": "fake-model", "seed": 42},
	}, nil
}

func (f *fakeGenerator) Poll(_ context.Context, _ string) (*llm.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if f.poll == nil {
		return &llm.PollResult{Status: llm.TaskStatusRunning}, nil
	}
	copied := *f.poll
	return &copied, nil
}

func (f *fakeGenerator) setPoll(p *llm.PollResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.poll = p
}

type testEnv struct {
	repo         model.Repository
	db           *gorm.DB
	gen          *fakeGenerator
	svc          *GenerationService
	identity     *IdentityService
	publicDir    string
	protectedDir string
}

func newTestEnv(t *testing.T, gen *fakeGenerator, cfg GenerationConfig) *testEnv {
	t.Helper()
	repo, db := newTestRepo(t)
	publicDir := t.TempDir()
	protectedDir := t.TempDir()
	public, err := storage.NewLocalStorage(publicDir, "/uploads")
	require.NoError(t, err)
	protected, err := storage.NewLocalStorage(protectedDir, "")
	require.NoError(t, err)

	if cfg.VendorTimeout == 0 {
		cfg.VendorTimeout = 2 * time.Second
	}
	identity := NewIdentityService(repo, 10, time.Hour)
	svc, err := NewGenerationService(GenerationDeps{
		Repo:      repo,
		Identity:  identity,
		Intake:    NewIntakeService(public, 1<<20),
		Generator: gen,
		Public:    public,
		Protected: protected,
	}, cfg)
	require.NoError(t, err)
	return &testEnv{
		repo:         repo,
		db:           db,
		gen:          gen,
		svc:          svc,
		identity:     identity,
		publicDir:    publicDir,
		protectedDir: protectedDir,
	}
}

func userIdentity(user *entity.DbUser) *Identity {
	return &Identity{Owner: entity.UserOwner(user.ID), User: user}
}

func fileExists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}
