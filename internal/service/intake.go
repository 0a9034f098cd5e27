package service

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"petportrait/internal/apperr"
	"petportrait/internal/entity"
	"petportrait/internal/storage"
	"petportrait/internal/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultMaxUploadBytes 未配置上限时使用
const DefaultMaxUploadBytes int64 = 10 << 20

var (
	allowedMimeTypes = map[string]bool{
		"image/jpeg": true,
		"image/png":  true,
		"image/gif":  true,
		"image/webp": true,
	}
	allowedExtensions = map[string]bool{
		"jpeg": true,
		"jpg":  true,
		"png":  true,
		"gif":  true,
		"webp": true,
	}
)

// Upload 已通过校验、保存在内存中的图片
type Upload struct {
	Data             []byte
	MimeType         string
	Extension        string
	OriginalFilename string
	ContentHash      string

	// 写入存储后填充
	Filename   string
	StorageKey string
}

func (u *Upload) Size() int64 { return int64(len(u.Data)) }

// IntakeService 校验上传并把原图写入存储
type IntakeService struct {
	store    storage.Storage
	maxBytes int64
}

func NewIntakeService(store storage.Storage, maxBytes int64) *IntakeService {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	return &IntakeService{store: store, maxBytes: maxBytes}
}

// MaxBytes 单个文件的大小上限
func (s *IntakeService) MaxBytes() int64 { return s.maxBytes }

// Read 校验 multipart 文件并完整读入内存，这里不写存储
func (s *IntakeService) Read(fh *multipart.FileHeader) (*Upload, error) {
	if fh == nil {
		return nil, apperr.NewCode(apperr.KindValidation, apperr.CodeMissingFile, "No file uploaded")
	}
	if fh.Size > s.maxBytes {
		return nil, s.TooLarge()
	}

	name := strings.TrimSpace(filepath.Base(fh.Filename))
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if !allowedExtensions[ext] {
		return nil, invalidFileType()
	}
	declared := strings.ToLower(strings.TrimSpace(strings.SplitN(fh.Header.Get("Content-Type"), ";", 2)[0]))
	if declared != "" && !allowedMimeTypes[declared] {
		return nil, invalidFileType()
	}

	f, err := fh.Open()
	if err != nil {
		return nil, apperr.Internal("failed to open upload", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, s.maxBytes+1))
	if err != nil {
		return nil, apperr.Internal("failed to read upload", err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, s.TooLarge()
	}
	if len(data) == 0 {
		return nil, apperr.NewCode(apperr.KindValidation, apperr.CodeMissingFile, "Uploaded file is empty")
	}

	sniffed := strings.SplitN(http.DetectContentType(data), ";", 2)[0]
	if !allowedMimeTypes[sniffed] {
		return nil, invalidFileType()
	}

	return &Upload{
		Data:             data,
		MimeType:         sniffed,
		Extension:        utils.ExtensionFromMime(sniffed),
		OriginalFilename: truncate(name, 255),
		ContentHash:      utils.ContentHash(data),
	}, nil
}

// TooLarge 上传超过上限时返回的错误
func (s *IntakeService) TooLarge() error {
	return apperr.NewCode(apperr.KindValidation, apperr.CodeFileTooLarge,
		fmt.Sprintf("File too large. Maximum size is %dMB", s.maxBytes/(1<<20))).
		WithDetails(map[string]any{"max_bytes": s.maxBytes})
}

func invalidFileType() error {
	return apperr.NewCode(apperr.KindValidation, apperr.CodeInvalidFileType,
		"Invalid file type. Only JPEG, PNG, GIF and WebP are allowed")
}

// Store 以 {ownerToken}-{uuid}.{ext} 写入上传，同名对象不会被覆盖
func (s *IntakeService) Store(ctx context.Context, owner entity.Owner, up *Upload) error {
	if up == nil {
		return apperr.NewCode(apperr.KindValidation, apperr.CodeMissingFile, "No file uploaded")
	}
	filename := fmt.Sprintf("%s-%s.%s", owner.Token(), uuid.NewString(), up.Extension)
	key, err := s.store.Save(ctx, up.Data, storage.SaveOptions{
		Filename:    filename,
		ContentType: up.MimeType,
	})
	if err != nil {
		return apperr.Internal("failed to store upload", err)
	}
	up.Filename = filename
	up.StorageKey = key
	return nil
}

// Discard 后续步骤失败时删除已存储的上传
func (s *IntakeService) Discard(ctx context.Context, up *Upload) {
	if up == nil || up.StorageKey == "" {
		return
	}
	if err := s.store.Delete(context.WithoutCancel(ctx), up.StorageKey); err != nil {
		logrus.WithError(err).WithField("key", up.StorageKey).Warn("discard_upload_failed")
	}
	up.StorageKey = ""
}

// Image 根据已存储的上传构造原图记录
func (up *Upload) Image(owner entity.Owner) *entity.DbImage {
	img := &entity.DbImage{
		Filename:         up.Filename,
		OriginalFilename: up.OriginalFilename,
		StorageKey:       up.StorageKey,
		FileSize:         up.Size(),
		MimeType:         up.MimeType,
		ContentHash:      up.ContentHash,
		Type:             entity.ImageTypeOriginal,
	}
	img.SetOwner(owner)
	return img
}
