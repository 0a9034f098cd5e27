package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"petportrait/internal/config"
)

// STORAGE_TYPE 取值
const (
	TypeLocal = "local"
	TypeS3    = "s3"
	TypeOSS   = "oss"
	TypeCOS   = "cos"
	TypeR2    = "r2"
)

// ErrObjectExists 目标键已存在，且调用方没有设置 SkipIfExists
var ErrObjectExists = errors.New("storage: object already exists")

// SaveOptions 决定对象键和内容类型。
// Filename 非空时清洗后直接作为对象名，否则由 BaseName 与 Extension 拼出；
// Category 是可选的一级目录。
type SaveOptions struct {
	Category     string
	Filename     string
	BaseName     string
	Extension    string
	ContentType  string
	SkipIfExists bool
}

// Storage 上传原图和生成结果共用的对象存储
type Storage interface {
	// Save 写入对象并返回最终的对象键
	Save(ctx context.Context, data []byte, opts SaveOptions) (string, error)
	// Delete 对象不存在时返回 nil
	Delete(ctx context.Context, key string) error
	URL(key string) string
}

// LocalBaseDirProvider 本地目录可以直接挂到静态路由上
type LocalBaseDirProvider interface {
	LocalBaseDir() string
}

var backends = map[string]func(config.Config) (Storage, error){
	TypeLocal: func(cfg config.Config) (Storage, error) {
		return NewLocalStorage(cfg.StorageLocalDir, cfg.StoragePublicBaseURL)
	},
	TypeS3:  NewS3Storage,
	TypeR2:  NewR2Storage,
	TypeOSS: NewOSSStorage,
	TypeCOS: NewCOSStorage,
}

// NewStorage 按 STORAGE_TYPE 创建公开存储，默认本地目录
func NewStorage(cfg config.Config) (Storage, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.StorageType))
	if kind == "" {
		kind = TypeLocal
	}
	build, ok := backends[kind]
	if !ok {
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.StorageType)
	}
	return build(cfg)
}

// NewProtectedStorage 保存未加水印原图的私有目录，未配置时返回 nil
func NewProtectedStorage(cfg config.Config) (Storage, error) {
	dir := strings.TrimSpace(cfg.StorageProtectedDir)
	if dir == "" {
		return nil, nil
	}
	return NewLocalStorage(dir, "")
}
