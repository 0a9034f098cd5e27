package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"petportrait/internal/config"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
)

type ossStorage struct {
	bucket        *oss.Bucket
	prefix        string
	publicBaseURL string
}

func NewOSSStorage(cfg config.Config) (Storage, error) {
	endpoint := strings.TrimSpace(cfg.StorageOSSEndpoint)
	if endpoint == "" {
		return nil, errors.New("storage: missing OSS endpoint")
	}
	bucketName := strings.TrimSpace(cfg.StorageOSSBucket)
	if bucketName == "" {
		return nil, errors.New("storage: missing OSS bucket")
	}
	accessKey := strings.TrimSpace(cfg.StorageOSSAccessKeyID)
	secretKey := strings.TrimSpace(cfg.StorageOSSAccessKeySecret)
	if accessKey == "" || secretKey == "" {
		return nil, errors.New("storage: missing OSS credentials")
	}

	client, err := oss.New(endpoint, accessKey, secretKey)
	if err != nil {
		return nil, fmt.Errorf("storage: create OSS client: %w", err)
	}
	bucket, err := client.Bucket(bucketName)
	if err != nil {
		return nil, fmt.Errorf("storage: open OSS bucket: %w", err)
	}

	publicBase := strings.TrimSpace(cfg.StorageOSSPublicBaseURL)
	if publicBase == "" {
		publicBase = ossBucketURL(endpoint, bucketName)
	}

	return &ossStorage{
		bucket:        bucket,
		prefix:        trimPrefix(cfg.StorageOSSPrefix),
		publicBaseURL: publicBase,
	}, nil
}

func (s *ossStorage) Save(ctx context.Context, data []byte, opts SaveOptions) (string, error) {
	key, err := objectKeyFor(ctx, data, opts, s.prefix)
	if err != nil {
		return "", err
	}

	if opts.SkipIfExists {
		exists, err := s.bucket.IsObjectExist(key, oss.WithContext(ctx))
		if err != nil {
			return "", fmt.Errorf("check object: %w", err)
		}
		if exists {
			return key, nil
		}
	}

	options := []oss.Option{oss.WithContext(ctx), oss.ForbidOverWrite(true)}
	if ct := contentTypeFor(opts, key); ct != "" {
		options = append(options, oss.ContentType(ct))
	}

	if err := s.bucket.PutObject(key, bytes.NewReader(data), options...); err != nil {
		var svcErr oss.ServiceError
		if errors.As(err, &svcErr) && svcErr.Code == "FileAlreadyExists" {
			return "", ErrObjectExists
		}
		return "", fmt.Errorf("put object: %w", err)
	}

	return key, nil
}

func (s *ossStorage) Delete(ctx context.Context, key string) error {
	cleaned, err := cleanKey(key)
	if err != nil {
		return err
	}
	// OSS 删除不存在的对象同样返回成功
	if err := s.bucket.DeleteObject(cleaned, oss.WithContext(ctx)); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (s *ossStorage) URL(key string) string {
	return publicURL(s.publicBaseURL, key)
}

// ossBucketURL builds the virtual-hosted bucket address from an endpoint.
func ossBucketURL(endpoint, bucket string) string {
	scheme := "https"
	host := endpoint
	if parsed, err := url.Parse(endpoint); err == nil && parsed.Host != "" {
		scheme = parsed.Scheme
		host = parsed.Host
	}
	return fmt.Sprintf("%s://%s.%s", scheme, bucket, strings.TrimRight(host, "/"))
}

var _ Storage = (*ossStorage)(nil)
