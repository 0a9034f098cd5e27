package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"petportrait/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// bucketTarget S3 协议兼容后端（AWS S3、Cloudflare R2、MinIO）的连接参数
type bucketTarget struct {
	Region       string
	Endpoint     string
	Bucket       string
	Prefix       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	PathStyle    bool
	PublicBase   string
}

func s3Target(cfg config.Config) (bucketTarget, error) {
	t := bucketTarget{
		Region:       strings.TrimSpace(cfg.StorageS3Region),
		Endpoint:     strings.TrimSpace(cfg.StorageS3Endpoint),
		Bucket:       strings.TrimSpace(cfg.StorageS3Bucket),
		Prefix:       trimPrefix(cfg.StorageS3Prefix),
		AccessKey:    strings.TrimSpace(cfg.StorageS3AccessKeyID),
		SecretKey:    strings.TrimSpace(cfg.StorageS3SecretAccessKey),
		SessionToken: strings.TrimSpace(cfg.StorageS3SessionToken),
		PathStyle:    cfg.StorageS3ForcePathStyle,
		PublicBase:   strings.TrimSpace(cfg.StorageS3PublicBaseURL),
	}
	if t.Bucket == "" {
		return t, errors.New("storage: missing S3 bucket")
	}
	if t.Region == "" {
		return t, errors.New("storage: missing S3 region")
	}
	if t.PublicBase == "" {
		t.PublicBase = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", t.Bucket, t.Region)
	}
	return t, t.validateCredentials("S3")
}

// r2Target 未配置 endpoint 时由 account id 推导；公开地址默认 endpoint/bucket
func r2Target(cfg config.Config) (bucketTarget, error) {
	t := bucketTarget{
		Region:     strings.TrimSpace(cfg.StorageR2Region),
		Endpoint:   strings.TrimSpace(cfg.StorageR2Endpoint),
		Bucket:     strings.TrimSpace(cfg.StorageR2Bucket),
		Prefix:     trimPrefix(cfg.StorageR2Prefix),
		AccessKey:  strings.TrimSpace(cfg.StorageR2AccessKeyID),
		SecretKey:  strings.TrimSpace(cfg.StorageR2SecretAccessKey),
		PathStyle:  true,
		PublicBase: strings.TrimSpace(cfg.StorageR2PublicBaseURL),
	}
	if t.Bucket == "" {
		return t, errors.New("storage: missing R2 bucket")
	}
	if t.Region == "" {
		t.Region = "auto"
	}
	if t.Endpoint == "" {
		account := strings.TrimSpace(cfg.StorageR2AccountID)
		if account == "" {
			return t, errors.New("storage: missing R2 endpoint or account id")
		}
		t.Endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", account)
	}
	if t.PublicBase == "" {
		t.PublicBase = strings.TrimRight(t.Endpoint, "/") + "/" + t.Bucket
	}
	return t, t.validateCredentials("R2")
}

func (t bucketTarget) validateCredentials(kind string) error {
	if t.AccessKey == "" || t.SecretKey == "" {
		return fmt.Errorf("storage: missing %s credentials", kind)
	}
	return nil
}

func (t bucketTarget) client() *s3.Client {
	awsCfg := aws.Config{
		Region: t.Region,
		Credentials: aws.NewCredentialsCache(
			credentials.NewStaticCredentialsProvider(t.AccessKey, t.SecretKey, t.SessionToken),
		),
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = t.PathStyle
		if endpoint := t.Endpoint; endpoint != "" {
			if !strings.Contains(endpoint, "://") {
				endpoint = "https://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

// NewS3Storage AWS S3 或自建兼容服务
func NewS3Storage(cfg config.Config) (Storage, error) {
	t, err := s3Target(cfg)
	if err != nil {
		return nil, err
	}
	return newBucketStorage(t), nil
}

// NewR2Storage Cloudflare R2
func NewR2Storage(cfg config.Config) (Storage, error) {
	t, err := r2Target(cfg)
	if err != nil {
		return nil, err
	}
	return newBucketStorage(t), nil
}

type bucketStorage struct {
	client     *s3.Client
	bucket     string
	prefix     string
	publicBase string
}

var _ Storage = (*bucketStorage)(nil)

func newBucketStorage(t bucketTarget) *bucketStorage {
	return &bucketStorage{client: t.client(), bucket: t.Bucket, prefix: t.Prefix, publicBase: t.PublicBase}
}

func (s *bucketStorage) Save(ctx context.Context, data []byte, opts SaveOptions) (string, error) {
	key, err := objectKeyFor(ctx, data, opts, s.prefix)
	if err != nil {
		return "", err
	}

	if opts.SkipIfExists {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
		switch {
		case err == nil:
			return key, nil
		case !isS3NotFound(err):
			return "", fmt.Errorf("head object: %w", err)
		}
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentTypeFor(opts, key)),
		// 条件写入，已存在的对象不会被覆盖
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		if isS3PreconditionFailed(err) {
			return "", ErrObjectExists
		}
		return "", fmt.Errorf("put object: %w", err)
	}
	return key, nil
}

func (s *bucketStorage) Delete(ctx context.Context, key string) error {
	cleaned, err := cleanKey(key)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(cleaned)})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (s *bucketStorage) URL(key string) string {
	return publicURL(s.publicBase, key)
}

func isS3NotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	return s3ErrorCode(err) == "notfound" || s3ErrorCode(err) == "nosuchkey"
}

func isS3PreconditionFailed(err error) bool {
	code := s3ErrorCode(err)
	return code == "preconditionfailed" || code == "conditionalrequestconflict"
}

func s3ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return strings.ToLower(apiErr.ErrorCode())
	}
	return ""
}
