package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	PromptStrategyFixed    = "fixed"
	PromptStrategyAnalysis = "analysis"

	DedupePolicyNone  = "none"
	DedupePolicyReuse = "reuse"
)

type Config struct {
	HTTPPort string `env:"HTTP_PORT" envDefault:"8080"`
	AppEnv   string `env:"APP_ENV" envDefault:"development"`

	DBType     string `env:"DBType" envDefault:"sqlite"`
	DSNURL     string `env:"DSN_URL" envDefault:""`
	DBUser     string `env:"DBUser" envDefault:""`
	DBPassword string `env:"DBPassword" envDefault:""`
	DBAddr     string `env:"DBAddr" envDefault:""`
	DBName     string `env:"DBName" envDefault:"petportrait"`
	DBPath     string `env:"DBPath" envDefault:"datas/petportrait.db"`
	DBPort     string `env:"DBPort" envDefault:"3306"`

	StorageType          string `env:"STORAGE_TYPE" envDefault:"local"`
	StorageLocalDir      string `env:"UPLOAD_DIR" envDefault:"uploads"`
	StoragePublicBaseURL string `env:"STORAGE_PUBLIC_BASE_URL" envDefault:"/uploads"`
	// 未加水印的原图目录，留空则不保存
	StorageProtectedDir string `env:"PROTECTED_DIR" envDefault:"datas/originals"`
	MaxUploadBytes      int64  `env:"MAX_FILE_SIZE" envDefault:"10485760"`

	// S3 兼容存储配置
	StorageS3Region          string `env:"STORAGE_S3_REGION"`
	StorageS3Bucket          string `env:"STORAGE_S3_BUCKET"`
	StorageS3Prefix          string `env:"STORAGE_S3_PREFIX"`
	StorageS3Endpoint        string `env:"STORAGE_S3_ENDPOINT"`
	StorageS3AccessKeyID     string `env:"STORAGE_S3_ACCESS_KEY_ID"`
	StorageS3SecretAccessKey string `env:"STORAGE_S3_SECRET_ACCESS_KEY"`
	StorageS3SessionToken    string `env:"STORAGE_S3_SESSION_TOKEN"`
	StorageS3ForcePathStyle  bool   `env:"STORAGE_S3_FORCE_PATH_STYLE" envDefault:"false"`
	StorageS3PublicBaseURL   string `env:"STORAGE_S3_PUBLIC_BASE_URL"`

	// 阿里云 OSS 存储配置
	StorageOSSEndpoint        string `env:"STORAGE_OSS_ENDPOINT"`
	StorageOSSBucket          string `env:"STORAGE_OSS_BUCKET"`
	StorageOSSPrefix          string `env:"STORAGE_OSS_PREFIX"`
	StorageOSSAccessKeyID     string `env:"STORAGE_OSS_ACCESS_KEY_ID"`
	StorageOSSAccessKeySecret string `env:"STORAGE_OSS_ACCESS_KEY_SECRET"`
	StorageOSSPublicBaseURL   string `env:"STORAGE_OSS_PUBLIC_BASE_URL"`

	// 腾讯云 COS 存储配置
	StorageCOSBucketURL string `env:"STORAGE_COS_BUCKET_URL"`
	StorageCOSPrefix    string `env:"STORAGE_COS_PREFIX"`
	StorageCOSSecretID  string `env:"STORAGE_COS_SECRET_ID"`
	StorageCOSSecretKey string `env:"STORAGE_COS_SECRET_KEY"`
	StorageCOSPublicURL string `env:"STORAGE_COS_PUBLIC_BASE_URL"`

	// Cloudflare R2 存储配置
	StorageR2AccountID       string `env:"STORAGE_R2_ACCOUNT_ID"`
	StorageR2Endpoint        string `env:"STORAGE_R2_ENDPOINT"`
	StorageR2Region          string `env:"STORAGE_R2_REGION" envDefault:"auto"`
	StorageR2Bucket          string `env:"STORAGE_R2_BUCKET"`
	StorageR2Prefix          string `env:"STORAGE_R2_PREFIX"`
	StorageR2AccessKeyID     string `env:"STORAGE_R2_ACCESS_KEY_ID"`
	StorageR2SecretAccessKey string `env:"STORAGE_R2_SECRET_ACCESS_KEY"`
	StorageR2PublicBaseURL   string `env:"STORAGE_R2_PUBLIC_BASE_URL"`

	JWTSecret       string        `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`
	JWTIssuer       string        `env:"JWT_ISSUER" envDefault:"image-generator-api"`
	JWTExpiration   time.Duration `env:"JWT_EXPIRATION" envDefault:"168h"`
	JWTRefreshedTTL time.Duration `env:"JWT_REFRESHED_EXPIRATION" envDefault:"15m"`
	SessionTTL      time.Duration `env:"SESSION_TTL" envDefault:"168h"`

	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleCallbackURL  string `env:"GOOGLE_CALLBACK_URL" envDefault:"http://localhost:8080/api/auth/google/callback"`
	FrontendURL        string `env:"FRONTEND_URL" envDefault:"http://localhost:3000"`
	// 启动时提升为管理员的邮箱
	AdminEmails []string `env:"ADMIN_EMAILS" envSeparator:","`

	// 生成服务商: deapi / fal / volcengine / gemini
	GenerationProvider string        `env:"GENERATION_PROVIDER" envDefault:"deapi"`
	VendorTimeout      time.Duration `env:"VENDOR_TIMEOUT" envDefault:"60s"`
	DeAPIKey           string        `env:"DEAPI_API_KEY"`
	DeAPIBaseURL       string        `env:"DEAPI_BASE_URL" envDefault:"https://api.deapi.ai/api/v1/client"`
	DeAPIModel         string        `env:"DEAPI_MODEL" envDefault:"QwenImageEdit_Plus_NF4"`
	DeAPISteps         int           `env:"DEAPI_STEPS" envDefault:"20"`
	FalAPIKey          string        `env:"FAL_KEY"`
	FalBaseURL         string        `env:"FAL_QUEUE_URL" envDefault:"https://queue.fal.run"`
	FalModel           string        `env:"FAL_MODEL" envDefault:"fal-ai/qwen-image-edit"`
	VolcengineAPIKey   string        `env:"VOLCENGINE_API_KEY"`
	VolcengineModel    string        `env:"VOLCENGINE_MODEL" envDefault:"doubao-seedream-4-0-250828"`
	GeminiAPIKey       string        `env:"GEMINI_API_KEY"`
	GeminiBaseURL      string        `env:"GEMINI_BASE_URL" envDefault:"https://generativelanguage.googleapis.com/v1beta"`
	GeminiModel        string        `env:"GEMINI_MODEL" envDefault:"gemini-2.5-flash"`
	GeminiImageModel   string        `env:"GEMINI_IMAGE_MODEL" envDefault:"gemini-2.5-flash-image"`

	// 分析服务商: gemini / vision / none
	AnalysisProvider            string `env:"ANALYSIS_PROVIDER" envDefault:"none"`
	GoogleVisionCredentialsFile string `env:"GOOGLE_VISION_CREDENTIALS_FILE"`
	PromptStrategy              string `env:"PROMPT_STRATEGY" envDefault:"fixed"`
	StylePrompt                 string `env:"STYLE_PROMPT"`
	NegativePrompt              string `env:"NEGATIVE_PROMPT"`

	WatermarkText    string  `env:"WATERMARK_TEXT" envDefault:"AI Generator"`
	WatermarkOpacity float64 `env:"WATERMARK_OPACITY" envDefault:"0.3"`

	GenerationCost      int           `env:"GENERATION_COST" envDefault:"1"`
	SignupCredits       int           `env:"SIGNUP_CREDITS" envDefault:"10"`
	AnonymousDailyLimit int           `env:"ANON_DAILY_LIMIT" envDefault:"10"`
	AnonymousCookieName string        `env:"ANON_COOKIE_NAME" envDefault:"anonymousId"`
	AnonymousCookieTTL  time.Duration `env:"ANON_COOKIE_TTL" envDefault:"720h"`
	DedupePolicy        string        `env:"DEDUPE_POLICY" envDefault:"none"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	RateLimitEnabled     bool          `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	RateLimitUpload      int           `env:"RATE_LIMIT_UPLOAD" envDefault:"5"`
	RateLimitUploadEvery time.Duration `env:"RATE_LIMIT_UPLOAD_WINDOW" envDefault:"1h"`
	RateLimitStatus      int           `env:"RATE_LIMIT_STATUS" envDefault:"60"`
	RateLimitStatusEvery time.Duration `env:"RATE_LIMIT_STATUS_WINDOW" envDefault:"1m"`
	RateLimitAPI         int           `env:"RATE_LIMIT_API" envDefault:"100"`
	RateLimitAPIEvery    time.Duration `env:"RATE_LIMIT_API_WINDOW" envDefault:"1h"`

	CronEnabled         bool          `env:"CRON_ENABLED" envDefault:"true"`
	CronPurgeFiles      string        `env:"CRON_PURGE_FILES" envDefault:"@every 1h"`
	CronCleanupSessions string        `env:"CRON_CLEANUP_SESSIONS" envDefault:"@every 6h"`
	CronRepollStale     string        `env:"CRON_REPOLL_STALE" envDefault:"@every 5m"`
	CronCleanupOld      string        `env:"CRON_CLEANUP_GENERATIONS" envDefault:"@daily"`
	StaleAfter          time.Duration `env:"STALE_GENERATION_AFTER" envDefault:"2m"`
	GenerationRetention time.Duration `env:"GENERATION_RETENTION" envDefault:"720h"`
}

// IsProduction 是否为生产环境
func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.AppEnv), EnvProduction)
}

// Validate 校验无法在运行期兜底的配置
func (c Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("JWT_SECRET must not be empty")
	}
	if c.IsProduction() && c.JWTSecret == "dev-secret-change-me" {
		return errors.New("JWT_SECRET must be changed in production")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive, got %d", c.MaxUploadBytes)
	}
	if c.GenerationCost < 0 {
		return fmt.Errorf("GENERATION_COST must not be negative, got %d", c.GenerationCost)
	}
	switch strings.ToLower(strings.TrimSpace(c.GenerationProvider)) {
	case "deapi", "fal", "volcengine", "gemini":
	default:
		return fmt.Errorf("unsupported GENERATION_PROVIDER %q", c.GenerationProvider)
	}
	switch strings.ToLower(strings.TrimSpace(c.AnalysisProvider)) {
	case "", "none", "gemini", "vision":
	default:
		return fmt.Errorf("unsupported ANALYSIS_PROVIDER %q", c.AnalysisProvider)
	}
	switch strings.ToLower(strings.TrimSpace(c.PromptStrategy)) {
	case PromptStrategyFixed, PromptStrategyAnalysis:
	default:
		return fmt.Errorf("unsupported PROMPT_STRATEGY %q", c.PromptStrategy)
	}
	switch strings.ToLower(strings.TrimSpace(c.DedupePolicy)) {
	case DedupePolicyNone, DedupePolicyReuse:
	default:
		return fmt.Errorf("unsupported DEDUPE_POLICY %q", c.DedupePolicy)
	}
	if c.WatermarkOpacity < 0 || c.WatermarkOpacity > 1 {
		return fmt.Errorf("WATERMARK_OPACITY must be within [0,1], got %v", c.WatermarkOpacity)
	}
	return nil
}

// ParseConfig 读取 .env（可选）与环境变量
func ParseConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithError(err).Warn("failed to load .env file")
	}
	var Conf Config
	err := env.Parse(&Conf)
	if err != nil {
		logrus.WithError(err).Error("env.Parse error")
		return Config{}, err
	}
	if err := Conf.Validate(); err != nil {
		return Config{}, err
	}
	return Conf, nil
}
