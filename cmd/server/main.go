package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"petportrait/internal/analysis"
	"petportrait/internal/api"
	"petportrait/internal/auth"
	"petportrait/internal/config"
	"petportrait/internal/imaging"
	"petportrait/internal/llm"
	"petportrait/internal/model"
	"petportrait/internal/ratelimit"
	"petportrait/internal/scheduler"
	"petportrait/internal/service"
	"petportrait/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	// 初始化logger
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)

	// 初始化配置
	cfg, err := config.ParseConfig()
	if err != nil {
		logrus.WithError(err).Error("Failed to parse config")
		os.Exit(1)
	}
	if !cfg.IsProduction() {
		logrus.SetLevel(logrus.DebugLevel)
	}

	repo, err := model.InitRepository(&cfg)
	if err != nil {
		logrus.WithError(err).Error("failed to initialise repository")
		os.Exit(1)
	}
	if err := model.SeedAdminRoles(context.Background(), repo, cfg); err != nil {
		logrus.WithError(err).Warn("failed to seed admin roles")
	}

	public, err := storage.NewStorage(cfg)
	if err != nil {
		logrus.WithError(err).Error("failed to initialise storage")
		os.Exit(1)
	}
	protected, err := storage.NewProtectedStorage(cfg)
	if err != nil {
		logrus.WithError(err).Error("failed to initialise protected storage")
		os.Exit(1)
	}

	generator, err := llm.NewGenerator(cfg)
	if err != nil {
		logrus.WithError(err).Error("failed to initialise image generator")
		os.Exit(1)
	}
	analyzer, err := analysis.NewAnalyzer(context.Background(), cfg)
	if err != nil {
		// 分析失败时回退到固定提示词
		logrus.WithError(err).Warn("failed to initialise analyzer, falling back to none")
		analyzer = analysis.None{}
	}
	watermark, err := imaging.NewWatermarker(cfg.WatermarkText, cfg.WatermarkOpacity)
	if err != nil {
		logrus.WithError(err).Error("failed to initialise watermark")
		os.Exit(1)
	}

	jwtManager, err := auth.NewManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTExpiration)
	if err != nil {
		logrus.WithError(err).Error("failed to initialise jwt manager")
		os.Exit(1)
	}
	var google auth.GoogleProvider
	if client, err := auth.NewGoogleClient(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleCallbackURL); err != nil {
		logrus.WithError(err).Warn("google sign-in disabled")
	} else {
		google = client
	}

	identity := service.NewIdentityService(repo, cfg.AnonymousDailyLimit, cfg.AnonymousCookieTTL)
	generations, err := service.NewGenerationService(service.GenerationDeps{
		Repo:      repo,
		Identity:  identity,
		Intake:    service.NewIntakeService(public, cfg.MaxUploadBytes),
		Generator: generator,
		Analyzer:  analyzer,
		Watermark: watermark,
		Public:    public,
		Protected: protected,
	}, service.GenerationConfigFrom(cfg))
	if err != nil {
		logrus.WithError(err).Error("failed to initialise generation service")
		os.Exit(1)
	}
	sessions := service.NewSessionService(repo, jwtManager, google, service.SessionConfig{
		AccessTTL:     cfg.JWTExpiration,
		RefreshedTTL:  cfg.JWTRefreshedTTL,
		SessionTTL:    cfg.SessionTTL,
		SignupCredits: cfg.SignupCredits,
	})

	limiters, stopLimiters, err := buildLimiters(cfg)
	if err != nil {
		logrus.WithError(err).Error("failed to initialise rate limiters")
		os.Exit(1)
	}
	defer stopLimiters()

	httpHandler := api.NewHTTPHandler(cfg, api.Services{
		Sessions:    sessions,
		Identity:    identity,
		Generations: generations,
		Queries:     service.NewQueryService(repo, generations.URL),
		Credits:     service.NewCreditService(repo),
		Limiters:    limiters,
	})

	// 设置Gin模式
	gin.SetMode(gin.ReleaseMode)
	r := httpHandler.Router()
	mountLocalFiles(r, public, cfg.StoragePublicBaseURL)

	cron := scheduler.New()
	if cfg.CronEnabled {
		reconciler := service.NewReconciler(repo, public, generations, service.ReconcilerConfig{
			StaleAfter: cfg.StaleAfter,
			Retention:  cfg.GenerationRetention,
		})
		if err := cron.AddAll(scheduler.MaintenanceJobs(cfg, reconciler)); err != nil {
			logrus.WithError(err).Error("failed to schedule maintenance jobs")
			os.Exit(1)
		}
		cron.Start()
	}

	serverHost := fmt.Sprintf("0.0.0.0:%s", cfg.HTTPPort)
	httpServer := &http.Server{
		Addr:              serverHost,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      3 * time.Minute,
		IdleTimeout:       5 * time.Minute,
	}

	go func() {
		logrus.WithFields(logrus.Fields{
			"host":     serverHost,
			"provider": generator.Name(),
			"model":    generator.Model(),
			"analysis": analyzer.Name(),
		}).Info("服务器启动")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("服务器启动失败")
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logrus.WithField("signal", sig.String()).Info("shutting down")

	cron.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("http server shutdown failed")
	}
}

// buildLimiters 配置了 REDIS_ADDR 时使用 Redis 令牌桶，否则使用进程内限流
func buildLimiters(cfg config.Config) (map[string]ratelimit.Limiter, func(), error) {
	policies := []ratelimit.Policy{
		{Name: api.PolicyUpload, Limit: cfg.RateLimitUpload, Window: cfg.RateLimitUploadEvery},
		{Name: api.PolicyStatus, Limit: cfg.RateLimitStatus, Window: cfg.RateLimitStatusEvery},
		{Name: api.PolicyAPI, Limit: cfg.RateLimitAPI, Window: cfg.RateLimitAPIEvery},
	}
	limiters := make(map[string]ratelimit.Limiter, len(policies))
	if !cfg.RateLimitEnabled {
		return limiters, func() {}, nil
	}

	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err == nil {
			for _, p := range policies {
				lim, err := ratelimit.NewRedis(rdb, "", p)
				if err != nil {
					_ = rdb.Close()
					return nil, nil, err
				}
				limiters[p.Name] = lim
			}
			logrus.WithField("addr", addr).Info("rate limiter using redis")
			return limiters, func() { _ = rdb.Close() }, nil
		}
		_ = rdb.Close()
		logrus.WithError(err).WithField("addr", addr).Warn("redis unavailable, using in-memory rate limiter")
	}

	var memories []*ratelimit.Memory
	for _, p := range policies {
		lim, err := ratelimit.NewMemory(p)
		if err != nil {
			return nil, nil, err
		}
		go lim.RunGC(time.Minute)
		memories = append(memories, lim)
		limiters[p.Name] = lim
	}
	return limiters, func() {
		for _, m := range memories {
			m.Stop()
		}
	}, nil
}

// mountLocalFiles 本地存储时由本服务提供静态文件
func mountLocalFiles(r *gin.Engine, store storage.Storage, publicBase string) {
	localProvider, ok := store.(storage.LocalBaseDirProvider)
	if !ok {
		return
	}
	publicPrefix := strings.TrimSpace(publicBase)
	if publicPrefix == "" {
		publicPrefix = "/uploads"
	}
	if strings.HasPrefix(publicPrefix, "http://") || strings.HasPrefix(publicPrefix, "https://") {
		return
	}
	if !strings.HasPrefix(publicPrefix, "/") {
		publicPrefix = "/" + publicPrefix
	}
	r.Static(strings.TrimRight(publicPrefix, "/"), localProvider.LocalBaseDir())
}
