package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"petportrait/internal/config"
	"petportrait/internal/entity"
	"petportrait/internal/model/sql"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

const (
	DBTypeMySQL    = "mysql"
	DBTypeSQLite   = "sqlite"
	DBTypePostgres = "postgres"
)

const defaultSQLitePath = "datas/petportrait.db"

// tables 需要自动迁移的表
var tables = []any{
	&entity.DbUser{},
	&entity.DbSession{},
	&entity.DbAnonymousSession{},
	&entity.DbImage{},
	&entity.DbGeneration{},
}

// InitRepository 按 DBType 打开数据库、迁移表结构并返回仓库
func InitRepository(cfg *config.Config) (Repository, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}
	db, err := openDB(dialector)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.DBType, err)
	}
	if err := db.AutoMigrate(tables...); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	logrus.WithField("db_type", cfg.DBType).Info("repository ready")
	return sql.NewGormRepository(db), nil
}

func dialectorFor(cfg *config.Config) (gorm.Dialector, error) {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}
	switch cfg.DBType {
	case DBTypeMySQL:
		return mysql.Open(dsn), nil
	case DBTypePostgres:
		return postgres.Open(dsn), nil
	default:
		// SQLite 只会创建文件，目录需要提前存在
		if dir := filepath.Dir(strings.SplitN(dsn, "?", 2)[0]); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
			}
		}
		return sqlite.Open(dsn), nil
	}
}

// buildDSN 优先使用 DSN_URL，否则由分散的配置项拼出连接串
func buildDSN(cfg *config.Config) (string, error) {
	explicit := strings.TrimSpace(cfg.DSNURL)
	switch cfg.DBType {
	case DBTypeMySQL:
		if explicit != "" {
			return explicit, nil
		}
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.DBUser, cfg.DBPassword, cfg.DBAddr, cfg.DBPort, cfg.DBName), nil
	case DBTypePostgres:
		if explicit != "" {
			return explicit, nil
		}
		port := cfg.DBPort
		if port == "" || port == "3306" {
			port = "5432"
		}
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
			cfg.DBAddr, cfg.DBUser, cfg.DBPassword, cfg.DBName, port), nil
	case DBTypeSQLite:
		path := strings.TrimSpace(cfg.DBPath)
		if path == "" {
			path = defaultSQLitePath
		}
		if path == ":memory:" || strings.Contains(path, "?") {
			return path, nil
		}
		// 并发写入时等待锁而不是直接返回 SQLITE_BUSY
		return path + "?_busy_timeout=5000&_foreign_keys=on", nil
	default:
		return "", fmt.Errorf("unsupported database type: %q", cfg.DBType)
	}
}

func openDB(dialector gorm.Dialector) (*gorm.DB, error) {
	// 慢查询和错误进 logrus，和业务日志同一个输出
	gormLogger := logger.New(logrus.StandardLogger(), logger.Config{
		SlowThreshold:             5 * time.Second,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   gormLogger,
		DisableForeignKeyConstraintWhenMigrating: true,
		NamingStrategy:                           schema.NamingStrategy{SingularTable: true},
		NowFunc:                                  func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}

	pool, err := db.DB()
	if err != nil {
		return nil, err
	}
	pool.SetMaxIdleConns(10)
	pool.SetMaxOpenConns(50)
	pool.SetConnMaxLifetime(time.Hour)
	return db, nil
}
