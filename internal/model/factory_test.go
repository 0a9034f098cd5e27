package model

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"petportrait/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDSN(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Config
		want    string
		wantErr bool
	}{
		{
			name: "mysql 由配置项拼接",
			cfg:  config.Config{DBType: DBTypeMySQL, DBUser: "u", DBPassword: "p", DBAddr: "db", DBPort: "3306", DBName: "pets"},
			want: "u:p@tcp(db:3306)/pets?charset=utf8mb4&parseTime=True&loc=UTC",
		},
		{
			name: "显式 DSN 优先",
			cfg:  config.Config{DBType: DBTypeMySQL, DSNURL: " root@tcp(x)/y ", DBUser: "ignored"},
			want: "root@tcp(x)/y",
		},
		{
			name: "postgres 默认端口",
			cfg:  config.Config{DBType: DBTypePostgres, DBUser: "u", DBPassword: "p", DBAddr: "pg", DBPort: "3306", DBName: "pets"},
			want: "host=pg user=u password=p dbname=pets port=5432 sslmode=disable TimeZone=UTC",
		},
		{
			name: "sqlite 默认路径",
			cfg:  config.Config{DBType: DBTypeSQLite},
			want: "datas/petportrait.db?_busy_timeout=5000&_foreign_keys=on",
		},
		{
			name: "sqlite 内存库",
			cfg:  config.Config{DBType: DBTypeSQLite, DBPath: ":memory:"},
			want: ":memory:",
		},
		{
			name:    "不支持的类型",
			cfg:     config.Config{DBType: "oracle"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildDSN(&tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInitRepositorySQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	repo, err := InitRepository(&config.Config{DBType: DBTypeSQLite, DBPath: path})
	require.NoError(t, err)

	// 目录被创建，表已迁移
	_, err = repo.GetUserByID(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestInitRepositoryRejectsInvalidConfig(t *testing.T) {
	_, err := InitRepository(nil)
	require.Error(t, err)

	_, err = InitRepository(&config.Config{DBType: "mongo"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unsupported database type"))
}
