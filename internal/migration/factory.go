package migration

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/hivecoord/config"
)

// ErrNoSchema memory 驱动没有可迁移的 schema
var ErrNoSchema = errors.New("database driver memory has no schema to migrate")

// ConfigFromDatabase 由 database 配置段生成迁移配置
func ConfigFromDatabase(db config.DatabaseConfig) (Config, error) {
	if db.Driver == "" || db.Driver == "memory" {
		return Config{}, ErrNoSchema
	}
	t, err := ParseDatabaseType(db.Driver)
	if err != nil {
		return Config{}, err
	}
	if t == DatabaseTypeSQLite && db.Name == "" {
		return Config{}, fmt.Errorf("sqlite requires database.name as file path")
	}
	return Config{
		DatabaseType: t,
		DatabaseURL:  BuildDatabaseURL(t, db.Host, db.Port, db.Name, db.User, db.Password, db.SSLMode),
	}, nil
}

// NewMigratorFromDatabaseConfig 按 database 配置创建迁移器
func NewMigratorFromDatabaseConfig(db config.DatabaseConfig, logger *zap.Logger) (*DefaultMigrator, error) {
	cfg, err := ConfigFromDatabase(db)
	if err != nil {
		return nil, err
	}
	cfg.Logger = logger
	return NewMigrator(cfg)
}
