package mysql

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"

	xerrors "BountyMesh/internal/errors"
)

// ErrUnsupportedDriver 表示配置了未知的存储驱动。
var ErrUnsupportedDriver = errors.New("unsupported storage driver")

// Config 描述 MySQL 连接池参数。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Open 建立连接池并执行迁移。DSN 中未开启的 parseTime 会被强制打开。
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	db, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func connect(ctx context.Context, cfg Config) (*sql.DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "MySQL DSN 不能为空")
	}
	parsed, err := driver.ParseDSN(dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, "MySQL DSN 格式无效")
	}
	parsed.ParseTime = true

	connector, err := driver.NewConnector(parsed)
	if err != nil {
		return nil, storageError(err, "创建 MySQL 连接器失败")
	}
	db := sql.OpenDB(connector)
	applyPool(db, cfg)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL",
			xerrors.WithMetadata("addr", parsed.Addr))
	}
	return db, nil
}

func applyPool(db *sql.DB, cfg Config) {
	db.SetMaxOpenConns(positiveOr(cfg.MaxOpenConns, 20))
	db.SetMaxIdleConns(positiveOr(cfg.MaxIdleConns, 10))
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
