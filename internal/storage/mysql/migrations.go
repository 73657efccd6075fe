package mysql

import (
	"context"
	"database/sql"
	"io/fs"
	"slices"
	"strings"
	"time"

	"BountyMesh/deploy/migrations"
	xerrors "BountyMesh/internal/errors"
)

var embeddedMigrations fs.ReadFileFS = migrations.Files

const (
	createVersionTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`
	selectVersions = `SELECT version FROM schema_migrations`
	insertVersion  = `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`
)

// migration 是一个 SQL 文件，文件名前缀即版本号。
type migration struct {
	version    string
	file       string
	statements []string
}

// Migrate 按版本顺序执行尚未应用的迁移，每个文件占用一个事务。
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createVersionTable); err != nil {
		return storageError(err, "创建 schema_migrations 表失败")
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	pending, err := readMigrations(embeddedMigrations)
	if err != nil {
		return err
	}

	for _, m := range pending {
		if applied[m.version] {
			continue
		}
		if err := m.apply(ctx, db); err != nil {
			return err
		}
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, selectVersions)
	if err != nil {
		return nil, storageError(err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	versions := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, storageError(err, "解析 schema_migrations 失败")
		}
		versions[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历 schema_migrations 失败")
	}
	return versions, nil
}

func (m migration) apply(ctx context.Context, db *sql.DB) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return storageError(err, "开启迁移事务失败")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return storageError(err, "执行迁移失败", xerrors.WithMetadata("file", m.file))
		}
	}
	if _, err := tx.ExecContext(ctx, insertVersion, m.version, time.Now().Unix()); err != nil {
		return storageError(err, "记录迁移版本失败", xerrors.WithMetadata("version", m.version))
	}
	if err := tx.Commit(); err != nil {
		return storageError(err, "提交迁移事务失败")
	}
	return nil
}

func readMigrations(fsys fs.ReadFileFS) ([]migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, storageError(err, "读取迁移目录失败")
	}

	out := make([]migration, 0, len(names))
	for _, name := range names {
		content, err := fsys.ReadFile(name)
		if err != nil {
			return nil, storageError(err, "读取迁移文件失败", xerrors.WithMetadata("file", name))
		}
		statements := splitSQLStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		out = append(out, migration{
			version:    parseMigrationVersion(name),
			file:       name,
			statements: statements,
		})
	}

	slices.SortFunc(out, func(a, b migration) int {
		if c := strings.Compare(a.version, b.version); c != 0 {
			return c
		}
		return strings.Compare(a.file, b.file)
	})
	return out, nil
}

// splitSQLStatements 以分号切分语句。迁移文件中不允许出现含分号的字面量。
func splitSQLStatements(content string) []string {
	var statements []string
	for _, stmt := range strings.Split(content, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}

func parseMigrationVersion(name string) string {
	name = strings.TrimSuffix(name, ".sql")
	if version, _, ok := strings.Cut(name, "_"); ok && version != "" {
		return version
	}
	return name
}

func storageError(cause error, message string, opts ...xerrors.Option) error {
	return xerrors.Wrap(xerrors.CodeStorageFailure, cause, message, opts...)
}
