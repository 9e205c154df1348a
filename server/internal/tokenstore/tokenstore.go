package tokenstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("token record not found")

// Record 是某个平台的一条 session token 记录。
// 对核心而言内容不透明：adapter 自己决定 access/refresh 的含义。
type Record struct {
	Platform  string
	Access    string
	Refresh   string
	UpdatedAt time.Time
}

// Store 用 sqlite 持久化各平台的 session token（每平台一条）。
// 只有 adapter 读写它，核心其余部分不感知。
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS tokens (
	platform   TEXT PRIMARY KEY,
	access     TEXT NOT NULL,
	refresh    TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`

// Open 打开（必要时创建）token 数据库。
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open token db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init token schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Get 返回指定平台的 token 记录，不存在时返回 ErrNotFound。
func (s *Store) Get(ctx context.Context, platform string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT access, refresh, updated_at FROM tokens WHERE platform = ?`, platform)

	var rec Record
	var updatedAt int64
	if err := row.Scan(&rec.Access, &rec.Refresh, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query token: %w", err)
	}
	rec.Platform = platform
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}

// Put 写入或更新一条记录（每平台一条）。
func (s *Store) Put(ctx context.Context, rec *Record) error {
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (platform, access, refresh, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(platform) DO UPDATE SET access = excluded.access,
		 refresh = excluded.refresh, updated_at = excluded.updated_at`,
		rec.Platform, rec.Access, rec.Refresh, updatedAt.Unix())
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// Delete 删除指定平台的记录（登录凭证失效时调用）。
func (s *Store) Delete(ctx context.Context, platform string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE platform = ?`, platform); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// Close 关闭底层数据库。
func (s *Store) Close() error {
	return s.db.Close()
}
