package lock

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"
)

// MySQLBackend 基于 MySQL 命名锁（GET_LOCK / RELEASE_LOCK）
// 命名锁属于会话，因此每把锁独占一个连接直到释放
type MySQLBackend struct {
	db *sql.DB
}

// NewMySQLBackend 创建 MySQL 锁后端
func NewMySQLBackend(db *sql.DB) *MySQLBackend {
	return &MySQLBackend{db: db}
}

type mysqlSession struct {
	conn *sql.Conn
	name string
}

// Acquire GET_LOCK 返回 1 成功，0 超时，NULL 出错（例如被 kill）
// 死锁检测选中时 MySQL 直接返回错误
func (b *MySQLBackend) Acquire(ctx context.Context, name string, timeout time.Duration) (Session, bool, error) {
	conn, err := b.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("get connection: %w", err)
	}

	var granted sql.NullInt64
	seconds := int64(math.Ceil(timeout.Seconds()))
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", name, seconds).Scan(&granted); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("GET_LOCK %s: %w", name, err)
	}

	if !granted.Valid || granted.Int64 != 1 {
		conn.Close()
		return nil, false, nil
	}

	return &mysqlSession{conn: conn, name: name}, true, nil
}

// Inspect IS_USED_LOCK 返回持有者连接 ID 或 NULL
func (b *MySQLBackend) Inspect(ctx context.Context, name string) (bool, error) {
	var holder sql.NullInt64
	if err := b.db.QueryRowContext(ctx, "SELECT IS_USED_LOCK(?)", name).Scan(&holder); err != nil {
		return false, fmt.Errorf("IS_USED_LOCK %s: %w", name, err)
	}
	return holder.Valid, nil
}

// Release RELEASE_LOCK 返回 1 释放成功，0 不是本会话持有，NULL 锁不存在
// 无论结果如何都归还连接
func (s *mysqlSession) Release(ctx context.Context) (bool, error) {
	defer s.conn.Close()

	var released sql.NullInt64
	if err := s.conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", s.name).Scan(&released); err != nil {
		return false, fmt.Errorf("RELEASE_LOCK %s: %w", s.name, err)
	}
	return released.Valid && released.Int64 == 1, nil
}
