package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Postgres SQLSTATE
const (
	codeUndefinedColumn       = "42703"
	codeUndefinedTable        = "42P01"
	codeInsufficientPrivilege = "42501"
)

var (
	// ErrTableMissing 上游表不存在
	ErrTableMissing = errors.New("table missing")
	// ErrColumnMissing 所有候选列名都不存在
	ErrColumnMissing = errors.New("column missing")
)

// Classify 把上游错误归类, 用于日志和告警
func Classify(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrTableMissing) {
		return "table_missing"
	}
	if errors.Is(err, ErrColumnMissing) {
		return "column_missing"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUndefinedColumn:
			return "column_missing"
		case codeUndefinedTable:
			return "table_missing"
		case codeInsufficientPrivilege:
			return "permission_denied"
		}
		return "sqlstate_" + pgErr.Code
	}
	return "unavailable"
}

func isUndefinedColumn(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUndefinedColumn
}

// columnSet 一张表的实际列名 (小写)
type columnSet map[string]bool

// pick 返回第一个存在的候选列
func (c columnSet) pick(candidates ...string) (string, bool) {
	for _, name := range candidates {
		if c[strings.ToLower(name)] {
			return strings.ToLower(name), true
		}
	}
	return "", false
}

// require 同 pick, 都不存在时返回 ErrColumnMissing
func (c columnSet) require(table string, candidates ...string) (string, error) {
	if col, ok := c.pick(candidates...); ok {
		return col, nil
	}
	return "", fmt.Errorf("%w: %s.{%s}", ErrColumnMissing, table, strings.Join(candidates, ","))
}

// schemaCache 缓存 information_schema 查询结果, 上游改列名后清掉重查
type schemaCache struct {
	db *gorm.DB

	mu     sync.RWMutex
	tables map[string]columnSet
}

func newSchemaCache(db *gorm.DB) *schemaCache {
	return &schemaCache{db: db, tables: make(map[string]columnSet)}
}

func (s *schemaCache) columns(ctx context.Context, table string) (columnSet, error) {
	s.mu.RLock()
	cols, ok := s.tables[table]
	s.mu.RUnlock()
	if ok {
		return cols, nil
	}

	var names []string
	err := s.db.WithContext(ctx).Raw(
		"SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = ?",
		table,
	).Scan(&names).Error
	if err != nil {
		return nil, fmt.Errorf("load columns of %s: %w", table, err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTableMissing, table)
	}

	cols = make(columnSet, len(names))
	for _, n := range names {
		cols[strings.ToLower(n)] = true
	}

	s.mu.Lock()
	s.tables[table] = cols
	s.mu.Unlock()
	return cols, nil
}

func (s *schemaCache) forget(table string) {
	s.mu.Lock()
	delete(s.tables, table)
	s.mu.Unlock()
}

// withColumns 执行查询; 遇到 undefined column 时刷新列缓存再试一次
// 返回的错误带上表名和分类, 便于在 degraded 提示中定位
func (s *schemaCache) withColumns(ctx context.Context, table string, fn func(cols columnSet) error) (err error) {
	defer func() {
		if err != nil {
			err = &UpstreamError{Table: table, Class: Classify(err), Err: err}
		}
	}()

	cols, err := s.columns(ctx, table)
	if err != nil {
		return err
	}
	err = fn(cols)
	if !isUndefinedColumn(err) {
		return err
	}

	s.forget(table)
	if cols, err = s.columns(ctx, table); err != nil {
		return err
	}
	return fn(cols)
}

// UpstreamError 上游查询失败
type UpstreamError struct {
	Table string
	Class string
	Err   error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Table, e.Class, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// textExpr 列转成文本, 兼容 uuid/bigint 主键
func textExpr(col string) string {
	return fmt.Sprintf("CAST(%s AS TEXT)", col)
}

// optional 列不存在时用默认表达式
func optional(cols columnSet, fallback string, candidates ...string) string {
	if col, ok := cols.pick(candidates...); ok {
		return col
	}
	return fallback
}
