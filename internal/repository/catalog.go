package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrNotFound 目录中不存在该记录
var ErrNotFound = errors.New("not found")

// querier *sql.DB 与 *sql.Tx 的公共子集
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CatalogRepository 药罐/位置/设备/批次目录（PostgreSQL）
type CatalogRepository struct {
	db     *sql.DB
	q      querier
	logger *zap.Logger
}

// NewCatalogRepository 创建目录仓库
func NewCatalogRepository(db *sql.DB, logger *zap.Logger) *CatalogRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogRepository{db: db, q: db, logger: logger}
}

// CatalogTx 事务内的目录仓库，读写方法与 CatalogRepository 相同
type CatalogTx struct {
	*CatalogRepository
	tx *sql.Tx
}

// BeginTx 开启事务
func (r *CatalogRepository) BeginTx(ctx context.Context) (*CatalogTx, error) {
	if r.db == nil {
		return nil, errors.New("catalog repository has no database handle")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin catalog tx: %w", err)
	}
	return &CatalogTx{
		CatalogRepository: &CatalogRepository{db: r.db, q: tx, logger: r.logger},
		tx:                tx,
	}, nil
}

// Commit 提交事务
func (t *CatalogTx) Commit() error {
	return t.tx.Commit()
}

// Rollback 回滚事务；已提交时返回 sql.ErrTxDone
func (t *CatalogTx) Rollback() error {
	return t.tx.Rollback()
}

func nullInt64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullIntPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func int64Arg(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func intArg(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}
