package document

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wisefido-canister/internal/models"
)

// RealtimeSyncError 乐观写入重试耗尽
type RealtimeSyncError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *RealtimeSyncError) Error() string {
	return fmt.Sprintf("realtime sync failed for %s after %d attempts: %v", e.Key, e.Attempts, e.Err)
}

func (e *RealtimeSyncError) Unwrap() error {
	return e.Err
}

// Finalizer 与文档写入绑定的外部工作单元（例如目录库事务）
type Finalizer interface {
	Commit() error
	Rollback() error
}

// PatchFunc 基于当前文档重新计算新文档；返回的 Finalizer 在文档写入成功后提交，冲突时回滚
// Finalizer 可以为 nil
type PatchFunc func(ctx context.Context, current *models.ReconciliationDocument) (*models.ReconciliationDocument, Finalizer, error)

// CommitResult 写入结果
type CommitResult struct {
	Document *models.ReconciliationDocument
	Revision int64
	Attempts int
}

// Writer 乐观文档写入器：读 -> 计算 -> 比较并写入，冲突时整体重算
type Writer struct {
	store       Store
	maxAttempts int
	backoff     time.Duration
	logger      *zap.Logger
}

// NewWriter 创建写入器；maxAttempts <= 0 时按 3 次
func NewWriter(store Store, maxAttempts int, backoff time.Duration, logger *zap.Logger) *Writer {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{store: store, maxAttempts: maxAttempts, backoff: backoff, logger: logger}
}

// Commit 执行一次带重试的写入
func (w *Writer) Commit(ctx context.Context, key string, patch PatchFunc) (*CommitResult, error) {
	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := w.wait(ctx, attempt); err != nil {
				return nil, err
			}
		}

		current, err := w.store.Read(ctx, key)
		if err != nil {
			return nil, err
		}

		next, fin, err := patch(ctx, current.Clone())
		if err != nil {
			rollback(fin)
			return nil, err
		}

		rev, err := w.store.WriteIfRevisionMatches(ctx, key, current.Revision, next)
		if errors.Is(err, ErrConcurrentModification) {
			rollback(fin)
			lastErr = err
			w.logger.Info("Document changed during reconciliation, retrying",
				zap.String("key", key),
				zap.Int("attempt", attempt),
				zap.Int64("revision", current.Revision),
			)
			continue
		}
		if err != nil {
			rollback(fin)
			return nil, err
		}

		if fin != nil {
			if err := fin.Commit(); err != nil {
				w.compensate(ctx, key, rev, current)
				return nil, fmt.Errorf("commit staged changes: %w", err)
			}
		}

		next.Revision = rev
		return &CommitResult{Document: next, Revision: rev, Attempts: attempt}, nil
	}

	return nil, &RealtimeSyncError{Key: key, Attempts: w.maxAttempts, Err: lastErr}
}

// Read 读取当前文档
func (w *Writer) Read(ctx context.Context, key string) (*models.ReconciliationDocument, error) {
	return w.store.Read(ctx, key)
}

func (w *Writer) wait(ctx context.Context, attempt int) error {
	if w.backoff <= 0 {
		return nil
	}
	d := w.backoff << (attempt - 2)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// compensate 外部事务提交失败时把文档写回原内容
func (w *Writer) compensate(ctx context.Context, key string, rev int64, previous *models.ReconciliationDocument) {
	if _, err := w.store.WriteIfRevisionMatches(ctx, key, rev, previous); err != nil {
		w.logger.Error("Failed to restore document after commit failure",
			zap.String("key", key),
			zap.Int64("revision", rev),
			zap.Error(err),
		)
		return
	}
	w.logger.Warn("Document restored after commit failure",
		zap.String("key", key),
		zap.Int64("revision", rev),
	)
}

func rollback(fin Finalizer) {
	if fin != nil {
		_ = fin.Rollback()
	}
}
