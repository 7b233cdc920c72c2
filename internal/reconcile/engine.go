// Package reconcile RFID 读数与批次期望分配的对账引擎
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wisefido-canister/internal/document"
	"wisefido-canister/internal/models"
)

// ReconciliationResult 对账结果
type ReconciliationResult struct {
	SessionID       string                      `json:"session_id"`
	DeviceID        int64                       `json:"device_id"`
	PerSlotSummary  map[int]*models.SlotSummary `json:"per_slot_summary"`
	HistoryAppended []models.CanisterHistory    `json:"history_appended"`
	Errors          []SlotError                 `json:"errors"`
	Revision        int64                       `json:"revision"`
	Attempts        int                         `json:"attempts"`
}

// Options 引擎参数
type Options struct {
	DocumentKeyPrefix  string
	SlotsPerPCB        int
	RestingDrawerLevel int
	EmptyRFID          string
}

// Engine 对账引擎：同一设备串行，不同设备并发
type Engine struct {
	store  CatalogStore
	writer *document.Writer
	opts   Options
	locks  *deviceLocks
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine 创建对账引擎
func NewEngine(store CatalogStore, writer *document.Writer, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  store,
		writer: writer,
		opts:   opts,
		locks:  newDeviceLocks(),
		logger: logger,
		now:    time.Now,
	}
}

// Locations 非事务的位置解析器（工位读数换算用）
func (e *Engine) Locations() *LocationResolver {
	return NewLocationResolver(e.store, e.opts.SlotsPerPCB)
}

// SlotCanister 对账文档中槽位当前的药罐；没有记录返回 nil
func (e *Engine) SlotCanister(ctx context.Context, deviceID int64, slot int) (*int64, error) {
	device, err := e.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	doc, err := e.writer.Read(ctx, document.Key(e.opts.DocumentKeyPrefix, device.SystemID))
	if err != nil {
		return nil, err
	}
	sec := doc.Device(deviceID)
	if sec == nil {
		return nil, nil
	}
	sum := sec.Slots[slot]
	if sum == nil {
		return nil, nil
	}
	return copyID(sum.CurrentCanisterID), nil
}

// Reconcile 执行一次对账
//
// 每次尝试开启一个目录事务，基于最新读取的文档重新计算；
// 文档比较并写入成功后才提交事务，冲突时回滚并重试。
func (e *Engine) Reconcile(ctx context.Context, req ReconcileRequest) (*ReconciliationResult, error) {
	if len(req.Reads) == 0 {
		return nil, ErrMissingReads
	}

	unlock := e.locks.lock(req.DeviceID)
	defer unlock()

	device, err := e.store.GetDevice(ctx, req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("reconcile device %d: %w", req.DeviceID, err)
	}

	sessionID := uuid.NewString()
	key := document.Key(e.opts.DocumentKeyPrefix, device.SystemID)
	cfg := SessionConfig{
		SlotsPerPCB:        e.opts.SlotsPerPCB,
		RestingDrawerLevel: e.opts.RestingDrawerLevel,
		EmptyRFID:          e.opts.EmptyRFID,
	}

	var session *Session
	res, err := e.writer.Commit(ctx, key, func(ctx context.Context, cur *models.ReconciliationDocument) (*models.ReconciliationDocument, document.Finalizer, error) {
		tx, err := e.store.BeginTx(ctx)
		if err != nil {
			return nil, nil, err
		}

		s := NewSession(sessionID, device, req, tx, cfg, e.now(), e.logger)
		staged, section, err := s.Run(ctx, cur.Device(device.DeviceID))
		if err != nil {
			return nil, tx, err
		}
		if err := staged.Apply(ctx, tx); err != nil {
			return nil, tx, err
		}

		cur.SystemID = device.SystemID
		cur.Devices[device.DeviceID] = section
		session = s
		return cur, tx, nil
	})
	if err != nil {
		e.logger.Error("Reconciliation failed",
			zap.String("session_id", sessionID),
			zap.Int64("device_id", req.DeviceID),
			zap.Error(err),
		)
		return nil, err
	}

	result := session.Result()
	result.Revision = res.Revision
	result.Attempts = res.Attempts

	e.logger.Info("Reconciliation committed",
		zap.String("session_id", sessionID),
		zap.Int64("device_id", req.DeviceID),
		zap.Int("attempt", res.Attempts),
		zap.Int64("revision", res.Revision),
		zap.Int("history", len(result.HistoryAppended)),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// deviceLocks 按设备ID加锁
type deviceLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newDeviceLocks() *deviceLocks {
	return &deviceLocks{locks: make(map[int64]*sync.Mutex)}
}

func (l *deviceLocks) lock(deviceID int64) (unlock func()) {
	l.mu.Lock()
	m, ok := l.locks[deviceID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[deviceID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
