// Package lifecycle 位置禁用/启用（每个位置最多一个未关闭的禁用区间）
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wisefido-canister/internal/models"
	"wisefido-canister/internal/repository"
)

var (
	// ErrLocationOccupied 位置上有在用药罐，不能禁用
	ErrLocationOccupied = errors.New("location occupied by a canister")
	// ErrAlreadyDisabled 位置已有未关闭的禁用区间
	ErrAlreadyDisabled = errors.New("location already disabled")
	// ErrNoOpenInterval 位置没有未关闭的禁用区间，不能启用
	ErrNoOpenInterval = errors.New("no open disabled interval")
)

// Tx 禁用/启用所需的事务内操作
type Tx interface {
	LockLocation(ctx context.Context, locationID int64) (*models.Location, error)
	GetCanisterByLocation(ctx context.Context, locationID int64) (*models.Canister, error)
	GetOpenDisabledInterval(ctx context.Context, locationID int64) (*models.DisabledLocationHistory, error)
	InsertDisabledInterval(ctx context.Context, locationID int64, start time.Time, comment string, actor int64) (int64, error)
	CloseDisabledInterval(ctx context.Context, intervalID int64, end time.Time, actor int64) error
	SetLocationDisabled(ctx context.Context, locationID int64, disabled bool) error
	Commit() error
	Rollback() error
}

// SlotReader 工位槽位的实时占用；刚放入槽位的药罐目录位置尚未变化
type SlotReader interface {
	SlotCanister(ctx context.Context, deviceID int64, slot int) (*int64, error)
}

// TxProvider 开启事务
type TxProvider func(ctx context.Context) (Tx, error)

// RepositoryTx 基于目录仓库的事务
func RepositoryTx(repo *repository.CatalogRepository) TxProvider {
	return func(ctx context.Context) (Tx, error) {
		tx, err := repo.BeginTx(ctx)
		if err != nil {
			return nil, err
		}
		return tx, nil
	}
}

// Result 禁用/启用结果
type Result struct {
	LocationID int64     `json:"location_id"`
	IntervalID int64     `json:"interval_id"`
	Disabled   bool      `json:"is_disabled"`
	At         time.Time `json:"at"`
}

// Service 位置生命周期服务
type Service struct {
	begin  TxProvider
	slots  SlotReader
	logger *zap.Logger
	now    func() time.Time
}

// NewService 创建位置生命周期服务；slots 为 nil 时只按目录判断占用
func NewService(begin TxProvider, slots SlotReader, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{begin: begin, slots: slots, logger: logger, now: time.Now}
}

// Disable 禁用位置：位置被占用或已禁用时失败
func (s *Service) Disable(ctx context.Context, locationID, actor int64, comment string) (*Result, error) {
	var res *Result
	err := s.inTx(ctx, func(tx Tx) error {
		loc, err := tx.LockLocation(ctx, locationID)
		if err != nil {
			return err
		}

		open, err := tx.GetOpenDisabledInterval(ctx, locationID)
		if err != nil {
			return err
		}
		if open != nil {
			return fmt.Errorf("location %d (interval %d): %w", locationID, open.ID, ErrAlreadyDisabled)
		}

		c, err := tx.GetCanisterByLocation(ctx, locationID)
		switch {
		case err == nil:
			return fmt.Errorf("location %d holds canister %d: %w", locationID, c.CanisterID, ErrLocationOccupied)
		case !errors.Is(err, repository.ErrNotFound):
			return err
		}

		if s.slots != nil {
			occupant, err := s.slots.SlotCanister(ctx, loc.DeviceID, loc.LocationNumber)
			if err != nil {
				return fmt.Errorf("read slot occupancy for location %d: %w", locationID, err)
			}
			if occupant != nil {
				return fmt.Errorf("slot %d of device %d holds canister %d: %w", loc.LocationNumber, loc.DeviceID, *occupant, ErrLocationOccupied)
			}
		}

		at := s.now()
		id, err := tx.InsertDisabledInterval(ctx, locationID, at, comment, actor)
		if err != nil {
			return err
		}
		if err := tx.SetLocationDisabled(ctx, locationID, true); err != nil {
			return err
		}
		res = &Result{LocationID: locationID, IntervalID: id, Disabled: true, At: at}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Location disabled",
		zap.Int64("location_id", locationID),
		zap.Int64("interval_id", res.IntervalID),
		zap.Int64("user_id", actor),
	)
	return res, nil
}

// Enable 启用位置：关闭最新的未关闭区间；没有时失败且不做任何修改
func (s *Service) Enable(ctx context.Context, locationID, actor int64) (*Result, error) {
	var res *Result
	err := s.inTx(ctx, func(tx Tx) error {
		if _, err := tx.LockLocation(ctx, locationID); err != nil {
			return err
		}

		open, err := tx.GetOpenDisabledInterval(ctx, locationID)
		if err != nil {
			return err
		}
		if open == nil {
			return fmt.Errorf("location %d: %w", locationID, ErrNoOpenInterval)
		}

		at := s.now()
		if err := tx.CloseDisabledInterval(ctx, open.ID, at, actor); err != nil {
			return err
		}
		if err := tx.SetLocationDisabled(ctx, locationID, false); err != nil {
			return err
		}
		res = &Result{LocationID: locationID, IntervalID: open.ID, Disabled: false, At: at}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Location enabled",
		zap.Int64("location_id", locationID),
		zap.Int64("interval_id", res.IntervalID),
		zap.Int64("user_id", actor),
	)
	return res, nil
}

func (s *Service) inTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit lifecycle tx: %w", err)
	}
	return nil
}
