package reconcile

import (
	"context"

	"wisefido-canister/internal/models"
	"wisefido-canister/internal/repository"
)

// Catalog 对账过程所需的目录读取；不存在的记录返回包装过的 repository.ErrNotFound
type Catalog interface {
	GetDevice(ctx context.Context, deviceID int64) (*models.Device, error)
	GetLocation(ctx context.Context, locationID int64) (*models.Location, error)
	GetLocationByNumber(ctx context.Context, deviceID int64, number int) (*models.Location, error)
	GetLocationByDisplay(ctx context.Context, deviceID int64, display string) (*models.Location, error)
	GetCanister(ctx context.Context, canisterID int64) (*models.Canister, error)
	GetCanisterByRFID(ctx context.Context, rfid string) (*models.Canister, error)
	GetOccupiedSlots(ctx context.Context, deviceID int64) (map[int]int64, error)
	GetBatchPlan(ctx context.Context, deviceID int64) (*models.BatchPlan, error)
	IsLocationEmpty(ctx context.Context, locationID, ignoreCanisterID int64) (bool, error)
	FindEmptyCartLocation(ctx context.Context, cartID int64, drawerLevel *int, exclude []int64) (*int64, error)
}

// CatalogWriter 一次对账暂存结果的落库操作
type CatalogWriter interface {
	UpdateCanisterLocations(ctx context.Context, moves map[int64]*int64) error
	AppendHistory(ctx context.Context, entries []models.CanisterHistory) error
	AssociateCanisters(ctx context.Context, assoc map[int64]*int64) error
	MarkTransferDone(ctx context.Context, assignmentIDs []int64) error
	ReactivateCanisters(ctx context.Context, canisterIDs []int64) error
}

// CatalogTx 事务内的目录读写
type CatalogTx interface {
	Catalog
	CatalogWriter
	Commit() error
	Rollback() error
}

// CatalogStore 目录读取 + 事务入口
type CatalogStore interface {
	Catalog
	BeginTx(ctx context.Context) (CatalogTx, error)
}

type repositoryStore struct {
	*repository.CatalogRepository
}

func (s repositoryStore) BeginTx(ctx context.Context) (CatalogTx, error) {
	tx, err := s.CatalogRepository.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// NewCatalogStore PostgreSQL 目录仓库 -> CatalogStore
func NewCatalogStore(repo *repository.CatalogRepository) CatalogStore {
	return repositoryStore{CatalogRepository: repo}
}
