package reconcile

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"wisefido-canister/internal/models"
)

// ClaimSet 本次对账中已分配出去的位置，只在单次对账内使用
type ClaimSet map[int64]struct{}

// NewClaimSet 创建空集合
func NewClaimSet() ClaimSet {
	return make(ClaimSet)
}

// Claim 占用位置
func (c ClaimSet) Claim(locationID int64) {
	c[locationID] = struct{}{}
}

// Has 位置是否已被占用
func (c ClaimSet) Has(locationID int64) bool {
	_, ok := c[locationID]
	return ok
}

// IDs 升序列出已占用位置
func (c ClaimSet) IDs() []int64 {
	ids := make([]int64, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type restingRule struct {
	name    string
	match   func(c *models.Canister) bool
	resolve func(s *RestingSearch, ctx context.Context, c *models.Canister, claims ClaimSet) (*int64, error)
}

// 按顺序匹配，命中第一条即返回
var restingRules = []restingRule{
	{
		name:  "inactive",
		match: func(c *models.Canister) bool { return c.IsInactive() },
		resolve: func(*RestingSearch, context.Context, *models.Canister, ClaimSet) (*int64, error) {
			return nil, nil
		},
	},
	{
		name: "transferred_filling",
		match: func(c *models.Canister) bool {
			return c.TempFilling != nil && c.TempFilling.TransferDone
		},
		resolve: (*RestingSearch).trolleyLocation,
	},
	{
		name: "filled_on_trolley",
		match: func(c *models.Canister) bool {
			return c.TempFilling == nil &&
				(c.Status == models.CanisterStatusFilled || c.Status == models.CanisterStatusVerified)
		},
		resolve: (*RestingSearch).trolleyLocation,
	},
	{
		name: "refill_required",
		match: func(c *models.Canister) bool {
			return c.Status == models.CanisterStatusMVSFillingRequired || c.Status == models.CanisterStatusRTSRequired
		},
		resolve: (*RestingSearch).recordedOrDrawerLevel,
	},
	{
		name: "home_cart",
		match: func(c *models.Canister) bool {
			return c.Status == models.CanisterStatusMVSFilled || c.Status == models.CanisterStatusDropped
		},
		resolve: func(s *RestingSearch, ctx context.Context, c *models.Canister, claims ClaimSet) (*int64, error) {
			return s.emptyOnHomeCart(ctx, c, nil, claims)
		},
	},
}

// RestingSearch 推断药罐的停放位置
type RestingSearch struct {
	catalog     Catalog
	drawerLevel int
	logger      *zap.Logger
}

// NewRestingSearch 创建停放位置搜索；drawerLevel 为待补灌药罐使用的小车抽屉层
func NewRestingSearch(catalog Catalog, drawerLevel int, logger *zap.Logger) *RestingSearch {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RestingSearch{catalog: catalog, drawerLevel: drawerLevel, logger: logger}
}

// Find 计算停放位置并写入 claims；没有候选位置返回 nil
// 返回的位置一定不在调用前的 claims 中，停用药罐一定返回 nil
func (s *RestingSearch) Find(ctx context.Context, c *models.Canister, claims ClaimSet) (*int64, error) {
	for _, rule := range restingRules {
		if !rule.match(c) {
			continue
		}
		loc, err := rule.resolve(s, ctx, c, claims)
		if err != nil {
			return nil, err
		}
		if loc != nil && claims.Has(*loc) {
			loc = nil
		}
		if loc != nil {
			claims.Claim(*loc)
		}
		s.logger.Debug("Resting location resolved",
			zap.Int64("canister_id", c.CanisterID),
			zap.String("rule", rule.name),
			zap.Any("location_id", loc),
		)
		return loc, nil
	}
	return nil, nil
}

// trolleyLocation 记录的小车位置；已被占用时退到小车上的任意空位
func (s *RestingSearch) trolleyLocation(ctx context.Context, c *models.Canister, claims ClaimSet) (*int64, error) {
	if c.TrolleyLocationID != nil {
		ok, err := s.available(ctx, *c.TrolleyLocationID, c.CanisterID, claims)
		if err != nil {
			return nil, err
		}
		if ok {
			return c.TrolleyLocationID, nil
		}
	}
	return s.emptyOnHomeCart(ctx, c, nil, claims)
}

// recordedOrDrawerLevel 记录的位置为空时沿用，否则取固定抽屉层的空位
func (s *RestingSearch) recordedOrDrawerLevel(ctx context.Context, c *models.Canister, claims ClaimSet) (*int64, error) {
	if c.TrolleyLocationID != nil {
		ok, err := s.available(ctx, *c.TrolleyLocationID, c.CanisterID, claims)
		if err != nil {
			return nil, err
		}
		if ok {
			return c.TrolleyLocationID, nil
		}
	}
	level := s.drawerLevel
	return s.emptyOnHomeCart(ctx, c, &level, claims)
}

func (s *RestingSearch) emptyOnHomeCart(ctx context.Context, c *models.Canister, level *int, claims ClaimSet) (*int64, error) {
	if c.HomeCartID == nil {
		return nil, nil
	}
	return s.catalog.FindEmptyCartLocation(ctx, *c.HomeCartID, level, claims.IDs())
}

func (s *RestingSearch) available(ctx context.Context, locationID, canisterID int64, claims ClaimSet) (bool, error) {
	if claims.Has(locationID) {
		return false, nil
	}
	empty, err := s.catalog.IsLocationEmpty(ctx, locationID, canisterID)
	if isNotFound(err) {
		return false, nil
	}
	return empty, err
}
