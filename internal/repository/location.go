package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"wisefido-canister/internal/models"
)

const locationSelect = `
		SELECT
			l.location_id,
			l.device_id,
			l.display_location,
			l.location_number,
			l.quadrant,
			l.container_id,
			COALESCE(ct.drawer_name, ''),
			ct.drawer_level,
			l.is_disabled
		FROM locations l
		LEFT JOIN containers ct ON ct.container_id = l.container_id
`

func scanLocation(row interface{ Scan(dest ...any) error }) (*models.Location, error) {
	var l models.Location
	var quadrant, containerID, drawerLevel sql.NullInt64
	if err := row.Scan(
		&l.LocationID,
		&l.DeviceID,
		&l.DisplayLocation,
		&l.LocationNumber,
		&quadrant,
		&containerID,
		&l.ContainerName,
		&drawerLevel,
		&l.IsDisabled,
	); err != nil {
		return nil, err
	}
	l.Quadrant = nullIntPtr(quadrant)
	l.ContainerID = nullInt64Ptr(containerID)
	l.DrawerLevel = nullIntPtr(drawerLevel)
	return &l, nil
}

func (r *CatalogRepository) getLocation(ctx context.Context, what, where string, args ...any) (*models.Location, error) {
	l, err := scanLocation(r.q.QueryRowContext(ctx, locationSelect+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("location %s: %w", what, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get location %s: %w", what, err)
	}
	return l, nil
}

// GetLocation 按位置ID查询
func (r *CatalogRepository) GetLocation(ctx context.Context, locationID int64) (*models.Location, error) {
	return r.getLocation(ctx, fmt.Sprint(locationID), "WHERE l.location_id = $1", locationID)
}

// LockLocation 按位置ID查询并加行锁（仅在事务内有意义）
func (r *CatalogRepository) LockLocation(ctx context.Context, locationID int64) (*models.Location, error) {
	return r.getLocation(ctx, fmt.Sprint(locationID), "WHERE l.location_id = $1 FOR UPDATE OF l", locationID)
}

// GetLocationByNumber 设备 + 槽位号 -> 位置
func (r *CatalogRepository) GetLocationByNumber(ctx context.Context, deviceID int64, number int) (*models.Location, error) {
	return r.getLocation(ctx, fmt.Sprintf("%d/#%d", deviceID, number),
		"WHERE l.device_id = $1 AND l.location_number = $2", deviceID, number)
}

// GetLocationByDisplay 设备 + 显示标签 -> 位置
func (r *CatalogRepository) GetLocationByDisplay(ctx context.Context, deviceID int64, display string) (*models.Location, error) {
	return r.getLocation(ctx, fmt.Sprintf("%d/%s", deviceID, display),
		"WHERE l.device_id = $1 AND l.display_location = $2", deviceID, display)
}

// IsLocationEmpty 位置可用且无其他在用药罐（ignoreCanisterID 本身不算占用）
func (r *CatalogRepository) IsLocationEmpty(ctx context.Context, locationID, ignoreCanisterID int64) (bool, error) {
	q := `
		SELECT l.is_disabled = FALSE AND NOT EXISTS (
			SELECT 1 FROM canisters c
			WHERE c.location_id = l.location_id AND c.active AND c.canister_id <> $2
		)
		FROM locations l
		WHERE l.location_id = $1
	`
	var empty bool
	err := r.q.QueryRowContext(ctx, q, locationID, ignoreCanisterID).Scan(&empty)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("location %d: %w", locationID, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("check location %d: %w", locationID, err)
	}
	return empty, nil
}

// FindEmptyCartLocation 在小车上找一个空位；drawerLevel 为 nil 时不限层，exclude 中的位置跳过
// 没有空位时返回 (nil, nil)
func (r *CatalogRepository) FindEmptyCartLocation(ctx context.Context, cartID int64, drawerLevel *int, exclude []int64) (*int64, error) {
	if exclude == nil {
		exclude = []int64{}
	}
	q := `
		SELECT l.location_id
		FROM locations l
		LEFT JOIN containers ct ON ct.container_id = l.container_id
		WHERE l.device_id = $1
		  AND l.is_disabled = FALSE
		  AND ($2::int IS NULL OR ct.drawer_level = $2::int)
		  AND NOT (l.location_id = ANY($3))
		  AND NOT EXISTS (
			SELECT 1 FROM canisters c WHERE c.location_id = l.location_id AND c.active
		  )
		ORDER BY ct.drawer_level NULLS LAST, l.location_number
		LIMIT 1
	`
	var id int64
	err := r.q.QueryRowContext(ctx, q, cartID, intArg(drawerLevel), pq.Array(exclude)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find empty location on cart %d: %w", cartID, err)
	}
	return &id, nil
}

// SetLocationDisabled 更新位置禁用标记
func (r *CatalogRepository) SetLocationDisabled(ctx context.Context, locationID int64, disabled bool) error {
	res, err := r.q.ExecContext(ctx, `UPDATE locations SET is_disabled = $1 WHERE location_id = $2`, disabled, locationID)
	if err != nil {
		return fmt.Errorf("set location %d disabled=%v: %w", locationID, disabled, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("location %d: %w", locationID, ErrNotFound)
	}
	return nil
}
