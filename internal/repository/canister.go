package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/lib/pq"

	"wisefido-canister/internal/models"
)

const canisterSelect = `
		SELECT
			c.canister_id,
			COALESCE(c.rfid, ''),
			c.location_id,
			COALESCE(c.status, ''),
			c.active,
			c.is_mfd,
			c.home_cart_id,
			c.drug_id,
			c.trolley_location_id,
			tf.assignment_id,
			tf.transfer_done
		FROM canisters c
		LEFT JOIN temp_canister_filling tf ON tf.canister_id = c.canister_id
`

func scanCanister(row interface{ Scan(dest ...any) error }) (*models.Canister, error) {
	var c models.Canister
	var status string
	var locationID, homeCartID, drugID, trolleyLocationID, assignmentID sql.NullInt64
	var transferDone sql.NullBool
	if err := row.Scan(
		&c.CanisterID,
		&c.RFID,
		&locationID,
		&status,
		&c.Active,
		&c.IsMFD,
		&homeCartID,
		&drugID,
		&trolleyLocationID,
		&assignmentID,
		&transferDone,
	); err != nil {
		return nil, err
	}
	c.Status = models.CanisterStatus(status)
	c.LocationID = nullInt64Ptr(locationID)
	c.HomeCartID = nullInt64Ptr(homeCartID)
	c.DrugID = nullInt64Ptr(drugID)
	c.TrolleyLocationID = nullInt64Ptr(trolleyLocationID)
	if assignmentID.Valid {
		c.TempFilling = &models.TempFilling{
			AssignmentID: assignmentID.Int64,
			TransferDone: transferDone.Valid && transferDone.Bool,
		}
	}
	return &c, nil
}

func (r *CatalogRepository) getCanister(ctx context.Context, what, where string, args ...any) (*models.Canister, error) {
	c, err := scanCanister(r.q.QueryRowContext(ctx, canisterSelect+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("canister %s: %w", what, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get canister %s: %w", what, err)
	}
	return c, nil
}

// GetCanister 按药罐ID查询
func (r *CatalogRepository) GetCanister(ctx context.Context, canisterID int64) (*models.Canister, error) {
	return r.getCanister(ctx, fmt.Sprint(canisterID), "WHERE c.canister_id = $1", canisterID)
}

// GetCanisterByRFID 按RFID查询
func (r *CatalogRepository) GetCanisterByRFID(ctx context.Context, rfid string) (*models.Canister, error) {
	return r.getCanister(ctx, "rfid="+rfid, "WHERE c.rfid = $1", rfid)
}

// GetCanisterByLocation 查询占用该位置的在用药罐
func (r *CatalogRepository) GetCanisterByLocation(ctx context.Context, locationID int64) (*models.Canister, error) {
	return r.getCanister(ctx, fmt.Sprintf("at location %d", locationID),
		"WHERE c.location_id = $1 AND c.active", locationID)
}

// GetOccupiedSlots 设备当前占用：槽位号 -> 药罐ID
func (r *CatalogRepository) GetOccupiedSlots(ctx context.Context, deviceID int64) (map[int]int64, error) {
	q := `
		SELECT l.location_number, c.canister_id
		FROM canisters c
		JOIN locations l ON l.location_id = c.location_id
		WHERE l.device_id = $1 AND c.active
	`
	rows, err := r.q.QueryContext(ctx, q, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list occupied slots of device %d: %w", deviceID, err)
	}
	defer rows.Close()

	out := make(map[int]int64)
	for rows.Next() {
		var slot int
		var canisterID int64
		if err := rows.Scan(&slot, &canisterID); err != nil {
			return nil, err
		}
		out[slot] = canisterID
	}
	return out, rows.Err()
}

// UpdateCanisterLocations 批量更新药罐位置（nil = 离开设备）
// 先统一清空再写入目标位置，避免同批次内互换位置时触发唯一索引
func (r *CatalogRepository) UpdateCanisterLocations(ctx context.Context, moves map[int64]*int64) error {
	if len(moves) == 0 {
		return nil
	}
	ids := sortedKeys(moves)
	if _, err := r.q.ExecContext(ctx,
		`UPDATE canisters SET location_id = NULL, modified_date = now() WHERE canister_id = ANY($1)`,
		pq.Array(ids),
	); err != nil {
		return fmt.Errorf("clear canister locations: %w", err)
	}
	for _, id := range ids {
		loc := moves[id]
		if loc == nil {
			continue
		}
		if _, err := r.q.ExecContext(ctx,
			`UPDATE canisters SET location_id = $1, modified_date = now() WHERE canister_id = $2`,
			*loc, id,
		); err != nil {
			return fmt.Errorf("move canister %d to location %d: %w", id, *loc, err)
		}
	}
	return nil
}

// ReactivateCanisters 误放状态的药罐重新投入使用
func (r *CatalogRepository) ReactivateCanisters(ctx context.Context, canisterIDs []int64) error {
	if len(canisterIDs) == 0 {
		return nil
	}
	q := `
		UPDATE canisters
		SET status = NULL, active = TRUE, modified_date = now()
		WHERE canister_id = ANY($1) AND status = 'misplaced'
	`
	if _, err := r.q.ExecContext(ctx, q, pq.Array(canisterIDs)); err != nil {
		return fmt.Errorf("reactivate canisters: %w", err)
	}
	return nil
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
