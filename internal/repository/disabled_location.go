package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wisefido-canister/internal/models"
)

// GetOpenDisabledInterval 位置当前未关闭的禁用区间（加行锁）；没有时返回 (nil, nil)
func (r *CatalogRepository) GetOpenDisabledInterval(ctx context.Context, locationID int64) (*models.DisabledLocationHistory, error) {
	q := `
		SELECT id, location_id, start_time, end_time, COALESCE(comment, ''), created_by, modified_by
		FROM disabled_location_history
		WHERE location_id = $1 AND end_time IS NULL
		ORDER BY start_time DESC, id DESC
		LIMIT 1
		FOR UPDATE
	`
	var h models.DisabledLocationHistory
	var endTime sql.NullTime
	var modifiedBy sql.NullInt64
	err := r.q.QueryRowContext(ctx, q, locationID).Scan(
		&h.ID, &h.LocationID, &h.StartTime, &endTime, &h.Comment, &h.CreatedBy, &modifiedBy,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get open disabled interval of location %d: %w", locationID, err)
	}
	if endTime.Valid {
		t := endTime.Time
		h.EndTime = &t
	}
	h.ModifiedBy = nullInt64Ptr(modifiedBy)
	return &h, nil
}

// InsertDisabledInterval 新建禁用区间，返回ID
func (r *CatalogRepository) InsertDisabledInterval(ctx context.Context, locationID int64, start time.Time, comment string, actor int64) (int64, error) {
	q := `
		INSERT INTO disabled_location_history (location_id, start_time, comment, created_by)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		RETURNING id
	`
	var id int64
	if err := r.q.QueryRowContext(ctx, q, locationID, start, comment, actor).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert disabled interval of location %d: %w", locationID, err)
	}
	return id, nil
}

// CloseDisabledInterval 关闭禁用区间
func (r *CatalogRepository) CloseDisabledInterval(ctx context.Context, intervalID int64, end time.Time, actor int64) error {
	q := `
		UPDATE disabled_location_history
		SET end_time = $1, modified_by = $2
		WHERE id = $3 AND end_time IS NULL
	`
	res, err := r.q.ExecContext(ctx, q, end, actor, intervalID)
	if err != nil {
		return fmt.Errorf("close disabled interval %d: %w", intervalID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("open disabled interval %d: %w", intervalID, ErrNotFound)
	}
	return nil
}
