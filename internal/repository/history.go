package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"wisefido-canister/internal/models"
)

// AppendHistory 批量写入药罐移动历史
func (r *CatalogRepository) AppendHistory(ctx context.Context, entries []models.CanisterHistory) error {
	if len(entries) == 0 {
		return nil
	}
	values := make([]string, 0, len(entries))
	args := make([]any, 0, len(entries)*4)
	for i, h := range entries {
		n := i * 4
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4))
		args = append(args, h.CanisterID, int64Arg(h.PreviousLocationID), int64Arg(h.CurrentLocationID), h.CreatedBy)
	}
	q := `INSERT INTO canister_history (canister_id, previous_location_id, current_location_id, created_by) VALUES ` +
		strings.Join(values, ", ")
	if _, err := r.q.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("append canister history: %w", err)
	}
	return nil
}

// ListCanisterHistory 药罐移动历史（新 -> 旧），limit <= 0 表示不限
func (r *CatalogRepository) ListCanisterHistory(ctx context.Context, canisterID int64, limit int) ([]models.CanisterHistoryEntry, error) {
	q := `
		SELECT
			h.id,
			h.canister_id,
			h.previous_location_id,
			h.current_location_id,
			h.created_by,
			h.created_date,
			COALESCE(pl.display_location, ''),
			COALESCE(cl.display_location, '')
		FROM canister_history h
		LEFT JOIN locations pl ON pl.location_id = h.previous_location_id
		LEFT JOIN locations cl ON cl.location_id = h.current_location_id
		WHERE h.canister_id = $1
		ORDER BY h.created_date DESC, h.id DESC
	`
	args := []any{canisterID}
	if limit > 0 {
		q += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := r.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list history of canister %d: %w", canisterID, err)
	}
	defer rows.Close()

	out := []models.CanisterHistoryEntry{}
	for rows.Next() {
		var e models.CanisterHistoryEntry
		var prev, cur sql.NullInt64
		if err := rows.Scan(
			&e.ID, &e.CanisterID, &prev, &cur, &e.CreatedBy, &e.CreatedAt,
			&e.PreviousDisplay, &e.CurrentDisplay,
		); err != nil {
			return nil, err
		}
		e.PreviousLocationID = nullInt64Ptr(prev)
		e.CurrentLocationID = nullInt64Ptr(cur)
		out = append(out, e)
	}
	return out, rows.Err()
}
