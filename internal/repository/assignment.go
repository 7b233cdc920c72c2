package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"wisefido-canister/internal/models"
)

// GetBatchPlan 设备当前活动批次的槽位分配；没有活动批次时 BatchID 为 nil、Assignments 为空
func (r *CatalogRepository) GetBatchPlan(ctx context.Context, deviceID int64) (*models.BatchPlan, error) {
	plan := &models.BatchPlan{Assignments: make(map[int]*models.ExpectedAssignment)}

	var batchID int64
	err := r.q.QueryRowContext(ctx, `
		SELECT batch_id
		FROM mini_batches
		WHERE device_id = $1 AND status = 'active'
		ORDER BY batch_id DESC
		LIMIT 1
	`, deviceID).Scan(&batchID)
	if errors.Is(err, sql.ErrNoRows) {
		return plan, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active batch of device %d: %w", deviceID, err)
	}
	plan.BatchID = &batchID

	q := `
		SELECT
			a.assignment_id,
			a.batch_id,
			a.device_id,
			a.slot_number,
			a.canister_id,
			a.dest_drawer_id,
			COALESCE(ct.drawer_name, ''),
			a.trolley_id,
			a.trolley_location_id,
			a.dest_quadrant,
			COALESCE(a.status, ''),
			a.transfer_done,
			a.skipped,
			a.drug_count,
			a.filled_drug_count
		FROM batch_assignments a
		LEFT JOIN containers ct ON ct.container_id = a.dest_drawer_id
		WHERE a.batch_id = $1 AND a.device_id = $2
		ORDER BY a.slot_number
	`
	rows, err := r.q.QueryContext(ctx, q, batchID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list assignments of batch %d: %w", batchID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var a models.ExpectedAssignment
		var status string
		var canisterID, destDrawerID, trolleyID, trolleyLocationID, destQuadrant sql.NullInt64
		if err := rows.Scan(
			&a.AssignmentID,
			&a.BatchID,
			&a.DeviceID,
			&a.SlotNumber,
			&canisterID,
			&destDrawerID,
			&a.DestDrawerName,
			&trolleyID,
			&trolleyLocationID,
			&destQuadrant,
			&status,
			&a.TransferDone,
			&a.Skipped,
			&a.DrugCount,
			&a.FilledDrugCount,
		); err != nil {
			return nil, err
		}
		a.Status = models.CanisterStatus(status)
		a.CanisterID = nullInt64Ptr(canisterID)
		a.DestDrawerID = nullInt64Ptr(destDrawerID)
		a.TrolleyID = nullInt64Ptr(trolleyID)
		a.TrolleyLocationID = nullInt64Ptr(trolleyLocationID)
		a.DestQuadrant = nullIntPtr(destQuadrant)
		plan.Assignments[a.SlotNumber] = &a
	}
	return plan, rows.Err()
}

// AssociateCanisters 更新分配与药罐的关联：assignmentID -> canisterID（nil = 解除关联）
func (r *CatalogRepository) AssociateCanisters(ctx context.Context, assoc map[int64]*int64) error {
	for _, assignmentID := range sortedKeys(assoc) {
		canisterID := assoc[assignmentID]
		if _, err := r.q.ExecContext(ctx,
			`UPDATE batch_assignments SET canister_id = $1 WHERE assignment_id = $2`,
			int64Arg(canisterID), assignmentID,
		); err != nil {
			return fmt.Errorf("associate assignment %d: %w", assignmentID, err)
		}

		if _, err := r.q.ExecContext(ctx,
			`DELETE FROM temp_canister_filling WHERE assignment_id = $1`, assignmentID,
		); err != nil {
			return fmt.Errorf("release filling of assignment %d: %w", assignmentID, err)
		}
		if canisterID == nil {
			continue
		}
		if _, err := r.q.ExecContext(ctx, `
			INSERT INTO temp_canister_filling (canister_id, assignment_id, transfer_done)
			VALUES ($1, $2, FALSE)
			ON CONFLICT (canister_id) DO UPDATE
			SET assignment_id = EXCLUDED.assignment_id, transfer_done = FALSE
		`, *canisterID, assignmentID); err != nil {
			return fmt.Errorf("bind canister %d to assignment %d: %w", *canisterID, assignmentID, err)
		}
	}
	return nil
}

// MarkTransferDone 标记分配已完成转运
func (r *CatalogRepository) MarkTransferDone(ctx context.Context, assignmentIDs []int64) error {
	if len(assignmentIDs) == 0 {
		return nil
	}
	if _, err := r.q.ExecContext(ctx,
		`UPDATE batch_assignments SET transfer_done = TRUE WHERE assignment_id = ANY($1)`,
		pq.Array(assignmentIDs),
	); err != nil {
		return fmt.Errorf("mark transfer done: %w", err)
	}
	if _, err := r.q.ExecContext(ctx,
		`UPDATE temp_canister_filling SET transfer_done = TRUE WHERE assignment_id = ANY($1)`,
		pq.Array(assignmentIDs),
	); err != nil {
		return fmt.Errorf("mark filling transfer done: %w", err)
	}
	return nil
}
