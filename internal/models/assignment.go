package models

// ExpectedAssignment 当前批次中某槽位的期望药罐（上游生成，只读）
// CanisterID 为空表示该槽位是灌装目标但尚未绑定药罐
type ExpectedAssignment struct {
	AssignmentID      int64          `json:"assignment_id"`
	BatchID           int64          `json:"batch_id"`
	DeviceID          int64          `json:"device_id"`
	SlotNumber        int            `json:"slot_number"`
	CanisterID        *int64         `json:"canister_id,omitempty"`
	DestDrawerID      *int64         `json:"dest_drawer_id,omitempty"`
	DestDrawerName    string         `json:"dest_drawer_name,omitempty"`
	TrolleyID         *int64         `json:"trolley_id,omitempty"`
	TrolleyLocationID *int64         `json:"trolley_location_id,omitempty"`
	DestQuadrant      *int           `json:"dest_quadrant,omitempty"`
	Status            CanisterStatus `json:"status"`
	TransferDone      bool           `json:"transfer_done"`
	Skipped           bool           `json:"skipped"`
	DrugCount         int            `json:"drug_count"`
	FilledDrugCount   int            `json:"filled_drug_count"`
}

// HasCanister 是否已绑定期望药罐
func (a *ExpectedAssignment) HasCanister() bool {
	return a != nil && a.CanisterID != nil
}

// AnyDrugFilled 该槽位是否已有药品灌装完成
func (a *ExpectedAssignment) AnyDrugFilled() bool {
	return a.FilledDrugCount > 0
}

// BatchPlan 设备当前活跃批次；BatchID 为空表示没有活跃批次
type BatchPlan struct {
	BatchID     *int64                      `json:"batch_id,omitempty"`
	Assignments map[int]*ExpectedAssignment `json:"assignments"`
}

// Assignment 按槽位号查找分配，不存在返回 nil
func (p *BatchPlan) Assignment(slot int) *ExpectedAssignment {
	if p == nil || p.Assignments == nil {
		return nil
	}
	return p.Assignments[slot]
}
