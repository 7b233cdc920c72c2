package models

// CanisterStatus 药罐在当前批次中的工作状态（空字符串表示无状态）
type CanisterStatus string

const (
	CanisterStatusNone               CanisterStatus = ""
	CanisterStatusPending            CanisterStatus = "pending"
	CanisterStatusInProgress         CanisterStatus = "in_progress"
	CanisterStatusFilled             CanisterStatus = "filled"
	CanisterStatusVerified           CanisterStatus = "verified"
	CanisterStatusSkipped            CanisterStatus = "skipped"
	CanisterStatusDropped            CanisterStatus = "dropped"
	CanisterStatusRTSRequired        CanisterStatus = "rts_required"
	CanisterStatusMVSFillingRequired CanisterStatus = "mvs_filling_required"
	CanisterStatusMVSFilled          CanisterStatus = "mvs_filled"
	CanisterStatusMisplaced          CanisterStatus = "misplaced"
	CanisterStatusInactive           CanisterStatus = "inactive"
)

// IsTerminal 灌装工作已结束（等待转运或已跳过）
func (s CanisterStatus) IsTerminal() bool {
	switch s {
	case CanisterStatusRTSRequired, CanisterStatusSkipped, CanisterStatusFilled, CanisterStatusVerified:
		return true
	}
	return false
}

// IsReusable 可被重新绑定到新的批次需求
func (s CanisterStatus) IsReusable() bool {
	switch s {
	case CanisterStatusNone, CanisterStatusSkipped, CanisterStatusDropped, CanisterStatusMisplaced:
		return true
	}
	return false
}

// TempFilling 药罐与批次的临时灌装关联（未关闭）
type TempFilling struct {
	AssignmentID int64 `json:"assignment_id"`
	TransferDone bool  `json:"transfer_done"`
}

// Canister 药罐（标准药罐与 MFD/推车药罐共用）
type Canister struct {
	CanisterID        int64          `json:"canister_id"`
	RFID              string         `json:"rfid,omitempty"`
	LocationID        *int64         `json:"location_id,omitempty"` // 为空表示不在网格上
	Status            CanisterStatus `json:"status"`
	Active            bool           `json:"active"`
	IsMFD             bool           `json:"is_mfd"`
	HomeCartID        *int64         `json:"home_cart_id,omitempty"`
	DrugID            *int64         `json:"drug_id,omitempty"`
	TrolleyLocationID *int64         `json:"trolley_location_id,omitempty"` // 推车上记录的位置
	TempFilling       *TempFilling   `json:"temp_filling,omitempty"`
}

// IsInactive 不再跟踪物理位置
func (c *Canister) IsInactive() bool {
	return !c.Active || c.Status == CanisterStatusInactive
}

// TransferDone 药罐是否已完成本批次的转运
func (c *Canister) TransferDone() bool {
	return c.TempFilling != nil && c.TempFilling.TransferDone
}
