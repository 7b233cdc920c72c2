package models

import "time"

// CanisterHistory 药罐位置变更记录（只追加）
type CanisterHistory struct {
	ID                 int64     `json:"id,omitempty"`
	CanisterID         int64     `json:"canister_id"`
	PreviousLocationID *int64    `json:"previous_location_id"`
	CurrentLocationID  *int64    `json:"current_location_id"`
	CreatedBy          int64     `json:"created_by"`
	CreatedAt          time.Time `json:"created_at"`
}

// CanisterHistoryEntry 历史记录 + 位置显示名（导出用）
type CanisterHistoryEntry struct {
	CanisterHistory
	PreviousDisplay string `json:"previous_display,omitempty"`
	CurrentDisplay  string `json:"current_display,omitempty"`
}
