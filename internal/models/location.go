package models

import "time"

// Location 设备上的物理槽位
type Location struct {
	LocationID      int64  `json:"location_id"`
	DeviceID        int64  `json:"device_id"`
	DisplayLocation string `json:"display_location"`
	LocationNumber  int    `json:"location_number"`
	Quadrant        *int   `json:"quadrant,omitempty"`
	ContainerID     *int64 `json:"container_id,omitempty"` // 所属抽屉/容器
	ContainerName   string `json:"container_name,omitempty"`
	DrawerLevel     *int   `json:"drawer_level,omitempty"`
	IsDisabled      bool   `json:"is_disabled"`
}

// DisabledLocationHistory 位置禁用区间；EndTime 为空表示区间未关闭
type DisabledLocationHistory struct {
	ID         int64      `json:"id"`
	LocationID int64      `json:"location_id"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	Comment    string     `json:"comment,omitempty"`
	CreatedBy  int64      `json:"created_by"`
	ModifiedBy *int64     `json:"modified_by,omitempty"`
}

// IsOpen 区间是否仍处于禁用状态
func (h *DisabledLocationHistory) IsOpen() bool {
	return h.EndTime == nil
}
