// Package addressing 物理工位编号 -> 逻辑设备/抽屉序号/槽位偏移
//
// 工位成对编号 (1,2), (3,4) ...：奇数为主控板，偶数为副控板，
// 逻辑序号 = ceil(stationID / 2)。
package addressing

import (
	"context"
	"errors"
	"fmt"

	"wisefido-canister/internal/models"
)

// ErrInvalidStation 工位编号非法或目录中不存在
var ErrInvalidStation = errors.New("invalid station")

// DeviceLookup 工位 -> 设备 映射来源（目录库）
type DeviceLookup interface {
	GetStationDevice(ctx context.Context, stationType string, stationIndex int) (int64, error)
}

// Station 解析后的工位
type Station struct {
	Type       models.DeviceType `json:"type"`
	StationID  int               `json:"station_id"`
	DeviceID   int64             `json:"device_id"`
	Index      int               `json:"index"`
	Primary    bool              `json:"primary"`
	SlotOffset int               `json:"slot_offset"`
}

// Resolver 工位解析器
type Resolver struct {
	lookup      DeviceLookup
	slotsPerPCB int
}

// NewResolver 创建工位解析器；slotsPerPCB 为每块控制板的槽位数
func NewResolver(lookup DeviceLookup, slotsPerPCB int) *Resolver {
	return &Resolver{lookup: lookup, slotsPerPCB: slotsPerPCB}
}

// Pair 计算逻辑序号与主/副控板
func Pair(stationID int) (index int, primary bool, err error) {
	if stationID <= 0 {
		return 0, false, fmt.Errorf("station id %d: %w", stationID, ErrInvalidStation)
	}
	return (stationID + 1) / 2, stationID%2 == 1, nil
}

// Resolve 解析工位；未知类型、0 号或目录中不存在的工位返回 ErrInvalidStation
func (r *Resolver) Resolve(ctx context.Context, stationType string, stationID int) (*Station, error) {
	t := models.DeviceType(stationType)
	switch t {
	case models.DeviceTypeRobot, models.DeviceTypeCSR, models.DeviceTypeMFS, models.DeviceTypeTrolley:
	default:
		return nil, fmt.Errorf("station type %q: %w", stationType, ErrInvalidStation)
	}

	index, primary, err := Pair(stationID)
	if err != nil {
		return nil, err
	}

	deviceID, err := r.lookup.GetStationDevice(ctx, stationType, index)
	if err != nil {
		return nil, fmt.Errorf("station %s/%d: %w: %v", stationType, stationID, ErrInvalidStation, err)
	}

	st := &Station{
		Type:      t,
		StationID: stationID,
		DeviceID:  deviceID,
		Index:     index,
		Primary:   primary,
	}
	if !primary {
		st.SlotOffset = r.slotsPerPCB
	}
	return st, nil
}

// Event 工位回调事件类型
type Event string

const (
	EventRFID   Event = "rfid"
	EventStatus Event = "status"
	EventOpen   Event = "open"
	EventClose  Event = "close"
)

// IsLockEvent 开/关锁通知
func (e Event) IsLockEvent() bool {
	return e == EventOpen || e == EventClose
}

// ShouldIgnore 副控板只上报锁状态，不带读数的副控板回调（开/关锁除外）直接忽略
func (s *Station) ShouldIgnore(event Event, hasReads bool) bool {
	if s.Primary || hasReads {
		return false
	}
	return !event.IsLockEvent()
}
