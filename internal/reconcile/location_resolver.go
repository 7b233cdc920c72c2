package reconcile

import (
	"context"
	"fmt"

	"wisefido-canister/internal/models"
)

// LocationResolver 槽位号/显示标签 -> 位置
type LocationResolver struct {
	catalog     Catalog
	slotsPerPCB int
}

// NewLocationResolver 创建位置解析器
func NewLocationResolver(catalog Catalog, slotsPerPCB int) *LocationResolver {
	return &LocationResolver{catalog: catalog, slotsPerPCB: slotsPerPCB}
}

// BySlotNumber 按槽位号查找；不存在返回 ErrUnknownSlot
func (r *LocationResolver) BySlotNumber(ctx context.Context, deviceID int64, slot int) (*models.Location, error) {
	loc, err := r.catalog.GetLocationByNumber(ctx, deviceID, slot)
	if isNotFound(err) {
		return nil, fmt.Errorf("device %d slot %d: %w", deviceID, slot, ErrUnknownSlot)
	}
	return loc, err
}

// ByDisplayLocation 按显示标签查找；不存在返回 ErrUnknownSlot
func (r *LocationResolver) ByDisplayLocation(ctx context.Context, deviceID int64, label string) (*models.Location, error) {
	loc, err := r.catalog.GetLocationByDisplay(ctx, deviceID, label)
	if isNotFound(err) {
		return nil, fmt.Errorf("device %d location %q: %w", deviceID, label, ErrUnknownSlot)
	}
	return loc, err
}

// CSRLabel CSR 抽屉格位显示标签：{抽屉名}-{格位序号}，副控板的格位序号加上每板槽位数
func (r *LocationResolver) CSRLabel(drawerName string, index int, primary bool) string {
	if !primary {
		index += r.slotsPerPCB
	}
	return fmt.Sprintf("%s-%d", drawerName, index)
}

// ResolveReads 工位相对序号的读数 -> 设备槽位号的读数
func (r *LocationResolver) ResolveReads(ctx context.Context, device *models.Device, drawerName string, primary bool, readsByIndex map[int]string) (map[int]string, error) {
	out := make(map[int]string, len(readsByIndex))
	for index, rfid := range readsByIndex {
		if device.Type == models.DeviceTypeCSR {
			loc, err := r.ByDisplayLocation(ctx, device.DeviceID, r.CSRLabel(drawerName, index, primary))
			if err != nil {
				return nil, err
			}
			out[loc.LocationNumber] = rfid
			continue
		}
		slot := index
		if !primary {
			slot += r.slotsPerPCB
		}
		out[slot] = rfid
	}
	return out, nil
}
