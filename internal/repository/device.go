package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"wisefido-canister/internal/models"
)

// GetDevice 查询设备
func (r *CatalogRepository) GetDevice(ctx context.Context, deviceID int64) (*models.Device, error) {
	q := `
		SELECT device_id, name, device_type, active, system_id, company_id
		FROM devices
		WHERE device_id = $1
	`
	var d models.Device
	var deviceType string
	err := r.q.QueryRowContext(ctx, q, deviceID).Scan(
		&d.DeviceID, &d.Name, &deviceType, &d.Active, &d.SystemID, &d.CompanyID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %d: %w", deviceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get device %d: %w", deviceID, err)
	}
	d.Type = models.DeviceType(deviceType)
	return &d, nil
}

// GetStationDevice 工位类型 + 工位序号 -> 设备ID
func (r *CatalogRepository) GetStationDevice(ctx context.Context, stationType string, stationIndex int) (int64, error) {
	q := `
		SELECT device_id
		FROM stations
		WHERE station_type = $1 AND station_index = $2
	`
	var deviceID int64
	err := r.q.QueryRowContext(ctx, q, stationType, stationIndex).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("station %s/%d: %w", stationType, stationIndex, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("get station device: %w", err)
	}
	return deviceID, nil
}
