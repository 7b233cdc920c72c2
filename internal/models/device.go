package models

// DeviceType 设备类型
type DeviceType string

const (
	DeviceTypeRobot   DeviceType = "robot"
	DeviceTypeCSR     DeviceType = "csr"     // 药罐货架（cassette/shelf rack）
	DeviceTypeMFS     DeviceType = "mfs"     // 手工灌装工位
	DeviceTypeTrolley DeviceType = "trolley" // 移动推车
)

// Device 设备
type Device struct {
	DeviceID  int64      `json:"device_id"`
	Name      string     `json:"name"`
	Type      DeviceType `json:"type"`
	Active    bool       `json:"active"`
	SystemID  int64      `json:"system_id"`
	CompanyID int64      `json:"company_id"`
}
