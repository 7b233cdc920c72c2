package models

import "time"

// ErrorCode 槽位校验错误码
type ErrorCode string

const (
	ErrorWrongDrawerScanned       ErrorCode = "WRONG_DRAWER_SCANNED"
	ErrorDrawerScanRequired       ErrorCode = "DRAWER_SCAN_REQUIRED"
	ErrorMissingCanister          ErrorCode = "MISSING_CANISTER"
	ErrorWrongCanDetected         ErrorCode = "WRONG_CAN_DETECTED"
	ErrorTrolleyPlacementRequired ErrorCode = "TROLLEY_PLACEMENT_REQUIRED"
	ErrorWrongPlacement           ErrorCode = "WRONG_PLACEMENT"
	ErrorDeactivateCanister       ErrorCode = "DEACTIVATE_CANISTER"
	ErrorWrongHomeCart            ErrorCode = "WRONG_HOME_CART"
	ErrorNoCanisterRequired       ErrorCode = "NO_CANISTER_REQUIRED"
)

// errorMessages 面向工位界面的提示文案
var errorMessages = map[ErrorCode]string{
	ErrorWrongDrawerScanned:       "Wrong drawer scanned",
	ErrorDrawerScanRequired:       "Scan the destination drawer",
	ErrorMissingCanister:          "Canister removed before filling completed, return it",
	ErrorWrongCanDetected:         "Wrong canister detected",
	ErrorTrolleyPlacementRequired: "Place canister on trolley",
	ErrorWrongPlacement:           "Canister belongs to another location",
	ErrorDeactivateCanister:       "Canister is deactivated, remove it",
	ErrorWrongHomeCart:            "Canister belongs to another trolley",
	ErrorNoCanisterRequired:       "No canister required here",
}

// Message 错误码对应的提示文案
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return string(c)
}

// SlotSummary 对账文档中单个槽位的摘要
type SlotSummary struct {
	CurrentCanisterID  *int64     `json:"current_canister_id"`
	RequiredCanisterID *int64     `json:"required_canister_id"`
	ErrorCode          *ErrorCode `json:"error_code"`
	ErrorMessage       *string    `json:"error_message"`
	IsInError          bool       `json:"is_in_error"`
	MessageLocation    *string    `json:"message_location"`
	TransferDone       bool       `json:"transfer_done"`
}

// SetError 标记槽位错误；location 为空时不写入提示位置
func (s *SlotSummary) SetError(code ErrorCode, location string) {
	msg := code.Message()
	s.ErrorCode = &code
	s.ErrorMessage = &msg
	s.IsInError = true
	if location != "" {
		s.MessageLocation = &location
	} else {
		s.MessageLocation = nil
	}
}

// ClearError 清除槽位错误
func (s *SlotSummary) ClearError() {
	s.ErrorCode = nil
	s.ErrorMessage = nil
	s.IsInError = false
	s.MessageLocation = nil
}

// DeviceSection 对账文档中单个设备的区段
type DeviceSection struct {
	DeviceID  int64                `json:"device_id"`
	Slots     map[int]*SlotSummary `json:"slots"`
	SessionID string               `json:"session_id,omitempty"`
	UpdatedBy int64                `json:"updated_by,omitempty"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// ReconciliationDocument 共享对账文档（按 system_id 一份，带修订号）
type ReconciliationDocument struct {
	SystemID int64                    `json:"system_id"`
	Revision int64                    `json:"revision"`
	Devices  map[int64]*DeviceSection `json:"devices"`
}

// NewReconciliationDocument 创建空文档
func NewReconciliationDocument(systemID int64) *ReconciliationDocument {
	return &ReconciliationDocument{
		SystemID: systemID,
		Devices:  make(map[int64]*DeviceSection),
	}
}

// Device 获取设备区段，不存在返回 nil
func (d *ReconciliationDocument) Device(deviceID int64) *DeviceSection {
	if d == nil || d.Devices == nil {
		return nil
	}
	return d.Devices[deviceID]
}

// Clone 深拷贝，对账基于副本计算，避免修改读到的基线
func (d *ReconciliationDocument) Clone() *ReconciliationDocument {
	out := &ReconciliationDocument{
		SystemID: d.SystemID,
		Revision: d.Revision,
		Devices:  make(map[int64]*DeviceSection, len(d.Devices)),
	}
	for id, sec := range d.Devices {
		if sec == nil {
			continue
		}
		cp := *sec
		cp.Slots = make(map[int]*SlotSummary, len(sec.Slots))
		for slot, sum := range sec.Slots {
			if sum == nil {
				continue
			}
			s := *sum
			cp.Slots[slot] = &s
		}
		out.Devices[id] = &cp
	}
	return out
}
