package reconcile

import (
	"wisefido-canister/internal/models"
)

// SlotEvent 单个槽位在本次读数中的变化：Removed | Placed | Unchanged
type SlotEvent interface {
	SlotNumber() int
}

// Removed 槽位原有药罐离开
type Removed struct {
	Slot       int
	CanisterID int64
}

// Placed 槽位放入了已知药罐
type Placed struct {
	Slot     int
	Canister *models.Canister
}

// Unchanged 槽位无变化（包括无法识别的 RFID 且槽位原本为空）
type Unchanged struct {
	Slot int
	// UnknownRFID 非空表示读到了目录中不存在的 RFID
	UnknownRFID string
}

func (e Removed) SlotNumber() int { return e.Slot }

func (e Placed) SlotNumber() int { return e.Slot }

func (e Unchanged) SlotNumber() int { return e.Slot }

// Classify 比较槽位的上一次占用与本次读数
//
// previous 为上一次记录的药罐ID（nil = 空），rfid 为本次读数（"" = 空），
// placed 为 rfid 对应的药罐（nil = 目录中不存在）。
// 同一槽位上换了药罐时先给出 Removed 再给出 Placed。
func Classify(slot int, previous *int64, rfid string, placed *models.Canister) []SlotEvent {
	switch {
	case rfid == "" && previous == nil:
		return []SlotEvent{Unchanged{Slot: slot}}
	case rfid == "":
		return []SlotEvent{Removed{Slot: slot, CanisterID: *previous}}
	case placed == nil && previous == nil:
		return []SlotEvent{Unchanged{Slot: slot, UnknownRFID: rfid}}
	case placed == nil:
		// 读到垃圾值时按原药罐已离开处理
		return []SlotEvent{Removed{Slot: slot, CanisterID: *previous}}
	case previous == nil:
		return []SlotEvent{Placed{Slot: slot, Canister: placed}}
	case *previous == placed.CanisterID:
		return []SlotEvent{Unchanged{Slot: slot}}
	default:
		return []SlotEvent{
			Removed{Slot: slot, CanisterID: *previous},
			Placed{Slot: slot, Canister: placed},
		}
	}
}

// removalKey 药罐离开时的分派键
type removalKey struct {
	hasAssignment bool
	bound         bool
	matches       bool
	terminal      bool
	confirmed     bool
	drawerScanned bool
	anyFilled     bool
}

type removalAction int

const (
	actForeignDeparture removalAction = iota
	actAssociationMismatch
	actTransferConfirmed
	actWrongDrawerScanned
	actDrawerScanRequired
	actMissingCanister
	actAssociationDropped
)

type removalRule struct {
	name   string
	match  func(k removalKey) bool
	action removalAction
}

var removalRules = []removalRule{
	{"foreign_departure", func(k removalKey) bool { return !k.hasAssignment || !k.bound }, actForeignDeparture},
	{"association_mismatch", func(k removalKey) bool { return !k.matches }, actAssociationMismatch},
	{"transfer_confirmed", func(k removalKey) bool { return k.terminal && k.confirmed }, actTransferConfirmed},
	{"wrong_drawer_scanned", func(k removalKey) bool { return k.terminal && k.drawerScanned }, actWrongDrawerScanned},
	{"drawer_scan_required", func(k removalKey) bool { return k.terminal }, actDrawerScanRequired},
	{"missing_canister", func(k removalKey) bool { return k.anyFilled }, actMissingCanister},
	{"association_dropped", func(removalKey) bool { return true }, actAssociationDropped},
}

func dispatchRemoval(k removalKey) removalRule {
	for _, r := range removalRules {
		if r.match(k) {
			return r
		}
	}
	return removalRules[len(removalRules)-1]
}

// placementKey 药罐放入时的分派键
type placementKey struct {
	hasAssignment       bool
	bound               bool
	matches             bool
	skipped             bool
	placedTerminal      bool
	placedTransferred   bool
	expectedTransferred bool
	inactive            bool
	homeCartMismatch    bool
	reusable            bool
	belongingKnown      bool
	homeCartKnown       bool
}

type placementAction int

const (
	actNoCanisterRequired placementAction = iota
	actWrongCanDetected
	actTrolleyPlacementRequired
	actWrongPlacement
	actPlaced
	actDeactivateCanister
	actWrongHomeCart
	actBind
)

type placementRule struct {
	name   string
	match  func(k placementKey) bool
	action placementAction
}

var placementRules = []placementRule{
	{"not_a_fill_target", func(k placementKey) bool { return !k.hasAssignment || (!k.bound && k.skipped) }, actNoCanisterRequired},
	{"wrong_can_detected", func(k placementKey) bool { return k.bound && !k.matches && k.placedTerminal }, actWrongCanDetected},
	{"wrong_can_transferred", func(k placementKey) bool { return k.bound && !k.matches && k.placedTransferred }, actTrolleyPlacementRequired},
	{"wrong_can_placed", func(k placementKey) bool { return k.bound && !k.matches }, actWrongPlacement},
	{"premature_replacement", func(k placementKey) bool { return k.bound && k.expectedTransferred }, actTrolleyPlacementRequired},
	{"placed", func(k placementKey) bool { return k.bound }, actPlaced},
	{"deactivated", func(k placementKey) bool { return k.inactive }, actDeactivateCanister},
	{"wrong_home_cart", func(k placementKey) bool { return k.homeCartMismatch }, actWrongHomeCart},
	{"bind", func(k placementKey) bool { return k.reusable }, actBind},
	{"belongs_elsewhere", func(k placementKey) bool { return k.belongingKnown }, actWrongPlacement},
	{"no_home_cart", func(k placementKey) bool { return !k.homeCartKnown }, actWrongHomeCart},
	{"fallback", func(placementKey) bool { return true }, actTrolleyPlacementRequired},
}

func dispatchPlacement(k placementKey) placementRule {
	for _, r := range placementRules {
		if r.match(k) {
			return r
		}
	}
	return placementRules[len(placementRules)-1]
}
