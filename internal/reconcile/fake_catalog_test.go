package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"wisefido-canister/internal/models"
	"wisefido-canister/internal/repository"
)

// fakeCatalog 仅用于单元测试（内存目录，事务写入在 Commit 时生效）
type fakeCatalog struct {
	mu sync.Mutex

	devices   map[int64]*models.Device
	locations map[int64]*models.Location
	canisters map[int64]*models.Canister
	plans     map[int64]*models.BatchPlan

	history      []models.CanisterHistory
	assoc        map[int64]*int64
	transferDone []int64
	reactivated  []int64

	commits   int
	rollbacks int

	// historyErr 非空时事务内写历史失败
	historyErr error
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		devices:   make(map[int64]*models.Device),
		locations: make(map[int64]*models.Location),
		canisters: make(map[int64]*models.Canister),
		plans:     make(map[int64]*models.BatchPlan),
		assoc:     make(map[int64]*int64),
	}
}

func notFound(what string) error {
	return fmt.Errorf("%s: %w", what, repository.ErrNotFound)
}

func (f *fakeCatalog) addDevice(d *models.Device) { f.devices[d.DeviceID] = d }

func (f *fakeCatalog) addLocation(l *models.Location) { f.locations[l.LocationID] = l }

func (f *fakeCatalog) addCanister(c *models.Canister) { f.canisters[c.CanisterID] = c }

func (f *fakeCatalog) GetDevice(_ context.Context, deviceID int64) (*models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[deviceID]
	if !ok {
		return nil, notFound("device")
	}
	cp := *d
	return &cp, nil
}

func (f *fakeCatalog) GetLocation(_ context.Context, locationID int64) (*models.Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locations[locationID]
	if !ok {
		return nil, notFound("location")
	}
	cp := *l
	return &cp, nil
}

func (f *fakeCatalog) GetLocationByNumber(_ context.Context, deviceID int64, number int) (*models.Location, error) {
	return f.findLocation(func(l *models.Location) bool {
		return l.DeviceID == deviceID && l.LocationNumber == number
	})
}

func (f *fakeCatalog) GetLocationByDisplay(_ context.Context, deviceID int64, display string) (*models.Location, error) {
	return f.findLocation(func(l *models.Location) bool {
		return l.DeviceID == deviceID && l.DisplayLocation == display
	})
}

func (f *fakeCatalog) findLocation(match func(l *models.Location) bool) (*models.Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.locations {
		if match(l) {
			cp := *l
			return &cp, nil
		}
	}
	return nil, notFound("location")
}

func (f *fakeCatalog) GetCanister(_ context.Context, canisterID int64) (*models.Canister, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.canisters[canisterID]
	if !ok {
		return nil, notFound("canister")
	}
	return copyCanister(c), nil
}

func (f *fakeCatalog) GetCanisterByRFID(_ context.Context, rfid string) (*models.Canister, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.canisters {
		if c.RFID == rfid {
			return copyCanister(c), nil
		}
	}
	return nil, notFound("canister")
}

func (f *fakeCatalog) GetOccupiedSlots(_ context.Context, deviceID int64) (map[int]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int]int64)
	for _, c := range f.canisters {
		if c.LocationID == nil || !c.Active {
			continue
		}
		if l := f.locations[*c.LocationID]; l != nil && l.DeviceID == deviceID {
			out[l.LocationNumber] = c.CanisterID
		}
	}
	return out, nil
}

func (f *fakeCatalog) GetBatchPlan(_ context.Context, deviceID int64) (*models.BatchPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	plan := &models.BatchPlan{Assignments: make(map[int]*models.ExpectedAssignment)}
	p, ok := f.plans[deviceID]
	if !ok {
		return plan, nil
	}
	plan.BatchID = copyID(p.BatchID)
	for slot, a := range p.Assignments {
		cp := *a
		cp.CanisterID = copyID(a.CanisterID)
		plan.Assignments[slot] = &cp
	}
	return plan, nil
}

func (f *fakeCatalog) IsLocationEmpty(_ context.Context, locationID, ignoreCanisterID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locations[locationID]
	if !ok {
		return false, notFound("location")
	}
	return !l.IsDisabled && !f.occupiedLocked(locationID, ignoreCanisterID), nil
}

func (f *fakeCatalog) FindEmptyCartLocation(_ context.Context, cartID int64, drawerLevel *int, exclude []int64) (*int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	skip := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	var candidates []*models.Location
	for _, l := range f.locations {
		if l.DeviceID != cartID || l.IsDisabled || skip[l.LocationID] || f.occupiedLocked(l.LocationID, 0) {
			continue
		}
		if drawerLevel != nil && (l.DrawerLevel == nil || *l.DrawerLevel != *drawerLevel) {
			continue
		}
		candidates = append(candidates, l)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].LocationNumber < candidates[j].LocationNumber })
	id := candidates[0].LocationID
	return &id, nil
}

func (f *fakeCatalog) occupiedLocked(locationID, ignoreCanisterID int64) bool {
	for _, c := range f.canisters {
		if c.Active && c.CanisterID != ignoreCanisterID && c.LocationID != nil && *c.LocationID == locationID {
			return true
		}
	}
	return false
}

func (f *fakeCatalog) BeginTx(context.Context) (CatalogTx, error) {
	return &fakeTx{fakeCatalog: f, moves: make(map[int64]*int64), assoc: make(map[int64]*int64)}, nil
}

func (f *fakeCatalog) location(canisterID int64) *int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyID(f.canisters[canisterID].LocationID)
}

func (f *fakeCatalog) committedHistory() []models.CanisterHistory {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.CanisterHistory(nil), f.history...)
}

// fakeTx 读走已提交状态，写入缓存到 Commit
type fakeTx struct {
	*fakeCatalog

	moves        map[int64]*int64
	history      []models.CanisterHistory
	assoc        map[int64]*int64
	transferDone []int64
	reactivate   []int64
	done         bool
}

func (t *fakeTx) UpdateCanisterLocations(_ context.Context, moves map[int64]*int64) error {
	for id, loc := range moves {
		t.moves[id] = loc
	}
	return nil
}

func (t *fakeTx) AppendHistory(_ context.Context, entries []models.CanisterHistory) error {
	if t.historyErr != nil {
		return t.historyErr
	}
	t.history = append(t.history, entries...)
	return nil
}

func (t *fakeTx) AssociateCanisters(_ context.Context, assoc map[int64]*int64) error {
	for id, c := range assoc {
		t.assoc[id] = c
	}
	return nil
}

func (t *fakeTx) MarkTransferDone(_ context.Context, ids []int64) error {
	t.transferDone = append(t.transferDone, ids...)
	return nil
}

func (t *fakeTx) ReactivateCanisters(_ context.Context, ids []int64) error {
	t.reactivate = append(t.reactivate, ids...)
	return nil
}

func (t *fakeTx) Commit() error {
	f := t.fakeCatalog
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.done {
		return fmt.Errorf("tx already done")
	}
	t.done = true
	for id, loc := range t.moves {
		f.canisters[id].LocationID = copyID(loc)
	}
	for id, c := range t.assoc {
		f.assoc[id] = c
		for _, p := range f.plans {
			for _, a := range p.Assignments {
				if a.AssignmentID == id {
					a.CanisterID = copyID(c)
				}
			}
		}
	}
	for _, id := range t.transferDone {
		for _, p := range f.plans {
			for _, a := range p.Assignments {
				if a.AssignmentID == id {
					a.TransferDone = true
				}
			}
		}
	}
	for _, id := range t.reactivate {
		if c := f.canisters[id]; c != nil && c.Status == models.CanisterStatusMisplaced {
			c.Status = models.CanisterStatusNone
		}
	}
	f.history = append(f.history, t.history...)
	f.transferDone = append(f.transferDone, t.transferDone...)
	f.reactivated = append(f.reactivated, t.reactivate...)
	f.commits++
	return nil
}

func (t *fakeTx) Rollback() error {
	f := t.fakeCatalog
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.done {
		return fmt.Errorf("tx already done")
	}
	t.done = true
	f.rollbacks++
	return nil
}

func copyCanister(c *models.Canister) *models.Canister {
	cp := *c
	cp.LocationID = copyID(c.LocationID)
	if c.TempFilling != nil {
		tf := *c.TempFilling
		cp.TempFilling = &tf
	}
	return &cp
}

func id64(v int64) *int64 { return &v }

func intp(v int) *int { return &v }
