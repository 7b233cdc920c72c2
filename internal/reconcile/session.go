package reconcile

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"wisefido-canister/internal/models"
)

// ReconcileRequest 一次对账的输入
type ReconcileRequest struct {
	DeviceID        int64          `json:"device_id"`
	// Reads 槽位号 -> RFID；空字符串或空槽标记表示该槽位为空
	Reads           map[int]string `json:"reads"`
	ActorUserID     int64          `json:"actor_user_id"`
	ScannedDrawerID *int64         `json:"scanned_drawer_id,omitempty"`
	TrolleyID       *int64         `json:"trolley_id,omitempty"`
}

// SlotError 本次对账中处于错误状态的槽位
type SlotError struct {
	Slot     int              `json:"slot"`
	Code     models.ErrorCode `json:"code"`
	Message  string           `json:"message"`
	Location string           `json:"location,omitempty"`
}

// StagedChanges 一次对账暂存、待落库的全部修改
type StagedChanges struct {
	Moves        map[int64]*int64
	History      []models.CanisterHistory
	Associations map[int64]*int64
	TransferDone []int64
	Reactivate   []int64
}

// Empty 没有任何修改
func (c *StagedChanges) Empty() bool {
	return len(c.Moves) == 0 && len(c.History) == 0 && len(c.Associations) == 0 &&
		len(c.TransferDone) == 0 && len(c.Reactivate) == 0
}

// Apply 按固定顺序写入目录（调用方负责事务）
func (c *StagedChanges) Apply(ctx context.Context, w CatalogWriter) error {
	if err := w.UpdateCanisterLocations(ctx, c.Moves); err != nil {
		return err
	}
	if err := w.AppendHistory(ctx, c.History); err != nil {
		return err
	}
	if err := w.AssociateCanisters(ctx, c.Associations); err != nil {
		return err
	}
	if err := w.MarkTransferDone(ctx, c.TransferDone); err != nil {
		return err
	}
	return w.ReactivateCanisters(ctx, c.Reactivate)
}

type stagedMove struct {
	canisterID int64
	from       *int64
	to         *int64
	// confirmed 已确认转运，目标位置优先于静置位置
	confirmed bool
}

type stagedBind struct {
	slot         int
	assignmentID int64
	canisterID   int64
}

// Session 单次对账：Start -> Classify -> Validate -> Stage，全部在内存中完成
type Session struct {
	id        string
	device    *models.Device
	req       ReconcileRequest
	catalog   Catalog
	locations *LocationResolver
	resting   *RestingSearch
	emptyRFID string
	now       time.Time
	logger    *zap.Logger

	plan          *models.BatchPlan
	section       *models.DeviceSection
	baseline      map[int]*int64
	reads         map[int]string
	slotLocations map[int]*models.Location
	claims        ClaimSet
	canisters     map[int64]*models.Canister

	moves        []stagedMove
	binds        []stagedBind
	unbinds      []int64
	transferDone []int64
	reactivate   []int64
	staged       *StagedChanges
}

// SessionConfig 会话参数
type SessionConfig struct {
	SlotsPerPCB        int
	RestingDrawerLevel int
	EmptyRFID          string
}

// NewSession 创建对账会话；catalog 通常绑定到本次尝试的事务
func NewSession(id string, device *models.Device, req ReconcileRequest, catalog Catalog, cfg SessionConfig, now time.Time, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("session_id", id), zap.Int64("device_id", device.DeviceID))
	return &Session{
		id:        id,
		device:    device,
		req:       req,
		catalog:   catalog,
		locations: NewLocationResolver(catalog, cfg.SlotsPerPCB),
		resting:   NewRestingSearch(catalog, cfg.RestingDrawerLevel, logger),
		emptyRFID: cfg.EmptyRFID,
		now:       now,
		logger:    logger,
		claims:    NewClaimSet(),
		canisters: make(map[int64]*models.Canister),
	}
}

// Run 执行一次完整对账，返回暂存修改与新的设备区段
func (s *Session) Run(ctx context.Context, previous *models.DeviceSection) (*StagedChanges, *models.DeviceSection, error) {
	if err := s.start(ctx, previous); err != nil {
		return nil, nil, err
	}
	if err := s.classify(ctx); err != nil {
		return nil, nil, err
	}
	s.validate()
	s.stage()
	return s.staged, s.section, nil
}

func (s *Session) start(ctx context.Context, previous *models.DeviceSection) error {
	if len(s.req.Reads) == 0 {
		return ErrMissingReads
	}

	plan, err := s.catalog.GetBatchPlan(ctx, s.device.DeviceID)
	if err != nil {
		return err
	}
	s.plan = plan

	s.section = &models.DeviceSection{DeviceID: s.device.DeviceID, Slots: make(map[int]*models.SlotSummary)}
	s.baseline = make(map[int]*int64)
	if previous != nil {
		for slot, sum := range previous.Slots {
			if sum == nil {
				continue
			}
			cp := *sum
			s.section.Slots[slot] = &cp
			s.baseline[slot] = cp.CurrentCanisterID
		}
	}

	occupied, err := s.catalog.GetOccupiedSlots(ctx, s.device.DeviceID)
	if err != nil {
		return err
	}
	for slot, canisterID := range occupied {
		if _, ok := s.section.Slots[slot]; ok {
			continue
		}
		id := canisterID
		s.baseline[slot] = &id
	}

	s.reads = make(map[int]string, len(s.req.Reads))
	s.slotLocations = make(map[int]*models.Location, len(s.req.Reads))
	for _, slot := range sortedSlots(s.req.Reads) {
		loc, err := s.locations.BySlotNumber(ctx, s.device.DeviceID, slot)
		if err != nil {
			return err
		}
		s.slotLocations[slot] = loc
		s.reads[slot] = s.normalize(s.req.Reads[slot])
	}
	return nil
}

func (s *Session) normalize(rfid string) string {
	rfid = strings.TrimSpace(rfid)
	if rfid == s.emptyRFID {
		return ""
	}
	return rfid
}

func (s *Session) classify(ctx context.Context) error {
	var events []SlotEvent
	for _, slot := range sortedSlots(s.reads) {
		rfid := s.reads[slot]

		var placed *models.Canister
		if rfid != "" {
			c, err := s.catalog.GetCanisterByRFID(ctx, rfid)
			switch {
			case isNotFound(err):
			case err != nil:
				return err
			default:
				placed = c
				s.canisters[c.CanisterID] = c
			}
		}
		events = append(events, Classify(slot, s.baseline[slot], rfid, placed)...)
	}

	if err := s.reserveTransfers(ctx, events); err != nil {
		return err
	}

	for _, ev := range events {
		var err error
		switch e := ev.(type) {
		case Removed:
			err = s.onRemoved(ctx, e)
		case Placed:
			err = s.onPlaced(ctx, e)
		case Unchanged:
			s.onUnchanged(e)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// reserveTransfers 先占用所有已确认转运的小车位置，静置搜索不会再分配这些位置
func (s *Session) reserveTransfers(ctx context.Context, events []SlotEvent) error {
	for _, ev := range events {
		e, ok := ev.(Removed)
		if !ok {
			continue
		}
		c, err := s.canister(ctx, e.CanisterID)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		a := s.plan.Assignment(e.Slot)
		if s.removalRule(a, c).action != actTransferConfirmed {
			continue
		}
		if to := transferTarget(a, c); to != nil {
			s.claims.Claim(*to)
		}
	}
	return nil
}

func (s *Session) removalRule(a *models.ExpectedAssignment, c *models.Canister) removalRule {
	key := removalKey{hasAssignment: a != nil}
	if a != nil {
		status := workStatus(a, c)
		key.bound = a.CanisterID != nil
		key.matches = key.bound && *a.CanisterID == c.CanisterID
		key.terminal = status.IsTerminal()
		key.drawerScanned = s.req.ScannedDrawerID != nil
		key.confirmed = (key.drawerScanned && a.DestDrawerID != nil && *s.req.ScannedDrawerID == *a.DestDrawerID) ||
			status == models.CanisterStatusSkipped || a.Skipped || a.TransferDone || c.TransferDone()
		key.anyFilled = a.AnyDrugFilled()
	}
	return dispatchRemoval(key)
}

// transferTarget 转运目标：批次指定的小车位置，其次药罐自身的小车位置
func transferTarget(a *models.ExpectedAssignment, c *models.Canister) *int64 {
	if a.TrolleyLocationID != nil {
		return a.TrolleyLocationID
	}
	return c.TrolleyLocationID
}

func (s *Session) onRemoved(ctx context.Context, ev Removed) error {
	sum := s.summary(ev.Slot)
	sum.CurrentCanisterID = nil

	c, err := s.canister(ctx, ev.CanisterID)
	if isNotFound(err) {
		s.logger.Warn("Removed canister not in catalog", zap.Int("slot", ev.Slot), zap.Int64("canister_id", ev.CanisterID))
		return nil
	}
	if err != nil {
		return err
	}

	a := s.plan.Assignment(ev.Slot)
	rule := s.removalRule(a, c)
	s.logger.Debug("Slot removal classified",
		zap.Int("slot", ev.Slot),
		zap.Int64("canister_id", c.CanisterID),
		zap.String("rule", rule.name),
	)

	switch rule.action {
	case actForeignDeparture:
		if err := s.foreignDeparture(ctx, c); err != nil {
			return err
		}
		sum.RequiredCanisterID = nil
		sum.ClearError()
		sum.TransferDone = false

	case actAssociationMismatch:
		if err := s.foreignDeparture(ctx, c); err != nil {
			return err
		}
		sum.RequiredCanisterID = copyID(a.CanisterID)

	case actTransferConfirmed:
		to := transferTarget(a, c)
		if to != nil {
			s.claims.Claim(*to)
		}
		// 放入槽位时目录位置不变，来源记为槽位本身
		from := s.slotLocations[ev.Slot].LocationID
		s.confirmMove(c, &from, to)
		s.transferDone = append(s.transferDone, a.AssignmentID)
		a.TransferDone = true
		sum.RequiredCanisterID = copyID(a.CanisterID)
		sum.ClearError()
		sum.TransferDone = true

	case actWrongDrawerScanned, actDrawerScanRequired:
		loc, err := s.resting.Find(ctx, c, s.claims)
		if err != nil {
			return err
		}
		s.move(c, loc)
		code := models.ErrorDrawerScanRequired
		if rule.action == actWrongDrawerScanned {
			code = models.ErrorWrongDrawerScanned
		}
		sum.RequiredCanisterID = copyID(a.CanisterID)
		sum.SetError(code, a.DestDrawerName)

	case actMissingCanister:
		sum.RequiredCanisterID = copyID(a.CanisterID)
		sum.SetError(models.ErrorMissingCanister, s.slotLocations[ev.Slot].DisplayLocation)

	case actAssociationDropped:
		s.unbinds = append(s.unbinds, a.AssignmentID)
		a.CanisterID = nil
		sum.RequiredCanisterID = nil
		sum.ClearError()
		sum.TransferDone = false
	}
	return nil
}

// foreignDeparture 没有活动批次时不做任何目录修改
func (s *Session) foreignDeparture(ctx context.Context, c *models.Canister) error {
	if s.plan.BatchID == nil {
		s.logger.Debug("batch_not_found", zap.Int64("canister_id", c.CanisterID))
		return nil
	}
	loc, err := s.resting.Find(ctx, c, s.claims)
	if err != nil {
		return err
	}
	s.move(c, loc)
	return nil
}

func (s *Session) onPlaced(ctx context.Context, ev Placed) error {
	c := ev.Canister
	sum := s.summary(ev.Slot)
	id := c.CanisterID
	sum.CurrentCanisterID = &id

	a := s.plan.Assignment(ev.Slot)
	key := placementKey{
		hasAssignment:     a != nil,
		placedTerminal:    c.Status.IsTerminal(),
		placedTransferred: c.TransferDone(),
		inactive:          c.IsInactive(),
		reusable:          c.Status.IsReusable(),
		homeCartKnown:     c.HomeCartID != nil,
	}
	var belonging string
	if a != nil {
		key.bound = a.CanisterID != nil
		key.matches = key.bound && *a.CanisterID == c.CanisterID
		key.skipped = a.Skipped || a.Status == models.CanisterStatusSkipped
		key.expectedTransferred = a.TransferDone

		trolley := s.req.TrolleyID
		if trolley == nil {
			trolley = a.TrolleyID
		}
		key.homeCartMismatch = c.HomeCartID != nil && trolley != nil && *c.HomeCartID != *trolley

		if !key.bound {
			var err error
			belonging, err = s.belongingDisplay(ctx, c, s.slotLocations[ev.Slot])
			if err != nil {
				return err
			}
			key.belongingKnown = belonging != ""
		}
	}

	rule := dispatchPlacement(key)
	s.logger.Debug("Slot placement classified",
		zap.Int("slot", ev.Slot),
		zap.Int64("canister_id", c.CanisterID),
		zap.String("rule", rule.name),
	)

	if a != nil {
		sum.RequiredCanisterID = copyID(a.CanisterID)
		sum.TransferDone = a.TransferDone
	} else {
		sum.RequiredCanisterID = nil
		sum.TransferDone = false
	}

	switch rule.action {
	case actNoCanisterRequired:
		sum.SetError(models.ErrorNoCanisterRequired, "")

	case actWrongCanDetected:
		return s.setErrorAt(ctx, sum, models.ErrorWrongCanDetected, c.LocationID)

	case actTrolleyPlacementRequired:
		return s.setErrorAt(ctx, sum, models.ErrorTrolleyPlacementRequired, c.TrolleyLocationID)

	case actWrongPlacement:
		if key.bound {
			return s.setErrorAt(ctx, sum, models.ErrorWrongPlacement, c.LocationID)
		}
		sum.SetError(models.ErrorWrongPlacement, belonging)

	case actPlaced:
		sum.ClearError()
		sum.TransferDone = false

	case actDeactivateCanister:
		sum.SetError(models.ErrorDeactivateCanister, "")

	case actWrongHomeCart:
		name, err := s.homeCartName(ctx, c)
		if err != nil {
			return err
		}
		sum.SetError(models.ErrorWrongHomeCart, name)

	case actBind:
		s.binds = append(s.binds, stagedBind{slot: ev.Slot, assignmentID: a.AssignmentID, canisterID: c.CanisterID})
		a.CanisterID = &id
		if c.Status == models.CanisterStatusMisplaced {
			s.reactivate = append(s.reactivate, c.CanisterID)
		}
		sum.RequiredCanisterID = &id
		sum.ClearError()
		sum.TransferDone = false
	}
	return nil
}

func (s *Session) onUnchanged(ev Unchanged) {
	if ev.UnknownRFID != "" {
		s.logger.Warn("Unknown RFID on empty slot", zap.Int("slot", ev.Slot), zap.String("rfid", ev.UnknownRFID))
	}
	if _, ok := s.section.Slots[ev.Slot]; ok {
		return
	}
	prev := s.baseline[ev.Slot]
	if prev == nil {
		return
	}
	sum := s.summary(ev.Slot)
	sum.CurrentCanisterID = copyID(prev)
	if a := s.plan.Assignment(ev.Slot); a != nil {
		sum.RequiredCanisterID = copyID(a.CanisterID)
	}
}

// validate 批次级校验：同一药罐只保留槽位号最小的绑定；多个药罐落到同一位置时
// 已确认转运优先，其余按槽位顺序后者置空
func (s *Session) validate() {
	first := make(map[int64]stagedBind)
	kept := s.binds[:0]
	for _, b := range s.binds {
		prior, dup := first[b.canisterID]
		if !dup {
			first[b.canisterID] = b
			kept = append(kept, b)
			continue
		}
		s.logger.Info("Canister bound to more than one slot",
			zap.Int64("canister_id", b.canisterID),
			zap.Int("slot", b.slot),
			zap.Int("kept_slot", prior.slot),
		)
		if a := s.plan.Assignment(b.slot); a != nil {
			a.CanisterID = nil
		}
		sum := s.summary(b.slot)
		sum.RequiredCanisterID = nil
		sum.SetError(models.ErrorWrongPlacement, s.slotLocations[prior.slot].DisplayLocation)
	}
	s.binds = kept

	owner := make(map[int64]int64)
	for _, m := range s.moves {
		if m.confirmed && m.to != nil {
			if _, taken := owner[*m.to]; !taken {
				owner[*m.to] = m.canisterID
			}
		}
	}
	moves := s.moves[:0]
	for _, m := range s.moves {
		if m.to != nil {
			if other, taken := owner[*m.to]; taken && other != m.canisterID {
				s.logger.Warn("Resting location conflict, location left unknown",
					zap.Int64("canister_id", m.canisterID),
					zap.Int64("location_id", *m.to),
					zap.Int64("owner_canister_id", other),
				)
				m.to = nil
			} else {
				owner[*m.to] = m.canisterID
			}
		}
		if sameLocation(m.from, m.to) {
			continue
		}
		moves = append(moves, m)
	}
	s.moves = moves
}

func (s *Session) stage() {
	out := &StagedChanges{
		Moves:        make(map[int64]*int64, len(s.moves)),
		Associations: make(map[int64]*int64),
	}
	for _, m := range s.moves {
		out.Moves[m.canisterID] = copyID(m.to)
		out.History = append(out.History, models.CanisterHistory{
			CanisterID:         m.canisterID,
			PreviousLocationID: copyID(m.from),
			CurrentLocationID:  copyID(m.to),
			CreatedBy:          s.req.ActorUserID,
			CreatedAt:          s.now,
		})
	}
	for _, assignmentID := range s.unbinds {
		out.Associations[assignmentID] = nil
	}
	for _, b := range s.binds {
		id := b.canisterID
		out.Associations[b.assignmentID] = &id
	}
	out.TransferDone = uniqueSorted(s.transferDone)
	out.Reactivate = uniqueSorted(s.reactivate)

	s.section.SessionID = s.id
	s.section.UpdatedBy = s.req.ActorUserID
	s.section.UpdatedAt = s.now
	s.staged = out
}

// Result 本次对账结果
func (s *Session) Result() *ReconciliationResult {
	res := &ReconciliationResult{
		SessionID:       s.id,
		DeviceID:        s.device.DeviceID,
		PerSlotSummary:  make(map[int]*models.SlotSummary, len(s.reads)),
		HistoryAppended: []models.CanisterHistory{},
		Errors:          []SlotError{},
	}
	if s.staged != nil {
		res.HistoryAppended = append(res.HistoryAppended, s.staged.History...)
	}
	for _, slot := range sortedSlots(s.reads) {
		sum, ok := s.section.Slots[slot]
		if !ok {
			continue
		}
		res.PerSlotSummary[slot] = sum
		if sum.IsInError && sum.ErrorCode != nil {
			e := SlotError{Slot: slot, Code: *sum.ErrorCode}
			if sum.ErrorMessage != nil {
				e.Message = *sum.ErrorMessage
			}
			if sum.MessageLocation != nil {
				e.Location = *sum.MessageLocation
			}
			res.Errors = append(res.Errors, e)
		}
	}
	return res
}

// move 暂存位置变更；同一药罐多次变更只保留最终目标
func (s *Session) move(c *models.Canister, to *int64) {
	if i := s.pendingMove(c.CanisterID); i >= 0 {
		s.moves[i].to = copyID(to)
		return
	}
	if sameLocation(c.LocationID, to) {
		return
	}
	s.moves = append(s.moves, stagedMove{canisterID: c.CanisterID, from: copyID(c.LocationID), to: copyID(to)})
}

// confirmMove 已确认转运总是留痕，即使目录位置已经等于目标
func (s *Session) confirmMove(c *models.Canister, from, to *int64) {
	m := stagedMove{canisterID: c.CanisterID, from: copyID(from), to: copyID(to), confirmed: true}
	if i := s.pendingMove(c.CanisterID); i >= 0 {
		s.moves[i] = m
		return
	}
	s.moves = append(s.moves, m)
}

func (s *Session) pendingMove(canisterID int64) int {
	for i := range s.moves {
		if s.moves[i].canisterID == canisterID {
			return i
		}
	}
	return -1
}

func (s *Session) summary(slot int) *models.SlotSummary {
	sum, ok := s.section.Slots[slot]
	if !ok {
		sum = &models.SlotSummary{}
		s.section.Slots[slot] = sum
	}
	return sum
}

func (s *Session) canister(ctx context.Context, id int64) (*models.Canister, error) {
	if c, ok := s.canisters[id]; ok {
		return c, nil
	}
	c, err := s.catalog.GetCanister(ctx, id)
	if err != nil {
		return nil, err
	}
	s.canisters[id] = c
	return c, nil
}

func (s *Session) display(ctx context.Context, locationID *int64) (string, error) {
	if locationID == nil {
		return "", nil
	}
	loc, err := s.catalog.GetLocation(ctx, *locationID)
	if isNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return loc.DisplayLocation, nil
}

func (s *Session) setErrorAt(ctx context.Context, sum *models.SlotSummary, code models.ErrorCode, locationID *int64) error {
	where, err := s.display(ctx, locationID)
	if err != nil {
		return err
	}
	sum.SetError(code, where)
	return nil
}

// belongingDisplay 药罐所属位置（当前位置，其次小车位置）；就是本槽位时视为未知
func (s *Session) belongingDisplay(ctx context.Context, c *models.Canister, here *models.Location) (string, error) {
	loc := c.LocationID
	if loc == nil {
		loc = c.TrolleyLocationID
	}
	if loc == nil || (here != nil && *loc == here.LocationID) {
		return "", nil
	}
	return s.display(ctx, loc)
}

func (s *Session) homeCartName(ctx context.Context, c *models.Canister) (string, error) {
	if c.HomeCartID == nil {
		return "", nil
	}
	d, err := s.catalog.GetDevice(ctx, *c.HomeCartID)
	if isNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return d.Name, nil
}

func workStatus(a *models.ExpectedAssignment, c *models.Canister) models.CanisterStatus {
	if a.Status != models.CanisterStatusNone {
		return a.Status
	}
	return c.Status
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func sameLocation(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sortedSlots(m map[int]string) []int {
	slots := make([]int, 0, len(m))
	for slot := range m {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	return slots
}

func uniqueSorted(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
