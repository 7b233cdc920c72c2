package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"wisefido-canister/internal/document"
	"wisefido-canister/internal/lifecycle"
	"wisefido-canister/internal/models"
	"wisefido-canister/internal/reconcile"
	"wisefido-canister/internal/repository"
)

type fakeEngine struct {
	last reconcile.ReconcileRequest
	err  error
}

func (f *fakeEngine) Reconcile(_ context.Context, req reconcile.ReconcileRequest) (*reconcile.ReconciliationResult, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	if len(req.Reads) == 0 {
		return nil, reconcile.ErrMissingReads
	}
	return &reconcile.ReconciliationResult{SessionID: "session-1", DeviceID: req.DeviceID, Revision: 2, Attempts: 1}, nil
}

type fakeLifecycle struct {
	err     error
	calls   []string
	comment string
}

func (f *fakeLifecycle) Disable(_ context.Context, locationID, actor int64, comment string) (*lifecycle.Result, error) {
	f.calls = append(f.calls, fmt.Sprintf("disable %d by %d", locationID, actor))
	f.comment = comment
	if f.err != nil {
		return nil, f.err
	}
	return &lifecycle.Result{LocationID: locationID, IntervalID: 5, Disabled: true}, nil
}

func (f *fakeLifecycle) Enable(_ context.Context, locationID, actor int64) (*lifecycle.Result, error) {
	f.calls = append(f.calls, fmt.Sprintf("enable %d by %d", locationID, actor))
	if f.err != nil {
		return nil, f.err
	}
	return &lifecycle.Result{LocationID: locationID, IntervalID: 5}, nil
}

type fakeHistory struct {
	entries []models.CanisterHistoryEntry
	limit   int
}

func (f *fakeHistory) ListCanisterHistory(_ context.Context, canisterID int64, limit int) ([]models.CanisterHistoryEntry, error) {
	f.limit = limit
	if canisterID != 7 {
		return nil, fmt.Errorf("canister %d: %w", canisterID, repository.ErrNotFound)
	}
	return f.entries, nil
}

type fixture struct {
	engine    *fakeEngine
	lifecycle *fakeLifecycle
	history   *fakeHistory
	router    http.Handler
}

func newFixture() *fixture {
	f := &fixture{engine: &fakeEngine{}, lifecycle: &fakeLifecycle{}, history: &fakeHistory{}}
	f.router = NewRouter(NewHandler(f.engine, f.lifecycle, f.history, zap.NewNop()))
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) Result[T] {
	var out Result[T]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	rec := newFixture().do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ResultSuccess, decode[map[string]string](t, rec).Code)
}

func TestReconcile_Success(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/canister/api/v1/devices/3/reconcile",
		`{"user_id":42,"reads":{"1":"RFID-7","2":"0"},"trolley_id":21}`)

	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[reconcile.ReconciliationResult](t, rec)
	assert.Equal(t, ResultSuccess, out.Code)
	assert.Equal(t, "session-1", out.Result.SessionID)

	assert.Equal(t, int64(3), f.engine.last.DeviceID)
	assert.Equal(t, int64(42), f.engine.last.ActorUserID)
	assert.Equal(t, map[int]string{1: "RFID-7", 2: "0"}, f.engine.last.Reads)
	require.NotNil(t, f.engine.last.TrolleyID)
	assert.Equal(t, int64(21), *f.engine.last.TrolleyID)
}

func TestReconcile_ErrorStatus(t *testing.T) {
	syncErr := &document.RealtimeSyncError{Key: "canister:realtime:1", Attempts: 3, Err: document.ErrConcurrentModification}
	tests := []struct {
		name   string
		path   string
		body   string
		err    error
		status int
	}{
		{"missing reads", "/canister/api/v1/devices/3/reconcile", `{}`, nil, http.StatusBadRequest},
		{"bad device id", "/canister/api/v1/devices/x/reconcile", `{}`, nil, http.StatusBadRequest},
		{"bad body", "/canister/api/v1/devices/3/reconcile", `{"reads":`, nil, http.StatusBadRequest},
		{"unknown slot", "/canister/api/v1/devices/3/reconcile", `{"reads":{"99":"X"}}`, reconcile.ErrUnknownSlot, http.StatusBadRequest},
		{"unknown device", "/canister/api/v1/devices/9/reconcile", `{"reads":{"1":"X"}}`, repository.ErrNotFound, http.StatusNotFound},
		{"sync exhausted", "/canister/api/v1/devices/3/reconcile", `{"reads":{"1":"X"}}`, syncErr, http.StatusServiceUnavailable},
		{"internal", "/canister/api/v1/devices/3/reconcile", `{"reads":{"1":"X"}}`, fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.engine.err = tt.err
			rec := f.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			out := decode[any](t, rec)
			assert.Equal(t, ResultError, out.Code)
			assert.NotEmpty(t, out.Message)
		})
	}
}

func TestLocationLifecycle(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodPost, "/canister/api/v1/locations/31/disable", `{"user_id":42,"comment":"sensor fault"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[lifecycle.Result](t, rec)
	assert.True(t, out.Result.Disabled)
	assert.Equal(t, "sensor fault", f.lifecycle.comment)

	rec = f.do(http.MethodPost, "/canister/api/v1/locations/31/enable", `{"user_id":43}`)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"disable 31 by 42", "enable 31 by 43"}, f.lifecycle.calls)
}

func TestLocationLifecycle_Errors(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   string
		err    error
		status int
	}{
		{"missing user", "/canister/api/v1/locations/31/disable", `{}`, nil, http.StatusBadRequest},
		{"occupied", "/canister/api/v1/locations/31/disable", `{"user_id":1}`, lifecycle.ErrLocationOccupied, http.StatusConflict},
		{"already disabled", "/canister/api/v1/locations/31/disable", `{"user_id":1}`, lifecycle.ErrAlreadyDisabled, http.StatusConflict},
		{"no open interval", "/canister/api/v1/locations/31/enable", `{"user_id":1}`, lifecycle.ErrNoOpenInterval, http.StatusConflict},
		{"unknown location", "/canister/api/v1/locations/99/enable", `{"user_id":1}`, repository.ErrNotFound, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.lifecycle.err = tt.err
			rec := f.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestExportHistory(t *testing.T) {
	f := newFixture()
	prev, cur := int64(301), int64(2001)
	f.history.entries = []models.CanisterHistoryEntry{{
		CanisterHistory: models.CanisterHistory{
			ID:                 1,
			CanisterID:         7,
			PreviousLocationID: &prev,
			CurrentLocationID:  &cur,
			CreatedBy:          42,
			CreatedAt:          time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		},
		PreviousDisplay: "MFS-1",
		CurrentDisplay:  "T-1",
	}}

	rec := f.do(http.MethodGet, "/canister/api/v1/canisters/7/history/export?limit=50", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 50, f.history.limit)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "canister_7_history.xlsx")

	xl, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer xl.Close()
	rows, err := xl.GetRows(historySheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, CanisterHistoryExportHeader, rows[0])
	assert.Equal(t, []string{"1", "7", "MFS-1", "T-1", "42", "2026-03-01 08:00:00"}, rows[1])
}

func TestExportHistory_UnknownCanister(t *testing.T) {
	rec := newFixture().do(http.MethodGet, "/canister/api/v1/canisters/8/history/export", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor_WrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("reconcile device 3: %w", &document.RealtimeSyncError{Attempts: 3, Err: document.ErrConcurrentModification})
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(wrapped))
	assert.Equal(t, http.StatusBadRequest, statusFor(badRequest("x")))
	assert.Equal(t, http.StatusConflict, statusFor(fmt.Errorf("x: %w", lifecycle.ErrNoOpenInterval)))
}
