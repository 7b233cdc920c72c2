// Package httpapi 药罐对账服务 HTTP 接口
package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"wisefido-canister/internal/lifecycle"
	"wisefido-canister/internal/models"
	"wisefido-canister/internal/reconcile"
)

// Reconciler 对账引擎
type Reconciler interface {
	Reconcile(ctx context.Context, req reconcile.ReconcileRequest) (*reconcile.ReconciliationResult, error)
}

// LocationLifecycle 位置禁用/启用
type LocationLifecycle interface {
	Disable(ctx context.Context, locationID, actor int64, comment string) (*lifecycle.Result, error)
	Enable(ctx context.Context, locationID, actor int64) (*lifecycle.Result, error)
}

// HistoryLister 药罐历史查询
type HistoryLister interface {
	ListCanisterHistory(ctx context.Context, canisterID int64, limit int) ([]models.CanisterHistoryEntry, error)
}

// Handler 接口处理器
type Handler struct {
	engine    Reconciler
	lifecycle LocationLifecycle
	history   HistoryLister
	logger    *zap.Logger
}

// NewHandler 创建接口处理器
func NewHandler(engine Reconciler, lc LocationLifecycle, history HistoryLister, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: engine, lifecycle: lc, history: history, logger: logger}
}

type reconcileBody struct {
	UserID          int64          `json:"user_id"`
	Reads           map[int]string `json:"reads"`
	ScannedDrawerID *int64         `json:"scanned_drawer_id,omitempty"`
	TrolleyID       *int64         `json:"trolley_id,omitempty"`
}

// Reconcile POST /devices/{deviceID}/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathInt64(r, "deviceID")
	if err != nil {
		writeError(w, err)
		return
	}
	var body reconcileBody
	if err := readBodyJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.engine.Reconcile(r.Context(), reconcile.ReconcileRequest{
		DeviceID:        deviceID,
		Reads:           body.Reads,
		ActorUserID:     body.UserID,
		ScannedDrawerID: body.ScannedDrawerID,
		TrolleyID:       body.TrolleyID,
	})
	if err != nil {
		h.logger.Warn("Reconcile request failed", zap.Int64("device_id", deviceID), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(res))
}

type lifecycleBody struct {
	UserID  int64  `json:"user_id"`
	Comment string `json:"comment,omitempty"`
}

// DisableLocation POST /locations/{locationID}/disable
func (h *Handler) DisableLocation(w http.ResponseWriter, r *http.Request) {
	h.lifecycleCall(w, r, func(ctx context.Context, locationID int64, body lifecycleBody) (*lifecycle.Result, error) {
		return h.lifecycle.Disable(ctx, locationID, body.UserID, body.Comment)
	})
}

// EnableLocation POST /locations/{locationID}/enable
func (h *Handler) EnableLocation(w http.ResponseWriter, r *http.Request) {
	h.lifecycleCall(w, r, func(ctx context.Context, locationID int64, body lifecycleBody) (*lifecycle.Result, error) {
		return h.lifecycle.Enable(ctx, locationID, body.UserID)
	})
}

func (h *Handler) lifecycleCall(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64, lifecycleBody) (*lifecycle.Result, error)) {
	locationID, err := pathInt64(r, "locationID")
	if err != nil {
		writeError(w, err)
		return
	}
	var body lifecycleBody
	if err := readBodyJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.UserID <= 0 {
		writeError(w, badRequest("user_id is required"))
		return
	}

	res, err := fn(r.Context(), locationID, body)
	if err != nil {
		h.logger.Warn("Location lifecycle request failed", zap.Int64("location_id", locationID), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(res))
}

// ExportHistory GET /canisters/{canisterID}/history/export?limit=N
func (h *Handler) ExportHistory(w http.ResponseWriter, r *http.Request) {
	canisterID, err := pathInt64(r, "canisterID")
	if err != nil {
		writeError(w, err)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 0)

	entries, err := h.history.ListCanisterHistory(r.Context(), canisterID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := GenerateCanisterHistoryExport(entries)
	if err != nil {
		h.logger.Error("Failed to generate history export", zap.Int64("canister_id", canisterID), zap.Error(err))
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="canister_%d_history.xlsx"`, canisterID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Health GET /health
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Ok(map[string]string{"status": "ok"}))
}
