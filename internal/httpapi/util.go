package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"wisefido-canister/internal/document"
	"wisefido-canister/internal/lifecycle"
	"wisefido-canister/internal/reconcile"
	"wisefido-canister/internal/repository"
)

const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), Fail(err.Error()))
}

// statusFor 错误类别 -> HTTP 状态码
func statusFor(err error) int {
	var syncErr *document.RealtimeSyncError
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, reconcile.ErrMissingReads),
		errors.Is(err, reconcile.ErrUnknownSlot):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrLocationOccupied),
		errors.Is(err, lifecycle.ErrAlreadyDisabled),
		errors.Is(err, lifecycle.ErrNoOpenInterval):
		return http.StatusConflict
	case errors.As(err, &syncErr):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func readBodyJSON(r *http.Request, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return badRequest("invalid request body: " + err.Error())
	}
	return nil
}

func pathInt64(r *http.Request, name string) (int64, error) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || v <= 0 {
		return 0, badRequest("invalid " + name)
	}
	return v, nil
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func (e *requestError) Unwrap() error { return errBadRequest }

func badRequest(msg string) error {
	return &requestError{msg: msg}
}
