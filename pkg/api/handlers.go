package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/entrhq/consolepilot/pkg/batch"
	"github.com/entrhq/consolepilot/pkg/browser"
	"github.com/entrhq/consolepilot/pkg/logging"
)

// SessionStatus reports the browser session state.
type SessionStatus interface {
	Status() browser.Status
}

// BatchRunner executes a turn-off batch.
type BatchRunner interface {
	Run(ctx context.Context, keys []string) (*batch.Result, error)
}

// Relogger performs a manual forced relogin.
type Relogger interface {
	Relogin(ctx context.Context) error
}

// ClassIndex lists roster classes.
type ClassIndex interface {
	Classes() []string
	KeysInClass(class string) []string
}

type Handler struct {
	session  SessionStatus
	runner   BatchRunner
	relogger Relogger
	roster   ClassIndex
	logger   *logging.Logger
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type turnOffRequest struct {
	IDs json.RawMessage `json:"ids"`
	// Legacy clients send a comma separated "idS".
	LegacyIDs json.RawMessage `json:"idS"`
}

type turnOffResponse struct {
	Success bool `json:"success"`
	*batch.Result
}

// keys accepts either a comma separated string or an array of strings.
func (req turnOffRequest) keys() ([]string, error) {
	raw := req.IDs
	if len(raw) == 0 {
		raw = req.LegacyIDs
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return batch.ParseKeys(s), nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("ids must be a string or an array of strings")
	}
	return list, nil
}

// TurnOff handles POST /api/turn_off
func (h *Handler) TurnOff(w http.ResponseWriter, r *http.Request) {
	var req turnOffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	keys, err := req.keys()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(batch.Dedupe(keys)) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}

	// A dropped client does not abort a half-finished batch.
	res, err := h.runner.Run(context.WithoutCancel(r.Context()), keys)
	if err != nil {
		if errors.Is(err, browser.ErrNotInitialized) {
			writeError(w, http.StatusServiceUnavailable, "browser session is not initialized")
			return
		}
		h.logger.Errorf("Turn off batch failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, turnOffResponse{Success: true, Result: res})
}

// Relogin handles POST /api/relogin
func (h *Handler) Relogin(w http.ResponseWriter, r *http.Request) {
	err := h.relogger.Relogin(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Relogin completed"})
	case errors.Is(err, browser.ErrReauthInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, browser.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, "browser session is not initialized")
	default:
		h.logger.Errorf("Manual relogin failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// Status handles GET /api/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.session.Status())
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	st := h.session.Status()
	resp := map[string]any{
		"status":      "ok",
		"initialized": st.Initialized,
		"connected":   st.Connected,
	}
	code := http.StatusOK
	if !st.Initialized || !st.Connected {
		resp["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// Classes handles GET /api/classes
func (h *Handler) Classes(w http.ResponseWriter, r *http.Request) {
	classes := h.roster.Classes()
	if classes == nil {
		classes = []string{}
	}
	writeJSON(w, http.StatusOK, classes)
}

// KeysInClass handles GET /api/classes/{class}/keys
func (h *Handler) KeysInClass(w http.ResponseWriter, r *http.Request) {
	keys := h.roster.KeysInClass(chi.URLParam(r, "class"))
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Success: false, Error: msg})
}
