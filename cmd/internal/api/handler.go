// Package api serves the HTTP surface of the session orchestrator: attach, status,
// disconnect and the live session list.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Crazynotdev/Tts/cmd/internal/admission"
	"github.com/Crazynotdev/Tts/cmd/internal/session"
)

const (
	defaultMaxBody   = 4 << 10
	defaultOpTimeout = 30 * time.Second
)

// Controller is the part of session.Controller the API drives.
type Controller interface {
	Attach(ctx context.Context, req session.AttachRequest) (session.AttachResult, error)
	Disconnect(ctx context.Context, idOrNumber string) error
	Status(idOrNumber string) session.StatusReport
	List() []session.Snapshot
}

// Config tunes the Handler.
type Config struct {
	// TrustProxy honors X-Forwarded-For / X-Real-IP when deriving the request origin.
	TrustProxy bool
	MaxBody    int64
	// OpTimeout bounds attach and disconnect calls.
	OpTimeout time.Duration
}

// Handler wires the HTTP routes to a Controller.
type Handler struct {
	log  *slog.Logger
	cfg  Config
	ctrl Controller
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, ctrl Controller, cfg Config) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = defaultMaxBody
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	return &Handler{log: log, cfg: cfg, ctrl: ctrl}
}

// Register wires the routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /api/connect", h.handleConnect)
	mux.HandleFunc("GET /api/status/{number}", h.handleStatus)
	mux.HandleFunc("DELETE /api/disconnect/{id}", h.handleDisconnectByID)
	mux.HandleFunc("POST /api/disconnect", h.handleDisconnect)
	mux.HandleFunc("GET /api/sessions", h.handleSessions)
}

type connectRequest struct {
	Number   string `json:"number"`
	SocketID string `json:"socketId,omitempty"`
}

type connectResponse struct {
	Success  bool   `json:"success"`
	SocketID string `json:"socketId"`
	Number   string `json:"number"`
	Status   string `json:"status"`
	Existing bool   `json:"existing,omitempty"`
}

type statusResponse struct {
	Number      string     `json:"number"`
	Status      string     `json:"status"`
	ConnectedAt *time.Time `json:"connectedAt,omitempty"`
	Origin      string     `json:"origin,omitempty"`
	PairingMode string     `json:"pairingMode,omitempty"`
	ExpiresAt   *time.Time `json:"pairingExpiresAt,omitempty"`
}

type disconnectRequest struct {
	Number string `json:"number"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type sessionItem struct {
	Number       string `json:"number"`
	Status       string `json:"status"`
	IsConnecting bool   `json:"isConnecting"`
	IsConnected  bool   `json:"isConnected"`
}

type sessionsResponse struct {
	Sessions []sessionItem `json:"sessions"`
	Total    int           `json:"total"`
}

// ---- handlers ----

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(w, r, h.cfg.MaxBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Number) == "" {
		writeError(w, http.StatusBadRequest, "missing_number", "number is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.OpTimeout)
	defer cancel()

	res, err := h.ctrl.Attach(ctx, session.AttachRequest{
		Number:   req.Number,
		Origin:   originOf(r, h.cfg.TrustProxy),
		SocketID: req.SocketID,
	})
	if err != nil {
		h.writeAttachError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, connectResponse{
		Success:  true,
		SocketID: res.SocketID,
		Number:   res.ID,
		Status:   res.State.String(),
		Existing: res.Existing,
	})
}

func (h *Handler) writeAttachError(w http.ResponseWriter, err error) {
	var rej *admission.RejectedError
	switch {
	case errors.Is(err, session.ErrInvalidNumber):
		writeError(w, http.StatusBadRequest, "invalid_number", "number must be in international format, e.g. +33612345678")
	case errors.As(err, &rej):
		writeRateLimited(w, string(rej.Reason), rej.RetryAfter)
	case errors.Is(err, session.ErrAttachInProgress):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, "attach_in_progress", "session is still being admitted, retry shortly")
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
	default:
		h.log.Error("api.connect.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not start session")
	}
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	number := r.PathValue("number")
	if session.IdentityOf(number) == "" {
		writeError(w, http.StatusBadRequest, "invalid_number", "number is required")
		return
	}

	st := h.ctrl.Status(number)
	resp := statusResponse{
		Number: st.ID,
		Status: st.State.String(),
		Origin: st.Origin,
	}
	if !st.ConnectedAt.IsZero() {
		t := st.ConnectedAt.UTC()
		resp.ConnectedAt = &t
	}
	if st.Artifact != nil {
		resp.PairingMode = string(st.Artifact.Mode)
		t := st.Artifact.ExpiresAt.UTC()
		resp.ExpiresAt = &t
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleDisconnectByID(w http.ResponseWriter, r *http.Request) {
	h.disconnect(w, r, r.PathValue("id"))
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if err := decodeJSON(w, r, h.cfg.MaxBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	h.disconnect(w, r, req.Number)
}

func (h *Handler) disconnect(w http.ResponseWriter, r *http.Request, idOrNumber string) {
	if session.IdentityOf(idOrNumber) == "" {
		writeError(w, http.StatusBadRequest, "missing_number", "number is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.OpTimeout)
	defer cancel()

	err := h.ctrl.Disconnect(ctx, idOrNumber)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, successResponse{Success: true})
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "session not found")
	default:
		h.log.Error("api.disconnect.fail", "session_id", session.IdentityOf(idOrNumber), "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "disconnect failed")
	}
}

func (h *Handler) handleSessions(w http.ResponseWriter, _ *http.Request) {
	list := h.ctrl.List()
	items := make([]sessionItem, 0, len(list))
	for _, s := range list {
		items = append(items, sessionItem{
			Number:       s.ID,
			Status:       s.State.String(),
			IsConnecting: s.Connecting(),
			IsConnected:  s.Connected(),
		})
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: items, Total: len(items)})
}
