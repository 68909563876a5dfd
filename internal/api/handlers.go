package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"offline-sync-service/internal/entity"
	"offline-sync-service/internal/store"
	"offline-sync-service/internal/sync"
)

const maxBodyBytes = 16 << 20

type startSessionRequest struct {
	DeviceID string `json:"device_id"`
	UserID   string `json:"user_id"`
	Mode     string `json:"mode"`
	sync.Options
}

type submitRequest struct {
	Records []sync.OfflineRecord `json:"records"`
}

type resolveRequest struct {
	// Payload is the record content to keep. Null keeps the server state.
	Payload    entity.Payload `json:"payload"`
	ResolvedBy string         `json:"resolved_by"`
}

type sessionResponse struct {
	ID                string             `json:"session_id"`
	DeviceID          string             `json:"device_id"`
	UserID            string             `json:"user_id"`
	CompanyID         string             `json:"company_id"`
	RequestedMode     string             `json:"requested_mode"`
	Mode              string             `json:"mode"`
	Strategy          string             `json:"conflict_strategy"`
	State             store.SessionState `json:"state"`
	Error             string             `json:"error,omitempty"`
	Committed         int                `json:"committed"`
	ConflictsDetected int                `json:"conflicts_detected"`
	ConflictsDeferred int                `json:"conflicts_deferred"`
	FailedRecords     int                `json:"failed_records"`
	PendingConflicts  *int               `json:"pending_conflicts,omitempty"`
	StartedAt         time.Time          `json:"started_at"`
	CompletedAt       *time.Time         `json:"completed_at,omitempty"`
}

type conflictResponse struct {
	ID              string          `json:"conflict_id"`
	SessionID       string          `json:"session_id"`
	DeviceID        string          `json:"device_id"`
	EntityType      string          `json:"entity_type"`
	RecordID        string          `json:"record_id"`
	Kind            string          `json:"kind"`
	Status          string          `json:"status"`
	Strategy        string          `json:"strategy,omitempty"`
	ServerPayload   json.RawMessage `json:"server_payload,omitempty"`
	ServerUpdatedAt *time.Time      `json:"server_updated_at,omitempty"`
	ClientPayload   json.RawMessage `json:"client_payload"`
	ClientUpdatedAt time.Time       `json:"client_updated_at"`
	ResolvedPayload json.RawMessage `json:"resolved_payload,omitempty"`
	ResolvedBy      string          `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	DetectedAt      time.Time       `json:"detected_at"`
}

type deviceStatusResponse struct {
	DeviceID         string           `json:"device_id"`
	Watermark        *time.Time       `json:"last_sync_watermark,omitempty"`
	ActiveSessionID  string           `json:"active_session_id,omitempty"`
	LastSession      *sessionResponse `json:"last_session,omitempty"`
	PendingConflicts int              `json:"pending_conflicts"`
	Health           sync.Health      `json:"health"`
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.syncManager.Analytics().Counters())
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DeviceID == "" || req.UserID == "" {
		writeError(w, r, fmt.Errorf("%w: device_id and user_id are required", sync.ErrInvalidInput))
		return
	}

	sess, err := h.syncManager.StartSession(r.Context(), req.DeviceID, req.UserID, sync.Mode(req.Mode), req.Options)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	status, err := h.syncManager.GetStatus(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := toSessionResponse(status.Session)
	resp.PendingConflicts = &status.PendingConflicts
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.syncManager.Snapshot(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) GetSnapshotPage(w http.ResponseWriter, r *http.Request) {
	kind, err := entity.ParseKind(chi.URLParam(r, "entityType"))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", sync.ErrInvalidInput, err))
		return
	}
	page, err := h.syncManager.SnapshotPage(r.Context(), chi.URLParam(r, "sessionID"), kind, r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) SubmitRecords(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := h.syncManager.Submit(r.Context(), chi.URLParam(r, "sessionID"), req.Records)
	if err != nil && result != nil {
		status, body := errorFor(r, err)
		writeJSON(w, status, submitErrorResponse{Error: body, Result: result})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.syncManager.Cancel(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ConflictFilter{
		DeviceID:  q.Get("device_id"),
		SessionID: q.Get("session_id"),
		Status:    q.Get("status"),
	}
	switch filter.Status {
	case "", store.ConflictPending, store.ConflictResolved:
	default:
		writeError(w, r, fmt.Errorf("%w: unknown conflict status %q", sync.ErrInvalidInput, filter.Status))
		return
	}
	var err error
	if filter.Limit, err = queryInt(q.Get("limit")); err != nil {
		writeError(w, r, err)
		return
	}
	if filter.Offset, err = queryInt(q.Get("offset")); err != nil {
		writeError(w, r, err)
		return
	}

	conflicts, err := h.syncManager.ListConflicts(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]conflictResponse, 0, len(conflicts))
	for _, c := range conflicts {
		out = append(out, toConflictResponse(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": out})
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ResolvedBy == "" {
		writeError(w, r, fmt.Errorf("%w: resolved_by is required", sync.ErrInvalidInput))
		return
	}
	c, err := h.syncManager.ResolveConflict(r.Context(), chi.URLParam(r, "conflictID"), req.Payload, req.ResolvedBy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConflictResponse(c))
}

func (h *Handler) GetDeviceStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.syncManager.GetSyncStatus(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := deviceStatusResponse{
		DeviceID:         status.DeviceID,
		Watermark:        status.Watermark,
		ActiveSessionID:  status.ActiveSessionID,
		PendingConflicts: status.PendingConflicts,
		Health:           status.Health,
	}
	if status.LastSession != nil {
		last := toSessionResponse(status.LastSession)
		resp.LastSession = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

func toSessionResponse(s *store.Session) sessionResponse {
	resp := sessionResponse{
		ID:                s.ID,
		DeviceID:          s.DeviceID,
		UserID:            s.UserID,
		CompanyID:         s.CompanyID,
		RequestedMode:     s.RequestedMode,
		Mode:              s.Mode,
		Strategy:          s.Strategy,
		State:             s.State,
		Error:             s.ErrorMessage.String,
		Committed:         s.Committed,
		ConflictsDetected: s.ConflictsDetected,
		ConflictsDeferred: s.ConflictsDeferred,
		FailedRecords:     s.FailedRecords,
		StartedAt:         s.StartedAt,
	}
	if s.CompletedAt.Valid {
		at := s.CompletedAt.Time
		resp.CompletedAt = &at
	}
	return resp
}

func toConflictResponse(c *store.Conflict) conflictResponse {
	resp := conflictResponse{
		ID:              c.ID,
		SessionID:       c.SessionID,
		DeviceID:        c.DeviceID,
		EntityType:      c.EntityType,
		RecordID:        c.RecordID,
		Kind:            c.Kind,
		Status:          c.Status,
		Strategy:        c.Strategy,
		ServerPayload:   c.ServerPayload,
		ClientPayload:   c.ClientPayload,
		ClientUpdatedAt: c.ClientUpdatedAt,
		ResolvedPayload: c.ResolvedPayload,
		ResolvedBy:      c.ResolvedBy.String,
		DetectedAt:      c.DetectedAt,
	}
	if c.ServerUpdatedAt.Valid {
		at := c.ServerUpdatedAt.Time
		resp.ServerUpdatedAt = &at
	}
	if c.ResolvedAt.Valid {
		at := c.ResolvedAt.Time
		resp.ResolvedAt = &at
	}
	return resp
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, r, fmt.Errorf("%w: malformed request body: %v", sync.ErrInvalidInput, err))
		return false
	}
	return true
}

func queryInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid integer %q", sync.ErrInvalidInput, s)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
