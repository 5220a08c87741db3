package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	rpcgate "github.com/rpcgate/rpcgate/internal"
	"github.com/rpcgate/rpcgate/internal/config"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. sqlite errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	switch {
	case errors.Is(err, rpcgate.ErrNotFound):
		writeJSON(w, status, errorResponse("not found"))
	case errors.Is(err, rpcgate.ErrConflict):
		writeJSON(w, status, errorResponse("conflict"))
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()),
		)
		writeJSON(w, status, errorResponse("internal error"))
	}
}

// --- Pagination helpers ---

type pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// parseSinceUntil validates optional since/until RFC3339 query params.
// Writes 400 and returns false on invalid format.
func parseSinceUntil(w http.ResponseWriter, r *http.Request) (since, until string, ok bool) {
	q := r.URL.Query()
	since, until = q.Get("since"), q.Get("until")
	if since != "" {
		if _, err := time.Parse(time.RFC3339, since); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid since format, use RFC3339"))
			return "", "", false
		}
	}
	if until != "" {
		if _, err := time.Parse(time.RFC3339, until); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid until format, use RFC3339"))
			return "", "", false
		}
	}
	return since, until, true
}

// --- Upstreams ---

func (s *server) handleListUpstreams(w http.ResponseWriter, r *http.Request) {
	upstreams, err := s.deps.Store.ListUpstreams(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to list upstreams"))
		return
	}
	if upstreams == nil {
		upstreams = []*rpcgate.UpstreamConfig{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       upstreams,
		Pagination: pagination{Offset: 0, Limit: len(upstreams), Total: len(upstreams)},
	})
}

func (s *server) handleCreateUpstream(w http.ResponseWriter, r *http.Request) {
	var u rpcgate.UpstreamConfig
	if !decodeJSON(w, r, &u) {
		return
	}
	if u.HTTPURL == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("http_url is required"))
		return
	}
	if u.ID == "" {
		u.ID = uuid.Must(uuid.NewV7()).String()
	}
	if err := s.deps.Store.CreateUpstream(r.Context(), &u); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/admin/v1/upstreams/"+u.ID)
	writeJSON(w, http.StatusCreated, u)
}

func (s *server) handleUpdateUpstream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var u rpcgate.UpstreamConfig
	if !decodeJSON(w, r, &u) {
		return
	}
	u.ID = id
	if err := s.deps.Store.UpdateUpstream(r.Context(), &u); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *server) handleDeleteUpstream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteUpstream(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Keys ---

// keyCreateRequest is the payload for creating a new opaque API key.
type keyCreateRequest struct {
	RPM             int64    `json:"rpm"`
	Burst           int64    `json:"burst"`
	MaxConcurrent   int      `json:"max_concurrent"`
	LogRevertChance float64  `json:"log_revert_chance,omitempty"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`
	ExpiresAt       *string  `json:"expires_at,omitempty"` // RFC3339
}

// keyCreateResponse includes the plaintext key (shown only once).
type keyCreateResponse struct {
	*rpcgate.AuthKey
	PlaintextKey string `json:"key"`
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	keys, err := s.deps.Store.ListKeys(r.Context(), offset, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to list keys"))
		return
	}
	if keys == nil {
		keys = []*rpcgate.AuthKey{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       keys,
		Pagination: pagination{Offset: offset, Limit: limit, Total: len(keys)},
	})
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req keyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid expires_at format"))
			return
		}
		expiresAt = &t
	}

	raw := config.GenerateAdminKey()
	key := &rpcgate.AuthKey{
		ID:              uuid.Must(uuid.NewV7()).String(),
		KeyHash:         rpcgate.HashKey(raw),
		KeyPrefix:       raw[:len(rpcgate.AuthKeyPrefix)+6],
		RPM:             req.RPM,
		Burst:           req.Burst,
		MaxConcurrent:   req.MaxConcurrent,
		LogRevertChance: req.LogRevertChance,
		AllowedOrigins:  req.AllowedOrigins,
		ExpiresAt:       expiresAt,
		CreatedAt:       time.Now(),
	}
	if err := s.deps.Store.CreateKey(r.Context(), key); err != nil {
		writeAdminError(w, r, err)
		return
	}

	w.Header().Set("Location", "/admin/v1/keys/"+key.ID)
	writeJSON(w, http.StatusCreated, keyCreateResponse{AuthKey: key, PlaintextKey: raw})
}

func (s *server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var update struct {
		RPM             *int64   `json:"rpm,omitempty"`
		Burst           *int64   `json:"burst,omitempty"`
		MaxConcurrent   *int     `json:"max_concurrent,omitempty"`
		LogRevertChance *float64 `json:"log_revert_chance,omitempty"`
		AllowedOrigins  []string `json:"allowed_origins,omitempty"`
		ExpiresAt       *string  `json:"expires_at,omitempty"`
		Blocked         *bool    `json:"blocked,omitempty"`
	}
	if !decodeJSON(w, r, &update) {
		return
	}

	existing, found := s.findKeyByID(r.Context(), id)
	if !found {
		writeJSON(w, http.StatusNotFound, errorResponse("not found"))
		return
	}

	if update.RPM != nil {
		existing.RPM = *update.RPM
	}
	if update.Burst != nil {
		existing.Burst = *update.Burst
	}
	if update.MaxConcurrent != nil {
		existing.MaxConcurrent = *update.MaxConcurrent
	}
	if update.LogRevertChance != nil {
		existing.LogRevertChance = *update.LogRevertChance
	}
	if update.AllowedOrigins != nil {
		existing.AllowedOrigins = update.AllowedOrigins
	}
	if update.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339, *update.ExpiresAt)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid expires_at format"))
			return
		}
		existing.ExpiresAt = &t
	}
	if update.Blocked != nil {
		existing.Blocked = *update.Blocked
	}

	if err := s.deps.Store.UpdateKey(r.Context(), existing); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteKey(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// findKeyByID lists and scans for id since AuthKeyStore is keyed by hash,
// not ID, on its Get path -- the admin surface is low-traffic enough that
// this avoids adding a GetKeyByID method only the admin API would ever call.
func (s *server) findKeyByID(ctx context.Context, id string) (*rpcgate.AuthKey, bool) {
	const pageSize = 100
	for offset := 0; ; offset += pageSize {
		keys, err := s.deps.Store.ListKeys(ctx, offset, pageSize)
		if err != nil || len(keys) == 0 {
			return nil, false
		}
		for _, k := range keys {
			if k.ID == id {
				return k, true
			}
		}
		if len(keys) < pageSize {
			return nil, false
		}
	}
}

// --- Cache ---

func (s *server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache != nil {
		s.deps.Cache.Purge(r.Context())
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Usage ---

func (s *server) handleQueryUsage(w http.ResponseWriter, r *http.Request) {
	since, until, ok := parseSinceUntil(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	filter := rpcgate.UsageFilter{
		KeyID: q.Get("key_id"),
		Since: since,
		Until: until,
		Limit: limit,
	}
	records, err := s.deps.Store.QueryUsage(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("failed to query usage"))
		return
	}
	if records == nil {
		records = []rpcgate.UsageEvent{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       records,
		Pagination: pagination{Offset: 0, Limit: limit, Total: len(records)},
	})
}
