// Package server exposes read-only HTTP access to a value index: point
// lookups and index statistics for operators and the enclosing engine.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/strixdb/strix/internal/index/values"
	apperrors "github.com/strixdb/strix/pkg/errors"
	"github.com/strixdb/strix/pkg/logger"
)

// Handler serves lookup and stats requests against one open index.
type Handler struct {
	idx    *values.Index
	logger *slog.Logger
}

// New creates a Handler for idx.
func New(idx *values.Index) *Handler {
	return &Handler{
		idx:    idx,
		logger: logger.WithComponent("index-handler"),
	}
}

// LookupResponse is the JSON body of a successful lookup.
type LookupResponse struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
	IDs   []int  `json:"ids"`
}

// Lookup handles GET /v1/lookup?key=<value>.
func (h *Handler) Lookup(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "missing key parameter"))
		return
	}
	it, err := h.idx.Lookup([]byte(key))
	if err != nil {
		h.logger.Error("lookup failed", "key", key, "error", err)
		writeError(w, err)
		return
	}
	ids := it.All()
	writeJSON(w, http.StatusOK, LookupResponse{Key: key, Count: len(ids), IDs: ids})
}

// Stats handles GET /v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.idx.Stats())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("encoding response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperrors.HTTPStatusCode(err), map[string]string{"error": err.Error()})
}
