package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-hubsync/internal/mapping"
	"github.com/nerrad567/gray-logic-hubsync/internal/state"
)

// maxPathParamLen limits path parameter length.
const maxPathParamLen = 100

// snapshotResponse is the /snapshot payload when a category filter is applied.
type snapshotResponse struct {
	Version uint64                     `json:"version"`
	BuiltAt time.Time                  `json:"built_at"`
	Season  string                     `json:"season,omitempty"`
	Devices map[string][]*state.Record `json:"devices"`
}

// refreshRequest is the optional body of POST /refresh.
type refreshRequest struct {
	Reason string `json:"reason"`
}

// handleSnapshot returns the current snapshot, optionally one category only.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.state.Current()

	category := r.URL.Query().Get("category")
	if category == "" {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	if _, ok := mapping.Lookup(category); !ok {
		writeBadRequest(w, "unknown category")
		return
	}

	records := snap.Records(category)
	if records == nil {
		records = []*state.Record{}
	}
	writeJSON(w, http.StatusOK, snapshotResponse{
		Version: snap.Version(),
		BuiltAt: snap.BuiltAt(),
		Season:  snap.Season(),
		Devices: map[string][]*state.Record{category: records},
	})
}

// handleGetDevice returns one record from the current snapshot.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxPathParamLen || len(category) > maxPathParamLen {
		writeBadRequest(w, "invalid device ID")
		return
	}

	rec, ok := s.state.Current().Lookup(category, id)
	if !ok {
		writeNotFound(w, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleRefresh schedules a full poll. Concurrent requests coalesce.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeBadRequest(w, "invalid request body")
			return
		}
	}

	s.state.RequestRefresh()
	s.logger.Info("full poll requested via API",
		"reason", req.Reason,
		"request_id", r.Context().Value(ctxKeyRequestID),
	)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "scheduled",
		"version": s.state.Current().Version(),
	})
}
