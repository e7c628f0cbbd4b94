package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/nerrad567/gray-logic-hubsync/internal/history"
)

const maxQueryParamLen = 100

// handleListEvents returns recent named events, newest first.
// Query: device_id, name, limit.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "event history is disabled")
		return
	}

	q := r.URL.Query()
	filter := history.Filter{
		DeviceID: q.Get("device_id"),
		Name:     q.Get("name"),
	}
	if len(filter.DeviceID) > maxQueryParamLen || len(filter.Name) > maxQueryParamLen {
		writeBadRequest(w, "query parameter too long")
		return
	}

	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	filter.Limit = limit

	entries, err := s.history.Recent(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing events", "error", err)
		writeInternalError(w, "failed to list events")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": entries,
		"count":  len(entries),
	})
}

// parseLimit accepts an empty value (store default) or a positive integer.
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return n, nil
}
