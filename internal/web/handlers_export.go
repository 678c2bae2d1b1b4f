package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rowmill/rowmill/internal/core"
)

// handleStartExport starts an asynchronous export run writing table or
// query results to a file on the server. The returned run ID works with
// the same progress, result, and cancel endpoints as imports.
func (s *Server) handleStartExport(w http.ResponseWriter, r *http.Request) {
	var req core.ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}

	ctx := WithRequestMetadata(r.Context(), r)
	runID, err := s.service.StartExport(ctx, req)
	if err != nil {
		s.respondError(w, r, err, statusForError(err))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}
