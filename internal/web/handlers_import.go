package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rowmill/rowmill/internal/core"
)

// handleStartImport accepts either a multipart upload or a JSON request
// naming a server-side file, and starts an asynchronous import run.
func (s *Server) handleStartImport(w http.ResponseWriter, r *http.Request) {
	var req core.ImportRequest

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		maxSize := s.cfg.Import.MaxFileSize
		r.Body = http.MaxBytesReader(w, r.Body, maxSize)

		if err := r.ParseMultipartForm(maxSize); err != nil {
			s.respondError(w, r, fmt.Errorf("file too large or invalid form: %w", err), http.StatusBadRequest)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			s.respondError(w, r, errors.New("no file provided"), http.StatusBadRequest)
			return
		}
		defer file.Close()

		// Options ride alongside the file as a JSON form field.
		if opts := r.FormValue("options"); opts != "" {
			if err := json.Unmarshal([]byte(opts), &req); err != nil {
				s.respondError(w, r, fmt.Errorf("invalid options: %w", err), http.StatusBadRequest)
				return
			}
		}
		if table := r.FormValue("table"); table != "" {
			req.Table = table
		}

		path, err := s.service.SaveUpload(header.Filename, file)
		if err != nil {
			s.respondError(w, r, err, http.StatusInternalServerError)
			return
		}
		req.Path = path
	} else {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
			return
		}
	}

	ctx := WithRequestMetadata(r.Context(), r)
	runID, err := s.service.StartImport(ctx, req)
	if err != nil {
		s.respondError(w, r, err, statusForError(err))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

// handleActiveRuns lists every tracked run with its latest snapshot.
func (s *Server) handleActiveRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.service.Active()})
}

// runResultResponse is the terminal payload for a run.
type runResultResponse struct {
	Run    core.RunProgress `json:"run"`
	Report map[string]any   `json:"report"`
}

// handleImportResult blocks until the run completes and returns its
// final state and flattened report. A failed run is still a 200: the
// outcome is data, and the run's own error rides in the snapshot.
func (s *Server) handleImportResult(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	report, err := s.service.Result(r.Context(), runID)
	if errors.Is(err, core.ErrRunNotFound) {
		s.respondError(w, r, err, http.StatusNotFound)
		return
	}
	if r.Context().Err() != nil {
		s.respondError(w, r, r.Context().Err(), http.StatusGatewayTimeout)
		return
	}

	snap, perr := s.service.Progress(runID)
	if perr != nil {
		s.respondError(w, r, perr, http.StatusNotFound)
		return
	}
	if report == nil {
		report = &core.Report{}
	}

	writeJSON(w, http.StatusOK, runResultResponse{Run: snap, Report: report.Flatten()})
}

// handleImportProgress streams run progress via Server-Sent Events.
//
// Each event carries the snapshot's sequence number as its SSE id, so a
// client that reconnects with Last-Event-ID (or a lastEventId query
// parameter) skips snapshots it has already seen.
func (s *Server) handleImportProgress(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	lastRaw := r.Header.Get("Last-Event-ID")
	if lastRaw == "" {
		lastRaw = r.URL.Query().Get("lastEventId")
	}
	var lastSeq int
	hasLast := false
	if lastRaw != "" {
		if n, err := strconv.Atoi(lastRaw); err == nil {
			lastSeq = n
			hasLast = true
		}
	}

	progressCh, err := s.service.SubscribeProgress(runID)
	if err != nil {
		s.respondError(w, r, err, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, r, errors.New("streaming not supported"), http.StatusInternalServerError)
		return
	}

	for {
		select {
		case progress, open := <-progressCh:
			if !open {
				// Channel closed: terminal snapshot was already sent.
				fmt.Fprintf(w, "event: complete\ndata: {}\n\n")
				flusher.Flush()
				return
			}

			if hasLast && progress.Seq <= lastSeq {
				continue
			}

			data, _ := json.Marshal(progress)
			fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", progress.Seq, data)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// handleCancelImport requests cancellation of an in-progress run. The
// run winds down asynchronously; its terminal state arrives over the
// progress stream.
func (s *Server) handleCancelImport(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	if err := s.service.Cancel(runID); err != nil {
		s.respondError(w, r, err, http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
}
