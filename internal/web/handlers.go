package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rowmill/rowmill/internal/core"
)

// handleHealthz reports liveness plus a small load snapshot.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"limiter": s.service.Limiter().Status(),
	})
}

// handleHistory lists finished runs, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	store := s.service.History()
	if store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"runs": []core.RunRecord{}})
		return
	}

	limit := parseIntParam(r, "limit", 50)
	runs, err := store.List(r.Context(), limit)
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []core.RunRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleHistoryEntry returns one finished run by ID.
func (s *Server) handleHistoryEntry(w http.ResponseWriter, r *http.Request) {
	store := s.service.History()
	if store == nil {
		s.respondError(w, r, core.ErrRunNotFound, http.StatusNotFound)
		return
	}

	rec, err := store.Get(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, core.ErrRunNotFound) {
			status = http.StatusNotFound
		}
		s.respondError(w, r, err, status)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// handlePreview analyzes a server-side file without importing anything.
// Options arrive as query parameters; rule checks need the POST variant.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	path := q.Get("file")
	if path == "" {
		s.respondError(w, r, errors.New("preview needs a file path"), http.StatusBadRequest)
		return
	}

	opts := core.PreviewOptions{
		Path:      path,
		HeaderRow: parseIntParam(r, "header_row", 0),
		Dialect:   core.DialectFrom(q.Get("delimiter"), q.Get("enclosure"), q.Get("escape")),
		Sheet:     q.Get("sheet"),
		Limit:     parseIntParam(r, "limit", 0),
	}
	if name := q.Get("mapper"); name != "" {
		opts.MapperSpec = core.MapperSpec{Name: name}
	}
	if cols := q.Get("unique_by"); cols != "" {
		opts.UniqueBy = splitList(cols)
	}

	s.runPreview(w, r, opts)
}

// previewRequest carries the analysis options for an uploaded file.
type previewRequest struct {
	core.ImportRequest
	Limit int `json:"limit,omitempty"`
}

// handlePreviewUpload analyzes an uploaded file. The file is stored only
// for the duration of the analysis.
func (s *Server) handlePreviewUpload(w http.ResponseWriter, r *http.Request) {
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

	var req previewRequest
	if opts := r.FormValue("options"); opts != "" {
		if err := json.Unmarshal([]byte(opts), &req); err != nil {
			s.respondError(w, r, fmt.Errorf("invalid options: %w", err), http.StatusBadRequest)
			return
		}
	}

	path, err := s.service.SaveUpload(header.Filename, file)
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	defer os.Remove(path)

	s.runPreview(w, r, core.PreviewOptions{
		Path:       path,
		HeaderRow:  req.HeaderRow,
		Dialect:    core.DialectFrom(req.Delimiter, req.Enclosure, req.Escape),
		Sheet:      req.Sheet,
		Limit:      req.Limit,
		MapperSpec: req.Mapper,
		Rules:      req.Rules,
		UniqueBy:   req.UniqueBy,
	})
}

func (s *Server) runPreview(w http.ResponseWriter, r *http.Request, opts core.PreviewOptions) {
	preview, err := core.PreviewFile(r.Context(), s.service.Registry(), opts)
	if err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 1 {
		return defaultVal
	}
	return i
}

// splitList splits a comma-separated parameter, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
