package web

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowmill/rowmill/internal/core"
)

func writeTempCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// startImport posts a JSON import request and returns the run ID.
func startImport(t *testing.T, env *testEnv, req core.ImportRequest) string {
	t.Helper()
	payload, err := json.Marshal(req)
	require.NoError(t, err)

	rr := env.do(httptest.NewRequest("POST", "/api/imports", bytes.NewReader(payload)))
	require.Equal(t, http.StatusAccepted, rr.Code, "body: %s", rr.Body.String())

	runID, ok := decodeJSON(t, rr)["run_id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, runID)
	return runID
}

// waitForRun blocks on the result endpoint until the run completes.
func waitForRun(t *testing.T, env *testEnv, runID string) (run, report map[string]any) {
	t.Helper()
	rr := env.do(httptest.NewRequest("GET", "/api/imports/"+runID, nil))
	require.Equal(t, http.StatusOK, rr.Code, "body: %s", rr.Body.String())

	body := decodeJSON(t, rr)
	run, _ = body["run"].(map[string]any)
	report, _ = body["report"].(map[string]any)
	require.NotNil(t, run, "result body: %v", body)
	require.NotNil(t, report, "result body: %v", body)
	return run, report
}

func TestImportFlowJSON(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	path := writeTempCSV(t, "id,name,email\n1,Ada,ada@example.com\n2,Bo,bo@example.com\n3,Cy,cy@example.com\n")

	runID := startImport(t, env, core.ImportRequest{Path: path})
	run, report := waitForRun(t, env, runID)

	assert.Equal(t, "done", run["state"])
	assert.Equal(t, "import", run["kind"])
	assert.EqualValues(t, 3, report["total"])
	assert.EqualValues(t, 3, report["success"])
	assert.Equal(t, true, report["ok"])

	// The run stays listed after completion.
	rr := env.do(httptest.NewRequest("GET", "/api/imports", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	runs, ok := decodeJSON(t, rr)["runs"].([]any)
	require.True(t, ok)
	require.Len(t, runs, 1)

	db, err := sql.Open("sqlite3", env.sinkDSN)
	require.NoError(t, err)
	defer db.Close()
	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM people").Scan(&count))
	assert.Equal(t, 3, count)
}

func TestImportFlowMultipart(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "people.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("id,name\n1,Ada\n2,Bo\n"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("table", "people"))
	require.NoError(t, mw.WriteField("options", `{"batch_size":1}`))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/api/imports", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := env.do(req)
	require.Equal(t, http.StatusAccepted, rr.Code, "body: %s", rr.Body.String())

	runID := decodeJSON(t, rr)["run_id"].(string)
	run, report := waitForRun(t, env, runID)
	assert.Equal(t, "done", run["state"])
	assert.EqualValues(t, 2, report["total"])
	assert.EqualValues(t, 2, report["success"])

	// The upload was stored under the uploads directory for the run.
	entries, err := os.ReadDir(env.uploadsDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestImportRequestErrors(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	t.Run("malformed body", func(t *testing.T) {
		rr := env.do(httptest.NewRequest("POST", "/api/imports", strings.NewReader("{nope")))
		require.Equal(t, http.StatusBadRequest, rr.Code)
		assert.NotEmpty(t, decodeJSON(t, rr)["code"])
	})

	t.Run("missing path", func(t *testing.T) {
		rr := env.do(httptest.NewRequest("POST", "/api/imports", strings.NewReader(`{"table":"people"}`)))
		require.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("missing table", func(t *testing.T) {
		env := newTestEnv(t, nil, func(opts *core.ServiceOptions) {
			opts.Sink.Table = ""
		})
		path := writeTempCSV(t, "id\n1\n")
		payload, err := json.Marshal(core.ImportRequest{Path: path})
		require.NoError(t, err)

		rr := env.do(httptest.NewRequest("POST", "/api/imports", bytes.NewReader(payload)))
		require.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "RUN005", decodeJSON(t, rr)["code"])
	})

	t.Run("no file in multipart form", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		require.NoError(t, mw.WriteField("table", "people"))
		require.NoError(t, mw.Close())

		req := httptest.NewRequest("POST", "/api/imports", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		rr := env.do(req)
		require.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "FILE006", decodeJSON(t, rr)["code"])
	})
}

func TestImportRunFailureIsStillAResult(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	runID := startImport(t, env, core.ImportRequest{Path: filepath.Join(t.TempDir(), "missing.csv")})
	run, _ := waitForRun(t, env, runID)

	assert.Equal(t, "failed", run["state"])
	errText, _ := run["error"].(string)
	assert.Contains(t, errText, "no such file")
}

func TestImportUnknownRun(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rr := env.do(httptest.NewRequest("GET", "/api/imports/not-a-run", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "RUN002", decodeJSON(t, rr)["code"])

	rr = env.do(httptest.NewRequest("GET", "/api/imports/not-a-run/progress", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(httptest.NewRequest("POST", "/api/imports/not-a-run/cancel", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCancelFinishedRun(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	path := writeTempCSV(t, "id\n1\n")

	runID := startImport(t, env, core.ImportRequest{Path: path})
	waitForRun(t, env, runID)

	rr := env.do(httptest.NewRequest("POST", "/api/imports/"+runID+"/cancel", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "canceling", decodeJSON(t, rr)["status"])
}

func TestImportProgressStream(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	path := writeTempCSV(t, "id,name\n1,Ada\n2,Bo\n")

	runID := startImport(t, env, core.ImportRequest{Path: path})
	waitForRun(t, env, runID)

	rr := env.do(httptest.NewRequest("GET", "/api/imports/"+runID+"/progress", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))

	body := rr.Body.String()
	assert.Contains(t, body, "event: progress")
	assert.Contains(t, body, `"state":"done"`)
	assert.Contains(t, body, "id: ")
	assert.True(t, strings.HasSuffix(body, "event: complete\ndata: {}\n\n"), "stream should end with a complete event: %q", body)
}

func TestImportProgressStreamSkipsSeenEvents(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	path := writeTempCSV(t, "id\n1\n")

	runID := startImport(t, env, core.ImportRequest{Path: path})
	waitForRun(t, env, runID)

	// Header form.
	req := httptest.NewRequest("GET", "/api/imports/"+runID+"/progress", nil)
	req.Header.Set("Last-Event-ID", "999999")
	body := env.do(req).Body.String()
	assert.NotContains(t, body, "event: progress")
	assert.Contains(t, body, "event: complete")

	// Query form, for clients that cannot set the reconnect header.
	body = env.do(httptest.NewRequest("GET", "/api/imports/"+runID+"/progress?lastEventId=999999", nil)).Body.String()
	assert.NotContains(t, body, "event: progress")
	assert.Contains(t, body, "event: complete")
}

func TestExportFlow(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	path := writeTempCSV(t, "id,name\n1,Ada\n2,Bo\n")

	runID := startImport(t, env, core.ImportRequest{Path: path})
	waitForRun(t, env, runID)

	out := filepath.Join(t.TempDir(), "out.csv")
	payload, err := json.Marshal(core.ExportRequest{Output: out, Table: "people", Columns: []string{"id", "name"}})
	require.NoError(t, err)

	rr := env.do(httptest.NewRequest("POST", "/api/exports", bytes.NewReader(payload)))
	require.Equal(t, http.StatusAccepted, rr.Code, "body: %s", rr.Body.String())

	exportID := decodeJSON(t, rr)["run_id"].(string)
	run, report := waitForRun(t, env, exportID)
	assert.Equal(t, "done", run["state"])
	assert.Equal(t, "export", run["kind"])
	assert.EqualValues(t, 2, report["total"])

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "id,name\n1,Ada\n2,Bo\n", string(data))
}

func TestExportRequestErrors(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rr := env.do(httptest.NewRequest("POST", "/api/exports", strings.NewReader("{nope")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(httptest.NewRequest("POST", "/api/exports", strings.NewReader(`{"table":"people"}`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(httptest.NewRequest("POST", "/api/exports", strings.NewReader(`{"output":"out.csv"}`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPreviewQuery(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	path := writeTempCSV(t, "id,name\n1,Ada\n2,Bo\n3,Cy\n")

	q := url.Values{"file": {path}, "limit": {"2"}}
	rr := env.do(httptest.NewRequest("GET", "/api/preview?"+q.Encode(), nil))
	require.Equal(t, http.StatusOK, rr.Code, "body: %s", rr.Body.String())

	body := decodeJSON(t, rr)
	header, _ := body["header"].([]any)
	assert.Equal(t, []any{"id", "name"}, header)

	summary, ok := body["summary"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, summary["rows"])
	assert.EqualValues(t, 2, summary["valid"])
	assert.Equal(t, true, summary["truncated"])
}

func TestPreviewQueryErrors(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rr := env.do(httptest.NewRequest("GET", "/api/preview", nil))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	q := url.Values{"file": {filepath.Join(t.TempDir(), "missing.csv")}}
	rr = env.do(httptest.NewRequest("GET", "/api/preview?"+q.Encode(), nil))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "FILE002", decodeJSON(t, rr)["code"])
}

func TestPreviewUpload(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "people.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("name,email\nAda,ada@example.com\nBo,not-an-email\n"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("options", `{"rules":[{"field":"email","type":"email"}]}`))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/api/preview", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := env.do(req)
	require.Equal(t, http.StatusOK, rr.Code, "body: %s", rr.Body.String())

	body := decodeJSON(t, rr)
	summary, ok := body["summary"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, summary["rows"])
	assert.EqualValues(t, 1, summary["valid"])
	assert.EqualValues(t, 1, summary["invalid"])

	samples, _ := body["errorSamples"].([]any)
	require.Len(t, samples, 1)
	sample := samples[0].(map[string]any)
	msgs, _ := sample["errors"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "email: must be a valid email address", msgs[0])

	// The uploaded copy is removed once the analysis finishes.
	entries, err := os.ReadDir(env.uploadsDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHistoryEndpoints(t *testing.T) {
	store, err := core.OpenHistory(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	env := newTestEnv(t, nil, func(opts *core.ServiceOptions) {
		opts.History = store
	})
	path := writeTempCSV(t, "id,name\n1,Ada\n")

	runID := startImport(t, env, core.ImportRequest{Path: path})
	waitForRun(t, env, runID)

	// The history row lands just after the run completes.
	require.Eventually(t, func() bool {
		rr := env.do(httptest.NewRequest("GET", "/api/history", nil))
		if rr.Code != http.StatusOK {
			return false
		}
		var body struct {
			Runs []map[string]any `json:"runs"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			return false
		}
		return len(body.Runs) == 1
	}, 2*time.Second, 20*time.Millisecond)

	rr := env.do(httptest.NewRequest("GET", "/api/history/"+runID, nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeJSON(t, rr)
	assert.Equal(t, "import", body["kind"])
	assert.EqualValues(t, 1, body["total"])

	rr = env.do(httptest.NewRequest("GET", "/api/history/not-a-run", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "RUN002", decodeJSON(t, rr)["code"])
}

func TestHistoryDisabled(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rr := env.do(httptest.NewRequest("GET", "/api/history", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	runs, ok := decodeJSON(t, rr)["runs"].([]any)
	require.True(t, ok)
	assert.Empty(t, runs)

	rr = env.do(httptest.NewRequest("GET", "/api/history/whatever", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
