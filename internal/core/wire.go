package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// resultMarker delimits the worker result on the worker's output stream.
// Everything before the last occurrence of the marker is noise; the
// payload is whatever follows it. Workers log to stderr precisely so the
// marker and payload own stdout, but a stray library print cannot be
// ruled out, which is why parsing anchors on the LAST marker.
const resultMarker = "\n--ROWMILL-RESULT--\n"

// WorkerSpec is everything one worker needs to run its share of a
// parallel import, serialized across the process boundary. It carries no
// live handles: the worker re-opens the file and reconnects the sink
// from this description.
type WorkerSpec struct {
	// Source
	Path      string  `json:"path"`
	HeaderRow int     `json:"header_row"`
	Dialect   Dialect `json:"dialect"`
	Sheet     string  `json:"sheet,omitempty"`

	// Partition: this worker takes rows where ordinal mod Workers == Index.
	Index   int `json:"index"`
	Workers int `json:"workers"`

	// Persistence
	BatchSize int      `json:"batch_size"`
	Sink      SinkSpec `json:"sink"`

	// UniqueBy switches the worker to upserts. UpdateColumns keeps its
	// nil-versus-empty distinction across serialization: null means
	// overwrite all non-unique columns, [] means update nothing.
	UniqueBy      []string `json:"unique_by,omitempty"`
	UpdateColumns []string `json:"update_columns"`

	// Mapper names a registered mapper or carries an inline transform.
	Mapper MapperSpec `json:"mapper,omitempty"`
}

// EncodeWorkerSpec writes the spec as JSON, for the worker's stdin.
func EncodeWorkerSpec(w io.Writer, spec WorkerSpec) error {
	return json.NewEncoder(w).Encode(spec)
}

// DecodeWorkerSpec reads a spec written by EncodeWorkerSpec.
func DecodeWorkerSpec(r io.Reader) (WorkerSpec, error) {
	var spec WorkerSpec
	if err := json.NewDecoder(r).Decode(&spec); err != nil {
		return WorkerSpec{}, fmt.Errorf("decoding worker spec: %w", err)
	}
	return spec, nil
}

// WriteResult emits the marker-delimited result triple. A worker calls
// this exactly once, at completion.
func WriteResult(w io.Writer, res WorkerResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s%s\n", resultMarker, payload)
	return err
}

// ParseResult extracts the result triple from a worker's complete output.
// Output before the last marker is discarded as noise. An absent marker
// or unparseable payload is an error; the coordinator treats such a
// worker as lost.
func ParseResult(out []byte) (WorkerResult, error) {
	idx := bytes.LastIndex(out, []byte(resultMarker))
	if idx < 0 {
		return WorkerResult{}, fmt.Errorf("worker output contains no result marker")
	}
	payload := bytes.TrimSpace(out[idx+len(resultMarker):])

	var res WorkerResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return WorkerResult{}, fmt.Errorf("parsing worker result: %w", err)
	}
	return res, nil
}
