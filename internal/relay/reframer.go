package relay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"

	"gemini-proxy-go/internal/metrics"
)

// dataPrefix marks an SSE line carrying a payload. Lines without it (event
// names, comments, blank separators) are skipped.
var dataPrefix = []byte("data: ")

// Scanner buffer sizing. Individual stream chunks can carry large inline
// payloads, so the line buffer is allowed to grow well past the default.
const (
	scannerInitialBuffer = 64 * 1024
	scannerMaxBuffer     = 10 * 1024 * 1024
)

// Reframer consumes an upstream SSE body incrementally and yields outbound
// events one at a time, in arrival order. It is lazy and single-pass: bytes
// are pulled from the upstream only when Next is called, so the caller's
// consumption rate is the read rate. The line scanner buffers partial lines
// (including multi-byte runes split across reads) between calls.
//
// A Reframer is not safe for concurrent use; each response gets its own.
type Reframer struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewReframer creates a Reframer over an upstream stream body.
// The metrics parameter is optional; pass nil to disable event counters.
func NewReframer(r io.Reader, logger *slog.Logger, m *metrics.Metrics) *Reframer {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, scannerInitialBuffer), scannerMaxBuffer)
	return &Reframer{
		scanner: scanner,
		logger:  logger.With("component", "reframer"),
		metrics: m,
	}
}

// Next returns the next outbound event. It reports io.EOF when the upstream
// stream ends, and the upstream read error otherwise (including context
// cancellation when the caller disconnects or the relay bound fires).
//
// Per input data line, Next yields at most one event. Lines whose payload is
// not valid JSON are logged and dropped; lines whose payload matches neither
// recognized shape are dropped silently. Neither terminates the stream.
func (r *Reframer) Next() (*Event, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		data := bytes.TrimSpace(line[len(dataPrefix):])
		if !gjson.ValidBytes(data) {
			r.logger.Warn("dropping malformed stream line", "bytes", len(data))
			r.countDropped()
			continue
		}
		ev, ok := ExtractEvent(data)
		if !ok {
			r.countDropped()
			continue
		}
		if r.metrics != nil {
			r.metrics.StreamEvents.WithLabelValues(ev.Type).Inc()
		}
		return ev, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (r *Reframer) countDropped() {
	if r.metrics != nil {
		r.metrics.DroppedEvents.Inc()
	}
}

// WriteEvent serializes one event as an SSE data record (`data: <json>\n\n`)
// and flushes it immediately so the client sees each event as it arrives.
func WriteEvent(w io.Writer, flusher http.Flusher, ev *Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := w.Write(dataPrefix); err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}
