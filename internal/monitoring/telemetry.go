// Package monitoring - telemetry.go records per-request events to a
// JSONL file (one JSON object per line), appended immediately after
// each request completes. Purely observability; never part of the
// protocol contract.
package monitoring

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pixelforge/image-bridge/internal/config"
)

// RequestEvent is one completed request.
type RequestEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	Dialect       string    `json:"dialect"`
	Outcome       string    `json:"outcome"` // success, error, pass_through, duplicate
	ErrorKind     string    `json:"error_kind,omitempty"`
	LatencyMS     int64     `json:"latency_ms"`
	SavedPath     string    `json:"saved_path,omitempty"`
}

// Tracker appends request events to a JSONL file.
type Tracker struct {
	enabled bool
	path    string

	mu    sync.Mutex
	count int
}

// NewTracker creates a tracker. When enabled, the parent directory is
// created up front so the first append cannot fail on a missing path.
func NewTracker(cfg config.MonitoringConfig) (*Tracker, error) {
	t := &Tracker{enabled: cfg.TelemetryEnabled, path: cfg.TelemetryPath}
	if !t.enabled {
		return t, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.TelemetryPath), 0o750); err != nil {
		return nil, err
	}
	return t, nil
}

// Record appends one event. Failures are logged, never propagated: a
// telemetry problem must not fail the request.
func (t *Tracker) Record(event *RequestEvent) {
	if !t.enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := appendJSONL(t.path, event); err != nil {
		log.Error().Err(err).Str("path", t.path).Msg("telemetry: failed to write request event")
		return
	}
	t.count++
}

// Close logs a session summary.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.enabled && t.count > 0 {
		log.Info().Str("path", t.path).Int("events", t.count).Msg("telemetry: session complete")
	}
	return nil
}

// appendJSONL appends a single JSON object as a line to the file.
func appendJSONL(path string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}
