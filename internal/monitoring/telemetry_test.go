package monitoring

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelforge/image-bridge/internal/config"
)

func TestTracker_DisabledIsNoOp(t *testing.T) {
	tracker, err := NewTracker(config.MonitoringConfig{})
	require.NoError(t, err)

	tracker.Record(&RequestEvent{CorrelationID: "x"})
	assert.NoError(t, tracker.Close())
}

func TestTracker_AppendsOneLinePerEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "telemetry.jsonl")
	tracker, err := NewTracker(config.MonitoringConfig{
		TelemetryEnabled: true,
		TelemetryPath:    path,
	})
	require.NoError(t, err)

	tracker.Record(&RequestEvent{
		Timestamp:     time.Now(),
		CorrelationID: "a",
		Dialect:       "plain_text",
		Outcome:       "success",
		LatencyMS:     12,
	})
	tracker.Record(&RequestEvent{
		CorrelationID: "b",
		Dialect:       "envelope",
		Outcome:       "error",
		ErrorKind:     "timeout",
	})

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []RequestEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev RequestEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].CorrelationID)
	assert.Equal(t, "timeout", events[1].ErrorKind)
}
