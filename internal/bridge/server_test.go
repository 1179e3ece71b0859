package bridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/pixelforge/image-bridge/internal/config"
	"github.com/pixelforge/image-bridge/internal/dedup"
	"github.com/pixelforge/image-bridge/internal/generation"
	"github.com/pixelforge/image-bridge/internal/monitoring"
)

// fakeGenerator records every call and replies with a canned result.
type fakeGenerator struct {
	mu     sync.Mutex
	calls  []map[string]any
	result generation.Result
	panics bool
}

func (f *fakeGenerator) Generate(_ context.Context, params map[string]any) generation.Result {
	f.mu.Lock()
	f.calls = append(f.calls, params)
	f.mu.Unlock()

	if f.panics {
		panic("simulated pipeline bug")
	}
	return f.result
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func okResult() generation.Result {
	return generation.Result{
		OK:          true,
		ImageBase64: generation.Base64Prefix + base64.StdEncoding.EncodeToString([]byte("png-bytes")),
	}
}

func newTestServer(t *testing.T, gen *fakeGenerator) (*Server, *bytes.Buffer) {
	t.Helper()

	var buf bytes.Buffer
	tracker, err := monitoring.NewTracker(config.MonitoringConfig{})
	require.NoError(t, err)

	s := NewServer(
		gen,
		NewEmitter(&buf, nil),
		dedup.New(2*time.Second, time.Minute),
		NewLifecycle(true, time.Minute, func() {}),
		tracker,
	)
	return s, &buf
}

func run(t *testing.T, s *Server, input string) {
	t.Helper()
	require.NoError(t, s.Run(context.Background(), strings.NewReader(input)))
}

func outputLines(buf *bytes.Buffer) []string {
	text := strings.TrimSpace(buf.String())
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func TestServer_PlainTextLineGeneratesImage(t *testing.T) {
	gen := &fakeGenerator{result: okResult()}
	s, buf := newTestServer(t, gen)

	run(t, s, "A red bicycle\n")

	require.Equal(t, 1, gen.callCount())
	assert.Equal(t, "A red bicycle", gen.calls[0]["prompt"])

	lines := outputLines(buf)
	require.Len(t, lines, 1)
	parsed := gjson.Parse(lines[0])
	assert.Equal(t, "2.0", parsed.Get("jsonrpc").String())
	assert.Equal(t, "image", parsed.Get("result.content.0.type").String())
	assert.NotEmpty(t, parsed.Get("id").String())
}

func TestServer_LooseJSONPreservesSeed(t *testing.T) {
	gen := &fakeGenerator{result: okResult()}
	s, buf := newTestServer(t, gen)

	run(t, s, `{"prompt":"cat","seed":42}`+"\n")

	require.Equal(t, 1, gen.callCount())
	assert.Equal(t, "cat", gen.calls[0]["prompt"])
	assert.Equal(t, float64(42), gen.calls[0]["seed"])
	require.Len(t, outputLines(buf), 1)
}

func TestServer_UnknownToolGetsMethodNotFound(t *testing.T) {
	gen := &fakeGenerator{result: okResult()}
	s, buf := newTestServer(t, gen)

	run(t, s, `{"jsonrpc":"2.0","id":"x1","method":"mcp.invoke","params":{"tool":"resizeImage"}}`+"\n")

	assert.Zero(t, gen.callCount())
	lines := outputLines(buf)
	require.Len(t, lines, 1)
	parsed := gjson.Parse(lines[0])
	assert.Equal(t, "x1", parsed.Get("id").String())
	assert.Equal(t, int64(-32601), parsed.Get("error.code").Int())
}

func TestServer_DuplicateCorrelationIDSuppressed(t *testing.T) {
	gen := &fakeGenerator{result: okResult()}
	s, buf := newTestServer(t, gen)

	envelope := `{"jsonrpc":"2.0","id":"same-id","method":"mcp.invoke","params":{"tool":"generateImage","parameters":{"prompt":"a dog"}}}`
	run(t, s, envelope+"\n"+envelope+"\n")

	assert.Equal(t, 1, gen.callCount())
	assert.Len(t, outputLines(buf), 1)
}

func TestServer_DuplicatePromptSuppressedWithinWindow(t *testing.T) {
	gen := &fakeGenerator{result: okResult()}
	s, buf := newTestServer(t, gen)

	run(t, s, "a sunset over mountains\na sunset over mountains\n")

	assert.Equal(t, 1, gen.callCount())
	assert.Len(t, outputLines(buf), 1)
}

func TestServer_RetryHintBypassesPromptDedup(t *testing.T) {
	gen := &fakeGenerator{result: okResult()}
	s, buf := newTestServer(t, gen)

	run(t, s, `{"prompt":"a dog"}`+"\n"+`{"prompt":"a dog","retry":true}`+"\n")

	assert.Equal(t, 2, gen.callCount())
	assert.Len(t, outputLines(buf), 2)
}

func TestServer_ForeignMethodPassesThrough(t *testing.T) {
	gen := &fakeGenerator{result: okResult()}
	s, buf := newTestServer(t, gen)

	line := `{"jsonrpc":"2.0","id":"p1","method":"tools/list"}`
	run(t, s, line+"\n")

	assert.Zero(t, gen.callCount())
	lines := outputLines(buf)
	require.Len(t, lines, 1)
	assert.Equal(t, line, lines[0])
}

func TestServer_GenerationFailureBecomesErrorEnvelope(t *testing.T) {
	gen := &fakeGenerator{result: generation.Result{
		Kind:    generation.KindEmptyResult,
		Message: "no images generated",
	}}
	s, buf := newTestServer(t, gen)

	run(t, s, "a cat\n")

	lines := outputLines(buf)
	require.Len(t, lines, 1)
	parsed := gjson.Parse(lines[0])
	assert.Equal(t, int64(-32004), parsed.Get("error.code").Int())
	assert.Equal(t, "no images generated", parsed.Get("error.message").String())
}

func TestServer_PanicBecomesInternalError(t *testing.T) {
	gen := &fakeGenerator{panics: true}
	s, buf := newTestServer(t, gen)

	run(t, s, "a cat\n")

	lines := outputLines(buf)
	require.Len(t, lines, 1)
	parsed := gjson.Parse(lines[0])
	assert.Equal(t, int64(-32603), parsed.Get("error.code").Int())
	assert.Contains(t, parsed.Get("error.data").String(), "simulated pipeline bug")
}

func TestServer_UnusableLooseJSONGetsInvalidParams(t *testing.T) {
	gen := &fakeGenerator{result: okResult()}
	s, buf := newTestServer(t, gen)

	run(t, s, `{"foo":1}`+"\n")

	assert.Zero(t, gen.callCount())
	lines := outputLines(buf)
	require.Len(t, lines, 1)
	assert.Equal(t, int64(-32602), gjson.Parse(lines[0]).Get("error.code").Int())
}

func TestServer_SkipsBlankLines(t *testing.T) {
	gen := &fakeGenerator{result: okResult()}
	s, buf := newTestServer(t, gen)

	run(t, s, "\n   \na cat\n\n")

	assert.Equal(t, 1, gen.callCount())
	assert.Len(t, outputLines(buf), 1)
}

func TestServer_ConcurrentRequestsAllAnswered(t *testing.T) {
	gen := &fakeGenerator{result: okResult()}
	s, buf := newTestServer(t, gen)

	run(t, s, "a cat\na dog\na bird\n")

	assert.Equal(t, 3, gen.callCount())
	lines := outputLines(buf)
	require.Len(t, lines, 3)
	for _, line := range lines {
		assert.True(t, gjson.Parse(line).Get("result.content.0.data").Exists())
	}
}
