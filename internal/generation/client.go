// Package generation owns connectivity to the remote image-generation
// service.
//
// DESIGN: The client separates connection establishment from the
// generation call itself:
//  1. ensureEndpoint probes an ordered list of candidate base URLs with
//     escalating per-attempt timeouts and adopts the first that answers
//     the read-only status path. The result is cached for a short TTL.
//  2. Generate POSTs the merged parameters with a bounded retry loop.
//     Only 5xx and transport failures are retried; a 4xx is terminal on
//     first occurrence. Transport failures invalidate the cached
//     connection state so the next call re-probes.
//
// A 2xx response without a non-empty images array is not a success.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/pixelforge/image-bridge/internal/config"
)

// Base64Prefix is the canonical image-data prefix applied to payloads
// the backend returns as bare base64.
const Base64Prefix = "data:image/png;base64,"

// ErrorKind classifies generation failures for the response emitter.
type ErrorKind string

const (
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindTimeout            ErrorKind = "timeout"
	KindUpstreamClient     ErrorKind = "upstream_client_error"
	KindUpstreamServer     ErrorKind = "upstream_server_error"
	KindEmptyResult        ErrorKind = "empty_result"
)

// Result is the discriminated outcome of one Generate call. Produced
// exactly once per accepted request.
type Result struct {
	OK bool

	// ImageBase64 carries the canonical prefixed-base64 payload on
	// success.
	ImageBase64 string
	// EffectiveParams is the merged parameter set actually sent.
	EffectiveParams map[string]any

	Kind    ErrorKind
	Message string
}

func failure(kind ErrorKind, message string) Result {
	return Result{Kind: kind, Message: message}
}

// connectionState caches the outcome of endpoint probing.
type connectionState struct {
	established   bool
	lastCheckedAt time.Time
	activeBase    string
}

// Client issues generation calls against the configured service.
type Client struct {
	cfg   config.GenerationConfig
	httpc *http.Client
	seed  func() int64
	sleep func(time.Duration)

	// state is guarded by mu. Probing happens under the lock so
	// concurrent requests share one probe instead of racing.
	mu    sync.Mutex
	state connectionState
}

// Option configures a Client.
type Option func(*Client)

// WithSeedSource injects the random seed source, used by tests.
func WithSeedSource(seed func() int64) Option {
	return func(c *Client) { c.seed = seed }
}

// WithHTTPClient injects the underlying HTTP client.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) { c.httpc = httpc }
}

// New creates a generation client. Per-attempt deadlines come from
// request contexts, so the HTTP client itself carries no timeout.
func New(cfg config.GenerationConfig, opts ...Option) *Client {
	c := &Client{
		cfg:   cfg,
		httpc: &http.Client{},
		seed:  randomSeed,
		sleep: time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate runs one generation call: endpoint establishment, parameter
// resolution, the bounded retry loop, and success validation.
func (c *Client) Generate(ctx context.Context, params map[string]any) Result {
	base, ok := c.ensureEndpoint(ctx)
	if !ok {
		return failure(KindServiceUnavailable, "no generation endpoint reachable")
	}

	merged := c.resolveParams(params)
	body, err := json.Marshal(merged)
	if err != nil {
		return failure(KindUpstreamClient, fmt.Sprintf("unencodable parameters: %v", err))
	}

	url := base + c.cfg.GeneratePath
	last := failure(KindServiceUnavailable, "generation not attempted")

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			c.sleep(time.Duration(attempt) * c.cfg.RetryBackoff)
		}

		timeout := c.cfg.BaseTimeout + time.Duration(attempt)*c.cfg.TimeoutStep
		result, retry := c.attempt(ctx, url, body, timeout, merged)
		if !retry {
			return result
		}
		last = result

		log.Warn().
			Int("attempt", attempt+1).
			Str("kind", string(result.Kind)).
			Str("message", result.Message).
			Msg("generation attempt failed")
	}
	return last
}

// attempt issues one POST. retry reports whether the failure class is
// retryable (5xx or transport); terminal outcomes return retry=false.
func (c *Client) attempt(ctx context.Context, url string, body []byte, timeout time.Duration, merged map[string]any) (result Result, retry bool) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return failure(KindUpstreamClient, fmt.Sprintf("building request: %v", err)), false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		// Connection-refused/timeout class: distrust the cached
		// endpoint so the next attempt (or call) re-probes.
		c.invalidate()
		if isTimeout(err) {
			return failure(KindTimeout, fmt.Sprintf("generation call timed out after %s", timeout)), true
		}
		return failure(KindServiceUnavailable, fmt.Sprintf("generation call failed: %v", err)), true
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		c.invalidate()
		return failure(KindServiceUnavailable, fmt.Sprintf("reading response: %v", err)), true
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return c.validateSuccess(payload, merged), false
	case resp.StatusCode >= 500:
		return failure(KindUpstreamServer, upstreamMessage(resp.StatusCode, payload)), true
	default:
		return failure(KindUpstreamClient, upstreamMessage(resp.StatusCode, payload)), false
	}
}

// validateSuccess enforces that a 2xx response actually carries images
// and canonicalizes the payload.
func (c *Client) validateSuccess(payload []byte, merged map[string]any) Result {
	var parsed struct {
		Images []string `json:"images"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return failure(KindEmptyResult, fmt.Sprintf("unparsable generation response: %v", err))
	}
	if len(parsed.Images) == 0 || parsed.Images[0] == "" {
		return failure(KindEmptyResult, "no images generated")
	}

	image := parsed.Images[0]
	if !strings.HasPrefix(image, "data:") {
		image = Base64Prefix + image
	}
	return Result{OK: true, ImageBase64: image, EffectiveParams: merged}
}

// ensureEndpoint returns the active base URL, probing candidates if the
// cached state is absent or stale. All candidates exhausted means the
// call fails fast with no generation attempt.
func (c *Client) ensureEndpoint(ctx context.Context) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.established && time.Since(c.state.lastCheckedAt) < c.cfg.StateTTL {
		return c.state.activeBase, true
	}

	for _, base := range c.cfg.Candidates() {
		for attempt := 1; attempt <= c.cfg.ProbeAttempts; attempt++ {
			if c.probe(ctx, base, attempt) {
				c.state = connectionState{
					established:   true,
					lastCheckedAt: time.Now(),
					activeBase:    base,
				}
				log.Debug().Str("endpoint", base).Msg("generation endpoint established")
				return base, true
			}
			if attempt < c.cfg.ProbeAttempts {
				c.sleep(time.Duration(attempt) * c.cfg.ProbeBackoff)
			}
		}
	}

	c.state = connectionState{lastCheckedAt: time.Now()}
	return "", false
}

// probe issues one lightweight GET against the status path. Any HTTP
// response counts as reachable; only transport failures do not.
func (c *Client) probe(ctx context.Context, base string, attempt int) bool {
	timeout := time.Duration(attempt) * c.cfg.ProbeTimeoutStep
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodGet, base+c.cfg.StatusPath, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode >= 200
}

// invalidate marks the cached connection state stale.
func (c *Client) invalidate() {
	c.mu.Lock()
	c.state.established = false
	c.mu.Unlock()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// upstreamMessage extracts a server-reported error message when the
// body carries one, falling back to the HTTP status.
func upstreamMessage(status int, payload []byte) string {
	text := http.StatusText(status)
	parsed := gjson.ParseBytes(payload)
	for _, key := range []string{"error.message", "error", "detail", "message"} {
		if v := parsed.Get(key); v.Type == gjson.String && v.String() != "" {
			return fmt.Sprintf("upstream HTTP %d %s: %s", status, text, v.String())
		}
	}
	return fmt.Sprintf("upstream HTTP %d %s", status, text)
}
