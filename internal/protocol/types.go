// Package protocol defines the wire shapes the bridge speaks and the
// classification/normalization of incoming lines.
//
// DESIGN: Three input dialects, one internal request shape:
//   - Envelope:  well-formed JSON-RPC 2.0 / MCP invoke envelope
//   - LooseJSON: valid JSON object missing envelope fields
//   - PlainText: anything that is not a JSON object (whole line = prompt)
//
// The classifier produces a dialect tag; the normalizer consumes it
// exhaustively and returns either a canonical Request, a pass-through,
// or an explicit protocol error. Shape probing is done with gjson on
// the raw line so malformed input never panics.
package protocol

import "encoding/json"

// Protocol constants.
const (
	Version       = "2.0"
	MethodInvoke  = "mcp.invoke"
	ToolGenerate  = "generateImage"
	ImageMimeType = "image/png"
)

// JSON-RPC error codes. Negative ranges follow the standard:
// -32700..-32600 for protocol errors, -32000..-32099 for server errors.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeServiceUnavailable = -32000
	CodeTimeout            = -32001
	CodeUpstreamClient     = -32002
	CodeUpstreamServer     = -32003
	CodeEmptyResult        = -32004
)

// Dialect tags one input line.
type Dialect int

const (
	DialectPlainText Dialect = iota
	DialectLooseJSON
	DialectEnvelope
)

// String returns the dialect name for logging and telemetry.
func (d Dialect) String() string {
	switch d {
	case DialectEnvelope:
		return "envelope"
	case DialectLooseJSON:
		return "loose_json"
	default:
		return "plain_text"
	}
}

// Request is the canonical internal request shape. Constructed once per
// input line by Normalize and immutable afterwards.
type Request struct {
	// CorrelationID links the request to its response. Caller-supplied
	// for envelopes, generated (uuid) otherwise.
	CorrelationID string

	// RawID is the verbatim JSON of the envelope id field, preserved so
	// the response echoes the caller's id byte-for-byte (string or
	// number). For generated ids this is the quoted uuid.
	RawID json.RawMessage

	// Tool is the invoked tool name. Only ToolGenerate reaches the
	// generation client.
	Tool string

	// Params is the free-form parameter bag. Recognized keys are merged
	// with defaults by the generation client; unrecognized keys pass
	// through to the backend untouched.
	Params map[string]any

	// IsRetry marks an explicit caller retry, which bypasses the
	// prompt-fingerprint duplicate check (never the correlation-id one).
	IsRetry bool
}

// Prompt returns the prompt parameter if present.
func (r *Request) Prompt() string {
	if r == nil || r.Params == nil {
		return ""
	}
	s, _ := r.Params["prompt"].(string)
	return s
}

// Kind discriminates normalization outcomes.
type Kind int

const (
	// KindGenerate carries a Request bound for the generation client.
	KindGenerate Kind = iota
	// KindPassThrough carries an envelope for a method this bridge does
	// not own; the raw line is forwarded verbatim and counted complete.
	KindPassThrough
	// KindError carries a terminal protocol error for this line.
	KindError
)

// Normalized is the tagged outcome of normalizing one input line.
type Normalized struct {
	Kind    Kind
	Dialect Dialect

	// Request is set for KindGenerate.
	Request *Request

	// Raw is the original line, kept for pass-through forwarding.
	Raw string

	// Error fields, set for KindError. RawID mirrors the envelope id so
	// error envelopes stay correlated.
	ErrCode    int
	ErrMessage string
	ErrData    string
	RawID      json.RawMessage
}
