// Package bridge connects stdin lines to the generation client and
// writes exactly one response line per accepted request.
//
// FILES:
//   - emitter.go: response envelope construction and serialized output
//   - lifecycle.go: idle-exit timer for standalone (non-pipe) runs
//   - server.go: read loop, dispatch, and per-request processing
package bridge

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/sjson"

	"github.com/pixelforge/image-bridge/internal/generation"
	"github.com/pixelforge/image-bridge/internal/imagestore"
	"github.com/pixelforge/image-bridge/internal/protocol"
)

// ErrOutputClosed reports that the reader side of stdout is gone. The
// caller treats it as a clean shutdown signal, not a failure.
var ErrOutputClosed = errors.New("output stream closed by reader")

// Emitter serializes response envelopes onto the output stream. All
// writes go through one mutex so concurrent request completions never
// interleave partial lines.
type Emitter struct {
	mu     sync.Mutex
	w      io.Writer
	images *imagestore.Store
}

// NewEmitter creates an emitter writing to w and saving images through
// store. A nil store disables saving.
func NewEmitter(w io.Writer, store *imagestore.Store) *Emitter {
	return &Emitter{w: w, images: store}
}

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

type contentItem struct {
	Type     string `json:"type"`
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

type resultBody struct {
	Content []contentItem `json:"content"`
}

// EmitSuccess writes the success envelope for a generation result and
// returns the saved image path, if any. The image is also persisted to
// disk; a save failure is logged and the envelope still goes out,
// because "generated" and "persisted" are separate concerns and only
// the former is owed to the caller.
func (e *Emitter) EmitSuccess(rawID json.RawMessage, prompt string, res generation.Result) (string, error) {
	data := strings.TrimPrefix(res.ImageBase64, generation.Base64Prefix)

	savedPath := ""
	if e.images != nil {
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			log.Error().Err(err).Msg("image payload is not valid base64, skipping save")
		} else if path, err := e.images.Save(prompt, decoded); err != nil {
			log.Error().Err(err).Msg("failed to save generated image")
		} else {
			savedPath = path
		}
	}

	result, err := json.Marshal(resultBody{
		Content: []contentItem{{
			Type:     "image",
			Data:     data,
			MimeType: protocol.ImageMimeType,
		}},
	})
	if err != nil {
		return "", e.EmitError(rawID, protocol.CodeInternalError, "failed to encode result", "")
	}
	if savedPath != "" {
		if injected, err := sjson.SetBytes(result, "imageSavedPath", savedPath); err == nil {
			result = injected
		}
	}

	envelope := map[string]json.RawMessage{
		"jsonrpc": json.RawMessage(`"` + protocol.Version + `"`),
		"id":      rawID,
		"result":  result,
	}
	return savedPath, e.writeJSON(envelope)
}

// EmitError writes an error envelope correlated by the caller's id.
func (e *Emitter) EmitError(rawID json.RawMessage, code int, message, data string) error {
	body, err := json.Marshal(errorBody{Code: code, Message: message, Data: data})
	if err != nil {
		return fmt.Errorf("encoding error body: %w", err)
	}
	if len(rawID) == 0 {
		rawID = json.RawMessage("null")
	}
	envelope := map[string]json.RawMessage{
		"jsonrpc": json.RawMessage(`"` + protocol.Version + `"`),
		"id":      rawID,
		"error":   body,
	}
	return e.writeJSON(envelope)
}

// EmitRaw forwards a line verbatim, used for envelopes addressed to
// methods this bridge does not own.
func (e *Emitter) EmitRaw(line string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.classifyWriteErr(io.WriteString(e.w, line+"\n"))
}

func (e *Emitter) writeJSON(envelope map[string]json.RawMessage) error {
	out, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	out = append(out, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.classifyWriteErr(e.w.Write(out))
}

// classifyWriteErr folds EPIPE-class failures into ErrOutputClosed.
func (e *Emitter) classifyWriteErr(_ int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed) {
		return ErrOutputClosed
	}
	return fmt.Errorf("writing response: %w", err)
}

// codeForKind maps generation failure kinds onto protocol error codes.
func codeForKind(kind generation.ErrorKind) int {
	switch kind {
	case generation.KindTimeout:
		return protocol.CodeTimeout
	case generation.KindUpstreamClient:
		return protocol.CodeUpstreamClient
	case generation.KindUpstreamServer:
		return protocol.CodeUpstreamServer
	case generation.KindEmptyResult:
		return protocol.CodeEmptyResult
	default:
		return protocol.CodeServiceUnavailable
	}
}
