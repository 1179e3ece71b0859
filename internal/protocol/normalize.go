package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// placeholderKey is sent by callers whose tooling cannot omit the
// parameter bag. When it is the only populated key, its value is the
// prompt.
const placeholderKey = "random_string"

// Normalize converts one classified line into a tagged outcome. It never
// panics on malformed input: every branch ends in a valid Request, a
// pass-through, or an explicit protocol error.
func Normalize(line string, dialect Dialect) Normalized {
	switch dialect {
	case DialectEnvelope:
		return normalizeEnvelope(line)
	case DialectLooseJSON:
		return normalizeLooseJSON(line)
	default:
		return normalizePlainText(line)
	}
}

func normalizeEnvelope(line string) Normalized {
	parsed := gjson.Parse(line)
	id := parsed.Get("id")
	rawID := json.RawMessage(id.Raw)

	method := parsed.Get("method").String()
	if method != MethodInvoke {
		// Not this bridge's method. Forwarded verbatim and counted
		// complete so a longer pipeline stays transparent.
		return Normalized{Kind: KindPassThrough, Dialect: DialectEnvelope, Raw: line, RawID: rawID}
	}

	tool := parsed.Get("params.tool").String()
	if tool != ToolGenerate {
		return Normalized{
			Kind:       KindError,
			Dialect:    DialectEnvelope,
			ErrCode:    CodeMethodNotFound,
			ErrMessage: fmt.Sprintf("tool not found: %q", tool),
			RawID:      rawID,
		}
	}

	params := objectToMap(parsed.Get("params.parameters"))
	isRetry := extractRetryHint(params)
	req := &Request{
		CorrelationID: id.String(),
		RawID:         rawID,
		Tool:          tool,
		Params:        shapeParams(params),
		IsRetry:       isRetry,
	}
	return Normalized{Kind: KindGenerate, Dialect: DialectEnvelope, Request: req, Raw: line}
}

func normalizeLooseJSON(line string) Normalized {
	parsed := gjson.Parse(line)

	var params map[string]any
	switch {
	case parsed.Get("parameters").IsObject():
		params = objectToMap(parsed.Get("parameters"))
	case parsed.Get("prompt").Exists():
		params = objectToMap(parsed)
		delete(params, "id")
	default:
		return Normalized{
			Kind:       KindError,
			Dialect:    DialectLooseJSON,
			ErrCode:    CodeInvalidParams,
			ErrMessage: "no usable parameters: expected a prompt or parameters field",
			RawID:      generatedID(),
		}
	}

	correlationID := parsed.Get("id").String()
	var rawID json.RawMessage
	if correlationID != "" {
		rawID = json.RawMessage(parsed.Get("id").Raw)
	} else {
		correlationID = uuid.New().String()
		rawID = json.RawMessage(strconv.Quote(correlationID))
	}

	isRetry := extractRetryHint(params)
	req := &Request{
		CorrelationID: correlationID,
		RawID:         rawID,
		Tool:          ToolGenerate,
		Params:        shapeParams(params),
		IsRetry:       isRetry,
	}
	return Normalized{Kind: KindGenerate, Dialect: DialectLooseJSON, Request: req, Raw: line}
}

func normalizePlainText(line string) Normalized {
	correlationID := uuid.New().String()
	req := &Request{
		CorrelationID: correlationID,
		RawID:         json.RawMessage(strconv.Quote(correlationID)),
		Tool:          ToolGenerate,
		Params:        map[string]any{"prompt": line},
	}
	return Normalized{Kind: KindGenerate, Dialect: DialectPlainText, Request: req, Raw: line}
}

// shapeParams applies the placeholder promotion rule: a bag whose only
// populated key is the placeholder becomes {"prompt": value}.
func shapeParams(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	if len(params) == 1 {
		if v, ok := params[placeholderKey].(string); ok && v != "" {
			return map[string]any{"prompt": v}
		}
	}
	return params
}

// extractRetryHint pops the caller retry flag out of the bag so it is
// not forwarded to the backend.
func extractRetryHint(params map[string]any) bool {
	for _, key := range []string{"retry", "isRetry"} {
		if v, ok := params[key].(bool); ok {
			delete(params, key)
			if v {
				return true
			}
		}
	}
	return false
}

// objectToMap decodes a gjson object result into a parameter bag.
// Returns an empty map for missing or non-object values.
func objectToMap(res gjson.Result) map[string]any {
	if !res.IsObject() {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(res.Raw), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func generatedID() json.RawMessage {
	return json.RawMessage(strconv.Quote(uuid.New().String()))
}
