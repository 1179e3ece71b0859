package protocol

import "github.com/tidwall/gjson"

// Classify tags one trimmed, non-empty input line with its dialect.
//
// A line is an Envelope only if it is a JSON object carrying all three
// of: jsonrpc equal to the protocol version, a method, and an id. Any
// other JSON object is LooseJSON. Everything else, including JSON
// scalars and arrays, is treated as a bare prompt. JSON parse failure
// is not an error here; it is the signal that routes to PlainText.
func Classify(line string) Dialect {
	if !gjson.Valid(line) {
		return DialectPlainText
	}
	parsed := gjson.Parse(line)
	if !parsed.IsObject() {
		return DialectPlainText
	}
	if parsed.Get("jsonrpc").String() == Version &&
		parsed.Get("method").Exists() &&
		parsed.Get("id").Exists() {
		return DialectEnvelope
	}
	return DialectLooseJSON
}
