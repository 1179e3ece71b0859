package protocol

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func normalizeLine(t *testing.T, line string) Normalized {
	t.Helper()
	return Normalize(line, Classify(line))
}

func TestNormalize_PlainTextPromptEqualsLine(t *testing.T) {
	n := normalizeLine(t, "A red bicycle")

	require.Equal(t, KindGenerate, n.Kind)
	assert.Equal(t, DialectPlainText, n.Dialect)
	assert.Equal(t, "A red bicycle", n.Request.Prompt())
	assert.Equal(t, ToolGenerate, n.Request.Tool)

	// Generated correlation id must be a valid uuid.
	_, err := uuid.Parse(n.Request.CorrelationID)
	assert.NoError(t, err)
	assert.Equal(t, `"`+n.Request.CorrelationID+`"`, string(n.Request.RawID))
}

func TestNormalize_EnvelopeInvoke(t *testing.T) {
	line := `{"jsonrpc":"2.0","id":"x1","method":"mcp.invoke","params":{"tool":"generateImage","parameters":{"prompt":"cat","seed":42}}}`
	n := normalizeLine(t, line)

	require.Equal(t, KindGenerate, n.Kind)
	assert.Equal(t, "x1", n.Request.CorrelationID)
	assert.Equal(t, `"x1"`, string(n.Request.RawID))
	assert.Equal(t, "cat", n.Request.Prompt())
	assert.Equal(t, float64(42), n.Request.Params["seed"])
}

func TestNormalize_EnvelopeUnknownTool(t *testing.T) {
	line := `{"jsonrpc":"2.0","id":"x1","method":"mcp.invoke","params":{"tool":"doesNotExist","parameters":{}}}`
	n := normalizeLine(t, line)

	require.Equal(t, KindError, n.Kind)
	assert.Equal(t, CodeMethodNotFound, n.ErrCode)
	assert.Equal(t, `"x1"`, string(n.RawID))
}

func TestNormalize_EnvelopeOtherMethodPassesThrough(t *testing.T) {
	line := `{"jsonrpc":"2.0","id":9,"method":"tools/list","params":{}}`
	n := normalizeLine(t, line)

	require.Equal(t, KindPassThrough, n.Kind)
	assert.Equal(t, line, n.Raw)
	assert.Equal(t, "9", string(n.RawID))
}

func TestNormalize_EnvelopeMissingParameters(t *testing.T) {
	line := `{"jsonrpc":"2.0","id":"x2","method":"mcp.invoke","params":{"tool":"generateImage"}}`
	n := normalizeLine(t, line)

	// Empty bag is fine; the generation client fills defaults.
	require.Equal(t, KindGenerate, n.Kind)
	assert.Empty(t, n.Request.Params)
}

func TestNormalize_LooseJSONWholeObjectIsBag(t *testing.T) {
	n := normalizeLine(t, `{"prompt":"cat","seed":42}`)

	require.Equal(t, KindGenerate, n.Kind)
	assert.Equal(t, map[string]any{"prompt": "cat", "seed": float64(42)}, n.Request.Params)
	assert.NotEmpty(t, n.Request.CorrelationID)
}

func TestNormalize_LooseJSONParametersField(t *testing.T) {
	n := normalizeLine(t, `{"parameters":{"prompt":"dog","steps":30}}`)

	require.Equal(t, KindGenerate, n.Kind)
	assert.Equal(t, "dog", n.Request.Prompt())
	assert.Equal(t, float64(30), n.Request.Params["steps"])
}

func TestNormalize_LooseJSONHonorsCallerID(t *testing.T) {
	n := normalizeLine(t, `{"id":"req-5","prompt":"cat"}`)

	require.Equal(t, KindGenerate, n.Kind)
	assert.Equal(t, "req-5", n.Request.CorrelationID)
	// The id is a correlation token, not a generation parameter.
	assert.NotContains(t, n.Request.Params, "id")
}

func TestNormalize_LooseJSONNoUsableParameters(t *testing.T) {
	n := normalizeLine(t, `{"something":"else"}`)

	require.Equal(t, KindError, n.Kind)
	assert.Equal(t, CodeInvalidParams, n.ErrCode)
	assert.NotEmpty(t, n.RawID)
}

func TestNormalize_PlaceholderPromotion(t *testing.T) {
	line := `{"jsonrpc":"2.0","id":"x3","method":"mcp.invoke","params":{"tool":"generateImage","parameters":{"random_string":"a blue house"}}}`
	n := normalizeLine(t, line)

	require.Equal(t, KindGenerate, n.Kind)
	assert.Equal(t, "a blue house", n.Request.Prompt())
	assert.NotContains(t, n.Request.Params, "random_string")
}

func TestNormalize_PlaceholderNotPromotedWhenOtherKeysPresent(t *testing.T) {
	n := normalizeLine(t, `{"parameters":{"random_string":"x","prompt":"real prompt"}}`)

	require.Equal(t, KindGenerate, n.Kind)
	assert.Equal(t, "real prompt", n.Request.Prompt())
	assert.Contains(t, n.Request.Params, "random_string")
}

func TestNormalize_RetryHintExtracted(t *testing.T) {
	line := `{"jsonrpc":"2.0","id":"x4","method":"mcp.invoke","params":{"tool":"generateImage","parameters":{"prompt":"cat","retry":true}}}`
	n := normalizeLine(t, line)

	require.Equal(t, KindGenerate, n.Kind)
	assert.True(t, n.Request.IsRetry)
	assert.NotContains(t, n.Request.Params, "retry")
}

func TestNormalize_RetryHintWithPlaceholder(t *testing.T) {
	n := normalizeLine(t, `{"parameters":{"random_string":"a cat","isRetry":true}}`)

	require.Equal(t, KindGenerate, n.Kind)
	assert.True(t, n.Request.IsRetry)
	assert.Equal(t, "a cat", n.Request.Prompt())
}
