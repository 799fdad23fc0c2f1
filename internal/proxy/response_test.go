package proxy

import (
	"strings"
	"testing"

	"satgate/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	// Initialize logger for tests
	_ = logger.Init("debug", "console")
}

func TestSniff(t *testing.T) {
	tests := []struct {
		name string
		body string
		want ResponseKind
	}{
		{"json object", `{"model":"m"}`, KindJSON},
		{"json array", `[1,2]`, KindJSON},
		{"json with leading whitespace", "\n\t {\"a\":1}", KindJSON},
		{"sse", "data: {\"a\":1}\n\n", KindSSE},
		{"sse after comment prelude", ": keepalive\ndata: {\"a\":1}\n", KindSSE},
		{"empty", "", KindUnknown},
		{"html error page", "<html>bad gateway</html>", KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sniff([]byte(tt.body)))
		})
	}
}

func TestExtractUsage_JSON(t *testing.T) {
	body := `{"id":"cmpl-1","model":"gpt-4","usage":{"prompt_tokens":1000,"completion_tokens":500,"total_tokens":1500}}`

	usage, err := ExtractUsage([]byte(body))
	require.NoError(t, err)
	require.NotNil(t, usage)
	assert.Equal(t, "gpt-4", usage.Model)
	assert.Equal(t, int64(1000), usage.PromptTokens)
	assert.Equal(t, int64(500), usage.CompletionTokens)
}

func TestExtractUsage_JSONNullUsage(t *testing.T) {
	body := `{"model":"gpt-4","usage":null}`

	usage, err := ExtractUsage([]byte(body))
	require.NoError(t, err)
	assert.Nil(t, usage, "null usage means base-only")
}

func TestExtractUsage_JSONNoUsageField(t *testing.T) {
	usage, err := ExtractUsage([]byte(`{"model":"gpt-4","choices":[]}`))
	require.NoError(t, err)
	assert.Nil(t, usage)
}

func TestExtractUsage_SSE(t *testing.T) {
	body := strings.Join([]string{
		`data: {"model":"m","choices":[{"delta":{"content":"hi"}}]}`,
		`data: {"model":"m","choices":[{"delta":{"content":"!"}}]}`,
		`data: {"model":"m","usage":{"prompt_tokens":100,"completion_tokens":100}}`,
		`data: [DONE]`,
		"",
	}, "\n\n")

	usage, err := ExtractUsage([]byte(body))
	require.NoError(t, err)
	require.NotNil(t, usage)
	assert.Equal(t, "m", usage.Model)
	assert.Equal(t, int64(100), usage.PromptTokens)
	assert.Equal(t, int64(100), usage.CompletionTokens)
}

func TestExtractUsage_SSELastUsageWins(t *testing.T) {
	body := strings.Join([]string{
		`data: {"model":"first","usage":{"prompt_tokens":1,"completion_tokens":1}}`,
		`data: {"model":"second","usage":{"prompt_tokens":10,"completion_tokens":20}}`,
		"",
	}, "\n")

	usage, err := ExtractUsage([]byte(body))
	require.NoError(t, err)
	require.NotNil(t, usage)
	assert.Equal(t, int64(10), usage.PromptTokens)
	assert.Equal(t, int64(20), usage.CompletionTokens)
	assert.Equal(t, "first", usage.Model, "first model seen wins")
}

func TestExtractUsage_SSESkipsBrokenFrames(t *testing.T) {
	body := strings.Join([]string{
		`data: not-json-at-all`,
		`data: {"model":"m","usage":{"prompt_tokens":5,"completion_tokens":7}}`,
		`data: {also broken`,
		"",
	}, "\n")

	usage, err := ExtractUsage([]byte(body))
	require.NoError(t, err)
	require.NotNil(t, usage)
	assert.Equal(t, int64(5), usage.PromptTokens)
}

func TestExtractUsage_SSENoUsageIsBaseOnly(t *testing.T) {
	body := "data: {\"model\":\"m\",\"choices\":[]}\n\ndata: [DONE]\n"

	usage, err := ExtractUsage([]byte(body))
	require.NoError(t, err)
	assert.Nil(t, usage)
}

func TestExtractUsage_Unparsable(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"html", "<html>502</html>"},
		{"truncated json without sse", `{"model": "m",`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ExtractUsage([]byte(tt.body))
			assert.ErrorIs(t, err, ErrUnparsableResponse)
		})
	}
}

// Re-chunking an SSE stream must not change what is extracted: the
// scanner works on reassembled lines, not transport chunks.
func TestExtractUsage_SSEChunkingInvariant(t *testing.T) {
	frames := []string{
		`data: {"model":"m","choices":[{"delta":{"content":"a"}}]}`,
		`data: {"model":"m","usage":{"prompt_tokens":42,"completion_tokens":17}}`,
		`data: [DONE]`,
	}

	oneBlob := strings.Join(frames, "\n\n") + "\n"
	crlf := strings.Join(frames, "\r\n\r\n") + "\r\n"
	tightlyPacked := strings.Join(frames, "\n") + "\n"

	for _, body := range []string{oneBlob, crlf, tightlyPacked} {
		usage, err := ExtractUsage([]byte(body))
		require.NoError(t, err)
		require.NotNil(t, usage)
		assert.Equal(t, "m", usage.Model)
		assert.Equal(t, int64(42), usage.PromptTokens)
		assert.Equal(t, int64(17), usage.CompletionTokens)
	}
}
