package proxy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func minimalRequest() ChatCompletionRequest {
	stream := true
	return ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []Message{{Role: "user", Content: "hello"}},
		Stream:   &stream,
	}
}

func TestEnsureStreamOptionsSetsWhenAbsent(t *testing.T) {
	req := minimalRequest()
	require.Nil(t, req.StreamOptions)

	EnsureStreamOptions(&req)

	require.NotNil(t, req.StreamOptions)
	require.NotNil(t, req.StreamOptions.IncludeUsage)
	assert.True(t, *req.StreamOptions.IncludeUsage)
}

func TestEnsureStreamOptionsFillsEmptyObject(t *testing.T) {
	req := minimalRequest()
	req.StreamOptions = &StreamOptions{}

	EnsureStreamOptions(&req)

	require.NotNil(t, req.StreamOptions.IncludeUsage)
	assert.True(t, *req.StreamOptions.IncludeUsage)
}

func TestEnsureStreamOptionsPreservesExplicitFalse(t *testing.T) {
	f := false
	req := minimalRequest()
	req.StreamOptions = &StreamOptions{IncludeUsage: &f}

	EnsureStreamOptions(&req)

	require.NotNil(t, req.StreamOptions.IncludeUsage)
	assert.False(t, *req.StreamOptions.IncludeUsage)
}

func TestStreamOptionsOmittedWhenNil(t *testing.T) {
	req := minimalRequest()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "stream_options")
}

func TestStreamOptionsSerializedAfterEnsure(t *testing.T) {
	req := minimalRequest()
	EnsureStreamOptions(&req)

	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"stream_options":{"include_usage":true}`)
}

func TestUserPromptLastUserMessage(t *testing.T) {
	req := ChatCompletionRequest{
		Messages: []Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "first"},
			{Role: "assistant", Content: "ok"},
			{Role: "user", Content: "second"},
		},
	}
	assert.Equal(t, "second", req.UserPrompt())

	empty := ChatCompletionRequest{Messages: []Message{{Role: "system", Content: "x"}}}
	assert.Empty(t, empty.UserPrompt())
}

func TestIsStreaming(t *testing.T) {
	req := ChatCompletionRequest{}
	assert.False(t, req.IsStreaming())

	f := false
	req.Stream = &f
	assert.False(t, req.IsStreaming())

	tr := true
	req.Stream = &tr
	assert.True(t, req.IsStreaming())
}

func TestStopRoundTripsStringOrArray(t *testing.T) {
	for _, raw := range []string{
		`{"model":"m","messages":[],"stop":"END"}`,
		`{"model":"m","messages":[],"stop":["a","b"]}`,
	} {
		var req ChatCompletionRequest
		require.NoError(t, json.Unmarshal([]byte(raw), &req))
		out, err := json.Marshal(req)
		require.NoError(t, err)
		assert.JSONEq(t, raw, string(out))
	}
}
