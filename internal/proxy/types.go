// Package proxy defines the OpenAI-compatible wire types carried
// between clients and upstream providers.
package proxy

import "encoding/json"

// ChatCompletionRequest is an OpenAI-compatible chat completion request.
type ChatCompletionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`

	Temperature      *float32       `json:"temperature,omitempty"`
	MaxTokens        *uint32        `json:"max_tokens,omitempty"`
	Stream           *bool          `json:"stream,omitempty"`
	StreamOptions    *StreamOptions `json:"stream_options,omitempty"`
	TopP             *float32       `json:"top_p,omitempty"`
	FrequencyPenalty *float32       `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float32       `json:"presence_penalty,omitempty"`
	// Stop is a string or an array of strings; passed through verbatim.
	Stop json.RawMessage `json:"stop,omitempty"`
	User string          `json:"user,omitempty"`
}

// IsStreaming reports whether the client asked for an SSE response.
func (r *ChatCompletionRequest) IsStreaming() bool {
	return r.Stream != nil && *r.Stream
}

// UserPrompt returns the content of the last user message, or "" when
// there is none. Used for keyword-based policy matching.
func (r *ChatCompletionRequest) UserPrompt() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// StreamOptions controls streaming response behavior.
type StreamOptions struct {
	// IncludeUsage asks the upstream to attach a usage object to the
	// final streaming chunk.
	IncludeUsage *bool `json:"include_usage,omitempty"`
}

// EnsureStreamOptions makes sure a streaming request asks the upstream
// for usage reporting. Client-provided options are merged with, never
// overwritten: an explicit include_usage (true or false) is preserved.
func EnsureStreamOptions(r *ChatCompletionRequest) {
	if r.StreamOptions == nil {
		r.StreamOptions = &StreamOptions{}
	}
	if r.StreamOptions.IncludeUsage == nil {
		t := true
		r.StreamOptions.IncludeUsage = &t
	}
}

// ChatCompletionResponse is an OpenAI-compatible non-streaming response.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created uint64   `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
	// ArbstrProvider names the provider that handled the request.
	ArbstrProvider string `json:"arbstr_provider,omitempty"`
}

// Choice is one completion in a non-streaming response.
type Choice struct {
	Index        uint32  `json:"index"`
	Message      Message `json:"message"`
	FinishReason *string `json:"finish_reason"`
}

// Usage is the token accounting block of a response.
type Usage struct {
	PromptTokens     uint64 `json:"prompt_tokens"`
	CompletionTokens uint64 `json:"completion_tokens"`
	TotalTokens      uint64 `json:"total_tokens"`
}

// ChatCompletionChunk is one streaming SSE payload.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created uint64        `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// ChunkChoice is a streaming choice delta.
type ChunkChoice struct {
	Index        uint32  `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is incremental content in a streaming chunk.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}
