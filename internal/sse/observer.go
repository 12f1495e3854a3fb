// Package sse observes Server-Sent-Event streams from upstream
// providers without altering the bytes forwarded to the client. The
// observer reassembles SSE lines across arbitrary TCP chunk boundaries
// and extracts token usage and finish_reason for cost accounting.
package sse

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
)

// bufferCap bounds the line-reassembly buffer. A provider that streams
// 64 KiB with no newline is broken or hostile; the buffer is discarded
// rather than grown without bound.
const bufferCap = 64 * 1024

// Usage is the token usage reported in the final SSE chunk.
type Usage struct {
	PromptTokens     uint64
	CompletionTokens uint64
}

// Result is what an observed stream yielded once it ended.
type Result struct {
	// Usage from the last chunk carrying a non-null usage object; nil
	// when absent or malformed.
	Usage *Usage
	// FinishReason from the last chunk whose choices[0].finish_reason
	// was a non-null string; empty when never seen.
	FinishReason string
	// DoneReceived reports whether "data: [DONE]" arrived.
	DoneReceived bool
}

// Observer accumulates SSE bytes and extracts usage and finish_reason
// from data lines. Not safe for concurrent use; a stream is read by one
// goroutine.
type Observer struct {
	buf          []byte
	usage        *Usage
	finishReason string
	doneReceived bool
}

// NewObserver returns an empty Observer.
func NewObserver() *Observer { return &Observer{} }

// ProcessChunk consumes the next raw chunk from the stream. Complete
// lines are dispatched; the trailing incomplete segment is retained for
// the next chunk.
func (o *Observer) ProcessChunk(p []byte) {
	o.buf = append(o.buf, p...)

	if len(o.buf) > bufferCap {
		slog.Warn("sse buffer exceeded cap, discarding",
			slog.Int("buffer_len", len(o.buf)))
		o.buf = o.buf[:0]
		return
	}

	for {
		i := bytes.IndexByte(o.buf, '\n')
		if i < 0 {
			return
		}
		end := i
		if end > 0 && o.buf[end-1] == '\r' {
			end--
		}
		line := string(o.buf[:end])
		o.buf = o.buf[i+1:]
		o.processLine(line)
	}
}

// Finish flushes any residual buffer as a final line (a stream may end
// on "data: [DONE]" with no trailing newline) and returns the result.
// A stream that ended without [DONE] yields an empty result: partial
// usage is never reported as authoritative.
func (o *Observer) Finish() Result {
	if len(o.buf) > 0 {
		line := o.buf
		if line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		o.processLine(string(line))
		o.buf = nil
	}

	if !o.doneReceived {
		return Result{}
	}
	return Result{
		Usage:        o.usage,
		FinishReason: o.finishReason,
		DoneReceived: true,
	}
}

// processLine dispatches one complete SSE line. Empty lines are event
// delimiters, a leading colon marks a comment, and non-data fields
// (event, id, retry) carry nothing we need.
func (o *Observer) processLine(line string) {
	if line == "" || strings.HasPrefix(line, ":") {
		return
	}
	if strings.HasPrefix(line, "event:") ||
		strings.HasPrefix(line, "id:") ||
		strings.HasPrefix(line, "retry:") {
		return
	}
	if data, ok := strings.CutPrefix(line, "data: "); ok {
		o.processData(data)
	} else if data, ok := strings.CutPrefix(line, "data:"); ok {
		o.processData(data)
	}
}

// chunkPayload is the subset of an OpenAI streaming chunk we read.
// Pointer fields distinguish absent from zero.
type chunkPayload struct {
	Choices []struct {
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     *uint64 `json:"prompt_tokens"`
		CompletionTokens *uint64 `json:"completion_tokens"`
	} `json:"usage"`
}

func (o *Observer) processData(data string) {
	data = strings.TrimSpace(data)

	if data == "[DONE]" {
		o.doneReceived = true
		return
	}

	var payload chunkPayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		slog.Warn("unparseable sse data line, skipping", slog.Any("error", err))
		return
	}

	if len(payload.Choices) > 0 && payload.Choices[0].FinishReason != nil {
		o.finishReason = *payload.Choices[0].FinishReason
	}

	if payload.Usage != nil {
		if payload.Usage.PromptTokens != nil && payload.Usage.CompletionTokens != nil {
			o.usage = &Usage{
				PromptTokens:     *payload.Usage.PromptTokens,
				CompletionTokens: *payload.Usage.CompletionTokens,
			}
		} else {
			slog.Warn("usage object missing expected fields")
		}
	}
}
