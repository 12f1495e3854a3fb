// Package upstream dispatches chat-completion requests to provider
// APIs. Transport failures are normalized to a synthetic 502 so the
// retry controller and circuit breaker treat an unreachable provider
// the same as one returning Bad Gateway.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/arbstr/arbstr/internal/config"
	"github.com/arbstr/arbstr/internal/tracing"
)

const (
	connectTimeout        = 10 * time.Second
	responseHeaderTimeout = 120 * time.Second
)

// StatusError captures a non-success HTTP status from a provider.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus lets the retry controller classify the error.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// Target identifies one provider endpoint for a dispatch.
type Target struct {
	Name   string
	URL    string
	APIKey *config.Secret
}

// Client sends requests to provider chat-completion endpoints.
type Client struct {
	http *http.Client
}

// NewClient builds a Client with a bounded connect timeout and a
// response-header timeout. There is no whole-request timeout: streamed
// bodies may legitimately flow for minutes and are bounded by the
// request context instead. The transport is otel-instrumented so
// outgoing calls carry trace context headers.
func NewClient() *Client {
	return &Client{
		http: &http.Client{
			Transport: tracing.HTTPTransport(&http.Transport{
				DialContext: (&net.Dialer{
					Timeout: connectTimeout,
				}).DialContext,
				ResponseHeaderTimeout: responseHeaderTimeout,
				MaxIdleConnsPerHost:   8,
			}),
		},
	}
}

// NewClientWithHTTP injects an http.Client; tests use httptest servers.
func NewClientWithHTTP(h *http.Client) *Client {
	return &Client{http: h}
}

// Do sends a non-streaming chat-completion request and returns the
// response body bytes. Non-200 statuses become *StatusError; transport
// failures become a synthetic 502 *StatusError.
func (c *Client) Do(ctx context.Context, target Target, payload any, correlationID string) ([]byte, error) {
	ctx, span := otel.Tracer("arbstr.upstream").Start(ctx, "provider.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("arbstr.provider", target.Name),
			attribute.String("http.url", target.URL),
		),
	)
	defer span.End()

	resp, err := c.send(ctx, target, payload, correlationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read response failed")
		return nil, &StatusError{StatusCode: http.StatusBadGateway, Body: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		se := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		span.RecordError(se)
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
		return nil, se
	}

	span.SetStatus(codes.Ok, "")
	return body, nil
}

// Stream sends a streaming chat-completion request and returns the raw
// response body for SSE passthrough. The caller must close it; the
// dispatch span ends when the body is closed.
func (c *Client) Stream(ctx context.Context, target Target, payload any, correlationID string) (io.ReadCloser, error) {
	ctx, span := otel.Tracer("arbstr.upstream").Start(ctx, "provider.stream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("arbstr.provider", target.Name),
			attribute.String("http.url", target.URL),
		),
	)

	resp, err := c.send(ctx, target, payload, correlationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		span.End()
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		_ = resp.Body.Close()
		se := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		if readErr != nil {
			se.Body = readErr.Error()
		}
		span.RecordError(se)
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
		span.End()
		return nil, se
	}

	span.SetStatus(codes.Ok, "")
	return &spanCloser{ReadCloser: resp.Body, span: span}, nil
}

// send builds and executes the POST, normalizing transport errors.
func (c *Client) send(ctx context.Context, target Target, payload any, correlationID string) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		target.URL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if correlationID != "" {
		req.Header.Set("Idempotency-Key", correlationID)
	}
	if target.APIKey != nil {
		req.Header.Set("Authorization", "Bearer "+target.APIKey.Expose())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Context expiry is surfaced as-is so the handler can map it to
		// 504; everything else is an unreachable provider.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &StatusError{StatusCode: http.StatusBadGateway, Body: err.Error()}
	}
	return resp, nil
}

// spanCloser ends the dispatch span when the streamed body is closed.
type spanCloser struct {
	io.ReadCloser
	span trace.Span
}

func (sc *spanCloser) Close() error {
	err := sc.ReadCloser.Close()
	sc.span.End()
	return err
}
