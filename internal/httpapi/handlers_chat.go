package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/arbstr/arbstr/internal/circuitbreaker"
	"github.com/arbstr/arbstr/internal/proxy"
	"github.com/arbstr/arbstr/internal/retry"
	"github.com/arbstr/arbstr/internal/router"
	"github.com/arbstr/arbstr/internal/sse"
	"github.com/arbstr/arbstr/internal/store"
	"github.com/arbstr/arbstr/internal/upstream"
)

// requestDeadline bounds a non-streaming request end to end, retries
// included. Var so tests can shorten it.
var requestDeadline = 30 * time.Second

// ChatCompletionsHandler serves POST /v1/chat/completions: route to the
// cheapest permitted provider, dispatch with retry and fallback, and
// annotate the response with x-arbstr-* metadata headers.
func ChatCompletionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		correlationID := uuid.NewString()
		w.Header().Set("x-arbstr-request-id", correlationID)

		var req proxy.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if req.Model == "" {
			writeError(w, http.StatusBadRequest, "model is required")
			return
		}
		if len(req.Messages) == 0 {
			writeError(w, http.StatusBadRequest, "messages is required")
			return
		}

		policyHint := r.Header.Get("x-arbstr-policy")
		candidates, policyName, err := d.Engine.SelectCandidates(req.Model, policyHint, req.UserPrompt())
		if err != nil {
			d.logPreRouteFailure(correlationID, req, policyName, start, http.StatusBadRequest, err.Error())
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		// Drop candidates whose circuit is open and still cooling down.
		// Open-past-cooldown stays in: the dispatch permit check turns
		// it into a probe.
		available := make([]router.Candidate, 0, len(candidates))
		for _, c := range candidates {
			if !d.Breakers.Rejecting(c.Name) {
				available = append(available, c)
			}
		}
		if len(available) == 0 {
			msg := fmt.Sprintf("all provider circuits are open for model %q", req.Model)
			d.logPreRouteFailure(correlationID, req, policyName, start, http.StatusServiceUnavailable, msg)
			writeError(w, http.StatusServiceUnavailable, msg)
			return
		}

		if req.IsStreaming() {
			d.serveStreaming(w, r, &req, available[0], policyName, correlationID, start)
			return
		}
		d.serveBuffered(w, r, &req, available, policyName, correlationID, start)
	}
}

// serveBuffered is the non-streaming path: retry on the cheapest
// candidate, one fallback attempt on the next, 30s hard deadline.
func (d Dependencies) serveBuffered(w http.ResponseWriter, r *http.Request, req *proxy.ChatCompletionRequest,
	available []router.Candidate, policyName, correlationID string, start time.Time) {

	ctx, cancel := context.WithTimeout(r.Context(), requestDeadline)
	defer cancel()

	byName := make(map[string]router.Candidate, len(available))
	names := make([]string, 0, len(available))
	for _, c := range available {
		byName[c.Name] = c
		names = append(names, c.Name)
	}

	attempts := retry.NewLog()

	type outcome struct {
		body     []byte
		provider string
	}
	res, err := retry.WithFallback(ctx, names, attempts, func(ctx context.Context, name string) (*outcome, error) {
		cand := byName[name]
		body, derr := d.dispatchOnce(ctx, cand, req, correlationID)
		if derr != nil {
			return nil, derr
		}
		return &outcome{body: body, provider: name}, nil
	})

	latencyMS := time.Since(start).Milliseconds()
	setRetriesHeader(w, attempts)

	if err != nil {
		status, msg := errorStatus(ctx, err)
		cand := lastAttemptedCandidate(attempts, byName, available[0])
		w.Header().Set("x-arbstr-provider", cand.Name)
		d.recordRequest(store.RequestLog{
			CorrelationID: correlationID,
			Timestamp:     start,
			Model:         req.Model,
			Provider:      &cand.Name,
			Policy:        optional(policyName),
			LatencyMS:     latencyMS,
			ErrorStatus:   &status,
			ErrorMessage:  &msg,
		})
		d.observe(req.Model, cand.Name, status, false, latencyMS, 0, attempts)
		writeError(w, status, msg)
		return
	}

	cand := byName[res.provider]

	var parsed map[string]json.RawMessage
	if uerr := json.Unmarshal(res.body, &parsed); uerr != nil {
		status := http.StatusBadGateway
		msg := fmt.Sprintf("failed to parse response from %q: %v", res.provider, uerr)
		d.recordRequest(store.RequestLog{
			CorrelationID: correlationID,
			Timestamp:     start,
			Model:         req.Model,
			Provider:      &res.provider,
			Policy:        optional(policyName),
			LatencyMS:     latencyMS,
			ErrorStatus:   &status,
			ErrorMessage:  &msg,
		})
		d.observe(req.Model, res.provider, status, false, latencyMS, 0, attempts)
		writeError(w, status, msg)
		return
	}
	providerJSON, _ := json.Marshal(res.provider)
	parsed["arbstr_provider"] = providerJSON

	var usageEnv struct {
		Usage *proxy.Usage `json:"usage"`
	}
	_ = json.Unmarshal(res.body, &usageEnv)

	log := store.RequestLog{
		CorrelationID: correlationID,
		Timestamp:     start,
		Model:         req.Model,
		Provider:      &res.provider,
		Policy:        optional(policyName),
		LatencyMS:     latencyMS,
		Success:       true,
	}

	w.Header().Set("x-arbstr-provider", res.provider)
	w.Header().Set("x-arbstr-latency-ms", strconv.FormatInt(latencyMS, 10))

	var costSats float64
	if u := usageEnv.Usage; u != nil {
		costSats = router.ActualCost(u.PromptTokens, u.CompletionTokens,
			cand.InputRate, cand.OutputRate, cand.BaseFee)
		w.Header().Set("x-arbstr-cost-sats", fmt.Sprintf("%.2f", costSats))
		in := int64(u.PromptTokens)
		out := int64(u.CompletionTokens)
		log.InputTokens = &in
		log.OutputTokens = &out
		log.CostSats = &costSats
	}

	d.recordRequest(log)
	d.observe(req.Model, res.provider, http.StatusOK, false, latencyMS, costSats, attempts)
	writeJSON(w, http.StatusOK, parsed)
}

// serveStreaming dispatches a single attempt to the cheapest candidate
// and tees the SSE bytes through a usage observer. Metadata headers go
// out before the first byte, so cost and latency are unknown to the
// client; the log row is patched when the stream ends.
func (d Dependencies) serveStreaming(w http.ResponseWriter, r *http.Request, req *proxy.ChatCompletionRequest,
	cand router.Candidate, policyName, correlationID string, start time.Time) {

	proxy.EnsureStreamOptions(req)

	permit, err := d.Breakers.Acquire(r.Context(), cand.Name)
	if err != nil {
		status, msg := errorStatus(r.Context(), err)
		d.logPreRouteFailure(correlationID, *req, policyName, start, status, msg)
		writeError(w, status, msg)
		return
	}
	defer permit.Release()

	body, err := d.Upstream.Stream(r.Context(), upstream.Target{
		Name: cand.Name, URL: cand.URL, APIKey: cand.APIKey,
	}, req, correlationID)
	if err != nil {
		resolvePermit(permit, err)
		status, msg := errorStatus(r.Context(), err)
		latencyMS := time.Since(start).Milliseconds()
		d.recordRequest(store.RequestLog{
			CorrelationID: correlationID,
			Timestamp:     start,
			Model:         req.Model,
			Provider:      &cand.Name,
			Policy:        optional(policyName),
			Streaming:     true,
			LatencyMS:     latencyMS,
			ErrorStatus:   &status,
			ErrorMessage:  &msg,
		})
		d.observe(req.Model, cand.Name, status, true, latencyMS, 0, nil)
		writeError(w, status, msg)
		return
	}
	permit.Success()

	latencyMS := time.Since(start).Milliseconds()
	d.recordRequest(store.RequestLog{
		CorrelationID: correlationID,
		Timestamp:     start,
		Model:         req.Model,
		Provider:      &cand.Name,
		Policy:        optional(policyName),
		Streaming:     true,
		LatencyMS:     latencyMS,
		Success:       true,
	})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("x-arbstr-provider", cand.Name)
	w.Header().Set("x-arbstr-streaming", "true")
	w.WriteHeader(http.StatusOK)

	var result sse.Result
	reader := sse.NewObservedReader(body, func(res sse.Result) { result = res })

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	var readErr, writeErr error
	for {
		n, rerr := reader.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				writeErr = werr
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				readErr = rerr
			}
			break
		}
	}
	// Close populates the observer result even when the loop broke
	// early, so the update below always sees what was collected.
	_ = reader.Close()

	update := store.StreamUpdate{
		CorrelationID:    correlationID,
		StreamDurationMS: time.Since(start).Milliseconds(),
	}
	var costSats float64
	if u := result.Usage; u != nil {
		in := int64(u.PromptTokens)
		out := int64(u.CompletionTokens)
		update.InputTokens = &in
		update.OutputTokens = &out
		costSats = router.ActualCost(u.PromptTokens, u.CompletionTokens,
			cand.InputRate, cand.OutputRate, cand.BaseFee)
		update.CostSats = &costSats
	}

	status := http.StatusOK
	switch {
	case writeErr != nil:
		update.ErrorMessage = optional("client_disconnected")
		slog.Warn("stream write aborted",
			slog.String("correlation_id", correlationID),
			slog.Any("error", writeErr))
	case readErr != nil:
		update.ErrorMessage = optional("stream_aborted: " + readErr.Error())
		status = http.StatusBadGateway
	case !result.DoneReceived:
		update.ErrorMessage = optional("stream_aborted: ended without [DONE]")
	default:
		update.Success = true
	}

	if d.logEnabled() {
		d.Store.UpdateStreamCompletionAsync(update)
	}
	d.observe(req.Model, cand.Name, status, true, latencyMS, costSats, nil)
}

// dispatchOnce performs one permit-guarded upstream call. Circuit
// accounting: 5xx and transport failures count against the breaker, a
// 4xx means the provider answered and resolves the permit as healthy.
func (d Dependencies) dispatchOnce(ctx context.Context, cand router.Candidate,
	req *proxy.ChatCompletionRequest, correlationID string) ([]byte, error) {

	permit, err := d.Breakers.Acquire(ctx, cand.Name)
	if err != nil {
		var oe *circuitbreaker.OpenError
		if errors.As(err, &oe) {
			// Circuit tripped after candidate selection; surface as a
			// retryable 503 so the controller moves on.
			return nil, &upstream.StatusError{StatusCode: http.StatusServiceUnavailable, Body: oe.Error()}
		}
		return nil, err
	}
	defer permit.Release()

	body, err := d.Upstream.Do(ctx, upstream.Target{
		Name: cand.Name, URL: cand.URL, APIKey: cand.APIKey,
	}, req, correlationID)
	if err != nil {
		resolvePermit(permit, err)
		return nil, err
	}
	permit.Success()
	return body, nil
}

// resolvePermit maps a dispatch error onto the circuit breaker permit.
func resolvePermit(permit *circuitbreaker.Permit, err error) {
	var se *upstream.StatusError
	switch {
	case errors.As(err, &se) && se.StatusCode < 500:
		// The provider is up; client-class errors are not circuit
		// failures and must not abort a recovery probe.
		permit.Success()
	case errors.As(err, &se):
		permit.Failure("http_status", fmt.Sprintf("upstream returned %d", se.StatusCode))
	default:
		permit.Failure("transport", err.Error())
	}
}

// errorStatus maps a terminal dispatch error to an HTTP status and
// message for the error envelope.
func errorStatus(ctx context.Context, err error) (int, string) {
	if errors.Is(err, context.DeadlineExceeded) || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
		return http.StatusGatewayTimeout, "request deadline exceeded"
	}
	var se *upstream.StatusError
	if errors.As(err, &se) {
		return se.StatusCode, se.Body
	}
	var oe *circuitbreaker.OpenError
	if errors.As(err, &oe) {
		return http.StatusServiceUnavailable, oe.Error()
	}
	return http.StatusBadGateway, err.Error()
}

func setRetriesHeader(w http.ResponseWriter, attempts *retry.Log) {
	if v, ok := attempts.Header(); ok {
		w.Header().Set("x-arbstr-retries", v)
	}
}

// lastAttemptedCandidate names the provider a terminal failure is
// attributed to: the last one that recorded an attempt.
func lastAttemptedCandidate(attempts *retry.Log, byName map[string]router.Candidate, first router.Candidate) router.Candidate {
	recorded := attempts.Attempts()
	if len(recorded) == 0 {
		return first
	}
	if c, ok := byName[recorded[len(recorded)-1].Provider]; ok {
		return c
	}
	return first
}

func (d Dependencies) logPreRouteFailure(correlationID string, req proxy.ChatCompletionRequest,
	policyName string, start time.Time, status int, msg string) {
	d.recordRequest(store.RequestLog{
		CorrelationID: correlationID,
		Timestamp:     start,
		Model:         req.Model,
		Policy:        optional(policyName),
		Streaming:     req.IsStreaming(),
		LatencyMS:     time.Since(start).Milliseconds(),
		ErrorStatus:   &status,
		ErrorMessage:  &msg,
	})
}

func (d Dependencies) recordRequest(l store.RequestLog) {
	if !d.logEnabled() {
		return
	}
	d.Store.InsertAsync(l)
}

// observe feeds the prometheus collectors; nil-safe for tests that run
// handlers without a metrics registry.
func (d Dependencies) observe(model, provider string, status int, streaming bool,
	latencyMS int64, costSats float64, attempts *retry.Log) {
	if d.Metrics == nil {
		return
	}
	d.Metrics.RequestsTotal.WithLabelValues(model, provider,
		strconv.Itoa(status), strconv.FormatBool(streaming)).Inc()
	d.Metrics.RequestLatency.WithLabelValues(model, provider).Observe(float64(latencyMS))
	if costSats > 0 {
		d.Metrics.CostSats.WithLabelValues(model, provider).Add(costSats)
	}
	if attempts != nil {
		for _, a := range attempts.Attempts() {
			d.Metrics.RetriesTotal.WithLabelValues(a.Provider).Inc()
		}
	}
}

// optional maps "" to nil for nullable columns.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
