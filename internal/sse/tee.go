package sse

import (
	"io"
	"log/slog"
	"sync"
)

// ObservedReader wraps an upstream response body, forwarding bytes to
// the caller unchanged while feeding a copy to an Observer. The result
// callback fires exactly once when the stream ends, errors, or is
// closed early by a client disconnect, so the request log can be
// updated with whatever was collected.
type ObservedReader struct {
	rc       io.ReadCloser
	obs      *Observer
	onResult func(Result)
	once     sync.Once
}

// NewObservedReader wraps rc. onResult may be nil.
func NewObservedReader(rc io.ReadCloser, onResult func(Result)) *ObservedReader {
	return &ObservedReader{
		rc:       rc,
		obs:      NewObserver(),
		onResult: onResult,
	}
}

// Read passes bytes through to p. Observation failures never disturb
// the client's stream: a panic inside extraction is logged and the
// bytes are forwarded anyway.
func (t *ObservedReader) Read(p []byte) (int, error) {
	n, err := t.rc.Read(p)
	if n > 0 {
		t.observe(p[:n])
	}
	if err != nil {
		// EOF or transport error: the stream is over either way.
		t.finish()
	}
	return n, err
}

// Close finalizes the result if the stream is being abandoned before
// EOF, then closes the underlying body.
func (t *ObservedReader) Close() error {
	t.finish()
	return t.rc.Close()
}

func (t *ObservedReader) observe(p []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in sse observer, continuing passthrough",
				slog.Any("panic", r))
		}
	}()
	t.obs.ProcessChunk(p)
}

func (t *ObservedReader) finish() {
	t.once.Do(func() {
		res := t.obs.Finish()
		if t.onResult != nil {
			t.onResult(res)
		}
	})
}
