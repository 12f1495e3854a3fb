package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func strp(s string) *string   { return &s }
func i64p(v int64) *int64     { return &v }
func f64p(v float64) *float64 { return &v }
func boolp(v bool) *bool      { return &v }
func intp(v int) *int         { return &v }

func seed(t *testing.T, s *Store, ts time.Time, model, provider string, success, streaming bool, cost float64, latency int64) string {
	t.Helper()
	id := model + "-" + provider + "-" + ts.Format("150405.000000000")
	require.NoError(t, s.Insert(context.Background(), RequestLog{
		CorrelationID: id,
		Timestamp:     ts,
		Model:         model,
		Provider:      strp(provider),
		Streaming:     streaming,
		InputTokens:   i64p(100),
		OutputTokens:  i64p(50),
		CostSats:      f64p(cost),
		LatencyMS:     latency,
		Success:       success,
	}))
	return id
}

func TestInsertAndQuery(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	seed(t, s, now, "gpt-4o", "alpha", true, false, 10.5, 100)

	f := Filter{
		Since: FormatTime(now.Add(-time.Hour)),
		Until: FormatTime(now.Add(time.Hour)),
	}
	n, err := s.Count(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := s.Query(context.Background(), f, "timestamp", "DESC", 20, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "gpt-4o", rows[0].Model)
	require.NotNil(t, rows[0].Provider)
	assert.Equal(t, "alpha", *rows[0].Provider)
	require.NotNil(t, rows[0].CostSats)
	assert.Equal(t, 10.5, *rows[0].CostSats)
	assert.True(t, rows[0].Success)
	assert.Nil(t, rows[0].ErrorStatus)
}

func TestFiltersAndCaseInsensitivity(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	seed(t, s, now, "gpt-4o", "alpha", true, false, 1, 50)
	seed(t, s, now.Add(time.Second), "llama-3", "beta", false, true, 2, 60)

	f := Filter{
		Since: FormatTime(now.Add(-time.Hour)),
		Until: FormatTime(now.Add(time.Hour)),
		Model: strp("GPT-4O"),
	}
	n, err := s.Count(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	f = Filter{
		Since:     FormatTime(now.Add(-time.Hour)),
		Until:     FormatTime(now.Add(time.Hour)),
		Success:   boolp(false),
		Streaming: boolp(true),
	}
	rows, err := s.Query(context.Background(), f, "timestamp", "ASC", 20, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "llama-3", rows[0].Model)
}

func TestTimeRangeExcludesOldRows(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	seed(t, s, now.Add(-8*24*time.Hour), "gpt-4o", "alpha", true, false, 1, 10)
	seed(t, s, now, "gpt-4o", "alpha", true, false, 1, 10)

	f := Filter{
		Since: FormatTime(now.Add(-7 * 24 * time.Hour)),
		Until: FormatTime(now.Add(time.Hour)),
	}
	n, err := s.Count(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSortAndPagination(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	seed(t, s, now, "m", "p", true, false, 30, 300)
	seed(t, s, now.Add(time.Second), "m", "p", true, false, 10, 100)
	seed(t, s, now.Add(2*time.Second), "m", "p", true, false, 20, 200)

	f := Filter{
		Since: FormatTime(now.Add(-time.Hour)),
		Until: FormatTime(now.Add(time.Hour)),
	}

	rows, err := s.Query(context.Background(), f, "cost_sats", "ASC", 2, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 10.0, *rows[0].CostSats)
	assert.Equal(t, 20.0, *rows[1].CostSats)

	rows, err = s.Query(context.Background(), f, "cost_sats", "ASC", 2, 2)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 30.0, *rows[0].CostSats)
}

func TestSortValidation(t *testing.T) {
	col, err := SortColumn("cost_sats")
	require.NoError(t, err)
	assert.Equal(t, "cost_sats", col)

	_, err = SortColumn("id; DROP TABLE requests")
	require.Error(t, err)

	dir, err := SortDirection("DESC")
	require.NoError(t, err)
	assert.Equal(t, "DESC", dir)

	_, err = SortDirection("sideways")
	require.Error(t, err)
}

func TestStreamCompletionUpdate(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.Insert(context.Background(), RequestLog{
		CorrelationID: "corr-stream-1",
		Timestamp:     now,
		Model:         "gpt-4o",
		Provider:      strp("alpha"),
		Streaming:     true,
		LatencyMS:     42,
		Success:       false,
	}))

	require.NoError(t, s.UpdateStreamCompletion(context.Background(), StreamUpdate{
		CorrelationID:    "corr-stream-1",
		InputTokens:      i64p(10),
		OutputTokens:     i64p(5),
		CostSats:         f64p(0.125),
		StreamDurationMS: 900,
		Success:          true,
	}))

	f := Filter{
		Since: FormatTime(now.Add(-time.Hour)),
		Until: FormatTime(now.Add(time.Hour)),
	}
	rows, err := s.Query(context.Background(), f, "timestamp", "DESC", 20, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Success)
	require.NotNil(t, rows[0].CostSats)
	assert.Equal(t, 0.125, *rows[0].CostSats)
	require.NotNil(t, rows[0].StreamDurationMS)
	assert.Equal(t, int64(900), *rows[0].StreamDurationMS)
}

func TestClientDisconnectRecorded(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	require.NoError(t, s.Insert(context.Background(), RequestLog{
		CorrelationID: "corr-drop",
		Timestamp:     now,
		Model:         "gpt-4o",
		Streaming:     true,
		Success:       false,
	}))

	require.NoError(t, s.UpdateStreamCompletion(context.Background(), StreamUpdate{
		CorrelationID:    "corr-drop",
		StreamDurationMS: 120,
		Success:          false,
		ErrorMessage:     strp("client_disconnected"),
	}))

	f := Filter{
		Since: FormatTime(now.Add(-time.Hour)),
		Until: FormatTime(now.Add(time.Hour)),
	}
	rows, err := s.Query(context.Background(), f, "timestamp", "DESC", 20, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Success)
	require.NotNil(t, rows[0].ErrorMessage)
	assert.Equal(t, "client_disconnected", *rows[0].ErrorMessage)
}

func TestErrorRowStored(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	require.NoError(t, s.Insert(context.Background(), RequestLog{
		CorrelationID: "corr-err",
		Timestamp:     now,
		Model:         "gpt-4o",
		Provider:      strp("alpha"),
		LatencyMS:     77,
		Success:       false,
		ErrorStatus:   intp(503),
		ErrorMessage:  strp("overloaded"),
	}))

	f := Filter{
		Since: FormatTime(now.Add(-time.Hour)),
		Until: FormatTime(now.Add(time.Hour)),
	}
	rows, err := s.Query(context.Background(), f, "timestamp", "DESC", 20, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].ErrorStatus)
	assert.Equal(t, 503, *rows[0].ErrorStatus)
}

func TestAggregate(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	seed(t, s, now, "gpt-4o", "alpha", true, false, 10, 100)
	seed(t, s, now.Add(time.Second), "gpt-4o", "alpha", false, true, 5, 300)
	seed(t, s, now.Add(2*time.Second), "llama-3", "beta", true, true, 2, 200)

	a, err := s.QueryAggregate(context.Background(),
		FormatTime(now.Add(-time.Hour)), FormatTime(now.Add(time.Hour)), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), a.TotalRequests)
	assert.Equal(t, 17.0, a.TotalCostSats)
	assert.Equal(t, int64(2), a.SuccessCount)
	assert.Equal(t, int64(1), a.ErrorCount)
	assert.Equal(t, int64(2), a.StreamingCount)
	assert.InDelta(t, 200.0, a.AvgLatencyMS, 0.001)

	// Provider filter narrows the set.
	a, err = s.QueryAggregate(context.Background(),
		FormatTime(now.Add(-time.Hour)), FormatTime(now.Add(time.Hour)), nil, strp("ALPHA"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), a.TotalRequests)
}

func TestAggregateEmptyRange(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	a, err := s.QueryAggregate(context.Background(),
		FormatTime(now.Add(-time.Hour)), FormatTime(now), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.TotalRequests)
	assert.Equal(t, 0.0, a.TotalCostSats)
	assert.Equal(t, 0.0, a.AvgLatencyMS)
}

func TestGroupByModel(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	seed(t, s, now, "gpt-4o", "alpha", true, false, 10, 100)
	seed(t, s, now.Add(time.Second), "gpt-4o", "beta", true, false, 4, 100)
	seed(t, s, now.Add(2*time.Second), "llama-3", "beta", true, false, 2, 100)

	models, err := s.QueryByModel(context.Background(),
		FormatTime(now.Add(-time.Hour)), FormatTime(now.Add(time.Hour)), nil)
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "gpt-4o", models[0].Model)
	assert.Equal(t, int64(2), models[0].TotalRequests)
	assert.Equal(t, 14.0, models[0].TotalCostSats)
	assert.Equal(t, "llama-3", models[1].Model)
}

func TestExists(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	seed(t, s, now, "gpt-4o", "alpha", true, false, 1, 10)

	ok, err := s.Exists(context.Background(), "model", "GPT-4O")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(context.Background(), "provider", "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Exists(context.Background(), "correlation_id", "x")
	require.NoError(t, err)
	assert.False(t, ok)
}
