package store

import (
	"context"
	"fmt"
	"strings"
)

// Aggregate is roll-up statistics over a time range.
type Aggregate struct {
	TotalRequests     int64
	TotalCostSats     float64
	TotalInputTokens  float64
	TotalOutputTokens float64
	AvgLatencyMS      float64
	SuccessCount      int64
	ErrorCount        int64
	StreamingCount    int64
}

// ModelAggregate is the per-model breakdown for group_by=model.
type ModelAggregate struct {
	Model string
	Aggregate
}

// aggregateColumns uses TOTAL() so nullable numeric columns sum to 0
// rather than NULL, and COALESCE for the latency average.
const aggregateColumns = `
	COUNT(*),
	TOTAL(cost_sats),
	TOTAL(input_tokens),
	TOTAL(output_tokens),
	COALESCE(AVG(latency_ms), 0),
	COUNT(CASE WHEN success = 1 THEN 1 END),
	COUNT(CASE WHEN success = 0 THEN 1 END),
	COUNT(CASE WHEN streaming = 1 THEN 1 END)`

// QueryAggregate computes totals for the time range with optional
// model and provider filters.
func (s *Store) QueryAggregate(ctx context.Context, since, until string, model, provider *string) (Aggregate, error) {
	var b strings.Builder
	b.WriteString("SELECT")
	b.WriteString(aggregateColumns)
	b.WriteString(" FROM requests WHERE timestamp >= ? AND timestamp <= ?")
	args := []any{since, until}

	if model != nil {
		b.WriteString(" AND LOWER(model) = LOWER(?)")
		args = append(args, *model)
	}
	if provider != nil {
		b.WriteString(" AND LOWER(provider) = LOWER(?)")
		args = append(args, *provider)
	}

	var a Aggregate
	err := s.db.QueryRowContext(ctx, b.String(), args...).Scan(
		&a.TotalRequests, &a.TotalCostSats, &a.TotalInputTokens, &a.TotalOutputTokens,
		&a.AvgLatencyMS, &a.SuccessCount, &a.ErrorCount, &a.StreamingCount)
	if err != nil {
		return Aggregate{}, fmt.Errorf("aggregate query: %w", err)
	}
	return a, nil
}

// QueryByModel returns one aggregate row per model for the time range,
// with an optional provider filter.
func (s *Store) QueryByModel(ctx context.Context, since, until string, provider *string) ([]ModelAggregate, error) {
	var b strings.Builder
	b.WriteString("SELECT model,")
	b.WriteString(aggregateColumns)
	b.WriteString(" FROM requests WHERE timestamp >= ? AND timestamp <= ?")
	args := []any{since, until}

	if provider != nil {
		b.WriteString(" AND LOWER(provider) = LOWER(?)")
		args = append(args, *provider)
	}
	b.WriteString(" GROUP BY model ORDER BY model")

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("per-model query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ModelAggregate
	for rows.Next() {
		var m ModelAggregate
		if err := rows.Scan(&m.Model,
			&m.TotalRequests, &m.TotalCostSats, &m.TotalInputTokens, &m.TotalOutputTokens,
			&m.AvgLatencyMS, &m.SuccessCount, &m.ErrorCount, &m.StreamingCount); err != nil {
			return nil, fmt.Errorf("scan model aggregate: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
