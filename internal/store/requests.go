package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// RequestLog is one completed (or attempted) proxy request.
type RequestLog struct {
	CorrelationID    string
	Timestamp        time.Time
	Model            string
	Provider         *string
	Policy           *string
	Streaming        bool
	InputTokens      *int64
	OutputTokens     *int64
	CostSats         *float64
	ProviderCostSats *float64
	LatencyMS        int64
	StreamDurationMS *int64
	Success          bool
	ErrorStatus      *int
	ErrorMessage     *string
}

// Insert writes the log row.
func (s *Store) Insert(ctx context.Context, l RequestLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (
			correlation_id, timestamp, model, provider, policy,
			streaming, input_tokens, output_tokens,
			cost_sats, provider_cost_sats,
			latency_ms, stream_duration_ms, success, error_status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.CorrelationID, FormatTime(l.Timestamp), l.Model, l.Provider, l.Policy,
		l.Streaming, l.InputTokens, l.OutputTokens,
		l.CostSats, l.ProviderCostSats,
		l.LatencyMS, l.StreamDurationMS, l.Success, l.ErrorStatus, l.ErrorMessage)
	if err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	return nil
}

// InsertAsync writes the log row on a background goroutine. Failures
// are logged and dropped; the client's response never waits on, or
// fails because of, the request log.
func (s *Store) InsertAsync(l RequestLog) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Insert(ctx, l); err != nil {
			slog.Warn("request log write failed",
				slog.String("correlation_id", l.CorrelationID),
				slog.Any("error", err))
		}
	}()
}

// StreamUpdate carries what a finished stream learned after the
// response headers were already sent.
type StreamUpdate struct {
	CorrelationID    string
	InputTokens      *int64
	OutputTokens     *int64
	CostSats         *float64
	StreamDurationMS int64
	Success          bool
	ErrorMessage     *string
}

// UpdateStreamCompletion patches the row inserted at dispatch time with
// usage, cost, and the stream outcome.
func (s *Store) UpdateStreamCompletion(ctx context.Context, u StreamUpdate) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE requests SET
			input_tokens = ?,
			output_tokens = ?,
			cost_sats = ?,
			stream_duration_ms = ?,
			success = ?,
			error_message = ?
		WHERE correlation_id = ?`,
		u.InputTokens, u.OutputTokens, u.CostSats,
		u.StreamDurationMS, u.Success, u.ErrorMessage, u.CorrelationID)
	if err != nil {
		return fmt.Errorf("update stream completion: %w", err)
	}
	return nil
}

// UpdateStreamCompletionAsync is the fire-and-forget variant.
func (s *Store) UpdateStreamCompletionAsync(u StreamUpdate) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.UpdateStreamCompletion(ctx, u); err != nil {
			slog.Warn("stream completion update failed",
				slog.String("correlation_id", u.CorrelationID),
				slog.Any("error", err))
		}
	}()
}

// Filter narrows request-log queries. Since and Until are required;
// the rest are optional. String matches are case-insensitive.
type Filter struct {
	Since     string
	Until     string
	Model     *string
	Provider  *string
	Success   *bool
	Streaming *bool
}

// where builds the clause and argument list shared by Count and Query.
func (f Filter) where() (string, []any) {
	var b strings.Builder
	b.WriteString(" WHERE timestamp >= ? AND timestamp <= ?")
	args := []any{f.Since, f.Until}

	if f.Model != nil {
		b.WriteString(" AND LOWER(model) = LOWER(?)")
		args = append(args, *f.Model)
	}
	if f.Provider != nil {
		b.WriteString(" AND LOWER(provider) = LOWER(?)")
		args = append(args, *f.Provider)
	}
	if f.Success != nil {
		b.WriteString(" AND success = ?")
		args = append(args, *f.Success)
	}
	if f.Streaming != nil {
		b.WriteString(" AND streaming = ?")
		args = append(args, *f.Streaming)
	}
	return b.String(), args
}

// Count returns the number of rows matching the filter.
func (s *Store) Count(ctx context.Context, f Filter) (int64, error) {
	where, args := f.where()
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM requests"+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count requests: %w", err)
	}
	return n, nil
}

// LogRow is one stored request as read back for listing.
type LogRow struct {
	ID               int64
	Timestamp        string
	Model            string
	Provider         *string
	Streaming        bool
	InputTokens      *int64
	OutputTokens     *int64
	CostSats         *float64
	LatencyMS        int64
	StreamDurationMS *int64
	Success          bool
	ErrorStatus      *int
	ErrorMessage     *string
}

// SortColumn validates a user-supplied sort field against the
// whitelist, returning the column safe for SQL interpolation.
func SortColumn(field string) (string, error) {
	switch field {
	case "timestamp", "cost_sats", "latency_ms":
		return field, nil
	default:
		return "", fmt.Errorf("invalid sort field %q, valid options: timestamp, cost_sats, latency_ms", field)
	}
}

// SortDirection validates asc/desc (case-insensitive).
func SortDirection(order string) (string, error) {
	switch strings.ToLower(order) {
	case "asc":
		return "ASC", nil
	case "desc":
		return "DESC", nil
	default:
		return "", fmt.Errorf("invalid sort order %q, valid options: asc, desc", order)
	}
}

// Query returns one page of request rows. sortColumn and sortDir must
// come from SortColumn and SortDirection.
func (s *Store) Query(ctx context.Context, f Filter, sortColumn, sortDir string, limit, offset int64) ([]LogRow, error) {
	where, args := f.where()
	q := `SELECT id, timestamp, model, provider, streaming,
			input_tokens, output_tokens, cost_sats,
			latency_ms, stream_duration_ms, success, error_status, error_message
		FROM requests` + where +
		fmt.Sprintf(" ORDER BY %s %s LIMIT ? OFFSET ?", sortColumn, sortDir)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []LogRow
	for rows.Next() {
		var r LogRow
		var provider, errMsg sql.NullString
		var inTok, outTok, streamDur sql.NullInt64
		var cost sql.NullFloat64
		var errStatus sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Model, &provider, &r.Streaming,
			&inTok, &outTok, &cost,
			&r.LatencyMS, &streamDur, &r.Success, &errStatus, &errMsg); err != nil {
			return nil, fmt.Errorf("scan request row: %w", err)
		}
		if provider.Valid {
			r.Provider = &provider.String
		}
		if inTok.Valid {
			r.InputTokens = &inTok.Int64
		}
		if outTok.Valid {
			r.OutputTokens = &outTok.Int64
		}
		if cost.Valid {
			r.CostSats = &cost.Float64
		}
		if streamDur.Valid {
			r.StreamDurationMS = &streamDur.Int64
		}
		if errStatus.Valid {
			v := int(errStatus.Int64)
			r.ErrorStatus = &v
		}
		if errMsg.Valid {
			r.ErrorMessage = &errMsg.String
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Exists reports whether any row has the given value in the model or
// provider column. Other columns are rejected.
func (s *Store) Exists(ctx context.Context, column, value string) (bool, error) {
	var q string
	switch column {
	case "model":
		q = "SELECT COUNT(*) FROM requests WHERE LOWER(model) = LOWER(?)"
	case "provider":
		q = "SELECT COUNT(*) FROM requests WHERE LOWER(provider) = LOWER(?)"
	default:
		return false, nil
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, q, value).Scan(&n); err != nil {
		return false, fmt.Errorf("existence check: %w", err)
	}
	return n > 0, nil
}
