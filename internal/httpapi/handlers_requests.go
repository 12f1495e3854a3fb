package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/arbstr/arbstr/internal/store"
)

// logsResponse is the paginated GET /v1/requests body.
type logsResponse struct {
	Data       []logEntry `json:"data"`
	Page       int64      `json:"page"`
	PerPage    int64      `json:"per_page"`
	Total      int64      `json:"total"`
	TotalPages int64      `json:"total_pages"`
	Since      string     `json:"since"`
	Until      string     `json:"until"`
}

// logEntry is one stored request with nested sections.
type logEntry struct {
	ID        int64         `json:"id"`
	Timestamp string        `json:"timestamp"`
	Model     string        `json:"model"`
	Provider  *string       `json:"provider,omitempty"`
	Streaming bool          `json:"streaming"`
	Success   bool          `json:"success"`
	Tokens    tokensSection `json:"tokens"`
	Cost      costSection   `json:"cost"`
	Timing    timingSection `json:"timing"`
	Error     *errorSection `json:"error,omitempty"`
}

type tokensSection struct {
	Input  *int64 `json:"input"`
	Output *int64 `json:"output"`
}

type costSection struct {
	Sats *float64 `json:"sats"`
}

type timingSection struct {
	LatencyMS        int64  `json:"latency_ms"`
	StreamDurationMS *int64 `json:"stream_duration_ms,omitempty"`
}

type errorSection struct {
	Status  *int    `json:"status"`
	Message *string `json:"message"`
}

// RequestsHandler serves GET /v1/requests: the paginated request log
// with model/provider/success/streaming filters and whitelisted sort.
func RequestsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := d.requireStore(w)
		if st == nil {
			return
		}
		q := r.URL.Query()

		since, until, err := resolveTimeRange(q.Get("range"), q.Get("since"), q.Get("until"), time.Now())
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		filter := store.Filter{
			Since: store.FormatTime(since),
			Until: store.FormatTime(until),
		}
		if v := q.Get("model"); v != "" {
			if status, verr := d.validateDimension(r, "model", v); verr != nil {
				writeError(w, status, verr.Error())
				return
			}
			filter.Model = &v
		}
		if v := q.Get("provider"); v != "" {
			if status, verr := d.validateDimension(r, "provider", v); verr != nil {
				writeError(w, status, verr.Error())
				return
			}
			filter.Provider = &v
		}
		if v := q.Get("success"); v != "" {
			b, perr := strconv.ParseBool(v)
			if perr != nil {
				writeError(w, http.StatusBadRequest, "invalid 'success' value, expected true or false")
				return
			}
			filter.Success = &b
		}
		if v := q.Get("streaming"); v != "" {
			b, perr := strconv.ParseBool(v)
			if perr != nil {
				writeError(w, http.StatusBadRequest, "invalid 'streaming' value, expected true or false")
				return
			}
			filter.Streaming = &b
		}

		sortColumn := "timestamp"
		if v := q.Get("sort"); v != "" {
			sortColumn, err = store.SortColumn(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		sortDir := "DESC"
		if v := q.Get("order"); v != "" {
			sortDir, err = store.SortDirection(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}

		page := parseIntDefault(q.Get("page"), 1)
		if page < 1 {
			page = 1
		}
		perPage := parseIntDefault(q.Get("per_page"), 20)
		if perPage < 1 {
			perPage = 1
		}
		if perPage > 100 {
			perPage = 100
		}

		total, err := st.Count(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		var totalPages int64
		if total > 0 {
			totalPages = (total + perPage - 1) / perPage
		}
		offset := (page - 1) * perPage

		rows, err := st.Query(r.Context(), filter, sortColumn, sortDir, perPage, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		data := make([]logEntry, 0, len(rows))
		for _, row := range rows {
			entry := logEntry{
				ID:        row.ID,
				Timestamp: row.Timestamp,
				Model:     row.Model,
				Provider:  row.Provider,
				Streaming: row.Streaming,
				Success:   row.Success,
				Tokens:    tokensSection{Input: row.InputTokens, Output: row.OutputTokens},
				Cost:      costSection{Sats: row.CostSats},
				Timing: timingSection{
					LatencyMS:        row.LatencyMS,
					StreamDurationMS: row.StreamDurationMS,
				},
			}
			if row.ErrorStatus != nil || row.ErrorMessage != nil {
				entry.Error = &errorSection{Status: row.ErrorStatus, Message: row.ErrorMessage}
			}
			data = append(data, entry)
		}

		writeJSON(w, http.StatusOK, logsResponse{
			Data:       data,
			Page:       page,
			PerPage:    perPage,
			Total:      total,
			TotalPages: totalPages,
			Since:      filter.Since,
			Until:      filter.Until,
		})
	}
}

func parseIntDefault(s string, def int64) int64 {
	if s == "" {
		return def
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}
