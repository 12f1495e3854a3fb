package httpapi

import (
	"net/http"
	"time"

	"github.com/arbstr/arbstr/internal/store"
)

// statsResponse is the GET /v1/stats body.
type statsResponse struct {
	Since       string             `json:"since"`
	Until       string             `json:"until"`
	Empty       *bool              `json:"empty,omitempty"`
	Message     *string            `json:"message,omitempty"`
	Counts      countsSection      `json:"counts"`
	Costs       costsSection       `json:"costs"`
	Performance performanceSection `json:"performance"`
	Models      []modelStats       `json:"models,omitempty"`
}

type countsSection struct {
	Total     int64 `json:"total"`
	Success   int64 `json:"success"`
	Error     int64 `json:"error"`
	Streaming int64 `json:"streaming"`
}

type costsSection struct {
	TotalCostSats     float64 `json:"total_cost_sats"`
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
}

type performanceSection struct {
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

type modelStats struct {
	Model       string             `json:"model"`
	Counts      countsSection      `json:"counts"`
	Costs       costsSection       `json:"costs"`
	Performance performanceSection `json:"performance"`
}

// StatsHandler serves GET /v1/stats: aggregate counts, costs, and
// latency over a time range, optionally broken down per model.
func StatsHandler(d Dependencies) http.HandlerFunc {
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

		groupBy := q.Get("group_by")
		if groupBy != "" && groupBy != "model" {
			writeError(w, http.StatusBadRequest, "invalid group_by, only 'model' is supported")
			return
		}

		var model, provider *string
		if v := q.Get("model"); v != "" {
			if status, verr := d.validateDimension(r, "model", v); verr != nil {
				writeError(w, status, verr.Error())
				return
			}
			model = &v
		}
		if v := q.Get("provider"); v != "" {
			if status, verr := d.validateDimension(r, "provider", v); verr != nil {
				writeError(w, status, verr.Error())
				return
			}
			provider = &v
		}

		sinceStr := store.FormatTime(since)
		untilStr := store.FormatTime(until)

		agg, err := st.QueryAggregate(r.Context(), sinceStr, untilStr, model, provider)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		resp := statsResponse{
			Since:       sinceStr,
			Until:       untilStr,
			Counts:      countsFrom(agg),
			Costs:       costsFrom(agg),
			Performance: performanceSection{AvgLatencyMS: agg.AvgLatencyMS},
		}

		if agg.TotalRequests == 0 {
			t := true
			msg := "no requests in the selected time range"
			resp.Empty = &t
			resp.Message = &msg
			writeJSON(w, http.StatusOK, resp)
			return
		}

		if groupBy == "model" {
			perModel, err := st.QueryByModel(r.Context(), sinceStr, untilStr, provider)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			for _, m := range perModel {
				resp.Models = append(resp.Models, modelStats{
					Model:       m.Model,
					Counts:      countsFrom(m.Aggregate),
					Costs:       costsFrom(m.Aggregate),
					Performance: performanceSection{AvgLatencyMS: m.AvgLatencyMS},
				})
			}
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func countsFrom(a store.Aggregate) countsSection {
	return countsSection{
		Total:     a.TotalRequests,
		Success:   a.SuccessCount,
		Error:     a.ErrorCount,
		Streaming: a.StreamingCount,
	}
}

func costsFrom(a store.Aggregate) costsSection {
	return costsSection{
		TotalCostSats:     a.TotalCostSats,
		TotalInputTokens:  int64(a.TotalInputTokens),
		TotalOutputTokens: int64(a.TotalOutputTokens),
	}
}
