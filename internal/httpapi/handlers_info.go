package httpapi

import (
	"net/http"

	"github.com/arbstr/arbstr/internal/circuitbreaker"
)

// ModelsHandler serves GET /v1/models: the union of all configured
// provider models in the OpenAI list shape. Wildcard providers (empty
// model list) advertise nothing concrete and contribute no entries.
func ModelsHandler(d Dependencies) http.HandlerFunc {
	type modelObj struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		seen := make(map[string]struct{})
		data := make([]modelObj, 0)
		for _, p := range d.Engine.Providers() {
			for _, m := range p.Models {
				if _, ok := seen[m]; ok {
					continue
				}
				seen[m] = struct{}{}
				data = append(data, modelObj{ID: m, Object: "model", OwnedBy: "arbstr"})
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data":   data,
		})
	}
}

// ProvidersHandler serves GET /providers: the arbstr-native provider
// listing with rate fields and a masked credential prefix.
func ProvidersHandler(d Dependencies) http.HandlerFunc {
	type providerObj struct {
		Name                string   `json:"name"`
		Models              []string `json:"models"`
		InputRateSatsPer1k  uint64   `json:"input_rate_sats_per_1k"`
		OutputRateSatsPer1k uint64   `json:"output_rate_sats_per_1k"`
		BaseFeeSats         uint64   `json:"base_fee_sats"`
		APIKey              string   `json:"api_key,omitempty"`
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		providers := make([]providerObj, 0)
		for _, p := range d.Engine.Providers() {
			models := p.Models
			if models == nil {
				models = []string{}
			}
			providers = append(providers, providerObj{
				Name:                p.Name,
				Models:              models,
				InputRateSatsPer1k:  p.InputRate,
				OutputRateSatsPer1k: p.OutputRate,
				BaseFeeSats:         p.BaseFee,
				APIKey:              p.APIKey.Masked(),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
	}
}

// HealthHandler serves GET /health with a circuit snapshot per
// provider. 503 only when every circuit is Open; Half-Open means the
// provider is recovering, so a mix of Open and Half-Open is degraded.
func HealthHandler(d Dependencies) http.HandlerFunc {
	type circuitObj struct {
		State        string `json:"state"`
		FailureCount int    `json:"failure_count"`
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		snaps := d.Breakers.Snapshots()

		circuits := make(map[string]circuitObj, len(snaps))
		var closed, open int
		for name, s := range snaps {
			circuits[name] = circuitObj{
				State:        s.State.String(),
				FailureCount: s.FailureCount,
			}
			switch s.State {
			case circuitbreaker.Closed:
				closed++
			case circuitbreaker.Open:
				open++
			}
		}

		status := "ok"
		code := http.StatusOK
		switch {
		case len(snaps) == 0 || closed == len(snaps):
		case open == len(snaps):
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		default:
			status = "degraded"
		}

		writeJSON(w, code, map[string]any{
			"status":   status,
			"circuits": circuits,
		})
	}
}
