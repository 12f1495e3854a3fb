package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/arbstr/arbstr/internal/store"
)

// rangePresets map the ?range= keyword to its lookback window.
var rangePresets = map[string]time.Duration{
	"last_1h":  time.Hour,
	"last_24h": 24 * time.Hour,
	"last_7d":  7 * 24 * time.Hour,
	"last_30d": 30 * 24 * time.Hour,
}

const defaultRange = "last_7d"

// resolveTimeRange resolves ?range/?since/?until into concrete bounds.
// Explicit since/until override the preset; the default window is the
// last seven days ending now.
func resolveTimeRange(rangeParam, sinceParam, untilParam string, now time.Time) (since, until time.Time, err error) {
	if sinceParam != "" {
		since, err = time.Parse(time.RFC3339, sinceParam)
		if err != nil {
			return since, until, fmt.Errorf("invalid 'since' timestamp: %v", err)
		}
	} else if rangeParam != "" {
		d, ok := rangePresets[rangeParam]
		if !ok {
			return since, until, fmt.Errorf(
				"invalid range %q. Supported: last_1h, last_24h, last_7d, last_30d", rangeParam)
		}
		since = now.Add(-d)
	} else {
		since = now.Add(-rangePresets[defaultRange])
	}

	if untilParam != "" {
		until, err = time.Parse(time.RFC3339, untilParam)
		if err != nil {
			return since, until, fmt.Errorf("invalid 'until' timestamp: %v", err)
		}
	} else {
		until = now
	}
	return since, until, nil
}

// validateDimension checks a model/provider filter against the config
// first and the database second; a value known to neither is a 404.
func (d Dependencies) validateDimension(r *http.Request, column, value string) (int, error) {
	var inConfig bool
	for _, p := range d.Engine.Providers() {
		switch column {
		case "model":
			for _, m := range p.Models {
				if strings.EqualFold(m, value) {
					inConfig = true
				}
			}
		case "provider":
			if strings.EqualFold(p.Name, value) {
				inConfig = true
			}
		}
	}
	if inConfig {
		return 0, nil
	}
	inDB, err := d.Store.Exists(r.Context(), column, value)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	if !inDB {
		return http.StatusNotFound, fmt.Errorf("%s %q not found", column, value)
	}
	return 0, nil
}

// requireStore guards the analytics endpoints, which are meaningless
// without persistence.
func (d Dependencies) requireStore(w http.ResponseWriter) *store.Store {
	if d.Store == nil {
		writeError(w, http.StatusInternalServerError, "database not configured")
		return nil
	}
	return d.Store
}
