package httpapi

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"

	"cadence/engine/backpressure"
	"cadence/engine/models"
)

// Load-header contract: every non-streaming response carries the four
// mandatory headers, computed deterministically from one controller
// snapshot taken per request.

const (
	headerLoadLevel   = "X-System-Load-Level"
	headerLoadScore   = "X-System-Load-Score"
	headerAction      = "X-Recommended-Action"
	headerSuggestRate = "X-Suggested-Rate-Limit"
	headerSuggestBatch = "X-Suggested-Batch-Size"
)

// loadLevel maps the degradation level onto the user-facing scale.
func loadLevel(snap backpressure.Snapshot) string {
	switch snap.Level {
	case models.LevelNone:
		return "optimal"
	case models.LevelLow:
		if snap.QueueLen < 500 {
			return "optimal"
		}
		return "busy"
	case models.LevelMedium:
		return "busy"
	case models.LevelHigh:
		return "stressed"
	default:
		return "critical"
	}
}

// loadScore is the arithmetic mean of (1 - r_i), scaled to [0, 100];
// higher is better.
func loadScore(snap backpressure.Snapshot) int {
	if len(snap.Ratios) == 0 {
		return 100
	}
	var sum float64
	for _, r := range snap.Ratios {
		sum += 1 - r
	}
	score := int(math.Round(100 * sum / float64(len(snap.Ratios))))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func recommendedAction(snap backpressure.Snapshot) string {
	switch snap.Level {
	case models.LevelNone, models.LevelLow:
		return "continue"
	case models.LevelMedium:
		return "slow_down"
	case models.LevelHigh:
		return "reduce_load"
	default:
		return "try_later"
	}
}

// Status surfaces stay reachable at critical load so operators can
// observe the constraint instead of being locked out of it.
var statusPrefixes = []string{
	"/health", "/healthz", "/readyz", "/stats", "/streams",
	"/strategy", "/slo", "/scheduler", "/metrics/prometheus",
}

func isStatusPath(path string) bool {
	for _, p := range statusPrefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// LoadHeaders returns the middleware writing the header contract and the
// 503 gate: at critical level, non-status endpoints are refused with a
// retry hint.
func LoadHeaders(controller *backpressure.Controller) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			snap := controller.Metrics()
			action := recommendedAction(snap)
			w.Header().Set(headerLoadLevel, loadLevel(snap))
			w.Header().Set(headerLoadScore, strconv.Itoa(loadScore(snap)))
			w.Header().Set(headerAction, action)
			w.Header().Set(headerSuggestRate, strconv.Itoa(int(snap.MaxPublishRate*snap.SamplingRate)))
			w.Header().Set(headerSuggestBatch, strconv.Itoa(snap.BatchSize))
			if action == "try_later" {
				w.Header().Set("Retry-After", "30")
				if !isStatusPath(r.URL.Path) {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusServiceUnavailable)
					_ = json.NewEncoder(w).Encode(map[string]any{
						"error":      "system under critical load",
						"retryAfter": 30,
						"message":    "the control plane is shedding load; retry after the indicated delay",
					})
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
