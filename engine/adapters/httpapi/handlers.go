package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"cadence/engine/models"
	telemetryhealth "cadence/engine/telemetry/health"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses: validation 400,
// capacity 429 with Retry-After, policy drops are acknowledged with the
// drop reason (the message is gone, retrying is wrong), everything else
// 500.
func writeError(w http.ResponseWriter, err error) {
	var ce *models.Error
	if errors.As(err, &ce) {
		switch ce.Kind {
		case models.KindValidation:
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": ce.Error()})
			return
		case models.KindCapacity:
			retry := ce.RetryAfter
			if retry <= 0 {
				retry = 30 * time.Second
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": ce.Error(), "retryAfter": int(retry.Seconds())})
			return
		case models.KindPolicy:
			writeJSON(w, http.StatusAccepted, map[string]any{"accepted": false, "dropped": true, "reason": ce.Error()})
			return
		}
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var ev models.MetricEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json: " + err.Error()})
		return
	}
	s.publishEvent(w, r, ev)
}

func (s *Server) publishEvent(w http.ResponseWriter, r *http.Request, ev models.MetricEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	subject := ev.Subject()
	if err := s.eng.Controller().Publish(r.Context(), subject, payload, ev.ID, ev.Priority); err != nil {
		if errors.Is(err, models.ErrDuplicateID) {
			// Dedup suppression is success for producers.
			writeJSON(w, http.StatusAccepted, map[string]any{"id": ev.ID, "subject": subject, "duplicate": true})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": ev.ID, "subject": subject})
}

type batchGroup struct {
	Accepted int      `json:"accepted"`
	Dropped  int      `json:"dropped"`
	Errors   []string `json:"errors,omitempty"`
}

func (s *Server) handleBatchPublish(w http.ResponseWriter, r *http.Request) {
	var events []models.MetricEvent
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json: " + err.Error()})
		return
	}
	if len(events) > s.maxBatch {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "batch exceeds limit", "maxBatchSize": s.maxBatch})
		return
	}
	groups := make(map[string]*batchGroup)
	total := 0
	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}
		subject := ev.Subject()
		g := groups[subject]
		if g == nil {
			g = &batchGroup{}
			groups[subject] = g
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			g.Dropped++
			g.Errors = append(g.Errors, err.Error())
			continue
		}
		if err := s.eng.Controller().Publish(r.Context(), subject, payload, ev.ID, ev.Priority); err != nil && !errors.Is(err, models.ErrDuplicateID) {
			g.Dropped++
			g.Errors = append(g.Errors, err.Error())
			continue
		}
		g.Accepted++
		total++
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"totalAccepted": total, "subjects": groups})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	transformer, ok := s.transformers[source]
	if !ok {
		transformer = genericTransformer(source)
	}
	evs, err := transformer(payload, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	accepted := 0
	for _, ev := range evs {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := s.eng.Controller().Publish(r.Context(), ev.Subject(), data, ev.ID, ev.Priority); err == nil || errors.Is(err, models.ErrDuplicateID) {
			accepted++
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"source": source, "received": len(evs), "accepted": accepted})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.eng.HealthSnapshot(r.Context())
	writeJSON(w, http.StatusOK, snap)
}

// handleHealthz serves the liveness/readiness pair: readiness turns 503
// when the rollup is unhealthy or unknown.
func (s *Server) handleHealthz(readiness bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := s.eng.HealthSnapshot(r.Context())
		status := http.StatusOK
		if readiness {
			ready := snap.Overall == telemetryhealth.StatusHealthy || snap.Overall == telemetryhealth.StatusDegraded
			if !ready {
				status = http.StatusServiceUnavailable
			}
			writeJSON(w, status, map[string]any{"overall": snap.Overall, "ready": ready, "probes": snap.Probes})
			return
		}
		writeJSON(w, status, map[string]any{"overall": snap.Overall, "probes": snap.Probes})
	}
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	gw := s.eng.Gateway()
	out := make([]any, 0)
	for _, sc := range gw.Streams() {
		info, err := gw.Info(r.Context(), sc.Name)
		if err != nil {
			out = append(out, map[string]any{"config": sc, "error": err.Error()})
			continue
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": out})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	letters, err := s.eng.Gateway().DeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": letters, "count": len(letters)})
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "id required"})
		return
	}
	if err := s.eng.Gateway().ReprocessDeadLetter(r.Context(), req.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reprocessed": req.ID})
}

func (s *Server) handleConsumerAction(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	p := s.eng.ETL()
	switch action {
	case "pause":
		p.Pause()
	case "resume":
		p.Resume()
	case "restart":
		p.Restart()
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown action " + action})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"action": action, "status": p.Stats()})
}

func (s *Server) handleStrategy(w http.ResponseWriter, r *http.Request) {
	if current, ok := s.eng.Analyzer().Current(); ok {
		writeJSON(w, http.StatusOK, current)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "no strategy evaluated yet"})
}

func (s *Server) handleStrategyHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, map[string]any{"history": s.eng.Analyzer().History(limit)})
}

func (s *Server) handleStrategyStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Analyzer().Stats())
}

func (s *Server) handleFairness(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	writeJSON(w, http.StatusOK, s.eng.Scheduler().CheckFairness(platform))
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	platform := r.URL.Query().Get("platform")
	writeJSON(w, http.StatusOK, map[string]any{"tokens": s.eng.Scheduler().Records(platform)})
}

func (s *Server) handleSLOStatus(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	writeJSON(w, http.StatusOK, s.eng.SLO().Status(service))
}

func (s *Server) handleBurnRate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	hours, _ := strconv.Atoi(q.Get("hours"))
	if hours <= 0 {
		hours = 1
	}
	rate := s.eng.SLO().BurnRate(q.Get("metric"), q.Get("service"), hours)
	writeJSON(w, http.StatusOK, map[string]any{
		"metric": q.Get("metric"), "service": q.Get("service"), "hours": hours, "burnRate": rate,
	})
}
