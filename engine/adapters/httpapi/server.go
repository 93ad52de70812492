package httpapi

// HTTP adapter exposing the producer surface, operational endpoints and
// the live strategy stream. The adapter only reads engine state and issues
// commands; all control-plane logic lives behind the facade.

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"cadence/engine"
	"cadence/engine/telemetry/logging"
)

type ServerOptions struct {
	Logger logging.Logger
	// MaxBatchSize caps POST /metrics/batch; 0 => 1000.
	MaxBatchSize int
	// Heartbeat cadence for the live strategy stream; 0 => 30s.
	StreamHeartbeat time.Duration
	// Transformers extend or override the built-in webhook transformers.
	Transformers map[string]Transformer
}

type Server struct {
	eng          *engine.Engine
	log          logging.Logger
	maxBatch     int
	heartbeat    time.Duration
	transformers map[string]Transformer
}

func NewServer(eng *engine.Engine, opts ServerOptions) *Server {
	s := &Server{
		eng:          eng,
		log:          opts.Logger,
		maxBatch:     opts.MaxBatchSize,
		heartbeat:    opts.StreamHeartbeat,
		transformers: defaultTransformers(),
	}
	if s.log == nil {
		s.log = logging.Nop()
	}
	if s.maxBatch <= 0 {
		s.maxBatch = 1000
	}
	if s.heartbeat <= 0 {
		s.heartbeat = 30 * time.Second
	}
	for name, t := range opts.Transformers {
		s.transformers[name] = t
	}
	return s
}

// Router assembles the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(LoadHeaders(s.eng.Controller()))

	r.Post("/metrics", s.handlePublish)
	r.Post("/metrics/batch", s.handleBatchPublish)
	r.Post("/webhook/{source}", s.handleWebhook)

	r.Get("/stats", s.handleStats)
	r.Get("/health", s.handleHealth)
	r.Get("/streams", s.handleStreams)

	r.Get("/deadletter", s.handleDeadLetters)
	r.Post("/deadletter/reprocess", s.handleReprocess)
	r.Post("/consumers/{action}", s.handleConsumerAction)

	r.Get("/strategy", s.handleStrategy)
	r.Get("/strategy/history", s.handleStrategyHistory)
	r.Get("/strategy/stats", s.handleStrategyStats)
	r.Get("/strategy/live-stream", s.handleStrategyStream)

	r.Get("/scheduler/fairness/{platform}", s.handleFairness)
	r.Get("/scheduler/tokens", s.handleTokens)

	r.Get("/slo/status", s.handleSLOStatus)
	r.Get("/slo/burnrate", s.handleBurnRate)

	r.Get("/healthz", s.handleHealthz(false))
	r.Get("/readyz", s.handleHealthz(true))
	if mh := s.eng.MetricsHandler(); mh != nil {
		r.Method(http.MethodGet, "/metrics/prometheus", mh)
	}
	return r
}
