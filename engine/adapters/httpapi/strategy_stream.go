package httpapi

// Live strategy stream: a long-lived text/event-stream replaying the
// current strategy on open, then every analyzer event, with periodic
// heartbeats. The listener registration dies with the connection.

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

func (s *Server) handleStrategyStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "streaming unsupported"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := s.eng.Analyzer().Subscribe(32)
	defer sub.Close()

	if current, ok := s.eng.Analyzer().Current(); ok {
		writeSSE(w, "current_strategy", current)
	} else {
		writeSSE(w, "current_strategy", map[string]any{"status": "none"})
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			name := "strategy_update"
			if ev.Type == "strategy_changed" {
				name = "strategy_change"
			}
			writeSSE(w, name, ev.Strategy)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
