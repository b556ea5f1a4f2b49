package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lucasnoah/atp/internal/orchestrator"
)

const keepAliveInterval = 15 * time.Second

// handleStream serves a Server-Sent Events stream of orchestrator
// snapshots. The current snapshot is sent first, then one "snapshot" event
// per state change. Slow clients only see the newest snapshot.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Capacity 1: a pending snapshot is replaced by a newer one.
	latest := make(chan orchestrator.Snapshot, 1)
	unsubscribe := s.orch.Subscribe(func(snap orchestrator.Snapshot) {
		select {
		case latest <- snap:
			return
		default:
		}
		select {
		case <-latest:
		default:
		}
		select {
		case latest <- snap:
		default:
		}
	})
	defer unsubscribe()

	tick := time.NewTicker(keepAliveInterval)
	defer tick.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case snap := <-latest:
			data, err := json.Marshal(snap)
			if err != nil {
				s.logger.Error("encode snapshot", slog.String("error", err.Error()))
				fmt.Fprintf(w, "event: done\ndata: %s\n\n", "encode error")
				flusher.Flush()
				return
			}
			fmt.Fprintf(w, "id: %d\nevent: snapshot\ndata: %s\n\n", snap.Seq, data)
			flusher.Flush()
		}
	}
}
