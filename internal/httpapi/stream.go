package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bdbenim/stash-empornium/internal/jobs"
	"github.com/bdbenim/stash-empornium/pkg/log"
)

// streamNDJSON writes one JSON event per line until the job ends or the
// client goes away.
func (s *Server) streamNDJSON(w http.ResponseWriter, r *http.Request, id int) {
	events, err := s.jobs.Events(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	flusher, _ := w.(http.Flusher)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleJobSSE(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	events, err := s.jobs.Events(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Status, payload); err != nil {
			return
		}
		flusher.Flush()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The userscript connects from the tracker's origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

const wsWriteWait = 10 * time.Second

func (s *Server) handleJobWebsocket(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if _, err := s.jobs.Get(id); err != nil {
		writeErr(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("Websocket upgrade for job %d failed: %v", id, err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Incoming messages are ignored; a read error means the peer left.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events, err := s.jobs.Events(ctx, id)
	if err != nil {
		return
	}
	for ev := range events {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, terminalReason(id, s.jobs)),
		time.Now().Add(wsWriteWait))
}

func terminalReason(id int, m *jobs.Manager) string {
	job, err := m.Get(id)
	if err != nil {
		return ""
	}
	return string(job.Status)
}
