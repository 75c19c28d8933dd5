package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWS streams queue and worker snapshots to operational dashboards.
// Each client gets the current view on connect and a refresh every few
// seconds until it disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Drain client frames so pings and close messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		update := map[string]any{}
		if queues, err := s.healthAgg.QueueStatus(r.Context()); err == nil {
			update["queues"] = queues
		}
		if workers, err := s.healthAgg.WorkerReport(r.Context()); err == nil {
			update["workers"] = workers
		}
		if snap, err := s.collector.Latest(r.Context()); err == nil && snap != nil {
			update["metrics"] = snap
		}
		if err := conn.WriteJSON(update); err != nil {
			log.Printf("websocket write: %v", err)
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
