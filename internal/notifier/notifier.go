// Package notifier is an external commit telemetry relay (SPEC_FULL.md
// §10.2), grounded on broyeztony-karl/spreadsheet/server.go's websocket
// client registry and broadcast loop. It never reads engine internals
// directly: Workbook.WithCommitHook is the only channel feeding it, and it
// only ever sees the already-public workbook.CommitInfo shape.
package notifier

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cellforge/engine/internal/workbook"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server fans each committed workbook.CommitInfo out to every connected
// websocket client as JSON.
type Server struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	logger  zerolog.Logger
}

// NewServer constructs an empty relay.
func NewServer(logger zerolog.Logger) *Server {
	return &Server{clients: make(map[*websocket.Conn]bool), logger: logger}
}

// commitMessage is the wire shape one CommitInfo is rendered as.
type commitMessage struct {
	CellsWritten       int  `json:"cells_written"`
	DeltasProcessed    int  `json:"deltas_processed"`
	RangeEventsEmitted int  `json:"range_events_emitted"`
	CSREdgesAdded      int  `json:"csr_edges_added"`
	CSREdgesRemoved    int  `json:"csr_edges_removed"`
	AffectedVertices   int  `json:"affected_vertices"`
	VerticesEvaluated  int  `json:"vertices_evaluated,omitempty"`
	LayersExecuted     int  `json:"layers_executed,omitempty"`
	Passes             int  `json:"passes,omitempty"`
	HadCycle           bool `json:"had_cycle"`
}

func toMessage(info workbook.CommitInfo) commitMessage {
	msg := commitMessage{
		CellsWritten:       info.Summary.CellsWritten,
		DeltasProcessed:    info.Summary.DeltasProcessed,
		RangeEventsEmitted: info.Summary.RangeEventsEmitted,
		CSREdgesAdded:      info.Summary.CSREdgesAdded,
		CSREdgesRemoved:    info.Summary.CSREdgesRemoved,
		AffectedVertices:   info.Summary.AffectedVertices,
	}
	if info.Recalc != nil {
		msg.VerticesEvaluated = info.Recalc.VerticesEvaluated
		msg.LayersExecuted = info.Recalc.LayersExecuted
		msg.Passes = info.Recalc.Passes
		msg.HadCycle = len(info.Recalc.Cycles) > 0
	}
	return msg
}

// Hook returns the workbook.CommitHook to pass to workbook.WithCommitHook.
func (s *Server) Hook() workbook.CommitHook {
	return func(info workbook.CommitInfo) { s.broadcast(toMessage(info)) }
}

// HandleWebSocket upgrades an HTTP request and registers the connection as
// a broadcast target until it disconnects.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	// Clients are read-only subscribers; drain and discard to notice
	// disconnects promptly.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (s *Server) broadcast(msg commitMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		if err := client.WriteJSON(msg); err != nil {
			s.logger.Debug().Err(err).Msg("broadcast write failed, dropping client")
			_ = client.Close()
			delete(s.clients, client)
		}
	}
}

// ServeMux registers the websocket endpoint on mux at path.
func (s *Server) ServeMux(mux *http.ServeMux, path string) {
	mux.HandleFunc(path, s.HandleWebSocket)
}
