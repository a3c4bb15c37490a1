// Package monitor is a read-only progress/introspection surface for a
// running cg.Solve: an HTTP server that upgrades to a websocket and pushes
// one JSON frame per CG iteration. It is a direct generalization of
// scm/network.go's HttpServer.websocket handler in the teacher — the same
// upgrade-then-push-frames shape, reused here for solver progress instead
// of scheme-evaluation results.
package monitor

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is one progress update pushed to every subscriber of a solve.
type Frame struct {
	SolveID   string  `json:"solveID"`
	Iteration int     `json:"iteration"`
	Residual  float64 `json:"residual"`
	Done      bool    `json:"done"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server broadcasts Frame values pushed via Publish to every websocket
// client currently connected, regardless of which solve they asked for —
// a single small fan-out hub, not one per solve ID, since this solver only
// ever runs one CG loop at a time per process.
type Server struct {
	addr string
	srv  *http.Server

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewServer builds a monitor bound to addr (e.g. ":8090"). Call Start to
// begin serving.
func NewServer(addr string) *Server {
	m := &Server{addr: addr, clients: make(map[*websocket.Conn]struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", m.handleWS)
	m.srv = &http.Server{Addr: addr, Handler: mux}
	return m
}

// Start begins serving in the background, mirroring the teacher's
// fire-and-forget `go server.ListenAndServe()` in scm/network.go's
// HTTPServe.
func (m *Server) Start() {
	go func() {
		if err := m.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("monitor: serve %s: %v", m.addr, err)
		}
	}()
}

// Close shuts the HTTP server down.
func (m *Server) Close() error {
	return m.srv.Close()
}

func (m *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("monitor: upgrade: %v", err)
		return
	}
	m.mu.Lock()
	m.clients[conn] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.clients, conn)
		m.mu.Unlock()
		conn.Close()
	}()

	// This endpoint only pushes; drain and discard anything a client sends
	// so TCP flow control doesn't stall the connection, the same discard
	// loop shape scm/network.go's websocket read loop uses before noticing
	// a close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Publish broadcasts frame to every connected client. Slow or dead clients
// are dropped rather than allowed to back-pressure the CG loop.
func (m *Server) Publish(frame Frame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for conn := range m.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			conn.Close()
			delete(m.clients, conn)
		}
	}
}

// Progress returns a cg.Progress callback that publishes one frame per
// iteration under the given solve ID.
func (m *Server) Progress(solveID string) func(iteration int, residual float64) {
	return func(iteration int, residual float64) {
		m.Publish(Frame{SolveID: solveID, Iteration: iteration, Residual: residual})
	}
}
