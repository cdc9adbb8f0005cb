package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
	"github.com/nextlevelbuilder/switchboard/internal/routing"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// Server exposes the gateway's operational surface: health and status
// probes, bindings CRUD, queue stats, and a WebSocket event feed.
type Server struct {
	host   string
	port   int
	token  string
	gw     *Gateway
	events bus.EventPublisher

	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[string]*wsClient

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates the ops server. An empty token disables auth.
func NewServer(host string, port int, token string, gw *Gateway, events bus.EventPublisher) *Server {
	s := &Server{
		host:    host,
		port:    port,
		token:   token,
		gw:      gw,
		events:  events,
		clients: make(map[string]*wsClient),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// The surface is token-guarded; origins are not restricted.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/status", s.withAuth(s.handleStatus))
	mux.HandleFunc("/v1/queue", s.withAuth(s.handleQueue))
	mux.HandleFunc("/v1/bindings", s.withAuth(s.handleBindings))
	mux.HandleFunc("/v1/bindings/", s.withAuth(s.handleBinding))

	s.mux = mux
	return mux
}

// Start begins listening and blocks until ctx is done or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("ops server starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		next(w, r)
	}
}

// authorized accepts the token as a bearer header or a query parameter;
// the latter exists for WebSocket clients that cannot set headers.
func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		if strings.TrimPrefix(h, "Bearer ") == s.token {
			return true
		}
	}
	return r.URL.Query().Get("token") == s.token
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.gw.GetStatus())
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.gw.GetQueue().GetStats())
}

// handleBindings serves the collection: GET lists bindings in evaluation
// order, POST adds or replaces one.
func (s *Server) handleBindings(w http.ResponseWriter, r *http.Request) {
	router := s.gw.GetRouter()
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, router.GetBindings())

	case http.MethodPost:
		var b routing.Binding
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			writeError(w, http.StatusBadRequest, "invalid binding: "+err.Error())
			return
		}
		if b.ID == "" {
			b.ID = uuid.NewString()
		}
		_, existed := router.GetBinding(b.ID)
		if err := router.AddBinding(b); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		name := protocol.BindingEventAdded
		status := http.StatusCreated
		if existed {
			name = protocol.BindingEventUpdated
			status = http.StatusOK
		}
		s.events.Broadcast(bus.Event{Name: name, Payload: b})
		writeJSON(w, status, b)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleBinding serves one binding by id: GET, PATCH with a partial
// update, DELETE.
func (s *Server) handleBinding(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/bindings/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	router := s.gw.GetRouter()

	switch r.Method {
	case http.MethodGet:
		b, ok := router.GetBinding(id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("binding %q not found", id))
			return
		}
		writeJSON(w, http.StatusOK, b)

	case http.MethodPatch:
		if _, ok := router.GetBinding(id); !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("binding %q not found", id))
			return
		}
		var u routing.Update
		if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
			writeError(w, http.StatusBadRequest, "invalid update: "+err.Error())
			return
		}
		if err := router.UpdateBinding(id, u); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		b, _ := router.GetBinding(id)
		s.events.Broadcast(bus.Event{Name: protocol.BindingEventUpdated, Payload: b})
		writeJSON(w, http.StatusOK, b)

	case http.MethodDelete:
		_, existed := router.GetBinding(id)
		router.RemoveBinding(id)
		if existed {
			s.events.Broadcast(bus.Event{Name: protocol.BindingEventRemoved, Payload: map[string]string{
				"binding_id": id,
			}})
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleWebSocket upgrades the connection and forwards broker events
// until the peer goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "missing or invalid token")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newWSClient(conn)
	s.registerClient(client)
	go client.writeLoop()

	defer func() {
		s.unregisterClient(client)
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) registerClient(c *wsClient) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.events.Subscribe(c.id, c.send)
	slog.Info("ops client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *wsClient) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	s.events.Unsubscribe(c.id)
	c.close()
	slog.Info("ops client disconnected", "id", c.id)
}

type eventFrame struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// wsClient is one event-feed subscriber. Broker broadcasts run on the
// gateway's goroutines, so send never blocks: frames queue into a
// buffered channel and drop when the peer cannot keep up.
type wsClient struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	out    chan eventFrame
	closed bool
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		out:  make(chan eventFrame, 64),
	}
}

func (c *wsClient) send(evt bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.out <- eventFrame{Event: evt.Name, Payload: evt.Payload}:
	default:
		slog.Debug("ops client backlogged, dropping event", "client", c.id, "event", evt.Name)
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.out)
}

func (c *wsClient) writeLoop() {
	for frame := range c.out {
		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteJSON(frame); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// StartTestServer creates a listener on 127.0.0.1:0 and returns the
// actual address and a start function. Used for integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}

	return addr, start
}
