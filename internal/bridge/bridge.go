// Package bridge exposes conversation managers to browser clients over a
// websocket. Each connection owns one Manager and receives a full state frame
// after every mutation.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"HealthChat/internal/chatbot"
	"HealthChat/internal/session"

	"github.com/gorilla/websocket"
)

const (
	FrameSend  = "send"
	FrameNew   = "new"
	FrameState = "state"
	FrameError = "error"

	outboxSize   = 64
	writeTimeout = 10 * time.Second
	readLimit    = 64 << 10
)

// ClientFrame is a message sent by the browser
type ClientFrame struct {
	Type    string       `json:"type"`
	Content string       `json:"content,omitempty"`
	Options *SendOptions `json:"options,omitempty"`
}

// SendOptions overrides the server's default turn options for one message
type SendOptions struct {
	Persona      string `json:"persona,omitempty"`
	EmpathyLevel string `json:"empathyLevel,omitempty"`
	UseAlternate bool   `json:"useAlternate,omitempty"`
	Persist      *bool  `json:"persist,omitempty"`
}

// ServerFrame is a message pushed to the browser
type ServerFrame struct {
	Type  string            `json:"type"`
	State *session.Snapshot `json:"state,omitempty"`
	Error string            `json:"error,omitempty"`
}

// ManagerFactory builds a fresh Manager for a new connection
type ManagerFactory func() (*chatbot.Manager, error)

// Server upgrades HTTP requests to chat connections
type Server struct {
	factory  ManagerFactory
	defaults session.TurnOptions
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a bridge server
func NewServer(factory ManagerFactory, defaults session.TurnOptions, logger *slog.Logger) (*Server, error) {
	if factory == nil {
		return nil, fmt.Errorf("manager factory cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		factory:  factory,
		defaults: defaults,
		logger:   logger,
		conns:    make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The bridge serves a local dashboard; origin checks belong to the reverse proxy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Handler returns the HTTP routes of the bridge
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Close disconnects every open connection and waits for their managers to
// finish in-flight work.
func (s *Server) Close() {
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) track(conn *websocket.Conn) func() {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()
	defer s.track(conn)()

	m, err := s.factory()
	if err != nil {
		s.logger.Error("failed to create conversation manager", "error", err)
		_ = conn.WriteJSON(ServerFrame{Type: FrameError, Error: "assistant unavailable"})
		conn.Close()
		return
	}

	c := &connection{
		conn:     conn,
		manager:  m,
		defaults: s.defaults,
		logger:   s.logger.With("remote", r.RemoteAddr),
		outbox:   make(chan ServerFrame, outboxSize),
	}
	c.serve(r.Context())
}

type connection struct {
	conn     *websocket.Conn
	manager  *chatbot.Manager
	defaults session.TurnOptions
	logger   *slog.Logger
	outbox   chan ServerFrame

	outboxMu sync.Mutex
	turns    sync.WaitGroup
}

func (c *connection) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	unsubscribe := c.manager.Subscribe(func(snap session.Snapshot) {
		c.enqueue(ServerFrame{Type: FrameState, State: &snap})
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(ctx, cancel)
	}()

	c.logger.Info("chat connection opened")
	c.run(ctx, func(ctx context.Context) { c.manager.StartNewConversation(ctx) })

	c.readLoop(ctx)

	cancel()
	c.turns.Wait()
	unsubscribe()
	c.manager.Wait()
	<-writerDone

	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.conn.Close()
	c.logger.Info("chat connection closed")
}

// run executes a blocking manager call off the read loop so "new" can
// interrupt a turn that is still streaming.
func (c *connection) run(ctx context.Context, fn func(context.Context)) {
	c.turns.Add(1)
	go func() {
		defer c.turns.Done()
		fn(ctx)
	}()
}

func (c *connection) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(readLimit)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				c.logger.Debug("websocket read ended", "error", err)
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.enqueue(ServerFrame{Type: FrameError, Error: "invalid frame: " + err.Error()})
			continue
		}

		switch frame.Type {
		case FrameSend:
			opts := c.turnOptions(frame.Options)
			content := frame.Content
			c.run(ctx, func(ctx context.Context) { c.manager.SendMessage(ctx, content, opts) })
		case FrameNew:
			c.run(ctx, func(ctx context.Context) { c.manager.StartNewConversation(ctx) })
		default:
			c.enqueue(ServerFrame{Type: FrameError, Error: fmt.Sprintf("unknown frame type %q", frame.Type)})
		}
	}
}

func (c *connection) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.outbox:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(frame); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.logger.Debug("websocket write failed", "error", err)
				}
				cancel()
				// unblock the read loop
				c.conn.Close()
				return
			}
		}
	}
}

// enqueue never blocks the manager. When the client falls behind, the oldest
// frame is dropped; every state frame carries the full snapshot.
func (c *connection) enqueue(frame ServerFrame) {
	c.outboxMu.Lock()
	defer c.outboxMu.Unlock()

	select {
	case c.outbox <- frame:
		return
	default:
	}
	select {
	case <-c.outbox:
	default:
	}
	select {
	case c.outbox <- frame:
	default:
	}
}

func (c *connection) turnOptions(o *SendOptions) session.TurnOptions {
	opts := c.defaults
	if o == nil {
		return opts
	}
	if o.Persona != "" {
		opts.Persona = o.Persona
	}
	if o.EmpathyLevel != "" {
		opts.EmpathyLevel = o.EmpathyLevel
	}
	opts.UseAlternate = o.UseAlternate
	if o.Persist != nil {
		opts.Persist = *o.Persist
	}
	return opts
}
