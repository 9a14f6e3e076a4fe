package chatbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"HealthChat/internal/backend"
	"HealthChat/internal/session"
	"HealthChat/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// WelcomeMessage opens every conversation
const WelcomeMessage = "Hi! I'm your health assistant. Ask me about your symptoms, vitals, sleep, " +
	"nutrition or activity. I can share general guidance, but I'm not a substitute for a doctor."

const (
	DefaultFallbackDelay  = 1500 * time.Millisecond
	DefaultPersistTimeout = 10 * time.Second
)

// Responder produces a complete reply from lower-cased user input
type Responder interface {
	Reply(input string) string
}

// Manager owns the visible message log of one conversation, the in-flight
// flag and the conversation identity. All mutation goes through
// StartNewConversation and SendMessage.
type Manager struct {
	transport backend.Transport
	responder Responder
	store     store.Store
	principal *string

	logger         *slog.Logger
	tracer         trace.Tracer
	fallbackDelay  time.Duration
	persistTimeout time.Duration
	now            func() time.Time

	turns           metric.Int64Counter
	persistFailures metric.Int64Counter
	chunks          metric.Int64Counter
	turnDuration    metric.Float64Histogram

	mu             sync.Mutex
	messages       []session.Message
	conversationID string
	loading        bool
	starting       bool // a conversation start is acquiring its identity
	phase          session.Phase
	generation     uint64

	notifyMu     sync.Mutex
	listeners    []listener
	nextListener int

	bg sync.WaitGroup
}

type listener struct {
	id int
	fn func(session.Snapshot)
}

// Option configures a Manager
type Option func(*Manager)

// WithStore sets the best-effort persistence collaborator
func WithStore(s store.Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithPrincipal sets the authenticated user. Without one, nothing is persisted.
func WithPrincipal(userID string) Option {
	return func(m *Manager) {
		if userID != "" {
			m.principal = &userID
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithFallbackDelay sets the artificial latency before a simulated reply
func WithFallbackDelay(d time.Duration) Option {
	return func(m *Manager) { m.fallbackDelay = d }
}

// WithPersistTimeout bounds each persistence call
func WithPersistTimeout(d time.Duration) Option {
	return func(m *Manager) { m.persistTimeout = d }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager with an empty log. Call StartNewConversation
// before the first turn to get the welcome message.
func NewManager(transport backend.Transport, responder Responder, opts ...Option) (*Manager, error) {
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if responder == nil {
		return nil, errors.New("responder cannot be nil")
	}

	m := &Manager{
		transport:      transport,
		responder:      responder,
		logger:         slog.Default(),
		tracer:         otel.Tracer("healthchat/chatbot"),
		fallbackDelay:  DefaultFallbackDelay,
		persistTimeout: DefaultPersistTimeout,
		now:            time.Now,
		phase:          session.PhaseIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.persistTimeout <= 0 {
		m.persistTimeout = DefaultPersistTimeout
	}

	meter := otel.Meter("healthchat/chatbot")
	var err error
	if m.turns, err = meter.Int64Counter("chat.turns", metric.WithDescription("Completed turns by reply path")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if m.persistFailures, err = meter.Int64Counter("chat.persistence.failures", metric.WithDescription("Failed best-effort persistence calls")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if m.chunks, err = meter.Int64Counter("gateway.chunks", metric.WithDescription("Streamed chunks applied to the log")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if m.turnDuration, err = meter.Float64Histogram("chat.turn.duration", metric.WithDescription("Turn duration in milliseconds")); err != nil {
		return nil, fmt.Errorf("failed to create histogram: %w", err)
	}

	return m, nil
}

// Snapshot returns a copy of the current state
func (m *Manager) Snapshot() session.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Subscribe registers fn to receive a snapshot after every mutation, in
// mutation order. fn runs synchronously and must not call back into the
// Manager's mutating methods or Subscribe.
func (m *Manager) Subscribe(fn func(session.Snapshot)) (unsubscribe func()) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	id := m.nextListener
	m.nextListener++
	m.listeners = append(m.listeners, listener{id: id, fn: fn})

	return func() {
		m.notifyMu.Lock()
		defer m.notifyMu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// Wait blocks until all detached persistence calls have finished
func (m *Manager) Wait() {
	m.bg.Wait()
}

// StartNewConversation resets the log, tries to acquire a conversation
// identity and appends the welcome message. It never fails: persistence
// errors are logged and leave the identity unset. Until the welcome message
// is in place the conversation counts as in flight and SendMessage is ignored.
func (m *Manager) StartNewConversation(ctx context.Context) {
	ctx, span := m.tracer.Start(ctx, "chat.new_conversation")
	defer span.End()

	var gen uint64
	m.update(func() bool {
		m.generation++
		gen = m.generation
		m.messages = nil
		m.conversationID = ""
		m.starting = true
		return true
	})

	if m.store != nil && m.principal != nil {
		pctx, cancel := context.WithTimeout(ctx, m.persistTimeout)
		id, err := m.createConversation(pctx, *m.principal)
		cancel()
		if err != nil {
			m.logger.Warn("failed to create conversation record", "error", err)
			m.persistFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "create_conversation")))
			span.RecordError(err)
		} else {
			m.update(func() bool {
				if m.generation != gen {
					return false
				}
				m.conversationID = id
				return true
			})
			m.logger.Info("created conversation", "conversation_id", id)
		}
	}

	welcome := session.NewMessage(session.RoleAssistant, WelcomeMessage, m.now())
	m.update(func() bool {
		if m.generation != gen {
			return false
		}
		m.messages = append(m.messages, welcome)
		m.starting = false
		return true
	})
}

// SendMessage runs one turn. Blank content, or a call made while another turn
// is in flight, is ignored. Every accepted turn ends with exactly one new
// assistant message: streamed from the gateway when it answers, otherwise
// produced by the local responder.
func (m *Manager) SendMessage(ctx context.Context, content string, opts session.TurnOptions) {
	text := strings.TrimSpace(content)
	if text == "" {
		m.logger.Debug("ignoring blank message")
		return
	}

	userMsg := session.NewMessage(session.RoleUser, text, m.now())
	var (
		accepted bool
		gen      uint64
		convID   string
		history  []backend.ChatMessage
	)
	m.update(func() bool {
		if m.loading || m.starting {
			return false
		}
		m.messages = append(m.messages, userMsg)
		m.loading = true
		m.phase = session.PhaseUserMessageAppended
		accepted = true
		gen = m.generation
		convID = m.conversationID
		history = toChatMessages(m.messages)
		return true
	})
	if !accepted {
		m.logger.Debug("ignoring message while a turn is in flight")
		return
	}

	ctx, span := m.tracer.Start(ctx, "chat.turn")
	defer span.End()
	start := time.Now()

	defer m.update(func() bool {
		m.loading = false
		m.phase = session.PhaseIdle
		return true
	})

	if opts.Persist {
		m.persistAsync(ctx, convID, userMsg)
	}

	res := m.streamReply(ctx, gen, history, opts)

	path := "stream"
	switch {
	case res.err == nil:
		if opts.Persist {
			m.persistAsync(ctx, convID, res.message)
		}
	case res.received:
		path = "partial"
		m.logger.Warn("gateway stream interrupted, keeping partial reply", "error", res.err)
		span.RecordError(res.err)
		if opts.Persist {
			m.persistAsync(ctx, convID, res.message)
		}
	default:
		path = "fallback"
		m.logger.Warn("gateway unavailable, using local responder", "error", res.err)
		span.RecordError(res.err)
		reply := m.simulateReply(ctx, gen, text, res)
		if opts.Persist {
			m.persistAsync(ctx, convID, reply)
		}
	}

	span.SetAttributes(attribute.String("chat.path", path))
	m.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
	m.turnDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
}

type streamResult struct {
	message     session.Message // placeholder, with the content received so far
	placeholder bool            // placeholder was appended
	received    bool            // at least one chunk arrived
	err         error
}

func (m *Manager) streamReply(ctx context.Context, gen uint64, history []backend.ChatMessage, opts session.TurnOptions) streamResult {
	var res streamResult

	stream, err := m.transport.Stream(ctx, history, opts)
	if err != nil {
		res.err = err
		return res
	}
	if stream == nil {
		res.err = backend.ErrNoStream
		return res
	}
	defer stream.Close()

	res.message = session.NewMessage(session.RoleAssistant, "", m.now())
	res.placeholder = true
	m.update(func() bool {
		m.phase = session.PhaseStreamingAssistant
		if m.generation == gen {
			m.messages = append(m.messages, res.message)
		}
		return true
	})

	var content strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.err = fmt.Errorf("failed to read stream: %w", err)
			break
		}
		if chunk == "" {
			continue
		}
		content.WriteString(chunk)
		res.received = true
		m.chunks.Add(ctx, 1)
		m.mutateMessage(gen, res.message.ID, func(msg *session.Message) {
			msg.Content += chunk
		})
	}

	res.message.Content = content.String()
	return res
}

// simulateReply waits the artificial latency and writes the responder's reply,
// reusing an empty placeholder when the stream failed before any chunk.
func (m *Manager) simulateReply(ctx context.Context, gen uint64, input string, res streamResult) session.Message {
	m.update(func() bool {
		m.phase = session.PhaseSimulatingAssistant
		return true
	})

	if !sleepContext(ctx, m.fallbackDelay) {
		m.logger.Debug("fallback delay cut short", "error", ctx.Err())
	}

	reply := m.responder.Reply(strings.ToLower(input))

	if res.placeholder {
		msg := res.message
		msg.Content = reply
		m.mutateMessage(gen, msg.ID, func(existing *session.Message) {
			existing.Content = reply
		})
		return msg
	}

	msg := session.NewMessage(session.RoleAssistant, reply, m.now())
	m.update(func() bool {
		if m.generation != gen {
			return false
		}
		m.messages = append(m.messages, msg)
		return true
	})
	return msg
}

// mutateMessage applies fn to the message with id, unless the conversation
// has been reset since gen was captured.
func (m *Manager) mutateMessage(gen uint64, id string, fn func(*session.Message)) {
	m.update(func() bool {
		if m.generation != gen {
			return false
		}
		for i := range m.messages {
			if m.messages[i].ID == id {
				fn(&m.messages[i])
				return true
			}
		}
		return false
	})
}

// persistAsync mirrors msg into the store on a detached goroutine.
// Failures are logged and dropped.
func (m *Manager) persistAsync(ctx context.Context, convID string, msg session.Message) {
	if m.store == nil || m.principal == nil || convID == "" {
		return
	}
	userID := *m.principal

	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("panic while persisting message", "panic", r, "conversation_id", convID)
			}
		}()

		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.persistTimeout)
		defer cancel()

		if err := m.store.CreateMessage(pctx, convID, userID, msg); err != nil {
			m.logger.Warn("failed to persist message",
				"error", err,
				"conversation_id", convID,
				"role", msg.Role)
			m.persistFailures.Add(pctx, 1, metric.WithAttributes(attribute.String("op", "create_message")))
		}
	}()
}

func (m *Manager) createConversation(ctx context.Context, userID string) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("store panicked: %v", r)
		}
	}()
	return m.store.CreateConversation(ctx, userID)
}

// update runs fn under the state lock and, if fn reports a change, delivers
// the resulting snapshot to listeners before any later mutation is delivered.
func (m *Manager) update(fn func() bool) {
	m.mu.Lock()
	if !fn() {
		m.mu.Unlock()
		return
	}
	snap := m.snapshotLocked()
	m.notifyMu.Lock()
	m.mu.Unlock()
	defer m.notifyMu.Unlock()

	for _, l := range m.listeners {
		l.fn(snap)
	}
}

func (m *Manager) snapshotLocked() session.Snapshot {
	return session.Snapshot{
		ConversationID: m.conversationID,
		Messages:       append([]session.Message{}, m.messages...),
		Loading:        m.loading || m.starting,
		Phase:          m.phase,
		Generation:     m.generation,
	}
}

func toChatMessages(msgs []session.Message) []backend.ChatMessage {
	out := make([]backend.ChatMessage, len(msgs))
	for i, msg := range msgs {
		out[i] = backend.ChatMessage{Role: string(msg.Role), Content: msg.Content}
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
