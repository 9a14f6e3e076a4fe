package chatbot

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"HealthChat/internal/backend"
	"HealthChat/internal/responder"
	"HealthChat/internal/session"
	"HealthChat/internal/store"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceStream struct {
	chunks []string
	err    error // returned after the chunks instead of io.EOF
	closed bool
}

func (s *sliceStream) Recv() (string, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

type fakeTransport struct {
	mu       sync.Mutex
	chunks   []string
	midErr   error
	err      error
	calls    int
	lastMsgs []backend.ChatMessage
	lastOpts session.TurnOptions
	stream   *sliceStream
}

func (f *fakeTransport) Stream(ctx context.Context, msgs []backend.ChatMessage, opts session.TurnOptions) (backend.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastMsgs = msgs
	f.lastOpts = opts
	if f.err != nil {
		return nil, f.err
	}
	f.stream = &sliceStream{chunks: append([]string{}, f.chunks...), err: f.midErr}
	return f.stream, nil
}

// blockingTransport holds the turn open until release is closed
type blockingTransport struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingTransport) Stream(ctx context.Context, msgs []backend.ChatMessage, opts session.TurnOptions) (backend.Stream, error) {
	close(b.entered)
	<-b.release
	return &sliceStream{chunks: []string{"done"}}, nil
}

type failingStore struct {
	mu    sync.Mutex
	calls int
}

func (f *failingStore) CreateConversation(ctx context.Context, userID string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return "", errors.New("database offline")
}

func (f *failingStore) CreateMessage(ctx context.Context, conversationID, userID string, msg session.Message) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return errors.New("database offline")
}

// flakyStore creates conversations but fails every message write
type flakyStore struct {
	*store.MemoryStore
}

func (f flakyStore) CreateMessage(ctx context.Context, conversationID, userID string, msg session.Message) error {
	panic("disk full")
}

// gatedStore holds CreateConversation until release is closed
type gatedStore struct {
	*store.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) CreateConversation(ctx context.Context, userID string) (string, error) {
	close(g.entered)
	<-g.release
	return g.MemoryStore.CreateConversation(ctx, userID)
}

func newTestManager(t *testing.T, transport backend.Transport, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithFallbackDelay(time.Millisecond)}, opts...)
	m, err := NewManager(transport, responder.NewDefault(), opts...)
	require.NoError(t, err)
	return m
}

func contents(msgs []session.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m.Role) + ":" + m.Content
	}
	return out
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(nil, responder.NewDefault())
	assert.Error(t, err)

	_, err = NewManager(&fakeTransport{}, nil)
	assert.Error(t, err)
}

func TestStartNewConversation(t *testing.T) {
	m := newTestManager(t, &fakeTransport{})
	m.StartNewConversation(context.Background())

	snap := m.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, session.RoleAssistant, snap.Messages[0].Role)
	assert.Equal(t, WelcomeMessage, snap.Messages[0].Content)
	assert.Empty(t, snap.ConversationID)
	assert.False(t, snap.Loading)
	assert.Equal(t, session.PhaseIdle, snap.Phase)
}

func TestStartNewConversationResetsLog(t *testing.T) {
	m := newTestManager(t, &fakeTransport{chunks: []string{"ok"}})
	ctx := context.Background()
	m.StartNewConversation(ctx)
	m.SendMessage(ctx, "hello", session.TurnOptions{})
	require.Len(t, m.Snapshot().Messages, 3)

	m.StartNewConversation(ctx)
	snap := m.Snapshot()
	assert.Equal(t, []string{"assistant:" + WelcomeMessage}, contents(snap.Messages))
	assert.Equal(t, uint64(2), snap.Generation)
}

func TestStartNewConversationWithStore(t *testing.T) {
	mem := store.NewMemoryStore()
	m := newTestManager(t, &fakeTransport{chunks: []string{"Rest ", "well."}},
		WithStore(mem), WithPrincipal("user-1"))
	ctx := context.Background()

	m.StartNewConversation(ctx)
	snap := m.Snapshot()
	require.NotEmpty(t, snap.ConversationID)
	assert.Equal(t, 1, mem.Conversations())

	m.SendMessage(ctx, "  I can't sleep  ", session.TurnOptions{Persist: true})
	m.Wait()

	stored, err := mem.ListMessages(ctx, snap.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, []string{"user:I can't sleep", "assistant:Rest well."}, contents(stored))
}

func TestStartNewConversationStoreFailure(t *testing.T) {
	fs := &failingStore{}
	m := newTestManager(t, &fakeTransport{}, WithStore(fs), WithPrincipal("user-1"))

	m.StartNewConversation(context.Background())

	snap := m.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, WelcomeMessage, snap.Messages[0].Content)
	assert.Empty(t, snap.ConversationID)
	assert.Equal(t, 1, fs.calls)
}

func TestNoPrincipalSkipsStore(t *testing.T) {
	fs := &failingStore{}
	m := newTestManager(t, &fakeTransport{chunks: []string{"hi"}}, WithStore(fs))
	ctx := context.Background()

	m.StartNewConversation(ctx)
	m.SendMessage(ctx, "hello", session.TurnOptions{Persist: true})
	m.Wait()

	assert.Equal(t, 0, fs.calls)
}

func TestSendMessageStreams(t *testing.T) {
	ft := &fakeTransport{chunks: []string{"Hel", "lo"}}
	m := newTestManager(t, ft)
	ctx := context.Background()
	m.StartNewConversation(ctx)

	var seen []string
	var phases []session.Phase
	unsubscribe := m.Subscribe(func(s session.Snapshot) {
		phases = append(phases, s.Phase)
		last, ok := s.Last()
		if !ok || last.Role != session.RoleAssistant || len(s.Messages) != 3 {
			return
		}
		if len(seen) == 0 || seen[len(seen)-1] != last.Content {
			seen = append(seen, last.Content)
		}
	})
	defer unsubscribe()

	m.SendMessage(ctx, "hi", session.TurnOptions{Persona: "sleep"})

	snap := m.Snapshot()
	want := []string{"assistant:" + WelcomeMessage, "user:hi", "assistant:Hello"}
	if diff := cmp.Diff(want, contents(snap.Messages)); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
	assert.False(t, snap.Loading)
	assert.Equal(t, []string{"", "Hel", "Hello"}, seen)
	assert.Equal(t, session.PhaseUserMessageAppended, phases[0])
	assert.Contains(t, phases, session.PhaseStreamingAssistant)
	assert.Equal(t, session.PhaseIdle, phases[len(phases)-1])
	assert.True(t, ft.stream.closed)

	// the request carries the full log including the new user message
	require.Len(t, ft.lastMsgs, 2)
	assert.Equal(t, backend.ChatMessage{Role: "user", Content: "hi"}, ft.lastMsgs[1])
	assert.Equal(t, "sleep", ft.lastOpts.Persona)
}

func TestSendMessageFallback(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"keyword match", "I have a HEADACHE", responder.DefaultRules()[0].Reply},
		{"no match", "my elbow itches", responder.DefaultReply},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, &fakeTransport{err: errors.New("connection refused")})
			ctx := context.Background()
			m.StartNewConversation(ctx)

			m.SendMessage(ctx, tt.input, session.TurnOptions{})

			snap := m.Snapshot()
			require.Len(t, snap.Messages, 3)
			assert.Equal(t, session.RoleUser, snap.Messages[1].Role)
			assert.Equal(t, tt.input, snap.Messages[1].Content)
			assert.Equal(t, session.RoleAssistant, snap.Messages[2].Role)
			assert.Equal(t, tt.want, snap.Messages[2].Content)
			assert.False(t, snap.Loading)
		})
	}
}

func TestSendMessageEmptyStreamUsesPlaceholder(t *testing.T) {
	m := newTestManager(t, &fakeTransport{midErr: errors.New("reset by peer")})
	ctx := context.Background()
	m.StartNewConversation(ctx)

	m.SendMessage(ctx, "I have a fever", session.TurnOptions{})

	snap := m.Snapshot()
	require.Len(t, snap.Messages, 3)
	assert.Equal(t, responder.NewDefault().Reply("i have a fever"), snap.Messages[2].Content)
}

func TestSendMessagePartialStreamKept(t *testing.T) {
	m := newTestManager(t, &fakeTransport{chunks: []string{"Drink "}, midErr: errors.New("reset by peer")})
	ctx := context.Background()
	m.StartNewConversation(ctx)

	m.SendMessage(ctx, "fever", session.TurnOptions{})

	snap := m.Snapshot()
	require.Len(t, snap.Messages, 3)
	assert.Equal(t, "Drink ", snap.Messages[2].Content)
	assert.False(t, snap.Loading)
}

func TestSendMessageBlankIsNoop(t *testing.T) {
	ft := &fakeTransport{}
	m := newTestManager(t, ft)
	ctx := context.Background()
	m.StartNewConversation(ctx)
	before := m.Snapshot()

	notified := 0
	m.Subscribe(func(session.Snapshot) { notified++ })

	m.SendMessage(ctx, "   \n\t", session.TurnOptions{})

	assert.Equal(t, before, m.Snapshot())
	assert.Equal(t, 0, notified)
	assert.Equal(t, 0, ft.calls)
}

func TestSendMessageRejectedWhileLoading(t *testing.T) {
	bt := &blockingTransport{entered: make(chan struct{}), release: make(chan struct{})}
	m := newTestManager(t, bt)
	ctx := context.Background()
	m.StartNewConversation(ctx)

	done := make(chan struct{})
	go func() {
		m.SendMessage(ctx, "first", session.TurnOptions{})
		close(done)
	}()
	<-bt.entered
	require.True(t, m.Snapshot().Loading)

	m.SendMessage(ctx, "second", session.TurnOptions{})
	assert.Len(t, m.Snapshot().Messages, 2)

	close(bt.release)
	<-done

	snap := m.Snapshot()
	assert.Equal(t, []string{"assistant:" + WelcomeMessage, "user:first", "assistant:done"}, contents(snap.Messages))
	assert.False(t, snap.Loading)
}

func TestFailingStoreDoesNotChangeOutcome(t *testing.T) {
	run := func(opts ...Option) []string {
		m := newTestManager(t, &fakeTransport{err: errors.New("offline")}, opts...)
		ctx := context.Background()
		m.StartNewConversation(ctx)
		m.SendMessage(ctx, "I feel stressed", session.TurnOptions{Persist: true})
		m.Wait()
		return contents(m.Snapshot().Messages)
	}

	plain := run()
	failing := run(WithStore(&failingStore{}), WithPrincipal("user-1"))
	if diff := cmp.Diff(plain, failing); diff != "" {
		t.Errorf("store failure changed the log (-plain +failing):\n%s", diff)
	}
}

func TestPanickingStoreIsContained(t *testing.T) {
	m := newTestManager(t, &fakeTransport{chunks: []string{"ok"}},
		WithStore(flakyStore{store.NewMemoryStore()}), WithPrincipal("user-1"))
	ctx := context.Background()
	m.StartNewConversation(ctx)
	require.NotEmpty(t, m.Snapshot().ConversationID)

	m.SendMessage(ctx, "hello", session.TurnOptions{Persist: true})
	m.Wait()

	assert.Len(t, m.Snapshot().Messages, 3)
}

func TestPersistDisabledPerTurn(t *testing.T) {
	mem := store.NewMemoryStore()
	m := newTestManager(t, &fakeTransport{chunks: []string{"ok"}}, WithStore(mem), WithPrincipal("user-1"))
	ctx := context.Background()
	m.StartNewConversation(ctx)

	m.SendMessage(ctx, "hello", session.TurnOptions{Persist: false})
	m.Wait()

	stored, err := mem.ListMessages(ctx, m.Snapshot().ConversationID)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestStaleTurnDoesNotTouchNewConversation(t *testing.T) {
	bt := &blockingTransport{entered: make(chan struct{}), release: make(chan struct{})}
	m := newTestManager(t, bt)
	ctx := context.Background()
	m.StartNewConversation(ctx)

	done := make(chan struct{})
	go func() {
		m.SendMessage(ctx, "first", session.TurnOptions{})
		close(done)
	}()
	<-bt.entered

	m.StartNewConversation(ctx)
	close(bt.release)
	<-done

	snap := m.Snapshot()
	assert.Equal(t, []string{"assistant:" + WelcomeMessage}, contents(snap.Messages))
	assert.False(t, snap.Loading)
}

func TestFallbackDelayRespectsContext(t *testing.T) {
	m, err := NewManager(&fakeTransport{err: errors.New("offline")}, responder.NewDefault(),
		WithFallbackDelay(time.Hour))
	require.NoError(t, err)
	m.StartNewConversation(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	finished := make(chan struct{})
	go func() {
		m.SendMessage(ctx, "cough", session.TurnOptions{})
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("SendMessage did not return after context cancellation")
	}
	last, ok := m.Snapshot().Last()
	require.True(t, ok)
	assert.Equal(t, session.RoleAssistant, last.Role)
	assert.NotEmpty(t, last.Content)
}

func TestUnsubscribe(t *testing.T) {
	m := newTestManager(t, &fakeTransport{})
	count := 0
	unsubscribe := m.Subscribe(func(session.Snapshot) { count++ })

	m.StartNewConversation(context.Background())
	seen := count
	require.Positive(t, seen)

	unsubscribe()
	m.StartNewConversation(context.Background())
	assert.Equal(t, seen, count)
}

func TestSendIgnoredWhileConversationStarts(t *testing.T) {
	gs := &gatedStore{
		MemoryStore: store.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	ft := &fakeTransport{chunks: []string{"ok"}}
	m := newTestManager(t, ft, WithStore(gs), WithPrincipal("user-1"))
	ctx := context.Background()

	started := make(chan struct{})
	go func() {
		m.StartNewConversation(ctx)
		close(started)
	}()
	<-gs.entered

	require.True(t, m.Snapshot().Loading)
	m.SendMessage(ctx, "hello", session.TurnOptions{Persist: true})
	assert.Empty(t, m.Snapshot().Messages)
	assert.Equal(t, 0, ft.calls)

	close(gs.release)
	<-started
	require.False(t, m.Snapshot().Loading)

	m.SendMessage(ctx, "hello", session.TurnOptions{Persist: true})
	m.Wait()

	snap := m.Snapshot()
	want := []string{"assistant:" + WelcomeMessage, "user:hello", "assistant:ok"}
	if diff := cmp.Diff(want, contents(snap.Messages)); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}

	stored, err := gs.ListMessages(ctx, snap.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, []string{"user:hello", "assistant:ok"}, contents(stored))
}

func TestListenersNotifiedInSubscriptionOrder(t *testing.T) {
	m := newTestManager(t, &fakeTransport{})

	var order []int
	unsubscribes := make([]func(), 8)
	for i := range unsubscribes {
		i := i
		unsubscribes[i] = m.Subscribe(func(session.Snapshot) { order = append(order, i) })
	}

	m.StartNewConversation(context.Background())
	// reset and welcome each notify once
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 0, 1, 2, 3, 4, 5, 6, 7}, order)

	unsubscribes[3]()
	order = nil
	m.StartNewConversation(context.Background())
	assert.Equal(t, []int{0, 1, 2, 4, 5, 6, 7, 0, 1, 2, 4, 5, 6, 7}, order)
}
