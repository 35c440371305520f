package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chat-relay/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLog struct {
	mu        sync.Mutex
	messages  map[string][]*models.Message
	nextID    int64
	appendErr error
}

func newFakeLog() *fakeLog {
	return &fakeLog{messages: make(map[string][]*models.Message)}
}

func (f *fakeLog) Append(_ context.Context, room, author, text string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	f.nextID++
	msg := &models.Message{
		ID:        f.nextID,
		Author:    author,
		Text:      text,
		Room:      room,
		CreatedAt: time.Now(),
	}
	f.messages[room] = append(f.messages[room], msg)
	return msg, nil
}

func (f *fakeLog) ListByRoom(_ context.Context, room string) ([]*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.Message{}, f.messages[room]...), nil
}

func (f *fakeLog) setAppendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendErr = err
}

type mockConn struct {
	id      string
	mu      sync.Mutex
	events  []*models.Event
	sendErr error
}

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) Send(ev *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *mockConn) received() []*models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.Event{}, m.events...)
}

func (m *mockConn) receivedOfType(t models.EventType) []*models.Event {
	var out []*models.Event
	for _, ev := range m.received() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func join(t *testing.T, e *Engine, conn *mockConn, username, room string) {
	t.Helper()
	e.Register(conn, username)
	require.NoError(t, e.Join(context.Background(), conn.id, room))
}

func TestEngine_JoinDeliversHistoryOnceBeforeBroadcasts(t *testing.T) {
	log := newFakeLog()
	log.Append(context.Background(), "general", "alice", "first")
	log.Append(context.Background(), "general", "alice", "second")

	e := New(log)
	conn := &mockConn{id: "c1"}
	join(t, e, conn, "bob", "general")

	events := conn.received()
	require.NotEmpty(t, events)

	// history is the very first thing a joiner receives
	require.Equal(t, models.EventHistory, events[0].Type)
	require.Len(t, events[0].Messages, 2)
	assert.Equal(t, "first", events[0].Messages[0].Text)
	assert.Equal(t, "second", events[0].Messages[1].Text)
	assert.Less(t, events[0].Messages[0].ID, events[0].Messages[1].ID)

	assert.Len(t, conn.receivedOfType(models.EventHistory), 1)
}

func TestEngine_HistoryGoesOnlyToJoiner(t *testing.T) {
	log := newFakeLog()
	log.Append(context.Background(), "general", "alice", "hello")

	e := New(log)
	alice := &mockConn{id: "c1"}
	join(t, e, alice, "alice", "general")

	bob := &mockConn{id: "c2"}
	join(t, e, bob, "bob", "general")

	assert.Len(t, alice.receivedOfType(models.EventHistory), 1)
	assert.Len(t, bob.receivedOfType(models.EventHistory), 1)

	// bob's join produced no extra history for alice, only presence
	aliceEvents := alice.received()
	assert.Equal(t, models.EventPresence, aliceEvents[len(aliceEvents)-1].Type)
}

func TestEngine_AliceAndBobScenario(t *testing.T) {
	e := New(newFakeLog())

	alice := &mockConn{id: "c1"}
	join(t, e, alice, "alice", "general")

	events := alice.received()
	require.Len(t, events, 2)
	assert.Equal(t, models.EventHistory, events[0].Type)
	assert.Empty(t, events[0].Messages)
	assert.Equal(t, models.EventPresence, events[1].Type)
	assert.Equal(t, []string{"alice"}, events[1].Users)

	bob := &mockConn{id: "c2"}
	join(t, e, bob, "bob", "general")

	bobEvents := bob.received()
	require.Len(t, bobEvents, 2)
	assert.Equal(t, models.EventHistory, bobEvents[0].Type)
	assert.Empty(t, bobEvents[0].Messages)
	assert.Equal(t, []string{"alice", "bob"}, bobEvents[1].Users)

	alicePresence := alice.receivedOfType(models.EventPresence)
	require.Len(t, alicePresence, 2)
	assert.Equal(t, []string{"alice", "bob"}, alicePresence[1].Users)

	require.NoError(t, e.SendMessage(context.Background(), "c1", "general", "hi"))
	for _, conn := range []*mockConn{alice, bob} {
		msgs := conn.receivedOfType(models.EventMessage)
		require.Len(t, msgs, 1)
		assert.Equal(t, "alice", msgs[0].Message.Author)
		assert.Equal(t, "hi", msgs[0].Message.Text)
		assert.Equal(t, "general", msgs[0].Message.Room)
	}

	e.Disconnect("c2")
	alicePresence = alice.receivedOfType(models.EventPresence)
	require.Len(t, alicePresence, 3)
	assert.Equal(t, []string{"alice"}, alicePresence[2].Users)

	// bob is gone: no further deliveries to him
	bobCount := len(bob.received())
	require.NoError(t, e.SendMessage(context.Background(), "c1", "general", "anyone?"))
	assert.Len(t, bob.received(), bobCount)
}

func TestEngine_BroadcastOrderMatchesPersistenceOrder(t *testing.T) {
	e := New(newFakeLog())

	alice := &mockConn{id: "c1"}
	join(t, e, alice, "alice", "general")
	bob := &mockConn{id: "c2"}
	join(t, e, bob, "bob", "general")

	const sends = 50
	var wg sync.WaitGroup
	for i := 0; i < sends; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.SendMessage(context.Background(), "c1", "general", "ping")
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.SendMessage(context.Background(), "c2", "general", "pong")
		}()
	}
	wg.Wait()

	for _, conn := range []*mockConn{alice, bob} {
		msgs := conn.receivedOfType(models.EventMessage)
		require.Len(t, msgs, 2*sends)
		for i := 1; i < len(msgs); i++ {
			assert.Greater(t, msgs[i].Message.ID, msgs[i-1].Message.ID,
				"broadcast order must match persistence order")
		}
	}
}

func TestEngine_SendFailure(t *testing.T) {
	log := newFakeLog()
	e := New(log)

	alice := &mockConn{id: "c1"}
	join(t, e, alice, "alice", "general")
	bob := &mockConn{id: "c2"}
	join(t, e, bob, "bob", "general")

	log.setAppendErr(errors.New("store down"))
	err := e.SendMessage(context.Background(), "c1", "general", "lost")
	require.Error(t, err)
	assert.Empty(t, alice.receivedOfType(models.EventMessage))
	assert.Empty(t, bob.receivedOfType(models.EventMessage))

	// the sender's session survives and can send again
	log.setAppendErr(nil)
	require.NoError(t, e.SendMessage(context.Background(), "c1", "general", "retry"))
	msgs := bob.receivedOfType(models.EventMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, "retry", msgs[0].Message.Text)
}

func TestEngine_SendValidation(t *testing.T) {
	e := New(newFakeLog())
	ctx := context.Background()

	assert.ErrorIs(t, e.SendMessage(ctx, "ghost", "general", "hi"), ErrUnknownConnection)

	conn := &mockConn{id: "c1"}
	e.Register(conn, "alice")
	assert.ErrorIs(t, e.SendMessage(ctx, "c1", "general", "hi"), ErrNotInRoom)

	require.NoError(t, e.Join(ctx, "c1", "general"))
	assert.ErrorIs(t, e.SendMessage(ctx, "c1", "random", "hi"), ErrRoomMismatch)

	// omitting the room falls back to the current one
	assert.NoError(t, e.SendMessage(ctx, "c1", "", "hi"))
}

func TestEngine_TypingExcludesSender(t *testing.T) {
	e := New(newFakeLog())

	alice := &mockConn{id: "c1"}
	join(t, e, alice, "alice", "general")
	bob := &mockConn{id: "c2"}
	join(t, e, bob, "bob", "general")
	carol := &mockConn{id: "c3"}
	join(t, e, carol, "carol", "random")

	require.NoError(t, e.NotifyTyping("c1"))

	assert.Empty(t, alice.receivedOfType(models.EventTyping))
	assert.Empty(t, carol.receivedOfType(models.EventTyping))

	typing := bob.receivedOfType(models.EventTyping)
	require.Len(t, typing, 1)
	assert.Equal(t, "alice", typing[0].Sender)
	assert.Equal(t, "general", typing[0].Room)
}

func TestEngine_TypingRequiresRoom(t *testing.T) {
	e := New(newFakeLog())
	assert.ErrorIs(t, e.NotifyTyping("ghost"), ErrUnknownConnection)

	conn := &mockConn{id: "c1"}
	e.Register(conn, "alice")
	assert.ErrorIs(t, e.NotifyTyping("c1"), ErrNotInRoom)
}

func TestEngine_SwitchRoomOverwritesMembership(t *testing.T) {
	e := New(newFakeLog())

	alice := &mockConn{id: "c1"}
	join(t, e, alice, "alice", "general")
	bob := &mockConn{id: "c2"}
	join(t, e, bob, "bob", "general")

	require.NoError(t, e.Join(context.Background(), "c2", "random"))

	// derived presence is immediately correct even though the old room gets
	// no broadcast until its next membership change
	assert.Equal(t, []string{"alice"}, e.MembersOf("general"))
	assert.Equal(t, []string{"bob"}, e.MembersOf("random"))

	// a message in general no longer reaches bob
	before := len(bob.receivedOfType(models.EventMessage))
	require.NoError(t, e.SendMessage(context.Background(), "c1", "general", "hi"))
	assert.Len(t, bob.receivedOfType(models.EventMessage), before)
}

func TestEngine_DisconnectIsIdempotent(t *testing.T) {
	e := New(newFakeLog())

	alice := &mockConn{id: "c1"}
	join(t, e, alice, "alice", "general")

	e.Disconnect("c1")
	e.Disconnect("c1")
	e.Disconnect("ghost")

	assert.Empty(t, e.MembersOf("general"))
}

func TestEngine_UndeliverableConnDoesNotStopFanout(t *testing.T) {
	e := New(newFakeLog())

	alice := &mockConn{id: "c1"}
	join(t, e, alice, "alice", "general")
	stuck := &mockConn{id: "c2", sendErr: errors.New("buffer full")}
	join(t, e, stuck, "bob", "general")
	carol := &mockConn{id: "c3"}
	join(t, e, carol, "carol", "general")

	require.NoError(t, e.SendMessage(context.Background(), "c1", "general", "hi"))

	assert.Len(t, alice.receivedOfType(models.EventMessage), 1)
	assert.Len(t, carol.receivedOfType(models.EventMessage), 1)
}
