package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"chat-relay/internal/models"
	"chat-relay/internal/store"
	"chat-relay/pkg/logger"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrNotInRoom         = errors.New("not in a room")
	ErrRoomMismatch      = errors.New("room does not match current room")
)

// Conn is a live, authenticated connection the engine can deliver events to.
// Send must not block: implementations queue the event or fail fast.
type Conn interface {
	ID() string
	Send(ev *models.Event) error
}

// Engine orchestrates joins, message fan-out, presence recomputation and
// typing relay across all live connections. A connection moves through
// connected (no room) -> in room -> disconnected; only a disconnect removes
// it from the directory.
type Engine struct {
	mu        sync.Mutex
	directory *Directory
	conns     map[string]Conn

	// roomLocks serializes persist-then-broadcast per room so that broadcast
	// order always matches persistence-completion order. Joins take the same
	// lock, so a history replay can never interleave with a room broadcast.
	roomLocks map[string]*sync.Mutex

	log store.MessageLog
}

func New(log store.MessageLog) *Engine {
	return &Engine{
		directory: NewDirectory(),
		conns:     make(map[string]Conn),
		roomLocks: make(map[string]*sync.Mutex),
		log:       log,
	}
}

// Register admits an authenticated connection. The connection becomes
// observable to the rest of the system only from this point; it is in no
// room until it joins one.
func (e *Engine) Register(conn Conn, username string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns[conn.ID()] = conn
	e.directory.Put(conn.ID(), username)
	logger.Info("User %s connected (%s)", username, conn.ID())
}

// Join moves the connection into the room: the full message history is
// delivered once, only to the joiner, then presence for the room is
// recomputed and broadcast to every member including the joiner.
//
// Joining while already in another room overwrites the membership without
// notifying the previous room; its presence corrects on the next membership
// change there.
func (e *Engine) Join(ctx context.Context, connID, room string) error {
	e.mu.Lock()
	sess, ok := e.directory.Get(connID)
	if !ok {
		e.mu.Unlock()
		return ErrUnknownConnection
	}
	conn := e.conns[connID]
	lock := e.roomLock(room)
	e.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	// Membership is visible before the history read: any message persisted
	// after this point is broadcast to the joiner, anything before is in the
	// history. Sends for the room wait on the room lock, so the replay and a
	// room broadcast cannot interleave.
	e.directory.SetRoom(connID, room)

	history, err := e.log.ListByRoom(ctx, room)
	if err != nil {
		logger.Error("Error loading history for room %s: %v", room, err)
	} else if err := conn.Send(&models.Event{Type: models.EventHistory, Room: room, Messages: history}); err != nil {
		logger.Error("Error delivering history to %s: %v", sess.Username, err)
	}

	e.mu.Lock()
	e.broadcastPresence(room)
	e.mu.Unlock()
	logger.Info("User %s joined room %s", sess.Username, room)
	return nil
}

// SendMessage persists the text as a message authored by the connection's
// identity and, only after successful persistence, broadcasts the persisted
// message to every member of the room. A persistence failure broadcasts
// nothing and is reported to the caller; there is no retry.
func (e *Engine) SendMessage(ctx context.Context, connID, room, text string) error {
	e.mu.Lock()
	sess, ok := e.directory.Get(connID)
	if !ok {
		e.mu.Unlock()
		return ErrUnknownConnection
	}
	if sess.Room == "" {
		e.mu.Unlock()
		return ErrNotInRoom
	}
	if room != "" && room != sess.Room {
		e.mu.Unlock()
		return ErrRoomMismatch
	}
	lock := e.roomLock(sess.Room)
	e.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	msg, err := e.log.Append(ctx, sess.Room, sess.Username, text)
	if err != nil {
		logger.Error("Error saving message from %s in room %s: %v", sess.Username, sess.Room, err)
		return fmt.Errorf("append message: %w", err)
	}

	e.broadcast(sess.Room, &models.Event{Type: models.EventMessage, Message: msg})
	return nil
}

// NotifyTyping relays a transient typing signal to every other member of the
// sender's room. Nothing is stored and no expiry is tracked server-side;
// receivers clear the indicator after models.TypingExpirySeconds unless a
// fresh event arrives. Best effort, unordered.
func (e *Engine) NotifyTyping(connID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, ok := e.directory.Get(connID)
	if !ok {
		return ErrUnknownConnection
	}
	if sess.Room == "" {
		return ErrNotInRoom
	}

	ev := &models.Event{Type: models.EventTyping, Room: sess.Room, Sender: sess.Username}
	for _, id := range e.directory.ConnsIn(sess.Room) {
		if id == connID {
			continue
		}
		if conn, ok := e.conns[id]; ok {
			if err := conn.Send(ev); err != nil {
				logger.Debug("Dropping typing event for %s: %v", id, err)
			}
		}
	}
	return nil
}

// Disconnect removes the connection's session. If it was in a room, presence
// for that room is recomputed and broadcast to the remaining members. Safe to
// call more than once for the same connection.
func (e *Engine) Disconnect(connID string) {
	e.mu.Lock()
	sess, ok := e.directory.Remove(connID)
	delete(e.conns, connID)
	e.mu.Unlock()

	if !ok {
		return
	}
	logger.Info("User %s disconnected (%s)", sess.Username, connID)
	if sess.Room != "" {
		e.mu.Lock()
		e.broadcastPresence(sess.Room)
		e.mu.Unlock()
	}
}

// MembersOf reports the current presence set for a room.
func (e *Engine) MembersOf(room string) []string {
	return e.directory.MembersOf(room)
}

// roomLock returns the order lock for the room, creating it on first use.
// Callers must hold e.mu. Locks are never reclaimed; the set of rooms is
// assumed to fit in memory.
func (e *Engine) roomLock(room string) *sync.Mutex {
	lock, ok := e.roomLocks[room]
	if !ok {
		lock = &sync.Mutex{}
		e.roomLocks[room] = lock
	}
	return lock
}

// broadcast delivers the event to every connection currently in the room.
// Acquires e.mu.
func (e *Engine) broadcast(room string, ev *models.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deliverToRoom(room, ev)
}

// broadcastPresence recomputes the room's member set from the directory and
// broadcasts it. Recomputations triggered by interleaved joins and
// disconnects may repeat; each broadcast reflects the directory at that
// moment, so re-broadcasts are idempotent. Callers must hold e.mu.
func (e *Engine) broadcastPresence(room string) {
	ev := &models.Event{
		Type:  models.EventPresence,
		Room:  room,
		Users: e.directory.MembersOf(room),
	}
	e.deliverToRoom(room, ev)
}

func (e *Engine) deliverToRoom(room string, ev *models.Event) {
	for _, id := range e.directory.ConnsIn(room) {
		conn, ok := e.conns[id]
		if !ok {
			continue
		}
		if err := conn.Send(ev); err != nil {
			logger.Error("Dropping delivery to %s: %v", id, err)
		}
	}
}
