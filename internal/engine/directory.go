package engine

import (
	"sort"
	"sync"
)

// Session is the live binding between one connection and one identity.
// Room is empty until the connection joins a room; a connection is a member
// of at most one room at any instant.
type Session struct {
	ConnID   string
	Username string
	Room     string
}

// Directory is the in-memory map of live sessions, keyed by connection ID.
// It is the single source of truth for who is connected to what. Nothing is
// persisted: the directory starts empty on every process start.
type Directory struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewDirectory() *Directory {
	return &Directory{
		sessions: make(map[string]*Session),
	}
}

func (d *Directory) Put(connID, username string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[connID] = &Session{ConnID: connID, Username: username}
}

// SetRoom records the connection's current room. Joining while already in a
// room overwrites the previous entry (last write wins).
func (d *Directory) SetRoom(connID, room string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	sess, ok := d.sessions[connID]
	if !ok {
		return false
	}
	sess.Room = room
	return true
}

func (d *Directory) Remove(connID string) (Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sess, ok := d.sessions[connID]
	if !ok {
		return Session{}, false
	}
	delete(d.sessions, connID)
	return *sess, true
}

func (d *Directory) Get(connID string) (Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sess, ok := d.sessions[connID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// MembersOf returns the sorted set of usernames currently in the room,
// recomputed from the live sessions on every call.
func (d *Directory) MembersOf(room string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seen := make(map[string]bool)
	members := []string{}
	for _, sess := range d.sessions {
		if sess.Room != room || seen[sess.Username] {
			continue
		}
		seen[sess.Username] = true
		members = append(members, sess.Username)
	}
	sort.Strings(members)
	return members
}

// ConnsIn returns the connection IDs currently in the room.
func (d *Directory) ConnsIn(room string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ids []string
	for id, sess := range d.sessions {
		if sess.Room == room {
			ids = append(ids, id)
		}
	}
	return ids
}
