// Package presence tracks which live connections belong to which room.
// State is process-local and rebuilt from nothing on restart; reconnecting
// clients simply rejoin.
package presence

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/parley/parley/internal/domain"
)

var ErrUnknownConnection = errors.New("unknown connection")

type ConnID string

// Peer is the transport endpoint of a connection.
// Owned by the adapter; the adapter must Close() it.
type Peer interface {
	TrySend(data []byte) error
	Close()
}

type entry struct {
	userID   domain.UserID
	username string
	roomID   domain.RoomID
	peer     Peer
}

// Info is a read-only view of a connection (no transport fields).
type Info struct {
	UserID   domain.UserID
	Username string
	RoomID   domain.RoomID
}

// Conn is a broadcast fan-out target.
type Conn struct {
	ID       ConnID
	UserID   domain.UserID
	Username string
	Peer     Peer
}

type Registry struct {
	mu    sync.RWMutex
	conns map[ConnID]*entry
	rooms map[domain.RoomID]map[ConnID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[ConnID]*entry),
		rooms: make(map[domain.RoomID]map[ConnID]struct{}),
	}
}

// Register creates an entry with no room. Idempotent per connection id;
// re-registering updates identity and transport but keeps the room.
func (r *Registry) Register(id ConnID, userID domain.UserID, username string, peer Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[id]; ok {
		e.userID = userID
		e.username = username
		e.peer = peer
		return
	}
	r.conns[id] = &entry{userID: userID, username: username, peer: peer}
	log.Debug().Str("module", "presence.registry").Str("conn", string(id)).Str("user", string(userID)).Msg("registered connection")
}

// JoinRoom moves the connection into roomID. A connection belongs to at most
// one room, so any previous room set is left first.
func (r *Registry) JoinRoom(id ConnID, roomID domain.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	if e.roomID != "" {
		r.dropFromRoom(id, e.roomID)
	}
	e.roomID = roomID
	set, ok := r.rooms[roomID]
	if !ok {
		set = make(map[ConnID]struct{})
		r.rooms[roomID] = set
	}
	set[id] = struct{}{}
	log.Info().Str("module", "presence.registry").Str("conn", string(id)).Str("room", string(roomID)).Msg("joined room")
	return nil
}

// LeaveRoom removes the connection from its current room. No-op if the
// connection is not in a room or was never registered.
func (r *Registry) LeaveRoom(id ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok || e.roomID == "" {
		return
	}
	r.dropFromRoom(id, e.roomID)
	e.roomID = ""
	log.Info().Str("module", "presence.registry").Str("conn", string(id)).Msg("left room")
}

// Remove is full teardown: leave plus deregistration. Called on disconnect.
func (r *Registry) Remove(id ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return
	}
	if e.roomID != "" {
		r.dropFromRoom(id, e.roomID)
	}
	delete(r.conns, id)
	log.Debug().Str("module", "presence.registry").Str("conn", string(id)).Msg("removed connection")
}

// dropFromRoom deletes id from the room set, removing the set when empty.
// Caller holds r.mu.
func (r *Registry) dropFromRoom(id ConnID, roomID domain.RoomID) {
	set, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(r.rooms, roomID)
	}
}

// LiveConnections returns a snapshot of the room's live connections for
// broadcast fan-out.
func (r *Registry) LiveConnections(roomID domain.RoomID) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.rooms[roomID]
	out := make([]Conn, 0, len(set))
	for id := range set {
		e := r.conns[id]
		out = append(out, Conn{ID: id, UserID: e.userID, Username: e.username, Peer: e.peer})
	}
	return out
}

func (r *Registry) WhoIs(id ConnID) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return Info{}, ErrUnknownConnection
	}
	return Info{UserID: e.userID, Username: e.username, RoomID: e.roomID}, nil
}

type RoomInfo struct {
	RoomID    domain.RoomID `json:"room_id"`
	ConnCount int           `json:"conn_count"`
}

// LiveRooms lists rooms that currently have at least one live connection.
func (r *Registry) LiveRooms() []RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoomInfo, 0, len(r.rooms))
	for roomID, set := range r.rooms {
		out = append(out, RoomInfo{RoomID: roomID, ConnCount: len(set)})
	}
	return out
}
