package realtime

import (
	"errors"
	"sort"
	"sync"
)

// ErrNotRegistered is returned when a room operation targets an unknown connection.
var ErrNotRegistered = errors.New("connection is not registered")

// Peer is one live connection as seen by the registry.
type Peer interface {
	ID() string
	ActorID() string
	// Send enqueues the event without blocking and reports whether it was accepted.
	Send(event Event) bool
	// Close disconnects the peer. It must not block and must tolerate repeat calls.
	Close()
}

// UserRoom is the personal room every connection of an actor joins.
func UserRoom(actorID string) string { return "user:" + actorID }

// ClassRoom is the broadcast room for a class.
func ClassRoom(classID string) string { return "class:" + classID }

// ConversationRoom is the room for one direct or group conversation.
func ConversationRoom(conversationID string) string { return "conv:" + conversationID }

type peerEntry struct {
	peer  Peer
	rooms map[string]struct{}
}

// Registry tracks live connections and the rooms each one has joined.
// Membership is connection scoped: an actor with several devices has one entry per device.
type Registry struct {
	mu     sync.RWMutex
	peers  map[string]*peerEntry
	rooms  map[string]map[string]Peer
	actors map[string]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		peers:  make(map[string]*peerEntry),
		rooms:  make(map[string]map[string]Peer),
		actors: make(map[string]map[string]struct{}),
	}
}

// Register adds a connection and reports whether it is the actor's first live connection.
func (r *Registry) Register(p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[p.ID()]; ok {
		return false
	}
	r.peers[p.ID()] = &peerEntry{peer: p, rooms: make(map[string]struct{})}
	conns, ok := r.actors[p.ActorID()]
	if !ok {
		conns = make(map[string]struct{})
		r.actors[p.ActorID()] = conns
	}
	conns[p.ID()] = struct{}{}
	return len(conns) == 1
}

// Unregister removes the connection from every room it joined and reports whether
// it was the actor's last live connection. Unknown connections are ignored.
func (r *Registry) Unregister(p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.peers[p.ID()]
	if !ok {
		return false
	}
	for room := range entry.rooms {
		r.removeFromRoom(room, p.ID())
	}
	delete(r.peers, p.ID())

	conns := r.actors[p.ActorID()]
	delete(conns, p.ID())
	if len(conns) == 0 {
		delete(r.actors, p.ActorID())
		return true
	}
	return false
}

// Join adds the connection to room. Authorization is the caller's job.
func (r *Registry) Join(p Peer, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.peers[p.ID()]
	if !ok {
		return ErrNotRegistered
	}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]Peer)
		r.rooms[room] = members
	}
	members[p.ID()] = entry.peer
	entry.rooms[room] = struct{}{}
	return nil
}

// Leave removes the connection from room.
func (r *Registry) Leave(p Peer, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.peers[p.ID()]
	if !ok {
		return
	}
	delete(entry.rooms, room)
	r.removeFromRoom(room, p.ID())
}

// EvictActor removes every connection of actorID from room and returns how many left.
func (r *Registry) EvictActor(actorID, room string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for connID := range r.actors[actorID] {
		entry := r.peers[connID]
		if _, joined := entry.rooms[room]; !joined {
			continue
		}
		delete(entry.rooms, room)
		r.removeFromRoom(room, connID)
		evicted++
	}
	return evicted
}

// InRoom reports whether the connection has joined room.
func (r *Registry) InRoom(p Peer, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.peers[p.ID()]
	if !ok {
		return false
	}
	_, joined := entry.rooms[room]
	return joined
}

// Rooms lists the rooms a connection has joined, sorted.
func (r *Registry) Rooms(p Peer) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.peers[p.ID()]
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(entry.rooms))
	for room := range entry.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Size returns the number of live connections.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Deliver sends event once to every connection joined to any of rooms, skipping
// connections owned by excludeActor. Sends happen under the read lock so two
// deliveries serialized by the caller reach each connection in the same order.
// A connection that refuses an event is closed rather than left with a gap.
func (r *Registry) Deliver(event Event, excludeActor string, rooms ...string) (delivered, dropped int) {
	return r.DeliverExcept(event, excludeActor, "", rooms...)
}

// DeliverExcept is Deliver that also skips the single connection excludeConn.
func (r *Registry) DeliverExcept(event Event, excludeActor, excludeConn string, rooms ...string) (delivered, dropped int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, room := range rooms {
		for id, p := range r.rooms[room] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if id == excludeConn || (excludeActor != "" && p.ActorID() == excludeActor) {
				continue
			}
			if p.Send(event) {
				delivered++
			} else {
				dropped++
				p.Close()
			}
		}
	}
	return delivered, dropped
}

// Broadcast sends event to every live connection except those owned by excludeActor.
func (r *Registry) Broadcast(event Event, excludeActor string) (delivered, dropped int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, entry := range r.peers {
		if excludeActor != "" && entry.peer.ActorID() == excludeActor {
			continue
		}
		if entry.peer.Send(event) {
			delivered++
		} else {
			dropped++
			entry.peer.Close()
		}
	}
	return delivered, dropped
}

func (r *Registry) removeFromRoom(room, connID string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}
