package replication

import (
	"slices"

	"github.com/zeusync/netsync/internal/core/models"
)

type RoomID uint64

type room struct {
	clients  map[models.ClientID]struct{}
	entities map[models.EntityID]struct{}
}

// RoomManager tracks room membership of clients and entities. Entities using
// ModeRoom are visible to a client iff they share at least one room.
type RoomManager struct {
	rooms       map[RoomID]*room
	clientRooms map[models.ClientID]map[RoomID]struct{}
	entityRooms map[models.EntityID]map[RoomID]struct{}
}

func NewRoomManager() *RoomManager {
	return &RoomManager{
		rooms:       make(map[RoomID]*room),
		clientRooms: make(map[models.ClientID]map[RoomID]struct{}),
		entityRooms: make(map[models.EntityID]map[RoomID]struct{}),
	}
}

func (m *RoomManager) room(id RoomID) *room {
	r, ok := m.rooms[id]
	if !ok {
		r = &room{
			clients:  make(map[models.ClientID]struct{}),
			entities: make(map[models.EntityID]struct{}),
		}
		m.rooms[id] = r
	}
	return r
}

func (m *RoomManager) AddClient(id RoomID, client models.ClientID) {
	m.room(id).clients[client] = struct{}{}
	join(m.clientRooms, client, id)
}

func (m *RoomManager) RemoveClient(id RoomID, client models.ClientID) {
	if r, ok := m.rooms[id]; ok {
		delete(r.clients, client)
		m.gc(id, r)
	}
	leave(m.clientRooms, client, id)
}

func (m *RoomManager) AddEntity(id RoomID, e models.EntityID) {
	m.room(id).entities[e] = struct{}{}
	join(m.entityRooms, e, id)
}

func (m *RoomManager) RemoveEntity(id RoomID, e models.EntityID) {
	if r, ok := m.rooms[id]; ok {
		delete(r.entities, e)
		m.gc(id, r)
	}
	leave(m.entityRooms, e, id)
}

// ForgetClient drops a client from every room.
func (m *RoomManager) ForgetClient(client models.ClientID) {
	for id := range m.clientRooms[client] {
		m.RemoveClient(id, client)
	}
}

// ForgetEntity drops an entity from every room.
func (m *RoomManager) ForgetEntity(e models.EntityID) {
	for id := range m.entityRooms[e] {
		m.RemoveEntity(id, e)
	}
}

// Shared reports whether e and client are in at least one common room.
func (m *RoomManager) Shared(e models.EntityID, client models.ClientID) bool {
	er, cr := m.entityRooms[e], m.clientRooms[client]
	if len(cr) < len(er) {
		er, cr = cr, er
	}
	for id := range er {
		if _, ok := cr[id]; ok {
			return true
		}
	}
	return false
}

// ClientsIn lists the clients of a room, sorted.
func (m *RoomManager) ClientsIn(id RoomID) []models.ClientID {
	r, ok := m.rooms[id]
	if !ok {
		return nil
	}
	out := make([]models.ClientID, 0, len(r.clients))
	for c := range r.clients {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

func (m *RoomManager) gc(id RoomID, r *room) {
	if len(r.clients) == 0 && len(r.entities) == 0 {
		delete(m.rooms, id)
	}
}

func join[K comparable](m map[K]map[RoomID]struct{}, k K, id RoomID) {
	set, ok := m[k]
	if !ok {
		set = make(map[RoomID]struct{})
		m[k] = set
	}
	set[id] = struct{}{}
}

func leave[K comparable](m map[K]map[RoomID]struct{}, k K, id RoomID) {
	set, ok := m[k]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m, k)
	}
}
