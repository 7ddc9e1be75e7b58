package replication

import (
	"reflect"
	"slices"

	"github.com/zeusync/netsync/internal/core/models"
)

// World is the read side of the entity store replication needs.
type World interface {
	Exists(e models.EntityID) bool
	Get(e models.EntityID, typ reflect.Type) (any, bool)
	Components(e models.EntityID) []any
	With(typ reflect.Type) []models.EntityID
}

// Transition is the visibility of one entity for one client after an evaluation.
type Transition struct {
	Entity     models.EntityID
	Client     models.ClientID
	Visibility Visibility
}

// VisibilityEngine decides, every tick, which clients see which replicated entities.
type VisibilityEngine struct {
	rooms *RoomManager
}

func NewVisibilityEngine(rooms *RoomManager) *VisibilityEngine {
	if rooms == nil {
		rooms = NewRoomManager()
	}
	return &VisibilityEngine{rooms: rooms}
}

func (v *VisibilityEngine) Rooms() *RoomManager { return v.rooms }

// Evaluate updates the visibility cache of every replicated entity in w against
// roster and returns one Transition per live record, in entity then client order.
//
// Records of clients missing from roster are dropped without a transition.
// Lost records from the previous evaluation are removed first, so an entity
// visible again right after being lost is Gained.
func (v *VisibilityEngine) Evaluate(w World, roster []models.ClientID) []Transition {
	inRoster := make(map[models.ClientID]struct{}, len(roster))
	for _, c := range roster {
		inRoster[c] = struct{}{}
	}

	var out []Transition
	for _, e := range w.With(replicateType) {
		raw, _ := w.Get(e, replicateType)
		rep, ok := raw.(*Replicate)
		if !ok || rep == nil {
			continue
		}
		out = append(out, v.evaluate(e, rep, roster, inRoster)...)
	}
	return out
}

func (v *VisibilityEngine) evaluate(e models.EntityID, rep *Replicate, roster []models.ClientID, inRoster map[models.ClientID]struct{}) []Transition {
	for c, state := range rep.visibility {
		if _, ok := inRoster[c]; !ok || state == Lost {
			rep.forget(c)
		}
	}

	var out []Transition
	for _, c := range roster {
		visible := v.visibleTo(e, rep, c)
		_, had := rep.visibility[c]

		var next Visibility
		switch {
		case !had && visible:
			next = Gained
		case had && visible:
			next = Maintained
		case had && !visible:
			next = Lost
		default:
			continue
		}
		rep.setVisibility(c, next)
		out = append(out, Transition{Entity: e, Client: c, Visibility: next})
	}
	return out
}

func (v *VisibilityEngine) visibleTo(e models.EntityID, rep *Replicate, c models.ClientID) bool {
	if rep.Mode == ModeRoom {
		return v.rooms.Shared(e, c)
	}
	return rep.Target.ShouldSendTo(c)
}

// Forget removes client from every replicated entity's cache.
func (v *VisibilityEngine) Forget(w World, client models.ClientID) {
	for _, e := range w.With(replicateType) {
		raw, _ := w.Get(e, replicateType)
		if rep, ok := raw.(*Replicate); ok && rep != nil {
			rep.forget(client)
		}
	}
	v.rooms.ForgetClient(client)
}

// SortedRoster returns a sorted copy of clients.
func SortedRoster(clients []models.ClientID) []models.ClientID {
	out := slices.Clone(clients)
	slices.Sort(out)
	return out
}
