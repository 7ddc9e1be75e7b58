package world

import (
	"reflect"

	"github.com/zeusync/netsync/internal/core/models"
)

// ChangeSet is what happened to the world during one tick.
type ChangeSet struct {
	Spawned  []models.EntityID
	Inserted map[models.EntityID][]reflect.Type
	Updated  map[models.EntityID][]reflect.Type
	// Removed keeps the last value of each removed component.
	Removed map[models.EntityID]map[reflect.Type]any
	// Despawned keeps every component the entity held when it was destroyed.
	Despawned map[models.EntityID]map[reflect.Type]any
}

func newChangeSet() ChangeSet {
	return ChangeSet{
		Inserted:  make(map[models.EntityID][]reflect.Type),
		Updated:   make(map[models.EntityID][]reflect.Type),
		Removed:   make(map[models.EntityID]map[reflect.Type]any),
		Despawned: make(map[models.EntityID]map[reflect.Type]any),
	}
}

func (c ChangeSet) Empty() bool {
	return len(c.Spawned) == 0 && len(c.Inserted) == 0 && len(c.Updated) == 0 &&
		len(c.Removed) == 0 && len(c.Despawned) == 0
}

// WasInserted reports whether typ was added to e this tick.
func (c ChangeSet) WasInserted(e models.EntityID, typ reflect.Type) bool {
	return hasType(c.Inserted, e, typ)
}

// WasUpdated reports whether an existing typ on e was overwritten this tick.
func (c ChangeSet) WasUpdated(e models.EntityID, typ reflect.Type) bool {
	return hasType(c.Updated, e, typ)
}

func addType(m map[models.EntityID][]reflect.Type, e models.EntityID, typ reflect.Type) {
	if hasType(m, e, typ) {
		return
	}
	m[e] = append(m[e], typ)
}

func dropType(m map[models.EntityID][]reflect.Type, e models.EntityID, typ reflect.Type) bool {
	types := m[e]
	for i, t := range types {
		if t == typ {
			m[e] = append(types[:i], types[i+1:]...)
			if len(m[e]) == 0 {
				delete(m, e)
			}
			return true
		}
	}
	return false
}

func hasType(m map[models.EntityID][]reflect.Type, e models.EntityID, typ reflect.Type) bool {
	for _, t := range m[e] {
		if t == typ {
			return true
		}
	}
	return false
}
