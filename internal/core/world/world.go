package world

import (
	"errors"
	"reflect"
	"sort"

	"github.com/zeusync/netsync/internal/core/models"
)

var ErrNoSuchEntity = errors.New("entity does not exist")

type row struct {
	generation uint32
	alive      bool
	components map[reflect.Type]any
}

// World is an in-memory entity store with per-tick change detection.
// It is not safe for concurrent use; the tick loop owns it.
type World struct {
	rows     []row
	free     []uint32
	tracking bool
	changes  ChangeSet
}

func New() *World {
	return &World{tracking: true, changes: newChangeSet()}
}

// NewUntracked builds a world that records no changes. Client-side rows use it.
func NewUntracked() *World {
	return &World{changes: newChangeSet()}
}

// Spawn creates an entity holding the given components.
func (w *World) Spawn(components ...any) models.EntityID {
	var index uint32
	if n := len(w.free); n > 0 {
		index = w.free[n-1]
		w.free = w.free[:n-1]
	} else {
		index = uint32(len(w.rows))
		w.rows = append(w.rows, row{})
	}

	r := &w.rows[index]
	r.generation++
	r.alive = true
	r.components = make(map[reflect.Type]any, len(components))

	e := models.NewEntityID(index, r.generation)
	if w.tracking {
		w.changes.Spawned = append(w.changes.Spawned, e)
	}
	for _, c := range components {
		w.insert(e, r, c)
	}
	return e
}

// Despawn destroys an entity and everything it owns.
func (w *World) Despawn(e models.EntityID) bool {
	r := w.row(e)
	if r == nil {
		return false
	}
	if w.tracking {
		w.changes.Despawned[e] = r.components
		delete(w.changes.Inserted, e)
		delete(w.changes.Updated, e)
		delete(w.changes.Removed, e)
	}
	r.alive = false
	r.components = nil
	w.free = append(w.free, e.Index())
	return true
}

func (w *World) Exists(e models.EntityID) bool {
	return w.row(e) != nil
}

// Insert adds or replaces components on e.
func (w *World) Insert(e models.EntityID, components ...any) error {
	r := w.row(e)
	if r == nil {
		return ErrNoSuchEntity
	}
	for _, c := range components {
		w.insert(e, r, c)
	}
	return nil
}

func (w *World) insert(e models.EntityID, r *row, c any) {
	typ := reflect.TypeOf(c)
	_, existed := r.components[typ]
	r.components[typ] = c
	if !w.tracking {
		return
	}
	if removed, ok := w.changes.Removed[e]; ok {
		if _, wasRemoved := removed[typ]; wasRemoved {
			delete(removed, typ)
			existed = true
		}
	}
	if existed {
		addType(w.changes.Updated, e, typ)
	} else {
		addType(w.changes.Inserted, e, typ)
	}
}

// Remove detaches the component of the given type.
func (w *World) Remove(e models.EntityID, typ reflect.Type) (any, bool) {
	r := w.row(e)
	if r == nil {
		return nil, false
	}
	v, ok := r.components[typ]
	if !ok {
		return nil, false
	}
	delete(r.components, typ)
	if w.tracking {
		if dropType(w.changes.Inserted, e, typ) {
			return v, true
		}
		dropType(w.changes.Updated, e, typ)
		removed, ok := w.changes.Removed[e]
		if !ok {
			removed = make(map[reflect.Type]any)
			w.changes.Removed[e] = removed
		}
		removed[typ] = v
	}
	return v, true
}

func (w *World) Get(e models.EntityID, typ reflect.Type) (any, bool) {
	r := w.row(e)
	if r == nil {
		return nil, false
	}
	v, ok := r.components[typ]
	return v, ok
}

// Components returns every component of e, ordered by type name.
func (w *World) Components(e models.EntityID) []any {
	r := w.row(e)
	if r == nil {
		return nil
	}
	out := make([]any, 0, len(r.components))
	for _, c := range r.components {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return reflect.TypeOf(out[i]).String() < reflect.TypeOf(out[j]).String()
	})
	return out
}

// Entities lists live entities in index order.
func (w *World) Entities() []models.EntityID {
	out := make([]models.EntityID, 0, len(w.rows))
	for i := range w.rows {
		if w.rows[i].alive {
			out = append(out, models.NewEntityID(uint32(i), w.rows[i].generation))
		}
	}
	return out
}

// With lists live entities holding a component of typ, in index order.
func (w *World) With(typ reflect.Type) []models.EntityID {
	var out []models.EntityID
	for i := range w.rows {
		r := &w.rows[i]
		if !r.alive {
			continue
		}
		if _, ok := r.components[typ]; ok {
			out = append(out, models.NewEntityID(uint32(i), r.generation))
		}
	}
	return out
}

func (w *World) Len() int {
	return len(w.rows) - len(w.free)
}

// Changes returns everything recorded since the previous call and starts a new change set.
func (w *World) Changes() ChangeSet {
	out := w.changes
	w.changes = newChangeSet()
	return out
}

func (w *World) row(e models.EntityID) *row {
	idx := e.Index()
	if !e.IsValid() || int(idx) >= len(w.rows) {
		return nil
	}
	r := &w.rows[idx]
	if !r.alive || r.generation != e.Generation() {
		return nil
	}
	return r
}

// Get is the typed form of World.Get.
func Get[T any](w *World, e models.EntityID) (T, bool) {
	v, ok := w.Get(e, reflect.TypeFor[T]())
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// Has reports whether e holds a T.
func Has[T any](w *World, e models.EntityID) bool {
	_, ok := w.Get(e, reflect.TypeFor[T]())
	return ok
}

// Remove is the typed form of World.Remove.
func Remove[T any](w *World, e models.EntityID) (T, bool) {
	v, ok := w.Remove(e, reflect.TypeFor[T]())
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// With lists entities holding a T.
func With[T any](w *World) []models.EntityID {
	return w.With(reflect.TypeFor[T]())
}
