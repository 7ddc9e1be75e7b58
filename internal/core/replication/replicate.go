package replication

import (
	"reflect"
	"slices"

	"github.com/zeusync/netsync/internal/core/models"
)

// Mode picks how visibility is decided for an entity.
type Mode uint8

const (
	ModeNetworkTarget Mode = iota
	ModeRoom
)

// Group says which replication group an entity belongs to.
type Group struct {
	id       models.GroupID
	explicit bool
}

// GroupFromEntity puts the entity in its own group, named by its id.
func GroupFromEntity() Group { return Group{} }

// ExplicitGroup puts the entity in a caller-named group. The id shares the
// entity id space.
func ExplicitGroup(id uint64) Group { return Group{id: models.GroupID(id), explicit: true} }

func (g Group) Explicit() bool { return g.explicit }

// ID resolves the group id for entity e.
func (g Group) ID(e models.EntityID) models.GroupID {
	if g.explicit {
		return g.id
	}
	return models.GroupID(e)
}

type Visibility uint8

const (
	Gained Visibility = iota + 1
	Maintained
	Lost
)

func (v Visibility) String() string {
	switch v {
	case Gained:
		return "gained"
	case Maintained:
		return "maintained"
	case Lost:
		return "lost"
	default:
		return "absent"
	}
}

// visible reports whether a record means the client currently holds the entity.
func (v Visibility) visible() bool {
	return v == Gained || v == Maintained
}

// Replicate marks an entity for replication. Store it on the entity as a pointer;
// it also carries the per-client visibility cache, so it lives and dies with the entity.
type Replicate struct {
	Target              NetworkTarget
	PredictionTarget    NetworkTarget
	InterpolationTarget NetworkTarget
	Mode                Mode
	Group               Group

	visibility map[models.ClientID]Visibility
}

// NewReplicate replicates to every client, with no prediction or interpolation.
func NewReplicate() *Replicate {
	return &Replicate{
		Target:              AllClients(),
		PredictionTarget:    NoClients(),
		InterpolationTarget: NoClients(),
		visibility:          make(map[models.ClientID]Visibility),
	}
}

var replicateType = reflect.TypeFor[*Replicate]()

// Visibility returns the record for client.
func (r *Replicate) Visibility(client models.ClientID) (Visibility, bool) {
	v, ok := r.visibility[client]
	return v, ok
}

// VisibleTo lists clients currently holding the entity, sorted.
func (r *Replicate) VisibleTo() []models.ClientID {
	var out []models.ClientID
	for c, v := range r.visibility {
		if v.visible() {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return out
}

func (r *Replicate) setVisibility(client models.ClientID, v Visibility) {
	if r.visibility == nil {
		r.visibility = make(map[models.ClientID]Visibility)
	}
	r.visibility[client] = v
}

func (r *Replicate) forget(client models.ClientID) {
	delete(r.visibility, client)
}
