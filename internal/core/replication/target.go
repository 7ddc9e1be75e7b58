package replication

import (
	"fmt"
	"slices"
	"strings"

	"github.com/zeusync/netsync/internal/core/models"
)

type TargetKind uint8

const (
	TargetNone TargetKind = iota
	TargetAll
	TargetOnly
	TargetAllExcept
)

// NetworkTarget selects the clients an entity is sent to. Values are immutable:
// Exclude returns a new target and never shares the receiver's client set.
type NetworkTarget struct {
	kind    TargetKind
	clients map[models.ClientID]struct{}
}

func NoClients() NetworkTarget {
	return NetworkTarget{kind: TargetNone}
}

func AllClients() NetworkTarget {
	return NetworkTarget{kind: TargetAll}
}

// Only targets exactly ids. An empty set is None.
func Only(ids ...models.ClientID) NetworkTarget {
	if len(ids) == 0 {
		return NoClients()
	}
	return NetworkTarget{kind: TargetOnly, clients: toSet(ids)}
}

// AllExcept targets every client but ids.
func AllExcept(ids ...models.ClientID) NetworkTarget {
	return NetworkTarget{kind: TargetAllExcept, clients: toSet(ids)}
}

func (t NetworkTarget) Kind() TargetKind { return t.kind }

// Clients returns the listed ids of an Only or AllExcept target, sorted.
func (t NetworkTarget) Clients() []models.ClientID {
	out := make([]models.ClientID, 0, len(t.clients))
	for id := range t.clients {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (t NetworkTarget) ShouldSendTo(client models.ClientID) bool {
	switch t.kind {
	case TargetAll:
		return true
	case TargetOnly:
		_, ok := t.clients[client]
		return ok
	case TargetAllExcept:
		_, ok := t.clients[client]
		return !ok
	default:
		return false
	}
}

// Exclude removes ids from the target.
func (t NetworkTarget) Exclude(ids ...models.ClientID) NetworkTarget {
	switch t.kind {
	case TargetAll:
		return AllExcept(ids...)
	case TargetAllExcept:
		set := copySet(t.clients)
		for _, id := range ids {
			set[id] = struct{}{}
		}
		return NetworkTarget{kind: TargetAllExcept, clients: set}
	case TargetOnly:
		set := copySet(t.clients)
		for _, id := range ids {
			delete(set, id)
		}
		if len(set) == 0 {
			return NoClients()
		}
		return NetworkTarget{kind: TargetOnly, clients: set}
	default:
		return NoClients()
	}
}

func (t NetworkTarget) Equal(o NetworkTarget) bool {
	if t.kind != o.kind || len(t.clients) != len(o.clients) {
		return false
	}
	for id := range t.clients {
		if _, ok := o.clients[id]; !ok {
			return false
		}
	}
	return true
}

func (t NetworkTarget) String() string {
	ids := func() string {
		parts := make([]string, 0, len(t.clients))
		for _, id := range t.Clients() {
			parts = append(parts, fmt.Sprint(uint64(id)))
		}
		return strings.Join(parts, ",")
	}
	switch t.kind {
	case TargetAll:
		return "All"
	case TargetOnly:
		return "Only(" + ids() + ")"
	case TargetAllExcept:
		return "AllExcept(" + ids() + ")"
	default:
		return "None"
	}
}

func toSet(ids []models.ClientID) map[models.ClientID]struct{} {
	set := make(map[models.ClientID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func copySet(in map[models.ClientID]struct{}) map[models.ClientID]struct{} {
	out := make(map[models.ClientID]struct{}, len(in))
	for id := range in {
		out[id] = struct{}{}
	}
	return out
}
