package models

import "fmt"

// EntityID packs a row index and a generation: index in the low 32 bits, generation in the high 32.
// The zero value never names a live entity.
type EntityID uint64

const NoEntity EntityID = 0

func NewEntityID(index, generation uint32) EntityID {
	return EntityID(uint64(generation)<<32 | uint64(index))
}

func (e EntityID) Index() uint32      { return uint32(e) }
func (e EntityID) Generation() uint32 { return uint32(e >> 32) }
func (e EntityID) IsValid() bool      { return e != NoEntity }

func (e EntityID) String() string {
	return fmt.Sprintf("%dv%d", e.Index(), e.Generation())
}

// ClientID is assigned by the connect token and stays stable for a connection's lifetime.
type ClientID uint64

// Tick is the fixed simulation step counter shared by server and client.
type Tick uint32

// Sub returns t-o, clamped at zero.
func (t Tick) Sub(o Tick) Tick {
	if !o.Before(t) {
		return 0
	}
	return t - o
}

// Diff is the signed distance from o to t. It stays correct across the uint32
// wrap as long as the two ticks are less than 2^31 apart.
func (t Tick) Diff(o Tick) int32 { return int32(t - o) }

// Before reports whether t comes strictly before o, modulo wraparound.
func (t Tick) Before(o Tick) bool { return t.Diff(o) < 0 }

// After reports whether t comes strictly after o, modulo wraparound.
func (t Tick) After(o Tick) bool { return t.Diff(o) > 0 }

// ComponentKind is the network id of a registered component type.
type ComponentKind uint16

// GroupID names a replication group. Groups derived from an entity reuse the entity's bits.
type GroupID uint64
