package models

import (
	"fmt"
	"strings"
)

// SyncMode controls how a component is replicated and reconciled.
type SyncMode uint8

const (
	// SyncFull replicates every change, is interpolated and checked for rollback.
	SyncFull SyncMode = iota
	// SyncSimple replicates every change and overwrites predicted/interpolated copies.
	SyncSimple
	// SyncOnce is sent with the spawn only.
	SyncOnce
	// SyncNone is never sent.
	SyncNone
)

func ParseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full":
		return SyncFull, nil
	case "simple":
		return SyncSimple, nil
	case "once":
		return SyncOnce, nil
	case "none":
		return SyncNone, nil
	default:
		return SyncNone, fmt.Errorf("unknown sync mode %q", s)
	}
}

func (m SyncMode) String() string {
	switch m {
	case SyncFull:
		return "full"
	case SyncSimple:
		return "simple"
	case SyncOnce:
		return "once"
	case SyncNone:
		return "none"
	default:
		return fmt.Sprintf("syncmode(%d)", uint8(m))
	}
}

// SendsOnSpawn reports whether the component travels with a spawn.
func (m SyncMode) SendsOnSpawn() bool { return m != SyncNone }

// SendsUpdates reports whether later changes are replicated.
func (m SyncMode) SendsUpdates() bool { return m == SyncFull || m == SyncSimple }
