package models

// Confirmed marks the client row that mirrors the server's authoritative state.
type Confirmed struct {
	Remote       EntityID
	Predicted    EntityID
	Interpolated EntityID
	Tick         Tick
}

// Predicted marks a locally simulated copy of a Confirmed row.
type Predicted struct {
	Confirmed EntityID
}

// Interpolated marks a delayed, smoothed copy of a Confirmed row.
type Interpolated struct {
	Confirmed EntityID
}
