// Package demo is a small movement game used by the binaries and the end-to-end
// tests: every client gets a square it moves with its inputs; its own square is
// predicted and everybody else's is interpolated.
package demo

import (
	"github.com/go-gl/mathgl/mgl32"

	"github.com/zeusync/netsync/internal/core/models"
)

// Speed is the distance a player moves per tick.
const Speed float32 = 0.5

// PlayerID names the client that controls an entity. Sent once with the spawn.
type PlayerID struct {
	Client models.ClientID
}

// PlayerPosition is predicted and interpolated.
type PlayerPosition struct {
	Pos mgl32.Vec2
}

type PlayerColor struct {
	R, G, B uint8
}

// Direction is the set of movement keys held during one tick.
type Direction struct {
	Up, Down, Left, Right bool
}

func (d Direction) IsZero() bool { return d == Direction{} }

// Velocity is the unit step for d. Opposite keys cancel out.
func (d Direction) Velocity() mgl32.Vec2 {
	var v mgl32.Vec2
	if d.Up {
		v[1]++
	}
	if d.Down {
		v[1]--
	}
	if d.Right {
		v[0]++
	}
	if d.Left {
		v[0]--
	}
	if v.Len() == 0 {
		return v
	}
	return v.Normalize()
}

// Inputs is what a client sends every tick.
type Inputs struct {
	Direction Direction
}

// Move applies one tick of input. Server and client run exactly this.
func Move(p PlayerPosition, in Inputs) PlayerPosition {
	return PlayerPosition{Pos: p.Pos.Add(in.Direction.Velocity().Mul(Speed))}
}

func lerpPosition(from, to PlayerPosition, t float32) PlayerPosition {
	return PlayerPosition{Pos: from.Pos.Add(to.Pos.Sub(from.Pos).Mul(t))}
}

// positionDiverged tolerates float noise between the two simulations.
func positionDiverged(predicted, confirmed PlayerPosition) bool {
	return !predicted.Pos.ApproxEqualThreshold(confirmed.Pos, 1e-3)
}

// Register adds the demo components. Both peers call it.
func Register(r *models.Registry) {
	models.MustRegister[PlayerID](r, "player_id", models.SyncOnce)
	models.MustRegister[PlayerPosition](r, "player_position", models.SyncFull,
		models.WithLerp(lerpPosition),
		models.WithDiverged(positionDiverged))
	models.MustRegister[PlayerColor](r, "player_color", models.SyncSimple)
}

var palette = []PlayerColor{
	{R: 230, G: 57, B: 70},
	{R: 69, G: 123, B: 157},
	{R: 42, G: 157, B: 143},
	{R: 233, G: 196, B: 106},
	{R: 244, G: 162, B: 97},
}

// ColorFor picks a stable color per client.
func ColorFor(client models.ClientID) PlayerColor {
	return palette[uint64(client)%uint64(len(palette))]
}
