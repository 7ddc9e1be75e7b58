package demo

import (
	"github.com/zeusync/netsync/internal/core/events/bus"
	"github.com/zeusync/netsync/internal/core/models"
	"github.com/zeusync/netsync/internal/core/prediction"
	"github.com/zeusync/netsync/internal/core/replication"
	"github.com/zeusync/netsync/internal/core/world"
	"github.com/zeusync/netsync/internal/server"
)

// Game is the server half of the demo. It spawns a player per connected client
// and moves it with that client's inputs.
type Game struct {
	server  *server.Server[Inputs]
	players map[models.ClientID]models.EntityID
	subs    []bus.Subscription
}

// NewGame attaches the game to srv and installs Tick as its simulation.
func NewGame(srv *server.Server[Inputs]) *Game {
	g := &Game{
		server:  srv,
		players: make(map[models.ClientID]models.EntityID),
	}
	g.subs = append(g.subs,
		srv.Bus().Subscribe(bus.ClientConnected, g.onConnected),
		srv.Bus().Subscribe(bus.ClientDisconnected, g.onDisconnected),
	)
	srv.SetOnTick(g.Tick)
	return g
}

// Player returns the entity controlled by client.
func (g *Game) Player(client models.ClientID) (models.EntityID, bool) {
	e, ok := g.players[client]
	return e, ok
}

func (g *Game) onConnected(ev bus.Event) error {
	client := ev.Data().(bus.ConnectionEvent).ClientID

	rep := replication.NewReplicate()
	rep.PredictionTarget = replication.Only(client)
	rep.InterpolationTarget = replication.AllExcept(client)

	g.players[client] = g.server.World().Spawn(
		PlayerID{Client: client},
		PlayerPosition{},
		ColorFor(client),
		rep,
	)
	return nil
}

func (g *Game) onDisconnected(ev bus.Event) error {
	client := ev.Data().(bus.ConnectionEvent).ClientID
	if e, ok := g.players[client]; ok {
		g.server.World().Despawn(e)
		delete(g.players, client)
	}
	return nil
}

// Tick moves every player that sent an input for tick.
func (g *Game) Tick(s *server.Server[Inputs], tick models.Tick) {
	w := s.World()
	for client, e := range g.players {
		in, ok := s.Input(client, tick)
		if !ok || in.Direction.IsZero() {
			continue
		}
		pos, ok := world.Get[PlayerPosition](w, e)
		if !ok {
			continue
		}
		_ = w.Insert(e, Move(pos, in))
	}
}

// Close detaches the game from the server bus.
func (g *Game) Close() {
	for _, sub := range g.subs {
		sub.Cancel()
	}
}

// ClientSimulation moves the predicted player of the local client.
func ClientSimulation(local func() models.ClientID) prediction.Simulation[Inputs] {
	return prediction.SimulationFunc[Inputs](func(w *world.World, _ models.Tick, in Inputs, ok bool) {
		if !ok || in.Direction.IsZero() {
			return
		}
		for _, e := range world.With[models.Predicted](w) {
			id, ok := world.Get[PlayerID](w, e)
			if !ok || id.Client != local() {
				continue
			}
			if pos, ok := world.Get[PlayerPosition](w, e); ok {
				_ = w.Insert(e, Move(pos, in))
			}
		}
	})
}
