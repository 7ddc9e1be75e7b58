// Package client is the Go client SDK: it connects to a server with a connect
// token, mirrors the replicated world, predicts the entities it controls and
// interpolates the others.
package client

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/netsync/internal/core/channel"
	"github.com/zeusync/netsync/internal/core/config"
	"github.com/zeusync/netsync/internal/core/events/bus"
	"github.com/zeusync/netsync/internal/core/interpolation"
	"github.com/zeusync/netsync/internal/core/models"
	"github.com/zeusync/netsync/internal/core/netcode"
	"github.com/zeusync/netsync/internal/core/observability/log"
	"github.com/zeusync/netsync/internal/core/observability/metrics"
	"github.com/zeusync/netsync/internal/core/prediction"
	"github.com/zeusync/netsync/internal/core/protocol"
	"github.com/zeusync/netsync/internal/core/replication"
	"github.com/zeusync/netsync/internal/core/timesync"
	"github.com/zeusync/netsync/internal/core/transport"
	"github.com/zeusync/netsync/internal/core/world"
)

// Options carries the collaborators of a Client. Conn and Registry are required;
// Simulation is required for prediction to move anything.
type Options[I any] struct {
	Config     *config.Config
	Registry   *models.Registry
	Conn       transport.PacketConn
	Simulation prediction.Simulation[I]
	// Input, when set, is polled once per synced tick for the local input.
	Input      InputFunc[I]
	Clock      clock.Clock
	Logger     log.Log
	Metrics    *metrics.Metrics
	Bus        bus.EventBus
}

// InputFunc samples the local input for tick. ok=false records nothing.
type InputFunc[I any] func(tick models.Tick) (input I, ok bool)

// Client is the client side of a game. Step advances it by one tick.
//
// Everything but Enqueue and Stats must be called from the goroutine that
// calls Step (Run does this for you).
type Client[I any] struct {
	cfg      *config.Config
	registry *models.Registry
	conn     transport.PacketConn
	clock    clock.Clock
	logger   log.Log
	metrics  *metrics.Metrics
	bus      bus.EventBus

	world         *world.World
	netcode       *netcode.Client
	channels      *channel.Registry
	mux           *channel.Multiplexer
	codec         *protocol.Codec
	receiver      *replication.Receiver
	prediction    *prediction.Manager[I]
	interpolation *interpolation.Manager
	sync          *timesync.Sync
	input         InputFunc[I]

	inbound  chan transport.Packet
	tick     models.Tick
	synced   bool
	lastPing time.Time

	connected atomic.Bool
	running   atomic.Bool
	closed    atomic.Bool
}

func NewClient[I any](opts Options[I]) (*Client[I], error) {
	if opts.Conn == nil {
		return nil, ErrNoTransport
	}
	if opts.Registry == nil {
		return nil, ErrNoRegistry
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	if opts.Simulation == nil {
		opts.Simulation = prediction.SimulationFunc[I](func(*world.World, models.Tick, I, bool) {})
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	if err := opts.Registry.ApplyModes(cfg.Components); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}

	w := world.NewUntracked()
	c := &Client[I]{
		cfg:      cfg,
		registry: opts.Registry,
		conn:     opts.Conn,
		clock:    opts.Clock,
		logger:   opts.Logger.With(log.Component("client")),
		metrics:  opts.Metrics,
		bus:      opts.Bus,
		world:    w,
		netcode: netcode.NewClient(opts.Conn, netcode.ClientConfig{
			KeepAliveInterval: cfg.Netcode.KeepAliveInterval,
			RequestInterval:   cfg.Netcode.RequestInterval,
		}, opts.Clock, opts.Logger),
		channels: channel.DefaultRegistry(cfg.Channels),
		codec:    protocol.NewCodec(cfg.Replication.CompressionThreshold),
		prediction: prediction.NewManager(w, opts.Registry, opts.Simulation, prediction.Config{
			InputBuffer:   cfg.Prediction.InputBuffer,
			HistoryLength: cfg.Prediction.HistoryLength,
		}, opts.Logger, opts.Metrics),
		interpolation: interpolation.NewManager(w, opts.Registry, interpolation.Config{
			Delay: interpolation.Delay{
				Duration: cfg.Interpolation.Delay,
				Ratio:    cfg.Interpolation.DelayRatio,
				Min:      cfg.Interpolation.MinDelay,
			},
			TickDuration:  cfg.TickDuration(),
			HistoryLength: cfg.Interpolation.HistoryLength,
		}, opts.Logger),
		sync:    timesync.New(opts.Clock, timesync.Config{TickDuration: cfg.TickDuration()}),
		inbound: make(chan transport.Packet, cfg.Client.InboundBuffer),
		input:   opts.Input,
	}
	c.receiver = replication.NewReceiver(w, opts.Registry, hooks[I]{c: c},
		cfg.Replication.PendingUpdateLimit, opts.Logger, opts.Metrics)
	return c, nil
}

// Connect starts the handshake. Progress happens in Step.
func (c *Client[I]) Connect(token *netcode.ConnectToken) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if err := c.netcode.Connect(token); err != nil {
		return err
	}
	c.logger.Info("Connecting", log.Addr(token.ServerAddresses[0]))
	return nil
}

// World holds Confirmed rows mirrored from the server plus their Predicted and
// Interpolated copies.
func (c *Client[I]) World() *world.World { return c.world }

// Bus publishes connection, entity and message events.
func (c *Client[I]) Bus() bus.EventBus { return c.bus }

// Subscribe is a shorthand for Bus().Subscribe.
func (c *Client[I]) Subscribe(eventType string, handler bus.EventHandler) bus.Subscription {
	return c.bus.Subscribe(eventType, handler)
}

func (c *Client[I]) IsConnected() bool { return c.netcode.IsConnected() }

func (c *Client[I]) ClientID() models.ClientID { return models.ClientID(c.netcode.ClientID()) }

// State is the handshake state.
func (c *Client[I]) State() netcode.ClientState { return c.netcode.State() }

// Tick is the tick the next Step will predict.
func (c *Client[I]) Tick() models.Tick { return c.tick }

// Synced reports whether the client has a server time estimate and runs ahead of it.
func (c *Client[I]) Synced() bool { return c.synced }

// RTT is the smoothed round trip time to the server.
func (c *Client[I]) RTT() time.Duration { return c.sync.Estimator().RTT() }

// Local maps a server entity id to its Confirmed row.
func (c *Client[I]) Local(remote models.EntityID) (models.EntityID, bool) {
	return c.receiver.Local(remote)
}

// PredictedOf returns the Predicted copy of a Confirmed row.
func (c *Client[I]) PredictedOf(confirmed models.EntityID) (models.EntityID, bool) {
	return c.prediction.PredictedOf(confirmed)
}

// InterpolatedOf returns the Interpolated copy of a Confirmed row.
func (c *Client[I]) InterpolatedOf(confirmed models.EntityID) (models.EntityID, bool) {
	return c.interpolation.InterpolatedOf(confirmed)
}

// AddInput records the local input for the tick the next Step predicts.
func (c *Client[I]) AddInput(input I) {
	c.prediction.AddInput(c.tick, input)
}

// SendMessage queues an application payload on the reliable unordered Messages channel.
func (c *Client[I]) SendMessage(payload []byte) error {
	if c.mux == nil {
		return ErrNotConnected
	}
	return c.mux.Send(channel.Messages, payload)
}

// Enqueue hands a packet read from the transport to the tick loop. It never
// blocks: when the inbound queue is full the packet is dropped and counted.
func (c *Client[I]) Enqueue(p transport.Packet) bool {
	select {
	case c.inbound <- p:
		c.metrics.PacketsReceived.Inc()
		return true
	default:
		c.metrics.PacketsDropped.WithLabelValues("inbound_full").Inc()
		return false
	}
}

// Step runs one client tick: network input, time sync, rollback and
// prediction, interpolation, then network output.
func (c *Client[I]) Step() {
	start := c.clock.Now()

	c.drainInbound()
	c.netcode.Update()
	c.updateConnection()

	if c.mux != nil {
		for _, payload := range c.netcode.Receive() {
			if err := c.mux.ReceivePacket(payload); err != nil {
				c.metrics.PacketsDropped.WithLabelValues("malformed").Inc()
				c.logger.Debug("Dropped server packet", log.Error(err))
			}
		}
		c.handleDeliveries()
	}

	if c.syncTick() {
		if c.input != nil {
			if in, ok := c.input(c.tick); ok {
				c.prediction.AddInput(c.tick, in)
			}
		}
		c.prediction.Reconcile(c.tick)
		c.prediction.Step(c.tick)
		c.sendInputs(c.tick)

		est := c.sync.EstimatedServerTick()
		now := math.Floor(est)
		c.interpolation.Update(models.Tick(now), est-now)
	}

	if c.mux != nil {
		c.ping()
		c.flush()
	}

	if c.synced {
		c.tick++
	}
	c.metrics.TickDuration.Observe(c.clock.Since(start).Seconds())
}

func (c *Client[I]) drainInbound() {
	for {
		select {
		case p := <-c.inbound:
			c.netcode.HandlePacket(p)
		default:
			return
		}
	}
}

// updateConnection reacts to handshake transitions.
func (c *Client[I]) updateConnection() {
	connected := c.netcode.IsConnected()
	if connected == c.connected.Load() {
		return
	}
	c.connected.Store(connected)

	id := models.ClientID(c.netcode.ClientID())
	if connected {
		c.mux = channel.NewMultiplexer(c.channels, channel.Config{
			PacketBudget:    c.cfg.Transport.MTU - netcode.Overhead,
			MaxFragmentSize: c.cfg.Channels.MaxFragmentSize,
			MaxFragments:    c.cfg.Channels.MaxFragments,
		}, c.clock, c.metrics)
		c.sync = timesync.New(c.clock, timesync.Config{TickDuration: c.cfg.TickDuration()})
		c.synced = false
		c.lastPing = time.Time{}

		c.logger.Info("Connected", log.ClientID(uint64(id)))
		c.publish(bus.ClientConnected, bus.ConnectionEvent{ClientID: id})
		return
	}

	if c.mux != nil {
		c.mux.Close()
		c.mux = nil
	}
	c.synced = false
	c.receiver.Reset(c.tick)
	reason := c.netcode.Reason().String()
	c.logger.Info("Disconnected", log.String("reason", reason))
	c.publish(bus.ClientDisconnected, bus.ConnectionEvent{ClientID: id, Reason: reason})
}

func (c *Client[I]) handleDeliveries() {
	for _, d := range c.mux.Poll() {
		switch d.Channel {
		case channel.EntityActions, channel.EntityUpdates:
			var msg protocol.GroupMessage
			if err := c.codec.Unmarshal(d.Payload, &msg); err != nil {
				c.logger.Debug("Invalid group message", log.Error(err))
				continue
			}
			if err := c.receiver.Receive(&msg); err != nil {
				c.logger.Warn("Replication apply failed", log.GroupID(uint64(msg.Group)), log.Error(err))
			}
		case channel.Ping:
			var pong protocol.PingMessage
			if err := c.codec.Unmarshal(d.Payload, &pong); err == nil {
				c.sync.OnPong(pong)
			}
		case channel.Messages:
			c.publish(bus.MessageReceived, bus.MessageEvent{ClientID: c.ClientID(), Payload: d.Payload})
		}
	}
}

// syncTick places the client tick ahead of the server once the first pong is
// in, and jumps it when it drifts past the resync threshold.
func (c *Client[I]) syncTick() bool {
	if c.mux == nil || !c.sync.Synced() {
		return false
	}
	if !c.synced {
		c.tick = c.sync.TargetTick()
		c.synced = true
		c.logger.Info("Time synced", log.Tick(uint32(c.tick)), log.Duration("rtt", c.RTT()))
		return true
	}
	if tick, jumped := c.sync.Resync(c.tick); jumped {
		c.logger.Debug("Tick resynced", log.Tick(uint32(c.tick)), log.Uint32("to", uint32(tick)))
		c.tick = tick
	}
	return true
}

// sendInputs sends the input of tick along with the previous ones so a lost
// packet costs nothing while a later one arrives.
func (c *Client[I]) sendInputs(tick models.Tick) {
	n := max(c.cfg.Prediction.InputRedundancy, 1)
	inputs, present := c.prediction.Inputs().Window(tick, n)

	msg := protocol.InputMessage{Tick: tick, Inputs: make([][]byte, n)}
	found := false
	for i := range inputs {
		if !present[i] {
			continue
		}
		raw, err := msgpack.Marshal(inputs[i])
		if err != nil {
			c.logger.Warn("Encode input failed", log.Tick(uint32(tick)), log.Error(err))
			continue
		}
		msg.Inputs[i] = raw
		found = true
	}
	if !found {
		return
	}

	data, err := c.codec.Marshal(&msg)
	if err != nil {
		return
	}
	if err := c.mux.Send(channel.Inputs, data); err != nil {
		c.logger.Debug("Input send failed", log.Error(err))
	}
}

func (c *Client[I]) ping() {
	now := c.clock.Now()
	if now.Sub(c.lastPing) < c.cfg.Client.PingInterval {
		return
	}
	c.lastPing = now
	data, err := c.codec.Marshal(c.sync.Ping())
	if err != nil {
		return
	}
	_ = c.mux.Send(channel.Ping, data)
}

func (c *Client[I]) flush() {
	packets, err := c.mux.Flush()
	if err != nil {
		c.logger.Debug("Multiplexer flush failed", log.Error(err))
		return
	}
	for _, p := range packets {
		if err := c.netcode.Send(p); err != nil {
			c.logger.Debug("Packet send failed", log.Error(err))
			return
		}
	}
}

func (c *Client[I]) publish(typ string, data any) {
	if err := c.bus.Publish(bus.NewEventAt(typ, "client", c.clock.Now(), data)); err != nil {
		c.logger.Warn("Event handler failed", log.String("event", typ), log.Error(err))
	}
}

// Run reads the transport and steps the client at the configured tick rate
// until ctx ends or the transport fails.
func (c *Client[I]) Run(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if !c.running.CompareAndSwap(false, true) {
		return ErrClientAlreadyRunning
	}
	defer c.running.Store(false)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			p, err := c.conn.ReadPacket(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, protocol.ErrTransportClosed) {
					return nil
				}
				return err
			}
			c.Enqueue(p)
		}
	})
	g.Go(func() error {
		ticker := c.clock.Ticker(c.cfg.TickDuration())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				c.Step()
			}
		}
	})
	return g.Wait()
}

// Stats contains client statistics
type Stats struct {
	Connected bool
	Running   bool
}

// Stats is safe to call from any goroutine.
func (c *Client[I]) Stats() Stats {
	return Stats{
		Connected: c.connected.Load(),
		Running:   c.running.Load(),
	}
}

// Close tells the server goodbye and closes the transport. Call it after Run returned.
func (c *Client[I]) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.netcode.Disconnect()
	c.updateConnection()
	if err := c.conn.Close(); err != nil && !errors.Is(err, protocol.ErrTransportClosed) {
		return err
	}
	return nil
}
