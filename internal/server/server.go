package server

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/netsync/internal/core/channel"
	"github.com/zeusync/netsync/internal/core/config"
	"github.com/zeusync/netsync/internal/core/events/bus"
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

// TickFunc runs the game simulation for one server tick. It may read client
// inputs and change the world; the changes are replicated right after it returns.
type TickFunc[I any] func(s *Server[I], tick models.Tick)

// Options carries the collaborators of a Server. Conn and Registry are required.
type Options[I any] struct {
	Config   *config.Config
	Registry *models.Registry
	Conn     transport.PacketConn
	Clock    clock.Clock
	Logger   log.Log
	Metrics  *metrics.Metrics
	Bus      bus.EventBus
	OnTick   TickFunc[I]
}

// clientSession is everything the server keeps for one connected client.
type clientSession[I any] struct {
	id          models.ClientID
	mux         *channel.Multiplexer
	inputs      *prediction.InputBuffer[I]
	connectedAt time.Time
	// encoded action messages the reliable channel refused, oldest first
	pendingActions [][]byte
}

// sendActions queues data behind earlier refused action messages and sends
// as many as the reliable channel accepts, keeping their order.
func (c *clientSession[I]) sendActions(data []byte) error {
	if data != nil {
		c.pendingActions = append(c.pendingActions, data)
	}
	for len(c.pendingActions) > 0 {
		if err := c.mux.Send(channel.EntityActions, c.pendingActions[0]); err != nil {
			if errors.Is(err, protocol.ErrChannelOverflow) {
				return nil
			}
			c.pendingActions = c.pendingActions[1:]
			return err
		}
		c.pendingActions[0] = nil
		c.pendingActions = c.pendingActions[1:]
	}
	return nil
}

// Server is the authoritative side of a game. It owns the world; Step advances
// it by one tick and replicates what changed to every connected client.
//
// Everything but Enqueue, GenerateToken and Stats must be called from the
// goroutine that calls Step (Run does this for you).
type Server[I any] struct {
	cfg      *config.Config
	registry *models.Registry
	conn     transport.PacketConn
	clock    clock.Clock
	logger   log.Log
	metrics  *metrics.Metrics
	bus      bus.EventBus
	onTick   TickFunc[I]

	world     *world.World
	authority *netcode.TokenAuthority
	netcode   *netcode.Server
	channels  *channel.Registry
	codec     *protocol.Codec
	sender    *replication.Sender

	clients map[models.ClientID]*clientSession[I]
	inbound chan transport.Packet
	tick    models.Tick

	clientCount atomic.Int64
	currentTick atomic.Uint32
	running     atomic.Bool
	closed      atomic.Bool
}

// NewServer builds a server on an already bound packet conn.
func NewServer[I any](opts Options[I]) (*Server[I], error) {
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
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	if err := opts.Registry.ApplyModes(cfg.Components); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}

	key, err := cfg.Netcode.Key()
	if err != nil {
		return nil, err
	}
	authority, err := netcode.NewTokenAuthority(cfg.Netcode.ProtocolID, key, opts.Clock)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger.With(log.Component("server"))
	nc, err := netcode.NewServer(opts.Conn, authority, netcode.ServerConfig{
		MaxClients:        cfg.Server.MaxClients,
		KeepAliveInterval: cfg.Netcode.KeepAliveInterval,
		RequestRate:       cfg.Netcode.RequestRate,
		RequestBurst:      cfg.Netcode.RequestBurst,
		UsedTokenTTL:      cfg.Netcode.TokenExpiry,
		UsedTokenCapacity: cfg.Netcode.UsedTokenCapacity,
	}, opts.Clock, opts.Logger, opts.Metrics)
	if err != nil {
		return nil, err
	}

	s := &Server[I]{
		cfg:       cfg,
		registry:  opts.Registry,
		conn:      opts.Conn,
		clock:     opts.Clock,
		logger:    logger,
		metrics:   opts.Metrics,
		bus:       opts.Bus,
		onTick:    opts.OnTick,
		world:     world.New(),
		authority: authority,
		netcode:   nc,
		channels:  channel.DefaultRegistry(cfg.Channels),
		codec:     protocol.NewCodec(cfg.Replication.CompressionThreshold),
		clients:   make(map[models.ClientID]*clientSession[I]),
		inbound:   make(chan transport.Packet, cfg.Server.InboundBuffer),
	}
	s.sender = replication.NewSender(opts.Registry,
		replication.NewVisibilityEngine(replication.NewRoomManager()), opts.Logger, opts.Metrics)

	logger.Info("Server created",
		log.Addr(opts.Conn.LocalAddr()),
		log.Int("max_clients", cfg.Server.MaxClients),
		log.Int("tick_rate", cfg.Server.TickRate))
	return s, nil
}

// World is the authoritative world. Entities carrying a *replication.Replicate
// component are replicated.
func (s *Server[I]) World() *world.World { return s.world }

// SetOnTick replaces the simulation run by Step.
func (s *Server[I]) SetOnTick(fn TickFunc[I]) { s.onTick = fn }

// Rooms is the room membership used by entities replicated in room mode.
func (s *Server[I]) Rooms() *replication.RoomManager { return s.sender.Visibility().Rooms() }

// Bus publishes connection, message and server lifecycle events.
func (s *Server[I]) Bus() bus.EventBus { return s.bus }

// Tick is the tick the next Step will run.
func (s *Server[I]) Tick() models.Tick { return s.tick }

// Clients lists connected clients in ascending id order.
func (s *Server[I]) Clients() []models.ClientID {
	ids := make([]models.ClientID, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// IsConnected reports whether client has completed the handshake.
func (s *Server[I]) IsConnected(client models.ClientID) bool {
	_, ok := s.clients[client]
	return ok
}

// Input returns the input client sent for tick.
func (s *Server[I]) Input(client models.ClientID, tick models.Tick) (I, bool) {
	sess, ok := s.clients[client]
	if !ok {
		var zero I
		return zero, false
	}
	return sess.inputs.Get(tick)
}

// UserData returns the opaque bytes carried by client's connect token.
func (s *Server[I]) UserData(client models.ClientID) []byte {
	return s.netcode.UserData(uint64(client))
}

// GenerateToken mints a connect token that points at this server.
func (s *Server[I]) GenerateToken(client models.ClientID, userData []byte) (*netcode.ConnectToken, error) {
	return s.authority.Generate(netcode.TokenParams{
		ClientID:        uint64(client),
		ServerAddresses: []string{s.conn.LocalAddr()},
		Expiry:          s.cfg.Netcode.TokenExpiry,
		Timeout:         s.cfg.Netcode.Timeout,
		UserData:        userData,
	})
}

// SendMessage queues an application payload on the reliable unordered Messages channel.
func (s *Server[I]) SendMessage(client models.ClientID, payload []byte) error {
	sess, ok := s.clients[client]
	if !ok {
		return ErrClientNotFound
	}
	return sess.mux.Send(channel.Messages, payload)
}

// Broadcast sends payload to every connected client. Errors are combined.
func (s *Server[I]) Broadcast(payload []byte) error {
	var err error
	for _, id := range s.Clients() {
		err = multierr.Append(err, s.SendMessage(id, payload))
	}
	return err
}

// Disconnect ends client's connection.
func (s *Server[I]) Disconnect(client models.ClientID) {
	s.netcode.Disconnect(uint64(client))
	s.handleNetcodeEvents()
}

// Enqueue hands a packet read from the transport to the tick loop. It never
// blocks: when the inbound queue is full the packet is dropped and counted.
func (s *Server[I]) Enqueue(p transport.Packet) bool {
	select {
	case s.inbound <- p:
		s.metrics.PacketsReceived.Inc()
		return true
	default:
		s.metrics.PacketsDropped.WithLabelValues("inbound_full").Inc()
		return false
	}
}

// Step runs one server tick.
func (s *Server[I]) Step() {
	start := s.clock.Now()
	tick := s.tick

	s.drainInbound()
	s.netcode.Update()
	s.handleNetcodeEvents()

	for _, id := range s.Clients() {
		s.handleDeliveries(s.clients[id])
	}

	if s.onTick != nil {
		s.onTick(s, tick)
	}

	s.replicate(tick)
	s.flush()

	s.tick++
	s.currentTick.Store(uint32(s.tick))
	s.metrics.TickDuration.Observe(s.clock.Since(start).Seconds())
}

func (s *Server[I]) drainInbound() {
	for {
		select {
		case p := <-s.inbound:
			s.netcode.HandlePacket(p)
		default:
			return
		}
	}
}

func (s *Server[I]) handleNetcodeEvents() {
	for _, ev := range s.netcode.Events() {
		id := models.ClientID(ev.ClientID)
		switch ev.Kind {
		case netcode.EventConnected:
			s.addClient(id)
		case netcode.EventDisconnected:
			s.removeClient(id, ev.Reason.String())
		case netcode.EventPayload:
			sess, ok := s.clients[id]
			if !ok {
				continue
			}
			if err := sess.mux.ReceivePacket(ev.Payload); err != nil {
				s.metrics.PacketsDropped.WithLabelValues("malformed").Inc()
				s.logger.Debug("Dropped client packet", log.ClientID(uint64(id)), log.Error(err))
			}
		}
	}
}

func (s *Server[I]) addClient(id models.ClientID) {
	if _, ok := s.clients[id]; ok {
		return
	}
	s.clients[id] = &clientSession[I]{
		id: id,
		mux: channel.NewMultiplexer(s.channels, channel.Config{
			PacketBudget:    s.cfg.Transport.MTU - netcode.Overhead,
			MaxFragmentSize: s.cfg.Channels.MaxFragmentSize,
			MaxFragments:    s.cfg.Channels.MaxFragments,
		}, s.clock, s.metrics),
		inputs:      prediction.NewInputBuffer[I](s.cfg.Prediction.InputBuffer),
		connectedAt: s.clock.Now(),
	}
	s.clientCount.Store(int64(len(s.clients)))

	s.logger.Info("Client connected",
		log.ClientID(uint64(id)),
		log.Int("total_clients", len(s.clients)))
	s.publish(bus.ClientConnected, bus.ConnectionEvent{ClientID: id})
}

// removeClient forgets one client. Other clients and the world are untouched.
func (s *Server[I]) removeClient(id models.ClientID, reason string) {
	sess, ok := s.clients[id]
	if !ok {
		return
	}
	sess.mux.Close()
	delete(s.clients, id)
	s.sender.RemoveClient(s.world, id)
	s.clientCount.Store(int64(len(s.clients)))

	s.logger.Info("Client removed",
		log.ClientID(uint64(id)),
		log.String("reason", reason),
		log.Duration("session", s.clock.Since(sess.connectedAt)))
	s.publish(bus.ClientDisconnected, bus.ConnectionEvent{ClientID: id, Reason: reason})
}

func (s *Server[I]) handleDeliveries(sess *clientSession[I]) {
	for _, d := range sess.mux.Poll() {
		switch d.Channel {
		case channel.Inputs:
			s.handleInputs(sess, d.Payload)
		case channel.Ping:
			s.handlePing(sess, d.Payload)
		case channel.Messages:
			s.publish(bus.MessageReceived, bus.MessageEvent{ClientID: sess.id, Payload: d.Payload})
		default:
			s.logger.Debug("Unexpected channel from client",
				log.ClientID(uint64(sess.id)), log.Uint8("channel", uint8(d.Channel)))
		}
	}
}

// handleInputs stores every input of a redundant window. Entry i is the input
// of tick Tick-i, which wraps below zero like every other tick.
func (s *Server[I]) handleInputs(sess *clientSession[I], payload []byte) {
	var msg protocol.InputMessage
	if err := s.codec.Unmarshal(payload, &msg); err != nil {
		s.logger.Debug("Invalid input message", log.ClientID(uint64(sess.id)), log.Error(err))
		return
	}
	for i, raw := range msg.Inputs {
		if raw == nil {
			continue
		}
		var input I
		if err := msgpack.Unmarshal(raw, &input); err != nil {
			s.logger.Debug("Invalid input", log.ClientID(uint64(sess.id)), log.Error(err))
			continue
		}
		sess.inputs.Set(msg.Tick-models.Tick(i), input)
	}
}

func (s *Server[I]) handlePing(sess *clientSession[I], payload []byte) {
	var ping protocol.PingMessage
	if err := s.codec.Unmarshal(payload, &ping); err != nil || ping.Pong {
		return
	}
	data, err := s.codec.Marshal(timesync.Pong(ping, s.tick))
	if err != nil {
		return
	}
	_ = sess.mux.Send(channel.Ping, data)
}

// replicate turns this tick's world changes into group messages. Messages with
// actions go on the reliable ordered channel; update-only messages go on the
// sequenced channel with one stream per group.
//
// Action messages refused by a full reliable channel stay queued on the
// session and go out on later ticks ahead of newer actions.
func (s *Server[I]) replicate(tick models.Tick) {
	if err := s.sender.Collect(s.world, s.world.Changes(), s.Clients()); err != nil {
		s.logger.Warn("Replication collect failed", log.Tick(uint32(tick)), log.Error(err))
	}

	for _, id := range s.Clients() {
		sess := s.clients[id]
		if len(sess.pendingActions) == 0 {
			continue
		}
		if err := sess.sendActions(nil); err != nil {
			s.logger.Warn("Replication send failed", log.ClientID(uint64(id)), log.Error(err))
		}
	}

	for _, out := range s.sender.Flush(tick) {
		sess, ok := s.clients[out.Client]
		if !ok {
			continue
		}
		data, err := s.codec.Marshal(&out.Message)
		if err != nil {
			s.logger.Error("Encode group message failed", log.GroupID(uint64(out.Message.Group)), log.Error(err))
			continue
		}
		if out.Reliable() {
			err = sess.sendActions(data)
			if n := len(sess.pendingActions); n > 0 {
				s.logger.Debug("Action message queued",
					log.ClientID(uint64(out.Client)),
					log.GroupID(uint64(out.Message.Group)),
					log.Int("pending", n))
			}
		} else {
			err = sess.mux.SendStream(channel.EntityUpdates, uint64(out.Message.Group), data)
		}
		if err != nil {
			s.logger.Warn("Replication send failed",
				log.ClientID(uint64(out.Client)),
				log.GroupID(uint64(out.Message.Group)),
				log.Error(err))
		}
	}
}

func (s *Server[I]) flush() {
	for _, id := range s.Clients() {
		packets, err := s.clients[id].mux.Flush()
		if err != nil {
			s.logger.Debug("Multiplexer flush failed", log.ClientID(uint64(id)), log.Error(err))
			continue
		}
		for _, p := range packets {
			if err := s.netcode.Send(uint64(id), p); err != nil {
				s.logger.Debug("Packet send failed", log.ClientID(uint64(id)), log.Error(err))
				break
			}
		}
	}
}

func (s *Server[I]) publish(typ string, data any) {
	if err := s.bus.Publish(bus.NewEventAt(typ, "server", s.clock.Now(), data)); err != nil {
		s.logger.Warn("Event handler failed", log.String("event", typ), log.Error(err))
	}
}

// Run reads the transport and steps the server at the configured tick rate
// until ctx ends or the transport fails.
func (s *Server[I]) Run(ctx context.Context) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerAlreadyRunning
	}
	defer s.running.Store(false)

	s.logger.Info("Server running", log.Duration("tick", s.cfg.TickDuration()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.readLoop(ctx)
	})
	g.Go(func() error {
		ticker := s.clock.Ticker(s.cfg.TickDuration())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s.Step()
			}
		}
	})
	return g.Wait()
}

func (s *Server[I]) readLoop(ctx context.Context) error {
	for {
		p, err := s.conn.ReadPacket(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, protocol.ErrTransportClosed) {
				return nil
			}
			return err
		}
		s.Enqueue(p)
	}
}

// Stats contains server statistics
type Stats struct {
	ClientCount int64
	Tick        models.Tick
	Running     bool
}

// Stats is safe to call from any goroutine.
func (s *Server[I]) Stats() Stats {
	return Stats{
		ClientCount: s.clientCount.Load(),
		Tick:        models.Tick(s.currentTick.Load()),
		Running:     s.running.Load(),
	}
}

// Close disconnects every client and closes the transport. Call it after Run returned.
func (s *Server[I]) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("Closing server")

	s.netcode.DisconnectAll()
	s.handleNetcodeEvents()

	if err := s.conn.Close(); err != nil && !errors.Is(err, protocol.ErrTransportClosed) {
		return err
	}
	return nil
}
