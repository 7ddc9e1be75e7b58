package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"

	"github.com/zeusync/netsync/internal/core/config"
	"github.com/zeusync/netsync/internal/core/events/bus"
	"github.com/zeusync/netsync/internal/core/models"
	"github.com/zeusync/netsync/internal/core/observability/log"
	"github.com/zeusync/netsync/internal/core/transport"
	"github.com/zeusync/netsync/internal/core/world"
	"github.com/zeusync/netsync/internal/demo"
	"github.com/zeusync/netsync/sdk/go/client"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "client:", err)
		os.Exit(1)
	}
}

func run() (err error) {
	var (
		configPath = flag.String("config", "", "path to a YAML config file")
		serverAddr = flag.String("server", "", "game server address (overrides config)")
		tokenURL   = flag.String("token-url", "", "token endpoint (overrides config)")
		clientID   = flag.Uint64("id", 0, "client id to request, 0 lets the server pick")
		kind       = flag.String("transport", "", "transport kind: udp, quic, websocket")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *serverAddr != "" {
		cfg.Client.ServerAddr = *serverAddr
	}
	if *tokenURL != "" {
		cfg.Client.TokenURL = *tokenURL
	}
	if *clientID != 0 {
		cfg.Client.ClientID = *clientID
	}
	if *kind != "" {
		cfg.Transport.Kind = config.TransportKind(*kind)
	}
	if err = cfg.Validate(); err != nil {
		return err
	}

	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := log.NewWithOptions(level, log.Options{Development: cfg.Log.Development, Encoding: cfg.Log.Encoding})
	defer func() { err = multierr.Append(err, logger.Sync()) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	token, err := client.FetchToken(ctx, nil, cfg.Client.TokenURL, cfg.Client.ClientID)
	if err != nil {
		return err
	}

	conn, err := transport.Dial(ctx, cfg.Transport, cfg.Client.ServerAddr, transport.Options{
		Logger: logger,
		Buffer: cfg.Client.InboundBuffer,
	})
	if err != nil {
		return err
	}

	registry := models.NewRegistry()
	demo.Register(registry)

	b := &bot{logger: logger, every: models.Tick(cfg.Server.TickRate)}
	c, err := client.NewClient(client.Options[demo.Inputs]{
		Config:     cfg,
		Registry:   registry,
		Conn:       conn,
		Simulation: demo.ClientSimulation(func() models.ClientID { return b.client.ClientID() }),
		Input:      b.Input,
		Logger:     logger,
	})
	if err != nil {
		return multierr.Append(err, conn.Close())
	}
	b.client = c

	c.Subscribe(bus.ClientConnected, func(bus.Event) error {
		logger.Info("Connected", log.ClientID(uint64(c.ClientID())))
		return nil
	})
	c.Subscribe(bus.ClientDisconnected, func(ev bus.Event) error {
		logger.Info("Disconnected", log.String("reason", ev.Data().(bus.ConnectionEvent).Reason))
		stop()
		return nil
	})

	if err = c.Connect(token); err != nil {
		return multierr.Append(err, c.Close())
	}

	runErr := c.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return multierr.Combine(runErr, c.Close())
}

// bot walks its player around a square and reports where it is once a second.
type bot struct {
	client *client.Client[demo.Inputs]
	logger log.Log
	every  models.Tick
}

var square = []demo.Direction{
	{Right: true},
	{Up: true},
	{Left: true},
	{Down: true},
}

func (b *bot) Input(tick models.Tick) (demo.Inputs, bool) {
	if tick%b.every == 0 {
		b.report(tick)
	}
	leg := int(tick/(2*b.every)) % len(square)
	return demo.Inputs{Direction: square[leg]}, true
}

func (b *bot) report(tick models.Tick) {
	w := b.client.World()
	for _, e := range world.With[models.Predicted](w) {
		pos, ok := world.Get[demo.PlayerPosition](w, e)
		if !ok {
			continue
		}
		b.logger.Info("Player",
			log.Tick(uint32(tick)),
			log.Float32("x", pos.Pos.X()),
			log.Float32("y", pos.Pos.Y()),
			log.Duration("rtt", b.client.RTT()),
		)
	}
}
