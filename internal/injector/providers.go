package injector

import (
	"context"

	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/zeusync/netsync/internal/core/config"
	"github.com/zeusync/netsync/internal/core/models"
	"github.com/zeusync/netsync/internal/core/observability/log"
	"github.com/zeusync/netsync/internal/core/observability/metrics"
	"github.com/zeusync/netsync/internal/core/transport"
	"github.com/zeusync/netsync/internal/demo"
	"github.com/zeusync/netsync/internal/server"
)

// App is everything cmd/server runs.
type App struct {
	Config   *config.Config
	Logger   *log.Logger
	Registry *prometheus.Registry
	Server   *server.Server[demo.Inputs]
	Game     *demo.Game
	HTTP     *server.HTTPServer
}

var ServerSet = wire.NewSet(
	ProvideLogger,
	ProvidePrometheus,
	ProvideMetrics,
	ProvideComponents,
	ProvideTransport,
	ProvideServer,
	ProvideGame,
	ProvideHTTP,
	wire.Struct(new(App), "*"),
)

func ProvideLogger(cfg *config.Config) (*log.Logger, error) {
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return log.NewWithOptions(level, log.Options{
		Development: cfg.Log.Development,
		Encoding:    cfg.Log.Encoding,
	}), nil
}

func ProvidePrometheus() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func ProvideMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

// ProvideComponents registers the demo components. Sync mode overrides from the
// config are applied by the server.
func ProvideComponents() *models.Registry {
	r := models.NewRegistry()
	demo.Register(r)
	return r
}

// ProvideTransport opens the listening side of the configured transport. The
// cleanup closes it if a later provider fails.
func ProvideTransport(ctx context.Context, cfg *config.Config, logger *log.Logger, m *metrics.Metrics) (transport.PacketConn, func(), error) {
	conn, err := transport.Listen(ctx, cfg.Transport, cfg.Server.ListenAddr, transport.Options{
		Logger: logger,
		Buffer: cfg.Server.InboundBuffer,
		OnDrop: func() { m.PacketsDropped.WithLabelValues("transport_full").Inc() },
	})
	if err != nil {
		return nil, nil, err
	}
	return conn, func() { _ = conn.Close() }, nil
}

func ProvideServer(cfg *config.Config, registry *models.Registry, conn transport.PacketConn, logger *log.Logger, m *metrics.Metrics) (*server.Server[demo.Inputs], error) {
	return server.NewServer(server.Options[demo.Inputs]{
		Config:   cfg,
		Registry: registry,
		Conn:     conn,
		Logger:   logger,
		Metrics:  m,
	})
}

func ProvideGame(srv *server.Server[demo.Inputs]) *demo.Game {
	return demo.NewGame(srv)
}

func ProvideHTTP(cfg *config.Config, srv *server.Server[demo.Inputs], reg *prometheus.Registry, logger *log.Logger) *server.HTTPServer {
	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		gatherer = reg
	}
	return server.NewHTTPServer(cfg.Server.TokenAddr, srv, gatherer, logger)
}
