package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/zeusync/netsync/internal/core/config"
	"github.com/zeusync/netsync/internal/core/observability/log"
	"github.com/zeusync/netsync/internal/core/protocol"
)

// Packet is one datagram and the address it came from.
type Packet struct {
	From string
	Data []byte
}

// PacketConn is an unreliable, message-oriented medium. Implementations may drop,
// duplicate or reorder packets; everything above copes with that.
type PacketConn interface {
	// ReadPacket blocks until a packet arrives, ctx ends, or the conn is closed.
	ReadPacket(ctx context.Context) (Packet, error)
	// WritePacket sends without blocking on the peer. Unknown destinations are dropped silently.
	WritePacket(to string, data []byte) error
	LocalAddr() string
	Close() error
}

// Options carries the collaborators shared by every transport kind.
type Options struct {
	Logger log.Log
	Clock  clock.Clock
	// Network is required by the memory transport.
	Network *Network
	// Buffer bounds the inbound queue; packets beyond it are dropped.
	Buffer int
	// OnDrop is called for every inbound packet dropped because the queue was full.
	OnDrop func()
	// TLS overrides the generated self-signed certificate for QUIC.
	TLS *tls.Config
	// Seed makes the link conditioner deterministic when non-zero.
	Seed uint64
}

func (o *Options) normalize() {
	if o.Logger == nil {
		o.Logger = log.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Buffer <= 0 {
		o.Buffer = 1024
	}
}

// Listen opens the server side of the configured transport.
func Listen(ctx context.Context, cfg config.TransportConfig, addr string, opts Options) (PacketConn, error) {
	opts.normalize()
	logger := opts.Logger.With(log.Component("transport"), log.String("kind", string(cfg.Kind)))

	var (
		conn PacketConn
		err  error
	)
	switch cfg.Kind {
	case config.TransportMemory:
		if opts.Network == nil {
			return nil, fmt.Errorf("memory transport: %w", ErrNoNetwork)
		}
		conn, err = opts.Network.Listen(addr, cfg.MTU, opts)
	case config.TransportUDP:
		conn, err = ListenUDP(addr, cfg.MTU, opts)
	case config.TransportQUIC:
		conn, err = ListenQUIC(ctx, addr, cfg.MTU, opts)
	case config.TransportWebSocket:
		conn, err = ListenWebSocket(addr, cfg.MTU, opts)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidTransport, cfg.Kind)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Transport listening", log.Addr(conn.LocalAddr()))
	return wrapConditioner(conn, cfg.Conditioner, opts), nil
}

// Dial opens the client side of the configured transport towards serverAddr.
func Dial(ctx context.Context, cfg config.TransportConfig, serverAddr string, opts Options) (PacketConn, error) {
	opts.normalize()

	var (
		conn PacketConn
		err  error
	)
	switch cfg.Kind {
	case config.TransportMemory:
		if opts.Network == nil {
			return nil, fmt.Errorf("memory transport: %w", ErrNoNetwork)
		}
		conn, err = opts.Network.Listen("", cfg.MTU, opts)
	case config.TransportUDP:
		conn, err = ListenUDP(":0", cfg.MTU, opts)
	case config.TransportQUIC:
		conn, err = DialQUIC(ctx, serverAddr, cfg.MTU, opts)
	case config.TransportWebSocket:
		conn, err = DialWebSocket(ctx, serverAddr, cfg.MTU, opts)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidTransport, cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	return wrapConditioner(conn, cfg.Conditioner, opts), nil
}

func wrapConditioner(conn PacketConn, cfg config.ConditionerConfig, opts Options) PacketConn {
	if !cfg.Enabled {
		return conn
	}
	return NewConditioner(conn, LinkConditioner{
		Latency: cfg.Latency,
		Jitter:  cfg.Jitter,
		Loss:    cfg.Loss,
	}, opts)
}

// inbox is the bounded queue between a reader goroutine and ReadPacket.
type inbox struct {
	ch        chan Packet
	closed    chan struct{}
	closeOnce sync.Once
	onDrop    func()
}

func newInbox(size int, onDrop func()) *inbox {
	return &inbox{
		ch:     make(chan Packet, size),
		closed: make(chan struct{}),
		onDrop: onDrop,
	}
}

// push never blocks. It reports false when the packet was dropped.
func (b *inbox) push(p Packet) bool {
	select {
	case <-b.closed:
		return false
	default:
	}
	select {
	case b.ch <- p:
		return true
	default:
		if b.onDrop != nil {
			b.onDrop()
		}
		return false
	}
}

func (b *inbox) read(ctx context.Context) (Packet, error) {
	select {
	case p := <-b.ch:
		return p, nil
	case <-ctx.Done():
		return Packet{}, ctx.Err()
	case <-b.closed:
		return Packet{}, protocol.ErrTransportClosed
	}
}

func (b *inbox) close() {
	b.closeOnce.Do(func() { close(b.closed) })
}

func (b *inbox) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

func checkSize(data []byte, mtu int) error {
	if mtu > 0 && len(data) > mtu {
		return protocol.NewProtocolError(protocol.ErrorCodeMessageTooLarge, "packet exceeds mtu", protocol.ErrMessageTooLarge).
			WithContext("size", len(data)).
			WithContext("mtu", mtu)
	}
	return nil
}
