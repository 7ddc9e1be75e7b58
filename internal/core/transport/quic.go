package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zeusync/netsync/internal/core/observability/log"
	"github.com/zeusync/netsync/internal/core/protocol"
)

const quicALPN = "netsync-quic"

func quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}
}

// QUICConn carries packets as unreliable QUIC datagrams. On the server side each
// accepted QUIC connection is one peer address.
type QUICConn struct {
	listener *quic.Listener
	mtu      int
	inbox    *inbox
	logger   log.Log

	mu    sync.RWMutex
	peers map[string]*quic.Conn
	local string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ListenQUIC accepts QUIC connections on addr.
func ListenQUIC(ctx context.Context, addr string, mtu int, opts Options) (*QUICConn, error) {
	opts.normalize()
	tlsConf := opts.TLS
	if tlsConf == nil {
		var err error
		if tlsConf, err = generateInMemoryTLSConfig(); err != nil {
			return nil, err
		}
	}

	listener, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}

	c := newQUICConn(ctx, mtu, opts)
	c.listener = listener
	c.local = listener.Addr().String()
	c.logger = c.logger.With(log.Addr(c.local))

	c.wg.Add(1)
	go c.acceptLoop()
	return c, nil
}

// DialQUIC connects to a QUIC server; the single peer is addressed by serverAddr.
func DialQUIC(ctx context.Context, serverAddr string, mtu int, opts Options) (*QUICConn, error) {
	opts.normalize()
	tlsConf := opts.TLS
	if tlsConf == nil {
		tlsConf = &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{quicALPN},
		}
	}

	conn, err := quic.DialAddr(ctx, serverAddr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}

	c := newQUICConn(context.Background(), mtu, opts)
	c.local = conn.LocalAddr().String()
	c.track(serverAddr, conn)
	return c, nil
}

func newQUICConn(ctx context.Context, mtu int, opts Options) *QUICConn {
	ctx, cancel := context.WithCancel(ctx)
	return &QUICConn{
		mtu:    mtu,
		inbox:  newInbox(opts.Buffer, opts.OnDrop),
		logger: opts.Logger.With(log.Component("quic")),
		peers:  make(map[string]*quic.Conn),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *QUICConn) acceptLoop() {
	defer c.wg.Done()
	for {
		conn, err := c.listener.Accept(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn("QUIC accept failed", log.Error(err))
			}
			return
		}
		c.track(conn.RemoteAddr().String(), conn)
	}
}

func (c *QUICConn) track(addr string, conn *quic.Conn) {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.CloseWithError(0, "closing")
		return
	}
	c.peers[addr] = conn
	c.wg.Add(1)
	c.mu.Unlock()

	go c.readLoop(addr, conn)
}

func (c *QUICConn) readLoop(addr string, conn *quic.Conn) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		if c.peers[addr] == conn {
			delete(c.peers, addr)
		}
		c.mu.Unlock()
	}()

	for {
		data, err := conn.ReceiveDatagram(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Debug("QUIC peer gone", log.Addr(addr), log.Error(err))
			}
			return
		}
		c.inbox.push(Packet{From: addr, Data: data})
	}
}

func (c *QUICConn) ReadPacket(ctx context.Context) (Packet, error) {
	return c.inbox.read(ctx)
}

func (c *QUICConn) WritePacket(to string, data []byte) error {
	if c.inbox.isClosed() {
		return protocol.ErrTransportClosed
	}
	if err := checkSize(data, c.mtu); err != nil {
		return err
	}
	c.mu.RLock()
	conn, ok := c.peers[to]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := conn.SendDatagram(data); err != nil {
		var tooLarge *quic.DatagramTooLargeError
		if errors.As(err, &tooLarge) {
			return protocol.NewProtocolError(protocol.ErrorCodeMessageTooLarge, "datagram too large", protocol.ErrMessageTooLarge)
		}
		return err
	}
	return nil
}

func (c *QUICConn) LocalAddr() string {
	return c.local
}

func (c *QUICConn) Close() error {
	c.cancel()
	var err error
	if c.listener != nil {
		err = c.listener.Close()
	}
	c.mu.Lock()
	for addr, conn := range c.peers {
		_ = conn.CloseWithError(0, "closing")
		delete(c.peers, addr)
	}
	c.mu.Unlock()
	c.wg.Wait()
	c.inbox.close()
	return err
}

func generateInMemoryTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"netsync"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	privBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{quicALPN},
	}, nil
}
