package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zeusync/netsync/internal/core/observability/log"
	"github.com/zeusync/netsync/internal/core/protocol"
)

// WebSocketPath is where the server upgrades connections.
const WebSocketPath = "/netsync"

const wsWriteTimeout = time.Second

// wsPeer serialises writes; gorilla connections allow one concurrent writer.
type wsPeer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *wsPeer) write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return p.conn.WriteMessage(websocket.BinaryMessage, data)
}

// WebSocketConn carries each packet as one binary WebSocket message. It serves
// browsers where raw UDP is unavailable; ordering and reliability of the medium are not relied on.
type WebSocketConn struct {
	mtu    int
	inbox  *inbox
	logger log.Log

	mu    sync.RWMutex
	peers map[string]*wsPeer
	local string

	server   *http.Server
	upgrader websocket.Upgrader
	wg       sync.WaitGroup
}

// ListenWebSocket serves WebSocketPath on addr.
func ListenWebSocket(addr string, mtu int, opts Options) (*WebSocketConn, error) {
	opts.normalize()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	c := newWebSocketConn(mtu, opts)
	c.local = ln.Addr().String()
	c.logger = c.logger.With(log.Addr(c.local))
	c.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, c.handleUpgrade)
	c.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("WebSocket server stopped", log.Error(err))
		}
	}()
	return c, nil
}

// DialWebSocket connects to ws://serverAddr/netsync.
func DialWebSocket(ctx context.Context, serverAddr string, mtu int, opts Options) (*WebSocketConn, error) {
	opts.normalize()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+serverAddr+WebSocketPath, nil)
	if err != nil {
		return nil, err
	}
	c := newWebSocketConn(mtu, opts)
	c.local = conn.LocalAddr().String()
	c.track(serverAddr, conn)
	return c, nil
}

func newWebSocketConn(mtu int, opts Options) *WebSocketConn {
	return &WebSocketConn{
		mtu:    mtu,
		inbox:  newInbox(opts.Buffer, opts.OnDrop),
		logger: opts.Logger.With(log.Component("websocket")),
		peers:  make(map[string]*wsPeer),
	}
}

func (c *WebSocketConn) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Debug("WebSocket upgrade failed", log.Error(err))
		return
	}
	c.track(conn.RemoteAddr().String(), conn)
}

func (c *WebSocketConn) track(addr string, conn *websocket.Conn) {
	if c.mtu > 0 {
		conn.SetReadLimit(int64(c.mtu))
	}
	peer := &wsPeer{conn: conn}
	c.mu.Lock()
	if c.inbox.isClosed() {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.peers[addr] = peer
	c.wg.Add(1)
	c.mu.Unlock()

	go c.readLoop(addr, peer)
}

func (c *WebSocketConn) readLoop(addr string, peer *wsPeer) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		if c.peers[addr] == peer {
			delete(c.peers, addr)
		}
		c.mu.Unlock()
		_ = peer.conn.Close()
	}()

	for {
		messageType, data, err := peer.conn.ReadMessage()
		if err != nil {
			if !c.inbox.isClosed() {
				c.logger.Debug("WebSocket peer gone", log.Addr(addr), log.Error(err))
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		c.inbox.push(Packet{From: addr, Data: data})
	}
}

func (c *WebSocketConn) ReadPacket(ctx context.Context) (Packet, error) {
	return c.inbox.read(ctx)
}

func (c *WebSocketConn) WritePacket(to string, data []byte) error {
	if c.inbox.isClosed() {
		return protocol.ErrTransportClosed
	}
	if err := checkSize(data, c.mtu); err != nil {
		return err
	}
	c.mu.RLock()
	peer, ok := c.peers[to]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	return peer.write(data)
}

func (c *WebSocketConn) LocalAddr() string {
	return c.local
}

func (c *WebSocketConn) Close() error {
	c.inbox.close()
	var err error
	if c.server != nil {
		err = c.server.Close()
	}
	c.mu.Lock()
	for addr, peer := range c.peers {
		_ = peer.conn.Close()
		delete(c.peers, addr)
	}
	c.mu.Unlock()
	c.wg.Wait()
	return err
}
