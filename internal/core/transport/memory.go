package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zeusync/netsync/internal/core/protocol"
)

// Network is an in-process packet switch. Every conn on it can reach every other by address.
type Network struct {
	mu    sync.RWMutex
	conns map[string]*MemoryConn
	next  atomic.Uint64
}

func NewNetwork() *Network {
	return &Network{conns: make(map[string]*MemoryConn)}
}

// Listen attaches a conn at addr. An empty addr picks a fresh one.
func (n *Network) Listen(addr string, mtu int, opts Options) (*MemoryConn, error) {
	opts.normalize()
	if addr == "" {
		addr = fmt.Sprintf("mem-%d", n.next.Add(1))
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.conns[addr]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAddrInUse, addr)
	}

	c := &MemoryConn{
		network: n,
		addr:    addr,
		mtu:     mtu,
		inbox:   newInbox(opts.Buffer, opts.OnDrop),
	}
	n.conns[addr] = c
	return c, nil
}

func (n *Network) lookup(addr string) *MemoryConn {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.conns[addr]
}

func (n *Network) detach(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, addr)
}

// MemoryConn is one endpoint on a Network.
type MemoryConn struct {
	network *Network
	addr    string
	mtu     int
	inbox   *inbox
}

func (c *MemoryConn) ReadPacket(ctx context.Context) (Packet, error) {
	return c.inbox.read(ctx)
}

func (c *MemoryConn) WritePacket(to string, data []byte) error {
	if c.inbox.isClosed() {
		return protocol.ErrTransportClosed
	}
	if err := checkSize(data, c.mtu); err != nil {
		return err
	}
	peer := c.network.lookup(to)
	if peer == nil {
		return nil
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	peer.inbox.push(Packet{From: c.addr, Data: buf})
	return nil
}

func (c *MemoryConn) LocalAddr() string {
	return c.addr
}

func (c *MemoryConn) Close() error {
	c.network.detach(c.addr)
	c.inbox.close()
	return nil
}
