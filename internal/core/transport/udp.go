package transport

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/zeusync/netsync/internal/core/observability/log"
	"github.com/zeusync/netsync/internal/core/protocol"
)

// UDPConn is a PacketConn over a plain UDP socket.
type UDPConn struct {
	conn   *net.UDPConn
	mtu    int
	inbox  *inbox
	addrs  sync.Map // string -> *net.UDPAddr
	logger log.Log
	wg     sync.WaitGroup
}

func ListenUDP(addr string, mtu int, opts Options) (*UDPConn, error) {
	opts.normalize()
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}

	c := &UDPConn{
		conn:   conn,
		mtu:    mtu,
		inbox:  newInbox(opts.Buffer, opts.OnDrop),
		logger: opts.Logger.With(log.Component("udp"), log.Addr(conn.LocalAddr().String())),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

func (c *UDPConn) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, from, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				c.inbox.close()
				return
			}
			c.logger.Debug("UDP read failed", log.Error(err))
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		key := from.String()
		c.addrs.LoadOrStore(key, from)
		c.inbox.push(Packet{From: key, Data: data})
	}
}

func (c *UDPConn) ReadPacket(ctx context.Context) (Packet, error) {
	return c.inbox.read(ctx)
}

func (c *UDPConn) WritePacket(to string, data []byte) error {
	if err := checkSize(data, c.mtu); err != nil {
		return err
	}
	var addr *net.UDPAddr
	if cached, ok := c.addrs.Load(to); ok {
		addr = cached.(*net.UDPAddr)
	} else {
		resolved, err := net.ResolveUDPAddr("udp", to)
		if err != nil {
			return err
		}
		addr = resolved
		c.addrs.Store(to, addr)
	}
	if _, err := c.conn.WriteToUDP(data, addr); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return protocol.ErrTransportClosed
		}
		return err
	}
	return nil
}

func (c *UDPConn) LocalAddr() string {
	return c.conn.LocalAddr().String()
}

func (c *UDPConn) Close() error {
	err := c.conn.Close()
	c.wg.Wait()
	c.inbox.close()
	return err
}
