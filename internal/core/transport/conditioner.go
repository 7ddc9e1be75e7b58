package transport

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// LinkConditioner describes simulated impairments applied to incoming packets.
type LinkConditioner struct {
	Latency time.Duration
	Jitter  time.Duration
	// Loss is the probability in [0, 1] that a packet is dropped.
	Loss float64
}

// Conditioner delays, reorders and drops incoming packets of the wrapped conn.
type Conditioner struct {
	inner PacketConn
	cfg   LinkConditioner
	clock clock.Clock
	inbox *inbox

	rngMu sync.Mutex
	rng   *rand.Rand

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConditioner(inner PacketConn, cfg LinkConditioner, opts Options) *Conditioner {
	opts.normalize()
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conditioner{
		inner:  inner,
		cfg:    cfg,
		clock:  opts.Clock,
		inbox:  newInbox(opts.Buffer, opts.OnDrop),
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		cancel: cancel,
	}
	c.wg.Add(1)
	go c.pump(ctx)
	return c
}

func (c *Conditioner) pump(ctx context.Context) {
	defer c.wg.Done()
	for {
		p, err := c.inner.ReadPacket(ctx)
		if err != nil {
			c.inbox.close()
			return
		}
		delay, drop := c.sample()
		if drop {
			continue
		}
		if delay <= 0 {
			c.inbox.push(p)
			continue
		}
		c.clock.AfterFunc(delay, func() { c.inbox.push(p) })
	}
}

func (c *Conditioner) sample() (time.Duration, bool) {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	if c.cfg.Loss > 0 && c.rng.Float64() < c.cfg.Loss {
		return 0, true
	}
	delay := c.cfg.Latency
	if c.cfg.Jitter > 0 {
		delay += time.Duration(c.rng.Int64N(int64(2*c.cfg.Jitter)+1)) - c.cfg.Jitter
	}
	if delay < 0 {
		delay = 0
	}
	return delay, false
}

func (c *Conditioner) ReadPacket(ctx context.Context) (Packet, error) {
	return c.inbox.read(ctx)
}

func (c *Conditioner) WritePacket(to string, data []byte) error {
	return c.inner.WritePacket(to, data)
}

func (c *Conditioner) LocalAddr() string {
	return c.inner.LocalAddr()
}

func (c *Conditioner) Close() error {
	c.cancel()
	err := c.inner.Close()
	c.wg.Wait()
	c.inbox.close()
	return err
}
