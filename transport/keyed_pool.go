// Generalized connection pool: an LRU cache of per-endpoint containers, each
// holding a fixed-size group of connections under one of two disciplines —
// Dedicate (exclusive borrow/return, blocking FIFO) or Shared (many borrowers
// per connection, cyclic round-robin). This realizes the framework's
// connection-pool component for every address a client talks to, keyed by
// addr rather than hardwired to one.
package transport

import (
	"net"
	"sync"
	"time"

	"mini-rpc/lru"
	"mini-rpc/rpcerr"
)

// Conn is the capability a pooled connection must offer beyond net.Conn: a
// way for the pool to notice it has gone bad so it can be transparently
// replaced on the next borrow.
type Conn interface {
	net.Conn
	IsClosed() bool
}

// Discipline selects how a container hands connections to borrowers.
type Discipline int

const (
	// Dedicate hands out one connection per borrower at a time via a
	// blocking FIFO; the borrower must Release it when done.
	Dedicate Discipline = iota
	// Shared hands the same connections to arbitrarily many concurrent
	// borrowers via a cyclic round-robin iterator; Release is a no-op.
	Shared
)

// Factory creates a fresh connection to addr.
type Factory func(addr string) (Conn, error)

// container is the per-key group of connections-per-key connections.
type container struct {
	discipline Discipline
	factory    Factory
	addr       string
	size       int

	mu    sync.Mutex
	conns []Conn // Shared: round-robin slice. Dedicate: backing store for the FIFO below.
	fifo  chan Conn
	idx   int // Shared: next round-robin index
}

func newContainer(addr string, discipline Discipline, size int, factory Factory) (*container, error) {
	c := &container{discipline: discipline, factory: factory, addr: addr, size: size}
	if discipline == Dedicate {
		c.fifo = make(chan Conn, size)
	} else {
		c.conns = make([]Conn, 0, size)
	}
	for i := 0; i < size; i++ {
		conn, err := factory(addr)
		if err != nil {
			c.drain()
			return nil, rpcerr.Wrap(rpcerr.KindCreateConnectionError, err)
		}
		if discipline == Dedicate {
			c.fifo <- conn
		} else {
			c.conns = append(c.conns, conn)
		}
	}
	return c, nil
}

// get borrows a connection. For Dedicate, block controls whether to wait
// (with timeout) when the FIFO is empty. For Shared, get never waits: it
// advances the round-robin cursor, and fails only when the container holds
// no connections or a dead connection cannot be redialed.
func (c *container) get(block bool, timeout time.Duration) (Conn, error) {
	switch c.discipline {
	case Dedicate:
		return c.getDedicate(block, timeout)
	default:
		return c.getShared()
	}
}

func (c *container) getDedicate(block bool, timeout time.Duration) (Conn, error) {
	var conn Conn
	if block {
		var timer *time.Timer
		var timeoutCh <-chan time.Time
		if timeout > 0 {
			timer = time.NewTimer(timeout)
			timeoutCh = timer.C
		}
		select {
		case conn = <-c.fifo:
			if timer != nil {
				timer.Stop()
			}
		case <-timeoutCh:
			return nil, rpcerr.New(rpcerr.KindNoAvailableConnection, "timed out waiting for a connection")
		}
	} else {
		select {
		case conn = <-c.fifo:
		default:
			return nil, rpcerr.New(rpcerr.KindNoAvailableConnection, "no available connection")
		}
	}

	if conn.IsClosed() {
		fresh, err := c.factory(c.addr)
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.KindCreateConnectionError, err)
		}
		conn = fresh
	}
	return conn, nil
}

func (c *container) getShared() (Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.conns) == 0 {
		return nil, rpcerr.New(rpcerr.KindNoAvailableConnection, "no available connection")
	}
	idx := c.idx % len(c.conns)
	c.idx++

	conn := c.conns[idx]
	if conn.IsClosed() {
		fresh, err := c.factory(c.addr)
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.KindCreateConnectionError, err)
		}
		c.conns[idx] = fresh
		conn = fresh
	}
	return conn, nil
}

// release returns a connection borrowed under Dedicate; it is a no-op under
// Shared since connections are never exclusively held.
func (c *container) release(conn Conn) {
	if c.discipline != Dedicate {
		return
	}
	select {
	case c.fifo <- conn:
	default:
		// fifo is already full (shouldn't happen if callers pair get/release 1:1)
	}
}

// drain closes every connection in the container.
func (c *container) drain() {
	switch c.discipline {
	case Dedicate:
		close(c.fifo)
		for conn := range c.fifo {
			conn.Close()
		}
	default:
		c.mu.Lock()
		for _, conn := range c.conns {
			conn.Close()
		}
		c.conns = nil
		c.mu.Unlock()
	}
}

// Pool is an LRU cache of per-endpoint containers. When the LRU is at
// capacity and a new key is inserted, the evicted key's container is fully
// drained (every connection closed) before the new container replaces it.
type Pool struct {
	mu         sync.Mutex
	cache      *lru.Cache[string, *container]
	discipline Discipline
	perKey     int
	factory    Factory
	closed     bool
}

// NewPool creates a pool holding at most maxKeys distinct endpoints, each
// with connectionsPerKey connections under the given discipline.
func NewPool(maxKeys, connectionsPerKey int, discipline Discipline, factory Factory) *Pool {
	p := &Pool{discipline: discipline, perKey: connectionsPerKey, factory: factory}
	p.cache = lru.New[string, *container](maxKeys, func(_ string, c *container) {
		c.drain()
	})
	return p
}

// GetConnection borrows a connection for addr, creating the container (and
// evicting the LRU-oldest container, draining it) if addr is new. block and
// timeout only affect the Dedicate discipline.
func (p *Pool) GetConnection(addr string, block bool, timeout time.Duration) (Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, rpcerr.New(rpcerr.KindConnectionPoolClosed, "pool is closed")
	}
	c, ok := p.cache.Get(addr)
	if !ok {
		created, err := newContainer(addr, p.discipline, p.perKey, p.factory)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.cache.Put(addr, created)
		c = created
	}
	p.mu.Unlock()

	return c.get(block, timeout)
}

// ReleaseConnection returns a connection borrowed from addr's container.
func (p *Pool) ReleaseConnection(addr string, conn Conn) {
	p.mu.Lock()
	c, ok := p.cache.Get(addr)
	p.mu.Unlock()
	if !ok {
		return
	}
	c.release(conn)
}

// Close idempotently closes every container and rejects further borrows.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, key := range p.cache.Keys() {
		if c, ok := p.cache.Get(key); ok {
			c.drain()
		}
	}
	p.cache.Clear()
	return nil
}
