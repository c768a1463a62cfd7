package transport

import (
	"net"
	"testing"
	"time"
)

// fakeConn is a minimal Conn used to exercise the pool without real sockets.
type fakeConn struct {
	net.Conn
	id     int
	closed bool
}

func (f *fakeConn) IsClosed() bool { return f.closed }
func (f *fakeConn) Close() error   { f.closed = true; return nil }

func counterFactory() (Factory, func() int) {
	n := 0
	return func(addr string) (Conn, error) {
		n++
		return &fakeConn{id: n}, nil
	}, func() int { return n }
}

func TestDedicatePoolTwoConnectionsPerKey(t *testing.T) {
	factory, _ := counterFactory()
	pool := NewPool(1, 2, Dedicate, factory)

	c1, err := pool.GetConnection("1", false, 0)
	if err != nil {
		t.Fatalf("get 1: %v", err)
	}
	c2, err := pool.GetConnection("1", false, 0)
	if err != nil {
		t.Fatalf("get 2: %v", err)
	}
	if c1.(*fakeConn).id == c2.(*fakeConn).id {
		t.Fatal("expected two distinct connections")
	}

	if _, err := pool.GetConnection("1", false, 0); err == nil {
		t.Fatal("expected NoAvailableConnectionError on third non-blocking get")
	}

	pool.ReleaseConnection("1", c1)
	c3, err := pool.GetConnection("1", false, 0)
	if err != nil {
		t.Fatalf("get after release: %v", err)
	}
	if c3.(*fakeConn).id != c1.(*fakeConn).id {
		t.Fatalf("expected to get back c1 (id %d), got id %d", c1.(*fakeConn).id, c3.(*fakeConn).id)
	}
}

func TestSharedPoolRoundRobin(t *testing.T) {
	factory, _ := counterFactory()
	pool := NewPool(1, 2, Shared, factory)

	var ids []int
	for i := 0; i < 3; i++ {
		c, err := pool.GetConnection("1", false, 0)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		ids = append(ids, c.(*fakeConn).id)
	}
	if ids[0] != ids[2] || ids[0] == ids[1] {
		t.Fatalf("expected a,b,a cyclic pattern, got %v", ids)
	}
}

func TestClosedConnectionIsTransparentlyReplaced(t *testing.T) {
	factory, _ := counterFactory()
	pool := NewPool(1, 1, Shared, factory)

	c1, err := pool.GetConnection("1", false, 0)
	if err != nil {
		t.Fatal(err)
	}
	c1.(*fakeConn).closed = true

	c2, err := pool.GetConnection("1", false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if c1.(*fakeConn).id == c2.(*fakeConn).id {
		t.Fatal("expected a fresh connection to replace the closed one")
	}
}

func TestPoolEvictsAndDrainsOnCapacity(t *testing.T) {
	factory, _ := counterFactory()
	pool := NewPool(1, 1, Dedicate, factory)

	c1, err := pool.GetConnection("key-a", false, 0)
	if err != nil {
		t.Fatal(err)
	}
	pool.ReleaseConnection("key-a", c1)

	// inserting a second key evicts key-a's container, draining (closing) c1
	if _, err := pool.GetConnection("key-b", false, 0); err != nil {
		t.Fatal(err)
	}
	if !c1.(*fakeConn).IsClosed() {
		t.Fatal("expected evicted container's connection to be closed")
	}
}

func TestDedicateBlockingGetTimesOut(t *testing.T) {
	factory, _ := counterFactory()
	pool := NewPool(1, 1, Dedicate, factory)

	if _, err := pool.GetConnection("1", false, 0); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err := pool.GetConnection("1", true, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatal("expected the blocking get to wait roughly the timeout duration")
	}
}
