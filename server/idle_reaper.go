package server

import (
	"net"
	"sync"
	"time"

	"mini-rpc/lru"

	"go.uber.org/zap"
)

// connRecord tracks one accepted connection's liveness for idle eviction.
type connRecord struct {
	conn         net.Conn
	lastActivity time.Time
	closed       bool
}

// connTracker is the per-server LRU cache of connection records named in the
// framework's server runtime: records are touched (promoted to
// most-recently-used) on every read/write, so the oldest entry is always the
// connection that has been idle longest.
type connTracker struct {
	mu      sync.Mutex
	records *lru.Cache[uint64, *connRecord]
}

func newConnTracker(maxConnections int) *connTracker {
	return &connTracker{records: lru.New[uint64, *connRecord](maxConnections, nil)}
}

func (t *connTracker) add(id uint64, conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records.Put(id, &connRecord{conn: conn, lastActivity: time.Now()})
}

func (t *connTracker) touch(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records.Get(id); ok {
		rec.lastActivity = time.Now()
	}
}

func (t *connTracker) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records.Remove(id)
}

// reapIdle closes every connection whose last activity predates maxIdle and
// returns the duration until the next record (if any) would become eligible,
// so the caller can reschedule itself instead of polling.
func (t *connTracker) reapIdle(maxIdle time.Duration) (nextCheck time.Duration, hasMore bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		id, rec, ok := t.records.Oldest()
		if !ok {
			return 0, false
		}
		idleFor := time.Since(rec.lastActivity)
		if idleFor < maxIdle {
			return maxIdle - idleFor, true
		}
		remoteAddr := rec.conn.RemoteAddr().String()
		rec.closed = true
		rec.conn.Close()
		t.records.Remove(id)
		reaperLog.Info("evicted idle connection",
			zap.Uint64("conn_id", id),
			zap.Duration("idle_for", idleFor),
			zap.String("remote_addr", remoteAddr),
		)
	}
}

// idleReaper periodically scans a connTracker, closing connections idle
// past maxIdle. It reschedules itself for exactly when the next record
// would become eligible rather than polling on a fixed tick, mirroring the
// framework's "stop at the first still-fresh record" scan.
type idleReaper struct {
	tracker *connTracker
	maxIdle time.Duration
	stop    chan struct{}
}

func startIdleReaper(tracker *connTracker, maxIdle time.Duration) *idleReaper {
	r := &idleReaper{tracker: tracker, maxIdle: maxIdle, stop: make(chan struct{})}
	r.schedule(maxIdle)
	return r
}

func (r *idleReaper) schedule(after time.Duration) {
	time.AfterFunc(after, r.tick)
}

func (r *idleReaper) tick() {
	select {
	case <-r.stop:
		return
	default:
	}
	next, hasMore := r.tracker.reapIdle(r.maxIdle)
	if hasMore {
		r.schedule(next)
	} else {
		r.schedule(r.maxIdle)
	}
}

func (r *idleReaper) Stop() {
	close(r.stop)
}
