// Package server implements the RPC server with service registration, middleware chain,
// pooled request dispatch, idle-connection reaping, and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames, gates per-conn concurrency)
//	  → for each request: go handleRequest
//	    → Codec.Decode → Middleware Chain → businessHandler
//	      → exporter lookup → dispatch (inline / worker pool / process pool)
//	        → reflect.Call
//	    → Codec.Encode → write response
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"mini-rpc/codec"
	"mini-rpc/message"
	"mini-rpc/middleware"
	"mini-rpc/protocol"
	"mini-rpc/registry"
	"mini-rpc/rpcerr"
	"net"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultMaxConnections            = 10000
	defaultConcurrentRequestsPerConn = 64
	defaultWorkerPoolSize            = 32
	defaultWorkerPoolQueue           = 1024
	defaultProcessPoolSize           = 4
	defaultProcessPoolQueue          = 256
	defaultMaxIdleTime               = 5 * time.Minute
)

// Server is the RPC server that registers services and handles incoming requests.
type Server struct {
	serviceMap    map[string]*service     // Registered services: "Arith" → *service
	listener      net.Listener            // TCP listener
	wg            sync.WaitGroup          // Tracks in-flight requests for graceful shutdown
	shutdown      atomic.Bool             // Set to true during shutdown to suppress Accept errors
	middlewares   []middleware.Middleware // Registered middlewares (applied in order)
	filters       []middleware.Filter     // Observability hooks, run in descending-order order before the handler chain
	handler       middleware.HandlerFunc  // The final handler chain: middleware(middleware(...(businessHandler)))
	registry      registry.Registry       // Service registry (etcd), nil if not using discovery
	advertiseAddr string                  // Address registered in etcd (e.g., "127.0.0.1:8080")
	// Different from listen address (":8080") because etcd needs a routable IP

	exporter *exporter // (service, method) -> dispatch policy table

	connCount      atomic.Int64 // Current accepted-and-not-yet-closed connection count
	connIDCounter  atomic.Uint64
	maxConnections int
	concurrentCap  int // concurrent-requests-per-connection

	tracker *connTracker
	reaper  *idleReaper
	maxIdle time.Duration

	workers   *workerPool // DispatchWorkerPool
	processes *workerPool // DispatchWorkerProcess (process-pool stand-in)
}

// NewServer creates a new RPC server with an empty service map and the
// framework's default pool sizes, connection cap, and idle timeout.
func NewServer() *Server {
	s := &Server{
		serviceMap:     make(map[string]*service),
		exporter:       newExporter(),
		maxConnections: defaultMaxConnections,
		concurrentCap:  defaultConcurrentRequestsPerConn,
		maxIdle:        defaultMaxIdleTime,
		workers:        newWorkerPool(defaultWorkerPoolSize, defaultWorkerPoolQueue),
		processes:      newWorkerPool(defaultProcessPoolSize, defaultProcessPoolQueue),
	}
	s.tracker = newConnTracker(s.maxConnections)
	return s
}

// SetMaxConnections overrides the accepted-connection cap; must be called
// before Serve.
func (svr *Server) SetMaxConnections(n int) {
	svr.maxConnections = n
	svr.tracker = newConnTracker(n)
}

// SetConcurrentRequestsPerConnection overrides how many requests on a single
// connection may be dispatched at once before the runner stalls reads.
func (svr *Server) SetConcurrentRequestsPerConnection(n int) {
	svr.concurrentCap = n
}

// SetMaxIdleTime overrides how long a connection may sit without activity
// before the idle reaper closes it.
func (svr *Server) SetMaxIdleTime(d time.Duration) {
	svr.maxIdle = d
}

// ExportMethod overrides the dispatch policy for one already-registered
// method, e.g. svr.ExportMethod("Arith", "Add", server.DispatchInline).
func (svr *Server) ExportMethod(serviceName, methodName string, policy DispatchPolicy) error {
	return svr.exporter.exportMethod(serviceName, methodName, policy)
}

// Register registers a service receiver (e.g., &Arith{}) with the server.
// The struct's exported methods that match the RPC signature will be available for remote calls.
// Every method is exported under DispatchWorkerPool by default; use
// ExportMethod to mark individual methods inline or process-pool.
func (svr *Server) Register(rcvr any) error {
	svc, err := NewService(rcvr)
	if err != nil {
		return err
	}
	svr.serviceMap[svc.name] = svc
	svr.exporter.export(svc, DispatchWorkerPool)
	return nil
}

// Serve starts the server: listens on the given address, optionally registers with etcd,
// and enters the Accept loop to handle incoming connections.
//
// Parameters:
//   - advertiseAddr: the address to register in etcd (e.g., "127.0.0.1:8080").
//     This differs from the listen address because ":8080" resolves to "[::]:8080" locally.
//   - reg: the registry implementation. Pass nil to skip service discovery.
func (svr *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	svr.listener = listener

	// Build the middleware chain once at startup (not per-request)
	// Chain wraps middlewares in reverse order to create the onion model:
	//   Chain(A, B, C)(handler) → A(B(C(handler)))
	//   Execution order: A.before → B.before → C.before → handler → C.after → B.after → A.after
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)

	if err != nil {
		return err
	}

	svr.reaper = startIdleReaper(svr.tracker, svr.maxIdle)

	// Register all services to etcd (if registry is provided)
	svr.advertiseAddr = advertiseAddr
	if reg != nil {
		svr.registry = reg
		for serviceName := range svr.serviceMap {
			svr.registry.Register(serviceName, registry.ServiceInstance{
				Addr: advertiseAddr,
			}, 10) // TTL = 10 seconds, KeepAlive renews automatically
		}
	}

	// Accept loop: one goroutine per connection
	for {
		conn, err := listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			// Check the shutdown flag to distinguish intentional close from real errors.
			if svr.shutdown.Load() {
				return nil
			} else {
				return err
			}
		}

		// Refuse if at capacity — log and move on, leaving the backlog for
		// the next readiness event rather than blocking the accept loop.
		if svr.connCount.Load() >= int64(svr.maxConnections) {
			log.Printf("rpc: refusing connection from %s: max connections (%d) reached", conn.RemoteAddr(), svr.maxConnections)
			conn.Close()
			continue
		}

		connID := svr.connIDCounter.Add(1)
		svr.connCount.Add(1)
		svr.tracker.add(connID, conn)
		go svr.handleConn(connID, conn)
	}
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// UseFilter registers an observability filter. Filters run in
// descending-Order() order ahead of the middleware chain on every request.
func (svr *Server) UseFilter(f middleware.Filter) {
	svr.filters = append(svr.filters, f)
}

// handleConn processes a single TCP connection.
// It runs a read loop in a single goroutine (reads must be sequential to parse frame boundaries),
// but dispatches each request to its own goroutine for parallel processing, gated by a
// per-connection semaphore so at most concurrentCap requests run at once.
//
// A per-connection write mutex (writeMu) is shared among all request goroutines on this connection.
// This prevents frame interleaving when multiple goroutines write responses concurrently.
func (svr *Server) handleConn(connID uint64, conn net.Conn) {
	defer func() {
		conn.Close()
		svr.connCount.Add(-1)
		svr.tracker.remove(connID)
	}()
	writeMu := &sync.Mutex{}                             // Per-connection write lock, shared by all requests on this conn
	sem := make(chan struct{}, svr.concurrentCap)         // Gates current-concurrency against concurrent-requests-per-connection
	for {
		// Read one complete frame (sequential — single reader per connection)
		header, body, err := protocol.Decode(conn)
		if err != nil {
			break // Connection closed or protocol error
		}
		svr.tracker.touch(connID)

		// Heartbeat frames carry no business payload; echo one straight back
		// so the sender's outstanding-beats tracker clears instead of
		// eventually declaring a live connection dead.
		if header.MsgType == protocol.MsgTypeHeartbeat {
			writeMu.Lock()
			protocol.Encode(conn, header, body)
			writeMu.Unlock()
			continue
		}

		sem <- struct{}{} // blocks here once current-concurrency reaches concurrentCap
		// Dispatch request to a new goroutine for parallel processing.
		// This is critical for performance: without `go`, a slow handler on request 1
		// would block all subsequent requests on the same connection.
		go func(header *protocol.Header, body []byte) {
			defer func() { <-sem }()
			svr.handleRequest(header, body, conn, writeMu)
			svr.tracker.touch(connID)
		}(header, body)
	}
}

// handleRequest processes a single RPC request: decode → middleware → business logic → encode → write.
//
// The protocol layer (codec encode/decode, frame write) is separated from the business layer
// (service lookup, reflection call) to allow middleware to wrap only the business logic.
func (svr *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	// Track this request for graceful shutdown (wg.Wait ensures all in-flight requests complete)
	svr.wg.Add(1)
	defer svr.wg.Done()

	// Step 1: Decode the frame body into an RPCMessage using the appropriate codec
	c := codec.GetCodec(codec.CodecType(header.CodecType))
	msg := message.RPCMessage{}
	c.Decode(body, &msg)

	var rpcMessage *message.RPCMessage
	if err := msg.Validate(); err != nil {
		rpcMessage = &message.RPCMessage{Error: err.Error()}
	} else {
		if len(svr.filters) > 0 {
			middleware.RunFilters(context.Background(), svr.filters, &msg)
		}

		// Step 2: Run through the middleware chain → business handler
		// The handler returns an RPCMessage with the response payload (or error)
		rpcMessage = svr.handler(context.Background(), &msg)
	}
	// The response always echoes the request's meta verbatim.
	rpcMessage.Meta = msg.Meta

	// Step 3: Encode and write the response (protected by per-connection write lock)
	writeMu.Lock()
	defer writeMu.Unlock()

	result, err := c.Encode(rpcMessage)
	if err != nil {
		log.Println("Failed to encode method result")
		return
	}

	// Build response header — preserve the same Seq so the client can match it
	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq, // Same seq as request — this is how multiplexing works
		BodyLen:   uint32(len(result)),
	}
	err = protocol.Encode(conn, &replyHeader, result)
	if err != nil {
		log.Println("Failed to encode reply message")
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister all services from etcd (clients stop routing to this server)
//  2. Set shutdown flag (so Accept error is recognized as intentional)
//  3. Close the listener (stop accepting new connections)
//  4. Stop the idle reaper
//  5. Wait for in-flight requests to finish (with timeout); once they have,
//     drain the worker/process pools
func (svr *Server) Shutdown(timeout time.Duration) error {
	// Step 1: Deregister from etcd FIRST — so clients stop sending new requests
	for serviceName := range svr.serviceMap {
		if svr.registry != nil {
			svr.registry.Deregister(serviceName, svr.advertiseAddr)
		}
	}

	// Step 2: Set shutdown flag BEFORE closing listener
	// If we close first, the Accept error fires before the flag is set,
	// and Serve() would return a real error instead of nil
	svr.shutdown.Store(true)
	svr.listener.Close()

	if svr.reaper != nil {
		svr.reaper.Stop()
	}

	// Step 3: Wait for in-flight requests with timeout
	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		svr.workers.close()
		svr.processes.close()
		return nil // All requests completed
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
}

// businessHandler is the core handler that dispatches RPC requests to registered services.
// It is wrapped by the middleware chain and has the HandlerFunc signature.
//
// Flow: look up (service, method) in the exporter → reflect.New(args) →
// json.Unmarshal(payload, args) → dispatch per policy → reflect.Call →
// json.Marshal(reply) → return RPCMessage.
func (svr *Server) businessHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	split := strings.Split(req.ServiceMethod, ".")
	if len(split) != 2 {
		return &message.RPCMessage{Error: "invalid service method format"}
	}

	entry, ok := svr.exporter.lookup(req.ServiceMethod)
	if !ok {
		return &message.RPCMessage{
			ServiceMethod: req.ServiceMethod,
			Error:         rpcerr.New(rpcerr.KindLookupMethodError, "unknown service/method: "+req.ServiceMethod).Error(),
		}
	}

	// Create new instances of args and reply types via reflection
	argv := reflect.New(entry.method.ArgType)     // e.g., reflect.New(Args) → *Args
	replyv := reflect.New(entry.method.ReplyType) // e.g., reflect.New(Reply) → *Reply

	// Deserialize the request payload into the args struct
	if err := json.Unmarshal(req.Payload, argv.Interface()); err != nil {
		return &message.RPCMessage{
			ServiceMethod: req.ServiceMethod,
			Error:         rpcerr.Wrap(rpcerr.KindDeserializationError, err).Error(),
		}
	}

	methodErr, dispatchErr := svr.dispatch(entry, argv, replyv)
	if dispatchErr != nil {
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: dispatchErr.Error()}
	}

	replyMessage, err := json.Marshal(replyv.Interface())
	if err != nil {
		log.Println("Failed to marshal method result")
	}

	rpcMessage := &message.RPCMessage{
		ServiceMethod: req.ServiceMethod,
		Payload:       replyMessage,
	}
	if methodErr != nil {
		rpcMessage.Error = rpcerr.Wrap(rpcerr.KindMethodExecutionError, methodErr).Error()
	}
	return rpcMessage
}

// dispatch runs entry's method according to its DispatchPolicy, blocking
// until it completes. methodErr is the error the RPC method itself
// returned; dispatchErr is a framework-level failure to even run it
// (no pool configured, pool queue full).
func (svr *Server) dispatch(entry *exportEntry, argv, replyv reflect.Value) (methodErr error, dispatchErr error) {
	switch entry.policy {
	case DispatchInline:
		return entry.svc.Call(entry.method, argv, replyv), nil

	case DispatchWorkerProcess:
		return svr.runOnPool(svr.processes, entry, argv, replyv)

	default: // DispatchWorkerPool
		return svr.runOnPool(svr.workers, entry, argv, replyv)
	}
}

func (svr *Server) runOnPool(pool *workerPool, entry *exportEntry, argv, replyv reflect.Value) (methodErr error, dispatchErr error) {
	if pool == nil {
		return nil, rpcerr.New(rpcerr.KindConcurrencyError, "no pool configured for a synchronous method")
	}

	done := make(chan error, 1)
	submitted := pool.submit(func() {
		done <- entry.svc.Call(entry.method, argv, replyv)
	})
	if !submitted {
		return nil, rpcerr.New(rpcerr.KindSubmitTaskToProcessPool, "pool queue is full")
	}
	return <-done, nil
}
