// Command miniserve is a minimal runnable server: it registers an Arith
// service, advertises itself through etcd, and serves until interrupted.
// It exists purely as living documentation of the wiring test/integration_test.go
// exercises — Registry → Server → exporter → middleware/filter chain — turned
// into a program instead of a test.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mini-rpc/middleware"
	"mini-rpc/registry"
	"mini-rpc/server"
)

// Args and Reply mirror the shapes test/integration_test.go uses for its
// Arith service.
type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

// Arith is the example service: two methods dispatched on the worker pool by default.
type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Multiply(args *Args, reply *Reply) error {
	reply.Result = args.A * args.B
	return nil
}

func main() {
	etcdEndpoint := flag.String("etcd", "127.0.0.1:2379", "etcd endpoint for service registration")
	listenAddr := flag.String("addr", ":19090", "address to listen on")
	advertiseAddr := flag.String("advertise", "127.0.0.1:19090", "address advertised to the registry")
	flag.Parse()

	reg, err := registry.NewEtcdRegistry([]string{*etcdEndpoint})
	if err != nil {
		log.Fatalf("miniserve: connect etcd: %v", err)
	}

	svr := server.NewServer()
	svr.Use(middleware.LoggingMiddleware())
	svr.Use(middleware.TimeOutMiddleware(5 * time.Second))
	svr.UseFilter(middleware.LogFilter{})

	if err := svr.Register(&Arith{}); err != nil {
		log.Fatalf("miniserve: register service: %v", err)
	}

	go func() {
		if err := svr.Serve("tcp", *listenAddr, *advertiseAddr, reg); err != nil {
			log.Fatalf("miniserve: serve: %v", err)
		}
	}()

	log.Printf("miniserve: listening on %s, advertising %s", *listenAddr, *advertiseAddr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("miniserve: shutting down")
	if err := svr.Shutdown(5 * time.Second); err != nil {
		log.Fatalf("miniserve: shutdown: %v", err)
	}
}
