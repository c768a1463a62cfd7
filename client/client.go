// Package client implements the RPC client with service discovery, load balancing,
// and a shared transport pool for multiplexed connections.
//
// Call flow:
//
//	Call("Arith.Add", args, reply)
//	  → Registry.Discover("Arith")   → get instance list from etcd
//	  → Balancer.Pick(instances)      → select one address
//	  → getTransport(addr)            → get a shared transport (round-robin)
//	  → transport.Send()              → send request, get response channel
//	  → <-channel                     → wait for response
//	  → json.Unmarshal → reply        → done
package client

import (
	"encoding/json"
	"fmt"
	"mini-rpc/codec"
	"mini-rpc/loadbalance"
	"mini-rpc/registry"
	"mini-rpc/transport"
	"net"
	"strings"
)

// maxPoolAddresses bounds how many distinct server addresses a client keeps
// transport containers for; the LRU-oldest address is drained once a new
// address is dialed past this bound.
const maxPoolAddresses = 256

// Client manages the full RPC call lifecycle: service discovery → load balancing → transport → call.
type Client struct {
	registry  registry.Registry    // Service discovery (etcd or mock)
	balancer  loadbalance.Balancer // Load balancing strategy
	pool      *transport.Pool      // Per-address transport containers (Shared discipline)
	codecType codec.CodecType      // Serialization format
}

// NewClient creates a client with the given registry, load balancer, codec type, and pool size.
//
// poolSize determines how many TCP connections are maintained per server address.
// Each connection supports multiplexing, so even poolSize=1 handles concurrent calls.
// Larger pools reduce write lock contention under very high concurrency.
func NewClient(reg registry.Registry, bal loadbalance.Balancer, codecType byte, poolSize int) *Client {
	ct := codec.CodecType(codecType)
	factory := func(addr string) (transport.Conn, error) {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, err
		}
		return transport.NewClientTransport(conn, ct), nil
	}
	return &Client{
		registry:  reg,
		balancer:  bal,
		pool:      transport.NewPool(maxPoolAddresses, poolSize, transport.Shared, factory),
		codecType: ct,
	}
}

// getTransport returns a shared transport for the given address.
//
// Design: transports are SHARED, not borrowed/returned. Since each ClientTransport supports
// multiplexing, there's no need to exclusively hold a transport during a call. The transport
// is only "used" during Send() (a few microseconds), not during the entire call (which includes
// waiting for the response). The pool's Shared discipline hands out connections via a
// mutex-guarded round-robin cursor and transparently redials any connection IsClosed reports dead.
func (c *Client) getTransport(addr string) (*transport.ClientTransport, error) {
	conn, err := c.pool.GetConnection(addr, false, 0)
	if err != nil {
		return nil, err
	}
	ct, ok := conn.(*transport.ClientTransport)
	if !ok {
		return nil, fmt.Errorf("client: pooled connection for %s is not a *ClientTransport", addr)
	}
	return ct, nil
}

// Call performs a synchronous RPC call.
//
// Steps:
//  1. Parse serviceMethod ("Arith.Add" → service="Arith")
//  2. Discover instances from registry
//  3. Pick an instance using load balancer
//  4. Get a shared transport for that instance
//  5. Send the request and wait for the response
//  6. Unmarshal the response payload into reply
func (c *Client) Call(serviceMethod string, args any, reply any) error {
	// Step 1: Parse service name from "Service.Method" format
	split := strings.Split(serviceMethod, ".")
	if len(split) != 2 {
		return fmt.Errorf("invalid serviceMethod format: %v", serviceMethod)
	}
	serviceName := split[0]

	// Step 2: Discover available instances from the registry
	instances, err := c.registry.Discover(serviceName)
	if err != nil {
		return err
	}

	// Step 3: Select one instance using the load balancer
	instance, err := c.balancer.Pick(instances)
	if err != nil {
		return err
	}

	// Step 4: Get a shared transport for the selected instance's address
	t, err := c.getTransport(instance.Addr)
	if err != nil {
		return err
	}

	// Step 5: Send the request — returns immediately with a response channel
	_, ch, err := t.Send(serviceMethod, args)
	if err != nil {
		return err
	}

	// Block until the response arrives (routed by recvLoop via sequence number)
	resp := <-ch

	// Check for server-side errors
	if resp.Error != "" {
		return fmt.Errorf("server error: %v", resp.Error)
	}

	// Step 6: Unmarshal the JSON payload into the reply struct
	return json.Unmarshal(resp.Payload, &reply)
}

// Close drains every pooled transport across every address this client has
// talked to.
func (c *Client) Close() error {
	return c.pool.Close()
}
