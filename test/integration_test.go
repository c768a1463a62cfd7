package test

import (
	"mini-rpc/client"
	"mini-rpc/codec"
	"mini-rpc/loadbalance"
	"mini-rpc/middleware"
	"mini-rpc/registry"
	"mini-rpc/server"
	"testing"
	"time"
)

// ---- 测试用的服务 ----

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Multiply(args *Args, reply *Reply) error {
	reply.Result = args.A * args.B
	return nil
}

// TestFullIntegrationWithEtcd 完整端到端测试
// 链路: Client → Registry(etcd) → LB → Pool → Protocol → Codec → Middleware → Server → 反射调用
func TestFullIntegrationWithEtcd(t *testing.T) {
	// 1. 连接 etcd
	reg, err := registry.NewEtcdRegistry([]string{"127.0.0.1:2379"})
	if err != nil {
		t.Fatalf("failed to connect etcd: %v", err)
	}

	// 2. 启动 Server，挂载中间件
	svr := server.NewServer()
	svr.Use(middleware.LoggingMiddleware())
	err = svr.Register(&Arith{})
	if err != nil {
		t.Fatal(err)
	}
	go svr.Serve("tcp", ":19090", "127.0.0.1:19090", nil)
	time.Sleep(100 * time.Millisecond)

	// 3. 向 etcd 注册服务实例
	err = reg.Register("Arith", registry.ServiceInstance{
		Addr:   "127.0.0.1:19090",
		Weight: 10,
	}, 10)
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	// 4. 创建 Client（用同一个 registry 做服务发现）
	bal := &loadbalance.RoundRobinBalancer{}
	cli := client.NewClient(reg, bal, byte(codec.CodecTypeJSON), 4)

	// 5. 测试 Add
	reply := &Reply{}
	err = cli.Call("Arith.Add", &Args{A: 3, B: 5}, reply)
	if err != nil {
		t.Fatalf("Call Add failed: %v", err)
	}
	if reply.Result != 8 {
		t.Fatalf("Add: expect 8, got %d", reply.Result)
	}

	// 6. 测试 Multiply
	reply2 := &Reply{}
	err = cli.Call("Arith.Multiply", &Args{A: 4, B: 6}, reply2)
	if err != nil {
		t.Fatalf("Call Multiply failed: %v", err)
	}
	if reply2.Result != 24 {
		t.Fatalf("Multiply: expect 24, got %d", reply2.Result)
	}

	t.Log("Full integration test with etcd passed!")

	// 7. 清理：注销 + 关闭 server
	svr.Shutdown(3 * time.Second)
}

// TestMultiServerWithEtcd 多实例 + 负载均衡 + etcd
func TestMultiServerWithEtcd(t *testing.T) {
	// 1. 连接 etcd
	reg, err := registry.NewEtcdRegistry([]string{"127.0.0.1:2379"})
	if err != nil {
		t.Fatalf("failed to connect etcd: %v", err)
	}

	// 清理上个测试残留的 etcd 数据
	reg.Deregister("Arith", "127.0.0.1:19090")

	// 2. 启动 2 个 Server
	svr1 := server.NewServer()
	svr1.Register(&Arith{})
	go svr1.Serve("tcp", ":19091", "127.0.0.1:19091", nil)

	svr2 := server.NewServer()
	svr2.Register(&Arith{})
	go svr2.Serve("tcp", ":19092", "127.0.0.1:19092", nil)

	time.Sleep(100 * time.Millisecond)

	// 3. 注册 2 个实例到 etcd
	reg.Register("Arith", registry.ServiceInstance{Addr: "127.0.0.1:19091", Weight: 10}, 10)
	reg.Register("Arith", registry.ServiceInstance{Addr: "127.0.0.1:19092", Weight: 10}, 10)

	// 4. 创建 Client
	bal := &loadbalance.RoundRobinBalancer{}
	cli := client.NewClient(reg, bal, byte(codec.CodecTypeJSON), 4)

	// 5. 发 10 个请求，验证全部正确
	for i := 1; i <= 10; i++ {
		reply := &Reply{}
		err := cli.Call("Arith.Add", &Args{A: i, B: i * 10}, reply)
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		expected := i + i*10
		if reply.Result != expected {
			t.Fatalf("request %d: expect %d, got %d", i, expected, reply.Result)
		}
	}

	t.Log("Multi-server integration test with etcd passed!")

	// 6. 清理
	svr1.Shutdown(3 * time.Second)
	svr2.Shutdown(3 * time.Second)
}

// TestMultiServerWithRandomBalancer drives real client.Call traffic through
// RandomBalancer across 3 instances and checks that all 60 calls return the
// correct sum — the cluster strategy exercised end to end, not just Pick()
// in isolation. Which instances served the calls is not checked.
func TestMultiServerWithRandomBalancer(t *testing.T) {
	reg, err := registry.NewEtcdRegistry([]string{"127.0.0.1:2379"})
	if err != nil {
		t.Fatalf("failed to connect etcd: %v", err)
	}
	reg.Deregister("Arith", "127.0.0.1:19091")
	reg.Deregister("Arith", "127.0.0.1:19092")

	addrs := []string{"127.0.0.1:19191", "127.0.0.1:19192", "127.0.0.1:19193"}
	var servers []*server.Server
	for _, addr := range addrs {
		svr := server.NewServer()
		svr.Register(&Arith{})
		go svr.Serve("tcp", addr, addr, nil)
		servers = append(servers, svr)
		reg.Register("Arith", registry.ServiceInstance{Addr: addr, Weight: 10}, 10)
	}
	time.Sleep(100 * time.Millisecond)

	bal := &loadbalance.RandomBalancer{}
	cli := client.NewClient(reg, bal, byte(codec.CodecTypeJSON), 4)

	for i := 0; i < 60; i++ {
		reply := &Reply{}
		if err := cli.Call("Arith.Add", &Args{A: i, B: 1}, reply); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
		if reply.Result != i+1 {
			t.Fatalf("call %d: expect %d, got %d", i, i+1, reply.Result)
		}
	}

	for _, svr := range servers {
		svr.Shutdown(3 * time.Second)
	}
	for _, addr := range addrs {
		reg.Deregister("Arith", addr)
	}
}

// TestMultiServerWithWeightedRandomBalancer wires WeightedRandomBalancer
// through the same real client.Call path, with unequal weights.
func TestMultiServerWithWeightedRandomBalancer(t *testing.T) {
	reg, err := registry.NewEtcdRegistry([]string{"127.0.0.1:2379"})
	if err != nil {
		t.Fatalf("failed to connect etcd: %v", err)
	}

	heavyAddr := "127.0.0.1:19291"
	lightAddr := "127.0.0.1:19292"

	svrHeavy := server.NewServer()
	svrHeavy.Register(&Arith{})
	go svrHeavy.Serve("tcp", heavyAddr, heavyAddr, nil)

	svrLight := server.NewServer()
	svrLight.Register(&Arith{})
	go svrLight.Serve("tcp", lightAddr, lightAddr, nil)

	time.Sleep(100 * time.Millisecond)

	reg.Register("Arith", registry.ServiceInstance{Addr: heavyAddr, Weight: 9}, 10)
	reg.Register("Arith", registry.ServiceInstance{Addr: lightAddr, Weight: 1}, 10)

	bal := &loadbalance.WeightedRandomBalancer{}
	cli := client.NewClient(reg, bal, byte(codec.CodecTypeJSON), 4)

	for i := 0; i < 20; i++ {
		reply := &Reply{}
		if err := cli.Call("Arith.Multiply", &Args{A: i, B: 2}, reply); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
		if reply.Result != i*2 {
			t.Fatalf("call %d: expect %d, got %d", i, i*2, reply.Result)
		}
	}

	svrHeavy.Shutdown(3 * time.Second)
	svrLight.Shutdown(3 * time.Second)
	reg.Deregister("Arith", heavyAddr)
	reg.Deregister("Arith", lightAddr)
}
