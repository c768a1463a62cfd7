package middleware

import (
	"context"
	"mini-rpc/message"
	"mini-rpc/ratelimit"
	"testing"
)

func TestLocalTokenBucketMiddlewareRejectsOnceExhausted(t *testing.T) {
	bucket := ratelimit.NewTokenBucket(2, 0)
	var calls int
	handler := LocalTokenBucketMiddleware(bucket)(func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
		calls++
		return &message.RPCMessage{}
	})

	req := &message.RPCMessage{ServiceMethod: "Arith.Add"}
	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), req)
		if resp.Error != "" {
			t.Fatalf("expect call %d to pass, got error %q", i, resp.Error)
		}
	}

	resp := handler(context.Background(), req)
	if resp.Error == "" {
		t.Fatal("expect third call to be rejected once bucket is exhausted")
	}
	if calls != 2 {
		t.Fatalf("expect handler invoked exactly twice, got %d", calls)
	}
}
