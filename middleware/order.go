package middleware

import (
	"context"
	"log"
	"math"
	"mini-rpc/message"
	"sort"
)

// Filter is an observability hook run before the invoker on every request,
// distinct from a Middleware in that it never short-circuits and never sees
// the response — it exists purely to observe the request as it passes by.
type Filter interface {
	// Order controls execution position: filters run highest-order first.
	Order() int
	// Run observes req. Any error is logged, never returned to the caller.
	Run(ctx context.Context, req *message.RPCMessage)
}

// SortFiltersDescending sorts filters by descending Order(), the ordering
// the protocol pipeline applies before handing off to the invoker.
func SortFiltersDescending(filters []Filter) []Filter {
	sorted := make([]Filter, len(filters))
	copy(sorted, filters)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order() > sorted[j].Order()
	})
	return sorted
}

// RunFilters runs every filter in descending-order order against req.
func RunFilters(ctx context.Context, filters []Filter, req *message.RPCMessage) {
	for _, f := range SortFiltersDescending(filters) {
		f.Run(ctx, req)
	}
}

// LogFilter logs every request at the highest possible order, guaranteeing
// it always runs first among filters — the framework's canonical example
// of an observability hook.
type LogFilter struct{}

func (LogFilter) Order() int { return math.MaxInt }

func (LogFilter) Run(_ context.Context, req *message.RPCMessage) {
	log.Printf("filter: dispatching %s", req.ServiceMethod)
}
