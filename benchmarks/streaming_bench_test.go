// Package benchmarks measures the hot paths of the transport.
package benchmarks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ajitpratap0/streamrpc-go/pkg/circuitbreaker"
	"github.com/ajitpratap0/streamrpc-go/pkg/client"
	"github.com/ajitpratap0/streamrpc-go/pkg/eventstore"
	"github.com/ajitpratap0/streamrpc-go/pkg/server"
	"github.com/ajitpratap0/streamrpc-go/pkg/transport"
)

var payload = json.RawMessage(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":1,"total":10}}`)

// BenchmarkEventStore benchmarks append and replay on the in-memory store
func BenchmarkEventStore(b *testing.B) {
	b.Run("Append/SingleStream", func(b *testing.B) {
		benchmarkAppend(b, 1)
	})

	b.Run("Append/1000Streams", func(b *testing.B) {
		benchmarkAppend(b, 1000)
	})

	b.Run("Replay/100", func(b *testing.B) {
		benchmarkReplay(b, 100)
	})

	b.Run("Replay/10000", func(b *testing.B) {
		benchmarkReplay(b, 10000)
	})
}

func benchmarkAppend(b *testing.B, streams int) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	ids := make([]string, streams)
	for i := range ids {
		ids[i] = fmt.Sprintf("stream-%d", i)
	}

	var next atomic.Uint64
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			id := ids[next.Add(1)%uint64(streams)]
			if _, err := store.Append(ctx, id, payload); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func benchmarkReplay(b *testing.B, events int) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	for i := 0; i < events; i++ {
		if _, err := store.Append(ctx, "s", payload); err != nil {
			b.Fatal(err)
		}
	}

	sink := func(context.Context, eventstore.Event) error { return nil }
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.ReplayAfter(ctx, "s:1", sink); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkCircuitBreaker measures the overhead of a closed breaker
func BenchmarkCircuitBreaker(b *testing.B) {
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig())
	ctx := context.Background()
	op := func(context.Context) error { return nil }

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = breaker.Execute(ctx, op)
		}
	})
}

// BenchmarkHTTPCall benchmarks a full request/response round trip
func BenchmarkHTTPCall(b *testing.B) {
	cfg := transport.DefaultConfig()
	cfg.Observability.MetricsEnabled = false

	srv, err := server.New(cfg)
	if err != nil {
		b.Fatal(err)
	}
	srv.Router().HandleFunc("echo", func(_ context.Context, params json.RawMessage) (interface{}, error) {
		return params, nil
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Shutdown(context.Background())

	mgr := client.NewManager(client.NewHTTPDialer(ts.URL + cfg.Server.Path))
	mgr.Start()
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	params := map[string]int{"n": 1}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := mgr.Call(ctx, "echo", params); err != nil {
			b.Fatal(err)
		}
	}
}
