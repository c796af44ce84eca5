package streamrpc_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"time"

	"github.com/ajitpratap0/streamrpc-go"
)

func Example() {
	cfg := streamrpc.DefaultConfig()
	cfg.Observability.MetricsEnabled = false

	srv, err := streamrpc.NewServer(cfg, streamrpc.WithServerInfo("example", streamrpc.Version))
	if err != nil {
		panic(err)
	}
	srv.Router().HandleFunc("greet", func(_ context.Context, params json.RawMessage) (interface{}, error) {
		var p struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return "hello " + p.Name, nil
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Shutdown(context.Background())

	mgr := streamrpc.NewManager(streamrpc.NewHTTPDialer(ts.URL + cfg.Server.Path))
	mgr.Start()
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := mgr.Call(ctx, "greet", map[string]string{"name": "gopher"})
	if err != nil {
		panic(err)
	}
	var greeting string
	_ = json.Unmarshal(result, &greeting)
	fmt.Println(greeting)
	// Output: hello gopher
}
