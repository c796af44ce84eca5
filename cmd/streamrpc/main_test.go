package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/streamrpc-go/pkg/logging"
	"github.com/ajitpratap0/streamrpc-go/pkg/server"
	"github.com/ajitpratap0/streamrpc-go/pkg/transport"
)

func startBuiltinServer(t *testing.T) string {
	t.Helper()
	cfg := transport.DefaultConfig()
	cfg.Observability.MetricsEnabled = false

	srv, err := server.New(cfg)
	require.NoError(t, err)
	registerBuiltins(srv.Router(), logging.NewNop())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return ts.URL + cfg.Server.Path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("STREAMRPC_CONFIG", "")
	t.Setenv("STREAMRPC_LOG_LEVEL", "error")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "streamrpc dev\n", out)
}

func TestCallEcho(t *testing.T) {
	endpoint := startBuiltinServer(t)

	out, err := execute(t, "call", "--endpoint", endpoint, "echo", `{"greeting":"hi"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"greeting":"hi"}`, out)
}

func TestCallStreamsProgress(t *testing.T) {
	endpoint := startBuiltinServer(t)

	out, err := execute(t, "call", "-e", endpoint, "count", `{"n":3}`)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	var progress []string
	for _, line := range lines {
		if strings.Contains(line, notificationProgress) {
			progress = append(progress, line)
		}
	}
	require.Len(t, progress, 3)
	assert.Contains(t, progress[0], `{"progress":1,"total":3}`)
	assert.Contains(t, progress[2], `{"progress":3,"total":3}`)
	assert.Contains(t, out, `"count": 3`)
}

func TestCallErrors(t *testing.T) {
	endpoint := startBuiltinServer(t)

	_, err := execute(t, "call", "-e", endpoint, "echo", "{not json")
	assert.ErrorContains(t, err, "params must be valid JSON")

	_, err = execute(t, "call", "-e", endpoint, "count", `{"n":-1}`)
	assert.Error(t, err)

	_, err = execute(t, "call", "echo")
	assert.ErrorContains(t, err, "no endpoint")

	_, err = execute(t, "call")
	assert.Error(t, err)
}

func TestCallNotification(t *testing.T) {
	endpoint := startBuiltinServer(t)

	out, err := execute(t, "call", "-e", endpoint, "--notify", "log", `{"level":"info","message":"hello"}`)
	require.NoError(t, err)
	assert.Empty(t, out)
}
