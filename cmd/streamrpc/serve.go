package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	rpcerrors "github.com/ajitpratap0/streamrpc-go/pkg/errors"
	"github.com/ajitpratap0/streamrpc-go/pkg/logging"
	"github.com/ajitpratap0/streamrpc-go/pkg/server"
)

const (
	methodEcho  = "echo"
	methodCount = "count"
	methodLog   = "log"

	notificationProgress = "notifications/progress"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the streaming JSON-RPC endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.ListenAddr = listen
			}

			logger, err := newLogger(cfg.Observability)
			if err != nil {
				return err
			}
			metrics, err := newMetrics(cfg.Observability)
			if err != nil {
				return err
			}
			tracer, err := newTracer(cfg.Observability)
			if err != nil {
				return err
			}

			srv, err := server.New(cfg,
				server.WithInfo("streamrpc", version),
				server.WithLogger(logger),
				server.WithMetrics(metrics),
				server.WithTracer(tracer),
			)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}
			registerBuiltins(srv.Router(), logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address, overrides server.listen_addr")
	return cmd
}

type countParams struct {
	N       int `json:"n"`
	DelayMS int `json:"delay_ms"`
}

type progressParams struct {
	Progress int `json:"progress"`
	Total    int `json:"total"`
}

type logParams struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// registerBuiltins installs the demo methods served by the CLI
func registerBuiltins(router *server.Router, logger logging.Logger) {
	router.HandleFunc(methodEcho, func(_ context.Context, params json.RawMessage) (interface{}, error) {
		if len(params) == 0 {
			return struct{}{}, nil
		}
		return params, nil
	})

	// count emits n progress notifications on the request's stream, then
	// returns n.
	router.HandleFunc(methodCount, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var params countParams
		if err := json.Unmarshal(raw, &params); err != nil || params.N < 0 || params.N > 1000 {
			return nil, rpcerrors.CreateInvalidParamsError(methodCount, "expected {\"n\": 0..1000}")
		}
		notifier, ok := server.NotifierFromContext(ctx)
		for i := 1; i <= params.N; i++ {
			if params.DelayMS > 0 {
				select {
				case <-time.After(time.Duration(params.DelayMS) * time.Millisecond):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			if ok {
				if err := notifier.Notify(ctx, notificationProgress, progressParams{Progress: i, Total: params.N}); err != nil {
					return nil, err
				}
			}
		}
		return map[string]int{"count": params.N}, nil
	})

	router.HandleNotificationFunc(methodLog, func(ctx context.Context, raw json.RawMessage) error {
		var params logParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return err
		}
		entry := logger.WithFields(logging.String("session_id", server.SessionIDFromContext(ctx)))
		switch params.Level {
		case "debug":
			entry.Debug(params.Message)
		case "warn":
			entry.Warn(params.Message)
		case "error":
			entry.Error(params.Message)
		default:
			entry.Info(params.Message)
		}
		return nil
	})
}
