package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/streamrpc-go/pkg/client"
)

type callFlags struct {
	endpoint string
	timeout  time.Duration
	notify   bool
}

func newCallCmd(flags *globalFlags) *cobra.Command {
	opts := &callFlags{}
	cmd := &cobra.Command{
		Use:   "call <method> [params-json]",
		Short: "Call a method and print its result",
		Long: "Call sends one request through the resilient client and prints the result.\n" +
			"Notifications received while waiting are printed as they arrive.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, flags, opts, args)
		},
	}
	cmd.Flags().StringVarP(&opts.endpoint, "endpoint", "e", "", "endpoint URL, overrides the configured endpoint")
	cmd.Flags().DurationVarP(&opts.timeout, "timeout", "t", 30*time.Second, "overall deadline")
	cmd.Flags().BoolVarP(&opts.notify, "notify", "n", false, "send a notification instead of a request")
	return cmd
}

func runCall(cmd *cobra.Command, flags *globalFlags, opts *callFlags, args []string) error {
	cfg, err := flags.load()
	if err != nil {
		return err
	}
	if opts.endpoint != "" {
		cfg.Endpoint = opts.endpoint
	}
	if cfg.Endpoint == "" {
		return errors.New("no endpoint: pass --endpoint or set endpoint in the configuration")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	method := args[0]
	var params json.RawMessage
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("params must be valid JSON: %s", args[1])
		}
		params = json.RawMessage(args[1])
	}

	logger, err := newLogger(cfg.Observability)
	if err != nil {
		return err
	}
	tracer, err := newTracer(cfg.Observability)
	if err != nil {
		return err
	}
	defer shutdownTracer(tracer, logger)

	out := cmd.OutOrStdout()
	dialer := client.ChainDialer(
		client.NewHTTPDialer(cfg.Endpoint,
			client.WithHTTPClient(client.NewHTTPTransport(cfg.Connection)),
			client.WithHandshake(cfg.Session.HandshakeMethod, nil),
			client.WithHTTPLogger(logger),
			client.WithHTTPTracer(tracer),
		),
		client.WithDialLogging(logger),
		client.WithDialTracing(tracer),
	)
	mgr := client.NewManager(dialer,
		client.WithReliability(cfg.Reliability),
		client.WithLogger(logger),
		client.WithEventHandler(func(ev client.Event) {
			printEvent(out, ev)
		}),
		client.WithErrorHandler(func(err error) {
			logger.WithError(err).Warn("Connection error")
		}),
	)
	mgr.Start()
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	if opts.notify {
		return mgr.Notify(ctx, method, params)
	}

	result, err := mgr.Call(ctx, method, params)
	if err != nil {
		return err
	}
	return printJSON(out, result)
}

func printEvent(w io.Writer, ev client.Event) {
	msg := ev.Message
	label := msg.Method
	if label == "" {
		label = msg.Kind().String()
	}
	payload := msg.Params
	if payload == nil {
		payload = msg.Result
	}
	fmt.Fprintf(w, "event %s %s %s\n", ev.ID, label, compact(payload))
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func compact(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
