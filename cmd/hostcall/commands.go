package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/workspace/hostbridge/internal/bridge"
	"github.com/workspace/hostbridge/internal/envelope"
	"github.com/workspace/hostbridge/internal/session"
	"github.com/workspace/hostbridge/internal/token"
)

func newContextCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "context",
		Short: "Print the host context",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.connect(cmd.Context(), bridge.Options{})
			if err != nil {
				return err
			}
			defer b.Close()

			if _, err := b.Host.Initialize(cmd.Context()); err != nil {
				return err
			}
			hc, err := b.Host.Context(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), hc)
		},
	}
}

func newSendCommand(a *app) *cobra.Command {
	var stream bool
	cmd := &cobra.Command{
		Use:   "send <func> [json-arg...]",
		Short: "Call a host function and print its reply payload",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			callArgs, err := jsonArgs(args[1:])
			if err != nil {
				return err
			}
			b, err := a.connect(cmd.Context(), bridge.Options{})
			if err != nil {
				return err
			}
			defer b.Close()

			if !stream {
				reply, err := b.Channel.Send(cmd.Context(), args[0], callArgs...)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), reply)
			}

			s, err := b.Channel.Stream(cmd.Context(), args[0], callArgs...)
			if err != nil {
				return err
			}
			defer s.Close()
			for {
				reply, err := s.Next(cmd.Context())
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				if err := printResult(cmd.OutOrStdout(), reply); err != nil {
					return err
				}
			}
		},
	}
	cmd.Flags().BoolVar(&stream, "stream", false, "print every partial response until the final one")
	return cmd
}

func newExecCommand(a *app) *cobra.Command {
	var (
		data       string
		permission string
		scopes     []string
		headers    []string
	)
	cmd := &cobra.Command{
		Use:   "exec <function>",
		Short: "Start a session and call a backend function with a bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body any
			if data != "" {
				if !json.Valid([]byte(data)) {
					return fmt.Errorf("--data must be JSON")
				}
				body = json.RawMessage(data)
			}
			opts := session.ExecOptions{Permission: permission}
			if len(scopes) > 0 {
				opts.TokenRequest = &token.Request{Scopes: scopes}
			}
			if len(headers) > 0 {
				opts.Headers = make(map[string]string, len(headers))
				for _, h := range headers {
					k, v, ok := strings.Cut(h, "=")
					if !ok || k == "" {
						return fmt.Errorf("--header %q must be key=value", h)
					}
					opts.Headers[k] = v
				}
			}

			b, err := a.connect(cmd.Context(), bridge.Options{})
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.Session.Start(cmd.Context()); err != nil {
				return err
			}
			reply, err := b.Session.Exec(cmd.Context(), args[0], body, opts)
			if err != nil {
				return err
			}
			if len(reply) == 0 {
				return nil
			}
			return printJSON(cmd.OutOrStdout(), reply)
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "JSON request body")
	cmd.Flags().StringVar(&permission, "permission", "", "permission combined with the client id into the token scope")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "explicit token scope (repeatable)")
	cmd.Flags().StringArrayVar(&headers, "header", nil, "extra request header key=value (repeatable)")
	return cmd
}

// watchedEvent is one printed line of watch output.
type watchedEvent struct {
	Event string            `json:"event"`
	Args  []json.RawMessage `json:"args"`
	At    time.Time         `json:"at"`
}

func newWatchCommand(a *app) *cobra.Command {
	var (
		metricsAddr string
		count       int
	)
	cmd := &cobra.Command{
		Use:   "watch <event...>",
		Short: "Register for host events and print them as JSON lines",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			reg := prometheus.NewRegistry()
			if metricsAddr != "" {
				stopMetrics := serveMetrics(metricsAddr, reg)
				defer stopMetrics()
			}

			b, err := a.connect(ctx, bridge.Options{Registerer: reg})
			if err != nil {
				return err
			}
			defer b.Close()

			events := make(chan watchedEvent, 64)
			for _, name := range args {
				sub, err := b.Channel.Subscribe(ctx, name, func(evArgs []json.RawMessage) {
					select {
					case events <- watchedEvent{Event: name, Args: evArgs, At: time.Now().UTC()}:
					default:
						slog.Warn("Dropping event, output is not keeping up", "event", name)
					}
				})
				if err != nil {
					return err
				}
				defer b.Channel.Off(sub)
			}
			slog.Info("Watching host events", "events", args)

			enc := json.NewEncoder(cmd.OutOrStdout())
			seen := 0
			for {
				select {
				case ev := <-events:
					if err := enc.Encode(ev); err != nil {
						return err
					}
					seen++
					if count > 0 && seen >= count {
						return nil
					}
				case err := <-b.Done():
					if err == nil {
						return errors.New("host closed the connection")
					}
					return err
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve channel metrics on this address (e.g. :9090)")
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many events (0 = run until interrupted)")
	return cmd
}

func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "addr", addr, "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// jsonArgs parses each argument as JSON; bare words are sent as strings.
func jsonArgs(raw []string) ([]any, error) {
	out := make([]any, 0, len(raw))
	for _, r := range raw {
		if json.Valid([]byte(r)) {
			out = append(out, json.RawMessage(r))
			continue
		}
		if strings.ContainsAny(r, "{}[]\"") {
			return nil, fmt.Errorf("argument %q is not valid JSON", r)
		}
		out = append(out, r)
	}
	return out, nil
}

// printResult decodes a reply payload and prints it, or returns the host
// error it carries.
func printResult(w io.Writer, reply []json.RawMessage) error {
	res := envelope.Decode(reply)
	if !res.OK() {
		return res.Err
	}
	if res.Payload == nil {
		res.Payload = []json.RawMessage{}
	}
	return printJSON(w, res.Payload)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
