// Command simserver is a demo job backend. Jobs make progress with wall
// time and finish after --duration.
//
//	simserver --addr :8080 --duration 30s
//
// Sending SIGHUP pushes a serverUpgraded notification to every client.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xraph/simqueue/server"
	"github.com/xraph/simqueue/wire"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:          "simserver",
		Short:        "simserver serves fake simulation jobs.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), v)
		},
	}

	f := cmd.Flags()
	f.String("addr", ":8080", "listen address")
	f.Duration("duration", 30*time.Second, "how long each job runs")
	f.Duration("poll", 2*time.Second, "poll delay suggested to clients")
	f.String("format", wire.CodecNameJSON, "default body encoding: json or msgpack")
	f.StringSlice("api-key", nil, "accepted bearer tokens (none disables auth)")
	for _, name := range []string{"addr", "duration", "poll", "format", "api-key"} {
		_ = v.BindPFlag(name, f.Lookup(name))
	}
	v.SetEnvPrefix("SIMSERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return cmd
}

func serve(ctx context.Context, v *viper.Viper) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithCodec(wire.GetCodec(v.GetString("format"))),
	}
	if keys := v.GetStringSlice("api-key"); len(keys) > 0 {
		ids := make(map[string]server.Identity, len(keys))
		for i, k := range keys {
			ids[k] = server.Identity{Subject: fmt.Sprintf("key-%d", i+1)}
		}
		opts = append(opts, server.WithAuth(server.NewAPIKeyAuthenticator(ids)))
	}
	srv := server.New(opts...)
	newBackend(v.GetDuration("duration"), v.GetDuration("poll"), logger).register(srv)

	httpSrv := &http.Server{
		Addr:              v.GetString("addr"),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", httpSrv.Addr))
		errc <- httpSrv.ListenAndServe()
	}()

	for {
		select {
		case <-hup:
			if err := srv.Push("serverUpgraded", map[string]any{"at": time.Now().Unix()}); err != nil {
				logger.Warn("push failed", slog.String("error", err.Error()))
			}
		case err := <-errc:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.DropConnections()
			return httpSrv.Shutdown(sctx)
		}
	}
}
