package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/viper"

	"github.com/xraph/simqueue/backoff"
	"github.com/xraph/simqueue/jobqueue"
	"github.com/xraph/simqueue/rpc"
	"github.com/xraph/simqueue/transport"
	"github.com/xraph/simqueue/wire"
)

// stack is the client side wired from configuration.
type stack struct {
	client  *rpc.Client
	queue   *jobqueue.Queue
	closers []func() error
}

func newStack(v *viper.Viper, logger *slog.Logger, onDrift func(error)) (*stack, error) {
	cfg := configFrom(v)

	// Read the token on every dial so a rotated one is picked up.
	header := func() http.Header {
		h := http.Header{}
		if tok := v.GetString("token"); tok != "" {
			h.Set("Authorization", "Bearer "+tok)
		}
		return h
	}

	st := &stack{}
	var sender rpc.Sender
	switch {
	case cfg.ServerURL != "":
		tr := transport.New(transport.WebSocketDialer(cfg.ServerURL, header),
			transport.WithLogger(logger),
			transport.WithBackoff(backoff.NewExponential(cfg.ReconnectInitial, cfg.ReconnectMax)),
			transport.WithRequestTimeout(cfg.RequestTimeout),
			transport.WithSession(transport.SessionFunc(func() []string {
				return []string{"token=" + v.GetString("token")}
			})),
			transport.WithSessionDriftHandler(onDrift),
		)
		err := tr.RegisterAsyncHandler("serverUpgraded", func([]byte) {
			fmt.Fprintln(os.Stderr, "server was upgraded; restart simctl to pick up the new version")
		})
		if err != nil {
			_ = tr.Close()
			return nil, err
		}
		sender = tr
		st.closers = append(st.closers, tr.Close)
	case cfg.RPCURL != "":
		sender = transport.NewHTTP(cfg.RPCURL,
			transport.WithHTTPHeader(header),
			transport.WithHTTPTimeout(cfg.RequestTimeout),
			transport.WithHTTPLogger(logger),
		)
	default:
		return nil, errors.New("one of --server or --rpc is required")
	}

	st.client = rpc.New(sender,
		rpc.WithCodec(wire.GetCodec(cfg.Format)),
		rpc.WithLogger(logger),
		rpc.WithNotifier(stderrNotifier{}),
		rpc.WithRedirector(stderrNotifier{}),
	)
	st.queue = jobqueue.New(st.client,
		jobqueue.WithLogger(logger),
		jobqueue.WithMinPollInterval(cfg.MinPollInterval),
	)
	return st, nil
}

func (s *stack) Close() {
	_ = s.queue.Close()
	for _, fn := range s.closers {
		_ = fn()
	}
}

// stderrNotifier surfaces failures on the terminal.
type stderrNotifier struct{}

func (stderrNotifier) Alert(message string) {
	fmt.Fprintln(os.Stderr, "error:", message)
}

func (stderrNotifier) Redirect(exc *rpc.Exception) {
	switch exc.RouteName {
	case "login", "loginFail", "sessionExpired":
		fmt.Fprintln(os.Stderr, "error: not signed in; check --token")
	case "serverUpgraded":
		fmt.Fprintln(os.Stderr, "error: server was upgraded; rerun the command")
	default:
		fmt.Fprintln(os.Stderr, "error: server requested", exc.RouteName)
	}
}
