package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xraph/simqueue/jobctl"
	"github.com/xraph/simqueue/jobqueue"
	"github.com/xraph/simqueue/rpc"
)

func runCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run <jobKey> [name=value...]",
		Short: "Start a job and follow it until it finishes.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}
			return follow(cmd, v, args[0], true, func(c *jobctl.Controller) error {
				return c.RunSimulation(params)
			})
		},
	}
}

func statusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status <jobKey> [name=value...]",
		Short: "Follow an existing job without starting new compute.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}
			return follow(cmd, v, args[0], false, func(c *jobctl.Controller) error {
				return c.ResetSimulation(params)
			})
		},
	}
}

func cancelCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <jobKey>",
		Short: "Cancel a running job.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newStack(v, newLogger(v), nil)
			if err != nil {
				return err
			}
			defer st.Close()

			var reply jobqueue.StatusReply
			err = st.client.Call(cmd.Context(), rpc.RouteRunCancel, map[string]any{"jobKey": args[0]}, &reply)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], reply.State)
			return nil
		},
	}
}

// follow starts the job and prints every status until the run ends.
// Interrupting cancels the job. With strict, any terminal status other
// than completed is an error.
func follow(cmd *cobra.Command, v *viper.Viper, key string, strict bool, start func(*jobctl.Controller) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(v)
	drift := make(chan error, 1)
	st, err := newStack(v, logger, func(err error) {
		select {
		case drift <- err:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer st.Close()

	out := cmd.OutOrStdout()
	done := make(chan jobctl.State, 1)
	c := jobctl.New(st.queue, key,
		jobctl.WithLogger(logger),
		jobctl.WithStatusCallback(func(s jobctl.State) {
			fmt.Fprintf(out, "%-10s %5.1f%%  frames=%-6d elapsed=%s\n",
				s.Status, s.PercentComplete, s.FrameCount, formatElapsed(s.ElapsedSeconds))
		}),
		jobctl.WithTerminalCallback(func(s jobctl.State) { done <- s }),
	)
	if err := start(c); err != nil {
		return err
	}

	select {
	case s := <-done:
		if s.Status == jobqueue.StatusError {
			return fmt.Errorf("job %s failed: %s", key, s.LastError)
		}
		if strict && s.Status != jobqueue.StatusCompleted {
			return fmt.Errorf("job %s ended %s", key, s.Status)
		}
		return nil
	case err := <-drift:
		return err
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.CancelSimulation(cctx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

// parseParams turns name=value arguments into job parameters. Numbers and
// booleans are typed; everything else is a string.
func parseParams(args []string) (map[string]any, error) {
	params := make(map[string]any, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("parameter %q is not name=value", arg)
		}
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			params[name] = f
		} else if b, err := strconv.ParseBool(value); err == nil {
			params[name] = b
		} else {
			params[name] = value
		}
	}
	return params, nil
}
