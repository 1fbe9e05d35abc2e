package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xraph/simqueue"
)

var envReplacer = strings.NewReplacer("-", "_")

func rootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:          "simctl",
		Short:        "simctl submits simulation jobs and tracks their progress.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfigFile(v, cmd)
		},
	}

	defaults := simqueue.DefaultConfig()
	f := cmd.PersistentFlags()
	f.String("config", "", "config file (default $HOME/.simctl.yaml)")
	f.String("server", "", "WebSocket endpoint, e.g. ws://localhost:8080/ws")
	f.String("rpc", "", "plain HTTP endpoint used when --server is empty, e.g. http://localhost:8080/rpc")
	f.String("token", "", "bearer token")
	f.String("format", defaults.Format, "body encoding: json or msgpack")
	f.Duration("timeout", defaults.RequestTimeout, "per-request timeout")
	f.Duration("reconnect-initial", defaults.ReconnectInitial, "first reconnect delay")
	f.Duration("reconnect-max", defaults.ReconnectMax, "reconnect delay cap")
	f.Duration("min-poll", defaults.MinPollInterval, "floor for server-requested poll delays")
	f.Bool("verbose", false, "debug logging")

	for _, name := range []string{
		"server", "rpc", "token", "format", "timeout",
		"reconnect-initial", "reconnect-max", "min-poll", "verbose",
	} {
		_ = v.BindPFlag(name, f.Lookup(name))
	}
	v.SetEnvPrefix("SIMQUEUE")
	v.SetEnvKeyReplacer(envReplacer)
	v.AutomaticEnv()

	cmd.AddCommand(
		runCmd(v),
		statusCmd(v),
		cancelCmd(v),
	)
	return cmd
}

// loadConfigFile merges the config file, if any, under flags and env.
func loadConfigFile(v *viper.Viper, cmd *cobra.Command) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		v.AddConfigPath(home)
		v.SetConfigName(".simctl")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && cfgFile == "" {
			return nil
		}
		return fmt.Errorf("read config %s: %w", v.ConfigFileUsed(), err)
	}
	// A rotated token in the file shows up as session drift.
	v.WatchConfig()
	return nil
}

func configFrom(v *viper.Viper) simqueue.Config {
	cfg := simqueue.DefaultConfig()
	cfg.ServerURL = v.GetString("server")
	cfg.RPCURL = v.GetString("rpc")
	cfg.Token = v.GetString("token")
	if s := v.GetString("format"); s != "" {
		cfg.Format = s
	}
	cfg.RequestTimeout = v.GetDuration("timeout")
	if d := v.GetDuration("reconnect-initial"); d > 0 {
		cfg.ReconnectInitial = d
	}
	if d := v.GetDuration("reconnect-max"); d > 0 {
		cfg.ReconnectMax = d
	}
	if d := v.GetDuration("min-poll"); d > 0 {
		cfg.MinPollInterval = d
	}
	return cfg
}

func newLogger(v *viper.Viper) *slog.Logger {
	level := slog.LevelInfo
	if v.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func formatElapsed(seconds float64) string {
	return (time.Duration(seconds * float64(time.Second))).Round(time.Second).String()
}
