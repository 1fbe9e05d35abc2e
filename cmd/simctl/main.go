// Command simctl runs, watches and cancels simulation jobs.
//
//	simctl run heatmap energy=7 --server ws://localhost:8080/ws
//	simctl status heatmap
//	simctl cancel heatmap
//
// Settings come from flags, SIMQUEUE_* environment variables or a config
// file (--config, or $HOME/.simctl.yaml).
package main

import (
	"os"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
