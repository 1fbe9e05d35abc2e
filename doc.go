// Package simqueue submits long-running compute jobs to a server and tracks
// their progress over a single multiplexed connection.
//
// The module is layered leaf-first:
//
//   - wire: frame header + opaque payload encoding (MessagePack header).
//   - transport: one duplex connection, correlation ids, async push
//     dispatch, reconnect with backoff, plus a plain HTTP fallback.
//   - rpc: route resolution and failure normalization.
//   - jobqueue: transient lane and persistent pollers.
//   - jobctl: per-job state machine.
//
// # Quick Start
//
//	tr := transport.New(transport.WebSocketDialer("wss://sim.example.com/ws", nil))
//	defer tr.Close()
//
//	c := rpc.New(tr)
//	q := jobqueue.New(c)
//	ctl := jobctl.New(q, "heatmap", jobctl.WithStatusCallback(func(s jobctl.State) {
//	    fmt.Printf("%s %.0f%%\n", s.Status, s.PercentComplete)
//	}))
//	err := ctl.RunSimulation(params)
//
// This root package holds the sentinel errors and Config shared by every
// layer.
package simqueue
