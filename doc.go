// Package opcsim is an industrial data source simulator. It replays
// recorded CSV datasets as live, protocol-addressable variables so that
// downstream systems can be developed and tested without real machines
// on the network.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│         Control Surface             │  upload, activate,
//	│            (web)                    │  health, metrics
//	└─────────────────────────────────────┘
//	           ↓ mutates
//	┌─────────────────────────────────────┐
//	│         Dataset Store               │  validated, immutable
//	│           (dataset)                 │  datasets + active pointer
//	└─────────────────────────────────────┘
//	           ↓ feeds
//	┌─────────────────────────────────────┐
//	│        Streaming Engine             │  single-goroutine tick
//	│           (engine)                  │  loop, dataset hot-swap
//	└─────────────────────────────────────┘
//	           ↓ writes
//	┌─────────────────────────────────────┐
//	│        Variable Server              │  WebSocket address space,
//	│          (protocol)                 │  browse/read/subscribe
//	└─────────────────────────────────────┘
//
// A dataset's columns become the variable namespace; its rows become
// the value stream, one row per tick, looping forever. Activating
// another dataset reshapes the namespace with a minimal diff: variables
// for shared columns survive the swap, so client subscriptions on them
// stay alive.
//
// Supporting packages: namespace computes the variable plan and the
// swap diff, component defines the lifecycle contract and manager,
// errors carries the classified error scheme, metric wraps the
// Prometheus registry, natsclient and output/natsmirror optionally
// mirror every played row onto NATS.
package opcsim
