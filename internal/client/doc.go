// Package client implements the multi-group failover read client for the
// remote shuffle service.
//
// # Overview
//
// A shuffle partition's data is spread across an ordered list of server
// replication groups. The MultiServerReadClient owns that list and presents
// one seamless, ordered, at-most-once record stream to the caller:
//
//	┌───────────────────────────────────────────────┐
//	│           MultiServerReadClient               │
//	├───────────────────────────────────────────────┤
//	│  groups: [G0, G1, G2]   (failover order)      │
//	│  cursor: nextGroupIndex                       │
//	│  current: GroupReadClient for the open group  │
//	│  finishedGroupBytes: byte accumulator         │
//	├───────────────────────────────────────────────┤
//	│  Connect ──▶ open G0 (bounded retry)          │
//	│  ReadRecord ─▶ record, or advance G0→G1→G2    │
//	│  Close ──▶ release whatever is open           │
//	└───────────────────────────────────────────────┘
//
// Within one group, connection handling, replica consistency checking, and
// record decoding are delegated to a GroupReadClient (see internal/replica
// for the socket implementation). This package only decides when to advance
// to the next group, how long to retry a group's connection, and how byte
// accounting survives group transitions.
//
// # State Machine
//
// The client moves through four states, always under its mutex:
//
//	NotConnected ──Connect──▶ Active ──all groups drained──▶ Exhausted
//	     │                      │                               │
//	     └────────Close─────────┴────────────Close──────────────┘──▶ Closed
//
// Groups are visited strictly in list order, each at most once, and never
// ahead of need. An empty group is connected, drained, and closed without
// the caller observing it.
//
// # Concurrency
//
// The client is not internally concurrent: a single mutex serializes
// Connect, ReadRecord, Close, ShuffleReadBytes, and String. The retry loop
// sleeps synchronously while holding that mutex; the caller drives a single
// logical read sequence.
package client
