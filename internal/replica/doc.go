// Package replica implements the per-group read client consumed by the
// failover client in internal/client.
//
// A ReadClient owns the socket connections to one server replication group.
// Records are streamed from the group's first replica; when replica
// consistency checking is enabled the remaining replicas are streamed in
// parallel and reduced to content digests, which must agree with the primary
// digest once the stream ends.
//
// Decoded records pass through a bounded read-ahead queue so the network
// read runs ahead of the caller by at most ReadQueueSize records.
package replica
