// Package shuffle defines the identity and record types shared by the
// remote shuffle service read clients.
//
// # Overview
//
// A shuffle partition is identified by the producing application, an
// application attempt, a shuffle stage, and a partition number. The data for
// one partition may be split across several server replication groups
// (sharding), and each group holds the same shard on multiple physical
// servers (replication):
//
//	PartitionID ──▶ [ Group 0 ]  [ Group 1 ]  [ Group 2 ]
//	                 ├ server a   ├ server c   ├ server e
//	                 └ server b   └ server d   └ server f
//
// The types in this package are pure data: they carry no connection state and
// are safe to copy. The read clients in internal/client and internal/replica
// treat them as opaque except for logging.
//
// # Core Types
//
// PartitionID: Which application/shuffle/partition a client reads.
//
// ServerDetail: One physical shuffle server (ID plus connection string).
//
// ServerReplicationGroup: An ordered set of servers holding replicas of the
// same shard of a partition.
//
// KeyValueRecord: The unit of data returned to callers. Key or Value may be
// nil when the writer emitted an empty key or value; a record is never used
// to signal "no more data".
package shuffle
