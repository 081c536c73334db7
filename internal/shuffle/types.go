package shuffle

import (
	"fmt"
	"strings"
)

// PartitionID identifies one shuffle partition of one application attempt.
// It is passed through to servers and used in logs and error messages; the
// read clients never interpret its contents.
type PartitionID struct {
	AppID      string `json:"app_id"`
	AppAttempt string `json:"app_attempt"`
	ShuffleID  int    `json:"shuffle_id"`
	Partition  int    `json:"partition"`
}

// String renders the partition identity in the app/attempt/shuffle/partition
// form used throughout operator-facing logs.
func (p PartitionID) String() string {
	return fmt.Sprintf("%s/%s/shuffle-%d/partition-%d", p.AppID, p.AppAttempt, p.ShuffleID, p.Partition)
}

// ServerDetail describes one physical shuffle server.
type ServerDetail struct {
	// ServerID is the server's cluster-unique identifier.
	ServerID string `json:"server_id"`

	// ConnString is the host:port the server accepts download
	// connections on.
	ConnString string `json:"conn_string"`
}

func (s ServerDetail) String() string {
	return fmt.Sprintf("%s(%s)", s.ServerID, s.ConnString)
}

// ServerReplicationGroup is an ordered set of physically distinct servers
// that each hold a replica of the same shard of a partition's data.
//
// The group is immutable once built. The order of Servers is significant:
// the first entry is the preferred replica for record reads, the remainder
// are consulted for replica consistency checking.
type ServerReplicationGroup struct {
	Servers []ServerDetail `json:"servers"`
}

// NewServerReplicationGroup copies servers into an immutable group.
func NewServerReplicationGroup(servers ...ServerDetail) ServerReplicationGroup {
	copied := make([]ServerDetail, len(servers))
	copy(copied, servers)
	return ServerReplicationGroup{Servers: copied}
}

// String lists the group members in replica order.
func (g ServerReplicationGroup) String() string {
	members := make([]string, len(g.Servers))
	for i, s := range g.Servers {
		members[i] = s.String()
	}
	return "[" + strings.Join(members, ",") + "]"
}

// KeyValueRecord is one shuffle record together with the task attempt that
// produced it. Key and Value may each be nil, representing an empty key or
// value emitted by the writer.
type KeyValueRecord struct {
	TaskAttemptID int64
	Key           []byte
	Value         []byte
}

// PayloadBytes returns the number of payload bytes this record accounts for
// in byte-read bookkeeping: the key and value lengths plus the task attempt
// identifier.
func (r KeyValueRecord) PayloadBytes() int64 {
	return int64(len(r.Key)) + int64(len(r.Value)) + 8
}

func (r KeyValueRecord) String() string {
	return fmt.Sprintf("KeyValueRecord{taskAttempt=%d, key=%d bytes, value=%d bytes}",
		r.TaskAttemptID, len(r.Key), len(r.Value))
}
