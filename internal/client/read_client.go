package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/boy-uber/RemoteShuffleService/internal/retry"
	"github.com/boy-uber/RemoteShuffleService/internal/shuffle"
)

var (
	// ErrNoServers is returned when a client is constructed with an empty
	// server group list.
	ErrNoServers = errors.New("no server replication groups provided")

	// ErrNotConnected is returned by ReadRecord when Connect has not
	// succeeded. This is a caller bug, not a retryable condition.
	ErrNotConnected = errors.New("read client is not connected")

	// ErrClosed is returned by operations invoked after Close.
	ErrClosed = errors.New("read client is closed")
)

// GroupReadClient is the per-group collaborator the failover client drives.
// Given one server replication group it opens the group's connections,
// checks replica consistency, and decodes the record stream.
//
// Every method may block and may fail. ReadRecord reports exhaustion by
// returning ok == false; once exhausted a group stays exhausted. Close must
// be safe to call multiple times and on partially-initialized instances.
// ShuffleReadBytes is a monotonically increasing count of payload bytes read
// from the group so far.
type GroupReadClient interface {
	Connect() error
	ReadRecord() (rec *shuffle.KeyValueRecord, ok bool, err error)
	Close() error
	ShuffleReadBytes() int64
}

// GroupClientFactory constructs an unconnected GroupReadClient for one
// server replication group. The failover client calls Connect on the result
// and owns it until the group is exhausted or the client is closed.
type GroupClientFactory func(group shuffle.ServerReplicationGroup) (GroupReadClient, error)

// Options carries the construction inputs shared by the failover client and
// its per-group collaborators.
type Options struct {
	// Timeout bounds each connection attempt to a single server.
	Timeout time.Duration

	// Retry is the per-group connection retry budget. A transient failure
	// connecting to group N never consumes the budget intended for group
	// N+1. Left zero, it is derived from DataAvailablePollInterval and
	// Timeout.
	Retry retry.Policy

	// Compressed marks the partition's payload as zstd-compressed.
	Compressed bool

	// ReadQueueSize bounds the per-group record read-ahead queue. The
	// failover client passes it through without interpreting it.
	ReadQueueSize int

	// User identifies the reading user to the servers.
	User string

	// Partition names the shuffle partition being read. Used for logging
	// and error messages and passed through to the servers.
	Partition shuffle.PartitionID

	// DataAvailablePollInterval and DataAvailableWaitTime are the data
	// availability options forwarded to the per-group client.
	DataAvailablePollInterval time.Duration
	DataAvailableWaitTime     time.Duration

	// CheckReplicaConsistency enables cross-replica consistency checking
	// inside each group.
	CheckReplicaConsistency bool
}

// clientState tracks which phase of its lifecycle the failover client is in.
type clientState int

const (
	stateNotConnected clientState = iota
	stateActive
	stateExhausted
	stateClosed
)

func (s clientState) String() string {
	switch s {
	case stateNotConnected:
		return "not-connected"
	case stateActive:
		return "active"
	case stateExhausted:
		return "exhausted"
	case stateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MultiServerReadClient reads one shuffle partition from an ordered list of
// server replication groups, failing over from one group to the next as each
// group's data is exhausted.
//
// Lifecycle:
//  1. NewMultiServerReadClient validates the group list.
//  2. Connect opens the first group, retrying with bounded backoff.
//  3. ReadRecord streams records, transparently advancing across groups.
//     It reports end-of-data once the last group is drained.
//  4. Close releases whatever group is still open.
//
// Guarantees:
//   - Groups are visited at most once each, strictly in list order.
//   - An empty group is skipped without the caller observing it.
//   - ShuffleReadBytes never decreases, across group transitions, Close,
//     and failures alike.
//   - Every exit path (exhaustion, retry-budget exhaustion, explicit
//     Close, read error) leaves no group connection open except the one
//     the caller can still drain.
//
// Thread safety: all public methods are serialized by an internal mutex.
// The client performs no parallel fan-out across groups.
type MultiServerReadClient struct {
	mu sync.Mutex

	groups  []shuffle.ServerReplicationGroup
	opts    Options
	factory GroupClientFactory

	state clientState

	// nextGroupIndex is the cursor into groups: 0 <= nextGroupIndex <=
	// len(groups), monotonically increasing. When current is non-nil it
	// belongs to groups[nextGroupIndex-1].
	nextGroupIndex int

	// current is the open group's client. Exclusively owned; nil when no
	// group is open.
	current GroupReadClient

	// finishedGroupBytes accumulates ShuffleReadBytes of every group that
	// has been closed. Never decreases.
	finishedGroupBytes int64
}

// NewMultiServerReadClient builds a failover client over groups, in failover
// order. It fails before any I/O when groups is empty.
func NewMultiServerReadClient(groups []shuffle.ServerReplicationGroup, opts Options, factory GroupClientFactory) (*MultiServerReadClient, error) {
	if len(groups) == 0 {
		return nil, ErrNoServers
	}
	if factory == nil {
		return nil, errors.New("nil group client factory")
	}
	if opts.Retry == (retry.Policy{}) {
		opts.Retry = retry.DefaultPolicy(opts.DataAvailablePollInterval, opts.Timeout)
	}
	return &MultiServerReadClient{
		groups:  slices.Clone(groups),
		opts:    opts,
		factory: factory,
		state:   stateNotConnected,
	}, nil
}

// Connect establishes the first group's connection, retrying within the
// configured budget. On failure the client remains unconnected with no group
// open.
func (c *MultiServerReadClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateClosed:
		return ErrClosed
	case stateActive, stateExhausted:
		return fmt.Errorf("read client for partition %s already connected", c.opts.Partition)
	}

	if err := c.connectNextGroup(); err != nil {
		return err
	}
	c.state = stateActive
	return nil
}

// ReadRecord returns the next record in partition order. ok is false once
// every group has been exhausted; after that, subsequent calls keep
// reporting end-of-data. Calling ReadRecord before Connect is a caller bug
// and returns ErrNotConnected.
//
// A clean end-of-data signal from the open group triggers advancement to the
// next group. A read error never does; it propagates to the caller
// unmodified. When the advance itself exhausts its retry budget the client
// returns to the not-connected state, and Connect may be called to retry the
// failed group.
func (c *MultiServerReadClient) ReadRecord() (*shuffle.KeyValueRecord, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateNotConnected:
		return nil, false, ErrNotConnected
	case stateClosed:
		return nil, false, ErrClosed
	case stateExhausted:
		return nil, false, nil
	}

	rec, ok, err := c.current.ReadRecord()
	if err != nil {
		return nil, false, err
	}

	for !ok {
		// The open group is drained: fold its byte count into the
		// accumulator and release it before moving on.
		c.finishedGroupBytes += c.current.ShuffleReadBytes()
		c.closeGroupClient(c.current)
		c.current = nil

		if c.nextGroupIndex == len(c.groups) {
			c.state = stateExhausted
			return nil, false, nil
		}

		if err := c.connectNextGroup(); err != nil {
			// The advance failed with no group open. Drop back to
			// not-connected so the next call hits the ErrNotConnected
			// precondition instead of a nil current client; Connect may
			// retry the same group.
			c.state = stateNotConnected
			return nil, false, err
		}

		rec, ok, err = c.current.ReadRecord()
		if err != nil {
			return nil, false, err
		}
	}

	recordsRead.Inc()
	return rec, true, nil
}

// Close releases the current group's client if one is open. It never returns
// an error for an internal close failure; those are logged. Close is safe to
// call in any state, including before Connect and repeatedly.
func (c *MultiServerReadClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		c.finishedGroupBytes += c.current.ShuffleReadBytes()
		c.closeGroupClient(c.current)
		c.current = nil
	}
	c.state = stateClosed
	return nil
}

// ShuffleReadBytes returns the total payload bytes read for this partition:
// the bytes of every finished group plus the running count of the open
// group. It is safe in any state (0 before Connect, the final total after
// Close) and never decreases.
func (c *MultiServerReadClient) ShuffleReadBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.finishedGroupBytes
	if c.current != nil {
		total += c.current.ShuffleReadBytes()
	}
	return total
}

// String describes the client for operational log correlation: lifecycle
// state, the cursor, and the full ordered group list.
func (c *MultiServerReadClient) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	groups := make([]string, len(c.groups))
	for i, g := range c.groups {
		groups[i] = g.String()
	}
	return fmt.Sprintf("MultiServerReadClient{partition=%s, state=%s, nextGroupIndex=%d, groups=%v}",
		c.opts.Partition, c.state, c.nextGroupIndex, groups)
}

// connectNextGroup opens groups[nextGroupIndex], retrying construction and
// connection within the per-group retry budget, then advances the cursor.
// Callers hold c.mu.
//
// The cursor exceeding the group count is an invariant violation and fails
// immediately rather than being treated as a reachable runtime path.
func (c *MultiServerReadClient) connectNextGroup() error {
	if c.nextGroupIndex >= len(c.groups) {
		return fmt.Errorf("invalid group cursor %d, total groups %d, %s",
			c.nextGroupIndex, len(c.groups), c.stringLocked())
	}

	group := c.groups[c.nextGroupIndex]
	log.Printf("readclient[%s]: fetching from group %s (%d of %d)",
		c.opts.Partition, group, c.nextGroupIndex+1, len(c.groups))

	var connected GroupReadClient
	err := c.opts.Retry.Do(context.Background(), func(seq int) error {
		connectAttempts.Inc()

		gc, err := c.factory(group)
		if err == nil {
			if err = gc.Connect(); err == nil {
				connected = gc
				return nil
			}
			// A partially-connected client still owns sockets.
			c.closeGroupClient(gc)
		}

		connectFailures.Inc()
		log.Printf("readclient[%s]: connect to group %s failed (attempt %d): %v",
			c.opts.Partition, group, seq+1, err)
		return err
	})
	if err != nil {
		return fmt.Errorf("connect to server group %s for partition %s: %w",
			group, c.opts.Partition, err)
	}

	c.current = connected
	c.nextGroupIndex++
	return nil
}

// closeGroupClient releases one group client, logging instead of propagating
// a close failure so it cannot mask the surrounding control flow.
func (c *MultiServerReadClient) closeGroupClient(gc GroupReadClient) {
	if gc == nil {
		return
	}
	if err := gc.Close(); err != nil {
		log.Printf("readclient[%s]: failed to close group client: %v", c.opts.Partition, err)
	}
}

// stringLocked is String without re-acquiring c.mu.
func (c *MultiServerReadClient) stringLocked() string {
	return fmt.Sprintf("MultiServerReadClient{partition=%s, state=%s, nextGroupIndex=%d, groups=%d}",
		c.opts.Partition, c.state, c.nextGroupIndex, len(c.groups))
}
