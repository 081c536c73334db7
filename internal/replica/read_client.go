package replica

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/OneOfOne/xxhash"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/boy-uber/RemoteShuffleService/internal/client"
	"github.com/boy-uber/RemoteShuffleService/internal/retry"
	"github.com/boy-uber/RemoteShuffleService/internal/shuffle"
	"github.com/boy-uber/RemoteShuffleService/internal/wire"
)

var (
	// ErrInconsistentReplicas is returned when the replicas of a group
	// disagree on the partition data they serve.
	ErrInconsistentReplicas = errors.New("replicas returned inconsistent shuffle data")

	// ErrEmptyGroup is returned when a group has no servers.
	ErrEmptyGroup = errors.New("server replication group has no servers")

	errClosed = errors.New("group read client is closed")
)

// Factory returns a client.GroupClientFactory producing socket read clients
// configured by opts. This is the production wiring for
// client.NewMultiServerReadClient.
func Factory(opts client.Options) client.GroupClientFactory {
	return func(group shuffle.ServerReplicationGroup) (client.GroupReadClient, error) {
		return New(group, opts), nil
	}
}

// streamItem is one element of the read-ahead queue: a record, a terminal
// marker carrying the primary replica's digest, or a read error.
type streamItem struct {
	rec    *shuffle.KeyValueRecord
	eof    bool
	digest uint64
	err    error
}

// ReadClient reads one server replication group's shard of a shuffle
// partition. It implements client.GroupReadClient.
//
// The zero value is not usable; construct with New. Connect must succeed
// before ReadRecord. Close is idempotent and safe on partially-initialized
// instances.
type ReadClient struct {
	group shuffle.ServerReplicationGroup
	opts  client.Options

	mu        sync.Mutex
	conns     []net.Conn
	decoders  []*zstd.Decoder
	connected bool
	closed    bool
	exhausted bool

	// exhaustErr is the sticky outcome of exhaustion: nil for a clean
	// end-of-data, the consistency error when the replicas disagreed.
	exhaustErr error

	// queue carries decoded records from the primary reader goroutine to
	// ReadRecord. done tears the goroutines down on Close.
	queue chan streamItem
	done  chan struct{}

	// digests receives one content digest per secondary replica.
	digests chan uint64

	bytesRead atomic.Int64
}

// New builds an unconnected read client for group.
func New(group shuffle.ServerReplicationGroup, opts client.Options) *ReadClient {
	queueSize := opts.ReadQueueSize
	if queueSize < 1 {
		queueSize = 1
	}
	return &ReadClient{
		group:   group,
		opts:    opts,
		queue:   make(chan streamItem, queueSize),
		done:    make(chan struct{}),
		digests: make(chan uint64, len(group.Servers)),
	}
}

// Connect dials the group's replicas in parallel and performs the download
// handshake on each. The first replica is the record source; the others are
// dialed only when replica consistency checking is enabled. On any failure
// every opened connection is closed before returning.
func (c *ReadClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errClosed
	}
	if c.connected {
		return fmt.Errorf("group %s already connected", c.group)
	}
	if len(c.group.Servers) == 0 {
		return ErrEmptyGroup
	}

	servers := c.group.Servers[:1]
	if c.opts.CheckReplicaConsistency {
		servers = c.group.Servers
	}

	conns := make([]net.Conn, len(servers))
	decoders := make([]*zstd.Decoder, len(servers))

	var g errgroup.Group
	for i, server := range servers {
		i, server := i, server
		g.Go(func() error {
			conn, dec, err := c.dialServer(server)
			if err != nil {
				return fmt.Errorf("server %s: %w", server, err)
			}
			conns[i] = conn
			decoders[i] = dec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for i, conn := range conns {
			if decoders[i] != nil {
				decoders[i].Close()
			}
			if conn != nil {
				conn.Close()
			}
		}
		return err
	}

	c.conns = conns
	c.decoders = decoders
	c.connected = true

	go c.readPrimary(c.streamReader(0))
	for i := 1; i < len(servers); i++ {
		go c.readSecondary(c.streamReader(i))
	}
	return nil
}

// ReadRecord returns the group's next record. ok is false once the group is
// exhausted, and stays false. When consistency checking is enabled, replica
// digests are compared at end-of-data and a mismatch surfaces as an error,
// repeated by every subsequent call.
func (c *ReadClient) ReadRecord() (*shuffle.KeyValueRecord, bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, false, errClosed
	}
	if !c.connected {
		c.mu.Unlock()
		return nil, false, fmt.Errorf("group %s: read before connect", c.group)
	}
	if c.exhausted {
		err := c.exhaustErr
		c.mu.Unlock()
		return nil, false, err
	}
	c.mu.Unlock()

	select {
	case item := <-c.queue:
		if item.err != nil {
			return nil, false, fmt.Errorf("read from group %s: %w", c.group, item.err)
		}
		if item.eof {
			// The eof item is consumed either way, so exhaustion must be
			// recorded now. A digest mismatch stays sticky and every later
			// read repeats it.
			err := c.verifyReplicaDigests(item.digest)
			c.mu.Lock()
			c.exhausted = true
			c.exhaustErr = err
			c.mu.Unlock()
			return nil, false, err
		}
		return item.rec, true, nil
	case <-c.done:
		return nil, false, errClosed
	}
}

// Close releases every connection. Safe to call repeatedly and regardless of
// how far Connect got.
func (c *ReadClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)

	var firstErr error
	for _, dec := range c.decoders {
		if dec != nil {
			dec.Close()
		}
	}
	for _, conn := range c.conns {
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.conns = nil
	c.decoders = nil
	return firstErr
}

// ShuffleReadBytes returns the payload bytes read from the primary replica
// so far. Monotonically non-decreasing.
func (c *ReadClient) ShuffleReadBytes() int64 {
	return c.bytesRead.Load()
}

func (c *ReadClient) String() string {
	return fmt.Sprintf("ReadClient{group=%s, partition=%s}", c.group, c.opts.Partition)
}

// dialServer opens one download connection: dial within Timeout, send the
// handshake, wait for an OK status. A StatusNotFound answer means the
// partition is not yet committed on the server, so the handshake is retried
// on the data-available poll interval until DataAvailableWaitTime elapses.
func (c *ReadClient) dialServer(server shuffle.ServerDetail) (net.Conn, *zstd.Decoder, error) {
	var flags byte
	if c.opts.Compressed {
		flags |= wire.FlagCompressed
	}
	handshake := wire.Handshake{
		User:      c.opts.User,
		Partition: c.opts.Partition,
		Flags:     flags,
	}

	poll := retry.Policy{
		Interval:    c.opts.DataAvailablePollInterval,
		IntervalCap: c.opts.DataAvailablePollInterval,
		Deadline:    c.opts.DataAvailableWaitTime,
	}

	var conn net.Conn
	err := poll.Do(context.Background(), func(int) error {
		dialed, err := net.DialTimeout("tcp", server.ConnString, c.opts.Timeout)
		if err != nil {
			return err
		}
		if err := wire.WriteHandshake(dialed, handshake); err != nil {
			dialed.Close()
			return err
		}
		status, err := wire.ReadStatus(dialed)
		if err != nil {
			dialed.Close()
			return err
		}
		switch status {
		case wire.StatusOK:
			conn = dialed
			return nil
		case wire.StatusNotFound:
			dialed.Close()
			return fmt.Errorf("partition %s not yet available", c.opts.Partition)
		default:
			dialed.Close()
			return fmt.Errorf("server rejected download (status %d)", status)
		}
	})
	if err != nil {
		return nil, nil, err
	}

	if !c.opts.Compressed {
		return conn, nil, nil
	}
	dec, err := zstd.NewReader(conn)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, dec, nil
}

// streamReader returns the record stream for replica i, decompressed when
// required. Callers hold c.mu or run before the goroutines start.
func (c *ReadClient) streamReader(i int) io.Reader {
	if c.decoders[i] != nil {
		return c.decoders[i]
	}
	return c.conns[i]
}

// readPrimary decodes the primary replica's stream into the read-ahead
// queue, counting payload bytes and folding the content digest as it goes.
func (c *ReadClient) readPrimary(r io.Reader) {
	digest := xxhash.New64()

	for {
		frame, err := wire.ReadFrame(r)
		if err != nil {
			c.push(streamItem{err: err})
			return
		}
		if frame.EOF {
			c.push(streamItem{eof: true, digest: digest.Sum64()})
			return
		}

		foldFrame(digest, frame)
		rec := &shuffle.KeyValueRecord{
			TaskAttemptID: frame.TaskAttemptID,
			Key:           frame.Key,
			Value:         frame.Value,
		}
		c.bytesRead.Add(rec.PayloadBytes())
		if !c.push(streamItem{rec: rec}) {
			return
		}
	}
}

// readSecondary drains one secondary replica's stream down to its content
// digest. Decode errors surface as a zero digest, which fails the
// consistency comparison.
func (c *ReadClient) readSecondary(r io.Reader) {
	digest := xxhash.New64()

	for {
		frame, err := wire.ReadFrame(r)
		if err != nil {
			c.sendDigest(0)
			return
		}
		if frame.EOF {
			c.sendDigest(digest.Sum64())
			return
		}
		foldFrame(digest, frame)
	}
}

// verifyReplicaDigests compares the primary digest against every secondary
// digest. No-op unless consistency checking is enabled.
func (c *ReadClient) verifyReplicaDigests(primary uint64) error {
	if !c.opts.CheckReplicaConsistency {
		return nil
	}
	for i := 1; i < len(c.group.Servers); i++ {
		select {
		case d := <-c.digests:
			if d != primary {
				return fmt.Errorf("group %s, partition %s: %w",
					c.group, c.opts.Partition, ErrInconsistentReplicas)
			}
		case <-c.done:
			return errClosed
		}
	}
	return nil
}

// push queues one item, reporting false when the client was closed first.
func (c *ReadClient) push(item streamItem) bool {
	select {
	case c.queue <- item:
		return true
	case <-c.done:
		return false
	}
}

func (c *ReadClient) sendDigest(d uint64) {
	select {
	case c.digests <- d:
	case <-c.done:
	}
}

// foldFrame mixes one record frame into a replica content digest.
func foldFrame(digest *xxhash.XXHash64, frame wire.Frame) {
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], uint64(frame.TaskAttemptID))
	digest.Write(id[:])
	digest.Write(frame.Key)
	digest.Write(frame.Value)
}
