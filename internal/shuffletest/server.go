// Package shuffletest provides an in-process shuffle server for exercising
// the read clients against real sockets. Tests register partition data in a
// server's store, point server replication groups at its listen address, and
// read it back through the production wire protocol.
package shuffletest

import (
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/boy-uber/RemoteShuffleService/internal/shuffle"
	"github.com/boy-uber/RemoteShuffleService/internal/wire"
)

// PartitionStore holds the record lists a server serves, keyed by partition
// identity. Thread-safe; stored and returned slices are copied so callers
// cannot mutate served data.
type PartitionStore struct {
	mu   sync.RWMutex
	data map[string][]shuffle.KeyValueRecord
}

// NewPartitionStore creates an empty store.
func NewPartitionStore() *PartitionStore {
	return &PartitionStore{data: make(map[string][]shuffle.KeyValueRecord)}
}

// Put registers the complete record list for a partition. Registering an
// empty list is legal and serves an immediately-exhausted stream.
func (s *PartitionStore) Put(id shuffle.PartitionID, records ...shuffle.KeyValueRecord) {
	stored := make([]shuffle.KeyValueRecord, len(records))
	copy(stored, records)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[id.String()] = stored
}

// Get returns the partition's records and whether the partition exists.
func (s *PartitionStore) Get(id shuffle.PartitionID) ([]shuffle.KeyValueRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records, ok := s.data[id.String()]
	if !ok {
		return nil, false
	}
	result := make([]shuffle.KeyValueRecord, len(records))
	copy(result, records)
	return result, true
}

// Server is a minimal shuffle server speaking the download protocol over a
// loopback TCP listener.
type Server struct {
	store *PartitionStore

	mu     sync.Mutex
	ln     net.Listener
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a server with an empty partition store. Call Start
// before handing its address to clients.
func NewServer() *Server {
	return &Server{store: NewPartitionStore()}
}

// Store exposes the partition store for test setup.
func (s *Server) Store() *PartitionStore {
	return s.store
}

// Start binds a loopback listener and begins serving connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the listener's host:port. Only valid after Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Detail describes this server as a replication group member.
func (s *Server) Detail(serverID string) shuffle.ServerDetail {
	return shuffle.ServerDetail{ServerID: serverID, ConnString: s.Addr()}
}

// Close stops the listener and waits for in-flight connections to finish.
// Safe to call more than once.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ln := s.ln
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed.
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			if err := s.serveConn(conn); err != nil && err != io.EOF {
				log.Printf("shuffletest[%s]: serve: %v", ln.Addr(), err)
			}
		}()
	}
}

// serveConn answers one download handshake with the stored record stream.
func (s *Server) serveConn(conn net.Conn) error {
	h, err := wire.ReadHandshake(conn)
	if err != nil {
		return err
	}

	records, ok := s.store.Get(h.Partition)
	if !ok {
		return wire.WriteStatus(conn, wire.StatusNotFound)
	}
	if err := wire.WriteStatus(conn, wire.StatusOK); err != nil {
		return err
	}

	var w io.Writer = conn
	if h.Compressed() {
		enc, err := zstd.NewWriter(conn)
		if err != nil {
			return err
		}
		defer enc.Close()
		w = enc
	}

	for _, rec := range records {
		frame := wire.Frame{TaskAttemptID: rec.TaskAttemptID, Key: rec.Key, Value: rec.Value}
		if err := wire.WriteFrame(w, frame); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	return wire.WriteFrame(w, wire.Frame{EOF: true})
}
