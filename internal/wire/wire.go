// Package wire implements the download-side framing spoken between shuffle
// read clients and shuffle servers.
//
// A download connection starts with a client handshake naming the user and
// the partition to stream, answered by a one-byte server status. The server
// then writes record frames until a terminal frame. All integers are
// big-endian.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/boy-uber/RemoteShuffleService/internal/shuffle"
)

// Magic opens every download handshake.
const Magic = "RSSD"

// Version is the protocol version this package speaks.
const Version byte = 1

// FlagCompressed asks the server to zstd-compress the record stream.
const FlagCompressed byte = 0x1

// Server status codes answering a handshake.
const (
	StatusOK           byte = 0
	StatusUnknownError byte = 1
	StatusNotFound     byte = 2
)

// endOfStreamMarker terminates a record stream in place of a task attempt
// identifier. Task attempt identifiers are never negative.
const endOfStreamMarker int64 = -1

// nilFieldMarker encodes a nil key or value, as distinct from an empty one.
const nilFieldMarker int32 = -1

// maxFieldLen bounds a single key or value so a corrupt length prefix cannot
// drive an arbitrarily large allocation.
const maxFieldLen = 1 << 30

var (
	// ErrBadMagic is returned when a handshake does not open a download
	// stream.
	ErrBadMagic = errors.New("bad handshake magic")

	// ErrBadVersion is returned on a protocol version mismatch.
	ErrBadVersion = errors.New("unsupported protocol version")
)

// Handshake is the client's opening message on a download connection.
type Handshake struct {
	User      string
	Partition shuffle.PartitionID
	Flags     byte
}

// Compressed reports whether the client asked for a zstd stream.
func (h Handshake) Compressed() bool {
	return h.Flags&FlagCompressed != 0
}

// Frame is one element of the record stream. Either EOF is set and the
// remaining fields are meaningless, or it carries exactly one record.
type Frame struct {
	TaskAttemptID int64
	Key           []byte
	Value         []byte
	EOF           bool
}

// WriteHandshake writes h to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	if _, err := w.Write([]byte(Magic)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, Version); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, h.Flags); err != nil {
		return err
	}
	if err := writeString(w, h.User); err != nil {
		return err
	}
	if err := writeString(w, h.Partition.AppID); err != nil {
		return err
	}
	if err := writeString(w, h.Partition.AppAttempt); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, int32(h.Partition.ShuffleID)); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, int32(h.Partition.Partition))
}

// ReadHandshake reads a client handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake

	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return h, err
	}
	if string(magic) != Magic {
		return h, fmt.Errorf("%w: %q", ErrBadMagic, magic)
	}

	var version byte
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return h, err
	}
	if version != Version {
		return h, fmt.Errorf("%w: %d", ErrBadVersion, version)
	}

	if err := binary.Read(r, binary.BigEndian, &h.Flags); err != nil {
		return h, err
	}

	var err error
	if h.User, err = readString(r); err != nil {
		return h, err
	}
	if h.Partition.AppID, err = readString(r); err != nil {
		return h, err
	}
	if h.Partition.AppAttempt, err = readString(r); err != nil {
		return h, err
	}

	var shuffleID, partition int32
	if err := binary.Read(r, binary.BigEndian, &shuffleID); err != nil {
		return h, err
	}
	if err := binary.Read(r, binary.BigEndian, &partition); err != nil {
		return h, err
	}
	h.Partition.ShuffleID = int(shuffleID)
	h.Partition.Partition = int(partition)
	return h, nil
}

// WriteStatus writes the server's one-byte handshake answer.
func WriteStatus(w io.Writer, status byte) error {
	_, err := w.Write([]byte{status})
	return err
}

// ReadStatus reads the server's one-byte handshake answer.
func ReadStatus(r io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// WriteFrame writes one record frame, or the terminal frame when f.EOF is
// set.
func WriteFrame(w io.Writer, f Frame) error {
	if f.EOF {
		return binary.Write(w, binary.BigEndian, endOfStreamMarker)
	}
	if f.TaskAttemptID < 0 {
		return fmt.Errorf("negative task attempt id %d", f.TaskAttemptID)
	}
	if err := binary.Write(w, binary.BigEndian, f.TaskAttemptID); err != nil {
		return err
	}
	if err := writeField(w, f.Key); err != nil {
		return err
	}
	return writeField(w, f.Value)
}

// ReadFrame reads the next frame from r. A terminal frame is returned with
// EOF set rather than as an error; io.EOF from r itself propagates as an
// error because a well-formed stream always ends with a terminal frame.
func ReadFrame(r io.Reader) (Frame, error) {
	var f Frame

	if err := binary.Read(r, binary.BigEndian, &f.TaskAttemptID); err != nil {
		return f, err
	}
	if f.TaskAttemptID == endOfStreamMarker {
		f.TaskAttemptID = 0
		f.EOF = true
		return f, nil
	}
	if f.TaskAttemptID < 0 {
		return f, fmt.Errorf("corrupt frame: task attempt id %d", f.TaskAttemptID)
	}

	var err error
	if f.Key, err = readField(r); err != nil {
		return f, err
	}
	if f.Value, err = readField(r); err != nil {
		return f, err
	}
	return f, nil
}

func writeString(w io.Writer, s string) error {
	if len(s) > maxFieldLen {
		return fmt.Errorf("string field too long: %d bytes", len(s))
	}
	if err := binary.Write(w, binary.BigEndian, int32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n int32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if n < 0 || n > maxFieldLen {
		return "", fmt.Errorf("corrupt string length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeField(w io.Writer, b []byte) error {
	if b == nil {
		return binary.Write(w, binary.BigEndian, nilFieldMarker)
	}
	if len(b) > maxFieldLen {
		return fmt.Errorf("field too long: %d bytes", len(b))
	}
	if err := binary.Write(w, binary.BigEndian, int32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readField(r io.Reader) ([]byte, error) {
	var n int32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if n == nilFieldMarker {
		return nil, nil
	}
	if n < 0 || n > maxFieldLen {
		return nil, fmt.Errorf("corrupt field length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
