// Package reactor implements the stream registry and fan-out engine: a
// fixed-capacity table of open streams driven by a single-threaded,
// poll(2)-based reactor loop.
package reactor

import (
	"errors"
	"net"
	"os"

	"github.com/google/uuid"
)

// StreamType identifies what kind of endpoint a registry slot holds and
// which read handler (if any) services it.
type StreamType int

const (
	// StreamInput is the process's standard-input endpoint: the producer
	// of decoded N2K JSON lines.
	StreamInput StreamType = iota
	// StreamOutputStream copies client-written records verbatim to
	// standard output (the default output mode).
	StreamOutputStream
	// StreamOutputCopy additionally loops client-written records back
	// into the Record Parser, as if they'd arrived on stdin.
	StreamOutputCopy
	// StreamOutputSink discards client-written records.
	StreamOutputSink
	// StreamServerJSON is the listening socket for JSON-port clients.
	StreamServerJSON
	// StreamServerNMEA0183 is the listening socket for NMEA0183-port
	// clients.
	StreamServerNMEA0183
	// StreamClientSnapshot is a JSON-port client before it has sent the
	// stream-promotion marker (or ever, if it disconnects first).
	StreamClientSnapshot
	// StreamClientJSONStream is a JSON-port client that has promoted
	// itself to receive the verbatim record stream.
	StreamClientJSONStream
	// StreamClientNMEA0183Stream is a connection on the NMEA0183 port.
	// The core engine never writes to it directly; sentence
	// translation is an external collaborator.
	StreamClientNMEA0183Stream
)

func (t StreamType) hasReadHandler() bool {
	switch t {
	case StreamInput, StreamServerJSON, StreamServerNMEA0183, StreamClientSnapshot, StreamClientJSONStream:
		return true
	default:
		return false
	}
}

func (t StreamType) wantsWriteInterest() bool {
	switch t {
	case StreamClientSnapshot, StreamClientJSONStream, StreamOutputStream, StreamOutputCopy:
		return true
	default:
		return false
	}
}

// Stream is one open connection or endpoint. fd is the raw OS
// descriptor used for poll(2) readiness; conn/listener/file carry
// whichever Go I/O handle actually owns that descriptor, for the
// read/write/accept calls the engine issues once poll confirms readiness.
type Stream struct {
	fd   int
	id   string
	Type StreamType

	Conn     net.Conn
	Listener *net.TCPListener
	File     *os.File

	ReadBuf  [4096]byte
	BufLen   int
	Deadline int64 // wall-clock ms

	readInterest  bool
	writeInterest bool
}

// FD returns the raw OS descriptor backing this slot, or -1 if free.
func (s *Stream) FD() int { return s.fd }

// ID returns the short debug identifier assigned when this slot was
// registered, for use in LogFunc trace lines.
func (s *Stream) ID() string { return s.id }

// ErrTooManyStreams is returned by Register when the table has no free
// slot and no slot already bound to fd.
var ErrTooManyStreams = errors.New("reactor: too many active streams")

// Registry is the fixed-capacity stream table. Its size
// equals the process's FD limit by convention; tests typically use a
// small capacity.
type Registry struct {
	streams []Stream
	minIdx  int
	maxIdx  int
	nowMS   func() int64
}

// NewRegistry allocates a Registry with room for capacity streams.
func NewRegistry(capacity int, nowMS func() int64) *Registry {
	r := &Registry{
		streams: make([]Stream, capacity),
		nowMS:   nowMS,
	}
	for i := range r.streams {
		r.streams[i].fd = -1
	}
	return r
}

// Register finds the first free slot (or the slot already bound to fd)
// and initializes it per the type's read/write-interest bits. It never
// blocks and never allocates beyond the existing table.
func (r *Registry) Register(fd int, typ StreamType) (int, error) {
	idx := -1
	for i := range r.streams {
		if r.streams[i].fd == -1 || r.streams[i].fd == fd {
			idx = i
			break
		}
	}
	if idx == -1 {
		return -1, ErrTooManyStreams
	}

	s := &r.streams[idx]
	*s = Stream{
		fd:            fd,
		id:            uuid.New().String()[:8],
		Type:          typ,
		Deadline:      r.nowMS() + 500,
		readInterest:  typ.hasReadHandler(),
		writeInterest: typ.wantsWriteInterest(),
	}
	if idx > r.maxIdx {
		r.maxIdx = idx
	}
	return idx, nil
}

// Close tears down the underlying handle, clears both interest bits, and
// frees the slot for reuse.
func (r *Registry) Close(i int) {
	s := &r.streams[i]
	switch {
	case s.Conn != nil:
		_ = s.Conn.Close()
	case s.Listener != nil:
		_ = s.Listener.Close()
	case s.File != nil:
		_ = s.File.Close()
	}
	*s = Stream{fd: -1}

	if i == r.maxIdx {
		for r.maxIdx > r.minIdx && r.streams[r.maxIdx].fd == -1 {
			r.maxIdx--
		}
		if r.streams[r.maxIdx].fd == -1 {
			r.maxIdx = r.minIdx
		}
	}
}

// At returns the stream at index i. i must be within [0, capacity).
func (r *Registry) At(i int) *Stream { return &r.streams[i] }

// Bounds returns the [min, max] index range ForEach walks. min is always
// 0 and max never drops below it, so a table with no streams past index
// 0 reports (0, 0).
func (r *Registry) Bounds() (int, int) { return r.minIdx, r.maxIdx }

// Cap returns the table's fixed capacity.
func (r *Registry) Cap() int { return len(r.streams) }

// ForEach iterates [minIdx, maxIdx], skipping free slots.
func (r *Registry) ForEach(fn func(i int, s *Stream)) {
	for i := r.minIdx; i <= r.maxIdx; i++ {
		if r.streams[i].fd == -1 {
			continue
		}
		fn(i, &r.streams[i])
	}
}

// CountByType reports how many active slots currently hold the given
// type (used by the metrics package).
func (r *Registry) CountByType(typ StreamType) int {
	n := 0
	r.ForEach(func(_ int, s *Stream) {
		if s.Type == typ {
			n++
		}
	})
	return n
}
