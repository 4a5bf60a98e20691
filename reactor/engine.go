package reactor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aldas/n2k-aggregator/clock"
	"github.com/aldas/n2k-aggregator/inputline"
	"github.com/aldas/n2k-aggregator/store"
)

// OutputMode selects how bytes a client writes to the JSON port are
// relayed to the process's own standard output.
type OutputMode int

const (
	// OutputStream writes a client's record straight through to stdout.
	OutputStream OutputMode = iota
	// OutputCopy feeds a client's record back into the Record Parser, so
	// it is stored and re-broadcast like any stdin-sourced record.
	OutputCopy
	// OutputSink discards client-written records.
	OutputSink
)

// maxAcceptsPerTick bounds how many pending connections one listener
// drains per read phase, so a connection storm cannot starve stdin.
const maxAcceptsPerTick = 64

// clientWriteTimeout bounds how long a single client write may occupy the
// one reactor goroutine. unix.POLLOUT (checked before every write below)
// only promises room for *some* bytes, not the whole payload; without a
// deadline, net.Conn.Write loops internally against a stuck peer and
// blocks this goroutine indefinitely, stalling every other stream.
// A deadline turns that stall into an ordinary write
// error, which the existing short-write/eviction path already handles.
const clientWriteTimeout = 200 * time.Millisecond

// armWriteDeadline bounds the next write to s.Conn so a stuck client
// cannot block the reactor goroutine (see clientWriteTimeout). Streams
// backed by an *os.File (stdin/stdout) have no deadline to set and are
// left alone; a write error there is handled as fatal regardless.
func armWriteDeadline(s *Stream) {
	if s.Conn == nil {
		return
	}
	_ = s.Conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
}

// Config bundles the knobs cmd/n2kd sets before constructing an Engine.
type Config struct {
	Port       int
	OutputMode OutputMode
	// Capacity is the stream table size; 0 defaults to 1024.
	Capacity int
	LogFunc  func(format string, a ...any)
}

// Engine is the single-threaded Fan-out Engine: it owns the
// Stream Registry, the Message Store and the Record Parser, and drives
// every read/write/accept from one control loop with no locking.
type Engine struct {
	registry *Registry
	store    *store.Store
	parser   *inputline.Parser

	outputMode OutputMode
	stdinIdx   int
	stdoutIdx  int

	// accum is the per-tick broadcast buffer: every record
	// ingested during a tick's read phase is appended here and flushed to
	// every write-interested JSON-stream/output stream once, in the
	// following write phase.
	accum bytes.Buffer

	logf func(format string, a ...any)

	// stats holds the snapshot counters the metrics package reads from a
	// separate goroutine (the HTTP scrape handler). The engine itself
	// stays single-threaded; these atomics are the only state
	// shared across goroutines, refreshed once per tick in writePhase so
	// a scrape never touches the live Store/Registry directly.
	stats engineStats
}

type engineStats struct {
	pgnCount       atomic.Int64
	liveMessages   atomic.Int64
	snapshotConns  atomic.Int64
	jsonStreamConn atomic.Int64
	nmeaStreamConn atomic.Int64

	// Monotonic counters, incremented inline as the events happen rather
	// than recomputed per tick.
	acceptsTotal     atomic.Int64
	evictionsTotal   atomic.Int64
	shortWritesTotal atomic.Int64
}

// Stats is a point-in-time copy of the engine's scrape-safe counters.
type Stats struct {
	PGNCount            int64
	LiveMessages        int64
	SnapshotClients     int64
	JSONStreamClients   int64
	NMEA0183StreamConns int64
	AcceptsTotal        int64
	EvictionsTotal      int64
	ShortWritesTotal    int64
}

// Stats returns the most recently published counters. Safe to call from
// any goroutine; it never touches the Store or Registry directly.
func (e *Engine) Stats() Stats {
	return Stats{
		PGNCount:            e.stats.pgnCount.Load(),
		LiveMessages:        e.stats.liveMessages.Load(),
		SnapshotClients:     e.stats.snapshotConns.Load(),
		JSONStreamClients:   e.stats.jsonStreamConn.Load(),
		NMEA0183StreamConns: e.stats.nmeaStreamConn.Load(),
		AcceptsTotal:        e.stats.acceptsTotal.Load(),
		EvictionsTotal:      e.stats.evictionsTotal.Load(),
		ShortWritesTotal:    e.stats.shortWritesTotal.Load(),
	}
}

// publishStats recomputes the scrape-safe gauges from the live Store and
// Registry. Called once per tick from the engine's own goroutine only.
// The monotonic counters in engineStats are updated inline elsewhere.
func (e *Engine) publishStats(nowSec int64) {
	e.stats.pgnCount.Store(int64(e.store.PGNCount()))
	e.stats.liveMessages.Store(int64(e.store.LiveMessageCount(nowSec)))
	e.stats.snapshotConns.Store(int64(e.registry.CountByType(StreamClientSnapshot)))
	e.stats.jsonStreamConn.Store(int64(e.registry.CountByType(StreamClientJSONStream)))
	e.stats.nmeaStreamConn.Store(int64(e.registry.CountByType(StreamClientNMEA0183Stream)))
}

// New builds an Engine with stdin/stdout registered and the JSON and
// NMEA0183 listeners bound, ready for Run.
func New(cfg Config) (*Engine, error) {
	capacity := cfg.Capacity
	if capacity == 0 {
		capacity = 1024
	}
	logf := cfg.LogFunc
	if logf == nil {
		logf = func(string, ...any) {}
	}

	r := NewRegistry(capacity, clock.Real)
	e := &Engine{
		registry:   r,
		store:      store.New(),
		parser:     inputline.New(),
		outputMode: cfg.OutputMode,
		logf:       logf,
	}
	e.store.LogFunc = logf

	stdinIdx, err := r.Register(int(os.Stdin.Fd()), StreamInput)
	if err != nil {
		return nil, fmt.Errorf("reactor: unable to register stdin: %w", err)
	}
	r.At(stdinIdx).File = os.Stdin
	e.stdinIdx = stdinIdx

	outType := StreamOutputStream
	switch cfg.OutputMode {
	case OutputCopy:
		outType = StreamOutputCopy
	case OutputSink:
		outType = StreamOutputSink
	}
	stdoutIdx, err := r.Register(int(os.Stdout.Fd()), outType)
	if err != nil {
		return nil, fmt.Errorf("reactor: unable to register stdout: %w", err)
	}
	r.At(stdoutIdx).File = os.Stdout
	e.stdoutIdx = stdoutIdx

	if err := StartListeners(r, cfg.Port); err != nil {
		return nil, err
	}

	return e, nil
}

// Run drives read phase / write phase ticks until ctx is cancelled or a
// fatal error occurs on the input or output endpoint.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := e.readPhase(); err != nil {
			return err
		}
		if err := e.writePhase(); err != nil {
			return err
		}
	}
}

// readPhase polls every read-interested stream with a 1s timeout and
// invokes the type-appropriate read handler on each ready slot.
func (e *Engine) readPhase() error {
	res, err := poll(e.registry, true, false, 1000)
	if err != nil {
		return fmt.Errorf("reactor: poll failed: %w", err)
	}

	var fatalErr error
	e.registry.ForEach(func(i int, s *Stream) {
		if fatalErr != nil || !res.readable[i] {
			return
		}
		if err := e.handleRead(i, s); err != nil {
			fatalErr = err
		}
	})
	return fatalErr
}

func (e *Engine) handleRead(i int, s *Stream) error {
	switch s.Type {
	case StreamInput:
		return e.readInput(s)
	case StreamServerJSON:
		e.acceptLoop(s, StreamClientSnapshot)
		return nil
	case StreamServerNMEA0183:
		e.acceptLoop(s, StreamClientNMEA0183Stream)
		return nil
	case StreamClientSnapshot, StreamClientJSONStream:
		return e.readClientRequest(i, s)
	default:
		return nil
	}
}

func (e *Engine) readInput(s *Stream) error {
	var buf [4096]byte
	n, err := s.File.Read(buf[:])
	if n == 0 || err != nil {
		return fmt.Errorf("reactor: fatal error reading input stream: %w", errOrEOF(err))
	}
	for _, c := range buf[:n] {
		rec, ok := e.parser.Feed(c)
		if !ok {
			continue
		}
		if err := e.ingest(rec); err != nil {
			return err
		}
	}
	return nil
}

// ingest applies a parsed record to the Message Store and queues it in
// the per-tick broadcast accumulator.
func (e *Engine) ingest(rec store.Record) error {
	if err := e.store.Insert(rec, clock.Seconds()); err != nil {
		if errors.Is(err, store.ErrTooManyPGNs) {
			return fmt.Errorf("reactor: fatal store error: %w", err)
		}
		e.logf("reactor: dropping record pgn=%d: %v\n", rec.Prn, err)
		return nil
	}
	e.accum.WriteString(rec.Text)
	e.accum.WriteByte('\n')
	return nil
}

func (e *Engine) acceptLoop(s *Stream, clientType StreamType) {
	for n := 0; n < maxAcceptsPerTick; n++ {
		// A deadline already in the past makes Accept fail with a timeout
		// before it tries the accept call at all, so allow a short wait.
		if err := s.Listener.SetDeadline(time.Now().Add(time.Millisecond)); err != nil {
			return
		}
		conn, err := s.Listener.Accept()
		if err != nil {
			return // no pending connection, or a transient accept error
		}

		sc, ok := conn.(syscall.Conn)
		if !ok {
			_ = conn.Close()
			continue
		}
		fd, err := rawFD(sc)
		if err != nil {
			_ = conn.Close()
			continue
		}
		idx, err := e.registry.Register(fd, clientType)
		if err != nil {
			e.logf("reactor: %v, dropping new connection\n", err)
			_ = conn.Close()
			return
		}
		e.registry.At(idx).Conn = conn
		e.stats.acceptsTotal.Add(1)
		e.logf("reactor: accepted stream %s type=%d\n", e.registry.At(idx).ID(), clientType)
	}
}

// readClientRequest is the client-request read handler: it reads into
// the slot's buffer, checks for the "-\n"
// stream-promotion marker at the head of the buffer, and otherwise
// dispatches each complete line to the configured output mode.
func (e *Engine) readClientRequest(i int, s *Stream) error {
	n, err := s.Conn.Read(s.ReadBuf[s.BufLen:])
	if n <= 0 || err != nil {
		e.registry.Close(i)
		return nil
	}
	s.BufLen += n

	if s.BufLen >= 2 && s.ReadBuf[0] == '-' && s.ReadBuf[1] == '\n' {
		s.Type = StreamClientJSONStream
		s.BufLen = 0
		return nil
	}

	for {
		nlIdx := bytes.IndexByte(s.ReadBuf[:s.BufLen], '\n')
		if nlIdx < 0 {
			return nil
		}
		consumed := nlIdx + 1
		if err := e.routeClientLine(s.ReadBuf[:consumed]); err != nil {
			return err
		}

		// Correctly compact the buffer: move whatever follows the
		// consumed line down to index 0 rather than leaving a gap.
		remaining := s.BufLen - consumed
		copy(s.ReadBuf[:remaining], s.ReadBuf[consumed:s.BufLen])
		s.BufLen = remaining
	}
}

func (e *Engine) routeClientLine(line []byte) error {
	switch e.outputMode {
	case OutputSink:
		return nil
	case OutputStream:
		return e.writeToStdout(line)
	case OutputCopy:
		for _, c := range line {
			rec, ok := e.parser.Feed(c)
			if !ok {
				continue
			}
			if err := e.ingest(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) writeToStdout(data []byte) error {
	out := e.registry.At(e.stdoutIdx)
	if err := writeFull(out.File, data); err != nil {
		return fmt.Errorf("reactor: fatal error writing output stream: %w", err)
	}
	return nil
}

// writePhase polls every write-interested stream with zero timeout.
// Anything write-interested but not ready is evicted (closed); the
// output stream's own not-ready/write-error case is fatal instead,
// since there is no connection there to merely drop.
func (e *Engine) writePhase() error {
	res, err := poll(e.registry, false, true, 0)
	if err != nil {
		return fmt.Errorf("reactor: poll failed: %w", err)
	}

	nowMS := clock.Real()
	nowSec := clock.Seconds()
	var snapshotOnce []byte
	var snapshotComputed bool
	var fatalErr error
	var toClose []int

	e.registry.ForEach(func(i int, s *Stream) {
		if fatalErr != nil || !s.writeInterest {
			return
		}
		if !res.writable[i] {
			if i == e.stdoutIdx {
				fatalErr = fmt.Errorf("reactor: fatal error writing output stream: not writable")
				return
			}
			e.stats.evictionsTotal.Add(1)
			toClose = append(toClose, i)
			return
		}

		switch s.Type {
		case StreamClientSnapshot:
			if s.Deadline > nowMS {
				return
			}
			if !snapshotComputed {
				snapshotOnce = e.store.Snapshot(nowSec)
				snapshotComputed = true
			}
			armWriteDeadline(s)
			if err := writeFull(streamWriter(s), snapshotOnce); err != nil {
				e.stats.shortWritesTotal.Add(1)
				e.stats.evictionsTotal.Add(1)
				toClose = append(toClose, i)
				return
			}
			toClose = append(toClose, i) // one-shot-then-close
		case StreamClientJSONStream, StreamOutputStream, StreamOutputCopy:
			if e.accum.Len() == 0 {
				return
			}
			armWriteDeadline(s)
			if err := writeFull(streamWriter(s), e.accum.Bytes()); err != nil {
				e.stats.shortWritesTotal.Add(1)
				if i == e.stdoutIdx {
					fatalErr = fmt.Errorf("reactor: fatal error writing output stream: %w", err)
					return
				}
				e.stats.evictionsTotal.Add(1)
				toClose = append(toClose, i)
			}
		}
	})

	for _, i := range toClose {
		e.registry.Close(i)
	}
	e.accum.Reset()
	e.publishStats(nowSec)
	return fatalErr
}

func streamWriter(s *Stream) io.Writer {
	if s.Conn != nil {
		return s.Conn
	}
	return s.File
}

func writeFull(w io.Writer, data []byte) error {
	n, err := w.Write(data)
	if err != nil || n < len(data) {
		return fmt.Errorf("short write: %w", errOrEOF(err))
	}
	return nil
}

func errOrEOF(err error) error {
	if err == nil {
		return io.EOF
	}
	return err
}
