package reactor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aldas/n2k-aggregator/clock"
	"github.com/aldas/n2k-aggregator/inputline"
	"github.com/aldas/n2k-aggregator/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startListenersOnFreePort probes for a port whose successor is also
// bindable, since the two listeners always occupy port and port+1.
func startListenersOnFreePort(t *testing.T, r *Registry) int {
	t.Helper()
	for attempt := 0; attempt < 10; attempt++ {
		probe, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := probe.Addr().(*net.TCPAddr).Port
		_ = probe.Close()
		if port >= 65535 {
			continue
		}
		if err := StartListeners(r, port); err == nil {
			return port
		}
	}
	t.Fatal("unable to find a free port pair for the listeners")
	return 0
}

func closeAll(r *Registry) {
	var idxs []int
	r.ForEach(func(i int, _ *Stream) { idxs = append(idxs, i) })
	for _, i := range idxs {
		r.Close(i)
	}
}

func TestStartListeners_registersBothListenerTypes(t *testing.T) {
	r := NewRegistry(8, clock.Real)
	port := startListenersOnFreePort(t, r)
	t.Cleanup(func() { closeAll(r) })

	assert.Equal(t, 1, r.CountByType(StreamServerJSON))
	assert.Equal(t, 1, r.CountByType(StreamServerNMEA0183))

	jsonConn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	_ = jsonConn.Close()

	nmeaConn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port+1))
	require.NoError(t, err)
	_ = nmeaConn.Close()
}

func TestStartListeners_tableFull(t *testing.T) {
	r := NewRegistry(1, clock.Real)

	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := probe.Addr().(*net.TCPAddr).Port
	_ = probe.Close()

	err = StartListeners(r, port)
	assert.ErrorIs(t, err, ErrTooManyStreams)
}

// pipedEngine is an Engine wired like New() builds it, except stdin and
// stdout are os.Pipe ends the test controls instead of the process's own.
type pipedEngine struct {
	e      *Engine
	stdinW *os.File
	port   int
}

func newPipedEngine(t *testing.T) *pipedEngine {
	t.Helper()
	stdinR, stdinW, err := os.Pipe()
	require.NoError(t, err)
	stdoutR, stdoutW, err := os.Pipe()
	require.NoError(t, err)

	r := NewRegistry(16, clock.Real)
	e := &Engine{
		registry:   r,
		store:      store.New(),
		parser:     inputline.New(),
		outputMode: OutputStream,
		logf:       func(string, ...any) {},
	}

	idx, err := r.Register(int(stdinR.Fd()), StreamInput)
	require.NoError(t, err)
	r.At(idx).File = stdinR
	e.stdinIdx = idx

	outIdx, err := r.Register(int(stdoutW.Fd()), StreamOutputStream)
	require.NoError(t, err)
	r.At(outIdx).File = stdoutW
	e.stdoutIdx = outIdx

	port := startListenersOnFreePort(t, r)

	// Drain the stdout end so the broadcast accumulator's copy to the
	// output stream can never fill the pipe and stall the write phase.
	go func() { _, _ = io.Copy(io.Discard, stdoutR) }()

	t.Cleanup(func() {
		_ = stdinW.Close()
		_ = stdoutR.Close()
		closeAll(r)
	})
	return &pipedEngine{e: e, stdinW: stdinW, port: port}
}

// runEngine drives e.Run on its own goroutine and returns a stop func the
// test defers; the loop notices cancellation after at most one 1s read
// phase timeout.
func runEngine(t *testing.T, e *Engine) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = e.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("engine did not stop after cancellation")
		}
	}
}

func TestEngine_endToEnd_snapshotClientReceivesStateThenClose(t *testing.T) {
	pe := newPipedEngine(t)
	stop := runEngine(t, pe.e)
	defer stop()

	line := `{"timestamp":"t","src":"1","dst":"255","pgn":"128267","description":"Water Depth","fields":{"Depth":3.2}}`
	_, err := pe.stdinW.WriteString(line + "\n")
	require.NoError(t, err)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", pe.port))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	got, err := io.ReadAll(conn)
	require.NoError(t, err, "server must close the connection after its one snapshot")

	assert.True(t, strings.HasPrefix(string(got), `{"128267":`), "unexpected snapshot head: %q", got)
	assert.Contains(t, string(got), `"description":"Water Depth"`)
	assert.Contains(t, string(got), `,"1":`+line)
	assert.True(t, strings.HasSuffix(string(got), "}\n"), "unexpected snapshot tail: %q", got)
}

func TestEngine_endToEnd_streamPromotionReceivesRecordsInOrder(t *testing.T) {
	pe := newPipedEngine(t)
	stop := runEngine(t, pe.e)
	defer stop()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", pe.port))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("-\n"))
	require.NoError(t, err)
	// Let the promotion tick land before any records arrive, so neither
	// line can be broadcast while the client is still snapshot-typed.
	time.Sleep(200 * time.Millisecond)

	line1 := `{"timestamp":"t","src":"1","dst":"255","pgn":"128267","fields":{"Depth":3.2}}`
	line2 := `{"timestamp":"t","src":"2","dst":"255","pgn":"127488","fields":{"Speed":1200}}`
	_, err = pe.stdinW.WriteString(line1 + "\n" + line2 + "\n")
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	reader := bufio.NewReader(conn)
	got1, err := reader.ReadString('\n')
	require.NoError(t, err)
	got2, err := reader.ReadString('\n')
	require.NoError(t, err)

	assert.Equal(t, line1+"\n", got1)
	assert.Equal(t, line2+"\n", got2)
}
