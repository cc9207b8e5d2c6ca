package service

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/newsky/colossus/api"
	"github.com/newsky/colossus/callback"
	"github.com/newsky/colossus/connection"
	"github.com/newsky/colossus/iobuf"
	"github.com/newsky/colossus/netio"
	"github.com/newsky/colossus/pool"
	"github.com/newsky/colossus/reactor"
	"github.com/newsky/colossus/worker"
)

const invalidTestFd = uintptr(0x7fffffff)

// fakeConn is an in-memory netio.Conn driven entirely by direct calls
// from the test goroutine: its Fd is never a real descriptor, so a live
// Worker's reactor never dispatches events against it.
type fakeConn struct {
	mu sync.Mutex

	readBuf []byte
	readPos int
	eof     bool

	written []byte
	closed  bool
}

var _ netio.Conn = (*fakeConn)(nil)

func (f *fakeConn) Fd() uintptr { return invalidTestFd }

func (f *fakeConn) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readPos >= len(f.readBuf) {
		if f.eof {
			return 0, io.EOF
		}
		return 0, netio.ErrWouldBlock
	}
	n := copy(p, f.readBuf[f.readPos:])
	f.readPos += n
	return n, nil
}

func (f *fakeConn) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, p...)
	return len(p), nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) feed(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readBuf = append(f.readBuf, b...)
}

func (f *fakeConn) Written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.written...)
}

func (f *fakeConn) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// lineCodec frames messages by a trailing newline; used for both the
// server-side Service tests (In=Out=string) and the client-side
// ClientService tests (Resp=Req=string).
type lineCodec struct{}

func (lineCodec) Decode(buf []byte) (string, int, bool, error) {
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		return "", 0, false, nil
	}
	return string(buf[:idx]), idx + 1, true, nil
}

func (lineCodec) Encode(out string) api.Encoder {
	return iobuf.NewBlockEncoder([]byte(out + "\n"))
}

func (lineCodec) ErrorResponse(input string, cause error) (string, bool) {
	return "ERR:" + cause.Error(), true
}

var _ api.Codec[string, string] = lineCodec{}

// echoErrorCodec's ErrorResponse echoes the originating request
// alongside the error, proving In flows through to error-response
// construction rather than being dropped at the decode/handler
// boundary.
type echoErrorCodec struct{ lineCodec }

func (echoErrorCodec) ErrorResponse(input string, cause error) (string, bool) {
	return "ERR[" + input + "]:" + cause.Error(), true
}

var _ api.Codec[string, string] = echoErrorCodec{}

// controlledHandler lets a test resolve a Receive call's Callback at a
// time of its own choosing, independent of arrival order, to exercise
// the reorder buffer.
type controlledHandler struct {
	mu       sync.Mutex
	pending  map[string]func(string, error)
	received []string
}

func newControlledHandler() *controlledHandler {
	return &controlledHandler{pending: make(map[string]func(string, error))}
}

func (h *controlledHandler) Receive(in string) api.CallbackResult[string] {
	h.mu.Lock()
	h.received = append(h.received, in)
	c, resolve := callback.NewPending[string](0, nil)
	h.pending[in] = func(out string, err error) { resolve(callback.Result[string]{Value: out, Err: err}) }
	h.mu.Unlock()
	return c
}

func (h *controlledHandler) OnDisconnect(reason error) {}

func (h *controlledHandler) resolve(in, out string) {
	h.mu.Lock()
	fn := h.pending[in]
	delete(h.pending, in)
	h.mu.Unlock()
	if fn == nil {
		panic("controlledHandler: resolve called for unknown input")
	}
	fn(out, nil)
}

var _ api.Handler[string, string] = (*controlledHandler)(nil)

func newTestWorker(t *testing.T) *worker.Worker {
	t.Helper()
	rct, err := reactor.New()
	require.NoError(t, err)
	var counter atomic.Uint64
	w := worker.New(0, rct, &counter, 0)
	go w.Run()
	select {
	case <-w.Ready():
	case <-time.After(time.Second):
		t.Fatal("worker never became ready")
	}
	t.Cleanup(func() {
		select {
		case <-w.Apocalypse():
		case <-time.After(time.Second):
		}
	})
	return w
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func bindService(t *testing.T, w *worker.Worker, conn netio.Conn, handler api.Handler[string, string], cfg ServerConfig) (*Service[string, string], *connection.Connection) {
	t.Helper()
	return bindServiceWithCodec(t, w, conn, lineCodec{}, handler, cfg)
}

func bindServiceWithCodec(t *testing.T, w *worker.Worker, conn netio.Conn, codec api.Codec[string, string], handler api.Handler[string, string], cfg ServerConfig) (*Service[string, string], *connection.Connection) {
	t.Helper()
	pm := pool.NewManager(64, 64)
	connCfg := connection.Config{ReadBufferSize: 64, WriteBufferSize: 64}
	var svc *Service[string, string]
	var conn2 *connection.Connection
	factory := connection.NewAcceptedFactory(conn, connCfg, pm, func(c *connection.Connection) connection.Handlers {
		svc = New[string, string](c, codec, handler, cfg)
		conn2 = c
		return svc
	})
	require.NoError(t, w.Bind(factory))

	done := make(chan struct{})
	require.NoError(t, w.Schedule(0, func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("connection never bound")
	}
	return svc, conn2
}

func TestServiceEmitsResponseForSingleRequest(t *testing.T) {
	w := newTestWorker(t)
	fc := &fakeConn{}
	h := newControlledHandler()
	_, conn := bindService(t, w, fc, h, ServerConfig{})

	fc.feed([]byte("ping\n"))
	conn.OnReadable()

	waitUntil(t, func() bool { return len(h.received) == 1 })
	h.resolve("ping", "pong")

	waitUntil(t, func() bool { return len(fc.Written()) > 0 })
	require.Equal(t, []byte("pong\n"), fc.Written())
}

func TestServiceEmitsStrictlyInArrivalOrder(t *testing.T) {
	w := newTestWorker(t)
	fc := &fakeConn{}
	h := newControlledHandler()
	_, conn := bindService(t, w, fc, h, ServerConfig{})

	fc.feed([]byte("a\nb\nc\n"))
	conn.OnReadable()
	waitUntil(t, func() bool { return len(h.received) == 3 })

	// Resolve out of order: c, then a, then b. Only "c" is ready first,
	// but it must wait behind "a" and "b" in the reorder buffer.
	h.resolve("c", "C")
	time.Sleep(10 * time.Millisecond)
	require.Empty(t, fc.Written(), "response for a later arrival must not be written ahead of earlier ones")

	h.resolve("a", "A")
	waitUntil(t, func() bool { return len(fc.Written()) > 0 })
	require.Equal(t, []byte("A\n"), fc.Written())

	h.resolve("b", "B")
	waitUntil(t, func() bool { return bytes.Equal(fc.Written(), []byte("A\nB\nC\n")) })
}

func TestServiceMaxPipelineQueuesBeyondLimit(t *testing.T) {
	w := newTestWorker(t)
	fc := &fakeConn{}
	h := newControlledHandler()
	svc, conn := bindService(t, w, fc, h, ServerConfig{MaxPipeline: 1})

	fc.feed([]byte("a\nb\n"))
	conn.OnReadable()

	waitUntil(t, func() bool { return len(h.received) == 1 })
	require.Equal(t, []string{"a"}, h.received, "second request must stay backlogged, not dispatched, while the pipeline is full")
	require.Equal(t, 1, svc.backlog.Length())

	h.resolve("a", "A")
	waitUntil(t, func() bool { return len(h.received) == 2 })
	require.Equal(t, []string{"a", "b"}, h.received)

	h.resolve("b", "B")
	waitUntil(t, func() bool { return bytes.Equal(fc.Written(), []byte("A\nB\n")) })
}

func TestServiceMapsHandlerErrorThroughErrorResponse(t *testing.T) {
	w := newTestWorker(t)
	fc := &fakeConn{}
	h := newControlledHandler()
	_, conn := bindService(t, w, fc, h, ServerConfig{})

	fc.feed([]byte("boom\n"))
	conn.OnReadable()
	waitUntil(t, func() bool { return len(h.received) == 1 })

	h.mu.Lock()
	fn := h.pending["boom"]
	delete(h.pending, "boom")
	h.mu.Unlock()
	fn("", errors.New("handler exploded"))

	waitUntil(t, func() bool { return len(fc.Written()) > 0 })
	require.Equal(t, []byte("ERR:handler exploded\n"), fc.Written())
}

func TestServiceErrorResponseReceivesOriginatingInput(t *testing.T) {
	w := newTestWorker(t)
	fc := &fakeConn{}
	h := newControlledHandler()
	_, conn := bindServiceWithCodec(t, w, fc, echoErrorCodec{}, h, ServerConfig{})

	fc.feed([]byte("req-1\n"))
	conn.OnReadable()
	waitUntil(t, func() bool { return len(h.received) == 1 })

	h.mu.Lock()
	fn := h.pending["req-1"]
	delete(h.pending, "req-1")
	h.mu.Unlock()
	fn("", errors.New("handler exploded"))

	waitUntil(t, func() bool { return len(fc.Written()) > 0 })
	require.Equal(t, []byte("ERR[req-1]:handler exploded\n"), fc.Written())
}

func TestServiceHandleCloseNotifiesHandler(t *testing.T) {
	w := newTestWorker(t)
	fc := &fakeConn{eof: true}
	h := newControlledHandler()
	_, conn := bindService(t, w, fc, h, ServerConfig{})

	conn.OnReadable()
	waitUntil(t, fc.IsClosed)
}
