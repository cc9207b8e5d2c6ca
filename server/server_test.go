package server

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/newsky/colossus/api"
	"github.com/newsky/colossus/callback"
	"github.com/newsky/colossus/connection"
	"github.com/newsky/colossus/initializer"
	"github.com/newsky/colossus/iobuf"
	"github.com/newsky/colossus/netio"
	"github.com/newsky/colossus/pool"
	"github.com/newsky/colossus/reactor"
	"github.com/newsky/colossus/worker"
)

const invalidTestFd = uintptr(0x7fffffff)

// fakeConn mirrors the connection/service packages' test doubles: an
// invalid Fd keeps the real reactor from ever dispatching events against
// it, so behavior is driven entirely by direct test-goroutine calls.
type fakeConn struct {
	mu     sync.Mutex
	closed bool
}

var _ netio.Conn = (*fakeConn)(nil)

func (f *fakeConn) Fd() uintptr { return invalidTestFd }

func (f *fakeConn) Read(p []byte) (int, error) { return 0, netio.ErrWouldBlock }

func (f *fakeConn) Write(p []byte) (int, error) { return len(p), nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakeListener serves a pre-loaded queue of fakeConns, reporting
// netio.ErrWouldBlock once exhausted rather than blocking.
type fakeListener struct {
	mu      sync.Mutex
	pending []*fakeConn
	closed  bool
}

var _ netio.Listener = (*fakeListener)(nil)

func (l *fakeListener) Fd() uintptr { return invalidTestFd }

func (l *fakeListener) Accept() (netio.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return nil, netio.ErrWouldBlock
	}
	c := l.pending[0]
	l.pending = l.pending[1:]
	return c, nil
}

func (l *fakeListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeListener) IsClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeListener) push(c *fakeConn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, c)
}

// lineCodec frames messages by a trailing newline.
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

// echoWorkerHandler echoes every request prefixed by the id of the
// Worker it was constructed on, so a test can tell which participating
// Worker a given accepted connection landed on.
type echoWorkerHandler struct {
	workerID int
}

func (h *echoWorkerHandler) Receive(in string) api.CallbackResult[string] {
	return callback.Successful(h.workerID, "w"+itoa(h.workerID)+":"+in)
}

func (h *echoWorkerHandler) OnDisconnect(reason error) {}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func newTestWorker(t *testing.T, id int) *worker.Worker {
	t.Helper()
	rct, err := reactor.New()
	require.NoError(t, err)
	var counter atomic.Uint64
	w := worker.New(id, rct, &counter, 0)
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

// waitBound blocks until acceptWorker has actually run the bind command
// Start submitted, via the same program-order barrier technique used
// throughout this module's tests: a zero-delay Schedule queued right
// after Bind drains in the same inbox pass, strictly after doBind.
func waitBound(t *testing.T, acceptWorker *worker.Worker) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, acceptWorker.Schedule(0, func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("server never finished binding")
	}
}

func itemCount(t *testing.T, w *worker.Worker) int {
	t.Helper()
	ch := make(chan int, 1)
	require.NoError(t, w.Schedule(0, func() { ch <- w.ItemCount() }))
	select {
	case n := <-ch:
		return n
	case <-time.After(time.Second):
		t.Fatal("item count query never completed")
		return 0
	}
}

func newTestServer(t *testing.T) (*ServerRef[string, string], *fakeListener) {
	t.Helper()
	fl := &fakeListener{}
	initFactory := initializer.New[string, string](func(w *worker.Worker) api.Handler[string, string] {
		return &echoWorkerHandler{workerID: w.ID()}
	})
	pm := pool.NewManager(64, 64)
	s := New[string, string]("unused:0", lineCodec{}, initFactory, pm, Config{
		Backlog:    16,
		Connection: connection.Config{ReadBufferSize: 64, WriteBufferSize: 64},
	})
	s.listener = fl // bypass Listen()'s real netio.Listen for deterministic tests
	s.state.Store(int32(Bound))
	return s, fl
}

func TestServerLifecycleRejectsOutOfOrderTransitions(t *testing.T) {
	s, _ := newTestServer(t)
	require.Equal(t, Bound, s.State())

	err := s.Listen()
	require.ErrorIs(t, err, ErrInvalidTransition)

	w := newTestWorker(t, 0)
	require.ErrorIs(t, s.Start(w, nil), ErrNoWorkers)

	require.NoError(t, s.Start(w, []*worker.Worker{w}))
	waitBound(t, w)
	require.Equal(t, Running, s.State())
	require.ErrorIs(t, s.Start(w, []*worker.Worker{w}), ErrInvalidTransition)

	<-s.Drain()
	require.Equal(t, Stopped, s.State())
	require.True(t, fakeListenerClosed(t, s))
}

func fakeListenerClosed(t *testing.T, s *ServerRef[string, string]) bool {
	t.Helper()
	fl, ok := s.listener.(*fakeListener)
	require.True(t, ok)
	return fl.IsClosed()
}

func TestServerDrainOutsideRunningIsNoop(t *testing.T) {
	s, _ := newTestServer(t)
	<-s.Drain()
	require.Equal(t, Bound, s.State())
}

func TestServerRoundRobinsAcrossParticipatingWorkers(t *testing.T) {
	w0 := newTestWorker(t, 0)
	w1 := newTestWorker(t, 1)
	s, fl := newTestServer(t)
	require.NoError(t, s.Start(w0, []*worker.Worker{w0, w1}))
	waitBound(t, w0)

	conns := make([]*fakeConn, 4)
	for i := range conns {
		conns[i] = &fakeConn{}
		fl.push(conns[i])
	}

	s.OnReadable()

	waitUntil(t, func() bool { return itemCount(t, w0)+itemCount(t, w1) == 4 })
	require.Equal(t, 2, itemCount(t, w0))
	require.Equal(t, 2, itemCount(t, w1))
}

func TestServerNextWorkerRotatesInOrder(t *testing.T) {
	w0 := newTestWorker(t, 0)
	w1 := newTestWorker(t, 1)
	w2 := newTestWorker(t, 2)
	s, _ := newTestServer(t)
	require.NoError(t, s.Start(w0, []*worker.Worker{w0, w1, w2}))
	waitBound(t, w0)

	var got []int
	for i := 0; i < 7; i++ {
		w, _ := s.nextWorker()
		got = append(got, w.ID())
	}
	require.Equal(t, []int{0, 1, 2, 0, 1, 2, 0}, got)
}

func TestServerSingleWorkerAcceptsConnection(t *testing.T) {
	w0 := newTestWorker(t, 0)
	s, fl := newTestServer(t)
	require.NoError(t, s.Start(w0, []*worker.Worker{w0}))
	waitBound(t, w0)

	fl.push(&fakeConn{})
	s.OnReadable()
	// The acceptor plus the one accepted connection.
	waitUntil(t, func() bool { return itemCount(t, w0) == 2 })
}
