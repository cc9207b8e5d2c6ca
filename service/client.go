package service

import (
	"errors"
	"time"

	equeue "github.com/eapache/queue"

	"github.com/newsky/colossus/api"
	"github.com/newsky/colossus/callback"
	"github.com/newsky/colossus/connection"
	"github.com/newsky/colossus/netio"
	"github.com/newsky/colossus/pool"
	"github.com/newsky/colossus/worker"
)

// ErrNotConnected is returned by Send when no connection is currently
// established (initial dial still pending, or between a disconnect and
// a successful reconnect).
var ErrNotConnected = errors.New("service: client not connected")

// ErrRequestTimeout is the error a pending Send resolves with when its
// deadline elapses before a matching response arrives.
var ErrRequestTimeout = errors.New("service: request timed out")

// ClientConfig holds the client-side pipeline's tunables.
type ClientConfig struct {
	// RequestTimeout bounds how long a Send waits for its matching
	// response before failing and poisoning the connection. 0 disables
	// per-request timeouts.
	RequestTimeout time.Duration
}

type ClientState int

const (
	ClientConnecting ClientState = iota
	ClientConnected
	ClientReconnecting
	ClientStopped
)

type pendingCall[Resp any] struct {
	resolve func(callback.Result[Resp])
	done    bool
}

var _ connection.Handlers = (*ClientService[any, any])(nil)

// ClientService drives one outbound connection's request/response
// correlation, per-request timeouts, poisoned-connection detection, and
// retry-policy-driven reconnection (spec.md §4.6's client pipeline).
// Note the codec's type parameters are inverted relative to Service:
// In is what arrives on the wire (the response), Out is what Send
// encodes onto it (the request).
type ClientService[Req, Resp any] struct {
	w       *worker.Worker
	addr    string
	codec   api.Codec[Resp, Req]
	connCfg connection.Config
	cfg     ClientConfig
	retry   api.RetryPolicy
	pm      *pool.Manager

	conn     *connection.Connection
	inflight *equeue.Queue // *pendingCall[Resp]
	state    ClientState
	attempt  int
	poisoned bool
}

// Dial constructs a ClientService and starts its first connection
// attempt. Must be called from w's own goroutine.
func Dial[Req, Resp any](w *worker.Worker, addr string, codec api.Codec[Resp, Req], connCfg connection.Config, cfg ClientConfig, retry api.RetryPolicy, pm *pool.Manager) (*ClientService[Req, Resp], error) {
	cs := &ClientService[Req, Resp]{
		w:        w,
		addr:     addr,
		codec:    codec,
		connCfg:  connCfg,
		cfg:      cfg,
		retry:    retry,
		pm:       pm,
		inflight: equeue.New(),
	}
	if err := cs.connect(); err != nil {
		return nil, err
	}
	return cs, nil
}

func (cs *ClientService[Req, Resp]) connect() error {
	conn, err := netio.Connect(cs.addr)
	if err != nil {
		return err
	}
	cs.state = ClientConnecting
	cs.poisoned = false
	factory := connection.NewConnectFactory(conn, cs.connCfg, cs.pm, func(c *connection.Connection) connection.Handlers {
		cs.conn = c
		return cs
	})
	if err := cs.w.Bind(factory); err != nil {
		return err
	}
	cs.attempt = 0
	return nil
}

// State reports the client's current connection lifecycle stage.
func (cs *ClientService[Req, Resp]) State() ClientState { return cs.state }

// Send encodes req onto the active connection's write pipeline and
// returns a Callback resolved by the matching response, by timeout, or
// by disconnection — whichever comes first.
func (cs *ClientService[Req, Resp]) Send(req Req) *callback.Callback[Resp] {
	if cs.conn == nil || cs.poisoned {
		return callback.Failed[Resp](cs.w.ID(), ErrNotConnected)
	}
	conn := cs.conn
	c, resolve := callback.NewPending[Resp](cs.w.ID(), nil)
	call := &pendingCall[Resp]{resolve: resolve}
	cs.inflight.Add(call)
	if cs.cfg.RequestTimeout > 0 {
		_ = cs.w.Schedule(cs.cfg.RequestTimeout, func() { cs.timeout(call) })
	}
	if err := conn.EnqueueEncoder(cs.codec.Encode(req)); err != nil {
		cs.timeout(call)
	}
	return c
}

// HandleData implements connection.Handlers: every decoded response is
// matched to the oldest unresolved Send by FIFO order.
func (cs *ClientService[Req, Resp]) HandleData(data []byte) (int, error) {
	consumed := 0
	for {
		resp, n, ok, err := cs.codec.Decode(data[consumed:])
		if err != nil {
			cs.poison(err)
			return len(data), nil
		}
		if !ok {
			break
		}
		consumed += n
		cs.state = ClientConnected
		cs.resolveNext(resp, nil)
	}
	return consumed, nil
}

// HandleClose implements connection.Handlers: every still-outstanding
// Send fails with the disconnection reason, and a reconnect is
// scheduled per the configured RetryPolicy.
func (cs *ClientService[Req, Resp]) HandleClose(reason error) {
	cs.failAll(reason)
	cs.conn = nil
	cs.scheduleReconnect()
}

func (cs *ClientService[Req, Resp]) resolveNext(resp Resp, err error) {
	if cs.inflight.Length() == 0 {
		return
	}
	call := cs.inflight.Remove().(*pendingCall[Resp])
	if call.done {
		return
	}
	call.done = true
	call.resolve(callback.Result[Resp]{Value: resp, Err: err})
}

func (cs *ClientService[Req, Resp]) failAll(cause error) {
	for cs.inflight.Length() > 0 {
		call := cs.inflight.Remove().(*pendingCall[Resp])
		if call.done {
			continue
		}
		call.done = true
		call.resolve(callback.Result[Resp]{Err: cause})
	}
}

// timeout fires when a Send's deadline elapses. A timed-out entry can
// no longer be reliably matched against later wire responses — a
// response for it may still arrive and misalign with the next
// outstanding entry — so the connection is poisoned and torn down
// rather than left subtly desynchronized.
func (cs *ClientService[Req, Resp]) timeout(call *pendingCall[Resp]) {
	if call.done {
		return
	}
	call.done = true
	call.resolve(callback.Result[Resp]{Err: ErrRequestTimeout})
	cs.poison(ErrRequestTimeout)
}

func (cs *ClientService[Req, Resp]) poison(cause error) {
	if cs.poisoned {
		return
	}
	cs.poisoned = true
	cs.failAll(cause)
	if cs.conn != nil {
		cs.conn.Close()
	}
}

func (cs *ClientService[Req, Resp]) scheduleReconnect() {
	cs.attempt++
	delay, ok := cs.retry.NextDelay(cs.attempt)
	if !ok {
		cs.state = ClientStopped
		return
	}
	cs.state = ClientReconnecting
	attempt := cs.attempt
	_ = cs.w.Schedule(time.Duration(delay), func() {
		if cs.state != ClientReconnecting || cs.attempt != attempt {
			return
		}
		if err := cs.connect(); err != nil {
			cs.scheduleReconnect()
		}
	})
}
