// Package connection implements the per-connection state machine,
// read/write pump, and backpressure gating described in spec.md §4.5.
// A Connection is codec-agnostic: it moves raw bytes between a socket
// and a caller-supplied Handlers hook. The service package composes a
// Connection with a Codec and an api.Handler to build the decode→
// handle→encode pipeline.
package connection

import (
	"errors"
	"io"
	"log/slog"
	"time"

	equeue "github.com/eapache/queue"

	"github.com/newsky/colossus/api"
	"github.com/newsky/colossus/iobuf"
	"github.com/newsky/colossus/netio"
	"github.com/newsky/colossus/pool"
	"github.com/newsky/colossus/reactor"
	"github.com/newsky/colossus/worker"
)

// State is a connection's lifecycle stage (spec.md §4.5).
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateHalfClosed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateHalfClosed:
		return "half-closed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// maxReadBufferMultiple bounds how far a connection's read buffer may
// grow past its configured size before a stalled decoder is treated as
// a framing error rather than given unbounded memory.
const maxReadBufferMultiple = 16

// Handlers is the hook a Connection drives its owner (the service
// layer) through. HandleData is called with every unconsumed byte in
// the read buffer whenever new bytes arrive; it returns how many bytes
// were consumed. HandleClose fires exactly once, when the connection
// reaches StateClosed.
type Handlers interface {
	HandleData(data []byte) (consumed int, err error)
	HandleClose(reason error)
}

// Config holds the per-connection tunables sourced from iosystem.Config.
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	PipelineHigh    int
	PipelineLow     int
	IdleTimeout     time.Duration
}

var (
	_ api.WorkerItem  = (*Connection)(nil)
	_ worker.FdAware  = (*Connection)(nil)
	_ worker.Readable = (*Connection)(nil)
	_ worker.Writable = (*Connection)(nil)
)

// Connection is a single TCP endpoint bound to exactly one Worker.
type Connection struct {
	ctx  api.Context
	w    *worker.Worker
	conn netio.Conn
	cfg  Config
	pool *pool.Manager

	handlers Handlers

	readBuf []byte
	readLen int

	writeScratch []byte
	pending      *equeue.Queue

	state         State
	readSuspended bool
	lastActivity  time.Time
	closeErr      error
}

// NewAcceptedFactory returns a worker.Factory that binds an already-
// accepted socket as a connected Connection, invoking newHandlers once
// the Connection (and its Context) exist so Handlers can reference it.
func NewAcceptedFactory(conn netio.Conn, cfg Config, pm *pool.Manager, newHandlers func(c *Connection) Handlers) worker.Factory {
	return func(ctx *worker.Context) api.WorkerItem {
		c := newConnection(ctx, conn, cfg, pm, StateConnected)
		c.handlers = newHandlers(c)
		return c
	}
}

// NewConnectFactory returns a worker.Factory that binds an outbound
// socket in StateConnecting; the Connection transitions to StateConnected
// once the non-blocking connect completes (signaled by write-readiness).
func NewConnectFactory(conn netio.Conn, cfg Config, pm *pool.Manager, newHandlers func(c *Connection) Handlers) worker.Factory {
	return func(ctx *worker.Context) api.WorkerItem {
		c := newConnection(ctx, conn, cfg, pm, StateConnecting)
		c.handlers = newHandlers(c)
		return c
	}
}

func newConnection(ctx *worker.Context, conn netio.Conn, cfg Config, pm *pool.Manager, initial State) *Connection {
	return &Connection{
		ctx:          ctx,
		w:            ctx.Worker(),
		conn:         conn,
		cfg:          cfg,
		pool:         pm,
		readBuf:      pm.Read.Get(),
		writeScratch: pm.Write.Get(),
		pending:      equeue.New(),
		state:        initial,
		lastActivity: time.Now(),
	}
}

// Context implements api.WorkerItem.
func (c *Connection) Context() api.Context { return c.ctx }

// Fd implements worker.FdAware.
func (c *Connection) Fd() uintptr { return c.conn.Fd() }

// State reports the connection's current lifecycle stage.
func (c *Connection) State() State { return c.state }

// OnBind implements api.WorkerItem.
func (c *Connection) OnBind() {
	c.syncInterest()
	c.scheduleIdleCheck()
}

// OnUnbind implements api.WorkerItem: releases pooled buffers and
// delivers the terminal HandleClose callback exactly once.
func (c *Connection) OnUnbind() {
	_ = c.conn.Close()
	c.state = StateClosed
	if len(c.readBuf) > 0 {
		c.pool.Read.Put(c.readBuf[:cap(c.readBuf)])
	}
	if len(c.writeScratch) > 0 {
		c.pool.Write.Put(c.writeScratch[:cap(c.writeScratch)])
	}
	if c.closeErr == nil {
		c.closeErr = api.ErrClosed
	}
	c.handlers.HandleClose(c.closeErr)
}

// OnReadable implements worker.Readable.
func (c *Connection) OnReadable() {
	if c.state == StateConnecting {
		return
	}
	for {
		if c.readLen == len(c.readBuf) {
			if !c.growReadBuffer() {
				c.closeWithError(api.NewKindError(api.ErrKindFraming, errors.New("connection: frame exceeds maximum buffer size")))
				return
			}
		}
		n, err := c.conn.Read(c.readBuf[c.readLen:])
		if n > 0 {
			c.touch()
			c.readLen += n
			if herr := c.drainHandler(); herr != nil {
				c.closeWithError(herr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, netio.ErrWouldBlock) {
				return
			}
			if errors.Is(err, io.EOF) {
				c.handleReadEOF()
				return
			}
			c.closeWithError(api.NewKindError(api.ErrKindTransport, err))
			return
		}
		if n == 0 {
			return
		}
	}
}

// handleReadEOF implements the HalfClosed stage: if output is still
// queued, the connection keeps draining its write pipeline with reads
// suspended rather than discarding unsent responses; pumpWrite finishes
// the transition to StateClosed once the pipeline empties.
func (c *Connection) handleReadEOF() {
	if c.pending.Length() == 0 {
		c.closeWithError(api.NewKindError(api.ErrKindTransport, io.EOF))
		return
	}
	c.state = StateHalfClosed
	c.readSuspended = true
	c.syncInterest()
}

func (c *Connection) drainHandler() error {
	consumed, err := c.handlers.HandleData(c.readBuf[:c.readLen])
	if err != nil {
		return err
	}
	if consumed > 0 {
		copy(c.readBuf, c.readBuf[consumed:c.readLen])
		c.readLen -= consumed
	}
	return nil
}

func (c *Connection) growReadBuffer() bool {
	if len(c.readBuf) >= c.cfg.ReadBufferSize*maxReadBufferMultiple {
		return false
	}
	grown := make([]byte, len(c.readBuf)*2)
	copy(grown, c.readBuf[:c.readLen])
	c.readBuf = grown
	return true
}

// OnWritable implements worker.Writable.
func (c *Connection) OnWritable() {
	if c.state == StateConnecting {
		c.completeConnect()
		return
	}
	if err := c.pumpWrite(); err != nil {
		c.closeWithError(api.NewKindError(api.ErrKindTransport, err))
	}
}

// completeConnect treats the first write-readiness event after a
// non-blocking connect as completion. Colossus's netio layer does not
// expose SO_ERROR retrieval, so a connect that failed asynchronously is
// only detected on the subsequent read/write syscall; this mirrors the
// common non-blocking-connect convention at reduced fidelity.
func (c *Connection) completeConnect() {
	c.state = StateConnected
	c.touch()
	c.syncInterest()
}

// EnqueueEncoder appends enc to the write pipeline, attempts an
// immediate flush, and applies the backpressure watermark policy.
func (c *Connection) EnqueueEncoder(enc api.Encoder) error {
	if c.state == StateClosed {
		return api.ErrClosed
	}
	c.pending.Add(enc)
	if err := c.pumpWrite(); err != nil {
		werr := api.NewKindError(api.ErrKindTransport, err)
		c.closeWithError(werr)
		return werr
	}
	c.applyBackpressure()
	return nil
}

// PendingDepth reports the number of encoders still queued for write,
// the quantity the backpressure watermarks are measured against.
func (c *Connection) PendingDepth() int { return c.pending.Length() }

// ReadSuspended reports whether the connection has stopped accepting
// new reads under the backpressure watermark policy.
func (c *Connection) ReadSuspended() bool { return c.readSuspended }

func (c *Connection) applyBackpressure() {
	depth := c.pending.Length()
	if !c.readSuspended && c.cfg.PipelineHigh > 0 && depth >= c.cfg.PipelineHigh {
		c.readSuspended = true
		c.syncInterest()
		return
	}
	if c.readSuspended && depth <= c.cfg.PipelineLow {
		c.readSuspended = false
		c.syncInterest()
	}
}

// pumpWrite drains as many encoders as the socket will currently
// accept, per spec.md §4.5's write path: instantiate a fixed sink over
// the write scratch area, drive the head encoder, write the scratch to
// the socket, and on short/would-block writes keep the unsent remainder
// as a BlockEncoder at the head of the pipeline.
func (c *Connection) pumpWrite() error {
	for c.pending.Length() > 0 {
		head := c.pending.Peek().(api.Encoder)
		out := iobuf.NewFixedOutBuffer(c.writeScratch)
		complete := head.WriteInto(out)
		buf := out.Written()

		if len(buf) == 0 {
			if complete {
				c.pending.Remove()
				continue
			}
			break
		}

		n, err := c.conn.Write(buf)
		if n > 0 {
			c.touch()
		}
		if err != nil && !errors.Is(err, netio.ErrWouldBlock) {
			return err
		}
		if n < len(buf) {
			leftover := append([]byte(nil), buf[n:]...)
			if complete {
				c.pending.Remove()
			}
			c.prependEncoder(iobuf.NewBlockEncoder(leftover))
			c.syncInterest()
			return nil
		}
		if complete {
			c.pending.Remove()
		}
	}
	if c.pending.Length() == 0 && c.state == StateHalfClosed {
		c.closeWithError(api.NewKindError(api.ErrKindTransport, io.EOF))
		return nil
	}
	c.applyBackpressure()
	c.syncInterest()
	return nil
}

func (c *Connection) prependEncoder(enc api.Encoder) {
	fresh := equeue.New()
	fresh.Add(enc)
	for c.pending.Length() > 0 {
		fresh.Add(c.pending.Remove())
	}
	c.pending = fresh
}

// syncInterest recomputes and applies the reactor interest mask this
// connection currently wants, based on its state, read-suspension, and
// whether output is queued.
func (c *Connection) syncInterest() {
	var interest reactor.Interest
	switch c.state {
	case StateConnecting:
		interest = reactor.InterestWrite
	case StateConnected, StateHalfClosed:
		if !c.readSuspended {
			interest |= reactor.InterestRead
		}
		if c.pending.Length() > 0 {
			interest |= reactor.InterestWrite
		}
	default:
		return
	}
	_ = c.w.SetInterest(c.ctx.ID(), interest)
}

func (c *Connection) scheduleIdleCheck() {
	if c.cfg.IdleTimeout <= 0 {
		return
	}
	_ = c.w.Schedule(c.cfg.IdleTimeout, c.checkIdle)
}

func (c *Connection) checkIdle() {
	if c.state == StateClosed {
		return
	}
	idleFor := time.Since(c.lastActivity)
	if idleFor >= c.cfg.IdleTimeout {
		c.closeWithError(api.NewKindError(api.ErrKindTimeout, errors.New("connection: idle timeout")))
		return
	}
	_ = c.w.Schedule(c.cfg.IdleTimeout-idleFor, c.checkIdle)
}

func (c *Connection) touch() { c.lastActivity = time.Now() }

// closeWithError transitions to StateClosed and requests unbind. Safe
// to call more than once; only the first call has any effect.
func (c *Connection) closeWithError(err error) {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	if c.closeErr == nil {
		c.closeErr = err
	}
	if !errors.Is(err, api.ErrClosed) {
		slog.Warn("connection closing", "ctx", c.ctx.ID(), "worker", c.ctx.WorkerID(), "err", err)
	} else {
		slog.Debug("connection closing", "ctx", c.ctx.ID(), "worker", c.ctx.WorkerID())
	}
	_ = c.w.Unbind(c.ctx.ID())
}

// Close requests a graceful, handler-initiated disconnect.
func (c *Connection) Close() {
	c.closeWithError(api.ErrClosed)
}
