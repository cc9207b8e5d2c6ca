// Package service composes a connection.Connection with an api.Codec
// and an api.Handler into the decode→dispatch→reorder→encode pipeline
// described in spec.md §4.6, on the server side (Service), and the
// send/correlate/timeout/poison/reconnect pipeline on the client side
// (ClientService).
package service

import (
	equeue "github.com/eapache/queue"

	"github.com/newsky/colossus/api"
	"github.com/newsky/colossus/connection"
)

// ServerConfig holds the server-side pipeline's tunables.
type ServerConfig struct {
	// MaxPipeline bounds the number of requests dispatched to the
	// handler but not yet resolved. 0 means unbounded. Requests decoded
	// past the limit are held in an internal backlog rather than
	// dispatched immediately, preserving decode progress without
	// growing the number of concurrently outstanding handler calls.
	MaxPipeline int
}

// slot holds one decoded request's eventual response in the order it
// arrived, so the reorder buffer can emit strictly in arrival order
// regardless of completion order. in is retained so a handler-error
// response can be built from the request that caused it.
type slot[In, Out any] struct {
	in       In
	resolved bool
	out      Out
	err      error
}

type backlogEntry[In, Out any] struct {
	in   In
	slot *slot[In, Out]
}

var _ connection.Handlers = (*Service[any, any])(nil)

// Service drives the server side of spec.md §4.6: every byte HandleData
// receives is decoded into zero or more requests, each dispatched to
// handler.Receive immediately (up to cfg.MaxPipeline concurrently), and
// completed responses are written to the connection strictly in arrival
// order via a reorder buffer.
type Service[In, Out any] struct {
	conn    *connection.Connection
	codec   api.Codec[In, Out]
	handler api.Handler[In, Out]
	cfg     ServerConfig

	reorder  *equeue.Queue // *slot[In, Out], one per arrived request, in arrival order
	backlog  *equeue.Queue // backlogEntry[In, Out], decoded but not yet dispatched
	inFlight int
}

// New wires conn, codec, and handler into a Service. Intended to be
// called from the Connection's handler-construction callback
// (connection.NewAcceptedFactory's newHandlers argument) so conn is
// already fully constructed.
func New[In, Out any](conn *connection.Connection, codec api.Codec[In, Out], handler api.Handler[In, Out], cfg ServerConfig) *Service[In, Out] {
	return &Service[In, Out]{
		conn:    conn,
		codec:   codec,
		handler: handler,
		cfg:     cfg,
		reorder: equeue.New(),
		backlog: equeue.New(),
	}
}

// HandleData implements connection.Handlers.
func (s *Service[In, Out]) HandleData(data []byte) (int, error) {
	consumed := 0
	for {
		in, n, ok, err := s.codec.Decode(data[consumed:])
		if err != nil {
			s.failFrame(err)
			return len(data), nil
		}
		if !ok {
			break
		}
		consumed += n
		s.arrive(in)
	}
	return consumed, nil
}

// HandleClose implements connection.Handlers.
func (s *Service[In, Out]) HandleClose(reason error) {
	s.handler.OnDisconnect(reason)
}

func (s *Service[In, Out]) arrive(in In) {
	sl := &slot[In, Out]{in: in}
	s.reorder.Add(sl)
	if s.cfg.MaxPipeline > 0 && s.inFlight >= s.cfg.MaxPipeline {
		s.backlog.Add(backlogEntry[In, Out]{in: in, slot: sl})
		return
	}
	s.dispatch(in, sl)
}

func (s *Service[In, Out]) dispatch(in In, sl *slot[In, Out]) {
	s.inFlight++
	result := s.handler.Receive(in)
	result.Execute(func(out Out, err error) {
		s.inFlight--
		sl.resolved = true
		sl.out = out
		sl.err = err
		s.drainReady()
		s.pumpBacklog()
	})
}

func (s *Service[In, Out]) pumpBacklog() {
	for s.backlog.Length() > 0 && (s.cfg.MaxPipeline <= 0 || s.inFlight < s.cfg.MaxPipeline) {
		e := s.backlog.Remove().(backlogEntry[In, Out])
		s.dispatch(e.in, e.slot)
	}
}

// drainReady emits every resolved response sitting at the front of the
// reorder buffer, stopping at the first still-pending one — exactly
// spec.md §4.6's "stalling if an earlier callback is still pending."
func (s *Service[In, Out]) drainReady() {
	for s.reorder.Length() > 0 {
		sl := s.reorder.Peek().(*slot[In, Out])
		if !sl.resolved {
			return
		}
		s.reorder.Remove()
		s.emit(sl.in, sl.out, sl.err)
	}
}

func (s *Service[In, Out]) emit(in In, out Out, err error) {
	if err != nil {
		resp, ok := s.codec.ErrorResponse(in, err)
		if !ok {
			s.conn.Close()
			return
		}
		out = resp
	}
	_ = s.conn.EnqueueEncoder(s.codec.Encode(out))
}

// failFrame handles a decode error: the codec gets one chance to emit
// an in-band error response, but an unrecoverable framing error always
// closes the connection since the read buffer can no longer be trusted
// to contain aligned frames. Decode failed, so there is no successfully
// decoded request to pass as input; the codec gets In's zero value.
func (s *Service[In, Out]) failFrame(err error) {
	var zero In
	resp, ok := s.codec.ErrorResponse(zero, err)
	if ok {
		_ = s.conn.EnqueueEncoder(s.codec.Encode(resp))
	}
	s.conn.Close()
}
