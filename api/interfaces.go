// Package api declares the small, capability-based interfaces that bind
// the Colossus runtime to user-supplied protocol and handler code. The
// interfaces here are deliberately thin — a handful of single-purpose
// methods each — so that a concrete wire codec (HTTP, Redis, Memcached,
// WebSocket, ...) or a user protocol can be plugged in without touching
// the runtime kernel.
package api

// WorkerItem is anything bound to a single Worker that receives its
// lifecycle and message events. Connections, scheduled tasks, and
// clients are all WorkerItems.
type WorkerItem interface {
	// Context returns the identity binding this item to its worker.
	Context() Context

	// OnBind is invoked once, on the owning worker, when the item is
	// registered.
	OnBind()

	// OnUnbind is invoked once, on the owning worker, when the item is
	// deregistered (graceful close, error, or system shutdown).
	OnUnbind()
}

// Context identifies a WorkerItem within an IOSystem: a 64-bit id,
// unique for the IOSystem's lifetime, and a reference to the owning
// worker. Context values are only meaningful on their owning worker's
// thread.
type Context interface {
	// ID returns the context's unique identifier.
	ID() uint64

	// WorkerID returns the id of the owning worker.
	WorkerID() int

	// Alive reports whether the bound WorkerItem is still registered.
	Alive() bool
}

// Handler is the single entry point a connection-bound protocol handler
// implements. Input and Output are codec-defined message types.
type Handler[In, Out any] interface {
	// Receive is invoked once per decoded input and must return a
	// Callback that eventually resolves to the response (or an error).
	// It is always called on the connection's owning worker.
	Receive(in In) CallbackResult[Out]

	// OnDisconnect is invoked exactly once when the connection
	// transitions to Closed, with the reason for the transition.
	OnDisconnect(reason error)
}

// CallbackResult is the minimal surface Handler needs from
// callback.Callback[T] without importing the callback package (which
// would create an import cycle, since callback.Callback's async bridge
// needs no knowledge of api at all). The concrete callback.Callback[T]
// satisfies this interface.
type CallbackResult[T any] interface {
	Execute(k func(T, error))
}

// Codec turns bytes into decoded messages and decoded messages back
// into encoders. Decode must be pure over the visible buffer and must
// not retain references to buffer memory beyond the call.
type Codec[In, Out any] interface {
	// Decode attempts to parse one frame from buf. ok is false if more
	// bytes are needed. consumed is the number of bytes to advance the
	// read buffer by, valid only when ok is true and err is nil.
	Decode(buf []byte) (in In, consumed int, ok bool, err error)

	// Encode returns a streamable Encoder for out. The runtime drives it
	// against the connection's write buffer.
	Encode(out Out) Encoder

	// ErrorResponse maps a decode or handler error to an in-band
	// response, given the input that produced it so the response can
	// reference it (an id, a method name). For a framing error — decode
	// itself failed, so no In value exists — input is the zero value of
	// In. Returning ok=false closes the connection instead.
	ErrorResponse(input In, cause error) (Out, bool)
}

// Encoder streams bytes into an OutBuffer across possibly many calls.
type Encoder interface {
	// WriteInto copies as many bytes as fit into out. Returns true once
	// no bytes remain to emit. Calling WriteInto after a prior call
	// returned true is a programming error.
	WriteInto(out OutBuffer) (complete bool)
}

// OutBuffer is a write sink: a fixed-capacity view over external memory,
// or a growable heap buffer used as overflow.
type OutBuffer interface {
	// Available returns the number of bytes that can still be written.
	Available() int64

	// WritePartial copies min(len(p), Available()) bytes and returns the
	// count copied; it never blocks and never errors.
	WritePartial(p []byte) int

	// Write copies all of p into the buffer or returns an error; it is a
	// programming error to call Write with len(p) > Available().
	Write(p []byte) error
}

// RetryPolicy drives ClientService reconnection scheduling.
type RetryPolicy interface {
	// NextDelay returns the delay before reconnect attempt number
	// attempt (1-based), or ok=false to stop retrying.
	NextDelay(attempt int) (delay int64, ok bool)
}
