// Package iosystem is the runtime root: it owns the worker vector, the
// shared context-id counter, the buffer pool, and the Control surface,
// and drives the synchronous startup and shutdown barriers across every
// Worker it owns.
package iosystem

import "time"

// Config holds parameters immutable for an IOSystem's lifetime. Runtime
// knobs that may change while running go through Control.SetConfig
// instead.
type Config struct {
	// NumWorkers is the number of single-threaded event-loop workers to
	// run. Zero is rejected unless AllowZeroWorkers is set.
	NumWorkers int

	// AllowZeroWorkers permits NumWorkers==0, installing a worker.Null
	// that rejects every Bind/Accept/Schedule command. Intended for
	// tests that only exercise construction/Control, never dispatch.
	AllowZeroWorkers bool

	// InboxCapacity bounds each Worker's command inbox before Submit
	// reports backpressure. Zero selects the worker package's default.
	InboxCapacity int

	// ReadBufferSize and WriteBufferSize size each connection's
	// per-direction scratch buffer drawn from the shared pool.
	ReadBufferSize  int
	WriteBufferSize int

	// PipelineHigh and PipelineLow are the backpressure watermarks (in
	// queued pending encoders) a Connection uses to gate read-interest.
	PipelineHigh int
	PipelineLow  int

	// IdleTimeout closes a Connection that has exchanged no bytes for
	// this long. Zero disables idle timeout.
	IdleTimeout time.Duration

	// ShutdownTimeout bounds how long IOSystem.Shutdown waits for
	// in-flight work to drain before forcing every item closed.
	ShutdownTimeout time.Duration

	// AsyncPoolSize sizes the bridgepool.Pool backing callback.FromAsync
	// for every worker in this IOSystem.
	AsyncPoolSize int
}

// DefaultConfig returns sane defaults for a single-process deployment.
func DefaultConfig() *Config {
	return &Config{
		NumWorkers:      4,
		InboxCapacity:   4096,
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		PipelineHigh:    256,
		PipelineLow:     64,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		AsyncPoolSize:   8,
	}
}
