package worker

import "github.com/newsky/colossus/api"

var _ api.Context = (*Context)(nil)

// Context binds a WorkerItem's unique id to its owning Worker. It is
// only meaningful when read on that Worker's own goroutine.
type Context struct {
	id uint64
	w  *Worker
}

// ID returns the context's unique identifier.
func (c *Context) ID() uint64 { return c.id }

// WorkerID returns the owning worker's id.
func (c *Context) WorkerID() int { return c.w.id }

// Alive reports whether the bound WorkerItem is still registered on its
// worker.
func (c *Context) Alive() bool {
	return c.w.isAlive(c.id)
}

// Worker returns the owning worker. Only safe to use from that worker's
// own goroutine.
func (c *Context) Worker() *Worker { return c.w }
