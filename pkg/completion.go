package pkg

import (
	"lsvd/internal/request"
)

// Completion carries the result of an asynchronous image operation. The
// callback, if any, runs when the operation completes; Wait blocks until
// then. A Completion is also a request so the cache layers can notify it
// directly.
type Completion struct {
	request.Waiter

	cb         func(*Completion)
	onComplete func()
	retval     int64
}

func NewCompletion(cb func(*Completion)) *Completion {
	return &Completion{cb: cb}
}

// RetVal returns the operation's result once it has completed. Reads set
// it to the byte count on success and to a negative value on failure;
// writes, flushes, and discards leave it at zero.
func (c *Completion) RetVal() int64 { return c.retval }

func (c *Completion) Run(parent request.Request) {}

func (c *Completion) Notify(child request.Request) {
	if c.onComplete != nil {
		c.onComplete()
	}
	if c.cb != nil {
		c.cb(c)
	}
	c.Complete()
}

func (c *Completion) Release() {}
