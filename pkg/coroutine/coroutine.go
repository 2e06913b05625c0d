// Package coroutine runs a function as a suspendable computation.
//
// The function runs on its own goroutine but never concurrently with its
// caller: control is handed over on every Resume and handed back on every
// yield, so the pair behaves like a single thread. This lets blocking style
// protocol code ("send, then receive") be driven by a poller that cannot
// block.
package coroutine

import (
	"github.com/pkg/errors"
)

// ErrKilled is what yield returns inside a coroutine that was killed.
var ErrKilled = errors.New("coroutine killed")

// Yield suspends the computation, handing out to whoever called Resume. It
// returns the value passed to the next Resume, or ErrKilled.
type Yield[In, Out any] func(out Out) (In, error)

type resumeMsg[In any] struct {
	in     In
	killed bool
}

type yieldMsg[Out any] struct {
	out  Out
	done bool
}

// Coroutine is a computation that suspends with Out values and is resumed
// with In values. Its final result is R.
type Coroutine[In, Out, R any] struct {
	resume chan resumeMsg[In]
	yield  chan yieldMsg[Out]

	done   bool
	result R
	err    error
}

// New creates a coroutine. fn does not run until the first Resume.
func New[In, Out, R any](fn func(yield Yield[In, Out]) (R, error)) *Coroutine[In, Out, R] {
	c := &Coroutine[In, Out, R]{
		resume: make(chan resumeMsg[In]),
		yield:  make(chan yieldMsg[Out]),
	}
	go c.run(fn)
	return c
}

func (c *Coroutine[In, Out, R]) run(fn func(yield Yield[In, Out]) (R, error)) {
	first := <-c.resume
	if first.killed {
		c.err = ErrKilled
		c.yield <- yieldMsg[Out]{done: true}
		return
	}
	y := func(out Out) (In, error) {
		c.yield <- yieldMsg[Out]{out: out}
		msg := <-c.resume
		if msg.killed {
			var zero In
			return zero, ErrKilled
		}
		return msg.in, nil
	}
	c.result, c.err = fn(y)
	c.yield <- yieldMsg[Out]{done: true}
}

// Resume runs the computation until it yields or finishes. The first Resume
// starts it and its argument is ignored. When done is true, out is the zero
// value and Result holds the outcome.
func (c *Coroutine[In, Out, R]) Resume(in In) (out Out, done bool) {
	if c.done {
		return out, true
	}
	c.resume <- resumeMsg[In]{in: in}
	msg := <-c.yield
	if msg.done {
		c.done = true
		return out, true
	}
	return msg.out, false
}

// Kill makes the pending yield return ErrKilled and waits for the computation
// to finish. A computation that keeps yielding after ErrKilled is resumed
// with ErrKilled again until it returns.
func (c *Coroutine[In, Out, R]) Kill() {
	for !c.done {
		c.resume <- resumeMsg[In]{killed: true}
		if msg := <-c.yield; msg.done {
			c.done = true
		}
	}
}

// Done reports whether the computation has returned.
func (c *Coroutine[In, Out, R]) Done() bool {
	return c.done
}

// Result returns the computation's outcome. Only meaningful once Done.
func (c *Coroutine[In, Out, R]) Result() (R, error) {
	return c.result, c.err
}
