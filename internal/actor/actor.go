// Package actor confines mutable state to a single goroutine.
//
// State owned by a Loop is only ever touched from closures passed to Do, which the loop
// runs one at a time in submission order. Callers never hold references into that state.
package actor

import (
	"context"
	"errors"
	"sync"
)

var ErrStopped = errors.New("actor stopped")

type Loop struct {
	ops  chan func()
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func New() *Loop {
	l := &Loop{
		ops:  make(chan func()),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}

	go l.run()

	return l
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		select {
		case op := <-l.ops:
			op()
		case <-l.quit:
			return
		}
	}
}

// Do runs fn on the owning goroutine and waits for it to return.
// If ctx ends before fn is scheduled, fn never runs.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	op := func() {
		defer close(finished)
		fn()
	}

	select {
	case l.ops <- op:
	case <-l.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	// Once scheduled, fn runs to completion regardless of ctx.
	<-finished

	return nil
}

// Exec is Do without a caller context. Used on cleanup paths that must run
// even after the caller's context is gone.
func (l *Loop) Exec(fn func()) error {
	return l.Do(context.Background(), fn)
}

// Stop terminates the loop. Pending Do calls return ErrStopped.
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.quit) })
	<-l.done
}
