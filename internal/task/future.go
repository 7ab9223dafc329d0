// Package task runs isolated units of work whose single result is delivered
// over a one-shot channel and awaited with a bounded timeout.
package task

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/bdbenim/stash-empornium/pkg/log"
)

// ErrTimeout is returned by Await when the unit did not deliver in time.
var ErrTimeout = errors.New("task: result not delivered before timeout")

type result[T any] struct {
	value T
	err   error
}

// Future is the handle to a running unit. A Future is awaited at most once
// per result; later calls return the cached outcome.
type Future[T any] struct {
	name string
	ch   chan result[T]
	done bool
	res  result[T]
}

// Go starts fn in its own goroutine. A panic inside fn is reported as an
// error instead of crashing the caller.
func Go[T any](name string, fn func() (T, error)) *Future[T] {
	f := &Future[T]{name: name, ch: make(chan result[T], 1)}
	go func() {
		var r result[T]
		defer func() {
			if p := recover(); p != nil {
				log.Error("Task %s panicked: %v\n%s", name, p, debug.Stack())
				r = result[T]{err: fmt.Errorf("task %s panicked: %v", name, p)}
			}
			f.ch <- r
		}()
		r.value, r.err = fn()
	}()
	return f
}

func (f *Future[T]) Name() string {
	return f.name
}

// Await blocks up to timeout for the result. A non-positive timeout waits
// indefinitely. On timeout the unit keeps running; its result is discarded
// unless Await is called again.
func (f *Future[T]) Await(timeout time.Duration) (T, error) {
	if f.done {
		return f.res.value, f.res.err
	}
	if timeout <= 0 {
		f.res = <-f.ch
		f.done = true
		return f.res.value, f.res.err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-f.ch:
		f.res = r
		f.done = true
		return r.value, r.err
	case <-timer.C:
		var zero T
		return zero, fmt.Errorf("%s: %w", f.name, ErrTimeout)
	}
}

// Wait is Await without the value, so futures of different types can be
// joined together.
func (f *Future[T]) Wait(timeout time.Duration) error {
	_, err := f.Await(timeout)
	return err
}
