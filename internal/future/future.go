// Package future implements the one-shot Future/Promise primitive required
// by §9 of the spec: completable exactly once, with two continuation kinds
// (on-success, on-error), a fast path for already-finished promises, and a
// hard guarantee that no continuation ever runs twice.
//
// Completion always happens on the owning state machine's event loop (the
// caller is responsible for calling Resolve/Reject from that loop); the
// continuations themselves run synchronously inside Resolve/Reject/Then so
// that ordering matches the engine's "drain local queue before returning"
// rule in spec.md §4.1.
package future

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sky-uk/blercud/internal/blercuerror"
)

// Future is the read side of a one-shot async result.
type Future[T any] struct {
	id uuid.UUID

	mu       sync.Mutex
	done     bool
	value    T
	err      *blercuerror.Error
	onResult []func(T, *blercuerror.Error)
}

// Promise is the write side; exactly one of Resolve/Reject may be called.
type Promise[T any] struct {
	f *Future[T]
}

// New creates a linked Future/Promise pair.
func New[T any]() (*Future[T], *Promise[T]) {
	f := &Future[T]{id: uuid.New()}
	return f, &Promise[T]{f: f}
}

// ID returns a stable id correlating this operation across logs and the IPC
// surface (at most one outstanding promise exists per operation class, per
// spec.md §3, so this id is also usable as a "busy" marker).
func (f *Future[T]) ID() uuid.UUID { return f.id }

// Then registers success/failure continuations. If the future is already
// resolved, the appropriate continuation runs synchronously and immediately
// (the "already-finished / already-errored fast path" required by §9).
// Either callback may be nil.
func (f *Future[T]) Then(onSuccess func(T), onError func(*blercuerror.Error)) {
	f.mu.Lock()
	if f.done {
		value, err := f.value, f.err
		f.mu.Unlock()
		invoke(value, err, onSuccess, onError)
		return
	}
	f.onResult = append(f.onResult, func(v T, e *blercuerror.Error) {
		invoke(v, e, onSuccess, onError)
	})
	f.mu.Unlock()
}

func invoke[T any](v T, e *blercuerror.Error, onSuccess func(T), onError func(*blercuerror.Error)) {
	if e != nil {
		if onError != nil {
			onError(e)
		}
		return
	}
	if onSuccess != nil {
		onSuccess(v)
	}
}

// Resolve completes the promise successfully. Resolving (or Rejecting) a
// promise more than once is a programming error; a second completion is
// silently ignored (neither logged nor asserted) instead of crashing the
// event loop, since the spec requires no dangling promises, not that a bug
// here take the daemon down.
func (p *Promise[T]) Resolve(value T) {
	p.complete(value, nil)
}

// Reject completes the promise with an error from the closed taxonomy.
func (p *Promise[T]) Reject(err *blercuerror.Error) {
	p.complete(*new(T), err)
}

func (p *Promise[T]) complete(value T, err *blercuerror.Error) {
	f := p.f
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return
	}
	f.done = true
	f.value = value
	f.err = err
	callbacks := f.onResult
	f.onResult = nil
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(value, err)
	}
}

// Done reports whether the future has already been completed.
func (f *Future[T]) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// Wait blocks the calling goroutine until f resolves or ctx is cancelled.
// This is the bridge between the engine's callback-based continuations and
// synchronous callers outside the event loop, namely the IPC method
// dispatch in internal/ipc, whose D-Bus method handlers must return a value
// or error rather than register a continuation.
func Wait[T any](ctx context.Context, f *Future[T]) (T, *blercuerror.Error) {
	type result struct {
		v T
		e *blercuerror.Error
	}
	ch := make(chan result, 1)
	f.Then(func(v T) { ch <- result{v: v} }, func(e *blercuerror.Error) { ch <- result{e: e} })
	select {
	case r := <-ch:
		return r.v, r.e
	case <-ctx.Done():
		var zero T
		return zero, blercuerror.New(blercuerror.TimedOut, "wait cancelled: %v", ctx.Err())
	}
}
