package lumencache

import (
	"context"
	"sync"
	"time"
)

// Result is the outcome of one bus exchange. TimedOut is set when no
// matching response arrived before the command's deadline; Response then
// holds the zero value.
type Result[T any] struct {
	Response T
	TimedOut bool
}

// Await blocks until the exchange resolves or ctx ends.
func Await[T any](ctx context.Context, ch <-chan Result[T]) (Result[T], error) {
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		var zero Result[T]
		return zero, ctx.Err()
	}
}

// request is a queued command together with the means to resolve its caller.
// The typed result channel is hidden behind resolve/expire so the matcher
// can hold requests of every kind in one slot.
type request struct {
	cmd       Command
	ctx       context.Context
	submitted time.Time

	resolve func(resp Response, scenes []Scene)
	expire  func()

	done chan struct{}
	once sync.Once
}

func newRequest[T any](ctx context.Context, cmd Command, extract func(Response, []Scene) T) (*request, <-chan Result[T]) {
	ch := make(chan Result[T], 1)
	req := &request{
		cmd:  cmd,
		ctx:  ctx,
		done: make(chan struct{}),
	}
	req.resolve = func(resp Response, scenes []Scene) {
		ch <- Result[T]{Response: extract(resp, scenes)}
	}
	req.expire = func() {
		ch <- Result[T]{TimedOut: true}
	}
	return req, ch
}

// complete delivers a response. Only the first of complete and timeout has
// any effect.
func (r *request) complete(resp Response, scenes []Scene) bool {
	fired := false
	r.once.Do(func() {
		fired = true
		r.resolve(resp, scenes)
		close(r.done)
	})
	return fired
}

func (r *request) timeout() bool {
	fired := false
	r.once.Do(func() {
		fired = true
		r.expire()
		close(r.done)
	})
	return fired
}

// abandoned reports whether the caller stopped waiting for the result.
func (r *request) abandoned() bool {
	return r.ctx != nil && r.ctx.Err() != nil
}

// Extractors turning a matched response into the typed payload.

func valuePayload(resp Response, _ []Scene) Value { return resp.(Value) }

func scenePayload(resp Response, _ []Scene) Scene { return resp.(Scene) }

func configPayload(resp Response, _ []Scene) Config { return resp.(Config) }

func sceneListPayload(_ Response, scenes []Scene) []Scene { return scenes }
