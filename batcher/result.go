package batcher

import "context"

// Result is the per-request outcome produced by a BatchingFunc. It is a
// tagged value: exactly one of a success value, an error, or the retry
// marker. The zero Result is a success with the zero output value.
type Result[O any] struct {
	value O
	err   error
	retry bool
}

// Value returns a successful Result carrying v.
func Value[O any](v O) Result[O] {
	return Result[O]{value: v}
}

// Fail returns a Result that rejects the corresponding request with err,
// without affecting sibling requests in the same batch.
func Fail[O any](err error) Result[O] {
	return Result[O]{err: err}
}

// Retry returns the retry marker: the corresponding request is silently
// requeued at the head of the queue and served by a later batch. The caller
// never observes the marker itself.
func Retry[O any]() Result[O] {
	return Result[O]{retry: true}
}

// Ticket is the wait handle for one submitted request. It settles exactly
// once, with either the request's output or an error.
type Ticket[O any] struct {
	done  chan struct{}
	value O
	err   error
}

func newTicket[O any]() *Ticket[O] {
	return &Ticket[O]{done: make(chan struct{})}
}

func rejectedTicket[O any](err error) *Ticket[O] {
	t := newTicket[O]()
	t.reject(err)
	return t
}

// ResolvedTicket returns a ticket already settled with v, e.g. for serving a
// request from a cache without touching the queue.
func ResolvedTicket[O any](v O) *Ticket[O] {
	t := newTicket[O]()
	t.resolve(v)
	return t
}

// RejectedTicket returns a ticket already rejected with err.
func RejectedTicket[O any](err error) *Ticket[O] {
	return rejectedTicket[O](err)
}

func (t *Ticket[O]) resolve(v O) {
	t.value = v
	close(t.done)
}

func (t *Ticket[O]) reject(err error) {
	t.err = err
	close(t.done)
}

// Done is closed once the ticket has settled.
func (t *Ticket[O]) Done() <-chan struct{} {
	return t.done
}

// Result returns the settled outcome. It must only be called after Done is
// closed; Wait is the usual way to consume a ticket.
func (t *Ticket[O]) Result() (O, error) {
	return t.value, t.err
}

// Wait blocks until the ticket settles or ctx is done, returning the
// request's output or the error it was rejected with.
func (t *Ticket[O]) Wait(ctx context.Context) (O, error) {
	select {
	case <-ctx.Done():
		var zero O
		return zero, ctx.Err()
	case <-t.done:
		return t.value, t.err
	}
}
