// Package batcher groups individually submitted requests into batches served
// by a single user-supplied batching function, returning each caller its own
// result. Batching amortizes per-call overhead (network round trips, database
// queries) while keeping per-request semantics: independent resolution,
// independent failure, and per-request retry.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrClosed rejects requests that were queued, or submitted, after Close.
var ErrClosed = errors.New("batcher is closed")

var errOutputLength = errors.New("batchingFunction output length does not equal the input length")

// Batcher accumulates requests and dispatches them in batches according to
// the configured size, delay and concurrency thresholds. Instances must be
// created with New. All methods are safe for concurrent use.
type Batcher[I, O any] struct {
	batchingFn BatchingFunc[I, O]
	delayFn    DelayFunc
	maxSize    int
	delay      time.Duration
	thresholds []int
	logger     zerolog.Logger
	ctx        context.Context
	cancel     context.CancelFunc

	mu        sync.Mutex
	inputs    []I
	tickets   []*Ticket[O]
	active    int         // batches currently executing
	immediate int         // queued requests marked for delay-bypassing dispatch
	waiting   bool        // a batch is committed (timer pending, or about to run)
	timer     *time.Timer // pending queuing-delay timer, nil once committed to run
	idleCh    chan struct{}
	closed    bool
}

// New creates a Batcher from opts. The logger receives debug-level trace
// events; pass zerolog.Nop() to disable them.
func New[I, O any](opts Options[I, O], logger zerolog.Logger) (*Batcher[I, O], error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	b := &Batcher[I, O]{
		batchingFn: opts.BatchingFunction,
		delayFn:    opts.DelayFunction,
		maxSize:    opts.MaxBatchSize,
		delay:      opts.QueuingDelay,
		thresholds: opts.QueuingThresholds,
		logger:     logger.With().Str("component", "batcher").Logger(),
	}
	if b.delay == 0 {
		b.delay = DefaultQueuingDelay
	}
	if b.thresholds == nil {
		b.thresholds = []int{1}
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())

	return b, nil
}

// GetResult queues input for inclusion in a future batch and returns the
// ticket that will carry its result. It never blocks; all failures are
// delivered through the ticket.
func (b *Batcher[I, O]) GetResult(input I) *Ticket[O] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return rejectedTicket[O](ErrClosed)
	}

	t := newTicket[O]()
	b.inputs = append(b.inputs, input)
	b.tickets = append(b.tickets, t)
	b.trigger()
	return t
}

// Send marks every currently queued request for immediate dispatch,
// bypassing the queuing delay. Queuing thresholds and the max batch size
// still apply. The mark covers only the current queue snapshot; later
// arrivals queue normally.
func (b *Batcher[I, O]) Send() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.immediate = len(b.inputs)
	b.trigger()
}

// Idling reports whether the batcher has no queued requests and no batch in
// flight.
func (b *Batcher[I, O]) Idling() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.idling()
}

// Idle returns a channel that is closed once the batcher becomes idle. If it
// already is, the returned channel is already closed. Concurrent callers
// share one channel; after an idle transition a fresh channel is used for
// the next cycle.
func (b *Batcher[I, O]) Idle() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.idling() {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	if b.idleCh == nil {
		b.idleCh = make(chan struct{})
	}
	return b.idleCh
}

// Close rejects all queued requests with ErrClosed and cancels the context
// passed to in-flight batching and delay calls. Subsequent GetResult calls
// return tickets already rejected with ErrClosed. To drain instead of
// abort, call Send and wait on Idle first.
func (b *Batcher[I, O]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	tickets := b.tickets
	b.inputs = nil
	b.tickets = nil
	b.immediate = 0
	b.waiting = false
	if b.idleCh != nil && b.idling() {
		// No batch left to reach the idle transition; signal waiters here.
		close(b.idleCh)
		b.idleCh = nil
	}
	b.mu.Unlock()

	b.cancel()
	for _, t := range tickets {
		t.reject(ErrClosed)
	}
	b.logger.Debug().Int("rejected", len(tickets)).Msg("batcher closed")
}

func (b *Batcher[I, O]) idling() bool {
	return len(b.inputs) == 0 && b.active == 0 && !b.waiting
}

// trigger re-evaluates whether a batch should be dispatched. It runs after
// every enqueue, flush request and batch completion, and is idempotent.
// Callers must hold b.mu.
func (b *Batcher[I, O]) trigger() {
	// Already committed to run without further delay.
	if b.waiting && b.timer == nil {
		return
	}

	index := b.active
	if index > len(b.thresholds)-1 {
		index = len(b.thresholds) - 1
	}
	if len(b.inputs) < b.thresholds[index] {
		if b.idleCh != nil && b.idling() {
			close(b.idleCh)
			b.idleCh = nil
			b.logger.Debug().Msg("idle")
		}
		return
	}

	if (b.maxSize > 0 && len(b.inputs) >= b.maxSize) || b.immediate > 0 {
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		b.waiting = true
		b.run()
		return
	}

	if b.waiting {
		return
	}
	b.waiting = true

	var t *time.Timer
	t = time.AfterFunc(b.delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.timer != t {
			// Canceled, or superseded by a later schedule.
			return
		}
		b.timer = nil
		b.run()
	})
	b.timer = t
}

// run starts a committed batch: the optional delay gate first, then the
// dispatch itself. Callers must hold b.mu.
func (b *Batcher[I, O]) run() {
	if b.delayFn == nil {
		b.runImmediately()
		return
	}

	go func() {
		err := b.invokeDelay()

		b.mu.Lock()
		defer b.mu.Unlock()

		if err != nil {
			// The delay gates the whole pending set, so the entire queue is
			// aborted, not just the batch that was about to run.
			tickets := b.tickets
			b.inputs = nil
			b.tickets = nil
			b.immediate = 0
			b.waiting = false
			for _, t := range tickets {
				t.reject(err)
			}
			b.logger.Debug().Err(err).Int("rejected", len(tickets)).Msg("queue aborted by delay function")
			b.trigger()
			return
		}
		b.runImmediately()
	}()
}

// runImmediately extracts a queue prefix as a batch and dispatches it.
// Callers must hold b.mu.
func (b *Batcher[I, O]) runImmediately() {
	n := len(b.inputs)
	if b.maxSize > 0 && n > b.maxSize {
		n = b.maxSize
	}
	if n == 0 {
		// The queue was emptied while committed, e.g. aborted or closed
		// while the delay function was pending.
		b.waiting = false
		b.trigger()
		return
	}

	inputs := make([]I, n)
	copy(inputs, b.inputs)
	tickets := make([]*Ticket[O], n)
	copy(tickets, b.tickets)
	b.inputs = append(b.inputs[:0], b.inputs[n:]...)
	b.tickets = append(b.tickets[:0], b.tickets[n:]...)

	b.immediate -= n
	if b.immediate < 0 {
		b.immediate = 0
	}
	b.waiting = false
	b.active++

	b.logger.Debug().
		Int("size", n).
		Int("active", b.active).
		Int("queued", len(b.inputs)).
		Msg("batch dispatched")

	go b.execute(inputs, tickets)

	// More work may already be queued, or a freed slot may allow another
	// batch to start while this one is in flight.
	b.trigger()
}

// execute runs the batching function for one dispatched batch and
// distributes its outcome.
func (b *Batcher[I, O]) execute(inputs []I, tickets []*Ticket[O]) {
	outputs, err := b.invokeBatch(inputs)
	if err == nil && len(outputs) != len(inputs) {
		err = errOutputLength
	}

	var retryInputs []I
	var retryTickets []*Ticket[O]
	if err != nil {
		for _, t := range tickets {
			t.reject(err)
		}
	} else {
		for i, out := range outputs {
			switch {
			case out.retry:
				retryInputs = append(retryInputs, inputs[i])
				retryTickets = append(retryTickets, tickets[i])
			case out.err != nil:
				tickets[i].reject(out.err)
			default:
				tickets[i].resolve(out.value)
			}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(retryTickets) > 0 {
		if b.closed {
			for _, t := range retryTickets {
				t.reject(ErrClosed)
			}
		} else {
			// Retries go back to the front of the queue, ahead of requests
			// that arrived after this batch was dispatched.
			b.inputs = append(retryInputs, b.inputs...)
			b.tickets = append(retryTickets, b.tickets...)
			if b.immediate > 0 {
				b.immediate += len(retryTickets)
			}
			b.logger.Debug().Int("count", len(retryTickets)).Msg("retry requested")
		}
	}

	b.active--
	b.trigger()
}

func (b *Batcher[I, O]) invokeBatch(inputs []I) (outputs []Result[O], err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in batchingFunction: %v", r)
		}
	}()
	return b.batchingFn(b.ctx, inputs)
}

func (b *Batcher[I, O]) invokeDelay() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in delayFunction: %v", r)
		}
	}()
	return b.delayFn(b.ctx)
}
