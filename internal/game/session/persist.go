package session

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// writeQueue serializes a session's gateway calls. Each session gets one
// queue backed by a single goroutine, so two writes to the same field can
// never complete out of issuance order. Calls are fire-and-forget: callers
// return before the gateway is reached, and failures are the op's problem
// to log.
type writeQueue struct {
	ops    chan func(context.Context)
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool

	logger *zap.Logger
}

const writeQueueDepth = 64

func newWriteQueue(connID string, logger *zap.Logger) *writeQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &writeQueue{
		ops:    make(chan func(context.Context), writeQueueDepth),
		cancel: cancel,
		logger: logger.With(zap.String("conn_id", connID)),
	}
	q.wg.Add(1)
	go q.run(ctx)
	return q
}

func (q *writeQueue) run(ctx context.Context) {
	defer q.wg.Done()
	for op := range q.ops {
		op(ctx)
	}
}

// enqueue schedules op to run after all previously enqueued ops. When the
// queue is closed or full the op is dropped and the drop is logged; a
// stalled backend must not block the connection.
func (q *writeQueue) enqueue(op func(context.Context)) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.logger.Debug("write queue closed, dropping op")
		return
	}
	select {
	case q.ops <- op:
	default:
		q.logger.Error("write queue full, dropping op")
	}
}

// close stops accepting ops, cancels their context, and waits for the run
// goroutine to drain. Cancellation happens before the wait so an op stalled
// inside the gateway cannot block teardown. Idempotent.
func (q *writeQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ops)
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}
