package gateway

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"taleforge/internal"
	"taleforge/utils"
)

// QueueOptions tunes the throttled queue
type QueueOptions struct {
	MaxConcurrent int
	MinInterval   time.Duration
	MaxRetries    int
	Backoff       *utils.RetryConfig
}

// DefaultQueueOptions returns 3 concurrent slots, 1s spacing and 3 retries after 2s, 4s, 8s
func DefaultQueueOptions() QueueOptions {
	return QueueOptions{
		MaxConcurrent: 3,
		MinInterval:   time.Second,
		MaxRetries:    3,
		Backoff:       utils.DefaultRetryConfig(),
	}
}

// QueueOptionsFromConfig maps application config onto queue options
func QueueOptionsFromConfig(config *internal.Config) QueueOptions {
	backoff := utils.DefaultRetryConfig()
	backoff.BaseDelay = config.BaseBackoff
	backoff.MaxAttempts = config.MaxRetries + 1
	return QueueOptions{
		MaxConcurrent: config.MaxConcurrent,
		MinInterval:   config.MinInterval,
		MaxRetries:    config.MaxRetries,
		Backoff:       backoff,
	}
}

// Operation is a unit of gateway work
type Operation func(ctx context.Context) (any, error)

// Future is the result of one queued operation, settled exactly once
type Future struct {
	done  chan struct{}
	once  sync.Once
	value any
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) settle(value any, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// Done is closed once the operation has settled
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the operation settles or ctx is done
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// QueueStats is a point-in-time view of the queue
type QueueStats struct {
	Pending   int
	InFlight  int
	Attempts  int
	Completed int
	Failed    int
}

type queuedTask struct {
	ctx    context.Context
	op     Operation
	future *Future
}

// ThrottledQueue runs operations with bounded concurrency, a global minimum
// interval between attempt starts and exponential-backoff retries
type ThrottledQueue struct {
	mutex   sync.Mutex
	pending []*queuedTask
	closed  bool
	stats   QueueStats

	opts    QueueOptions
	limiter *rate.Limiter
	slots   chan struct{}
	wake    chan struct{}
	stop    chan struct{}
	running sync.WaitGroup

	// onStart, when set, observes every attempt start
	onStart func(time.Time)
}

// NewThrottledQueue creates the queue and starts its dispatcher
func NewThrottledQueue(opts QueueOptions) *ThrottledQueue {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Backoff == nil {
		opts.Backoff = utils.DefaultRetryConfig()
	}

	limit := rate.Inf
	if opts.MinInterval > 0 {
		limit = rate.Every(opts.MinInterval)
	}

	q := &ThrottledQueue{
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		slots:   make(chan struct{}, opts.MaxConcurrent),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}

	q.running.Add(1)
	go q.dispatch()
	return q
}

// Enqueue submits op. The returned future settles with op's value, or with its
// last error once retries are exhausted.
func (q *ThrottledQueue) Enqueue(ctx context.Context, op Operation) *Future {
	future := newFuture()

	q.mutex.Lock()
	if q.closed {
		q.mutex.Unlock()
		future.settle(nil, internal.ErrQueueClosed)
		return future
	}
	q.pending = append(q.pending, &queuedTask{ctx: ctx, op: op, future: future})
	q.stats.Pending = len(q.pending)
	q.mutex.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return future
}

// Run enqueues a typed operation and waits for its result
func Run[T any](ctx context.Context, q *ThrottledQueue, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	future := q.Enqueue(ctx, func(ctx context.Context) (any, error) {
		return op(ctx)
	})

	value, err := future.Wait(ctx)
	if err != nil {
		return zero, err
	}
	typed, _ := value.(T)
	return typed, nil
}

// Stats returns current counters
func (q *ThrottledQueue) Stats() QueueStats {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.stats
}

// Close stops dispatching, fails queued tasks with ErrQueueClosed and waits for
// in-flight tasks to settle
func (q *ThrottledQueue) Close() {
	q.mutex.Lock()
	if q.closed {
		q.mutex.Unlock()
		return
	}
	q.closed = true
	abandoned := q.pending
	q.pending = nil
	q.stats.Pending = 0
	q.mutex.Unlock()

	close(q.stop)
	for _, task := range abandoned {
		task.future.settle(nil, internal.ErrQueueClosed)
	}
	q.running.Wait()
}

func (q *ThrottledQueue) dispatch() {
	defer q.running.Done()

	for {
		select {
		case q.slots <- struct{}{}:
		case <-q.stop:
			return
		}

		task := q.next()
		if task == nil {
			<-q.slots
			return
		}

		q.running.Add(1)
		go q.execute(task)
	}
}

// next blocks until a task is queued or the queue stops
func (q *ThrottledQueue) next() *queuedTask {
	for {
		q.mutex.Lock()
		if len(q.pending) > 0 {
			task := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.stats.Pending = len(q.pending)
			q.stats.InFlight++
			q.mutex.Unlock()
			return task
		}
		q.mutex.Unlock()

		select {
		case <-q.wake:
		case <-q.stop:
			return nil
		}
	}
}

func (q *ThrottledQueue) execute(task *queuedTask) {
	defer q.running.Done()
	defer func() { <-q.slots }()

	value, err := q.attempt(task)

	q.mutex.Lock()
	q.stats.InFlight--
	if err != nil {
		q.stats.Failed++
	} else {
		q.stats.Completed++
	}
	q.mutex.Unlock()

	task.future.settle(value, err)
}

func (q *ThrottledQueue) attempt(task *queuedTask) (any, error) {
	ctx := task.ctx
	for retry := 0; ; retry++ {
		if err := q.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}

		q.mutex.Lock()
		q.stats.Attempts++
		onStart := q.onStart
		q.mutex.Unlock()
		if onStart != nil {
			onStart(time.Now())
		}

		value, err := task.op(ctx)
		if err == nil {
			return value, nil
		}
		if retry >= q.opts.MaxRetries || !internal.IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}

		delay := q.opts.Backoff.Delay(retry + 1)
		internal.LogWarn("Gateway operation failed (attempt %d/%d), retrying in %v: %v",
			retry+1, q.opts.MaxRetries+1, delay, err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.stop:
			return nil, internal.ErrQueueClosed
		}
	}
}
