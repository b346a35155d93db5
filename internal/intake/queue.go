package intake

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/punchamoorthee/payrecon/internal/domain"
	"github.com/punchamoorthee/payrecon/internal/service"
)

const (
	defaultQueueSize = 100
	defaultWorkers   = 2
)

var (
	// ErrQueueFull is returned by Submit when the buffer has no room.
	ErrQueueFull = errors.New("notification queue full")
	// ErrQueueClosed is returned by Submit once Run has begun its final drain.
	ErrQueueClosed = errors.New("notification queue closed")
)

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "payrecon_intake_queue_depth",
		Help: "Notifications waiting for a worker",
	})
	intakeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payrecon_intake_notifications_total",
		Help: "Notifications accepted, dropped or processed by the intake queue",
	}, []string{"result"})
)

// Parser turns raw notification text into a fact.
type Parser interface {
	Parse(raw string) domain.NotificationFact
}

// Reconciler applies a fact.
type Reconciler interface {
	Reconcile(ctx context.Context, fact domain.NotificationFact) service.Result
}

// Config sizes a Queue.
type Config struct {
	Size    int
	Workers int
}

// Queue buffers raw notifications and feeds them through parse and
// reconcile on a fixed pool of workers.
type Queue struct {
	parser     Parser
	reconciler Reconciler
	logger     *zap.Logger
	workers    int
	ch         chan item
	stop       chan struct{}
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// item is one queued notification. done, when set, runs after the
// notification has been reconciled.
type item struct {
	raw  string
	done func(ctx context.Context)
}

func NewQueue(p Parser, r Reconciler, logger *zap.Logger, cfg Config) *Queue {
	if cfg.Size <= 0 {
		cfg.Size = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	return &Queue{
		parser:     p,
		reconciler: r,
		logger:     logger.Named("intake"),
		workers:    cfg.Workers,
		ch:         make(chan item, cfg.Size),
		stop:       make(chan struct{}),
	}
}

// Submit enqueues raw without blocking.
func (q *Queue) Submit(ctx context.Context, raw string) error {
	return q.enqueue(ctx, item{raw: raw})
}

// SubmitWithAck enqueues raw and calls done once it has been reconciled.
// done is not called when Submit fails.
func (q *Queue) SubmitWithAck(ctx context.Context, raw string, done func(ctx context.Context)) error {
	return q.enqueue(ctx, item{raw: raw, done: done})
}

func (q *Queue) enqueue(ctx context.Context, it item) error {
	// The read lock keeps Run from closing the queue between the check and the send.
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		intakeTotal.WithLabelValues("closed").Inc()
		return ErrQueueClosed
	}
	select {
	case q.ch <- it:
		queueDepth.Inc()
		intakeTotal.WithLabelValues("accepted").Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		intakeTotal.WithLabelValues("dropped").Inc()
		q.logger.Warn("Intake queue full, rejecting notification")
		return ErrQueueFull
	}
}

// Run starts the workers and blocks until ctx is done and the buffer is
// drained. The queue refuses new work before the drain starts, so everything
// Submit accepted is reconciled. Run must be called at most once.
func (q *Queue) Run(ctx context.Context) error {
	for range q.workers {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.logger.Info("Intake queue started", zap.Int("workers", q.workers), zap.Int("size", cap(q.ch)))

	<-ctx.Done()
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	close(q.stop)

	q.wg.Wait()
	q.logger.Info("Intake queue stopped")
	return nil
}

// worker drains what is left in the buffer once the queue is closed.
func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			for {
				select {
				case it := <-q.ch:
					q.process(ctx, it)
				default:
					return
				}
			}
		case it := <-q.ch:
			q.process(ctx, it)
		}
	}
}

// process reconciles one item. Items picked up after ctx is cancelled run
// under a fresh context so their outbound confirmation is not cut short.
func (q *Queue) process(ctx context.Context, it item) {
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	queueDepth.Dec()
	fact := q.parser.Parse(it.raw)
	res := q.reconciler.Reconcile(ctx, fact)
	intakeTotal.WithLabelValues("processed").Inc()
	q.logger.Debug("Processed notification",
		zap.String("code", res.Code),
		zap.String("transaction", string(res.Transaction)),
		zap.String("topup", string(res.Topup)),
	)
	if it.done != nil {
		it.done(ctx)
	}
}
