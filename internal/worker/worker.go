// Package worker drains the async intake topic. Messages published to
// kestrel.transaction.submitted are scored by a fixed pool of goroutines.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var errAlreadyStarted = errors.New("worker already started")

// Handler scores one queued submission.
type Handler interface {
	HandleSubmitted(ctx context.Context, msg *domain.Message) error
}

type Config struct {
	WorkerCount int           // pool size, at least 1
	Timeout     time.Duration // per message; zero means unbounded
}

// Worker bridges the bus to a bounded pool. The bus callback blocks until
// a pool goroutine takes the message, so a slow pool applies backpressure
// to the subscription instead of buffering without limit.
type Worker struct {
	bus     domain.EventBus
	handler Handler

	mu      sync.Mutex
	sub     domain.Subscription
	jobs    chan *domain.Message
	quit    context.CancelFunc
	pool    *errgroup.Group
	timeout time.Duration

	processed atomic.Int64
	failed    atomic.Int64
}

func NewWorker(bus domain.EventBus, handler Handler) *Worker {
	return &Worker{bus: bus, handler: handler}
}

// Start subscribes and launches cfg.WorkerCount goroutines. A worker can
// be started once.
func (w *Worker) Start(cfg Config) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pool != nil {
		return errAlreadyStarted
	}

	n := max(cfg.WorkerCount, 1)
	ctx, quit := context.WithCancel(context.Background())
	jobs := make(chan *domain.Message, n)

	sub, err := w.bus.Subscribe(ctx, domain.TopicTransactionSubmitted, func(ctx context.Context, msg *domain.Message) error {
		select {
		case jobs <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		quit()
		return err
	}

	w.sub, w.jobs, w.quit, w.timeout = sub, jobs, quit, cfg.Timeout
	w.pool = new(errgroup.Group)
	for i := 0; i < n; i++ {
		w.pool.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case msg := <-jobs:
					w.process(msg)
				}
			}
		})
	}

	slog.Info("workers started", "worker_count", n, "topic", domain.TopicTransactionSubmitted)
	return nil
}

// process is detached from Stop: a message already taken runs to the end
// or to its own timeout.
func (w *Worker) process(msg *domain.Message) {
	ctx := context.Background()
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := w.handler.HandleSubmitted(ctx, msg); err != nil {
		w.failed.Add(1)
		slog.Error("queued transaction failed", "message_id", msg.ID, "error", err)
		return
	}
	w.processed.Add(1)
	slog.Debug("queued transaction processed",
		"message_id", msg.ID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Stop unsubscribes and waits for in-flight messages. Anything still
// sitting in the hand-off channel is dropped.
func (w *Worker) Stop() error {
	w.mu.Lock()
	sub, quit, pool := w.sub, w.quit, w.pool
	w.sub = nil
	w.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("unsubscribe failed", "topic", sub.Topic(), "error", err)
		}
	}
	if quit != nil {
		quit()
	}
	if pool != nil {
		_ = pool.Wait()
	}

	slog.Info("workers stopped", "processed", w.processed.Load(), "failed", w.failed.Load())
	return nil
}

type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Stats{Processed: w.processed.Load(), Failed: w.failed.Load()}
	if w.sub != nil {
		s.SubscriptionCount = 1
		s.Topics = []string{w.sub.Topic()}
	}
	return s
}
