package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

type recordingHandler struct {
	mu       sync.Mutex
	payloads []string
	err      error
	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (h *recordingHandler) HandleSubmitted(ctx context.Context, msg *domain.Message) error {
	n := h.inFlight.Add(1)
	defer h.inFlight.Add(-1)
	for {
		seen := h.maxSeen.Load()
		if n <= seen || h.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if h.delay > 0 {
		time.Sleep(h.delay)
	}

	h.mu.Lock()
	h.payloads = append(h.payloads, string(msg.Payload))
	h.mu.Unlock()
	return h.err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.payloads)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timeout waiting for condition")
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()
	ctx := context.Background()

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, &recordingHandler{})

		if err := w.Start(Config{WorkerCount: 2}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if err := w.Start(Config{WorkerCount: 2}); err == nil {
			t.Error("expected second Start to fail")
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 || stats.Topics[0] != domain.TopicTransactionSubmitted {
			t.Errorf("expected one subscription to %s, got %+v", domain.TopicTransactionSubmitted, stats)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if stats := w.GetStats(); stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ProcessesSubmittedMessages", func(t *testing.T) {
		h := &recordingHandler{}
		w := NewWorker(eventBus, h)
		if err := w.Start(Config{WorkerCount: 3}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		for i := 0; i < 10; i++ {
			if err := eventBus.Publish(ctx, domain.TopicTransactionSubmitted, []byte("tx")); err != nil {
				t.Fatalf("Publish failed: %v", err)
			}
		}

		waitFor(t, func() bool { return w.GetStats().Processed == 10 })
		if h.count() != 10 {
			t.Errorf("expected handler to see 10 messages, got %d", h.count())
		}
	})

	t.Run("CountsFailures", func(t *testing.T) {
		h := &recordingHandler{err: errors.New("analysis failed")}
		w := NewWorker(eventBus, h)
		if err := w.Start(Config{WorkerCount: 1}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		eventBus.Publish(ctx, domain.TopicTransactionSubmitted, []byte("bad"))
		waitFor(t, func() bool { return w.GetStats().Failed == 1 })
		if w.GetStats().Processed != 0 {
			t.Error("expected failed message not to count as processed")
		}
	})

	t.Run("IgnoresOtherTopics", func(t *testing.T) {
		h := &recordingHandler{}
		w := NewWorker(eventBus, h)
		w.Start(Config{WorkerCount: 1})
		defer w.Stop()

		eventBus.Publish(ctx, domain.TopicAlertCreated, []byte("alert"))
		time.Sleep(30 * time.Millisecond)
		if h.count() != 0 {
			t.Errorf("expected no messages, got %d", h.count())
		}
	})
}

func TestWorkerPoolBound(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	h := &recordingHandler{delay: 20 * time.Millisecond}
	w := NewWorker(eventBus, h)
	if err := w.Start(Config{WorkerCount: 2}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	for i := 0; i < 8; i++ {
		eventBus.Publish(context.Background(), domain.TopicTransactionSubmitted, []byte("tx"))
	}
	waitFor(t, func() bool { return h.count() == 8 })

	if seen := h.maxSeen.Load(); seen > 2 {
		t.Errorf("expected at most 2 concurrent messages, saw %d", seen)
	}
	if seen := h.maxSeen.Load(); seen < 2 {
		t.Errorf("expected messages to run concurrently, saw %d", seen)
	}
}

func TestStopWaitsForInFlight(t *testing.T) {
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()

	h := &recordingHandler{delay: 50 * time.Millisecond}
	w := NewWorker(eventBus, h)
	w.Start(Config{WorkerCount: 1})

	eventBus.Publish(context.Background(), domain.TopicTransactionSubmitted, []byte("slow"))
	waitFor(t, func() bool { return h.inFlight.Load() == 1 })

	w.Stop()
	if h.count() != 1 {
		t.Errorf("expected in-flight message to finish before Stop returns, got %d", h.count())
	}
}

func TestTimeoutApplied(t *testing.T) {
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()

	deadlines := make(chan bool, 1)
	handler := handlerFunc(func(ctx context.Context, msg *domain.Message) error {
		_, ok := ctx.Deadline()
		deadlines <- ok
		return nil
	})

	w := NewWorker(eventBus, handler)
	w.Start(Config{WorkerCount: 1, Timeout: time.Second})
	defer w.Stop()

	eventBus.Publish(context.Background(), domain.TopicTransactionSubmitted, []byte("tx"))
	select {
	case ok := <-deadlines:
		if !ok {
			t.Error("expected processing context to carry a deadline")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

type handlerFunc func(ctx context.Context, msg *domain.Message) error

func (f handlerFunc) HandleSubmitted(ctx context.Context, msg *domain.Message) error {
	return f(ctx, msg)
}
