package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultChannelBuffer = 1000

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus is closed")

// ChannelBus is an in-process bus for single-instance deployments.
// Publish never blocks: a subscriber whose buffer is full misses the
// message and the miss is counted.
type ChannelBus struct {
	buffer  int
	dropped atomic.Int64

	mu     sync.RWMutex
	topics map[string]map[*channelSubscription]struct{}
	closed bool
}

type channelSubscription struct {
	topic   string
	inbox   chan *domain.Message
	handler domain.MessageHandler
	ctx     context.Context
	stop    context.CancelFunc
	owner   *ChannelBus
}

// NewChannelBus returns a bus whose subscribers each buffer up to buffer
// undelivered messages.
func NewChannelBus(buffer int) *ChannelBus {
	if buffer <= 0 {
		buffer = defaultChannelBuffer
	}
	return &ChannelBus{
		buffer: buffer,
		topics: make(map[string]map[*channelSubscription]struct{}),
	}
}

func (b *ChannelBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	msg := newMessage(topic, payload)
	for sub := range b.topics[topic] {
		select {
		case sub.inbox <- msg:
		default:
			b.dropped.Add(1)
			slog.Warn("subscriber buffer full, message dropped", "topic", topic, "message_id", msg.ID)
		}
	}
	return nil
}

// Subscribe starts a goroutine that runs handler for each message in
// publish order until the subscription or ctx ends.
func (b *ChannelBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	subCtx, stop := context.WithCancel(ctx)
	sub := &channelSubscription{
		topic:   topic,
		inbox:   make(chan *domain.Message, b.buffer),
		handler: handler,
		ctx:     subCtx,
		stop:    stop,
		owner:   b,
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*channelSubscription]struct{})
	}
	b.topics[topic][sub] = struct{}{}

	go sub.loop()
	return sub, nil
}

func (s *channelSubscription) loop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.inbox:
			if err := s.handler(s.ctx, msg); err != nil {
				slog.Error("handler error", "topic", msg.Topic, "message_id", msg.ID, "error", err)
			}
		}
	}
}

// Dropped counts deliveries skipped because a subscriber buffer was full.
func (b *ChannelBus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *ChannelBus) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops every subscription and discards what is still buffered.
// Closing twice is a no-op.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.topics {
		for sub := range subs {
			sub.stop()
		}
	}
	clear(b.topics)
	return nil
}

func (s *channelSubscription) Unsubscribe() error {
	s.stop()

	b := s.owner
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs := b.topics[s.topic]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.topics, s.topic)
		}
	}
	return nil
}

func (s *channelSubscription) Topic() string { return s.topic }
