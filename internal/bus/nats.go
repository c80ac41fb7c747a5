package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	defaultNATSAttempts = 10
	defaultNATSWait     = 5 * time.Second
)

var errNATSDisconnected = errors.New("nats: not connected")

// NATSBus publishes each topic on the subject of the same name. With a
// queue group configured, every message is handled by exactly one Kestrel
// instance instead of all of them.
type NATSBus struct {
	conn  *nats.Conn
	group string

	mu   sync.Mutex
	subs map[*natsSubscription]struct{}
}

type natsSubscription struct {
	topic string
	sub   *nats.Subscription
	owner *NATSBus
}

func natsRetry(cfg domain.EventBusConfig) (attempts int, wait time.Duration) {
	attempts, wait = cfg.NATSMaxReconnects, defaultNATSWait
	if attempts <= 0 {
		attempts = defaultNATSAttempts
	}
	if cfg.NATSReconnectWait > 0 {
		wait = time.Duration(cfg.NATSReconnectWait) * time.Second
	}
	return attempts, wait
}

// natsOptions builds the connection options, including the handlers that
// report connection state changes to the log.
func natsOptions(cfg domain.EventBusConfig) []nats.Option {
	attempts, wait := natsRetry(cfg)

	opts := []nats.Option{
		nats.Name("kestrel"),
		nats.MaxReconnects(attempts),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 << 20),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err, "closed", nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			attrs := []any{"error", err}
			if sub != nil {
				attrs = append(attrs, "subject", sub.Subject)
			}
			slog.Error("nats async error", attrs...)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}
	return opts
}

// NewNATSBus dials the server, retrying the initial connection the same
// number of times the client later retries reconnects.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	url := cfg.NATSUrl
	if url == "" {
		url = nats.DefaultURL
	}
	attempts, wait := natsRetry(cfg)

	conn, err := dialNATS(url, natsOptions(cfg), attempts, wait)
	if err != nil {
		return nil, err
	}
	slog.Info("nats connected",
		"url", conn.ConnectedUrl(),
		"server_id", conn.ConnectedServerId(),
		"queue_group", cfg.NATSQueueGroup,
	)
	return &NATSBus{
		conn:  conn,
		group: cfg.NATSQueueGroup,
		subs:  make(map[*natsSubscription]struct{}),
	}, nil
}

func dialNATS(url string, opts []nats.Option, attempts int, wait time.Duration) (*nats.Conn, error) {
	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := nats.Connect(url, opts...)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		slog.Warn("nats connect failed", "attempt", i, "max_attempts", attempts, "error", err)
		if i < attempts {
			time.Sleep(wait)
		}
	}
	return nil, fmt.Errorf("connect to nats at %s after %d attempts: %w", url, attempts, lastErr)
}

func (b *NATSBus) Publish(_ context.Context, topic string, payload []byte) error {
	data, err := encodeEnvelope(topic, payload)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(topic)
	msg.Data = data
	msg.Header.Set("Content-Type", contentTypeJSON)
	if err := b.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe delivers decoded envelopes to handler on the client's
// dispatch goroutine, one message at a time per subscription.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	deliver := func(m *nats.Msg) {
		msg, err := decodeEnvelope(m.Data)
		if err != nil {
			slog.Error("dropping undecodable message", "subject", m.Subject, "error", err)
			return
		}
		if err := handler(ctx, msg); err != nil {
			slog.Error("handler error", "topic", topic, "message_id", msg.ID, "error", err)
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if b.group == "" {
		sub, err = b.conn.Subscribe(topic, deliver)
	} else {
		sub, err = b.conn.QueueSubscribe(topic, b.group, deliver)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	s := &natsSubscription{topic: topic, sub: sub, owner: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return errNATSDisconnected
	}
	return b.conn.FlushWithContext(ctx)
}

// Close lets in-flight handlers finish before the connection goes away.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	b.subs = make(map[*natsSubscription]struct{})
	b.mu.Unlock()

	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}

// Stats exposes the client's message and byte counters.
func (b *NATSBus) Stats() nats.Statistics {
	return b.conn.Stats()
}

func (s *natsSubscription) Unsubscribe() error {
	s.owner.mu.Lock()
	delete(s.owner.subs, s)
	s.owner.mu.Unlock()
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Topic() string { return s.topic }
