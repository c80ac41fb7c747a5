package domain

import (
	"context"
)

// EventBus moves JSON payloads between publishers and topic subscribers.
// Delivery is at most once.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler handles one delivered message. A returned error is logged
// and the message is not redelivered.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope every transport delivers.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects the bus transport.
type EventBusConfig struct {
	Type string `mapstructure:"type"` // channel or nats

	ChannelBufferSize int `mapstructure:"channel_buffer_size"`

	NATSUrl           string `mapstructure:"nats_url"`
	NATSToken         string `mapstructure:"nats_token"`
	NATSMaxReconnects int    `mapstructure:"nats_max_reconnects"`
	NATSReconnectWait int    `mapstructure:"nats_reconnect_wait"` // seconds

	// NATSQueueGroup, when set, load-balances each topic across the
	// subscribers of all instances instead of fanning out.
	NATSQueueGroup string `mapstructure:"nats_queue_group"`
}

// Topic names.
const (
	// TopicTransactionSubmitted carries TransactionRequest payloads for async intake.
	TopicTransactionSubmitted = "kestrel.transaction.submitted"
	// TopicTransactionAnalyzed carries a TransactionResponse after every analysis.
	TopicTransactionAnalyzed = "kestrel.transaction.analyzed"
	// TopicFraudDetected carries a FraudDetectedEvent when risk reaches High.
	TopicFraudDetected = "kestrel.fraud.detected"
	// TopicAlertCreated carries one FraudAlert.
	TopicAlertCreated = "kestrel.alert.created"
)

// FraudDetectedEvent is published for high-risk transactions.
type FraudDetectedEvent struct {
	TransactionID string    `json:"transactionId"`
	AccountID     string    `json:"accountId"`
	FraudScore    float64   `json:"fraudScore"`
	RiskLevel     RiskLevel `json:"riskLevel"`
	AlertCount    int       `json:"alertCount"`
	Reasons       []string  `json:"reasons,omitempty"` // details of the triggered rules
}
