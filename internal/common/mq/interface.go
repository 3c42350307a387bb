package mq

import (
	"context"
	"time"
)

// MessageQueue is the queue abstraction the dispatcher consumes. Kafka and
// Redis Streams both implement it.
type MessageQueue interface {
	Producer
	Consumer

	Ping(ctx context.Context) error
	Close() error
}

// Producer publishes messages.
type Producer interface {
	Publish(ctx context.Context, topic string, message *Message) error
	PublishBatch(ctx context.Context, topic string, messages []*Message) error
}

// Consumer registers handlers and drives consumption.
type Consumer interface {
	// Subscribe registers handler for topic with default options.
	// The handler returns nil once the message is fully handled.
	Subscribe(ctx context.Context, topic string, handler HandlerFunc) error
	SubscribeWithOptions(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error

	// Start begins delivery for every registered subscription.
	Start() error
	// Stop cancels consumers and waits for in-flight handlers.
	Stop() error
}

// Message represents a message in the queue
type Message struct {
	ID        string            `json:"id"`
	Body      []byte            `json:"body"`
	Headers   map[string]string `json:"headers"`
	Timestamp time.Time         `json:"timestamp"`

	// Delivery retries performed by the consumer after handler errors.
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// Expiration drops the message unhandled once it is older than this.
	Expiration time.Duration `json:"expiration"`
}

// HandlerFunc is the function signature for message handlers
type HandlerFunc func(ctx context.Context, message *Message) error

// SubscribeOptions defines options for subscribing to a topic
type SubscribeOptions struct {
	// ConsumerGroup defaults to "gradeflow-<topic>".
	ConsumerGroup string

	// PrefetchCount is the per-worker buffer. Default: 1
	PrefetchCount int

	// Concurrency is the number of handler goroutines. Default: 1
	Concurrency int

	// MaxRetries bounds in-place redelivery after handler errors. Default: 3
	MaxRetries int

	// RetryDelay between in-place redeliveries. Default: 1 second
	RetryDelay time.Duration

	// DeadLetterTopic receives messages whose retries are exhausted.
	DeadLetterTopic string

	MessageTTL time.Duration
}

// SetDefaults sets default values for subscribe options
func (o *SubscribeOptions) SetDefaults() {
	if o.PrefetchCount == 0 {
		o.PrefetchCount = 1
	}
	if o.Concurrency == 0 {
		o.Concurrency = 1
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = time.Second
	}
}

// NewMessage creates a new message with the given body
func NewMessage(body []byte) *Message {
	return &Message{
		Body:       body,
		Headers:    make(map[string]string),
		Timestamp:  time.Now(),
		MaxRetries: 3,
	}
}

// SetHeader sets a header value
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// GetHeader retrieves a header value
func (m *Message) GetHeader(key string) (string, bool) {
	if m.Headers == nil {
		return "", false
	}
	val, ok := m.Headers[key]
	return val, ok
}

// Clone returns a deep copy with headers duplicated.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Body = append([]byte(nil), m.Body...)
	c.Headers = make(map[string]string, len(m.Headers))
	for k, v := range m.Headers {
		c.Headers[k] = v
	}
	return &c
}

// Expired reports whether the message outlived its Expiration at now.
func (m *Message) Expired(now time.Time) bool {
	return m.Expiration > 0 && !m.Timestamp.IsZero() && now.Sub(m.Timestamp) > m.Expiration
}
