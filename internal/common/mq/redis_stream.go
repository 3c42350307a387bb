package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const streamBodyField = "body"

// RedisStreamConfig configures the Redis Streams queue.
type RedisStreamConfig struct {
	// KeyPrefix is prepended to every topic to form the stream key.
	KeyPrefix string `yaml:"keyPrefix"`
	// ConsumerName defaults to a random uuid per process.
	ConsumerName string `yaml:"consumerName"`
	// ReadCount is the XREADGROUP batch size. Default: 10
	ReadCount int64 `yaml:"readCount"`
	// Block is the XREADGROUP block time. Default: 1s
	Block time.Duration `yaml:"block"`
	// ClaimMinIdle is how long a pending entry must idle before another
	// consumer claims it. Default: 1m
	ClaimMinIdle time.Duration `yaml:"claimMinIdle"`
	// PendingCheckInterval is how often the pending list is scanned. Default: 30s
	PendingCheckInterval time.Duration `yaml:"pendingCheckInterval"`
	// MaxLen caps each stream approximately. 0 keeps everything.
	MaxLen int64 `yaml:"maxLen"`
}

func (c *RedisStreamConfig) applyDefaults() {
	if c.ConsumerName == "" {
		c.ConsumerName = uuid.NewString()
	}
	if c.ReadCount <= 0 {
		c.ReadCount = 10
	}
	if c.Block <= 0 {
		c.Block = time.Second
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = time.Minute
	}
	if c.PendingCheckInterval <= 0 {
		c.PendingCheckInterval = 30 * time.Second
	}
}

// RedisStreamQueue implements MessageQueue on Redis Streams consumer groups.
type RedisStreamQueue struct {
	client *redis.Client
	config RedisStreamConfig

	mu            sync.Mutex
	subscriptions []*streamSubscription
	started       bool
	closed        bool
}

type streamSubscription struct {
	stream  string
	handler HandlerFunc
	opts    SubscribeOptions
	baseCtx context.Context

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisStreamQueue creates a queue on top of an existing client.
func NewRedisStreamQueue(client *redis.Client, cfg RedisStreamConfig) (*RedisStreamQueue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	cfg.applyDefaults()
	return &RedisStreamQueue{client: client, config: cfg}, nil
}

func (q *RedisStreamQueue) streamKey(topic string) string {
	return q.config.KeyPrefix + topic
}

// Publish appends a message to the topic's stream.
func (q *RedisStreamQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if message == nil {
		return errors.New("message is nil")
	}
	if topic == "" {
		return errors.New("topic is required")
	}
	return q.client.XAdd(ctx, q.xaddArgs(topic, message)).Err()
}

// PublishBatch appends messages in one pipeline.
func (q *RedisStreamQueue) PublishBatch(ctx context.Context, topic string, messages []*Message) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	if len(messages) == 0 {
		return errors.New("messages are required")
	}
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, msg := range messages {
			if msg == nil {
				return errors.New("message is nil")
			}
			pipe.XAdd(ctx, q.xaddArgs(topic, msg))
		}
		return nil
	})
	return err
}

func (q *RedisStreamQueue) xaddArgs(topic string, message *Message) *redis.XAddArgs {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	values := make(map[string]interface{}, len(message.Headers)+5)
	for k, v := range message.Headers {
		values[k] = v
	}
	values[streamBodyField] = string(message.Body)
	if message.ID != "" {
		values[headerID] = message.ID
	}
	values[headerTimestamp] = message.Timestamp.Format(time.RFC3339Nano)
	if message.RetryCount != 0 {
		values[headerRetryCount] = message.RetryCount
	}
	if message.MaxRetries != 0 {
		values[headerMaxRetries] = message.MaxRetries
	}
	if message.Expiration > 0 {
		values[headerExpiration] = message.Expiration.Milliseconds()
	}
	args := &redis.XAddArgs{Stream: q.streamKey(topic), Values: values}
	if q.config.MaxLen > 0 {
		args.MaxLen = q.config.MaxLen
		args.Approx = true
	}
	return args
}

// Subscribe subscribes to a topic with default options.
func (q *RedisStreamQueue) Subscribe(ctx context.Context, topic string, handler HandlerFunc) error {
	return q.SubscribeWithOptions(ctx, topic, handler, nil)
}

// SubscribeWithOptions registers a consumer group reader for topic.
func (q *RedisStreamQueue) SubscribeWithOptions(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	var options SubscribeOptions
	if opts != nil {
		options = *opts
	}
	options.SetDefaults()
	if options.ConsumerGroup == "" {
		options.ConsumerGroup = fmt.Sprintf("gradeflow-%s", topic)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sub := &streamSubscription{stream: q.streamKey(topic), handler: handler, opts: options, baseCtx: ctx}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("message queue is closed")
	}
	q.subscriptions = append(q.subscriptions, sub)
	if q.started {
		return q.startSubscription(sub)
	}
	return nil
}

// Start creates consumer groups and begins reading.
func (q *RedisStreamQueue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("message queue is closed")
	}
	if q.started {
		return nil
	}
	for _, sub := range q.subscriptions {
		if err := q.startSubscription(sub); err != nil {
			return err
		}
	}
	q.started = true
	return nil
}

// Stop cancels readers and waits for in-flight handlers.
func (q *RedisStreamQueue) Stop() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, sub := range q.subscriptions {
		if sub.cancel != nil {
			sub.cancel()
		}
	}
	for _, sub := range q.subscriptions {
		sub.wg.Wait()
	}
	q.started = false
	return nil
}

func (q *RedisStreamQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close stops consumers. The client is owned by the caller.
func (q *RedisStreamQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	return q.Stop()
}

func (q *RedisStreamQueue) startSubscription(sub *streamSubscription) error {
	if err := q.createGroup(sub.baseCtx, sub.stream, sub.opts.ConsumerGroup); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(sub.baseCtx)
	sub.cancel = cancel

	msgCh := make(chan redis.XMessage, sub.opts.Concurrency*sub.opts.PrefetchCount)
	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		defer close(msgCh)
		q.readLoop(ctx, sub, msgCh)
	}()

	for i := 0; i < sub.opts.Concurrency; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			for msg := range msgCh {
				if deliver(ctx, q, sub.handler, sub.opts, fromStreamMessage(msg)) {
					_ = q.client.XAck(context.WithoutCancel(ctx), sub.stream, sub.opts.ConsumerGroup, msg.ID).Err()
				}
			}
		}()
	}
	return nil
}

func (q *RedisStreamQueue) createGroup(ctx context.Context, stream, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", group, err)
	}
	return nil
}

func (q *RedisStreamQueue) readLoop(ctx context.Context, sub *streamSubscription, out chan<- redis.XMessage) {
	lastPendingCheck := time.Time{}
	for {
		if ctx.Err() != nil {
			return
		}
		if time.Since(lastPendingCheck) >= q.config.PendingCheckInterval {
			claimed, err := q.claimIdle(ctx, sub)
			if err == nil {
				if !forward(ctx, out, claimed) {
					return
				}
			}
			lastPendingCheck = time.Now()
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    sub.opts.ConsumerGroup,
			Consumer: q.config.ConsumerName,
			Streams:  []string{sub.stream, ">"},
			Count:    q.config.ReadCount,
			Block:    q.config.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		for _, s := range streams {
			if !forward(ctx, out, s.Messages) {
				return
			}
		}
	}
}

// claimIdle takes over pending entries left by crashed consumers.
func (q *RedisStreamQueue) claimIdle(ctx context.Context, sub *streamSubscription) ([]redis.XMessage, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: sub.stream,
		Group:  sub.opts.ConsumerGroup,
		Idle:   q.config.ClaimMinIdle,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	return q.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   sub.stream,
		Group:    sub.opts.ConsumerGroup,
		Consumer: q.config.ConsumerName,
		MinIdle:  q.config.ClaimMinIdle,
		Messages: ids,
	}).Result()
}

func forward(ctx context.Context, out chan<- redis.XMessage, msgs []redis.XMessage) bool {
	for _, msg := range msgs {
		select {
		case out <- msg:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func fromStreamMessage(msg redis.XMessage) *Message {
	m := &Message{Headers: make(map[string]string)}
	for key, raw := range msg.Values {
		value, ok := raw.(string)
		if !ok {
			value = fmt.Sprint(raw)
		}
		if key == streamBodyField {
			m.Body = []byte(value)
			continue
		}
		applyHeader(m, key, value)
	}
	if m.ID == "" {
		m.ID = msg.ID
	}
	return m
}
