package mq

import (
	"context"
	"time"
)

// deliver runs handler for one message with in-place retries. It returns
// false only when ctx ends before the message is settled, so the caller can
// leave it unacknowledged for redelivery.
func deliver(ctx context.Context, producer Producer, handler HandlerFunc, opts SubscribeOptions, m *Message) bool {
	if m.MaxRetries == 0 {
		m.MaxRetries = opts.MaxRetries
	}
	if m.Expiration == 0 && opts.MessageTTL > 0 {
		m.Expiration = opts.MessageTTL
	}
	if m.Expired(time.Now()) {
		return true
	}

	for {
		if err := handler(ctx, m); err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		m.RetryCount++
		if m.RetryCount > m.MaxRetries {
			if opts.DeadLetterTopic != "" {
				_ = producer.Publish(ctx, opts.DeadLetterTopic, m)
			}
			return true
		}
		timer := time.NewTimer(opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}
