package domain

import (
	"context"
	"time"
)

// WindowCache keeps recently emitted or fetched windows close at hand.
type WindowCache interface {
	SetWindow(ctx context.Context, w PriceWindow) error
	GetWindow(ctx context.Context, windowStart int64) (PriceWindow, error)
}

// NonceStore holds per-user relayer authorization nonces.
type NonceStore interface {
	Current(ctx context.Context, user string) (uint64, error)
	// Consume advances the nonce if and only if it currently equals nonce.
	Consume(ctx context.Context, user string, nonce uint64) (bool, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
