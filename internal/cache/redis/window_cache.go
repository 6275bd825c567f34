package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

// WindowCache implements domain.WindowCache. Windows are immutable once
// committed, so a cached entry is only ever replaced by an identical one.
type WindowCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewWindowCache(c *Client, ttl time.Duration) *WindowCache {
	return &WindowCache{rdb: c.Underlying(), ttl: ttl}
}

func windowKey(windowStart int64) string {
	return "window:" + strconv.FormatInt(windowStart, 10)
}

func (wc *WindowCache) SetWindow(ctx context.Context, w domain.PriceWindow) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("redis: marshal window %d: %w", w.WindowStart, err)
	}
	if err := wc.rdb.Set(ctx, windowKey(w.WindowStart), data, wc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set window %d: %w", w.WindowStart, err)
	}
	return nil
}

// GetWindow returns domain.ErrNotFound on a cache miss.
func (wc *WindowCache) GetWindow(ctx context.Context, windowStart int64) (domain.PriceWindow, error) {
	var w domain.PriceWindow
	data, err := wc.rdb.Get(ctx, windowKey(windowStart)).Bytes()
	if errors.Is(err, redis.Nil) {
		return w, fmt.Errorf("redis: window %d: %w", windowStart, domain.ErrNotFound)
	}
	if err != nil {
		return w, fmt.Errorf("redis: get window %d: %w", windowStart, err)
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return w, fmt.Errorf("redis: decode window %d: %w", windowStart, err)
	}
	return w, nil
}

var _ domain.WindowCache = (*WindowCache)(nil)
