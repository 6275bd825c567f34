package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/drawsettle/internal/domain"
)

// consumeLua advances the nonce only when ARGV[1] matches the stored value.
const consumeLua = `
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur ~= tonumber(ARGV[1]) then
    return 0
end
redis.call('SET', KEYS[1], cur + 1)
return 1
`

// NonceStore implements domain.NonceStore. Nonces never expire.
type NonceStore struct {
	rdb     *redis.Client
	consume *redis.Script
}

func NewNonceStore(c *Client) *NonceStore {
	return &NonceStore{rdb: c.Underlying(), consume: redis.NewScript(consumeLua)}
}

func nonceKey(user string) string {
	return "relayer:nonce:" + domain.NormalizeAddress(user)
}

func (ns *NonceStore) Current(ctx context.Context, user string) (uint64, error) {
	n, err := ns.rdb.Get(ctx, nonceKey(user)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis: nonce %s: %w", user, err)
	}
	return n, nil
}

func (ns *NonceStore) Consume(ctx context.Context, user string, nonce uint64) (bool, error) {
	ok, err := ns.consume.Run(ctx, ns.rdb, []string{nonceKey(user)}, nonce).Int64()
	if err != nil {
		return false, fmt.Errorf("redis: consume nonce %s: %w", user, err)
	}
	return ok == 1, nil
}

var _ domain.NonceStore = (*NonceStore)(nil)
