package rates

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/farxc/disbursement/internal/logger"
	"github.com/farxc/disbursement/internal/money"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// CachedSource reuses rates already fetched for a (currency, date) pair.
// Cache failures fall through to the wrapped source.
type CachedSource struct {
	next money.RateSource
	rdb  redis.Cmdable
	ttl  time.Duration
	log  *logger.Logger
}

func NewCachedSource(next money.RateSource, rdb redis.Cmdable, ttl time.Duration, log *logger.Logger) *CachedSource {
	return &CachedSource{next: next, rdb: rdb, ttl: ttl, log: log}
}

func cacheKey(cur string, date time.Time) string {
	return fmt.Sprintf("exchange-rate:%s:%s", strings.ToUpper(cur), date.Format(time.DateOnly))
}

func (c *CachedSource) Rate(ctx context.Context, cur string, date time.Time) (decimal.Decimal, error) {
	const component = "ExchangeRateCache"
	key := cacheKey(cur, date)

	val, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		if rate, perr := decimal.NewFromString(val); perr == nil {
			return rate, nil
		}
		c.log.Warn(component, "Discarding unparsable cached rate: key=%s value=%q", key, val)
	case !errors.Is(err, redis.Nil):
		c.log.Warn(component, "Rate cache read failed: key=%s err=%v", key, err)
	}

	rate, err := c.next.Rate(ctx, cur, date)
	if err != nil {
		return decimal.Zero, err
	}

	if err := c.rdb.Set(ctx, key, rate.String(), c.ttl).Err(); err != nil {
		c.log.Warn(component, "Rate cache write failed: key=%s err=%v", key, err)
	}
	return rate, nil
}
