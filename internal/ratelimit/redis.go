package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"mediabot/internal/retry"
)

// admitScript mirrors decide(). Times are unix milliseconds.
// Returns {allowed, reason, wait_ms, used_today}; reason 1 = interval, 2 = daily quota.
var admitScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local interval = tonumber(ARGV[2])
	local day = tonumber(ARGV[3])
	local limit = tonumber(ARGV[4])
	local ttl = tonumber(ARGV[5])

	local last = tonumber(redis.call('HGET', key, 'last'))
	local sday = tonumber(redis.call('HGET', key, 'day'))
	local count = tonumber(redis.call('HGET', key, 'count')) or 0
	if sday ~= day then
		count = 0
	end

	if last and (now - last) < interval then
		return {0, 1, interval - (now - last), count}
	end
	if limit >= 0 and count >= limit then
		return {0, 2, 0, count}
	end

	redis.call('HSET', key, 'last', now, 'day', day, 'count', count + 1)
	redis.call('PEXPIRE', key, ttl)
	return {1, 0, 0, count + 1}
`)

// RedisStore shares limiter state between processes. Each decision is one
// script call, so the read-modify-write is atomic on the server.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "mediabot:ratelimit:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: 48 * time.Hour}
}

// Connect parses url, builds a client and pings it, retrying quick transient failures.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	res := retry.Do(ctx, retry.Quick(), func(ctx context.Context) (string, error) {
		pong, err := rdb.Ping(ctx).Result()
		if err != nil {
			return "", retry.Transient(err)
		}
		return pong, nil
	})
	if res.Err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ratelimit: ping redis: %w", res.Err)
	}
	return rdb, nil
}

func (r *RedisStore) key(userID int64) string {
	return r.prefix + strconv.FormatInt(userID, 10)
}

func (r *RedisStore) Admit(ctx context.Context, userID int64, req Request) (Decision, error) {
	vals, err := admitScript.Run(ctx, r.rdb, []string{r.key(userID)},
		req.Now.UnixMilli(),
		req.Interval.Milliseconds(),
		DayKey(req.Now),
		req.DailyLimit,
		r.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(vals) != 4 {
		return Decision{}, fmt.Errorf("unexpected script reply %v", vals)
	}
	d := Decision{Allowed: vals[0] == 1, UsedToday: int(vals[3])}
	switch vals[1] {
	case 1:
		d.Reason = ReasonInterval
		d.RetryAfter = time.Duration(vals[2]) * time.Millisecond
	case 2:
		d.Reason = ReasonDailyQuota
		d.RetryAfter = untilNextDay(req.Now)
	}
	return d, nil
}

func (r *RedisStore) Peek(ctx context.Context, userID int64) (State, error) {
	vals, err := r.rdb.HMGet(ctx, r.key(userID), "last", "day", "count").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{}, nil
		}
		return State{}, err
	}
	var st State
	if v, ok := vals[0].(string); ok {
		ms, _ := strconv.ParseInt(v, 10, 64)
		st.LastAdmitted = time.UnixMilli(ms)
	}
	if v, ok := vals[1].(string); ok {
		st.Day, _ = strconv.Atoi(v)
	}
	if v, ok := vals[2].(string); ok {
		st.Count, _ = strconv.Atoi(v)
	}
	return st, nil
}

func (r *RedisStore) Reset(ctx context.Context, userID int64) error {
	return r.rdb.Del(ctx, r.key(userID)).Err()
}
