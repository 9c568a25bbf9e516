package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type RedisOpts struct {
	Addr, Password, Namespace string
	DB                        int
	TTL                       time.Duration
	Timeout                   time.Duration
	Logger                    zerolog.Logger
}

// Redis caches directory user counts per site scope. A process-local copy
// sits in front of Redis so one run never asks twice for the same scope.
type Redis struct {
	rdb      *redis.Client
	nsPrefix string
	ttl      time.Duration
	memCache sync.Map
	logger   zerolog.Logger
}

func NewRedis(o RedisOpts) *Redis {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	return &Redis{
		rdb:      rdb,
		nsPrefix: firstNonEmpty(o.Namespace, "roster"),
		ttl:      o.TTL,
		logger:   o.Logger.With().Str("component", "cache").Logger(),
	}
}

// Key is independent of the order in which site ids are given.
func (r *Redis) Key(siteIDs []int64) string {
	ids := append([]int64(nil), siteIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return fmt.Sprintf("%s:api-users:%s", r.nsPrefix, strings.Join(parts, ","))
}

// Get returns the cached count. Redis errors are logged and reported as a
// miss.
func (r *Redis) Get(ctx context.Context, siteIDs []int64) (int, bool) {
	k := r.Key(siteIDs)
	if v, ok := r.memCache.Load(k); ok {
		return v.(int), true
	}

	n, err := r.rdb.Get(ctx, k).Int()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn().Err(err).Str("key", k).Msg("redis get failed")
		}
		return 0, false
	}
	r.memCache.Store(k, n)
	return n, true
}

func (r *Redis) Set(ctx context.Context, siteIDs []int64, n int) {
	k := r.Key(siteIDs)
	r.memCache.Store(k, n)
	if err := r.rdb.Set(ctx, k, n, r.ttl).Err(); err != nil {
		r.logger.Warn().Err(err).Str("key", k).Msg("redis set failed")
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error { return r.rdb.Close() }

func firstNonEmpty(s, def string) string {
	if strings.TrimSpace(s) != "" {
		return s
	}
	return def
}
