package geo

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisRanker orders broadcast candidates by distance from the pickup point
// using the Redis GEO index maintained by cmd/consumer. Ranking is a pluggable
// policy: drivers missing from the index keep their original relative order
// after the ranked ones.
type RedisRanker struct {
	client *redis.Client
	key    string
}

func NewRedisRanker(addr, password, key string) *RedisRanker {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisRanker{client: c, key: key}
}

func (r *RedisRanker) Rank(ctx context.Context, pickup models.Coord, driverIDs []string) []string {
	res, err := r.client.GeoRadius(ctx, r.key, pickup.Lng, pickup.Lat, &redis.GeoRadiusQuery{
		Radius: 50000, Unit: "m", Count: len(driverIDs), Sort: "ASC",
	}).Result()
	if err != nil || len(res) == 0 {
		return driverIDs
	}
	candidate := make(map[string]bool, len(driverIDs))
	for _, id := range driverIDs {
		candidate[id] = true
	}
	out := make([]string, 0, len(driverIDs))
	seen := make(map[string]bool, len(driverIDs))
	for _, g := range res {
		if candidate[g.Name] && !seen[g.Name] {
			out = append(out, g.Name)
			seen[g.Name] = true
		}
	}
	for _, id := range driverIDs {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out
}

func (r *RedisRanker) Close() error { return r.client.Close() }
