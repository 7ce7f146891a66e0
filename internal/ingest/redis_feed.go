package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"geotrack/internal/model"
)

// latestScript only overwrites when the incoming reading is newer.
var latestScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ts')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then return 0 end
redis.call('HSET', KEYS[1], 'ts', ARGV[1], 'sample', ARGV[2])
if tonumber(ARGV[3]) > 0 then redis.call('PEXPIRE', KEYS[1], ARGV[3]) end
return 1
`)

// RedisFeed shares the latest reading per worker across API replicas.
type RedisFeed struct {
	rdb       redis.UniversalClient
	freshness time.Duration
	prefix    string
	now       func() time.Time
}

func NewRedisFeed(rdb redis.UniversalClient, freshness time.Duration) *RedisFeed {
	return &RedisFeed{rdb: rdb, freshness: freshness, prefix: "geotrack:latest:", now: time.Now}
}

func (f *RedisFeed) key(workerID string) string { return f.prefix + workerID }

func (f *RedisFeed) Push(ctx context.Context, s model.LocationSample) error {
	if s.WorkerID == "" {
		return errors.New("workerId required")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	// keep readings a little past freshness so a poll can report them stale rather than missing
	ttl := int64(0)
	if f.freshness > 0 {
		ttl = (2 * f.freshness).Milliseconds()
	}
	return latestScript.Run(ctx, f.rdb, []string{f.key(s.WorkerID)}, s.CapturedAt.UnixMilli(), string(data), ttl).Err()
}

func (f *RedisFeed) Poll(ctx context.Context, workerID string) (model.LocationSample, error) {
	raw, err := f.rdb.HGet(ctx, f.key(workerID), "sample").Result()
	if errors.Is(err, redis.Nil) {
		return model.LocationSample{}, unavailable(workerID, errNoReading)
	}
	if err != nil {
		return model.LocationSample{}, pollError(ctx, workerID, err)
	}
	var s model.LocationSample
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return model.LocationSample{}, unavailable(workerID, err)
	}
	if f.freshness > 0 && f.now().Sub(s.CapturedAt) > f.freshness {
		return model.LocationSample{}, unavailable(workerID, errStale)
	}
	return s, nil
}
