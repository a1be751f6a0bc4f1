// Package store is the typed Redis layer for classified service requests.
//
// Per city it keeps the serialized records, the open-id set, a running
// priority sum, and a time index ordered by requested_datetime; global
// mirrors aggregate across cities. Multi-key writes go out as one pipelined
// batch. The batch is not transactional, so observers may briefly see
// aggregates ahead of or behind records; the drift is bounded by one
// round trip.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/civiclens/backend/internal/timeutil"
)

// Keyspace. The global time index is keyed by the fully-qualified record key
// so ids from different cities cannot collide.
const (
	keyGlobalNumOpen     = "global:num_open"
	keyGlobalPrioritySum = "global:priority_sum"
	keyGlobalTSIndex     = "global:ts_open"
)

func recordKey(city, id string) string  { return "req:" + city + ":" + id }
func openIDsKey(city string) string     { return "city:" + city + ":open_ids" }
func prioritySumKey(city string) string { return "city:" + city + ":priority_sum" }
func tsIndexKey(city string) string     { return "city:" + city + ":ts_open" }

// Record is one augmented request payload: the raw upstream fields merged
// with the classifier verdict plus "city". The upstream schema is
// open-ended, so unknown fields are preserved verbatim.
type Record map[string]any

// Stats is the pre-aggregated quick view for one city (or globally).
type Stats struct {
	NumOpen        int64   `json:"num_open"`
	AvgPriority    float64 `json:"avg_priority"`
	RecentRequests int64   `json:"recent_requests"`
}

// Store wraps a shared, multiplexed Redis client. Safe for use from
// concurrent pollers; per-city keys are disjoint and the global counters
// rely on Redis's atomic single-key ops.
type Store struct {
	rdb *redis.Client
	ttl time.Duration

	now func() time.Time // test seam
}

// Connect dials Redis from a URL and verifies connectivity.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.PoolSize = 20

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("store: redis ping failed (%s): %w", opts.Addr, err)
	}

	slog.Info("Redis connected", "addr", opts.Addr, "db", opts.DB)
	return rdb, nil
}

// New builds a Store over an already-connected client. ttl bounds the
// lifetime of individual records (not of the indexes; see EvictRequest).
func New(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{rdb: rdb, ttl: ttl, now: time.Now}
}

// Ping verifies store connectivity, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// CacheRequest stores one augmented record and updates every aggregate in a
// single pipelined batch. The record's priority defaults to 0 when missing
// or non-integer; its time-index score comes from requested_datetime,
// falling back to ingest wall-clock time when unparseable.
func (s *Store) CacheRequest(ctx context.Context, city, id string, payload Record) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("store: marshal record %s/%s: %w", city, id, err)
	}

	priority := payloadPriority(payload)
	tsEpoch := s.payloadEpoch(city, id, payload)

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, recordKey(city, id), data, s.ttl)
	pipe.SAdd(ctx, openIDsKey(city), id)
	pipe.IncrBy(ctx, prioritySumKey(city), priority)
	pipe.ZAdd(ctx, tsIndexKey(city), redis.Z{Score: float64(tsEpoch), Member: id})
	pipe.Incr(ctx, keyGlobalNumOpen)
	pipe.IncrBy(ctx, keyGlobalPrioritySum, priority)
	pipe.ZAdd(ctx, keyGlobalTSIndex, redis.Z{Score: float64(tsEpoch), Member: recordKey(city, id)})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: cache %s/%s: %w", city, id, err)
	}
	return nil
}

// EvictRequest removes one record and unwinds its aggregate contributions.
// The stored priority is recovered with a point read first; if the record
// already expired it counts as 0.
func (s *Store) EvictRequest(ctx context.Context, city, id string) error {
	var priority int64
	if rec, err := s.GetRequest(ctx, city, id); err != nil {
		return err
	} else if rec != nil {
		priority = payloadPriority(rec)
	}

	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, recordKey(city, id))
	pipe.SRem(ctx, openIDsKey(city), id)
	pipe.DecrBy(ctx, prioritySumKey(city), priority)
	pipe.ZRem(ctx, tsIndexKey(city), id)
	pipe.Decr(ctx, keyGlobalNumOpen)
	pipe.DecrBy(ctx, keyGlobalPrioritySum, priority)
	pipe.ZRem(ctx, keyGlobalTSIndex, recordKey(city, id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: evict %s/%s: %w", city, id, err)
	}
	return nil
}

// IsCached reports whether the pipeline already knows this request. It is
// deliberately permissive: membership in the open set OR an existing record
// counts, which covers races between the two writes and record expiry.
func (s *Store) IsCached(ctx context.Context, city, id string) (bool, error) {
	pipe := s.rdb.Pipeline()
	member := pipe.SIsMember(ctx, openIDsKey(city), id)
	exists := pipe.Exists(ctx, recordKey(city, id))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("store: is_cached %s/%s: %w", city, id, err)
	}
	return member.Val() || exists.Val() > 0, nil
}

// GetCachedIDs snapshots the open-id set for a city.
func (s *Store) GetCachedIDs(ctx context.Context, city string) (map[string]struct{}, error) {
	members, err := s.rdb.SMembers(ctx, openIDsKey(city)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: open ids for %s: %w", city, err)
	}
	ids := make(map[string]struct{}, len(members))
	for _, m := range members {
		ids[m] = struct{}{}
	}
	return ids, nil
}

// GetRequest returns one record, or nil if absent or expired.
func (s *Store) GetRequest(ctx context.Context, city, id string) (Record, error) {
	data, err := s.rdb.Get(ctx, recordKey(city, id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s/%s: %w", city, id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("store: unmarshal %s/%s: %w", city, id, err)
	}
	return rec, nil
}

// MGetRequests returns every open record for a city in unspecified order.
// Records that expired since the set snapshot come back as nil from Redis
// and are dropped.
func (s *Store) MGetRequests(ctx context.Context, city string) ([]Record, error) {
	members, err := s.rdb.SMembers(ctx, openIDsKey(city)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: open ids for %s: %w", city, err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	keys := make([]string, len(members))
	for i, id := range members {
		keys[i] = recordKey(city, id)
	}
	return s.mgetRecords(ctx, keys)
}

// GetCityStats reads the pre-aggregated view for one city in a single
// pipelined round trip.
func (s *Store) GetCityStats(ctx context.Context, city string) (Stats, error) {
	pipe := s.rdb.Pipeline()
	numOpen := pipe.SCard(ctx, openIDsKey(city))
	sum := pipe.Get(ctx, prioritySumKey(city))
	recent := pipe.ZCount(ctx, tsIndexKey(city), s.hourAgo(), "+inf")
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Stats{}, fmt.Errorf("store: stats for %s: %w", city, err)
	}
	return buildStats(numOpen.Val(), sum.Val(), recent.Val()), nil
}

// GetGlobalStats is GetCityStats over the global mirrors.
func (s *Store) GetGlobalStats(ctx context.Context) (Stats, error) {
	pipe := s.rdb.Pipeline()
	numOpen := pipe.Get(ctx, keyGlobalNumOpen)
	sum := pipe.Get(ctx, keyGlobalPrioritySum)
	recent := pipe.ZCount(ctx, keyGlobalTSIndex, s.hourAgo(), "+inf")
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Stats{}, fmt.Errorf("store: global stats: %w", err)
	}
	n, _ := strconv.ParseInt(numOpen.Val(), 10, 64)
	return buildStats(n, sum.Val(), recent.Val()), nil
}

// GetRecentRequests returns the n most recent records across all cities,
// newest first. Expired records are dropped.
func (s *Store) GetRecentRequests(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	keys, err := s.rdb.ZRevRange(ctx, keyGlobalTSIndex, 0, int64(n)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: recent index: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return s.mgetRecords(ctx, keys)
}

func (s *Store) mgetRecords(ctx context.Context, keys []string) ([]Record, error) {
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("store: mget records: %w", err)
	}
	records := make([]Record, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // expired between index read and MGET
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			slog.Warn("dropping unreadable record", "key", keys[i], "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) hourAgo() string {
	return strconv.FormatInt(s.now().Unix()-3600, 10)
}

func buildStats(numOpen int64, rawSum string, recent int64) Stats {
	stats := Stats{NumOpen: numOpen, RecentRequests: recent}
	if numOpen > 0 {
		sum, _ := strconv.ParseInt(rawSum, 10, 64)
		stats.AvgPriority = math.Round(float64(sum)/float64(numOpen)*10) / 10
	}
	return stats
}

// payloadPriority pulls the classifier priority out of a payload, defaulting
// to 0 when missing or not an integer.
func payloadPriority(payload Record) int64 {
	switch v := payload["priority"].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// payloadEpoch scores a record for the time indexes.
func (s *Store) payloadEpoch(city, id string, payload Record) int64 {
	raw, _ := payload["requested_datetime"].(string)
	t, err := timeutil.Parse(raw)
	if err != nil {
		slog.Warn("record has unparseable requested_datetime, using ingest time",
			"city", city, "id", id, "value", raw)
		return s.now().Unix()
	}
	return t.Unix()
}
