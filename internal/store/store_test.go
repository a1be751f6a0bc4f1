package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, 24*time.Hour), mr
}

func record(id string, priority int, requested string) Record {
	return Record{
		"service_request_id": id,
		"status":             "open",
		"requested_datetime": requested,
		"service_name":       "Pothole",
		"priority":           priority,
	}
}

// checkInvariants asserts the §3 consistency properties for a set of cities
// after quiescence.
func checkInvariants(t *testing.T, s *Store, cities ...string) {
	t.Helper()
	ctx := context.Background()

	var totalOpen, totalSum int64
	for _, city := range cities {
		ids, err := s.GetCachedIDs(ctx, city)
		require.NoError(t, err)

		var sum int64
		for id := range ids {
			rec, err := s.GetRequest(ctx, city, id)
			require.NoError(t, err)
			require.NotNil(t, rec, "open id %s/%s must have a record", city, id)
			sum += payloadPriority(rec)
		}

		storedSum, _ := s.rdb.Get(ctx, prioritySumKey(city)).Int64()
		assert.Equal(t, sum, storedSum, "priority_sum(%s)", city)

		indexLen, err := s.rdb.ZCard(ctx, tsIndexKey(city)).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(len(ids)), indexLen, "ts index size for %s", city)

		totalOpen += int64(len(ids))
		totalSum += sum
	}

	gOpen, _ := s.rdb.Get(ctx, keyGlobalNumOpen).Int64()
	gSum, _ := s.rdb.Get(ctx, keyGlobalPrioritySum).Int64()
	gIndexLen, err := s.rdb.ZCard(ctx, keyGlobalTSIndex).Result()
	require.NoError(t, err)

	assert.Equal(t, totalOpen, gOpen, "global num_open")
	assert.Equal(t, totalSum, gSum, "global priority_sum")
	assert.Equal(t, totalOpen, gIndexLen, "global ts index size")
}

func TestCacheRequestFirstIngest(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec := record("7", 80, "2024-01-01T00:00:00Z")
	require.NoError(t, s.CacheRequest(ctx, "gotham", "7", rec))

	got, err := s.GetRequest(ctx, "gotham", "7")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Pothole", got["service_name"])

	ids, err := s.GetCachedIDs(ctx, "gotham")
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"7": {}}, ids)

	sum, _ := s.rdb.Get(ctx, prioritySumKey("gotham")).Int64()
	assert.EqualValues(t, 80, sum)

	score, err := s.rdb.ZScore(ctx, tsIndexKey("gotham"), "7").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1704067200, score) // 2024-01-01T00:00:00Z

	checkInvariants(t, s, "gotham")
}

func TestEvictRequest(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CacheRequest(ctx, "gotham", "7", record("7", 80, "2024-01-01T00:00:00Z")))
	require.NoError(t, s.EvictRequest(ctx, "gotham", "7"))

	got, err := s.GetRequest(ctx, "gotham", "7")
	require.NoError(t, err)
	assert.Nil(t, got)

	ids, err := s.GetCachedIDs(ctx, "gotham")
	require.NoError(t, err)
	assert.Empty(t, ids)

	stats, err := s.GetCityStats(ctx, "gotham")
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)

	global, err := s.GetGlobalStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, global.NumOpen)

	checkInvariants(t, s, "gotham")
}

func TestInvariantsAcrossMixedSequence(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	cities := []string{"gotham", "metropolis"}
	for i := 0; i < 10; i++ {
		city := cities[i%2]
		id := fmt.Sprintf("%d", i)
		require.NoError(t, s.CacheRequest(ctx, city, id, record(id, i*7, "2024-01-01T00:00:00Z")))
	}
	for _, victim := range []struct{ city, id string }{
		{"gotham", "0"}, {"metropolis", "3"}, {"gotham", "8"},
	} {
		require.NoError(t, s.EvictRequest(ctx, victim.city, victim.id))
	}

	checkInvariants(t, s, cities...)
}

func TestGetCityStats(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	// two recent, one old
	require.NoError(t, s.CacheRequest(ctx, "gotham", "1", record("1", 80, "2024-06-01T11:30:00Z")))
	require.NoError(t, s.CacheRequest(ctx, "gotham", "2", record("2", 41, "2024-06-01T11:59:00Z")))
	require.NoError(t, s.CacheRequest(ctx, "gotham", "3", record("3", 10, "2024-06-01T08:00:00Z")))

	stats, err := s.GetCityStats(ctx, "gotham")
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.NumOpen)
	assert.Equal(t, 43.7, stats.AvgPriority) // 131/3 rounded to 1 decimal
	assert.EqualValues(t, 2, stats.RecentRequests)

	global, err := s.GetGlobalStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats, global)
}

func TestGetCityStatsEmpty(t *testing.T) {
	s, _ := newTestStore(t)

	stats, err := s.GetCityStats(context.Background(), "nowhere")
	require.NoError(t, err)
	assert.Equal(t, Stats{NumOpen: 0, AvgPriority: 0.0, RecentRequests: 0}, stats)
}

func TestMissingPriorityTreatedAsZero(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec := Record{"service_request_id": "9", "requested_datetime": "2024-01-01T00:00:00Z"}
	require.NoError(t, s.CacheRequest(ctx, "gotham", "9", rec))

	sum, _ := s.rdb.Get(ctx, prioritySumKey("gotham")).Int64()
	assert.EqualValues(t, 0, sum)
	checkInvariants(t, s, "gotham")
}

func TestNonIntegerPriorityTreatedAsZero(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec := Record{"service_request_id": "9", "priority": "high", "requested_datetime": "2024-01-01T00:00:00Z"}
	require.NoError(t, s.CacheRequest(ctx, "gotham", "9", rec))

	sum, _ := s.rdb.Get(ctx, prioritySumKey("gotham")).Int64()
	assert.EqualValues(t, 0, sum)
}

func TestUnparseableDatetimeFallsBackToIngestTime(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	rec := Record{"service_request_id": "9", "priority": 5, "requested_datetime": "yesterday-ish"}
	require.NoError(t, s.CacheRequest(ctx, "gotham", "9", rec))

	score, err := s.rdb.ZScore(ctx, tsIndexKey("gotham"), "9").Result()
	require.NoError(t, err)
	assert.EqualValues(t, now.Unix(), score)
}

func TestIsCachedPermissive(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CacheRequest(ctx, "gotham", "7", record("7", 10, "2024-01-01T00:00:00Z")))

	cached, err := s.IsCached(ctx, "gotham", "7")
	require.NoError(t, err)
	assert.True(t, cached)

	// record gone but still in the open set: still cached
	require.NoError(t, s.rdb.Del(ctx, recordKey("gotham", "7")).Err())
	cached, err = s.IsCached(ctx, "gotham", "7")
	require.NoError(t, err)
	assert.True(t, cached)

	// set membership gone but record present: still cached
	require.NoError(t, s.CacheRequest(ctx, "gotham", "8", record("8", 10, "2024-01-01T00:00:00Z")))
	require.NoError(t, s.rdb.SRem(ctx, openIDsKey("gotham"), "8").Err())
	cached, err = s.IsCached(ctx, "gotham", "8")
	require.NoError(t, err)
	assert.True(t, cached)

	cached, err = s.IsCached(ctx, "gotham", "nope")
	require.NoError(t, err)
	assert.False(t, cached)
}

func TestMGetRequestsToleratesExpiredRecords(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CacheRequest(ctx, "gotham", "1", record("1", 10, "2024-01-01T00:00:00Z")))
	require.NoError(t, s.CacheRequest(ctx, "gotham", "2", record("2", 20, "2024-01-01T00:00:00Z")))

	// expire record 1 naturally; its id lingers in the open set until the
	// next eviction pass
	mr.FastForward(25 * time.Hour)
	require.NoError(t, s.CacheRequest(ctx, "gotham", "2", record("2", 20, "2024-01-01T00:00:00Z")))

	records, err := s.MGetRequests(ctx, "gotham")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "2", records[0]["service_request_id"])
}

func TestMGetRequestsEmptyCity(t *testing.T) {
	s, _ := newTestStore(t)
	records, err := s.MGetRequests(context.Background(), "nowhere")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestGetRecentRequests(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CacheRequest(ctx, "gotham", "1", record("1", 10, "2024-01-01T00:00:00Z")))
	require.NoError(t, s.CacheRequest(ctx, "metropolis", "1", record("1", 20, "2024-01-03T00:00:00Z")))
	require.NoError(t, s.CacheRequest(ctx, "gotham", "2", record("2", 30, "2024-01-02T00:00:00Z")))

	records, err := s.GetRecentRequests(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	// newest first; same-named ids in different cities do not collide
	assert.EqualValues(t, 20, payloadPriority(records[0]))
	assert.EqualValues(t, 30, payloadPriority(records[1]))

	all, err := s.GetRecentRequests(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := s.GetRecentRequests(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}
