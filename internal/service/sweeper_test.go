package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobtrackd/jobtrackd/config"
	"github.com/jobtrackd/jobtrackd/internal/core"
	"github.com/jobtrackd/jobtrackd/internal/data"
	"github.com/jobtrackd/jobtrackd/internal/domain/model"
)

// memCacheRepo is an in-memory core.CacheRepository for service tests.
type memCacheRepo struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newMemCacheRepo() *memCacheRepo {
	return &memCacheRepo{entries: map[string][]byte{}}
}

func (m *memCacheRepo) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
	return nil
}

func (m *memCacheRepo) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key], nil
}

func (m *memCacheRepo) Delete(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	delete(m.entries, key)
	return ok, nil
}

func (m *memCacheRepo) Keys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var keys []string
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *memCacheRepo) Health(ctx context.Context) error { return nil }

func newTestSweeper(t *testing.T, jobs core.JobRepository, deliveries core.DeliveryRepository, cache *core.JobCache) *SweeperService {
	t.Helper()
	svc, err := NewSweeperService(SweeperServiceOptions{
		Jobs:       jobs,
		Deliveries: deliveries,
		Cache:      cache,
		Config: config.SweeperConfig{
			FullInterval:      time.Hour,
			ExpiredInterval:   15 * time.Minute,
			DeliveryRetention: 720 * time.Hour,
			BatchSize:         2,
		},
		Now: fixedNow,
	})
	require.NoError(t, err)
	return svc
}

func TestSweeperService_SweepExpired(t *testing.T) {
	ttl := int64(2000)
	expired := &model.Job{
		ID:        "job-old",
		Name:      "short lived",
		TTL:       &ttl,
		CreatedAt: fixedNow().Add(-5 * time.Second),
	}

	var deletedIDs []string
	jobs := &mockJobRepository{
		listExpiredFunc: func(ctx context.Context, now time.Time) ([]*model.Job, error) {
			assert.Equal(t, fixedNow(), now)
			return []*model.Job{expired}, nil
		},
		deleteBatchFunc: func(ctx context.Context, ids []string) (int64, error) {
			deletedIDs = ids
			return int64(len(ids)), nil
		},
	}

	cacheRepo := newMemCacheRepo()
	require.NoError(t, cacheRepo.Set(context.Background(), core.Key("job-old"), []byte(`{}`), 0))
	cache := core.NewJobCache(core.JobCacheOptions{Cache: cacheRepo})

	svc := newTestSweeper(t, jobs, &mockDeliveryRepository{}, cache)

	count, err := svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, []string{"job-old"}, deletedIDs)

	// The cache entry goes with the row.
	raw, err := cacheRepo.Get(context.Background(), core.Key("job-old"))
	require.NoError(t, err)
	assert.Empty(t, raw)
}

func TestSweeperService_SweepExpired_NothingExpired(t *testing.T) {
	jobs := &mockJobRepository{
		listExpiredFunc: func(ctx context.Context, now time.Time) ([]*model.Job, error) {
			return nil, nil
		},
		deleteBatchFunc: func(ctx context.Context, ids []string) (int64, error) {
			t.Fatal("DeleteBatch must not be called with no expired jobs")
			return 0, nil
		},
	}
	svc := newTestSweeper(t, jobs, &mockDeliveryRepository{}, nil)

	count, err := svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSweeperService_SweepStaleDeliveries_LoopsUntilEmpty(t *testing.T) {
	var calls int
	var gotCutoff time.Time
	deliveries := &mockDeliveryRepository{
		deleteOlderThanFunc: func(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
			calls++
			gotCutoff = cutoff
			assert.Equal(t, 2, batchSize)
			if calls <= 2 {
				return 2, nil
			}
			return 0, nil
		},
	}
	svc := newTestSweeper(t, &mockJobRepository{}, deliveries, nil)

	count, err := svc.SweepStaleDeliveries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
	assert.Equal(t, 3, calls)
	assert.Equal(t, fixedNow().Add(-720*time.Hour), gotCutoff)
}

func TestSweeperService_SweepCache_EvictsOrphans(t *testing.T) {
	jobs := &mockJobRepository{
		getByIDFunc: func(ctx context.Context, id string) (*model.Job, error) {
			if id == "live" {
				return &model.Job{ID: id}, nil
			}
			return nil, data.ErrJobNotFound
		},
	}

	cacheRepo := newMemCacheRepo()
	ctx := context.Background()
	require.NoError(t, cacheRepo.Set(ctx, core.Key("live"), []byte(`{}`), 0))
	require.NoError(t, cacheRepo.Set(ctx, core.Key("gone"), []byte(`{}`), 0))
	cache := core.NewJobCache(core.JobCacheOptions{Cache: cacheRepo})

	svc := newTestSweeper(t, jobs, &mockDeliveryRepository{}, cache)

	evicted, err := svc.SweepCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), evicted)

	live, err := cacheRepo.Get(ctx, core.Key("live"))
	require.NoError(t, err)
	assert.NotEmpty(t, live)
	orphan, err := cacheRepo.Get(ctx, core.Key("gone"))
	require.NoError(t, err)
	assert.Empty(t, orphan)
}

func TestSweeperService_SweepCache_DisabledCacheIsNoOp(t *testing.T) {
	svc := newTestSweeper(t, &mockJobRepository{}, &mockDeliveryRepository{}, nil)

	evicted, err := svc.SweepCache(context.Background())
	require.NoError(t, err)
	assert.Zero(t, evicted)
}

func TestSweeperService_Run_StopsOnCancel(t *testing.T) {
	jobs := &mockJobRepository{
		listExpiredFunc: func(ctx context.Context, now time.Time) ([]*model.Job, error) {
			return nil, nil
		},
	}
	deliveries := &mockDeliveryRepository{}
	svc, err := NewSweeperService(SweeperServiceOptions{
		Jobs:       jobs,
		Deliveries: deliveries,
		Config: config.SweeperConfig{
			FullInterval:    time.Hour,
			ExpiredInterval: time.Hour,
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case runErr := <-done:
		assert.NoError(t, runErr)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
