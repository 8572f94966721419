package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/LogIngestionAgent/internal/logging"
)

func openTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "logs.db")
	}
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func appendEvents(t *testing.T, s *Store, group string, names ...string) []int64 {
	t.Helper()
	ids := make([]int64, 0, len(names))
	for _, name := range names {
		id, err := s.Append(context.Background(), group, logging.NewEventLog(name, nil))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func eventNames(b *Batch) []string {
	var names []string
	for _, l := range b.Logs() {
		names = append(names, l.(*logging.EventLog).Name)
	}
	return names
}

func TestStore_NextBatchKeepsInsertionOrder(t *testing.T) {
	s := openTestStore(t, Config{})
	ctx := context.Background()
	appendEvents(t, s, "events", "a", "b", "c", "d")

	b, err := s.NextBatch(ctx, "events", 3)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, "events", b.Group)
	assert.Equal(t, []string{"a", "b", "c"}, eventNames(b))
	assert.Len(t, b.Payloads(), 3)

	n, err := s.Count(ctx, "events")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_SingleFlightPerGroup(t *testing.T) {
	s := openTestStore(t, Config{})
	ctx := context.Background()
	appendEvents(t, s, "events", "a", "b")
	appendEvents(t, s, "crashes", "c")

	first, err := s.NextBatch(ctx, "events", 1)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := s.NextBatch(ctx, "events", 1)
	require.NoError(t, err)
	assert.Nil(t, second, "a group must not have two batches in flight")

	other, err := s.NextBatch(ctx, "crashes", 1)
	require.NoError(t, err)
	assert.NotNil(t, other, "groups are independent")

	require.NoError(t, s.AckSuccess(ctx, first))
	next, err := s.NextBatch(ctx, "events", 5)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, []string{"b"}, eventNames(next))
}

func TestStore_NextBatchEmpty(t *testing.T) {
	s := openTestStore(t, Config{})

	b, err := s.NextBatch(context.Background(), "events", 10)
	require.NoError(t, err)
	assert.Nil(t, b)

	_, err = s.NextBatch(context.Background(), "events", 0)
	assert.Error(t, err)
}

func TestStore_AckSuccessDeletes(t *testing.T) {
	s := openTestStore(t, Config{})
	ctx := context.Background()
	appendEvents(t, s, "events", "a", "b")

	b, err := s.NextBatch(ctx, "events", 10)
	require.NoError(t, err)
	require.NoError(t, s.MarkSent(ctx, b))
	require.NoError(t, s.AckSuccess(ctx, b))

	size, err := s.Size(ctx, "events")
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestStore_AckFailure(t *testing.T) {
	s := openTestStore(t, Config{})
	ctx := context.Background()
	appendEvents(t, s, "events", "a", "b", "c")

	b, err := s.NextBatch(ctx, "events", 2)
	require.NoError(t, err)
	require.NoError(t, s.AckFailure(ctx, b, true))

	again, err := s.NextBatch(ctx, "events", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, eventNames(again), "retryable entries keep their position")

	require.NoError(t, s.AckFailure(ctx, again, false))
	size, err := s.Size(ctx, "events")
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestStore_CapacityEvictsOldestNotInFlight(t *testing.T) {
	var mu sync.Mutex
	evictions := map[string]int{}
	s := openTestStore(t, Config{
		DefaultCapacity: 3,
		OnEvict: func(group string, n int) {
			mu.Lock()
			evictions[group] += n
			mu.Unlock()
		},
	})
	ctx := context.Background()
	appendEvents(t, s, "events", "a", "b", "c")

	inFlight, err := s.NextBatch(ctx, "events", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, eventNames(inFlight))

	appendEvents(t, s, "events", "d")

	size, err := s.Size(ctx, "events")
	require.NoError(t, err)
	assert.Equal(t, 3, size)

	require.NoError(t, s.AckFailure(ctx, inFlight, true))
	b, err := s.NextBatch(ctx, "events", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "d"}, eventNames(b), "b was the oldest entry not in flight")

	mu.Lock()
	assert.Equal(t, 1, evictions["events"])
	mu.Unlock()
}

func TestStore_CapacityDefersEvictionOfInFlight(t *testing.T) {
	s := openTestStore(t, Config{})
	s.SetCapacity("events", 2)
	assert.Equal(t, 2, s.Capacity("events"))
	ctx := context.Background()
	appendEvents(t, s, "events", "a", "b")

	inFlight, err := s.NextBatch(ctx, "events", 2)
	require.NoError(t, err)

	appendEvents(t, s, "events", "c")
	size, err := s.Size(ctx, "events")
	require.NoError(t, err)
	assert.Equal(t, 3, size, "in-flight entries are never evicted")

	require.NoError(t, s.AckFailure(ctx, inFlight, true))
	size, err = s.Size(ctx, "events")
	require.NoError(t, err)
	assert.Equal(t, 2, size, "deferred eviction applies once the batch resolves")

	b, err := s.NextBatch(ctx, "events", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, eventNames(b))
}

func TestStore_ReopenRequeuesUnresolvedBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs.db")
	ctx := context.Background()

	s, err := Open(Config{Path: path})
	require.NoError(t, err)
	appendEvents(t, s, "events", "a", "b", "c")
	b, err := s.NextBatch(ctx, "events", 3)
	require.NoError(t, err)
	require.NoError(t, s.MarkSent(ctx, b))
	require.NoError(t, s.Close())

	reopened := openTestStore(t, Config{Path: path})
	n, err := reopened.Count(ctx, "events")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	again, err := reopened.NextBatch(ctx, "events", 3)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.NotEqual(t, b.ID, again.ID)
	assert.Equal(t, []string{"a", "b", "c"}, eventNames(again))
}

func TestStore_SecondOpenWithoutRecoveryKeepsBatchInFlight(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs.db")
	ctx := context.Background()

	owner := openTestStore(t, Config{Path: path})
	appendEvents(t, owner, "events", "a", "b")
	b, err := owner.NextBatch(ctx, "events", 2)
	require.NoError(t, err)
	require.NotNil(t, b)
	require.NoError(t, owner.MarkSent(ctx, b))

	viewer, err := Open(Config{Path: path, SkipRecovery: true})
	require.NoError(t, err)
	stats, err := viewer.Groups(ctx)
	require.NoError(t, err)
	assert.Equal(t, GroupStats{Total: 2, InFlight: 2}, stats["events"])
	require.NoError(t, viewer.Close())

	next, err := owner.NextBatch(ctx, "events", 2)
	require.NoError(t, err)
	assert.Nil(t, next, "the batch stays in flight")

	require.NoError(t, owner.AckSuccess(ctx, b))
	size, err := owner.Size(ctx, "events")
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestStore_HeldEntries(t *testing.T) {
	s := openTestStore(t, Config{})
	ctx := context.Background()

	crash := &logging.ErrorLog{Fatal: true}
	id, err := s.Append(ctx, "crashes", crash, Held())
	require.NoError(t, err)
	appendEvents(t, s, "crashes", "attachment")

	n, err := s.Count(ctx, "crashes")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "held entries are not eligible")

	held, err := s.Held(ctx, "crashes")
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, id, held[0].ID)
	assert.True(t, logging.Equal(crash, held[0].Log))

	stats, err := s.Groups(ctx)
	require.NoError(t, err)
	assert.Equal(t, GroupStats{Total: 2, Held: 1}, stats["crashes"])

	require.NoError(t, s.Release(ctx, "crashes", id))
	n, err = s.Count(ctx, "crashes")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.Delete(ctx, "crashes", id))
	size, err := s.Size(ctx, "crashes")
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestStore_DiscardsUndecodableEntries(t *testing.T) {
	discarded := 0
	s := openTestStore(t, Config{OnDiscard: func(_ string, n int) { discarded += n }})
	ctx := context.Background()

	appendEvents(t, s, "events", "a")
	_, err := s.db.Exec(`INSERT INTO logs (log_group, payload, held, created_at) VALUES (?, ?, 0, ?)`,
		"events", []byte(`{"type":"unknown"}`), time.Now().UnixMilli())
	require.NoError(t, err)
	appendEvents(t, s, "events", "b")

	b, err := s.NextBatch(ctx, "events", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, eventNames(b))
	assert.Equal(t, 1, discarded)

	size, err := s.Size(ctx, "events")
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func TestStore_AppendRejectsUnregisteredType(t *testing.T) {
	s := openTestStore(t, Config{Serializer: logging.NewSerializer()})

	_, err := s.Append(context.Background(), "events", logging.NewEventLog("a", nil))
	var schemaErr *logging.SchemaError
	assert.True(t, errors.As(err, &schemaErr))
}

func TestStore_ErrorsAfterClose(t *testing.T) {
	s := openTestStore(t, Config{})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Append(context.Background(), "events", logging.NewEventLog("a", nil))
	var storageErr *StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.Equal(t, "append", storageErr.Op)
	assert.Equal(t, "events", storageErr.Group)
}

func TestStore_ConcurrentAppends(t *testing.T) {
	s := openTestStore(t, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_, err := s.Append(ctx, "events", logging.NewEventLog("e", nil))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	n, err := s.Count(ctx, "events")
	require.NoError(t, err)
	assert.Equal(t, 100, n)
}

func TestPreferences(t *testing.T) {
	s := openTestStore(t, Config{})
	prefs := s.Preferences()
	ctx := context.Background()

	v, err := prefs.Bool(ctx, "crashes.always_send")
	require.NoError(t, err)
	assert.False(t, v)

	require.NoError(t, prefs.SetBool(ctx, "crashes.always_send", true))
	v, err = prefs.Bool(ctx, "crashes.always_send")
	require.NoError(t, err)
	assert.True(t, v)

	require.NoError(t, prefs.SetBool(ctx, "crashes.always_send", false))
	v, err = prefs.Bool(ctx, "crashes.always_send")
	require.NoError(t, err)
	assert.False(t, v)
}

func TestPreferences_String(t *testing.T) {
	s := openTestStore(t, Config{})
	prefs := s.Preferences()
	ctx := context.Background()

	_, ok, err := prefs.String(ctx, "install_id")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, prefs.SetString(ctx, "install_id", "abc"))
	v, ok, err := prefs.String(ctx, "install_id")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc", v)

	require.NoError(t, prefs.SetString(ctx, "install_id", "not-a-bool"))
	_, err = prefs.Bool(ctx, "install_id")
	var storageErr *StorageError
	assert.True(t, errors.As(err, &storageErr))
}
