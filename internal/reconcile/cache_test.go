package reconcile

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"greennanny-dashboard/internal/store"
	"greennanny-dashboard/internal/types"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newCache(st store.PersistentStore) *Cache {
	return New(st, Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
}

func unsynced(n int) []types.Measurement {
	ms := make([]types.Measurement, n)
	for i := range ms {
		temp := 20 + float64(i)
		ms[i] = types.Measurement{Temperature: &temp}
	}
	return ms
}

func stamps(res Result) []int64 {
	out := make([]int64, len(res.Measurements))
	for i, m := range res.Measurements {
		out[i] = m.StabilizedTimestamp
	}
	return out
}

func equal(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestReconcile_backfillUsesIntervalFromNewest(t *testing.T) {
	c := newCache(nil)

	res := c.Reconcile(unsynced(3), time.Hour, t0)

	want := []int64{
		t0.Add(-2 * time.Hour).UnixMilli(),
		t0.Add(-time.Hour).UnixMilli(),
		t0.UnixMilli(),
	}
	if got := stamps(res); !equal(got, want) {
		t.Errorf("stamps = %v; want %v", got, want)
	}
	if res.Added != 3 {
		t.Errorf("Added = %d; want 3", res.Added)
	}
}

func TestReconcile_stableAcrossCycles(t *testing.T) {
	c := newCache(nil)
	ms := unsynced(3)

	first := stamps(c.Reconcile(ms, time.Hour, t0))

	// Later cycles, a different interval and a longer history must not move
	// anything already stamped.
	second := c.Reconcile(append(ms, unsynced(1)...), 3*time.Hour, t0.Add(90*time.Minute))
	got := stamps(second)
	if !equal(got[:3], first) {
		t.Errorf("existing stamps moved: %v; want prefix %v", got, first)
	}
	if got[3] != t0.Add(90*time.Minute).UnixMilli() {
		t.Errorf("new stamp = %d; want %d", got[3], t0.Add(90*time.Minute).UnixMilli())
	}
	if second.Added != 1 {
		t.Errorf("Added = %d; want 1", second.Added)
	}

	third := stamps(c.Reconcile(append(ms, unsynced(1)...), time.Hour, t0.Add(10*time.Hour)))
	if !equal(third, got) {
		t.Errorf("repeat cycle changed stamps: %v; want %v", third, got)
	}
}

func TestReconcile_plausibleRawIsTrusted(t *testing.T) {
	c := newCache(nil)
	raw := t0.Add(-36 * time.Hour).UnixMilli()
	ms := []types.Measurement{{RawTimestamp: raw}, {RawTimestamp: 42}}

	res := c.Reconcile(ms, time.Hour, t0)

	got := stamps(res)
	if got[0] != raw {
		t.Errorf("plausible stamp = %d; want %d", got[0], raw)
	}
	// A positive but implausible raw value is backfilled like zero.
	if got[1] != t0.UnixMilli() {
		t.Errorf("implausible stamp = %d; want %d", got[1], t0.UnixMilli())
	}
}

func TestReconcile_manualTriggerTakesPriority(t *testing.T) {
	c := newCache(nil)
	c.Reconcile(unsynced(2), time.Hour, t0)

	triggeredAt := t0.Add(5 * time.Minute)
	c.RecordTrigger(triggeredAt)
	if c.PendingTriggers() != 1 {
		t.Fatalf("PendingTriggers = %d; want 1", c.PendingTriggers())
	}

	res := c.Reconcile(unsynced(3), time.Hour, t0.Add(6*time.Minute))
	got := stamps(res)
	if got[2] != triggeredAt.UnixMilli() {
		t.Errorf("triggered stamp = %d; want %d", got[2], triggeredAt.UnixMilli())
	}
	if res.Triggered != 1 {
		t.Errorf("Triggered = %d; want 1", res.Triggered)
	}
	if c.PendingTriggers() != 0 {
		t.Errorf("PendingTriggers = %d; want 0 after consumption", c.PendingTriggers())
	}
}

func TestReconcile_triggersConsumedFIFO(t *testing.T) {
	c := newCache(nil)
	c.Reconcile(unsynced(1), time.Hour, t0)

	first, second := t0.Add(time.Minute), t0.Add(2*time.Minute)
	c.RecordTrigger(first)
	c.RecordTrigger(second)

	got := stamps(c.Reconcile(unsynced(3), time.Hour, t0.Add(3*time.Minute)))
	if got[1] != first.UnixMilli() || got[2] != second.UnixMilli() {
		t.Errorf("stamps = %v; want oldest new entry %d then %d", got, first.UnixMilli(), second.UnixMilli())
	}
}

func TestReconcile_staleTriggersExpire(t *testing.T) {
	c := New(nil, Options{TriggerTTL: time.Minute, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	c.RecordTrigger(t0)

	got := stamps(c.Reconcile(unsynced(1), time.Hour, t0.Add(5*time.Minute)))
	if got[0] != t0.Add(5*time.Minute).UnixMilli() {
		t.Errorf("stamp = %d; want backfilled %d", got[0], t0.Add(5*time.Minute).UnixMilli())
	}
	if c.PendingTriggers() != 0 {
		t.Errorf("PendingTriggers = %d; want 0", c.PendingTriggers())
	}
}

func TestReconcile_shrinkResets(t *testing.T) {
	later := t0.Add(24 * time.Hour)

	tests := []struct {
		name  string
		after int
		want  []int64
	}{
		{"5 to 2", 2, []int64{later.Add(-time.Hour).UnixMilli(), later.UnixMilli()}},
		{"5 to 0", 0, []int64{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCache(nil)
			c.Reconcile(unsynced(5), time.Hour, t0)
			// Still inside the trigger TTL when the shrink is seen.
			c.RecordTrigger(later.Add(-time.Minute))

			res := c.Reconcile(unsynced(tt.after), time.Hour, later)

			if !res.Reset {
				t.Fatal("Reset = false; want true when history shrinks")
			}
			if got := stamps(res); !equal(got, tt.want) {
				t.Errorf("stamps = %v; want recomputed %v", got, tt.want)
			}
			if res.Triggered != 0 {
				t.Errorf("Triggered = %d; pending triggers should have been discarded", res.Triggered)
			}
			if n := c.PendingTriggers(); n != 0 {
				t.Errorf("PendingTriggers = %d; want 0", n)
			}
			if n := c.Len(); n != tt.after {
				t.Errorf("Len = %d; want %d", n, tt.after)
			}
		})
	}
}

func TestReconcile_monotonicEmission(t *testing.T) {
	c := newCache(nil)
	// Device order does not match time order here.
	ms := []types.Measurement{
		{RawTimestamp: t0.Add(-time.Hour).UnixMilli()},
		{RawTimestamp: 0},
		{RawTimestamp: t0.Add(-48 * time.Hour).UnixMilli()},
	}
	got := stamps(c.Reconcile(ms, time.Hour, t0))
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Fatalf("stamps not non-decreasing: %v", got)
		}
	}
}

func TestReconcile_emptyHistory(t *testing.T) {
	c := newCache(nil)
	res := c.Reconcile(nil, time.Hour, t0)
	if len(res.Measurements) != 0 || res.Reset {
		t.Errorf("res = %+v; want empty, no reset", res)
	}
}

func TestCache_persistence(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	c := newCache(st)
	first := stamps(c.Reconcile(unsynced(3), time.Hour, t0))
	c.RecordTrigger(t0.Add(time.Minute))
	if err := c.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	restarted := newCache(st)
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if restarted.PendingTriggers() != 1 {
		t.Errorf("PendingTriggers = %d; want 1", restarted.PendingTriggers())
	}
	got := stamps(restarted.Reconcile(unsynced(3), 6*time.Hour, t0.Add(3*time.Hour)))
	if !equal(got, first) {
		t.Errorf("stamps after restart = %v; want %v", got, first)
	}
}

func TestCache_saveOnlyWhenDirty(t *testing.T) {
	st := &countingStore{PersistentStore: store.NewMemory()}
	ctx := context.Background()
	c := newCache(st)

	c.Reconcile(unsynced(2), time.Hour, t0)
	_ = c.Save(ctx)
	c.Reconcile(unsynced(2), time.Hour, t0.Add(time.Hour))
	_ = c.Save(ctx)

	if st.sets != 1 {
		t.Errorf("Set calls = %d; want 1", st.sets)
	}
}

func TestCache_corruptSnapshotStartsEmpty(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	_ = st.Set(ctx, StoreKey, []byte("{broken"))

	c := newCache(st)
	if err := c.Load(ctx); err == nil {
		t.Fatal("Load: want decode error")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d; want 0", c.Len())
	}
	res := c.Reconcile(unsynced(1), time.Hour, t0)
	if len(res.Measurements) != 1 {
		t.Errorf("cache unusable after failed load")
	}
}

type countingStore struct {
	store.PersistentStore
	sets int
}

func (s *countingStore) Set(ctx context.Context, key string, value []byte) error {
	s.sets++
	return s.PersistentStore.Set(ctx, key, value)
}
