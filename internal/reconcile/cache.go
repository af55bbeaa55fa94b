// Package reconcile assigns every history entry a stable display timestamp.
//
// The controller reports epoch_ms = 0 (or garbage) for samples captured
// before NTP sync. Such samples get a timestamp derived once, when first
// seen, and that value is kept until the history shrinks.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"greennanny-dashboard/internal/store"
	"greennanny-dashboard/internal/types"
)

const (
	// StoreKey is the key the cache is persisted under.
	StoreKey = "greennanny.timestamp-cache.v1"

	// PlausibleEpochMs is the smallest raw timestamp trusted as wall-clock
	// time (September 2001).
	PlausibleEpochMs int64 = 1_000_000_000_000
)

type Options struct {
	// TriggerTTL drops manual trigger times that found no sample.
	TriggerTTL time.Duration
	Logger     *slog.Logger
}

type Cache struct {
	mu         sync.Mutex
	store      store.PersistentStore
	triggerTTL time.Duration
	logger     *slog.Logger

	stamps    map[string]int64
	pending   []int64
	lastCount int
	dirty     bool
}

// Result is the outcome of one Reconcile call.
type Result struct {
	// Measurements are sorted by stabilized timestamp.
	Measurements []types.DisplayMeasurement
	// Reset is true when the history shrank and the cache was discarded.
	Reset bool
	// Added is the number of entries stamped for the first time.
	Added int
	// Triggered is how many of them took a manual trigger time.
	Triggered int
}

type snapshot struct {
	Stamps    map[string]int64 `json:"stamps"`
	Pending   []int64          `json:"pendingTriggers"`
	LastCount int              `json:"lastCount"`
}

func New(st store.PersistentStore, opts Options) *Cache {
	if opts.TriggerTTL <= 0 {
		opts.TriggerTTL = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		store:      st,
		triggerTTL: opts.TriggerTTL,
		logger:     opts.Logger,
		stamps:     map[string]int64{},
	}
}

// Load replaces the in-memory state with the persisted one. On error the
// cache stays empty and usable.
func (c *Cache) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stamps, c.pending, c.lastCount = map[string]int64{}, nil, 0
	if c.store == nil {
		return nil
	}
	b, ok, err := c.store.Get(ctx, StoreKey)
	if err != nil {
		return fmt.Errorf("load timestamp cache: %w", err)
	}
	if !ok {
		return nil
	}
	var s snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("decode timestamp cache: %w", err)
	}
	if s.Stamps != nil {
		c.stamps = s.Stamps
	}
	c.pending = s.Pending
	c.lastCount = s.LastCount
	c.logger.Debug("timestamp cache loaded", "entries", len(c.stamps), "pending_triggers", len(c.pending))
	return nil
}

// Save persists the cache if it changed since the last Save.
func (c *Cache) Save(ctx context.Context) error {
	c.mu.Lock()
	if !c.dirty || c.store == nil {
		c.mu.Unlock()
		return nil
	}
	b, err := json.Marshal(snapshot{Stamps: c.stamps, Pending: c.pending, LastCount: c.lastCount})
	c.dirty = false
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode timestamp cache: %w", err)
	}
	if err := c.store.Set(ctx, StoreKey, b); err != nil {
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
		return fmt.Errorf("save timestamp cache: %w", err)
	}
	return nil
}

// RecordTrigger queues the time a manual measurement was requested.
func (c *Cache) RecordTrigger(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, at.UnixMilli())
	c.dirty = true
}

// Reset discards every stabilized timestamp and pending trigger.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func (c *Cache) resetLocked() {
	c.stamps = map[string]int64{}
	c.pending = nil
	c.lastCount = 0
	c.dirty = true
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stamps)
}

func (c *Cache) PendingTriggers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Reconcile stamps ms (in device order) and returns them sorted by stamp.
// interval is the current measurement interval, used to backfill entries
// without a plausible raw timestamp.
func (c *Cache) Reconcile(ms []types.Measurement, interval time.Duration, now time.Time) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	var res Result
	if len(ms) < c.lastCount {
		c.logger.Info("device history shrank, discarding timestamp cache", "previous", c.lastCount, "current", len(ms))
		c.resetLocked()
		res.Reset = true
	}

	c.expireTriggersLocked(now)

	keys := make([]string, len(ms))
	present := make(map[string]bool, len(ms))
	var fresh []int
	for i, m := range ms {
		keys[i] = key(i, m.RawTimestamp)
		if _, ok := c.stamps[keys[i]]; ok || present[keys[i]] {
			present[keys[i]] = true
			continue
		}
		present[keys[i]] = true
		fresh = append(fresh, i)
	}

	// The newest unseen entries are the ones a pending manual trigger can
	// have produced. Oldest trigger goes to the oldest of them.
	matched := min(len(fresh), len(c.pending))
	for j, i := range fresh[len(fresh)-matched:] {
		c.stamps[keys[i]] = c.pending[j]
	}
	c.pending = c.pending[matched:]
	res.Triggered = matched

	nowMs := now.UnixMilli()
	step := interval.Milliseconds()
	for _, i := range fresh[:len(fresh)-matched] {
		raw := ms[i].RawTimestamp
		if raw >= PlausibleEpochMs {
			c.stamps[keys[i]] = raw
			continue
		}
		fromNewest := int64(len(ms) - 1 - i)
		c.stamps[keys[i]] = nowMs - fromNewest*step
	}
	res.Added = len(fresh)

	// Entries that left the device history never come back.
	for k := range c.stamps {
		if !present[k] {
			delete(c.stamps, k)
			c.dirty = true
		}
	}

	out := make([]types.DisplayMeasurement, len(ms))
	for i, m := range ms {
		out[i] = types.DisplayMeasurement{Measurement: m, StabilizedTimestamp: c.stamps[keys[i]]}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].StabilizedTimestamp < out[b].StabilizedTimestamp })
	res.Measurements = out

	if len(fresh) > 0 || c.lastCount != len(ms) || res.Reset {
		c.dirty = true
	}
	c.lastCount = len(ms)
	return res
}

func (c *Cache) expireTriggersLocked(now time.Time) {
	cutoff := now.Add(-c.triggerTTL).UnixMilli()
	kept := c.pending[:0]
	for _, at := range c.pending {
		if at >= cutoff {
			kept = append(kept, at)
		}
	}
	if len(kept) != len(c.pending) {
		c.dirty = true
	}
	c.pending = kept
}

// key identifies an entry across cycles. Trustworthy timestamps identify
// themselves; anything else is only distinguishable by position.
func key(position int, raw int64) string {
	if raw >= PlausibleEpochMs {
		return "t:" + strconv.FormatInt(raw, 10)
	}
	return "p:" + strconv.Itoa(position) + ":" + strconv.FormatInt(raw, 10)
}
