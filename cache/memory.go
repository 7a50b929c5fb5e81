package cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/saiset-co/sai-memcache/types"
	"github.com/saiset-co/sai-memcache/utils"
)

const sweepJobName = "memory_cache_sweep"

var sweepBuckets = []float64{0.0001, 0.001, 0.01, 0.1, 1}

type MemoryConfig struct {
	CleanupInterval          string `json:"cleanup_interval"`
	DispatchWorkers          int    `json:"dispatch_workers"`
	DispatchQueue            int    `json:"dispatch_queue"`
	ShutdownTimeout          string `json:"shutdown_timeout"`
	DefaultSlidingExpiration string `json:"default_sliding_expiration"`
}

type MemoryOption func(*MemoryCache)

// WithClock replaces time.Now for deadline computation.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryCache) {
		if now != nil {
			m.now = now
		}
	}
}

func WithMetrics(metrics types.MetricsManager) MemoryOption {
	return func(m *MemoryCache) { m.metrics = metrics }
}

func WithHealth(health types.HealthManager) MemoryOption {
	return func(m *MemoryCache) { m.health = health }
}

// WithCron runs the expiration sweep as a cron job instead of a private ticker.
func WithCron(cron types.CronManager) MemoryOption {
	return func(m *MemoryCache) { m.cron = cron }
}

type MemoryCache struct {
	ctx             context.Context
	config          *MemoryConfig
	logger          types.Logger
	metrics         types.MetricsManager
	health          types.HealthManager
	cron            types.CronManager
	now             func() time.Time
	data            map[string]*CacheEntry
	tokens          map[string]map[string]*CacheEntry
	mu              sync.RWMutex
	sweeps          singleflight.Group
	dispatcher      *Dispatcher
	hits            atomic.Uint64
	misses          atomic.Uint64
	evictions       [types.EvictionReasonCapacity + 1]atomic.Uint64
	lastSweep       atomic.Int64
	startedAt       atomic.Int64
	lifecycle       utils.Lifecycle
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	sweepScheduled  bool
	cleanupInterval time.Duration
	defaultSliding  time.Duration
	shutdownTimeout time.Duration
}

func NewMemoryCache(ctx context.Context, logger types.Logger, config *types.CacheConfig, opts ...MemoryOption) (*MemoryCache, error) {
	var memConfig = &MemoryConfig{
		CleanupInterval: "1m",
		DispatchWorkers: 4,
		DispatchQueue:   1024,
		ShutdownTimeout: "10s",
	}

	if config != nil && config.Config != nil {
		err := utils.UnmarshalConfig(config.Config, memConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory cache config")
		}
	}

	cleanupInterval, err := parseOptionalDuration(memConfig.CleanupInterval)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "cleanup_interval: %v", err)
	}

	shutdownTimeout, err := parseOptionalDuration(memConfig.ShutdownTimeout)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "shutdown_timeout: %v", err)
	}
	if shutdownTimeout == 0 {
		shutdownTimeout = 10 * time.Second
	}

	defaultSliding, err := parseOptionalDuration(memConfig.DefaultSlidingExpiration)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "default_sliding_expiration: %v", err)
	}

	cache := &MemoryCache{
		ctx:             ctx,
		config:          memConfig,
		logger:          logger,
		now:             time.Now,
		data:            make(map[string]*CacheEntry),
		tokens:          make(map[string]map[string]*CacheEntry),
		cleanupInterval: cleanupInterval,
		defaultSliding:  defaultSliding,
		shutdownTimeout: shutdownTimeout,
	}

	for _, opt := range opts {
		opt(cache)
	}

	cache.dispatcher = NewDispatcher(logger, cache.metrics, memConfig.DispatchWorkers, memConfig.DispatchQueue)

	if cache.health != nil {
		cache.health.RegisterChecker("memory_cache", cache.healthCheck)
	}

	return cache, nil
}

// Get returns the value while the entry is valid. An entry found past its
// deadline or holding a cancelled token is evicted on the spot.
func (m *MemoryCache) Get(key string) (interface{}, bool) {
	return m.lookup(key, true)
}

func (m *MemoryCache) lookup(key string, countStats bool) (interface{}, bool) {
	now := m.now()

	m.mu.RLock()
	entry, exists := m.data[key]
	if !exists {
		m.mu.RUnlock()
		if countStats {
			m.misses.Add(1)
		}
		return nil, false
	}

	reason := entry.invalidReason(now)
	if reason == types.EvictionReasonNone {
		entry.touch(now)
		value := entry.value
		m.mu.RUnlock()

		if countStats {
			m.hits.Add(1)
		}
		return value, true
	}
	m.mu.RUnlock()

	m.mu.Lock()
	detached := m.detachLocked(entry)
	count := len(m.data)
	m.mu.Unlock()

	if detached {
		m.finishEviction(entry, reason)
		m.setEntriesGauge(count)
	}

	if countStats {
		m.misses.Add(1)
	}
	return nil, false
}

// Set installs value under key. A previous entry is evicted with Replaced
// first. Entries whose token is already cancelled or whose absolute
// deadline has passed are evicted at once and never become visible.
func (m *MemoryCache) Set(key string, value interface{}, opts *EntryOptions) error {
	if key == "" {
		m.logger.Error("Attempted to set cache entry with empty key")
		return types.ErrCacheKeyEmpty
	}

	if opts == nil {
		opts = NewEntryOptions()
	}

	if err := opts.Validate(); err != nil {
		return err
	}

	options := opts.clone()
	if !options.hasExpiration() && m.defaultSliding > 0 {
		options.SlidingExpiration = m.defaultSliding
	}

	now := m.now()
	entry := newCacheEntry(key, value, options, now)
	immediate := entry.invalidReason(now)

	m.mu.Lock()
	previous, exists := m.data[key]
	if exists {
		m.detachLocked(previous)
	}
	if immediate == types.EvictionReasonNone {
		m.data[key] = entry
		m.trackLocked(entry)
	}
	count := len(m.data)
	m.mu.Unlock()

	if exists {
		m.finishEviction(previous, types.EvictionReasonReplaced)
	}

	if immediate != types.EvictionReasonNone {
		m.finishEviction(entry, immediate)
		return nil
	}

	m.setEntriesGauge(count)

	// Subscribing may run the handler inline when the token was cancelled
	// after the check above, so it happens outside the lock.
	for _, t := range options.Tokens {
		tokenID := t.ID()
		entry.attach(t.Subscribe(func() { m.evictByToken(tokenID) }))
	}

	return nil
}

// GetOrCreate returns the cached value or stores the factory's result. The
// factory runs on the calling goroutine without any lock held, so it may use
// the cache itself, including the same key. Racing misses on one key may
// each run the factory; the last Set wins and replaces the others.
func (m *MemoryCache) GetOrCreate(key string, factory Factory) (interface{}, error) {
	if key == "" {
		return nil, types.ErrCacheKeyEmpty
	}
	if factory == nil {
		return nil, types.ErrFactoryIsNil
	}

	if value, ok := m.Get(key); ok {
		return value, nil
	}

	opts := NewEntryOptions()
	value, err := factory(opts)
	if err != nil {
		return nil, types.JoinError(types.ErrFactoryFailed, err)
	}

	if err = m.Set(key, value, opts); err != nil {
		return nil, err
	}

	return value, nil
}

type asyncResult struct {
	value interface{}
	opts  *EntryOptions
	err   error
}

// GetOrCreateAsync is GetOrCreate with a factory that may block. When ctx
// ends before the factory returns, the late result is dropped uncommitted.
func (m *MemoryCache) GetOrCreateAsync(ctx context.Context, key string, factory AsyncFactory) (interface{}, error) {
	if key == "" {
		return nil, types.ErrCacheKeyEmpty
	}
	if factory == nil {
		return nil, types.ErrFactoryIsNil
	}

	if value, ok := m.Get(key); ok {
		return value, nil
	}

	resultCh := make(chan asyncResult, 1)

	go func() {
		opts := NewEntryOptions()
		defer func() {
			if r := recover(); r != nil {
				resultCh <- asyncResult{err: types.Errorf(types.ErrFactoryFailed, "factory panic: %v", r)}
			}
		}()

		value, err := factory(ctx, opts)
		resultCh <- asyncResult{value: value, opts: opts, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, types.JoinError(types.ErrFactoryFailed, res.err)
		}

		if err := m.Set(key, res.value, res.opts); err != nil {
			return nil, err
		}

		return res.value, nil
	case <-ctx.Done():
		m.logger.Debug("Async cache factory abandoned",
			zap.String("key", key),
			zap.Error(ctx.Err()))
		return nil, types.JoinError(types.ErrContextCancelled, ctx.Err())
	}
}

// Remove evicts key with Removed. Missing keys are ignored.
func (m *MemoryCache) Remove(key string) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	m.mu.Lock()
	entry, exists := m.data[key]
	if exists {
		m.detachLocked(entry)
	}
	count := len(m.data)
	m.mu.Unlock()

	if exists {
		m.finishEviction(entry, types.EvictionReasonRemoved)
		m.setEntriesGauge(count)
	}

	return nil
}

func (m *MemoryCache) CreateEntry(key string) *ScopedEntry {
	return newScopedEntry(m, key)
}

func (m *MemoryCache) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Keys lists stored keys in order, including ones not yet found expired.
func (m *MemoryCache) Keys() []string {
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

func (m *MemoryCache) Stats() types.CacheStats {
	m.mu.RLock()
	entries, tokens := len(m.data), len(m.tokens)
	m.mu.RUnlock()

	evictions := make(map[string]uint64)
	for reason := range m.evictions {
		if n := m.evictions[reason].Load(); n > 0 {
			evictions[types.EvictionReason(reason).String()] = n
		}
	}

	stats := types.CacheStats{
		Entries:          entries,
		Tokens:           tokens,
		Hits:             m.hits.Load(),
		Misses:           m.misses.Load(),
		Evictions:        evictions,
		CallbackFailures: m.dispatcher.Failures(),
		Details: map[string]interface{}{
			"running":          m.IsRunning(),
			"cleanup_interval": m.cleanupInterval.String(),
		},
	}

	if last := m.lastSweep.Load(); last > 0 {
		stats.LastSweep = time.Unix(0, last)
	}

	return stats
}

// WaitForCallbacks blocks until pending eviction callbacks have run.
func (m *MemoryCache) WaitForCallbacks(ctx context.Context) error {
	return m.dispatcher.Wait(ctx)
}

func (m *MemoryCache) Start() error {
	if err := m.lifecycle.BeginStart(); err != nil {
		m.logger.Warn("Memory cache is already running")
		return err
	}

	m.startedAt.Store(m.now().UnixNano())

	if m.cleanupInterval > 0 {
		m.scheduleSweep()
	}

	m.lifecycle.Set(utils.StateRunning)

	m.logger.Info("Memory cache started",
		zap.Duration("cleanup_interval", m.cleanupInterval),
		zap.Bool("cron_sweep", m.sweepScheduled))
	return nil
}

// Stop halts the sweep, drops every entry without notifying callbacks and
// waits for callbacks already dispatched.
func (m *MemoryCache) Stop() error {
	if err := m.lifecycle.BeginStop(); err != nil {
		m.logger.Warn("Memory cache is not running")
		return err
	}

	defer m.lifecycle.Set(utils.StateStopped)

	m.unscheduleSweep()

	m.mu.Lock()
	entries := make([]*CacheEntry, 0, len(m.data))
	for _, entry := range m.data {
		entries = append(entries, entry)
	}
	m.data = make(map[string]*CacheEntry)
	m.tokens = make(map[string]map[string]*CacheEntry)
	m.mu.Unlock()

	for _, entry := range entries {
		entry.release()
	}
	m.setEntriesGauge(0)

	ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
	defer cancel()

	if err := m.dispatcher.Close(ctx); err != nil {
		m.logger.Warn("Memory cache stop timeout, some eviction callbacks may not have completed", zap.Error(err))
	} else {
		m.logger.Info("Memory cache stopped gracefully", zap.Int("cleared_entries", len(entries)))
	}

	return nil
}

func (m *MemoryCache) IsRunning() bool {
	return m.lifecycle.IsRunning()
}

// detachLocked unlinks entry from the table and the token index. It reports
// false when another caller got there first.
func (m *MemoryCache) detachLocked(entry *CacheEntry) bool {
	if current, ok := m.data[entry.key]; !ok || current != entry {
		return false
	}

	delete(m.data, entry.key)
	m.untrackLocked(entry)

	return true
}

func (m *MemoryCache) trackLocked(entry *CacheEntry) {
	for _, t := range entry.options.Tokens {
		id := t.ID()
		set, ok := m.tokens[id]
		if !ok {
			set = make(map[string]*CacheEntry)
			m.tokens[id] = set
		}
		set[entry.key] = entry
	}
}

func (m *MemoryCache) untrackLocked(entry *CacheEntry) {
	for _, t := range entry.options.Tokens {
		id := t.ID()
		set, ok := m.tokens[id]
		if !ok {
			continue
		}
		if set[entry.key] == entry {
			delete(set, entry.key)
		}
		if len(set) == 0 {
			delete(m.tokens, id)
		}
	}
}

func (m *MemoryCache) evictByToken(tokenID string) {
	m.mu.Lock()
	set := m.tokens[tokenID]
	delete(m.tokens, tokenID)

	evicted := make([]*CacheEntry, 0, len(set))
	for _, entry := range set {
		if m.detachLocked(entry) {
			evicted = append(evicted, entry)
		}
	}
	count := len(m.data)
	m.mu.Unlock()

	if len(evicted) == 0 {
		return
	}

	for _, entry := range evicted {
		m.finishEviction(entry, types.EvictionReasonTokenExpired)
	}
	m.setEntriesGauge(count)

	m.logger.Debug("Token cancelled, entries evicted",
		zap.String("token_id", tokenID),
		zap.Int("entries", len(evicted)))
}

// finishEviction runs outside the lock once an entry has left the table.
func (m *MemoryCache) finishEviction(entry *CacheEntry, reason types.EvictionReason) {
	if !entry.markEvicted(reason) {
		return
	}

	entry.release()

	m.evictions[reason].Add(1)
	if m.metrics != nil {
		m.metrics.Counter("cache_evictions_total", map[string]string{"reason": reason.String()}).Inc()
	}

	m.logger.Debug("Cache entry evicted",
		zap.String("key", entry.key),
		zap.Stringer("reason", reason))

	m.dispatcher.Dispatch(entry.key, entry.value, reason, entry.options.Callbacks)
}

// Sweep evicts every invalid entry and reports how many it evicted. Reads
// already evict lazily, so the sweep only bounds how long unread garbage
// stays around. Overlapping calls share one pass.
func (m *MemoryCache) Sweep() int {
	n, _, _ := m.sweeps.Do(sweepJobName, func() (interface{}, error) {
		return m.sweep(), nil
	})
	return n.(int)
}

func (m *MemoryCache) sweep() int {
	start := time.Now()
	now := m.now()

	type victim struct {
		entry  *CacheEntry
		reason types.EvictionReason
	}

	m.mu.Lock()
	var victims []victim
	for _, entry := range m.data {
		if reason := entry.invalidReason(now); reason != types.EvictionReasonNone {
			if m.detachLocked(entry) {
				victims = append(victims, victim{entry: entry, reason: reason})
			}
		}
	}
	count := len(m.data)
	m.mu.Unlock()

	for _, v := range victims {
		m.finishEviction(v.entry, v.reason)
	}

	m.lastSweep.Store(now.UnixNano())
	m.setEntriesGauge(count)

	if m.metrics != nil {
		m.metrics.Histogram("cache_sweep_duration_seconds", sweepBuckets, nil).Observe(time.Since(start).Seconds())
		m.metrics.Counter("cache_sweep_evicted_total", nil).Add(float64(len(victims)))
	}

	if len(victims) > 0 {
		m.logger.Debug("Cache sweep completed",
			zap.Int("evicted", len(victims)),
			zap.Int("remaining", count))
	}

	return len(victims)
}

func (m *MemoryCache) scheduleSweep() {
	if m.cron != nil {
		err := m.cron.Add(sweepJobName, "@every "+m.cleanupInterval.String(), func() { m.Sweep() })
		if err == nil {
			m.sweepScheduled = true
			return
		}

		m.logger.Warn("Failed to schedule cache sweep with cron, using ticker", zap.Error(err))
	}

	m.stopCleanup = make(chan struct{})
	m.cleanupDone = make(chan struct{})
	go m.startCleanupRoutine(m.stopCleanup, m.cleanupDone)
}

func (m *MemoryCache) unscheduleSweep() {
	if m.sweepScheduled {
		if err := m.cron.Remove(sweepJobName); err != nil {
			m.logger.Warn("Failed to remove cache sweep job", zap.Error(err))
		}
		m.sweepScheduled = false
		return
	}

	if m.stopCleanup == nil {
		return
	}

	close(m.stopCleanup)

	select {
	case <-m.cleanupDone:
		m.logger.Debug("Cleanup routine stopped")
	case <-time.After(5 * time.Second):
		m.logger.Warn("Cleanup routine stop timeout")
	}

	m.stopCleanup = nil
	m.cleanupDone = nil
}

func (m *MemoryCache) startCleanupRoutine(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Debug("Cleanup routine stopped by context")
			return
		case <-stop:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// healthCheck is unhealthy while stopped and unknown once the sweep has
// missed three intervals in a row.
func (m *MemoryCache) healthCheck(_ context.Context) types.HealthCheck {
	stats := m.Stats()

	check := types.HealthCheck{
		Status:  types.StatusHealthy,
		Message: "memory cache is running",
		Details: map[string]interface{}{
			"entries":           stats.Entries,
			"tokens":            stats.Tokens,
			"hits":              stats.Hits,
			"misses":            stats.Misses,
			"callback_failures": stats.CallbackFailures,
		},
	}

	if !m.IsRunning() {
		check.Status = types.StatusUnhealthy
		check.Message = "memory cache is not running"
		return check
	}

	if m.cleanupInterval <= 0 {
		return check
	}

	since := m.startedAt.Load()
	if last := m.lastSweep.Load(); last > since {
		since = last
	}

	idle := m.now().Sub(time.Unix(0, since))
	check.Details["since_sweep"] = idle.String()
	if idle > 3*m.cleanupInterval {
		check.Status = types.StatusUnknown
		check.Message = "memory cache sweep is overdue"
	}

	return check
}

func (m *MemoryCache) setEntriesGauge(count int) {
	if m.metrics == nil {
		return
	}
	m.metrics.Gauge("cache_entries", nil).Set(float64(count))
}

func parseOptionalDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, types.NewErrorf("negative duration %q", value)
	}

	return d, nil
}

var _ Manager = (*MemoryCache)(nil)
