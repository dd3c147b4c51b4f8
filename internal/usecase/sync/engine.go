// Package sync reconciles the local cache with the remote catalog: pull
// newer remote changes, then push local mutations, on an interval and on
// demand. One goroutine runs all cycles, so reconciliations never overlap.
package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/fieldmark/fieldmark/internal/cache"
	"github.com/fieldmark/fieldmark/internal/domain"
	"github.com/fieldmark/fieldmark/internal/domain/record"
	"github.com/fieldmark/fieldmark/internal/metrics"
	"github.com/fieldmark/fieldmark/internal/remote"
)

// Config holds sync scheduling and retry policy. Constants are deliberately
// plain configuration, not inferred behavior.
type Config struct {
	// Interval between timer-driven cycles.
	Interval time.Duration
	// PushAttempts is the per-record push attempt budget within one cycle.
	// A record still failing stays dirty for the next cycle.
	PushAttempts int
	// RetryBase and RetryMax bound the jittered exponential backoff between
	// push attempts.
	RetryBase time.Duration
	RetryMax  time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.PushAttempts <= 0 {
		c.PushAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
}

// Engine orchestrates reconciliation between the local cache and the remote
// store, and owns the connectivity mode.
type Engine struct {
	cache       Cache
	remote      remote.Client
	clock       clockwork.Clock
	logger      *zap.Logger
	cfg         Config
	invalidator Invalidator

	mu    stdsync.Mutex
	state cache.State

	trigger chan struct{}
	syncing stdsync.Mutex // held for the duration of one cycle
}

// New creates a sync engine. Call Start before Run.
func New(c Cache, r remote.Client, clock clockwork.Clock, logger *zap.Logger, cfg Config, opts ...Option) *Engine {
	cfg.applyDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cache:   c,
		remote:  r,
		clock:   clock,
		logger:  logger.Named("sync"),
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithInvalidator wires the cache-changed notification target.
func WithInvalidator(inv Invalidator) Option {
	return func(e *Engine) { e.invalidator = inv }
}

// EnsureState loads the persisted sync state, initializing it on first run
// with a fresh device id. A state persisted mid-sync (crash) is normalized
// to offline; pending pushes are replay-safe, so nothing else is repaired.
func EnsureState(ctx context.Context, c Cache) (cache.State, error) {
	state, err := c.LoadState(ctx)
	switch {
	case errors.Is(err, cache.ErrNoState):
		state = cache.State{
			Mode:     cache.ModeOffline,
			DeviceID: uuid.NewString(),
		}
	case err != nil:
		return cache.State{}, fmt.Errorf("%w: load sync state: %w", domain.ErrStorageFailure, err)
	}
	if state.Mode == cache.ModeSyncing {
		state.Mode = cache.ModeOffline
	}
	if err := c.SaveState(ctx, state); err != nil {
		return cache.State{}, fmt.Errorf("%w: save sync state: %w", domain.ErrStorageFailure, err)
	}
	return state, nil
}

// Start initializes the engine's state from persistence.
func (e *Engine) Start(ctx context.Context) error {
	state, err := EnsureState(ctx, e.cache)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
	return nil
}

// Run blocks, executing an immediate cycle and then timer- and
// trigger-driven cycles until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		case <-e.trigger:
		}
		e.RunCycle(ctx)
	}
}

// RequestSync asks for an on-demand cycle (explicit refresh, app
// foreground). A cycle already in progress absorbs the request; at most one
// further cycle is queued, never two overlapping reconciliations.
func (e *Engine) RequestSync() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Snapshot returns the current sync state for status display. The UI shows
// the mode as a passive connectivity indicator and never blocks on it.
func (e *Engine) Snapshot() cache.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// RunCycle performs one pull-then-push reconciliation.
func (e *Engine) RunCycle(ctx context.Context) {
	e.syncing.Lock()
	defer e.syncing.Unlock()

	e.setMode(ctx, cache.ModeSyncing)

	err := e.pull(ctx)
	if err == nil {
		err = e.push(ctx)
	}

	switch {
	case err == nil:
		e.setMode(ctx, cache.ModeOnline)
		metrics.SyncCyclesTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, domain.ErrUnreachable) || errors.Is(err, context.Canceled):
		// Per-record progress already committed stays valid; only the
		// in-flight phase is abandoned.
		e.setMode(ctx, cache.ModeOffline)
		metrics.SyncCyclesTotal.WithLabelValues("offline").Inc()
		e.logger.Info("sync aborted, going offline", zap.Error(err))
	default:
		e.setMode(ctx, cache.ModeOffline)
		metrics.SyncCyclesTotal.WithLabelValues("error").Inc()
		e.logger.Error("sync cycle failed", zap.Error(err))
	}
}

// pull fetches remote changes page by page, committing records and the
// cursor per page so an interrupted pull resumes where it stopped.
func (e *Engine) pull(ctx context.Context) error {
	for {
		cursor := e.Snapshot().Cursor

		var (
			cs  remote.ChangeSet
			err error
		)
		if cursor == 0 {
			cs, err = e.remote.FetchAll(ctx)
		} else {
			cs, err = e.remote.FetchSince(ctx, cursor)
		}
		if err != nil {
			return fmt.Errorf("pull: %w", err)
		}

		applied := 0
		for _, rec := range cs.Records {
			ok, err := e.cache.ApplyRemote(ctx, rec, e.clock.Now())
			if err != nil {
				return fmt.Errorf("pull apply %s: %w", rec.ID(), err)
			}
			if ok {
				applied++
			}
		}
		metrics.SyncRecordsPulledTotal.Add(float64(applied))
		if applied > 0 {
			e.notifyInvalidate()
		}

		e.mu.Lock()
		e.state.Cursor = cs.Cursor
		if !cs.More {
			e.state.LastFullSyncAt = e.clock.Now()
		}
		state := e.state
		e.mu.Unlock()
		if err := e.cache.SaveState(ctx, state); err != nil {
			return fmt.Errorf("pull save state: %w", err)
		}

		e.logger.Debug("pull page applied",
			zap.Int("records", len(cs.Records)),
			zap.Int("applied", applied),
			zap.Int64("cursor", cs.Cursor),
			zap.Bool("more", cs.More),
		)
		if !cs.More {
			return nil
		}
	}
}

// push uploads dirty entries oldest first. A conflict keeps the entry dirty
// and moves on; an unreachable remote aborts the phase after the per-record
// retry budget.
func (e *Engine) push(ctx context.Context) error {
	dirty, err := e.cache.DirtyEntries(ctx)
	if err != nil {
		return fmt.Errorf("push list dirty: %w", err)
	}

	e.setPendingPushes(ctx, ids(dirty))
	if len(dirty) == 0 {
		return nil
	}

	remaining := make(map[string]bool, len(dirty))
	for _, entry := range dirty {
		remaining[entry.Record.ID()] = true
	}

	for _, entry := range dirty {
		id := entry.Record.ID()
		version, err := e.pushWithRetry(ctx, entry.Record)
		switch {
		case errors.Is(err, domain.ErrConflict):
			// Retained for next-cycle resolution, never silently dropped.
			metrics.SyncPushesTotal.WithLabelValues("conflict").Inc()
			e.logger.Warn("push conflict, keeping local mutation pending",
				zap.String("record", id), zap.Error(err))
			continue
		case err != nil:
			metrics.SyncPushesTotal.WithLabelValues("unreachable").Inc()
			return fmt.Errorf("push %s: %w", id, err)
		}

		// Confirm with the snapshot that was actually pushed: a mutation
		// that landed while the push was in flight keeps the entry dirty.
		if err := e.cache.ConfirmPush(ctx, id, entry.Record.Private(), version); err != nil {
			return fmt.Errorf("push confirm %s: %w", id, err)
		}
		metrics.SyncPushesTotal.WithLabelValues("ok").Inc()
		delete(remaining, id)
		e.setPendingPushes(ctx, filterIDs(ids(dirty), remaining))
		e.notifyInvalidate()
	}
	return nil
}

// pushWithRetry attempts one record's push with jittered exponential
// backoff between attempts, waiting on the injected clock.
func (e *Engine) pushWithRetry(ctx context.Context, rec record.Record) (int64, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.RetryBase
	bo.MaxInterval = e.cfg.RetryMax
	bo.RandomizationFactor = 0.2
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= e.cfg.PushAttempts; attempt++ {
		version, err := e.remote.Push(ctx, rec)
		if err == nil {
			return version, nil
		}
		if !errors.Is(err, domain.ErrUnreachable) {
			return 0, err
		}
		lastErr = err

		if attempt == e.cfg.PushAttempts {
			break
		}
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		e.logger.Debug("push retry scheduled",
			zap.String("record", rec.ID()),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-e.clock.After(delay):
		}
	}
	return 0, lastErr
}

// setMode persists every mode transition so a crash mid-sync resumes
// correctly.
func (e *Engine) setMode(ctx context.Context, mode cache.Mode) {
	e.mu.Lock()
	if e.state.Mode == mode {
		e.mu.Unlock()
		return
	}
	e.state.Mode = mode
	state := e.state
	e.mu.Unlock()

	if err := e.cache.SaveState(ctx, state); err != nil {
		e.logger.Error("persist mode transition", zap.String("mode", string(mode)), zap.Error(err))
	}
}

func (e *Engine) setPendingPushes(ctx context.Context, pending []string) {
	e.mu.Lock()
	e.state.PendingPushes = pending
	state := e.state
	e.mu.Unlock()

	if err := e.cache.SaveState(ctx, state); err != nil {
		e.logger.Error("persist pending pushes", zap.Error(err))
	}
}

func (e *Engine) notifyInvalidate() {
	if e.invalidator != nil {
		e.invalidator.Invalidate()
	}
}

func ids(entries []cache.Entry) []string {
	out := make([]string, len(entries))
	for i, entry := range entries {
		out[i] = entry.Record.ID()
	}
	return out
}

func filterIDs(all []string, keep map[string]bool) []string {
	out := make([]string, 0, len(keep))
	for _, id := range all {
		if keep[id] {
			out = append(out, id)
		}
	}
	return out
}
