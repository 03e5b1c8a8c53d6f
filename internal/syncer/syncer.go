// Package syncer reconciles the local store with the remote blob store.
//
// Two write paths exist. Reconcile reads both sides, merges and writes the
// result back to both. SchedulePush only re-exports the local store and
// overwrites the remote after a debounce window; it never reads the remote
// and can overwrite changes another device made since the last reconcile.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/dayplan/internal/errs"
	"github.com/and161185/dayplan/internal/model"
)

const (
	defaultDebounce  = 2 * time.Second
	defaultOpTimeout = 30 * time.Second
)

// LocalSnapshotter is the part of the local store the engine needs.
type LocalSnapshotter interface {
	ExportAll(ctx context.Context) (*model.Snapshot, error)
	ApplyMerge(ctx context.Context, base, merged *model.Snapshot) error
}

// BlobStore holds the single remote snapshot document.
// Load returns errs.ErrNotFound (or a nil snapshot) when nothing was written yet.
type BlobStore interface {
	Load(ctx context.Context) (*model.Snapshot, error)
	Save(ctx context.Context, snap *model.Snapshot) error
}

// Engine runs reconciles and debounced pushes.
type Engine struct {
	local  LocalSnapshotter
	remote BlobStore
	log    *zap.Logger

	debounce     time.Duration
	opTimeout    time.Duration
	now          func() time.Time
	onReconciled func(Result)
	onStatus     func(Status, error)

	inFlight atomic.Bool
	disabled atomic.Bool
	writeMu  sync.Mutex // serializes remote writes of reconcile and push

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	closed  bool

	statusMu sync.Mutex
	status   Status
	lastErr  error
}

// Option configures an Engine.
type Option func(*Engine)

// WithDebounce sets the SchedulePush window.
func WithDebounce(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.debounce = d
		}
	}
}

// WithOpTimeout bounds a detached reconcile or a background push.
func WithOpTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.opTimeout = d
		}
	}
}

// WithClock replaces time.Now for merge timestamps.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// OnReconciled is called after both writes of a reconcile succeeded.
func OnReconciled(fn func(Result)) Option { return func(e *Engine) { e.onReconciled = fn } }

// OnStatus is called on every status change.
func OnStatus(fn func(Status, error)) Option { return func(e *Engine) { e.onStatus = fn } }

// New creates an Engine.
func New(local LocalSnapshotter, remote BlobStore, log *zap.Logger, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		local:     local,
		remote:    remote,
		log:       log,
		debounce:  defaultDebounce,
		opTimeout: defaultOpTimeout,
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Status returns the current status and the error that caused it, if any.
func (e *Engine) Status() (Status, error) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return e.status, e.lastErr
}

// Disabled reports whether sync is off after an authorization failure.
func (e *Engine) Disabled() bool { return e.disabled.Load() }

// Enable re-enables sync after re-authorization.
func (e *Engine) Enable() {
	e.disabled.Store(false)
	e.setStatus(StatusIdle, nil)
}

// Reconcile merges local and remote state and writes the merge to both sides.
//
// A call made while another reconcile runs returns errs.ErrSyncInProgress
// at once. The work is detached from ctx: if ctx ends first the caller gets
// ctx.Err() and the reconcile still completes in the background.
func (e *Engine) Reconcile(ctx context.Context) (Result, error) {
	if e.disabled.Load() {
		return Result{}, errs.ErrSyncDisabled
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		e.log.Debug("reconcile dropped: already in flight")
		return Result{}, errs.ErrSyncInProgress
	}

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer e.inFlight.Store(false)
		work, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opTimeout)
		defer cancel()
		res, err := e.reconcile(work)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (e *Engine) reconcile(ctx context.Context) (Result, error) {
	e.setStatus(StatusSyncing, nil)

	remote, err := e.remote.Load(ctx)
	if errors.Is(err, errs.ErrNotFound) {
		remote, err = nil, nil
	}
	if err != nil {
		return Result{}, e.fail(fmt.Errorf("%w: load remote: %w", errs.ErrSyncFailed, err))
	}
	local, err := e.local.ExportAll(ctx)
	if err != nil {
		return Result{}, e.fail(fmt.Errorf("%w: export local: %w", errs.ErrSyncFailed, err))
	}

	merged, res := Merge(local, remote, e.now())

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := e.remote.Save(ctx, merged); err != nil {
		return Result{}, e.fail(fmt.Errorf("%w: save remote: %w", errs.ErrSyncFailed, err))
	}
	if err := e.local.ApplyMerge(ctx, local, merged); err != nil {
		return Result{}, e.fail(fmt.Errorf("%w: import local: %w", errs.ErrSyncFailed, err))
	}

	e.log.Info("reconciled",
		zap.Bool("push_only", res.PushOnly),
		zap.Int("blocks", len(merged.Blocks)),
		zap.Int("conflicts", res.Conflicts),
		zap.Int("remote_wins", res.RemoteWins),
	)
	e.setStatus(StatusSuccess, nil)
	if e.onReconciled != nil {
		e.onReconciled(res)
	}
	return res, nil
}

// SchedulePush arranges a push after the debounce window. Calls within the
// window restart it, so a burst of edits produces one write.
func (e *Engine) SchedulePush() {
	if e.disabled.Load() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.pending = true
	if e.timer == nil {
		e.timer = time.AfterFunc(e.debounce, e.firePush)
		return
	}
	e.timer.Reset(e.debounce)
}

// Flush performs a pending push now. It is a no-op when nothing is pending.
func (e *Engine) Flush(ctx context.Context) error {
	if !e.takePending() {
		return nil
	}
	return e.push(ctx)
}

// Close stops the debounce timer. A pending push is discarded; call Flush first.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.pending = false
	if e.timer != nil {
		e.timer.Stop()
	}
}

func (e *Engine) takePending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
	}
	p := e.pending
	e.pending = false
	return p
}

func (e *Engine) firePush() {
	e.mu.Lock()
	p := e.pending
	e.pending = false
	e.mu.Unlock()
	if !p {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.opTimeout)
	defer cancel()
	if err := e.push(ctx); err != nil {
		e.log.Warn("push failed", zap.Error(err))
	}
}

func (e *Engine) push(ctx context.Context) error {
	if e.disabled.Load() {
		return errs.ErrSyncDisabled
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	snap, err := e.local.ExportAll(ctx)
	if err != nil {
		return e.fail(fmt.Errorf("%w: export local: %w", errs.ErrSyncFailed, err))
	}
	if err := e.remote.Save(ctx, snap); err != nil {
		return e.fail(fmt.Errorf("%w: save remote: %w", errs.ErrSyncFailed, err))
	}
	e.log.Debug("pushed", zap.Int("blocks", len(snap.Blocks)))
	e.setStatus(StatusSuccess, nil)
	return nil
}

// fail records err in the status. Authorization failures disable sync
// until Enable; local data is left untouched.
func (e *Engine) fail(err error) error {
	switch {
	case errors.Is(err, errs.ErrUnauthorized):
		e.disabled.Store(true)
		e.setStatus(StatusSignedOut, err)
	case errors.Is(err, errs.ErrUnavailable):
		e.setStatus(StatusOffline, err)
	default:
		e.setStatus(StatusError, err)
	}
	e.log.Warn("sync failed", zap.Error(err))
	return err
}

func (e *Engine) setStatus(s Status, err error) {
	e.statusMu.Lock()
	changed := e.status != s || e.lastErr != err
	e.status, e.lastErr = s, err
	fn := e.onStatus
	e.statusMu.Unlock()
	if changed && fn != nil {
		fn(s, err)
	}
}
