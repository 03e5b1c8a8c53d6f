// Package scheduler drives periodic and on-demand reconciles.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/and161185/dayplan/internal/errs"
	"github.com/and161185/dayplan/internal/syncer"
)

// DefaultSchedule reconciles every five minutes.
const DefaultSchedule = "*/5 * * * *"

const defaultRunTimeout = time.Minute

// Reconciler is the sync engine's full-sync entry point.
type Reconciler interface {
	Reconcile(ctx context.Context) (syncer.Result, error)
}

// Scheduler runs Reconcile on a cron schedule and on Trigger.
type Scheduler struct {
	r       Reconciler
	log     *zap.Logger
	cron    *cron.Cron
	timeout time.Duration
	trig    chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ s *zap.SugaredLogger }

func (l cronLogger) Info(msg string, kv ...any) { l.s.Debugw(msg, kv...) }
func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.s.Errorw(msg, append(kv, "error", err)...)
}

// New validates spec (standard 5-field cron) and prepares a Scheduler.
// An empty spec selects DefaultSchedule.
func New(spec string, r Reconciler, log *zap.Logger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if spec == "" {
		spec = DefaultSchedule
	}
	cl := cronLogger{s: log.Sugar()}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s := &Scheduler{r: r, log: log, cron: c, timeout: defaultRunTimeout, trig: make(chan struct{}, 1)}
	if _, err := c.AddFunc(spec, func() { s.run("cron") }); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins the schedule and the trigger loop. Stop ends both.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.trig:
				s.run("trigger")
			}
		}
	}()
}

// Trigger asks for a reconcile now. Requests made while one is queued
// collapse into it.
func (s *Scheduler) Trigger() {
	select {
	case s.trig <- struct{}{}:
	default:
	}
}

// Stop halts scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

func (s *Scheduler) run(source string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	res, err := s.r.Reconcile(ctx)
	switch {
	case err == nil:
		s.log.Debug("reconcile done",
			zap.String("source", source),
			zap.Bool("push_only", res.PushOnly),
			zap.Int("conflicts", res.Conflicts))
	case errors.Is(err, errs.ErrSyncInProgress), errors.Is(err, errs.ErrSyncDisabled):
		s.log.Debug("reconcile dropped", zap.String("source", source), zap.Error(err))
	default:
		s.log.Warn("reconcile failed", zap.String("source", source), zap.Error(err))
	}
}
