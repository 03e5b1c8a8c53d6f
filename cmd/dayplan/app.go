package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/dayplan/internal/blobstore"
	"github.com/and161185/dayplan/internal/config"
	"github.com/and161185/dayplan/internal/feed"
	"github.com/and161185/dayplan/internal/planner"
	"github.com/and161185/dayplan/internal/repository/sqlite"
	"github.com/and161185/dayplan/internal/resolver"
	"github.com/and161185/dayplan/internal/syncer"
	"github.com/and161185/dayplan/internal/templates"
)

// app is one wired planner session.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	loc     *time.Location
	store   *sqlite.Store
	planner *planner.Planner
	engine  *syncer.Engine   // nil when sync is off
	client  *blobstore.Client // set in grpc mode
}

func newLogger(verbose bool) *zap.Logger {
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	log, err := zc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func openApp(ctx context.Context, cfgPath string, log *zap.Logger) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	tmpl, err := templates.NewSet(cfg.Templates, loc)
	if err != nil {
		return nil, err
	}

	st, err := sqlite.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	var fd feed.Feed = feed.None{}
	if len(cfg.ICS) > 0 {
		fd = feed.NewICS(cfg.ICS, cfg.ICSCacheDir, loc, log.Named("feed"))
	}
	res := resolver.New(st, tmpl, fd, log.Named("resolver"), resolver.WithStoreTimeout(cfg.StoreTimeout))
	p := planner.New(st, res, tmpl, log.Named("planner"), planner.WithDefaultDuration(cfg.DefaultDuration))

	a := &app{cfg: cfg, log: log, loc: loc, store: st, planner: p}

	remote, err := a.remote()
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if remote != nil {
		a.engine = syncer.New(st, remote, log.Named("sync"),
			syncer.WithDebounce(cfg.Sync.Debounce),
			syncer.OnStatus(p.SyncStatus),
			syncer.OnReconciled(p.Reconciled),
		)
		p.SetSyncer(a.engine)
	}
	return a, nil
}

func (a *app) remote() (syncer.BlobStore, error) {
	switch a.cfg.Sync.Mode {
	case config.SyncFile:
		return blobstore.NewFile(a.cfg.Sync.Folder, a.log.Named("blob")), nil
	case config.SyncGRPC:
		tok, err := loadToken()
		if err != nil {
			a.log.Debug("no token, sync will report signed out", zap.Error(err))
		}
		c, err := a.dial(tok)
		if err != nil {
			return nil, err
		}
		a.client = c
		return c, nil
	}
	return nil, nil
}

func (a *app) dial(tok string) (*blobstore.Client, error) {
	if a.cfg.Sync.Addr == "" {
		return nil, errors.New("sync.addr is not configured")
	}
	return blobstore.Dial(blobstore.DialConfig{
		Addr:     a.cfg.Sync.Addr,
		CACert:   a.cfg.Sync.CACert,
		Insecure: a.cfg.Sync.Insecure,
	}, tok, a.log.Named("blob"))
}

// Close pushes pending edits and releases resources.
func (a *app) Close(ctx context.Context) {
	if a.engine != nil {
		if err := a.engine.Flush(ctx); err != nil {
			a.log.Warn("final push", zap.Error(err))
		}
		a.engine.Close()
	}
	if a.client != nil {
		_ = a.client.Close()
	}
	_ = a.store.Close()
}
