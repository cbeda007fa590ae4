package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openmined/drivesync/internal/backoff"
	"github.com/openmined/drivesync/internal/config"
	"github.com/openmined/drivesync/internal/localfs"
	"github.com/openmined/drivesync/internal/remote"
	"github.com/openmined/drivesync/internal/sidecar"
	"github.com/openmined/drivesync/internal/synchronizer"
	"github.com/openmined/drivesync/internal/upload"
)

var errPassFailures = errors.New("some entries failed to sync")

// app wires the configured remote, local tree and metadata stores into a
// Synchronizer.
type app struct {
	cfg   *config.Config
	svc   remote.Service
	fs    *localfs.FS
	store *sidecar.Store
	sync  *synchronizer.Synchronizer
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	svc, err := newRemote(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("remote: %w", err)
	}
	return newAppWithRemote(cfg, svc)
}

func newAppWithRemote(cfg *config.Config, svc remote.Service) (*app, error) {
	fsys, err := localfs.NewOS(cfg.LocalRoot)
	if err != nil {
		return nil, err
	}

	sessions, err := upload.NewSessionStore(cfg.ResumeDir)
	if err != nil {
		return nil, err
	}
	if n, err := sessions.Prune(time.Now()); err != nil {
		slog.Warn("prune resume records", "dir", sessions.Dir(), "error", err)
	} else if n > 0 {
		slog.Info("pruned expired resume records", "count", n)
	}

	store, err := sidecar.Open(cfg.SidecarPath)
	if err != nil {
		return nil, err
	}

	retrier := backoff.New(cfg.MaxRetries, remote.IsTransient)
	uploader := &upload.Uploader{
		Service:        svc,
		Threshold:      cfg.ThresholdBytes(),
		ChunkSize:      cfg.ChunkBytes(),
		Store:          sessions,
		Retrier:        retrier,
		RequestTimeout: cfg.RequestTimeout,
	}
	s := synchronizer.New(svc, fsys, store, uploader,
		synchronizer.WithWorkers(cfg.Workers),
		synchronizer.WithConflictPolicy(cfg.Policy()),
		synchronizer.WithRetrier(retrier),
		synchronizer.WithRequestTimeout(cfg.RequestTimeout),
	)

	slog.Info("drivesync ready",
		"root", cfg.LocalRoot,
		"remote", cfg.Remote,
		"backend", cfg.Backend(),
		"twoWay", cfg.TwoWay,
		"chunk", cfg.ChunkSize,
		"workers", cfg.Workers,
	)
	return &app{cfg: cfg, svc: svc, fs: fsys, store: store, sync: s}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// pass runs one synchronisation pass over scope and logs its outcome.
func (a *app) pass(ctx context.Context, scope string) (*synchronizer.Report, error) {
	report, err := a.sync.Synchronize(ctx, synchronizer.Options{
		TwoWay:           a.cfg.TwoWay,
		Scope:            scope,
		PreserveUnsynced: a.cfg.PreserveUnsynced,
	})
	if err != nil {
		return nil, err
	}
	logReport(report)
	return report, nil
}

func logReport(r *synchronizer.Report) {
	for _, f := range r.Failed {
		slog.Error("sync failed", "path", f.Path, "op", f.Op, "error", f.Err)
	}
	for _, p := range r.Conflicts {
		slog.Warn("sync conflict", "path", p)
	}
	slog.Info("sync pass done",
		"created", len(r.Created),
		"updated", len(r.Updated),
		"deleted", len(r.Deleted),
		"renamed", len(r.Renamed),
		"conflicts", len(r.Conflicts),
		"skipped", len(r.Skipped),
		"failed", len(r.Failed),
		"took", r.Duration,
	)
}
