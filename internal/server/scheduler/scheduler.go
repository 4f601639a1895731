// Package scheduler runs the two background cycles of the server: the
// refresh rotation that re-synchronizes identity snapshots from the
// provider, and the periodic backup of the durable store.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrijs2005/expanse/internal/common"
	"github.com/dmitrijs2005/expanse/internal/logging"
	"github.com/dmitrijs2005/expanse/internal/server/metrics"
	"github.com/dmitrijs2005/expanse/internal/server/models"
	"github.com/dmitrijs2005/expanse/internal/server/realtime"

	gs "github.com/dmitrijs2005/expanse/internal/server/grpc"
)

type Identities interface {
	ListUsernames(ctx context.Context) ([]string, error)
	Get(ctx context.Context, username string) (*models.Identity, error)
}

type Refresher interface {
	Refresh(ctx context.Context, username string) (int64, error)
}

type Backuper interface {
	Run(ctx context.Context) (string, error)
}

// Locator finds the live connection of an identity.
type Locator interface {
	ResolveConnection(username string) (string, bool)
}

// Pusher delivers a frame to a single connection.
type Pusher interface {
	Send(connID, event string, args ...any) bool
}

type HealthReporter interface {
	SetServing(service string, serving bool)
}

// Options are the cadence parameters of both cycles.
type Options struct {
	// RefreshInterval is the minimum snapshot age before an identity is due.
	RefreshInterval time.Duration
	// RefreshPause separates two refreshed identities within one pass.
	RefreshPause time.Duration
	// RefreshCyclePause separates two passes.
	RefreshCyclePause time.Duration
	// BackupInterval separates two backups.
	BackupInterval time.Duration
}

// Scheduler drives the refresh and backup cycles.
type Scheduler struct {
	identities Identities
	refresher  Refresher
	backup     Backuper
	locator    Locator
	pusher     Pusher
	health     HealthReporter
	metrics    *metrics.Metrics
	opts       Options
	now        func() int64
	logger     logging.Logger
}

// New builds a scheduler. Refresh pushes go through p to the connection loc
// resolves for the refreshed identity.
func New(ids Identities, r Refresher, b Backuper, loc Locator, p Pusher, h HealthReporter, m *metrics.Metrics, opts Options, l logging.Logger) *Scheduler {
	return &Scheduler{
		identities: ids,
		refresher:  r,
		backup:     b,
		locator:    loc,
		pusher:     p,
		health:     h,
		metrics:    m,
		opts:       opts,
		now:        common.NowEpoch,
		logger:     l.With("module", "scheduler"),
	}
}

// PassResult summarizes one refresh pass.
type PassResult struct {
	Refreshed int
	Skipped   int
	Failed    int
}

// due reports whether the snapshot of identity is old enough to refresh.
func (s *Scheduler) due(identity *models.Identity) bool {
	return s.now()-identity.LastUpdatedEpoch >= int64(s.opts.RefreshInterval/time.Second)
}

// RefreshPass walks every non-purged identity once. A failing identity is
// logged and counted; the pass moves on to the next one.
func (s *Scheduler) RefreshPass(ctx context.Context) (PassResult, error) {
	var res PassResult

	usernames, err := s.identities.ListUsernames(ctx)
	if err != nil {
		return res, err
	}

	refreshedAny := false
	for _, username := range usernames {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		identity, err := s.identities.Get(ctx, username)
		if errors.Is(err, common.ErrorNotFound) {
			res.Skipped++
			continue
		}
		if err != nil {
			s.logger.Error(ctx, "refresh lookup failed", "username", username, "error", err)
			res.Failed++
			continue
		}
		if !s.due(identity) {
			res.Skipped++
			continue
		}

		if refreshedAny {
			if err := sleepContext(ctx, s.opts.RefreshPause); err != nil {
				return res, err
			}
		}
		refreshedAny = true

		start := time.Now()
		epoch, err := s.refresher.Refresh(ctx, username)
		s.metrics.ObserveRefresh(time.Since(start), err)
		if err != nil {
			s.logger.Error(ctx, "refresh failed", "username", username, "error", err)
			res.Failed++
			continue
		}
		res.Refreshed++

		if connID, ok := s.locator.ResolveConnection(username); ok {
			s.pusher.Send(connID, realtime.EventStoreLastUpdated, epoch)
		}
	}

	return res, nil
}

// RunRefresh repeats RefreshPass until ctx is done. The next pass is only
// scheduled once the previous one has finished.
func (s *Scheduler) RunRefresh(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	defer s.health.SetServing(gs.ServiceRefresh, false)

	s.logger.Info(ctx, "Starting refresh cycle", "interval", s.opts.RefreshInterval, "pause", s.opts.RefreshPause)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		res, err := s.RefreshPass(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			s.logger.Error(ctx, "refresh pass failed", "error", err)
			s.health.SetServing(gs.ServiceRefresh, false)
		default:
			s.logger.Debug(ctx, "refresh pass done", "refreshed", res.Refreshed, "skipped", res.Skipped, "failed", res.Failed)
			s.health.SetServing(gs.ServiceRefresh, true)
		}

		timer.Reset(s.opts.RefreshCyclePause)
	}
}

// BackupOnce uploads one backup and reports the outcome.
func (s *Scheduler) BackupOnce(ctx context.Context) error {
	key, err := s.backup.Run(ctx)
	s.metrics.ObserveBackup(err)
	if err != nil {
		s.logger.Error(ctx, "backup failed", "error", err)
		s.health.SetServing(gs.ServiceBackup, false)
		return err
	}
	s.logger.Info(ctx, "backup uploaded", "key", key)
	s.health.SetServing(gs.ServiceBackup, true)
	return nil
}

// RunBackup runs BackupOnce every BackupInterval until ctx is done. Backup
// failures never stop the loop.
func (s *Scheduler) RunBackup(ctx context.Context) error {
	timer := time.NewTimer(s.opts.BackupInterval)
	defer timer.Stop()
	defer s.health.SetServing(gs.ServiceBackup, false)

	s.health.SetServing(gs.ServiceBackup, true)
	s.logger.Info(ctx, "Starting backup cycle", "interval", s.opts.BackupInterval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		_ = s.BackupOnce(ctx)
		timer.Reset(s.opts.BackupInterval)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
