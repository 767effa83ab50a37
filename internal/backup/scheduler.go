package backup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/botvisor/internal/store"
)

// Source lists the workers to back up. store.Store satisfies it.
type Source interface {
	List(ctx context.Context) ([]store.Record, error)
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether spec is a usable cron expression.
func ValidateSchedule(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid backup schedule %q: %w", spec, err)
	}
	return nil
}

// Scheduler backs up every worker on a cron schedule and prunes old backups.
type Scheduler struct {
	mu        sync.Mutex
	mgr       *Manager
	src       Source
	spec      string
	keep      int
	log       *slog.Logger
	scheduler *cron.Cron
	entryID   cron.EntryID
	running   bool
}

func NewScheduler(mgr *Manager, src Source, spec string, keep int, logger *slog.Logger) (*Scheduler, error) {
	if err := ValidateSchedule(spec); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		mgr:       mgr,
		src:       src,
		spec:      spec,
		keep:      keep,
		log:       logger,
		scheduler: cron.New(cron.WithParser(parser)),
	}, nil
}

// Start schedules the backup run.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("backup schedule already running")
	}
	id, err := s.scheduler.AddFunc(s.spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
		defer cancel()
		if err := s.RunOnce(ctx); err != nil {
			s.log.Error("scheduled backup failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule backups: %w", err)
	}
	s.entryID = id
	s.running = true
	s.scheduler.Start()
	s.log.Info("backup schedule started", "schedule", s.spec, "keep", s.keep)
	return nil
}

// Stop halts scheduling and waits for a run in progress.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()
	<-s.scheduler.Stop().Done()
	s.log.Info("backup schedule stopped")
}

// Next returns the next scheduled run, or zero when not running.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}
	}
	return s.scheduler.Entry(s.entryID).Next
}

// RunOnce backs up every worker and prunes each to keep backups. Failures
// are logged per worker; the first one is returned.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	recs, err := s.src.List(ctx)
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}
	var first error
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.mgr.Backup(ctx, rec.ID, rec.Directory); err != nil {
			if first == nil {
				first = fmt.Errorf("backup %s: %w", rec.ID, err)
			}
			continue
		}
		removed, err := s.mgr.Prune(rec.ID, s.keep)
		if err != nil {
			s.log.Warn("prune failed", "worker", rec.ID, "error", err)
		}
		if len(removed) > 0 {
			s.log.Info("pruned old backups", "worker", rec.ID, "removed", len(removed))
		}
	}
	return first
}
