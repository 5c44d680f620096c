// Package lifecycle handles access bookkeeping, decay, expiry, and the
// scheduled sweeps that keep the memory population healthy.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/history"
	"github.com/engramdev/engram/internal/model"
	"github.com/engramdev/engram/internal/store"
	"github.com/engramdev/engram/internal/vector"
)

// Service runs lifecycle maintenance over the store.
type Service struct {
	store   *store.Store
	index   vector.Index
	tracker *history.Tracker
	clock   model.Clock
	cfg     config.LifecycleConfig
	policy  *Policy

	cron     *rcron.Cron
	sweeping sync.Mutex
	running  bool
}

func NewService(s *store.Store, idx vector.Index, tr *history.Tracker, clock model.Clock, cfg config.LifecycleConfig) (*Service, error) {
	policy, err := LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return nil, err
	}
	if policy.Len() > 0 {
		log.Printf("[lifecycle] loaded %d policy rules from %s", policy.Len(), cfg.PolicyPath)
	}
	return &Service{
		store:   s,
		index:   idx,
		tracker: tr,
		clock:   clock,
		cfg:     cfg,
		policy:  policy,
	}, nil
}

// RecordAccess bumps access counters and appends a rate-capped history
// entry. Access is bookkeeping, not an edit: the version does not change.
func (s *Service) RecordAccess(ctx context.Context, m *model.Memory) error {
	now := s.clock.Now()
	if err := s.store.Touch(ctx, m.ID, now); err != nil {
		return err
	}
	if _, err := s.tracker.RecordAccess(ctx, m.ID, m.Version); err != nil {
		return err
	}
	return nil
}

// SweepReport summarizes one maintenance pass.
type SweepReport struct {
	Expired       int
	Deprecated    int
	PolicyActions int
	HistoryPruned int64
}

// Sweep runs expiration, decay, and history pruning in one pass. While a
// pass is in flight any further call is a no-op returning an empty report.
func (s *Service) Sweep(ctx context.Context) (*SweepReport, error) {
	s.sweeping.Lock()
	if s.running {
		s.sweeping.Unlock()
		return &SweepReport{}, nil
	}
	s.running = true
	s.sweeping.Unlock()
	defer func() {
		s.sweeping.Lock()
		s.running = false
		s.sweeping.Unlock()
	}()

	report := &SweepReport{}
	now := s.clock.Now()

	if err := s.sweepExpired(ctx, now, report); err != nil {
		return report, err
	}
	if err := s.sweepDecay(ctx, now, report); err != nil {
		return report, err
	}

	retention := time.Duration(s.cfg.RetentionDays) * 24 * time.Hour
	pruned, err := s.tracker.Prune(ctx, retention)
	if err != nil {
		return report, err
	}
	report.HistoryPruned = pruned

	log.Printf("[lifecycle] sweep done: expired=%d deprecated=%d policy=%d pruned=%d",
		report.Expired, report.Deprecated, report.PolicyActions, report.HistoryPruned)
	return report, nil
}

func (s *Service) sweepExpired(ctx context.Context, now time.Time, report *SweepReport) error {
	expired, err := s.store.ListExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("list expired: %w", err)
	}
	for _, m := range expired {
		if err := s.transition(ctx, m, model.StateExpired, model.ChangeExpired, now); err != nil {
			log.Printf("[lifecycle] expire %s: %v", m.ID, err)
			continue
		}
		report.Expired++
	}
	return nil
}

func (s *Service) sweepDecay(ctx context.Context, now time.Time, report *SweepReport) error {
	active, err := s.store.ListByState(ctx, model.StateActive, 0)
	if err != nil {
		return fmt.Errorf("list active: %w", err)
	}

	idleThreshold := time.Duration(s.cfg.IdleThresholdDays) * 24 * time.Hour
	for _, m := range active {
		if action, ok := s.policy.Evaluate(m, now); ok {
			switch action {
			case PolicyKeep, PolicyProtect:
				continue
			case PolicyExpire:
				if err := s.transition(ctx, m, model.StateExpired, model.ChangeExpired, now); err != nil {
					log.Printf("[lifecycle] policy expire %s: %v", m.ID, err)
					continue
				}
				report.PolicyActions++
				continue
			case PolicyDeprecate:
				if err := s.transition(ctx, m, model.StateDeprecated, model.ChangeDeprecated, now); err != nil {
					log.Printf("[lifecycle] policy deprecate %s: %v", m.ID, err)
					continue
				}
				report.PolicyActions++
				continue
			}
		}

		// Default decay rule: faded and idle memories retire.
		if m.EffectiveImportance(now) < s.cfg.AutoArchiveThreshold &&
			now.Sub(m.LastAccessedAt) > idleThreshold {
			if err := s.transition(ctx, m, model.StateDeprecated, model.ChangeDeprecated, now); err != nil {
				log.Printf("[lifecycle] deprecate %s: %v", m.ID, err)
				continue
			}
			report.Deprecated++
		}
	}
	return nil
}

// transition retires a memory: state change, history entry, index removal.
func (s *Service) transition(ctx context.Context, m *model.Memory, to model.State, kind model.HistoryChangeKind, now time.Time) error {
	before := m.Clone()
	m.State = to
	m.Version++
	if err := s.store.Update(ctx, m, before.Version); err != nil {
		return err
	}
	if err := s.tracker.Record(ctx, model.HistoryEntry{
		MemoryID:  m.ID,
		Version:   m.Version,
		Kind:      kind,
		Timestamp: now,
		Before:    before,
		After:     m,
	}); err != nil {
		return err
	}
	if s.index != nil {
		if err := s.index.Delete(ctx, m.Scope, m.ID); err != nil {
			log.Printf("[lifecycle] index delete %s: %v", m.ID, err)
		}
	}
	return nil
}

// Start schedules periodic sweeps on the configured cron expression.
func (s *Service) Start(ctx context.Context) error {
	if s.cfg.SweepSchedule == "" {
		return nil
	}
	s.cron = rcron.New()
	_, err := s.cron.AddFunc(s.cfg.SweepSchedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			log.Printf("[lifecycle] scheduled sweep: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep %q: %w", s.cfg.SweepSchedule, err)
	}
	s.cron.Start()
	log.Printf("[lifecycle] sweep scheduled: %s", s.cfg.SweepSchedule)
	return nil
}

// Stop halts scheduled sweeps and waits for a running one to finish.
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}
