// Package scheduler runs the periodic renewal scan. One cron-driven task
// enumerates auto-renew standard records and queues those crossing their
// renewal threshold. CA records are renewed only on explicit request.
package scheduler

import (
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"

	"github.com/edvin/certmgr/internal/engine"
	"github.com/edvin/certmgr/internal/events"
	"github.com/edvin/certmgr/internal/model"
)

// SettingsSource provides the pieces of store state the scan needs.
type SettingsSource interface {
	List() []*model.Certificate
	Settings() model.Settings
}

// Enqueuer queues a renewal for a record id.
type Enqueuer interface {
	Enqueue(id string, trigger engine.Trigger) (string, error)
}

// Status is the scheduler readout exposed over the API.
type Status struct {
	Enabled       bool       `json:"enabled"`
	CronSpec      string     `json:"cronSpec"`
	NextExecution *time.Time `json:"nextExecution,omitempty"`
	LastRun       *time.Time `json:"lastRun,omitempty"`
}

// Scheduler owns the next-run clock for the renewal scan.
type Scheduler struct {
	logger zerolog.Logger
	store  SettingsSource
	engine Enqueuer
	bus    *events.Bus

	mu      sync.Mutex
	cron    *gocron.Scheduler
	job     *gocron.Job
	spec    string
	enabled bool
	lastRun *time.Time
}

// New creates a scheduler. Start applies the store's persisted settings.
func New(logger zerolog.Logger, store SettingsSource, eng Enqueuer, bus *events.Bus) *Scheduler {
	return &Scheduler{
		logger: logger.With().Str("component", "scheduler").Logger(),
		store:  store,
		engine: eng,
		bus:    bus,
	}
}

// Start brings the cron task up according to the current settings.
func (s *Scheduler) Start() error {
	settings := s.store.Settings()
	return s.Apply(settings.SchedulerEnabled, settings.SchedulerCron)
}

// Apply reconfigures the scan and publishes scheduler-status-changed.
func (s *Scheduler) Apply(enabled bool, cronSpec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
		s.job = nil
	}
	s.enabled = enabled
	s.spec = cronSpec

	if enabled {
		cron := gocron.NewScheduler(time.UTC)
		cron.SingletonModeAll()
		job, err := cron.Cron(cronSpec).Do(s.scan)
		if err != nil {
			s.enabled = false
			return model.Wrap(model.KindConflict, err, "invalid cron spec %q", cronSpec)
		}
		cron.StartAsync()
		s.cron = cron
		s.job = job
		s.logger.Info().Str("cron", cronSpec).Time("next", job.NextRun()).Msg("renewal scan scheduled")
	} else {
		s.logger.Info().Msg("renewal scan disabled")
	}

	s.publishStatusLocked()
	return nil
}

// Stop halts the cron task.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
		s.job = nil
	}
}

// Status reports the current clock readout.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Enabled: s.enabled, CronSpec: s.spec, LastRun: s.lastRun}
	if s.job != nil {
		next := s.job.NextRun()
		st.NextExecution = &next
	}
	return st
}

// RunNow performs one scan outside the cron clock.
func (s *Scheduler) RunNow() {
	s.scan()
}

// scan queues every auto-renew standard record that has crossed its renewal
// threshold.
func (s *Scheduler) scan() {
	now := time.Now()
	settings := s.store.Settings()
	queued := 0

	for _, rec := range s.store.List() {
		if rec.IsErrorRecord() || rec.CertType != model.CertTypeStandard || !rec.Config.AutoRenew {
			continue
		}
		days := settings.ResolveRenewDays(rec.Config)
		if !rec.ExpiresWithin(now, days) {
			continue
		}
		if _, err := s.engine.Enqueue(rec.Fingerprint, engine.TriggerScheduler); err != nil {
			s.logger.Warn().Err(err).Str("name", rec.Name).Msg("queue scheduled renewal")
			continue
		}
		queued++
	}

	s.mu.Lock()
	s.lastRun = &now
	s.mu.Unlock()
	s.logger.Info().Int("queued", queued).Msg("renewal scan completed")
}

func (s *Scheduler) publishStatusLocked() {
	ev := model.SchedulerStatusChangedEvent{Enabled: s.enabled}
	if s.job != nil {
		next := s.job.NextRun()
		ev.NextExecution = &next
	}
	s.bus.Publish(model.TopicSchedulerStatusChanged, ev)
}
