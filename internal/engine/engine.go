// Package engine drives certificate renewals. A fixed worker pool drains a
// queue of fingerprints; a per-fingerprint mutex guarantees at most one
// in-flight renewal per record while unrelated records renew concurrently.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/certmgr/internal/acmeclient"
	"github.com/edvin/certmgr/internal/events"
	"github.com/edvin/certmgr/internal/model"
	"github.com/edvin/certmgr/internal/platform"
	"github.com/edvin/certmgr/internal/store"
	"github.com/edvin/certmgr/internal/vault"
)

const (
	// DefaultPassphraseTimeout bounds a WaitingForPassphrase pause.
	DefaultPassphraseTimeout = 5 * time.Minute
	defaultWorkers           = 4
	queueCapacity            = 128
)

// Issuer obtains certificates from an ACME directory.
type Issuer interface {
	Issue(ctx context.Context, spec acmeclient.OrderSpec) (store.Material, error)
}

// Deployer runs post-renewal actions.
type Deployer interface {
	Run(ctx context.Context, rec *model.Certificate, actions []model.DeployAction) model.PipelineResult
}

type job struct {
	fingerprint string
	trigger     Trigger
}

type domainStage struct {
	add    []string
	remove []string
}

// Engine is the renewal coordinator.
type Engine struct {
	store    *store.Store
	vault    *vault.Vault
	issuer   Issuer
	deployer Deployer
	bus      *events.Bus
	logger   zerolog.Logger

	workers           int
	passphraseTimeout time.Duration
	acmeDirectory     string

	queue chan job
	locks *keyedMutex
	remap *fingerprintRemap

	mu          sync.Mutex
	statuses    map[string]Status
	cancels     map[string]context.CancelFunc
	dropped     map[string]bool
	staged      map[string]domainStage
	passWaiters map[string][]chan struct{}

	runCtx context.Context
	stop   context.CancelFunc
	grp    *errgroup.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers sets the pool size.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithPassphraseTimeout overrides the interactive-pause timeout.
func WithPassphraseTimeout(d time.Duration) Option {
	return func(e *Engine) { e.passphraseTimeout = d }
}

// WithACMEDirectory overrides every configured ACME server directory URL.
func WithACMEDirectory(url string) Option {
	return func(e *Engine) { e.acmeDirectory = url }
}

// WithRemapTTL overrides the old-to-new fingerprint grace period.
func WithRemapTTL(d time.Duration) Option {
	return func(e *Engine) { e.remap = newFingerprintRemap(d) }
}

// New creates an engine. Start must be called before enqueuing work.
func New(logger zerolog.Logger, st *store.Store, v *vault.Vault, issuer Issuer, deployer Deployer, bus *events.Bus, opts ...Option) *Engine {
	e := &Engine{
		store:             st,
		vault:             v,
		issuer:            issuer,
		deployer:          deployer,
		bus:               bus,
		logger:            logger.With().Str("component", "engine").Logger(),
		workers:           defaultWorkers,
		passphraseTimeout: DefaultPassphraseTimeout,
		queue:             make(chan job, queueCapacity),
		locks:             newKeyedMutex(),
		remap:             newFingerprintRemap(RemapGracePeriod),
		statuses:          make(map[string]Status),
		cancels:           make(map[string]context.CancelFunc),
		dropped:           make(map[string]bool),
		staged:            make(map[string]domainStage),
		passWaiters:       make(map[string][]chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the worker pool.
func (e *Engine) Start(ctx context.Context) {
	e.runCtx, e.stop = context.WithCancel(ctx)
	e.grp, _ = errgroup.WithContext(e.runCtx)
	for i := 0; i < e.workers; i++ {
		e.grp.Go(func() error {
			e.workerLoop()
			return nil
		})
	}
	e.logger.Info().Int("workers", e.workers).Msg("renewal engine started")
}

// Close stops the workers and waits for in-flight renewals to settle.
func (e *Engine) Close() {
	if e.stop != nil {
		e.stop()
		e.grp.Wait()
	}
}

func (e *Engine) workerLoop() {
	for {
		select {
		case <-e.runCtx.Done():
			return
		case j := <-e.queue:
			queueDepth.Dec()
			e.process(j)
		}
	}
}

// Enqueue resolves the id and queues a renewal. A record already queued or
// running is not queued twice; its canonical fingerprint is still returned.
func (e *Engine) Enqueue(id string, trigger Trigger) (string, error) {
	rec, err := e.resolve(id)
	if err != nil {
		return "", err
	}
	if rec.IsErrorRecord() {
		return "", model.E(model.KindConflict, "record %s is unreadable and cannot be renewed", rec.Name)
	}
	fp := rec.Fingerprint

	e.mu.Lock()
	switch e.statuses[fp].State {
	case StateQueued, StateRunning, StateWaitingForPassphrase:
		e.mu.Unlock()
		return fp, nil
	}
	e.setStatusLocked(fp, Status{State: StateQueued, Since: time.Now()})
	e.mu.Unlock()

	select {
	case e.queue <- job{fingerprint: fp, trigger: trigger}:
		queueDepth.Inc()
	default:
		e.mu.Lock()
		e.setStatusLocked(fp, Status{State: StateIdle, Since: time.Now()})
		e.mu.Unlock()
		return "", model.E(model.KindConflict, "renewal queue is full")
	}
	e.logger.Info().Str("fingerprint", fp).Str("trigger", string(trigger)).Msg("renewal queued")
	return fp, nil
}

// Cancel delivers a cancel signal to the record's renewal. A queued job is
// dropped; a running or waiting worker unblocks at its next suspension point.
func (e *Engine) Cancel(id string) error {
	rec, err := e.resolve(id)
	if err != nil {
		return err
	}
	fp := rec.Fingerprint

	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.cancels[fp]; ok {
		cancel()
		return nil
	}
	if e.statuses[fp].State == StateQueued {
		e.dropped[fp] = true
		return nil
	}
	return model.E(model.KindNotFound, "no renewal in flight for %s", fp)
}

// Status reports the renewal state of a record. Unknown records are Idle.
func (e *Engine) Status(fingerprint string) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.statuses[fingerprint]
	if !ok {
		return Status{State: StateIdle}
	}
	return st
}

// RemappedFingerprint returns the successor of a recently renewed-away
// fingerprint, if the grace period still holds.
func (e *Engine) RemappedFingerprint(fingerprint string) (string, bool) {
	return e.remap.lookup(fingerprint)
}

// NotifyPassphrase unblocks renewals paused in WaitingForPassphrase for the
// record. Callers store the passphrase in the vault first.
func (e *Engine) NotifyPassphrase(fingerprint string) {
	e.mu.Lock()
	waiters := e.passWaiters[fingerprint]
	delete(e.passWaiters, fingerprint)
	e.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// UpdateDomains stages SAN changes for a record and renews it immediately.
// The new fingerprint is returned once the renewal commits; until then the
// old record stays live.
func (e *Engine) UpdateDomains(ctx context.Context, id string, add, remove []string) (string, error) {
	rec, err := e.resolve(id)
	if err != nil {
		return "", err
	}
	if rec.IsErrorRecord() {
		return "", model.E(model.KindConflict, "record %s is unreadable", rec.Name)
	}
	for _, d := range add {
		if !validDomainOrIP(d) {
			return "", model.E(model.KindInvalidDomain, "invalid domain %q", d)
		}
	}
	fp := rec.Fingerprint

	e.mu.Lock()
	e.staged[fp] = domainStage{add: add, remove: remove}
	e.mu.Unlock()

	newRec, err := e.runLocked(ctx, fp, TriggerDomains)
	if err != nil {
		e.mu.Lock()
		delete(e.staged, fp)
		e.mu.Unlock()
		return "", err
	}
	return newRec.Fingerprint, nil
}

// resolve looks up a record, following the post-renewal fingerprint remap
// when the direct lookup misses.
func (e *Engine) resolve(id string) (*model.Certificate, error) {
	rec, err := e.store.Get(id)
	if err == nil {
		return rec, nil
	}
	if !model.IsKind(err, model.KindNotFound) {
		return nil, err
	}
	if newFP, ok := e.remap.lookup(platform.NormalizeFingerprint(id)); ok {
		return e.store.Get(newFP)
	}
	return nil, err
}

func (e *Engine) process(j job) {
	e.mu.Lock()
	if e.dropped[j.fingerprint] {
		delete(e.dropped, j.fingerprint)
		e.setStatusLocked(j.fingerprint, Status{State: StateIdle, Since: time.Now()})
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if _, err := e.runLocked(e.runCtx, j.fingerprint, j.trigger); err != nil {
		e.logger.Error().
			Str("fingerprint", j.fingerprint).
			Str("kind", string(model.KindOf(err))).
			Err(err).
			Msg("renewal failed")
	}
}

// runLocked performs one renewal under the per-fingerprint mutex and
// publishes the outcome.
func (e *Engine) runLocked(ctx context.Context, fp string, trigger Trigger) (*model.Certificate, error) {
	release := e.locks.lock(fp)
	defer release()

	jctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	e.cancels[fp] = cancel
	e.setStatusLocked(fp, Status{State: StateRunning, Since: time.Now()})
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, fp)
		e.mu.Unlock()
	}()

	start := time.Now()
	newRec, err := e.renew(jctx, fp, trigger)
	renewalDuration.Observe(time.Since(start).Seconds())

	now := time.Now()
	if err != nil {
		renewalsTotal.WithLabelValues(string(trigger), "failure").Inc()
		e.mu.Lock()
		e.setStatusLocked(fp, Status{
			State:     StateFailed,
			Since:     now,
			ErrorKind: model.KindOf(err),
			Message:   err.Error(),
		})
		e.mu.Unlock()
		e.bus.Publish(model.TopicRenewalFailed, model.RenewalFailedEvent{
			Fingerprint: fp,
			ErrorKind:   model.KindOf(err),
			Message:     err.Error(),
		})
		return nil, err
	}

	renewalsTotal.WithLabelValues(string(trigger), "success").Inc()
	e.mu.Lock()
	e.setStatusLocked(fp, Status{State: StateSucceeded, Since: now, NewFingerprint: newRec.Fingerprint})
	e.setStatusLocked(newRec.Fingerprint, Status{State: StateIdle, Since: now})
	e.mu.Unlock()
	return newRec, nil
}

func (e *Engine) setStatusLocked(fp string, st Status) {
	e.statuses[fp] = st
}
