package deadman

import (
	"context"
	"sync"
	"time"

	"github.com/edwardtay/deadman-switch/internal/app/domain/deadman"
	"github.com/edwardtay/deadman-switch/internal/app/metrics"
	"github.com/edwardtay/deadman-switch/pkg/logger"
)

// DefaultPollInterval is how often the scheduler sweeps all accounts.
const DefaultPollInterval = 60 * time.Second

// Poller is the background scheduler that drives the timeout state machine:
// it detects missed heartbeats, persists detection markers, and disburses
// accounts whose grace window has elapsed. One account's failure never
// stops the sweep.
type Poller struct {
	service  *Service
	engine   *Engine
	interval time.Duration
	now      func() time.Time
	log      *logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollInterval overrides the sweep interval.
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) { p.interval = d }
}

// WithPollerClock overrides the time source.
func WithPollerClock(now func() time.Time) PollerOption {
	return func(p *Poller) { p.now = now }
}

// NewPoller creates the scheduler over an existing service and engine.
func NewPoller(service *Service, engine *Engine, log *logger.Logger, opts ...PollerOption) *Poller {
	if log == nil {
		log = logger.NewDefault("poller")
	}
	p := &Poller{
		service:  service,
		engine:   engine,
		interval: DefaultPollInterval,
		now:      time.Now,
		log:      log,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements system.Service.
func (p *Poller) Name() string { return "deadman-poller" }

// Start launches the sweep loop. It returns immediately; sweeps run on a
// background goroutine until Stop or context cancellation.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.Tick(runCtx)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.Tick(runCtx)
			}
		}
	}()

	p.log.WithField("interval", p.interval.String()).Info("scheduler started")
	return nil
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick runs one sweep over every account. Exported so tests and operators
// can force a sweep without waiting for the ticker.
func (p *Poller) Tick(ctx context.Context) {
	started := time.Now()
	defer func() { metrics.RecordTick(time.Since(started)) }()

	now := p.now().UTC()
	accounts, err := p.service.ListAccounts(ctx)
	if err != nil {
		p.log.WithError(err).Error("sweep aborted: listing accounts failed")
		return
	}

	for _, acct := range accounts {
		if ctx.Err() != nil {
			return
		}
		p.sweepAccount(ctx, acct, now)
	}
}

// sweepAccount advances one account through the state machine. A newly
// detected timeout is persisted first; when the grace window has already
// elapsed (including the zero-grace case) disbursement happens on the same
// sweep.
func (p *Poller) sweepAccount(ctx context.Context, acct deadman.Account, now time.Time) {
	c := deadman.Classify(now, &acct)

	if c.NewlyDetected {
		updated, marked, err := p.service.markTimeout(ctx, acct.Owner, now)
		if err != nil {
			p.log.WithError(err).WithField("owner", acct.Owner).Error("persisting timeout marker failed")
			return
		}
		if !marked {
			return
		}
		acct = updated
		c = deadman.Classify(now, &acct)
	}

	if c.State != deadman.StateDisbursable {
		return
	}
	p.disburse(ctx, acct, now)
}

func (p *Poller) disburse(ctx context.Context, acct deadman.Account, now time.Time) {
	outcome, err := p.engine.Disburse(ctx, &acct)
	if err != nil {
		// Account stays registered; the next sweep retries.
		metrics.RecordDisbursement("failed", 0)
		p.log.WithError(err).WithField("owner", acct.Owner).Error("disbursement failed, will retry")
		return
	}
	if !outcome.Disbursed {
		p.log.WithField("owner", acct.Owner).Debug("disbursable account has no balance")
		return
	}

	metrics.RecordDisbursement("success", outcome.TotalTransferred)
	removed, err := p.service.commitDisbursement(ctx, acct.Owner, outcome, now)
	if err != nil {
		p.log.WithError(err).WithField("owner", acct.Owner).Error("finalizing disbursement failed")
		return
	}
	if removed {
		p.log.WithField("owner", acct.Owner).
			WithField("transferred", outcome.TotalTransferred).
			Info("account disbursed and removed")
	}
}
