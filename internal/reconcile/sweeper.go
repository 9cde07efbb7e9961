// Package reconcile resolves claims left in flight by crashed processes,
// abandoned requests and confirmation timeouts.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/terraverify/terraverify/internal/chains"
	"github.com/terraverify/terraverify/internal/observability/metrics"
	"github.com/terraverify/terraverify/internal/storage"
)

// Store defines the storage operations needed by the sweep.
type Store interface {
	ListReconcilable(ctx context.Context, pendingBefore time.Time, limit int) ([]storage.Verification, error)
	CompareAndSetClaimStatus(ctx context.Context, id string, expected, next storage.ClaimStatus, update storage.ClaimUpdate) error
}

// Checker reports the state of a claim transaction.
type Checker interface {
	Check(ctx context.Context, txHash string) chains.Result
}

// Config controls what a sweep picks up and how fast.
type Config struct {
	Schedule    string        // cron spec, e.g. "@every 1m"
	BatchLimit  int           // records per sweep
	Concurrency int           // parallel chain checks
	PendingAge  time.Duration // claim_pending younger than this is left alone
}

// Action is what the sweep did with one record.
type Action string

// Sweep actions.
const (
	ActionClaimed  Action = "claimed"
	ActionFailed   Action = "failed"
	ActionReleased Action = "released"
	ActionCleared  Action = "cleared"
	ActionSkipped  Action = "skipped"
	ActionError    Action = "error"
)

// Report summarizes one sweep.
type Report struct {
	Scanned int
	Actions map[Action]int
}

// Count returns how many records got action a.
func (r Report) Count(a Action) int {
	return r.Actions[a]
}

// Sweeper periodically reconciles stale claims against the chain.
type Sweeper struct {
	store   Store
	checker Checker
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// New creates a sweeper.
func New(store Store, checker Checker, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	logger = logger.With("component", "reconcile")
	return &Sweeper{
		store:   store,
		checker: checker,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger}))),
	}
}

// Sweep reconciles one batch of records. Every change goes through a CAS;
// a lost CAS means another actor resolved the record and counts as skipped.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	start := time.Now()
	defer func() { metrics.Sweep(time.Since(start)) }()

	records, err := s.store.ListReconcilable(ctx, s.now().Add(-s.cfg.PendingAge), s.cfg.BatchLimit)
	if err != nil {
		return Report{}, fmt.Errorf("listing reconcilable records: %w", err)
	}

	actions := make([]Action, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, record := range records {
		g.Go(func() error {
			actions[i] = s.reconcile(gctx, record)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Scanned: len(records), Actions: make(map[Action]int)}
	for _, a := range actions {
		report.Actions[a]++
	}
	for a, n := range report.Actions {
		metrics.SweepAction(string(a), n)
	}

	if report.Scanned > 0 {
		s.logger.Info("sweep finished",
			"scanned", report.Scanned,
			"claimed", report.Count(ActionClaimed),
			"failed", report.Count(ActionFailed),
			"released", report.Count(ActionReleased),
			"cleared", report.Count(ActionCleared),
			"skipped", report.Count(ActionSkipped),
			"errors", report.Count(ActionError),
			"duration", time.Since(start),
		)
	}
	return report, nil
}

func (s *Sweeper) reconcile(ctx context.Context, v storage.Verification) Action {
	logger := s.logger.With("verification_id", v.ID, "claim_status", v.ClaimStatus, "tx_hash", v.PendingTxHash)

	if v.PendingTxHash == "" {
		if v.ClaimStatus != storage.ClaimPending {
			return ActionSkipped
		}
		// Locked but nothing was broadcast.
		return s.transition(ctx, logger, v, storage.ClaimUnclaimed, storage.ClaimUpdate{}, ActionReleased)
	}

	check := s.checker.Check(ctx, v.PendingTxHash)
	switch check.Status {
	case chains.Confirmed:
		return s.transition(ctx, logger, v, storage.ClaimClaimed, storage.ClaimUpdate{TxHash: v.PendingTxHash}, ActionClaimed)

	case chains.Reverted:
		if v.ClaimStatus == storage.ClaimPending {
			return s.transition(ctx, logger, v, storage.ClaimFailed, storage.ClaimUpdate{ClearPendingTx: true}, ActionFailed)
		}
		return s.transition(ctx, logger, v, v.ClaimStatus, storage.ClaimUpdate{ClearPendingTx: true}, ActionCleared)

	case chains.NotFound:
		if v.ClaimStatus == storage.ClaimPending {
			return s.transition(ctx, logger, v, storage.ClaimUnclaimed, storage.ClaimUpdate{ClearPendingTx: true}, ActionReleased)
		}
		return s.transition(ctx, logger, v, v.ClaimStatus, storage.ClaimUpdate{ClearPendingTx: true}, ActionCleared)

	default:
		logger.Debug("transaction unresolved, leaving for next sweep", "status", check.Status, "error", check.Err)
		return ActionSkipped
	}
}

// transition writes next only if the record is still exactly as listed, so
// a decision made on an old read never touches a newer claim attempt.
func (s *Sweeper) transition(ctx context.Context, logger *slog.Logger, v storage.Verification, next storage.ClaimStatus, update storage.ClaimUpdate, action Action) Action {
	update.ExpectPendingTx = &v.PendingTxHash
	update.ExpectUpdatedAt = v.ClaimUpdatedAt
	err := s.store.CompareAndSetClaimStatus(ctx, v.ID, v.ClaimStatus, next, update)
	switch {
	case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrNotFound):
		logger.Debug("record changed during sweep", "next", next)
		return ActionSkipped
	case err != nil:
		logger.Error("sweep transition failed", "next", next, "error", err)
		return ActionError
	}
	logger.Info("sweep resolved claim", "action", action, "next", next)
	return action
}

// Start schedules sweeps on the configured cron spec. Overlapping runs are
// skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("sweeper already running")
	}
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", s.cfg.Schedule, err)
	}

	s.logger.Info("starting reconciliation sweeper", "schedule", s.cfg.Schedule)
	s.cron.Start()
	s.running = true
	return nil
}

// Stop stops scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.logger.Info("stopping reconciliation sweeper")
	<-s.cron.Stop().Done()
	s.running = false
}

// Run starts the sweeper and blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
