// Package reconcile keeps the ledger in line with what the broker actually holds.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/position_ledger/internal/broker"
	"github.com/eddiefleurent/position_ledger/internal/contract"
	"github.com/eddiefleurent/position_ledger/internal/lock"
	"github.com/eddiefleurent/position_ledger/internal/metrics"
	"github.com/eddiefleurent/position_ledger/internal/models"
	"github.com/eddiefleurent/position_ledger/internal/storage"
)

const positionsFetchTimeout = 8 * time.Second

// BrokerPosition is one broker holding keyed by contract identity.
type BrokerPosition struct {
	CI       string
	Contract contract.Contract
	Quantity int
	AvgCost  decimal.Decimal
}

// SyncReport lists what one reconciliation pass did, by contract identity.
type SyncReport struct {
	Corrected      []storage.Correction `json:"corrected"`
	Unchanged      []string             `json:"unchanged"`
	OrphanedLocal  []string             `json:"orphaned_local"`
	OrphanedRemote []string             `json:"orphaned_remote"`
	Deferred       []string             `json:"deferred"`
	Phantoms       []string             `json:"phantoms,omitempty"`
	Alerts         []string             `json:"alerts,omitempty"`
}

// Config contains configuration for the reconciler.
type Config struct {
	Interval         time.Duration
	DriftThreshold   int
	PhantomThreshold time.Duration // age after which an unconfirmed opening is settled from broker data
	StaleExitAfter   time.Duration // age after which an unlocked pending_exit is released
	LockTimeout      time.Duration // per-correction lock
}

// DefaultConfig is the default configuration for the reconciler.
var DefaultConfig = Config{
	Interval:         time.Minute,
	DriftThreshold:   3,
	PhantomThreshold: 15 * time.Minute,
	StaleExitAfter:   5 * time.Minute,
	LockTimeout:      10 * time.Second,
}

// Reconciler handles position synchronization between broker and ledger.
type Reconciler struct {
	broker        broker.Broker
	store         storage.Interface
	locks         lock.Manager
	logger        *logrus.Logger
	config        Config
	now           func() time.Time
	coldStartOnce sync.Once

	mu     sync.Mutex // serializes passes and guards streak
	streak map[string]int
}

// NewReconciler creates a new position reconciler.
func NewReconciler(b broker.Broker, store storage.Interface, locks lock.Manager, logger *logrus.Logger, config ...Config) *Reconciler {
	if b == nil || store == nil || locks == nil {
		panic("reconcile.NewReconciler: broker, store and locks must not be nil")
	}
	if logger == nil {
		logger = logrus.New()
	}
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig.Interval
	}
	if cfg.DriftThreshold <= 0 {
		cfg.DriftThreshold = DefaultConfig.DriftThreshold
	}
	if cfg.PhantomThreshold <= 0 {
		cfg.PhantomThreshold = DefaultConfig.PhantomThreshold
	}
	if cfg.StaleExitAfter <= 0 {
		cfg.StaleExitAfter = DefaultConfig.StaleExitAfter
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultConfig.LockTimeout
	}
	return &Reconciler{
		broker: b,
		store:  store,
		locks:  locks,
		logger: logger,
		config: cfg,
		now:    func() time.Time { return time.Now().UTC() },
		streak: make(map[string]int),
	}
}

// SetClock replaces the time source used for phantom age checks.
func (r *Reconciler) SetClock(now func() time.Time) { r.now = now }

// FromHoldings converts broker holdings into positions keyed by CI. Holdings
// that are not single-leg long options are returned as skipped symbols.
func FromHoldings(holdings []broker.Holding) ([]BrokerPosition, []string) {
	byCI := make(map[string]*BrokerPosition)
	var order []string
	var skipped []string
	for _, h := range holdings {
		c, err := contract.ParseOCC(h.Symbol)
		if err != nil || h.Quantity <= 0 {
			skipped = append(skipped, h.Symbol)
			continue
		}
		ci := c.ID()
		bp, ok := byCI[ci]
		if !ok {
			byCI[ci] = &BrokerPosition{CI: ci, Contract: c, Quantity: h.Quantity, AvgCost: h.AvgCost}
			order = append(order, ci)
			continue
		}
		// The same contract listed under both roots.
		total := bp.Quantity + h.Quantity
		bp.AvgCost = bp.AvgCost.Mul(decimal.NewFromInt(int64(bp.Quantity))).
			Add(h.AvgCost.Mul(decimal.NewFromInt(int64(h.Quantity)))).
			Div(decimal.NewFromInt(int64(total))).Round(4)
		bp.Quantity = total
	}
	out := make([]BrokerPosition, 0, len(order))
	for _, ci := range order {
		out = append(out, *byCI[ci])
	}
	return out, skipped
}

// Sync applies one broker snapshot to the ledger. Broker quantities are
// authoritative. Contracts under an exit lock are deferred to the next pass.
// Running Sync twice with the same snapshot changes nothing the second time.
func (r *Reconciler) Sync(ctx context.Context, snapshot []BrokerPosition) (*SyncReport, error) {
	return r.SyncAsOf(ctx, snapshot, time.Time{})
}

// SyncAsOf is Sync for a snapshot fetched at asOf. Records written after asOf
// may not be reflected in the snapshot and are deferred. A zero asOf defers nothing.
func (r *Reconciler) SyncAsOf(ctx context.Context, snapshot []BrokerPosition, asOf time.Time) (*SyncReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	remote := make(map[string]BrokerPosition, len(snapshot))
	for _, bp := range snapshot {
		remote[bp.CI] = bp
	}
	local := r.store.List()

	if len(local) == 0 && len(remote) > 0 {
		r.coldStartOnce.Do(func() {
			r.logger.WithField("broker_positions", len(remote)).
				Warn("Cold start: ledger is empty but the broker holds positions, adopting them")
		})
	}

	report := &SyncReport{}
	drifted := make(map[string]bool)
	accounted := make(map[string]bool)
	var errs []error

	for _, p := range local {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		bp, atBroker := remote[p.CI]
		if !asOf.IsZero() && p.LastUpdateTime.After(asOf) {
			accounted[p.CI] = true
			report.Deferred = append(report.Deferred, p.CI)
			continue
		}
		switch p.Status {
		case models.StatusOpening:
			accounted[p.CI] = true
			if err := r.settlePhantom(ctx, p, bp, atBroker, report, drifted); err != nil {
				errs = append(errs, err)
			}
			continue
		case models.StatusPendingExit:
			accounted[p.CI] = true
			report.Deferred = append(report.Deferred, p.CI)
			continue
		case models.StatusOpen, models.StatusTrimmed:
			accounted[p.CI] = true
		default:
			continue
		}

		if held, err := r.locks.Held(ctx, p.CI); err != nil || held {
			if err != nil {
				r.logger.WithError(err).WithField("ci", p.CI).Warn("Could not check lock, deferring")
			}
			report.Deferred = append(report.Deferred, p.CI)
			continue
		}

		switch {
		case !atBroker:
			err := r.withLock(ctx, p.CI, func() error {
				_, err := r.store.CloseExternally(ctx, p.CI)
				return err
			})
			if r.record(err, p.CI, report, &errs) {
				report.OrphanedLocal = append(report.OrphanedLocal, p.CI)
				r.audit(p.CI, "closed_externally", p.TotalQuantity, 0, drifted)
			}
		case bp.Quantity == p.TotalQuantity:
			report.Unchanged = append(report.Unchanged, p.CI)
		default:
			var corr storage.Correction
			err := r.withLock(ctx, p.CI, func() error {
				var err error
				corr, err = r.store.Correct(ctx, p.CI, bp.Quantity, bp.AvgCost)
				return err
			})
			if r.record(err, p.CI, report, &errs) {
				report.Corrected = append(report.Corrected, corr)
				r.audit(p.CI, "quantity", corr.LocalQuantity, corr.BrokerQuantity, drifted)
			}
		}
	}

	for _, bp := range snapshot {
		if accounted[bp.CI] {
			continue
		}
		err := r.withLock(ctx, bp.CI, func() error {
			_, err := r.store.Adopt(ctx, bp.Contract, bp.Quantity, bp.AvgCost)
			return err
		})
		if r.record(err, bp.CI, report, &errs) {
			report.OrphanedRemote = append(report.OrphanedRemote, bp.CI)
			r.audit(bp.CI, "adopted", 0, bp.Quantity, drifted)
		}
	}

	report.Alerts = r.settleStreaks(drifted)
	sort.Strings(report.Alerts)
	return report, errors.Join(errs...)
}

// record files a lock-busy correction as deferred and collects other errors.
// It reports whether the correction was applied.
func (r *Reconciler) record(err error, ci string, report *SyncReport, errs *[]error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, models.ErrLockBusy):
		report.Deferred = append(report.Deferred, ci)
	default:
		r.logger.WithError(err).WithField("ci", ci).Error("Reconciliation write failed")
		*errs = append(*errs, fmt.Errorf("reconcile %s: %w", ci, err))
	}
	return false
}

// withLock runs one correction under a short lock so it cannot interleave with a sell.
func (r *Reconciler) withLock(ctx context.Context, ci string, fn func() error) error {
	h, err := r.locks.Acquire(ctx, ci, r.config.LockTimeout)
	if err != nil {
		return err
	}
	defer func() {
		if err := r.locks.Release(context.WithoutCancel(ctx), h); err != nil {
			r.logger.WithError(err).WithField("ci", ci).Warn("Failed to release reconciliation lock")
		}
	}()
	return fn()
}

// settlePhantom resolves an opening record whose buy flow never finished.
// Younger records belong to a live buy and are left alone.
func (r *Reconciler) settlePhantom(ctx context.Context, p models.Position, bp BrokerPosition, atBroker bool, report *SyncReport, drifted map[string]bool) error {
	if r.now().Sub(p.FirstEntryTime) < r.config.PhantomThreshold {
		return nil
	}
	if held, err := r.locks.Held(ctx, p.CI); err != nil || held {
		report.Deferred = append(report.Deferred, p.CI)
		return nil
	}

	log := r.logger.WithFields(logrus.Fields{"ci": p.CI, "age": r.now().Sub(p.FirstEntryTime).Round(time.Second)})
	err := r.withLock(ctx, p.CI, func() error {
		if atBroker {
			if _, err := r.store.ConfirmOpen(ctx, p.CI); err != nil {
				return err
			}
			if bp.Quantity != p.TotalQuantity {
				if _, err := r.store.Correct(ctx, p.CI, bp.Quantity, bp.AvgCost); err != nil {
					return err
				}
			}
			return nil
		}
		for _, lot := range r.store.Lots(p.CI) {
			if lot.Status != models.LotOpen {
				continue
			}
			if _, err := r.store.CancelLot(ctx, p.CI, lot.LotID, models.ConditionOrderTimeout); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrLockBusy) {
			report.Deferred = append(report.Deferred, p.CI)
			return nil
		}
		log.WithError(err).Error("Failed to settle phantom opening position")
		return fmt.Errorf("reconcile phantom %s: %w", p.CI, err)
	}

	report.Phantoms = append(report.Phantoms, p.CI)
	if atBroker {
		log.Warn("Phantom opening position found at broker, confirmed open")
		r.audit(p.CI, "phantom_filled", p.TotalQuantity, bp.Quantity, drifted)
	} else {
		log.Warn("Phantom opening position never filled, cancelled")
		r.audit(p.CI, "phantom_cancelled", p.TotalQuantity, 0, drifted)
	}
	return nil
}

// audit logs a drift correction. Drift is never absorbed silently.
func (r *Reconciler) audit(ci, kind string, localQty, brokerQty int, drifted map[string]bool) {
	drifted[ci] = true
	r.streak[ci]++
	metrics.ReconcileDrift.WithLabelValues(kind).Inc()
	metrics.DriftStreak.WithLabelValues(ci).Set(float64(r.streak[ci]))

	err := fmt.Errorf("%w: %s local %d broker %d", models.ErrReconciliationDrift, ci, localQty, brokerQty)
	r.logger.WithFields(logrus.Fields{
		"event":      "reconciliation_drift",
		"ci":         ci,
		"kind":       kind,
		"local_qty":  localQty,
		"broker_qty": brokerQty,
		"streak":     r.streak[ci],
	}).WithError(err).Warn("Ledger corrected from broker holdings")
}

// settleStreaks resets streaks for contracts that did not drift this pass and
// returns those at or past the threshold.
func (r *Reconciler) settleStreaks(drifted map[string]bool) []string {
	var alerts []string
	for ci, n := range r.streak {
		if !drifted[ci] {
			delete(r.streak, ci)
			metrics.DriftStreak.DeleteLabelValues(ci)
			continue
		}
		if n >= r.config.DriftThreshold {
			alerts = append(alerts, ci)
			r.logger.WithFields(logrus.Fields{
				"event":     "reconciliation_drift",
				"ci":        ci,
				"streak":    n,
				"threshold": r.config.DriftThreshold,
			}).Error("Repeated reconciliation drift needs operator attention")
		}
	}
	if len(alerts) > 0 {
		metrics.DriftAlert.Set(1)
	} else {
		metrics.DriftAlert.Set(0)
	}
	return alerts
}

// RunOnce releases stale pending exits, fetches broker holdings and syncs.
func (r *Reconciler) RunOnce(ctx context.Context) (*SyncReport, error) {
	held := func(ci string) bool {
		h, err := r.locks.Held(ctx, ci)
		return err != nil || h
	}
	r.store.ExpireStaleExits(ctx, r.config.StaleExitAfter, held)

	fetchedAt := r.now()
	fetchCtx, cancel := context.WithTimeout(ctx, positionsFetchTimeout)
	holdings, err := r.broker.GetPositionsCtx(fetchCtx)
	cancel()
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues("fetch_error").Inc()
		r.logger.WithError(err).Warn("Failed to get broker positions for reconciliation")
		return nil, fmt.Errorf("fetch broker positions: %w", err)
	}

	snapshot, skipped := FromHoldings(holdings)
	if len(skipped) > 0 {
		r.logger.WithField("symbols", skipped).Debug("Ignoring broker holdings that are not long option positions")
	}

	report, err := r.SyncAsOf(ctx, snapshot, fetchedAt)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ReconcileRuns.WithLabelValues(outcome).Inc()
	metrics.OpenPositions.Set(float64(len(r.store.ListOpen(""))))

	r.logger.WithFields(logrus.Fields{
		"broker":          len(snapshot),
		"corrected":       len(report.Corrected),
		"unchanged":       len(report.Unchanged),
		"orphaned_local":  len(report.OrphanedLocal),
		"orphaned_remote": len(report.OrphanedRemote),
		"deferred":        len(report.Deferred),
	}).Info("Reconciliation pass complete")
	return report, err
}

// Run reconciles at startup and then every Interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
		r.logger.WithError(err).Warn("Startup reconciliation failed")
	}
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.WithError(err).Warn("Reconciliation pass failed")
			}
		}
	}
}
