package service

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"golang.org/x/sync/errgroup"

	"kehilla/internal/audit"
	"kehilla/internal/ledger"
	"kehilla/internal/platform/metrics"
	"kehilla/internal/token/models"
	"kehilla/internal/token/store"
	"kehilla/pkg/domain"
	dErrors "kehilla/pkg/domain-errors"
	"kehilla/pkg/platform/sentinel"
)

const reconcileBatchSize = 100

// Reconciler resolves pending transaction records against the ledger.
// A submission can succeed on the network while the completing write here
// fails (crash, log outage); the reconciler closes that gap by asking the
// ledger whether the reference confirmed, and resyncs the local currency
// positions it completes from confirmed ledger state.
type Reconciler struct {
	tokens       store.TokenStore
	transactions store.TransactionStore
	gateway      ledger.Gateway
	issuer       domain.Address
	interval     time.Duration
	pendingAge   time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics
	auditer AuditPublisher
	now     func() time.Time
}

type ReconcilerOption func(*Reconciler)

func ReconcilerWithLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = logger }
}

func ReconcilerWithMetrics(m *metrics.Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

func ReconcilerWithAuditPublisher(publisher AuditPublisher) ReconcilerOption {
	return func(r *Reconciler) { r.auditer = publisher }
}

// NewReconciler builds a reconciler polling every interval and resolving
// pending records older than pendingAge.
func NewReconciler(tokens store.TokenStore, transactions store.TransactionStore, gateway ledger.Gateway, issuer domain.Address, interval, pendingAge time.Duration, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		tokens:       tokens,
		transactions: transactions,
		gateway:      gateway,
		issuer:       issuer,
		interval:     interval,
		pendingAge:   pendingAge,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run polls until the context is canceled. Intended to be launched in an
// errgroup alongside the HTTP server.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil && r.logger != nil {
				r.logger.WarnContext(ctx, "reconcile sweep failed", "error", err)
			}
		}
	}
}

// Sweep resolves one batch of stale pending transactions. Records are
// independent, so lookups fan out; each record's own resolution failure is
// logged and retried on the next sweep rather than aborting the batch.
func (r *Reconciler) Sweep(ctx context.Context) error {
	cutoff := r.now().UTC().Add(-r.pendingAge)
	pending, err := r.transactions.ListPendingBefore(ctx, cutoff, reconcileBatchSize)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, tx := range pending {
		g.Go(func() error {
			r.resolve(ctx, tx)
			return nil
		})
	}
	return g.Wait()
}

func (r *Reconciler) resolve(ctx context.Context, tx *models.Transaction) {
	outcome := "failed"
	if tx.Reference != "" {
		confirmed, err := r.gateway.FindTransaction(ctx, tx.Reference)
		if err != nil {
			if r.logger != nil {
				r.logger.WarnContext(ctx, "reconcile lookup failed", "transaction_id", tx.ID, "error", err)
			}
			return
		}
		if confirmed {
			outcome = "completed"
		}
	}

	now := r.now().UTC()
	var applyErr error
	if outcome == "completed" {
		applyErr = tx.Complete(tx.Reference, now)
	} else {
		// No reference or the network never confirmed it: the submission
		// did not take effect and the record is failed.
		applyErr = tx.Fail("unresolved after reconcile window", now)
	}
	if applyErr != nil {
		return
	}
	if err := r.transactions.Update(ctx, tx); err != nil {
		if r.logger != nil {
			r.logger.WarnContext(ctx, "reconcile update failed", "transaction_id", tx.ID, "error", err)
		}
		return
	}

	if outcome == "completed" {
		r.resyncPositions(ctx, tx)
	}

	if r.metrics != nil {
		r.metrics.ReconcilerResolved.WithLabelValues(outcome).Inc()
	}
	if r.logger != nil {
		r.logger.InfoContext(ctx, "pending transaction resolved",
			"transaction_id", tx.ID, "outcome", outcome)
	}
	if r.auditer != nil {
		event := audit.Event{
			Address:   tx.From.String(),
			Action:    string(audit.EventTransactionReconciled),
			Reason:    outcome,
			Reference: tx.Reference,
		}
		if err := r.auditer.Emit(ctx, event); err != nil && r.logger != nil {
			r.logger.WarnContext(ctx, "failed to emit audit event", "error", err)
		}
	}
}

// resyncPositions rewrites the local currency positions of both parties
// from confirmed ledger state. Completing here means the request path never
// mirrored this transaction, so the stored positions are stale by exactly
// its amount. Addresses without a matching trust line (the issuer, for one)
// are left alone.
func (r *Reconciler) resyncPositions(ctx context.Context, tx *models.Transaction) {
	if tx.Currency == models.CurrencyAchievement {
		return
	}
	for _, addr := range []domain.Address{tx.From, tx.To} {
		if addr == "" {
			continue
		}
		r.resyncPosition(ctx, addr, tx.Currency)
	}
}

func (r *Reconciler) resyncPosition(ctx context.Context, addr domain.Address, currency string) {
	lines, err := r.gateway.Balances(ctx, addr)
	if err != nil {
		if r.logger != nil {
			r.logger.WarnContext(ctx, "resync balance query failed", "address", addr, "error", err)
		}
		return
	}
	for _, line := range lines {
		if line.Currency != currency {
			continue
		}
		balance, ok := new(big.Int).SetString(line.Value, 10)
		if !ok {
			return
		}
		token, err := r.tokens.FindCurrency(ctx, addr, currency)
		if err != nil {
			if !dErrors.Is(err, sentinel.ErrNotFound) {
				if r.logger != nil {
					r.logger.WarnContext(ctx, "resync position read failed", "address", addr, "error", err)
				}
				return
			}
			token = models.NewCurrencyToken(addr, r.issuer, currency, r.now().UTC())
		}
		token.Amount = balance
		token.UpdatedAt = r.now().UTC()
		if err := r.tokens.SaveCurrency(ctx, token); err != nil && r.logger != nil {
			r.logger.WarnContext(ctx, "resync position write failed", "address", addr, "error", err)
		}
		return
	}
}
