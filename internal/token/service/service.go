// Package service orchestrates token operations against the durable stores
// and the external ledger gateway. Local records are the system of record
// for token metadata; the ledger is the system of record for value.
package service

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"kehilla/internal/audit"
	identitymodels "kehilla/internal/identity/models"
	"kehilla/internal/ledger"
	"kehilla/internal/platform/metrics"
	"kehilla/internal/platform/middleware"
	"kehilla/internal/token/models"
	"kehilla/internal/token/store"
	"kehilla/pkg/domain"
	dErrors "kehilla/pkg/domain-errors"
	"kehilla/pkg/platform/sentinel"
)

// VerificationDirectory resolves a ledger address to the holder's
// verification level. Backed by the identity lifecycle engine; unlinked
// addresses resolve to basic.
type VerificationDirectory interface {
	LevelForAddress(ctx context.Context, addr domain.Address) (identitymodels.VerificationLevel, error)
}

// AuditPublisher emits audit events for token operations.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Config is the orchestration policy.
type Config struct {
	// IssuerAddress is the community's issuing account. Burns pay value
	// back to it.
	IssuerAddress domain.Address
	// TrustLineLimit authorizes new holders up to this amount.
	TrustLineLimit string
	// BasicTransferLimit caps one transfer for basic-level holders.
	// Empty disables the cap.
	BasicTransferLimit string
}

// Service is the token orchestrator.
type Service struct {
	tokens       store.TokenStore
	transactions store.TransactionStore
	gateway      ledger.Gateway
	directory    VerificationDirectory
	cfg          Config
	basicLimit   *big.Int

	logger  *slog.Logger
	metrics *metrics.Metrics
	auditer AuditPublisher
	tracer  trace.Tracer
	now     func() time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) { s.auditer = publisher }
}

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(
	tokens store.TokenStore,
	transactions store.TransactionStore,
	gateway ledger.Gateway,
	directory VerificationDirectory,
	cfg Config,
	opts ...Option,
) (*Service, error) {
	if tokens == nil || transactions == nil || gateway == nil || directory == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "token service requires all collaborators")
	}
	if cfg.IssuerAddress == "" {
		return nil, dErrors.New(dErrors.CodeInternal, "issuer address is required")
	}
	var basicLimit *big.Int
	if cfg.BasicTransferLimit != "" {
		var err error
		basicLimit, err = models.ParseAmount(cfg.BasicTransferLimit)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "malformed basic transfer limit")
		}
	}
	s := &Service{
		tokens:       tokens,
		transactions: transactions,
		gateway:      gateway,
		directory:    directory,
		cfg:          cfg,
		basicLimit:   basicLimit,
		tracer:       otel.Tracer("kehilla/token"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// IssueCurrency mints amount of currency to the holder. The trust line is
// ensured first, the pending transaction record is written before the
// submission goes out, and the local position is credited only after the
// ledger confirms.
func (s *Service) IssueCurrency(ctx context.Context, to domain.Address, currency, amount string, metadata map[string]string) (*models.Transaction, error) {
	ctx, span := s.tracer.Start(ctx, "token.IssueCurrency",
		trace.WithAttributes(attribute.String("currency", currency)))
	defer span.End()

	value, err := models.ParseAmount(amount)
	if err != nil {
		return nil, err
	}
	if currency == models.CurrencyAchievement {
		return nil, dErrors.New(dErrors.CodeInvalidOperation, "achievement tokens are awarded, not issued")
	}

	token, err := s.loadOrCreateCurrency(ctx, to, currency)
	if err != nil {
		return nil, err
	}
	if token.Frozen {
		return nil, dErrors.Wrap(sentinel.ErrFrozen, dErrors.CodeInvalidOperation, "holder position is frozen")
	}

	if _, err := s.gateway.SetupTrustLine(ctx, to, currency, s.cfg.TrustLineLimit); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "trust line setup failed")
	}

	tx := models.NewTransaction(models.TxIssuance, currency, value.String(), "", to, s.now().UTC())
	if err := s.transactions.Create(ctx, tx); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "transaction log write failed")
	}

	receipt, err := s.gateway.Issue(ctx, to, currency, value.String())
	if errors.Is(err, ledger.ErrUnconfirmed) {
		s.keepPending(ctx, tx, receipt.Reference)
		return tx, nil
	}
	if err != nil {
		s.failTransaction(ctx, tx, err)
		return tx, dErrors.Wrap(err, dErrors.CodeDependency, "ledger issuance failed")
	}

	if err := tx.Complete(receipt.Reference, s.now().UTC()); err != nil {
		return tx, err
	}
	if err := s.transactions.Update(ctx, tx); err != nil {
		// The ledger accepted the submission; the reconciler resolves the
		// record once the log is reachable again.
		return tx, dErrors.Wrap(err, dErrors.CodeDependency, "transaction log write failed")
	}
	token.Credit(value, s.now().UTC())
	for key, val := range metadata {
		token.SetMetadata(key, val, s.now().UTC())
	}
	if err := s.tokens.SaveCurrency(ctx, token); err != nil {
		return tx, dErrors.Wrap(err, dErrors.CodeDependency, "token store write failed")
	}

	if s.metrics != nil {
		s.metrics.TokensIssued.WithLabelValues(currency).Inc()
	}
	s.logAudit(ctx, audit.Event{
		Address:   to.String(),
		Action:    string(audit.EventCurrencyIssued),
		Reference: receipt.Reference,
	})
	return tx, nil
}

// AwardAchievement issues points of MVP to the holder and appends the
// award entry to their soulbound record. Like currency issuance, the trust
// line is ensured and the pending transaction record is written before the
// submission goes out; MVP differs only in that the position never leaves
// the holder. The entry itself cannot be reconstructed from the ledger, so
// it is persisted even while the submission is still unconfirmed.
func (s *Service) AwardAchievement(ctx context.Context, holder domain.Address, name string, category models.AchievementCategory, points int64, description string) (*models.AchievementToken, error) {
	ctx, span := s.tracer.Start(ctx, "token.AwardAchievement",
		trace.WithAttributes(attribute.String("category", string(category))))
	defer span.End()

	token, err := s.tokens.FindAchievement(ctx, holder)
	if err != nil {
		if !dErrors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeDependency, "token store read failed")
		}
		token = models.NewAchievementToken(holder, s.cfg.IssuerAddress, s.now().UTC())
	}
	if err := token.Award(name, category, points, description, s.now().UTC()); err != nil {
		return nil, err
	}

	if _, err := s.gateway.SetupTrustLine(ctx, holder, models.CurrencyAchievement, s.cfg.TrustLineLimit); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "trust line setup failed")
	}

	amount := strconv.FormatInt(points, 10)
	tx := models.NewTransaction(models.TxIssuance, models.CurrencyAchievement, amount, "", holder, s.now().UTC())
	if err := s.transactions.Create(ctx, tx); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "transaction log write failed")
	}

	receipt, err := s.gateway.Issue(ctx, holder, models.CurrencyAchievement, amount)
	switch {
	case errors.Is(err, ledger.ErrUnconfirmed):
		s.keepPending(ctx, tx, receipt.Reference)
	case err != nil:
		s.failTransaction(ctx, tx, err)
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "ledger issuance failed")
	default:
		if err := tx.Complete(receipt.Reference, s.now().UTC()); err != nil {
			return nil, err
		}
		if err := s.transactions.Update(ctx, tx); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeDependency, "transaction log write failed")
		}
	}

	if err := s.tokens.SaveAchievement(ctx, token); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "token store write failed")
	}
	if s.metrics != nil {
		s.metrics.AchievementsAwarded.Inc()
		s.metrics.TokensIssued.WithLabelValues(models.CurrencyAchievement).Inc()
	}
	s.logAudit(ctx, audit.Event{
		Address:   holder.String(),
		Action:    string(audit.EventAchievementAwarded),
		Reference: tx.Reference,
	})
	return token, nil
}

// TransferCurrency moves value between member addresses. Soulbound and
// frozen positions refuse; basic-level senders are capped per transfer.
// The pending record is written before submission so a crash leaves an
// auditable trail for the reconciler.
func (s *Service) TransferCurrency(ctx context.Context, from, to domain.Address, currency, amount string) (*models.Transaction, error) {
	ctx, span := s.tracer.Start(ctx, "token.TransferCurrency",
		trace.WithAttributes(attribute.String("currency", currency)))
	defer span.End()

	value, err := models.ParseAmount(amount)
	if err != nil {
		return nil, err
	}
	if currency == models.CurrencyAchievement {
		return nil, dErrors.New(dErrors.CodeInvalidOperation, "achievement tokens are soulbound and cannot be transferred")
	}
	if from == to {
		return nil, dErrors.New(dErrors.CodeValidation, "sender and recipient must differ")
	}

	token, err := s.tokens.FindCurrency(ctx, from, currency)
	if err != nil && !dErrors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "token store read failed")
	}
	if token != nil && token.Frozen {
		return nil, dErrors.Wrap(sentinel.ErrFrozen, dErrors.CodeInvalidOperation, "sender position is frozen")
	}

	if err := s.checkTransferLimit(ctx, from, value); err != nil {
		return nil, err
	}
	if err := s.checkAvailableBalance(ctx, from, currency, value); err != nil {
		return nil, err
	}

	tx := models.NewTransaction(models.TxTransfer, currency, value.String(), from, to, s.now().UTC())
	if err := s.transactions.Create(ctx, tx); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "transaction log write failed")
	}

	receipt, err := s.gateway.Transfer(ctx, from, to, currency, value.String())
	if errors.Is(err, ledger.ErrUnconfirmed) {
		s.keepPending(ctx, tx, receipt.Reference)
		return tx, nil
	}
	if err != nil {
		s.failTransaction(ctx, tx, err)
		if s.metrics != nil {
			s.metrics.TransfersFailed.Inc()
		}
		s.logAudit(ctx, audit.Event{Address: from.String(), Action: string(audit.EventTransferFailed), Reason: err.Error()})
		return tx, dErrors.Wrap(err, dErrors.CodeDependency, "ledger transfer failed")
	}

	if err := tx.Complete(receipt.Reference, s.now().UTC()); err != nil {
		return tx, err
	}
	if err := s.transactions.Update(ctx, tx); err != nil {
		return tx, dErrors.Wrap(err, dErrors.CodeDependency, "transaction log write failed")
	}
	s.mirrorTransfer(ctx, token, to, currency, value)

	if s.metrics != nil {
		s.metrics.TransfersCompleted.Inc()
	}
	s.logAudit(ctx, audit.Event{
		Address:   from.String(),
		Action:    string(audit.EventTransferCompleted),
		Reference: receipt.Reference,
	})
	return tx, nil
}

// BurnCurrency retires amount from the holder by paying it back to the
// issuing account.
func (s *Service) BurnCurrency(ctx context.Context, holder domain.Address, currency, amount string) (*models.Transaction, error) {
	ctx, span := s.tracer.Start(ctx, "token.BurnCurrency",
		trace.WithAttributes(attribute.String("currency", currency)))
	defer span.End()

	value, err := models.ParseAmount(amount)
	if err != nil {
		return nil, err
	}
	if currency == models.CurrencyAchievement {
		return nil, dErrors.New(dErrors.CodeInvalidOperation, "achievement tokens cannot be burned")
	}

	token, err := s.tokens.FindCurrency(ctx, holder, currency)
	if err != nil {
		if dErrors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeInsufficientBalance, "holder has no position to burn")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "token store read failed")
	}
	if token.Frozen {
		return nil, dErrors.Wrap(sentinel.ErrFrozen, dErrors.CodeInvalidOperation, "holder position is frozen")
	}
	if err := s.checkAvailableBalance(ctx, holder, currency, value); err != nil {
		return nil, err
	}

	tx := models.NewTransaction(models.TxBurn, currency, value.String(), holder, s.cfg.IssuerAddress, s.now().UTC())
	if err := s.transactions.Create(ctx, tx); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "transaction log write failed")
	}

	receipt, err := s.gateway.Transfer(ctx, holder, s.cfg.IssuerAddress, currency, value.String())
	if errors.Is(err, ledger.ErrUnconfirmed) {
		s.keepPending(ctx, tx, receipt.Reference)
		return tx, nil
	}
	if err != nil {
		s.failTransaction(ctx, tx, err)
		return tx, dErrors.Wrap(err, dErrors.CodeDependency, "ledger burn failed")
	}

	if err := tx.Complete(receipt.Reference, s.now().UTC()); err != nil {
		return tx, err
	}
	if err := s.transactions.Update(ctx, tx); err != nil {
		return tx, dErrors.Wrap(err, dErrors.CodeDependency, "transaction log write failed")
	}
	if debitErr := token.Debit(value, s.now().UTC()); debitErr == nil {
		_ = s.tokens.SaveCurrency(ctx, token)
	}
	s.logAudit(ctx, audit.Event{
		Address:   holder.String(),
		Action:    string(audit.EventCurrencyBurned),
		Reference: receipt.Reference,
	})
	return tx, nil
}

// FreezeCurrency sets or clears the administrative freeze on a position.
func (s *Service) FreezeCurrency(ctx context.Context, holder domain.Address, currency string, frozen bool, reason string) error {
	token, err := s.loadOrCreateCurrency(ctx, holder, currency)
	if err != nil {
		return err
	}
	if token.Frozen == frozen {
		return nil
	}
	token.Frozen = frozen
	token.UpdatedAt = s.now().UTC()
	if err := s.tokens.SaveCurrency(ctx, token); err != nil {
		return dErrors.Wrap(err, dErrors.CodeDependency, "token store write failed")
	}
	event := audit.Event{Address: holder.String(), Action: string(audit.EventTokenFrozen), Reason: reason}
	s.logAudit(ctx, event)
	return nil
}

// BalanceView is one currency position as reported to clients. Frozen
// positions always report zero available.
type BalanceView struct {
	Currency  string `json:"currency"`
	Balance   string `json:"balance"`
	Available string `json:"available"`
	Frozen    bool   `json:"frozen"`
}

// Balances reports the ledger-confirmed positions for an address.
func (s *Service) Balances(ctx context.Context, addr domain.Address) ([]BalanceView, error) {
	lines, err := s.gateway.Balances(ctx, addr)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "ledger balance query failed")
	}
	views := make([]BalanceView, 0, len(lines))
	for _, line := range lines {
		view := BalanceView{
			Currency:  line.Currency,
			Balance:   line.Value,
			Available: line.Value,
			Frozen:    line.Frozen,
		}
		if line.Frozen {
			view.Available = "0"
		}
		views = append(views, view)
	}
	return views, nil
}

// Achievements reports the holder's soulbound achievement token, or
// NotFound when nothing was ever awarded.
func (s *Service) Achievements(ctx context.Context, holder domain.Address) (*models.AchievementToken, error) {
	token, err := s.tokens.FindAchievement(ctx, holder)
	if err != nil {
		if dErrors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "no achievements for %s", holder)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "token store read failed")
	}
	return token, nil
}

// Transaction returns one transaction record by id.
func (s *Service) Transaction(ctx context.Context, id domain.TransactionID) (*models.Transaction, error) {
	tx, err := s.transactions.FindByID(ctx, id)
	if err != nil {
		if dErrors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "transaction %s not found", id)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "transaction log read failed")
	}
	return tx, nil
}

// Transactions lists the records touching an address, newest first.
func (s *Service) Transactions(ctx context.Context, addr domain.Address, limit int) ([]*models.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	list, err := s.transactions.ListForAddress(ctx, addr, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "transaction log read failed")
	}
	return list, nil
}

func (s *Service) checkTransferLimit(ctx context.Context, from domain.Address, value *big.Int) error {
	if s.basicLimit == nil {
		return nil
	}
	level, err := s.directory.LevelForAddress(ctx, from)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeDependency, "verification lookup failed")
	}
	if !level.AtLeast(identitymodels.LevelAdvanced) && value.Cmp(s.basicLimit) > 0 {
		return dErrors.Newf(dErrors.CodeUnauthorized,
			"transfer exceeds the %s limit for basic verification", s.cfg.BasicTransferLimit)
	}
	return nil
}

func (s *Service) checkAvailableBalance(ctx context.Context, addr domain.Address, currency string, value *big.Int) error {
	lines, err := s.gateway.Balances(ctx, addr)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeDependency, "ledger balance query failed")
	}
	for _, line := range lines {
		if line.Currency != currency {
			continue
		}
		if line.Frozen {
			return dErrors.Wrap(sentinel.ErrFrozen, dErrors.CodeInvalidOperation, "trust line is frozen")
		}
		balance, ok := new(big.Int).SetString(line.Value, 10)
		if ok && balance.Cmp(value) >= 0 {
			return nil
		}
		break
	}
	return dErrors.Newf(dErrors.CodeInsufficientBalance, "insufficient %s balance", currency)
}

// mirrorTransfer updates the local positions after a confirmed transfer.
// Mirror failures are logged, not surfaced: the ledger already moved the
// value, and the reconciler resyncs stale positions from confirmed ledger
// state on its next sweep.
func (s *Service) mirrorTransfer(ctx context.Context, sender *models.CurrencyToken, to domain.Address, currency string, value *big.Int) {
	now := s.now().UTC()
	if sender != nil {
		if err := sender.Debit(value, now); err == nil {
			if err := s.tokens.SaveCurrency(ctx, sender); err != nil && s.logger != nil {
				s.logger.WarnContext(ctx, "failed to mirror sender position", "error", err)
			}
		}
	}
	recipient, err := s.loadOrCreateCurrency(ctx, to, currency)
	if err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to mirror recipient position", "error", err)
		}
		return
	}
	recipient.Credit(value, now)
	if err := s.tokens.SaveCurrency(ctx, recipient); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "failed to mirror recipient position", "error", err)
	}
}

func (s *Service) loadOrCreateCurrency(ctx context.Context, holder domain.Address, currency string) (*models.CurrencyToken, error) {
	token, err := s.tokens.FindCurrency(ctx, holder, currency)
	if err == nil {
		return token, nil
	}
	if !dErrors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeDependency, "token store read failed")
	}
	return models.NewCurrencyToken(holder, s.cfg.IssuerAddress, currency, s.now().UTC()), nil
}

// keepPending records the reference on a submission the network accepted
// but has not validated yet. The reconciler resolves it once the ledger
// reports the outcome; local positions stay untouched until then.
func (s *Service) keepPending(ctx context.Context, tx *models.Transaction, reference string) {
	tx.Reference = reference
	tx.UpdatedAt = s.now().UTC()
	if err := s.transactions.Update(ctx, tx); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "failed to record pending reference", "transaction_id", tx.ID, "error", err)
	}
}

func (s *Service) failTransaction(ctx context.Context, tx *models.Transaction, cause error) {
	if err := tx.Fail(cause.Error(), s.now().UTC()); err != nil {
		return
	}
	if err := s.transactions.Update(ctx, tx); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "failed to record transaction failure", "transaction_id", tx.ID, "error", err)
	}
}

func (s *Service) logAudit(ctx context.Context, event audit.Event) {
	if requestID := middleware.GetRequestID(ctx); requestID != "" {
		event.RequestID = requestID
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, event.Action,
			"address", event.Address,
			"request_id", event.RequestID,
			"log_type", "audit")
	}
	if s.auditer == nil {
		return
	}
	if err := s.auditer.Emit(ctx, event); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "failed to emit audit event", "event", event.Action, "error", err)
	}
}
