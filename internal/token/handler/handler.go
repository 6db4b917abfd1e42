// Package handler exposes token operations over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"kehilla/internal/platform/middleware"
	"kehilla/internal/token/models"
	"kehilla/internal/token/service"
	"kehilla/internal/transport/http/shared"
	"kehilla/pkg/domain"
	dErrors "kehilla/pkg/domain-errors"
)

// Service defines the token operations the handler delegates to.
type Service interface {
	IssueCurrency(ctx context.Context, to domain.Address, currency, amount string, metadata map[string]string) (*models.Transaction, error)
	AwardAchievement(ctx context.Context, holder domain.Address, name string, category models.AchievementCategory, points int64, description string) (*models.AchievementToken, error)
	TransferCurrency(ctx context.Context, from, to domain.Address, currency, amount string) (*models.Transaction, error)
	BurnCurrency(ctx context.Context, holder domain.Address, currency, amount string) (*models.Transaction, error)
	FreezeCurrency(ctx context.Context, holder domain.Address, currency string, frozen bool, reason string) error
	Balances(ctx context.Context, addr domain.Address) ([]service.BalanceView, error)
	Achievements(ctx context.Context, holder domain.Address) (*models.AchievementToken, error)
	Transaction(ctx context.Context, id domain.TransactionID) (*models.Transaction, error)
	Transactions(ctx context.Context, addr domain.Address, limit int) ([]*models.Transaction, error)
}

// Handler handles token endpoints. Issuance, awards and freezes are
// administrative; transfers and reads are member-facing.
type Handler struct {
	tokens       Service
	logger       *slog.Logger
	jwtValidator middleware.JWTValidator
}

func New(tokens Service, logger *slog.Logger, jwtValidator middleware.JWTValidator) *Handler {
	return &Handler{
		tokens:       tokens,
		logger:       logger,
		jwtValidator: jwtValidator,
	}
}

// Register mounts the token routes.
func (h *Handler) Register(r chi.Router) {
	r.Route("/tokens", func(r chi.Router) {
		r.Post("/transfer", h.handleTransfer)
		r.Get("/balances/{address}", h.handleBalances)
		r.Get("/achievements/{address}", h.handleAchievements)
		r.Get("/transactions/{transactionID}", h.handleTransaction)
		r.Get("/history/{address}", h.handleHistory)
	})
	r.Route("/admin/tokens", func(r chi.Router) {
		r.Use(middleware.RequireAuth(h.jwtValidator))
		r.Post("/issue", h.handleIssue)
		r.Post("/award", h.handleAward)
		r.Post("/burn", h.handleBurn)
		r.Post("/freeze", h.handleFreeze)
	})
}

type transactionResponse struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Currency      string `json:"currency"`
	Amount        string `json:"amount"`
	From          string `json:"from,omitempty"`
	To            string `json:"to"`
	Status        string `json:"status"`
	Reference     string `json:"reference,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

func toTransactionResponse(tx *models.Transaction) transactionResponse {
	return transactionResponse{
		ID:            tx.ID.String(),
		Type:          string(tx.Type),
		Currency:      tx.Currency,
		Amount:        tx.Amount,
		From:          tx.From.String(),
		To:            tx.To.String(),
		Status:        string(tx.Status),
		Reference:     tx.Reference,
		FailureReason: tx.FailureReason,
	}
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		To       string            `json:"to"`
		Currency string            `json:"currency"`
		Amount   string            `json:"amount"`
		Metadata map[string]string `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeValidation, "invalid request body"))
		return
	}
	to, err := domain.ParseAddress(req.To)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	tx, err := h.tokens.IssueCurrency(ctx, to, req.Currency, req.Amount, req.Metadata)
	if err != nil {
		h.logger.WarnContext(ctx, "issuance failed",
			"request_id", middleware.GetRequestID(ctx), "currency", req.Currency, "error", err.Error())
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusCreated, toTransactionResponse(tx))
}

func (h *Handler) handleAward(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Holder      string `json:"holder"`
		Name        string `json:"name"`
		Category    string `json:"category"`
		Points      int64  `json:"points"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeValidation, "invalid request body"))
		return
	}
	holder, err := domain.ParseAddress(req.Holder)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	token, err := h.tokens.AwardAchievement(ctx, holder, req.Name, models.AchievementCategory(req.Category), req.Points, req.Description)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusCreated, token)
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		From     string `json:"from"`
		To       string `json:"to"`
		Currency string `json:"currency"`
		Amount   string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeValidation, "invalid request body"))
		return
	}
	from, err := domain.ParseAddress(req.From)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	to, err := domain.ParseAddress(req.To)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	tx, err := h.tokens.TransferCurrency(ctx, from, to, req.Currency, req.Amount)
	if err != nil {
		h.logger.WarnContext(ctx, "transfer failed",
			"request_id", middleware.GetRequestID(ctx), "currency", req.Currency, "error", err.Error())
		shared.WriteError(w, err)
		return
	}
	status := http.StatusOK
	if tx.Status == models.TxPending {
		status = http.StatusAccepted
	}
	shared.WriteJSON(w, status, toTransactionResponse(tx))
}

func (h *Handler) handleBurn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Holder   string `json:"holder"`
		Currency string `json:"currency"`
		Amount   string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeValidation, "invalid request body"))
		return
	}
	holder, err := domain.ParseAddress(req.Holder)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	tx, err := h.tokens.BurnCurrency(ctx, holder, req.Currency, req.Amount)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, toTransactionResponse(tx))
}

func (h *Handler) handleFreeze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Holder   string `json:"holder"`
		Currency string `json:"currency"`
		Frozen   bool   `json:"frozen"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeValidation, "invalid request body"))
		return
	}
	holder, err := domain.ParseAddress(req.Holder)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	if err := h.tokens.FreezeCurrency(ctx, holder, req.Currency, req.Frozen, req.Reason); err != nil {
		shared.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleBalances(w http.ResponseWriter, r *http.Request) {
	addr, err := domain.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	views, err := h.tokens.Balances(r.Context(), addr)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, views)
}

func (h *Handler) handleAchievements(w http.ResponseWriter, r *http.Request) {
	addr, err := domain.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	token, err := h.tokens.Achievements(r.Context(), addr)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, token)
}

func (h *Handler) handleTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseTransactionID(chi.URLParam(r, "transactionID"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	tx, err := h.tokens.Transaction(r.Context(), id)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, toTransactionResponse(tx))
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	addr, err := domain.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	list, err := h.tokens.Transactions(r.Context(), addr, 50)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	out := make([]transactionResponse, 0, len(list))
	for _, tx := range list {
		out = append(out, toTransactionResponse(tx))
	}
	shared.WriteJSON(w, http.StatusOK, out)
}
