// Package handler exposes the identity lifecycle over HTTP.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"kehilla/internal/identity/models"
	"kehilla/internal/identity/service"
	"kehilla/internal/platform/middleware"
	"kehilla/internal/transport/http/shared"
	"kehilla/pkg/domain"
	dErrors "kehilla/pkg/domain-errors"
)

// Service defines the lifecycle operations the handler delegates to.
type Service interface {
	Enroll(ctx context.Context, req service.EnrollRequest) (*service.EnrollResult, error)
	UpgradeVerification(ctx context.Context, id domain.IdentityID, uploads []service.DocumentUpload, method models.VerificationMethod) (*models.IdentityRecord, error)
	AddEndorsement(ctx context.Context, id domain.IdentityID, e models.Endorsement) error
	VerificationStatus(ctx context.Context, id domain.IdentityID) (*service.VerificationStatus, error)
	UpdateMFASettings(ctx context.Context, id domain.IdentityID, enable bool) (*service.MFAProvisioning, error)
	Suspend(ctx context.Context, id domain.IdentityID, reason string) error
	Reinstate(ctx context.Context, id domain.IdentityID) error
	Profile(ctx context.Context, id domain.IdentityID, includePersonal bool) (*service.Profile, error)
	RetrieveDocument(ctx context.Context, id domain.IdentityID, documentID string) ([]byte, error)
}

// Handler handles identity endpoints.
type Handler struct {
	identity     Service
	logger       *slog.Logger
	jwtValidator middleware.JWTValidator
}

func New(identity Service, logger *slog.Logger, jwtValidator middleware.JWTValidator) *Handler {
	return &Handler{
		identity:     identity,
		logger:       logger,
		jwtValidator: jwtValidator,
	}
}

// Register mounts the identity routes.
func (h *Handler) Register(r chi.Router) {
	r.Route("/identities", func(r chi.Router) {
		r.Use(middleware.DeviceContext)
		r.Post("/", h.handleEnroll)
		r.Get("/{identityID}", h.handleProfile)
		r.Get("/{identityID}/verification", h.handleVerificationStatus)
		r.Post("/{identityID}/verification", h.handleUpgrade)
		r.Post("/{identityID}/endorsements", h.handleAddEndorsement)
		r.Put("/{identityID}/mfa", h.handleMFA)
		r.Get("/{identityID}/documents/{documentID}", h.handleDocument)
	})
	r.Route("/admin/identities", func(r chi.Router) {
		r.Use(middleware.RequireAuth(h.jwtValidator))
		r.Post("/{identityID}/suspend", h.handleSuspend)
		r.Post("/{identityID}/reinstate", h.handleReinstate)
	})
}

type documentPayload struct {
	Type string `json:"type"`
	Data string `json:"data"` // base64
}

type enrollRequest struct {
	Email      string            `json:"email"`
	Phone      string            `json:"phone"`
	Address    string            `json:"address,omitempty"`
	MFAEnabled bool              `json:"mfa_enabled"`
	Documents  []documentPayload `json:"documents,omitempty"`
}

type mfaResponse struct {
	Secret      string   `json:"totp_secret"`
	QRPayload   string   `json:"totp_qr_payload"`
	BackupCodes []string `json:"backup_codes"`
}

type recordResponse struct {
	ID           string                     `json:"id"`
	Level        models.VerificationLevel   `json:"verification_level"`
	Status       models.Status              `json:"status"`
	Address      string                     `json:"address,omitempty"`
	Endorsements []models.Endorsement       `json:"endorsements"`
	Documents    []models.DocumentReference `json:"documents"`
	Meta         models.VerificationMeta    `json:"verification_meta"`
	CreatedAt    time.Time                  `json:"created_at"`
	UpdatedAt    time.Time                  `json:"updated_at"`
}

func toRecordResponse(record *models.IdentityRecord) recordResponse {
	return recordResponse{
		ID:           record.ID.String(),
		Level:        record.Level,
		Status:       record.Status,
		Address:      record.Address.String(),
		Endorsements: record.Endorsements,
		Documents:    record.Documents,
		Meta:         record.Meta,
		CreatedAt:    record.CreatedAt,
		UpdatedAt:    record.UpdatedAt,
	}
}

func (h *Handler) handleEnroll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeValidation, "invalid request body"))
		return
	}
	uploads, err := decodeUploads(req.Documents)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var addr domain.Address
	if req.Address != "" {
		addr, err = domain.ParseAddress(req.Address)
		if err != nil {
			shared.WriteError(w, err)
			return
		}
	}

	result, err := h.identity.Enroll(ctx, service.EnrollRequest{
		Email:      req.Email,
		Phone:      req.Phone,
		Address:    addr,
		MFAEnabled: req.MFAEnabled,
		Documents:  uploads,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "enrollment failed",
			"request_id", middleware.GetRequestID(ctx), "error", err.Error())
		shared.WriteError(w, err)
		return
	}

	response := struct {
		Record recordResponse `json:"record"`
		MFA    *mfaResponse   `json:"mfa,omitempty"`
	}{Record: toRecordResponse(result.Record)}
	if result.MFA != nil {
		response.MFA = &mfaResponse{
			Secret:      result.MFA.TOTP.Secret,
			QRPayload:   result.MFA.TOTP.QRPayload,
			BackupCodes: result.MFA.BackupCodes,
		}
	}
	shared.WriteJSON(w, http.StatusCreated, response)
}

func (h *Handler) handleProfile(w http.ResponseWriter, r *http.Request) {
	id, err := identityID(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	includePersonal := r.URL.Query().Get("personal") == "true"
	profile, err := h.identity.Profile(r.Context(), id, includePersonal)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	response := struct {
		Record   recordResponse           `json:"record"`
		Personal *service.PersonalDetails `json:"personal,omitempty"`
	}{Record: toRecordResponse(profile.Record), Personal: profile.Personal}
	shared.WriteJSON(w, http.StatusOK, response)
}

func (h *Handler) handleVerificationStatus(w http.ResponseWriter, r *http.Request) {
	id, err := identityID(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	status, err := h.identity.VerificationStatus(r.Context(), id)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, status)
}

func (h *Handler) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := identityID(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	var req struct {
		Method    string            `json:"method"`
		Documents []documentPayload `json:"documents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeValidation, "invalid request body"))
		return
	}
	uploads, err := decodeUploads(req.Documents)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	record, err := h.identity.UpgradeVerification(ctx, id, uploads, models.VerificationMethod(req.Method))
	if err != nil {
		h.logger.WarnContext(ctx, "verification upgrade failed",
			"request_id", middleware.GetRequestID(ctx), "identity_id", id, "error", err.Error())
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, toRecordResponse(record))
}

func (h *Handler) handleAddEndorsement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := identityID(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	var req struct {
		IssuerID  string    `json:"issuer_id"`
		Type      string    `json:"type"`
		Level     int       `json:"level"`
		Timestamp time.Time `json:"timestamp"`
		Signature string    `json:"signature"` // base64
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeValidation, "invalid request body"))
		return
	}
	signature, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeValidation, "signature must be base64"))
		return
	}

	err = h.identity.AddEndorsement(ctx, id, models.Endorsement{
		IssuerID:  domain.IssuerID(req.IssuerID),
		Type:      models.EndorsementType(req.Type),
		Level:     req.Level,
		Timestamp: req.Timestamp,
		Signature: signature,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "endorsement rejected",
			"request_id", middleware.GetRequestID(ctx), "identity_id", id, "error", err.Error())
		shared.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMFA(w http.ResponseWriter, r *http.Request) {
	id, err := identityID(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeValidation, "invalid request body"))
		return
	}

	provisioning, err := h.identity.UpdateMFASettings(r.Context(), id, req.Enabled)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	if provisioning == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	shared.WriteJSON(w, http.StatusOK, mfaResponse{
		Secret:      provisioning.TOTP.Secret,
		QRPayload:   provisioning.TOTP.QRPayload,
		BackupCodes: provisioning.BackupCodes,
	})
}

func (h *Handler) handleDocument(w http.ResponseWriter, r *http.Request) {
	id, err := identityID(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	data, err := h.identity.RetrieveDocument(r.Context(), id, chi.URLParam(r, "documentID"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) handleSuspend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := identityID(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeValidation, "invalid request body"))
		return
	}
	if err := h.identity.Suspend(ctx, id, req.Reason); err != nil {
		shared.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReinstate(w http.ResponseWriter, r *http.Request) {
	id, err := identityID(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	if err := h.identity.Reinstate(r.Context(), id); err != nil {
		shared.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func identityID(r *http.Request) (domain.IdentityID, error) {
	return domain.ParseIdentityID(chi.URLParam(r, "identityID"))
}

func decodeUploads(docs []documentPayload) ([]service.DocumentUpload, error) {
	uploads := make([]service.DocumentUpload, 0, len(docs))
	for _, doc := range docs {
		data, err := base64.StdEncoding.DecodeString(doc.Data)
		if err != nil {
			return nil, dErrors.New(dErrors.CodeValidation, "document data must be base64")
		}
		uploads = append(uploads, service.DocumentUpload{Data: data, Type: doc.Type})
	}
	return uploads, nil
}
