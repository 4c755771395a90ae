package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/emperorhan/chatpay-settlement/internal/domain/failure"
	"github.com/emperorhan/chatpay-settlement/internal/domain/model"
	"github.com/emperorhan/chatpay-settlement/internal/escrow"
	"github.com/google/uuid"
)

const (
	maxRequestBodyBytes = 1 << 20 // 1 MB

	defaultListLimit = 100
	maxListLimit     = 1000
)

// AssetRegistry registers and toggles assets. Satisfied by *token.Resolver,
// which also invalidates its cache.
type AssetRegistry interface {
	Register(ctx context.Context, a model.Asset) (model.Asset, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
}

// PaymentReader looks up payment records.
type PaymentReader interface {
	GetPayment(ctx context.Context, id uuid.UUID) (*model.Payment, error)
}

// EscrowOperator exposes escrow inspection and the on-demand sweep.
type EscrowOperator interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Escrow, error)
	ListByStatus(ctx context.Context, status model.EscrowStatus, limit int) ([]model.Escrow, error)
	Sweep(ctx context.Context) (escrow.SweepResult, error)
}

// AuditRequester triggers a vault audit.
type AuditRequester interface {
	AuditAny(ctx context.Context) (any, error)
}

// HealthChecker reports whether a backing dependency is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server provides an HTTP-based admin API for operational management.
type Server struct {
	assets   AssetRegistry
	payments PaymentReader
	escrows  EscrowOperator
	auditor  AuditRequester
	checks   map[string]HealthChecker
	logger   *slog.Logger
}

// NewServer creates a new admin API server. Optional dependencies left unset
// make their endpoints answer 503.
func NewServer(logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		checks: make(map[string]HealthChecker),
		logger: logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption configures optional dependencies for the admin server.
type ServerOption func(*Server)

func WithAssetRegistry(a AssetRegistry) ServerOption {
	return func(s *Server) { s.assets = a }
}

func WithPaymentReader(p PaymentReader) ServerOption {
	return func(s *Server) { s.payments = p }
}

func WithEscrowOperator(e EscrowOperator) ServerOption {
	return func(s *Server) { s.escrows = e }
}

func WithAuditRequester(a AuditRequester) ServerOption {
	return func(s *Server) { s.auditor = a }
}

// WithHealthCheck adds a named dependency to the health report.
func WithHealthCheck(name string, c HealthChecker) ServerOption {
	return func(s *Server) { s.checks[name] = c }
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/v1/health", s.handleHealth)
	mux.HandleFunc("POST /admin/v1/assets", s.handleRegisterAsset)
	mux.HandleFunc("POST /admin/v1/assets/{id}/enabled", s.handleSetAssetEnabled)
	mux.HandleFunc("GET /admin/v1/payments/{id}", s.handleGetPayment)
	mux.HandleFunc("GET /admin/v1/escrows/{id}", s.handleGetEscrow)
	mux.HandleFunc("GET /admin/v1/escrows", s.handleListEscrows)
	mux.HandleFunc("POST /admin/v1/escrows/sweep", s.handleSweep)
	mux.HandleFunc("POST /admin/v1/escrows/audit", s.handleAudit)
	return mux
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// writeError maps a classified failure to its HTTP status. Unclassified errors
// are logged and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := failure.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		s.logger.Error("admin request failed", "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: failure.Reason(err), Kind: string(kind)})
}

func statusFor(kind failure.Kind) int {
	switch kind {
	case failure.InvalidInput:
		return http.StatusBadRequest
	case failure.Unauthorized:
		return http.StatusForbidden
	case failure.NotFound:
		return http.StatusNotFound
	case failure.AlreadyProcessed:
		return http.StatusConflict
	case failure.RateLimited:
		return http.StatusTooManyRequests
	case failure.InsufficientFunds, failure.AmountTooSmall:
		return http.StatusUnprocessableEntity
	case failure.NetworkFailure:
		return http.StatusBadGateway
	case failure.Timeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"id must be a UUID"}`, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(s.checks))}
	status := http.StatusOK
	for name, c := range s.checks {
		if err := c.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "check", name, "error", err)
			resp.Checks[name] = "unavailable"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}

type registerAssetRequest struct {
	ID       string `json:"id"`
	Ticker   string `json:"ticker"`
	Name     string `json:"name"`
	Decimals int    `json:"decimals"`
	Enabled  *bool  `json:"enabled,omitempty"`
}

type assetResponse struct {
	ID       string `json:"id"`
	Ticker   string `json:"ticker"`
	Name     string `json:"name"`
	Decimals int    `json:"decimals"`
	Kind     string `json:"kind"`
	Enabled  bool   `json:"enabled"`
}

func (s *Server) handleRegisterAsset(w http.ResponseWriter, r *http.Request) {
	if s.assets == nil {
		http.Error(w, `{"error":"asset registry not available"}`, http.StatusServiceUnavailable)
		return
	}
	var req registerAssetRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.ID == "" || req.Ticker == "" {
		http.Error(w, `{"error":"id and ticker are required"}`, http.StatusBadRequest)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	a, err := s.assets.Register(r.Context(), model.Asset{
		ID:       req.ID,
		Ticker:   req.Ticker,
		Name:     req.Name,
		Decimals: req.Decimals,
		Kind:     model.AssetKindToken,
		Enabled:  enabled,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("asset registered", "asset_id", a.ID, "ticker", a.Ticker, "enabled", a.Enabled)
	writeJSON(w, http.StatusCreated, assetResponse{
		ID:       a.ID,
		Ticker:   a.Ticker,
		Name:     a.Name,
		Decimals: a.Decimals,
		Kind:     string(a.Kind),
		Enabled:  a.Enabled,
	})
}

type setEnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleSetAssetEnabled(w http.ResponseWriter, r *http.Request) {
	if s.assets == nil {
		http.Error(w, `{"error":"asset registry not available"}`, http.StatusServiceUnavailable)
		return
	}
	var req setEnabledRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		http.Error(w, `{"error":"enabled is required"}`, http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	if err := s.assets.SetEnabled(r.Context(), id, *req.Enabled); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("asset toggled", "asset_id", id, "enabled", *req.Enabled)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": *req.Enabled})
}

type paymentResponse struct {
	ID                uuid.UUID       `json:"id"`
	ClientIntentID    string          `json:"client_intent_id"`
	Kind              string          `json:"kind"`
	FromAccount       string          `json:"from_account"`
	ToAccount         string          `json:"to_account"`
	AssetID           string          `json:"asset_id"`
	GrossAmountRaw    uint64          `json:"gross_amount_raw"`
	NetworkFeeRaw     uint64          `json:"network_fee_raw"`
	NetAmountRaw      uint64          `json:"net_amount_raw"`
	ServiceFeeRaw     uint64          `json:"service_fee_raw"`
	ServiceFeeAssetID string          `json:"service_fee_asset_id,omitempty"`
	Note              *string         `json:"note,omitempty"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	Status            string          `json:"status"`
	LedgerSignature   *string         `json:"ledger_signature,omitempty"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func toPaymentResponse(p *model.Payment) paymentResponse {
	resp := paymentResponse{
		ID:                p.ID,
		ClientIntentID:    p.ClientIntentID,
		Kind:              string(p.Kind),
		FromAccount:       p.FromAccount,
		ToAccount:         p.ToAccount,
		AssetID:           p.AssetID,
		GrossAmountRaw:    p.GrossAmountRaw,
		NetworkFeeRaw:     p.NetworkFeeRaw,
		NetAmountRaw:      p.NetRaw(),
		ServiceFeeRaw:     p.ServiceFeeRaw,
		ServiceFeeAssetID: p.ServiceFeeAssetID,
		Note:              p.Note,
		Status:            string(p.Status),
		LedgerSignature:   p.LedgerSignature,
		ErrorMessage:      p.ErrorMessage,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
	if p.Metadata != nil {
		if raw, err := model.MarshalPaymentMetadata(p.Metadata); err == nil {
			resp.Metadata = raw
		}
	}
	return resp
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	if s.payments == nil {
		http.Error(w, `{"error":"payments not available"}`, http.StatusServiceUnavailable)
		return
	}
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	p, err := s.payments.GetPayment(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

// escrowResponse omits lease bookkeeping.
type escrowResponse struct {
	ID               uuid.UUID  `json:"id"`
	ClaimReference   string     `json:"claim_reference"`
	PayerIdentity    string     `json:"payer_identity"`
	PayerAccount     string     `json:"payer_account"`
	PayeeHandle      string     `json:"payee_handle"`
	PayeeAccount     *string    `json:"payee_account,omitempty"`
	Targeted         bool       `json:"targeted"`
	AssetID          string     `json:"asset_id"`
	AmountRaw        uint64     `json:"amount_raw"`
	FeeRaw           uint64     `json:"fee_raw"`
	VaultAddress     string     `json:"vault_address"`
	Status           string     `json:"status"`
	ExpiresAt        time.Time  `json:"expires_at"`
	FundingSignature *string    `json:"funding_signature,omitempty"`
	ReleaseSignature *string    `json:"release_signature,omitempty"`
	FailureReason    *string    `json:"failure_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
}

func toEscrowResponse(e *model.Escrow) escrowResponse {
	return escrowResponse{
		ID:               e.ID,
		ClaimReference:   e.ClaimReference,
		PayerIdentity:    e.PayerIdentity,
		PayerAccount:     e.PayerAccount,
		PayeeHandle:      e.PayeeHandle,
		PayeeAccount:     e.PayeeAccount,
		Targeted:         e.Metadata.Targeted,
		AssetID:          e.AssetID,
		AmountRaw:        e.AmountRaw,
		FeeRaw:           e.FeeRaw,
		VaultAddress:     e.VaultAddress,
		Status:           string(e.Status),
		ExpiresAt:        e.ExpiresAt,
		FundingSignature: e.FundingSignature,
		ReleaseSignature: e.ReleaseSignature,
		FailureReason:    e.FailureReason,
		CreatedAt:        e.CreatedAt,
		ResolvedAt:       e.ResolvedAt,
	}
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	if s.escrows == nil {
		http.Error(w, `{"error":"escrows not available"}`, http.StatusServiceUnavailable)
		return
	}
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	e, err := s.escrows.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(e))
}

// handleListEscrows answers GET /admin/v1/escrows?status=expired&limit=N.
// status defaults to expired, the stranded-funds view.
func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	if s.escrows == nil {
		http.Error(w, `{"error":"escrows not available"}`, http.StatusServiceUnavailable)
		return
	}
	status := model.EscrowStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = model.EscrowStatusExpired
	}
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxListLimit {
			http.Error(w, `{"error":"limit must be between 1 and 1000"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}

	list, err := s.escrows.ListByStatus(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]escrowResponse, 0, len(list))
	for i := range list {
		out = append(out, toEscrowResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "escrows": out})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.escrows == nil {
		http.Error(w, `{"error":"escrows not available"}`, http.StatusServiceUnavailable)
		return
	}
	res, err := s.escrows.Sweep(r.Context())
	if err != nil && !errors.Is(err, context.Canceled) {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditor == nil {
		http.Error(w, `{"error":"audit not available"}`, http.StatusServiceUnavailable)
		return
	}
	result, err := s.auditor.AuditAny(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
