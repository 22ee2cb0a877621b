package gateway

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradepost/config"
	"tradepost/native/market"
	"tradepost/observability"
)

type contextKey string

const (
	principalKey contextKey = "gateway.principal"
	requestIDKey contextKey = "gateway.requestID"
)

// Server exposes the nine escrow engine operations over HTTP. It is a thin
// adapter: handlers decode requests, invoke the engine and translate typed
// engine errors into status codes. No business logic lives here.
type Server struct {
	engine      *market.Engine
	auth        *Authenticator
	audit       *AuditStore
	limiter     *RateLimiter
	logger      *slog.Logger
	metrics     *observability.MarketMetricsRegistry
	arbiterAddr [20]byte
	handler     http.Handler
}

// NewServer wires the HTTP surface around an engine.
func NewServer(engine *market.Engine, auth *Authenticator, audit *AuditStore, limiter *RateLimiter, logger *slog.Logger, arbiterAddr [20]byte) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:      engine,
		auth:        auth,
		audit:       audit,
		limiter:     limiter,
		logger:      logger,
		metrics:     observability.MarketMetrics(),
		arbiterAddr: arbiterAddr,
	}
	s.handler = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/listings", s.handleListings)
		r.Get("/listings/{contract}/{token}", s.handleGetListing)
		r.Get("/escrows/{contract}/{token}", s.handleGetEscrow)
		r.Get("/accounts/{address}", s.handleGetAccount)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Post("/listings", s.handleListItem)
			r.Post("/listings/{contract}/{token}/cancel", s.handleCancelListing)
			r.Post("/escrows/{contract}/{token}/buy", s.handleBuyItem)
			r.Post("/escrows/{contract}/{token}/deliver", s.handleMarkDelivered)
			r.Post("/escrows/{contract}/{token}/confirm", s.handleConfirmDelivery)
			r.Post("/escrows/{contract}/{token}/dispute", s.handleRaiseDispute)
			r.Post("/escrows/{contract}/{token}/auto-release", s.handleAutoRelease)

			r.Group(func(r chi.Router) {
				r.Use(s.requireArbiter)
				r.Post("/escrows/{contract}/{token}/resolve", s.handleResolveDispute)
				r.Post("/escrows/{contract}/{token}/emergency-refund", s.handleEmergencyRefund)
				r.Post("/accounts/{address}/mint", s.handleMint)
			})
		})
	})
	return r
}

// --- middleware ---

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, int64(MaxBodyForSignature)+1))
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "read body: "+err.Error())
			return
		}
		_ = r.Body.Close()
		principal, err := s.auth.Authenticate(r, body)
		if err != nil {
			s.writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireArbiter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := principalFrom(r.Context())
		if principal == nil || !principal.Arbiter {
			s.writeError(w, r, http.StatusForbidden, "arbiter API key required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func principalFrom(ctx context.Context) *Principal {
	principal, _ := ctx.Value(principalKey).(*Principal)
	return principal
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// --- request/response plumbing ---

type listingPayload struct {
	Asset    assetPayload `json:"asset"`
	Seller   string       `json:"seller"`
	Price    string       `json:"price"`
	Active   bool         `json:"active"`
	ListedAt int64        `json:"listedAt"`
}

type assetPayload struct {
	Contract string `json:"contract"`
	TokenID  string `json:"tokenId"`
}

type escrowPayload struct {
	Asset          assetPayload `json:"asset"`
	Buyer          string       `json:"buyer"`
	Seller         string       `json:"seller"`
	AmountCaptured string       `json:"amountCaptured"`
	FeeBps         uint32       `json:"feeBps"`
	Status         string       `json:"status"`
	PurchaseTime   int64        `json:"purchaseTime"`
	DeliveryTime   int64        `json:"deliveryTime,omitempty"`
	CompletionTime int64        `json:"completionTime,omitempty"`
}

func renderListing(l *market.Listing) listingPayload {
	return listingPayload{
		Asset:    renderAsset(l.Asset),
		Seller:   "0x" + hex.EncodeToString(l.Seller[:]),
		Price:    l.Price.String(),
		Active:   l.Active,
		ListedAt: l.CreatedAt,
	}
}

func renderAsset(asset market.AssetKey) assetPayload {
	token := asset.TokenID
	if token == nil {
		token = big.NewInt(0)
	}
	return assetPayload{
		Contract: "0x" + hex.EncodeToString(asset.Contract[:]),
		TokenID:  token.String(),
	}
}

func renderEscrow(e *market.Escrow) escrowPayload {
	return escrowPayload{
		Asset:          renderAsset(e.Asset),
		Buyer:          "0x" + hex.EncodeToString(e.Buyer[:]),
		Seller:         "0x" + hex.EncodeToString(e.Seller[:]),
		AmountCaptured: e.AmountCaptured.String(),
		FeeBps:         e.FeeBps,
		Status:         e.Status.String(),
		PurchaseTime:   e.PurchaseTime,
		DeliveryTime:   e.DeliveryTime,
		CompletionTime: e.CompletionTime,
	}
}

func (s *Server) decode(r *http.Request, v any) error {
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.logger.Warn("request failed",
		"path", r.URL.Path,
		"status", status,
		"error", msg,
		"requestId", requestIDFrom(r.Context()),
	)
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// statusForError maps the engine error taxonomy onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, market.ErrNotOwner),
		errors.Is(err, market.ErrNotSeller),
		errors.Is(err, market.ErrNotBuyer),
		errors.Is(err, market.ErrNotArbiter):
		return http.StatusForbidden
	case errors.Is(err, market.ErrNotListed):
		return http.StatusNotFound
	case errors.Is(err, market.ErrInvalidState),
		errors.Is(err, market.ErrAlreadyListed),
		errors.Is(err, market.ErrEscrowExists),
		errors.Is(err, market.ErrEscrowInProgress),
		errors.Is(err, market.ErrTimeoutNotElapsed):
		return http.StatusConflict
	case errors.Is(err, market.ErrInvalidPrice),
		errors.Is(err, market.ErrWrongAmount),
		errors.Is(err, market.ErrInsufficientFunds):
		return http.StatusBadRequest
	case errors.Is(err, market.ErrAssetTransferFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorClass(err error) string {
	switch statusForError(err) {
	case http.StatusForbidden:
		return "auth"
	case http.StatusNotFound, http.StatusConflict:
		return "state"
	case http.StatusBadRequest:
		return "value"
	case http.StatusBadGateway:
		return "dependency"
	default:
		return "internal"
	}
}

func parseAsset(r *http.Request) (market.AssetKey, error) {
	contract, err := config.ParseAddress(chi.URLParam(r, "contract"))
	if err != nil {
		return market.AssetKey{}, err
	}
	tokenRaw := strings.TrimSpace(chi.URLParam(r, "token"))
	token, ok := new(big.Int).SetString(tokenRaw, 10)
	if !ok || token.Sign() < 0 {
		return market.AssetKey{}, errors.New("invalid token id")
	}
	return market.NewAssetKey(contract, token), nil
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, errors.New("invalid amount")
	}
	return amount, nil
}

func (s *Server) recordAudit(r *http.Request, action string, asset, actor string, err error) {
	if s.audit == nil {
		return
	}
	outcome := "ok"
	detail := ""
	if err != nil {
		outcome = "error"
		detail = err.Error()
	}
	principal := principalFrom(r.Context())
	apiKey := ""
	if principal != nil {
		apiKey = principal.APIKey
	}
	entry := AuditEntry{
		RequestID: requestIDFrom(r.Context()),
		APIKey:    apiKey,
		Action:    action,
		Asset:     asset,
		Actor:     actor,
		Outcome:   outcome,
		Detail:    detail,
	}
	if recordErr := s.audit.Record(r.Context(), entry); recordErr != nil {
		s.logger.Error("audit record failed", "error", recordErr, "action", action)
	}
}

func (s *Server) observe(action string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		s.metrics.ObserveError(action, errorClass(err))
	}
	s.metrics.ObserveOperation(action, outcome, time.Since(start))
}

// --- read-only views ---

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	listings, err := s.engine.ActiveListings()
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]listingPayload, 0, len(listings))
	for _, l := range listings {
		out = append(out, renderListing(l))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAsset(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	listing, ok := s.engine.Listing(asset)
	if !ok {
		s.writeError(w, r, http.StatusNotFound, "listing not found")
		return
	}
	s.writeJSON(w, http.StatusOK, renderListing(listing))
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAsset(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	esc, ok := s.engine.Escrow(asset)
	if !ok {
		s.writeError(w, r, http.StatusNotFound, "escrow not found")
		return
	}
	s.writeJSON(w, http.StatusOK, renderEscrow(esc))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := config.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	balance, err := s.engine.Balance(addr)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"address": "0x" + hex.EncodeToString(addr[:]),
		"balance": balance.String(),
	})
}

// --- state-changing operations ---

func (s *Server) handleListItem(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req struct {
		Seller   string `json:"seller"`
		Contract string `json:"contract"`
		TokenID  string `json:"tokenId"`
		Price    string `json:"price"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	seller, err := config.ParseAddress(req.Seller)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	contract, err := config.ParseAddress(req.Contract)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	token, ok := new(big.Int).SetString(strings.TrimSpace(req.TokenID), 10)
	if !ok || token.Sign() < 0 {
		s.writeError(w, r, http.StatusBadRequest, "invalid token id")
		return
	}
	price, err := parseAmount(req.Price)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	asset := market.NewAssetKey(contract, token)
	listing, opErr := s.engine.ListItem(seller, asset, price)
	s.observe(AuditActionListItem, start, opErr)
	s.recordAudit(r, AuditActionListItem, asset.String(), req.Seller, opErr)
	if opErr != nil {
		s.writeError(w, r, statusForError(opErr), opErr.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, renderListing(listing))
}

func (s *Server) handleCancelListing(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	asset, err := parseAsset(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req struct {
		Seller string `json:"seller"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	seller, err := config.ParseAddress(req.Seller)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	opErr := s.engine.CancelListing(seller, asset)
	s.observe(AuditActionCancelListing, start, opErr)
	s.recordAudit(r, AuditActionCancelListing, asset.String(), req.Seller, opErr)
	if opErr != nil {
		s.writeError(w, r, statusForError(opErr), opErr.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleBuyItem(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	asset, err := parseAsset(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req struct {
		Buyer   string `json:"buyer"`
		Payment string `json:"payment"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	buyer, err := config.ParseAddress(req.Buyer)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	payment, err := parseAmount(req.Payment)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	esc, opErr := s.engine.BuyItem(buyer, asset, payment)
	s.observe(AuditActionBuyItem, start, opErr)
	s.recordAudit(r, AuditActionBuyItem, asset.String(), req.Buyer, opErr)
	if opErr != nil {
		s.writeError(w, r, statusForError(opErr), opErr.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, renderEscrow(esc))
}

func (s *Server) handleMarkDelivered(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	asset, err := parseAsset(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req struct {
		Seller string `json:"seller"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	seller, err := config.ParseAddress(req.Seller)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	esc, opErr := s.engine.MarkDelivered(seller, asset)
	s.observe(AuditActionMarkDelivered, start, opErr)
	s.recordAudit(r, AuditActionMarkDelivered, asset.String(), req.Seller, opErr)
	if opErr != nil {
		s.writeError(w, r, statusForError(opErr), opErr.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, renderEscrow(esc))
}

func (s *Server) handleConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	asset, err := parseAsset(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req struct {
		Buyer string `json:"buyer"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	buyer, err := config.ParseAddress(req.Buyer)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	esc, opErr := s.engine.ConfirmDelivery(buyer, asset)
	s.observe(AuditActionConfirmDelivery, start, opErr)
	s.recordAudit(r, AuditActionConfirmDelivery, asset.String(), req.Buyer, opErr)
	if opErr != nil {
		s.writeError(w, r, statusForError(opErr), opErr.Error())
		return
	}
	s.metrics.ObserveSettlement("completed")
	s.writeJSON(w, http.StatusOK, renderEscrow(esc))
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	asset, err := parseAsset(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req struct {
		Buyer string `json:"buyer"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	buyer, err := config.ParseAddress(req.Buyer)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	esc, opErr := s.engine.RaiseDispute(buyer, asset)
	s.observe(AuditActionRaiseDispute, start, opErr)
	s.recordAudit(r, AuditActionRaiseDispute, asset.String(), req.Buyer, opErr)
	if opErr != nil {
		s.writeError(w, r, statusForError(opErr), opErr.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, renderEscrow(esc))
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	asset, err := parseAsset(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req struct {
		BuyerWins bool `json:"buyerWins"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	esc, opErr := s.engine.ResolveDispute(s.arbiterAddr, asset, req.BuyerWins)
	s.observe(AuditActionResolveDispute, start, opErr)
	s.recordAudit(r, AuditActionResolveDispute, asset.String(), "arbiter", opErr)
	if opErr != nil {
		s.writeError(w, r, statusForError(opErr), opErr.Error())
		return
	}
	if req.BuyerWins {
		s.metrics.ObserveSettlement("refunded")
	} else {
		s.metrics.ObserveSettlement("completed")
	}
	s.writeJSON(w, http.StatusOK, renderEscrow(esc))
}

func (s *Server) handleAutoRelease(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	asset, err := parseAsset(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	esc, opErr := s.engine.AutoRelease([20]byte{}, asset)
	s.observe(AuditActionAutoRelease, start, opErr)
	s.recordAudit(r, AuditActionAutoRelease, asset.String(), "", opErr)
	if opErr != nil {
		s.writeError(w, r, statusForError(opErr), opErr.Error())
		return
	}
	s.metrics.ObserveSettlement("completed")
	s.writeJSON(w, http.StatusOK, renderEscrow(esc))
}

func (s *Server) handleEmergencyRefund(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	asset, err := parseAsset(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	esc, opErr := s.engine.EmergencyRefund(s.arbiterAddr, asset)
	s.observe(AuditActionEmergencyRefund, start, opErr)
	s.recordAudit(r, AuditActionEmergencyRefund, asset.String(), "arbiter", opErr)
	if opErr != nil {
		s.writeError(w, r, statusForError(opErr), opErr.Error())
		return
	}
	s.metrics.ObserveSettlement("emergency")
	s.writeJSON(w, http.StatusOK, renderEscrow(esc))
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	addr, err := config.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req struct {
		Amount string `json:"amount"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	opErr := s.engine.Mint(addr, amount)
	s.observe(AuditActionMint, start, opErr)
	s.recordAudit(r, AuditActionMint, "", chi.URLParam(r, "address"), opErr)
	if opErr != nil {
		s.writeError(w, r, statusForError(opErr), opErr.Error())
		return
	}
	balance, err := s.engine.Balance(addr)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"address": "0x" + hex.EncodeToString(addr[:]),
		"balance": balance.String(),
	})
}
