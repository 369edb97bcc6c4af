package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/rebalancer/portfolio-engine/internal/allocation"
	"github.com/rebalancer/portfolio-engine/internal/bus"
	"github.com/rebalancer/portfolio-engine/internal/model"
	"github.com/rebalancer/portfolio-engine/internal/store"
)

// Server exposes the portfolio state over HTTP and streams engine
// events to WebSocket clients.
type Server struct {
	store store.Store
	hub   *Hub
}

// NewServer creates the API server. The hub may be shared with the
// event bridge so engine events reach WebSocket clients.
func NewServer(st store.Store, hub *Hub) *Server {
	return &Server{store: st, hub: hub}
}

// Register mounts all API routes on the given router.
func (s *Server) Register(r chi.Router) {
	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/portfolio", s.handleGetPortfolio)
		r.Get("/distribution", s.handleGetDistribution)
		r.Get("/transactions", s.handleListTransactions)
		r.Get("/alerts", s.handleListAlerts)
		r.Get("/targets", s.handleListTargets)
		r.Post("/targets", s.handleUpsertTarget)
		r.Get("/assets", s.handleListAssets)
		r.Post("/assets", s.handleCreateAsset)
		r.Put("/assets/{code}/price", s.handleUpdatePrice)
		r.Get("/ws", s.hub.HandleWS)
	})
}

// SubscribeBus attaches the server to the message bus so executed
// operations, distribution reports and alerts are forwarded to
// WebSocket clients.
func (s *Server) SubscribeBus(b *bus.Bus) {
	b.Subscribe("api-gateway", func(msg bus.Message) {
		switch p := msg.Payload.(type) {
		case bus.OperationExecuted:
			s.hub.Broadcast(Event{Type: "operation_executed", Data: p})
		case bus.DistributionReport:
			s.hub.Broadcast(Event{Type: "portfolio_distribution", Data: p})
		case bus.LiquidityAlert:
			s.hub.Broadcast(Event{Type: "liquidity_alert", Data: p})
		}
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type portfolioResponse struct {
	Wallet    model.Wallet     `json:"wallet"`
	Positions []model.Position `json:"positions"`
}

func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	wallet, err := s.store.GetWallet(ctx)
	if err != nil {
		if errors.Is(err, store.ErrWalletNotFound) {
			writeError(w, http.StatusNotFound, "wallet not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load wallet")
		return
	}

	positions, err := s.store.ListPositions(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load positions")
		return
	}

	writeJSON(w, http.StatusOK, portfolioResponse{Wallet: *wallet, Positions: positions})
}

type distributionResponse struct {
	TotalValue   decimal.Decimal                      `json:"total_value"`
	Distribution map[model.AssetType]allocation.Slice `json:"distribution"`
	Drift        map[model.AssetType]decimal.Decimal  `json:"drift,omitempty"`
}

func (s *Server) handleGetDistribution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	wallet, err := s.store.GetWallet(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load wallet")
		return
	}
	positions, err := s.store.ListPositions(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load positions")
		return
	}

	dist := allocation.Distribution(positions, wallet.TotalValue)

	resp := distributionResponse{
		TotalValue:   wallet.TotalValue,
		Distribution: dist,
	}

	targets, err := s.store.ListTargets(ctx)
	if err == nil && len(targets) > 0 {
		resp.Drift = make(map[model.AssetType]decimal.Decimal, len(targets))
		for _, t := range targets {
			resp.Drift[t.AssetType] = allocation.Drift(dist, t)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50)

	txns, err := s.store.ListTransactions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load transactions")
		return
	}
	writeJSON(w, http.StatusOK, txns)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50)

	alerts, err := s.store.ListAlerts(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load alerts")
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.store.ListTargets(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load targets")
		return
	}
	writeJSON(w, http.StatusOK, targets)
}

type upsertTargetRequest struct {
	AssetType  model.AssetType `json:"asset_type"`
	Percentage decimal.Decimal `json:"percentage"`
	Tolerance  decimal.Decimal `json:"tolerance"`
}

func (s *Server) handleUpsertTarget(w http.ResponseWriter, r *http.Request) {
	var req upsertTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.AssetType.Valid() {
		writeError(w, http.StatusBadRequest, "unknown asset type")
		return
	}
	if req.Percentage.IsNegative() || req.Percentage.GreaterThan(decimal.NewFromInt(100)) {
		writeError(w, http.StatusBadRequest, "percentage must be between 0 and 100")
		return
	}

	target := model.AllocationTarget{
		AssetType:  req.AssetType,
		Percentage: req.Percentage,
		Tolerance:  req.Tolerance,
	}
	if err := s.store.UpsertTarget(r.Context(), target); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save target")
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := s.store.ListAssets(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load assets")
		return
	}
	writeJSON(w, http.StatusOK, assets)
}

type createAssetRequest struct {
	Code  string          `json:"code"`
	Name  string          `json:"name"`
	Type  model.AssetType `json:"type"`
	Price decimal.Decimal `json:"price"`
}

func (s *Server) handleCreateAsset(w http.ResponseWriter, r *http.Request) {
	var req createAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	if !req.Type.Valid() {
		writeError(w, http.StatusBadRequest, "unknown asset type")
		return
	}
	if req.Price.IsNegative() || req.Price.IsZero() {
		writeError(w, http.StatusBadRequest, "price must be positive")
		return
	}

	asset := model.Asset{
		Code:          req.Code,
		Name:          req.Name,
		Type:          req.Type,
		CurrentPrice:  req.Price,
		PreviousPrice: req.Price,
	}
	if err := s.store.CreateAsset(r.Context(), &asset); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create asset")
		return
	}
	writeJSON(w, http.StatusCreated, asset)
}

type updatePriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

func (s *Server) handleUpdatePrice(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	var req updatePriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Price.IsNegative() || req.Price.IsZero() {
		writeError(w, http.StatusBadRequest, "price must be positive")
		return
	}

	if err := s.store.UpdateAssetPrice(r.Context(), code, req.Price); err != nil {
		if errors.Is(err, store.ErrAssetNotFound) {
			writeError(w, http.StatusNotFound, "asset not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update price")
		return
	}

	asset, err := s.store.GetAsset(r.Context(), code)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load asset")
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

func parseLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 500 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
