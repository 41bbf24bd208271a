// Package api is the node's HTTP surface: order registration and list queries, owner-signed
// liquidation and stake actions, permissionless pruning, the record history and a websocket
// feed of records.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/stakeliquidator/pkg/app/core/admission"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/budget"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/liquidator"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/order"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/orderbook"
	"github.com/uhyunpark/stakeliquidator/pkg/app/core/transaction"
	"github.com/uhyunpark/stakeliquidator/pkg/crypto"
	"github.com/uhyunpark/stakeliquidator/pkg/metrics"
	"github.com/uhyunpark/stakeliquidator/pkg/storage"
	"github.com/uhyunpark/stakeliquidator/pkg/util"
)

const (
	maxBodyBytes = 1 << 16
	maxPageSize  = 1000
)

var validate = validator.New()

// Engine is the liquidation engine as seen by the API.
type Engine interface {
	Address() common.Address
	Owner() common.Address
	Pool() common.Address
	Depth() int
	Head() (order.ID, bool)
	Next(id order.ID) (order.ID, bool)
	OrderInfo(id order.ID) (*order.Order, bool)
	Orders(limit int) []orderbook.Entry
	RegisterOrder(o *order.Order) (order.ID, error)
	Liquidate(caller common.Address, target *big.Int, beneficiary common.Address, meter *budget.Meter) (*liquidator.Outcome, error)
	Prune(meter *budget.Meter) (*liquidator.PruneOutcome, error)
	ReclaimStake(caller, beneficiary common.Address, amount *big.Int) error
	SetPool(caller, pool common.Address) error
}

// EventSource serves the journaled record history.
type EventSource interface {
	LoadEvents(after uint64, limit int) ([]storage.StoredRecord, error)
}

// Publisher relays newly registered orders to peers.
type Publisher interface {
	PublishOrder(ctx context.Context, o *transaction.SignedOrder) error
}

type Config struct {
	LiquidateBudget uint64 // zero means unlimited
	PruneBudget     uint64
	CORSOrigins     []string
}

type Deps struct {
	Engine    Engine
	Events    EventSource // optional
	Nonces    NonceStore  // optional; owner nonces reset on restart without it
	Metrics   *metrics.Metrics
	Publisher Publisher
	Logger    *zap.Logger
}

// Server handles REST API and WebSocket connections
type Server struct {
	cfg       Config
	engine    Engine
	events    EventSource
	metrics   *metrics.Metrics
	publisher Publisher
	auth      *Authenticator
	hub       *Hub
	router    *mux.Router
	log       *zap.SugaredLogger
}

func NewServer(cfg Config, deps Deps) (*Server, error) {
	logger := util.OrNop(deps.Logger)
	auth, err := NewAuthenticator(deps.Engine.Owner(), deps.Engine.Address(), deps.Nonces)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		engine:    deps.Engine,
		events:    deps.Events,
		metrics:   deps.Metrics,
		publisher: deps.Publisher,
		auth:      auth,
		hub:       NewHub(logger),
		router:    mux.NewRouter(),
		log:       logger.Sugar(),
	}
	s.setupRoutes()
	return s, nil
}

// Hub is the websocket fan-out; subscribe it to the engine's records.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Auth() *Authenticator { return s.auth }

func (s *Server) setupRoutes() {
	if s.metrics != nil {
		s.router.Use(s.metrics.Middleware)
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Engine and order list
	api.HandleFunc("/engine", s.handleGetEngine).Methods("GET")
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/orders/head", s.handleGetHead).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}/next", s.handleGetNext).Methods("GET")

	// Engine operations
	api.HandleFunc("/prune", s.handlePrune).Methods("POST")
	api.HandleFunc("/liquidate", s.handleLiquidate).Methods("POST")
	api.HandleFunc("/stake/reclaim", s.handleReclaimStake).Methods("POST")
	api.HandleFunc("/pool", s.handleSetPool).Methods("POST")
	api.HandleFunc("/auth/nonce", s.handleGetNonce).Methods("GET")

	// Record history
	api.HandleFunc("/events", s.handleGetEvents).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Infow("api_listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetEngine(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, EngineInfo{
		Address: s.engine.Address().Hex(),
		Owner:   s.engine.Owner().Hex(),
		Pool:    s.engine.Pool().Hex(),
		Depth:   s.engine.Depth(),
	})
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read request body", err.Error())
		return
	}
	signed, err := transaction.Deserialize(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON order", err.Error())
		return
	}
	o, err := signed.ToOrder()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	}

	id, err := s.engine.RegisterOrder(o)
	if err != nil {
		respondError(w, statusFor(err), "order rejected", err.Error())
		return
	}

	if s.publisher != nil {
		if err := s.publisher.PublishOrder(r.Context(), signed); err != nil {
			s.log.Warnw("order_publish_failed", "id", id.Hex(), "err", err)
		}
	}

	respondJSONStatus(w, http.StatusCreated, SubmitOrderResponse{Status: "registered", OrderID: id.Hex()})
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	entries := s.engine.Orders(limit)
	resp := OrdersResponse{Orders: make([]OrderInfo, len(entries)), Depth: s.engine.Depth()}
	for i, e := range entries {
		resp.Orders[i] = OrderInfo{ID: e.ID.Hex(), Next: e.Next.Hex(), Order: transaction.FromOrder(e.Order)}
	}
	respondJSON(w, resp)
}

func (s *Server) handleGetHead(w http.ResponseWriter, r *http.Request) {
	id, ok := s.engine.Head()
	respondJSON(w, LinkResponse{ID: id.Hex(), Found: ok})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order id", err.Error())
		return
	}
	o, ok := s.engine.OrderInfo(id)
	if !ok {
		respondError(w, http.StatusNotFound, "order not found", id.Hex())
		return
	}
	next, _ := s.engine.Next(id)
	respondJSON(w, OrderInfo{ID: id.Hex(), Next: next.Hex(), Order: transaction.FromOrder(o)})
}

func (s *Server) handleGetNext(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order id", err.Error())
		return
	}
	next, ok := s.engine.Next(id)
	respondJSON(w, LinkResponse{ID: next.Hex(), Found: ok})
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	var req PruneRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
	}

	out, err := s.engine.Prune(s.meter(req.Budget, s.cfg.PruneBudget))
	if err != nil {
		respondError(w, statusFor(err), "prune failed", err.Error())
		return
	}

	removed := make([]string, len(out.Removed))
	for i, id := range out.Removed {
		removed[i] = id.Hex()
	}
	respondJSON(w, PruneResponse{
		RunID:           out.RunID,
		Removed:         removed,
		Visited:         out.Visited,
		BudgetUsed:      out.BudgetUsed,
		BudgetExhausted: out.BudgetExhausted,
		Records:         toRecordInfos(out.Records),
	})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req LiquidateRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid amount", req.Amount)
		return
	}
	beneficiary := common.HexToAddress(req.Beneficiary)

	caller, err := s.auth.Verify(crypto.ActionLiquidate, req.ActionAuth,
		amount.String(), beneficiary.Hex(), strconv.FormatUint(req.Budget, 10))
	if err != nil {
		respondError(w, statusFor(err), "unauthorized", err.Error())
		return
	}

	out, err := s.engine.Liquidate(caller, amount, beneficiary, s.meter(req.Budget, s.cfg.LiquidateBudget))
	if err != nil && out == nil {
		respondError(w, statusFor(err), "liquidation rejected", err.Error())
		return
	}
	if err != nil {
		s.log.Errorw("liquidation_settlement_failed", "run_id", out.RunID, "err", err)
	}

	resp := LiquidateResponse{
		RunID:           out.RunID,
		DebtPaid:        out.DebtPaid.String(),
		StakeUsed:       out.StakeUsed.String(),
		StakeReturned:   out.StakeReturned.String(),
		AMMDebt:         out.AMMDebt.String(),
		OrdersFilled:    out.OrdersFilled,
		OrdersFailed:    out.OrdersFailed,
		BudgetUsed:      out.BudgetUsed,
		BudgetExhausted: out.BudgetExhausted,
		Records:         toRecordInfos(out.Records),
	}
	if out.AMMErr != nil {
		resp.AMMError = out.AMMErr.Error()
	}
	respondJSON(w, resp)
}

func (s *Server) handleReclaimStake(w http.ResponseWriter, r *http.Request) {
	var req ReclaimStakeRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid amount", req.Amount)
		return
	}
	beneficiary := common.HexToAddress(req.Beneficiary)

	caller, err := s.auth.Verify(crypto.ActionReclaimStake, req.ActionAuth, amount.String(), beneficiary.Hex())
	if err != nil {
		respondError(w, statusFor(err), "unauthorized", err.Error())
		return
	}
	if err := s.engine.ReclaimStake(caller, beneficiary, amount); err != nil {
		respondError(w, statusFor(err), "reclaim rejected", err.Error())
		return
	}
	respondJSON(w, map[string]string{"status": "reclaimed", "amount": amount.String()})
}

func (s *Server) handleSetPool(w http.ResponseWriter, r *http.Request) {
	var req SetPoolRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	pool := common.HexToAddress(req.Pool)

	caller, err := s.auth.Verify(crypto.ActionSetPool, req.ActionAuth, pool.Hex())
	if err != nil {
		respondError(w, statusFor(err), "unauthorized", err.Error())
		return
	}
	if err := s.engine.SetPool(caller, pool); err != nil {
		respondError(w, statusFor(err), "set pool rejected", err.Error())
		return
	}
	respondJSON(w, map[string]string{"status": "ok", "pool": pool.Hex()})
}

func (s *Server) handleGetNonce(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, NonceResponse{Nonce: s.auth.Nonce()})
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		respondError(w, http.StatusNotImplemented, "record history disabled", "")
		return
	}
	after, err := queryInt(r, "after", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid after", err.Error())
		return
	}
	if after < 0 {
		respondError(w, http.StatusBadRequest, "invalid after", "must not be negative")
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	stored, err := s.events.LoadEvents(uint64(after), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load records", err.Error())
		return
	}
	next := uint64(after)
	if len(stored) > 0 {
		next = stored[len(stored)-1].Seq
	}
	respondJSON(w, EventsResponse{Records: storedRecordInfos(stored), Next: next})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) meter(requested, fallback uint64) *budget.Meter {
	if requested == 0 {
		requested = fallback
	}
	if requested == 0 {
		return budget.Unlimited()
	}
	return budget.NewMeter(requested)
}

func decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	if err := validate.Struct(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err.Error())
		return false
	}
	return true
}

func pathID(r *http.Request) (order.ID, error) {
	var id order.ID
	if err := id.UnmarshalText([]byte(mux.Vars(r)["id"])); err != nil {
		return order.None, err
	}
	return id, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// statusFor maps engine and auth errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrStaleNonce), errors.Is(err, ErrNotOwner), errors.Is(err, ErrBadActionSig):
		return http.StatusUnauthorized
	case errors.Is(err, liquidator.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, liquidator.ErrDuplicateOrder), errors.Is(err, liquidator.ErrNoStake):
		return http.StatusConflict
	case errors.Is(err, liquidator.ErrZeroAmount), errors.Is(err, liquidator.ErrUnapprovedBeneficiary):
		return http.StatusBadRequest
	case isAdmissionError(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func isAdmissionError(err error) bool {
	for _, target := range []error{
		admission.ErrUnauthorizedDomain, admission.ErrOrderTooSmall, admission.ErrUnsupportedKind,
		admission.ErrWrongSignerToken, admission.ErrWrongSenderToken, admission.ErrWrongSenderWallet,
		admission.ErrZeroSenderAmount, admission.ErrInvalidSignature, admission.ErrInvalidSignatory,
		admission.ErrNonceInvalidated, admission.ErrNonceTooLow, admission.ErrExpired,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
