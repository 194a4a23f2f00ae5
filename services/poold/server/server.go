package server

import (
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"lendmarket/native/access"
	"lendmarket/native/oracle"
	"lendmarket/native/pool"
	"lendmarket/native/reserve"
	"lendmarket/observability/metrics"
	"lendmarket/services/poold/audit"
	"lendmarket/services/poold/config"
)

// Config carries the server's collaborators.
type Config struct {
	Pool      *pool.Pool
	Feed      *oracle.Feed
	Roles     *access.Registry
	Audit     *audit.Recorder
	Auth      config.AuthConfig
	RateLimit config.RateLimitConfig
	Log       *slog.Logger
}

// Server is the HTTP surface over the lending pool.
type Server struct {
	pool    *pool.Pool
	feed    *oracle.Feed
	roles   *access.Registry
	audit   *audit.Recorder
	auth    *Authenticator
	limiter *clientLimiter
	log     *slog.Logger
	metrics *metrics.LendingMetrics

	router http.Handler
}

// New constructs the configured router.
func New(cfg Config) *Server {
	logger := cfg.Log
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		pool:    cfg.Pool,
		feed:    cfg.Feed,
		roles:   cfg.Roles,
		audit:   cfg.Audit,
		auth:    NewAuthenticator(cfg.Auth),
		limiter: newClientLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		log:     logger,
		metrics: metrics.Lending(),
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the HTTP router, instrumented for tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "poold")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.limiter.middleware)
		api.Use(s.auth.Middleware)

		api.Post("/supply", s.handleSupply)
		api.Post("/supply-native", s.handleSupplyNative)
		api.Post("/withdraw", s.handleWithdraw)
		api.Post("/borrow", s.handleBorrow)
		api.Post("/repay", s.handleRepay)
		api.Post("/liquidate", s.handleLiquidate)
		api.Post("/collateral", s.handleSetCollateral)

		api.Get("/reserves", s.handleListReserves)
		api.Get("/reserves/{asset}", s.handleGetReserve)
		api.Get("/accounts/{address}", s.handleGetAccount)
		api.Get("/accounts/{address}/health", s.handleGetHealth)

		api.Post("/oracle/prices", s.handleFeedPrices)
		api.Post("/oracle/emergency", s.handleFeedEmergency)
		api.Get("/oracle/{asset}", s.handleGetPrice)

		api.Get("/retries", s.handleListRetries)
		api.Post("/retries/{id}/rerun", s.handleRerun)
	})

	r.Route("/admin/v1", func(admin chi.Router) {
		admin.Use(s.limiter.middleware)
		admin.Use(s.auth.Middleware)

		admin.Post("/pause", s.handlePause)
		admin.Post("/reserves", s.handleAddReserve)
		admin.Delete("/reserves/{index}", s.handleDropReserve)
		admin.Post("/reserves/{index}/collateral", s.handleConfigureCollateral)
		admin.Post("/reserves/{index}/flags", s.handleReserveFlags)
		admin.Post("/reserves/{index}/caps", s.handleReserveCaps)
		admin.Post("/reserves/{index}/fees", s.handleReserveFees)
		admin.Post("/treasury/{index}/mint", s.handleMintToTreasury)
		admin.Post("/oracle/feeders", s.handleOracleFeeders)
		admin.Post("/oracle/config", s.handleOracleConfig)
		admin.Post("/roles/grant", s.handleGrantRole)
		admin.Post("/roles/revoke", s.handleRevokeRole)
		admin.Post("/roles/renounce", s.handleRenounceRole)
		admin.Get("/roles/{role}", s.handleRoleMembers)
		admin.Get("/audit", s.handleAuditRecent)
	})

	return r
}

// clientLimiter hands each remote client its own token bucket.
type clientLimiter struct {
	mu       sync.Mutex
	visitors map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	if rps <= 0 {
		rps = 50
	}
	if burst <= 0 {
		burst = 100
	}
	return &clientLimiter{
		visitors: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (l *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.obtain(clientID(r)).Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *clientLimiter) obtain(id string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.visitors[id]
	if !ok {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.visitors[id] = limiter
	}
	return limiter
}

func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.EqualFold(trimmed, "max") {
		return new(big.Int).Set(pool.MaxAmount), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || value.Sign() <= 0 {
		return nil, pool.ErrInvalidAmount
	}
	return value, nil
}

func parseAsset(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%w: bad asset address %q", pool.ErrUnknownReserve, raw)
	}
	return common.HexToAddress(trimmed), nil
}

func parseIndexParam(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "index")
	idx, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, pool.ErrReserveIndexOutOfRange
	}
	return idx, nil
}

type receiptResponse struct {
	Amount         string   `json:"amount"`
	Shares         string   `json:"shares"`
	PendingQueries []uint64 `json:"pending_queries,omitempty"`
}

func toReceiptResponse(receipt *pool.Receipt) receiptResponse {
	return receiptResponse{
		Amount:         receipt.Amount.String(),
		Shares:         receipt.Shares.String(),
		PendingQueries: receipt.PendingQueries,
	}
}

type reserveResponse struct {
	Asset                string             `json:"asset"`
	YieldToken           string             `json:"yield_token"`
	DebtToken            string             `json:"debt_token"`
	LiquidityIndex       string             `json:"liquidity_index"`
	BorrowIndex          string             `json:"borrow_index"`
	LiquidityRate        string             `json:"liquidity_rate"`
	BorrowRate           string             `json:"borrow_rate"`
	AvailableLiquidity   string             `json:"available_liquidity"`
	TotalSupplyShares    string             `json:"total_supply_shares"`
	TotalBorrowShares    string             `json:"total_borrow_shares"`
	AccruedToTreasury    string             `json:"accrued_to_treasury"`
	Price                string             `json:"price"`
	Configuration        reserveConfigBlock `json:"configuration"`
}

type reserveConfigBlock struct {
	LTVBps                    uint64 `json:"ltv_bps"`
	LiquidationThresholdBps   uint64 `json:"liquidation_threshold_bps"`
	LiquidationBonusBps       uint64 `json:"liquidation_bonus_bps"`
	ReserveFactorBps          uint64 `json:"reserve_factor_bps"`
	LiquidationProtocolFeeBps uint64 `json:"liquidation_protocol_fee_bps"`
	SupplyCap                 uint64 `json:"supply_cap"`
	BorrowCap                 uint64 `json:"borrow_cap"`
	Decimals                  uint8  `json:"decimals"`
	Active                    bool   `json:"active"`
	Frozen                    bool   `json:"frozen"`
	BorrowingEnabled          bool   `json:"borrowing_enabled"`
	Treasury                  string `json:"treasury"`
}

func toReserveResponse(r *reserve.Reserve) reserveResponse {
	return reserveResponse{
		Asset:              r.Asset.Hex(),
		YieldToken:         r.YieldToken.Hex(),
		DebtToken:          r.DebtToken.Hex(),
		LiquidityIndex:     r.LiquidityIndex.String(),
		BorrowIndex:        r.BorrowIndex.String(),
		LiquidityRate:      r.CurrentLiquidityRate.String(),
		BorrowRate:         r.CurrentBorrowRate.String(),
		AvailableLiquidity: r.AvailableLiquidity.String(),
		TotalSupplyShares:  r.TotalSupplyShares.String(),
		TotalBorrowShares:  r.TotalBorrowShares.String(),
		AccruedToTreasury:  r.AccruedToTreasury.String(),
		Price:              r.Price.String(),
		Configuration: reserveConfigBlock{
			LTVBps:                    r.Config.LTV,
			LiquidationThresholdBps:   r.Config.LiquidationThreshold,
			LiquidationBonusBps:       r.Config.LiquidationBonus,
			ReserveFactorBps:          r.Config.ReserveFactor,
			LiquidationProtocolFeeBps: r.Config.LiquidationProtocolFee,
			SupplyCap:                 r.Config.SupplyCap,
			BorrowCap:                 r.Config.BorrowCap,
			Decimals:                  r.Config.Decimals,
			Active:                    r.Config.Active,
			Frozen:                    r.Config.Frozen,
			BorrowingEnabled:          r.Config.BorrowingEnabled,
			Treasury:                  r.Config.Treasury.Hex(),
		},
	}
}
