package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"

	"lendmarket/native/access"
	"lendmarket/native/oracle"
	"lendmarket/native/pool"
	"lendmarket/native/position"
	"lendmarket/native/recovery"
	"lendmarket/native/reserve"
	"lendmarket/services/poold/config"
	"lendmarket/storage"
)

const testSecret = "server-test-secret"

var (
	testAdmin  = common.BytesToAddress([]byte{0x01})
	testFeeder = common.BytesToAddress([]byte{0x02})
	testUser   = common.BytesToAddress([]byte{0x10})
)

type serverHarness struct {
	server *Server
	asset  common.Address
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()
	db := storage.NewMemDB()
	store := position.NewStore(db)
	roles := access.NewRegistry(testAdmin)
	for _, role := range []string{
		access.RolePoolAdmin,
		access.RoleAssetListingAdmin,
		access.RoleRiskAdmin,
		access.RoleEmergencyAdmin,
	} {
		if err := roles.GrantRole(testAdmin, role, testAdmin); err != nil {
			t.Fatalf("grant %s: %v", role, err)
		}
	}
	retries, err := recovery.NewLog(db)
	if err != nil {
		t.Fatalf("recovery log: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := pool.New(store, roles, retries, reserve.NewSnapshotStore(db), nil, logger)
	feed := oracle.NewFeed(oracle.Config{MaxDeviationBps: 3_000}, p, logger)
	feed.AddFeeder(testFeeder)
	p.SetPriceFeed(feed)

	asset := common.BytesToAddress([]byte{0xA0})
	cfg := reserve.Configuration{
		LTV:                  6_000,
		LiquidationThreshold: 7_500,
		LiquidationBonus:     500,
		ReserveFactor:        1_000,
		Decimals:             0,
		Active:               true,
		BorrowingEnabled:     true,
		Treasury:             testAdmin,
	}
	strategy := reserve.RateStrategy{
		OptimalUsageRatio: new(big.Int).Mul(reserve.Ray, big.NewInt(8)),
	}
	strategy.OptimalUsageRatio.Quo(strategy.OptimalUsageRatio, big.NewInt(10))
	if _, err := p.AddReserve(testAdmin, asset, common.BytesToAddress([]byte{0xB0}), common.BytesToAddress([]byte{0xC0}), cfg, strategy); err != nil {
		t.Fatalf("add reserve: %v", err)
	}
	now := uint64(time.Now().Unix())
	if err := feed.FeedPrices(testFeeder, map[common.Address]*big.Int{asset: big.NewInt(100)}, now); err != nil {
		t.Fatalf("feed price: %v", err)
	}

	srv := New(Config{
		Pool:  p,
		Feed:  feed,
		Roles: roles,
		Auth:  config.AuthConfig{JWTSecret: testSecret, APITokens: []string{"ops-token"}},
		Log:   logger,
	})
	return &serverHarness{server: srv, asset: asset}
}

func bearerToken(t *testing.T, subject common.Address) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject.Hex(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + signed
}

func (h *serverHarness) do(t *testing.T, method, path string, body any, auth string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	recorder := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(recorder, req)
	return recorder
}

func TestSupplyEndpoint(t *testing.T) {
	h := newServerHarness(t)
	resp := h.do(t, http.MethodPost, "/v1/supply", map[string]string{
		"asset":  h.asset.Hex(),
		"amount": "100",
	}, bearerToken(t, testUser))
	if resp.Code != http.StatusOK {
		t.Fatalf("supply status = %d, body %s", resp.Code, resp.Body.String())
	}
	var receipt receiptResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt.Amount != "100" || receipt.Shares != "100" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	h := newServerHarness(t)
	resp := h.do(t, http.MethodPost, "/v1/supply", map[string]string{
		"asset":  h.asset.Hex(),
		"amount": "100",
	}, "")
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.Code)
	}
	resp = h.do(t, http.MethodPost, "/v1/supply", nil, "Bearer not-a-token")
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d, want 401", resp.Code)
	}
}

func TestAPITokenCaller(t *testing.T) {
	h := newServerHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/reserves", nil)
	req.Header.Set("X-API-Key", "ops-token")
	req.Header.Set("X-Caller-Address", testUser.Hex())
	recorder := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", recorder.Code, recorder.Body.String())
	}
}

func TestBorrowSolvencyMapsToUnprocessable(t *testing.T) {
	h := newServerHarness(t)
	token := bearerToken(t, testUser)
	if resp := h.do(t, http.MethodPost, "/v1/supply", map[string]string{
		"asset": h.asset.Hex(), "amount": "100",
	}, token); resp.Code != http.StatusOK {
		t.Fatalf("supply status = %d", resp.Code)
	}
	resp := h.do(t, http.MethodPost, "/v1/borrow", map[string]string{
		"asset": h.asset.Hex(), "amount": "61",
	}, token)
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("borrow status = %d, want 422; body %s", resp.Code, resp.Body.String())
	}
}

func TestPauseRequiresRoleAndBlocksActions(t *testing.T) {
	h := newServerHarness(t)
	userToken := bearerToken(t, testUser)
	adminToken := bearerToken(t, testAdmin)

	if resp := h.do(t, http.MethodPost, "/admin/v1/pause", map[string]bool{"paused": true}, userToken); resp.Code != http.StatusForbidden {
		t.Fatalf("unauthorized pause status = %d, want 403", resp.Code)
	}
	if resp := h.do(t, http.MethodPost, "/admin/v1/pause", map[string]bool{"paused": true}, adminToken); resp.Code != http.StatusOK {
		t.Fatalf("admin pause status = %d", resp.Code)
	}
	if resp := h.do(t, http.MethodPost, "/v1/supply", map[string]string{
		"asset": h.asset.Hex(), "amount": "10",
	}, userToken); resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("paused supply status = %d, want 503", resp.Code)
	}
	if resp := h.do(t, http.MethodPost, "/admin/v1/pause", map[string]bool{"paused": false}, adminToken); resp.Code != http.StatusOK {
		t.Fatalf("unpause status = %d", resp.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newServerHarness(t)
	token := bearerToken(t, testUser)
	h.do(t, http.MethodPost, "/v1/supply", map[string]string{"asset": h.asset.Hex(), "amount": "100"}, token)
	h.do(t, http.MethodPost, "/v1/borrow", map[string]string{"asset": h.asset.Hex(), "amount": "60"}, token)

	resp := h.do(t, http.MethodGet, "/v1/accounts/"+testUser.Hex()+"/health", nil, token)
	if resp.Code != http.StatusOK {
		t.Fatalf("health status = %d", resp.Code)
	}
	var payload struct {
		HealthFactor string `json:"health_factor"`
		Liquidatable bool   `json:"liquidatable"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	want := new(big.Int).Mul(reserve.Ray, big.NewInt(125))
	want.Quo(want, big.NewInt(100))
	if payload.HealthFactor != want.String() {
		t.Fatalf("health factor = %s, want %s", payload.HealthFactor, want)
	}
	if payload.Liquidatable {
		t.Fatalf("healthy account reported liquidatable")
	}
}

func TestOracleFeedEndpointRequiresFeeder(t *testing.T) {
	h := newServerHarness(t)
	resp := h.do(t, http.MethodPost, "/v1/oracle/prices", map[string]any{
		"prices": map[string]string{h.asset.Hex(): "105"},
	}, bearerToken(t, testUser))
	if resp.Code != http.StatusForbidden {
		t.Fatalf("non-feeder status = %d, want 403", resp.Code)
	}
	resp = h.do(t, http.MethodPost, "/v1/oracle/prices", map[string]any{
		"prices": map[string]string{h.asset.Hex(): "105"},
	}, bearerToken(t, testFeeder))
	if resp.Code != http.StatusOK {
		t.Fatalf("feeder status = %d, body %s", resp.Code, resp.Body.String())
	}
}

func TestRerunUnknownQueryIsNotFound(t *testing.T) {
	h := newServerHarness(t)
	resp := h.do(t, http.MethodPost, "/v1/retries/99/rerun", nil, bearerToken(t, testUser))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.Code)
	}
}
