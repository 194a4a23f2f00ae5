package server

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"lendmarket/native/oracle"
	"lendmarket/native/pool"
	"lendmarket/native/reserve"
	"lendmarket/services/poold/audit"
)

// timeNow is swapped out by tests that pin the oracle clock.
var timeNow = time.Now

type actionRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) recordAudit(r *http.Request, caller common.Address, action, asset string, amount *big.Int, receipt *pool.Receipt, opErr error) {
	if s.audit == nil {
		return
	}
	record := audit.ActionRecord{
		Caller:    caller.Hex(),
		Action:    action,
		Asset:     asset,
		Outcome:   "ok",
		RequestID: chimw.GetReqID(r.Context()),
	}
	if amount != nil {
		record.Amount = amount.String()
	}
	if receipt != nil && receipt.Shares != nil {
		record.Shares = receipt.Shares.String()
		record.Amount = receipt.Amount.String()
	}
	if opErr != nil {
		record.Outcome = "rejected"
		record.Detail = opErr.Error()
	}
	if err := s.audit.Record(r.Context(), record); err != nil {
		s.log.Warn("audit write failed", "error", err)
	}
}

func (s *Server) userAction(w http.ResponseWriter, r *http.Request, action string, run func(caller common.Address, asset common.Address, amount *big.Int) (*pool.Receipt, error)) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req actionRequest
	if !s.decode(w, r, &req) {
		return
	}
	asset, err := parseAsset(req.Asset)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	receipt, err := run(caller, asset, amount)
	s.recordAudit(r, caller, action, asset.Hex(), amount, receipt, err)
	if err != nil {
		s.metrics.RecordActionFailure(action, statusReason(err))
		writeError(w, err)
		return
	}
	s.metrics.RecordAction(action)
	writeJSON(w, http.StatusOK, toReceiptResponse(receipt))
}

func statusReason(err error) string {
	switch statusFor(err) {
	case http.StatusUnprocessableEntity:
		return "solvency"
	case http.StatusConflict:
		return "conflict"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusServiceUnavailable:
		return "paused"
	case http.StatusBadRequest:
		return "validation"
	default:
		return "internal"
	}
}

func (s *Server) handleSupply(w http.ResponseWriter, r *http.Request) {
	s.userAction(w, r, "supply", s.pool.Supply)
}

func (s *Server) handleSupplyNative(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req struct {
		Amount string `json:"amount"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	receipt, err := s.pool.SupplyNative(caller, amount)
	s.recordAudit(r, caller, "supply_native", "", amount, receipt, err)
	if err != nil {
		s.metrics.RecordActionFailure("supply_native", statusReason(err))
		writeError(w, err)
		return
	}
	s.metrics.RecordAction("supply_native")
	writeJSON(w, http.StatusOK, toReceiptResponse(receipt))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.userAction(w, r, "withdraw", s.pool.Withdraw)
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	s.userAction(w, r, "borrow", s.pool.Borrow)
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	s.userAction(w, r, "repay", s.pool.Repay)
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req struct {
		Borrower          string `json:"borrower"`
		DebtAsset         string `json:"debt_asset"`
		CollateralReserve uint64 `json:"collateral_reserve"`
		RepayAmount       string `json:"repay_amount"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if !common.IsHexAddress(strings.TrimSpace(req.Borrower)) {
		http.Error(w, "bad borrower address", http.StatusBadRequest)
		return
	}
	debtAsset, err := parseAsset(req.DebtAsset)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount(req.RepayAmount)
	if err != nil {
		writeError(w, err)
		return
	}
	borrower := common.HexToAddress(req.Borrower)
	receipt, err := s.pool.Liquidate(caller, borrower, debtAsset, req.CollateralReserve, amount)
	if err != nil {
		s.metrics.RecordActionFailure("liquidate", statusReason(err))
		s.recordAudit(r, caller, "liquidate", debtAsset.Hex(), amount, nil, err)
		writeError(w, err)
		return
	}
	s.metrics.RecordAction("liquidate")
	s.metrics.RecordLiquidation()
	s.recordAudit(r, caller, "liquidate", debtAsset.Hex(), receipt.DebtRepaid, nil, nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"debt_repaid":         receipt.DebtRepaid.String(),
		"collateral_seized":   receipt.CollateralSeized.String(),
		"protocol_fee_shares": receipt.ProtocolFeeShares.String(),
		"pending_queries":     receipt.PendingQueries,
	})
}

func (s *Server) handleSetCollateral(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req struct {
		Asset           string `json:"asset"`
		UseAsCollateral bool   `json:"use_as_collateral"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	asset, err := parseAsset(req.Asset)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.pool.SetUseAsCollateral(caller, asset, req.UseAsCollateral); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"use_as_collateral": req.UseAsCollateral})
}

func (s *Server) handleListReserves(w http.ResponseWriter, _ *http.Request) {
	reserves := s.pool.Reserves()
	out := make([]reserveResponse, 0, len(reserves))
	for _, r := range reserves {
		out = append(out, toReserveResponse(r))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetReserve(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAsset(chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, err)
		return
	}
	snapshot, err := s.pool.ReserveData(asset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReserveResponse(snapshot))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		http.Error(w, "bad account address", http.StatusBadRequest)
		return
	}
	account, err := s.pool.AccountSnapshot(common.HexToAddress(raw))
	if err != nil {
		writeError(w, err)
		return
	}
	positions := make([]map[string]any, 0, len(account.Positions))
	for _, pos := range account.Positions {
		positions = append(positions, map[string]any{
			"reserve_index": pos.ReserveIndex,
			"supply_shares": pos.SupplyShares.String(),
			"borrow_shares": pos.BorrowShares.String(),
			"as_collateral": pos.AsCollateral,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner":     account.Owner.Hex(),
		"positions": positions,
	})
}

func (s *Server) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		http.Error(w, "bad account address", http.StatusBadRequest)
		return
	}
	report, err := s.pool.AccountHealth(common.HexToAddress(raw))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_collateral_value":        report.TotalCollateralValue.String(),
		"total_debt_value":              report.TotalDebtValue.String(),
		"avg_ltv_bps":                   report.AvgLTV.String(),
		"avg_liquidation_threshold_bps": report.AvgLiquidationThreshold.String(),
		"health_factor":                 report.HealthFactor.String(),
		"liquidatable":                  report.Liquidatable,
	})
}

func (s *Server) handleFeedPrices(w http.ResponseWriter, r *http.Request) {
	s.feedPrices(w, r, false)
}

func (s *Server) handleFeedEmergency(w http.ResponseWriter, r *http.Request) {
	s.feedPrices(w, r, true)
}

func (s *Server) feedPrices(w http.ResponseWriter, r *http.Request, emergency bool) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req struct {
		Prices    map[string]string `json:"prices"`
		Timestamp uint64            `json:"timestamp"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	prices := make(map[common.Address]*big.Int, len(req.Prices))
	for rawAsset, rawPrice := range req.Prices {
		if !common.IsHexAddress(rawAsset) {
			http.Error(w, "bad asset address in price batch", http.StatusBadRequest)
			return
		}
		price, ok := new(big.Int).SetString(strings.TrimSpace(rawPrice), 10)
		if !ok {
			writeError(w, oracle.ErrInvalidPrice)
			return
		}
		prices[common.HexToAddress(rawAsset)] = price
	}
	now := req.Timestamp
	if now == 0 {
		now = uint64(timeNow().Unix())
	}
	var err error
	if emergency {
		err = s.pool.FeedEmergencyPrices(caller, prices, now)
	} else {
		err = s.feed.FeedPrices(caller, prices, now)
	}
	if err != nil {
		s.metrics.RecordOracleRejection(statusReason(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": len(prices)})
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAsset(chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, err)
		return
	}
	price := s.pool.OraclePrice(asset)
	payload := map[string]any{"asset": asset.Hex(), "price": price.String()}
	if quote, ok := s.pool.OracleQuote(asset); ok {
		payload["raw_price"] = quote.Price.String()
		payload["updated_at"] = quote.UpdatedAt
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleListRetries(w http.ResponseWriter, _ *http.Request) {
	pending := s.pool.PendingRetries()
	s.metrics.SetRetriesOutstanding(len(pending))
	out := make([]map[string]any, 0, len(pending))
	for _, entry := range pending {
		out = append(out, map[string]any{
			"query_id":    entry.QueryID,
			"kind":        entry.Kind,
			"recorded_at": entry.RecordedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request) {
	queryID, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "bad query id", http.StatusBadRequest)
		return
	}
	requeued, err := s.pool.Rerun(queryID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.RecordRetryReplayed()
	payload := map[string]any{"replayed": requeued == 0}
	if requeued != 0 {
		payload["requeued_as"] = requeued
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req struct {
		Paused bool `json:"paused"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.pool.PausePool(caller, req.Paused); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": req.Paused})
}

func (s *Server) handleAddReserve(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req reserve.ReserveConfig
	if !s.decode(w, r, &req) {
		return
	}
	asset, err := req.AssetAddress()
	if err != nil {
		writeError(w, err)
		return
	}
	yield, debt, err := req.TokenAddresses()
	if err != nil {
		writeError(w, err)
		return
	}
	cfg, strategy, err := req.Build()
	if err != nil {
		writeError(w, err)
		return
	}
	idx, err := s.pool.AddReserve(caller, asset, yield, debt, cfg, strategy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"reserve_index": idx})
}

func (s *Server) handleDropReserve(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	idx, err := parseIndexParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.pool.DropReserve(caller, idx); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"reserve_index": idx})
}

func (s *Server) handleConfigureCollateral(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	idx, err := parseIndexParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		LTVBps                  uint64 `json:"ltv_bps"`
		LiquidationThresholdBps uint64 `json:"liquidation_threshold_bps"`
		LiquidationBonusBps     uint64 `json:"liquidation_bonus_bps"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.pool.ConfigureReserveAsCollateral(caller, idx, req.LTVBps, req.LiquidationThresholdBps, req.LiquidationBonusBps); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"reserve_index": idx})
}

func (s *Server) handleReserveFlags(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	idx, err := parseIndexParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Active           *bool `json:"active"`
		Frozen           *bool `json:"frozen"`
		BorrowingEnabled *bool `json:"borrowing_enabled"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Active != nil {
		if err := s.pool.SetReserveActive(caller, idx, *req.Active); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Frozen != nil {
		if err := s.pool.SetReserveFrozen(caller, idx, *req.Frozen); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.BorrowingEnabled != nil {
		if err := s.pool.SetBorrowingEnabled(caller, idx, *req.BorrowingEnabled); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"reserve_index": idx})
}

func (s *Server) handleReserveCaps(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	idx, err := parseIndexParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		SupplyCap *uint64 `json:"supply_cap"`
		BorrowCap *uint64 `json:"borrow_cap"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.SupplyCap != nil {
		if err := s.pool.SetSupplyCap(caller, idx, *req.SupplyCap); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.BorrowCap != nil {
		if err := s.pool.SetBorrowCap(caller, idx, *req.BorrowCap); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"reserve_index": idx})
}

func (s *Server) handleReserveFees(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	idx, err := parseIndexParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		ReserveFactorBps          *uint64 `json:"reserve_factor_bps"`
		LiquidationProtocolFeeBps *uint64 `json:"liquidation_protocol_fee_bps"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.ReserveFactorBps != nil {
		if err := s.pool.SetReserveFactor(caller, idx, *req.ReserveFactorBps); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.LiquidationProtocolFeeBps != nil {
		if err := s.pool.SetLiquidationProtocolFee(caller, idx, *req.LiquidationProtocolFeeBps); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"reserve_index": idx})
}

func (s *Server) handleMintToTreasury(w http.ResponseWriter, r *http.Request) {
	idx, err := parseIndexParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	receipt, err := s.pool.MintToTreasury(idx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptResponse(receipt))
}

func (s *Server) handleOracleFeeders(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req struct {
		Feeder string `json:"feeder"`
		Remove bool   `json:"remove"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if !common.IsHexAddress(strings.TrimSpace(req.Feeder)) {
		http.Error(w, "bad feeder address", http.StatusBadRequest)
		return
	}
	feeder := common.HexToAddress(req.Feeder)
	var err error
	if req.Remove {
		err = s.pool.RemoveOracleFeeder(caller, feeder)
	} else {
		err = s.pool.AddOracleFeeder(caller, feeder)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"feeder": feeder.Hex()})
}

func (s *Server) handleOracleConfig(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req struct {
		MaxDeviationBps  uint64 `json:"max_deviation_bps"`
		ExpirationPeriod uint64 `json:"expiration_period"`
		Stopped          *bool  `json:"stopped"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Stopped != nil {
		if err := s.pool.SetOracleStopped(caller, *req.Stopped); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.MaxDeviationBps > 0 || req.ExpirationPeriod > 0 {
		err := s.pool.UpdateOracleConfig(caller, oracle.Config{
			MaxDeviationBps:  req.MaxDeviationBps,
			ExpirationPeriod: req.ExpirationPeriod,
		})
		if err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type roleRequest struct {
	Role      string `json:"role"`
	Principal string `json:"principal"`
}

func (s *Server) handleGrantRole(w http.ResponseWriter, r *http.Request) {
	s.roleChange(w, r, s.roles.GrantRole)
}

func (s *Server) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	s.roleChange(w, r, s.roles.RevokeRole)
}

func (s *Server) roleChange(w http.ResponseWriter, r *http.Request, change func(caller common.Address, role string, principal common.Address) error) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req roleRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !common.IsHexAddress(strings.TrimSpace(req.Principal)) {
		http.Error(w, "bad principal address", http.StatusBadRequest)
		return
	}
	if err := change(caller, strings.TrimSpace(req.Role), common.HexToAddress(req.Principal)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"role": req.Role, "principal": req.Principal})
}

func (s *Server) handleRenounceRole(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req roleRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.roles.RenounceRole(caller, strings.TrimSpace(req.Role)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"role": req.Role})
}

func (s *Server) handleRoleMembers(w http.ResponseWriter, r *http.Request) {
	role := chi.URLParam(r, "role")
	members := s.roles.Members(role)
	out := make([]string, 0, len(members))
	for _, member := range members {
		out = append(out, member.Hex())
	}
	writeJSON(w, http.StatusOK, map[string]any{"role": role, "members": out})
}

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSON(w, http.StatusOK, []audit.ActionRecord{})
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	records, err := s.audit.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}
