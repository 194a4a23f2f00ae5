package pool

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "lendmarket/native/common"
	"lendmarket/native/reserve"
)

// Liquidate lets anyone repay part of an under-collateralized borrower's
// debt and seize discounted collateral. Partial liquidation is allowed; the
// seizure is capped at the borrower's collateral balance and the repayment
// scaled back to match. A slice of the liquidation bonus is routed to the
// collateral reserve's treasury accrual.
func (p *Pool) Liquidate(liquidator, borrower common.Address, debtAsset common.Address, collateralReserveIndex uint64, repayAmount *big.Int) (*LiquidationReceipt, error) {
	if err := nativecommon.Guard(p.pauses, pauseModule); err != nil {
		return nil, ErrPaused
	}
	if repayAmount == nil || repayAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := p.positions.Acquire(borrower); err != nil {
		return nil, err
	}
	defer p.positions.Release(borrower)
	if liquidator != borrower {
		if err := p.positions.Acquire(liquidator); err != nil {
			return nil, err
		}
		defer p.positions.Release(liquidator)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	debtIdx, err := p.indexOfLocked(debtAsset)
	if err != nil {
		return nil, err
	}
	if _, err := p.reserveAtLocked(collateralReserveIndex); err != nil {
		return nil, err
	}

	now := p.clock()
	debtWork := p.reserves[debtIdx].Clone()
	debtWork.Accrue(now)
	colWork := debtWork
	if collateralReserveIndex != debtIdx {
		colWork = p.reserves[collateralReserveIndex].Clone()
		colWork.Accrue(now)
	}
	overrides := map[uint64]*reserve.Reserve{debtIdx: debtWork, collateralReserveIndex: colWork}

	debtPrice := p.effectivePrice(debtWork, now)
	colPrice := p.effectivePrice(colWork, now)
	if debtPrice.Sign() == 0 || colPrice.Sign() == 0 {
		return nil, ErrInvalidOraclePrice
	}

	account, err := p.positions.Fetch(borrower)
	if err != nil {
		return nil, err
	}
	report, err := p.accountHealthLocked(account, overrides, now)
	if err != nil {
		return nil, err
	}
	if !report.Liquidatable {
		return nil, ErrNotLiquidatable
	}

	debtPos, ok := account.Position(debtIdx)
	if !ok || debtPos.BorrowShares.Sign() == 0 {
		return nil, ErrNoDebt
	}
	colPos, ok := account.Position(collateralReserveIndex)
	if !ok || colPos.SupplyShares.Sign() == 0 || !colPos.AsCollateral {
		return nil, ErrNothingSupplied
	}

	owed := reserve.DebtFromShares(debtPos.BorrowShares, debtWork.BorrowIndex)
	repay := new(big.Int).Set(repayAmount)
	if repay.Cmp(MaxAmount) == 0 || repay.Cmp(owed) > 0 {
		repay = new(big.Int).Set(owed)
	}

	bonusBps := new(big.Int).SetUint64(10_000 + colWork.Config.LiquidationBonus)
	debtUnit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(debtWork.Config.Decimals)), nil)
	colUnit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(colWork.Config.Decimals)), nil)

	// seize = repay * debtPrice * (1 + bonus) / colPrice, converted across
	// the two assets' base units.
	seize := new(big.Int).Mul(repay, debtPrice)
	seize.Mul(seize, bonusBps)
	seize.Mul(seize, colUnit)
	seize.Quo(seize, new(big.Int).Mul(new(big.Int).Mul(colPrice, debtUnit), reserve.PercentageFactor))

	colBalance := reserve.SupplyFromShares(colPos.SupplyShares, colWork.LiquidityIndex)
	if seize.Cmp(colBalance) > 0 {
		seize = new(big.Int).Set(colBalance)
		// Scale the repayment back to what the capped seizure is worth.
		repay = new(big.Int).Mul(seize, colPrice)
		repay.Mul(repay, debtUnit)
		repay.Mul(repay, reserve.PercentageFactor)
		repay.Quo(repay, new(big.Int).Mul(new(big.Int).Mul(debtPrice, colUnit), bonusBps))
	}
	if seize.Sign() == 0 || repay.Sign() == 0 {
		return nil, ErrInvalidAmount
	}

	repayShares, err := debtWork.ApplyRepay(repay)
	if err != nil {
		return nil, err
	}
	if repayShares.Cmp(debtPos.BorrowShares) > 0 {
		repayShares = new(big.Int).Set(debtPos.BorrowShares)
	}
	debtPos.BorrowShares.Sub(debtPos.BorrowShares, repayShares)

	seizedShares := reserve.RayDivUp(seize, colWork.LiquidityIndex)
	if seizedShares.Cmp(colPos.SupplyShares) > 0 {
		seizedShares = new(big.Int).Set(colPos.SupplyShares)
	}
	colPos.SupplyShares.Sub(colPos.SupplyShares, seizedShares)

	// The protocol's cut comes out of the bonus portion only, in collateral
	// share units: those shares leave circulation and sit in the treasury
	// accrual until MintToTreasury realizes them.
	feeShares := big.NewInt(0)
	if colWork.Config.LiquidationProtocolFee > 0 {
		bonusPart := new(big.Int).Mul(seize, new(big.Int).SetUint64(colWork.Config.LiquidationBonus))
		bonusPart.Quo(bonusPart, bonusBps)
		feeAmount := reserve.PercentMul(bonusPart, colWork.Config.LiquidationProtocolFee)
		feeShares = reserve.RayDiv(feeAmount, colWork.LiquidityIndex)
		if feeShares.Cmp(seizedShares) > 0 {
			feeShares = new(big.Int).Set(seizedShares)
		}
		colWork.TotalSupplyShares.Sub(colWork.TotalSupplyShares, feeShares)
		colWork.AccruedToTreasury.Add(colWork.AccruedToTreasury, feeShares)
	}

	// The seized shares change hands inside the pool: the liquidator ends up
	// holding a supply position it can withdraw from, not just a token claim.
	liquidatorShares := new(big.Int).Sub(seizedShares, feeShares)
	liqAccount := account
	if liquidator != borrower {
		liqAccount, err = p.positions.Fetch(liquidator)
		if err != nil {
			return nil, err
		}
	}
	liqPos := liqAccount.EnsurePosition(collateralReserveIndex)
	liqPos.SupplyShares.Add(liqPos.SupplyShares, liquidatorShares)

	debtWork.UpdateRates()
	if colWork != debtWork {
		colWork.UpdateRates()
	}
	if err := p.positions.Commit(account); err != nil {
		return nil, err
	}
	if liqAccount != account {
		if err := p.positions.Commit(liqAccount); err != nil {
			return nil, err
		}
	}
	if err := p.commitReserveLocked(debtIdx, debtWork); err != nil {
		return nil, err
	}
	if colWork != debtWork {
		if err := p.commitReserveLocked(collateralReserveIndex, colWork); err != nil {
			return nil, err
		}
	}

	pending := p.emitLocked([]tokenEffect{
		{Op: effectBurnDebt, Token: debtWork.DebtToken, From: borrower, Amount: repayShares},
		{Op: effectTransferYield, Token: colWork.YieldToken, From: borrower, To: liquidator, Amount: liquidatorShares},
	}, now)
	p.log.Info("lending liquidation",
		"liquidator", liquidator.Hex(), "borrower", borrower.Hex(),
		"debt_asset", debtAsset.Hex(), "repaid", repay.String(),
		"seized", seize.String(), "fee_shares", feeShares.String())
	return &LiquidationReceipt{
		DebtRepaid:        repay,
		CollateralSeized:  seize,
		ProtocolFeeShares: feeShares,
		PendingQueries:    pending,
	}, nil
}

// MintToTreasury realizes a reserve's accrued protocol interest as a supply
// position owned by the configured treasury. Permissionless.
func (p *Pool) MintToTreasury(reserveIndex uint64) (*Receipt, error) {
	p.mu.RLock()
	r, err := p.reserveAtLocked(reserveIndex)
	var treasury common.Address
	if err == nil {
		treasury = r.Config.Treasury
	}
	p.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if err := p.positions.Acquire(treasury); err != nil {
		return nil, err
	}
	defer p.positions.Release(treasury)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.reserveAtLocked(reserveIndex); err != nil {
		return nil, err
	}
	now := p.clock()
	work := p.reserves[reserveIndex].Clone()
	work.Accrue(now)
	shares := work.DrainTreasury()
	if shares.Sign() == 0 {
		return &Receipt{Shares: shares, Amount: big.NewInt(0)}, nil
	}
	account, err := p.positions.Fetch(treasury)
	if err != nil {
		return nil, err
	}
	pos := account.EnsurePosition(reserveIndex)
	pos.SupplyShares.Add(pos.SupplyShares, shares)
	work.UpdateRates()
	if err := p.positions.Commit(account); err != nil {
		return nil, err
	}
	if err := p.commitReserveLocked(reserveIndex, work); err != nil {
		return nil, err
	}

	pending := p.emitLocked([]tokenEffect{
		{Op: effectMintYield, Token: work.YieldToken, To: work.Config.Treasury, Amount: shares},
	}, now)
	p.log.Info("lending treasury mint",
		"reserve", reserveIndex, "shares", shares.String())
	return &Receipt{
		Shares:         shares,
		Amount:         reserve.SupplyFromShares(shares, work.LiquidityIndex),
		PendingQueries: pending,
	}, nil
}
