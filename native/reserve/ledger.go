package reserve

import "math/big"

// Accrue advances both indexes to the current time and books the treasury's
// cut of the newly accrued debt interest. Must run before any other mutation
// that reads the indexes.
func (r *Reserve) Accrue(now uint64) {
	r.ensureDefaults()
	if now <= r.LastUpdateTimestamp {
		return
	}
	elapsed := now - r.LastUpdateTimestamp
	if r.LastUpdateTimestamp == 0 {
		// First touch just anchors the clock.
		r.LastUpdateTimestamp = now
		return
	}

	prevDebt := DebtFromShares(r.TotalBorrowShares, r.BorrowIndex)

	if r.CurrentLiquidityRate.Sign() > 0 {
		r.LiquidityIndex = RayMul(r.LiquidityIndex, LinearInterest(r.CurrentLiquidityRate, elapsed))
	}
	if r.CurrentBorrowRate.Sign() > 0 && r.TotalBorrowShares.Sign() > 0 {
		r.BorrowIndex = RayMul(r.BorrowIndex, CompoundedInterest(r.CurrentBorrowRate, elapsed))
	}

	// The reserve factor's slice of debt interest is parked as unminted
	// supply shares at the freshly advanced liquidity index.
	if r.Config.ReserveFactor > 0 && r.TotalBorrowShares.Sign() > 0 {
		newDebt := DebtFromShares(r.TotalBorrowShares, r.BorrowIndex)
		interest := new(big.Int).Sub(newDebt, prevDebt)
		if interest.Sign() > 0 {
			treasuryCut := PercentMul(interest, r.Config.ReserveFactor)
			r.AccruedToTreasury.Add(r.AccruedToTreasury, RayDiv(treasuryCut, r.LiquidityIndex))
		}
	}

	r.LastUpdateTimestamp = now
}

// UpdateRates recomputes the live rates from post-mutation utilization.
// Callers invoke it after every liquidity-affecting change.
func (r *Reserve) UpdateRates() {
	r.ensureDefaults()
	utilization := Utilization(r.AvailableLiquidity, r.TotalDebt())
	r.CurrentLiquidityRate, r.CurrentBorrowRate = r.Strategy.Rates(utilization, r.Config.ReserveFactor)
}

// ApplySupply books a deposit and returns the minted supply shares.
func (r *Reserve) ApplySupply(amount *big.Int) (*big.Int, error) {
	r.ensureDefaults()
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if !r.Config.Active {
		return nil, ErrInactive
	}
	if r.Config.Frozen {
		return nil, ErrFrozen
	}
	if r.Config.SupplyCap > 0 {
		cap := new(big.Int).Mul(new(big.Int).SetUint64(r.Config.SupplyCap), r.unit())
		projected := new(big.Int).Add(r.TotalSupply(), SupplyFromShares(r.AccruedToTreasury, r.LiquidityIndex))
		projected.Add(projected, amount)
		if projected.Cmp(cap) > 0 {
			return nil, ErrSupplyCapExceeded
		}
	}

	shares := SharesFromSupply(amount, r.LiquidityIndex)
	r.TotalSupplyShares.Add(r.TotalSupplyShares, shares)
	r.AvailableLiquidity.Add(r.AvailableLiquidity, amount)
	return shares, nil
}

// ApplyWithdraw books a withdrawal and returns the burnt supply shares.
// Withdrawals stay open on frozen reserves; only deactivation blocks them.
func (r *Reserve) ApplyWithdraw(amount *big.Int) (*big.Int, error) {
	r.ensureDefaults()
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if !r.Config.Active {
		return nil, ErrInactive
	}
	if amount.Cmp(r.AvailableLiquidity) > 0 {
		return nil, ErrInsufficientLiquidity
	}

	shares := RayDivUp(amount, r.LiquidityIndex)
	if shares.Cmp(r.TotalSupplyShares) > 0 {
		shares = new(big.Int).Set(r.TotalSupplyShares)
	}
	r.TotalSupplyShares.Sub(r.TotalSupplyShares, shares)
	r.AvailableLiquidity.Sub(r.AvailableLiquidity, amount)
	return shares, nil
}

// ApplyBorrow books a draw-down and returns the minted debt shares.
func (r *Reserve) ApplyBorrow(amount *big.Int) (*big.Int, error) {
	r.ensureDefaults()
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if !r.Config.Active {
		return nil, ErrInactive
	}
	if r.Config.Frozen {
		return nil, ErrFrozen
	}
	if !r.Config.BorrowingEnabled {
		return nil, ErrBorrowingDisabled
	}
	if r.Config.BorrowCap > 0 {
		cap := new(big.Int).Mul(new(big.Int).SetUint64(r.Config.BorrowCap), r.unit())
		projected := new(big.Int).Add(r.TotalDebt(), amount)
		if projected.Cmp(cap) > 0 {
			return nil, ErrBorrowCapExceeded
		}
	}
	if amount.Cmp(r.AvailableLiquidity) > 0 {
		return nil, ErrInsufficientLiquidity
	}

	shares := SharesFromDebt(amount, r.BorrowIndex)
	r.TotalBorrowShares.Add(r.TotalBorrowShares, shares)
	r.AvailableLiquidity.Sub(r.AvailableLiquidity, amount)
	return shares, nil
}

// ApplyRepay books a repayment and returns the burnt debt shares. The shares
// round down so a repayment can never extinguish more debt than was paid.
func (r *Reserve) ApplyRepay(amount *big.Int) (*big.Int, error) {
	r.ensureDefaults()
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if !r.Config.Active {
		return nil, ErrInactive
	}

	shares := RayDiv(amount, r.BorrowIndex)
	if shares.Cmp(r.TotalBorrowShares) > 0 {
		shares = new(big.Int).Set(r.TotalBorrowShares)
	}
	r.TotalBorrowShares.Sub(r.TotalBorrowShares, shares)
	r.AvailableLiquidity.Add(r.AvailableLiquidity, amount)
	return shares, nil
}

// DrainTreasury zeroes the treasury accrual counter and returns the share
// amount that should be minted to the configured treasury.
func (r *Reserve) DrainTreasury() *big.Int {
	r.ensureDefaults()
	if r.AccruedToTreasury.Sign() == 0 {
		return big.NewInt(0)
	}
	shares := new(big.Int).Set(r.AccruedToTreasury)
	r.AccruedToTreasury = big.NewInt(0)
	r.TotalSupplyShares.Add(r.TotalSupplyShares, shares)
	return shares
}
