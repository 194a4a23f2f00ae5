package pool

import (
	"math/big"

	"lendmarket/native/position"
	"lendmarket/native/reserve"
)

// HealthFactorInfinity is the sentinel health factor for debt-free accounts.
var HealthFactorInfinity = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// HealthReport is the solvency summary of one account at live prices.
// Values are in the oracle's quote unit; the health factor is Ray-scaled.
type HealthReport struct {
	TotalCollateralValue *big.Int
	TotalDebtValue       *big.Int
	// AvgLTV and AvgLiquidationThreshold are collateral-value-weighted
	// basis points.
	AvgLTV                  *big.Int
	AvgLiquidationThreshold *big.Int
	HealthFactor            *big.Int
	Liquidatable            bool
}

// BorrowCapacityValue is the remaining debt value the account could take on
// before breaching its weighted LTV.
func (h HealthReport) BorrowCapacityValue() *big.Int {
	capacity := new(big.Int).Mul(h.TotalCollateralValue, h.AvgLTV)
	capacity.Quo(capacity, reserve.PercentageFactor)
	capacity.Sub(capacity, h.TotalDebtValue)
	if capacity.Sign() < 0 {
		capacity.SetInt64(0)
	}
	return capacity
}

// computeHealth prices every position of the account against the supplied
// reserve view. Positions referencing a dropped or out-of-range reserve are
// a corruption signal and propagate as an explicit failure.
func computeHealth(account *position.Account, reserves []*reserve.Reserve) (HealthReport, error) {
	report := HealthReport{
		TotalCollateralValue:    big.NewInt(0),
		TotalDebtValue:          big.NewInt(0),
		AvgLTV:                  big.NewInt(0),
		AvgLiquidationThreshold: big.NewInt(0),
		HealthFactor:            new(big.Int).Set(HealthFactorInfinity),
	}
	weightedLTV := big.NewInt(0)
	weightedThreshold := big.NewInt(0)
	unpricedDebt := false

	for i := range account.Positions {
		pos := &account.Positions[i]
		if pos.ReserveIndex >= uint64(len(reserves)) || reserves[pos.ReserveIndex] == nil {
			return HealthReport{}, ErrReserveIndexOutOfRange
		}
		r := reserves[pos.ReserveIndex]
		unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(r.Config.Decimals)), nil)

		if pos.SupplyShares != nil && pos.SupplyShares.Sign() > 0 && pos.AsCollateral {
			supplyAmount := reserve.SupplyFromShares(pos.SupplyShares, r.LiquidityIndex)
			supplyValue := new(big.Int).Mul(supplyAmount, r.Price)
			supplyValue.Quo(supplyValue, unit)
			report.TotalCollateralValue.Add(report.TotalCollateralValue, supplyValue)
			weightedLTV.Add(weightedLTV, new(big.Int).Mul(supplyValue, new(big.Int).SetUint64(r.Config.LTV)))
			weightedThreshold.Add(weightedThreshold, new(big.Int).Mul(supplyValue, new(big.Int).SetUint64(r.Config.LiquidationThreshold)))
		}

		if pos.BorrowShares != nil && pos.BorrowShares.Sign() > 0 {
			debtAmount := reserve.DebtFromShares(pos.BorrowShares, r.BorrowIndex)
			if debtAmount.Sign() > 0 && r.Price.Sign() == 0 {
				// Debt without a live price cannot be valued. The account
				// is treated as fully unhealthy, never as debt-free.
				unpricedDebt = true
			}
			// Debt value rounds up.
			debtValue := new(big.Int).Mul(debtAmount, r.Price)
			debtValue.Add(debtValue, new(big.Int).Sub(unit, big.NewInt(1)))
			debtValue.Quo(debtValue, unit)
			report.TotalDebtValue.Add(report.TotalDebtValue, debtValue)
		}
	}

	if report.TotalCollateralValue.Sign() > 0 {
		report.AvgLTV = new(big.Int).Quo(weightedLTV, report.TotalCollateralValue)
		report.AvgLiquidationThreshold = new(big.Int).Quo(weightedThreshold, report.TotalCollateralValue)
	}
	if report.TotalDebtValue.Sign() > 0 {
		riskAdjusted := new(big.Int).Mul(report.TotalCollateralValue, report.AvgLiquidationThreshold)
		riskAdjusted.Quo(riskAdjusted, reserve.PercentageFactor)
		report.HealthFactor = reserve.RayDiv(riskAdjusted, report.TotalDebtValue)
	}
	if unpricedDebt {
		report.HealthFactor = big.NewInt(0)
	}
	report.Liquidatable = report.TotalCollateralValue.Sign() > 0 &&
		report.TotalDebtValue.Sign() > 0 &&
		report.HealthFactor.Cmp(reserve.Ray) < 0
	return report, nil
}
