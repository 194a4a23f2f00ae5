package reserve

import "math/big"

// RateStrategy is the kinked interest curve applied to a reserve. All fields
// are Ray-scaled annual rates or ratios; the strategy itself carries no
// mutable state.
type RateStrategy struct {
	OptimalUsageRatio *big.Int
	BaseBorrowRate    *big.Int
	Slope1            *big.Int
	Slope2            *big.Int
}

// Clone returns a deep copy of the strategy.
func (s RateStrategy) Clone() RateStrategy {
	clone := RateStrategy{}
	if s.OptimalUsageRatio != nil {
		clone.OptimalUsageRatio = new(big.Int).Set(s.OptimalUsageRatio)
	}
	if s.BaseBorrowRate != nil {
		clone.BaseBorrowRate = new(big.Int).Set(s.BaseBorrowRate)
	}
	if s.Slope1 != nil {
		clone.Slope1 = new(big.Int).Set(s.Slope1)
	}
	if s.Slope2 != nil {
		clone.Slope2 = new(big.Int).Set(s.Slope2)
	}
	return clone
}

func (s RateStrategy) normalized() RateStrategy {
	c := s.Clone()
	if c.OptimalUsageRatio == nil || c.OptimalUsageRatio.Sign() == 0 {
		c.OptimalUsageRatio = new(big.Int).Set(Ray)
	}
	if c.BaseBorrowRate == nil {
		c.BaseBorrowRate = big.NewInt(0)
	}
	if c.Slope1 == nil {
		c.Slope1 = big.NewInt(0)
	}
	if c.Slope2 == nil {
		c.Slope2 = big.NewInt(0)
	}
	return c
}

// Utilization computes totalDebt / (availableLiquidity + totalDebt) in Ray.
// Zero debt means zero utilization regardless of liquidity.
func Utilization(availableLiquidity, totalDebt *big.Int) *big.Int {
	if totalDebt == nil || totalDebt.Sign() == 0 {
		return big.NewInt(0)
	}
	total := new(big.Int).Set(totalDebt)
	if availableLiquidity != nil && availableLiquidity.Sign() > 0 {
		total.Add(total, availableLiquidity)
	}
	return RayDiv(totalDebt, total)
}

// Rates derives the current borrow and liquidity rates from the utilization
// and the reserve factor. Below the kink the borrow rate climbs along slope1;
// past it slope2 takes over:
//
//	borrow = base + slope1*min(u,opt)/opt + slope2*max(0,u-opt)/(1-opt)
//	liquidity = borrow * u * (1 - reserveFactor)
func (s RateStrategy) Rates(utilization *big.Int, reserveFactorBps uint64) (liquidityRate, borrowRate *big.Int) {
	c := s.normalized()
	u := utilization
	if u == nil {
		u = big.NewInt(0)
	}

	borrowRate = new(big.Int).Set(c.BaseBorrowRate)

	capped := u
	if capped.Cmp(c.OptimalUsageRatio) > 0 {
		capped = c.OptimalUsageRatio
	}
	borrowRate.Add(borrowRate, RayDiv(RayMul(c.Slope1, capped), c.OptimalUsageRatio))

	if u.Cmp(c.OptimalUsageRatio) > 0 {
		excess := new(big.Int).Sub(u, c.OptimalUsageRatio)
		headroom := new(big.Int).Sub(Ray, c.OptimalUsageRatio)
		if headroom.Sign() > 0 {
			borrowRate.Add(borrowRate, RayDiv(RayMul(c.Slope2, excess), headroom))
		} else {
			borrowRate.Add(borrowRate, c.Slope2)
		}
	}

	liquidityRate = RayMul(borrowRate, u)
	if reserveFactorBps >= 10_000 {
		liquidityRate = big.NewInt(0)
	} else {
		liquidityRate = PercentMul(liquidityRate, 10_000-reserveFactorBps)
	}
	return liquidityRate, borrowRate
}
