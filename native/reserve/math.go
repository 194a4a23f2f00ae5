package reserve

import "math/big"

var (
	// Ray is the 1e27 fixed-point scale used for indexes and rates.
	Ray = mustBigInt("1000000000000000000000000000")
	// PercentageFactor is the basis-point denominator for risk parameters.
	PercentageFactor = big.NewInt(10_000)

	two   = big.NewInt(2)
	six   = big.NewInt(6)
	one   = big.NewInt(1)
	zero  = big.NewInt(0)
	yearS = big.NewInt(SecondsPerYear)
)

// SecondsPerYear is the accrual denominator for annualised rates.
const SecondsPerYear = 31_536_000

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("reserve: invalid big integer constant")
	}
	return v
}

// Rounding is truncation everywhere. The directional variants exist because
// the protocol rounds against the user: amounts owed to users round down,
// debt owed by users rounds up.

// RayMul returns floor(a*b / Ray).
func RayMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil || a.Sign() == 0 || b.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, Ray)
}

// RayMulUp returns ceil(a*b / Ray).
func RayMulUp(a, b *big.Int) *big.Int {
	if a == nil || b == nil || a.Sign() == 0 || b.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	product.Add(product, new(big.Int).Sub(Ray, one))
	return product.Quo(product, Ray)
}

// RayDiv returns floor(a*Ray / b).
func RayDiv(a, b *big.Int) *big.Int {
	if a == nil || b == nil || b.Sign() == 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(a, Ray)
	return scaled.Quo(scaled, b)
}

// RayDivUp returns ceil(a*Ray / b).
func RayDivUp(a, b *big.Int) *big.Int {
	if a == nil || b == nil || b.Sign() == 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(a, Ray)
	scaled.Add(scaled, new(big.Int).Sub(b, one))
	return scaled.Quo(scaled, b)
}

// PercentMul returns floor(amount * bps / 10000).
func PercentMul(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() == 0 || bps == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return product.Quo(product, PercentageFactor)
}

// LinearInterest computes the cumulated interest factor Ray + rate*elapsed/year
// for the supply side.
func LinearInterest(rate *big.Int, elapsed uint64) *big.Int {
	if rate == nil || rate.Sign() == 0 || elapsed == 0 {
		return new(big.Int).Set(Ray)
	}
	factor := new(big.Int).Mul(rate, new(big.Int).SetUint64(elapsed))
	factor.Quo(factor, yearS)
	return factor.Add(factor, Ray)
}

// CompoundedInterest approximates (1 + rate/year)^elapsed with the exact
// binomial expansion through the cubic term, entirely in Ray fixed point:
//
//	1 + n*x + n*(n-1)*x^2/2 + n*(n-1)*(n-2)*x^3/6, x = rate/year
//
// The truncation error is negligible at the horizons accrual runs over and
// always underestimates, which keeps the bias on the safe side of solvency.
func CompoundedInterest(rate *big.Int, elapsed uint64) *big.Int {
	if rate == nil || rate.Sign() == 0 || elapsed == 0 {
		return new(big.Int).Set(Ray)
	}

	exp := new(big.Int).SetUint64(elapsed)
	expMinusOne := new(big.Int).Sub(exp, one)
	if expMinusOne.Sign() < 0 {
		expMinusOne.Set(zero)
	}
	expMinusTwo := new(big.Int).Sub(exp, two)
	if expMinusTwo.Sign() < 0 {
		expMinusTwo.Set(zero)
	}

	basePowerTwo := RayMul(rate, rate)
	basePowerTwo.Quo(basePowerTwo, new(big.Int).Mul(yearS, yearS))
	basePowerThree := RayMul(basePowerTwo, rate)
	basePowerThree.Quo(basePowerThree, yearS)

	firstTerm := new(big.Int).Mul(rate, exp)
	firstTerm.Quo(firstTerm, yearS)

	secondTerm := new(big.Int).Mul(exp, expMinusOne)
	secondTerm.Mul(secondTerm, basePowerTwo)
	secondTerm.Quo(secondTerm, two)

	thirdTerm := new(big.Int).Mul(exp, expMinusOne)
	thirdTerm.Mul(thirdTerm, expMinusTwo)
	thirdTerm.Mul(thirdTerm, basePowerThree)
	thirdTerm.Quo(thirdTerm, six)

	result := new(big.Int).Add(Ray, firstTerm)
	result.Add(result, secondTerm)
	return result.Add(result, thirdTerm)
}

// SharesFromSupply converts an underlying supply amount into supply shares,
// rounding down in the protocol's favour.
func SharesFromSupply(amount, liquidityIndex *big.Int) *big.Int {
	return RayDiv(amount, liquidityIndex)
}

// SupplyFromShares converts supply shares back into underlying, rounding down.
func SupplyFromShares(shares, liquidityIndex *big.Int) *big.Int {
	return RayMul(shares, liquidityIndex)
}

// SharesFromDebt converts a borrowed amount into debt shares, rounding up so
// the borrower can never owe less than the drawn amount.
func SharesFromDebt(amount, borrowIndex *big.Int) *big.Int {
	return RayDivUp(amount, borrowIndex)
}

// DebtFromShares converts debt shares into the owed underlying, rounding up.
func DebtFromShares(shares, borrowIndex *big.Int) *big.Int {
	return RayMulUp(shares, borrowIndex)
}
