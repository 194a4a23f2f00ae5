package reserve

import (
	"math/big"
	"testing"
)

// rayFrac builds an exact Ray-scaled rational for test fixtures.
func rayFrac(num, den int64) *big.Int {
	v := new(big.Int).Mul(Ray, big.NewInt(num))
	return v.Quo(v, big.NewInt(den))
}

func TestLinearInterestOneYear(t *testing.T) {
	rate := rayFrac(5, 100)
	got := LinearInterest(rate, SecondsPerYear)
	want := rayFrac(105, 100)
	if got.Cmp(want) != 0 {
		t.Fatalf("linear interest = %s, want %s", got, want)
	}
}

func TestCompoundedInterestCubicExpansion(t *testing.T) {
	// (1 + 0.1/n)^n over one year: 1 + 0.1 + 0.1^2/2 + 0.1^3/6 less the
	// (n-1)/n corrections, so just above 1.1051.
	rate := rayFrac(1, 10)
	got := CompoundedInterest(rate, SecondsPerYear)
	lo := rayFrac(110500, 100000)
	hi := rayFrac(110520, 100000)
	if got.Cmp(lo) < 0 || got.Cmp(hi) > 0 {
		t.Fatalf("compounded interest = %s, want within [%s, %s]", got, lo, hi)
	}
	if got.Cmp(LinearInterest(rate, SecondsPerYear)) <= 0 {
		t.Fatalf("compounded interest must exceed linear interest")
	}
}

func TestCompoundedInterestZeroElapsed(t *testing.T) {
	if got := CompoundedInterest(rayFrac(1, 10), 0); got.Cmp(Ray) != 0 {
		t.Fatalf("zero elapsed must return Ray, got %s", got)
	}
	if got := CompoundedInterest(nil, SecondsPerYear); got.Cmp(Ray) != 0 {
		t.Fatalf("nil rate must return Ray, got %s", got)
	}
}

func TestShareRoundingFavoursProtocol(t *testing.T) {
	index := rayFrac(3, 2)
	amount := big.NewInt(10)

	supplyShares := SharesFromSupply(amount, index)
	if supplyShares.Cmp(big.NewInt(6)) != 0 {
		t.Fatalf("supply shares = %s, want 6 (rounded down)", supplyShares)
	}
	debtShares := SharesFromDebt(amount, index)
	if debtShares.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("debt shares = %s, want 7 (rounded up)", debtShares)
	}

	owed := DebtFromShares(debtShares, index)
	if owed.Cmp(big.NewInt(11)) != 0 {
		t.Fatalf("owed = %s, want 11 (rounded up)", owed)
	}
	redeemable := SupplyFromShares(supplyShares, index)
	if redeemable.Cmp(big.NewInt(9)) != 0 {
		t.Fatalf("redeemable = %s, want 9 (rounded down)", redeemable)
	}
}

func TestRayDivUpNeverBelowRayDiv(t *testing.T) {
	cases := []struct{ a, b int64 }{
		{1, 3}, {10, 7}, {1000, 999}, {5, 5},
	}
	for _, tc := range cases {
		a := big.NewInt(tc.a)
		b := big.NewInt(tc.b)
		down := RayDiv(a, b)
		up := RayDivUp(a, b)
		if up.Cmp(down) < 0 {
			t.Fatalf("RayDivUp(%d,%d)=%s < RayDiv=%s", tc.a, tc.b, up, down)
		}
		diff := new(big.Int).Sub(up, down)
		if diff.Cmp(big.NewInt(1)) > 0 {
			t.Fatalf("RayDivUp and RayDiv differ by more than one ulp: %s", diff)
		}
	}
}
