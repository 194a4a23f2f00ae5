package reserve

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func testConfig() Configuration {
	return Configuration{
		LTV:                  6_000,
		LiquidationThreshold: 7_500,
		LiquidationBonus:     500,
		ReserveFactor:        1_000,
		Decimals:             18,
		Active:               true,
		BorrowingEnabled:     true,
		Treasury:             common.HexToAddress("0x00000000000000000000000000000000000000fe"),
	}
}

func testStrategy() RateStrategy {
	return RateStrategy{
		OptimalUsageRatio: rayFrac(8, 10),
		BaseBorrowRate:    big.NewInt(0),
		Slope1:            rayFrac(4, 100),
		Slope2:            rayFrac(6, 10),
	}
}

func testReserve(t *testing.T) *Reserve {
	t.Helper()
	r, err := New(
		common.HexToAddress("0x0000000000000000000000000000000000000001"),
		common.HexToAddress("0x0000000000000000000000000000000000000002"),
		common.HexToAddress("0x0000000000000000000000000000000000000003"),
		testConfig(), testStrategy(),
	)
	if err != nil {
		t.Fatalf("new reserve: %v", err)
	}
	r.Accrue(1_000) // anchor the clock
	return r
}

func units(n int64) *big.Int {
	u := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return u.Mul(u, big.NewInt(n))
}

// conservationGap returns |supply-side value - borrow-side value|.
func conservationGap(r *Reserve) *big.Int {
	supplySide := SupplyFromShares(r.TotalSupplyShares, r.LiquidityIndex)
	supplySide.Add(supplySide, SupplyFromShares(r.AccruedToTreasury, r.LiquidityIndex))
	borrowSide := DebtFromShares(r.TotalBorrowShares, r.BorrowIndex)
	borrowSide.Add(borrowSide, r.AvailableLiquidity)
	return new(big.Int).Abs(supplySide.Sub(supplySide, borrowSide))
}

func TestSupplyBorrowRatesAndUtilization(t *testing.T) {
	r := testReserve(t)
	if _, err := r.ApplySupply(units(1_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	r.UpdateRates()
	if r.CurrentBorrowRate.Sign() != 0 {
		t.Fatalf("borrow rate with zero debt = %s, want 0", r.CurrentBorrowRate)
	}

	if _, err := r.ApplyBorrow(units(500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	r.UpdateRates()

	// u = 0.5, borrow = slope1 * 0.5/0.8 = 0.025, liquidity = 0.025*0.5*0.9
	wantBorrow := rayFrac(25, 1000)
	if r.CurrentBorrowRate.Cmp(wantBorrow) != 0 {
		t.Fatalf("borrow rate = %s, want %s", r.CurrentBorrowRate, wantBorrow)
	}
	wantLiquidity := rayFrac(1125, 100_000)
	if r.CurrentLiquidityRate.Cmp(wantLiquidity) != 0 {
		t.Fatalf("liquidity rate = %s, want %s", r.CurrentLiquidityRate, wantLiquidity)
	}
}

func TestAccrualBooksTreasuryAndConserves(t *testing.T) {
	r := testReserve(t)
	if _, err := r.ApplySupply(units(1_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if _, err := r.ApplyBorrow(units(500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	r.UpdateRates()

	r.Accrue(1_000 + 3_600)

	if r.AccruedToTreasury.Sign() <= 0 {
		t.Fatalf("treasury accrual missing")
	}
	if r.BorrowIndex.Cmp(Ray) <= 0 || r.LiquidityIndex.Cmp(Ray) <= 0 {
		t.Fatalf("indexes did not advance: liq=%s bor=%s", r.LiquidityIndex, r.BorrowIndex)
	}

	// Conservation holds within rounding plus the linear-vs-compound drift,
	// which over an hour at these rates is far below 1e12 wei.
	if gap := conservationGap(r); gap.Cmp(big.NewInt(1_000_000_000_000)) > 0 {
		t.Fatalf("conservation gap %s exceeds tolerance", gap)
	}
}

func TestIndexMonotonicity(t *testing.T) {
	r := testReserve(t)
	if _, err := r.ApplySupply(units(100)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if _, err := r.ApplyBorrow(units(80)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	r.UpdateRates()

	prevLiq := new(big.Int).Set(r.LiquidityIndex)
	prevBor := new(big.Int).Set(r.BorrowIndex)
	now := uint64(1_000)
	for i := 0; i < 10; i++ {
		now += 7_200
		r.Accrue(now)
		if r.LiquidityIndex.Cmp(prevLiq) < 0 || r.BorrowIndex.Cmp(prevBor) < 0 {
			t.Fatalf("index decreased at step %d", i)
		}
		prevLiq.Set(r.LiquidityIndex)
		prevBor.Set(r.BorrowIndex)
	}
}

func TestSupplyCapEnforced(t *testing.T) {
	r := testReserve(t)
	r.Config.SupplyCap = 1_000
	if _, err := r.ApplySupply(units(900)); err != nil {
		t.Fatalf("supply below cap: %v", err)
	}
	if _, err := r.ApplySupply(units(200)); !errors.Is(err, ErrSupplyCapExceeded) {
		t.Fatalf("supply above cap: got %v, want ErrSupplyCapExceeded", err)
	}
}

func TestBorrowCapEnforced(t *testing.T) {
	r := testReserve(t)
	r.Config.BorrowCap = 500
	if _, err := r.ApplySupply(units(1_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if _, err := r.ApplyBorrow(units(400)); err != nil {
		t.Fatalf("borrow below cap: %v", err)
	}
	if _, err := r.ApplyBorrow(units(200)); !errors.Is(err, ErrBorrowCapExceeded) {
		t.Fatalf("borrow above cap: got %v, want ErrBorrowCapExceeded", err)
	}
}

func TestStatusFlagsGateActions(t *testing.T) {
	r := testReserve(t)
	if _, err := r.ApplySupply(units(10)); err != nil {
		t.Fatalf("supply: %v", err)
	}

	r.Config.Frozen = true
	if _, err := r.ApplySupply(units(1)); !errors.Is(err, ErrFrozen) {
		t.Fatalf("frozen supply: got %v", err)
	}
	if _, err := r.ApplyBorrow(units(1)); !errors.Is(err, ErrFrozen) {
		t.Fatalf("frozen borrow: got %v", err)
	}
	// Frozen reserves stay open for exits.
	if _, err := r.ApplyWithdraw(units(1)); err != nil {
		t.Fatalf("frozen withdraw: %v", err)
	}

	r.Config.Frozen = false
	r.Config.BorrowingEnabled = false
	if _, err := r.ApplyBorrow(units(1)); !errors.Is(err, ErrBorrowingDisabled) {
		t.Fatalf("borrowing disabled: got %v", err)
	}

	r.Config.Active = false
	if _, err := r.ApplySupply(units(1)); !errors.Is(err, ErrInactive) {
		t.Fatalf("inactive supply: got %v", err)
	}
	if _, err := r.ApplyWithdraw(units(1)); !errors.Is(err, ErrInactive) {
		t.Fatalf("inactive withdraw: got %v", err)
	}
}

func TestWithdrawLiquidityGate(t *testing.T) {
	r := testReserve(t)
	if _, err := r.ApplySupply(units(100)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if _, err := r.ApplyBorrow(units(60)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := r.ApplyWithdraw(units(50)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("withdraw beyond liquidity: got %v", err)
	}
	if _, err := r.ApplyWithdraw(units(40)); err != nil {
		t.Fatalf("withdraw within liquidity: %v", err)
	}
}

func TestDrainTreasuryMintsShares(t *testing.T) {
	r := testReserve(t)
	if _, err := r.ApplySupply(units(1_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if _, err := r.ApplyBorrow(units(800)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	r.UpdateRates()
	r.Accrue(1_000 + 86_400)

	accrued := new(big.Int).Set(r.AccruedToTreasury)
	if accrued.Sign() <= 0 {
		t.Fatalf("expected treasury accrual")
	}
	before := new(big.Int).Set(r.TotalSupplyShares)
	minted := r.DrainTreasury()
	if minted.Cmp(accrued) != 0 {
		t.Fatalf("minted %s, want %s", minted, accrued)
	}
	if r.AccruedToTreasury.Sign() != 0 {
		t.Fatalf("treasury counter not zeroed")
	}
	want := before.Add(before, accrued)
	if r.TotalSupplyShares.Cmp(want) != 0 {
		t.Fatalf("total supply shares = %s, want %s", r.TotalSupplyShares, want)
	}
}

func TestConfigurationValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Configuration)
		ok     bool
	}{
		{"valid", func(*Configuration) {}, true},
		{"threshold below ltv", func(c *Configuration) { c.LiquidationThreshold = c.LTV - 1 }, false},
		{"threshold zero", func(c *Configuration) { c.LiquidationThreshold = 0 }, false},
		{"threshold above max", func(c *Configuration) { c.LiquidationThreshold = 9_700 }, false},
		{"reserve factor above 100%", func(c *Configuration) { c.ReserveFactor = 10_001 }, false},
	}
	for _, tc := range cases {
		cfg := testConfig()
		tc.mutate(&cfg)
		err := cfg.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}
