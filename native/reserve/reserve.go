package reserve

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInactive              = errors.New("reserve: reserve not active")
	ErrFrozen                = errors.New("reserve: reserve frozen")
	ErrBorrowingDisabled     = errors.New("reserve: borrowing disabled")
	ErrSupplyCapExceeded     = errors.New("reserve: supply cap exceeded")
	ErrBorrowCapExceeded     = errors.New("reserve: borrow cap exceeded")
	ErrInsufficientLiquidity = errors.New("reserve: insufficient liquidity")
	ErrInvalidAmount         = errors.New("reserve: amount must be positive")
	ErrInvalidConfiguration  = errors.New("reserve: invalid configuration")
)

// maxLiquidationThresholdBps caps the threshold at 96% so a liquidation
// bonus always has collateral headroom to pay out of.
const maxLiquidationThresholdBps = 9_600

// Configuration groups the admin-controlled risk parameters of one reserve.
// Ratio fields are basis points of 10000; caps are whole tokens.
type Configuration struct {
	LTV                     uint64
	LiquidationThreshold    uint64
	LiquidationBonus        uint64
	ReserveFactor           uint64
	LiquidationProtocolFee  uint64
	SupplyCap               uint64
	BorrowCap               uint64
	Decimals                uint8
	Active                  bool
	Frozen                  bool
	BorrowingEnabled        bool
	Treasury                common.Address
}

// Validate enforces the structural invariants on collateral parameters. A
// zero threshold would disable liquidation entirely and is rejected.
func (c Configuration) Validate() error {
	if c.LiquidationThreshold == 0 ||
		c.LiquidationThreshold > maxLiquidationThresholdBps ||
		c.LiquidationThreshold < c.LTV {
		return ErrInvalidConfiguration
	}
	if c.LTV > 10_000 || c.ReserveFactor > 10_000 ||
		c.LiquidationProtocolFee > 10_000 || c.LiquidationBonus > 10_000 {
		return ErrInvalidConfiguration
	}
	return nil
}

// Reserve is the pooled market for one asset: aggregate liquidity and debt
// plus the compounding indexes that price supply and debt shares.
type Reserve struct {
	Asset      common.Address
	YieldToken common.Address
	DebtToken  common.Address
	Config     Configuration
	Strategy   RateStrategy

	TotalSupplyShares    *big.Int
	TotalBorrowShares    *big.Int
	AvailableLiquidity   *big.Int
	LiquidityIndex       *big.Int
	BorrowIndex          *big.Int
	CurrentLiquidityRate *big.Int
	CurrentBorrowRate    *big.Int
	// AccruedToTreasury is the protocol's interest share, in supply-share
	// units, realized lazily by MintToTreasury.
	AccruedToTreasury   *big.Int
	LastUpdateTimestamp uint64
	// Price is the oracle-fed price cache in the market's quote unit.
	Price *big.Int
}

// New initialises a reserve with unit indexes and empty books.
func New(asset, yieldToken, debtToken common.Address, cfg Configuration, strategy RateStrategy) (*Reserve, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Reserve{
		Asset:                asset,
		YieldToken:           yieldToken,
		DebtToken:            debtToken,
		Config:               cfg,
		Strategy:             strategy.Clone(),
		TotalSupplyShares:    big.NewInt(0),
		TotalBorrowShares:    big.NewInt(0),
		AvailableLiquidity:   big.NewInt(0),
		LiquidityIndex:       new(big.Int).Set(Ray),
		BorrowIndex:          new(big.Int).Set(Ray),
		CurrentLiquidityRate: big.NewInt(0),
		CurrentBorrowRate:    big.NewInt(0),
		AccruedToTreasury:    big.NewInt(0),
		Price:                big.NewInt(0),
	}, nil
}

func (r *Reserve) ensureDefaults() {
	if r.TotalSupplyShares == nil {
		r.TotalSupplyShares = big.NewInt(0)
	}
	if r.TotalBorrowShares == nil {
		r.TotalBorrowShares = big.NewInt(0)
	}
	if r.AvailableLiquidity == nil {
		r.AvailableLiquidity = big.NewInt(0)
	}
	if r.LiquidityIndex == nil || r.LiquidityIndex.Sign() == 0 {
		r.LiquidityIndex = new(big.Int).Set(Ray)
	}
	if r.BorrowIndex == nil || r.BorrowIndex.Sign() == 0 {
		r.BorrowIndex = new(big.Int).Set(Ray)
	}
	if r.CurrentLiquidityRate == nil {
		r.CurrentLiquidityRate = big.NewInt(0)
	}
	if r.CurrentBorrowRate == nil {
		r.CurrentBorrowRate = big.NewInt(0)
	}
	if r.AccruedToTreasury == nil {
		r.AccruedToTreasury = big.NewInt(0)
	}
	if r.Price == nil {
		r.Price = big.NewInt(0)
	}
}

// TotalDebt reports the owed underlying across all borrowers at the current
// borrow index.
func (r *Reserve) TotalDebt() *big.Int {
	r.ensureDefaults()
	return DebtFromShares(r.TotalBorrowShares, r.BorrowIndex)
}

// TotalSupply reports the underlying claimable by suppliers, excluding the
// treasury's unrealized share.
func (r *Reserve) TotalSupply() *big.Int {
	r.ensureDefaults()
	return SupplyFromShares(r.TotalSupplyShares, r.LiquidityIndex)
}

// unit returns 10^decimals, the conversion between whole-token caps and base
// units.
func (r *Reserve) unit() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(r.Config.Decimals)), nil)
}

// Clone returns a deep copy used for read queries.
func (r *Reserve) Clone() *Reserve {
	if r == nil {
		return nil
	}
	r.ensureDefaults()
	clone := *r
	clone.Strategy = r.Strategy.Clone()
	clone.TotalSupplyShares = new(big.Int).Set(r.TotalSupplyShares)
	clone.TotalBorrowShares = new(big.Int).Set(r.TotalBorrowShares)
	clone.AvailableLiquidity = new(big.Int).Set(r.AvailableLiquidity)
	clone.LiquidityIndex = new(big.Int).Set(r.LiquidityIndex)
	clone.BorrowIndex = new(big.Int).Set(r.BorrowIndex)
	clone.CurrentLiquidityRate = new(big.Int).Set(r.CurrentLiquidityRate)
	clone.CurrentBorrowRate = new(big.Int).Set(r.CurrentBorrowRate)
	clone.AccruedToTreasury = new(big.Int).Set(r.AccruedToTreasury)
	clone.Price = new(big.Int).Set(r.Price)
	return &clone
}
