package reserve

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// MarketConfig is the on-disk listing of reserves the pool boots with.
type MarketConfig struct {
	Reserves []ReserveConfig `toml:"reserve"`
}

// ReserveConfig is one [[reserve]] block. Rate fields are decimals (a 2%
// base rate is 0.02); ratio fields are basis points.
type ReserveConfig struct {
	Asset                   string  `toml:"Asset"`
	YieldToken              string  `toml:"YieldToken"`
	DebtToken               string  `toml:"DebtToken"`
	Treasury                string  `toml:"Treasury"`
	Decimals                uint8   `toml:"Decimals"`
	LTVBps                  uint64  `toml:"LTVBps"`
	LiquidationThresholdBps uint64  `toml:"LiquidationThresholdBps"`
	LiquidationBonusBps     uint64  `toml:"LiquidationBonusBps"`
	ReserveFactorBps        uint64  `toml:"ReserveFactorBps"`
	LiquidationProtocolFee  uint64  `toml:"LiquidationProtocolFeeBps"`
	SupplyCap               uint64  `toml:"SupplyCap"`
	BorrowCap               uint64  `toml:"BorrowCap"`
	BorrowingEnabled        bool    `toml:"BorrowingEnabled"`
	OptimalUsageRatio       float64 `toml:"OptimalUsageRatio"`
	BaseBorrowRate          float64 `toml:"BaseBorrowRate"`
	Slope1                  float64 `toml:"Slope1"`
	Slope2                  float64 `toml:"Slope2"`
}

// LoadMarketConfig reads and validates the TOML reserve listing.
func LoadMarketConfig(path string) (MarketConfig, error) {
	var cfg MarketConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read market config: %w", err)
	}
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("decode market config: %w", err)
	}
	for i := range cfg.Reserves {
		if _, _, err := cfg.Reserves[i].Build(); err != nil {
			return cfg, fmt.Errorf("reserve %d (%s): %w", i, cfg.Reserves[i].Asset, err)
		}
	}
	return cfg, nil
}

// Build converts the file entry into protocol types.
func (rc ReserveConfig) Build() (Configuration, RateStrategy, error) {
	cfg := Configuration{
		LTV:                    rc.LTVBps,
		LiquidationThreshold:   rc.LiquidationThresholdBps,
		LiquidationBonus:       rc.LiquidationBonusBps,
		ReserveFactor:          rc.ReserveFactorBps,
		LiquidationProtocolFee: rc.LiquidationProtocolFee,
		SupplyCap:              rc.SupplyCap,
		BorrowCap:              rc.BorrowCap,
		Decimals:               rc.Decimals,
		Active:                 true,
		BorrowingEnabled:       rc.BorrowingEnabled,
	}
	if addr := strings.TrimSpace(rc.Treasury); addr != "" {
		if !common.IsHexAddress(addr) {
			return Configuration{}, RateStrategy{}, fmt.Errorf("%w: bad treasury address", ErrInvalidConfiguration)
		}
		cfg.Treasury = common.HexToAddress(addr)
	}
	if err := cfg.Validate(); err != nil {
		return Configuration{}, RateStrategy{}, err
	}
	strategy := RateStrategy{
		OptimalUsageRatio: rayFromFloat(rc.OptimalUsageRatio),
		BaseBorrowRate:    rayFromFloat(rc.BaseBorrowRate),
		Slope1:            rayFromFloat(rc.Slope1),
		Slope2:            rayFromFloat(rc.Slope2),
	}
	return cfg, strategy, nil
}

// AssetAddress parses the configured asset address.
func (rc ReserveConfig) AssetAddress() (common.Address, error) {
	addr := strings.TrimSpace(rc.Asset)
	if !common.IsHexAddress(addr) {
		return common.Address{}, fmt.Errorf("%w: bad asset address %q", ErrInvalidConfiguration, rc.Asset)
	}
	return common.HexToAddress(addr), nil
}

// TokenAddresses parses the receipt-token addresses. Empty entries fall back
// to the zero address; the bridge treats those as unrouted.
func (rc ReserveConfig) TokenAddresses() (yield, debt common.Address, err error) {
	if addr := strings.TrimSpace(rc.YieldToken); addr != "" {
		if !common.IsHexAddress(addr) {
			return common.Address{}, common.Address{}, fmt.Errorf("%w: bad yield token address %q", ErrInvalidConfiguration, rc.YieldToken)
		}
		yield = common.HexToAddress(addr)
	}
	if addr := strings.TrimSpace(rc.DebtToken); addr != "" {
		if !common.IsHexAddress(addr) {
			return common.Address{}, common.Address{}, fmt.Errorf("%w: bad debt token address %q", ErrInvalidConfiguration, rc.DebtToken)
		}
		debt = common.HexToAddress(addr)
	}
	return yield, debt, nil
}

func rayFromFloat(v float64) *big.Int {
	if v <= 0 {
		return big.NewInt(0)
	}
	r := new(big.Rat).SetFloat64(v)
	if r == nil {
		return big.NewInt(0)
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(Ray))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom())
}
