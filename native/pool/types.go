package pool

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// MaxAmount is the sentinel meaning "all of it" on Withdraw and Repay.
var MaxAmount = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// TokenBridge is the external token layer: the pool emits mint, burn and
// transfer instructions for the receipt tokens and the pooled underlying,
// and treats any error as a bounced message to be parked in the recovery
// log. Amount units are shares for receipt tokens and underlying base units
// for transfers.
type TokenBridge interface {
	MintYieldToken(token, to common.Address, shares *big.Int) error
	BurnYieldToken(token, from common.Address, shares *big.Int) error
	TransferYieldToken(token, from, to common.Address, shares *big.Int) error
	MintDebtToken(token, to common.Address, shares *big.Int) error
	BurnDebtToken(token, from common.Address, shares *big.Int) error
	TransferUnderlying(asset, to common.Address, amount *big.Int) error
}

// Token effect opcodes recorded in the recovery log.
const (
	effectMintYield uint8 = iota + 1
	effectBurnYield
	effectTransferYield
	effectMintDebt
	effectBurnDebt
	effectTransferUnderlying
)

// tokenEffect is the replayable payload of one outbound token instruction.
type tokenEffect struct {
	Op     uint8
	Token  common.Address
	From   common.Address
	To     common.Address
	Amount *big.Int
}

const tokenEffectKind = "token_effect"

// Receipt reports what a completed action did, including any outbound
// effects that bounced and now await an explicit Rerun.
type Receipt struct {
	// Shares minted or burned by the action, in the reserve's share units.
	Shares *big.Int
	// Amount is the underlying moved, after MAX-sentinel resolution and
	// clamping.
	Amount *big.Int
	// PendingQueries lists recovery-log ids for bounced token effects.
	PendingQueries []uint64
}

// LiquidationReceipt extends Receipt with the collateral side of a
// liquidation.
type LiquidationReceipt struct {
	// DebtRepaid is the underlying debt actually covered.
	DebtRepaid *big.Int
	// CollateralSeized is the underlying collateral taken, bonus included.
	CollateralSeized *big.Int
	// ProtocolFeeShares is the slice of seized collateral shares routed to
	// the treasury accrual.
	ProtocolFeeShares *big.Int
	PendingQueries    []uint64
}
