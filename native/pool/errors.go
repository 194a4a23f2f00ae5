package pool

import "errors"

var (
	ErrPaused                   = errors.New("pool: pool is paused")
	ErrUnknownReserve           = errors.New("pool: unknown reserve")
	ErrReserveIndexOutOfRange   = errors.New("pool: reserve index out of range")
	ErrReserveAlreadyListed     = errors.New("pool: asset already listed")
	ErrReserveNotEmpty          = errors.New("pool: reserve has outstanding supply or debt")
	ErrInsufficientHealthFactor = errors.New("pool: action would leave health factor below one")
	ErrNotLiquidatable          = errors.New("pool: borrower health factor above liquidation threshold")
	ErrNoDebt                   = errors.New("pool: account has no outstanding debt")
	ErrNothingSupplied          = errors.New("pool: account has no supply in reserve")
	ErrInsufficientBalance      = errors.New("pool: amount exceeds account balance")
	ErrInvalidOraclePrice       = errors.New("pool: reserve has no usable oracle price")
	ErrInvalidAmount            = errors.New("pool: amount must be positive")
)
