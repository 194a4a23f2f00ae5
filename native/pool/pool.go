package pool

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"lendmarket/native/access"
	nativecommon "lendmarket/native/common"
	"lendmarket/native/oracle"
	"lendmarket/native/position"
	"lendmarket/native/recovery"
	"lendmarket/native/reserve"
)

const pauseModule = "lending"

// Pool routes every market action through one mutation path: pause guard,
// per-user lock, accrual on a working copy of the reserve, ledger mutation,
// health gate, then a single swap of the reserve pointer and position commit.
// Other users never observe a half-applied action.
type Pool struct {
	mu             sync.RWMutex
	reserves       []*reserve.Reserve
	reserveByAsset map[common.Address]uint64
	nativeAsset    common.Address

	positions *position.Store
	roles     *access.Registry
	retries   *recovery.Log
	snapshots *reserve.SnapshotStore
	pauses    *nativecommon.PauseSwitch
	feed      *oracle.Feed
	bridge    TokenBridge
	log       *slog.Logger
	now       func() uint64
}

func New(positions *position.Store, roles *access.Registry, retries *recovery.Log, snapshots *reserve.SnapshotStore, bridge TokenBridge, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		reserveByAsset: make(map[common.Address]uint64),
		positions:      positions,
		roles:          roles,
		retries:        retries,
		snapshots:      snapshots,
		pauses:         nativecommon.NewPauseSwitch(),
		bridge:         bridge,
		log:            log,
		now:            func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// LoadReserves restores the persisted reserve set. Runs once at boot, before
// any listing from configuration.
func (p *Pool) LoadReserves() error {
	if p.snapshots == nil {
		return nil
	}
	reserves, err := p.snapshots.Load()
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reserves = reserves
	p.reserveByAsset = make(map[common.Address]uint64, len(reserves))
	for idx, r := range reserves {
		if r != nil {
			p.reserveByAsset[r.Asset] = uint64(idx)
		}
	}
	return nil
}

// commitReserveLocked makes the working copy durable and only then swaps it
// into the live set.
func (p *Pool) commitReserveLocked(idx uint64, work *reserve.Reserve) error {
	if err := p.snapshots.Save(idx, work); err != nil {
		return fmt.Errorf("pool: persist reserve %d: %w", idx, err)
	}
	p.reserves[idx] = work
	return nil
}

// SetPriceFeed wires the oracle after construction; the feed's sink and the
// pool reference each other, so one of the two hooks up late.
func (p *Pool) SetPriceFeed(feed *oracle.Feed) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.feed = feed
}

// SetNativeAsset designates the reserve that SupplyNative credits.
func (p *Pool) SetNativeAsset(asset common.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nativeAsset = asset
}

// SetClock overrides the timestamp source. Tests drive accrual with it.
func (p *Pool) SetClock(now func() uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now != nil {
		p.now = now
	}
}

func (p *Pool) clock() uint64 {
	return p.now()
}

// SetAssetPrice implements oracle.Sink: accepted feed prices land in the
// reserve's price cache.
func (p *Pool) SetAssetPrice(asset common.Address, price *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.reserveByAsset[asset]
	if !ok || price == nil {
		return
	}
	p.reserves[idx].Price = new(big.Int).Set(price)
}

func (p *Pool) indexOfLocked(asset common.Address) (uint64, error) {
	idx, ok := p.reserveByAsset[asset]
	if !ok {
		return 0, ErrUnknownReserve
	}
	return idx, nil
}

func (p *Pool) reserveAtLocked(idx uint64) (*reserve.Reserve, error) {
	if idx >= uint64(len(p.reserves)) || p.reserves[idx] == nil {
		return nil, ErrReserveIndexOutOfRange
	}
	return p.reserves[idx], nil
}

// effectivePrice reads the fail-closed oracle price for the reserve: zero
// when the quote is stale or unset.
func (p *Pool) effectivePrice(r *reserve.Reserve, now uint64) *big.Int {
	if p.feed != nil {
		return p.feed.Price(r.Asset, now)
	}
	return new(big.Int).Set(r.Price)
}

// accountHealthLocked prices the account against the live reserve set, with
// in-flight working copies substituted via overrides. Every referenced
// reserve is accrued to now so debt is valued at current indexes.
func (p *Pool) accountHealthLocked(account *position.Account, overrides map[uint64]*reserve.Reserve, now uint64) (HealthReport, error) {
	view := make([]*reserve.Reserve, len(p.reserves))
	copy(view, p.reserves)
	for idx, work := range overrides {
		if idx >= uint64(len(view)) {
			return HealthReport{}, ErrReserveIndexOutOfRange
		}
		view[idx] = work
	}
	for i := range account.Positions {
		idx := account.Positions[i].ReserveIndex
		if idx >= uint64(len(view)) || view[idx] == nil {
			return HealthReport{}, ErrReserveIndexOutOfRange
		}
		if _, overridden := overrides[idx]; !overridden {
			r := view[idx].Clone()
			r.Accrue(now)
			view[idx] = r
		}
		view[idx].Price = p.effectivePrice(view[idx], now)
	}
	return computeHealth(account, view)
}

// Supply deposits amount of asset for caller and mints yield-token shares.
// Fresh supply counts as collateral by default.
func (p *Pool) Supply(caller common.Address, asset common.Address, amount *big.Int) (*Receipt, error) {
	if err := nativecommon.Guard(p.pauses, pauseModule); err != nil {
		return nil, ErrPaused
	}
	if amount == nil || amount.Sign() <= 0 || amount.Cmp(MaxAmount) == 0 {
		return nil, ErrInvalidAmount
	}
	if err := p.positions.Acquire(caller); err != nil {
		return nil, err
	}
	defer p.positions.Release(caller)

	p.mu.Lock()
	defer p.mu.Unlock()
	idx, err := p.indexOfLocked(asset)
	if err != nil {
		return nil, err
	}
	now := p.clock()
	work := p.reserves[idx].Clone()
	work.Accrue(now)

	shares, err := work.ApplySupply(amount)
	if err != nil {
		return nil, err
	}
	account, err := p.positions.Fetch(caller)
	if err != nil {
		return nil, err
	}
	pos := account.EnsurePosition(idx)
	pos.SupplyShares.Add(pos.SupplyShares, shares)

	work.UpdateRates()
	if err := p.positions.Commit(account); err != nil {
		return nil, err
	}
	if err := p.commitReserveLocked(idx, work); err != nil {
		return nil, err
	}

	pending := p.emitLocked([]tokenEffect{
		{Op: effectMintYield, Token: work.YieldToken, To: caller, Amount: shares},
	}, now)
	p.log.Info("lending supply",
		"user", caller.Hex(), "asset", asset.Hex(),
		"amount", amount.String(), "shares", shares.String())
	return &Receipt{Shares: shares, Amount: new(big.Int).Set(amount), PendingQueries: pending}, nil
}

// SupplyNative supplies the designated native-coin reserve.
func (p *Pool) SupplyNative(caller common.Address, amount *big.Int) (*Receipt, error) {
	p.mu.RLock()
	asset := p.nativeAsset
	p.mu.RUnlock()
	if asset == (common.Address{}) {
		return nil, ErrUnknownReserve
	}
	return p.Supply(caller, asset, amount)
}

// Withdraw redeems supply for the underlying. MaxAmount withdraws the full
// balance. Collateral withdrawals that would leave outstanding debt
// under-secured are rejected.
func (p *Pool) Withdraw(caller common.Address, asset common.Address, amount *big.Int) (*Receipt, error) {
	if err := nativecommon.Guard(p.pauses, pauseModule); err != nil {
		return nil, ErrPaused
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := p.positions.Acquire(caller); err != nil {
		return nil, err
	}
	defer p.positions.Release(caller)

	p.mu.Lock()
	defer p.mu.Unlock()
	idx, err := p.indexOfLocked(asset)
	if err != nil {
		return nil, err
	}
	now := p.clock()
	work := p.reserves[idx].Clone()
	work.Accrue(now)

	account, err := p.positions.Fetch(caller)
	if err != nil {
		return nil, err
	}
	pos, ok := account.Position(idx)
	if !ok || pos.SupplyShares.Sign() == 0 {
		return nil, ErrNothingSupplied
	}
	balance := reserve.SupplyFromShares(pos.SupplyShares, work.LiquidityIndex)
	if amount.Cmp(MaxAmount) == 0 {
		amount = balance
	} else if amount.Cmp(balance) > 0 {
		return nil, ErrInsufficientBalance
	}
	if amount.Sign() <= 0 {
		return nil, ErrNothingSupplied
	}

	shares, err := work.ApplyWithdraw(amount)
	if err != nil {
		return nil, err
	}
	if shares.Cmp(pos.SupplyShares) > 0 {
		shares = new(big.Int).Set(pos.SupplyShares)
	}
	pos.SupplyShares.Sub(pos.SupplyShares, shares)

	if pos.AsCollateral {
		report, err := p.accountHealthLocked(account, map[uint64]*reserve.Reserve{idx: work}, now)
		if err != nil {
			return nil, err
		}
		// Debt-free accounts carry the infinity sentinel and always pass;
		// unpriced debt reads as health factor zero and always blocks.
		if report.HealthFactor.Cmp(reserve.Ray) < 0 {
			return nil, ErrInsufficientHealthFactor
		}
	}

	work.UpdateRates()
	if err := p.positions.Commit(account); err != nil {
		return nil, err
	}
	if err := p.commitReserveLocked(idx, work); err != nil {
		return nil, err
	}

	pending := p.emitLocked([]tokenEffect{
		{Op: effectBurnYield, Token: work.YieldToken, From: caller, Amount: shares},
		{Op: effectTransferUnderlying, Token: work.Asset, To: caller, Amount: amount},
	}, now)
	p.log.Info("lending withdraw",
		"user", caller.Hex(), "asset", asset.Hex(),
		"amount", amount.String(), "shares", shares.String())
	return &Receipt{Shares: shares, Amount: new(big.Int).Set(amount), PendingQueries: pending}, nil
}

// Borrow draws amount of asset against the caller's collateral. The draw is
// rejected when it would exceed the account's LTV borrow power or push the
// health factor below one.
func (p *Pool) Borrow(caller common.Address, asset common.Address, amount *big.Int) (*Receipt, error) {
	if err := nativecommon.Guard(p.pauses, pauseModule); err != nil {
		return nil, ErrPaused
	}
	if amount == nil || amount.Sign() <= 0 || amount.Cmp(MaxAmount) == 0 {
		return nil, ErrInvalidAmount
	}
	if err := p.positions.Acquire(caller); err != nil {
		return nil, err
	}
	defer p.positions.Release(caller)

	p.mu.Lock()
	defer p.mu.Unlock()
	idx, err := p.indexOfLocked(asset)
	if err != nil {
		return nil, err
	}
	now := p.clock()
	work := p.reserves[idx].Clone()
	work.Accrue(now)
	if p.effectivePrice(work, now).Sign() == 0 {
		return nil, ErrInvalidOraclePrice
	}

	shares, err := work.ApplyBorrow(amount)
	if err != nil {
		return nil, err
	}
	account, err := p.positions.Fetch(caller)
	if err != nil {
		return nil, err
	}
	pos := account.EnsurePosition(idx)
	pos.BorrowShares.Add(pos.BorrowShares, shares)

	report, err := p.accountHealthLocked(account, map[uint64]*reserve.Reserve{idx: work}, now)
	if err != nil {
		return nil, err
	}
	borrowPower := new(big.Int).Mul(report.TotalCollateralValue, report.AvgLTV)
	borrowPower.Quo(borrowPower, reserve.PercentageFactor)
	if report.HealthFactor.Cmp(reserve.Ray) < 0 || report.TotalDebtValue.Cmp(borrowPower) > 0 {
		return nil, ErrInsufficientHealthFactor
	}

	work.UpdateRates()
	if err := p.positions.Commit(account); err != nil {
		return nil, err
	}
	if err := p.commitReserveLocked(idx, work); err != nil {
		return nil, err
	}

	pending := p.emitLocked([]tokenEffect{
		{Op: effectMintDebt, Token: work.DebtToken, To: caller, Amount: shares},
		{Op: effectTransferUnderlying, Token: work.Asset, To: caller, Amount: amount},
	}, now)
	p.log.Info("lending borrow",
		"user", caller.Hex(), "asset", asset.Hex(),
		"amount", amount.String(), "shares", shares.String())
	return &Receipt{Shares: shares, Amount: new(big.Int).Set(amount), PendingQueries: pending}, nil
}

// Repay retires the caller's debt in asset. MaxAmount repays the full debt;
// any other amount is clamped to what is actually owed.
func (p *Pool) Repay(caller common.Address, asset common.Address, amount *big.Int) (*Receipt, error) {
	if err := nativecommon.Guard(p.pauses, pauseModule); err != nil {
		return nil, ErrPaused
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := p.positions.Acquire(caller); err != nil {
		return nil, err
	}
	defer p.positions.Release(caller)

	p.mu.Lock()
	defer p.mu.Unlock()
	idx, err := p.indexOfLocked(asset)
	if err != nil {
		return nil, err
	}
	now := p.clock()
	work := p.reserves[idx].Clone()
	work.Accrue(now)

	account, err := p.positions.Fetch(caller)
	if err != nil {
		return nil, err
	}
	pos, ok := account.Position(idx)
	if !ok || pos.BorrowShares.Sign() == 0 {
		return nil, ErrNoDebt
	}
	owed := reserve.DebtFromShares(pos.BorrowShares, work.BorrowIndex)
	if amount.Cmp(MaxAmount) == 0 || amount.Cmp(owed) > 0 {
		amount = owed
	}

	shares, err := work.ApplyRepay(amount)
	if err != nil {
		return nil, err
	}
	if shares.Cmp(pos.BorrowShares) > 0 {
		shares = new(big.Int).Set(pos.BorrowShares)
	}
	pos.BorrowShares.Sub(pos.BorrowShares, shares)
	if amount.Cmp(owed) == 0 {
		// Full repayment clears the leg even when share rounding left dust.
		pos.BorrowShares.SetInt64(0)
	}

	work.UpdateRates()
	if err := p.positions.Commit(account); err != nil {
		return nil, err
	}
	if err := p.commitReserveLocked(idx, work); err != nil {
		return nil, err
	}

	pending := p.emitLocked([]tokenEffect{
		{Op: effectBurnDebt, Token: work.DebtToken, From: caller, Amount: shares},
	}, now)
	p.log.Info("lending repay",
		"user", caller.Hex(), "asset", asset.Hex(),
		"amount", amount.String(), "shares", shares.String())
	return &Receipt{Shares: shares, Amount: new(big.Int).Set(amount), PendingQueries: pending}, nil
}

// Rerun replays one recorded token effect exactly once. A replay that
// bounces again is re-parked under a fresh query id, which is returned.
func (p *Pool) Rerun(queryID uint64) (uint64, error) {
	entry, err := p.retries.Take(queryID)
	if err != nil {
		return 0, err
	}
	if entry.Kind != tokenEffectKind {
		return 0, fmt.Errorf("pool: unsupported retry kind %q", entry.Kind)
	}
	var eff tokenEffect
	if err := rlp.DecodeBytes(entry.Payload, &eff); err != nil {
		return 0, fmt.Errorf("pool: decode retry payload: %w", err)
	}
	if err := p.dispatch(eff); err != nil {
		id, recErr := p.retries.Record(tokenEffectKind, entry.Payload, p.clock())
		if recErr != nil {
			return 0, recErr
		}
		p.log.Warn("lending retry bounced again",
			"query_id", queryID, "requeued_as", id, "error", err)
		return id, nil
	}
	return 0, nil
}

// PendingRetries lists the recovery-log entries awaiting a Rerun.
func (p *Pool) PendingRetries() []recovery.PendingRetry {
	return p.retries.Pending()
}

// emitLocked pushes outbound token instructions through the bridge. A
// bounced instruction is parked in the recovery log; the triggering action
// itself stays committed.
func (p *Pool) emitLocked(effects []tokenEffect, now uint64) []uint64 {
	var pending []uint64
	for _, eff := range effects {
		if eff.Amount == nil || eff.Amount.Sign() == 0 {
			continue
		}
		if err := p.dispatch(eff); err != nil {
			payload, encErr := rlp.EncodeToBytes(&eff)
			if encErr != nil {
				p.log.Error("lending effect not encodable", "error", encErr)
				continue
			}
			id, recErr := p.retries.Record(tokenEffectKind, payload, now)
			if recErr != nil {
				p.log.Error("lending effect lost", "error", recErr, "cause", err)
				continue
			}
			p.log.Warn("lending effect bounced",
				"query_id", id, "op", eff.Op, "error", err)
			pending = append(pending, id)
		}
	}
	return pending
}

func (p *Pool) dispatch(eff tokenEffect) error {
	if p.bridge == nil {
		return nil
	}
	switch eff.Op {
	case effectMintYield:
		return p.bridge.MintYieldToken(eff.Token, eff.To, eff.Amount)
	case effectBurnYield:
		return p.bridge.BurnYieldToken(eff.Token, eff.From, eff.Amount)
	case effectTransferYield:
		return p.bridge.TransferYieldToken(eff.Token, eff.From, eff.To, eff.Amount)
	case effectMintDebt:
		return p.bridge.MintDebtToken(eff.Token, eff.To, eff.Amount)
	case effectBurnDebt:
		return p.bridge.BurnDebtToken(eff.Token, eff.From, eff.Amount)
	case effectTransferUnderlying:
		return p.bridge.TransferUnderlying(eff.Token, eff.To, eff.Amount)
	default:
		return fmt.Errorf("pool: unknown effect op %d", eff.Op)
	}
}
