package pool

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"lendmarket/native/access"
	"lendmarket/native/oracle"
	"lendmarket/native/reserve"
)

// AddReserve lists a new asset market. The reserve index is append-only and
// stable for the lifetime of the pool.
func (p *Pool) AddReserve(caller common.Address, asset, yieldToken, debtToken common.Address, cfg reserve.Configuration, strategy reserve.RateStrategy) (uint64, error) {
	if err := p.roles.Require(access.RoleAssetListingAdmin, caller); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.reserveByAsset[asset]; exists {
		return 0, ErrReserveAlreadyListed
	}
	r, err := reserve.New(asset, yieldToken, debtToken, cfg, strategy)
	if err != nil {
		return 0, err
	}
	idx := uint64(len(p.reserves))
	if err := p.snapshots.Save(idx, r); err != nil {
		return 0, err
	}
	p.reserves = append(p.reserves, r)
	p.reserveByAsset[asset] = idx
	p.log.Info("lending reserve listed",
		"asset", asset.Hex(), "reserve", idx, "decimals", cfg.Decimals)
	return idx, nil
}

// DropReserve delists an empty reserve. The slot stays nil so the indexes of
// other reserves never shift.
func (p *Pool) DropReserve(caller common.Address, reserveIndex uint64) error {
	if err := p.roles.Require(access.RolePoolAdmin, caller); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r, err := p.reserveAtLocked(reserveIndex)
	if err != nil {
		return err
	}
	if r.TotalSupplyShares.Sign() != 0 || r.TotalBorrowShares.Sign() != 0 || r.AccruedToTreasury.Sign() != 0 {
		return ErrReserveNotEmpty
	}
	if err := p.snapshots.Delete(reserveIndex); err != nil {
		return err
	}
	delete(p.reserveByAsset, r.Asset)
	p.reserves[reserveIndex] = nil
	p.log.Info("lending reserve dropped", "asset", r.Asset.Hex(), "reserve", reserveIndex)
	return nil
}

// mutateConfig applies an admin change through the same accrue-first
// working copy path user actions take, so rate-sensitive parameters never
// rewrite interest already earned.
func (p *Pool) mutateConfig(reserveIndex uint64, mutate func(r *reserve.Reserve) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.reserveAtLocked(reserveIndex); err != nil {
		return err
	}
	work := p.reserves[reserveIndex].Clone()
	work.Accrue(p.clock())
	if err := mutate(work); err != nil {
		return err
	}
	if err := work.Config.Validate(); err != nil {
		return err
	}
	work.UpdateRates()
	return p.commitReserveLocked(reserveIndex, work)
}

// ConfigureReserveAsCollateral updates the collateral risk triplet.
func (p *Pool) ConfigureReserveAsCollateral(caller common.Address, reserveIndex uint64, ltv, liquidationThreshold, liquidationBonus uint64) error {
	if err := p.roles.Require(access.RoleRiskAdmin, caller); err != nil {
		return err
	}
	return p.mutateConfig(reserveIndex, func(r *reserve.Reserve) error {
		r.Config.LTV = ltv
		r.Config.LiquidationThreshold = liquidationThreshold
		r.Config.LiquidationBonus = liquidationBonus
		return nil
	})
}

func (p *Pool) SetReserveActive(caller common.Address, reserveIndex uint64, active bool) error {
	if err := p.roles.Require(access.RolePoolAdmin, caller); err != nil {
		return err
	}
	return p.mutateConfig(reserveIndex, func(r *reserve.Reserve) error {
		r.Config.Active = active
		return nil
	})
}

// SetReserveFrozen halts new supply and borrowing while leaving exits open.
// The emergency admin may freeze but not unfreeze.
func (p *Pool) SetReserveFrozen(caller common.Address, reserveIndex uint64, frozen bool) error {
	err := p.roles.Require(access.RolePoolAdmin, caller)
	if err != nil && frozen {
		err = p.roles.Require(access.RoleEmergencyAdmin, caller)
	}
	if err != nil {
		return err
	}
	return p.mutateConfig(reserveIndex, func(r *reserve.Reserve) error {
		r.Config.Frozen = frozen
		return nil
	})
}

func (p *Pool) SetBorrowingEnabled(caller common.Address, reserveIndex uint64, enabled bool) error {
	if err := p.roles.Require(access.RoleRiskAdmin, caller); err != nil {
		return err
	}
	return p.mutateConfig(reserveIndex, func(r *reserve.Reserve) error {
		r.Config.BorrowingEnabled = enabled
		return nil
	})
}

func (p *Pool) SetReserveFactor(caller common.Address, reserveIndex uint64, reserveFactorBps uint64) error {
	if err := p.roles.Require(access.RoleRiskAdmin, caller); err != nil {
		return err
	}
	return p.mutateConfig(reserveIndex, func(r *reserve.Reserve) error {
		r.Config.ReserveFactor = reserveFactorBps
		return nil
	})
}

func (p *Pool) SetSupplyCap(caller common.Address, reserveIndex uint64, wholeTokens uint64) error {
	if err := p.roles.Require(access.RoleRiskAdmin, caller); err != nil {
		return err
	}
	return p.mutateConfig(reserveIndex, func(r *reserve.Reserve) error {
		r.Config.SupplyCap = wholeTokens
		return nil
	})
}

func (p *Pool) SetBorrowCap(caller common.Address, reserveIndex uint64, wholeTokens uint64) error {
	if err := p.roles.Require(access.RoleRiskAdmin, caller); err != nil {
		return err
	}
	return p.mutateConfig(reserveIndex, func(r *reserve.Reserve) error {
		r.Config.BorrowCap = wholeTokens
		return nil
	})
}

func (p *Pool) SetLiquidationProtocolFee(caller common.Address, reserveIndex uint64, feeBps uint64) error {
	if err := p.roles.Require(access.RoleRiskAdmin, caller); err != nil {
		return err
	}
	return p.mutateConfig(reserveIndex, func(r *reserve.Reserve) error {
		r.Config.LiquidationProtocolFee = feeBps
		return nil
	})
}

// PausePool halts all user actions. Pausing is open to the emergency admin;
// resuming is reserved to the pool admin.
func (p *Pool) PausePool(caller common.Address, paused bool) error {
	err := p.roles.Require(access.RolePoolAdmin, caller)
	if err != nil && paused {
		err = p.roles.Require(access.RoleEmergencyAdmin, caller)
	}
	if err != nil {
		return err
	}
	p.pauses.SetPaused(pauseModule, paused)
	p.log.Warn("lending pause switch", "paused", paused, "caller", caller.Hex())
	return nil
}

// Paused reports the pool-wide pause switch.
func (p *Pool) Paused() bool {
	return p.pauses.IsPaused(pauseModule)
}

// Oracle admin passthroughs. The feed itself only knows feeders; role
// checks live here with the rest of the admin surface.

func (p *Pool) AddOracleFeeder(caller, feeder common.Address) error {
	if err := p.roles.Require(access.RolePoolAdmin, caller); err != nil {
		return err
	}
	if p.feed == nil {
		return ErrUnknownReserve
	}
	p.feed.AddFeeder(feeder)
	return nil
}

func (p *Pool) RemoveOracleFeeder(caller, feeder common.Address) error {
	if err := p.roles.Require(access.RolePoolAdmin, caller); err != nil {
		return err
	}
	if p.feed == nil {
		return ErrUnknownReserve
	}
	p.feed.RemoveFeeder(feeder)
	return nil
}

// SetOracleStopped flips the feed's kill switch. Stopping is open to the
// emergency admin, mirroring the pool pause rule.
func (p *Pool) SetOracleStopped(caller common.Address, stopped bool) error {
	err := p.roles.Require(access.RolePoolAdmin, caller)
	if err != nil && stopped {
		err = p.roles.Require(access.RoleEmergencyAdmin, caller)
	}
	if err != nil {
		return err
	}
	if p.feed == nil {
		return ErrUnknownReserve
	}
	p.feed.SetStopped(stopped)
	return nil
}

// FeedEmergencyPrices pushes a price batch that bypasses the deviation
// check. Reserved to the emergency admin.
func (p *Pool) FeedEmergencyPrices(caller common.Address, prices map[common.Address]*big.Int, now uint64) error {
	if err := p.roles.Require(access.RoleEmergencyAdmin, caller); err != nil {
		return err
	}
	if p.feed == nil {
		return ErrUnknownReserve
	}
	return p.feed.FeedEmergencyPrices(prices, now)
}

func (p *Pool) UpdateOracleConfig(caller common.Address, cfg oracle.Config) error {
	if err := p.roles.Require(access.RoleRiskAdmin, caller); err != nil {
		return err
	}
	if p.feed == nil {
		return ErrUnknownReserve
	}
	p.feed.UpdateConfig(cfg)
	return nil
}

// SetUseAsCollateral toggles whether the caller's supply in a reserve backs
// their debt. Turning collateral off runs the same withdrawal health gate.
func (p *Pool) SetUseAsCollateral(caller common.Address, asset common.Address, useAsCollateral bool) error {
	if err := p.positions.Acquire(caller); err != nil {
		return err
	}
	defer p.positions.Release(caller)

	p.mu.Lock()
	defer p.mu.Unlock()
	idx, err := p.indexOfLocked(asset)
	if err != nil {
		return err
	}
	account, err := p.positions.Fetch(caller)
	if err != nil {
		return err
	}
	pos, ok := account.Position(idx)
	if !ok || pos.SupplyShares.Sign() == 0 {
		return ErrNothingSupplied
	}
	pos.AsCollateral = useAsCollateral
	if !useAsCollateral {
		report, err := p.accountHealthLocked(account, nil, p.clock())
		if err != nil {
			return err
		}
		if report.HealthFactor.Cmp(reserve.Ray) < 0 {
			return ErrInsufficientHealthFactor
		}
	}
	return p.positions.Commit(account)
}
