package pool

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"lendmarket/native/oracle"
	"lendmarket/native/position"
	"lendmarket/native/reserve"
)

// ReserveData returns a read-only snapshot of one reserve, accrued to now so
// callers see live indexes without the pool committing anything.
func (p *Pool) ReserveData(asset common.Address) (*reserve.Reserve, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	idx, err := p.indexOfLocked(asset)
	if err != nil {
		return nil, err
	}
	snapshot := p.reserves[idx].Clone()
	snapshot.Accrue(p.clock())
	return snapshot, nil
}

// ReserveAt returns the snapshot for a reserve index. Dropped slots report
// out of range.
func (p *Pool) ReserveAt(reserveIndex uint64) (*reserve.Reserve, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, err := p.reserveAtLocked(reserveIndex)
	if err != nil {
		return nil, err
	}
	snapshot := r.Clone()
	snapshot.Accrue(p.clock())
	return snapshot, nil
}

// Reserves lists snapshots of all live reserves, index order preserved.
func (p *Pool) Reserves() []*reserve.Reserve {
	p.mu.RLock()
	defer p.mu.RUnlock()
	now := p.clock()
	out := make([]*reserve.Reserve, 0, len(p.reserves))
	for _, r := range p.reserves {
		if r == nil {
			continue
		}
		snapshot := r.Clone()
		snapshot.Accrue(now)
		out = append(out, snapshot)
	}
	return out
}

// AccountSnapshot returns a copy of the user's raw share positions.
func (p *Pool) AccountSnapshot(owner common.Address) (*position.Account, error) {
	return p.positions.Fetch(owner)
}

// AccountHealth prices the user's account at live oracle prices.
func (p *Pool) AccountHealth(owner common.Address) (HealthReport, error) {
	account, err := p.positions.Fetch(owner)
	if err != nil {
		return HealthReport{}, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.accountHealthLocked(account, nil, p.clock())
}

// OraclePrice returns the fail-closed effective price for an asset: zero
// when no fresh quote exists.
func (p *Pool) OraclePrice(asset common.Address) *big.Int {
	p.mu.RLock()
	feed := p.feed
	p.mu.RUnlock()
	if feed == nil {
		return big.NewInt(0)
	}
	return feed.Price(asset, p.clock())
}

// OracleQuote returns the raw stored observation, surviving expiry.
func (p *Pool) OracleQuote(asset common.Address) (oracle.Quote, bool) {
	p.mu.RLock()
	feed := p.feed
	p.mu.RUnlock()
	if feed == nil {
		return oracle.Quote{}, false
	}
	return feed.RawQuote(asset)
}
