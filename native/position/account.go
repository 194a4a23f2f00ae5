package position

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Position is one reserve leg of a user account. Share amounts are scaled by
// the owning reserve's indexes; the underlying value is derived at read time.
type Position struct {
	ReserveIndex uint64
	SupplyShares *big.Int
	BorrowShares *big.Int
	AsCollateral bool
}

func (p *Position) ensureDefaults() {
	if p.SupplyShares == nil {
		p.SupplyShares = big.NewInt(0)
	}
	if p.BorrowShares == nil {
		p.BorrowShares = big.NewInt(0)
	}
}

func (p *Position) empty() bool {
	p.ensureDefaults()
	return p.SupplyShares.Sign() == 0 && p.BorrowShares.Sign() == 0
}

// Account is the per-user record. Positions keep insertion order so reserve
// iteration is deterministic. The reentrancy lock lives in the Store, not
// here, so snapshots stay plain data.
type Account struct {
	Owner     common.Address
	Positions []Position
}

// Position returns the leg for the given reserve, if present.
func (a *Account) Position(reserveIndex uint64) (*Position, bool) {
	for i := range a.Positions {
		if a.Positions[i].ReserveIndex == reserveIndex {
			a.Positions[i].ensureDefaults()
			return &a.Positions[i], true
		}
	}
	return nil, false
}

// EnsurePosition returns the leg for the reserve, creating it when absent.
// New supply positions default to counting as collateral.
func (a *Account) EnsurePosition(reserveIndex uint64) *Position {
	if p, ok := a.Position(reserveIndex); ok {
		return p
	}
	a.Positions = append(a.Positions, Position{
		ReserveIndex: reserveIndex,
		SupplyShares: big.NewInt(0),
		BorrowShares: big.NewInt(0),
		AsCollateral: true,
	})
	return &a.Positions[len(a.Positions)-1]
}

// Prune drops positions whose supply and borrow have both returned to zero.
func (a *Account) Prune() {
	kept := a.Positions[:0]
	for i := range a.Positions {
		if !a.Positions[i].empty() {
			kept = append(kept, a.Positions[i])
		}
	}
	a.Positions = kept
}

// Clone returns a deep copy safe to mutate without touching the store.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := &Account{Owner: a.Owner}
	if len(a.Positions) > 0 {
		clone.Positions = make([]Position, len(a.Positions))
		for i := range a.Positions {
			a.Positions[i].ensureDefaults()
			clone.Positions[i] = Position{
				ReserveIndex: a.Positions[i].ReserveIndex,
				SupplyShares: new(big.Int).Set(a.Positions[i].SupplyShares),
				BorrowShares: new(big.Int).Set(a.Positions[i].BorrowShares),
				AsCollateral: a.Positions[i].AsCollateral,
			}
		}
	}
	return clone
}
