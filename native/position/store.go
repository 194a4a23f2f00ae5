package position

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"lendmarket/storage"
)

var (
	// ErrReentrant reports a second action for a user whose previous action
	// is still in flight.
	ErrReentrant = errors.New("position: account locked by in-flight action")
	ErrNilDB     = errors.New("position: store not configured with a database")
)

var accountKeyPrefix = []byte("acct/")

// Store keys accounts by owner address. Accounts are created lazily on the
// first position-affecting action and persist indefinitely. The per-user
// lock is the protocol's reentrancy guard: it is held for the whole
// fetch-validate-commit span of one action and never blocks other users.
type Store struct {
	mu       sync.Mutex
	db       storage.Database
	accounts map[common.Address]*Account
	locks    map[common.Address]bool
}

func NewStore(db storage.Database) *Store {
	return &Store{
		db:       db,
		accounts: make(map[common.Address]*Account),
		locks:    make(map[common.Address]bool),
	}
}

// Acquire takes the user's action lock. A held lock fails with ErrReentrant
// and must not disturb the in-flight action.
func (s *Store) Acquire(owner common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[owner] {
		return ErrReentrant
	}
	s.locks[owner] = true
	return nil
}

// Release clears the user's action lock. Safe to call on an unlocked
// account so failure paths can release unconditionally.
func (s *Store) Release(owner common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, owner)
}

// Locked reports whether an action currently holds the user's lock.
func (s *Store) Locked(owner common.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locks[owner]
}

// Fetch returns a deep copy of the account, creating an empty record for
// first-time users. Mutations on the copy become visible only via Commit.
func (s *Store) Fetch(owner common.Address) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, err := s.loadLocked(owner)
	if err != nil {
		return nil, err
	}
	return account.Clone(), nil
}

// Commit atomically replaces the stored account with the mutated copy. Empty
// positions are pruned; the account record itself is kept.
func (s *Store) Commit(account *Account) error {
	if account == nil {
		return nil
	}
	account.Prune()
	encoded, err := rlp.EncodeToBytes(account)
	if err != nil {
		return fmt.Errorf("position: encode account: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		if err := s.db.Put(accountKey(account.Owner), encoded); err != nil {
			return fmt.Errorf("position: persist account: %w", err)
		}
	}
	s.accounts[account.Owner] = account.Clone()
	return nil
}

func (s *Store) loadLocked(owner common.Address) (*Account, error) {
	if account, ok := s.accounts[owner]; ok {
		return account, nil
	}
	account := &Account{Owner: owner}
	if s.db != nil {
		raw, err := s.db.Get(accountKey(owner))
		switch {
		case err == nil:
			if err := rlp.DecodeBytes(raw, account); err != nil {
				return nil, fmt.Errorf("position: decode account: %w", err)
			}
		case errors.Is(err, storage.ErrNotFound):
			// Lazily created below.
		default:
			return nil, fmt.Errorf("position: load account: %w", err)
		}
	}
	s.accounts[owner] = account
	return account, nil
}

func accountKey(owner common.Address) []byte {
	return append(append([]byte(nil), accountKeyPrefix...), owner.Bytes()...)
}
