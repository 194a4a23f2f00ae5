package reserve

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"lendmarket/storage"
)

var snapshotKeyPrefix = []byte("resv/")

// SnapshotStore persists reserve state keyed by reserve index so indexes,
// share totals and liquidity survive a process restart. Prices are not
// restored; they only re-enter through the oracle feed.
type SnapshotStore struct {
	db storage.Database
}

func NewSnapshotStore(db storage.Database) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Save writes the reserve under its index. The stored price is zeroed so a
// restarted pool values nothing until fresh quotes arrive.
func (s *SnapshotStore) Save(index uint64, r *Reserve) error {
	if s == nil || s.db == nil || r == nil {
		return nil
	}
	snap := r.Clone()
	snap.Price = new(big.Int)
	encoded, err := rlp.EncodeToBytes(snap)
	if err != nil {
		return fmt.Errorf("reserve: encode snapshot %d: %w", index, err)
	}
	return s.db.Put(snapshotKey(index), encoded)
}

// Delete removes a delisted reserve's snapshot. The index slot stays retired.
func (s *SnapshotStore) Delete(index uint64) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Delete(snapshotKey(index))
}

// Load returns every persisted reserve as a sparse slice ordered by index.
// Dropped reserves leave nil slots so surviving indexes never shift.
func (s *SnapshotStore) Load() ([]*Reserve, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var (
		out     []*Reserve
		loadErr error
	)
	err := s.db.Iterate(snapshotKeyPrefix, func(key, value []byte) bool {
		raw := key[len(snapshotKeyPrefix):]
		if len(raw) != 8 {
			loadErr = fmt.Errorf("reserve: malformed snapshot key %x", key)
			return false
		}
		index := binary.BigEndian.Uint64(raw)
		r := new(Reserve)
		if err := rlp.DecodeBytes(value, r); err != nil {
			loadErr = fmt.Errorf("reserve: decode snapshot %d: %w", index, err)
			return false
		}
		r.ensureDefaults()
		for uint64(len(out)) <= index {
			out = append(out, nil)
		}
		out[index] = r
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, loadErr
}

func snapshotKey(index uint64) []byte {
	key := append([]byte(nil), snapshotKeyPrefix...)
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], index)
	return append(key, raw[:]...)
}
