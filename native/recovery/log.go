package recovery

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"lukechampine.com/blake3"

	"lendmarket/storage"
)

var (
	// ErrUnknownQuery reports a replay for an id that was never recorded,
	// already replayed, or abandoned.
	ErrUnknownQuery = errors.New("recovery: unknown query id")
)

var retryKeyPrefix = []byte("retry/")

// PendingRetry captures a sub-step that failed after partial commitment,
// with enough payload to reconstruct the outbound message exactly once.
type PendingRetry struct {
	QueryID     uint64
	Kind        string
	Payload     []byte
	PayloadHash []byte
	RecordedAt  uint64
}

// Log assigns monotonically increasing query ids to bounced sub-steps and
// guarantees at-most-once replay by removing entries as they are taken.
type Log struct {
	mu      sync.Mutex
	db      storage.Database
	nextID  uint64
	entries map[uint64]*PendingRetry
}

// NewLog rebuilds the pending set from the database so bounced steps
// survive a restart.
func NewLog(db storage.Database) (*Log, error) {
	l := &Log{db: db, nextID: 1, entries: make(map[uint64]*PendingRetry)}
	if db == nil {
		return l, nil
	}
	var loadErr error
	err := db.Iterate(retryKeyPrefix, func(_, value []byte) bool {
		entry := new(PendingRetry)
		if err := rlp.DecodeBytes(value, entry); err != nil {
			loadErr = fmt.Errorf("recovery: decode entry: %w", err)
			return false
		}
		l.entries[entry.QueryID] = entry
		if entry.QueryID >= l.nextID {
			l.nextID = entry.QueryID + 1
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("recovery: load log: %w", err)
	}
	if loadErr != nil {
		return nil, loadErr
	}
	return l, nil
}

// Record stores a bounced step and returns its query id.
func (l *Log) Record(kind string, payload []byte, now uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	hash := blake3.Sum256(payload)
	entry := &PendingRetry{
		QueryID:     l.nextID,
		Kind:        kind,
		Payload:     append([]byte(nil), payload...),
		PayloadHash: hash[:],
		RecordedAt:  now,
	}
	if err := l.persistLocked(entry); err != nil {
		return 0, err
	}
	l.entries[entry.QueryID] = entry
	l.nextID++
	return entry.QueryID, nil
}

// Take removes and returns the entry so the caller can replay it exactly
// once. The payload is integrity-checked against its recorded hash.
func (l *Log) Take(queryID uint64) (*PendingRetry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[queryID]
	if !ok {
		return nil, ErrUnknownQuery
	}
	hash := blake3.Sum256(entry.Payload)
	if string(hash[:]) != string(entry.PayloadHash) {
		return nil, fmt.Errorf("recovery: payload hash mismatch for query %d", queryID)
	}
	if err := l.deleteLocked(queryID); err != nil {
		return nil, err
	}
	delete(l.entries, queryID)
	return entry, nil
}

// Abandon drops an entry without replaying it.
func (l *Log) Abandon(queryID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[queryID]; !ok {
		return ErrUnknownQuery
	}
	if err := l.deleteLocked(queryID); err != nil {
		return err
	}
	delete(l.entries, queryID)
	return nil
}

// Pending lists the outstanding entries in query-id order.
func (l *Log) Pending() []PendingRetry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PendingRetry, 0, len(l.entries))
	for _, entry := range l.entries {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueryID < out[j].QueryID })
	return out
}

func (l *Log) persistLocked(entry *PendingRetry) error {
	if l.db == nil {
		return nil
	}
	encoded, err := rlp.EncodeToBytes(entry)
	if err != nil {
		return fmt.Errorf("recovery: encode entry: %w", err)
	}
	return l.db.Put(retryKey(entry.QueryID), encoded)
}

func (l *Log) deleteLocked(queryID uint64) error {
	if l.db == nil {
		return nil
	}
	return l.db.Delete(retryKey(queryID))
}

func retryKey(queryID uint64) []byte {
	key := append([]byte(nil), retryKeyPrefix...)
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], queryID)
	return append(key, id[:]...)
}
