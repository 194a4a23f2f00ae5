package oracle

import (
	"bytes"
	"errors"
	"log/slog"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFeeder         = errors.New("oracle: sender is not an authorized feeder")
	ErrStopped           = errors.New("oracle: feed is stopped")
	ErrDeviationExceeded = errors.New("oracle: price deviation above configured limit")
	ErrEmptyBatch        = errors.New("oracle: empty price batch")
	ErrInvalidPrice      = errors.New("oracle: price must be positive")
)

// Quote is the raw stored observation for one asset. It stays queryable even
// after expiry; only the effective price read fails closed.
type Quote struct {
	Price     *big.Int
	UpdatedAt uint64
}

// Clone returns a defensive copy.
func (q Quote) Clone() Quote {
	clone := Quote{UpdatedAt: q.UpdatedAt}
	if q.Price != nil {
		clone.Price = new(big.Int).Set(q.Price)
	}
	return clone
}

// Sink receives accepted prices synchronously, typically the pool's
// reserve price cache.
type Sink interface {
	SetAssetPrice(asset common.Address, price *big.Int)
}

// Config carries the feed's deviation and freshness tolerances.
type Config struct {
	// MaxDeviationBps bounds the relative change a regular feed may apply
	// against a fresh previous price, in basis points.
	MaxDeviationBps uint64
	// ExpirationPeriod is the quote lifetime in seconds. An expired quote
	// reads as price zero: worthless collateral, unpayable debt.
	ExpirationPeriod uint64
}

// Feed validates and stores asset prices submitted by authorized feeders.
// Per asset the lifecycle is Unset -> Fresh -> Stale -> Fresh on the next
// accepted observation.
type Feed struct {
	mu      sync.RWMutex
	cfg     Config
	feeders map[common.Address]struct{}
	quotes  map[common.Address]Quote
	sink    Sink
	stopped bool
	log     *slog.Logger
}

func NewFeed(cfg Config, sink Sink, log *slog.Logger) *Feed {
	if log == nil {
		log = slog.Default()
	}
	return &Feed{
		cfg:     cfg,
		feeders: make(map[common.Address]struct{}),
		quotes:  make(map[common.Address]Quote),
		sink:    sink,
		log:     log,
	}
}

// AddFeeder authorizes a price submitter.
func (f *Feed) AddFeeder(feeder common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeders[feeder] = struct{}{}
}

// RemoveFeeder revokes a price submitter.
func (f *Feed) RemoveFeeder(feeder common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.feeders, feeder)
}

// IsFeeder reports feeder membership.
func (f *Feed) IsFeeder(feeder common.Address) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.feeders[feeder]
	return ok
}

// SetStopped halts or resumes all feeding. Reads are unaffected.
func (f *Feed) SetStopped(stopped bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = stopped
}

// UpdateConfig replaces the deviation and expiry tolerances.
func (f *Feed) UpdateConfig(cfg Config) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = cfg
}

// Configuration returns the current tolerances.
func (f *Feed) Configuration() Config {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cfg
}

// FeedPrices applies a price batch from an authorized feeder. The whole
// batch is rejected when any asset with a fresh previous price moves more
// than MaxDeviationBps relative to it.
func (f *Feed) FeedPrices(feeder common.Address, prices map[common.Address]*big.Int, now uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return ErrStopped
	}
	if _, ok := f.feeders[feeder]; !ok {
		return ErrNotFeeder
	}
	return f.applyLocked(prices, now, true)
}

// FeedEmergencyPrices applies a batch without the deviation check. The
// caller is responsible for gating this behind the emergency admin role.
func (f *Feed) FeedEmergencyPrices(prices map[common.Address]*big.Int, now uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return ErrStopped
	}
	return f.applyLocked(prices, now, false)
}

func (f *Feed) applyLocked(prices map[common.Address]*big.Int, now uint64, checkDeviation bool) error {
	if len(prices) == 0 {
		return ErrEmptyBatch
	}

	assets := make([]common.Address, 0, len(prices))
	for asset := range prices {
		assets = append(assets, asset)
	}
	sort.Slice(assets, func(i, j int) bool {
		return bytes.Compare(assets[i].Bytes(), assets[j].Bytes()) < 0
	})

	// Validate the full batch before touching any state.
	for _, asset := range assets {
		price := prices[asset]
		if price == nil || price.Sign() <= 0 {
			return ErrInvalidPrice
		}
		if !checkDeviation {
			continue
		}
		previous, ok := f.quotes[asset]
		if !ok || !f.freshLocked(previous, now) {
			continue
		}
		if exceedsDeviation(previous.Price, price, f.cfg.MaxDeviationBps) {
			f.log.Warn("price batch rejected",
				"asset", asset.Hex(),
				"old", previous.Price.String(),
				"new", price.String(),
				"max_deviation_bps", f.cfg.MaxDeviationBps)
			return ErrDeviationExceeded
		}
	}

	for _, asset := range assets {
		price := new(big.Int).Set(prices[asset])
		f.quotes[asset] = Quote{Price: price, UpdatedAt: now}
		if f.sink != nil {
			f.sink.SetAssetPrice(asset, new(big.Int).Set(price))
		}
	}
	return nil
}

// Price returns the effective price, zero once the quote has expired or was
// never set. Failing closed makes stale collateral worthless rather than
// mispriced.
func (f *Feed) Price(asset common.Address, now uint64) *big.Int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	quote, ok := f.quotes[asset]
	if !ok || !f.freshLocked(quote, now) {
		return big.NewInt(0)
	}
	return new(big.Int).Set(quote.Price)
}

// RawQuote exposes the stored observation regardless of freshness.
func (f *Feed) RawQuote(asset common.Address) (Quote, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	quote, ok := f.quotes[asset]
	if !ok {
		return Quote{}, false
	}
	return quote.Clone(), true
}

func (f *Feed) freshLocked(q Quote, now uint64) bool {
	if q.Price == nil || q.Price.Sign() <= 0 {
		return false
	}
	if f.cfg.ExpirationPeriod == 0 {
		return true
	}
	return now <= q.UpdatedAt+f.cfg.ExpirationPeriod
}

func exceedsDeviation(oldPrice, newPrice *big.Int, maxDeviationBps uint64) bool {
	if oldPrice == nil || oldPrice.Sign() == 0 {
		return false
	}
	diff := new(big.Int).Sub(newPrice, oldPrice)
	diff.Abs(diff)
	lhs := diff.Mul(diff, big.NewInt(10_000))
	rhs := new(big.Int).Mul(oldPrice, new(big.Int).SetUint64(maxDeviationBps))
	return lhs.Cmp(rhs) > 0
}
