package oracle

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	asset1 = common.HexToAddress("0x0000000000000000000000000000000000000001")
	asset2 = common.HexToAddress("0x0000000000000000000000000000000000000002")
	feeder = common.HexToAddress("0x00000000000000000000000000000000000000f1")
)

type sinkRecorder struct {
	prices map[common.Address]*big.Int
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{prices: make(map[common.Address]*big.Int)}
}

func (s *sinkRecorder) SetAssetPrice(asset common.Address, price *big.Int) {
	s.prices[asset] = price
}

func testFeed(sink Sink) *Feed {
	f := NewFeed(Config{MaxDeviationBps: 3_000, ExpirationPeriod: 300}, sink, nil)
	f.AddFeeder(feeder)
	return f
}

func batch(price int64) map[common.Address]*big.Int {
	return map[common.Address]*big.Int{asset1: big.NewInt(price)}
}

func TestFeedPricesRequiresFeeder(t *testing.T) {
	f := testFeed(nil)
	intruder := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	if err := f.FeedPrices(intruder, batch(100), 10); !errors.Is(err, ErrNotFeeder) {
		t.Fatalf("got %v, want ErrNotFeeder", err)
	}
	if err := f.FeedPrices(feeder, batch(100), 10); err != nil {
		t.Fatalf("authorized feed: %v", err)
	}
}

func TestDeviationBoundary(t *testing.T) {
	f := testFeed(nil)
	if err := f.FeedPrices(feeder, batch(100), 10); err != nil {
		t.Fatalf("initial feed: %v", err)
	}
	// 31% move rejected, 29% accepted at a 30% limit.
	if err := f.FeedPrices(feeder, batch(131), 20); !errors.Is(err, ErrDeviationExceeded) {
		t.Fatalf("31%% move: got %v, want ErrDeviationExceeded", err)
	}
	if price := f.Price(asset1, 20); price.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("rejected batch mutated price: %s", price)
	}
	if err := f.FeedPrices(feeder, batch(129), 20); err != nil {
		t.Fatalf("29%% move: %v", err)
	}
}

func TestEmergencyFeedBypassesDeviation(t *testing.T) {
	f := testFeed(nil)
	if err := f.FeedPrices(feeder, batch(100), 10); err != nil {
		t.Fatalf("initial feed: %v", err)
	}
	if err := f.FeedEmergencyPrices(batch(500), 20); err != nil {
		t.Fatalf("emergency feed: %v", err)
	}
	if price := f.Price(asset1, 20); price.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("price = %s, want 500", price)
	}
}

func TestWholeBatchRejectedOnSingleDeviation(t *testing.T) {
	f := testFeed(nil)
	initial := map[common.Address]*big.Int{
		asset1: big.NewInt(100),
		asset2: big.NewInt(200),
	}
	if err := f.FeedPrices(feeder, initial, 10); err != nil {
		t.Fatalf("initial feed: %v", err)
	}
	update := map[common.Address]*big.Int{
		asset1: big.NewInt(105),
		asset2: big.NewInt(400),
	}
	if err := f.FeedPrices(feeder, update, 20); !errors.Is(err, ErrDeviationExceeded) {
		t.Fatalf("got %v, want ErrDeviationExceeded", err)
	}
	if price := f.Price(asset1, 20); price.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("partial batch applied: asset1 = %s", price)
	}
}

func TestStalePriceReadsZeroButRawSurvives(t *testing.T) {
	f := testFeed(nil)
	if err := f.FeedPrices(feeder, batch(100), 10); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if price := f.Price(asset1, 310); price.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("fresh price = %s, want 100", price)
	}
	if price := f.Price(asset1, 311); price.Sign() != 0 {
		t.Fatalf("stale price = %s, want 0", price)
	}
	quote, ok := f.RawQuote(asset1)
	if !ok || quote.Price.Cmp(big.NewInt(100)) != 0 || quote.UpdatedAt != 10 {
		t.Fatalf("raw quote lost after expiry: %+v ok=%v", quote, ok)
	}
	// A stale previous price no longer constrains deviation.
	if err := f.FeedPrices(feeder, batch(500), 400); err != nil {
		t.Fatalf("refeed after expiry: %v", err)
	}
	if price := f.Price(asset1, 400); price.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("price after refeed = %s, want 500", price)
	}
}

func TestStoppedFeedRejectsAll(t *testing.T) {
	f := testFeed(nil)
	f.SetStopped(true)
	if err := f.FeedPrices(feeder, batch(100), 10); !errors.Is(err, ErrStopped) {
		t.Fatalf("got %v, want ErrStopped", err)
	}
	if err := f.FeedEmergencyPrices(batch(100), 10); !errors.Is(err, ErrStopped) {
		t.Fatalf("emergency on stopped: got %v, want ErrStopped", err)
	}
	f.SetStopped(false)
	if err := f.FeedPrices(feeder, batch(100), 10); err != nil {
		t.Fatalf("resumed feed: %v", err)
	}
}

func TestAcceptedPricesFlowToSink(t *testing.T) {
	sink := newSinkRecorder()
	f := testFeed(sink)
	if err := f.FeedPrices(feeder, batch(123), 10); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if got := sink.prices[asset1]; got == nil || got.Cmp(big.NewInt(123)) != 0 {
		t.Fatalf("sink price = %v, want 123", got)
	}
}
