package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/slopmachine/escrowd/internal/models"
)

type fakeFeed struct {
	rec PriceRecord
	err error
}

func (f fakeFeed) Read(ctx context.Context) (PriceRecord, error) {
	return f.rec, f.err
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestPriceAcceptsFreshRecord(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	feed := fakeFeed{rec: PriceRecord{
		FeedID:      "credit-usd",
		Version:     FeedVersion,
		Price:       100.0,
		Confidence:  1.0,
		PublishedAt: now.Add(-5 * time.Second),
	}}
	a := NewAdapter(feed, "credit-usd", WithClock(fixedClock(now)))
	p, err := a.Price(context.Background())
	if err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}
	if p.Price != 100.0 {
		t.Fatalf("price = %f, want 100", p.Price)
	}
}

func TestPriceRejections(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fresh := now.Add(-5 * time.Second)
	base := PriceRecord{
		FeedID:      "credit-usd",
		Version:     FeedVersion,
		Price:       100.0,
		Confidence:  1.0,
		PublishedAt: fresh,
	}

	cases := []struct {
		name    string
		mutate  func(*PriceRecord)
		wantErr error
	}{
		{"stale", func(r *PriceRecord) { r.PublishedAt = now.Add(-31 * time.Second) }, ErrPriceStale},
		{"too cheap", func(r *PriceRecord) { r.Price = 19.99 }, ErrPriceOutOfRange},
		{"too expensive", func(r *PriceRecord) { r.Price = 500.01 }, ErrPriceOutOfRange},
		{"wide confidence", func(r *PriceRecord) { r.Confidence = 11.0 }, ErrFeedInvalid},
		{"wrong version", func(r *PriceRecord) { r.Version = 1 }, ErrFeedInvalid},
		{"wrong feed", func(r *PriceRecord) { r.FeedID = "other" }, ErrFeedInvalid},
		{"empty feed id", func(r *PriceRecord) { r.FeedID = "" }, ErrFeedInvalid},
	}
	for _, c := range cases {
		rec := base
		c.mutate(&rec)
		a := NewAdapter(fakeFeed{rec: rec}, "credit-usd", WithClock(fixedClock(now)))
		_, err := a.Price(context.Background())
		if !errors.Is(err, c.wantErr) {
			t.Errorf("%s: err = %v, want %v", c.name, err, c.wantErr)
		}
	}
}

func TestPriceFeedError(t *testing.T) {
	a := NewAdapter(fakeFeed{err: errors.New("connection refused")}, "credit-usd")
	_, err := a.Price(context.Background())
	if !errors.Is(err, ErrFeedInvalid) {
		t.Fatalf("feed failure should map to ErrFeedInvalid, got %v", err)
	}
}

func TestConversions(t *testing.T) {
	p := PriceData{Price: 100.0}

	// $100 buys exactly one credit at $100.
	if got := UsdCentsToNative(10000, p); got != models.NativePerCredit {
		t.Fatalf("UsdCentsToNative(10000) = %d, want %d", got, models.NativePerCredit)
	}
	// The $2.50 bid floor is 0.025 credits.
	if got := UsdCentsToNative(250, p); got != 25_000_000 {
		t.Fatalf("UsdCentsToNative(250) = %d, want 25000000", got)
	}
	if got := UsdCentsToNative(0, p); got != 0 {
		t.Fatalf("UsdCentsToNative(0) = %d, want 0", got)
	}
	if got := NativeToUsdCents(models.NativePerCredit, p); got != 10000 {
		t.Fatalf("NativeToUsdCents(1 credit) = %d, want 10000", got)
	}
}

func TestSlippagePadding(t *testing.T) {
	p := PriceData{Price: 100.0}
	got, err := UsdCentsToNativeWithSlippage(10000, p)
	if err != nil {
		t.Fatalf("slippage conversion failed: %v", err)
	}
	plain := UsdCentsToNative(10000, p)
	if got <= plain {
		t.Fatalf("padded amount %d must exceed plain %d", got, plain)
	}
	// 1% over one credit.
	if got != 1_010_000_000 {
		t.Fatalf("padded amount = %d, want 1010000000", got)
	}

	if _, err := UsdCentsToNativeWithSlippage(0, p); err == nil {
		t.Fatalf("zero obligation must be rejected")
	}
	if _, err := UsdCentsToNativeWithSlippage(-5, p); err == nil {
		t.Fatalf("negative obligation must be rejected")
	}
}
