// Package oracle validates an external price feed and converts between USD
// cents and native base units. Every conversion in the engine goes through
// this single choke point so staleness and validity are enforced exactly once
// per operation: callers read a price at the start of an operation and reuse
// it for every amount computed within that operation.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/slopmachine/escrowd/internal/models"
)

const (
	// FeedVersion is the only record version this adapter understands.
	FeedVersion = 2

	// MaxPriceAge is the freshness window for a feed record.
	MaxPriceAge = 30 * time.Second

	// SlippageToleranceBps pads obligation-funding conversions by 1%.
	SlippageToleranceBps = 100

	// MinPriceUsd and MaxPriceUsd bound the sane credit/USD price range.
	MinPriceUsd = 20.0
	MaxPriceUsd = 500.0

	// MaxConfidenceRatio rejects feeds whose confidence interval exceeds 10%
	// of the published price.
	MaxConfidenceRatio = 0.10
)

var (
	// ErrPriceStale is returned when the record is older than MaxPriceAge.
	ErrPriceStale = errors.New("oracle price is stale")

	// ErrFeedInvalid is returned when the record fails structural
	// preconditions (empty record, wrong feed, unsupported version, or a
	// confidence interval too wide to trust).
	ErrFeedInvalid = errors.New("oracle feed unavailable or invalid")

	// ErrPriceOutOfRange is returned when the price falls outside the sane
	// range; a feed publishing $0.01 or $10,000 is treated as compromised.
	ErrPriceOutOfRange = errors.New("oracle price out of reasonable range")
)

// PriceRecord is the raw record read from the external feed.
type PriceRecord struct {
	FeedID      string    `json:"feedId"`
	Version     int       `json:"version"`
	Price       float64   `json:"price"`
	Confidence  float64   `json:"confidence"`
	PublishedAt time.Time `json:"publishedAt"`
}

// PriceData is a validated (price, confidence, age) tuple.
type PriceData struct {
	Price       float64
	Confidence  float64
	PublishedAt time.Time
}

// Feed reads a single raw price record. Reads are strictly read-only and done
// fresh per operation; there is no cache between operations.
type Feed interface {
	Read(ctx context.Context) (PriceRecord, error)
}

// Adapter validates records from a Feed against a fixed expected feed id.
type Adapter struct {
	feed   Feed
	feedID string
	now    func() time.Time
}

// Option adjusts an Adapter.
type Option func(*Adapter)

// WithClock overrides the wall clock used for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

func NewAdapter(feed Feed, expectedFeedID string, opts ...Option) *Adapter {
	a := &Adapter{feed: feed, feedID: expectedFeedID, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Price reads and validates one record. Validation order mirrors the trust
// model: structure first, then range, then freshness, then confidence.
func (a *Adapter) Price(ctx context.Context) (PriceData, error) {
	rec, err := a.feed.Read(ctx)
	if err != nil {
		return PriceData{}, fmt.Errorf("%w: %v", ErrFeedInvalid, err)
	}
	if rec.FeedID == "" || (a.feedID != "" && rec.FeedID != a.feedID) {
		return PriceData{}, fmt.Errorf("%w: unexpected feed %q", ErrFeedInvalid, rec.FeedID)
	}
	if rec.Version != FeedVersion {
		return PriceData{}, fmt.Errorf("%w: unsupported version %d", ErrFeedInvalid, rec.Version)
	}
	if rec.Price < MinPriceUsd || rec.Price > MaxPriceUsd {
		return PriceData{}, fmt.Errorf("%w: %.2f", ErrPriceOutOfRange, rec.Price)
	}
	if age := a.now().Sub(rec.PublishedAt); age > MaxPriceAge {
		return PriceData{}, fmt.Errorf("%w: published %s ago", ErrPriceStale, age.Truncate(time.Millisecond))
	}
	if rec.Confidence/rec.Price > MaxConfidenceRatio {
		return PriceData{}, fmt.Errorf("%w: confidence %.2f too wide for price %.2f", ErrFeedInvalid, rec.Confidence, rec.Price)
	}
	return PriceData{Price: rec.Price, Confidence: rec.Confidence, PublishedAt: rec.PublishedAt}, nil
}

// UsdCentsToNative converts USD cents to native base units at the given price,
// truncating toward zero.
func UsdCentsToNative(usdCents int64, p PriceData) int64 {
	if usdCents <= 0 {
		return 0
	}
	usd := float64(usdCents) / 100.0
	return int64(usd / p.Price * float64(models.NativePerCredit))
}

// UsdCentsToNativeWithSlippage converts USD cents to native base units and
// rounds up with a 1% tolerance so the result always covers the USD
// obligation it funds.
func UsdCentsToNativeWithSlippage(usdCents int64, p PriceData) (int64, error) {
	if usdCents <= 0 {
		return 0, models.ErrInvalidAmount
	}
	usd := float64(usdCents) / 100.0
	native := usd / p.Price * (1.0 + float64(SlippageToleranceBps)/10000.0) * float64(models.NativePerCredit)
	out := int64(math.Ceil(native))
	if out <= 0 || out >= math.MaxInt64/2 {
		return 0, models.ErrInvalidAmount
	}
	return out, nil
}

// NativeToUsdCents converts native base units to USD cents at the given price.
func NativeToUsdCents(amount int64, p PriceData) int64 {
	credits := float64(amount) / float64(models.NativePerCredit)
	return int64(credits * p.Price * 100.0)
}
