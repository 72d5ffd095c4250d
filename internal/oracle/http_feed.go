package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPFeedConfig configures an HTTPFeed.
type HTTPFeedConfig struct {
	BaseURL    string
	Path       string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPFeed reads the latest price record from an HTTP price service.
type HTTPFeed struct {
	baseURL string
	path    string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPFeed(cfg HTTPFeedConfig) (*HTTPFeed, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("oracle feed base url required")
	}
	path := cfg.Path
	if path == "" {
		path = "/price/latest"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPFeed{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		path:    path,
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

func (f *HTTPFeed) Read(ctx context.Context) (PriceRecord, error) {
	attempts := f.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return PriceRecord{}, ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, f.baseURL+f.path, nil)
		if err != nil {
			cancel()
			return PriceRecord{}, fmt.Errorf("oracle build request: %w", err)
		}
		resp, err := f.client.Do(req)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			rec, parseErr := decodeRecord(resp)
			resp.Body.Close()
			if parseErr == nil {
				return rec, nil
			}
			lastErr = parseErr
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return PriceRecord{}, fmt.Errorf("oracle read failed: %w", lastErr)
}

func decodeRecord(resp *http.Response) (PriceRecord, error) {
	if resp.StatusCode >= 500 {
		return PriceRecord{}, fmt.Errorf("oracle feed unavailable: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return PriceRecord{}, fmt.Errorf("oracle feed rejected request: %s", resp.Status)
	}
	var rec PriceRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return PriceRecord{}, fmt.Errorf("oracle decode record: %w", err)
	}
	return rec, nil
}

// StaticFeed publishes a fixed price stamped with the current time. Intended
// for development and tests.
type StaticFeed struct {
	FeedID string
	Price  float64
	Conf   float64
	Now    func() time.Time
}

func NewStaticFeed(feedID string, price float64) *StaticFeed {
	return &StaticFeed{FeedID: feedID, Price: price, Now: time.Now}
}

func (f *StaticFeed) Read(ctx context.Context) (PriceRecord, error) {
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	return PriceRecord{
		FeedID:      f.FeedID,
		Version:     FeedVersion,
		Price:       f.Price,
		Confidence:  f.Conf,
		PublishedAt: now().UTC(),
	}, nil
}
