package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"golang.org/x/time/rate"

	"depthview/config"
	"depthview/internal/metrics"
	"depthview/internal/symbols"
	"depthview/logger"
	"depthview/models"
)

// SnapshotFetcher loads full order book snapshots from the REST depth
// endpoint. It performs no retries.
type SnapshotFetcher struct {
	client      *gobinance.Client
	baseURL     string
	limit       int
	limiter     *rate.Limiter
	weightLimit atomic.Int64
	log         *logger.Log
}

// NewSnapshotFetcher builds a fetcher whose HTTP client uses the pooled
// transport described by cfg.
func NewSnapshotFetcher(cfg config.RESTConfig) *SnapshotFetcher {
	log := logger.GetLogger()

	transport := &http.Transport{
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout,
		Proxy:               http.ProxyFromEnvironment,
	}

	client := gobinance.NewClient("", "")
	client.HTTPClient = &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}
	if parsed, err := url.Parse(cfg.URL); err == nil && parsed.Host != "" {
		client.BaseURL = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit.RequestsPerSecond > 0 {
		burst := cfg.RateLimit.BurstSize
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), burst)
	}

	limit := cfg.Limit
	if limit <= 0 {
		limit = config.DefaultDepthLimit
	}

	log.WithComponent("snapshot_fetcher").WithFields(logger.Fields{
		"url":                cfg.URL,
		"limit":              limit,
		"max_idle_conns":     cfg.ConnectionPool.MaxIdleConns,
		"max_conns_per_host": cfg.ConnectionPool.MaxConnsPerHost,
		"timeout":            cfg.Timeout,
	}).Info("snapshot fetcher initialized")

	return &SnapshotFetcher{
		client:  client,
		baseURL: cfg.URL,
		limit:   limit,
		limiter: limiter,
		log:     log,
	}
}

// FetchDepth requests the current book for pair. A limit of zero or less
// uses the configured depth.
func (f *SnapshotFetcher) FetchDepth(ctx context.Context, pair models.TradingPair, limit int) (*models.DepthSnapshot, error) {
	if limit <= 0 {
		limit = f.limit
	}

	log := f.log.WithComponent("snapshot_fetcher").WithFields(logger.Fields{
		"pair":      pair,
		"operation": "fetch_depth",
	})

	snap, err := f.fetch(ctx, pair, limit, log)
	outcome := "success"
	if err != nil {
		outcome = "error"
		log.WithError(err).Warn("failed to fetch order book depth")
	}
	metrics.EmitMetric(f.log, "snapshot_fetcher", metrics.MetricSnapshotRequest, 1, "counter", logger.Fields{
		"pair":    string(pair),
		"outcome": outcome,
	})
	return snap, err
}

// LoadLimits reads the REQUEST_WEIGHT per minute limit from exchangeInfo and
// lowers the limiter so depth requests at the configured limit fit inside it.
// Supported pairs that are not listed as TRADING are logged.
func (f *SnapshotFetcher) LoadLimits(ctx context.Context) (int64, error) {
	log := f.log.WithComponent("snapshot_fetcher").WithFields(logger.Fields{"operation": "load_limits"})

	pairs := symbols.Supported()
	names := make([]string, len(pairs))
	for i, p := range pairs {
		names[i] = string(p)
	}

	start := time.Now()
	info, err := f.client.NewExchangeInfoService().Symbols(names...).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch exchange info: %w", err)
	}
	logger.LogPerformanceEntry(log, "snapshot_fetcher", "exchange_info", time.Since(start), nil)

	trading := make(map[string]bool, len(info.Symbols))
	for _, sym := range info.Symbols {
		trading[sym.Symbol] = sym.Status == "TRADING"
	}
	for _, name := range names {
		if !trading[name] {
			log.WithFields(logger.Fields{"pair": name}).Warn("supported pair is not trading on the exchange")
		}
	}

	var weightLimit int64
	for _, rl := range info.RateLimits {
		if rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" {
			weightLimit = rl.Limit / max(rl.IntervalNum, 1)
			break
		}
	}
	if weightLimit <= 0 {
		log.Warn("exchange info carries no request weight limit")
		return 0, nil
	}
	f.weightLimit.Store(weightLimit)

	perSecond := rate.Limit(float64(weightLimit) / 60 / float64(depthWeight(f.limit)))
	if perSecond < f.limiter.Limit() {
		if f.limiter.Burst() < 1 {
			f.limiter.SetBurst(1)
		}
		f.limiter.SetLimit(perSecond)
	}

	metrics.EmitMetric(f.log, "snapshot_fetcher", metrics.MetricWeightLimit, weightLimit, "gauge", nil)
	log.WithFields(logger.Fields{
		"weight_limit":     weightLimit,
		"requests_per_sec": float64(f.limiter.Limit()),
	}).Info("request weight limit loaded")
	return weightLimit, nil
}

// WeightLimit returns the per minute limit read by LoadLimits, or 0.
func (f *SnapshotFetcher) WeightLimit() int64 {
	return f.weightLimit.Load()
}

// depthWeight is the request weight of GET /depth for a given limit.
func depthWeight(limit int) int {
	switch {
	case limit <= 100:
		return 5
	case limit <= 500:
		return 25
	case limit <= 1000:
		return 50
	default:
		return 250
	}
}

func (f *SnapshotFetcher) reportWeight(header http.Header) {
	used, err := strconv.ParseInt(header.Get("X-Mbx-Used-Weight-1m"), 10, 64)
	if err != nil {
		return
	}
	fields := logger.Fields{}
	if limit := f.weightLimit.Load(); limit > 0 {
		fields["limit"] = limit
	}
	metrics.EmitMetric(f.log, "snapshot_fetcher", metrics.MetricUsedWeight, used, "gauge", fields)
}

func (f *SnapshotFetcher) fetch(ctx context.Context, pair models.TradingPair, limit int, log *logger.Entry) (*models.DepthSnapshot, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, depthError(pair, err)
	}

	q := url.Values{}
	q.Set("symbol", string(pair))
	q.Set("limit", fmt.Sprintf("%d", limit))
	reqURL := fmt.Sprintf("%s/depth?%s", f.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, depthError(pair, err)
	}

	start := time.Now()
	resp, err := f.client.HTTPClient.Do(req)
	if err != nil {
		return nil, depthError(pair, err)
	}
	defer resp.Body.Close()
	logger.LogPerformanceEntry(log, "snapshot_fetcher", "api_request", time.Since(start), logger.Fields{
		"pair":   pair,
		"status": resp.StatusCode,
		"weight": resp.Header.Get("X-Mbx-Used-Weight-1m"),
	})
	f.reportWeight(resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("failed to fetch order book depth for %s: HTTP error! status: %d", pair, resp.StatusCode)
	}

	var body models.DepthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, depthError(pair, err)
	}
	snap, err := body.Parse()
	if err != nil {
		return nil, depthError(pair, err)
	}

	logger.LogDataFlowEntry(log, "binance_api", "orderbook_store", len(snap.Bids)+len(snap.Asks), "depth_levels")
	return snap, nil
}

func depthError(pair models.TradingPair, err error) error {
	return fmt.Errorf("failed to fetch order book depth for %s: %w", pair, err)
}
