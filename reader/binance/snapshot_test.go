package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"depthview/config"
	"depthview/internal/metrics"
)

func restConfig(url string) config.RESTConfig {
	return config.RESTConfig{
		URL:     url,
		Limit:   20,
		Timeout: time.Second,
		ConnectionPool: config.ConnectionPoolConfig{
			MaxIdleConns:    1,
			MaxConnsPerHost: 1,
			IdleConnTimeout: time.Second,
		},
	}
}

func TestFetchDepthParsesSnapshot(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"lastUpdateId":1,"bids":[["100.00","2.0"]],"asks":[["101.00","3.0"]]}`))
	}))
	defer srv.Close()

	f := NewSnapshotFetcher(restConfig(srv.URL + "/api/v3"))
	snap, err := f.FetchDepth(context.Background(), "BTCUSDT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotPath != "/api/v3/depth" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotQuery != "limit=20&symbol=BTCUSDT" {
		t.Fatalf("unexpected query %q", gotQuery)
	}
	if snap.LastUpdateID != 1 {
		t.Fatalf("expected lastUpdateId 1, got %d", snap.LastUpdateID)
	}
	if len(snap.Bids) != 1 || snap.Bids[0].Price != 100 || snap.Bids[0].Size != 2 {
		t.Fatalf("unexpected bids %+v", snap.Bids)
	}
	if len(snap.Asks) != 1 || snap.Asks[0].Price != 101 || snap.Asks[0].Size != 3 {
		t.Fatalf("unexpected asks %+v", snap.Asks)
	}
}

func TestFetchDepthExplicitLimit(t *testing.T) {
	var gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		_, _ = w.Write([]byte(`{"lastUpdateId":2,"bids":[],"asks":[]}`))
	}))
	defer srv.Close()

	f := NewSnapshotFetcher(restConfig(srv.URL))
	if _, err := f.FetchDepth(context.Background(), "ETHUSDT", 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotLimit != "5" {
		t.Fatalf("expected limit 5, got %q", gotLimit)
	}
}

func TestFetchDepthHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewSnapshotFetcher(restConfig(srv.URL))
	_, err := f.FetchDepth(context.Background(), "BTCUSDT", 20)
	if err == nil {
		t.Fatal("expected error")
	}
	want := "failed to fetch order book depth for BTCUSDT: HTTP error! status: 500"
	if err.Error() != want {
		t.Fatalf("unexpected error %q", err.Error())
	}
}

func TestFetchDepthDecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"lastUpdateId":1,"bids":[["abc","1"]],"asks":[]}`))
	}))
	defer srv.Close()

	f := NewSnapshotFetcher(restConfig(srv.URL))
	_, err := f.FetchDepth(context.Background(), "SOLUSDT", 20)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.HasPrefix(err.Error(), "failed to fetch order book depth for SOLUSDT: ") {
		t.Fatalf("unexpected error %q", err.Error())
	}
	if !strings.Contains(err.Error(), "bids[0]") {
		t.Fatalf("expected error to name the bad level, got %q", err.Error())
	}
}

func TestFetchDepthContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := NewSnapshotFetcher(restConfig(srv.URL))
	_, err := f.FetchDepth(ctx, "BTCUSDT", 20)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected wrapped context.Canceled, got %v", err)
	}
}

func TestFetchDepthRateLimited(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(`{"lastUpdateId":1,"bids":[],"asks":[]}`))
	}))
	defer srv.Close()

	cfg := restConfig(srv.URL)
	cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1}
	f := NewSnapshotFetcher(cfg)

	if _, err := f.FetchDepth(context.Background(), "BTCUSDT", 20); err != nil {
		t.Fatalf("first request: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := f.FetchDepth(ctx, "BTCUSDT", 20); err == nil {
		t.Fatal("expected second request to be throttled")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected one request to reach the server, got %d", hits)
	}
}

const exchangeInfoBody = `{
	"timezone":"UTC",
	"rateLimits":[
		{"rateLimitType":"REQUEST_WEIGHT","interval":"MINUTE","intervalNum":1,"limit":60},
		{"rateLimitType":"ORDERS","interval":"SECOND","intervalNum":10,"limit":100}
	],
	"symbols":[
		{"symbol":"BTCUSDT","status":"TRADING"},
		{"symbol":"ETHUSDT","status":"TRADING"},
		{"symbol":"SOLUSDT","status":"TRADING"},
		{"symbol":"BNBUSDT","status":"BREAK"}
	]
}`

func exchangeServer(t *testing.T, info string, usedWeight string) (*httptest.Server, *string) {
	t.Helper()
	var gotSymbols string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		gotSymbols = r.URL.Query().Get("symbols")
		if info == "" {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"code":-1000,"msg":"unknown"}`))
			return
		}
		_, _ = w.Write([]byte(info))
	})
	mux.HandleFunc("/api/v3/depth", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Mbx-Used-Weight-1m", usedWeight)
		_, _ = w.Write([]byte(`{"lastUpdateId":1,"bids":[],"asks":[]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &gotSymbols
}

func TestLoadLimitsCapsLimiterToWeightLimit(t *testing.T) {
	srv, gotSymbols := exchangeServer(t, exchangeInfoBody, "5")

	f := NewSnapshotFetcher(restConfig(srv.URL + "/api/v3"))
	limit, err := f.LoadLimits(context.Background())
	if err != nil {
		t.Fatalf("LoadLimits error: %v", err)
	}
	if limit != 60 || f.WeightLimit() != 60 {
		t.Fatalf("expected weight limit 60, got %d / %d", limit, f.WeightLimit())
	}
	if !strings.Contains(*gotSymbols, "BTCUSDT") || !strings.Contains(*gotSymbols, "BNBUSDT") {
		t.Fatalf("expected supported pairs in symbols filter, got %q", *gotSymbols)
	}

	// 60 weight per minute at 5 weight per depth call is 12 calls a minute.
	if got := f.limiter.Limit(); got != rate.Limit(0.2) {
		t.Fatalf("expected limiter at 0.2 req/s, got %v", got)
	}
	if f.limiter.Burst() != 1 {
		t.Fatalf("expected burst 1, got %d", f.limiter.Burst())
	}
}

func TestLoadLimitsKeepsStricterConfiguredRate(t *testing.T) {
	info := strings.Replace(exchangeInfoBody, `"limit":60`, `"limit":6000`, 1)
	srv, _ := exchangeServer(t, info, "5")

	cfg := restConfig(srv.URL + "/api/v3")
	cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 5, BurstSize: 5}
	f := NewSnapshotFetcher(cfg)
	if _, err := f.LoadLimits(context.Background()); err != nil {
		t.Fatalf("LoadLimits error: %v", err)
	}
	if got := f.limiter.Limit(); got != rate.Limit(5) {
		t.Fatalf("expected configured 5 req/s to stay, got %v", got)
	}
}

func TestLoadLimitsError(t *testing.T) {
	srv, _ := exchangeServer(t, "", "5")

	f := NewSnapshotFetcher(restConfig(srv.URL + "/api/v3"))
	if _, err := f.LoadLimits(context.Background()); err == nil {
		t.Fatal("expected exchange info error")
	}
	if f.WeightLimit() != 0 {
		t.Fatalf("expected no weight limit, got %d", f.WeightLimit())
	}
	if f.limiter.Limit() != rate.Inf {
		t.Fatalf("expected limiter untouched, got %v", f.limiter.Limit())
	}
}

func TestFetchDepthReportsUsedWeight(t *testing.T) {
	srv, _ := exchangeServer(t, exchangeInfoBody, "17")

	var (
		mu  sync.Mutex
		got []metrics.Metric
	)
	id := metrics.RegisterMetricHandler(func(m metrics.Metric) {
		mu.Lock()
		defer mu.Unlock()
		if m.Name == metrics.MetricUsedWeight || m.Name == metrics.MetricWeightLimit {
			got = append(got, m)
		}
	})
	defer metrics.UnregisterMetricHandler(id)

	f := NewSnapshotFetcher(restConfig(srv.URL + "/api/v3"))
	if _, err := f.LoadLimits(context.Background()); err != nil {
		t.Fatalf("LoadLimits error: %v", err)
	}
	if _, err := f.FetchDepth(context.Background(), "BTCUSDT", 20); err != nil {
		t.Fatalf("FetchDepth error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected limit and used weight metrics, got %+v", got)
	}
	if got[0].Name != metrics.MetricWeightLimit || got[0].Value != int64(60) {
		t.Fatalf("unexpected limit metric %+v", got[0])
	}
	if got[1].Name != metrics.MetricUsedWeight || got[1].Value != int64(17) || got[1].Fields["limit"] != int64(60) {
		t.Fatalf("unexpected used weight metric %+v", got[1])
	}
}
