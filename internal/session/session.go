// Package session drives the fetch-then-stream lifecycle for the selected
// pair. Each activation is bound to a store epoch; anything still running
// for an older activation is cancelled or has its writes discarded.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"depthview/config"
	"depthview/internal/metrics"
	"depthview/internal/orderbook"
	"depthview/internal/schedule"
	"depthview/internal/symbols"
	"depthview/logger"
	"depthview/models"
	"depthview/reader/binance"
)

var ErrSessionClosed = errors.New("session is closed")

type Fetcher interface {
	FetchDepth(ctx context.Context, pair models.TradingPair, limit int) (*models.DepthSnapshot, error)
}

type Stream interface {
	Connect() error
	Disconnect()
}

// StreamFactory creates an unconnected stream for pair.
type StreamFactory func(pair models.TradingPair, handlers binance.StreamHandlers) Stream

type Options struct {
	DefaultPair models.TradingPair
	SettleDelay time.Duration
	Limit       int
	Retry       config.RetryConfig
	Scheduler   schedule.Scheduler
}

// OptionsFromConfig maps the session and REST sections onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DefaultPair: models.TradingPair(cfg.Session.DefaultPair),
		SettleDelay: cfg.Session.SettleDelay,
		Limit:       cfg.Binance.REST.Limit,
		Retry:       cfg.Binance.REST.Retry,
	}
}

type Session struct {
	store     *orderbook.Store
	fetcher   Fetcher
	newStream StreamFactory
	sched     schedule.Scheduler
	opts      Options
	log       *logger.Log

	mu          sync.Mutex
	ctx         context.Context
	running     bool
	closed      bool
	binding     orderbook.Binding
	cancelFetch context.CancelFunc
	settle      schedule.Timer
	client      Stream
	wg          sync.WaitGroup
	done        chan struct{}
	unwatched   chan struct{}

	dropped uint64
}

func New(store *orderbook.Store, fetcher Fetcher, newStream StreamFactory, opts Options) *Session {
	if opts.DefaultPair == "" {
		opts.DefaultPair = config.DefaultPair
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	sched := opts.Scheduler
	if sched == nil {
		sched = schedule.Real()
	}
	return &Session{
		store:     store,
		fetcher:   fetcher,
		newStream: newStream,
		sched:     sched,
		opts:      opts,
		log:       logger.GetLogger(),
		ctx:       context.Background(),
		done:      make(chan struct{}),
	}
}

// Start activates the default pair. The session closes itself when ctx is
// done.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("session already running")
	}
	s.running = true
	s.ctx = ctx
	s.unwatched = make(chan struct{})
	s.mu.Unlock()

	s.log.WithComponent("session").WithFields(logger.Fields{
		"default_pair": s.opts.DefaultPair,
		"settle_delay": s.opts.SettleDelay,
	}).Info("starting order book session")

	go func() {
		defer close(s.unwatched)
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	return s.ChangePair(s.opts.DefaultPair)
}

// ChangePair switches the displayed book to pair. Selecting the pair that
// is already active does nothing.
func (s *Session) ChangePair(pair models.TradingPair) error {
	if !symbols.IsSupported(pair) {
		return fmt.Errorf("%w: %q", symbols.ErrUnsupportedPair, pair)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.binding.Pair == pair && s.binding.Epoch != 0 {
		return nil
	}

	s.teardownLocked()

	b := s.store.SelectPair(pair)
	s.binding = b

	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelFetch = cancel
	s.wg.Add(1)
	go s.load(ctx, b)

	s.log.WithComponent("session").WithFields(logger.Fields{
		"pair":  pair,
		"epoch": b.Epoch,
	}).Info("activated trading pair")
	return nil
}

// Pair returns the active pair.
func (s *Session) Pair() models.TradingPair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binding.Pair
}

// Dropped counts callbacks discarded because their activation was stale.
func (s *Session) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Close tears the current activation down and waits for in-flight loads.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.teardownLocked()
	s.mu.Unlock()

	s.wg.Wait()
	s.log.WithComponent("session").Info("order book session closed")
}

func (s *Session) teardownLocked() {
	if s.settle != nil {
		s.settle.Stop()
		s.settle = nil
	}
	if s.cancelFetch != nil {
		s.cancelFetch()
		s.cancelFetch = nil
	}
	if s.client != nil {
		s.client.Disconnect()
		s.client = nil
	}
}

func (s *Session) load(ctx context.Context, b orderbook.Binding) {
	defer s.wg.Done()

	log := s.log.WithComponent("session").WithFields(logger.Fields{"pair": b.Pair, "epoch": b.Epoch})

	start := time.Now()
	snap, err := s.fetchWithRetry(ctx, b.Pair)
	if ctx.Err() != nil {
		// superseded or closed
		s.drop("snapshot")
		return
	}
	if err != nil {
		log.WithError(err).Error("failed to load order book")
		if !s.store.SetError(b, err.Error()) {
			s.drop("snapshot_error")
		}
		return
	}

	if !s.store.CommitSnapshot(b, snap) {
		s.drop("snapshot")
		return
	}
	logger.LogPerformanceEntry(log, "session", "initial_load", time.Since(start), logger.Fields{
		"bids": len(snap.Bids),
		"asks": len(snap.Asks),
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.binding != b {
		return
	}
	s.settle = s.sched.AfterFunc(s.opts.SettleDelay, func() { s.openStream(b) })
}

func (s *Session) fetchWithRetry(ctx context.Context, pair models.TradingPair) (*models.DepthSnapshot, error) {
	bo := &backoff.Backoff{
		Min:    s.opts.Retry.BaseDelay,
		Max:    s.opts.Retry.MaxDelay,
		Factor: 2,
	}
	log := s.log.WithComponent("session").WithFields(logger.Fields{"pair": pair})

	for attempt := 0; ; attempt++ {
		snap, err := s.fetcher.FetchDepth(ctx, pair, s.opts.Limit)
		if err == nil || ctx.Err() != nil || attempt >= s.opts.Retry.MaxRetries {
			return snap, err
		}

		delay := bo.ForAttempt(float64(attempt))
		log.WithError(err).WithFields(logger.Fields{
			"retry":    attempt + 1,
			"delay_ms": delay.Milliseconds(),
		}).Warn("retrying order book fetch")

		if !s.sleep(ctx, delay) {
			return nil, ctx.Err()
		}
	}
}

// sleep waits for d on the session scheduler. It reports false if ctx ended
// first.
func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	wake := make(chan struct{})
	t := s.sched.AfterFunc(d, func() { close(wake) })
	select {
	case <-wake:
		return true
	case <-ctx.Done():
		t.Stop()
		return false
	}
}

func (s *Session) openStream(b orderbook.Binding) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.log.WithComponent("session").WithFields(logger.Fields{"pair": b.Pair, "epoch": b.Epoch})

	if s.closed || s.binding != b || s.store.Current() != b || s.client != nil {
		log.Debug("skipping stream open for superseded activation")
		return
	}
	s.settle = nil

	client := s.newStream(b.Pair, s.handlersFor(b))
	s.client = client
	if err := client.Connect(); err != nil {
		log.WithError(err).Error("failed to open depth stream")
		s.store.SetError(b, err.Error())
	}
}

// handlersFor never takes s.mu; the store rejects writes for a stale b.
func (s *Session) handlersFor(b orderbook.Binding) binance.StreamHandlers {
	return binance.StreamHandlers{
		OnMessage: func(snap *models.DepthSnapshot) {
			if !s.store.ApplyUpdate(b, snap) {
				s.drop("stream_message")
			}
		},
		OnStatus: func(status models.ConnectionStatus) {
			if !s.store.SetStatus(b, status) {
				s.drop("stream_status")
				return
			}
			if status == models.StatusConnected {
				s.store.ClearError(b)
			}
		},
		OnError: func(err error) {
			if !s.store.SetError(b, err.Error()) {
				s.drop("stream_error")
			}
		},
	}
}

func (s *Session) drop(kind string) {
	atomic.AddUint64(&s.dropped, 1)
	metrics.EmitMetric(s.log, "session", metrics.MetricStaleDropped, 1, "counter", logger.Fields{"kind": kind})
}
