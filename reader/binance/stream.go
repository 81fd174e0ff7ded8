package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"depthview/config"
	"depthview/internal/metrics"
	"depthview/internal/schedule"
	"depthview/internal/symbols"
	"depthview/logger"
	"depthview/models"
)

var (
	// ErrStreamClosed is returned by Connect once Disconnect has been called.
	ErrStreamClosed = errors.New("stream client is closed")
	// ErrStreamConnection is reported for failed dials and abnormal reads.
	ErrStreamConnection = errors.New("stream connection error occurred")
	// ErrMaxReconnect is reported once every reconnect attempt has failed.
	ErrMaxReconnect = errors.New("max reconnection attempts reached")
)

// Conn is the part of a websocket connection the client reads from.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens stream connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type wsDialer struct {
	dialer    *websocket.Dialer
	readLimit int64
}

// NewDialer returns a gorilla websocket dialer configured from cfg.
func NewDialer(cfg config.StreamConfig) Dialer {
	return &wsDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		readLimit: cfg.ReadLimit,
	}
}

func (d *wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if d.readLimit > 0 {
		conn.SetReadLimit(d.readLimit)
	}
	return conn, nil
}

// StreamHandlers receive stream events. Calls are serialized. A handler
// must not call Disconnect on the client delivering the event.
type StreamHandlers struct {
	OnMessage func(*models.DepthSnapshot)
	OnStatus  func(models.ConnectionStatus)
	OnError   func(error)
}

type rawState int

const (
	stateIdle rawState = iota
	stateConnecting
	stateOpen
	stateClosed
)

// StreamClient owns the partial depth stream for one pair and reconnects
// with exponential backoff until Disconnect is called.
type StreamClient struct {
	url         string
	pair        models.TradingPair
	handlers    StreamHandlers
	dialer      Dialer
	sched       schedule.Scheduler
	backoff     *backoff.Backoff
	maxAttempts int
	log         *logger.Log

	mu          sync.Mutex
	state       rawState
	session     uint64
	intentional bool
	attempts    int
	timer       schedule.Timer
	cancelDial  context.CancelFunc
	conn        Conn

	// emitMu serializes handler calls so Disconnect can wait out a
	// delivery in progress.
	emitMu sync.Mutex
}

type StreamOption func(*StreamClient)

func WithDialer(d Dialer) StreamOption {
	return func(c *StreamClient) { c.dialer = d }
}

func WithScheduler(s schedule.Scheduler) StreamOption {
	return func(c *StreamClient) { c.sched = s }
}

// StreamURL is the partial depth stream address for pair.
func StreamURL(base string, pair models.TradingPair) string {
	return fmt.Sprintf("%s/%s@depth20@100ms", base, symbols.StreamName(pair))
}

func NewStreamClient(cfg config.StreamConfig, pair models.TradingPair, handlers StreamHandlers, opts ...StreamOption) *StreamClient {
	base := cfg.ReconnectBaseDelay
	if base <= 0 {
		base = time.Second
	}
	c := &StreamClient{
		url:         StreamURL(cfg.URL, pair),
		pair:        pair,
		handlers:    handlers,
		backoff:     &backoff.Backoff{Min: base, Max: 24 * time.Hour, Factor: 2, Jitter: false},
		maxAttempts: cfg.MaxReconnectAttempts,
		log:         logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = NewDialer(cfg)
	}
	if c.sched == nil {
		c.sched = schedule.Real()
	}
	return c
}

func (c *StreamClient) Pair() models.TradingPair { return c.pair }

// Status derives the connection status from the raw connection state.
func (c *StreamClient) Status() models.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateConnecting:
		return models.StatusConnecting
	case stateOpen:
		return models.StatusConnected
	default:
		return models.StatusDisconnected
	}
}

// Connect starts dialing. It is a no-op while connecting or open.
func (c *StreamClient) Connect() error {
	c.mu.Lock()
	if c.intentional {
		c.mu.Unlock()
		return ErrStreamClosed
	}
	if c.state == stateConnecting || c.state == stateOpen {
		c.mu.Unlock()
		return nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	gen, ctx := c.beginDialLocked()
	c.mu.Unlock()

	c.log.WithComponent("stream_client").WithFields(logger.Fields{"pair": c.pair, "url": c.url}).Info("connecting to depth stream")
	c.startDial(ctx, gen)
	return nil
}

// Disconnect closes the stream for good. No handler runs after it returns.
func (c *StreamClient) Disconnect() {
	c.mu.Lock()
	if c.intentional {
		c.mu.Unlock()
		return
	}
	c.intentional = true
	c.session++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = stateClosed
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	c.emitMu.Lock()
	c.reportStatus(models.StatusDisconnected)
	c.emitMu.Unlock()

	c.log.WithComponent("stream_client").WithFields(logger.Fields{"pair": c.pair}).Info("disconnected from depth stream")
}

func (c *StreamClient) beginDialLocked() (uint64, context.Context) {
	c.session++
	c.state = stateConnecting
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	return c.session, ctx
}

func (c *StreamClient) startDial(ctx context.Context, gen uint64) {
	c.emit(gen, func() { c.reportStatus(models.StatusConnecting) })
	go c.dial(ctx, gen)
}

func (c *StreamClient) current(gen uint64) bool {
	return gen == c.session && !c.intentional
}

// emit runs fn only if gen still identifies the live connection.
func (c *StreamClient) emit(gen uint64, fn func()) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	ok := c.current(gen)
	c.mu.Unlock()
	if ok {
		fn()
	}
}

func (c *StreamClient) dial(ctx context.Context, gen uint64) {
	log := c.log.WithComponent("stream_client").WithFields(logger.Fields{"pair": c.pair})

	conn, err := c.dialer.Dial(ctx, c.url)

	c.mu.Lock()
	if !c.current(gen) {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if err != nil {
		c.state = stateClosed
		c.mu.Unlock()

		log.WithError(err).Warn("failed to connect to depth stream")
		c.emit(gen, c.reportTransportError)
		c.handleClose(gen)
		return
	}
	c.conn = conn
	c.state = stateOpen
	c.attempts = 0
	c.mu.Unlock()

	log.Info("depth stream connected")
	c.emit(gen, func() { c.reportStatus(models.StatusConnected) })
	c.readLoop(conn, gen)
}

func (c *StreamClient) readLoop(conn Conn, gen uint64) {
	log := c.log.WithComponent("stream_client").WithFields(logger.Fields{"pair": c.pair})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			live := c.current(gen)
			if live {
				c.conn = nil
				c.state = stateClosed
			}
			c.mu.Unlock()
			_ = conn.Close()
			if !live {
				return
			}

			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Info("depth stream closed by server")
			} else {
				log.WithError(err).Warn("depth stream read failed")
				c.emit(gen, c.reportTransportError)
			}
			c.handleClose(gen)
			return
		}

		snap, err := parseStreamMessage(data)
		if err != nil {
			log.WithError(err).Warn("failed to parse stream message")
			c.emit(gen, func() {
				if c.handlers.OnError != nil {
					c.handlers.OnError(err)
				}
			})
			continue
		}

		c.emit(gen, func() {
			if c.handlers.OnMessage != nil {
				c.handlers.OnMessage(snap)
			}
		})
		metrics.EmitMetric(c.log, "stream_client", metrics.MetricStreamMessage, 1, "counter", logger.Fields{"pair": string(c.pair)})
	}
}

func parseStreamMessage(data []byte) (*models.DepthSnapshot, error) {
	var resp models.DepthResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse stream message: %w", err)
	}
	snap, err := resp.Parse()
	if err != nil {
		return nil, fmt.Errorf("failed to parse stream message: %w", err)
	}
	return snap, nil
}

// handleClose reports the drop and schedules the next attempt.
func (c *StreamClient) handleClose(gen uint64) {
	c.emit(gen, func() { c.reportStatus(models.StatusDisconnected) })

	log := c.log.WithComponent("stream_client").WithFields(logger.Fields{"pair": c.pair})

	c.mu.Lock()
	if !c.current(gen) {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.maxAttempts {
		c.mu.Unlock()
		log.WithFields(logger.Fields{"attempts": c.maxAttempts}).Error("max reconnection attempts reached")
		c.emit(gen, func() {
			c.reportStatus(models.StatusError)
			if c.handlers.OnError != nil {
				c.handlers.OnError(ErrMaxReconnect)
			}
		})
		return
	}
	c.attempts++
	attempt := c.attempts
	delay := c.backoff.ForAttempt(float64(attempt - 1))
	c.timer = c.sched.AfterFunc(delay, func() { c.reconnect(gen) })
	c.mu.Unlock()

	log.WithFields(logger.Fields{
		"attempt":  attempt,
		"max":      c.maxAttempts,
		"delay_ms": delay.Milliseconds(),
	}).Info("scheduling depth stream reconnect")
	metrics.EmitMetric(c.log, "stream_client", metrics.MetricReconnectAttempt, 1, "counter", logger.Fields{"pair": string(c.pair)})
}

func (c *StreamClient) reconnect(gen uint64) {
	c.mu.Lock()
	if !c.current(gen) {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	next, ctx := c.beginDialLocked()
	c.mu.Unlock()

	c.startDial(ctx, next)
}

// reportStatus and reportTransportError run with emitMu held.
func (c *StreamClient) reportStatus(status models.ConnectionStatus) {
	metrics.EmitMetric(c.log, "stream_client", metrics.MetricConnectionStatus, 1, "gauge", logger.Fields{
		"pair":   string(c.pair),
		"status": string(status),
	})
	if c.handlers.OnStatus != nil {
		c.handlers.OnStatus(status)
	}
}

func (c *StreamClient) reportTransportError() {
	c.reportStatus(models.StatusError)
	if c.handlers.OnError != nil {
		c.handlers.OnError(ErrStreamConnection)
	}
}
