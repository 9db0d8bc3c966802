package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"perpspot/internal/config"
	"perpspot/internal/metrics"
)

// ErrConnectionExhausted is returned by Run once the reconnect budget is spent.
var ErrConnectionExhausted = errors.New("stream: reconnect attempts exhausted")

const (
	DefaultPrimaryURL   = "wss://api.hyperliquid.xyz/ws"
	DefaultSecondaryURL = "wss://api.hyperliquid-testnet.xyz/ws"

	volumeWindow = time.Minute
	writeTimeout = 5 * time.Second
)

// Options configures a Listener.
type Options struct {
	PrimaryURL       string
	SecondaryURL     string
	MaxAttempts      int
	FailoverAfter    int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	Coins            []string
	Metrics          *metrics.Metrics
}

// OptionsFromConfig maps the stream config section onto Options.
func OptionsFromConfig(cfg config.StreamConfig, coins []string, m *metrics.Metrics) Options {
	return Options{
		PrimaryURL:       cfg.PrimaryURL,
		SecondaryURL:     cfg.SecondaryURL,
		MaxAttempts:      cfg.MaxAttempts,
		FailoverAfter:    cfg.FailoverAfter,
		BaseBackoff:      cfg.BaseBackoff,
		MaxBackoff:       cfg.MaxBackoff,
		PingInterval:     cfg.PingInterval,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Coins:            coins,
		Metrics:          m,
	}
}

func (o *Options) setDefaults() {
	if o.PrimaryURL == "" {
		o.PrimaryURL = DefaultPrimaryURL
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.FailoverAfter <= 0 {
		o.FailoverAfter = 4
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 60 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
}

type tradeMark struct {
	at       time.Time
	notional float64
}

// Listener keeps a websocket subscription to the perp venue alive and
// normalizes its messages into typed updates. It fails over to the
// secondary endpoint after repeated failures on the primary.
type Listener struct {
	logger *slog.Logger
	opts   Options
	dialer *websocket.Dialer
	delay  *delayPolicy
	sleep  func(ctx context.Context, d time.Duration) error

	state     atomic.Int32
	attempts  atomic.Int32
	secondary atomic.Bool

	handlersMu sync.RWMutex
	handlers   []func(Update)

	mu               sync.RWMutex
	mids             map[string]float64
	bestBid          map[string]float64
	bestAsk          map[string]float64
	funding          map[string]float64
	predictedFunding map[string]float64
	openInterest     map[string]float64
	trades           map[string][]tradeMark
	lastMessage      time.Time
}

// NewListener creates a Listener. Run starts it.
func NewListener(logger *slog.Logger, opts Options) *Listener {
	opts.setDefaults()
	return &Listener{
		logger: logger,
		opts:   opts,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
			Proxy:            websocket.DefaultDialer.Proxy,
		},
		delay:            newDelayPolicy(opts.BaseBackoff, opts.MaxBackoff),
		sleep:            sleepContext,
		mids:             make(map[string]float64),
		bestBid:          make(map[string]float64),
		bestAsk:          make(map[string]float64),
		funding:          make(map[string]float64),
		predictedFunding: make(map[string]float64),
		openInterest:     make(map[string]float64),
		trades:           make(map[string][]tradeMark),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// OnUpdate registers a handler called on the listener goroutine for every
// update, in arrival order. Handlers must not block.
func (l *Listener) OnUpdate(fn func(Update)) {
	l.handlersMu.Lock()
	defer l.handlersMu.Unlock()
	l.handlers = append(l.handlers, fn)
}

func (l *Listener) State() State {
	return State(l.state.Load())
}

// Active reports whether messages are currently flowing.
func (l *Listener) Active() bool {
	return l.State() == Streaming
}

// Attempts returns the consecutive failure count on the current endpoint.
func (l *Listener) Attempts() int {
	return int(l.attempts.Load())
}

// Endpoint returns the URL currently in use.
func (l *Listener) Endpoint() string {
	if l.secondary.Load() {
		return l.opts.SecondaryURL
	}
	return l.opts.PrimaryURL
}

func (l *Listener) setState(s State) {
	prev := State(l.state.Swap(int32(s)))
	if prev != s {
		l.logger.Debug("Listener: state change", "from", prev.String(), "to", s.String())
		l.opts.Metrics.SetStreamState(int(s))
	}
}

// Run connects and processes messages until ctx is cancelled or the
// reconnect budget is exhausted, in which case the listener enters the
// Failed state and ErrConnectionExhausted is returned.
func (l *Listener) Run(ctx context.Context) error {
	l.setState(Disconnected)
	for {
		if ctx.Err() != nil {
			l.setState(Disconnected)
			return nil
		}

		url := l.Endpoint()
		l.setState(Connecting)
		l.logger.Info("Listener: connecting to WebSocket", "url", url, "attempt", l.attempts.Load()+1)

		conn, err := l.connect(ctx, url)
		if err == nil {
			l.setState(Subscribed)
			l.attempts.Store(0)
			l.delay.Reset()
			l.logger.Info("Listener: connected successfully", "url", url)

			err = l.readLoop(ctx, conn)
			if ctx.Err() != nil {
				l.setState(Disconnected)
				l.logger.Info("Listener: context cancelled, shutting down")
				return nil
			}
		}
		l.logger.Error("Listener: WebSocket connection failed", "url", url, "error", err)

		attempts := l.attempts.Add(1)
		switch {
		case !l.secondary.Load() && l.opts.SecondaryURL != "" && int(attempts) >= l.opts.FailoverAfter:
			l.secondary.Store(true)
			l.attempts.Store(0)
			l.logger.Warn("Listener: switching to secondary endpoint", "url", l.opts.SecondaryURL, "failures", attempts)
		case int(attempts) >= l.opts.MaxAttempts:
			l.setState(Failed)
			l.logger.Error("Listener: giving up", "attempts", attempts)
			return ErrConnectionExhausted
		}

		wait := l.delay.Next()
		l.setState(Reconnecting)
		l.opts.Metrics.StreamReconnect()
		l.logger.Info("Listener: reconnecting", "backoff", wait)
		if err := l.sleep(ctx, wait); err != nil {
			l.setState(Disconnected)
			return nil
		}
	}
}

func (l *Listener) connect(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := l.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if err := l.subscribe(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return conn, nil
}

type subscription struct {
	Type string `json:"type"`
	Coin string `json:"coin,omitempty"`
}

type subscribeRequest struct {
	Method       string       `json:"method"`
	Subscription subscription `json:"subscription"`
}

func (l *Listener) subscribe(conn *websocket.Conn) error {
	subs := []subscription{{Type: string(ChannelAllMids)}, {Type: string(ChannelMeta)}}
	for _, coin := range l.opts.Coins {
		subs = append(subs,
			subscription{Type: string(ChannelL1Book), Coin: coin},
			subscription{Type: string(ChannelTrades), Coin: coin},
		)
	}
	for _, s := range subs {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(subscribeRequest{Method: "subscribe", Subscription: s}); err != nil {
			return err
		}
	}
	return nil
}

// readLoop processes messages in arrival order until the connection fails
// or ctx is cancelled. A silent connection is dropped after two ping
// intervals.
func (l *Listener) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	defer conn.Close()

	var writeMu sync.Mutex
	go func() {
		ticker := time.NewTicker(l.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				writeMu.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				err := conn.WriteJSON(map[string]string{"method": "ping"})
				writeMu.Unlock()
				if err != nil {
					l.logger.Warn("Listener: ping failed", "error", err)
					conn.Close()
					return
				}
			}
		}
	}()

	deadline := 2 * l.opts.PingInterval
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		l.handleMessage(raw)
	}
}

func (l *Listener) handleMessage(raw []byte) {
	now := time.Now()
	update, err := decode(raw, now)
	if err != nil {
		if !errors.Is(err, errIgnored) {
			l.logger.Warn("Listener: failed to parse message", "error", err)
		}
		return
	}

	if l.State() != Streaming {
		l.setState(Streaming)
	}
	l.opts.Metrics.StreamMessage(string(update.Channel()))
	l.apply(update, now)

	l.handlersMu.RLock()
	handlers := l.handlers
	l.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn(update)
	}
}

// apply updates only the slice of live state the update concerns.
func (l *Listener) apply(update Update, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastMessage = now

	switch u := update.(type) {
	case MidsUpdate:
		for coin, px := range u.Mids {
			l.mids[coin] = px
		}
	case BookUpdate:
		if len(u.Bids) > 0 {
			l.bestBid[u.Coin] = u.Bids[0].Price
		}
		if len(u.Asks) > 0 {
			l.bestAsk[u.Coin] = u.Asks[0].Price
		}
	case TradesUpdate:
		for _, t := range u.Trades {
			l.trades[t.Coin] = append(l.trades[t.Coin], tradeMark{at: t.Time, notional: t.Price * t.Size})
		}
		l.pruneTrades(now)
	case FundingUpdate:
		for coin, m := range u.Assets {
			l.funding[coin] = m.Funding
			l.predictedFunding[coin] = m.PredictedFunding
			l.openInterest[coin] = m.OpenInterest
		}
	}
}

func (l *Listener) pruneTrades(now time.Time) {
	cutoff := now.Add(-volumeWindow)
	for coin, marks := range l.trades {
		i := 0
		for i < len(marks) && marks[i].at.Before(cutoff) {
			i++
		}
		if i == len(marks) {
			delete(l.trades, coin)
			continue
		}
		l.trades[coin] = marks[i:]
	}
}

// Snapshot returns a copy of the live state.
func (l *Listener) Snapshot() LiveState {
	l.mu.RLock()
	defer l.mu.RUnlock()

	volumes := make(map[string]float64, len(l.trades))
	cutoff := time.Now().Add(-volumeWindow)
	for coin, marks := range l.trades {
		for _, m := range marks {
			if !m.at.Before(cutoff) {
				volumes[coin] += m.notional
			}
		}
	}

	return LiveState{
		Mids:             copyMap(l.mids),
		BestBid:          copyMap(l.bestBid),
		BestAsk:          copyMap(l.bestAsk),
		Volume1m:         volumes,
		Funding:          copyMap(l.funding),
		PredictedFunding: copyMap(l.predictedFunding),
		OpenInterest:     copyMap(l.openInterest),
		LastMessage:      l.lastMessage,
	}
}

func copyMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
