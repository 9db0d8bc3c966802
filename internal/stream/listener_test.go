package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpspot/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// failingServer rejects every handshake and counts the attempts.
func failingServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

// feedServer accepts connections, drains the subscriptions and then writes
// the given frames before idling until the client hangs up.
func feedServer(t *testing.T, coins int, frames ...string) (*httptest.Server, chan []string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	subs := make(chan []string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var got []string
		for i := 0; i < 2+2*coins; i++ {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			got = append(got, string(msg))
		}
		subs <- got

		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, subs
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func newTestListener(opts Options) (*Listener, *sleepRecorder) {
	if opts.PingInterval == 0 {
		opts.PingInterval = 10 * time.Second
	}
	l := NewListener(testLogger(), opts)
	rec := &sleepRecorder{}
	l.sleep = rec.sleep
	return l, rec
}

func TestListener_FailoverToSecondary(t *testing.T) {
	primary, primaryHits := failingServer(t)
	secondary, subs := feedServer(t, 0, `{"channel":"allMids","data":{"mids":{"SOL":"190.5"}}}`)

	l, rec := newTestListener(Options{
		PrimaryURL:    wsURL(primary),
		SecondaryURL:  wsURL(secondary),
		MaxAttempts:   10,
		FailoverAfter: 4,
		BaseBackoff:   time.Second,
		MaxBackoff:    time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case <-subs:
	case <-time.After(5 * time.Second):
		t.Fatal("secondary never received subscriptions")
	}
	require.Eventually(t, l.Active, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(4), primaryHits.Load())
	assert.Equal(t, wsURL(secondary), l.Endpoint())
	assert.Equal(t, 0, l.Attempts())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, rec.recorded())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}
	assert.Equal(t, Disconnected, l.State())
}

func TestListener_Exhausted(t *testing.T) {
	t.Run("gives up without secondary", func(t *testing.T) {
		primary, hits := failingServer(t)
		l, rec := newTestListener(Options{
			PrimaryURL:  wsURL(primary),
			MaxAttempts: 3,
			BaseBackoff: time.Second,
			MaxBackoff:  time.Minute,
		})

		err := l.Run(context.Background())
		assert.ErrorIs(t, err, ErrConnectionExhausted)
		assert.Equal(t, Failed, l.State())
		assert.Equal(t, int32(3), hits.Load())
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.recorded())
	})

	t.Run("delays are capped", func(t *testing.T) {
		primary, _ := failingServer(t)
		l, rec := newTestListener(Options{
			PrimaryURL:  wsURL(primary),
			MaxAttempts: 6,
			BaseBackoff: time.Second,
			MaxBackoff:  4 * time.Second,
		})

		err := l.Run(context.Background())
		assert.ErrorIs(t, err, ErrConnectionExhausted)
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}, rec.recorded())
	})

	t.Run("secondary failures continue the schedule", func(t *testing.T) {
		primary, primaryHits := failingServer(t)
		secondary, secondaryHits := failingServer(t)
		l, rec := newTestListener(Options{
			PrimaryURL:    wsURL(primary),
			SecondaryURL:  wsURL(secondary),
			MaxAttempts:   3,
			FailoverAfter: 2,
			BaseBackoff:   time.Second,
			MaxBackoff:    time.Minute,
		})

		err := l.Run(context.Background())
		assert.ErrorIs(t, err, ErrConnectionExhausted)
		assert.Equal(t, int32(2), primaryHits.Load())
		assert.Equal(t, int32(3), secondaryHits.Load())

		delays := rec.recorded()
		for i := 1; i < len(delays); i++ {
			assert.GreaterOrEqual(t, delays[i], delays[i-1])
		}
	})
}

// flakyServer rejects handshakes except the one numbered accept, which it
// upgrades, drains, sends frame on and then drops.
func flakyServer(t *testing.T, accept int32, frame string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) != accept {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 2; i++ {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestListener_BackoffResetsAfterConnect(t *testing.T) {
	srv, hits := flakyServer(t, 3, `{"channel":"allMids","data":{"mids":{"SOL":"190.5"}}}`)
	l, rec := newTestListener(Options{
		PrimaryURL:  wsURL(srv),
		MaxAttempts: 4,
		BaseBackoff: time.Second,
		MaxBackoff:  time.Minute,
	})

	attemptsWhileStreaming := atomic.Int32{}
	attemptsWhileStreaming.Store(-1)
	l.OnUpdate(func(Update) {
		attemptsWhileStreaming.Store(int32(l.Attempts()))
	})

	err := l.Run(context.Background())
	assert.ErrorIs(t, err, ErrConnectionExhausted)
	assert.Equal(t, int32(6), hits.Load())
	assert.Equal(t, int32(0), attemptsWhileStreaming.Load())

	// two failures, the drop after a good connection, then two more failures
	delays := rec.recorded()
	require.Len(t, delays, 5)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays[:2])
	assert.Equal(t, time.Second, delays[2])
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, delays[3:])
}

func TestListener_CancelDuringBackoff(t *testing.T) {
	primary, _ := failingServer(t)
	l := NewListener(testLogger(), Options{PrimaryURL: wsURL(primary), BaseBackoff: time.Hour, MaxBackoff: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return l.State() == Reconnecting }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}
	assert.Equal(t, Disconnected, l.State())
}

func TestListener_LiveState(t *testing.T) {
	now := time.Now().UnixMilli()
	srv, subs := feedServer(t, 1,
		`{"channel":"subscriptionResponse","data":{"method":"subscribe"}}`,
		`{"channel":"allMids","data":{"mids":{"SOL":"190.5","ETH":"3500"}}}`,
		`{"channel":"l1Book","data":{"coin":"SOL","levels":[[{"px":"190.4","sz":"10","n":2}],[{"px":"190.6","sz":"8","n":1}]]}}`,
		fmt.Sprintf(`{"channel":"trades","data":[{"coin":"SOL","side":"B","px":"190","sz":"2","time":%d},{"coin":"SOL","side":"A","px":"191","sz":"1","time":%d}]}`, now, now),
		`{"channel":"meta","data":{"universe":[{"name":"SOL","funding":{"funding":"0.0001","predictedFunding":"0.0002"},"openInterest":"1500000"}]}}`,
	)

	l, _ := newTestListener(Options{PrimaryURL: wsURL(srv), Coins: []string{"SOL"}})

	var mu sync.Mutex
	var seen []Channel
	l.OnUpdate(func(u Update) {
		mu.Lock()
		seen = append(seen, u.Channel())
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	var sent []string
	select {
	case sent = <-subs:
	case <-time.After(5 * time.Second):
		t.Fatal("no subscriptions received")
	}
	require.Len(t, sent, 4)
	assert.JSONEq(t, `{"method":"subscribe","subscription":{"type":"allMids"}}`, sent[0])
	assert.JSONEq(t, `{"method":"subscribe","subscription":{"type":"meta"}}`, sent[1])
	assert.JSONEq(t, `{"method":"subscribe","subscription":{"type":"l1Book","coin":"SOL"}}`, sent[2])
	assert.JSONEq(t, `{"method":"subscribe","subscription":{"type":"trades","coin":"SOL"}}`, sent[3])

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []Channel{ChannelAllMids, ChannelL1Book, ChannelTrades, ChannelMeta}, seen)
	mu.Unlock()

	snap := l.Snapshot()
	assert.True(t, snap.HasData())
	assert.Equal(t, 190.5, snap.Mids["SOL"])
	assert.Equal(t, 3500.0, snap.Mids["ETH"])
	assert.Equal(t, 190.4, snap.BestBid["SOL"])
	assert.Equal(t, 190.6, snap.BestAsk["SOL"])
	assert.InDelta(t, 571.0, snap.Volume1m["SOL"], 1e-9)
	assert.Equal(t, 0.0001, snap.Funding["SOL"])
	assert.Equal(t, 0.0002, snap.PredictedFunding["SOL"])
	assert.Equal(t, 1500000.0, snap.OpenInterest["SOL"])
	assert.False(t, snap.LastMessage.IsZero())
	assert.Equal(t, Streaming, l.State())

	snap.Mids["SOL"] = 1
	assert.Equal(t, 190.5, l.Snapshot().Mids["SOL"])
}

func TestListener_TradeWindow(t *testing.T) {
	l := NewListener(testLogger(), Options{})
	now := time.Now()
	l.apply(TradesUpdate{Trades: []Trade{
		{Coin: "SOL", Price: 100, Size: 1, Time: now.Add(-2 * time.Minute)},
		{Coin: "SOL", Price: 100, Size: 2, Time: now},
		{Coin: "ETH", Price: 3000, Size: 1, Time: now.Add(-90 * time.Second)},
	}}, now)

	snap := l.Snapshot()
	assert.Equal(t, 200.0, snap.Volume1m["SOL"])
	_, ok := snap.Volume1m["ETH"]
	assert.False(t, ok)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default().Stream
	opts := OptionsFromConfig(cfg, []string{"SOL"}, nil)
	assert.Equal(t, cfg.PrimaryURL, opts.PrimaryURL)
	assert.Equal(t, 10, opts.MaxAttempts)
	assert.Equal(t, 4, opts.FailoverAfter)
	assert.Equal(t, time.Second, opts.BaseBackoff)
	assert.Equal(t, time.Minute, opts.MaxBackoff)

	l := NewListener(testLogger(), Options{})
	assert.Equal(t, DefaultPrimaryURL, l.Endpoint())
	assert.Equal(t, Disconnected, l.State())
	assert.False(t, l.Active())
}
