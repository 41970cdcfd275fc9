package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyclerun/cyclerun/internal/domain"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func klineJSON(openTime int64, closePx string, closed bool) string {
	state := "false"
	if closed {
		state = "true"
	}
	return `{"e":"kline","s":"BTCUSDT","k":{"t":` + strconv.FormatInt(openTime, 10) +
		`,"i":"1h","o":"100","h":"102","l":"99","c":"` + closePx + `","v":"10","x":` + state + `}}`
}

func wsTestServer(t *testing.T, handler func(conn *websocket.Conn, connNum int64)) *httptest.Server {
	t.Helper()
	var conns int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := atomic.AddInt64(&conns, 1)
		handler(conn, n)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitBar(t *testing.T, bars <-chan domain.Bar, within time.Duration) domain.Bar {
	t.Helper()
	select {
	case bar, ok := <-bars:
		require.True(t, ok, "bar channel closed early")
		return bar
	case <-time.After(within):
		t.Fatal("timed out waiting for bar")
		return domain.Bar{}
	}
}

func TestStreamDeliversOnlyClosedBars(t *testing.T) {
	srv := wsTestServer(t, func(conn *websocket.Conn, _ int64) {
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(klineJSON(1700000000000, "100.5", false)))
		conn.WriteMessage(websocket.TextMessage, []byte(klineJSON(1700000000000, "101.5", true)))
		conn.WriteMessage(websocket.TextMessage, []byte(klineJSON(1700003600000, "102.5", true)))
		time.Sleep(200 * time.Millisecond)
	})

	client := New(Config{WSURL: wsURL(srv), ReconnectDelay: 10 * time.Millisecond, RateLimitRPS: 1000})
	sub, err := client.StreamCandles(context.Background(), domain.Symbol("BTCUSDT"), domain.Timeframe1h)
	require.NoError(t, err)
	defer sub.Close()

	first := waitBar(t, sub.Bars(), 2*time.Second)
	assert.Equal(t, int64(1700000000000), first.Timestamp)
	assert.InDelta(t, 101.5, first.Close, 1e-9, "partial kline must be skipped")

	second := waitBar(t, sub.Bars(), 2*time.Second)
	assert.Equal(t, int64(1700003600000), second.Timestamp)
}

func TestStreamReconnects(t *testing.T) {
	srv := wsTestServer(t, func(conn *websocket.Conn, connNum int64) {
		defer conn.Close()
		if connNum == 1 {
			conn.WriteMessage(websocket.TextMessage, []byte(klineJSON(1700000000000, "101.5", true)))
			return // drop the connection
		}
		conn.WriteMessage(websocket.TextMessage, []byte(klineJSON(1700003600000, "103.0", true)))
		time.Sleep(200 * time.Millisecond)
	})

	var reconnects int64
	client := New(Config{
		WSURL:          wsURL(srv),
		ReconnectDelay: 10 * time.Millisecond,
		RateLimitRPS:   1000,
		OnReconnect:    func(domain.Symbol) { atomic.AddInt64(&reconnects, 1) },
	})

	sub, err := client.StreamCandles(context.Background(), domain.Symbol("BTCUSDT"), domain.Timeframe1h)
	require.NoError(t, err)
	defer sub.Close()

	first := waitBar(t, sub.Bars(), 2*time.Second)
	assert.Equal(t, int64(1700000000000), first.Timestamp)

	second := waitBar(t, sub.Bars(), 5*time.Second)
	assert.Equal(t, int64(1700003600000), second.Timestamp)
	assert.GreaterOrEqual(t, atomic.LoadInt64(&reconnects), int64(1))
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	srv := wsTestServer(t, func(conn *websocket.Conn, _ int64) {
		defer conn.Close()
		time.Sleep(100 * time.Millisecond)
	})

	client := New(Config{WSURL: wsURL(srv), ReconnectDelay: 10 * time.Millisecond, RateLimitRPS: 1000})
	sub, err := client.StreamCandles(context.Background(), domain.Symbol("BTCUSDT"), domain.Timeframe1h)
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	_, ok := <-sub.Bars()
	assert.False(t, ok, "bar channel should be closed")
}
