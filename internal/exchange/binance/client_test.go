package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyclerun/cyclerun/internal/domain"
	"github.com/cyclerun/cyclerun/internal/exchange"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:      srv.URL,
		APIKey:       "test-key",
		APISecret:    "test-secret",
		RateLimitRPS: 1000,
	})
}

func TestFetchOHLCVParsesKlines(t *testing.T) {
	var gotQuery map[string]string
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/klines", r.URL.Path)
		q := r.URL.Query()
		gotQuery = map[string]string{
			"symbol":    q.Get("symbol"),
			"interval":  q.Get("interval"),
			"startTime": q.Get("startTime"),
			"limit":     q.Get("limit"),
		}
		w.Write([]byte(`[
			[1700000000000,"100.5","101.0","99.5","100.8","1200.5",1700003599999,"0",10,"0","0","0"],
			[1700003600000,"100.8","102.0","100.1","101.5","900.0",1700007199999,"0",8,"0","0","0"]
		]`))
	})

	bars, err := client.FetchOHLCV(context.Background(), domain.Symbol("BTCUSDT"), domain.Timeframe1h, 1700000000000, 500)
	require.NoError(t, err)
	require.Len(t, bars, 2)

	assert.Equal(t, "BTCUSDT", gotQuery["symbol"])
	assert.Equal(t, "1h", gotQuery["interval"])
	assert.Equal(t, "1700000000000", gotQuery["startTime"])
	assert.Equal(t, "500", gotQuery["limit"])

	assert.Equal(t, int64(1700000000000), bars[0].Timestamp)
	assert.InDelta(t, 100.5, bars[0].Open, 1e-9)
	assert.InDelta(t, 101.0, bars[0].High, 1e-9)
	assert.InDelta(t, 99.5, bars[0].Low, 1e-9)
	assert.InDelta(t, 100.8, bars[0].Close, 1e-9)
	assert.InDelta(t, 1200.5, bars[0].Volume, 1e-9)
	assert.Less(t, bars[0].Timestamp, bars[1].Timestamp, "bars should be ascending")
}

func TestFetchOHLCVSortsDescendingResponse(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			[1700003600000,"100.8","102.0","100.1","101.5","900.0",0,"0",0,"0","0","0"],
			[1700000000000,"100.5","101.0","99.5","100.8","1200.5",0,"0",0,"0","0","0"]
		]`))
	})

	bars, err := client.FetchOHLCV(context.Background(), domain.Symbol("BTCUSDT"), domain.Timeframe1h, 0, 2)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Less(t, bars[0].Timestamp, bars[1].Timestamp)
}

func TestFetchOHLCVRejectsBadTimeframe(t *testing.T) {
	client := New(Config{BaseURL: "http://unused", RateLimitRPS: 1000})
	_, err := client.FetchOHLCV(context.Background(), domain.Symbol("BTCUSDT"), domain.Timeframe("7m"), 0, 10)
	require.Error(t, err)
	assert.Equal(t, exchange.KindInvalidOrder, exchange.KindOf(err))
}

func TestCreateOrderSignsRequest(t *testing.T) {
	var gotHeader string
	var gotQuery map[string]string
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/fapi/v1/order", r.URL.Path)
		gotHeader = r.Header.Get("X-MBX-APIKEY")
		q := r.URL.Query()
		gotQuery = map[string]string{
			"symbol":           q.Get("symbol"),
			"side":             q.Get("side"),
			"type":             q.Get("type"),
			"quantity":         q.Get("quantity"),
			"price":            q.Get("price"),
			"timeInForce":      q.Get("timeInForce"),
			"newClientOrderId": q.Get("newClientOrderId"),
			"signature":        q.Get("signature"),
			"timestamp":        q.Get("timestamp"),
		}
		w.Write([]byte(`{"orderId":123456,"clientOrderId":"bot_abc","status":"NEW"}`))
	})

	ack, err := client.CreateOrder(context.Background(), exchange.OrderRequest{
		Symbol:        domain.Symbol("BTCUSDT"),
		Side:          domain.SideBuy,
		Type:          exchange.OrderTypeLimit,
		Qty:           0.25,
		Price:         50000,
		ClientOrderID: "bot_abc",
	})
	require.NoError(t, err)

	assert.Equal(t, "test-key", gotHeader)
	assert.Equal(t, "BTCUSDT", gotQuery["symbol"])
	assert.Equal(t, "BUY", gotQuery["side"])
	assert.Equal(t, "LIMIT", gotQuery["type"])
	assert.Equal(t, "0.25", gotQuery["quantity"])
	assert.Equal(t, "50000", gotQuery["price"])
	assert.Equal(t, "GTC", gotQuery["timeInForce"])
	assert.Equal(t, "bot_abc", gotQuery["newClientOrderId"])
	assert.NotEmpty(t, gotQuery["signature"])
	assert.NotEmpty(t, gotQuery["timestamp"])

	assert.Equal(t, "123456", ack.OrderID)
	assert.Equal(t, "bot_abc", ack.ClientOrderID)
	assert.Equal(t, "NEW", ack.Status)
}

func TestCreateOrderValidation(t *testing.T) {
	client := New(Config{BaseURL: "http://unused", APIKey: "k", APISecret: "s", RateLimitRPS: 1000})

	_, err := client.CreateOrder(context.Background(), exchange.OrderRequest{
		Symbol: domain.Symbol("BTCUSDT"), Side: domain.SideBuy, Type: exchange.OrderTypeLimit, Qty: 0, Price: 100,
	})
	assert.Equal(t, exchange.KindInvalidOrder, exchange.KindOf(err))

	_, err = client.CreateOrder(context.Background(), exchange.OrderRequest{
		Symbol: domain.Symbol("BTCUSDT"), Side: domain.SideBuy, Type: exchange.OrderTypeLimit, Qty: 1, Price: 0,
	})
	assert.Equal(t, exchange.KindInvalidOrder, exchange.KindOf(err))
}

func TestErrorTaxonomyMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   exchange.Kind
	}{
		{"insufficient margin", 400, `{"code":-2019,"msg":"Margin is insufficient."}`, exchange.KindInsufficientFunds},
		{"rejected order", 400, `{"code":-2010,"msg":"Order would immediately trigger."}`, exchange.KindInvalidOrder},
		{"rate limited", 429, `{"code":-1003,"msg":"Too many requests."}`, exchange.KindRateLimit},
		{"bad credentials", 401, `{"code":-2015,"msg":"Invalid API-key."}`, exchange.KindAuth},
		{"server error", 503, `{"code":-1001,"msg":"Internal error."}`, exchange.KindNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			})
			_, err := client.CreateOrder(context.Background(), exchange.OrderRequest{
				Symbol: domain.Symbol("BTCUSDT"), Side: domain.SideBuy, Type: exchange.OrderTypeMarket, Qty: 1,
			})
			require.Error(t, err)
			assert.Equal(t, tc.want, exchange.KindOf(err), "unexpected kind for %s", tc.name)
		})
	}
}

func TestCancelOrder(t *testing.T) {
	var gotMethod, gotOrderID string
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotOrderID = r.URL.Query().Get("orderId")
		w.Write([]byte(`{"orderId":777,"status":"CANCELED"}`))
	})

	err := client.CancelOrder(context.Background(), "777", domain.Symbol("ETHUSDT"))
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "777", gotOrderID)
}

func TestFetchBalance(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v2/balance", r.URL.Path)
		w.Write([]byte(`[
			{"asset":"USDT","balance":"10000.0","availableBalance":"9500.0"},
			{"asset":"BNB","balance":"2.5","availableBalance":"2.5"}
		]`))
	})

	balances, err := client.FetchBalance(context.Background())
	require.NoError(t, err)
	require.Contains(t, balances, "USDT")

	usdt := balances["USDT"]
	assert.InDelta(t, 9500.0, usdt.Free, 1e-9)
	assert.InDelta(t, 500.0, usdt.Used, 1e-9)
	assert.InDelta(t, 10000.0, usdt.Total, 1e-9)
}

func TestSignedEndpointsRequireCredentials(t *testing.T) {
	client := New(Config{BaseURL: "http://unused", RateLimitRPS: 1000})
	_, err := client.FetchBalance(context.Background())
	require.Error(t, err)
	assert.Equal(t, exchange.KindAuth, exchange.KindOf(err))
}

func TestSignDeterministic(t *testing.T) {
	// Reference vector from the venue's API documentation.
	got := sign("NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j",
		"symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559")
	assert.Equal(t, "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71", got)
}
