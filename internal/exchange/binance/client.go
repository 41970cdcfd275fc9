// Package binance implements the exchange capability against Binance USD-M
// perpetual futures: REST for candles, orders and balances, websocket for
// live kline streams.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/cyclerun/cyclerun/internal/domain"
	"github.com/cyclerun/cyclerun/internal/exchange"
)

// MaxKlineLimit is the venue's per-request bar cap.
const MaxKlineLimit = 1000

// Config holds endpoints, credentials and transport tuning.
type Config struct {
	BaseURL        string
	WSURL          string
	APIKey         string
	APISecret      string
	RateLimitRPS   float64
	RequestTimeout time.Duration
	ReconnectDelay time.Duration
	UserAgent      string
	RecvWindowMS   int64
	OnReconnect    func(symbol domain.Symbol)
}

// Client talks to Binance futures. Safe for concurrent use.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
}

var _ exchange.Client = (*Client)(nil)

// New creates a client with conservative defaults.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "https://fapi.binance.com"
	}
	if config.WSURL == "" {
		config.WSURL = "wss://fstream.binance.com/ws"
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = time.Second
	}
	if config.RateLimitRPS == 0 {
		config.RateLimitRPS = 10 // futures allow ~20/s, stay well under
	}
	if config.UserAgent == "" {
		config.UserAgent = "CycleRun/1.0 (Futures)"
	}
	if config.RecvWindowMS == 0 {
		config.RecvWindowMS = 5000
	}

	burst := int(config.RateLimitRPS)
	if burst < 1 {
		burst = 1
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "binance-rest",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("exchange transport breaker state change")
		},
	})

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.RequestTimeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimitRPS), burst),
		breaker:    breaker,
	}
}

// FetchOHLCV returns up to limit bars starting at sinceMS inclusive.
func (c *Client) FetchOHLCV(ctx context.Context, symbol domain.Symbol, tf domain.Timeframe, sinceMS int64, limit int) ([]domain.Bar, error) {
	const op = "fetch_ohlcv"
	if !tf.Valid() {
		return nil, exchange.Errorf(exchange.KindInvalidOrder, op, "unsupported timeframe %q", tf)
	}
	if limit <= 0 || limit > MaxKlineLimit {
		limit = MaxKlineLimit
	}

	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol.String()))
	params.Set("interval", tf.String())
	params.Set("limit", strconv.Itoa(limit))
	if sinceMS > 0 {
		params.Set("startTime", strconv.FormatInt(sinceMS, 10))
	}

	body, err := c.doPublic(ctx, op, http.MethodGet, "/fapi/v1/klines", params)
	if err != nil {
		return nil, err
	}

	bars, err := parseKlines(body)
	if err != nil {
		return nil, exchange.NewError(exchange.KindUnknown, op, err)
	}
	if !sort.SliceIsSorted(bars, func(i, j int) bool { return bars[i].Timestamp < bars[j].Timestamp }) {
		sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp < bars[j].Timestamp })
	}
	return bars, nil
}

// CreateOrder submits a signed order. ClientOrderID is forwarded as
// newClientOrderId, which the venue dedupes on.
func (c *Client) CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	const op = "create_order"
	if req.Qty <= 0 {
		return exchange.OrderAck{}, exchange.Errorf(exchange.KindInvalidOrder, op, "non-positive qty %.8f", req.Qty)
	}
	if req.Type == exchange.OrderTypeLimit && req.Price <= 0 {
		return exchange.OrderAck{}, exchange.Errorf(exchange.KindInvalidOrder, op, "limit order requires price")
	}

	params := url.Values{}
	params.Set("symbol", strings.ToUpper(req.Symbol.String()))
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", strconv.FormatFloat(req.Qty, 'f', -1, 64))
	if req.Type == exchange.OrderTypeLimit {
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
		tif := req.TimeInForce
		if tif == "" {
			tif = exchange.TimeInForceGTC
		}
		params.Set("timeInForce", tif)
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	body, err := c.doSigned(ctx, op, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return exchange.OrderAck{}, err
	}

	var resp struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchange.OrderAck{}, exchange.NewError(exchange.KindUnknown, op, err)
	}
	return exchange.OrderAck{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Status:        resp.Status,
	}, nil
}

// CancelOrder cancels a resting order by venue id.
func (c *Client) CancelOrder(ctx context.Context, orderID string, symbol domain.Symbol) error {
	const op = "cancel_order"
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol.String()))
	params.Set("orderId", orderID)

	_, err := c.doSigned(ctx, op, http.MethodDelete, "/fapi/v1/order", params)
	return err
}

// FetchBalance returns per-asset balances from the futures wallet.
func (c *Client) FetchBalance(ctx context.Context) (map[string]exchange.AssetBalance, error) {
	const op = "fetch_balance"
	body, err := c.doSigned(ctx, op, http.MethodGet, "/fapi/v2/balance", url.Values{})
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, exchange.NewError(exchange.KindUnknown, op, err)
	}

	out := make(map[string]exchange.AssetBalance, len(rows))
	for _, row := range rows {
		total, _ := strconv.ParseFloat(row.Balance, 64)
		free, _ := strconv.ParseFloat(row.AvailableBalance, 64)
		out[row.Asset] = exchange.AssetBalance{
			Free:  free,
			Used:  total - free,
			Total: total,
		}
	}
	return out, nil
}

func (c *Client) doPublic(ctx context.Context, op, method, path string, params url.Values) ([]byte, error) {
	return c.do(ctx, op, method, path, params, false)
}

func (c *Client) doSigned(ctx context.Context, op, method, path string, params url.Values) ([]byte, error) {
	if c.config.APIKey == "" || c.config.APISecret == "" {
		return nil, exchange.Errorf(exchange.KindAuth, op, "missing API credentials")
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.config.RecvWindowMS, 10))
	params.Set("signature", sign(c.config.APISecret, params.Encode()))
	return c.do(ctx, op, method, path, params, true)
}

func (c *Client) do(ctx context.Context, op, method, path string, params url.Values, signed bool) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, exchange.NewError(exchange.KindNetwork, op, err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		reqURL := c.config.BaseURL + path
		if len(params) > 0 {
			reqURL += "?" + params.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
		if err != nil {
			return nil, exchange.NewError(exchange.KindUnknown, op, err)
		}
		req.Header.Set("User-Agent", c.config.UserAgent)
		req.Header.Set("Accept", "application/json")
		if signed {
			req.Header.Set("X-MBX-APIKEY", c.config.APIKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, exchange.NewError(exchange.KindNetwork, op, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, exchange.NewError(exchange.KindNetwork, op, err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, classifyHTTP(op, resp.StatusCode, body)
		}
		return body, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, exchange.NewError(exchange.KindNetwork, op, err)
		}
		return nil, err
	}
	return result.([]byte), nil
}

// classifyHTTP maps a venue error response onto the error taxonomy.
func classifyHTTP(op string, status int, body []byte) error {
	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &apiErr)

	kind := exchange.KindUnknown
	switch {
	case status == http.StatusTooManyRequests || status == 418 || apiErr.Code == -1003:
		kind = exchange.KindRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden,
		apiErr.Code == -2014, apiErr.Code == -2015, apiErr.Code == -1022:
		kind = exchange.KindAuth
	case apiErr.Code == -2018, apiErr.Code == -2019:
		kind = exchange.KindInsufficientFunds
	case apiErr.Code == -1013, apiErr.Code == -1111, apiErr.Code == -1121, apiErr.Code == -2010, apiErr.Code == -4164:
		kind = exchange.KindInvalidOrder
	case status >= 500:
		kind = exchange.KindNetwork
	}

	msg := apiErr.Msg
	if msg == "" {
		msg = string(body)
	}
	return exchange.Errorf(kind, op, "HTTP %d (code %d): %s", status, apiErr.Code, msg)
}

// parseKlines decodes the venue's kline rows:
// [openTime, "open", "high", "low", "close", "volume", closeTime, ...].
func parseKlines(body []byte) ([]domain.Bar, error) {
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()

	var rows [][]any
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	bars := make([]domain.Bar, 0, len(rows))
	for i, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("kline row %d has %d fields", i, len(row))
		}
		ts, err := toInt64(row[0])
		if err != nil {
			return nil, fmt.Errorf("kline row %d open time: %w", i, err)
		}
		vals := make([]float64, 5)
		for j := 1; j <= 5; j++ {
			v, err := toFloat(row[j])
			if err != nil {
				return nil, fmt.Errorf("kline row %d field %d: %w", i, j, err)
			}
			vals[j-1] = v
		}
		bar := domain.Bar{
			Timestamp: ts,
			Open:      vals[0],
			High:      vals[1],
			Low:       vals[2],
			Close:     vals[3],
			Volume:    vals[4],
		}
		if err := bar.Validate(); err != nil {
			return nil, fmt.Errorf("kline row %d: %w", i, err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
