package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/cyclerun/cyclerun/internal/domain"
	"github.com/cyclerun/cyclerun/internal/exchange"
)

const (
	readDeadline     = 60 * time.Second
	pingInterval     = 30 * time.Second
	writeDeadline    = 5 * time.Second
	maxReconnectWait = 30 * time.Second
)

// klineEvent is the venue's continuous kline push.
type klineEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime int64  `json:"t"`
		Interval string `json:"i"`
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Close    string `json:"c"`
		Volume   string `json:"v"`
		Closed   bool   `json:"x"`
	} `json:"k"`
}

// candleStream is a self-healing kline subscription. Only closed bars are
// delivered; partial updates are dropped.
type candleStream struct {
	client *Client
	symbol domain.Symbol
	tf     domain.Timeframe

	bars chan domain.Bar
	errs chan error

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

var _ exchange.Subscription = (*candleStream)(nil)

// StreamCandles opens a websocket kline stream for symbol/tf. The stream
// reconnects with exponential backoff until Close is called or ctx ends.
func (c *Client) StreamCandles(ctx context.Context, symbol domain.Symbol, tf domain.Timeframe) (exchange.Subscription, error) {
	if !tf.Valid() {
		return nil, exchange.Errorf(exchange.KindInvalidOrder, "stream_candles", "unsupported timeframe %q", tf)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &candleStream{
		client: c,
		symbol: symbol,
		tf:     tf,
		bars:   make(chan domain.Bar, 64),
		errs:   make(chan error, 8),
		ctx:    streamCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *candleStream) Bars() <-chan domain.Bar { return s.bars }
func (s *candleStream) Err() <-chan error       { return s.errs }

// Close stops the stream. Idempotent.
func (s *candleStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		close(s.bars)
		close(s.errs)
	})
	return nil
}

func (s *candleStream) streamURL() string {
	return fmt.Sprintf("%s/%s@kline_%s",
		strings.TrimRight(s.client.config.WSURL, "/"),
		strings.ToLower(s.symbol.String()),
		s.tf.String())
}

// run dials, consumes until failure, then backs off and redials.
func (s *candleStream) run() {
	defer close(s.done)

	wait := s.client.config.ReconnectDelay
	first := true
	for {
		if s.ctx.Err() != nil {
			return
		}

		conn, err := s.dial()
		if err != nil {
			s.emitErr(exchange.NewError(exchange.KindNetwork, "stream_candles", err))
			if !s.sleep(wait) {
				return
			}
			wait = nextWait(wait)
			continue
		}

		if !first && s.client.config.OnReconnect != nil {
			s.client.config.OnReconnect(s.symbol)
		}
		first = false
		wait = s.client.config.ReconnectDelay

		s.consume(conn)
		conn.Close()

		if s.ctx.Err() != nil {
			return
		}
		log.Warn().
			Str("symbol", s.symbol.String()).
			Str("timeframe", s.tf.String()).
			Msg("Candle stream dropped, reconnecting")
		if !s.sleep(wait) {
			return
		}
		wait = nextWait(wait)
	}
}

func (s *candleStream) dial() (*websocket.Conn, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 30 * time.Second

	headers := make(map[string][]string)
	headers["User-Agent"] = []string{s.client.config.UserAgent}

	conn, _, err := dialer.DialContext(s.ctx, s.streamURL(), headers)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	log.Debug().
		Str("symbol", s.symbol.String()).
		Str("timeframe", s.tf.String()).
		Msg("Candle stream connected")
	return conn, nil
}

// consume reads kline events until the connection errors or the stream
// context ends. A watcher goroutine closes the connection on cancel so the
// blocking read returns promptly.
func (s *candleStream) consume(conn *websocket.Conn) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Candle stream message loop panic")
		}
	}()

	stopPing := make(chan struct{})
	defer close(stopPing)
	go s.pingLoop(conn, stopPing)

	go func() {
		select {
		case <-s.ctx.Done():
			conn.Close()
		case <-stopPing:
		}
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.emitErr(exchange.NewError(exchange.KindNetwork, "stream_candles", err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := s.handleMessage(data); err != nil {
			log.Error().Err(err).Msg("Failed to process kline event")
		}
	}
}

func (s *candleStream) handleMessage(data []byte) error {
	var event klineEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("parse kline event: %w", err)
	}
	if event.EventType != "kline" || !event.Kline.Closed {
		return nil
	}

	bar, err := klineToBar(event)
	if err != nil {
		return err
	}

	select {
	case s.bars <- bar:
	case <-s.ctx.Done():
	}
	return nil
}

func (s *candleStream) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Msg("Candle stream ping failed")
				conn.Close()
				return
			}
		}
	}
}

func (s *candleStream) emitErr(err error) {
	select {
	case s.errs <- err:
	default:
		// Consumer not draining, drop rather than block the stream.
	}
}

func (s *candleStream) sleep(d time.Duration) bool {
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextWait(d time.Duration) time.Duration {
	d *= 2
	if d > maxReconnectWait {
		d = maxReconnectWait
	}
	return d
}

func klineToBar(event klineEvent) (domain.Bar, error) {
	fields := [5]string{
		event.Kline.Open,
		event.Kline.High,
		event.Kline.Low,
		event.Kline.Close,
		event.Kline.Volume,
	}
	var vals [5]float64
	for i, raw := range fields {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return domain.Bar{}, fmt.Errorf("parse kline field %d: %w", i, err)
		}
		vals[i] = v
	}

	bar := domain.Bar{
		Timestamp: event.Kline.OpenTime,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}
	if err := bar.Validate(); err != nil {
		return domain.Bar{}, err
	}
	return bar, nil
}
