package binance

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"binance-signal-engine/internal/market"
)

// StreamBaseURL is the production futures combined-stream endpoint.
const StreamBaseURL = "wss://fstream.binance.com"

// ErrStreamNotConnected is returned by ReadEvents before Connect or after
// Close.
var ErrStreamNotConnected = errors.New("stream not connected")

const streamQueueSize = 4096

// streamConn is the slice of *websocket.Conn the client uses; tests
// substitute their own.
type streamConn interface {
	ReadMessage() (int, []byte, error)
	Close() error
}

// StreamClient subscribes to bookTicker and kline_1m for a set of symbols
// over one combined stream. A reader goroutine feeds an internal queue;
// ReadEvents drains whatever has arrived without blocking, so the caller
// can poll it from a slow loop.
type StreamClient struct {
	symbols []string
	baseURL string
	log     zerolog.Logger

	dial func(ctx context.Context, url string) (streamConn, error)

	mu        sync.Mutex
	conn      streamConn
	connected bool
	queue     chan []byte
	errCh     chan error
	done      chan struct{}
}

// NewStreamClient builds a client for the given symbols against baseURL,
// or the production endpoint when baseURL is empty.
func NewStreamClient(symbols []string, baseURL string, log zerolog.Logger) *StreamClient {
	if baseURL == "" {
		baseURL = StreamBaseURL
	}
	return &StreamClient{
		symbols: symbols,
		baseURL: baseURL,
		log:     log,
		dial: func(ctx context.Context, url string) (streamConn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
	}
}

// Connected reports whether a connection is open.
func (s *StreamClient) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Connect opens the combined stream and starts the reader goroutine.
func (s *StreamClient) Connect(ctx context.Context) error {
	streamParts := make([]string, 0, len(s.symbols)*2)
	for _, symbol := range s.symbols {
		lower := strings.ToLower(symbol)
		streamParts = append(streamParts, lower+"@bookTicker", lower+"@kline_1m")
	}
	streams := strings.Join(streamParts, "/")
	url := s.baseURL + "/stream?streams=" + streams

	conn, err := s.dial(ctx, url)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.queue = make(chan []byte, streamQueueSize)
	s.errCh = make(chan error, 1)
	s.done = make(chan struct{})
	queue, errCh, done := s.queue, s.errCh, s.done
	s.mu.Unlock()

	go readLoop(conn, queue, errCh, done)
	s.log.Info().Str("streams", streams).Msg("ws connected")
	return nil
}

// Close tears the connection down. Safe to call repeatedly.
func (s *StreamClient) Close() {
	s.mu.Lock()
	conn, done := s.conn, s.done
	s.conn = nil
	s.connected = false
	s.done = nil
	s.mu.Unlock()

	if done != nil {
		close(done)
	}
	if conn != nil {
		_ = conn.Close()
		s.log.Warn().Msg("ws connection closed")
	}
}

// ReadEvents returns every event that has arrived since the last call.
// A read failure on the connection surfaces here once the queued events
// ahead of it have been drained away.
func (s *StreamClient) ReadEvents() ([]market.PriceTick, []market.KlineTick, error) {
	s.mu.Lock()
	connected, queue, errCh := s.connected, s.queue, s.errCh
	s.mu.Unlock()

	if !connected {
		return nil, nil, ErrStreamNotConnected
	}

	var ticks []market.PriceTick
	var klineTicks []market.KlineTick
	for {
		select {
		case raw := <-queue:
			tick, klineTick := parseStreamMessage(raw)
			if tick != nil {
				ticks = append(ticks, *tick)
			}
			if klineTick != nil {
				klineTicks = append(klineTicks, *klineTick)
			}
		default:
			select {
			case err := <-errCh:
				return nil, nil, err
			default:
				return ticks, klineTicks, nil
			}
		}
	}
}

func readLoop(conn streamConn, queue chan<- []byte, errCh chan<- error, done <-chan struct{}) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			select {
			case errCh <- err:
			case <-done:
			}
			return
		}
		select {
		case queue <- payload:
		case <-done:
			return
		}
	}
}

// streamEvent covers both payloads the combined stream delivers. Combined
// streams wrap the event in a {"stream","data"} envelope; raw streams do
// not.
type streamEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	BidPrice  string `json:"b"`
	AskPrice  string `json:"a"`
	Kline     struct {
		OpenTime int64  `json:"t"`
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Close    string `json:"c"`
		IsClosed bool   `json:"x"`
	} `json:"k"`
}

func parseStreamMessage(raw []byte) (*market.PriceTick, *market.KlineTick) {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	payload := raw
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, nil
	}
	if len(envelope.Data) > 0 {
		payload = envelope.Data
	}

	var event streamEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, nil
	}
	symbol := strings.ToUpper(event.Symbol)
	ts := eventTime(event.EventTime)

	switch event.EventType {
	case "bookTicker":
		bid, bidOK := parseOptionalFloat(event.BidPrice)
		ask, askOK := parseOptionalFloat(event.AskPrice)
		if symbol == "" || (!bidOK && !askOK) {
			return nil, nil
		}
		price := bid
		switch {
		case bidOK && askOK:
			price = (bid + ask) / 2
		case askOK:
			price = ask
		}
		return &market.PriceTick{Symbol: symbol, Price: price, TS: ts}, nil

	case "kline":
		open, openOK := parseOptionalFloat(event.Kline.Open)
		high, highOK := parseOptionalFloat(event.Kline.High)
		low, lowOK := parseOptionalFloat(event.Kline.Low)
		closePrice, closeOK := parseOptionalFloat(event.Kline.Close)
		if symbol == "" || event.Kline.OpenTime == 0 || !openOK || !highOK || !lowOK || !closeOK {
			return nil, nil
		}
		return nil, &market.KlineTick{
			Symbol:     symbol,
			Candle:     market.Candle{Open: open, High: high, Low: low, Close: closePrice},
			OpenTimeMS: event.Kline.OpenTime,
			TS:         ts,
			IsClosed:   event.Kline.IsClosed,
		}
	}
	return nil, nil
}

func eventTime(eventTimeMS int64) time.Time {
	if eventTimeMS > 0 {
		return time.UnixMilli(eventTimeMS).UTC()
	}
	return time.Now().UTC()
}

func parseOptionalFloat(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
