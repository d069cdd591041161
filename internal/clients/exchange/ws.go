package exchange

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"nhooyr.io/websocket"

	"github.com/aristath/darwin/internal/domain"
)

const (
	dialTimeout = 30 * time.Second

	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	maxReconnectAttempts = 10
)

// QuoteHandler receives every tick from the feed. Handlers must be fast;
// the gateway's handler just swaps a cache entry under a write lock.
type QuoteHandler func(quote domain.Quote)

// TickerFeed maintains a websocket subscription to the exchange ticker
// stream and pushes quotes to the registered handler. It reconnects with
// exponential backoff; after maxReconnectAttempts it gives up and marks
// itself disconnected so the gateway starts failing reads with an outage.
type TickerFeed struct {
	url        string
	symbols    []string
	httpClient *http.Client
	handler    QuoteHandler
	log        zerolog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	stopChan  chan struct{}
	stopped   bool
}

// createHTTP1Client creates an HTTP client that forces HTTP/1.1.
// Required because CDN edges negotiate HTTP/2 via TLS ALPN, but the
// websocket upgrade handshake needs HTTP/1.1.
func createHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				NextProtos: []string{"http/1.1"},
			},
			ForceAttemptHTTP2: false,
		},
	}
}

// NewTickerFeed creates a ticker feed for the given stream URL and symbols.
func NewTickerFeed(url string, symbols []string, handler QuoteHandler, log zerolog.Logger) *TickerFeed {
	return &TickerFeed{
		url:        url,
		symbols:    symbols,
		httpClient: createHTTP1Client(),
		handler:    handler,
		log:        log.With().Str("component", "ticker_feed").Logger(),
		stopChan:   make(chan struct{}),
	}
}

// Start connects and begins the read loop. Returns after the first
// connection attempt; reconnection runs in the background.
func (f *TickerFeed) Start(ctx context.Context) error {
	if err := f.connect(ctx); err != nil {
		f.log.Warn().Err(err).Msg("Initial websocket connection failed, will retry in background")
		go f.reconnectLoop(ctx)
		return nil
	}
	go f.readLoop(ctx)
	return nil
}

// Stop closes the connection and halts reconnection.
func (f *TickerFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	f.stopped = true
	close(f.stopChan)
	if f.conn != nil {
		_ = f.conn.Close(websocket.StatusNormalClosure, "shutting down")
		f.conn = nil
	}
	f.connected = false
}

// Connected reports whether the feed currently has a live connection.
func (f *TickerFeed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// tickerMessage is the wire form of one tick from the stream.
type tickerMessage struct {
	Symbol string `json:"symbol"`
	Bid    string `json:"bid"`
	Ask    string `json:"ask"`
	Last   string `json:"last"`
	Ts     int64  `json:"ts"`
}

type subscribeMessage struct {
	Op      string   `json:"op"`
	Channel string   `json:"channel"`
	Symbols []string `json:"symbols"`
}

func (f *TickerFeed) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, f.url, &websocket.DialOptions{
		HTTPClient: f.httpClient,
	})
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", f.url, err)
	}

	sub := subscribeMessage{Op: "subscribe", Channel: "ticker", Symbols: f.symbols}
	payload, err := json.Marshal(sub)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe marshal failed")
		return fmt.Errorf("failed to marshal subscribe message: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe write failed")
		return fmt.Errorf("failed to send subscribe message: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.mu.Unlock()

	f.log.Info().Str("url", f.url).Int("symbols", len(f.symbols)).Msg("Websocket connected")
	return nil
}

func (f *TickerFeed) readLoop(ctx context.Context) {
	for {
		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			f.mu.Lock()
			f.connected = false
			f.conn = nil
			stopped := f.stopped
			f.mu.Unlock()

			if stopped || ctx.Err() != nil {
				return
			}
			f.log.Warn().Err(err).Msg("Websocket read failed, reconnecting")
			go f.reconnectLoop(ctx)
			return
		}

		var msg tickerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			f.log.Debug().Err(err).Msg("Skipping unparseable ticker message")
			continue
		}
		if msg.Symbol == "" {
			continue
		}

		bid, _ := decimal.NewFromString(msg.Bid)
		ask, _ := decimal.NewFromString(msg.Ask)
		last, _ := decimal.NewFromString(msg.Last)
		f.handler(domain.Quote{
			Symbol: msg.Symbol,
			Bid:    bid,
			Ask:    ask,
			Last:   last,
			Ts:     time.Unix(msg.Ts, 0),
		})
	}
}

func (f *TickerFeed) reconnectLoop(ctx context.Context) {
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		delay := time.Duration(float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}

		select {
		case <-f.stopChan:
			return
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := f.connect(ctx); err != nil {
			f.log.Warn().Err(err).Int("attempt", attempt).Msg("Websocket reconnect failed")
			continue
		}
		go f.readLoop(ctx)
		return
	}
	f.log.Error().Int("attempts", maxReconnectAttempts).Msg("Websocket reconnect gave up")
}
