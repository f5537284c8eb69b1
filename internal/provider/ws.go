package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"moverbot-go/internal/market"
)

// WS streams ticks from a vendor websocket and serves quote/history lookups
// from the matching REST endpoint. It owns exactly one socket at a time;
// reconnect policy lives in the hub, which reacts to the disconnect handler.
type WS struct {
	log     zerolog.Logger
	wsURL   string
	restURL string
	apiKey  string

	mu           sync.Mutex
	conn         *websocket.Conn
	onMessage    MessageHandler
	onDisconnect DisconnectHandler
	client       *http.Client
}

var _ MarketData = (*WS)(nil)

// NewWS builds a websocket-backed provider adapter.
func NewWS(log zerolog.Logger, wsURL, restURL, apiKey string) *WS {
	return &WS{
		log:     log.With().Str("component", "provider-ws").Logger(),
		wsURL:   wsURL,
		restURL: strings.TrimSuffix(restURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// SetHandlers implements MarketData.
func (w *WS) SetHandlers(onMessage MessageHandler, onDisconnect DisconnectHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onMessage = onMessage
	w.onDisconnect = onDisconnect
}

// Connect dials the feed and starts the read loop. A previous socket, if any,
// is closed first so only one connection ever exists.
func (w *WS) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}

	header := http.Header{}
	if w.apiKey != "" {
		header.Set("Authorization", "Bearer "+w.apiKey)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, header)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	})
	w.conn = conn

	go w.readLoop(conn)
	go w.pingLoop(conn)

	w.log.Info().Str("url", w.wsURL).Msg("connected market data feed")
	return nil
}

func (w *WS) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			current := w.conn == conn
			if current {
				w.conn = nil
			}
			handler := w.onDisconnect
			w.mu.Unlock()
			_ = conn.Close()
			// A stale loop from a replaced socket must not trigger reconnects.
			if current && handler != nil {
				handler(err)
			}
			return
		}
		w.mu.Lock()
		handler := w.onMessage
		w.mu.Unlock()
		if handler != nil {
			handler(message)
		}
	}
}

func (w *WS) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		w.mu.Lock()
		current := w.conn == conn
		w.mu.Unlock()
		if !current {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			w.log.Warn().Err(err).Msg("feed ping failed")
			return
		}
	}
}

type wsControl struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

// Subscribe implements MarketData with a single batched control frame.
func (w *WS) Subscribe(symbols []string) error {
	return w.writeControl(wsControl{Action: "subscribe", Symbols: symbols})
}

// Unsubscribe implements MarketData.
func (w *WS) Unsubscribe(symbols []string) error {
	return w.writeControl(wsControl{Action: "unsubscribe", Symbols: symbols})
}

func (w *WS) writeControl(msg wsControl) error {
	if len(msg.Symbols) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return errors.New("feed not connected")
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return w.conn.WriteJSON(msg)
}

type quotePayload struct {
	Symbol    string  `json:"symbol"`
	LastPrice float64 `json:"last_price"`
	PrevClose float64 `json:"prev_close"`
	ChangePct float64 `json:"change_pct"`
}

// Quotes fetches a batched snapshot from the REST endpoint.
func (w *WS) Quotes(ctx context.Context, symbols []string) ([]market.Quote, error) {
	if w.restURL == "" {
		return nil, errors.New("no rest endpoint configured")
	}
	endpoint := fmt.Sprintf("%s/quotes?symbols=%s", w.restURL, url.QueryEscape(strings.Join(symbols, ",")))
	var payload struct {
		Quotes []quotePayload `json:"quotes"`
	}
	if err := w.getJSON(ctx, endpoint, &payload); err != nil {
		return nil, err
	}
	out := make([]market.Quote, 0, len(payload.Quotes))
	for _, q := range payload.Quotes {
		out = append(out, market.Quote{
			Symbol:    market.CanonSymbol(q.Symbol),
			LastPrice: q.LastPrice,
			PrevClose: q.PrevClose,
			ChangePct: q.ChangePct,
		})
	}
	return out, nil
}

type candlePayload struct {
	Ts     int64   `json:"ts"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int     `json:"volume"`
}

// History fetches candles from the REST endpoint.
func (w *WS) History(ctx context.Context, symbol string, interval time.Duration, from, to time.Time) ([]market.Candle, error) {
	if w.restURL == "" {
		return nil, errors.New("no rest endpoint configured")
	}
	endpoint := fmt.Sprintf(
		"%s/history?symbol=%s&interval=%ds&from=%d&to=%d",
		w.restURL, url.QueryEscape(symbol), int(interval.Seconds()), from.Unix(), to.Unix(),
	)
	var payload struct {
		Candles []candlePayload `json:"candles"`
	}
	if err := w.getJSON(ctx, endpoint, &payload); err != nil {
		return nil, err
	}
	out := make([]market.Candle, 0, len(payload.Candles))
	for _, c := range payload.Candles {
		out = append(out, market.Candle{
			Start:   time.Unix(c.Ts, 0),
			Open:    c.Open,
			High:    c.High,
			Low:     c.Low,
			Close:   c.Close,
			Samples: c.Volume,
		})
	}
	return out, nil
}

func (w *WS) getJSON(ctx context.Context, endpoint string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

// Close implements MarketData.
func (w *WS) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}
