package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/theta_engine/internal/models"
)

// WebsocketConfig configures a WebsocketTickFeed.
type WebsocketConfig struct {
	URL          string
	Token        string
	ReadTimeout  time.Duration
	PingInterval time.Duration // Must be below ReadTimeout; defaults to 9/10 of it
	Buffer       int
}

// wsTick is the wire format of one streamed tick.
type wsTick struct {
	Symbol string  `json:"symbol"`
	Type   string  `json:"type"`
	Price  float64 `json:"price"`
	Bid    float64 `json:"bid,omitempty"`
	Ask    float64 `json:"ask,omitempty"`
	TS     int64   `json:"ts"` // unix milliseconds
}

type wsSubscribe struct {
	Action string `json:"action"`
	Symbol string `json:"symbol"`
}

// WebsocketTickFeed streams ticks from a JSON websocket endpoint, one
// connection per subscription.
type WebsocketTickFeed struct {
	cfg    WebsocketConfig
	dialer *websocket.Dialer
	logger *logrus.Entry
}

// Ensure WebsocketTickFeed implements TickFeed at compile time.
var _ TickFeed = (*WebsocketTickFeed)(nil)

// NewWebsocketTickFeed creates a feed for cfg.URL.
func NewWebsocketTickFeed(cfg WebsocketConfig, logger *logrus.Logger) *WebsocketTickFeed {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 45 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.ReadTimeout {
		cfg.PingInterval = cfg.ReadTimeout * 9 / 10
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultPaperConfig.TickBuffer
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &WebsocketTickFeed{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		logger: logger.WithField("component", "ws_feed"),
	}
}

// Subscribe dials the endpoint, requests ticker and streams its ticks until
// the subscription is closed or the connection fails.
func (f *WebsocketTickFeed) Subscribe(ctx context.Context, ticker models.Ticker) (*TickSubscription, error) {
	header := http.Header{}
	if f.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+f.cfg.Token)
	}
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial tick feed for %s: %w", ticker, err)
	}
	if err := conn.WriteJSON(wsSubscribe{Action: "subscribe", Symbol: ticker.Symbol()}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w", ticker, err)
	}

	sub := NewTickSubscription(ticker, f.cfg.Buffer, func() { _ = conn.Close() })
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		f.readLoop(ctx, conn, sub)
	}()
	go f.pingLoop(conn, stopped)
	return sub, nil
}

// pingLoop keeps a quiet stream alive: every pong extends the read deadline.
func (f *WebsocketTickFeed) pingLoop(conn *websocket.Conn, stopped <-chan struct{}) {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopped:
			return
		case <-ticker.C:
			deadline := time.Now().Add(f.cfg.PingInterval)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// the read loop reports the broken connection
				f.logger.WithError(err).Debug("Ping failed")
				return
			}
		}
	}
}

func (f *WebsocketTickFeed) readLoop(ctx context.Context, conn *websocket.Conn, sub *TickSubscription) {
	log := f.logger.WithField("ticker", sub.Ticker())
	_ = conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-sub.Done():
				sub.Finish(nil)
			default:
				log.WithError(err).Warn("Tick stream failed")
				sub.Finish(err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))

		tick, ok := f.decode(msg, sub.Ticker())
		if !ok {
			continue
		}
		if !sub.Publish(ctx, tick) {
			_ = conn.Close()
			sub.Finish(ctx.Err())
			return
		}
	}
}

func (f *WebsocketTickFeed) decode(msg []byte, ticker models.Ticker) (models.Tick, bool) {
	var w wsTick
	if err := json.Unmarshal(msg, &w); err != nil {
		f.logger.WithError(err).Debug("Skipping undecodable tick message")
		return models.Tick{}, false
	}
	if !strings.EqualFold(strings.TrimSpace(w.Symbol), ticker.Symbol()) {
		return models.Tick{}, false
	}
	tt := models.TickType(strings.ToUpper(w.Type))
	switch tt {
	case models.TickTypeLast, models.TickTypeBid, models.TickTypeAsk:
	default:
		f.logger.WithField("type", w.Type).Debug("Skipping unsupported tick type")
		return models.Tick{}, false
	}
	ts := time.Now().UTC()
	if w.TS > 0 {
		ts = time.UnixMilli(w.TS).UTC()
	}
	return models.Tick{
		Ticker:    ticker,
		Type:      tt,
		Price:     w.Price,
		Bid:       w.Bid,
		Ask:       w.Ask,
		Timestamp: ts,
	}, true
}
