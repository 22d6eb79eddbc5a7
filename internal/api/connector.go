package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fusion-trader/internal/model"
	"fusion-trader/internal/service"
)

// OkxWsData is the generic OKX v5 push envelope.
type OkxWsData struct {
	Arg struct {
		Channel string `json:"channel"`
		InstId  string `json:"instId"`
	} `json:"arg"`
	Data  json.RawMessage `json:"data"` // decoded per channel
	Event string          `json:"event"`
	Msg   string          `json:"msg"`
}

// OkxTradeData is one element of the trades channel.
type OkxTradeData struct {
	Timestamp string `json:"ts"`
	Price     string `json:"px"`
	Size      string `json:"sz"`
	Side      string `json:"side"` // taker side
	TradeId   string `json:"tradeId"`
	InstId    string `json:"instId"`
}

// OkxTickerData is one element of the tickers channel.
type OkxTickerData struct {
	LastPrice string `json:"last"`
	Timestamp string `json:"ts"`
	InstId    string `json:"instId"`
}

// InstMap maps an exchange instrument ID to the watchlist symbol.
type InstMap map[string]string

// InstID turns a watchlist symbol into an OKX instrument ID: BTCUSDT -> BTC-USDT.
// Symbols that already carry a dash are used as is.
func InstID(symbol string) string {
	if strings.Contains(symbol, "-") {
		return symbol
	}
	for _, quote := range []string{"USDT", "USDC", "USD", "BTC", "ETH"} {
		if len(symbol) > len(quote) && strings.HasSuffix(symbol, quote) {
			return symbol[:len(symbol)-len(quote)] + "-" + quote
		}
	}
	return symbol
}

// Connector streams trades and ticker snapshots for the watchlist and reconnects with
// exponential backoff when the socket drops.
type Connector struct {
	wsURL         string
	instToSymbol  InstMap
	tickerChannel chan model.Ticker
	dialer        *websocket.Dialer
	maxBackoff    time.Duration
	pingInterval  time.Duration // OKX drops a socket that is silent for 30s
	logger        *zap.SugaredLogger
}

func NewConnector(wsURL string, symbols []string, logger *zap.SugaredLogger) *Connector {
	if logger == nil {
		logger = service.Logger.Sugar()
	}
	instToSymbol := make(InstMap, len(symbols))
	for _, symbol := range symbols {
		instToSymbol[InstID(symbol)] = symbol
	}
	logger.Infow("Connector initialized", "Symbols", symbols)

	return &Connector{
		wsURL:         wsURL,
		instToSymbol:  instToSymbol,
		tickerChannel: make(chan model.Ticker, 2048),
		dialer:        websocket.DefaultDialer,
		maxBackoff:    time.Minute,
		pingInterval:  25 * time.Second,
		logger:        logger,
	}
}

// GetTickerChannel is the connector's single output. It is closed when Start returns.
func (c *Connector) GetTickerChannel() <-chan model.Ticker {
	return c.tickerChannel
}

// Start connects, subscribes and reads until ctx is cancelled.
func (c *Connector) Start(ctx context.Context) error {
	defer close(c.tickerChannel)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxInterval = c.maxBackoff
	eb.MaxElapsedTime = 0 // never give up while ctx is alive

	operation := func() error {
		err := c.session(ctx, eb.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Errorw("WS session ended, reconnecting", "error", err, "wait", wait)
	}
	err := backoff.RetryNotify(operation, backoff.WithContext(eb, ctx), notify)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// session runs one connection. connected is called once the subscription is accepted.
func (c *Connector) session(ctx context.Context, connected func()) error {
	c.logger.Infow("Starting Okx WS multi-symbol connection...", "URL", c.wsURL)
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.wsURL, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var args []map[string]string
	for instID := range c.instToSymbol {
		args = append(args, map[string]string{"channel": "trades", "instId": instID})
		args = append(args, map[string]string{"channel": "tickers", "instId": instID})
	}
	if err := conn.WriteJSON(map[string]interface{}{"op": "subscribe", "args": args}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	c.logger.Info("Subscribed to all Okx TRADE and TICKERS streams successfully")
	connected()

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go c.keepalive(pingCtx, conn)

	for {
		// a pong or a push must arrive within two ping periods
		_ = conn.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.handleMessage(message)
	}
}

// keepalive sends the text "ping" OKX expects from idle clients. It is the only writer once the
// subscription is sent.
func (c *Connector) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(c.pingInterval))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
				c.logger.Warnw("WS ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Connector) handleMessage(message []byte) {
	if string(message) == "pong" {
		return
	}
	var wsResp OkxWsData
	if err := json.Unmarshal(message, &wsResp); err != nil {
		return
	}
	if wsResp.Event != "" {
		if wsResp.Event == "error" {
			c.logger.Errorw("WS error event", "msg", wsResp.Msg)
		}
		return
	}
	symbol, ok := c.instToSymbol[wsResp.Arg.InstId]
	if !ok || len(wsResp.Data) == 0 {
		return
	}

	switch wsResp.Arg.Channel {
	case "trades":
		var trades []OkxTradeData
		if err := json.Unmarshal(wsResp.Data, &trades); err != nil {
			c.logger.Errorw("Trade data unmarshal error", "error", err)
			return
		}
		for _, tr := range trades {
			price, err := service.StringToFloat(tr.Price)
			if err != nil {
				continue
			}
			volume, err := service.StringToFloat(tr.Size)
			if err != nil {
				continue
			}
			ts, err := service.StringToInt64(tr.Timestamp)
			if err != nil {
				continue
			}
			c.emit(model.Ticker{
				Symbol:       symbol,
				Timestamp:    ts,
				Price:        price,
				Volume:       volume,
				IsBuyerMaker: tr.Side != "buy", // taker sold into the bid
			})
		}
	case "tickers":
		var tickers []OkxTickerData
		if err := json.Unmarshal(wsResp.Data, &tickers); err != nil || len(tickers) == 0 {
			return
		}
		price, err := service.StringToFloat(tickers[0].LastPrice)
		if err != nil {
			return
		}
		ts, _ := service.StringToInt64(tickers[0].Timestamp)
		// price snapshot: no volume
		c.emit(model.Ticker{Symbol: symbol, Timestamp: ts, Price: price})
	}
}

func (c *Connector) emit(t model.Ticker) {
	select {
	case c.tickerChannel <- t:
	default:
		c.logger.Warnw("Ticker channel full! Dropping data", "Symbol", t.Symbol)
	}
}
