package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"tickflow/logger"
	"tickflow/models"

	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"
)

// request is the wire shape of a stream command. The value slot is
// heterogeneous: a token list for subscribe/unsubscribe, a
// [mode, tokens] pair for mode changes.
type request struct {
	Action string        `json:"a"`
	Value  []interface{} `json:"v"`
}

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionMode        = "mode"

	writeTimeout = 10 * time.Second
)

// Ticker is one websocket connection to the quote stream. It parses
// tick-array frames and hands batches to the registered callbacks from
// its read goroutine.
type Ticker struct {
	endpoint     string
	creds        Credentials
	pingInterval time.Duration
	callbacks    Callbacks

	conn    *websocket.Conn
	writeMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	parsers fastjson.ParserPool
	log     *logger.Log
}

// NewTicker builds an unconnected Ticker for the given endpoint.
func NewTicker(endpoint string, creds Credentials, pingInterval time.Duration, callbacks Callbacks) *Ticker {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Ticker{
		endpoint:     endpoint,
		creds:        creds,
		pingInterval: pingInterval,
		callbacks:    callbacks,
		done:         make(chan struct{}),
		log:          logger.GetLogger(),
	}
}

// NewDialFunc returns a DialFunc that dials the endpoint with a fresh
// Ticker per attempt. The supervisor never reuses a ticker across
// connections.
func NewDialFunc(endpoint string, pingInterval time.Duration, callbacks Callbacks) DialFunc {
	return func(ctx context.Context, creds Credentials) (Client, error) {
		t := NewTicker(endpoint, creds, pingInterval, callbacks)
		if err := t.Connect(ctx); err != nil {
			return nil, err
		}
		return t, nil
	}
}

// Connect dials the endpoint with the credentials as query parameters
// and starts the read and keepalive loops.
func (t *Ticker) Connect(ctx context.Context) error {
	u, err := url.Parse(t.endpoint)
	if err != nil {
		return fmt.Errorf("invalid feed url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", t.creds.APIKey)
	q.Set("access_token", t.creds.AccessToken)
	u.RawQuery = q.Encode()

	log := t.log.WithComponent("feed_ticker")

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("feed dial failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("feed dial failed: %w", err)
	}
	t.conn = conn
	t.ctx, t.cancel = context.WithCancel(ctx)

	log.WithFields(logger.Fields{"endpoint": t.endpoint}).Info("feed connected")
	if t.callbacks.OnConnect != nil {
		t.callbacks.OnConnect()
	}

	t.wg.Add(2)
	go t.readLoop()
	go t.pingLoop()

	return nil
}

// Subscribe registers interest in the given tokens.
func (t *Ticker) Subscribe(tokens []uint32) error {
	return t.send(request{Action: actionSubscribe, Value: tokenValues(tokens)})
}

// SetMode switches the detail level delivered for the tokens.
func (t *Ticker) SetMode(mode string, tokens []uint32) error {
	return t.send(request{Action: actionMode, Value: []interface{}{mode, tokenList(tokens)}})
}

// Done is closed when the connection has terminated.
func (t *Ticker) Done() <-chan struct{} {
	return t.done
}

// Close tears the connection down and waits for the loops to exit.
func (t *Ticker) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		t.writeMu.Lock()
		deadline := time.Now().Add(writeTimeout)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		t.writeMu.Unlock()
		err = t.conn.Close()
		t.wg.Wait()
	})
	return err
}

func (t *Ticker) send(req request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode stream request: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("failed to send %s request: %w", req.Action, err)
	}
	return nil
}

func (t *Ticker) readLoop() {
	defer t.wg.Done()
	defer close(t.done)

	log := t.log.WithComponent("feed_ticker")

	for {
		if t.ctx.Err() != nil {
			return
		}

		msgType, payload, err := t.conn.ReadMessage()
		if err != nil {
			if t.ctx.Err() == nil {
				log.WithError(err).Warn("feed read failed")
				if t.callbacks.OnClose != nil {
					t.callbacks.OnClose(err)
				}
			}
			t.cancel()
			return
		}
		if msgType != websocket.TextMessage || len(payload) == 0 {
			continue
		}

		batch, err := t.parseTicks(payload)
		if err != nil {
			log.WithError(err).Warn("dropping unparseable feed frame")
			if t.callbacks.OnError != nil {
				t.callbacks.OnError(err)
			}
			continue
		}
		if len(batch.Ticks) == 0 {
			continue
		}
		if t.callbacks.OnTicks != nil {
			t.callbacks.OnTicks(batch)
		}
	}
}

func (t *Ticker) pingLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.writeMu.Lock()
			deadline := time.Now().Add(writeTimeout)
			err := t.conn.WriteControl(websocket.PingMessage, nil, deadline)
			t.writeMu.Unlock()
			if err != nil {
				t.log.WithComponent("feed_ticker").WithError(err).Warn("feed ping failed")
				return
			}
		}
	}
}

// parseTicks decodes one tick-array frame. Frames arrive at full
// market rate, so decoding goes through a pooled fastjson parser
// instead of encoding/json.
func (t *Ticker) parseTicks(payload []byte) (models.TickBatch, error) {
	parser := t.parsers.Get()
	defer t.parsers.Put(parser)

	root, err := parser.ParseBytes(payload)
	if err != nil {
		return models.TickBatch{}, fmt.Errorf("malformed tick frame: %w", err)
	}
	items, err := root.Array()
	if err != nil {
		return models.TickBatch{}, fmt.Errorf("tick frame is not an array: %w", err)
	}

	now := time.Now()
	batch := models.TickBatch{
		Ticks:      make([]models.InstrumentTick, 0, len(items)),
		ReceivedAt: now,
	}
	for _, item := range items {
		tick := models.InstrumentTick{
			Token:      uint32(item.GetUint64("token")),
			LastPrice:  item.GetFloat64("last_price"),
			Change:     item.GetFloat64("change"),
			Volume:     item.GetInt64("volume"),
			OI:         item.GetInt64("oi"),
			ReceivedAt: now,
		}
		if tick.Token == 0 {
			continue
		}
		if ohlc := item.Get("ohlc"); ohlc != nil {
			tick.OHLC = models.OHLC{
				Open:  ohlc.GetFloat64("open"),
				High:  ohlc.GetFloat64("high"),
				Low:   ohlc.GetFloat64("low"),
				Close: ohlc.GetFloat64("close"),
			}
		}
		if depth := item.Get("depth"); depth != nil {
			if buys := depth.GetArray("buy"); len(buys) > 0 {
				tick.BestBid = models.DepthLevel{
					Price:    buys[0].GetFloat64("price"),
					Quantity: buys[0].GetInt64("quantity"),
				}
			}
			if sells := depth.GetArray("sell"); len(sells) > 0 {
				tick.BestAsk = models.DepthLevel{
					Price:    sells[0].GetFloat64("price"),
					Quantity: sells[0].GetInt64("quantity"),
				}
			}
		}
		batch.Ticks = append(batch.Ticks, tick)
	}
	return batch, nil
}

func tokenValues(tokens []uint32) []interface{} {
	out := make([]interface{}, len(tokens))
	for i, tok := range tokens {
		out[i] = tok
	}
	return out
}

func tokenList(tokens []uint32) []uint32 {
	if tokens == nil {
		return []uint32{}
	}
	return tokens
}
