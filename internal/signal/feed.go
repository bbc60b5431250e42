package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Intent is a strategy's recommended trade as it arrives on the wire.
type Intent struct {
	StrategyID    string  `msgpack:"strategy_id"`
	Venue         string  `msgpack:"venue"`
	Symbol        string  `msgpack:"symbol"`
	Side          string  `msgpack:"side"`
	Confidence    float64 `msgpack:"confidence"`
	ClientOrderID string  `msgpack:"client_order_id"`
}

func (i Intent) Validate() error {
	if i.StrategyID == "" {
		return errors.New("signal: strategy_id is required")
	}
	if i.Symbol == "" {
		return errors.New("signal: symbol is required")
	}
	if i.Side != "BUY" && i.Side != "SELL" {
		return fmt.Errorf("signal: invalid side %q", i.Side)
	}
	if i.Confidence < 0 || i.Confidence > 1 {
		return fmt.Errorf("signal: confidence %.4f outside [0, 1]", i.Confidence)
	}
	return nil
}

// Source produces trade intents until the context ends. The websocket feed
// is the production implementation; tests use channel-backed sources.
type Source interface {
	Run(ctx context.Context, handler func(Intent)) error
}

// Feed consumes msgpack-encoded intents from an upstream signal service
// over a websocket, reconnecting on read failures.
type Feed struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewFeed(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{url: url, reconnectDelay: reconnectDelay, pingInterval: pingInterval, log: log}
}

func (f *Feed) Run(ctx context.Context, handler func(Intent)) error {
	for {
		if err := f.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn("signal feed dial failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.reconnectDelay):
			}
			continue
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			f.pingLoop(pingCtx)
		}()
		err := f.readLoop(ctx, handler)
		cancel()
		<-pingDone
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.log.Warn("signal feed read loop ended", zap.Error(err))
		f.resetConn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.reconnectDelay):
		}
	}
}

func (f *Feed) connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, f.url, nil)
	if err != nil {
		return err
	}
	f.conn = conn
	return nil
}

func (f *Feed) readLoop(ctx context.Context, handler func(Intent)) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return errors.New("signal feed not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		intent, err := decodeIntent(data)
		if err != nil {
			f.log.Warn("dropping malformed intent", zap.Error(err))
			continue
		}
		if handler != nil {
			handler(intent)
		}
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	f.mu.Lock()
	conn := f.conn
	interval := f.pingInterval
	f.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		}
	}
}

func (f *Feed) resetConn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.Close(websocket.StatusNormalClosure, "reset")
		f.conn = nil
	}
}

func decodeIntent(data []byte) (Intent, error) {
	var intent Intent
	if err := msgpack.Unmarshal(data, &intent); err != nil {
		return Intent{}, fmt.Errorf("decode intent: %w", err)
	}
	if err := intent.Validate(); err != nil {
		return Intent{}, err
	}
	return intent, nil
}
