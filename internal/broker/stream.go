package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marketbeam/tickstore/internal/candle"
	"github.com/marketbeam/tickstore/internal/logger"
)

const (
	streamHost    = "api.wallex.ir"
	streamPath    = "/socket.io/"
	pingInterval  = 20 * time.Second
	readDeadline  = 30 * time.Second
	maxReconnect  = 60 * time.Second
	tradeChanSufx = "@trade"
)

// StreamConfig tunes the websocket trade stream.
type StreamConfig struct {
	Host   string // default api.wallex.ir
	Logger *zap.SugaredLogger
}

// Stream maintains a Socket.IO websocket session against the trade feed,
// decoding trade events into ticks. A dropped connection is redialed with
// exponential backoff; the session only ends when ctx is cancelled.
type Stream struct {
	host string
	log  *zap.SugaredLogger
}

func NewStream(cfg StreamConfig) *Stream {
	if cfg.Host == "" {
		cfg.Host = streamHost
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	return &Stream{host: cfg.Host, log: cfg.Logger}
}

// tradeEvent is the payload of a trade channel message.
type tradeEvent struct {
	IsBuyOrder bool      `json:"isBuyOrder"`
	Quantity   string    `json:"quantity"`
	Price      string    `json:"price"`
	Timestamp  time.Time `json:"timestamp"`
}

type subscribeMessage struct {
	Channel string `json:"channel"`
}

// Run streams trades for the given instruments into handler until ctx is
// cancelled.
func (s *Stream) Run(ctx context.Context, instruments []string, handler TickHandler) error {
	if len(instruments) == 0 {
		return fmt.Errorf("stream: no instruments to subscribe")
	}
	retryDelay := time.Second
	for {
		err := s.session(ctx, instruments, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warnw("stream disconnected, reconnecting",
			"backoff", retryDelay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
		if retryDelay < maxReconnect {
			retryDelay *= 2
			if retryDelay > maxReconnect {
				retryDelay = maxReconnect
			}
		}
	}
}

// session runs one websocket connection from dial to first error.
func (s *Stream) session(ctx context.Context, instruments []string, handler TickHandler) error {
	u := url.URL{Scheme: "wss", Host: s.host, Path: streamPath}
	query := u.Query()
	query.Set("EIO", "4")
	query.Set("transport", "websocket")
	u.RawQuery = query.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Close the connection when ctx ends so the blocked read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	// Socket.IO connect frame.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("40")); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	channels := make(map[string]string, len(instruments)) // channel -> instrument
	for _, instrument := range instruments {
		channels[NormalizeSymbol(instrument)+tradeChanSufx] = instrument
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()
	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				conn.WriteMessage(websocket.PingMessage, nil)
			}
		}
	}()

	subscribed := false
	for {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		msg := string(message)
		switch {
		case msg == "2":
			// Socket.IO ping, answer with pong.
			if err := conn.WriteMessage(websocket.TextMessage, []byte("3")); err != nil {
				return fmt.Errorf("pong: %w", err)
			}
		case strings.HasPrefix(msg, "40") && !subscribed:
			subscribed = true
			for channel := range channels {
				payload, err := json.Marshal(subscribeMessage{Channel: channel})
				if err != nil {
					return err
				}
				frame := fmt.Sprintf(`42["subscribe",%s]`, payload)
				if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
					return fmt.Errorf("subscribe %s: %w", channel, err)
				}
				s.log.Infow("subscribed to trade channel", "channel", channel)
			}
		case strings.HasPrefix(msg, "42"):
			s.dispatch(msg[2:], channels, handler)
		}
	}
}

// dispatch decodes a Socket.IO event frame and forwards trades on known
// channels. Malformed frames are logged and dropped; they never kill the
// session.
func (s *Stream) dispatch(payload string, channels map[string]string, handler TickHandler) {
	var frame []json.RawMessage
	if err := json.Unmarshal([]byte(payload), &frame); err != nil || len(frame) < 2 {
		s.log.Debugw("ignoring undecodable event frame", "payload", payload)
		return
	}
	var channel string
	if err := json.Unmarshal(frame[0], &channel); err != nil {
		return
	}
	instrument, ok := channels[channel]
	if !ok {
		return
	}
	var ev tradeEvent
	if err := json.Unmarshal(frame[1], &ev); err != nil {
		s.log.Warnw("undecodable trade event", "channel", channel, "error", err)
		return
	}
	tick, err := ev.toTick(instrument)
	if err != nil {
		s.log.Warnw("dropping malformed trade", "channel", channel, "error", err)
		return
	}
	handler(tick)
}

func (ev tradeEvent) toTick(instrument string) (candle.Tick, error) {
	price, err := strconv.ParseFloat(ev.Price, 64)
	if err != nil {
		return candle.Tick{}, fmt.Errorf("price %q: %w", ev.Price, err)
	}
	qty, err := strconv.ParseFloat(ev.Quantity, 64)
	if err != nil {
		return candle.Tick{}, fmt.Errorf("quantity %q: %w", ev.Quantity, err)
	}
	tick := candle.Tick{
		Instrument: instrument,
		Price:      price,
		Volume:     int64(qty),
		EventTime:  ev.Timestamp.UTC(),
	}
	return tick, tick.Validate()
}
