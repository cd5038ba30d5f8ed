package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	wallex "github.com/wallexchange/wallex-go"
	"go.uber.org/zap"

	"github.com/marketbeam/tickstore/internal/candle"
	"github.com/marketbeam/tickstore/internal/interval"
	"github.com/marketbeam/tickstore/internal/logger"
)

// Wallex serves historical candles through the REST client and live trades
// through the Socket.IO websocket feed.
type Wallex struct {
	client *wallex.Client
	log    *zap.SugaredLogger
}

func NewWallex(apiKey string, log *zap.SugaredLogger) *Wallex {
	if log == nil {
		log = logger.Nop()
	}
	return &Wallex{
		client: wallex.New(wallex.ClientOptions{APIKey: apiKey}),
		log:    log,
	}
}

func (w *Wallex) Name() string { return "wallex" }

// NormalizeSymbol converts e.g. btc-usdt to BTCUSDT for the Wallex API.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "-", ""))
}

// Wallex timeframes are bare minute counts for intraday ("1", "60") and "1D"
// for daily.
func wallexResolution(g interval.Granularity) string {
	if g == interval.Day1 {
		return "1D"
	}
	return strconv.Itoa(int(g.Duration() / time.Minute))
}

func (w *Wallex) FetchHistorical(ctx context.Context, instrument string, g interval.Granularity, from, to time.Time) ([]candle.Candle, error) {
	if !g.Valid() {
		return nil, fmt.Errorf("wallex: %w: %s", interval.ErrUnsupported, g)
	}

	var raw []*wallex.Candle
	err := retry(ctx, w.log, 3, 2*time.Second, func() error {
		var err error
		raw, err = w.client.Candles(NormalizeSymbol(instrument), wallexResolution(g), from, to)
		if err != nil {
			return fmt.Errorf("fetching candles: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("wallex: FetchHistorical %s %s: %w", instrument, g, err)
	}

	candles := make([]candle.Candle, 0, len(raw))
	for _, wc := range raw {
		c, err := w.convert(instrument, g, wc)
		if err != nil {
			w.log.Warnw("skipping malformed candle from provider",
				"instrument", instrument, "granularity", g, "error", err)
			continue
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func (w *Wallex) FetchIntraday(ctx context.Context, instrument string, g interval.Granularity, count int) ([]candle.Candle, error) {
	if count <= 0 {
		return nil, nil
	}
	to := time.Now().UTC()
	from := to.Add(-time.Duration(count+1) * g.Duration())
	candles, err := w.FetchHistorical(ctx, instrument, g, from, to)
	if err != nil {
		return nil, err
	}
	if len(candles) > count {
		candles = candles[len(candles)-count:]
	}
	return candles, nil
}

// convert maps a provider candle onto the engine type. Prices come over the
// wire as strings; anything unparseable or failing validation is rejected.
func (w *Wallex) convert(instrument string, g interval.Granularity, wc *wallex.Candle) (candle.Candle, error) {
	open, err := strconv.ParseFloat(string(wc.Open), 64)
	if err != nil {
		return candle.Candle{}, fmt.Errorf("open %q: %w", wc.Open, err)
	}
	high, err := strconv.ParseFloat(string(wc.High), 64)
	if err != nil {
		return candle.Candle{}, fmt.Errorf("high %q: %w", wc.High, err)
	}
	low, err := strconv.ParseFloat(string(wc.Low), 64)
	if err != nil {
		return candle.Candle{}, fmt.Errorf("low %q: %w", wc.Low, err)
	}
	cls, err := strconv.ParseFloat(string(wc.Close), 64)
	if err != nil {
		return candle.Candle{}, fmt.Errorf("close %q: %w", wc.Close, err)
	}
	vol, err := strconv.ParseFloat(string(wc.Volume), 64)
	if err != nil {
		return candle.Candle{}, fmt.Errorf("volume %q: %w", wc.Volume, err)
	}

	c := candle.Candle{
		Instrument:  instrument,
		Granularity: g,
		BucketStart: g.Truncate(wc.Timestamp),
		Open:        open,
		High:        high,
		Low:         low,
		Close:       cls,
		Volume:      int64(vol),
		Source:      w.Name(),
	}
	if err := c.Validate(); err != nil {
		return candle.Candle{}, err
	}
	return c, nil
}

func (w *Wallex) StreamLive(ctx context.Context, instruments []string, handler TickHandler) error {
	stream := NewStream(StreamConfig{Logger: w.log})
	return stream.Run(ctx, instruments, handler)
}
