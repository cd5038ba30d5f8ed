// Package config
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/marketbeam/tickstore/internal/interval"
)

/*
YAML config example:
instruments: ["BTCUSDT", "ETHUSDT"]
granularities: ["5m", "1h", "1d"]
backend: "file"
data_dir: "./data"
db_conn_str: "host=localhost port=5432 user=postgres dbname=tickstore sslmode=disable"
hot_window: 500
persist_timeout: 2s
fetch_cycle: 30s
metrics_addr: ":9090"
log_level: "info"
*/

type Config struct {
	Instruments    []string               `yaml:"instruments"`
	Granularities  []interval.Granularity `yaml:"granularities"`
	Backend        string                 `yaml:"backend"` // file, postgres, memory
	DataDir        string                 `yaml:"data_dir"`
	DBConnStr      string                 `yaml:"db_conn_str"`
	HotWindow      int                    `yaml:"hot_window"`
	PersistTimeout time.Duration          `yaml:"persist_timeout"`
	FetchCycle     time.Duration          `yaml:"fetch_cycle"`
	ColdStart      time.Duration          `yaml:"cold_start"`
	EnableBackfill bool                   `yaml:"enable_backfill"`
	NotifierBuffer int                    `yaml:"notifier_buffer"`
	MetricsAddr    string                 `yaml:"metrics_addr"`
	LogLevel       string                 `yaml:"log_level"`

	WallexAPIKey   string `yaml:"-"`
	TelegramToken  string `yaml:"-"`
	TelegramChatID string `yaml:"-"`
}

// Load builds the configuration from flags, an optional YAML file, and the
// environment. Secrets only come from the environment; a .env file is loaded
// when present.
func Load() (Config, error) {
	instrumentsFlag := flag.String("instruments", "BTCUSDT", "Comma-separated list of instruments to ingest")
	granularitiesFlag := flag.String("granularities", "5m,15m,30m,1h,1d", "Comma-separated consolidation granularities")
	backend := flag.String("backend", "file", "Durable backend: file, postgres or memory")
	dataDir := flag.String("data-dir", "./data", "Directory for the append-only candle log")
	hotWindow := flag.Int("hot-window", 500, "Candles kept in memory per series")
	persistTimeout := flag.Duration("persist-timeout", 2*time.Second, "Bound on synchronous durable writes")
	fetchCycle := flag.Duration("fetch-cycle", 30*time.Second, "Backfill fetch interval")
	coldStart := flag.Duration("cold-start", 24*time.Hour, "History fetched for an empty series")
	enableBackfill := flag.Bool("backfill", true, "Enable periodic historical backfill")
	notifierBuffer := flag.Int("notifier-buffer", 256, "Per-subscriber event queue size")
	metricsAddr := flag.String("metrics-addr", ":9090", "Prometheus metrics listen address")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	configFile := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	// Missing .env is fine: deployments may set the environment directly.
	_ = godotenv.Load()

	cfg := Config{
		Instruments:    splitList(*instrumentsFlag),
		Backend:        *backend,
		DataDir:        *dataDir,
		HotWindow:      *hotWindow,
		PersistTimeout: *persistTimeout,
		FetchCycle:     *fetchCycle,
		ColdStart:      *coldStart,
		EnableBackfill: *enableBackfill,
		NotifierBuffer: *notifierBuffer,
		MetricsAddr:    *metricsAddr,
		LogLevel:       *logLevel,
	}
	for _, raw := range splitList(*granularitiesFlag) {
		g, err := interval.Parse(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: granularity %q: %w", raw, err)
		}
		cfg.Granularities = append(cfg.Granularities, g)
	}

	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", *configFile, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", *configFile, err)
		}
	}

	cfg.WallexAPIKey = os.Getenv("WALLEX_API_KEY")
	cfg.TelegramToken = os.Getenv("TELEGRAM_TOKEN")
	cfg.TelegramChatID = os.Getenv("TELEGRAM_CHAT_ID")
	cfg.DBConnStr = os.Getenv("DB_CONN_STR")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if len(c.Instruments) == 0 {
		return fmt.Errorf("config: no instruments configured")
	}
	switch c.Backend {
	case "file":
		if c.DataDir == "" {
			return fmt.Errorf("config: file backend requires data_dir")
		}
	case "postgres":
		if c.DBConnStr == "" {
			return fmt.Errorf("config: postgres backend requires DB_CONN_STR")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	for _, g := range c.Granularities {
		if !g.Valid() {
			return fmt.Errorf("config: %w: %s", interval.ErrUnsupported, g)
		}
		if g != interval.Base && !g.MultipleOf(interval.Base) {
			return fmt.Errorf("config: granularity %s is not a multiple of %s", g, interval.Base)
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
