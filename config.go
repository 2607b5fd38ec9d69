package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"
)

// Config is the process configuration. Flags win over environment
// variables, which win over the defaults below.
type Config struct {
	Addr         string
	ClientDir    string
	PublicURL    string
	DBPath       string
	TPS          int
	Size         int
	MaxNumber    int
	ClaimUnowned bool
	RateLimit    float64
	LogDev       bool
}

func defaultConfig() Config {
	return Config{
		Addr:      ":3002",
		ClientDir: "./frontend/dist",
		TPS:       60,
		Size:      20,
		MaxNumber: 4,
		RateLimit: maxMessagesPerSec,
	}
}

// LoadConfig reads an optional .env file, then the WUERFEL_* environment,
// then command line args
func LoadConfig(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaultConfig()
	env := envReader{}
	cfg.Addr = env.str("WUERFEL_ADDR", cfg.Addr)
	cfg.ClientDir = env.str("WUERFEL_CLIENT_DIR", cfg.ClientDir)
	cfg.PublicURL = env.str("WUERFEL_PUBLIC_URL", cfg.PublicURL)
	cfg.DBPath = env.str("WUERFEL_DB", cfg.DBPath)
	cfg.TPS = env.int("WUERFEL_TPS", cfg.TPS)
	cfg.Size = env.int("WUERFEL_SIZE", cfg.Size)
	cfg.MaxNumber = env.int("WUERFEL_MAX_NUMBER", cfg.MaxNumber)
	cfg.ClaimUnowned = env.bool("WUERFEL_CLAIM_UNOWNED", cfg.ClaimUnowned)
	cfg.RateLimit = env.float("WUERFEL_RATE_LIMIT", cfg.RateLimit)
	cfg.LogDev = env.bool("WUERFEL_LOG_DEV", cfg.LogDev)
	if env.err != nil {
		return Config{}, env.err
	}

	fset := flag.NewFlagSet("wuerfel-server", flag.ContinueOnError)
	fset.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	fset.StringVar(&cfg.ClientDir, "client", cfg.ClientDir, "Path to client directory")
	fset.StringVar(&cfg.PublicURL, "public-url", cfg.PublicURL, "URL encoded in /qr.png (default: derived from request)")
	fset.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite file for analytics events (empty disables analytics)")
	fset.IntVar(&cfg.TPS, "tps", cfg.TPS, "Ticks per second")
	fset.IntVar(&cfg.Size, "size", cfg.Size, "Grid width and height")
	fset.IntVar(&cfg.MaxNumber, "max-number", cfg.MaxNumber, "Square count that triggers an expansion when exceeded")
	fset.BoolVar(&cfg.ClaimUnowned, "claim-unowned", cfg.ClaimUnowned, "Clicking an unowned cell claims it instead of being ignored")
	fset.Float64Var(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "Inbound messages per second per client (0 disables)")
	fset.BoolVar(&cfg.LogDev, "log-dev", cfg.LogDev, "Human readable development logging")
	if err := fset.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// minMaxNumber is the smallest max-number for which every cascade ends. An
// explosion removes max-number+1 and hands out at most one per neighbour.
const minMaxNumber = 4

// Validate checks ranges
func (c Config) Validate() error {
	switch {
	case c.Size < 1 || c.Size > 1<<16-1:
		return fmt.Errorf("size must be in [1, 65535], got %d", c.Size)
	case c.MaxNumber < minMaxNumber || c.MaxNumber > 255:
		return fmt.Errorf("max-number must be in [%d, 255], got %d", minMaxNumber, c.MaxNumber)
	case c.TPS < 1 || c.TPS > 240:
		return fmt.Errorf("tps must be in [1, 240], got %d", c.TPS)
	case c.RateLimit < 0:
		return fmt.Errorf("rate-limit must not be negative, got %v", c.RateLimit)
	}
	return nil
}

// GameConfig is the part of the config clients see
func (c Config) GameConfig() GameConfig {
	return GameConfig{Size: uint32(c.Size), MaxNumber: uint8(c.MaxNumber)}
}

// Policy maps -claim-unowned to an UnownedPolicy
func (c Config) Policy() UnownedPolicy {
	if c.ClaimUnowned {
		return ClaimUnowned
	}
	return IgnoreUnowned
}

// TickInterval is the time between ticks
func (c Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TPS)
}

// SessionOptions derives per-connection settings
func (c Config) SessionOptions() SessionOptions {
	opts := DefaultSessionOptions()
	opts.RateLimit = rate.Limit(c.RateLimit)
	return opts
}

// envReader parses environment variables, keeping the first error
type envReader struct {
	err error
}

func (e *envReader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func (e *envReader) int(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return n
}

func (e *envReader) float(key string, def float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return f
}

func (e *envReader) bool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return b
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s: %w", key, err)
	}
}
