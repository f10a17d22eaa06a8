// Package config resolves proxy settings from flags, environment variables
// and an optional .env file in the working directory. Flags win over the
// environment; the environment wins over .env.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"frpc-authproxy/pkg/journal"
	"frpc-authproxy/pkg/model"
)

const (
	DefaultPort        = "7400"
	DefaultUpstreamURL = "http://127.0.0.1:7402"
	DefaultConfigFile  = "/etc/frpc/frpc.toml"
	DefaultSettleDelay = 500 * time.Millisecond
	DefaultJournal     = "sqlite:" + journal.DefaultSQLitePath

	maxSettleDelay = 30 * time.Second
)

// Config holds every setting the proxy needs at startup.
type Config struct {
	ListenAddr  string
	UpstreamURL string
	ConfigFile  string

	// Fallback is the external pair used when ConfigFile yields none.
	Fallback model.Credentials
	// Upstream overrides the internal pair. When blank, the startup
	// external pair is used.
	Upstream model.Credentials

	SettleDelay time.Duration
	SettleProbe time.Duration

	Journal    string
	Store      string
	ConsulAddr string
	ConsulKey  string

	LogLevel string
	LogJSON  bool

	ShowVersion bool
	// History, when positive, prints that many journal records and exits.
	History int
}

// Load reads .env (if present) and parses args (without the program name).
func Load(args []string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	settle, err := envDuration("SETTLE_DELAY", DefaultSettleDelay)
	if err != nil {
		return Config{}, err
	}
	probe, err := envDuration("SETTLE_PROBE", 0)
	if err != nil {
		return Config{}, err
	}
	logJSON, err := envBool("LOG_JSON", false)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("frpc-authproxy", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", getenv("LISTEN_ADDR", "0.0.0.0:"+getenv("PORT", DefaultPort)), "listen address (env LISTEN_ADDR, or PORT)")
	fs.StringVar(&cfg.UpstreamURL, "upstream", getenv("FRPC_ADMIN_URL", DefaultUpstreamURL), "frpc admin API base URL (env FRPC_ADMIN_URL)")
	fs.StringVar(&cfg.ConfigFile, "config-file", getenv("CONFIG_FILE", DefaultConfigFile), "frpc config file to bootstrap from and persist to (env CONFIG_FILE)")
	fs.StringVar(&cfg.Fallback.Username, "user", getenv("ADMIN_USER", "admin"), "fallback external username (env ADMIN_USER)")
	fs.StringVar(&cfg.Fallback.Password, "pass", os.Getenv("ADMIN_PASS"), "fallback external password (env ADMIN_PASS)")
	fs.StringVar(&cfg.Upstream.Username, "upstream-user", os.Getenv("UPSTREAM_USER"), "frpc admin username; defaults to the startup external user (env UPSTREAM_USER)")
	fs.StringVar(&cfg.Upstream.Password, "upstream-pass", os.Getenv("UPSTREAM_PASS"), "frpc admin password; defaults to the startup external password (env UPSTREAM_PASS)")
	fs.DurationVar(&cfg.SettleDelay, "settle", settle, "pause after reload before exposing new credentials (env SETTLE_DELAY)")
	fs.DurationVar(&cfg.SettleProbe, "settle-probe", probe, "if >0, poll frpc /api/status for up to this long after the settle pause (env SETTLE_PROBE)")
	fs.StringVar(&cfg.Journal, "journal", getenv("JOURNAL", DefaultJournal), "update journal: sqlite:<path>|mysql:<dsn>|none (env JOURNAL)")
	fs.StringVar(&cfg.Store, "store", getenv("CREDENTIAL_STORE", "memory"), "credential store: memory|consul (consul requires build tag consul)")
	fs.StringVar(&cfg.ConsulAddr, "consul-addr", getenv("CONSUL_HTTP_ADDR", "127.0.0.1:8500"), "consul address (when store=consul)")
	fs.StringVar(&cfg.ConsulKey, "consul-key", os.Getenv("CONSUL_KEY"), "consul KV key for mirrored credentials (when store=consul)")
	fs.StringVar(&cfg.LogLevel, "log-level", getenv("LOG_LEVEL", "info"), "log level: trace|debug|info|warn|error (env LOG_LEVEL)")
	fs.BoolVar(&cfg.LogJSON, "log-json", logJSON, "log as JSON (env LOG_JSON)")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "print version and exit")
	fs.IntVar(&cfg.History, "history", 0, "print the N most recent journaled config updates and exit")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if cfg.ShowVersion {
		return cfg, nil
	}
	return cfg, cfg.Validate()
}

// Validate checks settings that would otherwise fail late.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.UpstreamURL == "" {
		errs = append(errs, errors.New("upstream URL is required"))
	}
	if c.ConfigFile == "" {
		errs = append(errs, errors.New("config file path is required"))
	}
	if c.SettleDelay < 0 || c.SettleDelay > maxSettleDelay {
		errs = append(errs, fmt.Errorf("settle delay %s out of range [0, %s]", c.SettleDelay, maxSettleDelay))
	}
	if c.Upstream.Username == "" && c.Upstream.Password != "" {
		errs = append(errs, errors.New("upstream password given without upstream user"))
	}
	if c.History < 0 {
		errs = append(errs, fmt.Errorf("history %d must not be negative", c.History))
	}
	if c.SettleProbe < 0 {
		errs = append(errs, fmt.Errorf("settle probe %s must not be negative", c.SettleProbe))
	}
	switch c.Store {
	case "memory", "consul":
	default:
		errs = append(errs, fmt.Errorf("unsupported store type: %s", c.Store))
	}
	return errors.Join(errs...)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err == nil {
		return godotenv.Load(path)
	}
	return nil
}
