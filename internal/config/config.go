// Package config loads coordinator settings from defaults, MATCHER_*
// environment variables, an optional config file and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Snapshot backends.
const (
	BackendFile   = "file"
	BackendMongo  = "mongo"
	BackendPebble = "pebble"
)

// Config holds all coordinator configuration.
type Config struct {
	// HTTP
	Host        string
	Port        int
	CORSOrigins []string

	// Order book snapshot
	SnapshotBackend string
	SnapshotPath    string
	PebbleDir       string

	// Database (empty = settlement journal in memory)
	MongoURI string

	// Ledger gateway
	LedgerURL       string
	LedgerEventsURL string

	// Computation lifecycle
	ComputationTimeout time.Duration
	PollInterval       time.Duration
	QueueAttempts      int
	DiscoveryAttempts  int
	DiscoveryBackoff   time.Duration
	Circuits           []string

	// Matching and settlement
	BatchInterval     time.Duration
	MaxDepositProofs  int
	SettleConcurrency int

	// Feed
	SendBufferSize int

	// Kafka (empty brokers = disabled)
	KafkaBrokers []string
	KafkaTopic   string

	// Archive (empty dir = disabled)
	ArchiveDir      string
	ArchiveInterval time.Duration
	ArchiveAfter    time.Duration
	ArchiveMaxGB    int

	// Retention (0 = keep forever)
	RetentionDays int

	// Logging
	LogLevel  string
	LogFormat string
}

type option struct {
	key   string
	def   any
	usage string
}

var options = []option{
	{"config", "", "Path to a config file (yaml, toml or json)"},
	{"http.host", "0.0.0.0", "Listen host"},
	{"http.port", 3001, "HTTP port for the API and feed"},
	{"http.cors_origins", []string{"*"}, "Allowed CORS origins"},
	{"snapshot.backend", BackendFile, "Order book snapshot backend: file, mongo or pebble"},
	{"snapshot.path", "./orderbook.json", "Snapshot file for the file backend"},
	{"pebble.dir", "./data/book", "Data directory for the pebble backend"},
	{"mongo.uri", "", "MongoDB connection URI (empty = in-memory journal)"},
	{"ledger.url", "http://localhost:8899", "Ledger gateway base URL"},
	{"ledger.events_url", "ws://localhost:8899/events", "Ledger event stream URL"},
	{"computation.timeout", 60 * time.Second, "Deadline for a queued computation to finalize"},
	{"computation.poll_interval", 2 * time.Second, "Status poll interval while awaiting finalization"},
	{"computation.queue_attempts", 3, "Queue submission attempts for compare computations"},
	{"discovery.attempts", 10, "Attempts to fetch the backend key and init circuits"},
	{"discovery.backoff", 500 * time.Millisecond, "Linear backoff step between discovery attempts"},
	{"circuits", []string{"compare", "settle"}, "Circuits to initialize at startup"},
	{"matching.batch_interval", 30 * time.Second, "Interval between batch matching passes"},
	{"settlement.max_deposit_proofs", 4, "Deposit proofs forwarded per settlement"},
	{"settlement.concurrency", 4, "Settlements run at once in a batch pass"},
	{"feed.send_buffer", 256, "Per-client feed send buffer"},
	{"kafka.brokers", []string{}, "Kafka brokers for settlement events (empty = disabled)"},
	{"kafka.topic", "settlements", "Kafka topic for settlement events"},
	{"archive.dir", "", "Archive directory for settled records (empty = disabled)"},
	{"archive.interval", 6 * time.Hour, "Interval between archive runs"},
	{"archive.after", 24 * time.Hour, "Archive records finalized longer ago than this"},
	{"archive.max_gb", 10, "Archive disk budget in GB (0 = unbounded)"},
	{"retention.days", 0, "Prune settled records older than this many days (0 = keep)"},
	{"log.level", "info", "Log level: debug, info, warn or error"},
	{"log.format", "json", "Log format: json or console"},
}

// RegisterFlags adds one flag per configuration key to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	for _, o := range options {
		switch d := o.def.(type) {
		case string:
			fs.String(o.key, d, o.usage)
		case int:
			fs.Int(o.key, d, o.usage)
		case time.Duration:
			fs.Duration(o.key, d, o.usage)
		case []string:
			fs.StringSlice(o.key, d, o.usage)
		}
	}
}

// Load resolves the configuration. Precedence, highest first: changed flags,
// environment, config file, defaults. flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for _, o := range options {
		v.SetDefault(o.key, o.def)
	}
	v.SetEnvPrefix("MATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	c := &Config{
		Host:        v.GetString("http.host"),
		Port:        v.GetInt("http.port"),
		CORSOrigins: list(v.GetStringSlice("http.cors_origins")),

		SnapshotBackend: strings.ToLower(v.GetString("snapshot.backend")),
		SnapshotPath:    v.GetString("snapshot.path"),
		PebbleDir:       v.GetString("pebble.dir"),

		MongoURI: v.GetString("mongo.uri"),

		LedgerURL:       v.GetString("ledger.url"),
		LedgerEventsURL: v.GetString("ledger.events_url"),

		ComputationTimeout: v.GetDuration("computation.timeout"),
		PollInterval:       v.GetDuration("computation.poll_interval"),
		QueueAttempts:      v.GetInt("computation.queue_attempts"),
		DiscoveryAttempts:  v.GetInt("discovery.attempts"),
		DiscoveryBackoff:   v.GetDuration("discovery.backoff"),
		Circuits:           list(v.GetStringSlice("circuits")),

		BatchInterval:     v.GetDuration("matching.batch_interval"),
		MaxDepositProofs:  v.GetInt("settlement.max_deposit_proofs"),
		SettleConcurrency: v.GetInt("settlement.concurrency"),

		SendBufferSize: v.GetInt("feed.send_buffer"),

		KafkaBrokers: list(v.GetStringSlice("kafka.brokers")),
		KafkaTopic:   v.GetString("kafka.topic"),

		ArchiveDir:      v.GetString("archive.dir"),
		ArchiveInterval: v.GetDuration("archive.interval"),
		ArchiveAfter:    v.GetDuration("archive.after"),
		ArchiveMaxGB:    v.GetInt("archive.max_gb"),

		RetentionDays: v.GetInt("retention.days"),

		LogLevel:  v.GetString("log.level"),
		LogFormat: v.GetString("log.format"),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// list flattens comma-separated entries, as they arrive from the environment.
func list(in []string) []string {
	out := []string{}
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate rejects settings the coordinator cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.SnapshotBackend {
	case BackendFile, BackendPebble:
	case BackendMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("snapshot.backend mongo requires mongo.uri"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown snapshot.backend %q", c.SnapshotBackend))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.Port))
	}
	for key, d := range map[string]time.Duration{
		"computation.timeout":       c.ComputationTimeout,
		"computation.poll_interval": c.PollInterval,
		"discovery.backoff":         c.DiscoveryBackoff,
		"matching.batch_interval":   c.BatchInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	if c.QueueAttempts < 1 {
		errs = append(errs, errors.New("computation.queue_attempts must be at least 1"))
	}
	if c.DiscoveryAttempts < 1 {
		errs = append(errs, errors.New("discovery.attempts must be at least 1"))
	}
	if c.MaxDepositProofs < 1 {
		errs = append(errs, errors.New("settlement.max_deposit_proofs must be at least 1"))
	}
	if c.SettleConcurrency < 1 {
		errs = append(errs, errors.New("settlement.concurrency must be at least 1"))
	}
	if c.ArchiveDir != "" {
		if c.MongoURI == "" {
			errs = append(errs, errors.New("archive.dir requires mongo.uri"))
		}
		if c.ArchiveInterval <= 0 || c.ArchiveAfter <= 0 {
			errs = append(errs, errors.New("archive.interval and archive.after must be positive"))
		}
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NewLogger builds the process logger from the log settings.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
