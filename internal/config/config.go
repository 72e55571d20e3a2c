// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gateway-fm/consensusbench/internal/execnode"
)

// Config holds benchmark configuration.
type Config struct {
	// Workload
	NumTransactions int
	Amount          int64   // wei per transfer
	Fee             int64   // fee cap and tip cap in wei, or gas price with LegacyTx
	GasLimit        uint64
	LegacyTx        bool
	FaucetKey       string  // hex; empty uses the built-in key
	SyncSequence    bool    // read the faucet's confirmed nonce before generating
	SubmitRate      float64

	// Cluster
	NumNodes      int
	ValidatorKeys string   // comma-separated hex; empty uses built-in keys
	ProfileName   string
	NodeBinary    string   // empty uses the profile's default
	ChainSpec     string
	ChainID       int64
	BasePort      int      // 0 assigns free ports
	DataDir       string
	KeepData      bool
	AttachURLs    []string // attach to running nodes instead of spawning

	// Timing
	PollInterval       time.Duration
	StartupTimeout     time.Duration
	ReadinessTimeout   time.Duration
	ConvergenceTimeout time.Duration
	Deadline           time.Duration
	ConcurrentPoll     bool
	Memoize            bool

	// Service
	ListenAddr         string // empty disables the status API
	DatabasePath       string // empty disables run history
	CORSAllowedOrigins string
	LogLevel           string
	History            bool   // print stored runs and exit
	Serve              bool   // keep serving after the run

	// Profile is resolved from ProfileName. It is nil when attaching.
	Profile *execnode.Profile
}

// Defaults
const (
	DefaultNumTransactions    = 10000
	DefaultNumNodes           = 4
	DefaultAmount             = 1
	DefaultFee                = 10_000_000_000 // 10 gwei
	DefaultGasLimit           = 21000
	DefaultProfile            = "geth"
	DefaultChainID            = 42069
	DefaultPollInterval       = 500 * time.Millisecond
	DefaultStartupTimeout     = 30 * time.Second
	DefaultReadinessTimeout   = 60 * time.Second
	DefaultConvergenceTimeout = 10 * time.Minute
	DefaultDeadline           = 30 * time.Minute
	DefaultDatabasePath       = "./data/consensusbench.db"
	DefaultCORSAllowedOrigins = "*"
	DefaultLogLevel           = "info"
	MaxNodes                  = 64
)

// Load reads configuration from environment variables and then args.
// Flags take precedence over environment variables. getenv is usually
// os.Getenv.
func Load(args []string, getenv func(string) string) (*Config, error) {
	cfg := &Config{
		NumTransactions:    DefaultNumTransactions,
		Amount:             DefaultAmount,
		Fee:                DefaultFee,
		GasLimit:           DefaultGasLimit,
		NumNodes:           DefaultNumNodes,
		ProfileName:        DefaultProfile,
		ChainID:            DefaultChainID,
		PollInterval:       DefaultPollInterval,
		StartupTimeout:     DefaultStartupTimeout,
		ReadinessTimeout:   DefaultReadinessTimeout,
		ConvergenceTimeout: DefaultConvergenceTimeout,
		Deadline:           DefaultDeadline,
		DatabasePath:       DefaultDatabasePath,
		CORSAllowedOrigins: DefaultCORSAllowedOrigins,
		LogLevel:           DefaultLogLevel,
	}

	if err := cfg.loadEnv(getenv); err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet("consensusbench", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	attach := strings.Join(cfg.AttachURLs, ",")

	fs.IntVar(&cfg.NumTransactions, "txs", cfg.NumTransactions, "Number of transactions to generate")
	fs.Int64Var(&cfg.Amount, "amount", cfg.Amount, "Value per transfer in wei")
	fs.Int64Var(&cfg.Fee, "fee", cfg.Fee, "Fee cap and tip cap in wei (gas price with -legacy-tx)")
	fs.Uint64Var(&cfg.GasLimit, "gaslimit", cfg.GasLimit, "Gas limit per transaction")
	fs.BoolVar(&cfg.LegacyTx, "legacy-tx", cfg.LegacyTx, "Sign legacy (type 0) transactions")
	fs.StringVar(&cfg.FaucetKey, "faucet-key", cfg.FaucetKey, "Funding account private key (hex)")
	fs.BoolVar(&cfg.SyncSequence, "sync-sequence", cfg.SyncSequence, "Start at the faucet's confirmed nonce")
	fs.Float64Var(&cfg.SubmitRate, "submit-rate", cfg.SubmitRate, "Submission cap in tx/s (0 = unlimited)")
	fs.IntVar(&cfg.NumNodes, "nodes", cfg.NumNodes, "Number of validator nodes")
	fs.StringVar(&cfg.ValidatorKeys, "validators", cfg.ValidatorKeys, "Comma-separated validator private keys (hex)")
	fs.StringVar(&cfg.ProfileName, "profile", cfg.ProfileName, "Node profile ("+strings.Join(execnode.DefaultRegistry().Names(), ", ")+")")
	fs.StringVar(&cfg.NodeBinary, "node-bin", cfg.NodeBinary, "Node executable (default from profile)")
	fs.StringVar(&cfg.ChainSpec, "chain", cfg.ChainSpec, "Chain spec / genesis file")
	fs.Int64Var(&cfg.ChainID, "chainid", cfg.ChainID, "Chain ID")
	fs.IntVar(&cfg.BasePort, "base-port", cfg.BasePort, "First port of the per-node port block (0 = OS-assigned)")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Parent directory for node data (default: system temp)")
	fs.BoolVar(&cfg.KeepData, "keep-data", cfg.KeepData, "Keep node data directories after teardown")
	fs.StringVar(&attach, "attach", attach, "Comma-separated RPC URLs of running nodes to attach to")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Convergence poll interval")
	fs.DurationVar(&cfg.StartupTimeout, "startup-timeout", cfg.StartupTimeout, "Per-node startup timeout")
	fs.DurationVar(&cfg.ReadinessTimeout, "readiness-timeout", cfg.ReadinessTimeout, "Peer readiness timeout")
	fs.DurationVar(&cfg.ConvergenceTimeout, "convergence-timeout", cfg.ConvergenceTimeout, "Convergence timeout")
	fs.DurationVar(&cfg.Deadline, "deadline", cfg.Deadline, "Overall run deadline (0 = none)")
	fs.BoolVar(&cfg.ConcurrentPoll, "concurrent-poll", cfg.ConcurrentPoll, "Query all nodes of a sweep in parallel")
	fs.BoolVar(&cfg.Memoize, "memoize", cfg.Memoize, "Skip nodes that already confirmed")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Status API listen address (empty disables)")
	fs.StringVar(&cfg.DatabasePath, "database", cfg.DatabasePath, "SQLite run history path (empty disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.History, "history", cfg.History, "Print stored runs and exit")
	fs.BoolVar(&cfg.Serve, "serve", cfg.Serve, "Keep the status API up after the run")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	cfg.AttachURLs = splitList(attach)

	if len(cfg.AttachURLs) > 0 {
		// The cluster size follows the attached nodes.
		cfg.NumNodes = len(cfg.AttachURLs)
	} else {
		cfg.Profile = execnode.DefaultRegistry().Get(cfg.ProfileName)
		if cfg.Profile == nil {
			return nil, fmt.Errorf("unknown node profile: %s (supported: %s)",
				cfg.ProfileName, strings.Join(execnode.DefaultRegistry().Names(), ", "))
		}
		if cfg.Profile.RequiresLegacyTx {
			cfg.LegacyTx = true
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadEnv(getenv func(string) string) error {
	if getenv == nil {
		return nil
	}
	var errs []error
	intEnv := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	durationEnv := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	stringEnv := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	// TEST_NUM_PARCELS is the older name; TEST_NUM_TRANSACTIONS wins.
	intEnv("TEST_NUM_PARCELS", &c.NumTransactions)
	intEnv("TEST_NUM_TRANSACTIONS", &c.NumTransactions)
	intEnv("NUM_NODES", &c.NumNodes)
	intEnv("BASE_PORT", &c.BasePort)
	stringEnv("VALIDATOR_KEYS", &c.ValidatorKeys)
	stringEnv("FAUCET_KEY", &c.FaucetKey)
	stringEnv("NODE_PROFILE", &c.ProfileName)
	stringEnv("NODE_BINARY", &c.NodeBinary)
	stringEnv("CHAIN_SPEC", &c.ChainSpec)
	stringEnv("DATA_DIR", &c.DataDir)
	stringEnv("LISTEN_ADDR", &c.ListenAddr)
	stringEnv("DATABASE_PATH", &c.DatabasePath)
	stringEnv("CORS_ALLOWED_ORIGINS", &c.CORSAllowedOrigins)
	stringEnv("LOG_LEVEL", &c.LogLevel)
	durationEnv("POLL_INTERVAL", &c.PollInterval)
	durationEnv("STARTUP_TIMEOUT", &c.StartupTimeout)
	durationEnv("READINESS_TIMEOUT", &c.ReadinessTimeout)
	durationEnv("CONVERGENCE_TIMEOUT", &c.ConvergenceTimeout)
	durationEnv("DEADLINE", &c.Deadline)

	if v := getenv("CHAIN_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("CHAIN_ID: %w", err))
		} else {
			c.ChainID = id
		}
	}
	if v := getenv("SUBMIT_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("SUBMIT_RATE: %w", err))
		} else {
			c.SubmitRate = rate
		}
	}
	if v := getenv("ATTACH_URLS"); v != "" {
		c.AttachURLs = splitList(v)
	}
	return errors.Join(errs...)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.NumTransactions < 0 {
		return fmt.Errorf("transaction count cannot be negative, got %d", c.NumTransactions)
	}
	if c.NumNodes < 1 || c.NumNodes > MaxNodes {
		return fmt.Errorf("nodes must be between 1 and %d, got %d", MaxNodes, c.NumNodes)
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("chain ID must be positive")
	}
	if c.Fee < 0 {
		return fmt.Errorf("fee cannot be negative")
	}
	if c.Amount < 0 {
		return fmt.Errorf("amount cannot be negative")
	}
	if c.GasLimit == 0 {
		return fmt.Errorf("gas limit must be positive")
	}
	if c.SubmitRate < 0 {
		return fmt.Errorf("submit rate cannot be negative")
	}
	if c.BasePort < 0 || c.BasePort > 65535 {
		return fmt.Errorf("base port out of range: %d", c.BasePort)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.StartupTimeout <= 0 || c.ReadinessTimeout <= 0 || c.ConvergenceTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.Deadline < 0 {
		return fmt.Errorf("deadline cannot be negative")
	}
	if c.Serve && c.ListenAddr == "" {
		return fmt.Errorf("-serve requires -listen")
	}
	if c.History && c.DatabasePath == "" {
		return fmt.Errorf("-history requires a database path")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	return nil
}

// Attached reports whether the run attaches to externally managed nodes.
func (c *Config) Attached() bool {
	return len(c.AttachURLs) > 0
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
