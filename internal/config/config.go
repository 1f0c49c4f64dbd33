package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Node    NodeConfig
	API     APIConfig
	Log     LogConfig
	Storage StorageConfig
}

type NodeConfig struct {
	ListenAddr  string
	MaxSessions int

	RoundInterval  time.Duration
	ProposalBuffer int
	NotifyBuffer   int
	HistorySize    int

	// TipEcho makes sessions write the tip this long after each proposal. Zero disables it.
	TipEcho time.Duration
}

type APIConfig struct {
	Enabled      bool
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	AllowedOrigins []string
	APIKey         string
	DevMode        bool

	// RateLimit is requests/sec per client IP; zero disables limiting.
	RateLimit float64
	RateBurst int
}

type LogConfig struct {
	Level  string // debug|info|warn|error
	Format string // json|text|pretty
}

type StorageConfig struct {
	DataDir        string
	ChainFile      string
	ExportInterval time.Duration
}

func Default() Config {
	return Config{
		Node: NodeConfig{
			ListenAddr:     "127.0.0.1:8080",
			MaxSessions:    256,
			RoundInterval:  5 * time.Second,
			ProposalBuffer: 16,
			NotifyBuffer:   4,
			HistorySize:    256,
		},
		API: APIConfig{
			Enabled:      true,
			ListenAddr:   "127.0.0.1:8081",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			RateLimit:    20,
			RateBurst:    40,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			DataDir:        "data",
			ChainFile:      "chain.json",
			ExportInterval: 30 * time.Second,
		},
	}
}

type Parsed struct {
	Config Config
}

func ParseNodeFlags(args []string) (Parsed, error) {
	cfg := Default()

	fs := flag.NewFlagSet("stakechain-node", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var (
		listenAddr     = fs.String("node.listen", envOr("STAKECHAIN_LISTEN", cfg.Node.ListenAddr), "Validator TCP listen address (ip:port)")
		maxSessions    = fs.Int("node.maxSessions", envOrInt("STAKECHAIN_MAX_SESSIONS", cfg.Node.MaxSessions), "Maximum connected validator sessions")
		roundInterval  = fs.Duration("node.roundInterval", envOrDuration("STAKECHAIN_ROUND_INTERVAL", cfg.Node.RoundInterval), "Interval between propose notifications")
		proposalBuffer = fs.Int("node.proposalBuffer", envOrInt("STAKECHAIN_PROPOSAL_BUFFER", cfg.Node.ProposalBuffer), "Capacity of the inbound proposal channel")
		notifyBuffer   = fs.Int("node.notifyBuffer", envOrInt("STAKECHAIN_NOTIFY_BUFFER", cfg.Node.NotifyBuffer), "Capacity of each session's notification channel")
		historySize    = fs.Int("node.historySize", envOrInt("STAKECHAIN_HISTORY_SIZE", cfg.Node.HistorySize), "Number of resolved rounds kept for the API")
		tipEcho        = fs.Duration("node.tipEcho", envOrDuration("STAKECHAIN_TIP_ECHO", cfg.Node.TipEcho), "Write the tip to a session this long after it proposes (0 disables)")

		apiEnabled = fs.Bool("api.enabled", envOrBool("STAKECHAIN_API_ENABLED", cfg.API.Enabled), "Enable HTTP API")
		apiListen  = fs.String("api.listen", envOr("STAKECHAIN_API_LISTEN", cfg.API.ListenAddr), "HTTP API listen address (ip:port)")
		apiOrigins = fs.String("api.origins", envOr("STAKECHAIN_API_ORIGINS", ""), "Comma-separated CORS origins")
		apiKey     = fs.String("api.key", envOr("STAKECHAIN_API_KEY", ""), "API key required for /dev endpoints (optional)")
		apiDev     = fs.Bool("api.dev", envOrBool("STAKECHAIN_DEV_MODE", cfg.API.DevMode), "Enable dev endpoints")
		apiRate    = fs.Float64("api.rateLimit", envOrFloat("STAKECHAIN_API_RATE_LIMIT", cfg.API.RateLimit), "Requests/sec per client IP (0 disables)")
		apiBurst   = fs.Int("api.rateBurst", envOrInt("STAKECHAIN_API_RATE_BURST", cfg.API.RateBurst), "Rate limit burst per client IP")

		logLevel  = fs.String("log.level", envOr("STAKECHAIN_LOG_LEVEL", cfg.Log.Level), "Log level: debug|info|warn|error")
		logFormat = fs.String("log.format", envOr("STAKECHAIN_LOG_FORMAT", cfg.Log.Format), "Log format: json|text|pretty")

		dataDir        = fs.String("data.dir", envOr("STAKECHAIN_DATA_DIR", cfg.Storage.DataDir), "Data directory for chain exports")
		chainFile      = fs.String("data.chainFile", envOr("STAKECHAIN_CHAIN_FILE", cfg.Storage.ChainFile), "Chain export file name, relative to data.dir")
		exportInterval = fs.Duration("data.exportInterval", envOrDuration("STAKECHAIN_EXPORT_INTERVAL", cfg.Storage.ExportInterval), "Interval between chain exports")
	)

	if err := fs.Parse(args); err != nil {
		return Parsed{}, err
	}

	cfg.Node.ListenAddr = strings.TrimSpace(*listenAddr)
	cfg.Node.MaxSessions = *maxSessions
	cfg.Node.RoundInterval = *roundInterval
	cfg.Node.ProposalBuffer = *proposalBuffer
	cfg.Node.NotifyBuffer = *notifyBuffer
	cfg.Node.HistorySize = *historySize
	cfg.Node.TipEcho = *tipEcho

	cfg.API.Enabled = *apiEnabled
	cfg.API.ListenAddr = strings.TrimSpace(*apiListen)
	cfg.API.AllowedOrigins = splitCSV(*apiOrigins)
	cfg.API.APIKey = strings.TrimSpace(*apiKey)
	cfg.API.DevMode = *apiDev
	cfg.API.RateLimit = *apiRate
	cfg.API.RateBurst = *apiBurst

	cfg.Log.Level = strings.TrimSpace(*logLevel)
	cfg.Log.Format = strings.TrimSpace(*logFormat)

	cfg.Storage.DataDir = strings.TrimSpace(*dataDir)
	cfg.Storage.ChainFile = strings.TrimSpace(*chainFile)
	cfg.Storage.ExportInterval = *exportInterval

	if err := validate(cfg); err != nil {
		return Parsed{}, err
	}

	return Parsed{Config: cfg}, nil
}

func validate(cfg Config) error {
	if cfg.Node.ListenAddr == "" {
		return errors.New("node.listen must not be empty")
	}
	if cfg.Node.MaxSessions <= 0 || cfg.Node.MaxSessions > 65536 {
		return fmt.Errorf("node.maxSessions out of range: %d", cfg.Node.MaxSessions)
	}
	if cfg.Node.RoundInterval <= 0 {
		return fmt.Errorf("node.roundInterval must be positive: %s", cfg.Node.RoundInterval)
	}
	if cfg.Node.ProposalBuffer <= 0 {
		return fmt.Errorf("node.proposalBuffer must be positive: %d", cfg.Node.ProposalBuffer)
	}
	if cfg.Node.NotifyBuffer <= 0 {
		return fmt.Errorf("node.notifyBuffer must be positive: %d", cfg.Node.NotifyBuffer)
	}
	if cfg.Node.HistorySize <= 0 {
		return fmt.Errorf("node.historySize must be positive: %d", cfg.Node.HistorySize)
	}
	if cfg.Node.TipEcho < 0 {
		return fmt.Errorf("node.tipEcho must not be negative: %s", cfg.Node.TipEcho)
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", cfg.Log.Level)
	}

	switch strings.ToLower(cfg.Log.Format) {
	case "json", "text", "pretty":
	default:
		return fmt.Errorf("invalid log.format: %q", cfg.Log.Format)
	}

	if cfg.API.Enabled {
		if cfg.API.ListenAddr == "" {
			return errors.New("api.listen must not be empty when api.enabled=true")
		}
		if cfg.API.ListenAddr == cfg.Node.ListenAddr {
			return fmt.Errorf("api.listen and node.listen must differ: %s", cfg.API.ListenAddr)
		}
	}
	if cfg.API.RateLimit < 0 {
		return fmt.Errorf("api.rateLimit must not be negative: %v", cfg.API.RateLimit)
	}
	if cfg.API.RateLimit > 0 && cfg.API.RateBurst <= 0 {
		return fmt.Errorf("api.rateBurst must be positive when rate limiting: %d", cfg.API.RateBurst)
	}

	if cfg.Storage.DataDir == "" {
		return errors.New("data.dir must not be empty")
	}
	if cfg.Storage.ChainFile == "" {
		return errors.New("data.chainFile must not be empty")
	}
	if cfg.Storage.ExportInterval <= 0 {
		return fmt.Errorf("data.exportInterval must be positive: %s", cfg.Storage.ExportInterval)
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envOrInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOrFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envOrDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envOrBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func splitCSV(s string) []string {
	raw := strings.Split(s, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		t := strings.TrimSpace(r)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
