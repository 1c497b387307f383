package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/cover-cli/internal/action"
	"github.com/ggonzalez94/cover-cli/internal/policy"
	"github.com/ggonzalez94/cover-cli/internal/registry"
	"gopkg.in/yaml.v3"
)

type GlobalFlags struct {
	ConfigPath     string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	Timeout        string
	ApprovalMode   string
	LogLevel       string
	LogFormat      string
	NoCache        bool
	NoSimulate     bool
}

type Settings struct {
	OutputMode     string
	SelectFields   []string
	ResultsOnly    bool
	EnableCommands []string
	Timeout        time.Duration
	Retries        int

	ApprovalMode action.ApprovalMode
	RPCURLs      map[int64]string
	Programs     registry.ProgramAddresses

	PollInterval  time.Duration
	StepTimeout   time.Duration
	GasMultiplier float64
	Simulate      bool

	CacheEnabled    bool
	CachePath       string
	CacheLockPath   string
	MetadataTTL     time.Duration
	TicketStorePath string
	TicketLockPath  string

	ReadRateLimit float64
	ReadBurst     int

	WebhookURL    string
	MetricsListen string
	LogLevel      string
	LogFormat     string
}

type fileConfig struct {
	Output       string `yaml:"output"`
	Timeout      string `yaml:"timeout"`
	Retries      *int   `yaml:"retries"`
	ApprovalMode string `yaml:"approval_mode"`
	Log          struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	RPC      map[int64]string            `yaml:"rpc"`
	Programs map[int64]map[string]string `yaml:"programs"`
	Cache    struct {
		Enabled     *bool  `yaml:"enabled"`
		Path        string `yaml:"path"`
		LockPath    string `yaml:"lock_path"`
		MetadataTTL string `yaml:"metadata_ttl"`
	} `yaml:"cache"`
	Execution struct {
		TicketsPath     string   `yaml:"tickets_path"`
		TicketsLockPath string   `yaml:"tickets_lock_path"`
		PollInterval    string   `yaml:"poll_interval"`
		StepTimeout     string   `yaml:"step_timeout"`
		GasMultiplier   *float64 `yaml:"gas_multiplier"`
		Simulate        *bool    `yaml:"simulate"`
	} `yaml:"execution"`
	Reads struct {
		RateLimit *float64 `yaml:"rate_limit"`
		Burst     *int     `yaml:"burst"`
	} `yaml:"reads"`
	Notify struct {
		WebhookURL    string `yaml:"webhook_url"`
		WebhookURLEnv string `yaml:"webhook_url_env"`
	} `yaml:"notify"`
	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	if err := applyEnv(&settings); err != nil {
		return Settings{}, err
	}

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = 2 * time.Second
	}
	if settings.StepTimeout <= 0 {
		settings.StepTimeout = 2 * time.Minute
	}
	if settings.GasMultiplier <= 1 {
		return Settings{}, fmt.Errorf("execution.gas_multiplier must be > 1")
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	cachePath, lockPath, err := defaultCachePaths()
	if err != nil {
		return Settings{}, err
	}
	cacheDir := filepath.Dir(cachePath)
	return Settings{
		OutputMode:      "json",
		Timeout:         10 * time.Second,
		Retries:         2,
		ApprovalMode:    action.ApprovalExact,
		RPCURLs:         map[int64]string{},
		Programs:        registry.ProgramAddresses{},
		PollInterval:    2 * time.Second,
		StepTimeout:     2 * time.Minute,
		GasMultiplier:   1.2,
		Simulate:        true,
		CacheEnabled:    true,
		CachePath:       cachePath,
		CacheLockPath:   lockPath,
		MetadataTTL:     24 * time.Hour,
		TicketStorePath: filepath.Join(cacheDir, "tickets.db"),
		TicketLockPath:  filepath.Join(cacheDir, "tickets.lock"),
		ReadRateLimit:   10,
		ReadBurst:       5,
		LogLevel:        "warn",
		LogFormat:       "text",
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "cover", "config.yaml"), nil
}

func defaultCachePaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, "cover")
	return filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if err := parseDuration("config timeout", cfg.Timeout, &settings.Timeout); err != nil {
		return err
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.ApprovalMode != "" {
		mode, err := policy.ParseApprovalMode(cfg.ApprovalMode)
		if err != nil {
			return fmt.Errorf("config approval_mode: %w", err)
		}
		settings.ApprovalMode = mode
	}
	if cfg.Log.Level != "" {
		settings.LogLevel = cfg.Log.Level
	}
	if cfg.Log.Format != "" {
		settings.LogFormat = cfg.Log.Format
	}
	for chainID, url := range cfg.RPC {
		if strings.TrimSpace(url) != "" {
			settings.RPCURLs[chainID] = strings.TrimSpace(url)
		}
	}
	for chainID, byName := range cfg.Programs {
		for name, address := range byName {
			program, ok := registry.ParseProgram(name)
			if !ok {
				return fmt.Errorf("config programs.%d: unknown program %q", chainID, name)
			}
			if !common.IsHexAddress(address) {
				return fmt.Errorf("config programs.%d.%s: invalid address %q", chainID, name, address)
			}
			settings.Programs.Set(chainID, program, address)
		}
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}
	if err := parseDuration("config cache.metadata_ttl", cfg.Cache.MetadataTTL, &settings.MetadataTTL); err != nil {
		return err
	}
	if cfg.Execution.TicketsPath != "" {
		settings.TicketStorePath = cfg.Execution.TicketsPath
	}
	if cfg.Execution.TicketsLockPath != "" {
		settings.TicketLockPath = cfg.Execution.TicketsLockPath
	}
	if err := parseDuration("config execution.poll_interval", cfg.Execution.PollInterval, &settings.PollInterval); err != nil {
		return err
	}
	if err := parseDuration("config execution.step_timeout", cfg.Execution.StepTimeout, &settings.StepTimeout); err != nil {
		return err
	}
	if cfg.Execution.GasMultiplier != nil {
		settings.GasMultiplier = *cfg.Execution.GasMultiplier
	}
	if cfg.Execution.Simulate != nil {
		settings.Simulate = *cfg.Execution.Simulate
	}
	if cfg.Reads.RateLimit != nil {
		settings.ReadRateLimit = *cfg.Reads.RateLimit
	}
	if cfg.Reads.Burst != nil {
		settings.ReadBurst = *cfg.Reads.Burst
	}
	if cfg.Notify.WebhookURL != "" {
		settings.WebhookURL = cfg.Notify.WebhookURL
	}
	if cfg.Notify.WebhookURLEnv != "" {
		settings.WebhookURL = os.Getenv(cfg.Notify.WebhookURLEnv)
	}
	if cfg.Metrics.Listen != "" {
		settings.MetricsListen = cfg.Metrics.Listen
	}

	return nil
}

func parseDuration(label, raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	*dst = d
	return nil
}

// rpcEnvPrefix selects per-chain endpoints, e.g. COVER_RPC_URL_1.
const rpcEnvPrefix = "COVER_RPC_URL_"

func applyEnv(settings *Settings) error {
	if v := os.Getenv("COVER_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("COVER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("COVER_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("COVER_APPROVAL_MODE"); v != "" {
		mode, err := policy.ParseApprovalMode(v)
		if err != nil {
			return fmt.Errorf("COVER_APPROVAL_MODE: %w", err)
		}
		settings.ApprovalMode = mode
	}
	if v := os.Getenv("COVER_LOG_LEVEL"); v != "" {
		settings.LogLevel = v
	}
	if v := os.Getenv("COVER_LOG_FORMAT"); v != "" {
		settings.LogFormat = v
	}
	if v := os.Getenv("COVER_NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	if v := os.Getenv("COVER_CACHE_PATH"); v != "" {
		settings.CachePath = v
	}
	if v := os.Getenv("COVER_CACHE_LOCK_PATH"); v != "" {
		settings.CacheLockPath = v
	}
	if v := os.Getenv("COVER_TICKETS_PATH"); v != "" {
		settings.TicketStorePath = v
	}
	if v := os.Getenv("COVER_TICKETS_LOCK_PATH"); v != "" {
		settings.TicketLockPath = v
	}
	if v := os.Getenv("COVER_WEBHOOK_URL"); v != "" {
		settings.WebhookURL = v
	}
	if v := os.Getenv("COVER_METRICS_LISTEN"); v != "" {
		settings.MetricsListen = v
	}
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, rpcEnvPrefix) || strings.TrimSpace(value) == "" {
			continue
		}
		chainID, err := strconv.ParseInt(strings.TrimPrefix(key, rpcEnvPrefix), 10, 64)
		if err != nil || chainID <= 0 {
			continue
		}
		settings.RPCURLs[chainID] = strings.TrimSpace(value)
	}
	return nil
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		settings.SelectFields = splitList(flags.Select)
	}
	settings.ResultsOnly = flags.ResultsOnly

	if strings.TrimSpace(flags.EnableCommands) != "" {
		settings.EnableCommands = splitList(flags.EnableCommands)
	}

	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.ApprovalMode != "" {
		mode, err := policy.ParseApprovalMode(flags.ApprovalMode)
		if err != nil {
			return err
		}
		settings.ApprovalMode = mode
	}
	if flags.LogLevel != "" {
		settings.LogLevel = flags.LogLevel
	}
	if flags.LogFormat != "" {
		settings.LogFormat = flags.LogFormat
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	if flags.NoSimulate {
		settings.Simulate = false
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	if settings.LogFormat != "text" && settings.LogFormat != "json" {
		return fmt.Errorf("log format must be text or json")
	}

	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
