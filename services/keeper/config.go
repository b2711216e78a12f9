package keeper

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"rescuekeeper/services/keeper/lifi"
)

// EnvForceEnablePolicy enables the emergency policy override when set to a
// true value.
const EnvForceEnablePolicy = "KEEPER_FORCE_ENABLE_POLICY"

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for the keeper.
type Config struct {
	ChainID       int64           `yaml:"chain_id" toml:"chain_id"`
	RPCURL        string          `yaml:"rpc_url" toml:"rpc_url"`
	AavePool      string          `yaml:"aave_pool" toml:"aave_pool"`
	Executor      string          `yaml:"executor" toml:"executor"`
	PauseOnStart  bool            `yaml:"pause" toml:"pause"`
	PollInterval  Duration        `yaml:"poll_interval" toml:"poll_interval"`
	CallTimeout   Duration        `yaml:"call_timeout" toml:"call_timeout"`
	SubmitTimeout Duration        `yaml:"submit_timeout" toml:"submit_timeout"`
	Users         []UserConfig    `yaml:"users" toml:"users"`
	Policy        PolicyConfig    `yaml:"policy" toml:"policy"`
	ENS           ENSConfig       `yaml:"ens" toml:"ens"`
	Routing       RoutingConfig   `yaml:"routing" toml:"routing"`
	Signer        SignerConfig    `yaml:"signer" toml:"signer"`
	History       HistoryConfig   `yaml:"history" toml:"history"`
	Admin         AdminConfig     `yaml:"admin" toml:"admin"`
	Logging       LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry     TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// UserConfig is one monitored account.
type UserConfig struct {
	Address string `yaml:"address" toml:"address"`
	Name    string `yaml:"name" toml:"name"`
}

// PolicyConfig controls policy resolution.
type PolicyConfig struct {
	EmergencyForceEnable bool    `yaml:"emergency_force_enable" toml:"emergency_force_enable"`
	DefaultChains        []int64 `yaml:"default_chains" toml:"default_chains"`
}

// ENSConfig locates the policy records. RPCURL defaults to the keeper RPC.
type ENSConfig struct {
	RPCURL   string `yaml:"rpc_url" toml:"rpc_url"`
	Registry string `yaml:"registry" toml:"registry"`
}

// RoutingConfig configures the LI.FI routing client.
type RoutingConfig struct {
	BaseURL           string   `yaml:"base_url" toml:"base_url"`
	APIKey            string   `yaml:"api_key" toml:"api_key"`
	APIKeyEnv         string   `yaml:"api_key_env" toml:"api_key_env"`
	APIKeyFile        string   `yaml:"api_key_file" toml:"api_key_file"`
	Integrator        string   `yaml:"integrator" toml:"integrator"`
	FromToken         string   `yaml:"from_token" toml:"from_token"`
	Slippage          float64  `yaml:"slippage" toml:"slippage"`
	Timeout           Duration `yaml:"timeout" toml:"timeout"`
	RequestsPerMinute int      `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int      `yaml:"burst" toml:"burst"`
	TrustedTargets    []string `yaml:"trusted_targets" toml:"trusted_targets"`
}

// SignerConfig captures the keeper hot key and receipt tracking.
type SignerConfig struct {
	Key              string   `yaml:"key" toml:"key"`
	KeyEnv           string   `yaml:"key_env" toml:"key_env"`
	KeyFile          string   `yaml:"key_file" toml:"key_file"`
	Confirmations    uint64   `yaml:"confirmations" toml:"confirmations"`
	PollInterval     Duration `yaml:"poll_interval" toml:"poll_interval"`
	GasBufferPercent uint64   `yaml:"gas_buffer_percent" toml:"gas_buffer_percent"`
}

// HistoryConfig selects the attempt history backend. An empty driver disables
// history.
type HistoryConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
	DSNEnv string `yaml:"dsn_env" toml:"dsn_env"`
}

// AdminConfig captures the admin API listener and its credentials.
type AdminConfig struct {
	Listen          string `yaml:"listen" toml:"listen"`
	BearerToken     string `yaml:"bearer_token" toml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file" toml:"bearer_token_file"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// TelemetryConfig toggles OTLP export. The endpoint and headers come from the
// standard OTEL_EXPORTER_OTLP_* variables.
type TelemetryConfig struct {
	Traces      bool    `yaml:"traces" toml:"traces"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// LoadConfig reads configuration from the supplied path. Files ending in
// .toml are decoded as TOML, everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Signer.normalise(); err != nil {
		return cfg, fmt.Errorf("signer: %w", err)
	}
	if err := cfg.Routing.normalise(); err != nil {
		return cfg, fmt.Errorf("routing: %w", err)
	}
	if err := cfg.History.normalise(); err != nil {
		return cfg, fmt.Errorf("history: %w", err)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.PollInterval.Duration == 0 {
		cfg.PollInterval.Duration = 30 * time.Second
	}
	if cfg.CallTimeout.Duration == 0 {
		cfg.CallTimeout.Duration = 10 * time.Second
	}
	if cfg.SubmitTimeout.Duration == 0 {
		cfg.SubmitTimeout.Duration = 2 * time.Minute
	}
	if strings.TrimSpace(cfg.Routing.BaseURL) == "" {
		cfg.Routing.BaseURL = lifi.DefaultBaseURL
	}
	if cfg.Routing.Timeout.Duration == 0 {
		cfg.Routing.Timeout.Duration = 15 * time.Second
	}
	if cfg.Signer.PollInterval.Duration == 0 {
		cfg.Signer.PollInterval.Duration = 2 * time.Second
	}
	if strings.TrimSpace(cfg.ENS.RPCURL) == "" {
		cfg.ENS.RPCURL = cfg.RPCURL
	}
	if strings.TrimSpace(cfg.Admin.Listen) == "" {
		cfg.Admin.Listen = ":7090"
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
}

func applyEnvOverrides(cfg *Config) error {
	value := strings.TrimSpace(os.Getenv(EnvForceEnablePolicy))
	if value == "" {
		return nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("%s: %w", EnvForceEnablePolicy, err)
	}
	cfg.Policy.EmergencyForceEnable = cfg.Policy.EmergencyForceEnable || enabled
	return nil
}

func validateConfig(cfg Config) error {
	if cfg.ChainID <= 0 {
		return fmt.Errorf("chain_id must be positive")
	}
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return fmt.Errorf("rpc_url must be configured")
	}
	if !isAddress(cfg.AavePool) {
		return fmt.Errorf("aave_pool must be a hex address")
	}
	if !isAddress(cfg.Executor) {
		return fmt.Errorf("executor must be a hex address")
	}
	if len(cfg.Users) == 0 {
		return fmt.Errorf("at least one user must be configured")
	}
	seen := make(map[common.Address]struct{}, len(cfg.Users))
	for i, user := range cfg.Users {
		if !isAddress(user.Address) {
			return fmt.Errorf("users[%d]: invalid address %q", i, user.Address)
		}
		addr := common.HexToAddress(user.Address)
		if _, dup := seen[addr]; dup {
			return fmt.Errorf("users[%d]: duplicate address %s", i, addr.Hex())
		}
		seen[addr] = struct{}{}
	}
	if cfg.PollInterval.Duration <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if cfg.CallTimeout.Duration <= 0 {
		return fmt.Errorf("call_timeout must be positive")
	}
	if strings.TrimSpace(cfg.Routing.BaseURL) == "" {
		return fmt.Errorf("routing.base_url must be configured")
	}
	for i, target := range cfg.Routing.TrustedTargets {
		if !isAddress(target) {
			return fmt.Errorf("routing.trusted_targets[%d]: invalid address %q", i, target)
		}
	}
	if registry := strings.TrimSpace(cfg.ENS.Registry); registry != "" && !isAddress(registry) {
		return fmt.Errorf("ens.registry must be a hex address")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	for _, chainID := range cfg.Policy.DefaultChains {
		if chainID <= 0 {
			return fmt.Errorf("policy.default_chains must be positive")
		}
	}
	return nil
}

// MonitoredUsers converts the configured user list.
func (c Config) MonitoredUsers() []User {
	users := make([]User, 0, len(c.Users))
	for _, u := range c.Users {
		users = append(users, User{Address: common.HexToAddress(u.Address), Name: strings.TrimSpace(u.Name)})
	}
	return users
}

func (s *SignerConfig) normalise() error {
	if s == nil {
		return fmt.Errorf("signer configuration missing")
	}
	value, err := resolveSecret(s.Key, s.KeyEnv, s.KeyFile)
	if err != nil {
		return err
	}
	if value == "" {
		return fmt.Errorf("key is required")
	}
	s.Key = value
	return nil
}

func (r *RoutingConfig) normalise() error {
	if r == nil {
		return fmt.Errorf("routing configuration missing")
	}
	value, err := resolveSecret(r.APIKey, r.APIKeyEnv, r.APIKeyFile)
	if err != nil {
		return err
	}
	r.APIKey = value
	r.BaseURL = strings.TrimRight(strings.TrimSpace(r.BaseURL), "/")
	r.FromToken = strings.TrimSpace(r.FromToken)
	return nil
}

func (h *HistoryConfig) normalise() error {
	if h == nil {
		return nil
	}
	h.Driver = strings.ToLower(strings.TrimSpace(h.Driver))
	value, err := resolveSecret(h.DSN, h.DSNEnv, "")
	if err != nil {
		return err
	}
	h.DSN = value
	return nil
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	a.Listen = strings.TrimSpace(a.Listen)
	return nil
}

// resolveSecret returns the inline value, else the named environment variable,
// else the file contents. All empty yields "".
func resolveSecret(inline, envName, filePath string) (string, error) {
	if value := strings.TrimSpace(inline); value != "" {
		return value, nil
	}
	if envName = strings.TrimSpace(envName); envName != "" {
		value := strings.TrimSpace(os.Getenv(envName))
		if value == "" {
			return "", fmt.Errorf("env %s is empty", envName)
		}
		return value, nil
	}
	if filePath = strings.TrimSpace(filePath); filePath != "" {
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", filePath, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}

func isAddress(value string) bool {
	value = strings.TrimSpace(value)
	return common.IsHexAddress(value) && common.HexToAddress(value) != (common.Address{})
}
