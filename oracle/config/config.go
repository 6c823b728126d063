package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/GPTx-global/oracle-dispatcher/oracle/log"
	"github.com/GPTx-global/oracle-dispatcher/oracle/types"
)

const (
	EnvPrefix         = "ORACLED"
	CadenceIntervals  = EnvPrefix + "_CADENCE_INTERVALS"
	DefaultKeyEnv     = "MASTER_WALLET_PRIVATE_KEY"
	DefaultDerivation = "m/44'/60'/0'/0/0"
)

const (
	KeySourceEnv      = "env"
	KeySourceHex      = "hex"
	KeySourceKeystore = "keystore"
	KeySourceMnemonic = "mnemonic"
)

type Config struct {
	Home       string           `mapstructure:"-"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Key        KeyConfig        `mapstructure:"key"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Cadence    []CadenceConfig  `mapstructure:"cadence"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
}

type ChainConfig struct {
	Endpoint           string  `mapstructure:"endpoint"`
	ChainID            int64   `mapstructure:"chain_id"` // 0 = ask the node
	GasLimit           uint64  `mapstructure:"gas_limit"`
	GasPriceMultiplier float64 `mapstructure:"gas_price_multiplier"`
}

type KeyConfig struct {
	Source         string `mapstructure:"source"`
	Path           string `mapstructure:"path"`
	Env            string `mapstructure:"env"`
	PasswordEnv    string `mapstructure:"password_env"`
	DerivationPath string `mapstructure:"derivation_path"`
}

type RegistryConfig struct {
	URL            string        `mapstructure:"url"`
	File           string        `mapstructure:"file"`
	RefreshTimeout time.Duration `mapstructure:"refresh_timeout"`
}

type DispatcherConfig struct {
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queue_size"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	Multiplier      float64       `mapstructure:"multiplier"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	ChainTimeout    time.Duration `mapstructure:"chain_timeout"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace"`
	FetchRateLimit  float64       `mapstructure:"fetch_rate_limit"` // requests per second, 0 = unlimited
	APIURLCacheSize int           `mapstructure:"api_url_cache_size"`
}

type CadenceConfig struct {
	Name     string        `mapstructure:"name"`
	Interval time.Duration `mapstructure:"interval"`
	Labels   []string      `mapstructure:"labels"`
}

type ServerConfig struct {
	Listen         string   `mapstructure:"listen"`
	MaxConnections int      `mapstructure:"max_connections"`
	CORSOrigins    []string `mapstructure:"cors_origins"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	ToFile bool   `mapstructure:"to_file"`
}

// DefaultHome is ~/.oracled.
func DefaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".oracled"
	}

	return filepath.Join(home, ".oracled")
}

func defaults(home string) map[string]any {
	return map[string]any{
		"chain": map[string]any{
			"endpoint":             "http://localhost:8545",
			"chain_id":             0,
			"gas_limit":            300000,
			"gas_price_multiplier": 1.2,
		},
		"key": map[string]any{
			"source":          KeySourceEnv,
			"path":            "",
			"env":             DefaultKeyEnv,
			"password_env":    "ORACLED_KEY_PASSWORD",
			"derivation_path": DefaultDerivation,
		},
		"registry": map[string]any{
			"url":             "https://dersx.net/stacks-istanbul-app/cron-oracle",
			"file":            "",
			"refresh_timeout": "15s",
		},
		"dispatcher": map[string]any{
			"workers":            runtime.NumCPU(),
			"queue_size":         1 << 10,
			"max_attempts":       3,
			"base_delay":         "500ms",
			"max_delay":          "10s",
			"multiplier":         2.0,
			"fetch_timeout":      "10s",
			"chain_timeout":      "15s",
			"confirm_timeout":    "60s",
			"shutdown_grace":     "10s",
			"fetch_rate_limit":   0.0,
			"api_url_cache_size": 4096,
		},
		"cadence": []map[string]any{
			{"name": "fast", "interval": "10s", "labels": []string{"10s"}},
			{"name": "medium", "interval": "30s", "labels": []string{"30s"}},
			{"name": "slow", "interval": "1m", "labels": []string{"1m", "60s"}},
		},
		"server": map[string]any{
			"listen":          ":3000",
			"max_connections": 256,
			"cors_origins":    []string{"*"},
		},
		"log": map[string]any{
			"level":   "info",
			"to_file": false,
		},
	}
}

// Load reads <home>/config.toml, writing a default one first if it does not
// exist, then applies ORACLED_* environment overrides.
func Load(home string) (*Config, error) {
	if home == "" {
		home = DefaultHome()
	}
	path := filepath.Join(home, "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefaultConfig(path, home); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		log.Infof("Wrote default config to %s", path)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, "", defaults(home))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Home = home

	if raw := os.Getenv(CadenceIntervals); raw != "" {
		if err := cfg.applyCadenceOverride(raw); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", CadenceIntervals, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log.Infof("Loaded config from %s", path)
	return cfg, nil
}

func setDefaults(v *viper.Viper, prefix string, values map[string]any) {
	for k, val := range values {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			setDefaults(v, key, nested)
			continue
		}
		v.SetDefault(key, val)
	}
}

func createDefaultConfig(path, home string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	data, err := toml.Marshal(defaults(home))
	if err != nil {
		return fmt.Errorf("failed to marshal TOML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// applyCadenceOverride parses "fast=10,medium=30s,slow=1m". Bare numbers are seconds.
func (c *Config) applyCadenceOverride(raw string) error {
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("expected name=interval, got %q", pair)
		}
		name = types.NormalizeLabel(name)

		interval, err := parseInterval(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("cadence %s: %w", name, err)
		}

		found := false
		for i := range c.Cadence {
			if types.NormalizeLabel(c.Cadence[i].Name) == name {
				c.Cadence[i].Interval = interval
				found = true
			}
		}
		if !found {
			c.Cadence = append(c.Cadence, CadenceConfig{Name: name, Interval: interval})
		}
	}

	return nil
}

func parseInterval(value string) (time.Duration, error) {
	if seconds, err := cast.ToInt64E(value); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}

	return cast.ToDurationE(value)
}

func (c *Config) Validate() error {
	if c.Chain.Endpoint == "" {
		return fmt.Errorf("chain endpoint is required")
	}

	if c.Chain.GasLimit == 0 {
		return fmt.Errorf("gas limit is required")
	}

	if c.Chain.GasPriceMultiplier <= 0 {
		return fmt.Errorf("gas price multiplier must be positive")
	}

	switch c.Key.Source {
	case KeySourceEnv:
		if c.Key.Env == "" {
			return fmt.Errorf("key env variable name is required")
		}
	case KeySourceHex, KeySourceKeystore, KeySourceMnemonic:
		if c.Key.Path == "" {
			return fmt.Errorf("key path is required for source %s", c.Key.Source)
		}
	default:
		return fmt.Errorf("unknown key source %q", c.Key.Source)
	}

	if c.Registry.URL == "" && c.Registry.File == "" {
		return fmt.Errorf("registry url or file is required")
	}

	d := c.Dispatcher
	if d.Workers < 1 {
		return fmt.Errorf("dispatcher workers must be at least 1")
	}
	if d.QueueSize < 1 {
		return fmt.Errorf("dispatcher queue size must be at least 1")
	}
	if d.MaxAttempts < 1 {
		return fmt.Errorf("dispatcher max attempts must be at least 1")
	}
	if d.Multiplier < 1 {
		return fmt.Errorf("dispatcher backoff multiplier must be at least 1")
	}
	for name, timeout := range map[string]time.Duration{
		"fetch_timeout":   d.FetchTimeout,
		"chain_timeout":   d.ChainTimeout,
		"confirm_timeout": d.ConfirmTimeout,
		"base_delay":      d.BaseDelay,
		"max_delay":       d.MaxDelay,
		"refresh_timeout": c.Registry.RefreshTimeout,
	} {
		if timeout <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if d.ShutdownGrace < 0 {
		return fmt.Errorf("shutdown_grace must not be negative")
	}

	if len(c.Cadence) == 0 {
		return fmt.Errorf("at least one cadence class is required")
	}
	if _, err := c.CadenceTable(); err != nil {
		return err
	}

	return nil
}

func (c *Config) CadenceClasses() []types.CadenceClass {
	classes := make([]types.CadenceClass, 0, len(c.Cadence))
	for _, cc := range c.Cadence {
		classes = append(classes, types.CadenceClass{
			Name:     cc.Name,
			Interval: cc.Interval,
			Labels:   cc.Labels,
		})
	}

	return classes
}

func (c *Config) CadenceTable() (*types.CadenceTable, error) {
	return types.NewCadenceTable(c.CadenceClasses())
}

// Print logs the effective configuration. Key material is never printed.
func (c *Config) Print() {
	log.Infof("%-18s: %s", "Home", c.Home)
	log.Infof("%-18s: %s", "Chain Endpoint", c.Chain.Endpoint)
	log.Infof("%-18s: %d", "Chain ID", c.Chain.ChainID)
	log.Infof("%-18s: %d", "Gas Limit", c.Chain.GasLimit)
	log.Infof("%-18s: %s", "Key Source", c.Key.Source)
	log.Infof("%-18s: %s", "Registry URL", c.Registry.URL)
	log.Infof("%-18s: %s", "Registry File", c.Registry.File)
	log.Infof("%-18s: %d", "Workers", c.Dispatcher.Workers)
	log.Infof("%-18s: %d", "Max Attempts", c.Dispatcher.MaxAttempts)
	log.Infof("%-18s: %v", "Fetch Timeout", c.Dispatcher.FetchTimeout)
	log.Infof("%-18s: %v", "Confirm Timeout", c.Dispatcher.ConfirmTimeout)

	cadences := make([]string, 0, len(c.Cadence))
	for _, cc := range c.Cadence {
		cadences = append(cadences, fmt.Sprintf("%s=%v", cc.Name, cc.Interval))
	}
	sort.Strings(cadences)
	log.Infof("%-18s: %s", "Cadence", strings.Join(cadences, ","))
	log.Infof("%-18s: %s", "Listen", c.Server.Listen)
}

// ForTesting returns a valid configuration rooted at home without touching disk.
func ForTesting(home string) *Config {
	return &Config{
		Home: home,
		Chain: ChainConfig{
			Endpoint:           "http://localhost:8545",
			ChainID:            1337,
			GasLimit:           300000,
			GasPriceMultiplier: 1.2,
		},
		Key: KeyConfig{
			Source:         KeySourceEnv,
			Env:            DefaultKeyEnv,
			DerivationPath: DefaultDerivation,
		},
		Registry: RegistryConfig{
			URL:            "http://localhost/cron-oracle",
			RefreshTimeout: time.Second,
		},
		Dispatcher: DispatcherConfig{
			Workers:         4,
			QueueSize:       64,
			MaxAttempts:     3,
			BaseDelay:       time.Millisecond,
			MaxDelay:        10 * time.Millisecond,
			Multiplier:      2,
			FetchTimeout:    time.Second,
			ChainTimeout:    time.Second,
			ConfirmTimeout:  time.Second,
			ShutdownGrace:   time.Second,
			APIURLCacheSize: 128,
		},
		Cadence: []CadenceConfig{
			{Name: "fast", Interval: 10 * time.Second, Labels: []string{"10s"}},
			{Name: "medium", Interval: 30 * time.Second, Labels: []string{"30s"}},
			{Name: "slow", Interval: time.Minute, Labels: []string{"1m", "60s"}},
		},
		Server: ServerConfig{
			Listen:         "127.0.0.1:0",
			MaxConnections: 16,
			CORSOrigins:    []string{"*"},
		},
		Log: LogConfig{Level: "debug"},
	}
}
