package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"cryptoramp/services/rampd/assets"
)

// EnvVar names the variable that overrides the configured environment.
const EnvVar = "RAMPD_ENV"

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

// Config captures runtime configuration for rampd.
type Config struct {
	ListenAddress  string            `yaml:"listen" toml:"listen"`
	Environment    string            `yaml:"environment" toml:"environment"`
	FiatCurrency   string            `yaml:"fiat_currency" toml:"fiat_currency"`
	TransactionTTL Duration          `yaml:"transaction_ttl" toml:"transaction_ttl"`
	Storage        StorageConfig     `yaml:"storage" toml:"storage"`
	Watch          WatchConfig       `yaml:"watch" toml:"watch"`
	Rates          map[string]string `yaml:"rates" toml:"rates"`
	Wallets        map[string]string `yaml:"wallets" toml:"wallets"`
	Limits         LimitsConfig      `yaml:"limits" toml:"limits"`
	Settlement     SettlementConfig  `yaml:"settlement" toml:"settlement"`
	Chain          ChainConfig       `yaml:"chain" toml:"chain"`
	Notify         NotifyConfig      `yaml:"notify" toml:"notify"`
	Logging        LoggingConfig     `yaml:"logging" toml:"logging"`
	Telemetry      TelemetryConfig   `yaml:"telemetry" toml:"telemetry"`
	HTTP           HTTPConfig        `yaml:"http" toml:"http"`
}

// StorageConfig selects the transaction store backend.
type StorageConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// WatchConfig tunes the watcher cadence.
type WatchConfig struct {
	CountdownInterval Duration `yaml:"countdown_interval" toml:"countdown_interval"`
	PollInterval      Duration `yaml:"poll_interval" toml:"poll_interval"`
	BackoffInterval   Duration `yaml:"backoff_interval" toml:"backoff_interval"`
	Lifetime          Duration `yaml:"lifetime" toml:"lifetime"`
}

// LimitsConfig bounds individual trades.
type LimitsConfig struct {
	MaxAmount       string `yaml:"max_amount" toml:"max_amount"`
	MaxSendAttempts int    `yaml:"max_send_attempts" toml:"max_send_attempts"`
}

// SettlementConfig configures the payment processor client.
type SettlementConfig struct {
	BaseURL           string   `yaml:"base_url" toml:"base_url"`
	SecretKey         string   `yaml:"secret_key" toml:"secret_key"`
	SecretKeyEnv      string   `yaml:"secret_key_env" toml:"secret_key_env"`
	SecretKeyFile     string   `yaml:"secret_key_file" toml:"secret_key_file"`
	CustomerEmail     string   `yaml:"customer_email" toml:"customer_email"`
	TransferReason    string   `yaml:"transfer_reason" toml:"transfer_reason"`
	RequestsPerSecond float64  `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int      `yaml:"burst" toml:"burst"`
	Timeout           Duration `yaml:"timeout" toml:"timeout"`
}

// ChainConfig lists the chain backends keyed by network name.
type ChainConfig struct {
	Networks map[string]NetworkConfig `yaml:"networks" toml:"networks"`
}

// NetworkConfig describes one JSON-RPC backend. A network without a private key
// is read-only.
type NetworkConfig struct {
	RPCURL         string            `yaml:"rpc_url" toml:"rpc_url"`
	ChainID        int64             `yaml:"chain_id" toml:"chain_id"`
	PrivateKey     string            `yaml:"private_key" toml:"private_key"`
	PrivateKeyEnv  string            `yaml:"private_key_env" toml:"private_key_env"`
	PrivateKeyFile string            `yaml:"private_key_file" toml:"private_key_file"`
	Contracts      map[string]string `yaml:"contracts" toml:"contracts"`
}

// NotifyConfig configures the outbound webhook.
type NotifyConfig struct {
	WebhookURL        string  `yaml:"webhook_url" toml:"webhook_url"`
	WebhookSecret     string  `yaml:"webhook_secret" toml:"webhook_secret"`
	WebhookSecretEnv  string  `yaml:"webhook_secret_env" toml:"webhook_secret_env"`
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	PerUserLimit      int     `yaml:"per_user_limit" toml:"per_user_limit"`
	QueueSize         int     `yaml:"queue_size" toml:"queue_size"`
	HubBuffer         int     `yaml:"hub_buffer" toml:"hub_buffer"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// TelemetryConfig mirrors otel.Config.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" toml:"enabled"`
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Headers     string  `yaml:"headers" toml:"headers"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// HTTPConfig tunes the API listener.
type HTTPConfig struct {
	RateLimit       RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	ShutdownTimeout Duration        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	// TrustProxyHeaders reads the client address from forwarding headers.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers" toml:"trust_proxy_headers"`
}

// RateLimitConfig throttles API requests per client IP.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int `yaml:"burst" toml:"burst"`
}

// Load reads configuration from path. The format follows the file extension:
// .toml is decoded as TOML, anything else as YAML. A .env file next to the
// working directory is loaded first so secret references can point at it.
func Load(path string) (Config, error) {
	cfg := Config{}
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	if strings.TrimSpace(path) != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if env := strings.TrimSpace(os.Getenv(EnvVar)); env != "" {
		cfg.Environment = env
	}
	applyDefaults(&cfg)
	if err := cfg.Settlement.normalise(); err != nil {
		return cfg, fmt.Errorf("settlement: %w", err)
	}
	for name, network := range cfg.Chain.Networks {
		if err := network.normalise(); err != nil {
			return cfg, fmt.Errorf("chain network %s: %w", name, err)
		}
		cfg.Chain.Networks[name] = network
	}
	if err := cfg.Notify.normalise(); err != nil {
		return cfg, fmt.Errorf("notify: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml", ".tml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	default:
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8085"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.FiatCurrency == "" {
		cfg.FiatCurrency = "NGN"
	}
	if cfg.TransactionTTL.Duration == 0 {
		cfg.TransactionTTL.Duration = 30 * time.Minute
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Watch.CountdownInterval.Duration == 0 {
		cfg.Watch.CountdownInterval.Duration = time.Second
	}
	if cfg.Watch.PollInterval.Duration == 0 {
		cfg.Watch.PollInterval.Duration = 30 * time.Second
	}
	if cfg.Watch.BackoffInterval.Duration == 0 {
		cfg.Watch.BackoffInterval.Duration = 60 * time.Second
	}
	if cfg.Watch.Lifetime.Duration == 0 {
		cfg.Watch.Lifetime.Duration = 30 * time.Minute
	}
	if cfg.Wallets == nil {
		cfg.Wallets = map[string]string{}
	}
	if cfg.Limits.MaxAmount == "" {
		cfg.Limits.MaxAmount = "2000"
	}
	if cfg.Limits.MaxSendAttempts <= 0 {
		cfg.Limits.MaxSendAttempts = 5
	}
	if cfg.Settlement.BaseURL == "" {
		cfg.Settlement.BaseURL = "https://api.paystack.co"
	}
	if cfg.Settlement.RequestsPerSecond == 0 {
		cfg.Settlement.RequestsPerSecond = 10
	}
	if cfg.Settlement.Burst <= 0 {
		cfg.Settlement.Burst = 5
	}
	if cfg.Settlement.Timeout.Duration == 0 {
		cfg.Settlement.Timeout.Duration = 30 * time.Second
	}
	if cfg.Chain.Networks == nil {
		cfg.Chain.Networks = map[string]NetworkConfig{}
	}
	if cfg.Notify.RequestsPerSecond == 0 {
		cfg.Notify.RequestsPerSecond = 20
	}
	if cfg.Notify.QueueSize <= 0 {
		cfg.Notify.QueueSize = 256
	}
	if cfg.Notify.HubBuffer <= 0 {
		cfg.Notify.HubBuffer = 16
	}
	if cfg.HTTP.RateLimit.RequestsPerMinute <= 0 {
		cfg.HTTP.RateLimit.RequestsPerMinute = 120
	}
	if cfg.HTTP.RateLimit.Burst <= 0 {
		cfg.HTTP.RateLimit.Burst = 20
	}
	if cfg.HTTP.ShutdownTimeout.Duration == 0 {
		cfg.HTTP.ShutdownTimeout.Duration = 10 * time.Second
	}
}

// Validate checks cross-field constraints after defaults were applied.
func (c Config) Validate() error {
	if !strings.EqualFold(c.FiatCurrency, "NGN") {
		return fmt.Errorf("fiat_currency %q is not supported", c.FiatCurrency)
	}
	if c.TransactionTTL.Duration < 0 {
		return fmt.Errorf("transaction_ttl must be positive")
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite", "postgres", "bolt":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn must be configured for driver %s", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if _, err := c.RateTable(); err != nil {
		return err
	}
	if _, err := c.WalletMap(); err != nil {
		return err
	}
	if _, err := c.MaxAmount(); err != nil {
		return err
	}
	if c.Watch.BackoffInterval.Duration < c.Watch.PollInterval.Duration {
		return fmt.Errorf("watch.backoff_interval must not be shorter than watch.poll_interval")
	}
	for name, network := range c.Chain.Networks {
		if _, err := network.TokenContracts(assets.Network(name)); err != nil {
			return fmt.Errorf("chain network %s: %w", name, err)
		}
		if strings.TrimSpace(network.RPCURL) == "" {
			return fmt.Errorf("chain network %s: rpc_url must be configured", name)
		}
	}
	return nil
}

// RateTable parses the configured prices. An empty table yields nil so callers
// fall back to the built-in defaults.
func (c Config) RateTable() (map[string]decimal.Decimal, error) {
	if len(c.Rates) == 0 {
		return nil, nil
	}
	table := make(map[string]decimal.Decimal, len(c.Rates))
	for symbol, raw := range c.Rates {
		price, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("rates.%s: %w", symbol, err)
		}
		table[strings.ToUpper(strings.TrimSpace(symbol))] = price
	}
	return table, nil
}

// WalletMap resolves the deposit addresses keyed by asset and checks each one
// against its asset's address scheme.
func (c Config) WalletMap() (map[assets.Asset]string, error) {
	wallets := make(map[assets.Asset]string, len(c.Wallets))
	for key, address := range c.Wallets {
		asset, err := assets.Parse(key)
		if err != nil {
			return nil, fmt.Errorf("wallets.%s: %w", key, err)
		}
		address = strings.TrimSpace(address)
		if err := asset.ValidateAddress(address); err != nil {
			return nil, fmt.Errorf("wallets.%s: %w", key, err)
		}
		wallets[asset] = address
	}
	return wallets, nil
}

// MaxAmount parses limits.max_amount. Zero disables the limit.
func (c Config) MaxAmount() (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(c.Limits.MaxAmount))
	if err != nil {
		return decimal.Zero, fmt.Errorf("limits.max_amount: %w", err)
	}
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("limits.max_amount must not be negative")
	}
	return amount, nil
}

func (s *SettlementConfig) normalise() error {
	s.BaseURL = strings.TrimRight(strings.TrimSpace(s.BaseURL), "/")
	secret, err := resolveSecret(s.SecretKey, s.SecretKeyEnv, s.SecretKeyFile, "secret_key")
	if err != nil {
		return err
	}
	s.SecretKey = secret
	return nil
}

func (n *NetworkConfig) normalise() error {
	n.RPCURL = strings.TrimSpace(n.RPCURL)
	key, err := resolveSecret(n.PrivateKey, n.PrivateKeyEnv, n.PrivateKeyFile, "private_key")
	if err != nil {
		return err
	}
	n.PrivateKey = key
	return nil
}

func (n *NotifyConfig) normalise() error {
	n.WebhookURL = strings.TrimSpace(n.WebhookURL)
	secret, err := resolveSecret(n.WebhookSecret, n.WebhookSecretEnv, "", "webhook_secret")
	if err != nil {
		return err
	}
	n.WebhookSecret = secret
	if n.WebhookURL != "" && n.WebhookSecret == "" {
		return fmt.Errorf("webhook_secret is required when webhook_url is set")
	}
	return nil
}

// TokenContracts parses the token contract map for the given network.
func (n NetworkConfig) TokenContracts(network assets.Network) (map[assets.Asset]string, error) {
	contracts := make(map[assets.Asset]string, len(n.Contracts))
	for key, address := range n.Contracts {
		asset, err := assets.Parse(key)
		if err != nil {
			return nil, fmt.Errorf("contracts.%s: %w", key, err)
		}
		if asset.Network() != network {
			return nil, fmt.Errorf("contracts.%s: asset settles on %s", key, asset.Network())
		}
		contracts[asset] = strings.TrimSpace(address)
	}
	return contracts, nil
}

// resolveSecret returns the inline value when set, otherwise the named
// environment variable, otherwise the file contents. All three empty is not an
// error; callers decide whether the secret is mandatory.
func resolveSecret(inline, envName, path, field string) (string, error) {
	if value := strings.TrimSpace(inline); value != "" {
		return value, nil
	}
	if envName = strings.TrimSpace(envName); envName != "" {
		value := strings.TrimSpace(os.Getenv(envName))
		if value == "" {
			return "", fmt.Errorf("%s_env %s is empty", field, envName)
		}
		return value, nil
	}
	if path = strings.TrimSpace(path); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s_file: %w", field, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}
