package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"cryptoramp/services/rampd/assets"
)

const depositAddress = "0x52908400098527886E0F7030069857D2E4169EE7"

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "rampd.yaml", "listen: \":9000\"\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":9000", cfg.ListenAddress)
	require.Equal(t, "NGN", cfg.FiatCurrency)
	require.Equal(t, 30*time.Minute, cfg.TransactionTTL.Duration)
	require.Equal(t, "memory", cfg.Storage.Driver)
	require.Equal(t, time.Second, cfg.Watch.CountdownInterval.Duration)
	require.Equal(t, 30*time.Second, cfg.Watch.PollInterval.Duration)
	require.Equal(t, time.Minute, cfg.Watch.BackoffInterval.Duration)
	require.Equal(t, 30*time.Minute, cfg.Watch.Lifetime.Duration)
	require.Equal(t, 5, cfg.Limits.MaxSendAttempts)

	limit, err := cfg.MaxAmount()
	require.NoError(t, err)
	require.True(t, limit.Equal(decimal.NewFromInt(2000)))

	table, err := cfg.RateTable()
	require.NoError(t, err)
	require.Nil(t, table)
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("TEST_PAYSTACK_SECRET", "sk_test_env")
	path := writeConfig(t, "rampd.yml", `
listen: ":8085"
transaction_ttl: 10m
storage:
  driver: bolt
  dsn: /tmp/rampd.db
watch:
  poll_interval: 5s
  backoff_interval: 15s
http:
  trust_proxy_headers: true
rates:
  usdt: "1600"
  ETH: "2600000.5"
wallets:
  USDT(ERC-20): `+depositAddress+`
settlement:
  secret_key_env: TEST_PAYSTACK_SECRET
chain:
  networks:
    ethereum:
      rpc_url: http://localhost:8545
      chain_id: 1
      contracts:
        USDT_ERC20: "0xdAC17F958D2ee523a2206206994597C13D831ec7"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 10*time.Minute, cfg.TransactionTTL.Duration)
	require.Equal(t, "bolt", cfg.Storage.Driver)
	require.Equal(t, 5*time.Second, cfg.Watch.PollInterval.Duration)
	require.True(t, cfg.HTTP.TrustProxyHeaders)
	require.Equal(t, "sk_test_env", cfg.Settlement.SecretKey)

	table, err := cfg.RateTable()
	require.NoError(t, err)
	require.True(t, table["USDT"].Equal(decimal.NewFromInt(1600)))
	require.True(t, table["ETH"].Equal(decimal.RequireFromString("2600000.5")))

	wallets, err := cfg.WalletMap()
	require.NoError(t, err)
	require.Equal(t, map[assets.Asset]string{assets.USDTERC20: depositAddress}, wallets)

	contracts, err := cfg.Chain.Networks["ethereum"].TokenContracts(assets.NetworkEthereum)
	require.NoError(t, err)
	require.Contains(t, contracts, assets.USDTERC20)
}

func TestLoadTOML(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "hot.key")
	require.NoError(t, os.WriteFile(keyFile, []byte("  abcdef\n"), 0o600))
	path := writeConfig(t, "rampd.toml", `
listen = ":7000"
transaction_ttl = "15m"

[storage]
driver = "sqlite"
dsn = "file::memory:"

[limits]
max_amount = "0"
max_send_attempts = 3

[chain.networks.ethereum]
rpc_url = "http://localhost:8545"
chain_id = 11155111
private_key_file = "`+filepath.ToSlash(keyFile)+`"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":7000", cfg.ListenAddress)
	require.Equal(t, 15*time.Minute, cfg.TransactionTTL.Duration)
	require.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Equal(t, 3, cfg.Limits.MaxSendAttempts)
	require.Equal(t, "abcdef", cfg.Chain.Networks["ethereum"].PrivateKey)
	require.EqualValues(t, 11155111, cfg.Chain.Networks["ethereum"].ChainID)

	limit, err := cfg.MaxAmount()
	require.NoError(t, err)
	require.True(t, limit.IsZero())
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv(EnvVar, "production")
	path := writeConfig(t, "rampd.yaml", "environment: staging\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "production", cfg.Environment)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"currency", "fiat_currency: USD\n", "fiat_currency"},
		{"driver", "storage:\n  driver: redis\n", "unknown storage driver"},
		{"dsn", "storage:\n  driver: postgres\n", "storage.dsn"},
		{"rate", "rates:\n  USDT: cheap\n", "rates.USDT"},
		{"wallet asset", "wallets:\n  DOGE: abc\n", "wallets.DOGE"},
		{"wallet address", "wallets:\n  ETH: \"0x1234\"\n", "wallets.ETH"},
		{"limit", "limits:\n  max_amount: \"-1\"\n", "max_amount"},
		{"backoff", "watch:\n  poll_interval: 2m\n  backoff_interval: 1m\n", "backoff_interval"},
		{"rpc", "chain:\n  networks:\n    ethereum:\n      chain_id: 1\n", "rpc_url"},
		{"contract network", "chain:\n  networks:\n    tron:\n      rpc_url: http://x\n      contracts:\n        USDT_ERC20: abc\n", "settles on"},
		{"webhook secret", "notify:\n  webhook_url: http://hooks\n", "webhook_secret"},
		{"secret env", "settlement:\n  secret_key_env: RAMPD_TEST_UNSET_SECRET\n", "is empty"},
		{"unknown field", "listen_addr: \":1\"\n", "listen_addr"},
		{"duration", "transaction_ttl: soon\n", "parse duration"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, "rampd.yaml", tc.body)
			_, err := Load(path)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestResolveSecretPrecedence(t *testing.T) {
	t.Setenv("RAMPD_TEST_SECRET", "from-env")
	file := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(file, []byte("from-file\n"), 0o600))

	got, err := resolveSecret(" inline ", "RAMPD_TEST_SECRET", file, "secret")
	require.NoError(t, err)
	require.Equal(t, "inline", got)

	got, err = resolveSecret("", "RAMPD_TEST_SECRET", file, "secret")
	require.NoError(t, err)
	require.Equal(t, "from-env", got)

	got, err = resolveSecret("", "", file, "secret")
	require.NoError(t, err)
	require.Equal(t, "from-file", got)

	got, err = resolveSecret("", "", "", "secret")
	require.NoError(t, err)
	require.Empty(t, got)

	_, err = resolveSecret("", "", filepath.Join(t.TempDir(), "missing"), "secret")
	require.Error(t, err)
}
