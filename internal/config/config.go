package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"peg-keeper/internal/logging"
	"peg-keeper/internal/token"
)

// ErrInvalid marks a configuration that cannot be used to start the keeper.
var ErrInvalid = errors.New("invalid configuration")

const (
	// maxAdapterNameLength is the longest name that fits a bytes32 identifier with room for the terminator.
	maxAdapterNameLength = 31
	// maxTokenDecimals keeps 10^decimals below 2^256.
	maxTokenDecimals = 77
)

// requiredKeys have no default; the keeper refuses to start unless each is set explicitly.
var requiredKeys = []string{
	"rebalance.allowed_low",
	"rebalance.allowed_high",
	"rebalance.target_low",
	"rebalance.target_high",
	"execution.confirmations",
	"scheduler.interval",
}

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Contracts ContractsConfig `mapstructure:"contracts"`
	Tokens    []TokenConfig   `mapstructure:"tokens"`
	Pairs     []PairConfig    `mapstructure:"pairs"`
	Rebalance RebalanceConfig `mapstructure:"rebalance"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// EthereumConfig covers node access and the keeper wallet.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	PrivateKey     string        `mapstructure:"private_key"`
	ChainID        uint64        `mapstructure:"chain_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ContractsConfig lists the deployed contracts the keeper talks to.
type ContractsConfig struct {
	Router          string `mapstructure:"router"`
	Factory         string `mapstructure:"factory"`
	StabilityModule string `mapstructure:"stability_module"`
	Adapter         string `mapstructure:"adapter"`
	AdapterName     string `mapstructure:"adapter_name"`
}

// TokenConfig declares one stablecoin.
type TokenConfig struct {
	Symbol   string `mapstructure:"symbol"`
	Address  string `mapstructure:"address"`
	Decimals *uint8 `mapstructure:"decimals"`
}

// PairConfig references two configured tokens by symbol.
type PairConfig struct {
	Symbol string `mapstructure:"symbol"`
	Token0 string `mapstructure:"token_0"`
	Token1 string `mapstructure:"token_1"`
}

// RebalanceConfig holds the price bands and the quantity solver.
type RebalanceConfig struct {
	AllowedLow  decimal.Decimal `mapstructure:"allowed_low"`
	AllowedHigh decimal.Decimal `mapstructure:"allowed_high"`
	TargetLow   decimal.Decimal `mapstructure:"target_low"`
	TargetHigh  decimal.Decimal `mapstructure:"target_high"`
	Solver      string          `mapstructure:"solver"`
}

// ExecutionConfig governs submission and confirmation.
type ExecutionConfig struct {
	Confirmations       uint64        `mapstructure:"confirmations"`
	ConfirmationTimeout time.Duration `mapstructure:"confirmation_timeout"`
	ReceiptPollInterval time.Duration `mapstructure:"receipt_poll_interval"`
	SwapDeadline        time.Duration `mapstructure:"swap_deadline"`
	GasLimitMultiplier  float64       `mapstructure:"gas_limit_multiplier"`
	DryRun              bool          `mapstructure:"dry_run"`
}

// SchedulerConfig governs polling cadence.
type SchedulerConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity for the optional journal.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PEGKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	for _, key := range requiredKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}
	if err := checkRequired(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("%w: unmarshal config: %w", ErrInvalid, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func checkRequired(v *viper.Viper) error {
	for _, key := range requiredKeys {
		if !v.IsSet(key) {
			return fmt.Errorf("%w: %s is required", ErrInvalid, key)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pegkeeper")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Secrets and endpoints have no defaults but are registered so env vars bind.
	v.SetDefault("ethereum.rpc_url", "")
	v.SetDefault("ethereum.private_key", "")
	v.SetDefault("ethereum.chain_id", 0)
	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("contracts.router", "")
	v.SetDefault("contracts.factory", "")
	v.SetDefault("contracts.stability_module", "")
	v.SetDefault("contracts.adapter", "")
	v.SetDefault("contracts.adapter_name", "UniswapV2")

	v.SetDefault("rebalance.solver", "linear")

	v.SetDefault("execution.confirmation_timeout", "5m")
	v.SetDefault("execution.receipt_poll_interval", "2s")
	v.SetDefault("execution.swap_deadline", "120s")
	v.SetDefault("execution.gas_limit_multiplier", 1.2)
	v.SetDefault("execution.dry_run", false)

	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.advisory_lock_key", int64(0x7065676b))

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9464")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToDecimalHookFunc(),
		)
	}
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// stringToDecimalHookFunc decodes YAML strings and numbers into decimal.Decimal.
// Numbers go through their string form so 0.99 stays 0.99.
func stringToDecimalHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != decimalType {
			return data, nil
		}
		switch value := data.(type) {
		case string:
			return decimal.NewFromString(strings.TrimSpace(value))
		case float64:
			return decimal.NewFromString(fmt.Sprint(value))
		case float32:
			return decimal.NewFromFloat32(value), nil
		case int:
			return decimal.NewFromInt(int64(value)), nil
		case int64:
			return decimal.NewFromInt(value), nil
		default:
			return data, nil
		}
	}
}

// Validate performs fail-fast sanity checks on the configuration values.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Ethereum.RPCURL) == "" {
		return errors.New("ethereum.rpc_url is required")
	}
	if strings.TrimSpace(c.Ethereum.PrivateKey) == "" {
		return errors.New("ethereum.private_key is required")
	}
	if c.Ethereum.RequestTimeout <= 0 {
		return errors.New("ethereum.request_timeout must be greater than zero")
	}

	for _, contract := range c.ContractAddresses() {
		if _, err := parseAddress(contract.Key, contract.Value); err != nil {
			return err
		}
	}
	if c.Contracts.AdapterName == "" {
		return errors.New("contracts.adapter_name is required")
	}
	if len(c.Contracts.AdapterName) > maxAdapterNameLength {
		return fmt.Errorf("contracts.adapter_name %q exceeds %d bytes", c.Contracts.AdapterName, maxAdapterNameLength)
	}

	if _, err := c.ResolvePairs(); err != nil {
		return err
	}

	if err := validateBand("rebalance.allowed", c.Rebalance.AllowedLow, c.Rebalance.AllowedHigh); err != nil {
		return err
	}
	if err := validateBand("rebalance.target", c.Rebalance.TargetLow, c.Rebalance.TargetHigh); err != nil {
		return err
	}
	switch c.Rebalance.Solver {
	case "linear", "constant_product":
	default:
		return fmt.Errorf("rebalance.solver %q must be linear or constant_product", c.Rebalance.Solver)
	}

	if c.Execution.Confirmations < 1 {
		return errors.New("execution.confirmations must be at least 1")
	}
	if c.Execution.ConfirmationTimeout <= 0 {
		return errors.New("execution.confirmation_timeout must be greater than zero")
	}
	if c.Execution.ReceiptPollInterval <= 0 {
		return errors.New("execution.receipt_poll_interval must be greater than zero")
	}
	if c.Execution.SwapDeadline <= 0 {
		return errors.New("execution.swap_deadline must be greater than zero")
	}
	if c.Execution.GasLimitMultiplier < 1 {
		return errors.New("execution.gas_limit_multiplier cannot be below 1")
	}

	if c.Scheduler.Interval <= 0 {
		return errors.New("scheduler.interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return errors.New("export.max_data_points must be greater than zero")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return errors.New("metrics.listen is required when metrics are enabled")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return errors.New("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return errors.New("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

func validateBand(key string, low, high decimal.Decimal) error {
	if !low.IsPositive() || !high.IsPositive() {
		return fmt.Errorf("%s_low and %s_high must be positive", key, key)
	}
	if low.GreaterThan(high) {
		return fmt.Errorf("%s_low %s is above %s_high %s", key, low, key, high)
	}
	return nil
}

func parseAddress(key, value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%s %q is not a valid address", key, value)
	}
	return common.HexToAddress(value), nil
}

// ResolvePairs turns the token and pair tables into typed pairs, keeping configured order.
func (c *Config) ResolvePairs() ([]token.Pair, error) {
	tokens := make(map[string]*token.Token, len(c.Tokens))
	for i, tc := range c.Tokens {
		if tc.Symbol == "" {
			return nil, fmt.Errorf("tokens[%d].symbol is required", i)
		}
		if _, dup := tokens[tc.Symbol]; dup {
			return nil, fmt.Errorf("token %s declared twice", tc.Symbol)
		}
		addr, err := parseAddress(fmt.Sprintf("tokens[%d].address", i), tc.Address)
		if err != nil {
			return nil, err
		}
		if tc.Decimals == nil {
			return nil, fmt.Errorf("tokens[%d].decimals is required for %s", i, tc.Symbol)
		}
		if *tc.Decimals > maxTokenDecimals {
			return nil, fmt.Errorf("tokens[%d].decimals %d exceeds %d", i, *tc.Decimals, maxTokenDecimals)
		}
		tokens[tc.Symbol] = &token.Token{Symbol: tc.Symbol, Address: addr, Decimals: *tc.Decimals}
	}

	if len(c.Pairs) == 0 {
		return nil, errors.New("at least one pair must be configured")
	}
	pairs := make([]token.Pair, 0, len(c.Pairs))
	for i, pc := range c.Pairs {
		t0, ok := tokens[pc.Token0]
		if !ok {
			return nil, fmt.Errorf("pairs[%d] references unknown token %q", i, pc.Token0)
		}
		t1, ok := tokens[pc.Token1]
		if !ok {
			return nil, fmt.Errorf("pairs[%d] references unknown token %q", i, pc.Token1)
		}
		if t0.Address == t1.Address {
			return nil, fmt.Errorf("pairs[%d] uses the same token twice", i)
		}
		symbol := pc.Symbol
		if symbol == "" {
			symbol = t0.Symbol + "-" + t1.Symbol
		}
		pairs = append(pairs, token.NewPair(symbol, t0, t1))
	}
	return pairs, nil
}

// ContractAddress is one configured contract keyed by its config path.
type ContractAddress struct {
	Key   string
	Value string
}

// ContractAddresses lists every contract the keeper calls, in a stable order.
func (c *Config) ContractAddresses() []ContractAddress {
	return []ContractAddress{
		{"contracts.router", c.Contracts.Router},
		{"contracts.factory", c.Contracts.Factory},
		{"contracts.stability_module", c.Contracts.StabilityModule},
		{"contracts.adapter", c.Contracts.Adapter},
	}
}

// Address returns a validated contract address. Call after Validate.
func (c *Config) Address(value string) common.Address {
	return common.HexToAddress(strings.TrimSpace(value))
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
