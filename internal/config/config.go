package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/joho/godotenv"
	"github.com/pulkyeet/triarb/internal/eth"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all configuration for the searcher
type Config struct {
	RPC      RPCConfig      `mapstructure:"rpc"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Pools    PoolsConfig    `mapstructure:"pools"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      LogConfig      `mapstructure:"log"`

	// secrets, env only
	PrivateKey string `mapstructure:"-"`
	AuthKey    string `mapstructure:"-"`
}

type RPCConfig struct {
	HTTPURL string        `mapstructure:"http_url"`
	WSURL   string        `mapstructure:"ws_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type StreamConfig struct {
	Pending        bool          `mapstructure:"pending"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	Buffer         int           `mapstructure:"buffer"`
	// missed heads caught up from Sync logs before falling back to a re-seed
	MaxBackfill uint64 `mapstructure:"max_backfill"`
	// bound on the per-head priority fee lookup
	TipTimeout time.Duration `mapstructure:"tip_timeout"`
}

type RelayConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StrategyConfig amounts are human readable units of the base token
type StrategyConfig struct {
	Base             string   `mapstructure:"base"`
	Native           string   `mapstructure:"native"`
	PricePool        string   `mapstructure:"price_pool"`
	ProbeAmount      string   `mapstructure:"probe_amount"`
	MaxAmountIn      string   `mapstructure:"max_amount_in"`
	StepSize         string   `mapstructure:"step_size"`
	TopN             int      `mapstructure:"top_n"`
	GasUnits         uint64   `mapstructure:"gas_units"`
	BaseFeeMarkupPct uint64   `mapstructure:"base_fee_markup_pct"`
	SlippageLow      string   `mapstructure:"slippage_low"`
	SlippageHigh     string   `mapstructure:"slippage_high"`
	Blacklist        []string `mapstructure:"blacklist"`
}

type ExecutorConfig struct {
	Enabled       bool              `mapstructure:"enabled"`
	Bot           string            `mapstructure:"bot"`
	Router        string            `mapstructure:"router"`
	Routers       map[string]string `mapstructure:"routers"`
	Flashloan     string            `mapstructure:"flashloan"`
	LoanFrom      string            `mapstructure:"loan_from"`
	GasLimit      uint64            `mapstructure:"gas_limit"`
	Retries       int               `mapstructure:"retries"`
	PollInterval  time.Duration     `mapstructure:"poll_interval"`
	Deadline      time.Duration     `mapstructure:"deadline"`
	DefaultTipWei string            `mapstructure:"default_tip_wei"`
	// "relay" uses eth_callBundle, "call" runs each tx as eth_call, "local"
	// executes the bundle in an in-process EVM on a fork of the state block
	Simulation string `mapstructure:"simulation"`
	// sqlite file for node reads made by the local EVM, empty to disable
	StateCache string `mapstructure:"state_cache"`
}

type PoolsConfig struct {
	CacheFile      string   `mapstructure:"cache_file"`
	DEXes          []string `mapstructure:"dexes"`
	DiscoveryChunk uint64   `mapstructure:"discovery_chunk"`
	DecimalsCache  int      `mapstructure:"decimals_cache"`
}

type WorkersConfig struct {
	Reserves  int `mapstructure:"reserves"`
	ChunkSize int `mapstructure:"chunk_size"`
}

type StorageConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	JournalPath  string        `mapstructure:"journal_path"`
	PendingBatch int           `mapstructure:"pending_batch"`
	FlushEvery   time.Duration `mapstructure:"flush_every"`
}

type MetricsConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Addr        string        `mapstructure:"addr"`
	MaxBlockAge time.Duration `mapstructure:"max_block_age"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads .env, then the optional config file, then environment
// overrides such as RPC_HTTP_URL or STRATEGY_TOP_N
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.PrivateKey = os.Getenv("PRIVATE_KEY")
	cfg.AuthKey = os.Getenv("RELAY_AUTH_KEY")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rpc.http_url", "")
	v.SetDefault("rpc.ws_url", "")
	v.SetDefault("rpc.timeout", "30s")

	v.SetDefault("stream.pending", false)
	v.SetDefault("stream.reconnect_delay", "2s")
	v.SetDefault("stream.read_timeout", "2m")
	v.SetDefault("stream.buffer", 256)
	v.SetDefault("stream.max_backfill", 64)
	v.SetDefault("stream.tip_timeout", "500ms")

	v.SetDefault("relay.url", "https://relay.flashbots.net")
	v.SetDefault("relay.timeout", "10s")

	v.SetDefault("strategy.base", "WETH")
	v.SetDefault("strategy.native", "WETH")
	v.SetDefault("strategy.price_pool", "")
	v.SetDefault("strategy.probe_amount", "1")
	v.SetDefault("strategy.max_amount_in", "100")
	v.SetDefault("strategy.step_size", "0.1")
	v.SetDefault("strategy.top_n", 1)
	v.SetDefault("strategy.gas_units", 550000)
	v.SetDefault("strategy.base_fee_markup_pct", 110)
	v.SetDefault("strategy.slippage_low", "0")
	v.SetDefault("strategy.slippage_high", "0")
	v.SetDefault("strategy.blacklist", []string{})

	v.SetDefault("executor.enabled", false)
	v.SetDefault("executor.bot", "")
	v.SetDefault("executor.router", "")
	v.SetDefault("executor.routers", map[string]string{})
	v.SetDefault("executor.flashloan", "none")
	v.SetDefault("executor.loan_from", "")
	v.SetDefault("executor.gas_limit", 600000)
	v.SetDefault("executor.retries", 3)
	v.SetDefault("executor.poll_interval", "1s")
	v.SetDefault("executor.deadline", "2m")
	v.SetDefault("executor.default_tip_wei", "1000000000") // 1 gwei
	v.SetDefault("executor.simulation", "relay")
	v.SetDefault("executor.state_cache", "data/state.db")

	v.SetDefault("pools.cache_file", "data/pools.csv")
	v.SetDefault("pools.dexes", []string{"uniswap", "sushiswap"})
	v.SetDefault("pools.discovery_chunk", 50000)
	v.SetDefault("pools.decimals_cache", 4096)

	v.SetDefault("workers.reserves", 8)
	v.SetDefault("workers.chunk_size", 250)

	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.journal_path", "data/journal.db")
	v.SetDefault("storage.pending_batch", 200)
	v.SetDefault("storage.flush_every", "5s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.max_block_age", "60s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Validate checks what the live searcher needs; offline commands only need
// the http url
func (c *Config) Validate(live bool) error {
	var errs []error
	if c.RPC.HTTPURL == "" {
		errs = append(errs, errors.New("rpc.http_url is required"))
	}
	if _, err := c.BaseToken(); err != nil {
		errs = append(errs, err)
	}
	if c.Strategy.TopN < 1 {
		errs = append(errs, errors.New("strategy.top_n must be at least 1"))
	}
	if live {
		if c.RPC.WSURL == "" {
			errs = append(errs, errors.New("rpc.ws_url is required"))
		}
		if c.Executor.Enabled {
			if c.PrivateKey == "" {
				errs = append(errs, errors.New("PRIVATE_KEY is required when the executor is enabled"))
			}
			if !common.IsHexAddress(c.Executor.Bot) {
				errs = append(errs, errors.New("executor.bot must be an address"))
			}
			switch c.Executor.Simulation {
			case "relay", "call", "local":
			default:
				errs = append(errs, fmt.Errorf("executor.simulation must be relay, call or local, got %q", c.Executor.Simulation))
			}
		}
	}
	return errors.Join(errs...)
}

func (c *Config) BaseToken() (common.Address, error) {
	addr, ok := eth.ResolveToken(c.Strategy.Base)
	if !ok {
		return common.Address{}, fmt.Errorf("unknown base token %q", c.Strategy.Base)
	}
	return addr, nil
}

func (c *Config) NativeToken() (common.Address, error) {
	addr, ok := eth.ResolveToken(c.Strategy.Native)
	if !ok {
		return common.Address{}, fmt.Errorf("unknown native token %q", c.Strategy.Native)
	}
	return addr, nil
}

// BlacklistSet resolves symbols and addresses; unknown entries are errors
func (c *Config) BlacklistSet() (map[common.Address]struct{}, error) {
	set := make(map[common.Address]struct{}, len(c.Strategy.Blacklist))
	for _, s := range c.Strategy.Blacklist {
		addr, ok := eth.ResolveToken(s)
		if !ok {
			return nil, fmt.Errorf("unknown blacklisted token %q", s)
		}
		set[addr] = struct{}{}
	}
	return set, nil
}

func (c *Config) DEXes() ([]eth.DEXConfig, error) {
	var out []eth.DEXConfig
	for _, name := range c.Pools.DEXes {
		found := false
		for _, d := range eth.KnownDEXes {
			if strings.EqualFold(d.Name, name) {
				out = append(out, d)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown dex %q", name)
		}
	}
	return out, nil
}

// ParseAmount converts a human amount such as "0.1" into base units
func ParseAmount(s string, decimals uint8) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("bad amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %q has more than %d decimals", s, decimals)
	}
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("amount %q overflows", s)
	}
	return v, nil
}

type Amounts struct {
	Probe *uint256.Int
	MaxIn *uint256.Int
	Step  *uint256.Int
}

func (s StrategyConfig) Amounts(decimals uint8) (Amounts, error) {
	var a Amounts
	var err error
	if a.Probe, err = ParseAmount(s.ProbeAmount, decimals); err != nil {
		return a, fmt.Errorf("strategy.probe_amount: %w", err)
	}
	if a.MaxIn, err = ParseAmount(s.MaxAmountIn, decimals); err != nil {
		return a, fmt.Errorf("strategy.max_amount_in: %w", err)
	}
	if a.Step, err = ParseAmount(s.StepSize, decimals); err != nil {
		return a, fmt.Errorf("strategy.step_size: %w", err)
	}
	if a.Probe.IsZero() || a.Step.IsZero() {
		return a, errors.New("probe amount and step size must be positive")
	}
	return a, nil
}

// Slippage returns the band used to cap trade size; zero high disables it
func (s StrategyConfig) Slippage() (low, high decimal.Decimal, err error) {
	if low, err = decimal.NewFromString(s.SlippageLow); err != nil {
		return low, high, fmt.Errorf("strategy.slippage_low: %w", err)
	}
	if high, err = decimal.NewFromString(s.SlippageHigh); err != nil {
		return low, high, fmt.Errorf("strategy.slippage_high: %w", err)
	}
	if high.IsPositive() && low.GreaterThan(high) {
		return low, high, errors.New("strategy.slippage_low is above slippage_high")
	}
	return low, high, nil
}

func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if hexKey == "" {
		return nil, errors.New("key not set")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("bad private key: %w", err)
	}
	return key, nil
}
