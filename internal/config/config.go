package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Chain        ChainConfig          `yaml:"chain"`
	Scanner      ScannerConfig        `yaml:"scanner"`
	Executor     ExecutorConfig       `yaml:"executor"`
	FlashLoan    FlashLoanConfig      `yaml:"flash_loan"`
	Dexes        map[string]DexConfig `yaml:"dexes"`
	EnabledDexes []string             `yaml:"enabled_dexes"`
	Tokens       TokenConfig          `yaml:"tokens"`
	Sizing       SizingConfig         `yaml:"sizing"`
	Candidates   CandidatesConfig     `yaml:"candidates"`
	Persistence  PersistenceConfig    `yaml:"persistence"`
	Metrics      MetricsConfig        `yaml:"metrics"`
	Logging      LoggingConfig        `yaml:"logging"`
}

// ChainConfig holds blockchain connection settings.
type ChainConfig struct {
	Name         string   `yaml:"name"`
	ChainID      int64    `yaml:"chain_id"`
	RPCEndpoints []string `yaml:"rpc_endpoints"`
	GasCostUSD   float64  `yaml:"gas_cost_usd"`
}

// ScannerConfig holds evaluation thresholds and cycle cadence.
type ScannerConfig struct {
	MinProfitUSD     float64 `yaml:"min_profit_usd"`
	MinLiquidityUSD  float64 `yaml:"min_liquidity_usd"`
	MinSpreadPercent float64 `yaml:"min_spread_percent"`
	MaxPriceImpact   float64 `yaml:"max_price_impact"`
	ScanIntervalSec  int     `yaml:"scan_interval_sec"`
	DebugMode        bool    `yaml:"debug_mode"`
}

// ExecutorConfig holds signing and submission settings.
type ExecutorConfig struct {
	ContractAddress    string  `yaml:"contract_address"`
	PrivateKey         string  `yaml:"private_key"`
	GasPriceMultiplier float64 `yaml:"gas_price_multiplier"`
	GasLimit           uint64  `yaml:"gas_limit"`
	SlippagePercent    float64 `yaml:"slippage_percent"`
	ReceiptTimeoutSec  int     `yaml:"receipt_timeout_sec"`
	MaxAttempts        int     `yaml:"max_attempts"`
	SimulationMode     bool    `yaml:"simulation_mode"`
}

// FlashLoanConfig describes the same-block loan provider.
type FlashLoanConfig struct {
	Provider   string   `yaml:"provider"`
	FeePercent float64  `yaml:"fee_percent"`
	Tokens     []string `yaml:"tokens"`
}

// DexConfig describes one venue.
type DexConfig struct {
	Router           string  `yaml:"router"`
	Factory          string  `yaml:"factory"`
	InitCodePairHash string  `yaml:"init_code_pair_hash"`
	Kind             string  `yaml:"kind"`
	FeePercent       float64 `yaml:"fee_percent"`
}

// TokenConfig holds token pricing and the decimals cache location.
type TokenConfig struct {
	BaseTokenUSDPrices map[string]float64 `yaml:"base_token_usd_prices"`
	DecimalsCachePath  string             `yaml:"decimals_cache_path"`
}

// SizingConfig locates the precomputed sizing grid.
type SizingConfig struct {
	GridPath string `yaml:"grid_path"`
}

// CandidatesConfig locates the candidate pair file.
type CandidatesConfig struct {
	Path string `yaml:"path"`
}

// PersistenceConfig holds database settings.
type PersistenceConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// chainIDs maps supported chain names to their network ids.
var chainIDs = map[string]int64{
	"ethereum": 1,
	"polygon":  137,
	"bsc":      56,
	"arbitrum": 42161,
	"optimism": 10,
	"base":     8453,
}

// gasCostsUSD is the approximate per-transaction gas cost by chain,
// used by the profit model when the config leaves gas_cost_usd unset.
var gasCostsUSD = map[string]float64{
	"polygon":  0.05,
	"bsc":      0.2,
	"arbitrum": 0.5,
	"optimism": 0.5,
	"ethereum": 10.0,
}

// flashLoanFees is the per-provider loan fee in percent, used when the
// config leaves flash_loan.fee_percent unset. Balancer vault loans are free.
var flashLoanFees = map[string]float64{
	"aave":     0.05,
	"balancer": 0,
}

// Load reads configuration from a YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	cfg.setDefaults()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if len(data) > 0 {
		// Expand environment variables in YAML content
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for all configuration options.
// The venue table defaults to the Polygon V2 set.
func (c *Config) setDefaults() {
	c.Chain = ChainConfig{
		Name: "polygon",
	}
	c.Scanner = ScannerConfig{
		MinProfitUSD:     -1, // negative accepts every sized opportunity; validate logs it
		MinLiquidityUSD:  500,
		MinSpreadPercent: 0.75,
		MaxPriceImpact:   90.0,
		ScanIntervalSec:  15,
	}
	c.Executor = ExecutorConfig{
		GasPriceMultiplier: 1.2,
		GasLimit:           1_200_000,
		SlippagePercent:    0.5,
		ReceiptTimeoutSec:  60,
		MaxAttempts:        3,
	}
	c.FlashLoan = FlashLoanConfig{
		Provider: "aave", // fee_percent defaults from the provider table
		Tokens: []string{
			"0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174", // USDC.e
			"0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", // USDC
			"0xc2132D05D31c914a87C6611C10748AEb04B58e8F", // USDT
			"0x8f3Cf7ad23Cd3CaDbD9735AFf958023239c6A063", // DAI
			"0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619", // WETH
			"0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270", // WMATIC
			"0x1bfd67037b42cf73acF2047067bd4F2C47D9BfD6", // WBTC
		},
	}
	c.Dexes = defaultPolygonDexes()
	c.EnabledDexes = []string{
		"quickswap", "sushiswap", "apeswap", "jetswap", "dfyn",
		"polycat", "waultswap", "gravityfinance", "dystopia",
	}
	c.Tokens = TokenConfig{
		BaseTokenUSDPrices: map[string]float64{
			"0x2791bca1f2de4661ed88a30c99a7a9449aa84174": 1.0,
			"0x3c499c542cef5e3811e1192ce70d8cc03d5c3359": 1.0,
			"0xc2132d05d31c914a87c6611c10748aeb04b58e8f": 1.0,
			"0x8f3cf7ad23cd3cadbd9735aff958023239c6a063": 1.0,
		},
		DecimalsCachePath: "cache/decimals.json",
	}
	c.Sizing = SizingConfig{
		GridPath: "lut_v2.json",
	}
	c.Candidates = CandidatesConfig{
		Path: "v2_combos.jsonl",
	}
	c.Persistence = PersistenceConfig{
		SQLitePath: "./data/arbscan.db",
	}
	c.Metrics = MetricsConfig{
		Enabled: true,
		Port:    8080,
		Path:    "/metrics",
	}
	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
	}
}

func defaultPolygonDexes() map[string]DexConfig {
	return map[string]DexConfig{
		"quickswap": {
			Router:           "0xa5E0829CaCEd8fFDD4De3c43696c57F7D7A678ff",
			Factory:          "0x5757371414417b8C6CAad45bAeF941aBc7d3Ab32",
			InitCodePairHash: "0x96e8ac4277198ff8b6f785478aa9a39f403cb768dd02cbee326c3e7da348845f",
			Kind:             "V2",
			FeePercent:       0.3,
		},
		"sushiswap": {
			Router:           "0x1b02dA8Cb0d097eB8D57A175b88c7D8b47997506",
			Factory:          "0xc35DADB65012eC5796536bD9864eD8773aBc74C4",
			InitCodePairHash: "0xe18a34eb0e04b04f7a0ac29a6e80748dca96319b42c54d679cb821dca90c6303",
			Kind:             "V2",
			FeePercent:       0.3,
		},
		"apeswap": {
			Router:           "0xC0788A3aD43d79aa53B09c2EaCc313A787d1d607",
			Factory:          "0x0841BD0B734E4F5853f0dD8d7Ea041c241fb0Da6",
			InitCodePairHash: "0xf4b8a02d292b184779b6e4125cd0695b98935efa81e7dd7d0a9c839de1e5b3bd",
			Kind:             "V2",
			FeePercent:       0.3,
		},
		"jetswap": {
			Router:           "0x5C6EC38fb0e2609672BDf628B1fD605A523E5923",
			Factory:          "0x668ad0ed2622C62E24f0d5ab6B6Ac1b9D2cD4AC7",
			InitCodePairHash: "0x505c843b83f01afef714149e8b174427d552e1aca4834b4f9b4b525f426ff3c6",
			Kind:             "V2",
			FeePercent:       0.3,
		},
		"dfyn": {
			Router:           "0xA102072A4C07F06EC3B4900FDC4C7B80b6c57429",
			Factory:          "0xE7Fb3e833eFE5F9c441105EB65Ef8b261266423B",
			InitCodePairHash: "0xf187ed688403aa4f7acfada758d8d53698753b998a3071b06f1b777f4330eaf3",
			Kind:             "V2",
			FeePercent:       0.3,
		},
		"polycat": {
			Router:           "0x94930a328162957FF1dd48900aF67B5439336cBD",
			Factory:          "0x477Ce834Ae6b7aB003cCe4BC4d8697763FF456FA",
			InitCodePairHash: "0x3cad6f9e70e13835b4f07e5dd475f25a109450b22811d0437da51e66c161255a",
			Kind:             "V2",
			FeePercent:       0.3,
		},
		"waultswap": {
			Router:           "0x3a1D87f206D12415f5b0A33E80c3f8B7b0b6d4e8",
			Factory:          "0xa98ea6356A316b44Bf710D5f9b6b4eA0081409Ef",
			InitCodePairHash: "0x1cdc2246d318ab84d8bc7ae2a3d81c235f3db4e113f4c6fdc1e2211a9291be47",
			Kind:             "V2",
			FeePercent:       0.3,
		},
		"gravityfinance": {
			Router:           "0x57dE98135e8287F163c59cA4fF45f1341b680248",
			Factory:          "0x3EdAB7c8E32DEEa3Bd0172994D9aBD8524147d97",
			InitCodePairHash: "0x83c95f826db1583ef6603bb6e619ebaa4d3602086f6b929dd37f37a1ad730db5",
			Kind:             "V2",
			FeePercent:       0.3,
		},
		"dystopia": {
			Router:           "0xbE75Dd16D029c6B32B7aD57A0FD9C1c20Dd2862e",
			Factory:          "0x1d21Db6cde1b18c7E47B0F7F42f4b3F68b9c2176",
			InitCodePairHash: "0x009bce6e57e441e02b7e9cb40e4e40c1410a57ac793c7c256c0c1e62a43e6ca2",
			Kind:             "V2",
			FeePercent:       0.3,
		},
		"balancer": {
			// Vault address; no CREATE2 pair derivation
			Router:     "0xBA12222222228d8Ba445958a75a0704d566BF2C8",
			Factory:    "0xBA12222222228d8Ba445958a75a0704d566BF2C8",
			Kind:       "BALANCER",
			FeePercent: 0.3,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to configuration.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RPC_ENDPOINTS"); v != "" {
		parts := strings.Split(v, ",")
		endpoints := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				endpoints = append(endpoints, p)
			}
		}
		if len(endpoints) > 0 {
			c.Chain.RPCEndpoints = endpoints
		}
	}
	if v := os.Getenv("PRIVATE_KEY"); v != "" {
		c.Executor.PrivateKey = v
	}
	if v := os.Getenv("CONTRACT_ADDRESS"); v != "" {
		c.Executor.ContractAddress = v
	}
	if v := os.Getenv("MIN_PROFIT_USD"); v != "" {
		var f float64
		if _, err := fmt.Sscanf(v, "%f", &f); err == nil {
			c.Scanner.MinProfitUSD = f
		}
	}
	if v := os.Getenv("SCAN_INTERVAL_SEC"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			c.Scanner.ScanIntervalSec = n
		}
	}
	if v := os.Getenv("SIMULATION_MODE"); v != "" {
		c.Executor.SimulationMode = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			c.Metrics.Port = port
		}
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Persistence.SQLitePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// validate checks that all required configuration values are present and valid.
func (c *Config) validate() error {
	if c.Chain.ChainID == 0 {
		id, ok := chainIDs[strings.ToLower(c.Chain.Name)]
		if !ok {
			return fmt.Errorf("chain.name %q is not a known chain and chain.chain_id is unset", c.Chain.Name)
		}
		c.Chain.ChainID = id
	}
	if c.Chain.GasCostUSD == 0 {
		c.Chain.GasCostUSD = gasCostsUSD[strings.ToLower(c.Chain.Name)]
	}
	if len(c.Chain.RPCEndpoints) == 0 {
		return fmt.Errorf("chain.rpc_endpoints is required (set RPC_ENDPOINTS env var)")
	}
	if c.Scanner.ScanIntervalSec <= 0 {
		return fmt.Errorf("scanner.scan_interval_sec must be positive")
	}
	if c.Scanner.MinLiquidityUSD < 0 {
		return fmt.Errorf("scanner.min_liquidity_usd must not be negative")
	}
	if c.Executor.GasPriceMultiplier < 1.0 {
		return fmt.Errorf("executor.gas_price_multiplier must be at least 1.0")
	}
	if c.Executor.GasLimit == 0 {
		return fmt.Errorf("executor.gas_limit must be positive")
	}
	if c.Executor.SlippagePercent < 0 || c.Executor.SlippagePercent >= 100 {
		return fmt.Errorf("executor.slippage_percent must be in [0, 100)")
	}
	if c.Executor.MaxAttempts <= 0 {
		return fmt.Errorf("executor.max_attempts must be positive")
	}
	fee, ok := flashLoanFees[strings.ToLower(c.FlashLoan.Provider)]
	if !ok {
		return fmt.Errorf("flash_loan.provider %q is not supported", c.FlashLoan.Provider)
	}
	if c.FlashLoan.FeePercent == 0 {
		c.FlashLoan.FeePercent = fee
	}
	if c.FlashLoan.FeePercent < 0 {
		return fmt.Errorf("flash_loan.fee_percent must not be negative")
	}
	if c.Scanner.DebugMode {
		// debug_mode wins over logging.level.
		c.Logging.Level = "debug"
	}
	if len(c.EnabledDexes) == 0 {
		return fmt.Errorf("enabled_dexes must name at least one venue")
	}
	for _, name := range c.EnabledDexes {
		if _, ok := c.Dexes[name]; !ok {
			return fmt.Errorf("enabled dex %q has no entry in dexes", name)
		}
	}
	if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be a valid port number")
	}
	return nil
}

// DexFeePercent returns the swap fee for a venue, defaulting to 0.3%.
func (c *Config) DexFeePercent(dex string) float64 {
	if d, ok := c.Dexes[dex]; ok && d.FeePercent > 0 {
		return d.FeePercent
	}
	return 0.3
}
