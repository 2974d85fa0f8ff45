package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"slices"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/onchain-market/market-node/marketClient/constant"
)

const (
	// BaseChainID is the Base mainnet chain id the escrow contract is deployed on.
	BaseChainID uint64 = 8453
)

// Environment variables that override secrets from the config file.
const (
	EnvPrivateKey      = "MARKET_PRIVATE_KEY"
	EnvUploadKeyID     = "MARKET_UPLOAD_ACCESS_KEY_ID"
	EnvUploadKeySecret = "MARKET_UPLOAD_ACCESS_KEY_SECRET"
	EnvDatabaseDSN     = "MARKET_DATABASE_DSN"
)

//go:embed default_config.json
var defaultConfigJSON []byte

func validateConfig(cfg *Config) error {
	// Validate log level
	if cfg.LogLevel < 0 || cfg.LogLevel > 5 {
		return fmt.Errorf("log level must be between 0 and 5")
	}

	// Validate log format
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return fmt.Errorf("log format must be 'json' or 'console'")
	}

	if cfg.ChainID == 0 {
		cfg.ChainID = BaseChainID
	}
	if !slices.Contains(cfg.SupportedChainIDs, cfg.ChainID) {
		cfg.SupportedChainIDs = append(cfg.SupportedChainIDs, cfg.ChainID)
	}

	if cfg.ContractAddress != "" && !ethcommon.IsHexAddress(cfg.ContractAddress) {
		return fmt.Errorf("contract address %q is not a hex address", cfg.ContractAddress)
	}

	// Set defaults for event monitoring
	if cfg.EventPollingIntervalSeconds == 0 {
		cfg.EventPollingIntervalSeconds = 5
	}

	// Set defaults for the submission workflow
	if cfg.VerdictTimeoutSeconds == 0 {
		cfg.VerdictTimeoutSeconds = 300
	}
	if cfg.ConfirmationPollIntervalSeconds == 0 {
		cfg.ConfirmationPollIntervalSeconds = 2
	}
	if cfg.CreateBountyGasLimit == 0 {
		cfg.CreateBountyGasLimit = 500000
	}
	if cfg.SubmitGasLimit == 0 {
		cfg.SubmitGasLimit = 1000000
	}
	if cfg.FallbackOracleFeeWei == "" {
		cfg.FallbackOracleFeeWei = "100000000000"
	}
	if _, ok := new(big.Int).SetString(cfg.FallbackOracleFeeWei, 10); !ok {
		return fmt.Errorf("fallback oracle fee %q is not a decimal wei amount", cfg.FallbackOracleFeeWei)
	}

	if cfg.ReconcileIntervalSeconds == 0 {
		cfg.ReconcileIntervalSeconds = 300
	}

	// Set defaults for query server
	if cfg.QueryServerPort == 0 {
		cfg.QueryServerPort = 8080
	}

	if cfg.Upload.Region == "" {
		cfg.Upload.Region = "auto"
	}
	if cfg.Upload.PresignTTLSeconds == 0 {
		cfg.Upload.PresignTTLSeconds = 900
	}

	return nil
}

// FallbackOracleFee returns the configured fallback fee in wei.
func (c *Config) FallbackOracleFee() *big.Int {
	fee, ok := new(big.Int).SetString(c.FallbackOracleFeeWei, 10)
	if !ok {
		return big.NewInt(0)
	}
	return fee
}

// ApplyEnvOverrides replaces secrets with values from the environment when set.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrivateKey); v != "" {
		cfg.PrivateKeyHex = v
	}
	if v := os.Getenv(EnvUploadKeyID); v != "" {
		cfg.Upload.AccessKeyID = v
	}
	if v := os.Getenv(EnvUploadKeySecret); v != "" {
		cfg.Upload.AccessKeySecret = v
	}
	if v := os.Getenv(EnvDatabaseDSN); v != "" {
		cfg.DatabaseDSN = v
	}
}

// Validate checks cfg and fills in defaults.
func Validate(cfg *Config) error {
	return validateConfig(cfg)
}

// Save writes the given config to <NodeDir>/config/marketd_config.json.
func Save(cfg *Config, basePath string) error {
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	configDir := filepath.Join(basePath, constant.ConfigSubdir)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := filepath.Join(configDir, constant.ConfigFileName)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads the config from <BasePath>/config/marketd_config.json, applies
// environment overrides and validates it.
func Load(basePath string) (Config, error) {
	configFile := filepath.Join(basePath, constant.ConfigSubdir, constant.ConfigFileName)
	data, err := os.ReadFile(filepath.Clean(configFile))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.NodeHome == "" {
		cfg.NodeHome = basePath
	}

	ApplyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadDefaultConfig loads the default configuration from embedded JSON
func LoadDefaultConfig() (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(defaultConfigJSON, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal default config: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid default config: %w", err)
	}
	return &cfg, nil
}
