package config

import (
	"fmt"
	"time"
)

type Config struct {
	// Log Config
	LogLevel   int    `json:"log_level"`   // e.g., 0 = debug, 1 = info, etc.
	LogFormat  string `json:"log_format"`  // "json" or "console"
	LogSampler bool   `json:"log_sampler"` // if true, samples logs (e.g., 1 in 5)

	// Node Config
	NodeHome string `json:"node_home"` // Node home directory (default: ~/.marketd)

	// Ledger configuration
	ChainID           uint64   `json:"chain_id"`            // EVM chain id the escrow contract lives on (default: 8453, Base)
	SupportedChainIDs []uint64 `json:"supported_chain_ids"` // Chains the wallet may switch to (always includes ChainID)
	RPCURLs           []string `json:"rpc_urls"`            // JSON-RPC endpoints for ChainID
	ContractAddress   string   `json:"contract_address"`    // Escrow contract address
	PrivateKeyHex     string   `json:"private_key_hex"`     // Wallet key; prefer MARKET_PRIVATE_KEY

	// Event Monitoring Configuration
	EventPollingIntervalSeconds int    `json:"event_polling_interval_seconds"` // How often to poll for new logs (default: 5)
	EventStartFrom              *int64 `json:"event_start_from,omitempty"`     // First block when no cursor is stored; -1 or absent = latest

	// Submission workflow
	VerdictTimeoutSeconds           int    `json:"verdict_timeout_seconds"`            // Deadline for the oracle verdict (default: 300)
	ConfirmationPollIntervalSeconds int    `json:"confirmation_poll_interval_seconds"` // Receipt polling interval (default: 2)
	CreateBountyGasLimit            uint64 `json:"create_bounty_gas_limit"`            // default: 500000
	SubmitGasLimit                  uint64 `json:"submit_gas_limit"`                   // default: 1000000
	FallbackOracleFeeWei            string `json:"fallback_oracle_fee_wei"`            // Used when getOracleFee cannot be read

	// Off-chain cache
	DatabaseDSN              string `json:"database_dsn"`               // Empty = SQLite file under <home>/data; postgres:// selects Postgres
	ReconcileIntervalSeconds int    `json:"reconcile_interval_seconds"` // Periodic reconciliation (default: 300)

	// Query Server Config
	QueryServerPort int `json:"query_server_port"` // Port for HTTP query server (default: 8080)

	// Deliverable upload
	Upload UploadConfig `json:"upload"`
}

// UploadConfig configures the S3-compatible bucket deliverables are uploaded to.
type UploadConfig struct {
	Bucket            string `json:"bucket"`
	Endpoint          string `json:"endpoint,omitempty"` // Custom endpoint (R2, MinIO); empty = AWS
	Region            string `json:"region"`             // default: auto
	AccessKeyID       string `json:"access_key_id,omitempty"`
	AccessKeySecret   string `json:"access_key_secret,omitempty"`
	PublicBaseURL     string `json:"public_base_url"`     // Prefix for public object URLs
	PresignTTLSeconds int    `json:"presign_ttl_seconds"` // Lifetime of private object URLs (default: 900)
	UsePathStyle      bool   `json:"use_path_style"`
}

// CAIPChainID returns the chain in CAIP-2 form, used to tag logs and errors.
func (c *Config) CAIPChainID() string {
	return fmt.Sprintf("eip155:%d", c.ChainID)
}

// EventPollingInterval returns the log polling interval.
func (c *Config) EventPollingInterval() time.Duration {
	return time.Duration(c.EventPollingIntervalSeconds) * time.Second
}

// VerdictTimeout returns the deadline for the oracle verdict.
func (c *Config) VerdictTimeout() time.Duration {
	return time.Duration(c.VerdictTimeoutSeconds) * time.Second
}

// ConfirmationPollInterval returns the receipt polling interval.
func (c *Config) ConfirmationPollInterval() time.Duration {
	return time.Duration(c.ConfirmationPollIntervalSeconds) * time.Second
}

// ReconcileInterval returns the periodic reconciliation interval.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

// PresignTTL returns how long private upload URLs stay valid.
func (u *UploadConfig) PresignTTL() time.Duration {
	return time.Duration(u.PresignTTLSeconds) * time.Second
}
