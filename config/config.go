// Package config loads the wallet's ambient settings from the process
// environment: the state-ledger RPC connection, the wallet directory
// layout, and the defaults governing anchoring, fees, and claim retries.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/f1r3fly-io/rgbcore/anchor"
)

// EnvPrefix is the prefix envconfig expects on every environment
// variable, e.g. RGBCORE_LEDGER_HOST.
const EnvPrefix = "rgbcore"

// Config is the full set of settings a running rgbwalletd needs, loaded
// once at startup and handed by value to every component constructor
// (spec.md §6.3: connection parameters live in caller-supplied config,
// never in package-level globals).
type Config struct {
	Ledger LedgerConfig
	Wallet WalletConfig
	Claim  ClaimConfig
}

// LedgerConfig parameterizes the state-ledger RPC collaborator (C4).
type LedgerConfig struct {
	Host                string        `envconfig:"ledger_host" default:"127.0.0.1"`
	GRPCPort            int           `envconfig:"ledger_grpc_port" default:"40401"`
	HTTPPort            int           `envconfig:"ledger_http_port" default:"40403"`
	MasterSecretHex     string        `envconfig:"ledger_master_secret_hex"`
	PollInterval        time.Duration `envconfig:"ledger_poll_interval" default:"500ms"`
	FinalizationTimeout time.Duration `envconfig:"ledger_finalization_timeout" default:"2m"`
}

// WalletConfig lays out the on-disk wallet directory (spec.md §6.5) and
// the defaults C7 uses to build anchor transactions.
type WalletConfig struct {
	DataDir            string  `envconfig:"wallet_data_dir" default:"~/.rgbcore"`
	AnchorMethod       string  `envconfig:"anchor_method" default:"data_carrying"`
	FeeRateSatPerVByte float64 `envconfig:"fee_rate_sat_per_vbyte" default:"1.0"`
	// DustLimitSat is loaded but not read by any component; the transfer
	// engine gives anchor outputs its own fixed dustAmount of 1000 sats.
	DustLimitSat       uint64  `envconfig:"dust_limit_sat" default:"1000"`
}

// ClaimConfig governs the claim store's pending-claim retry policy (C5/
// C8, spec.md §7 I9).
type ClaimConfig struct {
	MaxRetries        int           `envconfig:"claim_max_retries" default:"10"`
	ReconcileInterval time.Duration `envconfig:"reconcile_interval" default:"30s"`
}

// Load populates a Config from the process environment, applying the
// defaults above for anything unset.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg.Ledger); err != nil {
		return nil, fmt.Errorf("config: loading ledger settings: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, &cfg.Wallet); err != nil {
		return nil, fmt.Errorf("config: loading wallet settings: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, &cfg.Claim); err != nil {
		return nil, fmt.Errorf("config: loading claim settings: %w", err)
	}
	return &cfg, nil
}

// AnchorMethodValue resolves the configured anchor method string to the
// anchor package's enum, defaulting to data-carrying on an unrecognized
// value.
func (w WalletConfig) AnchorMethodValue() anchor.Method {
	switch w.AnchorMethod {
	case "taproot":
		return anchor.MethodTaprootScriptTree
	default:
		return anchor.MethodDataCarrying
	}
}
