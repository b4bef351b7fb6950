package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// AggregatorConfig points at the upstream quote/build service.
type AggregatorConfig struct {
	BaseURL string
	APIKey  string
}

// SolanaConfig holds RPC connection settings.
type SolanaConfig struct {
	RPCURL     string
	Commitment string
}

// FeeSettings governs both the priority-fee controller and the protocol fee.
type FeeSettings struct {
	PlatformFeeBps             uint64
	FeeRecipient               string
	BaseUnitPriceMicroLamports uint64
	DefaultComputeUnitLimit    uint32
	MaxCapSOL                  float64
	HighFeeWarnSOL             float64
}

// SecuritySettings is the transaction security policy. Both lists are host
// configuration; the validator hard-codes nothing.
type SecuritySettings struct {
	AllowedPrograms []string
	RouterPrograms  []string
}

// EngineSettings tunes the quote engine.
type EngineSettings struct {
	LiveQuotes bool
}

// Config holds the application configuration.
type Config struct {
	LogLevel   string
	Aggregator AggregatorConfig
	Solana     SolanaConfig
	Fee        FeeSettings
	Security   SecuritySettings
	Engine     EngineSettings
	// Tokens maps CLI symbols to mint addresses.
	Tokens map[string]string
}

// Load reads configuration from environment variables and an optional
// .solswap.yaml file in $HOME or the working directory.
func Load() (*Config, error) {
	viper.SetConfigName(".solswap")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME")
	viper.AddConfigPath(".")

	viper.SetDefault("log_level", "info")
	viper.SetDefault("aggregator.base_url", "https://router.solswap.app")
	viper.SetDefault("solana.rpc_url", "https://api.mainnet-beta.solana.com")
	viper.SetDefault("solana.commitment", "confirmed")
	viper.SetDefault("fee.platform_fee_bps", 50)
	viper.SetDefault("fee.base_unit_price_micro_lamports", 10_000)
	viper.SetDefault("fee.default_compute_unit_limit", 600_000)
	viper.SetDefault("fee.max_cap_sol", 0.1)
	viper.SetDefault("fee.high_fee_warn_sol", 0.01)
	viper.SetDefault("engine.live_quotes", false)
	viper.SetDefault("security.allowed_programs", []string{
		"11111111111111111111111111111111",             // system
		"TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA",  // SPL token
		"TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb",  // token-2022
		"ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL", // associated token account
		"ComputeBudget111111111111111111111111111111",  // compute budget
		"MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr",  // memo
		"JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4",  // router
		"pAMMBay6oceH9fJKBRHGP5D4bD4sWpmSwMn52FMfXEA",  // bonding-curve router
	})
	viper.SetDefault("security.router_programs", []string{
		"JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4",
		"pAMMBay6oceH9fJKBRHGP5D4bD4sWpmSwMn52FMfXEA",
	})
	viper.SetDefault("tokens", map[string]string{
		"SOL":  "So11111111111111111111111111111111111111112",
		"USDC": "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		"USDT": "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB",
	})

	viper.SetEnvPrefix("SOLSWAP")
	viper.AutomaticEnv()

	// Config file is optional.
	_ = viper.ReadInConfig()

	cfg := &Config{
		LogLevel: viper.GetString("log_level"),
		Aggregator: AggregatorConfig{
			BaseURL: viper.GetString("aggregator.base_url"),
			APIKey:  viper.GetString("aggregator.api_key"),
		},
		Solana: SolanaConfig{
			RPCURL:     viper.GetString("solana.rpc_url"),
			Commitment: viper.GetString("solana.commitment"),
		},
		Fee: FeeSettings{
			PlatformFeeBps:             viper.GetUint64("fee.platform_fee_bps"),
			FeeRecipient:               viper.GetString("fee.fee_recipient"),
			BaseUnitPriceMicroLamports: viper.GetUint64("fee.base_unit_price_micro_lamports"),
			DefaultComputeUnitLimit:    viper.GetUint32("fee.default_compute_unit_limit"),
			MaxCapSOL:                  viper.GetFloat64("fee.max_cap_sol"),
			HighFeeWarnSOL:             viper.GetFloat64("fee.high_fee_warn_sol"),
		},
		Security: SecuritySettings{
			AllowedPrograms: viper.GetStringSlice("security.allowed_programs"),
			RouterPrograms:  viper.GetStringSlice("security.router_programs"),
		},
		Engine: EngineSettings{
			LiveQuotes: viper.GetBool("engine.live_quotes"),
		},
		Tokens: viper.GetStringMapString("tokens"),
	}

	if cfg.Aggregator.BaseURL == "" {
		return nil, fmt.Errorf("aggregator base URL is not configured")
	}
	if cfg.Fee.PlatformFeeBps > 10_000 {
		return nil, fmt.Errorf("fee.platform_fee_bps %d exceeds 10000", cfg.Fee.PlatformFeeBps)
	}

	return cfg, nil
}
