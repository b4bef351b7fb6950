package fee

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/shopspring/decimal"

	"solswap/pkg/types"
)

const (
	// LamportsPerSOL is the number of base units in one SOL.
	LamportsPerSOL = 1_000_000_000

	microLamportsPerLamport = 1_000_000
)

// Per-tier multipliers over the base compute-unit price.
var tierMultipliers = map[types.SpeedMode]uint64{
	types.SpeedStandard: 1,
	types.SpeedFast:     3,
	types.SpeedTurbo:    8,
}

// ControllerOptions configures priority-fee computation. The cap ceiling is
// configuration, not a protocol constant.
type ControllerOptions struct {
	// BaseUnitPriceMicroLamports is the standard-tier price per compute unit.
	BaseUnitPriceMicroLamports uint64
	// DefaultComputeUnitLimit is assumed when the caller has no estimate.
	DefaultComputeUnitLimit uint32
	// MaxCapLamports is the hard ceiling no fee may exceed, user cap or not.
	MaxCapLamports uint64
	// HighFeeWarnLamports triggers a warning (not a rejection) from ValidateCap.
	HighFeeWarnLamports uint64
}

// DefaultControllerOptions returns the production defaults.
func DefaultControllerOptions() ControllerOptions {
	return ControllerOptions{
		BaseUnitPriceMicroLamports: 10_000,
		DefaultComputeUnitLimit:    600_000,
		MaxCapLamports:             100_000_000, // 0.1 SOL
		HighFeeWarnLamports:        10_000_000,  // 0.01 SOL
	}
}

// Config is a fully derived priority-fee configuration. Values are never
// mutated after construction; Compute builds a fresh one on every call.
type Config struct {
	ComputeUnitPriceMicroLamports uint64
	ComputeUnitLimit              uint32
	MaxCapLamports                uint64
	EstimatedFeeLamports          uint64
}

// Instructions builds the compute-budget instructions for this config, in the
// order the runtime expects them (limit before price).
func (c Config) Instructions() []solana.Instruction {
	return []solana.Instruction{
		computebudget.NewSetComputeUnitLimitInstruction(c.ComputeUnitLimit).Build(),
		computebudget.NewSetComputeUnitPriceInstruction(c.ComputeUnitPriceMicroLamports).Build(),
	}
}

// Controller derives priority-fee configurations. Pure computation: no I/O,
// no state, safe for concurrent use.
type Controller struct {
	opts ControllerOptions
}

// NewController creates a controller; zero option fields fall back to the
// production defaults.
func NewController(opts ControllerOptions) *Controller {
	def := DefaultControllerOptions()
	if opts.BaseUnitPriceMicroLamports == 0 {
		opts.BaseUnitPriceMicroLamports = def.BaseUnitPriceMicroLamports
	}
	if opts.DefaultComputeUnitLimit == 0 {
		opts.DefaultComputeUnitLimit = def.DefaultComputeUnitLimit
	}
	if opts.MaxCapLamports == 0 {
		opts.MaxCapLamports = def.MaxCapLamports
	}
	if opts.HighFeeWarnLamports == 0 {
		opts.HighFeeWarnLamports = def.HighFeeWarnLamports
	}
	return &Controller{opts: opts}
}

// Compute derives the fee configuration for a speed tier.
//
// capSOL optionally bounds the total fee, in SOL; it is converted to lamports
// and clamped to the global ceiling. computeUnits of zero means "unknown" and
// falls back to the configured default. When the tier-multiplied estimate
// would exceed the cap, the per-unit price is recomputed so the total lands
// exactly on the cap.
func (c *Controller) Compute(mode types.SpeedMode, capSOL *decimal.Decimal, computeUnits uint32) Config {
	units := computeUnits
	if units == 0 {
		units = c.opts.DefaultComputeUnitLimit
	}

	mult, ok := tierMultipliers[mode]
	if !ok {
		mult = tierMultipliers[types.SpeedStandard]
	}
	unitPrice := c.opts.BaseUnitPriceMicroLamports * mult

	cap := c.opts.MaxCapLamports
	if capSOL != nil && capSOL.Sign() > 0 {
		userCap := capToLamports(*capSOL)
		if userCap < cap {
			cap = userCap
		}
	}

	estimated := unitPrice * uint64(units) / microLamportsPerLamport
	if estimated > cap {
		unitPrice = cap * microLamportsPerLamport / uint64(units)
		estimated = unitPrice * uint64(units) / microLamportsPerLamport
	}

	return Config{
		ComputeUnitPriceMicroLamports: unitPrice,
		ComputeUnitLimit:              units,
		MaxCapLamports:                cap,
		EstimatedFeeLamports:          estimated,
	}
}

// ValidateCap checks a user-supplied fee cap in SOL. Negative caps and caps
// above the global ceiling are rejected; caps above the high-fee threshold
// pass with a warning the caller should display.
func (c *Controller) ValidateCap(capSOL decimal.Decimal) (warning string, err error) {
	if capSOL.Sign() < 0 {
		return "", fmt.Errorf("fee cap cannot be negative")
	}
	lamports := capToLamports(capSOL)
	if lamports > c.opts.MaxCapLamports {
		return "", fmt.Errorf("fee cap %s SOL exceeds the maximum of %s SOL",
			capSOL.String(), lamportsToSOL(c.opts.MaxCapLamports))
	}
	if lamports > c.opts.HighFeeWarnLamports {
		warning = fmt.Sprintf("fee cap %s SOL is unusually high; most swaps land with far less", capSOL.String())
	}
	return warning, nil
}

func capToLamports(sol decimal.Decimal) uint64 {
	lamports := sol.Mul(decimal.NewFromInt(LamportsPerSOL))
	if !lamports.IsPositive() {
		return 0
	}
	return uint64(lamports.IntPart())
}

func lamportsToSOL(lamports uint64) string {
	return decimal.NewFromInt(int64(lamports)).
		Div(decimal.NewFromInt(LamportsPerSOL)).String()
}
