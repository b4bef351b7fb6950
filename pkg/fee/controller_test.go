package fee

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solswap/pkg/types"
)

func TestComputeTierMultipliers(t *testing.T) {
	c := NewController(ControllerOptions{
		BaseUnitPriceMicroLamports: 1_000,
		DefaultComputeUnitLimit:    200_000,
		MaxCapLamports:             100_000_000,
	})

	standard := c.Compute(types.SpeedStandard, nil, 0)
	fast := c.Compute(types.SpeedFast, nil, 0)
	turbo := c.Compute(types.SpeedTurbo, nil, 0)

	assert.Equal(t, uint64(1_000), standard.ComputeUnitPriceMicroLamports)
	assert.Equal(t, uint64(3_000), fast.ComputeUnitPriceMicroLamports)
	assert.Equal(t, uint64(8_000), turbo.ComputeUnitPriceMicroLamports)

	// 1_000 micro-lamports x 200_000 CU = 200 lamports at standard.
	assert.Equal(t, uint64(200), standard.EstimatedFeeLamports)
	assert.Equal(t, uint64(1_600), turbo.EstimatedFeeLamports)
}

func TestComputeDefaultsComputeUnits(t *testing.T) {
	c := NewController(ControllerOptions{DefaultComputeUnitLimit: 400_000})

	cfg := c.Compute(types.SpeedStandard, nil, 0)
	assert.Equal(t, uint32(400_000), cfg.ComputeUnitLimit)

	cfg = c.Compute(types.SpeedStandard, nil, 250_000)
	assert.Equal(t, uint32(250_000), cfg.ComputeUnitLimit)
}

func TestComputeClampsToCap(t *testing.T) {
	c := NewController(ControllerOptions{
		BaseUnitPriceMicroLamports: 10_000,
		DefaultComputeUnitLimit:    600_000,
		MaxCapLamports:             100_000_000,
	})

	// Turbo over 600k CU would be 48_000 lamports; cap it at 1_000.
	capSOL := decimal.NewFromFloat(0.000001) // 1_000 lamports
	cfg := c.Compute(types.SpeedTurbo, &capSOL, 0)

	assert.Equal(t, uint64(1_000), cfg.MaxCapLamports)
	assert.LessOrEqual(t, cfg.EstimatedFeeLamports, cfg.MaxCapLamports)
	// The clamped price should land the fee on the cap, not far below it.
	assert.Greater(t, cfg.EstimatedFeeLamports, uint64(0))
}

func TestComputeFeeNeverExceedsCap(t *testing.T) {
	c := NewController(ControllerOptions{})
	caps := []decimal.Decimal{
		decimal.NewFromFloat(0.000001),
		decimal.NewFromFloat(0.0005),
		decimal.NewFromFloat(0.01),
		decimal.NewFromFloat(0.1),
	}
	units := []uint32{0, 50_000, 200_000, 600_000, 1_400_000}

	for _, mode := range []types.SpeedMode{types.SpeedStandard, types.SpeedFast, types.SpeedTurbo} {
		for _, cap := range caps {
			cap := cap
			for _, cu := range units {
				cfg := c.Compute(mode, &cap, cu)
				assert.LessOrEqual(t, cfg.EstimatedFeeLamports, cfg.MaxCapLamports,
					"mode=%s cap=%s cu=%d", mode, cap, cu)
			}
		}
	}
}

func TestComputeUserCapBoundedByCeiling(t *testing.T) {
	c := NewController(ControllerOptions{MaxCapLamports: 100_000_000})

	huge := decimal.NewFromInt(5) // 5 SOL, far above the ceiling
	cfg := c.Compute(types.SpeedStandard, &huge, 0)
	assert.Equal(t, uint64(100_000_000), cfg.MaxCapLamports)
}

func TestValidateCap(t *testing.T) {
	c := NewController(ControllerOptions{
		MaxCapLamports:      100_000_000,
		HighFeeWarnLamports: 10_000_000,
	})

	_, err := c.ValidateCap(decimal.NewFromInt(-1))
	require.Error(t, err)

	_, err = c.ValidateCap(decimal.NewFromInt(1)) // 1 SOL > 0.1 SOL ceiling
	require.Error(t, err)

	warning, err := c.ValidateCap(decimal.NewFromFloat(0.05))
	require.NoError(t, err)
	assert.NotEmpty(t, warning, "caps above the high-fee threshold warn")

	warning, err = c.ValidateCap(decimal.NewFromFloat(0.001))
	require.NoError(t, err)
	assert.Empty(t, warning)
}

func TestUnknownModeFallsBackToStandard(t *testing.T) {
	c := NewController(ControllerOptions{BaseUnitPriceMicroLamports: 2_000})
	cfg := c.Compute(types.SpeedMode("warp"), nil, 0)
	assert.Equal(t, uint64(2_000), cfg.ComputeUnitPriceMicroLamports)
}
