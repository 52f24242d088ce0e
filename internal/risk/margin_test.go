package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life2you_mini/riskguard/internal/model"
)

func TestLiquidationPrice(t *testing.T) {
	tests := []struct {
		name          string
		entry         float64
		quantity      float64
		marginBalance float64
		leverage      float64
		expected      float64
		ok            bool
	}{
		{
			name:          "多仓10倍",
			entry:         50000,
			quantity:      1,
			marginBalance: 5000,
			leverage:      10,
			expected:      45250,
			ok:            true,
		},
		{
			name:          "空仓10倍",
			entry:         50000,
			quantity:      -1,
			marginBalance: 5000,
			leverage:      10,
			expected:      54750,
			ok:            true,
		},
		{
			name:          "多仓2倍",
			entry:         50000,
			quantity:      1,
			marginBalance: 25000,
			leverage:      2,
			expected:      25250,
			ok:            true,
		},
		{
			name:          "零数量",
			entry:         50000,
			quantity:      0,
			marginBalance: 5000,
			leverage:      10,
		},
		{
			name:          "保证金不足以覆盖手续费",
			entry:         50000,
			quantity:      1,
			marginBalance: 20,
			leverage:      10,
		},
		{
			name:          "杠杆非法",
			entry:         50000,
			quantity:      1,
			marginBalance: 5000,
			leverage:      0,
		},
		{
			name:          "1倍多仓仍为正",
			entry:         100,
			quantity:      2,
			marginBalance: 200,
			leverage:      1,
			expected:      0.5,
			ok:            true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price, ok := LiquidationPrice(tt.entry, tt.quantity, tt.marginBalance, tt.leverage, 0.005, 0.0004)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.InDelta(t, tt.expected, price, 1e-9)
			} else {
				assert.Zero(t, price)
			}
		})
	}
}

func TestLiquidationPrice_ExactBoundary(t *testing.T) {
	price, ok := LiquidationPrice(50000, 1, 5000, 10, 0.005, 0.0004)
	require.True(t, ok)
	assert.Equal(t, 45250.0, price)
}

func TestMarginCalculator_InitialMargin(t *testing.T) {
	calc := NewMarginCalculator(DefaultThresholds())

	perpetual, err := calc.InitialMargin(50000, 20, model.ContractPerpetual)
	require.NoError(t, err)
	assert.InDelta(t, 2500, perpetual, 1e-9)

	delivery, err := calc.InitialMargin(50000, 20, model.ContractDelivery)
	require.NoError(t, err)
	assert.InDelta(t, 5000, delivery, 1e-9)

	_, err = calc.InitialMargin(50000, 0, model.ContractPerpetual)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	_, err = calc.InitialMargin(-1, 10, model.ContractPerpetual)
	assert.True(t, IsValidationError(err))
}

func TestMarginCalculator_MaintenanceMargin(t *testing.T) {
	calc := NewMarginCalculator(DefaultThresholds())

	for _, contract := range []model.ContractType{model.ContractPerpetual, model.ContractDelivery} {
		mm, err := calc.MaintenanceMargin(50000, 10, contract)
		require.NoError(t, err)
		assert.InDelta(t, 250, mm, 1e-9)
	}

	calc.MaintenanceMarginRate = 0
	mm, err := calc.MaintenanceMargin(10000, 5, model.ContractPerpetual)
	require.NoError(t, err)
	assert.InDelta(t, 10000*DefaultMaintenanceMarginRate, mm, 1e-9)

	_, err = calc.MaintenanceMargin(10000, -2, model.ContractPerpetual)
	assert.True(t, IsValidationError(err))
}

func TestMarginRatio(t *testing.T) {
	tests := []struct {
		name     string
		balance  float64
		value    float64
		upnl     float64
		expected float64
	}{
		{"正常", 1000, 1000, -100, 90},
		{"盈利", 5000, 10000, 1000, 60},
		{"权益为负", 1000, 1000, -2000, 0},
		{"零仓位", 1000, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, MarginRatio(tt.balance, tt.value, tt.upnl), 1e-9)
		})
	}
}

func TestMarginRatio_NonIncreasingAgainstPosition(t *testing.T) {
	long := &model.Position{Symbol: "BTCUSDT", Quantity: 1, EntryPrice: 50000, Leverage: 5}
	short := &model.Position{Symbol: "BTCUSDT", Quantity: -1, EntryPrice: 50000, Leverage: 5}
	const wallet = 10000.0

	prev := MarginRatio(wallet, PositionValue(long, 50000), UnrealizedPnl(long, 50000))
	for price := 49000.0; price >= 40000; price -= 1000 {
		ratio := MarginRatio(wallet, PositionValue(long, price), UnrealizedPnl(long, price))
		assert.LessOrEqual(t, ratio, prev, "多仓价格 %.0f", price)
		prev = ratio
	}

	prev = MarginRatio(wallet, PositionValue(short, 50000), UnrealizedPnl(short, 50000))
	for price := 51000.0; price <= 60000; price += 1000 {
		ratio := MarginRatio(wallet, PositionValue(short, price), UnrealizedPnl(short, price))
		assert.LessOrEqual(t, ratio, prev, "空仓价格 %.0f", price)
		prev = ratio
	}
}

func TestPositionValueAndPnl(t *testing.T) {
	position := &model.Position{Quantity: -2, EntryPrice: 100, ContractValue: 10, Leverage: 5}

	assert.InDelta(t, 1800, PositionValue(position, 90), 1e-9)
	assert.InDelta(t, 200, UnrealizedPnl(position, 90), 1e-9)
	assert.InDelta(t, -200, UnrealizedPnl(position, 110), 1e-9)
	assert.Zero(t, UnrealizedPnl(&model.Position{EntryPrice: 100}, 90))
}

func TestEffectiveLeverage(t *testing.T) {
	lev, ok := EffectiveLeverage(50000, 5000)
	assert.True(t, ok)
	assert.InDelta(t, 10, lev, 1e-9)

	_, ok = EffectiveLeverage(50000, 0)
	assert.False(t, ok)
}

func TestPositionLiquidationPrice_IgnoresSnapshotValue(t *testing.T) {
	calc := NewMarginCalculator(DefaultThresholds())
	stale := 1.0
	position := &model.Position{Quantity: 1, EntryPrice: 50000, Leverage: 10, LiquidationPrice: &stale}

	price, ok := calc.PositionLiquidationPrice(position, 5000)
	require.True(t, ok)
	assert.InDelta(t, 45250, price, 1e-9)

	_, ok = calc.PositionLiquidationPrice(&model.Position{EntryPrice: 50000, Leverage: 10}, 5000)
	assert.False(t, ok)
}
