package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/riskguard/internal/model"
	"github.com/life2you_mini/riskguard/internal/monitor"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStore(client, "riskguard:", 30*time.Minute, zaptest.NewLogger(t))
	require.NoError(t, store.Initialize(context.Background()))
	return mr, store
}

func btcPosition() *model.Position {
	return &model.Position{
		Exchange:   "binance",
		Symbol:     "BTCUSDT",
		Owner:      "alice",
		Quantity:   1,
		EntryPrice: 50000,
		Leverage:   10,
		MarginUsed: 5000,
		UpdatedAt:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestRedisStore_Positions(t *testing.T) {
	mr, store := newTestStore(t)
	ctx := context.Background()

	eth := btcPosition()
	eth.Symbol = "ETHUSDT"
	require.NoError(t, store.SavePosition(ctx, btcPosition()))
	require.NoError(t, store.SavePosition(ctx, eth))
	assert.True(t, mr.Exists("riskguard:position:binance:BTCUSDT"))

	keys, err := store.ListPositionKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"binance:BTCUSDT", "binance:ETHUSDT"}, keys)

	got, err := store.GetPosition(ctx, "binance:BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, btcPosition(), got)

	// 平仓后的快照保留但不再活跃
	eth.Quantity = 0
	require.NoError(t, store.SavePosition(ctx, eth))
	keys, err = store.ListPositionKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"binance:BTCUSDT"}, keys)

	require.NoError(t, store.RemovePosition(ctx, "binance:BTCUSDT"))
	_, err = store.GetPosition(ctx, "binance:BTCUSDT")
	assert.ErrorIs(t, err, monitor.ErrPositionNotFound)
	keys, err = store.ListPositionKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	assert.Error(t, store.SavePosition(ctx, nil))
}

func TestRedisStore_SetLiquidationPrice(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SavePosition(ctx, btcPosition()))

	price := 45250.0
	require.NoError(t, store.SetLiquidationPrice(ctx, "binance:BTCUSDT", &price))

	got, err := store.GetPosition(ctx, "binance:BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, got.LiquidationPrice)
	assert.Equal(t, 45250.0, *got.LiquidationPrice)
	assert.Equal(t, 50000.0, got.EntryPrice)

	require.NoError(t, store.SetLiquidationPrice(ctx, "binance:BTCUSDT", nil))
	got, err = store.GetPosition(ctx, "binance:BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, got.LiquidationPrice)

	err = store.SetLiquidationPrice(ctx, "binance:MISSING", &price)
	assert.ErrorIs(t, err, monitor.ErrPositionNotFound)
}

func TestRedisStore_MarketAndAccount(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	vol := 0.8
	market := model.MarketData{
		Symbol:            "BTCUSDT",
		CurrentPrice:      48000,
		FundingRate:       0.0001,
		ImpliedVolatility: &vol,
		Timestamp:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.SaveMarketData(ctx, market))
	got, err := store.GetMarketData(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, market, got)

	_, err = store.GetMarketData(ctx, "ETHUSDT")
	assert.ErrorIs(t, err, redis.Nil)
	assert.Error(t, store.SaveMarketData(ctx, model.MarketData{}))

	balance := model.AccountBalance{WalletBalance: 10000, AvailableBalance: 4000, UnrealizedPnl: -500}
	require.NoError(t, store.SaveAccountBalance(ctx, "alice", balance))
	gotBalance, err := store.GetAccountBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, balance, gotBalance)

	_, err = store.GetAccountBalance(ctx, "bob")
	assert.Error(t, err)
}

func TestRedisStore_Assessment(t *testing.T) {
	mr, store := newTestStore(t)
	ctx := context.Background()

	missing, err := store.GetAssessment(ctx, "binance:BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, missing)

	assessment := model.RiskAssessment{
		PositionKey:  "binance:BTCUSDT",
		Symbol:       "BTCUSDT",
		Liquidation:  model.RiskLevelHigh,
		Margin:       model.RiskLevelMedium,
		Leverage:     model.RiskLevelLow,
		Volatility:   model.RiskLevelLow,
		Funding:      model.RiskLevelLow,
		Score:        28,
		OverallLevel: model.RiskLevelLow,
		Timestamp:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.SaveAssessment(ctx, assessment))

	got, err := store.GetAssessment(ctx, "binance:BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.RiskLevelHigh, got.Liquidation)
	assert.Equal(t, 28.0, got.Score)
	assert.Equal(t, 30*time.Minute, mr.TTL("riskguard:assessment:binance:BTCUSDT"))

	mr.FastForward(31 * time.Minute)
	got, err = store.GetAssessment(ctx, "binance:BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.Error(t, store.SaveAssessment(ctx, model.RiskAssessment{}))
}

func TestRedisStore_ObserverEvents(t *testing.T) {
	mr, store := newTestStore(t)
	ctx := context.Background()

	for i, alertType := range []model.AlertType{model.AlertWarning, model.AlertDanger} {
		require.NoError(t, store.OnMarginAlert(ctx, model.Alert{
			ID:          string(alertType),
			PositionKey: "binance:BTCUSDT",
			Type:        alertType,
			CreatedAt:   time.Date(2024, 1, 1, i, 0, 0, 0, time.UTC),
		}))
	}
	alerts, err := store.RecentAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, model.AlertDanger, alerts[0].Type)

	alerts, err = store.RecentAlerts(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)

	for i := 0; i < maxLeverageHistory+5; i++ {
		require.NoError(t, store.OnLeverageChange(ctx, model.LeverageChangeRecord{
			PositionKey: "binance:BTCUSDT",
			OldLeverage: 10,
			NewLeverage: float64(i%10 + 1),
		}))
	}
	history, err := store.LeverageHistory(ctx, "binance:BTCUSDT", 0)
	require.NoError(t, err)
	assert.Len(t, history, maxLeverageHistory)

	assessment := model.RiskAssessment{PositionKey: "binance:BTCUSDT", OverallLevel: model.RiskLevelCritical}
	actions := []model.Action{{ID: "a1", Type: model.ActionEmergencyClose, PositionKey: "binance:BTCUSDT"}}
	require.NoError(t, store.OnRiskAlert(ctx, assessment, actions))

	events, err := mr.List("riskguard:risk:events")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, events[0], `"emergency_close"`)

	saved, err := store.GetAssessment(ctx, "binance:BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, model.RiskLevelCritical, saved.OverallLevel)
}

func TestRedisStore_Health(t *testing.T) {
	mr, store := newTestStore(t)
	ctx := context.Background()

	assert.NoError(t, store.Health(ctx))
	mr.Close()
	assert.Error(t, store.Health(ctx))
}
