package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/riskguard/internal/config"
	"github.com/life2you_mini/riskguard/internal/mocks"
	"github.com/life2you_mini/riskguard/internal/model"
	"github.com/life2you_mini/riskguard/internal/risk"
)

type fixture struct {
	positions  *mocks.MockPositionProvider
	market     *mocks.MockMarketDataProvider
	accounts   *mocks.MockAccountProvider
	writer     *mocks.MockLiquidationPriceWriter
	executor   *mocks.MockOrderExecutor
	observer   *mocks.MockObserver
	dispatcher *risk.Dispatcher
	alerts     *risk.MarginAlertMonitor
	service    *PositionRiskMonitorService
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	logger := zaptest.NewLogger(t)
	th := risk.DefaultThresholds()

	f := &fixture{
		positions: new(mocks.MockPositionProvider),
		market:    new(mocks.MockMarketDataProvider),
		accounts:  new(mocks.MockAccountProvider),
		writer:    new(mocks.MockLiquidationPriceWriter),
		executor:  new(mocks.MockOrderExecutor),
		observer:  new(mocks.MockObserver),
	}
	f.dispatcher = risk.NewDispatcher(logger, time.Second)
	f.dispatcher.Register(f.observer)

	liquidation := risk.NewLiquidationRiskAssessor(th)
	f.alerts = risk.NewMarginAlertMonitor(th, liquidation, f.dispatcher, logger)

	opts := Options{
		Interval:              20 * time.Millisecond,
		MaxConcurrency:        2,
		FetchTimeout:          time.Second,
		StaleAfterFailures:    3,
		AlertTTL:              time.Hour,
		ResolvedAlertAge:      time.Hour,
		ResultBuffer:          16,
		DefaultAccount:        "default",
		ExecuteEmergencyClose: true,
	}
	if mutate != nil {
		mutate(&opts)
	}

	f.service = NewPositionRiskMonitorService(Dependencies{
		Positions:         f.positions,
		Market:            f.market,
		Accounts:          f.accounts,
		LiquidationWriter: f.writer,
		Policy:            risk.NewRiskPolicyEngine(th, liquidation, f.executor, logger, 100),
		Alerts:            f.alerts,
		Leverage:          risk.NewLeverageOptimizer(th, f.dispatcher, logger, 100, 50),
		Dispatcher:        f.dispatcher,
		Calculator:        risk.NewMarginCalculator(th),
	}, opts, logger)

	f.observer.On("OnMarginAlert", mock.Anything, mock.Anything).Return(nil).Maybe()
	f.writer.On("SetLiquidationPrice", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	return f
}

func (f *fixture) givenPosition(position *model.Position, market model.MarketData, account model.AccountBalance) {
	f.positions.On("GetPosition", mock.Anything, position.Key()).Return(position, nil)
	f.market.On("GetMarketData", mock.Anything, position.Symbol).Return(market, nil)
	f.accounts.On("GetAccountBalance", mock.Anything, mock.Anything).Return(account, nil)
}

func TestEvaluatePosition_EmergencyClose(t *testing.T) {
	f := newFixture(t, nil)
	position := &model.Position{ID: "btc-long", Symbol: "BTCUSDT", Quantity: 1, EntryPrice: 50000, Leverage: 10, MarginUsed: 5000}
	f.givenPosition(position,
		model.MarketData{Symbol: "BTCUSDT", CurrentPrice: 45000, FundingRate: 0.0001},
		model.AccountBalance{WalletBalance: 5000, UnrealizedPnl: -5000})

	f.executor.On("SubmitAction", mock.Anything, mock.MatchedBy(func(a model.Action) bool {
		return a.Type == model.ActionEmergencyClose && a.Side == model.OrderSideSell && a.Quantity == 1
	})).Return(nil).Once()
	f.observer.On("OnRiskAlert", mock.Anything, mock.MatchedBy(func(a model.RiskAssessment) bool {
		return a.OverallLevel == model.RiskLevelCritical && a.Emergency
	}), mock.MatchedBy(func(actions []model.Action) bool {
		return len(actions) == 1 && actions[0].Type == model.ActionEmergencyClose
	})).Return(nil).Once()

	result := f.service.EvaluatePosition(context.Background(), "btc-long")
	f.dispatcher.Wait()

	require.NoError(t, result.Err)
	assert.Equal(t, model.RiskLevelCritical, result.Assessment.OverallLevel)
	assert.True(t, result.Assessment.Emergency)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, model.ActionEmergencyClose, result.Actions[0].Type)
	require.NotNil(t, result.MarginCall)
	assert.Equal(t, model.RiskLevelCritical, result.MarginCall.Severity)

	require.NotNil(t, position.LiquidationPrice)
	assert.InDelta(t, 45250, *position.LiquidationPrice, 1e-9)
	f.writer.AssertCalled(t, "SetLiquidationPrice", mock.Anything, "btc-long", mock.MatchedBy(func(p *float64) bool {
		return p != nil && *p == 45250
	}))

	var types []model.AlertType
	for _, alert := range result.Alerts {
		types = append(types, alert.Type)
	}
	assert.ElementsMatch(t, []model.AlertType{model.AlertMarginCall, model.AlertLiquidationCritical}, types)

	f.executor.AssertExpectations(t)
	f.observer.AssertExpectations(t)
}

func TestEvaluatePosition_EmergencyPlannedOnly(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ExecuteEmergencyClose = false })
	position := &model.Position{ID: "btc-long", Symbol: "BTCUSDT", Quantity: 1, EntryPrice: 50000, Leverage: 10, MarginUsed: 5000}
	f.givenPosition(position,
		model.MarketData{Symbol: "BTCUSDT", CurrentPrice: 45000},
		model.AccountBalance{WalletBalance: 5000})
	f.observer.On("OnRiskAlert", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	result := f.service.EvaluatePosition(context.Background(), "btc-long")
	f.dispatcher.Wait()

	require.NoError(t, result.Err)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, model.ActionEmergencyClose, result.Actions[0].Type)
	f.executor.AssertNotCalled(t, "SubmitAction", mock.Anything, mock.Anything)
}

func TestEvaluatePosition_Healthy(t *testing.T) {
	f := newFixture(t, nil)
	position := &model.Position{ID: "eth", Owner: "alice", Symbol: "ETHUSDT", Quantity: 1, EntryPrice: 50000, Leverage: 2, MarginUsed: 25000}
	f.positions.On("GetPosition", mock.Anything, "eth").Return(position, nil)
	f.market.On("GetMarketData", mock.Anything, "ETHUSDT").Return(model.MarketData{Symbol: "ETHUSDT", CurrentPrice: 50000}, nil)
	f.accounts.On("GetAccountBalance", mock.Anything, "alice").Return(model.AccountBalance{WalletBalance: 150000}, nil)

	// 连续两个周期都保持 LOW 且无告警
	for i := 0; i < 2; i++ {
		result := f.service.EvaluatePosition(context.Background(), "eth")
		f.dispatcher.Wait()

		require.NoError(t, result.Err)
		assert.Equal(t, model.RiskLevelLow, result.Assessment.OverallLevel)
		assert.InDelta(t, 10, result.Assessment.Score, 1e-9)
		assert.Empty(t, result.Actions)
		assert.Empty(t, result.Alerts)
		assert.Nil(t, result.MarginCall)
		assert.Nil(t, result.Leverage)
	}
	assert.Empty(t, f.alerts.GetActiveAlerts(""))
	f.observer.AssertNotCalled(t, "OnRiskAlert", mock.Anything, mock.Anything, mock.Anything)
	f.accounts.AssertExpectations(t)
}

func TestEvaluatePosition_EmptyPosition(t *testing.T) {
	f := newFixture(t, nil)
	stale := 80.0
	position := &model.Position{ID: "flat", Symbol: "SOLUSDT", EntryPrice: 100, Leverage: 5, LiquidationPrice: &stale}
	f.positions.On("GetPosition", mock.Anything, "flat").Return(position, nil)

	result := f.service.EvaluatePosition(context.Background(), "flat")

	require.NoError(t, result.Err)
	assert.Equal(t, model.RiskLevelUnknown, result.Assessment.Liquidation)
	assert.Empty(t, result.Alerts)
	f.market.AssertNotCalled(t, "GetMarketData", mock.Anything, mock.Anything)

	// 平仓后清除遗留的清算价格
	assert.Nil(t, position.LiquidationPrice)
	f.writer.AssertCalled(t, "SetLiquidationPrice", mock.Anything, "flat", mock.MatchedBy(func(p *float64) bool {
		return p == nil
	}))
}

func TestEvaluatePosition_FailuresRaiseStaleAlert(t *testing.T) {
	f := newFixture(t, nil)
	position := &model.Position{ID: "btc", Owner: "bob", Symbol: "BTCUSDT", Quantity: 1, EntryPrice: 50000, Leverage: 2}
	f.positions.On("GetPosition", mock.Anything, "btc").Return(position, nil)
	f.market.On("GetMarketData", mock.Anything, "BTCUSDT").Return(model.MarketData{}, errors.New("行情超时"))
	f.accounts.On("GetAccountBalance", mock.Anything, "bob").Return(model.AccountBalance{WalletBalance: 1000}, nil)

	for i := 0; i < 2; i++ {
		result := f.service.EvaluatePosition(context.Background(), "btc")
		require.Error(t, result.Err)
		assert.Equal(t, model.RiskLevelUnknown, result.Assessment.OverallLevel)
	}
	assert.Empty(t, f.alerts.GetActiveAlerts("bob"))

	f.service.EvaluatePosition(context.Background(), "btc")
	f.dispatcher.Wait()

	stale := f.alerts.GetActiveAlerts("bob")
	require.Len(t, stale, 1)
	assert.Equal(t, model.AlertStaleRisk, stale[0].Type)
	assert.Equal(t, "BTCUSDT", stale[0].Symbol)
}

func TestEvaluatePosition_RecoversPanic(t *testing.T) {
	f := newFixture(t, nil)
	f.positions.On("GetPosition", mock.Anything, "boom").Run(func(mock.Arguments) {
		panic("provider exploded")
	}).Return(nil, nil)

	result := f.service.EvaluatePosition(context.Background(), "boom")

	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "provider exploded")
	assert.Equal(t, model.RiskLevelUnknown, result.Assessment.OverallLevel)
}

func TestEvaluatePosition_InvalidPrice(t *testing.T) {
	f := newFixture(t, nil)
	position := &model.Position{ID: "btc", Symbol: "BTCUSDT", Quantity: 1, EntryPrice: 50000, Leverage: 2}
	f.givenPosition(position, model.MarketData{Symbol: "BTCUSDT"}, model.AccountBalance{WalletBalance: 100000})

	result := f.service.EvaluatePosition(context.Background(), "btc")
	require.Error(t, result.Err)
	assert.True(t, risk.IsValidationError(result.Err))
	assert.Equal(t, model.RiskLevelUnknown, result.Assessment.OverallLevel)
}

func TestEvaluatePosition_MissingPositionUnregisters(t *testing.T) {
	f := newFixture(t, nil)
	f.service.RegisterPosition("gone")
	f.positions.On("GetPosition", mock.Anything, "gone").Return(nil, nil)

	result := f.service.EvaluatePosition(context.Background(), "gone")
	assert.ErrorIs(t, result.Err, ErrPositionNotFound)
	assert.Empty(t, f.service.RegisteredPositions())
}

func TestEvaluatePosition_AutoDeleverage(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AutoAdjustLeverage = true })
	position := &model.Position{ID: "btc", Symbol: "BTCUSDT", Quantity: 1, EntryPrice: 50000, Leverage: 4, MarginUsed: 12500}
	f.givenPosition(position,
		model.MarketData{Symbol: "BTCUSDT", CurrentPrice: 50000},
		model.AccountBalance{WalletBalance: 150000})
	f.observer.On("OnLeverageChange", mock.Anything, mock.MatchedBy(func(r model.LeverageChangeRecord) bool {
		return r.PositionKey == "btc" && r.OldLeverage == 4 && r.NewLeverage == 1
	})).Return(nil).Once()

	result := f.service.EvaluatePosition(context.Background(), "btc")
	f.dispatcher.Wait()

	require.NoError(t, result.Err)
	assert.Equal(t, model.RiskLevelLow, result.Assessment.OverallLevel)
	require.NotNil(t, result.Leverage)
	assert.True(t, result.Leverage.Accepted)
	assert.Equal(t, 1.0, result.Leverage.Leverage)
	f.observer.AssertExpectations(t)

	// 已降到建议杠杆，不再重复调整
	second := f.service.EvaluatePosition(context.Background(), "btc")
	assert.Nil(t, second.Leverage)
}

func TestRunOnce(t *testing.T) {
	f := newFixture(t, nil)
	for _, key := range []string{"a", "b", "c"} {
		position := &model.Position{ID: key, Symbol: "BTCUSDT", Quantity: 1, EntryPrice: 50000, Leverage: 2, MarginUsed: 25000}
		f.positions.On("GetPosition", mock.Anything, key).Return(position, nil)
		f.service.RegisterPosition(key)
	}
	f.market.On("GetMarketData", mock.Anything, "BTCUSDT").Return(model.MarketData{Symbol: "BTCUSDT", CurrentPrice: 50000}, nil)
	f.accounts.On("GetAccountBalance", mock.Anything, "default").Return(model.AccountBalance{WalletBalance: 150000}, nil)

	results, err := f.service.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, key := range []string{"a", "b", "c"} {
		assert.Equal(t, key, results[i].PositionKey)
		assert.NoError(t, results[i].Err)
		assert.Equal(t, model.RiskLevelLow, results[i].Assessment.OverallLevel)
	}
}

func TestRunOnce_FailureIsolated(t *testing.T) {
	f := newFixture(t, nil)
	for _, key := range []string{"a", "c"} {
		position := &model.Position{ID: key, Symbol: "BTCUSDT", Quantity: 1, EntryPrice: 50000, Leverage: 2, MarginUsed: 25000}
		f.positions.On("GetPosition", mock.Anything, key).Return(position, nil)
	}
	f.positions.On("GetPosition", mock.Anything, "boom").Run(func(mock.Arguments) {
		panic("provider exploded")
	}).Return(nil, nil)
	f.positions.On("GetPosition", mock.Anything, "down").Return(
		&model.Position{ID: "down", Symbol: "DOWNUSDT", Quantity: 1, EntryPrice: 10, Leverage: 2}, nil)
	f.market.On("GetMarketData", mock.Anything, "BTCUSDT").Return(model.MarketData{Symbol: "BTCUSDT", CurrentPrice: 50000}, nil)
	f.market.On("GetMarketData", mock.Anything, "DOWNUSDT").Return(model.MarketData{}, errors.New("行情超时"))
	f.accounts.On("GetAccountBalance", mock.Anything, "default").Return(model.AccountBalance{WalletBalance: 150000}, nil)

	for _, key := range []string{"a", "boom", "c", "down"} {
		f.service.RegisterPosition(key)
	}

	results, err := f.service.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 4)

	byKey := make(map[string]Result, len(results))
	for _, result := range results {
		byKey[result.PositionKey] = result
	}
	for _, key := range []string{"a", "c"} {
		assert.NoError(t, byKey[key].Err)
		assert.Equal(t, model.RiskLevelLow, byKey[key].Assessment.OverallLevel)
	}
	for _, key := range []string{"boom", "down"} {
		assert.Error(t, byKey[key].Err)
		assert.Equal(t, model.RiskLevelUnknown, byKey[key].Assessment.OverallLevel)
	}
	assert.Equal(t, []string{"a", "boom", "c", "down"}, f.service.RegisteredPositions())
}

func TestGlobalMonitoring_FailureIsolated(t *testing.T) {
	f := newFixture(t, nil)
	position := &model.Position{ID: "eth", Symbol: "ETHUSDT", Quantity: 1, EntryPrice: 50000, Leverage: 2, MarginUsed: 25000}
	f.givenPosition(position,
		model.MarketData{Symbol: "ETHUSDT", CurrentPrice: 50000},
		model.AccountBalance{WalletBalance: 150000})
	f.positions.On("GetPosition", mock.Anything, "boom").Run(func(mock.Arguments) {
		panic("provider exploded")
	}).Return(nil, nil)
	f.positions.On("ListPositionKeys", mock.Anything).Return([]string{"boom", "eth"}, nil)

	require.NoError(t, f.service.StartGlobalMonitoring(10*time.Millisecond))

	healthy, failed := 0, 0
	deadline := time.After(5 * time.Second)
	for healthy < 3 || failed < 2 {
		select {
		case result := <-f.service.Results():
			switch result.PositionKey {
			case "eth":
				assert.NoError(t, result.Err)
				assert.Equal(t, model.RiskLevelLow, result.Assessment.OverallLevel)
				healthy++
			case "boom":
				assert.Error(t, result.Err)
				assert.Equal(t, model.RiskLevelUnknown, result.Assessment.OverallLevel)
				failed++
			}
		case <-deadline:
			t.Fatalf("评估结果不足: healthy=%d failed=%d", healthy, failed)
		}
	}

	assert.True(t, f.service.IsRunning())
	require.NoError(t, f.service.StopGlobalMonitoring())
}

func TestSyncPositions(t *testing.T) {
	f := newFixture(t, nil)
	f.service.RegisterPosition("stale")
	f.positions.On("ListPositionKeys", mock.Anything).Return([]string{"b", "a"}, nil).Once()

	require.NoError(t, f.service.SyncPositions(context.Background()))
	assert.Equal(t, []string{"a", "b"}, f.service.RegisteredPositions())

	f.positions.On("ListPositionKeys", mock.Anything).Return(nil, errors.New("redis down")).Once()
	assert.Error(t, f.service.SyncPositions(context.Background()))
	assert.Equal(t, []string{"a", "b"}, f.service.RegisteredPositions())
}

func TestStartStopGlobalMonitoring(t *testing.T) {
	f := newFixture(t, nil)
	position := &model.Position{ID: "eth", Symbol: "ETHUSDT", Quantity: 1, EntryPrice: 50000, Leverage: 2, MarginUsed: 25000}
	f.givenPosition(position,
		model.MarketData{Symbol: "ETHUSDT", CurrentPrice: 50000},
		model.AccountBalance{WalletBalance: 150000})
	f.positions.On("ListPositionKeys", mock.Anything).Return([]string{"eth"}, nil)

	require.NoError(t, f.service.StartGlobalMonitoring(10*time.Millisecond))
	assert.True(t, f.service.IsRunning())
	assert.ErrorIs(t, f.service.StartGlobalMonitoring(0), ErrAlreadyRunning)

	select {
	case result := <-f.service.Results():
		assert.Equal(t, "eth", result.PositionKey)
		assert.NoError(t, result.Err)
		assert.Equal(t, model.RiskLevelLow, result.Assessment.OverallLevel)
	case <-time.After(2 * time.Second):
		t.Fatal("未收到评估结果")
	}

	require.NoError(t, f.service.StopGlobalMonitoring())
	assert.False(t, f.service.IsRunning())
	assert.ErrorIs(t, f.service.StopGlobalMonitoring(), ErrNotRunning)
	assert.Equal(t, []string{"eth"}, f.service.RegisteredPositions())
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.GetDefaultConfig().Monitoring)
	assert.Equal(t, time.Minute, opts.Interval)
	assert.Equal(t, 10*time.Second, opts.FetchTimeout)
	assert.Equal(t, 24*time.Hour, opts.AlertTTL)
	assert.True(t, opts.ExecuteEmergencyClose)

	defaults := Options{}.withDefaults()
	assert.Equal(t, time.Minute, defaults.Interval)
	assert.Equal(t, 8, defaults.MaxConcurrency)
	assert.Equal(t, "default", defaults.DefaultAccount)
}
