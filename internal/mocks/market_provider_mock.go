package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/life2you_mini/riskguard/internal/model"
)

// MockMarketDataProvider 行情提供方的模拟实现
type MockMarketDataProvider struct {
	mock.Mock
}

// GetMarketData 获取行情快照的模拟实现
func (m *MockMarketDataProvider) GetMarketData(ctx context.Context, symbol string) (model.MarketData, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(model.MarketData), args.Error(1)
}

// MockAccountProvider 账户余额提供方的模拟实现
type MockAccountProvider struct {
	mock.Mock
}

// GetAccountBalance 获取账户余额的模拟实现
func (m *MockAccountProvider) GetAccountBalance(ctx context.Context, account string) (model.AccountBalance, error) {
	args := m.Called(ctx, account)
	return args.Get(0).(model.AccountBalance), args.Error(1)
}
