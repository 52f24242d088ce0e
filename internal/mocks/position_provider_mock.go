package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/life2you_mini/riskguard/internal/model"
)

// MockPositionProvider 持仓提供方的模拟实现
type MockPositionProvider struct {
	mock.Mock
}

// GetPosition 获取持仓快照的模拟实现
func (m *MockPositionProvider) GetPosition(ctx context.Context, key string) (*model.Position, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Position), args.Error(1)
}

// ListPositionKeys 获取活跃持仓列表的模拟实现
func (m *MockPositionProvider) ListPositionKeys(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// MockLiquidationPriceWriter 清算价格回写的模拟实现
type MockLiquidationPriceWriter struct {
	mock.Mock
}

// SetLiquidationPrice 回写清算价格的模拟实现
func (m *MockLiquidationPriceWriter) SetLiquidationPrice(ctx context.Context, key string, price *float64) error {
	args := m.Called(ctx, key, price)
	return args.Error(0)
}
