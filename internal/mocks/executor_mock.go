package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/life2you_mini/riskguard/internal/model"
)

// MockOrderExecutor 下单执行方的模拟实现
type MockOrderExecutor struct {
	mock.Mock
}

// SubmitAction 提交风控动作的模拟实现
func (m *MockOrderExecutor) SubmitAction(ctx context.Context, action model.Action) error {
	args := m.Called(ctx, action)
	return args.Error(0)
}

// MockObserver 风控事件订阅方的模拟实现
type MockObserver struct {
	mock.Mock
}

// OnRiskAlert 高风险回调的模拟实现
func (m *MockObserver) OnRiskAlert(ctx context.Context, assessment model.RiskAssessment, actions []model.Action) error {
	args := m.Called(ctx, assessment, actions)
	return args.Error(0)
}

// OnLeverageChange 杠杆变更回调的模拟实现
func (m *MockObserver) OnLeverageChange(ctx context.Context, record model.LeverageChangeRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

// OnMarginAlert 保证金告警回调的模拟实现
func (m *MockObserver) OnMarginAlert(ctx context.Context, alert model.Alert) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}
