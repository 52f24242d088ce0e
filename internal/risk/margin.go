package risk

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/life2you_mini/riskguard/internal/model"
)

// DefaultMaintenanceMarginRate 默认维持保证金率 0.5%
const DefaultMaintenanceMarginRate = 0.005

var one = decimal.NewFromInt(1)

// MarginCalculator 保证金计算器，纯函数，无状态无IO
type MarginCalculator struct {
	InitialMarginRate     float64 // 交割合约初始保证金率
	MaintenanceMarginRate float64
	FeeRate               float64 // 平仓手续费率
}

// NewMarginCalculator 根据阈值创建计算器
func NewMarginCalculator(th RiskPolicyThresholds) MarginCalculator {
	mmr := th.MaintenanceMarginRate
	if mmr <= 0 {
		mmr = DefaultMaintenanceMarginRate
	}
	return MarginCalculator{
		InitialMarginRate:     th.InitialMarginRate,
		MaintenanceMarginRate: mmr,
		FeeRate:               th.FeeRate,
	}
}

// InitialMargin 初始保证金
// 永续合约: 仓位价值 / 杠杆；交割合约: 仓位价值 * 初始保证金率
func (c MarginCalculator) InitialMargin(positionValue, leverage float64, contractType model.ContractType) (float64, error) {
	if err := validateMarginInput(positionValue, leverage); err != nil {
		return 0, err
	}

	value := decimal.NewFromFloat(positionValue)
	if contractType == model.ContractDelivery {
		return value.Mul(decimal.NewFromFloat(c.InitialMarginRate)).InexactFloat64(), nil
	}
	return value.Div(decimal.NewFromFloat(leverage)).InexactFloat64(), nil
}

// MaintenanceMargin 维持保证金 = 仓位价值 * 维持保证金率，两种合约相同
func (c MarginCalculator) MaintenanceMargin(positionValue, leverage float64, contractType model.ContractType) (float64, error) {
	if err := validateMarginInput(positionValue, leverage); err != nil {
		return 0, err
	}

	rate := c.MaintenanceMarginRate
	if rate <= 0 {
		rate = DefaultMaintenanceMarginRate
	}
	return decimal.NewFromFloat(positionValue).Mul(decimal.NewFromFloat(rate)).InexactFloat64(), nil
}

func validateMarginInput(positionValue, leverage float64) error {
	if leverage <= 0 || math.IsNaN(leverage) {
		return newValidationError("leverage", leverage, "杠杆必须大于0")
	}
	if positionValue < 0 || math.IsNaN(positionValue) {
		return newValidationError("position_value", positionValue, "仓位价值不能为负")
	}
	return nil
}

// PositionLiquidationPrice 按持仓快照重新计算清算价格，忽略快照中已有的值
func (c MarginCalculator) PositionLiquidationPrice(position *model.Position, marginBalance float64) (float64, bool) {
	if position == nil || position.IsEmpty() {
		return 0, false
	}
	qty := position.AbsQuantity() * position.Multiplier()
	if !position.IsLong() {
		qty = -qty
	}
	return LiquidationPrice(position.EntryPrice, qty, marginBalance, position.Leverage, c.MaintenanceMarginRate, c.FeeRate)
}

// LiquidationPrice 计算清算价格，quantity 为带方向的数量
// 多仓: entry * (1 - 1/leverage + mmr)；空仓: entry * (1 + 1/leverage - mmr)
// 无仓位、参数非法、保证金不足以覆盖手续费或结果非正时返回 false
func LiquidationPrice(entryPrice, quantity, marginBalance, leverage, maintenanceMarginRate, feeRate float64) (float64, bool) {
	if quantity == 0 || entryPrice <= 0 || leverage <= 0 {
		return 0, false
	}

	entry := decimal.NewFromFloat(entryPrice)
	positionValue := entry.Mul(decimal.NewFromFloat(math.Abs(quantity)))
	fee := positionValue.Mul(decimal.NewFromFloat(feeRate))
	if decimal.NewFromFloat(marginBalance).Sub(fee).LessThanOrEqual(decimal.Zero) {
		return 0, false
	}

	inverse := one.Div(decimal.NewFromFloat(leverage))
	mmr := decimal.NewFromFloat(maintenanceMarginRate)

	var factor decimal.Decimal
	if quantity > 0 {
		factor = one.Sub(inverse).Add(mmr)
	} else {
		factor = one.Add(inverse).Sub(mmr)
	}

	price := entry.Mul(factor)
	if price.LessThanOrEqual(decimal.Zero) {
		return 0, false
	}
	return price.InexactFloat64(), true
}

// MarginRatio 保证金率 = (保证金余额 + 未实现盈亏) / 仓位价值 * 100，不小于0
func MarginRatio(marginBalance, positionValue, unrealizedPnl float64) float64 {
	if positionValue <= 0 {
		return 0
	}

	equity := decimal.NewFromFloat(marginBalance).Add(decimal.NewFromFloat(unrealizedPnl))
	if equity.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	return equity.Div(decimal.NewFromFloat(positionValue)).Mul(decimal.NewFromInt(100)).InexactFloat64()
}

// PositionValue 按当前价格计算的仓位名义价值
func PositionValue(position *model.Position, price float64) float64 {
	if position == nil || price <= 0 {
		return 0
	}
	return decimal.NewFromFloat(position.AbsQuantity()).
		Mul(decimal.NewFromFloat(position.Multiplier())).
		Mul(decimal.NewFromFloat(price)).
		InexactFloat64()
}

// UnrealizedPnl 按当前价格计算的未实现盈亏
func UnrealizedPnl(position *model.Position, price float64) float64 {
	if position == nil || position.IsEmpty() || price <= 0 {
		return 0
	}
	diff := decimal.NewFromFloat(price).Sub(decimal.NewFromFloat(position.EntryPrice))
	if !position.IsLong() {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromFloat(position.AbsQuantity())).
		Mul(decimal.NewFromFloat(position.Multiplier())).
		InexactFloat64()
}

// EffectiveLeverage 实际杠杆 = 仓位价值 / 实际投入保证金；保证金非正时返回 false
func EffectiveLeverage(positionValue, postedMargin float64) (float64, bool) {
	if postedMargin <= 0 {
		return 0, false
	}
	return decimal.NewFromFloat(positionValue).Div(decimal.NewFromFloat(postedMargin)).InexactFloat64(), true
}
