package risk

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/life2you_mini/riskguard/internal/model"
)

// LiquidationRiskAssessor 清算风险评估
type LiquidationRiskAssessor struct {
	thresholds RiskPolicyThresholds
	calc       MarginCalculator
}

// NewLiquidationRiskAssessor 创建清算风险评估器
func NewLiquidationRiskAssessor(th RiskPolicyThresholds) *LiquidationRiskAssessor {
	return &LiquidationRiskAssessor{
		thresholds: th,
		calc:       NewMarginCalculator(th),
	}
}

// liquidationPrice 优先使用持仓快照中的清算价格，否则重新计算
func (a *LiquidationRiskAssessor) liquidationPrice(position *model.Position, marginBalance float64) (float64, bool) {
	if position == nil || position.IsEmpty() {
		return 0, false
	}
	if position.LiquidationPrice != nil && *position.LiquidationPrice > 0 {
		return *position.LiquidationPrice, true
	}
	return a.calc.PositionLiquidationPrice(position, marginBalance)
}

// Assess 评估持仓的清算风险，无法得到清算价格时等级为 UNKNOWN
func (a *LiquidationRiskAssessor) Assess(position *model.Position, currentPrice, marginBalance float64) model.LiquidationRisk {
	result := model.LiquidationRisk{
		CurrentPrice: currentPrice,
		RiskLevel:    model.RiskLevelUnknown,
	}

	liq, ok := a.liquidationPrice(position, marginBalance)
	if !ok || currentPrice <= 0 {
		return result
	}

	result.LiquidationPrice = liq
	result.DistancePct = LiquidationDistance(currentPrice, liq, position.Direction())
	result.RiskLevel = a.ClassifyDistance(result.DistancePct)
	return result
}

// LiquidationDistance 当前价格到清算价格的距离 (%)
// 价格已越过清算价（多仓低于、空仓高于）时距离为0
func LiquidationDistance(currentPrice, liquidationPrice float64, side model.Side) float64 {
	if liquidationPrice <= 0 {
		return 0
	}
	if side == model.SideShort && currentPrice >= liquidationPrice {
		return 0
	}
	if side != model.SideShort && currentPrice <= liquidationPrice {
		return 0
	}

	cur := decimal.NewFromFloat(currentPrice)
	liq := decimal.NewFromFloat(liquidationPrice)
	return cur.Sub(liq).Abs().Div(liq).Mul(decimal.NewFromInt(100)).InexactFloat64()
}

// ClassifyDistance 按清算距离分级
func (a *LiquidationRiskAssessor) ClassifyDistance(distancePct float64) model.RiskLevel {
	switch {
	case distancePct <= a.thresholds.LiquidationCriticalPct:
		return model.RiskLevelCritical
	case distancePct <= a.thresholds.LiquidationHighPct:
		return model.RiskLevelHigh
	case distancePct <= a.thresholds.LiquidationMediumPct:
		return model.RiskLevelMedium
	default:
		return model.RiskLevelLow
	}
}

// ProtectionThresholds 计算清算保护价位
// 多仓价位在清算价之上，空仓在清算价之下
func (a *LiquidationRiskAssessor) ProtectionThresholds(liquidationPrice float64, side model.Side) model.ProtectionThresholds {
	sign := 1.0
	if side == model.SideShort {
		sign = -1.0
	}
	at := func(offset float64) float64 {
		return decimal.NewFromFloat(liquidationPrice).
			Mul(decimal.NewFromFloat(1 + sign*offset)).
			InexactFloat64()
	}

	return model.ProtectionThresholds{
		LiquidationPrice: liquidationPrice,
		EarlyWarning:     at(a.thresholds.EarlyWarningOffset),
		Emergency:        at(a.thresholds.EmergencyOffset),
		Buffer:           at(a.thresholds.BufferOffset),
	}
}

// RecommendAction 根据当前价格与保护价位给出建议动作
func (a *LiquidationRiskAssessor) RecommendAction(currentPrice float64, th model.ProtectionThresholds, side model.Side) (model.RiskLevel, model.ActionType) {
	// 统一转换成"越小越危险"再比较
	beyond := func(level float64) bool {
		if side == model.SideShort {
			return currentPrice >= level
		}
		return currentPrice <= level
	}

	switch {
	case beyond(th.Emergency):
		return model.RiskLevelCritical, model.ActionEmergencyClose
	case beyond(th.EarlyWarning):
		return model.RiskLevelHigh, model.ActionReducePosition
	default:
		return model.RiskLevelLow, model.ActionMonitor
	}
}

// IsEmergencyLiquidationNeeded 清算风险为 CRITICAL 或保证金率低于危险线时需要紧急处理
func (a *LiquidationRiskAssessor) IsEmergencyLiquidationNeeded(risk model.LiquidationRisk, marginRatio float64) bool {
	if risk.RiskLevel == model.RiskLevelCritical {
		return true
	}
	return !math.IsNaN(marginRatio) && marginRatio < a.thresholds.DangerMarginRatio
}
