package model

import (
	"fmt"
	"strings"
	"time"
)

// RiskLevel 风险等级
type RiskLevel int

const (
	RiskLevelUnknown RiskLevel = iota
	RiskLevelLow
	RiskLevelMedium
	RiskLevelHigh
	RiskLevelCritical
)

var riskLevelNames = [...]string{
	RiskLevelUnknown:  "UNKNOWN",
	RiskLevelLow:      "LOW",
	RiskLevelMedium:   "MEDIUM",
	RiskLevelHigh:     "HIGH",
	RiskLevelCritical: "CRITICAL",
}

// riskLevelWeights 综合评分权重，按等级索引
var riskLevelWeights = [...]float64{
	RiskLevelUnknown:  0,
	RiskLevelLow:      1,
	RiskLevelMedium:   4,
	RiskLevelHigh:     7,
	RiskLevelCritical: 10,
}

func (l RiskLevel) valid() bool {
	return l >= RiskLevelUnknown && l <= RiskLevelCritical
}

func (l RiskLevel) String() string {
	if !l.valid() {
		return riskLevelNames[RiskLevelUnknown]
	}
	return riskLevelNames[l]
}

// Weight 等级对应的评分权重
func (l RiskLevel) Weight() float64 {
	if !l.valid() {
		return 0
	}
	return riskLevelWeights[l]
}

// MarshalText 以字符串形式序列化
func (l RiskLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText 从字符串解析
func (l *RiskLevel) UnmarshalText(text []byte) error {
	level, err := ParseRiskLevel(string(text))
	if err != nil {
		return err
	}
	*l = level
	return nil
}

// ParseRiskLevel 解析风险等级字符串
func ParseRiskLevel(s string) (RiskLevel, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for i, name := range riskLevelNames {
		if name == upper {
			return RiskLevel(i), nil
		}
	}
	return RiskLevelUnknown, fmt.Errorf("未知风险等级: %q", s)
}

// LiquidationRisk 清算风险评估结果
type LiquidationRisk struct {
	LiquidationPrice float64   `json:"liquidation_price"`
	CurrentPrice     float64   `json:"current_price"`
	DistancePct      float64   `json:"distance_pct"`
	RiskLevel        RiskLevel `json:"risk_level"`
}

// ProtectionThresholds 清算保护价位
type ProtectionThresholds struct {
	LiquidationPrice float64 `json:"liquidation_price"`
	EarlyWarning     float64 `json:"early_warning"`
	Emergency        float64 `json:"emergency"`
	Buffer           float64 `json:"buffer"`
}

// PositionMetrics 单个持仓的保证金指标快照
type PositionMetrics struct {
	PositionKey         string  `json:"position_key"`
	Symbol              string  `json:"symbol"`
	PositionValue       float64 `json:"position_value"`
	MarginRatio         float64 `json:"margin_ratio"`
	EffectiveLeverage   float64 `json:"effective_leverage"`
	CurrentLeverage     float64 `json:"current_leverage"`
	MaxPositionLeverage float64 `json:"max_position_leverage,omitempty"` // 0表示不限制
	UnrealizedPnl       float64 `json:"unrealized_pnl"`
	UnrealizedPnlPct    float64 `json:"unrealized_pnl_pct"`
	MaintenanceMargin   float64 `json:"maintenance_margin"`
	RequiredMargin      float64 `json:"required_margin"` // 恢复到危险线所需权益
	CurrentEquity       float64 `json:"current_equity"`
	LiquidationPrice    float64 `json:"liquidation_price"`
}

// RiskAssessment 单次风险评估报告，每个周期重新计算
type RiskAssessment struct {
	PositionKey            string    `json:"position_key"`
	Symbol                 string    `json:"symbol"`
	Liquidation            RiskLevel `json:"liquidation_risk"`
	Margin                 RiskLevel `json:"margin_risk"`
	Leverage               RiskLevel `json:"leverage_risk"`
	Volatility             RiskLevel `json:"volatility_risk"`
	Funding                RiskLevel `json:"funding_risk"`
	LiquidationDistancePct float64   `json:"liquidation_distance_pct"`
	LiquidationPrice       float64   `json:"liquidation_price"`
	MarginRatio            float64   `json:"margin_ratio"`
	EffectiveLeverage      float64   `json:"effective_leverage"`
	Score                  float64   `json:"score"`
	OverallLevel           RiskLevel `json:"overall_level"`
	RecommendedActions     []string  `json:"recommended_actions"`
	Emergency              bool      `json:"emergency"`
	Reason                 string    `json:"reason,omitempty"`
	Timestamp              time.Time `json:"timestamp"`
}

// Factors 五个子项风险等级
func (a *RiskAssessment) Factors() [5]RiskLevel {
	return [5]RiskLevel{a.Liquidation, a.Margin, a.Leverage, a.Volatility, a.Funding}
}

// MarginCallRecord 追加保证金记录
type MarginCallRecord struct {
	PositionKey              string    `json:"position_key"`
	Symbol                   string    `json:"symbol"`
	Severity                 RiskLevel `json:"severity"`
	MarginRatio              float64   `json:"margin_ratio"`
	AdditionalMarginRequired float64   `json:"additional_margin_required"`
	LiquidationPrice         float64   `json:"liquidation_price"`
	CurrentPrice             float64   `json:"current_price"`
	CreatedAt                time.Time `json:"created_at"`
}
