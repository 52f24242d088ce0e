package risk

import (
	"github.com/life2you_mini/riskguard/internal/config"
)

// RiskPolicyThresholds 风控阈值，单次运行内不可变
type RiskPolicyThresholds struct {
	// 保证金率档位 (%)
	MarginCallRatio     float64
	CriticalMarginRatio float64
	DangerMarginRatio   float64
	WarningMarginRatio  float64

	// 清算距离档位 (%)
	LiquidationCriticalPct float64
	LiquidationHighPct     float64
	LiquidationMediumPct   float64

	// 清算保护价位偏移
	EarlyWarningOffset float64
	EmergencyOffset    float64
	BufferOffset       float64

	VolatilityHigh        float64
	VolatilityMedium      float64
	PriceChangeEscalation float64
	FundingRateHigh       float64
	FundingRateMedium     float64

	LeverageRatioCritical float64
	LeverageRatioHigh     float64
	LeverageRatioMedium   float64

	ReducePositionFraction float64

	// 杠杆边界
	MinLeverage         float64
	MaxLeverage         float64
	LeverageStep        float64
	BaseLeverage        float64
	VolatilityThreshold float64
	RiskTolerance       float64

	InitialMarginRate     float64
	MaintenanceMarginRate float64
	FeeRate               float64
}

// ThresholdsFromConfig 从应用配置构建阈值
func ThresholdsFromConfig(cfg *config.Config) RiskPolicyThresholds {
	return RiskPolicyThresholds{
		MarginCallRatio:        cfg.Risk.MarginCallRatio,
		CriticalMarginRatio:    cfg.Risk.CriticalMarginRatio,
		DangerMarginRatio:      cfg.Risk.DangerMarginRatio,
		WarningMarginRatio:     cfg.Risk.WarningMarginRatio,
		LiquidationCriticalPct: cfg.Risk.LiquidationCriticalPct,
		LiquidationHighPct:     cfg.Risk.LiquidationHighPct,
		LiquidationMediumPct:   cfg.Risk.LiquidationMediumPct,
		EarlyWarningOffset:     cfg.Risk.EarlyWarningOffset,
		EmergencyOffset:        cfg.Risk.EmergencyOffset,
		BufferOffset:           cfg.Risk.BufferOffset,
		VolatilityHigh:         cfg.Risk.VolatilityHigh,
		VolatilityMedium:       cfg.Risk.VolatilityMedium,
		PriceChangeEscalation:  cfg.Risk.PriceChangeEscalation,
		FundingRateHigh:        cfg.Risk.FundingRateHigh,
		FundingRateMedium:      cfg.Risk.FundingRateMedium,
		LeverageRatioCritical:  cfg.Risk.LeverageRatioCritical,
		LeverageRatioHigh:      cfg.Risk.LeverageRatioHigh,
		LeverageRatioMedium:    cfg.Risk.LeverageRatioMedium,
		ReducePositionFraction: cfg.Risk.ReducePositionFraction,
		MinLeverage:            cfg.Leverage.MinLeverage,
		MaxLeverage:            cfg.Leverage.MaxLeverage,
		LeverageStep:           cfg.Leverage.LeverageStep,
		BaseLeverage:           cfg.Leverage.BaseLeverage,
		VolatilityThreshold:    cfg.Leverage.VolatilityThreshold,
		RiskTolerance:          cfg.Leverage.RiskTolerance,
		InitialMarginRate:      cfg.Margin.InitialMarginRate,
		MaintenanceMarginRate:  cfg.Margin.MaintenanceMarginRate,
		FeeRate:                cfg.Margin.FeeRate,
	}
}

// DefaultThresholds 默认阈值
func DefaultThresholds() RiskPolicyThresholds {
	return ThresholdsFromConfig(config.GetDefaultConfig())
}
