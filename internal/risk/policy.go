package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/life2you_mini/riskguard/internal/model"
)

const (
	defaultAssessmentHistory = 100
	marginCallHistoryLimit   = 50
	marginCallHistoryTrimTo  = 25
)

// 建议动作
const (
	RecommendClosePosition      = "close_position"
	RecommendReduceLeverage     = "reduce_leverage"
	RecommendAddMargin          = "add_margin"
	RecommendReducePosition     = "reduce_position"
	RecommendMonitor            = "monitor"
	RecommendPrepareFunds       = "prepare_funds"
	RecommendMonitorClosely     = "monitor_closely"
	RecommendContinueMonitoring = "continue_monitoring"
)

// OrderExecutor 外部下单执行方，只接收交易类动作
type OrderExecutor interface {
	SubmitAction(ctx context.Context, action model.Action) error
}

// RiskPolicyEngine 综合风险评估与风控动作
type RiskPolicyEngine struct {
	thresholds  RiskPolicyThresholds
	calc        MarginCalculator
	liquidation *LiquidationRiskAssessor
	executor    OrderExecutor
	logger      *zap.Logger

	historyLimit int
	mu           sync.RWMutex
	assessments  []model.RiskAssessment
	marginCalls  []model.MarginCallRecord

	now func() time.Time
}

// NewRiskPolicyEngine 创建风控策略引擎，executor 可以为 nil（只评估不下单）
func NewRiskPolicyEngine(th RiskPolicyThresholds, liquidation *LiquidationRiskAssessor, executor OrderExecutor, logger *zap.Logger, historyLimit int) *RiskPolicyEngine {
	if liquidation == nil {
		liquidation = NewLiquidationRiskAssessor(th)
	}
	if historyLimit <= 0 {
		historyLimit = defaultAssessmentHistory
	}
	return &RiskPolicyEngine{
		thresholds:   th,
		calc:         NewMarginCalculator(th),
		liquidation:  liquidation,
		executor:     executor,
		logger:       logger.With(zap.String("component", "risk_policy")),
		historyLimit: historyLimit,
		now:          time.Now,
	}
}

// Liquidation 清算风险评估器
func (e *RiskPolicyEngine) Liquidation() *LiquidationRiskAssessor {
	return e.liquidation
}

// BuildPositionMetrics 计算持仓的保证金指标
// 权益 = 钱包余额 + 该持仓未实现盈亏；实际投入保证金优先使用持仓占用保证金
func (e *RiskPolicyEngine) BuildPositionMetrics(position *model.Position, market model.MarketData, walletBalance float64) model.PositionMetrics {
	price := market.CurrentPrice
	value := PositionValue(position, price)
	upnl := UnrealizedPnl(position, price)
	equity := walletBalance + upnl

	metrics := model.PositionMetrics{
		PositionKey:     position.Key(),
		Symbol:          position.Symbol,
		PositionValue:   value,
		MarginRatio:     MarginRatio(walletBalance, value, upnl),
		CurrentLeverage: position.Leverage,
		UnrealizedPnl:   upnl,
		CurrentEquity:   equity,
	}

	posted := equity
	if position.MarginUsed > 0 {
		posted = position.MarginUsed + upnl
	}
	if lev, ok := EffectiveLeverage(value, posted); ok {
		metrics.EffectiveLeverage = lev
	}

	base := position.MarginUsed
	if base <= 0 {
		base = position.AbsQuantity() * position.Multiplier() * position.EntryPrice
	}
	if base > 0 {
		metrics.UnrealizedPnlPct = upnl / base * 100
	}

	if mm, err := e.calc.MaintenanceMargin(value, position.Leverage, position.Contract()); err == nil {
		metrics.MaintenanceMargin = mm
	}
	metrics.RequiredMargin = decimal.NewFromFloat(value).
		Mul(decimal.NewFromFloat(e.thresholds.DangerMarginRatio)).
		Div(decimal.NewFromInt(100)).
		InexactFloat64()

	if position.LiquidationPrice != nil {
		metrics.LiquidationPrice = *position.LiquidationPrice
	} else if liq, ok := e.calc.PositionLiquidationPrice(position, walletBalance); ok {
		metrics.LiquidationPrice = liq
	}
	return metrics
}

// AssessPositionRisk 计算五个子项风险并汇总为综合评分
func (e *RiskPolicyEngine) AssessPositionRisk(position *model.Position, market model.MarketData, walletBalance, availableBalance float64) (model.RiskAssessment, error) {
	if position == nil {
		return model.RiskAssessment{}, newValidationError("position", 0, "持仓为空")
	}

	assessment := model.RiskAssessment{
		PositionKey: position.Key(),
		Symbol:      position.Symbol,
		Timestamp:   e.now(),
	}

	if position.IsEmpty() {
		assessment.Liquidation = model.RiskLevelUnknown
		assessment.Margin = model.RiskLevelLow
		assessment.Leverage = model.RiskLevelLow
		assessment.Volatility = model.RiskLevelLow
		assessment.Funding = model.RiskLevelLow
		assessment.Score = CompositeScore(assessment.Factors())
		assessment.OverallLevel = e.levelForScore(assessment.Score)
		assessment.RecommendedActions = recommendedActions(model.RiskLevelLow)
		assessment.Reason = "无持仓"
		e.record(assessment)
		return assessment, nil
	}

	if market.CurrentPrice <= 0 || math.IsNaN(market.CurrentPrice) {
		return assessment, newValidationError("current_price", market.CurrentPrice, "价格必须大于0")
	}
	if position.Leverage <= 0 {
		return assessment, newValidationError("leverage", position.Leverage, "杠杆必须大于0")
	}

	metrics := e.BuildPositionMetrics(position, market, walletBalance)
	liqRisk := e.liquidation.Assess(position, market.CurrentPrice, walletBalance)

	posted := metrics.CurrentEquity
	if position.MarginUsed > 0 {
		posted = position.MarginUsed + metrics.UnrealizedPnl
	}

	assessment.Liquidation = liqRisk.RiskLevel
	assessment.Margin = e.assessMargin(metrics.MarginRatio)
	assessment.Leverage = e.assessLeverage(metrics.EffectiveLeverage, position.Leverage, posted > 0)
	assessment.Volatility = e.assessVolatility(market)
	assessment.Funding = e.assessFunding(market.FundingRate)
	assessment.LiquidationDistancePct = liqRisk.DistancePct
	assessment.LiquidationPrice = liqRisk.LiquidationPrice
	assessment.MarginRatio = metrics.MarginRatio
	assessment.EffectiveLeverage = metrics.EffectiveLeverage
	assessment.Score = CompositeScore(assessment.Factors())
	assessment.OverallLevel = e.levelForScore(assessment.Score)
	assessment.Emergency = e.liquidation.IsEmergencyLiquidationNeeded(liqRisk, metrics.MarginRatio)
	assessment.RecommendedActions = recommendedActions(assessment.OverallLevel)

	if availableBalance <= 0 && assessment.OverallLevel >= model.RiskLevelHigh {
		assessment.Reason = "可用余额不足，无法追加保证金"
	}

	e.record(assessment)
	return assessment, nil
}

func (e *RiskPolicyEngine) assessMargin(ratio float64) model.RiskLevel {
	switch {
	case ratio <= e.thresholds.CriticalMarginRatio:
		return model.RiskLevelCritical
	case ratio <= e.thresholds.DangerMarginRatio:
		return model.RiskLevelHigh
	case ratio <= e.thresholds.WarningMarginRatio:
		return model.RiskLevelMedium
	default:
		return model.RiskLevelLow
	}
}

// assessLeverage 实际杠杆与配置杠杆之比；实际投入保证金非正视为 CRITICAL
func (e *RiskPolicyEngine) assessLeverage(effective, configured float64, postedPositive bool) model.RiskLevel {
	if !postedPositive {
		return model.RiskLevelCritical
	}
	if configured <= 0 {
		return model.RiskLevelUnknown
	}

	ratio := effective / configured
	switch {
	case ratio > e.thresholds.LeverageRatioCritical:
		return model.RiskLevelCritical
	case ratio > e.thresholds.LeverageRatioHigh:
		return model.RiskLevelHigh
	case ratio > e.thresholds.LeverageRatioMedium:
		return model.RiskLevelMedium
	default:
		return model.RiskLevelLow
	}
}

// assessVolatility 无隐含波动率时为 LOW；24小时涨跌幅过大时至少为 MEDIUM
func (e *RiskPolicyEngine) assessVolatility(market model.MarketData) model.RiskLevel {
	level := model.RiskLevelLow
	if iv := market.ImpliedVolatility; iv != nil {
		switch {
		case *iv > e.thresholds.VolatilityHigh:
			level = model.RiskLevelHigh
		case *iv > e.thresholds.VolatilityMedium:
			level = model.RiskLevelMedium
		}
	}
	if level == model.RiskLevelLow && math.Abs(market.PriceChange24h) > e.thresholds.PriceChangeEscalation {
		level = model.RiskLevelMedium
	}
	return level
}

func (e *RiskPolicyEngine) assessFunding(rate float64) model.RiskLevel {
	abs := math.Abs(rate)
	switch {
	case abs > e.thresholds.FundingRateHigh:
		return model.RiskLevelHigh
	case abs > e.thresholds.FundingRateMedium:
		return model.RiskLevelMedium
	default:
		return model.RiskLevelLow
	}
}

// CompositeScore 综合评分 = 子项权重均值 * 10，范围 [0, 100]
func CompositeScore(levels [5]model.RiskLevel) float64 {
	var sum float64
	for _, level := range levels {
		sum += level.Weight()
	}
	score := sum / float64(len(levels)) * 10
	return math.Min(math.Max(score, 0), 100)
}

func (e *RiskPolicyEngine) levelForScore(score float64) model.RiskLevel {
	switch {
	case score >= 80:
		return model.RiskLevelCritical
	case score >= 50:
		return model.RiskLevelHigh
	case score >= 30:
		return model.RiskLevelMedium
	default:
		return model.RiskLevelLow
	}
}

func recommendedActions(level model.RiskLevel) []string {
	switch level {
	case model.RiskLevelCritical:
		return []string{RecommendClosePosition, RecommendReduceLeverage, RecommendAddMargin}
	case model.RiskLevelHigh:
		return []string{RecommendReducePosition, RecommendMonitor, RecommendPrepareFunds}
	case model.RiskLevelMedium:
		return []string{RecommendMonitorClosely}
	default:
		return []string{RecommendContinueMonitoring}
	}
}

// EscalateEmergency 紧急情况下把评估结果提升为 CRITICAL
func EscalateEmergency(assessment model.RiskAssessment) model.RiskAssessment {
	assessment.Emergency = true
	assessment.OverallLevel = model.RiskLevelCritical
	assessment.RecommendedActions = recommendedActions(model.RiskLevelCritical)
	if assessment.Reason == "" {
		assessment.Reason = "清算风险极高或保证金率低于危险线"
	}
	return assessment
}

// PlanRiskControls 根据综合等级生成风控动作，不执行
// CRITICAL 全部平仓，HIGH 按比例减仓，MEDIUM 只记录警告
func (e *RiskPolicyEngine) PlanRiskControls(assessment model.RiskAssessment, positions []*model.Position) []model.Action {
	now := e.now()
	var actions []model.Action

	for _, position := range positions {
		if position == nil || position.IsEmpty() {
			continue
		}

		action := model.Action{
			ID:          uuid.NewString(),
			PositionKey: position.Key(),
			Symbol:      position.Symbol,
			Side:        closingSide(position),
			Timestamp:   now,
		}

		switch assessment.OverallLevel {
		case model.RiskLevelCritical:
			action.Type = model.ActionEmergencyClose
			action.Quantity = position.AbsQuantity()
			action.Reason = fmt.Sprintf("风险等级 CRITICAL (评分 %.1f)，紧急平仓", assessment.Score)
		case model.RiskLevelHigh:
			action.Type = model.ActionReducePosition
			action.Quantity = decimal.NewFromFloat(position.AbsQuantity()).
				Mul(decimal.NewFromFloat(e.thresholds.ReducePositionFraction)).
				InexactFloat64()
			action.Reason = fmt.Sprintf("风险等级 HIGH (评分 %.1f)，减仓 %.0f%%", assessment.Score, e.thresholds.ReducePositionFraction*100)
		case model.RiskLevelMedium:
			action.Type = model.ActionWarning
			action.Side = ""
			action.Reason = fmt.Sprintf("风险等级 MEDIUM (评分 %.1f)，密切关注", assessment.Score)
		default:
			continue
		}
		actions = append(actions, action)
	}
	return actions
}

// closingSide 平仓即开出反向头寸
func closingSide(position *model.Position) model.OrderSide {
	if position.Direction().Opposite() == model.SideLong {
		return model.OrderSideBuy
	}
	return model.OrderSideSell
}

// ExecuteRiskControls 生成风控动作并把交易类动作交给下单执行方
// 返回全部动作；下单失败的错误合并返回
func (e *RiskPolicyEngine) ExecuteRiskControls(ctx context.Context, assessment model.RiskAssessment, positions []*model.Position, market model.MarketData) ([]model.Action, error) {
	actions := e.PlanRiskControls(assessment, positions)

	var errs error
	for _, action := range actions {
		fields := []zap.Field{
			zap.String("action", string(action.Type)),
			zap.String("position", action.PositionKey),
			zap.String("symbol", action.Symbol),
			zap.Float64("quantity", action.Quantity),
			zap.Float64("price", market.CurrentPrice),
		}

		if !action.Type.IsTrading() {
			e.logger.Warn("风险警告", append(fields, zap.String("reason", action.Reason))...)
			continue
		}

		e.logger.Warn("执行风控动作", fields...)
		if e.executor == nil {
			errs = multierr.Append(errs, fmt.Errorf("提交风控动作 %s 失败: %w", action.ID, ErrExecutorNotConfigured))
			continue
		}
		if err := e.executor.SubmitAction(ctx, action); err != nil {
			e.logger.Error("提交风控动作失败", append(fields, zap.Error(err))...)
			errs = multierr.Append(errs, fmt.Errorf("提交风控动作 %s 失败: %w", action.ID, err))
		}
	}
	return actions, errs
}

// CheckMarginCallConditions 保证金率低于危险线且权益不足时生成追保记录
func (e *RiskPolicyEngine) CheckMarginCallConditions(metrics model.PositionMetrics, market model.MarketData) *model.MarginCallRecord {
	if metrics.PositionValue <= 0 || metrics.MarginRatio >= e.thresholds.DangerMarginRatio {
		return nil
	}

	additional := decimal.NewFromFloat(metrics.RequiredMargin).Sub(decimal.NewFromFloat(metrics.CurrentEquity))
	if !additional.GreaterThan(decimal.Zero) {
		return nil
	}

	severity := model.RiskLevelHigh
	if metrics.MarginRatio < e.thresholds.CriticalMarginRatio {
		severity = model.RiskLevelCritical
	}

	record := model.MarginCallRecord{
		PositionKey:              metrics.PositionKey,
		Symbol:                   metrics.Symbol,
		Severity:                 severity,
		MarginRatio:              metrics.MarginRatio,
		AdditionalMarginRequired: additional.InexactFloat64(),
		LiquidationPrice:         metrics.LiquidationPrice,
		CurrentPrice:             market.CurrentPrice,
		CreatedAt:                e.now(),
	}

	e.mu.Lock()
	e.marginCalls = append(e.marginCalls, record)
	if len(e.marginCalls) > marginCallHistoryLimit {
		e.marginCalls = append([]model.MarginCallRecord(nil), e.marginCalls[len(e.marginCalls)-marginCallHistoryTrimTo:]...)
	}
	e.mu.Unlock()

	e.logger.Warn("需要追加保证金",
		zap.String("position", record.PositionKey),
		zap.String("severity", severity.String()),
		zap.Float64("margin_ratio", record.MarginRatio),
		zap.Float64("additional_margin", record.AdditionalMarginRequired))

	return &record
}

func (e *RiskPolicyEngine) record(assessment model.RiskAssessment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.assessments = append(e.assessments, assessment)
	if over := len(e.assessments) - e.historyLimit; over > 0 {
		e.assessments = append([]model.RiskAssessment(nil), e.assessments[over:]...)
	}
}

// History 最近的评估记录（副本）
func (e *RiskPolicyEngine) History() []model.RiskAssessment {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]model.RiskAssessment(nil), e.assessments...)
}

// MarginCallHistory 追保记录（副本）
func (e *RiskPolicyEngine) MarginCallHistory() []model.MarginCallRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]model.MarginCallRecord(nil), e.marginCalls...)
}
