package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/life2you_mini/riskguard/internal/model"
)

const (
	defaultLeverageHistoryLimit  = 100
	defaultLeverageHistoryTrimTo = 50
)

// LeverageDecision 杠杆调整结果
type LeverageDecision struct {
	Accepted bool
	Leverage float64 // 调整后的杠杆；拒绝时为当前杠杆（限制在边界内）
	Reason   string
	Record   *model.LeverageChangeRecord
}

// LeverageOptimizer 杠杆优化器
type LeverageOptimizer struct {
	thresholds    RiskPolicyThresholds
	dispatcher    *Dispatcher
	logger        *zap.Logger
	historyLimit  int
	historyTrimTo int

	mu      sync.RWMutex
	current map[string]float64
	history []model.LeverageChangeRecord

	now func() time.Time
}

// NewLeverageOptimizer 创建杠杆优化器，dispatcher 可以为 nil
func NewLeverageOptimizer(th RiskPolicyThresholds, dispatcher *Dispatcher, logger *zap.Logger, historyLimit, historyTrimTo int) *LeverageOptimizer {
	if historyLimit <= 0 {
		historyLimit = defaultLeverageHistoryLimit
	}
	if historyTrimTo <= 0 || historyTrimTo > historyLimit {
		historyTrimTo = historyLimit / 2
	}
	return &LeverageOptimizer{
		thresholds:    th,
		dispatcher:    dispatcher,
		logger:        logger.With(zap.String("component", "leverage_optimizer")),
		historyLimit:  historyLimit,
		historyTrimTo: historyTrimTo,
		current:       make(map[string]float64),
		now:           time.Now,
	}
}

func (o *LeverageOptimizer) baseLeverage() float64 {
	if o.thresholds.BaseLeverage > 0 {
		return o.thresholds.BaseLeverage
	}
	return o.thresholds.MinLeverage
}

// CalculateOptimalLeverage 根据波动率、保证金率和盈亏计算建议杠杆
// volatility 为空时依次使用隐含波动率、24小时涨跌幅
func (o *LeverageOptimizer) CalculateOptimalLeverage(metrics model.PositionMetrics, market model.MarketData, volatility *float64) float64 {
	vol := math.Abs(market.PriceChange24h)
	switch {
	case volatility != nil:
		vol = *volatility
	case market.ImpliedVolatility != nil:
		vol = *market.ImpliedVolatility
	}

	adjustment := o.volatilityAdjustment(vol) +
		marginAdjustment(metrics.MarginRatio) +
		pnlAdjustment(metrics.UnrealizedPnlPct)

	target := o.baseLeverage() * (1 + adjustment)
	return o.clampAndRound(target, metrics.MaxPositionLeverage)
}

// volatilityAdjustment 高于阈值按超出比例惩罚（最多-50%），低于阈值给予最多+10%奖励
func (o *LeverageOptimizer) volatilityAdjustment(vol float64) float64 {
	threshold := o.thresholds.VolatilityThreshold
	if threshold <= 0 || math.IsNaN(vol) {
		return 0
	}
	ratio := vol / threshold
	if ratio > 1 {
		return math.Max(-0.5*(ratio-1), -0.5)
	}
	return 0.1 * (1 - ratio)
}

func marginAdjustment(marginRatio float64) float64 {
	switch {
	case marginRatio < 115:
		return -0.4
	case marginRatio < 130:
		return -0.2
	case marginRatio > 200:
		return 0.1
	default:
		return 0
	}
}

func pnlAdjustment(pnlPct float64) float64 {
	switch {
	case pnlPct < -10:
		return -0.3
	case pnlPct < -5:
		return -0.1
	case pnlPct > 10:
		return 0.1
	default:
		return 0
	}
}

// clampAndRound 限制在 [min, min(max, 持仓上限)] 内并向下取整到步长
func (o *LeverageOptimizer) clampAndRound(target, positionMax float64) float64 {
	lower := o.thresholds.MinLeverage
	upper := o.thresholds.MaxLeverage
	if positionMax > 0 && positionMax < upper {
		upper = positionMax
	}
	if upper < lower {
		upper = lower
	}
	if math.IsNaN(target) {
		target = lower
	}
	target = math.Min(math.Max(target, lower), upper)

	if step := o.thresholds.LeverageStep; step > 0 {
		d := decimal.NewFromFloat(step)
		target = decimal.NewFromFloat(target).Div(d).Floor().Mul(d).InexactFloat64()
	}
	if target < lower {
		target = lower
	}
	return target
}

// AdjustLeverage 尝试把持仓杠杆从 current 调整到 target
func (o *LeverageOptimizer) AdjustLeverage(positionKey string, current, target float64, metrics model.PositionMetrics, market model.MarketData, reason string) LeverageDecision {
	reject := func(why string) LeverageDecision {
		o.logger.Debug("拒绝杠杆调整",
			zap.String("position", positionKey),
			zap.Float64("current", current),
			zap.Float64("target", target),
			zap.String("reason", why))
		return LeverageDecision{
			Leverage: math.Min(math.Max(current, o.thresholds.MinLeverage), o.thresholds.MaxLeverage),
			Reason:   why,
		}
	}

	if target < o.thresholds.MinLeverage || target > o.thresholds.MaxLeverage || math.IsNaN(target) {
		return reject(fmt.Sprintf("目标杠杆 %.2f 超出范围 [%.2f, %.2f]", target, o.thresholds.MinLeverage, o.thresholds.MaxLeverage))
	}
	if target == current {
		return reject("杠杆未变化")
	}
	if target > current {
		if metrics.EffectiveLeverage > current*o.thresholds.LeverageRatioCritical {
			return reject(fmt.Sprintf("实际杠杆 %.2f 过高，禁止提高杠杆", metrics.EffectiveLeverage))
		}
		if metrics.MarginRatio < o.thresholds.WarningMarginRatio {
			return reject(fmt.Sprintf("保证金率 %.2f%% 低于警告线，禁止提高杠杆", metrics.MarginRatio))
		}
	}

	record := model.LeverageChangeRecord{
		PositionKey: positionKey,
		OldLeverage: current,
		NewLeverage: target,
		Reason:      reason,
		Metrics:     metrics,
		Market:      market,
		CreatedAt:   o.now(),
	}

	o.mu.Lock()
	o.current[positionKey] = target
	o.history = append(o.history, record)
	if len(o.history) > o.historyLimit {
		o.history = append([]model.LeverageChangeRecord(nil), o.history[len(o.history)-o.historyTrimTo:]...)
	}
	o.mu.Unlock()

	o.logger.Info("杠杆已调整",
		zap.String("position", positionKey),
		zap.Float64("old", current),
		zap.Float64("new", target),
		zap.String("reason", reason))

	o.dispatcher.NotifyLeverageChange(record)

	return LeverageDecision{
		Accepted: true,
		Leverage: target,
		Reason:   reason,
		Record:   &record,
	}
}

// CurrentLeverage 最近一次接受的杠杆，没有记录时返回 fallback
func (o *LeverageOptimizer) CurrentLeverage(positionKey string, fallback float64) float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if lev, ok := o.current[positionKey]; ok {
		return lev
	}
	return fallback
}

// Forget 清除持仓的杠杆记录
func (o *LeverageOptimizer) Forget(positionKey string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.current, positionKey)
}

// History 杠杆调整历史（副本）
func (o *LeverageOptimizer) History() []model.LeverageChangeRecord {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]model.LeverageChangeRecord(nil), o.history...)
}

// PositionSizeLimit 按风险容忍度计算最大持仓数量
// 数量 = 钱包余额 * 风险容忍度 * 杠杆 / 价格
func (o *LeverageOptimizer) PositionSizeLimit(leverage, walletBalance, price, riskTolerance float64) float64 {
	if leverage <= 0 || price <= 0 || walletBalance <= 0 {
		return 0
	}
	if riskTolerance <= 0 {
		riskTolerance = o.thresholds.RiskTolerance
	}
	return decimal.NewFromFloat(walletBalance).
		Mul(decimal.NewFromFloat(riskTolerance)).
		Mul(decimal.NewFromFloat(leverage)).
		Div(decimal.NewFromFloat(price)).
		InexactFloat64()
}
