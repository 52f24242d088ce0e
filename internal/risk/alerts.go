package risk

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/life2you_mini/riskguard/internal/model"
)

type alertKey struct {
	positionKey string
	kind        model.AlertType
}

// MarginAlertMonitor 保证金告警管理
// 同一持仓同一类型的未确认告警只保留一条，新建时才通知订阅方
type MarginAlertMonitor struct {
	thresholds  RiskPolicyThresholds
	liquidation *LiquidationRiskAssessor
	dispatcher  *Dispatcher
	logger      *zap.Logger

	mu     sync.RWMutex
	alerts map[string]*model.Alert
	active map[alertKey]string
	order  []string

	now func() time.Time
}

// NewMarginAlertMonitor 创建告警管理器，dispatcher 可以为 nil
func NewMarginAlertMonitor(th RiskPolicyThresholds, liquidation *LiquidationRiskAssessor, dispatcher *Dispatcher, logger *zap.Logger) *MarginAlertMonitor {
	if liquidation == nil {
		liquidation = NewLiquidationRiskAssessor(th)
	}
	return &MarginAlertMonitor{
		thresholds:  th,
		liquidation: liquidation,
		dispatcher:  dispatcher,
		logger:      logger.With(zap.String("component", "margin_alerts")),
		alerts:      make(map[string]*model.Alert),
		active:      make(map[alertKey]string),
		now:         time.Now,
	}
}

// CheckMarginConditions 检查保证金率和清算距离，返回当前触发的告警（新建或已存在）
// 保证金档位互斥，只取最严重的一档；清算档位可以同时触发
func (m *MarginAlertMonitor) CheckMarginConditions(position *model.Position, account model.AccountBalance, market model.MarketData) []model.Alert {
	if position == nil || position.IsEmpty() || market.CurrentPrice <= 0 {
		return nil
	}

	value := PositionValue(position, market.CurrentPrice)
	ratio := MarginRatio(account.WalletBalance, value, account.UnrealizedPnl)

	var triggered []model.Alert
	if kind, threshold, ok := m.marginTier(ratio); ok {
		msg := fmt.Sprintf("%s 保证金率 %.2f%% 低于 %.0f%%", position.Symbol, ratio, threshold)
		triggered = append(triggered, m.raise(position.Key(), position.Owner, position.Symbol, kind, ratio, threshold, msg))
	}

	liq := m.liquidation.Assess(position, market.CurrentPrice, account.WalletBalance)
	switch liq.RiskLevel {
	case model.RiskLevelCritical:
		msg := fmt.Sprintf("%s 距离清算价 %.2f 仅 %.2f%%", position.Symbol, liq.LiquidationPrice, liq.DistancePct)
		triggered = append(triggered, m.raise(position.Key(), position.Owner, position.Symbol,
			model.AlertLiquidationCritical, ratio, m.thresholds.LiquidationCriticalPct, msg))
	case model.RiskLevelHigh:
		msg := fmt.Sprintf("%s 距离清算价 %.2f 为 %.2f%%", position.Symbol, liq.LiquidationPrice, liq.DistancePct)
		triggered = append(triggered, m.raise(position.Key(), position.Owner, position.Symbol,
			model.AlertLiquidationHigh, ratio, m.thresholds.LiquidationHighPct, msg))
	}

	return triggered
}

func (m *MarginAlertMonitor) marginTier(ratio float64) (model.AlertType, float64, bool) {
	switch {
	case ratio <= m.thresholds.MarginCallRatio:
		return model.AlertMarginCall, m.thresholds.MarginCallRatio, true
	case ratio <= m.thresholds.CriticalMarginRatio:
		return model.AlertCritical, m.thresholds.CriticalMarginRatio, true
	case ratio <= m.thresholds.DangerMarginRatio:
		return model.AlertDanger, m.thresholds.DangerMarginRatio, true
	case ratio <= m.thresholds.WarningMarginRatio:
		return model.AlertWarning, m.thresholds.WarningMarginRatio, true
	default:
		return "", 0, false
	}
}

// RaiseStaleAlert 持仓连续评估失败时生成 stale_risk 告警
func (m *MarginAlertMonitor) RaiseStaleAlert(positionKey, owner, symbol string, failures int, cause error) model.Alert {
	msg := fmt.Sprintf("%s 连续 %d 次风险评估失败", symbol, failures)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return m.raise(positionKey, owner, symbol, model.AlertStaleRisk, 0, float64(failures), msg)
}

func (m *MarginAlertMonitor) raise(positionKey, owner, symbol string, kind model.AlertType, ratio, threshold float64, message string) model.Alert {
	key := alertKey{positionKey: positionKey, kind: kind}

	m.mu.Lock()
	if id, ok := m.active[key]; ok {
		if existing, ok := m.alerts[id]; ok {
			alert := *existing
			m.mu.Unlock()
			return alert
		}
	}

	alert := &model.Alert{
		ID:          uuid.NewString(),
		PositionKey: positionKey,
		Owner:       owner,
		Symbol:      symbol,
		Type:        kind,
		MarginRatio: ratio,
		Threshold:   threshold,
		Message:     message,
		CreatedAt:   m.now(),
	}
	m.alerts[alert.ID] = alert
	m.active[key] = alert.ID
	m.order = append(m.order, alert.ID)
	created := *alert
	m.mu.Unlock()

	m.logger.Warn("新建保证金告警",
		zap.String("id", created.ID),
		zap.String("position", positionKey),
		zap.String("type", string(kind)),
		zap.Float64("margin_ratio", ratio),
		zap.String("message", message))

	m.dispatcher.NotifyMarginAlert(created)
	return created
}

// GetActiveAlerts 未确认的告警，owner 为空时返回全部，按创建时间倒序
func (m *MarginAlertMonitor) GetActiveAlerts(owner string) []model.Alert {
	m.mu.RLock()
	var result []model.Alert
	for i := len(m.order) - 1; i >= 0; i-- {
		alert, ok := m.alerts[m.order[i]]
		if !ok || alert.Acknowledged {
			continue
		}
		if owner != "" && alert.Owner != owner {
			continue
		}
		result = append(result, *alert)
	}
	m.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

// AcknowledgeAlert 确认告警；已确认的告警不会再次激活
func (m *MarginAlertMonitor) AcknowledgeAlert(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[id]
	if !ok {
		return fmt.Errorf("确认告警 %s 失败: %w", id, ErrAlertNotFound)
	}
	if alert.Acknowledged {
		return nil
	}

	now := m.now()
	alert.Acknowledged = true
	alert.AcknowledgedAt = &now

	key := alertKey{positionKey: alert.PositionKey, kind: alert.Type}
	if m.active[key] == id {
		delete(m.active, key)
	}
	return nil
}

// ClearResolvedAlerts 清除创建时间早于 olderThan 的已确认告警，返回清除数量
func (m *MarginAlertMonitor) ClearResolvedAlerts(olderThan time.Duration) int {
	return m.purge(olderThan, true)
}

// ExpireAlerts 清除超过 ttl 仍未确认的告警，返回清除数量
func (m *MarginAlertMonitor) ExpireAlerts(ttl time.Duration) int {
	return m.purge(ttl, false)
}

func (m *MarginAlertMonitor) purge(age time.Duration, acknowledged bool) int {
	cutoff := m.now().Add(-age)

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.order[:0]
	removed := 0
	for _, id := range m.order {
		alert, ok := m.alerts[id]
		if !ok {
			continue
		}
		if alert.Acknowledged == acknowledged && alert.CreatedAt.Before(cutoff) {
			delete(m.alerts, id)
			key := alertKey{positionKey: alert.PositionKey, kind: alert.Type}
			if m.active[key] == id {
				delete(m.active, key)
			}
			removed++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept

	if removed > 0 {
		m.logger.Debug("清除告警",
			zap.Int("count", removed),
			zap.Bool("acknowledged", acknowledged))
	}
	return removed
}
