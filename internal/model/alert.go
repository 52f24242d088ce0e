package model

import "time"

// AlertType 告警类型
type AlertType string

const (
	AlertWarning             AlertType = "warning"
	AlertDanger              AlertType = "danger"
	AlertCritical            AlertType = "critical"
	AlertMarginCall          AlertType = "margin_call"
	AlertLiquidationHigh     AlertType = "liquidation_high"
	AlertLiquidationCritical AlertType = "liquidation_critical"
	AlertStaleRisk           AlertType = "stale_risk"
)

// IsMarginTier 是否为保证金档位告警
func (t AlertType) IsMarginTier() bool {
	switch t {
	case AlertWarning, AlertDanger, AlertCritical, AlertMarginCall:
		return true
	}
	return false
}

// IsLiquidationTier 是否为清算档位告警
func (t AlertType) IsLiquidationTier() bool {
	return t == AlertLiquidationHigh || t == AlertLiquidationCritical
}

// Alert 保证金告警，除确认标记外不可变
type Alert struct {
	ID             string     `json:"id"`
	PositionKey    string     `json:"position_key"`
	Owner          string     `json:"owner,omitempty"`
	Symbol         string     `json:"symbol"`
	Type           AlertType  `json:"type"`
	MarginRatio    float64    `json:"margin_ratio"`
	Threshold      float64    `json:"threshold"`
	Message        string     `json:"message"`
	CreatedAt      time.Time  `json:"created_at"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

// LeverageChangeRecord 杠杆调整记录，只追加
type LeverageChangeRecord struct {
	PositionKey string          `json:"position_key"`
	OldLeverage float64         `json:"old_leverage"`
	NewLeverage float64         `json:"new_leverage"`
	Reason      string          `json:"reason"`
	Metrics     PositionMetrics `json:"metrics"`
	Market      MarketData      `json:"market"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ActionType 风控动作类型
type ActionType string

const (
	ActionEmergencyClose ActionType = "emergency_close"
	ActionReducePosition ActionType = "reduce_position"
	ActionWarning        ActionType = "warning"
	ActionMonitor        ActionType = "monitor"
)

// IsTrading 是否需要下单
func (t ActionType) IsTrading() bool {
	return t == ActionEmergencyClose || t == ActionReducePosition
}

// OrderSide 下单方向
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Action 交给外部下单方执行的风控动作
type Action struct {
	ID          string     `json:"id"`
	Type        ActionType `json:"type"`
	PositionKey string     `json:"position_key"`
	Symbol      string     `json:"symbol"`
	Side        OrderSide  `json:"side,omitempty"`
	Quantity    float64    `json:"quantity"`
	Reason      string     `json:"reason"`
	Timestamp   time.Time  `json:"timestamp"`
}
