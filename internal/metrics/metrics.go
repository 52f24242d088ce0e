package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "riskguard"

// 评估结果标签
const (
	ResultOK      = "ok"
	ResultFailed  = "failed"
	ResultPanic   = "panic"
	ResultSkipped = "skipped"
)

// EvaluationsTotal 持仓评估次数
var EvaluationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "evaluations_total",
		Help:      "Total number of position risk evaluations",
	},
	[]string{"result"},
)

// EvaluationDuration 单次评估耗时（秒），包含数据获取
var EvaluationDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "evaluation_duration_seconds",
		Help:      "Time spent evaluating a single position",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
)

// ActiveWorkers 正在监控的持仓数
var ActiveWorkers = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "active_workers",
		Help:      "Number of positions with a running monitor worker",
	},
)

// PendingActions 风控动作队列中待外部执行的数量
var PendingActions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "actions",
		Name:      "pending",
		Help:      "Risk actions waiting in the Redis queue",
	},
)

// RiskScore 最近一次综合风险评分
var RiskScore = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "score",
		Help:      "Latest composite risk score per position",
	},
	[]string{"position", "symbol"},
)

// RiskLevel 最近一次综合风险等级 (0=UNKNOWN ... 4=CRITICAL)
var RiskLevel = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "level",
		Help:      "Latest overall risk level per position",
	},
	[]string{"position", "symbol"},
)

// RiskAlertsTotal 高风险回调次数
var RiskAlertsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "alerts_total",
		Help:      "Total number of HIGH or CRITICAL risk notifications",
	},
	[]string{"level"},
)

// MarginAlertsTotal 新建保证金告警数
var MarginAlertsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "created_total",
		Help:      "Total number of margin alerts created",
	},
	[]string{"type"},
)

// ActionsTotal 风控动作数
var ActionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "actions_total",
		Help:      "Total number of risk control actions",
	},
	[]string{"type"},
)

// LeverageChangesTotal 已接受的杠杆调整次数
var LeverageChangesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "leverage",
		Name:      "changes_total",
		Help:      "Total number of accepted leverage changes",
	},
)

// ForgetPosition 持仓移除后清理其标签
func ForgetPosition(position, symbol string) {
	RiskScore.DeleteLabelValues(position, symbol)
	RiskLevel.DeleteLabelValues(position, symbol)
}
