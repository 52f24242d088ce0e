package metrics

import (
	"context"

	"github.com/life2you_mini/riskguard/internal/model"
)

// Observer 把风控事件转换为指标
type Observer struct{}

// NewObserver 创建指标订阅方
func NewObserver() *Observer {
	return &Observer{}
}

func (o *Observer) OnRiskAlert(_ context.Context, assessment model.RiskAssessment, actions []model.Action) error {
	RiskAlertsTotal.WithLabelValues(assessment.OverallLevel.String()).Inc()
	for _, action := range actions {
		ActionsTotal.WithLabelValues(string(action.Type)).Inc()
	}
	return nil
}

func (o *Observer) OnLeverageChange(_ context.Context, _ model.LeverageChangeRecord) error {
	LeverageChangesTotal.Inc()
	return nil
}

func (o *Observer) OnMarginAlert(_ context.Context, alert model.Alert) error {
	MarginAlertsTotal.WithLabelValues(string(alert.Type)).Inc()
	return nil
}

// ObserveAssessment 记录最近一次评估
func ObserveAssessment(assessment model.RiskAssessment) {
	RiskScore.WithLabelValues(assessment.PositionKey, assessment.Symbol).Set(assessment.Score)
	RiskLevel.WithLabelValues(assessment.PositionKey, assessment.Symbol).Set(float64(assessment.OverallLevel))
}
