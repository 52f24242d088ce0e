package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/life2you_mini/riskguard/internal/model"
)

func TestObserver_CountsEvents(t *testing.T) {
	observer := NewObserver()
	ctx := context.Background()

	alertsBefore := testutil.ToFloat64(MarginAlertsTotal.WithLabelValues(string(model.AlertWarning)))
	closeBefore := testutil.ToFloat64(ActionsTotal.WithLabelValues(string(model.ActionEmergencyClose)))
	leverageBefore := testutil.ToFloat64(LeverageChangesTotal)

	require.NoError(t, observer.OnMarginAlert(ctx, model.Alert{Type: model.AlertWarning}))
	require.NoError(t, observer.OnRiskAlert(ctx,
		model.RiskAssessment{OverallLevel: model.RiskLevelCritical},
		[]model.Action{{Type: model.ActionEmergencyClose}}))
	require.NoError(t, observer.OnLeverageChange(ctx, model.LeverageChangeRecord{}))

	assert.Equal(t, alertsBefore+1, testutil.ToFloat64(MarginAlertsTotal.WithLabelValues(string(model.AlertWarning))))
	assert.Equal(t, closeBefore+1, testutil.ToFloat64(ActionsTotal.WithLabelValues(string(model.ActionEmergencyClose))))
	assert.Equal(t, leverageBefore+1, testutil.ToFloat64(LeverageChangesTotal))
}

func TestObserveAssessment(t *testing.T) {
	ObserveAssessment(model.RiskAssessment{
		PositionKey:  "okx:BTCUSDT",
		Symbol:       "BTCUSDT",
		Score:        64,
		OverallLevel: model.RiskLevelHigh,
	})

	assert.Equal(t, 64.0, testutil.ToFloat64(RiskScore.WithLabelValues("okx:BTCUSDT", "BTCUSDT")))
	assert.Equal(t, 3.0, testutil.ToFloat64(RiskLevel.WithLabelValues("okx:BTCUSDT", "BTCUSDT")))

	ForgetPosition("okx:BTCUSDT", "BTCUSDT")
	assert.Zero(t, testutil.ToFloat64(RiskScore.WithLabelValues("okx:BTCUSDT", "BTCUSDT")))
}

func TestServer_Handler(t *testing.T) {
	server := NewServer(":0", zaptest.NewLogger(t))
	EvaluationsTotal.WithLabelValues(ResultOK).Inc()

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "riskguard_monitor_evaluations_total"))
}

func TestServer_StartStop(t *testing.T) {
	server := NewServer("127.0.0.1:0", zaptest.NewLogger(t))
	require.NoError(t, server.Start())
	assert.Error(t, server.Start())
	require.NoError(t, server.Stop(context.Background()))
	require.NoError(t, server.Stop(context.Background()))
}
