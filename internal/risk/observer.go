package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/riskguard/internal/model"
)

const defaultCallbackTimeout = 10 * time.Second

// Observer 风控事件订阅方
type Observer interface {
	OnRiskAlert(ctx context.Context, assessment model.RiskAssessment, actions []model.Action) error
	OnLeverageChange(ctx context.Context, record model.LeverageChangeRecord) error
	OnMarginAlert(ctx context.Context, alert model.Alert) error
}

// ObserverFuncs 用函数组装 Observer，未设置的回调直接忽略
type ObserverFuncs struct {
	RiskAlert      func(ctx context.Context, assessment model.RiskAssessment, actions []model.Action) error
	LeverageChange func(ctx context.Context, record model.LeverageChangeRecord) error
	MarginAlert    func(ctx context.Context, alert model.Alert) error
}

func (f ObserverFuncs) OnRiskAlert(ctx context.Context, assessment model.RiskAssessment, actions []model.Action) error {
	if f.RiskAlert == nil {
		return nil
	}
	return f.RiskAlert(ctx, assessment, actions)
}

func (f ObserverFuncs) OnLeverageChange(ctx context.Context, record model.LeverageChangeRecord) error {
	if f.LeverageChange == nil {
		return nil
	}
	return f.LeverageChange(ctx, record)
}

func (f ObserverFuncs) OnMarginAlert(ctx context.Context, alert model.Alert) error {
	if f.MarginAlert == nil {
		return nil
	}
	return f.MarginAlert(ctx, alert)
}

// Dispatcher 把事件异步分发给所有订阅方
// 每个回调在独立协程中执行，panic 和错误只记录日志，不影响调用方
type Dispatcher struct {
	logger    *zap.Logger
	timeout   time.Duration
	mu        sync.RWMutex
	observers []Observer
	wg        sync.WaitGroup
}

// NewDispatcher 创建事件分发器
func NewDispatcher(logger *zap.Logger, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultCallbackTimeout
	}
	return &Dispatcher{
		logger:  logger.With(zap.String("component", "risk_dispatcher")),
		timeout: timeout,
	}
}

// Register 注册订阅方
func (d *Dispatcher) Register(observer Observer) {
	if observer == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, observer)
}

// NotifyRiskAlert 分发高风险评估
func (d *Dispatcher) NotifyRiskAlert(assessment model.RiskAssessment, actions []model.Action) {
	d.dispatch("risk_alert", func(ctx context.Context, o Observer) error {
		return o.OnRiskAlert(ctx, assessment, append([]model.Action(nil), actions...))
	})
}

// NotifyLeverageChange 分发杠杆变更
func (d *Dispatcher) NotifyLeverageChange(record model.LeverageChangeRecord) {
	d.dispatch("leverage_change", func(ctx context.Context, o Observer) error {
		return o.OnLeverageChange(ctx, record)
	})
}

// NotifyMarginAlert 分发新建的保证金告警
func (d *Dispatcher) NotifyMarginAlert(alert model.Alert) {
	d.dispatch("margin_alert", func(ctx context.Context, o Observer) error {
		return o.OnMarginAlert(ctx, alert)
	})
}

// Wait 等待已分发的回调全部结束
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

func (d *Dispatcher) dispatch(event string, call func(ctx context.Context, o Observer) error) {
	if d == nil {
		return
	}

	d.mu.RLock()
	observers := append([]Observer(nil), d.observers...)
	d.mu.RUnlock()

	for _, observer := range observers {
		d.wg.Add(1)
		go func(o Observer) {
			defer d.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("回调发生panic",
						zap.String("event", event),
						zap.String("panic", fmt.Sprint(r)))
				}
			}()

			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()

			if err := call(ctx, o); err != nil {
				d.logger.Warn("回调执行失败",
					zap.String("event", event),
					zap.Error(err))
			}
		}(observer)
	}
}
