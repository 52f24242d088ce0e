package redis

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/life2you_mini/riskguard/internal/model"
)

// ActionQueue 把交易类风控动作写入Redis队列，由外部下单方消费
type ActionQueue struct {
	queue  *QueueService
	logger *zap.Logger
}

// NewActionQueue 创建风控动作队列
func NewActionQueue(queue *QueueService, logger *zap.Logger) *ActionQueue {
	return &ActionQueue{
		queue:  queue,
		logger: logger.With(zap.String("component", "action_queue")),
	}
}

// SubmitAction 提交风控动作
func (a *ActionQueue) SubmitAction(ctx context.Context, action model.Action) error {
	if !action.Type.IsTrading() {
		return fmt.Errorf("动作 %s 不需要下单", action.Type)
	}
	if err := a.queue.PushTask(ctx, QueueRiskActions, action); err != nil {
		return fmt.Errorf("提交风控动作失败: %w", err)
	}

	a.logger.Info("风控动作已入队",
		zap.String("id", action.ID),
		zap.String("type", string(action.Type)),
		zap.String("position", action.PositionKey),
		zap.String("side", string(action.Side)),
		zap.Float64("quantity", action.Quantity))
	return nil
}

// Pending 队列中等待处理的动作数
func (a *ActionQueue) Pending(ctx context.Context) (int64, error) {
	return a.queue.GetQueueLength(ctx, QueueRiskActions)
}
