package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// 队列常量
const (
	QueueRiskActions = "queue:risk_actions"
)

// QueueService Redis队列服务，LPUSH 入队，消费方从队尾取出
type QueueService struct {
	client    *redis.Client
	keyPrefix string
}

// NewQueueService 创建新的队列服务
func NewQueueService(client *redis.Client, keyPrefix string) *QueueService {
	return &QueueService{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// 获取完整的队列名称
func (q *QueueService) getQueueKey(queue string) string {
	return fmt.Sprintf("%s%s", q.keyPrefix, queue)
}

// PushTask 将任务推送到队列
func (q *QueueService) PushTask(ctx context.Context, queue string, task interface{}) error {
	taskData, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("序列化任务失败: %w", err)
	}

	queueKey := q.getQueueKey(queue)
	if err := q.client.LPush(ctx, queueKey, taskData).Err(); err != nil {
		return fmt.Errorf("推送任务到队列 %s 失败: %w", queueKey, err)
	}
	return nil
}

// GetQueueLength 获取队列长度
func (q *QueueService) GetQueueLength(ctx context.Context, queue string) (int64, error) {
	queueKey := q.getQueueKey(queue)
	return q.client.LLen(ctx, queueKey).Result()
}
