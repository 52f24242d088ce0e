package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/life2you_mini/riskguard/internal/model"
	"github.com/life2you_mini/riskguard/internal/monitor"
)

// Redis 键常量，实际键名带统一前缀
const (
	// 快照
	keyPositionPrefix = "position:"
	keyActivePosition = "positions:active"
	keyMarketPrefix   = "market:"
	keyAccountPrefix  = "account:"

	// 评估结果
	keyAssessmentPrefix = "assessment:"
	keyAlerts           = "alerts"
	keyLeveragePrefix   = "leverage:history:"
	keyRiskEvents       = "risk:events"

	maxAlerts          = 1000
	maxRiskEvents      = 1000
	maxLeverageHistory = 100
	maxWatchRetries    = 3
)

// RiskEvent 风险事件，写入 risk:events 供报表读取
type RiskEvent struct {
	Assessment model.RiskAssessment `json:"assessment"`
	Actions    []model.Action       `json:"actions,omitempty"`
}

// RedisStore Redis快照存储实现
type RedisStore struct {
	client    *redis.Client
	prefix    string
	reportTTL time.Duration
	logger    *zap.Logger
}

// NewRedisStore 创建Redis快照存储
func NewRedisStore(client *redis.Client, prefix string, reportTTL time.Duration, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client:    client,
		prefix:    prefix,
		reportTTL: reportTTL,
		logger:    logger.With(zap.String("component", "redis_store")),
	}
}

func (s *RedisStore) key(parts ...string) string {
	key := s.prefix
	for _, p := range parts {
		key += p
	}
	return key
}

// Initialize 初始化Redis存储
func (s *RedisStore) Initialize(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.logger.Error("Redis连接失败", zap.Error(err))
		return fmt.Errorf("redis连接失败: %w", err)
	}

	s.logger.Info("Redis存储初始化成功", zap.String("prefix", s.prefix))
	return nil
}

// Close 关闭Redis连接
func (s *RedisStore) Close(ctx context.Context) error {
	if err := s.client.Close(); err != nil {
		s.logger.Error("关闭Redis连接失败", zap.Error(err))
		return fmt.Errorf("关闭Redis连接失败: %w", err)
	}

	s.logger.Info("Redis连接已关闭")
	return nil
}

// Health 检查Redis健康状态
func (s *RedisStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// SavePosition 保存持仓快照，数量为0的持仓从活跃集合移除
func (s *RedisStore) SavePosition(ctx context.Context, position *model.Position) error {
	if position == nil {
		return errors.New("持仓不能为空")
	}
	data, err := json.Marshal(position)
	if err != nil {
		return fmt.Errorf("序列化持仓失败: %w", err)
	}

	key := position.Key()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(keyPositionPrefix, key), data, 0)
	if position.IsEmpty() {
		pipe.SRem(ctx, s.key(keyActivePosition), key)
	} else {
		pipe.SAdd(ctx, s.key(keyActivePosition), key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("保存持仓 %s 失败: %w", key, err)
	}
	return nil
}

// RemovePosition 删除持仓快照
func (s *RedisStore) RemovePosition(ctx context.Context, key string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(keyPositionPrefix, key))
	pipe.SRem(ctx, s.key(keyActivePosition), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("删除持仓 %s 失败: %w", key, err)
	}
	return nil
}

// GetPosition 读取持仓快照
func (s *RedisStore) GetPosition(ctx context.Context, key string) (*model.Position, error) {
	data, err := s.client.Get(ctx, s.key(keyPositionPrefix, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", monitor.ErrPositionNotFound, key)
		}
		return nil, fmt.Errorf("读取持仓 %s 失败: %w", key, err)
	}

	var position model.Position
	if err := json.Unmarshal(data, &position); err != nil {
		return nil, fmt.Errorf("解析持仓 %s 失败: %w", key, err)
	}
	return &position, nil
}

// ListPositionKeys 活跃持仓列表，按键排序
func (s *RedisStore) ListPositionKeys(ctx context.Context) ([]string, error) {
	keys, err := s.client.SMembers(ctx, s.key(keyActivePosition)).Result()
	if err != nil {
		return nil, fmt.Errorf("读取活跃持仓失败: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// SetLiquidationPrice 回写清算价格，nil 表示清除
// 使用 WATCH 保证不会覆盖外部同时写入的持仓字段
func (s *RedisStore) SetLiquidationPrice(ctx context.Context, key string, price *float64) error {
	redisKey := s.key(keyPositionPrefix, key)

	update := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, redisKey).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", monitor.ErrPositionNotFound, key)
			}
			return err
		}

		var position model.Position
		if err := json.Unmarshal(data, &position); err != nil {
			return fmt.Errorf("解析持仓 %s 失败: %w", key, err)
		}
		position.LiquidationPrice = price

		updated, err := json.Marshal(&position)
		if err != nil {
			return fmt.Errorf("序列化持仓失败: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, updated, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, update, redisKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, monitor.ErrPositionNotFound) {
			return err
		}
		return fmt.Errorf("回写清算价格失败: %w", err)
	}
	return fmt.Errorf("回写清算价格失败: 持仓 %s 并发修改，重试 %d 次", key, maxWatchRetries)
}

// SaveMarketData 保存行情快照
func (s *RedisStore) SaveMarketData(ctx context.Context, data model.MarketData) error {
	if data.Symbol == "" {
		return errors.New("行情交易对不能为空")
	}
	return s.setJSON(ctx, s.key(keyMarketPrefix, data.Symbol), data, 0)
}

// GetMarketData 读取行情快照
func (s *RedisStore) GetMarketData(ctx context.Context, symbol string) (model.MarketData, error) {
	var data model.MarketData
	if err := s.getJSON(ctx, s.key(keyMarketPrefix, symbol), &data); err != nil {
		return model.MarketData{}, fmt.Errorf("读取行情 %s 失败: %w", symbol, err)
	}
	return data, nil
}

// SaveAccountBalance 保存账户余额快照
func (s *RedisStore) SaveAccountBalance(ctx context.Context, account string, balance model.AccountBalance) error {
	return s.setJSON(ctx, s.key(keyAccountPrefix, account), balance, 0)
}

// GetAccountBalance 读取账户余额快照
func (s *RedisStore) GetAccountBalance(ctx context.Context, account string) (model.AccountBalance, error) {
	var balance model.AccountBalance
	if err := s.getJSON(ctx, s.key(keyAccountPrefix, account), &balance); err != nil {
		return model.AccountBalance{}, fmt.Errorf("读取账户 %s 余额失败: %w", account, err)
	}
	return balance, nil
}

// SaveAssessment 保存最新风险评估，带过期时间
func (s *RedisStore) SaveAssessment(ctx context.Context, assessment model.RiskAssessment) error {
	if assessment.PositionKey == "" {
		return errors.New("评估结果缺少持仓键")
	}
	return s.setJSON(ctx, s.key(keyAssessmentPrefix, assessment.PositionKey), assessment, s.reportTTL)
}

// GetAssessment 读取最新风险评估，不存在时返回 nil
func (s *RedisStore) GetAssessment(ctx context.Context, key string) (*model.RiskAssessment, error) {
	var assessment model.RiskAssessment
	if err := s.getJSON(ctx, s.key(keyAssessmentPrefix, key), &assessment); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取风险评估 %s 失败: %w", key, err)
	}
	return &assessment, nil
}

// OnRiskAlert 记录高风险评估及对应动作
func (s *RedisStore) OnRiskAlert(ctx context.Context, assessment model.RiskAssessment, actions []model.Action) error {
	if err := s.SaveAssessment(ctx, assessment); err != nil {
		return err
	}
	return s.pushCapped(ctx, s.key(keyRiskEvents), RiskEvent{Assessment: assessment, Actions: actions}, maxRiskEvents)
}

// OnMarginAlert 记录保证金告警
func (s *RedisStore) OnMarginAlert(ctx context.Context, alert model.Alert) error {
	return s.pushCapped(ctx, s.key(keyAlerts), alert, maxAlerts)
}

// OnLeverageChange 记录杠杆调整
func (s *RedisStore) OnLeverageChange(ctx context.Context, record model.LeverageChangeRecord) error {
	return s.pushCapped(ctx, s.key(keyLeveragePrefix, record.PositionKey), record, maxLeverageHistory)
}

// RecentAlerts 最近的告警，最新在前
func (s *RedisStore) RecentAlerts(ctx context.Context, limit int) ([]model.Alert, error) {
	items, err := s.readList(ctx, s.key(keyAlerts), limit)
	if err != nil {
		return nil, fmt.Errorf("读取告警列表失败: %w", err)
	}

	alerts := make([]model.Alert, 0, len(items))
	for _, item := range items {
		var alert model.Alert
		if err := json.Unmarshal([]byte(item), &alert); err != nil {
			s.logger.Warn("解析告警失败", zap.Error(err), zap.String("data", item))
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// LeverageHistory 持仓杠杆调整历史，最新在前
func (s *RedisStore) LeverageHistory(ctx context.Context, key string, limit int) ([]model.LeverageChangeRecord, error) {
	items, err := s.readList(ctx, s.key(keyLeveragePrefix, key), limit)
	if err != nil {
		return nil, fmt.Errorf("读取杠杆历史失败: %w", err)
	}

	records := make([]model.LeverageChangeRecord, 0, len(items))
	for _, item := range items {
		var record model.LeverageChangeRecord
		if err := json.Unmarshal([]byte(item), &record); err != nil {
			s.logger.Warn("解析杠杆记录失败", zap.Error(err), zap.String("data", item))
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *RedisStore) setJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化数据失败: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("写入 %s 失败: %w", key, err)
	}
	return nil
}

func (s *RedisStore) getJSON(ctx context.Context, key string, value interface{}) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, value)
}

func (s *RedisStore) pushCapped(ctx context.Context, key string, value interface{}, limit int64) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化数据失败: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, limit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("写入 %s 失败: %w", key, err)
	}
	return nil
}

func (s *RedisStore) readList(ctx context.Context, key string, limit int) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	return s.client.LRange(ctx, key, 0, stop).Result()
}
