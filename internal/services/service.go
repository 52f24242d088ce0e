package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/life2you_mini/riskguard/internal/config"
	"github.com/life2you_mini/riskguard/internal/metrics"
	"github.com/life2you_mini/riskguard/internal/monitor"
	_redisClient "github.com/life2you_mini/riskguard/internal/redis"
	"github.com/life2you_mini/riskguard/internal/risk"
	"github.com/life2you_mini/riskguard/internal/storage"
)

// ErrInstanceLocked 已有其他实例在运行
var ErrInstanceLocked = errors.New("已有其他风控实例在运行")

const (
	lockKey         = "lock:instance"
	lockTTL         = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// RiskGuardService 风控服务，组装并管理各组件的生命周期
type RiskGuardService struct {
	cfg        *config.Config
	logger     *zap.Logger
	instanceID string

	client        *redis.Client
	store         *storage.RedisStore
	actions       *_redisClient.ActionQueue
	dispatcher    *risk.Dispatcher
	policy        *risk.RiskPolicyEngine
	alerts        *risk.MarginAlertMonitor
	leverage      *risk.LeverageOptimizer
	monitor       *monitor.PositionRiskMonitorService
	metricsServer *metrics.Server
	lock          *_redisClient.Lock

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRiskGuardService 连接Redis并创建风控服务
func NewRiskGuardService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*RiskGuardService, error) {
	client, err := _redisClient.NewRedisClient(ctx, _redisClient.ClientOptionsFromConfig(cfg.Redis))
	if err != nil {
		return nil, fmt.Errorf("初始化Redis客户端失败: %w", err)
	}
	return newRiskGuardService(client, cfg, logger), nil
}

func newRiskGuardService(client *redis.Client, cfg *config.Config, logger *zap.Logger) *RiskGuardService {
	instanceID := uuid.NewString()
	logger = logger.With(zap.String("instance", instanceID))

	store := storage.NewRedisStore(client, cfg.Redis.KeyPrefix, time.Duration(cfg.Redis.ReportTTL)*time.Minute, logger)
	actions := _redisClient.NewActionQueue(_redisClient.NewQueueService(client, cfg.Redis.KeyPrefix), logger)

	dispatcher := risk.NewDispatcher(logger, 0)
	dispatcher.Register(store)
	dispatcher.Register(metrics.NewObserver())

	thresholds := risk.ThresholdsFromConfig(cfg)
	liquidation := risk.NewLiquidationRiskAssessor(thresholds)
	policy := risk.NewRiskPolicyEngine(thresholds, liquidation, actions, logger, cfg.Monitoring.AssessmentHistory)
	alerts := risk.NewMarginAlertMonitor(thresholds, liquidation, dispatcher, logger)
	leverage := risk.NewLeverageOptimizer(thresholds, dispatcher, logger, cfg.Leverage.HistoryLimit, cfg.Leverage.HistoryTrimTo)

	positionMonitor := monitor.NewPositionRiskMonitorService(monitor.Dependencies{
		Positions:         store,
		Market:            store,
		Accounts:          store,
		LiquidationWriter: store,
		Policy:            policy,
		Alerts:            alerts,
		Leverage:          leverage,
		Dispatcher:        dispatcher,
		Calculator:        risk.NewMarginCalculator(thresholds),
	}, monitor.OptionsFromConfig(cfg.Monitoring), logger)

	s := &RiskGuardService{
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "riskguard")),
		instanceID: instanceID,
		client:     client,
		store:      store,
		actions:    actions,
		dispatcher: dispatcher,
		policy:     policy,
		alerts:     alerts,
		leverage:   leverage,
		monitor:    positionMonitor,
		lock:       _redisClient.NewLock(client, cfg.Redis.KeyPrefix+lockKey, instanceID, lockTTL),
	}
	if cfg.Metrics.Enabled {
		s.metricsServer = metrics.NewServer(cfg.Metrics.ListenAddr, logger)
	}
	return s
}

// Store 快照存储
func (s *RiskGuardService) Store() storage.Store {
	return s.store
}

// Monitor 持仓监控服务
func (s *RiskGuardService) Monitor() *monitor.PositionRiskMonitorService {
	return s.monitor
}

// Alerts 告警管理
func (s *RiskGuardService) Alerts() *risk.MarginAlertMonitor {
	return s.alerts
}

// Actions 风控动作队列
func (s *RiskGuardService) Actions() *_redisClient.ActionQueue {
	return s.actions
}

// Start 启动服务，同一个Redis上只允许一个实例运行
func (s *RiskGuardService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return monitor.ErrAlreadyRunning
	}

	if err := s.store.Initialize(ctx); err != nil {
		return err
	}

	acquired, err := s.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrInstanceLocked
	}

	s.logger.Info("启动风控服务")
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if s.metricsServer != nil {
		if err := s.metricsServer.Start(); err != nil {
			s.abortStart(ctx)
			return err
		}
	}

	if err := s.monitor.StartGlobalMonitoring(0); err != nil {
		s.abortStart(ctx)
		return fmt.Errorf("启动持仓监控失败: %w", err)
	}

	s.wg.Add(2)
	go s.keepLock(s.ctx)
	go s.consumeResults(s.ctx)

	s.running = true
	return nil
}

func (s *RiskGuardService) abortStart(ctx context.Context) {
	s.cancel()
	if s.metricsServer != nil {
		_ = s.metricsServer.Stop(ctx)
	}
	if _, err := s.lock.Release(ctx); err != nil {
		s.logger.Warn("释放实例锁失败", zap.Error(err))
	}
}

// Stop 停止服务并关闭Redis连接
func (s *RiskGuardService) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return s.store.Close(ctx)
	}
	s.running = false
	s.logger.Info("停止风控服务")

	var errs error
	if err := s.monitor.StopGlobalMonitoring(); err != nil {
		errs = multierr.Append(errs, err)
	}

	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		s.logger.Warn("等待后台协程退出超时")
	}

	if s.metricsServer != nil {
		if err := s.metricsServer.Stop(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if released, err := s.lock.Release(ctx); err != nil {
		errs = multierr.Append(errs, err)
	} else if !released {
		s.logger.Warn("实例锁已不再由本实例持有")
	}

	if err := s.store.Close(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}

	return errs
}

// keepLock 定期续期实例锁，锁丢失后尝试重新获取
func (s *RiskGuardService) keepLock(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(lockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := s.lock.Refresh(ctx)
		if err == nil {
			continue
		}
		if !errors.Is(err, _redisClient.ErrLockNotHeld) {
			s.logger.Error("续期实例锁失败", zap.Error(err))
			continue
		}

		acquired, err := s.lock.Acquire(ctx)
		if err != nil || !acquired {
			s.logger.Error("实例锁已被其他实例获取", zap.Error(err))
			continue
		}
		s.logger.Warn("实例锁已过期，重新获取成功")
	}
}

func (s *RiskGuardService) observePendingActions(ctx context.Context) {
	pending, err := s.actions.Pending(ctx)
	if err != nil {
		s.logger.Warn("读取待执行动作数失败", zap.Error(err))
		return
	}
	metrics.PendingActions.Set(float64(pending))
}

// consumeResults 保存最新评估
func (s *RiskGuardService) consumeResults(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case result := <-s.monitor.Results():
			if result.Err != nil {
				s.logger.Warn("持仓评估失败",
					zap.String("position", result.PositionKey),
					zap.Error(result.Err))
				continue
			}

			if err := s.store.SaveAssessment(ctx, result.Assessment); err != nil {
				s.logger.Error("保存风险评估失败",
					zap.String("position", result.PositionKey),
					zap.Error(err))
			}
			if len(result.Actions) > 0 {
				s.observePendingActions(ctx)
			}
		}
	}
}
