package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/life2you_mini/riskguard/internal/config"
	"github.com/life2you_mini/riskguard/internal/metrics"
	"github.com/life2you_mini/riskguard/internal/model"
	"github.com/life2you_mini/riskguard/internal/risk"
)

var (
	// ErrPositionNotFound 持仓不存在或已被移除
	ErrPositionNotFound = errors.New("持仓不存在")
	// ErrAlreadyRunning 监控已在运行
	ErrAlreadyRunning = errors.New("监控已在运行")
	// ErrNotRunning 监控未运行
	ErrNotRunning = errors.New("监控未运行")
)

const stopTimeout = 5 * time.Second

// PositionProvider 持仓快照来源
type PositionProvider interface {
	GetPosition(ctx context.Context, key string) (*model.Position, error)
	ListPositionKeys(ctx context.Context) ([]string, error)
}

// MarketDataProvider 行情快照来源
type MarketDataProvider interface {
	GetMarketData(ctx context.Context, symbol string) (model.MarketData, error)
}

// AccountProvider 账户余额来源
type AccountProvider interface {
	GetAccountBalance(ctx context.Context, account string) (model.AccountBalance, error)
}

// LiquidationPriceWriter 清算价格回写，nil 表示清除
type LiquidationPriceWriter interface {
	SetLiquidationPrice(ctx context.Context, key string, price *float64) error
}

// Options 监控参数
type Options struct {
	Interval              time.Duration
	MaxConcurrency        int
	FetchTimeout          time.Duration
	StaleAfterFailures    int
	AlertTTL              time.Duration
	ResolvedAlertAge      time.Duration
	AutoAdjustLeverage    bool
	ResultBuffer          int
	DefaultAccount        string
	ExecuteEmergencyClose bool
}

// OptionsFromConfig 从配置构建监控参数
func OptionsFromConfig(cfg config.MonitoringConfig) Options {
	return Options{
		Interval:              time.Duration(cfg.IntervalSeconds) * time.Second,
		MaxConcurrency:        cfg.MaxConcurrency,
		FetchTimeout:          time.Duration(cfg.FetchTimeoutSeconds) * time.Second,
		StaleAfterFailures:    cfg.StaleAfterFailures,
		AlertTTL:              time.Duration(cfg.AlertTTLHours) * time.Hour,
		ResolvedAlertAge:      time.Duration(cfg.ResolvedAlertHours) * time.Hour,
		AutoAdjustLeverage:    cfg.AutoAdjustLeverage,
		ResultBuffer:          cfg.ResultBuffer,
		DefaultAccount:        cfg.DefaultAccount,
		ExecuteEmergencyClose: cfg.ExecuteEmergencyClose,
	}
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 8
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 10 * time.Second
	}
	if o.ResultBuffer < 0 {
		o.ResultBuffer = 0
	}
	if o.DefaultAccount == "" {
		o.DefaultAccount = "default"
	}
	return o
}

// Dependencies 监控服务依赖
type Dependencies struct {
	Positions         PositionProvider
	Market            MarketDataProvider
	Accounts          AccountProvider
	LiquidationWriter LiquidationPriceWriter // 可选
	Policy            *risk.RiskPolicyEngine
	Alerts            *risk.MarginAlertMonitor
	Leverage          *risk.LeverageOptimizer // 可选，仅自动降杠杆使用
	Dispatcher        *risk.Dispatcher
	Calculator        risk.MarginCalculator
}

// Result 单个持仓一次评估的结果
type Result struct {
	PositionKey string
	Assessment  model.RiskAssessment
	Alerts      []model.Alert
	Actions     []model.Action
	MarginCall  *model.MarginCallRecord
	Leverage    *risk.LeverageDecision
	Err         error
	Duration    time.Duration
}

type worker struct {
	stop chan struct{}
}

type positionInfo struct {
	owner  string
	symbol string
}

// PositionRiskMonitorService 持仓风险监控服务
// 每个已注册持仓一个协程，按各自的定时器评估，信号量限制同时评估的数量
type PositionRiskMonitorService struct {
	deps    Dependencies
	opts    Options
	logger  *zap.Logger
	sem     *semaphore.Weighted
	results chan Result

	mu         sync.Mutex
	running    bool
	ctx        context.Context
	cancel     context.CancelFunc
	stopCh     chan struct{}
	registered map[string]struct{}
	workers    map[string]*worker
	failures   map[string]int
	known      map[string]positionInfo
	wg         sync.WaitGroup
}

// NewPositionRiskMonitorService 创建监控服务
func NewPositionRiskMonitorService(deps Dependencies, opts Options, logger *zap.Logger) *PositionRiskMonitorService {
	opts = opts.withDefaults()
	return &PositionRiskMonitorService{
		deps:       deps,
		opts:       opts,
		logger:     logger.With(zap.String("component", "position_monitor")),
		sem:        semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		results:    make(chan Result, opts.ResultBuffer),
		registered: make(map[string]struct{}),
		workers:    make(map[string]*worker),
		failures:   make(map[string]int),
		known:      make(map[string]positionInfo),
	}
}

// Results 后台评估结果，缓冲区满时丢弃
func (s *PositionRiskMonitorService) Results() <-chan Result {
	return s.results
}

// RegisterPosition 注册持仓；监控运行中时立即启动其协程
func (s *PositionRiskMonitorService) RegisterPosition(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.registered[key]; ok {
		return
	}
	s.registered[key] = struct{}{}
	s.logger.Info("注册持仓", zap.String("position", key))

	if s.running {
		s.startWorkerLocked(key)
	}
}

// UnregisterPosition 注销持仓并停止其协程，正在进行的评估会执行完
func (s *PositionRiskMonitorService) UnregisterPosition(key string) {
	s.mu.Lock()
	if _, ok := s.registered[key]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.registered, key)
	if w, ok := s.workers[key]; ok {
		close(w.stop)
		delete(s.workers, key)
	}
	info := s.known[key]
	delete(s.failures, key)
	delete(s.known, key)
	s.mu.Unlock()

	if s.deps.Leverage != nil {
		s.deps.Leverage.Forget(key)
	}
	metrics.ForgetPosition(key, info.symbol)
	s.logger.Info("注销持仓", zap.String("position", key))
}

// RegisteredPositions 已注册的持仓（有序）
func (s *PositionRiskMonitorService) RegisteredPositions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.registered))
	for key := range s.registered {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// SyncPositions 按持仓来源的活跃列表注册新增持仓、注销已消失的持仓
func (s *PositionRiskMonitorService) SyncPositions(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	keys, err := s.deps.Positions.ListPositionKeys(fetchCtx)
	if err != nil {
		return fmt.Errorf("获取活跃持仓列表失败: %w", err)
	}

	active := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		active[key] = struct{}{}
		s.RegisterPosition(key)
	}

	for _, key := range s.RegisteredPositions() {
		if _, ok := active[key]; !ok {
			s.UnregisterPosition(key)
		}
	}
	return nil
}

// StartGlobalMonitoring 启动监控；interval 大于0时覆盖配置的评估间隔
func (s *PositionRiskMonitorService) StartGlobalMonitoring(interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	if interval > 0 {
		s.opts.Interval = interval
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.stopCh = make(chan struct{})
	s.running = true

	s.logger.Info("启动持仓风险监控",
		zap.Duration("interval", s.opts.Interval),
		zap.Int("max_concurrency", s.opts.MaxConcurrency),
		zap.Int("positions", len(s.registered)))

	for key := range s.registered {
		s.startWorkerLocked(key)
	}

	s.wg.Add(1)
	go s.globalLoop(s.ctx, s.stopCh, s.opts.Interval)
	return nil
}

// StopGlobalMonitoring 停止所有协程，最多等待5秒让进行中的评估结束
func (s *PositionRiskMonitorService) StopGlobalMonitoring() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.workers = make(map[string]*worker)
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Info("停止持仓风险监控")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("持仓风险监控已停止")
	case <-time.After(stopTimeout):
		s.logger.Warn("持仓风险监控停止超时")
	}

	cancel()
	s.deps.Dispatcher.Wait()
	return nil
}

// IsRunning 是否正在监控
func (s *PositionRiskMonitorService) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *PositionRiskMonitorService) startWorkerLocked(key string) {
	if _, ok := s.workers[key]; ok {
		return
	}
	w := &worker{stop: make(chan struct{})}
	s.workers[key] = w

	s.wg.Add(1)
	metrics.ActiveWorkers.Inc()
	go s.runWorker(s.ctx, s.stopCh, key, w, s.opts.Interval)
}

func (s *PositionRiskMonitorService) runWorker(ctx context.Context, stopAll <-chan struct{}, key string, w *worker, interval time.Duration) {
	defer s.wg.Done()
	defer metrics.ActiveWorkers.Dec()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopAll:
			return
		case <-w.stop:
			return
		default:
		}

		s.evaluateAndPublish(ctx, key)

		select {
		case <-stopAll:
			return
		case <-w.stop:
			return
		case <-ticker.C:
		}
	}
}

func (s *PositionRiskMonitorService) evaluateAndPublish(ctx context.Context, key string) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	result := s.EvaluatePosition(ctx, key)

	select {
	case s.results <- result:
	default:
		s.logger.Debug("结果通道已满，丢弃评估结果", zap.String("position", key))
	}
}

func (s *PositionRiskMonitorService) globalLoop(ctx context.Context, stopAll <-chan struct{}, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.globalTick(ctx)
	for {
		select {
		case <-stopAll:
			return
		case <-ticker.C:
			s.globalTick(ctx)
		}
	}
}

func (s *PositionRiskMonitorService) globalTick(ctx context.Context) {
	if err := s.SyncPositions(ctx); err != nil {
		s.logger.Error("同步持仓失败", zap.Error(err))
	}
	s.Housekeeping()
}

// Housekeeping 清理过期的未确认告警和已确认告警
func (s *PositionRiskMonitorService) Housekeeping() {
	if s.opts.AlertTTL > 0 {
		if n := s.deps.Alerts.ExpireAlerts(s.opts.AlertTTL); n > 0 {
			s.logger.Info("清除过期告警", zap.Int("count", n))
		}
	}
	if s.opts.ResolvedAlertAge > 0 {
		s.deps.Alerts.ClearResolvedAlerts(s.opts.ResolvedAlertAge)
	}
}

// RunOnce 对所有已注册持仓评估一次，并发数受限
func (s *PositionRiskMonitorService) RunOnce(ctx context.Context) ([]Result, error) {
	keys := s.RegisteredPositions()
	results := make([]Result, len(keys))

	var g errgroup.Group
	g.SetLimit(s.opts.MaxConcurrency)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i] = s.failedResult(key, ctx.Err())
				return nil
			}
			results[i] = s.EvaluatePosition(ctx, key)
			return nil
		})
	}
	_ = g.Wait()

	return results, ctx.Err()
}

// EvaluatePosition 评估单个持仓；任何错误或 panic 都转换为 UNKNOWN 结果
func (s *PositionRiskMonitorService) EvaluatePosition(ctx context.Context, key string) (result Result) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("评估持仓发生panic",
				zap.String("position", key),
				zap.String("panic", fmt.Sprint(r)))
			result = s.failedResult(key, fmt.Errorf("评估持仓发生panic: %v", r))
			metrics.EvaluationsTotal.WithLabelValues(metrics.ResultPanic).Inc()
		} else if result.Err != nil {
			metrics.EvaluationsTotal.WithLabelValues(metrics.ResultFailed).Inc()
		}

		result.Duration = time.Since(start)
		metrics.EvaluationDuration.Observe(result.Duration.Seconds())
		s.trackFailures(key, result.Err)
	}()

	result, err := s.evaluate(ctx, key)
	if err != nil {
		s.logger.Warn("评估持仓失败", zap.String("position", key), zap.Error(err))
		return s.failedResult(key, err)
	}
	return result
}

func (s *PositionRiskMonitorService) failedResult(key string, err error) Result {
	return Result{
		PositionKey: key,
		Assessment: model.RiskAssessment{
			PositionKey:  key,
			OverallLevel: model.RiskLevelUnknown,
			Reason:       err.Error(),
			Timestamp:    time.Now(),
		},
		Err: err,
	}
}

func (s *PositionRiskMonitorService) trackFailures(key string, err error) {
	if errors.Is(err, ErrPositionNotFound) {
		s.UnregisterPosition(key)
		return
	}

	s.mu.Lock()
	if err == nil {
		delete(s.failures, key)
		s.mu.Unlock()
		return
	}
	s.failures[key]++
	count := s.failures[key]
	info := s.known[key]
	s.mu.Unlock()

	if s.opts.StaleAfterFailures > 0 && count >= s.opts.StaleAfterFailures {
		s.deps.Alerts.RaiseStaleAlert(key, info.owner, info.symbol, count, err)
	}
}

// snapshot 一次评估使用的数据快照
type snapshot struct {
	position *model.Position
	market   model.MarketData
	account  model.AccountBalance
}

func (s *PositionRiskMonitorService) fetch(ctx context.Context, key string) (snapshot, error) {
	var snap snapshot

	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	position, err := s.deps.Positions.GetPosition(fetchCtx, key)
	if err != nil {
		return snap, fmt.Errorf("获取持仓失败: %w", err)
	}
	if position == nil {
		return snap, fmt.Errorf("获取持仓 %s 失败: %w", key, ErrPositionNotFound)
	}
	snap.position = position

	s.mu.Lock()
	s.known[key] = positionInfo{owner: position.Owner, symbol: position.Symbol}
	s.mu.Unlock()

	if position.IsEmpty() {
		return snap, nil
	}

	g, gctx := errgroup.WithContext(fetchCtx)
	g.Go(func() error {
		market, err := s.deps.Market.GetMarketData(gctx, position.Symbol)
		if err != nil {
			return fmt.Errorf("获取行情失败: %w", err)
		}
		snap.market = market
		return nil
	})
	g.Go(func() error {
		account, err := s.deps.Accounts.GetAccountBalance(gctx, s.accountFor(position))
		if err != nil {
			return fmt.Errorf("获取账户余额失败: %w", err)
		}
		snap.account = account
		return nil
	})
	if err := g.Wait(); err != nil {
		return snap, err
	}
	return snap, nil
}

func (s *PositionRiskMonitorService) accountFor(position *model.Position) string {
	if position.Owner != "" {
		return position.Owner
	}
	return s.opts.DefaultAccount
}

func (s *PositionRiskMonitorService) evaluate(ctx context.Context, key string) (Result, error) {
	result := Result{PositionKey: key}

	snap, err := s.fetch(ctx, key)
	if err != nil {
		return result, err
	}
	position, market, account := snap.position, snap.market, snap.account

	s.refreshLiquidationPrice(ctx, key, position, account.WalletBalance)

	if position.IsEmpty() {
		assessment, err := s.deps.Policy.AssessPositionRisk(position, market, account.WalletBalance, account.AvailableBalance)
		if err != nil {
			return result, err
		}
		result.Assessment = assessment
		metrics.EvaluationsTotal.WithLabelValues(metrics.ResultSkipped).Inc()
		return result, nil
	}

	result.Alerts = s.deps.Alerts.CheckMarginConditions(position, account, market)

	assessment, err := s.deps.Policy.AssessPositionRisk(position, market, account.WalletBalance, account.AvailableBalance)
	if err != nil {
		return result, fmt.Errorf("风险评估失败: %w", err)
	}

	positionMetrics := s.deps.Policy.BuildPositionMetrics(position, market, account.WalletBalance)
	result.MarginCall = s.deps.Policy.CheckMarginCallConditions(positionMetrics, market)

	if assessment.Emergency {
		assessment = risk.EscalateEmergency(assessment)
	}

	switch {
	case assessment.OverallLevel == model.RiskLevelCritical:
		result.Actions = s.handleCritical(ctx, assessment, position, market)
		s.deps.Dispatcher.NotifyRiskAlert(assessment, result.Actions)
	case assessment.OverallLevel >= model.RiskLevelHigh:
		s.logger.Warn("持仓风险较高",
			zap.String("position", key),
			zap.Float64("score", assessment.Score),
			zap.Float64("margin_ratio", assessment.MarginRatio))
		s.deps.Dispatcher.NotifyRiskAlert(assessment, nil)
	}

	if s.opts.AutoAdjustLeverage && s.deps.Leverage != nil && assessment.OverallLevel < model.RiskLevelCritical {
		result.Leverage = s.autoDeleverage(key, position, positionMetrics, market)
	}

	result.Assessment = assessment
	metrics.ObserveAssessment(assessment)
	metrics.EvaluationsTotal.WithLabelValues(metrics.ResultOK).Inc()
	return result, nil
}

// refreshLiquidationPrice 按最新余额重新计算清算价格并回写
func (s *PositionRiskMonitorService) refreshLiquidationPrice(ctx context.Context, key string, position *model.Position, walletBalance float64) {
	if liq, ok := s.deps.Calculator.PositionLiquidationPrice(position, walletBalance); ok {
		position.LiquidationPrice = &liq
	} else {
		position.LiquidationPrice = nil
	}

	if s.deps.LiquidationWriter == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()
	if err := s.deps.LiquidationWriter.SetLiquidationPrice(writeCtx, key, position.LiquidationPrice); err != nil {
		s.logger.Warn("回写清算价格失败", zap.String("position", key), zap.Error(err))
	}
}

func (s *PositionRiskMonitorService) handleCritical(ctx context.Context, assessment model.RiskAssessment, position *model.Position, market model.MarketData) []model.Action {
	positions := []*model.Position{position}

	if !s.opts.ExecuteEmergencyClose {
		actions := s.deps.Policy.PlanRiskControls(assessment, positions)
		s.logger.Error("持仓需要紧急平仓（未启用自动执行）",
			zap.String("position", assessment.PositionKey),
			zap.Int("actions", len(actions)))
		return actions
	}

	actions, err := s.deps.Policy.ExecuteRiskControls(ctx, assessment, positions, market)
	if err != nil {
		s.logger.Error("执行紧急平仓失败",
			zap.String("position", assessment.PositionKey),
			zap.Error(err))
	}
	return actions
}

// autoDeleverage 建议杠杆低于当前杠杆时自动降杠杆
func (s *PositionRiskMonitorService) autoDeleverage(key string, position *model.Position, positionMetrics model.PositionMetrics, market model.MarketData) *risk.LeverageDecision {
	current := s.deps.Leverage.CurrentLeverage(key, position.Leverage)
	optimal := s.deps.Leverage.CalculateOptimalLeverage(positionMetrics, market, nil)
	if optimal >= current {
		return nil
	}

	decision := s.deps.Leverage.AdjustLeverage(key, current, optimal, positionMetrics, market,
		fmt.Sprintf("自动降杠杆: %.2f -> %.2f", current, optimal))
	return &decision
}
