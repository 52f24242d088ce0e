package storage

import (
	"context"

	"github.com/life2you_mini/riskguard/internal/model"
	"github.com/life2you_mini/riskguard/internal/monitor"
	"github.com/life2you_mini/riskguard/internal/risk"
)

// Store 快照存储层接口
// 外部连接器写入持仓、行情、账户快照，风控服务读取并回写评估结果
type Store interface {
	// 基础操作
	Initialize(ctx context.Context) error
	Close(ctx context.Context) error
	Health(ctx context.Context) error

	// 快照读取
	monitor.PositionProvider
	monitor.MarketDataProvider
	monitor.AccountProvider
	monitor.LiquidationPriceWriter

	// 快照写入
	SavePosition(ctx context.Context, position *model.Position) error
	RemovePosition(ctx context.Context, key string) error
	SaveMarketData(ctx context.Context, data model.MarketData) error
	SaveAccountBalance(ctx context.Context, account string, balance model.AccountBalance) error

	// 评估结果
	SaveAssessment(ctx context.Context, assessment model.RiskAssessment) error
	GetAssessment(ctx context.Context, key string) (*model.RiskAssessment, error)
	RecentAlerts(ctx context.Context, limit int) ([]model.Alert, error)
	LeverageHistory(ctx context.Context, key string, limit int) ([]model.LeverageChangeRecord, error)

	// 风控事件订阅
	risk.Observer
}

var _ Store = (*RedisStore)(nil)
