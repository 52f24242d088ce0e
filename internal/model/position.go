package model

import (
	"math"
	"time"
)

// Side 持仓方向
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite 返回反向方向
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// ContractType 合约类型
type ContractType string

const (
	ContractPerpetual ContractType = "perpetual" // 永续合约
	ContractDelivery  ContractType = "delivery"  // 交割合约
)

// Position 持仓快照，由外部持仓跟踪方提供；本引擎只读，仅回写清算价格
type Position struct {
	ID               string       `json:"id"`
	Exchange         string       `json:"exchange"`
	Symbol           string       `json:"symbol"`
	Owner            string       `json:"owner,omitempty"`
	Quantity         float64      `json:"quantity"`       // 正数为多仓，负数为空仓
	EntryPrice       float64      `json:"entry_price"`    // 开仓均价
	Leverage         float64      `json:"leverage"`       // 配置杠杆
	MarginUsed       float64      `json:"margin_used"`    // 已占用保证金
	ContractValue    float64      `json:"contract_value"` // 每张合约面值，0视为1
	ContractType     ContractType `json:"contract_type,omitempty"`
	LiquidationPrice *float64     `json:"liquidation_price,omitempty"`
	Side             Side         `json:"side,omitempty"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Key 持仓唯一键
func (p *Position) Key() string {
	if p.ID != "" {
		return p.ID
	}
	return p.Exchange + ":" + p.Symbol
}

// Direction 持仓方向，未显式设置时按数量符号推断
func (p *Position) Direction() Side {
	if p.Side != "" {
		return p.Side
	}
	if p.Quantity < 0 {
		return SideShort
	}
	return SideLong
}

// IsLong 是否多仓
func (p *Position) IsLong() bool {
	return p.Direction() == SideLong
}

// AbsQuantity 持仓数量绝对值
func (p *Position) AbsQuantity() float64 {
	return math.Abs(p.Quantity)
}

// IsEmpty 是否为空仓位
func (p *Position) IsEmpty() bool {
	return p.Quantity == 0
}

// Multiplier 合约乘数
func (p *Position) Multiplier() float64 {
	if p.ContractValue <= 0 {
		return 1
	}
	return p.ContractValue
}

// Contract 合约类型，默认为永续
func (p *Position) Contract() ContractType {
	if p.ContractType == "" {
		return ContractPerpetual
	}
	return p.ContractType
}

// AccountBalance 账户余额快照，每次评估时由外部提供
type AccountBalance struct {
	WalletBalance    float64 `json:"wallet_balance"`
	AvailableBalance float64 `json:"available_balance"`
	UnrealizedPnl    float64 `json:"unrealized_pnl"`
	TotalFundingFee  float64 `json:"total_funding_fee"`
}

// MarketData 行情快照。费率、波动率、涨跌幅均为小数形式 (0.002 = 0.2%)
type MarketData struct {
	Symbol            string    `json:"symbol"`
	CurrentPrice      float64   `json:"current_price"`
	FundingRate       float64   `json:"funding_rate"`
	ImpliedVolatility *float64  `json:"implied_volatility,omitempty"`
	PriceChange24h    float64   `json:"price_change_24h"`
	Timestamp         time.Time `json:"timestamp"`
}
