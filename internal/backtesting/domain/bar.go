package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Bar 表示一根 K 线数据点
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// MarketDataSource 历史行情数据来源
// 引擎只读消费，按时间升序返回指定品种在区间内的全部 K 线。
// 区间内没有数据时返回空切片而非错误，由引擎按数据缺口处理。
type MarketDataSource interface {
	GetBars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error)
}
