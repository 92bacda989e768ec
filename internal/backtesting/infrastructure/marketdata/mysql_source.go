// Package marketdata 历史行情数据来源
// MySQL 实现读取行情服务落库的 K 线表，作为回测引擎的只读数据流。
package marketdata

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/backtesting/internal/backtesting/domain"
	"gorm.io/gorm"
)

// KlineModel MySQL K 线表映射，与行情服务共用表结构
type KlineModel struct {
	ID        uint            `gorm:"primaryKey;autoIncrement"`
	CreatedAt time.Time       `gorm:"column:created_at"`
	UpdatedAt time.Time       `gorm:"column:updated_at"`
	Symbol    string          `gorm:"column:symbol;type:varchar(32);index;not null"`
	Interval  string          `gorm:"column:interval_period;type:varchar(10);index;not null"`
	OpenTime  time.Time       `gorm:"column:open_time;index;not null"`
	CloseTime time.Time       `gorm:"column:close_time;not null"`
	Open      decimal.Decimal `gorm:"column:open;type:decimal(32,18);not null"`
	High      decimal.Decimal `gorm:"column:high;type:decimal(32,18);not null"`
	Low       decimal.Decimal `gorm:"column:low;type:decimal(32,18);not null"`
	Close     decimal.Decimal `gorm:"column:close;type:decimal(32,18);not null"`
	Volume    decimal.Decimal `gorm:"column:volume;type:decimal(32,18);not null"`
}

func (KlineModel) TableName() string { return "klines" }

// MySQLSource 基于 K 线表的行情数据来源
type MySQLSource struct {
	db       *gorm.DB
	interval string
}

// NewMySQLSource 创建 MySQL 行情来源，interval 指定消费的 K 线周期
func NewMySQLSource(db *gorm.DB, interval string) *MySQLSource {
	if interval == "" {
		interval = "1d"
	}
	return &MySQLSource{db: db, interval: interval}
}

// GetBars 按时间升序返回区间内的全部 K 线
// 区间内没有数据时返回空切片，由引擎按数据缺口处理。
func (s *MySQLSource) GetBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	var models []*KlineModel
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND interval_period = ? AND open_time >= ? AND open_time < ?",
			symbol, s.interval, start, end).
		Order("open_time asc").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	bars := make([]domain.Bar, len(models))
	for i, m := range models {
		bars[i] = domain.Bar{
			Symbol:    m.Symbol,
			Timestamp: m.OpenTime,
			Open:      m.Open,
			High:      m.High,
			Low:       m.Low,
			Close:     m.Close,
			Volume:    m.Volume,
		}
	}
	return bars, nil
}
