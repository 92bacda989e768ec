package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// EquityPoint 权益曲线采样点，在每笔成交平仓时刻采样
type EquityPoint struct {
	Timestamp time.Time
	Equity    decimal.Decimal
}

// BuildEquityCurve 由成交账本与初始资金确定性地重建权益曲线
// 曲线是派生数据，不独立存储；只追加，首点为初始资金。
func BuildEquityCurve(initial decimal.Decimal, trades []*Trade) []EquityPoint {
	ordered := make([]*Trade, len(trades))
	copy(ordered, trades)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].ExitTime.Equal(ordered[j].ExitTime) {
			return ordered[i].Symbol < ordered[j].Symbol
		}
		return ordered[i].ExitTime.Before(ordered[j].ExitTime)
	})

	curve := make([]EquityPoint, 0, len(ordered)+1)
	equity := initial
	curve = append(curve, EquityPoint{Equity: equity})
	for _, t := range ordered {
		equity = equity.Add(t.PnL)
		curve = append(curve, EquityPoint{Timestamp: t.ExitTime, Equity: equity})
	}
	return curve
}

// MaxDrawdownOf 权益曲线的最大回撤比例，始终为非负幅度
func MaxDrawdownOf(curve []EquityPoint) decimal.Decimal {
	maxDD := decimal.Zero
	peak := decimal.Zero
	for _, p := range curve {
		if p.Equity.GreaterThan(peak) {
			peak = p.Equity
		}
		if peak.IsPositive() {
			dd := peak.Sub(p.Equity).Div(peak)
			if dd.GreaterThan(maxDD) {
				maxDD = dd
			}
		}
	}
	return maxDD
}
