package domain

import "github.com/shopspring/decimal"

// Signal 策略信号
type Signal int8

const (
	SignalNone Signal = iota
	SignalEnterLong
	SignalEnterShort
	SignalExit
)

// Strategy 策略信号函数
// 输入为该品种截至当前 K 线的历史序列与当前持仓（无持仓时为 nil），
// 必须是无副作用的纯函数，引擎据此决定入场与离场。
type Strategy interface {
	Evaluate(history []Bar, position *Position) Signal
}

// SMACrossStrategy 默认策略：双均线交叉
// 快线相对慢线的偏离超过入场阈值时顺势入场，
// 反向偏离超过离场阈值时离场。
type SMACrossStrategy struct {
	params StrategyParams
}

// NewSMACrossStrategy 创建双均线策略
func NewSMACrossStrategy(params StrategyParams) *SMACrossStrategy {
	return &SMACrossStrategy{params: params}
}

// Evaluate 计算当前信号
func (s *SMACrossStrategy) Evaluate(history []Bar, position *Position) Signal {
	if len(history) < s.params.SlowPeriod {
		return SignalNone
	}

	fast := closeSMA(history, s.params.FastPeriod)
	slow := closeSMA(history, s.params.SlowPeriod)
	if slow.IsZero() {
		return SignalNone
	}

	// 偏离比例 = (快线 - 慢线) / 慢线
	diff := fast.Sub(slow).Div(slow)

	if position == nil {
		if diff.GreaterThan(s.params.EntryThreshold) {
			return SignalEnterLong
		}
		if diff.LessThan(s.params.EntryThreshold.Neg()) {
			return SignalEnterShort
		}
		return SignalNone
	}

	switch position.Side {
	case TradeSideLong:
		if diff.LessThan(s.params.ExitThreshold.Neg()) {
			return SignalExit
		}
	case TradeSideShort:
		if diff.GreaterThan(s.params.ExitThreshold) {
			return SignalExit
		}
	}
	return SignalNone
}

// closeSMA 收盘价简单移动平均，取最近 period 根
func closeSMA(bars []Bar, period int) decimal.Decimal {
	if period <= 0 || len(bars) < period {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, b := range bars[len(bars)-period:] {
		sum = sum.Add(b.Close)
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}
