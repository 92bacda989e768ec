// 回测引擎：基于历史行情数据（OHLC）驱动离线回放，
// 逐根 K 线推进策略信号、风控规则与成本模型，产出成交账本。
package domain

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Position 回测过程中的持仓，单品种同一时刻至多一笔
type Position struct {
	Symbol      string
	Side        TradeSide
	Quantity    decimal.Decimal
	EntryTime   time.Time
	EntryPrice  decimal.Decimal // 含滑点的实际成交价
	EntryFee    decimal.Decimal
	EntryEquity decimal.Decimal // 入场时账户权益，用于计算单笔收益率
	StopPrice   decimal.Decimal
	TakePrice   decimal.Decimal
}

// EngineInput 一次回测运行的完整输入
// 参数集为创建时合并的不可变快照。
type EngineInput struct {
	RunID          string
	Symbols        []string
	StartTime      time.Time
	EndTime        time.Time
	InitialCapital decimal.Decimal
	Risk           RiskParams
	Cost           CostParams
	ApplyBreakers  bool
}

// BacktestEngine 回测引擎
// 将多个品种的 K 线流合并为单一时间序列逐根回放，
// 过程内状态（现金、持仓、权益）严格顺序推进，不可并行。
type BacktestEngine struct {
	source   MarketDataSource
	strategy Strategy
	logger   *slog.Logger
}

// NewBacktestEngine 创建回测引擎
func NewBacktestEngine(source MarketDataSource, strategy Strategy, logger *slog.Logger) *BacktestEngine {
	return &BacktestEngine{
		source:   source,
		strategy: strategy,
		logger:   logger,
	}
}

// engineState 回放过程的账户状态
type engineState struct {
	cash       decimal.Decimal
	positions  map[string]*Position
	lastPrice  map[string]decimal.Decimal
	peakEquity decimal.Decimal

	// 熔断状态
	sessionDay        string
	dayStartEquity    decimal.Decimal
	haltedForDay      bool // 日内亏损熔断：当日禁止新开仓
	haltedForCampaign bool // 回撤熔断：本次运行剩余区间禁止新开仓
}

// Run 执行回测，返回按入场时间排序的成交账本
// 任何参数校验失败在处理第一根 K 线之前返回，不产生部分账本。
func (e *BacktestEngine) Run(ctx context.Context, in EngineInput) ([]*Trade, error) {
	if err := e.validate(in); err != nil {
		return nil, err
	}

	bars, err := e.loadBars(ctx, in)
	if err != nil {
		return nil, err
	}

	state := &engineState{
		cash:       in.InitialCapital,
		positions:  make(map[string]*Position),
		lastPrice:  make(map[string]decimal.Decimal),
		peakEquity: in.InitialCapital,
	}
	history := make(map[string][]Bar, len(in.Symbols))
	var trades []*Trade

	for i := range bars {
		// K 线间协作式取消检查
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRunCancelled, err)
		}

		bar := bars[i]
		state.lastPrice[bar.Symbol] = bar.Close
		history[bar.Symbol] = append(history[bar.Symbol], bar)

		// (a) 跨日重置熔断窗口并按市价重估持仓
		e.rollSession(state, bar.Timestamp)
		equity := e.markToMarket(state)

		// (b) 离场评估：止损/止盈盘中触发优先于策略离场信号
		if pos, ok := state.positions[bar.Symbol]; ok {
			if t := e.tryProtectiveExit(state, pos, bar, in); t != nil {
				trades = append(trades, t)
			} else if e.strategy.Evaluate(history[bar.Symbol], pos) == SignalExit {
				trades = append(trades, e.closePosition(state, pos, bar.Close, bar.Timestamp, CloseReasonSignal, in.Cost))
			}
		}

		// (c) 熔断评估：阈值击穿时强平全部持仓并在熔断窗口内暂停开仓
		if in.ApplyBreakers {
			equity = e.markToMarket(state)
			trades = append(trades, e.evaluateBreakers(state, equity, bar.Timestamp, in)...)
		}

		// (d) 入场评估
		if _, holding := state.positions[bar.Symbol]; !holding && !state.haltedForDay && !state.haltedForCampaign {
			if sig := e.strategy.Evaluate(history[bar.Symbol], nil); sig == SignalEnterLong || sig == SignalEnterShort {
				e.tryOpenPosition(state, bar, sig, in)
			}
		}
	}

	// 数据结束时平掉剩余持仓，按各品种最后成交价成交
	for _, symbol := range sortedKeys(state.positions) {
		pos := state.positions[symbol]
		trades = append(trades, e.closePosition(state, pos, state.lastPrice[symbol], in.EndTime, CloseReasonEndOfData, in.Cost))
	}

	// 账本总排序：入场时间非降序，同刻按品种名稳定排序
	sort.SliceStable(trades, func(i, j int) bool {
		if trades[i].EntryTime.Equal(trades[j].EntryTime) {
			return trades[i].Symbol < trades[j].Symbol
		}
		return trades[i].EntryTime.Before(trades[j].EntryTime)
	})
	return trades, nil
}

func (e *BacktestEngine) validate(in EngineInput) error {
	if in.RunID == "" {
		return fmt.Errorf("%w: run id is required", ErrConfiguration)
	}
	if len(in.Symbols) == 0 {
		return fmt.Errorf("%w: symbol list must not be empty", ErrConfiguration)
	}
	if !in.StartTime.Before(in.EndTime) {
		return fmt.Errorf("%w: start time must precede end time", ErrConfiguration)
	}
	if in.InitialCapital.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: initial capital must be positive", ErrConfiguration)
	}
	if err := in.Risk.Validate(); err != nil {
		return err
	}
	return in.Cost.Validate()
}

// loadBars 加载并合并全部品种的 K 线流
// 单个品种缺数据按数据缺口跳过，不中断整次运行。
func (e *BacktestEngine) loadBars(ctx context.Context, in EngineInput) ([]Bar, error) {
	var merged []Bar
	for _, symbol := range in.Symbols {
		bars, err := e.source.GetBars(ctx, symbol, in.StartTime, in.EndTime)
		if err != nil {
			return nil, fmt.Errorf("%w: load bars for %s: %v", ErrEngineFault, symbol, err)
		}
		if len(bars) == 0 {
			e.logger.WarnContext(ctx, "market data gap, skipping symbol",
				"run_id", in.RunID, "symbol", symbol, "error", ErrDataGap)
			continue
		}
		merged = append(merged, bars...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Timestamp.Equal(merged[j].Timestamp) {
			return merged[i].Symbol < merged[j].Symbol
		}
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return merged, nil
}

// markToMarket 计算当前权益 = 现金 + 持仓市值
// 空头市值为负，入场时卖出所得已计入现金。
func (e *BacktestEngine) markToMarket(state *engineState) decimal.Decimal {
	equity := state.cash
	for _, pos := range state.positions {
		value := pos.Quantity.Mul(state.lastPrice[pos.Symbol])
		if pos.Side == TradeSideShort {
			value = value.Neg()
		}
		equity = equity.Add(value)
	}
	if equity.GreaterThan(state.peakEquity) {
		state.peakEquity = equity
	}
	return equity
}

// rollSession 跨交易日时重置日内熔断窗口
func (e *BacktestEngine) rollSession(state *engineState, ts time.Time) {
	day := ts.UTC().Format("2006-01-02")
	if day == state.sessionDay {
		return
	}
	state.sessionDay = day
	state.dayStartEquity = e.markToMarket(state)
	state.haltedForDay = false
}

// tryProtectiveExit 止损/止盈检查，使用 K 线高低点做盘中触发
func (e *BacktestEngine) tryProtectiveExit(state *engineState, pos *Position, bar Bar, in EngineInput) *Trade {
	switch pos.Side {
	case TradeSideLong:
		if bar.Low.LessThanOrEqual(pos.StopPrice) {
			return e.closePosition(state, pos, pos.StopPrice, bar.Timestamp, CloseReasonStopLoss, in.Cost)
		}
		if bar.High.GreaterThanOrEqual(pos.TakePrice) {
			return e.closePosition(state, pos, pos.TakePrice, bar.Timestamp, CloseReasonTakeProfit, in.Cost)
		}
	case TradeSideShort:
		if bar.High.GreaterThanOrEqual(pos.StopPrice) {
			return e.closePosition(state, pos, pos.StopPrice, bar.Timestamp, CloseReasonStopLoss, in.Cost)
		}
		if bar.Low.LessThanOrEqual(pos.TakePrice) {
			return e.closePosition(state, pos, pos.TakePrice, bar.Timestamp, CloseReasonTakeProfit, in.Cost)
		}
	}
	return nil
}

// evaluateBreakers 全局熔断：日内亏损与整体回撤
// 击穿后强平全部持仓，并在对应窗口内禁止新开仓。
func (e *BacktestEngine) evaluateBreakers(state *engineState, equity decimal.Decimal, ts time.Time, in EngineInput) []*Trade {
	fired := false

	if !state.haltedForCampaign && state.peakEquity.IsPositive() {
		drawdown := state.peakEquity.Sub(equity).Div(state.peakEquity)
		if drawdown.GreaterThanOrEqual(in.Risk.MaxDrawdownPct) {
			state.haltedForCampaign = true
			fired = true
		}
	}
	if !fired && !state.haltedForDay && state.dayStartEquity.IsPositive() {
		dayLoss := state.dayStartEquity.Sub(equity).Div(state.dayStartEquity)
		if dayLoss.GreaterThanOrEqual(in.Risk.DailyLossLimitPct) {
			state.haltedForDay = true
			fired = true
		}
	}
	if !fired {
		return nil
	}

	var closed []*Trade
	for _, symbol := range sortedKeys(state.positions) {
		pos := state.positions[symbol]
		closed = append(closed, e.closePosition(state, pos, state.lastPrice[symbol], ts, CloseReasonBreaker, in.Cost))
	}
	return closed
}

// tryOpenPosition 按风控参数开仓：仓位上限与可用资金均满足才成交
func (e *BacktestEngine) tryOpenPosition(state *engineState, bar Bar, sig Signal, in EngineInput) {
	if len(state.positions) >= in.Risk.MaxPositions {
		return
	}

	equity := e.markToMarket(state)
	if equity.LessThanOrEqual(decimal.Zero) {
		return
	}

	side := TradeSideLong
	if sig == SignalEnterShort {
		side = TradeSideShort
	}

	fill := applySlippage(bar.Close, side, true, in.Cost)
	if fill.LessThanOrEqual(decimal.Zero) {
		return
	}

	// 仓位规模 = 当前权益 × 单笔风险比例
	notional := equity.Mul(in.Risk.RiskPerTrade)
	quantity := notional.Div(fill).Round(8)
	if quantity.LessThanOrEqual(decimal.Zero) {
		return
	}

	fee := fill.Mul(quantity).Mul(in.Cost.FeeRate).Add(in.Cost.FixedFee)

	if side == TradeSideLong {
		cost := fill.Mul(quantity).Add(fee)
		if cost.GreaterThan(state.cash) {
			return // 可用资金不足
		}
		state.cash = state.cash.Sub(cost)
	} else {
		state.cash = state.cash.Add(fill.Mul(quantity)).Sub(fee)
	}

	one := decimal.NewFromInt(1)
	pos := &Position{
		Symbol:      bar.Symbol,
		Side:        side,
		Quantity:    quantity,
		EntryTime:   bar.Timestamp,
		EntryPrice:  fill,
		EntryFee:    fee,
		EntryEquity: equity,
	}
	if side == TradeSideLong {
		pos.StopPrice = fill.Mul(one.Sub(in.Risk.StopLossPct))
		pos.TakePrice = fill.Mul(one.Add(in.Risk.TakeProfitPct))
	} else {
		pos.StopPrice = fill.Mul(one.Add(in.Risk.StopLossPct))
		pos.TakePrice = fill.Mul(one.Sub(in.Risk.TakeProfitPct))
	}
	state.positions[bar.Symbol] = pos
}

// closePosition 平仓：应用成本模型、实现盈亏并生成成交记录
// 盈亏只在成交时刻实现一次，之后不再依据过期标价重算。
func (e *BacktestEngine) closePosition(state *engineState, pos *Position, price decimal.Decimal, ts time.Time, reason CloseReason, cost CostParams) *Trade {
	fill := applySlippage(price, pos.Side, false, cost)
	fee := fill.Mul(pos.Quantity).Mul(cost.FeeRate).Add(cost.FixedFee)

	var pnl decimal.Decimal
	if pos.Side == TradeSideLong {
		state.cash = state.cash.Add(fill.Mul(pos.Quantity)).Sub(fee)
		pnl = fill.Sub(pos.EntryPrice).Mul(pos.Quantity)
	} else {
		state.cash = state.cash.Sub(fill.Mul(pos.Quantity)).Sub(fee)
		pnl = pos.EntryPrice.Sub(fill).Mul(pos.Quantity)
	}
	pnl = pnl.Sub(fee).Sub(pos.EntryFee)

	returnPct := decimal.Zero
	if pos.EntryEquity.IsPositive() {
		returnPct = pnl.Div(pos.EntryEquity)
	}

	delete(state.positions, pos.Symbol)

	return &Trade{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		EntryTime:  pos.EntryTime,
		EntryPrice: pos.EntryPrice,
		ExitTime:   ts,
		ExitPrice:  fill,
		Quantity:   pos.Quantity,
		PnL:        pnl.Round(8),
		ReturnPct:  returnPct.Round(8),
		Reason:     reason,
	}
}

// applySlippage 比例滑点始终向不利方向调整成交价
func applySlippage(price decimal.Decimal, side TradeSide, isEntry bool, cost CostParams) decimal.Decimal {
	one := decimal.NewFromInt(1)
	buying := (side == TradeSideLong && isEntry) || (side == TradeSideShort && !isEntry)
	if buying {
		return price.Mul(one.Add(cost.SlippageRate))
	}
	return price.Mul(one.Sub(cost.SlippageRate))
}

func sortedKeys(m map[string]*Position) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
