package domain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// stubSource 固定 K 线来源
type stubSource struct {
	bars map[string][]Bar
}

func (s *stubSource) GetBars(_ context.Context, symbol string, _, _ time.Time) ([]Bar, error) {
	return s.bars[symbol], nil
}

// scriptStrategy 按历史长度触发的脚本化策略
// alwaysEnter 为真时只要空仓就发出入场信号。
type scriptStrategy struct {
	enterAt     int
	exitAt      int
	side        Signal
	alwaysEnter bool
}

func (s *scriptStrategy) Evaluate(history []Bar, position *Position) Signal {
	if position == nil {
		if s.alwaysEnter || len(history) == s.enterAt {
			return s.side
		}
		return SignalNone
	}
	if s.exitAt > 0 && len(history) == s.exitAt {
		return SignalExit
	}
	return SignalNone
}

func mkBar(symbol string, ts time.Time, open, high, low, cls float64) Bar {
	return Bar{
		Symbol:    symbol,
		Timestamp: ts,
		Open:      decimal.NewFromFloat(open),
		High:      decimal.NewFromFloat(high),
		Low:       decimal.NewFromFloat(low),
		Close:     decimal.NewFromFloat(cls),
		Volume:    decimal.NewFromInt(100),
	}
}

func zeroCost() CostParams {
	return CostParams{FeeRate: decimal.Zero, FixedFee: decimal.Zero, SlippageRate: decimal.Zero}
}

// wideRisk 止损/止盈/熔断阈值都宽到不会触发
func wideRisk() RiskParams {
	return RiskParams{
		RiskPerTrade:      decimal.NewFromFloat(0.1),
		StopLossPct:       decimal.NewFromFloat(0.99),
		TakeProfitPct:     decimal.NewFromInt(100),
		MaxPositions:      5,
		DailyLossLimitPct: decimal.NewFromFloat(0.99),
		MaxDrawdownPct:    decimal.NewFromFloat(0.99),
		MaxAcceptableLoss: decimal.NewFromFloat(0.5),
	}
}

func testInput(symbols []string, start, end time.Time, risk RiskParams) EngineInput {
	return EngineInput{
		RunID:          "BT1",
		Symbols:        symbols,
		StartTime:      start,
		EndTime:        end,
		InitialCapital: decimal.NewFromInt(1000),
		Risk:           risk,
		Cost:           zeroCost(),
	}
}

func day(n int) time.Time {
	return time.Date(2024, 1, n, 0, 0, 0, 0, time.UTC)
}

func TestEngineSignalRoundTrip(t *testing.T) {
	source := &stubSource{bars: map[string][]Bar{
		"BTCUSDT": {
			mkBar("BTCUSDT", day(1), 100, 101, 99, 100),
			mkBar("BTCUSDT", day(2), 110, 111, 109, 110),
			mkBar("BTCUSDT", day(3), 120, 121, 119, 120),
			mkBar("BTCUSDT", day(4), 130, 131, 129, 130),
		},
	}}
	engine := NewBacktestEngine(source, &scriptStrategy{enterAt: 1, exitAt: 3, side: SignalEnterLong}, testLogger)

	trades, err := engine.Run(context.Background(), testInput([]string{"BTCUSDT"}, day(1), day(5), wideRisk()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}

	trade := trades[0]
	if trade.Reason != CloseReasonSignal {
		t.Fatalf("expected close reason %s, got %s", CloseReasonSignal, trade.Reason)
	}
	if !trade.EntryPrice.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected entry price 100, got %s", trade.EntryPrice)
	}
	if !trade.ExitPrice.Equal(decimal.NewFromInt(120)) {
		t.Fatalf("expected exit price 120, got %s", trade.ExitPrice)
	}
	// 仓位 = 1000 × 0.1 / 100 = 1，盈亏 = (120-100) × 1 = 20
	if !trade.Quantity.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected quantity 1, got %s", trade.Quantity)
	}
	if !trade.PnL.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected pnl 20, got %s", trade.PnL)
	}
	if !trade.ReturnPct.Equal(decimal.NewFromFloat(0.02)) {
		t.Fatalf("expected return pct 0.02, got %s", trade.ReturnPct)
	}
}

func TestEngineEndOfDataClose(t *testing.T) {
	source := &stubSource{bars: map[string][]Bar{
		"BTCUSDT": {
			mkBar("BTCUSDT", day(1), 100, 101, 99, 100),
			mkBar("BTCUSDT", day(2), 110, 111, 109, 110),
		},
	}}
	engine := NewBacktestEngine(source, &scriptStrategy{enterAt: 1, side: SignalEnterLong}, testLogger)

	end := day(3)
	trades, err := engine.Run(context.Background(), testInput([]string{"BTCUSDT"}, day(1), end, wideRisk()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if trades[0].Reason != CloseReasonEndOfData {
		t.Fatalf("expected close reason %s, got %s", CloseReasonEndOfData, trades[0].Reason)
	}
	if !trades[0].ExitTime.Equal(end) {
		t.Fatalf("expected exit time %v, got %v", end, trades[0].ExitTime)
	}
	if !trades[0].ExitPrice.Equal(decimal.NewFromInt(110)) {
		t.Fatalf("expected exit at last close 110, got %s", trades[0].ExitPrice)
	}
}

func TestEngineStopLossIntrabar(t *testing.T) {
	risk := wideRisk()
	risk.StopLossPct = decimal.NewFromFloat(0.05) // 止损价 95

	source := &stubSource{bars: map[string][]Bar{
		"BTCUSDT": {
			mkBar("BTCUSDT", day(1), 100, 101, 99, 100),
			mkBar("BTCUSDT", day(2), 98, 99, 90, 92),
		},
	}}
	engine := NewBacktestEngine(source, &scriptStrategy{enterAt: 1, side: SignalEnterLong}, testLogger)

	trades, err := engine.Run(context.Background(), testInput([]string{"BTCUSDT"}, day(1), day(3), risk))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if trades[0].Reason != CloseReasonStopLoss {
		t.Fatalf("expected close reason %s, got %s", CloseReasonStopLoss, trades[0].Reason)
	}
	// 盘中触发按止损价成交，而非收盘价
	if !trades[0].ExitPrice.Equal(decimal.NewFromInt(95)) {
		t.Fatalf("expected exit at stop price 95, got %s", trades[0].ExitPrice)
	}
	if !trades[0].PnL.Equal(decimal.NewFromInt(-5)) {
		t.Fatalf("expected pnl -5, got %s", trades[0].PnL)
	}
}

func TestEngineDrawdownBreakerHaltsCampaign(t *testing.T) {
	risk := wideRisk()
	risk.RiskPerTrade = decimal.NewFromInt(1)
	risk.MaxDrawdownPct = decimal.NewFromFloat(0.2)

	source := &stubSource{bars: map[string][]Bar{
		"BTCUSDT": {
			mkBar("BTCUSDT", day(1), 100, 101, 99, 100),
			mkBar("BTCUSDT", day(2), 60, 61, 49, 50),
			mkBar("BTCUSDT", day(3), 60, 61, 59, 60),
			mkBar("BTCUSDT", day(4), 70, 71, 69, 70),
		},
	}}
	engine := NewBacktestEngine(source, &scriptStrategy{alwaysEnter: true, side: SignalEnterLong}, testLogger)

	in := testInput([]string{"BTCUSDT"}, day(1), day(5), risk)
	in.ApplyBreakers = true
	trades, err := engine.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 熔断强平一笔之后，剩余区间禁止再开仓
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if trades[0].Reason != CloseReasonBreaker {
		t.Fatalf("expected close reason %s, got %s", CloseReasonBreaker, trades[0].Reason)
	}
	if !trades[0].PnL.Equal(decimal.NewFromInt(-500)) {
		t.Fatalf("expected pnl -500, got %s", trades[0].PnL)
	}
}

func TestEngineBreakersDisabled(t *testing.T) {
	risk := wideRisk()
	risk.RiskPerTrade = decimal.NewFromInt(1)
	risk.MaxDrawdownPct = decimal.NewFromFloat(0.2)

	source := &stubSource{bars: map[string][]Bar{
		"BTCUSDT": {
			mkBar("BTCUSDT", day(1), 100, 101, 99, 100),
			mkBar("BTCUSDT", day(2), 60, 61, 49, 50),
			mkBar("BTCUSDT", day(3), 60, 61, 59, 60),
		},
	}}
	engine := NewBacktestEngine(source, &scriptStrategy{enterAt: 1, side: SignalEnterLong}, testLogger)

	// 回撤远超阈值，但未启用熔断时持仓保留到数据结束
	trades, err := engine.Run(context.Background(), testInput([]string{"BTCUSDT"}, day(1), day(4), risk))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	if trades[0].Reason == CloseReasonBreaker {
		t.Fatal("breaker close reason with breakers disabled")
	}
	if trades[0].Reason != CloseReasonEndOfData {
		t.Fatalf("expected close reason %s, got %s", CloseReasonEndOfData, trades[0].Reason)
	}
}

func TestEngineDataGapSkipsSymbol(t *testing.T) {
	source := &stubSource{bars: map[string][]Bar{
		"BTCUSDT": {
			mkBar("BTCUSDT", day(1), 100, 101, 99, 100),
			mkBar("BTCUSDT", day(2), 110, 111, 109, 110),
		},
		// ETHUSDT 区间内无数据
	}}
	engine := NewBacktestEngine(source, &scriptStrategy{enterAt: 1, exitAt: 2, side: SignalEnterLong}, testLogger)

	trades, err := engine.Run(context.Background(), testInput([]string{"BTCUSDT", "ETHUSDT"}, day(1), day(3), wideRisk()))
	if err != nil {
		t.Fatalf("expected data gap to be skipped, got error: %v", err)
	}
	for _, trade := range trades {
		if trade.Symbol != "BTCUSDT" {
			t.Fatalf("unexpected trade for gapped symbol %s", trade.Symbol)
		}
	}
}

func TestEngineValidation(t *testing.T) {
	engine := NewBacktestEngine(&stubSource{}, &scriptStrategy{}, testLogger)

	in := testInput(nil, day(1), day(2), wideRisk())
	if _, err := engine.Run(context.Background(), in); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}

	in = testInput([]string{"BTCUSDT"}, day(2), day(1), wideRisk())
	if _, err := engine.Run(context.Background(), in); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for inverted window, got %v", err)
	}
}

func TestEngineCancellation(t *testing.T) {
	source := &stubSource{bars: map[string][]Bar{
		"BTCUSDT": {mkBar("BTCUSDT", day(1), 100, 101, 99, 100)},
	}}
	engine := NewBacktestEngine(source, &scriptStrategy{}, testLogger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Run(ctx, testInput([]string{"BTCUSDT"}, day(1), day(2), wideRisk()))
	if !errors.Is(err, ErrRunCancelled) {
		t.Fatalf("expected ErrRunCancelled, got %v", err)
	}
}
