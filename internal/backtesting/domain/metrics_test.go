package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func mkTrade(exitDay int, pnl float64, returnPct float64) *Trade {
	return &Trade{
		Symbol:    "BTCUSDT",
		Side:      TradeSideLong,
		EntryTime: day(exitDay),
		ExitTime:  day(exitDay),
		PnL:       decimal.NewFromFloat(pnl),
		ReturnPct: decimal.NewFromFloat(returnPct),
		Reason:    CloseReasonSignal,
	}
}

func TestMetricsLedger(t *testing.T) {
	calc := NewMetricsCalculator(testLogger)

	in := MetricsInput{
		RunID:          "BT1",
		InitialCapital: decimal.NewFromInt(1000),
		StartTime:      day(1),
		EndTime:        day(30),
		Trades: []*Trade{
			mkTrade(2, 10, 0.01),
			mkTrade(3, 30, 0.03),
			mkTrade(4, -20, -0.02),
		},
		MaxAcceptableLoss: decimal.NewFromFloat(0.5),
	}

	snapshot, err := calc.Calculate(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if snapshot.TotalTrades != 3 {
		t.Fatalf("expected 3 trades, got %d", snapshot.TotalTrades)
	}
	if !snapshot.TotalReturn.Equal(decimal.NewFromFloat(0.02)) {
		t.Fatalf("expected total return 0.02, got %s", snapshot.TotalReturn)
	}
	wantWinRate := decimal.NewFromInt(2).Div(decimal.NewFromInt(3)).Round(8)
	if !snapshot.WinRate.Equal(wantWinRate) {
		t.Fatalf("expected win rate %s, got %s", wantWinRate, snapshot.WinRate)
	}
	if snapshot.ProfitFactor == nil || !snapshot.ProfitFactor.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected profit factor 2, got %v", snapshot.ProfitFactor)
	}
	if !snapshot.AvgWin.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected avg win 20, got %s", snapshot.AvgWin)
	}
	// 亏损报告为非负幅度
	if !snapshot.AvgLoss.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected avg loss 20, got %s", snapshot.AvgLoss)
	}
	// 峰值 1040 回落到 1020
	wantDD := decimal.NewFromInt(20).Div(decimal.NewFromInt(1040)).Round(8)
	if !snapshot.MaxDrawdown.Equal(wantDD) {
		t.Fatalf("expected max drawdown %s, got %s", wantDD, snapshot.MaxDrawdown)
	}
	if snapshot.SharpeRatio.IsZero() {
		t.Fatal("expected non-zero sharpe ratio")
	}
	if !snapshot.SimulationSkipped {
		t.Fatal("expected simulation marked skipped without scenarios")
	}
}

func TestMetricsProfitFactorUndefined(t *testing.T) {
	calc := NewMetricsCalculator(testLogger)

	snapshot, err := calc.Calculate(MetricsInput{
		RunID:             "BT1",
		InitialCapital:    decimal.NewFromInt(1000),
		StartTime:         day(1),
		EndTime:           day(30),
		Trades:            []*Trade{mkTrade(2, 10, 0.01), mkTrade(3, 5, 0.005)},
		MaxAcceptableLoss: decimal.NewFromFloat(0.5),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 无亏损单时盈亏比无定义
	if snapshot.ProfitFactor != nil {
		t.Fatalf("expected nil profit factor, got %s", snapshot.ProfitFactor)
	}
}

func TestMetricsEmptyLedger(t *testing.T) {
	calc := NewMetricsCalculator(testLogger)

	snapshot, err := calc.Calculate(MetricsInput{
		RunID:             "BT1",
		InitialCapital:    decimal.NewFromInt(1000),
		StartTime:         day(1),
		EndTime:           day(30),
		MaxAcceptableLoss: decimal.NewFromFloat(0.5),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snapshot.TotalTrades != 0 || !snapshot.WinRate.IsZero() || !snapshot.SharpeRatio.IsZero() {
		t.Fatal("expected zeroed ledger metrics for empty ledger")
	}
	if snapshot.ProfitFactor != nil {
		t.Fatal("expected nil profit factor for empty ledger")
	}
}

func TestMetricsSimulationAggregates(t *testing.T) {
	calc := NewMetricsCalculator(testLogger)

	scenarios := []*MonteCarloScenario{
		{RunID: "BT1", ScenarioNo: 0, TerminalEquity: decimal.NewFromInt(400), BreakerFired: true},
		{RunID: "BT1", ScenarioNo: 1, TerminalEquity: decimal.NewFromInt(800)},
		{RunID: "BT1", ScenarioNo: 2, TerminalEquity: decimal.NewFromInt(1200)},
		{RunID: "BT1", ScenarioNo: 3, TerminalEquity: decimal.NewFromInt(1600)},
	}

	snapshot, err := calc.Calculate(MetricsInput{
		RunID:             "BT1",
		InitialCapital:    decimal.NewFromInt(1000),
		StartTime:         day(1),
		EndTime:           day(30),
		Trades:            []*Trade{mkTrade(2, 10, 0.01)},
		Scenarios:         scenarios,
		MaxAcceptableLoss: decimal.NewFromFloat(0.5),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if snapshot.SimulationSkipped {
		t.Fatal("expected simulation not skipped")
	}
	if snapshot.ScenarioCount != 4 {
		t.Fatalf("expected scenario count 4, got %d", snapshot.ScenarioCount)
	}
	if snapshot.EquityP5 == nil || !snapshot.EquityP5.Equal(decimal.NewFromInt(400)) {
		t.Fatalf("expected p5 400, got %v", snapshot.EquityP5)
	}
	if snapshot.EquityP50 == nil || !snapshot.EquityP50.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected p50 1000, got %v", snapshot.EquityP50)
	}
	if snapshot.EquityP95 == nil || !snapshot.EquityP95.Equal(decimal.NewFromInt(1600)) {
		t.Fatalf("expected p95 1600, got %v", snapshot.EquityP95)
	}
	// 破产线 = 1000 × (1-0.5) = 500，只有终值 400 的场景低于它
	if snapshot.ProbRuin == nil || !snapshot.ProbRuin.Equal(decimal.NewFromFloat(0.25)) {
		t.Fatalf("expected prob ruin 0.25, got %v", snapshot.ProbRuin)
	}
	if snapshot.ProbBreaker == nil || !snapshot.ProbBreaker.Equal(decimal.NewFromFloat(0.25)) {
		t.Fatalf("expected prob breaker 0.25, got %v", snapshot.ProbBreaker)
	}
}

func TestMetricsIdempotent(t *testing.T) {
	calc := NewMetricsCalculator(testLogger)

	in := MetricsInput{
		RunID:          "BT1",
		InitialCapital: decimal.NewFromInt(1000),
		StartTime:      day(1),
		EndTime:        day(30),
		Trades: []*Trade{
			mkTrade(2, 10, 0.01),
			mkTrade(3, -5, -0.005),
			mkTrade(4, 8, 0.008),
		},
		MaxAcceptableLoss: decimal.NewFromFloat(0.5),
	}

	a, err := calc.Calculate(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := calc.Calculate(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !a.TotalReturn.Equal(b.TotalReturn) ||
		!a.WinRate.Equal(b.WinRate) ||
		!a.MaxDrawdown.Equal(b.MaxDrawdown) ||
		!a.SharpeRatio.Equal(b.SharpeRatio) {
		t.Fatal("expected identical snapshots for identical inputs")
	}
}
