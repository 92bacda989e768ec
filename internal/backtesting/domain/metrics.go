// 指标计算器：由成交账本与蒙特卡洛场景集派生唯一一份绩效/风险快照。
// 相同输入必须产出逐位相同的十进制结果，落库前统一按 8 位小数取整。
package domain

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/shopspring/decimal"
)

const hoursPerYear = 24 * 365

// MetricsInput 指标计算输入
// Scenarios 为 nil 表示模拟被跳过（样本不足或模拟阶段降级）。
type MetricsInput struct {
	RunID             string
	InitialCapital    decimal.Decimal
	StartTime         time.Time
	EndTime           time.Time
	Trades            []*Trade
	Scenarios         []*MonteCarloScenario
	MaxAcceptableLoss decimal.Decimal // 破产线 = 初始资金 × (1 - 该比例)
}

// MetricsCalculator 指标计算器
type MetricsCalculator struct {
	logger *slog.Logger
}

// NewMetricsCalculator 创建指标计算器
func NewMetricsCalculator(logger *slog.Logger) *MetricsCalculator {
	return &MetricsCalculator{logger: logger}
}

// Calculate 计算指标快照
// 账本部分全程十进制运算；场景聚合（分位数、概率）使用浮点统计，
// 输入相同时结果仍然确定。
func (c *MetricsCalculator) Calculate(in MetricsInput) (*MetricsSnapshot, error) {
	if in.InitialCapital.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: initial capital must be positive", ErrConfiguration)
	}

	snapshot := &MetricsSnapshot{
		RunID:             in.RunID,
		TotalTrades:       len(in.Trades),
		SimulationSkipped: len(in.Scenarios) == 0,
	}

	c.ledgerMetrics(in, snapshot)
	if len(in.Scenarios) > 0 {
		if err := c.simulationMetrics(in, snapshot); err != nil {
			return nil, err
		}
	}
	return snapshot, nil
}

// ledgerMetrics 真实账本指标
func (c *MetricsCalculator) ledgerMetrics(in MetricsInput, snapshot *MetricsSnapshot) {
	var (
		totalPnL    = decimal.Zero
		grossProfit = decimal.Zero
		grossLoss   = decimal.Zero // 亏损幅度之和，非负
		wins        int
		losses      int
	)
	for _, t := range in.Trades {
		totalPnL = totalPnL.Add(t.PnL)
		switch {
		case t.PnL.IsPositive():
			wins++
			grossProfit = grossProfit.Add(t.PnL)
		case t.PnL.IsNegative():
			losses++
			grossLoss = grossLoss.Add(t.PnL.Abs())
		}
	}

	snapshot.TotalReturn = totalPnL.Div(in.InitialCapital).Round(8)

	if len(in.Trades) > 0 {
		snapshot.WinRate = decimal.NewFromInt(int64(wins)).
			Div(decimal.NewFromInt(int64(len(in.Trades)))).Round(8)
	} else {
		snapshot.WinRate = decimal.Zero
	}

	// 无亏损单时盈亏比无定义，保持 NULL
	if grossLoss.IsPositive() {
		pf := grossProfit.Div(grossLoss).Round(8)
		snapshot.ProfitFactor = &pf
	}

	snapshot.AvgWin = decimal.Zero
	if wins > 0 {
		snapshot.AvgWin = grossProfit.Div(decimal.NewFromInt(int64(wins))).Round(8)
	}
	snapshot.AvgLoss = decimal.Zero
	if losses > 0 {
		// 报告为非负幅度
		snapshot.AvgLoss = grossLoss.Div(decimal.NewFromInt(int64(losses))).Round(8)
	}

	snapshot.MaxDrawdown = MaxDrawdownOf(BuildEquityCurve(in.InitialCapital, in.Trades)).Round(8)
	snapshot.SharpeRatio = c.sharpeRatio(in).Round(8)
}

// sharpeRatio 单笔收益均值/标准差，按成交频率折算年化系数
func (c *MetricsCalculator) sharpeRatio(in MetricsInput) decimal.Decimal {
	if len(in.Trades) < 2 {
		return decimal.Zero
	}
	returns := make([]float64, len(in.Trades))
	for i, t := range in.Trades {
		returns[i] = t.ReturnPct.InexactFloat64()
	}

	mean, err := stats.Mean(returns)
	if err != nil {
		return decimal.Zero
	}
	std, err := stats.StandardDeviationSample(returns)
	if err != nil || std == 0 {
		return decimal.Zero
	}

	years := in.EndTime.Sub(in.StartTime).Hours() / hoursPerYear
	if years <= 0 {
		return decimal.Zero
	}
	tradesPerYear := float64(len(in.Trades)) / years

	return decimal.NewFromFloat(mean / std * math.Sqrt(tradesPerYear))
}

// simulationMetrics 场景集聚合：终值分位带、破产概率、熔断触发概率
func (c *MetricsCalculator) simulationMetrics(in MetricsInput, snapshot *MetricsSnapshot) error {
	terminals := make([]float64, len(in.Scenarios))
	ruinThreshold := in.InitialCapital.Mul(decimal.NewFromInt(1).Sub(in.MaxAcceptableLoss))
	ruined := 0
	breached := 0
	for i, sc := range in.Scenarios {
		terminals[i] = sc.TerminalEquity.InexactFloat64()
		if sc.TerminalEquity.LessThan(ruinThreshold) {
			ruined++
		}
		if sc.BreakerFired {
			breached++
		}
	}

	p5, err := stats.Percentile(terminals, 5)
	if err != nil {
		return fmt.Errorf("%w: percentile: %v", ErrSimulationFault, err)
	}
	p50, err := stats.Percentile(terminals, 50)
	if err != nil {
		return fmt.Errorf("%w: percentile: %v", ErrSimulationFault, err)
	}
	p95, err := stats.Percentile(terminals, 95)
	if err != nil {
		return fmt.Errorf("%w: percentile: %v", ErrSimulationFault, err)
	}

	total := decimal.NewFromInt(int64(len(in.Scenarios)))
	eqP5 := decimal.NewFromFloat(p5).Round(8)
	eqP50 := decimal.NewFromFloat(p50).Round(8)
	eqP95 := decimal.NewFromFloat(p95).Round(8)
	probRuin := decimal.NewFromInt(int64(ruined)).Div(total).Round(8)
	probBreaker := decimal.NewFromInt(int64(breached)).Div(total).Round(8)

	snapshot.ScenarioCount = len(in.Scenarios)
	snapshot.EquityP5 = &eqP5
	snapshot.EquityP50 = &eqP50
	snapshot.EquityP95 = &eqP95
	snapshot.ProbRuin = &probRuin
	snapshot.ProbBreaker = &probBreaker
	return nil
}
