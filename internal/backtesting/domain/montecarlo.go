// 蒙特卡洛模拟器：对真实成交账本的单笔收益序列做自助法（bootstrap）重采样，
// 在相同熔断规则下重放出 N 条独立的权益路径，用于估计风险分布。
package domain

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime"
	"sync"

	"github.com/shopspring/decimal"
)

const (
	// MinSampleSize 低于该成交笔数时收益分布不具备统计意义，模拟被跳过
	MinSampleSize = 10
	// DefaultScenarioCount 默认场景数
	DefaultScenarioCount = 500
)

// MonteCarloInput 一次模拟的完整输入
// Seed 是显式记录的输入：相同种子产出逐位相同的场景集。
type MonteCarloInput struct {
	RunID          string
	Returns        []decimal.Decimal // 真实账本的单笔收益率序列
	InitialCapital decimal.Decimal
	Risk           RiskParams
	ApplyBreakers  bool
	ScenarioCount  int
	Seed           int64
	Workers        int
}

// MonteCarloSimulator 蒙特卡洛模拟器
// 每个场景是 (收益序列, 场景私有随机流, 熔断阈值) 的纯函数，
// 场景之间不共享可变状态，天然可并行。
type MonteCarloSimulator struct {
	logger *slog.Logger
}

// NewMonteCarloSimulator 创建模拟器
func NewMonteCarloSimulator(logger *slog.Logger) *MonteCarloSimulator {
	return &MonteCarloSimulator{logger: logger}
}

// Run 执行模拟，返回 scenario_no 递增的场景集
func (s *MonteCarloSimulator) Run(ctx context.Context, in MonteCarloInput) ([]*MonteCarloScenario, error) {
	if len(in.Returns) < MinSampleSize {
		return nil, fmt.Errorf("%w: got %d trades, need at least %d",
			ErrInsufficientSample, len(in.Returns), MinSampleSize)
	}
	if in.InitialCapital.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: initial capital must be positive", ErrConfiguration)
	}

	count := in.ScenarioCount
	if count <= 0 {
		count = DefaultScenarioCount
	}
	workers := in.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > count {
		workers = count
	}

	// 结果槽按场景号预分配，工作协程各写各的下标，无需加锁
	scenarios := make([]*MonteCarloScenario, count)
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for no := range jobs {
				// 取消只意味着放弃尚未开始的场景，单场景本身足够短
				if ctx.Err() != nil {
					continue
				}
				scenarios[no] = s.runScenario(no, in)
			}
		}()
	}
	for no := 0; no < count; no++ {
		jobs <- no
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRunCancelled, err)
	}
	for no, sc := range scenarios {
		if sc == nil {
			return nil, fmt.Errorf("%w: scenario %d not produced", ErrSimulationFault, no)
		}
	}

	s.logger.InfoContext(ctx, "monte carlo simulation finished",
		"run_id", in.RunID, "scenarios", count, "sample_size", len(in.Returns))
	return scenarios, nil
}

// runScenario 重放单个场景
// 随机流种子 = 运行种子 + 场景号，场景集与工作协程的调度顺序无关。
func (s *MonteCarloSimulator) runScenario(no int, in MonteCarloInput) *MonteCarloScenario {
	rng := rand.New(rand.NewSource(in.Seed + int64(no)))

	equity := in.InitialCapital
	peak := in.InitialCapital
	maxDD := decimal.Zero
	fired := false

	for step := 0; step < len(in.Returns); step++ {
		r := in.Returns[rng.Intn(len(in.Returns))]
		equity = equity.Add(equity.Mul(r))

		if equity.GreaterThan(peak) {
			peak = equity
		}
		if peak.IsPositive() {
			dd := peak.Sub(equity).Div(peak)
			if dd.GreaterThan(maxDD) {
				maxDD = dd
			}
		}

		if in.ApplyBreakers && s.breached(r, equity, peak, in.Risk) {
			// 击穿即冻结权益，余下抽样全部丢弃
			fired = true
			break
		}
	}

	return &MonteCarloScenario{
		RunID:          in.RunID,
		ScenarioNo:     no,
		TerminalEquity: equity.Round(8),
		MaxDrawdown:    maxDD.Round(8),
		BreakerFired:   fired,
	}
}

// breached 在重采样路径上套用与回测引擎相同的熔断阈值：
// 单步亏损视作日内亏损熔断，路径回撤视作整体回撤熔断。
func (s *MonteCarloSimulator) breached(stepReturn, equity, peak decimal.Decimal, risk RiskParams) bool {
	if stepReturn.Neg().GreaterThanOrEqual(risk.DailyLossLimitPct) {
		return true
	}
	if peak.IsPositive() {
		dd := peak.Sub(equity).Div(peak)
		if dd.GreaterThanOrEqual(risk.MaxDrawdownPct) {
			return true
		}
	}
	return false
}
