// Package application 回测服务应用层
// 编排器：运行队列 + 有界工作池。运行状态机是进度的唯一事实来源，
// 不使用请求协程上的 fire-and-forget，宿主中断不会悄悄丢失失败。
package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/backtesting/internal/backtesting/domain"
	"github.com/wyfcoding/pkg/messagequeue"
)

// OrchestratorOptions 编排器配置
type OrchestratorOptions struct {
	Workers       int // 并发执行的运行数上限
	QueueSize     int // 等待队列容量
	ScenarioCount int // 每次运行的蒙特卡洛场景数
	SimWorkers    int // 单次模拟内部的工作协程数，0 表示按 CPU 数
}

// Orchestrator 运行编排器
// 对单次运行顺序执行 引擎 → 模拟器 → 指标计算，
// 任何阶段的致命错误只终结该次运行，编排器本身持续可用。
type Orchestrator struct {
	repo       domain.BacktestRepository
	source     domain.MarketDataSource
	simulator  *domain.MonteCarloSimulator
	calculator *domain.MetricsCalculator
	publisher  messagequeue.EventPublisher
	logger     *slog.Logger
	opts       OrchestratorOptions

	queue  chan *domain.BacktestRun
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator 创建编排器
func NewOrchestrator(
	repo domain.BacktestRepository,
	source domain.MarketDataSource,
	publisher messagequeue.EventPublisher,
	logger *slog.Logger,
	opts OrchestratorOptions,
) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.ScenarioCount <= 0 {
		opts.ScenarioCount = domain.DefaultScenarioCount
	}
	return &Orchestrator{
		repo:       repo,
		source:     source,
		simulator:  domain.NewMonteCarloSimulator(logger),
		calculator: domain.NewMetricsCalculator(logger),
		publisher:  publisher,
		logger:     logger,
		opts:       opts,
		queue:      make(chan *domain.BacktestRun, opts.QueueSize),
	}
}

// Start 启动工作池
func (o *Orchestrator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	for i := 0; i < o.opts.Workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx)
	}
}

// Stop 停止工作池：进行中的运行被协作式取消，
// 排队未开始的运行以取消原因标记失败。
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	close(o.queue)
	o.wg.Wait()
}

// Enqueue 将已接受的运行放入队列，队列满时立即报错
func (o *Orchestrator) Enqueue(run *domain.BacktestRun) error {
	select {
	case o.queue <- run:
		return nil
	default:
		return errors.New("run queue is full")
	}
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for run := range o.queue {
		if ctx.Err() != nil {
			o.failRun(run, "run cancelled before execution")
			continue
		}
		o.execute(ctx, run)
	}
}

// execute 执行单次运行的完整流水线
func (o *Orchestrator) execute(ctx context.Context, run *domain.BacktestRun) {
	o.logger.InfoContext(ctx, "run started",
		"run_id", run.RunID, "user_id", run.UserID, "symbols", run.Symbols)

	input, strategyParams, riskParams, err := o.buildEngineInput(run)
	if err != nil {
		o.failRun(run, err.Error())
		return
	}

	// 1. 回放引擎：账本必须完整落定之后才允许开始重采样
	engine := domain.NewBacktestEngine(o.source, domain.NewSMACrossStrategy(strategyParams), o.logger)
	trades, err := engine.Run(ctx, input)
	if err != nil {
		if errors.Is(err, domain.ErrRunCancelled) {
			o.failRun(run, "run cancelled")
		} else {
			o.failRun(run, err.Error())
		}
		return
	}
	for _, t := range trades {
		t.RunID = run.RunID
	}
	if len(trades) > 0 {
		if err := o.repo.SaveTrades(ctx, trades); err != nil {
			o.failRun(run, fmt.Sprintf("persist trades: %v", err))
			return
		}
	}

	// 2. 蒙特卡洛：样本不足仅降级为“无模拟指标”，模拟故障同样降级，
	//    真实账本的结果不因模拟阶段失败而丢弃
	scenarios := o.runSimulation(ctx, run, riskParams, trades)
	if len(scenarios) > 0 {
		if err := o.repo.SaveScenarios(ctx, scenarios); err != nil {
			o.failRun(run, fmt.Sprintf("persist scenarios: %v", err))
			return
		}
	}

	// 3. 指标快照：账本与场景集全部落定后一次性产出
	snapshot, err := o.calculator.Calculate(domain.MetricsInput{
		RunID:             run.RunID,
		InitialCapital:    run.InitialCapital,
		StartTime:         run.StartTime,
		EndTime:           run.EndTime,
		Trades:            trades,
		Scenarios:         scenarios,
		MaxAcceptableLoss: riskParams.MaxAcceptableLoss,
	})
	if err != nil {
		o.failRun(run, fmt.Sprintf("calculate metrics: %v", err))
		return
	}
	if err := o.repo.SaveMetrics(ctx, snapshot); err != nil {
		o.failRun(run, fmt.Sprintf("persist metrics: %v", err))
		return
	}

	if err := run.Complete(); err != nil {
		o.logger.ErrorContext(ctx, "illegal status transition", "run_id", run.RunID, "error", err)
		return
	}
	if err := o.repo.SaveRun(ctx, run); err != nil {
		o.logger.ErrorContext(ctx, "failed to persist completed run", "run_id", run.RunID, "error", err)
		return
	}
	o.publishEvents(ctx, run)

	o.logger.InfoContext(ctx, "run completed",
		"run_id", run.RunID, "trades", len(trades), "scenarios", len(scenarios))
}

// runSimulation 执行蒙特卡洛阶段，失败时返回 nil 表示降级
func (o *Orchestrator) runSimulation(ctx context.Context, run *domain.BacktestRun, risk domain.RiskParams, trades []*domain.Trade) []*domain.MonteCarloScenario {
	returns := make([]decimal.Decimal, len(trades))
	for i, t := range trades {
		returns[i] = t.ReturnPct
	}

	scenarios, err := o.simulator.Run(ctx, domain.MonteCarloInput{
		RunID:          run.RunID,
		Returns:        returns,
		InitialCapital: run.InitialCapital,
		Risk:           risk,
		ApplyBreakers:  run.ApplyBreakers,
		ScenarioCount:  o.opts.ScenarioCount,
		Seed:           run.Seed,
		Workers:        o.opts.SimWorkers,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientSample) {
			o.logger.InfoContext(ctx, "simulation skipped",
				"run_id", run.RunID, "reason", err.Error())
		} else {
			o.logger.ErrorContext(ctx, "simulation degraded",
				"run_id", run.RunID, "error", err)
		}
		return nil
	}
	return scenarios
}

// buildEngineInput 从运行快照还原引擎输入
func (o *Orchestrator) buildEngineInput(run *domain.BacktestRun) (domain.EngineInput, domain.StrategyParams, domain.RiskParams, error) {
	var (
		in             domain.EngineInput
		strategyParams domain.StrategyParams
		riskParams     domain.RiskParams
		costParams     domain.CostParams
		symbols        []string
	)
	if err := json.Unmarshal([]byte(run.Symbols), &symbols); err != nil {
		return in, strategyParams, riskParams, fmt.Errorf("%w: symbols: %v", domain.ErrConfiguration, err)
	}
	if err := json.Unmarshal([]byte(run.StrategyParams), &strategyParams); err != nil {
		return in, strategyParams, riskParams, fmt.Errorf("%w: strategy params: %v", domain.ErrConfiguration, err)
	}
	if err := json.Unmarshal([]byte(run.RiskParams), &riskParams); err != nil {
		return in, strategyParams, riskParams, fmt.Errorf("%w: risk params: %v", domain.ErrConfiguration, err)
	}
	if err := json.Unmarshal([]byte(run.CostParams), &costParams); err != nil {
		return in, strategyParams, riskParams, fmt.Errorf("%w: cost params: %v", domain.ErrConfiguration, err)
	}

	in = domain.EngineInput{
		RunID:          run.RunID,
		Symbols:        symbols,
		StartTime:      run.StartTime,
		EndTime:        run.EndTime,
		InitialCapital: run.InitialCapital,
		Risk:           riskParams,
		Cost:           costParams,
		ApplyBreakers:  run.ApplyBreakers,
	}
	return in, strategyParams, riskParams, nil
}

// failRun 标记运行失败。失败运行已产出的成交保留用于排查，指标快照不再产出。
func (o *Orchestrator) failRun(run *domain.BacktestRun, message string) {
	ctx := context.Background()
	if err := run.Fail(message); err != nil {
		o.logger.Error("illegal status transition", "run_id", run.RunID, "error", err)
		return
	}
	if err := o.repo.SaveRun(ctx, run); err != nil {
		o.logger.Error("failed to persist failed run", "run_id", run.RunID, "error", err)
		return
	}
	o.publishEvents(ctx, run)
	o.logger.Error("run failed", "run_id", run.RunID, "reason", message)
}

// publishEvents 发布领域事件
func (o *Orchestrator) publishEvents(ctx context.Context, run *domain.BacktestRun) {
	for _, event := range run.GetDomainEvents() {
		if err := o.publisher.Publish(ctx, event.EventName(), run.RunID, event); err != nil {
			o.logger.ErrorContext(ctx, "failed to publish event",
				"event", event.EventName(), "run_id", run.RunID, "error", err)
		}
	}
	run.ClearDomainEvents()
}
