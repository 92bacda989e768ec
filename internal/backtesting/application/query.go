// 查询服务：对外提供运行详情、蒙特卡洛结果与历史列表的只读视图。
// 成交与场景均返回有界分页，避免响应体随账本规模无界膨胀。
package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/backtesting/internal/backtesting/domain"
)

const (
	// DefaultTradePageSize 运行详情中返回的最近成交笔数
	DefaultTradePageSize = 100
	// DefaultScenarioSampleSize 蒙特卡洛查询返回的场景样本数
	DefaultScenarioSampleSize = 50
)

// QueryService 回测查询服务
type QueryService struct {
	repo               domain.BacktestRepository
	logger             *slog.Logger
	tradePageSize      int
	scenarioSampleSize int
}

// NewQueryService 创建查询服务
func NewQueryService(repo domain.BacktestRepository, logger *slog.Logger, tradePageSize, scenarioSampleSize int) *QueryService {
	if tradePageSize <= 0 {
		tradePageSize = DefaultTradePageSize
	}
	if scenarioSampleSize <= 0 {
		scenarioSampleSize = DefaultScenarioSampleSize
	}
	return &QueryService{
		repo:               repo,
		logger:             logger,
		tradePageSize:      tradePageSize,
		scenarioSampleSize: scenarioSampleSize,
	}
}

// RunDTO 运行视图
type RunDTO struct {
	RunID          string          `json:"run_id"`
	UserID         uint64          `json:"user_id"`
	Name           string          `json:"name"`
	Symbols        string          `json:"symbols"`
	StartTime      time.Time       `json:"start_time"`
	EndTime        time.Time       `json:"end_time"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	StrategyParams string          `json:"strategy_params"`
	RiskParams     string          `json:"risk_params"`
	CostParams     string          `json:"cost_params"`
	ApplyBreakers  bool            `json:"apply_breakers"`
	Seed           int64           `json:"seed"`
	Status         string          `json:"status"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// TradeDTO 成交视图
type TradeDTO struct {
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	EntryTime  time.Time       `json:"entry_time"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitTime   time.Time       `json:"exit_time"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	Quantity   decimal.Decimal `json:"quantity"`
	PnL        decimal.Decimal `json:"pnl"`
	ReturnPct  decimal.Decimal `json:"return_pct"`
	Reason     string          `json:"close_reason"`
}

// MetricsDTO 指标快照视图
type MetricsDTO struct {
	TotalTrades       int              `json:"total_trades"`
	TotalReturn       decimal.Decimal  `json:"total_return"`
	WinRate           decimal.Decimal  `json:"win_rate"`
	ProfitFactor      *decimal.Decimal `json:"profit_factor"`
	AvgWin            decimal.Decimal  `json:"avg_win"`
	AvgLoss           decimal.Decimal  `json:"avg_loss"`
	MaxDrawdown       decimal.Decimal  `json:"max_drawdown"`
	SharpeRatio       decimal.Decimal  `json:"sharpe_ratio"`
	SimulationSkipped bool             `json:"simulation_skipped"`
	ScenarioCount     int              `json:"scenario_count"`
	EquityP5          *decimal.Decimal `json:"equity_p5,omitempty"`
	EquityP50         *decimal.Decimal `json:"equity_p50,omitempty"`
	EquityP95         *decimal.Decimal `json:"equity_p95,omitempty"`
	ProbRuin          *decimal.Decimal `json:"prob_ruin,omitempty"`
	ProbBreaker       *decimal.Decimal `json:"prob_breaker,omitempty"`
}

// RunDetailDTO 运行详情：运行记录 + 指标（可能尚未产出）+ 最近成交
type RunDetailDTO struct {
	Run          *RunDTO     `json:"run"`
	Metrics      *MetricsDTO `json:"metrics"`
	RecentTrades []*TradeDTO `json:"recent_trades"`
}

// ScenarioDTO 场景视图
type ScenarioDTO struct {
	ScenarioNo     int             `json:"scenario_no"`
	TerminalEquity decimal.Decimal `json:"terminal_equity"`
	MaxDrawdown    decimal.Decimal `json:"max_drawdown"`
	BreakerFired   bool            `json:"breaker_fired"`
}

// MonteCarloDTO 蒙特卡洛结果：有界场景样本 + 指标快照中的聚合摘要
type MonteCarloDTO struct {
	RunID     string         `json:"run_id"`
	Scenarios []*ScenarioDTO `json:"scenarios"`
	Summary   *MetricsDTO    `json:"summary"`
}

// GetRunDetail 获取运行详情
// 指标尚未产出时 Metrics 为 nil；成交页为出场时间倒序的最近一页。
func (s *QueryService) GetRunDetail(ctx context.Context, runID string) (*RunDetailDTO, error) {
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	detail := &RunDetailDTO{Run: toRunDTO(run)}

	// 指标快照不存在不是错误：运行中或失败的运行本就没有快照
	snapshot, err := s.repo.GetMetrics(ctx, runID)
	if err != nil {
		return nil, err
	}
	if snapshot != nil {
		detail.Metrics = toMetricsDTO(snapshot)
	}

	trades, err := s.repo.ListRecentTrades(ctx, runID, s.tradePageSize)
	if err != nil {
		return nil, err
	}
	detail.RecentTrades = make([]*TradeDTO, len(trades))
	for i, t := range trades {
		detail.RecentTrades[i] = toTradeDTO(t)
	}
	return detail, nil
}

// GetMonteCarlo 获取蒙特卡洛结果
func (s *QueryService) GetMonteCarlo(ctx context.Context, runID string) (*MonteCarloDTO, error) {
	if _, err := s.repo.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	scenarios, err := s.repo.ListScenarios(ctx, runID, s.scenarioSampleSize)
	if err != nil {
		return nil, err
	}

	result := &MonteCarloDTO{
		RunID:     runID,
		Scenarios: make([]*ScenarioDTO, len(scenarios)),
	}
	for i, sc := range scenarios {
		result.Scenarios[i] = &ScenarioDTO{
			ScenarioNo:     sc.ScenarioNo,
			TerminalEquity: sc.TerminalEquity,
			MaxDrawdown:    sc.MaxDrawdown,
			BreakerFired:   sc.BreakerFired,
		}
	}

	snapshot, err := s.repo.GetMetrics(ctx, runID)
	if err != nil {
		return nil, err
	}
	if snapshot != nil {
		result.Summary = toMetricsDTO(snapshot)
	}
	return result, nil
}

// ListRuns 按用户列出历史运行，创建时间倒序
func (s *QueryService) ListRuns(ctx context.Context, userID uint64, limit, offset int) ([]*RunDTO, error) {
	runs, err := s.repo.ListRuns(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	dtos := make([]*RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run)
	}
	return dtos, nil
}

func toRunDTO(run *domain.BacktestRun) *RunDTO {
	return &RunDTO{
		RunID:          run.RunID,
		UserID:         run.UserID,
		Name:           run.Name,
		Symbols:        run.Symbols,
		StartTime:      run.StartTime,
		EndTime:        run.EndTime,
		InitialCapital: run.InitialCapital,
		StrategyParams: run.StrategyParams,
		RiskParams:     run.RiskParams,
		CostParams:     run.CostParams,
		ApplyBreakers:  run.ApplyBreakers,
		Seed:           run.Seed,
		Status:         string(run.Status),
		ErrorMessage:   run.ErrorMessage,
		CreatedAt:      run.CreatedAt,
		StartedAt:      run.StartedAt,
		CompletedAt:    run.CompletedAt,
	}
}

func toTradeDTO(t *domain.Trade) *TradeDTO {
	return &TradeDTO{
		Symbol:     t.Symbol,
		Side:       string(t.Side),
		EntryTime:  t.EntryTime,
		EntryPrice: t.EntryPrice,
		ExitTime:   t.ExitTime,
		ExitPrice:  t.ExitPrice,
		Quantity:   t.Quantity,
		PnL:        t.PnL,
		ReturnPct:  t.ReturnPct,
		Reason:     string(t.Reason),
	}
}

func toMetricsDTO(m *domain.MetricsSnapshot) *MetricsDTO {
	return &MetricsDTO{
		TotalTrades:       m.TotalTrades,
		TotalReturn:       m.TotalReturn,
		WinRate:           m.WinRate,
		ProfitFactor:      m.ProfitFactor,
		AvgWin:            m.AvgWin,
		AvgLoss:           m.AvgLoss,
		MaxDrawdown:       m.MaxDrawdown,
		SharpeRatio:       m.SharpeRatio,
		SimulationSkipped: m.SimulationSkipped,
		ScenarioCount:     m.ScenarioCount,
		EquityP5:          m.EquityP5,
		EquityP50:         m.EquityP50,
		EquityP95:         m.EquityP95,
		ProbRuin:          m.ProbRuin,
		ProbBreaker:       m.ProbBreaker,
	}
}
