package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RunStatus 运行状态
type RunStatus string

const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
)

// TradeSide 成交方向
type TradeSide string

const (
	TradeSideLong  TradeSide = "LONG"
	TradeSideShort TradeSide = "SHORT"
)

// CloseReason 平仓原因
type CloseReason string

const (
	CloseReasonSignal     CloseReason = "SIGNAL"
	CloseReasonStopLoss   CloseReason = "STOP_LOSS"
	CloseReasonTakeProfit CloseReason = "TAKE_PROFIT"
	CloseReasonBreaker    CloseReason = "BREAKER"
	CloseReasonEndOfData  CloseReason = "END_OF_DATA"
)

// BacktestRun 回测运行聚合根
// 三套参数集在创建时合并为不可变快照随运行落库，
// 后续修改默认值不会改变历史运行的语义。
type BacktestRun struct {
	gorm.Model
	RunID          string          `gorm:"column:run_id;type:varchar(32);uniqueIndex;not null"`
	UserID         uint64          `gorm:"column:user_id;index;not null"`
	Name           string          `gorm:"column:name;type:varchar(128);not null"`
	Symbols        string          `gorm:"column:symbols;type:json;not null"` // JSON 数组
	StartTime      time.Time       `gorm:"column:start_time;not null"`
	EndTime        time.Time       `gorm:"column:end_time;not null"`
	InitialCapital decimal.Decimal `gorm:"column:initial_capital;type:decimal(20,8);not null"`
	StrategyParams string          `gorm:"column:strategy_params;type:json;not null"`
	RiskParams     string          `gorm:"column:risk_params;type:json;not null"`
	CostParams     string          `gorm:"column:cost_params;type:json;not null"`
	ApplyBreakers  bool            `gorm:"column:apply_breakers;not null;default:true"`
	Seed           int64           `gorm:"column:seed;not null"` // 蒙特卡洛随机种子，记录以支持审计复现
	Status         RunStatus       `gorm:"column:status;type:varchar(16);not null;default:'PENDING'"`
	ErrorMessage   string          `gorm:"column:error_message;type:text"`
	StartedAt      *time.Time      `gorm:"column:started_at"`
	CompletedAt    *time.Time      `gorm:"column:completed_at"`

	// 领域事件
	domainEvents []DomainEvent `gorm:"-"`
}

// TableName 表名
func (BacktestRun) TableName() string {
	return "backtest_runs"
}

// MarkRunning 接受运行，进入执行态
func (r *BacktestRun) MarkRunning() error {
	if r.Status != RunStatusPending {
		return errors.New("invalid status for running")
	}
	now := time.Now()
	r.Status = RunStatusRunning
	r.StartedAt = &now
	return nil
}

// Complete 标记运行完成。状态是单调的，终态之后不再迁移。
func (r *BacktestRun) Complete() error {
	if r.Status != RunStatusRunning {
		return errors.New("invalid status for complete")
	}
	now := time.Now()
	r.Status = RunStatusCompleted
	r.CompletedAt = &now

	r.addEvent(&RunCompletedEvent{
		RunID:     r.RunID,
		UserID:    r.UserID,
		Timestamp: now,
	})
	return nil
}

// Fail 标记运行失败，错误信息必须非空
func (r *BacktestRun) Fail(message string) error {
	if r.Status == RunStatusCompleted || r.Status == RunStatusFailed {
		return errors.New("run already in terminal status")
	}
	if message == "" {
		message = "unknown failure"
	}
	now := time.Now()
	r.Status = RunStatusFailed
	r.ErrorMessage = message
	r.CompletedAt = &now

	r.addEvent(&RunFailedEvent{
		RunID:     r.RunID,
		UserID:    r.UserID,
		Reason:    message,
		Timestamp: now,
	})
	return nil
}

// IsTerminal 是否处于终态
func (r *BacktestRun) IsTerminal() bool {
	return r.Status == RunStatusCompleted || r.Status == RunStatusFailed
}

func (r *BacktestRun) addEvent(event DomainEvent) {
	r.domainEvents = append(r.domainEvents, event)
}

func (r *BacktestRun) GetDomainEvents() []DomainEvent {
	return r.domainEvents
}

func (r *BacktestRun) ClearDomainEvents() {
	r.domainEvents = nil
}

// Trade 回测产生的已平仓成交
// 同一运行内按入场时间非降序排列，单品种同一时刻至多一笔持仓。
type Trade struct {
	gorm.Model
	RunID      string          `gorm:"column:run_id;type:varchar(32);index;not null"`
	Symbol     string          `gorm:"column:symbol;type:varchar(32);not null"`
	Side       TradeSide       `gorm:"column:side;type:varchar(8);not null"`
	EntryTime  time.Time       `gorm:"column:entry_time;not null"`
	EntryPrice decimal.Decimal `gorm:"column:entry_price;type:decimal(20,8);not null"`
	ExitTime   time.Time       `gorm:"column:exit_time;not null"`
	ExitPrice  decimal.Decimal `gorm:"column:exit_price;type:decimal(20,8);not null"`
	Quantity   decimal.Decimal `gorm:"column:quantity;type:decimal(20,8);not null"`
	PnL        decimal.Decimal `gorm:"column:pnl;type:decimal(20,8);not null"`
	ReturnPct  decimal.Decimal `gorm:"column:return_pct;type:decimal(20,8);not null"` // 相对入场时权益的收益率
	Reason     CloseReason     `gorm:"column:close_reason;type:varchar(16);not null"`
}

// TableName 表名
func (Trade) TableName() string {
	return "backtest_trades"
}

// MonteCarloScenario 蒙特卡洛场景
// 场景之间相互独立，scenario_no 仅用于复现与排查。
type MonteCarloScenario struct {
	gorm.Model
	RunID          string          `gorm:"column:run_id;type:varchar(32);index;not null"`
	ScenarioNo     int             `gorm:"column:scenario_no;not null"`
	TerminalEquity decimal.Decimal `gorm:"column:terminal_equity;type:decimal(20,8);not null"`
	MaxDrawdown    decimal.Decimal `gorm:"column:max_drawdown;type:decimal(20,8);not null"`
	BreakerFired   bool            `gorm:"column:breaker_fired;not null"`
}

// TableName 表名
func (MonteCarloScenario) TableName() string {
	return "backtest_scenarios"
}

// MetricsSnapshot 指标快照，一次运行至多一份
// 由成交账本与场景集派生，账本与场景集全部落定后原子写入。
type MetricsSnapshot struct {
	gorm.Model
	RunID        string           `gorm:"column:run_id;type:varchar(32);uniqueIndex;not null"`
	TotalTrades  int              `gorm:"column:total_trades;not null"`
	TotalReturn  decimal.Decimal  `gorm:"column:total_return;type:decimal(20,8);not null"`
	WinRate      decimal.Decimal  `gorm:"column:win_rate;type:decimal(20,8);not null"`
	ProfitFactor *decimal.Decimal `gorm:"column:profit_factor;type:decimal(20,8)"` // 无亏损单时为 NULL
	AvgWin       decimal.Decimal  `gorm:"column:avg_win;type:decimal(20,8);not null"`
	AvgLoss      decimal.Decimal  `gorm:"column:avg_loss;type:decimal(20,8);not null"`
	MaxDrawdown  decimal.Decimal  `gorm:"column:max_drawdown;type:decimal(20,8);not null"`
	SharpeRatio  decimal.Decimal  `gorm:"column:sharpe_ratio;type:decimal(20,8);not null"`

	// 模拟部分。SimulationSkipped 区分“样本不足被跳过”与“未请求模拟”。
	SimulationSkipped bool             `gorm:"column:simulation_skipped;not null"`
	ScenarioCount     int              `gorm:"column:scenario_count;not null"`
	EquityP5          *decimal.Decimal `gorm:"column:equity_p5;type:decimal(20,8)"`
	EquityP50         *decimal.Decimal `gorm:"column:equity_p50;type:decimal(20,8)"`
	EquityP95         *decimal.Decimal `gorm:"column:equity_p95;type:decimal(20,8)"`
	ProbRuin          *decimal.Decimal `gorm:"column:prob_ruin;type:decimal(20,8)"`
	ProbBreaker       *decimal.Decimal `gorm:"column:prob_breaker;type:decimal(20,8)"`
}

// TableName 表名
func (MetricsSnapshot) TableName() string {
	return "backtest_metrics"
}
