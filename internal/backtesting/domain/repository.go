package domain

import "context"

// BacktestRepository 回测聚合仓储接口
// 成交、场景、指标均为一次写入，历史数据不做原地更新。
type BacktestRepository interface {
	SaveRun(ctx context.Context, run *BacktestRun) error
	GetRun(ctx context.Context, runID string) (*BacktestRun, error)
	ListRuns(ctx context.Context, userID uint64, limit, offset int) ([]*BacktestRun, error)

	SaveTrades(ctx context.Context, trades []*Trade) error
	// ListRecentTrades 返回最近平仓的 limit 笔成交，出场时间倒序
	ListRecentTrades(ctx context.Context, runID string, limit int) ([]*Trade, error)

	SaveScenarios(ctx context.Context, scenarios []*MonteCarloScenario) error
	// ListScenarios 按 scenario_no 升序返回前 limit 个场景
	ListScenarios(ctx context.Context, runID string, limit int) ([]*MonteCarloScenario, error)

	SaveMetrics(ctx context.Context, snapshot *MetricsSnapshot) error
	// GetMetrics 快照不存在时返回 (nil, nil)
	GetMetrics(ctx context.Context, runID string) (*MetricsSnapshot, error)

	// DeleteRun 删除运行并级联清理其成交、场景与指标快照
	DeleteRun(ctx context.Context, runID string) error
}
