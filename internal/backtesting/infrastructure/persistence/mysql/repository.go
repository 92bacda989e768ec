// 生成摘要：实现回测服务的 MySQL 仓储层，基于 GORM。
// 成交、场景、指标均为一次写入；删除运行时在单事务内级联清理全部从属数据。

package mysql

import (
	"context"
	"errors"
	"fmt"

	"github.com/wyfcoding/backtesting/internal/backtesting/domain"
	"gorm.io/gorm"
)

// backtestRepository GORM 回测仓储实现
type backtestRepository struct {
	db *gorm.DB
}

// NewBacktestRepository 创建回测仓储
func NewBacktestRepository(db *gorm.DB) domain.BacktestRepository {
	return &backtestRepository{db: db}
}

// SaveRun 保存运行聚合根
func (r *backtestRepository) SaveRun(ctx context.Context, run *domain.BacktestRun) error {
	return r.db.WithContext(ctx).Save(run).Error
}

// GetRun 根据业务 ID 获取运行
func (r *backtestRepository) GetRun(ctx context.Context, runID string) (*domain.BacktestRun, error) {
	var run domain.BacktestRun
	if err := r.db.WithContext(ctx).Where("run_id = ?", runID).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
		}
		return nil, err
	}
	return &run, nil
}

// ListRuns 按用户列出运行，创建时间倒序
func (r *backtestRepository) ListRuns(ctx context.Context, userID uint64, limit, offset int) ([]*domain.BacktestRun, error) {
	var runs []*domain.BacktestRun
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Limit(limit).
		Offset(offset).
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// SaveTrades 批量写入成交账本
func (r *backtestRepository) SaveTrades(ctx context.Context, trades []*domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(trades, 500).Error
}

// ListRecentTrades 返回最近平仓的 limit 笔成交，出场时间倒序
func (r *backtestRepository) ListRecentTrades(ctx context.Context, runID string, limit int) ([]*domain.Trade, error) {
	var trades []*domain.Trade
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("exit_time desc, id desc").
		Limit(limit).
		Find(&trades).Error
	if err != nil {
		return nil, err
	}
	return trades, nil
}

// SaveScenarios 批量写入蒙特卡洛场景
func (r *backtestRepository) SaveScenarios(ctx context.Context, scenarios []*domain.MonteCarloScenario) error {
	if len(scenarios) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(scenarios, 500).Error
}

// ListScenarios 按 scenario_no 升序返回前 limit 个场景
func (r *backtestRepository) ListScenarios(ctx context.Context, runID string, limit int) ([]*domain.MonteCarloScenario, error) {
	var scenarios []*domain.MonteCarloScenario
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("scenario_no asc").
		Limit(limit).
		Find(&scenarios).Error
	if err != nil {
		return nil, err
	}
	return scenarios, nil
}

// SaveMetrics 写入指标快照，一次运行至多一份
func (r *backtestRepository) SaveMetrics(ctx context.Context, snapshot *domain.MetricsSnapshot) error {
	return r.db.WithContext(ctx).Save(snapshot).Error
}

// GetMetrics 获取指标快照，不存在时返回 (nil, nil)
func (r *backtestRepository) GetMetrics(ctx context.Context, runID string) (*domain.MetricsSnapshot, error) {
	var snapshot domain.MetricsSnapshot
	err := r.db.WithContext(ctx).Where("run_id = ?", runID).First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// DeleteRun 单事务内删除运行及其全部从属数据
func (r *backtestRepository) DeleteRun(ctx context.Context, runID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run domain.BacktestRun
		if err := tx.Where("run_id = ?", runID).First(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
			}
			return err
		}
		if err := tx.Where("run_id = ?", runID).Delete(&domain.Trade{}).Error; err != nil {
			return err
		}
		if err := tx.Where("run_id = ?", runID).Delete(&domain.MonteCarloScenario{}).Error; err != nil {
			return err
		}
		if err := tx.Where("run_id = ?", runID).Delete(&domain.MetricsSnapshot{}).Error; err != nil {
			return err
		}
		return tx.Delete(&run).Error
	})
}
