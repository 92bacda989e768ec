package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/backtesting/internal/backtesting/domain"
	"github.com/wyfcoding/pkg/idgen"
	"github.com/wyfcoding/pkg/messagequeue"
)

// CommandService 回测命令服务
type CommandService struct {
	repo           domain.BacktestRepository
	orchestrator   *Orchestrator
	eventPublisher messagequeue.EventPublisher
	logger         *slog.Logger
}

// NewCommandService 创建命令服务
func NewCommandService(
	repo domain.BacktestRepository,
	orchestrator *Orchestrator,
	eventPublisher messagequeue.EventPublisher,
	logger *slog.Logger,
) *CommandService {
	return &CommandService{
		repo:           repo,
		orchestrator:   orchestrator,
		eventPublisher: eventPublisher,
		logger:         logger,
	}
}

// CreateRunCommand 创建并启动回测运行命令
// 三套参数覆盖均可缺省，缺省部分取文档化默认值。
type CreateRunCommand struct {
	UserID            uint64
	Name              string
	Symbols           []string
	StartTime         time.Time
	EndTime           time.Time
	InitialCapital    decimal.Decimal
	StrategyOverrides json.RawMessage
	RiskOverrides     json.RawMessage
	CostOverrides     json.RawMessage
	ApplyBreakers     bool
	Seed              *int64
}

// CreateRun 校验参数、固化快照并将运行提交给编排器
// 全部校验在后台工作开始之前同步完成并同步报错。
func (s *CommandService) CreateRun(ctx context.Context, cmd CreateRunCommand) (string, error) {
	if cmd.Name == "" {
		return "", fmt.Errorf("%w: name is required", domain.ErrConfiguration)
	}
	if len(cmd.Symbols) == 0 {
		return "", fmt.Errorf("%w: symbol list must not be empty", domain.ErrConfiguration)
	}
	if !cmd.StartTime.Before(cmd.EndTime) {
		return "", fmt.Errorf("%w: start time must precede end time", domain.ErrConfiguration)
	}
	if cmd.InitialCapital.LessThanOrEqual(decimal.Zero) {
		return "", fmt.Errorf("%w: initial capital must be positive", domain.ErrConfiguration)
	}

	strategyParams, err := domain.MergeStrategyParams(cmd.StrategyOverrides)
	if err != nil {
		return "", err
	}
	riskParams, err := domain.MergeRiskParams(cmd.RiskOverrides)
	if err != nil {
		return "", err
	}
	costParams, err := domain.MergeCostParams(cmd.CostOverrides)
	if err != nil {
		return "", err
	}

	symbolsJSON, _ := json.Marshal(cmd.Symbols)
	strategyJSON, _ := json.Marshal(strategyParams)
	riskJSON, _ := json.Marshal(riskParams)
	costJSON, _ := json.Marshal(costParams)

	seed := time.Now().UnixNano()
	if cmd.Seed != nil {
		seed = *cmd.Seed
	}

	run := &domain.BacktestRun{
		RunID:          fmt.Sprintf("BT%d", idgen.GenID()),
		UserID:         cmd.UserID,
		Name:           cmd.Name,
		Symbols:        string(symbolsJSON),
		StartTime:      cmd.StartTime,
		EndTime:        cmd.EndTime,
		InitialCapital: cmd.InitialCapital,
		StrategyParams: string(strategyJSON),
		RiskParams:     string(riskJSON),
		CostParams:     string(costJSON),
		ApplyBreakers:  cmd.ApplyBreakers,
		Seed:           seed,
		Status:         domain.RunStatusPending,
	}

	// 接受即进入 RUNNING，其余工作交由工作池异步推进
	if err := run.MarkRunning(); err != nil {
		return "", err
	}
	if err := s.repo.SaveRun(ctx, run); err != nil {
		return "", err
	}

	if err := s.orchestrator.Enqueue(run); err != nil {
		if failErr := run.Fail(fmt.Sprintf("enqueue: %v", err)); failErr == nil {
			if saveErr := s.repo.SaveRun(ctx, run); saveErr != nil {
				s.logger.ErrorContext(ctx, "failed to persist rejected run",
					"run_id", run.RunID, "error", saveErr)
			}
		}
		return "", fmt.Errorf("submit run: %w", err)
	}

	s.logger.InfoContext(ctx, "run accepted", "run_id", run.RunID, "user_id", cmd.UserID)
	return run.RunID, nil
}

// DeleteRun 删除运行并级联清理其成交、场景与指标
func (s *CommandService) DeleteRun(ctx context.Context, runID string) error {
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteRun(ctx, runID); err != nil {
		return err
	}

	event := &domain.RunDeletedEvent{
		RunID:     run.RunID,
		UserID:    run.UserID,
		Timestamp: time.Now(),
	}
	if err := s.eventPublisher.Publish(ctx, event.EventName(), run.RunID, event); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish event",
			"event", event.EventName(), "run_id", run.RunID, "error", err)
	}

	s.logger.InfoContext(ctx, "run deleted", "run_id", runID)
	return nil
}
