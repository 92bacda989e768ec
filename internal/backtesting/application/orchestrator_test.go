package application

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/backtesting/internal/backtesting/domain"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeRepo 内存仓储
type fakeRepo struct {
	mu        sync.Mutex
	runs      map[string]domain.RunStatus
	errMsgs   map[string]string
	trades    map[string][]*domain.Trade
	scenarios map[string][]*domain.MonteCarloScenario
	metrics   map[string]*domain.MetricsSnapshot
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		runs:      make(map[string]domain.RunStatus),
		errMsgs:   make(map[string]string),
		trades:    make(map[string][]*domain.Trade),
		scenarios: make(map[string][]*domain.MonteCarloScenario),
		metrics:   make(map[string]*domain.MetricsSnapshot),
	}
}

func (r *fakeRepo) SaveRun(_ context.Context, run *domain.BacktestRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.RunID] = run.Status
	r.errMsgs[run.RunID] = run.ErrorMessage
	return nil
}

func (r *fakeRepo) GetRun(_ context.Context, runID string) (*domain.BacktestRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.runs[runID]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return &domain.BacktestRun{RunID: runID, Status: status}, nil
}

func (r *fakeRepo) ListRuns(context.Context, uint64, int, int) ([]*domain.BacktestRun, error) {
	return nil, nil
}

func (r *fakeRepo) SaveTrades(_ context.Context, trades []*domain.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range trades {
		r.trades[t.RunID] = append(r.trades[t.RunID], t)
	}
	return nil
}

func (r *fakeRepo) ListRecentTrades(_ context.Context, runID string, _ int) ([]*domain.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trades[runID], nil
}

func (r *fakeRepo) SaveScenarios(_ context.Context, scenarios []*domain.MonteCarloScenario) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sc := range scenarios {
		r.scenarios[sc.RunID] = append(r.scenarios[sc.RunID], sc)
	}
	return nil
}

func (r *fakeRepo) ListScenarios(_ context.Context, runID string, _ int) ([]*domain.MonteCarloScenario, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scenarios[runID], nil
}

func (r *fakeRepo) SaveMetrics(_ context.Context, snapshot *domain.MetricsSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics[snapshot.RunID] = snapshot
	return nil
}

func (r *fakeRepo) GetMetrics(_ context.Context, runID string) (*domain.MetricsSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics[runID], nil
}

func (r *fakeRepo) DeleteRun(_ context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
	return nil
}

func (r *fakeRepo) status(runID string) (domain.RunStatus, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[runID], r.errMsgs[runID]
}

// fakePublisher 记录发布的事件名
type fakePublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *fakePublisher) Publish(_ context.Context, eventName, _ string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventName)
	return nil
}

func (p *fakePublisher) PublishInTx(_ context.Context, _ any, eventName, _ string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventName)
	return nil
}

func (p *fakePublisher) published(eventName string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e == eventName {
			return true
		}
	}
	return false
}

// flatSource 恒定价格行情，默认策略在其上不会产生信号
type flatSource struct{}

func (flatSource) GetBars(_ context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	price := decimal.NewFromInt(100)
	var bars []domain.Bar
	for ts := start; ts.Before(end); ts = ts.Add(24 * time.Hour) {
		bars = append(bars, domain.Bar{
			Symbol: symbol, Timestamp: ts,
			Open: price, High: price, Low: price, Close: price,
			Volume: decimal.NewFromInt(1),
		})
	}
	return bars, nil
}

// brokenSource 行情来源故障
type brokenSource struct{}

func (brokenSource) GetBars(context.Context, string, time.Time, time.Time) ([]domain.Bar, error) {
	return nil, errors.New("connection refused")
}

func newTestRun(t *testing.T, runID string) *domain.BacktestRun {
	t.Helper()
	symbolsJSON, _ := json.Marshal([]string{"BTCUSDT"})
	strategyJSON, _ := json.Marshal(domain.DefaultStrategyParams())
	riskJSON, _ := json.Marshal(domain.DefaultRiskParams())
	costJSON, _ := json.Marshal(domain.DefaultCostParams())

	run := &domain.BacktestRun{
		RunID:          runID,
		UserID:         1,
		Name:           "demo",
		Symbols:        string(symbolsJSON),
		StartTime:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndTime:        time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		InitialCapital: decimal.NewFromInt(1000),
		StrategyParams: string(strategyJSON),
		RiskParams:     string(riskJSON),
		CostParams:     string(costJSON),
		Seed:           42,
		Status:         domain.RunStatusPending,
	}
	if err := run.MarkRunning(); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	return run
}

func waitTerminal(t *testing.T, repo *fakeRepo, runID string) domain.RunStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if status, _ := repo.status(runID); status == domain.RunStatusCompleted || status == domain.RunStatusFailed {
			return status
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal status", runID)
	return ""
}

func TestOrchestratorCompletesRun(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{}
	orch := NewOrchestrator(repo, flatSource{}, pub, testLogger, OrchestratorOptions{Workers: 1})
	orch.Start()
	defer orch.Stop()

	run := newTestRun(t, "BT100")
	if err := orch.Enqueue(run); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if status := waitTerminal(t, repo, "BT100"); status != domain.RunStatusCompleted {
		_, msg := repo.status("BT100")
		t.Fatalf("expected completed run, got %s (%s)", status, msg)
	}

	snapshot, _ := repo.GetMetrics(context.Background(), "BT100")
	if snapshot == nil {
		t.Fatal("expected metrics snapshot to be persisted")
	}
	// 恒定价格下没有成交，样本不足时模拟降级但运行仍然完成
	if snapshot.TotalTrades != 0 {
		t.Fatalf("expected 0 trades, got %d", snapshot.TotalTrades)
	}
	if !snapshot.SimulationSkipped {
		t.Fatal("expected simulation skipped for empty ledger")
	}
	if !pub.published("backtesting.run_completed") {
		t.Fatal("expected run completed event")
	}
}

func TestOrchestratorFailsRunOnSourceFault(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{}
	orch := NewOrchestrator(repo, brokenSource{}, pub, testLogger, OrchestratorOptions{Workers: 1})
	orch.Start()
	defer orch.Stop()

	run := newTestRun(t, "BT200")
	if err := orch.Enqueue(run); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if status := waitTerminal(t, repo, "BT200"); status != domain.RunStatusFailed {
		t.Fatalf("expected failed run, got %s", status)
	}
	if _, msg := repo.status("BT200"); msg == "" {
		t.Fatal("expected failure reason to be recorded")
	}
	if !pub.published("backtesting.run_failed") {
		t.Fatal("expected run failed event")
	}
}

func TestOrchestratorQueueFull(t *testing.T) {
	repo := newFakeRepo()
	// 不启动工作池，队列容量 1
	orch := NewOrchestrator(repo, flatSource{}, &fakePublisher{}, testLogger, OrchestratorOptions{Workers: 1, QueueSize: 1})

	if err := orch.Enqueue(newTestRun(t, "BT300")); err != nil {
		t.Fatalf("first enqueue should succeed: %v", err)
	}
	if err := orch.Enqueue(newTestRun(t, "BT301")); err == nil {
		t.Fatal("expected enqueue to fail on full queue")
	}
}
