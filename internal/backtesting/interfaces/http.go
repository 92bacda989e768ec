// Package interfaces 回测服务接口层
package interfaces

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/backtesting/internal/backtesting/application"
	"github.com/wyfcoding/backtesting/internal/backtesting/domain"
	"github.com/wyfcoding/pkg/response"
)

// HTTPHandler HTTP 接口处理器
type HTTPHandler struct {
	commandService *application.CommandService
	queryService   *application.QueryService
}

// NewHTTPHandler 创建 HTTP 处理器
func NewHTTPHandler(
	commandService *application.CommandService,
	queryService *application.QueryService,
) *HTTPHandler {
	return &HTTPHandler{
		commandService: commandService,
		queryService:   queryService,
	}
}

// RegisterRoutes 注册路由
func (h *HTTPHandler) RegisterRoutes(r *gin.RouterGroup) {
	bt := r.Group("/backtesting")
	{
		bt.POST("/runs", h.CreateRun)
		bt.GET("/runs", h.ListRuns)
		bt.GET("/runs/:id", h.GetRun)
		bt.GET("/runs/:id/montecarlo", h.GetMonteCarlo)
		bt.DELETE("/runs/:id", h.DeleteRun)
	}
}

// CreateRunRequest 创建回测运行请求
// 三套参数覆盖均可缺省，缺省字段取服务端默认值。
type CreateRunRequest struct {
	UserID         uint64          `json:"user_id" binding:"required"`
	Name           string          `json:"name" binding:"required"`
	Symbols        []string        `json:"symbols" binding:"required"`
	StartTime      string          `json:"start_time" binding:"required"`
	EndTime        string          `json:"end_time" binding:"required"`
	InitialCapital string          `json:"initial_capital" binding:"required"`
	StrategyParams json.RawMessage `json:"strategy_params,omitempty"`
	RiskParams     json.RawMessage `json:"risk_params,omitempty"`
	CostParams     json.RawMessage `json:"cost_params,omitempty"`
	ApplyBreakers  bool            `json:"apply_breakers"`
	Seed           *int64          `json:"seed,omitempty"`
}

// CreateRun 创建并启动回测运行
func (h *HTTPHandler) CreateRun(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error(), "")
		return
	}

	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid start_time format", "")
		return
	}
	end, err := time.Parse(time.RFC3339, req.EndTime)
	if err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid end_time format", "")
		return
	}
	capital, err := decimal.NewFromString(req.InitialCapital)
	if err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid initial_capital format", "")
		return
	}

	cmd := application.CreateRunCommand{
		UserID:            req.UserID,
		Name:              req.Name,
		Symbols:           req.Symbols,
		StartTime:         start,
		EndTime:           end,
		InitialCapital:    capital,
		StrategyOverrides: req.StrategyParams,
		RiskOverrides:     req.RiskParams,
		CostOverrides:     req.CostParams,
		ApplyBreakers:     req.ApplyBreakers,
		Seed:              req.Seed,
	}

	runID, err := h.commandService.CreateRun(c.Request.Context(), cmd)
	if err != nil {
		if errors.Is(err, domain.ErrConfiguration) {
			response.ErrorWithStatus(c, http.StatusBadRequest, err.Error(), "")
			return
		}
		response.ErrorWithStatus(c, http.StatusInternalServerError, err.Error(), "")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"run_id": runID, "status": string(domain.RunStatusRunning)})
}

// GetRun 获取运行详情（运行记录、指标快照与最近成交）
func (h *HTTPHandler) GetRun(c *gin.Context) {
	id := c.Param("id")
	detail, err := h.queryService.GetRunDetail(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			response.ErrorWithStatus(c, http.StatusNotFound, err.Error(), "")
			return
		}
		response.ErrorWithStatus(c, http.StatusInternalServerError, err.Error(), "")
		return
	}
	response.Success(c, detail)
}

// GetMonteCarlo 获取蒙特卡洛模拟结果
func (h *HTTPHandler) GetMonteCarlo(c *gin.Context) {
	id := c.Param("id")
	result, err := h.queryService.GetMonteCarlo(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			response.ErrorWithStatus(c, http.StatusNotFound, err.Error(), "")
			return
		}
		response.ErrorWithStatus(c, http.StatusInternalServerError, err.Error(), "")
		return
	}
	response.Success(c, result)
}

// ListRuns 按用户列出历史运行
func (h *HTTPHandler) ListRuns(c *gin.Context) {
	userID, err := strconv.ParseUint(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid user_id", "")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	runs, err := h.queryService.ListRuns(c.Request.Context(), userID, limit, offset)
	if err != nil {
		response.ErrorWithStatus(c, http.StatusInternalServerError, err.Error(), "")
		return
	}
	response.Success(c, gin.H{"runs": runs, "limit": limit, "offset": offset})
}

// DeleteRun 删除运行及其全部从属数据
func (h *HTTPHandler) DeleteRun(c *gin.Context) {
	id := c.Param("id")
	if err := h.commandService.DeleteRun(c.Request.Context(), id); err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			response.ErrorWithStatus(c, http.StatusNotFound, err.Error(), "")
			return
		}
		response.ErrorWithStatus(c, http.StatusInternalServerError, err.Error(), "")
		return
	}
	response.Success(c, gin.H{"message": "deleted"})
}
