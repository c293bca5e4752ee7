package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dvrmonitorpro/dvrmonitorpro/addone/dvrapi"
	"github.com/dvrmonitorpro/dvrmonitorpro/internal/database"
	"github.com/dvrmonitorpro/dvrmonitorpro/internal/model"
	"github.com/dvrmonitorpro/dvrmonitorpro/internal/service"
	"github.com/dvrmonitorpro/dvrmonitorpro/pkg/logger"
)

// ErrorResponse 错误响应
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SuccessResponse 成功响应
type SuccessResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// MonitorHandler 巡检处理器
type MonitorHandler struct {
	monitorService *service.MonitorService
}

// NewMonitorHandler 创建巡检处理器
func NewMonitorHandler(monitorService *service.MonitorService) *MonitorHandler {
	return &MonitorHandler{
		monitorService: monitorService,
	}
}

// TriggerRequest 触发巡检请求
type TriggerRequest struct {
	CheckType string `json:"check_type"`
}

// TriggerCycle 触发一个巡检周期
// @Summary 触发巡检周期
// @Description 异步启动一个巡检周期，已有周期在途时返回冲突
// @Tags monitor
// @Accept json
// @Produce json
// @Param request body TriggerRequest false "巡检参数"
// @Success 202 {object} SuccessResponse "已触发"
// @Failure 409 {object} ErrorResponse "周期在途"
// @Router /api/v1/monitor/cycle [post]
func (h *MonitorHandler) TriggerCycle(c *gin.Context) {
	var request TriggerRequest
	// 请求体可为空，为空时使用配置默认检查类型
	_ = c.ShouldBindJSON(&request)

	cycleID, err := h.monitorService.TriggerCycle(request.CheckType)
	if err != nil {
		logger.Error("Failed to trigger cycle", "error", err)
		c.JSON(http.StatusConflict, ErrorResponse{
			Code:    "CYCLE_CONFLICT",
			Message: "巡检周期触发失败: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, SuccessResponse{
		Code:    "CYCLE_TRIGGERED",
		Message: "巡检周期已触发",
		Data:    gin.H{"cycle_id": cycleID},
	})
}

// GetLastCycle 获取最近一次周期汇总
// @Summary 最近周期汇总
// @Tags monitor
// @Produce json
// @Success 200 {object} service.CycleSummary
// @Failure 404 {object} ErrorResponse "尚无完成的周期"
// @Router /api/v1/monitor/cycle/last [get]
func (h *MonitorHandler) GetLastCycle(c *gin.Context) {
	summary := h.monitorService.LastCycle()
	if summary == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Code:    "NO_CYCLE",
			Message: "尚无完成的巡检周期",
		})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// GetStats 获取巡检服务统计
// @Summary 巡检服务统计
// @Tags monitor
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/monitor/stats [get]
func (h *MonitorHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.monitorService.GetStats())
}

// GetVendors 获取支持的厂商列表
// @Summary 支持的厂商列表
// @Tags monitor
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/monitor/vendors [get]
func (h *MonitorHandler) GetVendors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"vendors": dvrapi.Vendors()})
}

// ListDvrs 查询设备及最近状态
// @Summary 设备状态列表
// @Tags monitor
// @Produce json
// @Param status query string false "按状态过滤"
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/monitor/dvrs [get]
func (h *MonitorHandler) ListDvrs(c *gin.Context) {
	query := database.GetDB().Model(&model.Dvr{}).Order("id")
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var dvrs []model.Dvr
	if err := query.Find(&dvrs).Error; err != nil {
		logger.Error("Failed to list dvrs", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    "QUERY_FAILED",
			Message: "设备查询失败: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total": len(dvrs),
		"dvrs":  dvrs,
	})
}

// GetDvrHistory 查询单台设备的巡检日志
// @Summary 设备巡检历史
// @Tags monitor
// @Produce json
// @Param id path int true "设备ID"
// @Param limit query int false "条数上限，默认50"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} ErrorResponse "设备不存在"
// @Router /api/v1/monitor/dvrs/{id}/history [get]
func (h *MonitorHandler) GetDvrHistory(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_ID",
			Message: "设备ID无效",
		})
		return
	}

	var dvr model.Dvr
	if err := database.GetDB().First(&dvr, id).Error; err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Code:    "DVR_NOT_FOUND",
			Message: "设备不存在",
		})
		return
	}

	limit := 50
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v <= 1000 {
		limit = v
	}

	var logs []model.DvrMonitoringLog
	if err := database.GetDB().
		Where("dvr_id = ?", id).
		Order("checked_at DESC").
		Limit(limit).
		Find(&logs).Error; err != nil {
		logger.Error("Failed to query monitoring logs", "dvr_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    "QUERY_FAILED",
			Message: "巡检日志查询失败: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"dvr_id": dvr.ID,
		"total":  len(logs),
		"logs":   logs,
	})
}

// CheckDvr 对单台设备立即执行一次全量检查
// @Summary 单设备即时检查
// @Tags monitor
// @Produce json
// @Param id path int true "设备ID"
// @Success 200 {object} model.Dvr
// @Failure 404 {object} ErrorResponse "设备不存在"
// @Failure 409 {object} ErrorResponse "检查冲突"
// @Router /api/v1/monitor/dvrs/{id}/check [post]
func (h *MonitorHandler) CheckDvr(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_ID",
			Message: "设备ID无效",
		})
		return
	}

	dvr, err := h.monitorService.CheckDvr(c.Request.Context(), uint(id))
	if err != nil {
		if errors.Is(err, service.ErrCheckBusy) {
			c.JSON(http.StatusConflict, ErrorResponse{
				Code:    "CHECK_BUSY",
				Message: "设备检查冲突: " + err.Error(),
			})
			return
		}
		logger.Error("Manual check failed", "dvr_id", id, "error", err)
		c.JSON(http.StatusNotFound, ErrorResponse{
			Code:    "CHECK_FAILED",
			Message: "设备检查失败: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, dvr)
}

// Health 健康检查
// @Summary 服务健康检查
// @Tags monitor
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} ErrorResponse "服务不可用"
// @Router /api/v1/health [get]
func (h *MonitorHandler) Health(c *gin.Context) {
	stats := h.monitorService.GetStats()

	if running, ok := stats["running"].(bool); !ok || !running {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Code:    "SERVICE_UNAVAILABLE",
			Message: "巡检服务未运行",
		})
		return
	}

	if err := database.Health(); err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Code:    "DATABASE_UNAVAILABLE",
			Message: "数据库不可用: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": database.GetStats(),
		"monitor":  stats,
	})
}
