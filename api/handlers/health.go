package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/hybridrag/api"
	"github.com/BaSui01/hybridrag/types"
)

// 所有检查共享的超时
const healthCheckTimeout = 5 * time.Second

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// HealthCheck 健康检查接口
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthHandler 健康检查处理器。
// 全部检查通过为 healthy，部分失败为 degraded，全部失败为 unhealthy
type HealthHandler struct {
	logger  *zap.Logger
	version string
	mode    api.ModeInfo
	checks  []HealthCheck
	mu      sync.RWMutex
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(version string, mode api.ModeInfo, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		logger:  logger.With(zap.String("component", "health_handler")),
		version: version,
		mode:    mode,
	}
}

// RegisterCheck 注册健康检查
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleHealth 处理 /health 请求。各项检查并发独立执行，unhealthy 时返回 503
// @Summary 健康检查
// @Description 分别检查 vector_store 与 graph_store
// @Tags 健康
// @Produce json
// @Success 200 {object} api.HealthResponse "healthy 或 degraded"
// @Failure 503 {object} api.HealthResponse "unhealthy"
// @Router /health [get]
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.Evaluate(r.Context())
	code := http.StatusOK
	if status.Status == api.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, status)
}

// Evaluate 执行全部检查并汇总
func (h *HealthHandler) Evaluate(ctx context.Context) api.HealthResponse {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	results := make([]api.CheckResult, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			start := time.Now()
			err := check.Check(ctx)
			latency := time.Since(start)

			results[i] = api.CheckResult{Status: "pass", Latency: latency.String()}
			if err != nil {
				// 原始错误只进日志
				category, _ := types.Categorize(err)
				results[i].Status = "fail"
				results[i].Message = string(category)
				h.logger.Warn("health check failed",
					zap.String("check", check.Name()),
					zap.Error(err),
					zap.Duration("latency", latency))
			}
			return nil
		})
	}
	_ = g.Wait()

	resp := api.HealthResponse{
		Status:    api.HealthHealthy,
		Timestamp: time.Now(),
		Version:   h.version,
		Mode:      h.mode,
		Checks:    make(map[string]api.CheckResult, len(checks)),
	}
	failed := 0
	for i, check := range checks {
		resp.Checks[check.Name()] = results[i]
		if results[i].Status != "pass" {
			failed++
		}
	}
	switch {
	case failed == 0:
	case failed == len(checks):
		resp.Status = api.HealthUnhealthy
	default:
		resp.Status = api.HealthDegraded
	}
	return resp
}

// HandleHealthz 处理 /healthz 请求（活跃度探针，只表示进程在运行）
// @Summary 活跃度探针
// @Tags 健康
// @Produce json
// @Success 200 {object} api.HealthResponse "服务处于活动状态"
// @Router /healthz [get]
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, api.HealthResponse{
		Status:    api.HealthHealthy,
		Timestamp: time.Now(),
		Version:   h.version,
		Mode:      h.mode,
	})
}

// HandleVersion 处理 /version 请求
// @Summary 版本信息
// @Tags 健康
// @Produce json
// @Success 200 {object} map[string]string "版本信息"
// @Router /version [get]
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		})
	}
}

// =============================================================================
// 🔧 内置健康检查实现
// =============================================================================

// PingCheck 以 ping 函数实现的健康检查
type PingCheck struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingCheck 创建健康检查；ping 为 nil 时检查总是失败（后端未配置）
func NewPingCheck(name string, ping func(ctx context.Context) error) *PingCheck {
	return &PingCheck{name: name, ping: ping}
}

func (c *PingCheck) Name() string {
	return c.name
}

func (c *PingCheck) Check(ctx context.Context) error {
	if c.ping == nil {
		return types.NewStoreUnavailable(c.name, nil)
	}
	return c.ping(ctx)
}
