package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/hybridrag/agent"
	"github.com/BaSui01/hybridrag/api"
	"github.com/BaSui01/hybridrag/types"
)

// =============================================================================
// 💬 Chat Handler
// =============================================================================

// TurnRunner 单轮问答执行者，*agent.Orchestrator 实现了它
type TurnRunner interface {
	Answer(ctx context.Context, req agent.TurnRequest) (*agent.TurnResult, error)
	Stream(ctx context.Context, req agent.TurnRequest) (<-chan agent.TurnEvent, error)
}

// ChatOptions 聊天端点的运行开关
type ChatOptions struct {
	// StreamingEnabled 为 false 时 stream=true 的请求返回 400 STREAMING_UNSUPPORTED
	StreamingEnabled bool
	// Model 对外公布的模型名，请求未指定 model 时回显它
	Model   string
	OwnedBy string
}

// ChatHandler 聊天处理器，同时服务 OpenAI 兼容端点与原生端点
type ChatHandler struct {
	runner TurnRunner
	opts   ChatOptions
	logger *zap.Logger
}

// NewChatHandler 创建聊天处理器
func NewChatHandler(runner TurnRunner, opts ChatOptions, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.OwnedBy == "" {
		opts.OwnedBy = "hybridrag"
	}
	return &ChatHandler{
		runner: runner,
		opts:   opts,
		logger: logger.With(zap.String("component", "chat_handler")),
	}
}

// HandleChat 处理 POST /chat
// @Summary 原生聊天
// @Description 检索增强问答，返回答案、使用的检索工具与引用
// @Tags 聊天
// @Accept json
// @Produce json
// @Param request body api.ChatRequest true "聊天请求"
// @Success 200 {object} api.ChatResponse "答案"
// @Failure 400 {object} Response "无效请求"
// @Failure 503 {object} Response "依赖暂不可用"
// @Router /chat [post]
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	treq, ok := h.decodeChat(w, r)
	if !ok {
		return
	}

	res, err := h.runner.Answer(r.Context(), treq)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	w.Header().Set("X-Session-ID", res.SessionID)
	WriteJSON(w, http.StatusOK, api.ChatResponse{
		Message:   res.Content,
		SessionID: res.SessionID,
		ToolsUsed: res.ToolsUsed,
		Citations: res.Citations,
		Metadata: map[string]any{
			"search_type": string(res.Strategy),
			"state":       string(res.State),
			"model":       res.Model,
		},
	})
}

// HandleChatStream 处理 POST /chat/stream
// @Summary 原生流式聊天
// @Description SSE 事件依次为 session、text*、tools、end；出错时为 error
// @Tags 聊天
// @Accept json
// @Produce text/event-stream
// @Param request body api.ChatRequest true "聊天请求"
// @Success 200 {string} string "SSE 流"
// @Failure 400 {object} Response "无效请求或未开启流式"
// @Router /chat/stream [post]
func (h *ChatHandler) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	if !h.opts.StreamingEnabled {
		WriteError(w, types.NewStreamingUnsupported(), h.logger)
		return
	}
	treq, ok := h.decodeChat(w, r)
	if !ok {
		return
	}
	sse, ok := newSSEWriter(w)
	if !ok {
		WriteError(w, types.NewInternalError("response writer does not support streaming"), h.logger)
		return
	}

	// 返回时取消，保证编排器的 goroutine 不会阻塞在发送上
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := h.runner.Stream(ctx, treq)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	for ev := range events {
		var out api.StreamEvent
		switch ev.Type {
		case agent.EventSession:
			w.Header().Set("X-Session-ID", ev.SessionID)
			out = api.StreamEvent{Type: api.StreamEventSession, SessionID: ev.SessionID}
		case agent.EventToken:
			out = api.StreamEvent{Type: api.StreamEventText, Content: ev.Delta}
		case agent.EventTools:
			out = api.StreamEvent{Type: api.StreamEventTools, Tools: ev.Tools}
		case agent.EventEnd:
			_ = sse.data(api.StreamEvent{Type: api.StreamEventEnd})
			return
		case agent.EventError:
			info := h.streamError(ev)
			_ = sse.data(api.StreamEvent{Type: api.StreamEventError, Content: info.Message})
			return
		default:
			continue
		}
		if err := sse.data(out); err != nil {
			h.logger.Debug("client went away during stream", zap.Error(err))
			return
		}
	}
}

// decodeChat 解析原生请求；失败时已写出错误响应
func (h *ChatHandler) decodeChat(w http.ResponseWriter, r *http.Request) (agent.TurnRequest, bool) {
	received := time.Now().UTC()
	if !ValidateContentType(w, r, h.logger) {
		return agent.TurnRequest{}, false
	}
	var req api.ChatRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return agent.TurnRequest{}, false
	}

	treq := agent.TurnRequest{Message: req.Message, SessionID: req.SessionID, ReceivedAt: received}
	if req.SearchType != "" {
		kind, ok := agent.ParseStrategy(req.SearchType)
		if !ok {
			WriteError(w, types.NewInvalidRequestError("search_type must be one of vector, graph, hybrid"), h.logger)
			return agent.TurnRequest{}, false
		}
		treq.Strategy = kind
	}
	return treq, true
}

// streamError 记录流中途的错误并返回对外信息
func (h *ChatHandler) streamError(ev agent.TurnEvent) *ErrorInfo {
	info := errorInfo(ev.Err)
	h.logger.Error("stream failed",
		zap.String("session_id", ev.SessionID),
		zap.String("code", info.Code),
		zap.Error(ev.Err))
	return info
}
