package handlers

import (
	"context"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/hybridrag/agent"
	"github.com/BaSui01/hybridrag/api"
	"github.com/BaSui01/hybridrag/types"
)

// /v1/models 中的固定创建时间
const modelCreated int64 = 1640995200

// 上游未报告用量时的估算参数
const (
	estimatedPromptTokens = 50
	tokensPerWord         = 1.3
)

// HandleChatCompletions 处理 POST /v1/chat/completions
// @Summary OpenAI 兼容聊天补全
// @Description 最后一条 user 消息作为问题，之前的 user/assistant 消息作为历史。
// @Description stream=true 时以 SSE 输出 chat.completion.chunk，最后是 finish_reason=stop 的空帧和 data: [DONE]
// @Tags 聊天
// @Accept json
// @Produce json
// @Produce text/event-stream
// @Param request body api.ChatCompletionRequest true "聊天补全请求"
// @Success 200 {object} api.ChatCompletionResponse "补全结果"
// @Failure 400 {object} Response "无效请求或未开启流式"
// @Failure 503 {object} Response "依赖暂不可用"
// @Router /v1/chat/completions [post]
func (h *ChatHandler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	received := time.Now().UTC()
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.ChatCompletionRequest
	if err := decodeBody(w, r, &req, false, h.logger); err != nil {
		return
	}
	if req.Stream && !h.opts.StreamingEnabled {
		WriteError(w, types.NewStreamingUnsupported(), h.logger)
		return
	}

	treq, err := turnFromMessages(req.Messages)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	treq.ReceivedAt = received
	treq.SessionID = req.SessionID
	if treq.SessionID == "" {
		treq.SessionID = r.Header.Get("X-Session-ID")
	}
	model := req.Model
	if model == "" {
		model = h.opts.Model
	}

	if req.Stream {
		h.streamCompletion(w, r, treq, model)
		return
	}

	res, err := h.runner.Answer(r.Context(), treq)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	w.Header().Set("X-Session-ID", res.SessionID)
	WriteJSON(w, http.StatusOK, api.ChatCompletionResponse{
		ID:      completionID(),
		Object:  api.ObjectChatCompletion,
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []api.ChatCompletionChoice{{
			Index:        0,
			Message:      api.ChatMessage{Role: string(types.RoleAssistant), Content: res.Content},
			FinishReason: "stop",
		}},
		Usage:     usageFor(res),
		SessionID: res.SessionID,
	})
}

func (h *ChatHandler) streamCompletion(w http.ResponseWriter, r *http.Request, treq agent.TurnRequest, model string) {
	sse, ok := newSSEWriter(w)
	if !ok {
		WriteError(w, types.NewInternalError("response writer does not support streaming"), h.logger)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := h.runner.Stream(ctx, treq)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	id := completionID()
	created := time.Now().Unix()
	frame := func(delta api.ChunkDelta, finish *string) api.ChatCompletionChunk {
		return api.ChatCompletionChunk{
			ID:      id,
			Object:  api.ObjectChatCompletionChunk,
			Created: created,
			Model:   model,
			Choices: []api.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		}
	}

	roleSent := false
	for ev := range events {
		switch ev.Type {
		case agent.EventSession:
			w.Header().Set("X-Session-ID", ev.SessionID)
			sse.start()
		case agent.EventToken:
			delta := api.ChunkDelta{Content: ev.Delta}
			if !roleSent {
				delta.Role = string(types.RoleAssistant)
				roleSent = true
			}
			if err := sse.data(frame(delta, nil)); err != nil {
				h.logger.Debug("client went away during stream", zap.Error(err))
				return
			}
		case agent.EventEnd:
			stop := "stop"
			_ = sse.data(frame(api.ChunkDelta{}, &stop))
			_ = sse.done()
			return
		case agent.EventError:
			info := h.streamError(ev)
			_ = sse.data(api.ErrorBody{Error: api.ErrorDetail{Message: info.Message, Type: info.Type, Code: info.Code}})
			_ = sse.done()
			return
		}
	}
}

// HandleModels 处理 GET /v1/models
// @Summary 模型列表
// @Tags 聊天
// @Produce json
// @Success 200 {object} api.ModelList "已配置的模型"
// @Router /v1/models [get]
func (h *ChatHandler) HandleModels(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, api.ModelList{
		Object: api.ObjectList,
		Data: []api.ModelInfo{{
			ID:      h.opts.Model,
			Object:  api.ObjectModel,
			Created: modelCreated,
			OwnedBy: h.opts.OwnedBy,
		}},
	})
}

// turnFromMessages 取最后一条 user 消息为问题，之前的 user/assistant 消息为历史。
// system 消息被忽略，系统提示词由服务端配置
func turnFromMessages(msgs []api.ChatMessage) (agent.TurnRequest, error) {
	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if types.Role(msgs[i].Role) == types.RoleUser && strings.TrimSpace(msgs[i].Content) != "" {
			last = i
			break
		}
	}
	if last < 0 {
		return agent.TurnRequest{}, types.NewInvalidRequestError("messages must contain a non-empty user message")
	}

	var history []types.Message
	for _, m := range msgs[:last] {
		switch role := types.Role(m.Role); role {
		case types.RoleUser, types.RoleAssistant:
			history = append(history, types.Message{Role: role, Content: m.Content})
		}
	}
	return agent.TurnRequest{Message: msgs[last].Content, History: history}, nil
}

// usageFor 优先使用上游报告的用量，否则按词数估算
func usageFor(res *agent.TurnResult) api.CompletionUsage {
	if res.Usage.TotalTokens > 0 {
		return api.CompletionUsage{
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			TotalTokens:      res.Usage.TotalTokens,
		}
	}
	completion := int(math.Round(float64(len(strings.Fields(res.Content))) * tokensPerWord))
	return api.CompletionUsage{
		PromptTokens:     estimatedPromptTokens,
		CompletionTokens: completion,
		TotalTokens:      estimatedPromptTokens + completion,
	}
}

func completionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
