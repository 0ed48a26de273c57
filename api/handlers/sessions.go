package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/BaSui01/hybridrag/agent/session"
)

// SessionReader 会话读取接口，*session.Manager 实现了它
type SessionReader interface {
	Get(ctx context.Context, id string) (*session.Session, error)
}

// SessionHandler 会话处理器
type SessionHandler struct {
	sessions SessionReader
	logger   *zap.Logger
}

// NewSessionHandler 创建会话处理器
func NewSessionHandler(sessions SessionReader, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{
		sessions: sessions,
		logger:   logger.With(zap.String("component", "session_handler")),
	}
}

// HandleGet 处理 GET /sessions/{id}。无状态模式或会话不存在返回 404，ID 非法返回 400
// @Summary 会话详情
// @Tags 会话
// @Produce json
// @Param id path string true "会话 ID (UUID)"
// @Success 200 {object} session.Session "会话与消息历史"
// @Failure 400 {object} Response "会话 ID 格式错误"
// @Failure 404 {object} Response "会话不存在"
// @Router /sessions/{id} [get]
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}
