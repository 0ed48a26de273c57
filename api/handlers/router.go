package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/BaSui01/hybridrag/types"
)

// Routes 需要挂载的处理器；为 nil 的处理器对应路由不注册
type Routes struct {
	Chat      *ChatHandler
	Search    *SearchHandler
	Documents *DocumentHandler
	Sessions  *SessionHandler
	Health    *HealthHandler
	Version   http.HandlerFunc
	Logger    *zap.Logger
}

// NewRouter 构建 gorilla/mux 路由
func NewRouter(rt Routes) *mux.Router {
	logger := rt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, types.NewNotFoundError("route not found"), nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", nil)
	})

	if rt.Health != nil {
		r.HandleFunc("/health", rt.Health.HandleHealth).Methods(http.MethodGet)
		r.HandleFunc("/healthz", rt.Health.HandleHealthz).Methods(http.MethodGet)
	}
	if rt.Version != nil {
		r.HandleFunc("/version", rt.Version).Methods(http.MethodGet)
	}
	if rt.Chat != nil {
		r.HandleFunc("/v1/chat/completions", rt.Chat.HandleChatCompletions).Methods(http.MethodPost)
		r.HandleFunc("/v1/models", rt.Chat.HandleModels).Methods(http.MethodGet)
		r.HandleFunc("/chat", rt.Chat.HandleChat).Methods(http.MethodPost)
		r.HandleFunc("/chat/stream", rt.Chat.HandleChatStream).Methods(http.MethodPost)
	}
	if rt.Search != nil {
		r.HandleFunc("/search/{type}", rt.Search.HandleSearch).Methods(http.MethodPost)
	}
	if rt.Documents != nil {
		r.HandleFunc("/documents", rt.Documents.HandleList).Methods(http.MethodGet)
	}
	if rt.Sessions != nil {
		r.HandleFunc("/sessions/{id}", rt.Sessions.HandleGet).Methods(http.MethodGet)
	}

	logger.Debug("routes registered",
		zap.Bool("chat", rt.Chat != nil),
		zap.Bool("search", rt.Search != nil),
		zap.Bool("documents", rt.Documents != nil),
		zap.Bool("sessions", rt.Sessions != nil))
	return r
}
