package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/BaSui01/hybridrag/api"
	"github.com/BaSui01/hybridrag/rag"
	"github.com/BaSui01/hybridrag/types"
)

// 检索条数
const (
	defaultSearchLimit = 10
	maxSearchLimit     = 50
)

// Searcher 直接检索接口，*rag.Engine 实现了它
type Searcher interface {
	Search(ctx context.Context, mode rag.SearchMode, query string, k int) ([]rag.SearchResult, error)
}

// SearchHandler 检索处理器
type SearchHandler struct {
	searcher Searcher
	logger   *zap.Logger
}

// NewSearchHandler 创建检索处理器
func NewSearchHandler(searcher Searcher, logger *zap.Logger) *SearchHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SearchHandler{
		searcher: searcher,
		logger:   logger.With(zap.String("component", "search_handler")),
	}
}

// HandleSearch 处理 POST /search/{type}
// @Summary 直接检索
// @Description type 为 vector、graph 或 hybrid；limit 默认 10，最大 50
// @Tags 检索
// @Accept json
// @Produce json
// @Param type path string true "检索方式"
// @Param request body api.SearchRequest true "检索请求"
// @Success 200 {object} api.SearchResponse "检索结果"
// @Failure 400 {object} Response "无效请求"
// @Failure 503 {object} Response "存储不可用"
// @Router /search/{type} [post]
func (h *SearchHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	mode, ok := rag.ParseSearchMode(mux.Vars(r)["type"])
	if !ok {
		WriteError(w, types.NewNotFoundError("unknown search type"), h.logger)
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.SearchRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	switch {
	case req.Limit < 0:
		WriteError(w, types.NewInvalidRequestError("limit must not be negative"), h.logger)
		return
	case req.Limit == 0:
		req.Limit = defaultSearchLimit
	case req.Limit > maxSearchLimit:
		req.Limit = maxSearchLimit
	}

	start := time.Now()
	results, err := h.searcher.Search(r.Context(), mode, req.Query, req.Limit)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if results == nil {
		results = []rag.SearchResult{}
	}

	WriteJSON(w, http.StatusOK, api.SearchResponse{
		Results:      results,
		TotalResults: len(results),
		SearchType:   string(mode),
		QueryTimeMS:  float64(time.Since(start).Microseconds()) / 1000,
	})
}
