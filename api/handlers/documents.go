package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/hybridrag/api"
	"github.com/BaSui01/hybridrag/rag"
	"github.com/BaSui01/hybridrag/types"
)

const (
	defaultDocumentLimit = 20
	maxDocumentLimit     = 100
)

// DocumentLister 文档分页接口，rag.VectorStore 实现了它
type DocumentLister interface {
	ListDocuments(ctx context.Context, limit, offset int) ([]rag.DocumentSummary, int, error)
}

// DocumentHandler 文档列表处理器
type DocumentHandler struct {
	docs   DocumentLister
	logger *zap.Logger
}

// NewDocumentHandler 创建文档列表处理器
func NewDocumentHandler(docs DocumentLister, logger *zap.Logger) *DocumentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentHandler{
		docs:   docs,
		logger: logger.With(zap.String("component", "document_handler")),
	}
}

// HandleList 处理 GET /documents?limit&offset
// @Summary 文档列表
// @Tags 文档
// @Produce json
// @Param limit query int false "每页条数，默认 20，最大 100"
// @Param offset query int false "偏移"
// @Success 200 {object} api.DocumentListResponse "文档列表"
// @Failure 400 {object} Response "无效分页参数"
// @Router /documents [get]
func (h *DocumentHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultDocumentLimit)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if limit < 1 || offset < 0 {
		WriteError(w, types.NewInvalidRequestError("limit must be positive and offset must not be negative"), h.logger)
		return
	}
	if limit > maxDocumentLimit {
		limit = maxDocumentLimit
	}

	docs, total, err := h.docs.ListDocuments(r.Context(), limit, offset)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if docs == nil {
		docs = []rag.DocumentSummary{}
	}

	WriteJSON(w, http.StatusOK, api.DocumentListResponse{
		Documents: docs,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	})
}
