package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/hybridrag/types"
)

// 请求体上限
const maxBodyBytes = 1 << 20

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 错误响应外壳。成功响应直接返回各端点自己的结构
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息。Message 只会是本服务自己的文案，
// 存储层原始错误只进日志。Type 与 OpenAI 客户端的 error.type 对齐
type ErrorInfo struct {
	Code       string `json:"code"`
	Type       string `json:"type"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable,omitempty"`
	HTTPStatus int    `json:"-"`
}

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	// 头已写出，编码失败无法再改状态码
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess 写入带外壳的成功响应
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: w.Header().Get("X-Request-ID"),
	})
}

// errorInfo 把任意错误归为三类之一并生成对外信息
func errorInfo(err error) *ErrorInfo {
	category, status := types.Categorize(err)
	info := &ErrorInfo{
		Type:       string(category),
		Message:    types.UserMessage(category),
		Retryable:  types.IsRetryable(err),
		HTTPStatus: status,
	}

	e, ok := types.AsError(err)
	switch {
	case category == types.CategoryInvalid && ok:
		// 客户端错误的文案由本服务生成，可以原样返回
		info.Code = string(e.Code)
		info.Message = e.Message
	case category == types.CategoryUnavailable && ok:
		info.Code = string(e.Code)
	case category == types.CategoryUnavailable:
		info.Code = string(types.ErrTimeout)
	default:
		info.Code = string(types.ErrInternalError)
	}
	return info
}

// WriteError 写入错误响应；4xx 记 WARN，5xx 记 ERROR
func WriteError(w http.ResponseWriter, err error, logger *zap.Logger) {
	writeErrorInfo(w, err, errorInfo(err), logger)
}

// WriteErrorMessage 以指定状态码写出本服务生成的错误消息，消息原样返回
func WriteErrorMessage(w http.ResponseWriter, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	err := types.NewError(code, message).WithHTTPStatus(status)
	category, _ := types.Categorize(err)
	writeErrorInfo(w, err, &ErrorInfo{
		Code:       string(code),
		Type:       string(category),
		Message:    message,
		Retryable:  status == http.StatusTooManyRequests || types.IsRetryable(err),
		HTTPStatus: status,
	}, logger)
}

func writeErrorInfo(w http.ResponseWriter, err error, info *ErrorInfo, logger *zap.Logger) {
	if logger != nil {
		fields := []zap.Field{
			zap.String("code", info.Code),
			zap.Int("status", info.HTTPStatus),
			zap.Bool("retryable", info.Retryable),
			zap.Error(err),
		}
		if info.HTTPStatus >= http.StatusInternalServerError {
			logger.Error("API error", fields...)
		} else {
			logger.Warn("API error", fields...)
		}
	}

	WriteJSON(w, info.HTTPStatus, Response{
		Success:   false,
		Error:     info,
		Timestamp: time.Now(),
		RequestID: w.Header().Get("X-Request-ID"),
	})
}

// =============================================================================
// 🛡️ 请求验证辅助函数
// =============================================================================

// DecodeJSONBody 严格解码 JSON 请求体（拒绝未知字段）
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	return decodeBody(w, r, dst, true, logger)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any, strict bool, logger *zap.Logger) error {
	if r.Body == nil || r.Body == http.NoBody {
		err := types.NewInvalidRequestError("request body is empty")
		WriteError(w, err, logger)
		return err
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if strict {
		decoder.DisallowUnknownFields()
	}

	if err := decoder.Decode(dst); err != nil {
		msg := "invalid JSON body"
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			msg = "request body too large"
		case errors.Is(err, io.EOF):
			msg = "request body is empty"
		}
		apiErr := types.NewInvalidRequestError(msg).WithCause(err)
		WriteError(w, apiErr, logger)
		return apiErr
	}
	return nil
}

// ValidateContentType 验证 Content-Type 为 application/json（允许带参数）
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		WriteError(w, types.NewInvalidRequestError("Content-Type must be application/json"), logger)
		return false
	}
	return true
}

// queryInt 读取整数查询参数；缺省返回 def
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, types.NewInvalidRequestError(name + " must be an integer")
	}
	return v, nil
}

// =============================================================================
// 📊 响应包装器（用于捕获状态码）
// =============================================================================

// ResponseWriter 包装 http.ResponseWriter 以捕获状态码，保留 Flush 以支持 SSE
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
}

// NewResponseWriter 创建新的 ResponseWriter
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader 重写 WriteHeader 以捕获状态码
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write 重写 Write 以标记已写入
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Flush 实现 http.Flusher
func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap 供 http.ResponseController 使用
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
