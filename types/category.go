package types

import (
	"context"
	"errors"
	"net/http"
)

// Category 面向终端用户的错误分类，只有三种
type Category string

const (
	CategoryUnavailable Category = "temporarily_unavailable"
	CategoryInvalid     Category = "invalid_request"
	CategoryInternal    Category = "internal_error"
)

// Categorize 将任意错误映射为用户可见的分类和 HTTP 状态码
func Categorize(err error) (Category, int) {
	if err == nil {
		return "", http.StatusOK
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryUnavailable, http.StatusServiceUnavailable
	}

	switch GetErrorCode(err) {
	case ErrStoreUnavailable, ErrServiceUnavailable, ErrAdapter, ErrTimeout:
		return CategoryUnavailable, http.StatusServiceUnavailable
	case ErrInvalidRequest, ErrIdentifierFormat, ErrStreamingUnsupported:
		return CategoryInvalid, http.StatusBadRequest
	case ErrNotFound:
		return CategoryInvalid, http.StatusNotFound
	default:
		return CategoryInternal, http.StatusInternalServerError
	}
}

// UserMessage 返回分类对应的稳定文案，不包含任何存储层原始错误
func UserMessage(c Category) string {
	switch c {
	case CategoryUnavailable:
		return "The service is temporarily unavailable. Please try again shortly."
	case CategoryInvalid:
		return "The request is invalid."
	default:
		return "An internal error occurred."
	}
}
