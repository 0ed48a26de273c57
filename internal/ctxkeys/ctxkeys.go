package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	sessionIDKey contextKey = "session_id"
	turnIDKey    contextKey = "turn_id"
)

func withString(ctx context.Context, key contextKey, v string) context.Context {
	return context.WithValue(ctx, key, v)
}

func getString(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithRequestID 设置请求 ID（由 HTTP 中间件写入）
func WithRequestID(ctx context.Context, id string) context.Context {
	return withString(ctx, requestIDKey, id)
}

// RequestID 获取请求 ID
func RequestID(ctx context.Context) (string, bool) {
	return getString(ctx, requestIDKey)
}

// WithSessionID 设置会话 ID
func WithSessionID(ctx context.Context, id string) context.Context {
	return withString(ctx, sessionIDKey, id)
}

// SessionID 获取会话 ID
func SessionID(ctx context.Context) (string, bool) {
	return getString(ctx, sessionIDKey)
}

// WithTurnID 设置对话轮次 ID
func WithTurnID(ctx context.Context, id string) context.Context {
	return withString(ctx, turnIDKey, id)
}

// TurnID 获取对话轮次 ID
func TurnID(ctx context.Context) (string, bool) {
	return getString(ctx, turnIDKey)
}
