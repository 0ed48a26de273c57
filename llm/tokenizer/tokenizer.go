package tokenizer

import (
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/hybridrag/types"
)

// Tokenizer是统一的代号计数界面.
type Tokenizer interface {
	// CountTokens 返回给定文本的 token 数.
	CountTokens(text string) (int, error)

	// CountMessages 返回消息列表的总 token 数,
	// 包括每条消息的开销（角色标记、分隔符等）。
	CountMessages(messages []types.Message) (int, error)

	// MaxTokens 返回模型的最大上下文长度.
	MaxTokens() int

	// Name 返回分词器的名称.
	Name() string
}

// Fallback 优先使用 primary，primary 初始化失败（如离线环境无法下载
// BPE 文件）后永久切换到 fallback.
type Fallback struct {
	primary  Tokenizer
	fallback Tokenizer
	logger   *zap.Logger

	mu     sync.RWMutex
	failed bool
}

// NewFallback 创建带回落的分词器
func NewFallback(primary, fallback Tokenizer, logger *zap.Logger) *Fallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fallback{primary: primary, fallback: fallback, logger: logger}
}

// ForModel 返回模型对应的 tiktoken 分词器，失败时回落到估算器
func ForModel(model string, logger *zap.Logger) Tokenizer {
	return NewFallback(NewTiktokenTokenizer(model), NewEstimatorTokenizer(model, 0), logger)
}

func (f *Fallback) active() Tokenizer {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.failed {
		return f.fallback
	}
	return f.primary
}

func (f *Fallback) markFailed(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.failed {
		f.failed = true
		f.logger.Warn("tokenizer unavailable, falling back to estimator",
			zap.String("tokenizer", f.primary.Name()), zap.Error(err))
	}
}

func (f *Fallback) CountTokens(text string) (int, error) {
	n, err := f.active().CountTokens(text)
	if err != nil && f.active() == f.primary {
		f.markFailed(err)
		return f.fallback.CountTokens(text)
	}
	return n, err
}

func (f *Fallback) CountMessages(messages []types.Message) (int, error) {
	n, err := f.active().CountMessages(messages)
	if err != nil && f.active() == f.primary {
		f.markFailed(err)
		return f.fallback.CountMessages(messages)
	}
	return n, err
}

func (f *Fallback) MaxTokens() int { return f.active().MaxTokens() }

func (f *Fallback) Name() string { return f.active().Name() }
