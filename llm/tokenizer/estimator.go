package tokenizer

import (
	"unicode"

	"github.com/BaSui01/hybridrag/types"
)

// 估算比例：CJK 约 1.5 字符 / token，其余约 4 字符 / token
const (
	cjkRunesPerToken   = 1.5
	otherRunesPerToken = 4.0

	messageOverhead      = 4 // 角色标记与分隔符
	conversationOverhead = 3
	defaultMaxTokens     = 4096
)

// EstimatorTokenizer 按字符类别估算 token 数，不依赖任何编码表
type EstimatorTokenizer struct {
	model     string
	maxTokens int
}

// NewEstimatorTokenizer maxTokens <= 0 时取 4096
func NewEstimatorTokenizer(model string, maxTokens int) *EstimatorTokenizer {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &EstimatorTokenizer{model: model, maxTokens: maxTokens}
}

// CountTokens 非空文本至少计 1
func (e *EstimatorTokenizer) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	var cjk, other int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	n := int(float64(cjk)/cjkRunesPerToken + float64(other)/otherRunesPerToken)
	return max(n, 1), nil
}

func (e *EstimatorTokenizer) CountMessages(messages []types.Message) (int, error) {
	total := conversationOverhead
	for _, msg := range messages {
		n, _ := e.CountTokens(msg.Content)
		total += n + messageOverhead
	}
	return total, nil
}

func (e *EstimatorTokenizer) MaxTokens() int { return e.maxTokens }

func (e *EstimatorTokenizer) Name() string { return "estimator" }

func isCJK(r rune) bool {
	switch {
	case unicode.Is(unicode.Han, r):
		return true
	case r >= 0x3000 && r <= 0x303F: // 中日韩标点
		return true
	case r >= 0xFF00 && r <= 0xFFEF: // 全角字符
		return true
	}
	return false
}
