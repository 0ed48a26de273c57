package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/BaSui01/hybridrag/types"
)

type encodingInfo struct {
	prefix    string
	encoding  string
	maxTokens int
}

// knownEncodings 按前缀匹配，较长的前缀排在前面
var knownEncodings = []encodingInfo{
	{"text-embedding-3-large", "cl100k_base", 8191},
	{"text-embedding-3-small", "cl100k_base", 8191},
	{"gpt-3.5-turbo", "cl100k_base", 16385},
	{"gpt-4o-mini", "o200k_base", 128000},
	{"gpt-4-turbo", "cl100k_base", 128000},
	{"gpt-4.1", "o200k_base", 1047576},
	{"gpt-4o", "o200k_base", 128000},
	{"gpt-4", "cl100k_base", 8192},
}

var fallbackEncoding = encodingInfo{encoding: "cl100k_base", maxTokens: 8192}

func lookupEncoding(model string) encodingInfo {
	for _, info := range knownEncodings {
		if strings.HasPrefix(model, info.prefix) {
			return info
		}
	}
	return fallbackEncoding
}

// TiktokenTokenizer OpenAI 系列模型的精确分词器。
// 编码表在第一次计数时加载，tiktoken-go 可能需要联网下载 BPE 文件
type TiktokenTokenizer struct {
	model string
	info  encodingInfo

	once    sync.Once
	enc     *tiktoken.Tiktoken
	loadErr error
}

// NewTiktokenTokenizer 未知模型使用 cl100k_base
func NewTiktokenTokenizer(model string) *TiktokenTokenizer {
	return &TiktokenTokenizer{model: model, info: lookupEncoding(model)}
}

func (t *TiktokenTokenizer) encoding() (*tiktoken.Tiktoken, error) {
	t.once.Do(func() {
		t.enc, t.loadErr = tiktoken.GetEncoding(t.info.encoding)
		if t.loadErr != nil {
			t.loadErr = fmt.Errorf("load tiktoken encoding %s: %w", t.info.encoding, t.loadErr)
		}
	})
	return t.enc, t.loadErr
}

func (t *TiktokenTokenizer) CountTokens(text string) (int, error) {
	enc, err := t.encoding()
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// CountMessages 每条消息计入角色名与固定开销
func (t *TiktokenTokenizer) CountMessages(messages []types.Message) (int, error) {
	enc, err := t.encoding()
	if err != nil {
		return 0, err
	}
	total := conversationOverhead
	for _, msg := range messages {
		total += messageOverhead +
			len(enc.Encode(string(msg.Role), nil, nil)) +
			len(enc.Encode(msg.Content, nil, nil))
	}
	return total, nil
}

func (t *TiktokenTokenizer) MaxTokens() int { return t.info.maxTokens }

func (t *TiktokenTokenizer) Name() string { return "tiktoken[" + t.info.encoding + "]" }
