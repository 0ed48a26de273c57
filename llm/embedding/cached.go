package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/hybridrag/internal/cache"
	"github.com/BaSui01/hybridrag/internal/metrics"
)

// Cache 是 CachedProvider 需要的最小缓存能力，*cache.Manager 满足该接口
type Cache interface {
	GetJSON(ctx context.Context, key string, dest any) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// CachedProvider 为 Provider 增加 Redis 缓存。
// 缓存读写失败只记录日志，不影响嵌入结果.
type CachedProvider struct {
	inner   Provider
	cache   Cache
	model   string
	ttl     time.Duration
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewCachedProvider 包装 inner；model 参与缓存键，切换模型不会命中旧向量
func NewCachedProvider(inner Provider, c Cache, model string, ttl time.Duration, collector *metrics.Collector, logger *zap.Logger) *CachedProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedProvider{
		inner:   inner,
		cache:   c,
		model:   model,
		ttl:     ttl,
		metrics: collector,
		logger:  logger.With(zap.String("component", "embedding_cache")),
	}
}

func (p *CachedProvider) Name() string    { return p.inner.Name() }
func (p *CachedProvider) Dimensions() int { return p.inner.Dimensions() }

// EmbedQuery 嵌入单个查询，优先读缓存
func (p *CachedProvider) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	vecs, err := p.EmbedDocuments(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedDocuments 只对未命中的文本调用底层 Provider
func (p *CachedProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	var (
		missTexts []string
		missIdx   []int
	)

	for i, text := range texts {
		var vec []float64
		err := p.cache.GetJSON(ctx, p.key(text), &vec)
		switch {
		case err == nil && len(vec) == p.inner.Dimensions():
			out[i] = vec
			p.metrics.RecordCacheHit("embedding")
			continue
		case err != nil && !cache.IsCacheMiss(err):
			p.logger.Warn("embedding cache read failed", zap.Error(err))
		}
		p.metrics.RecordCacheMiss("embedding")
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := p.inner.EmbedDocuments(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, vec := range vecs {
		out[missIdx[j]] = vec
		if err := p.cache.SetJSON(ctx, p.key(missTexts[j]), vec, p.ttl); err != nil {
			p.logger.Warn("embedding cache write failed", zap.Error(err))
		}
	}
	return out, nil
}

func (p *CachedProvider) key(text string) string {
	sum := sha256.Sum256([]byte(p.model + "\x00" + text))
	return "emb:" + hex.EncodeToString(sum[:])
}

var _ Provider = (*CachedProvider)(nil)
