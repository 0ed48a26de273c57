package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/hybridrag/internal/metrics"
	"github.com/BaSui01/hybridrag/internal/telemetry"
	"github.com/BaSui01/hybridrag/llm/embedding"
	"github.com/BaSui01/hybridrag/types"
)

// MENTIONS 边的权重
const mentionWeight = 0.5

// IngestOptions 摄取选项
type IngestOptions struct {
	// Clean 删除同一内容哈希或同一来源的旧文档后重新摄取
	Clean bool `json:"clean"`
	// Fast 跳过实体抽取与图写入
	Fast bool `json:"fast"`
	// Verbose 以 INFO 级别输出每个 chunk 的结果
	Verbose bool `json:"verbose"`
}

// ChunkOutcome 单个 chunk 的两阶段结果；VectorErr 为空即视为成功
type ChunkOutcome struct {
	DocumentID string
	ChunkID    string
	Ordinal    int
	VectorErr  error
	GraphErr   error
	EntityIDs  []string
	Relations  int
}

// Succeeded chunk 是否写入成功（只看向量阶段）
func (o ChunkOutcome) Succeeded() bool { return o.VectorErr == nil }

func (o ChunkOutcome) MarshalJSON() ([]byte, error) {
	errString := func(err error) string {
		if err == nil {
			return ""
		}
		return err.Error()
	}
	return json.Marshal(struct {
		DocumentID  string `json:"document_id"`
		ChunkID     string `json:"chunk_id"`
		Ordinal     int    `json:"chunk_index"`
		VectorError string `json:"vector_error,omitempty"`
		GraphError  string `json:"graph_error,omitempty"`
		Entities    int    `json:"entities"`
		Relations   int    `json:"relations"`
	}{o.DocumentID, o.ChunkID, o.Ordinal, errString(o.VectorErr), errString(o.GraphErr), len(o.EntityIDs), o.Relations})
}

// IngestError 文档级或 chunk 级失败记录；Ordinal 为 -1 表示文档级
type IngestError struct {
	DocumentID string `json:"document_id,omitempty"`
	Source     string `json:"source,omitempty"`
	Ordinal    int    `json:"chunk_index"`
	Stage      string `json:"stage"`
	Message    string `json:"message"`
}

// IngestionReport 摄取报告，可跨文档合并
type IngestionReport struct {
	DocumentIDs   []string       `json:"document_ids,omitempty"`
	Documents     int            `json:"documents"`
	Chunks        int            `json:"chunks"`
	FailedChunks  int            `json:"failed_chunks"`
	Entities      int            `json:"entities"`
	Relations     int            `json:"relations"`
	Skipped       int            `json:"skipped"`
	Errors        []IngestError  `json:"errors,omitempty"`
	ChunkOutcomes []ChunkOutcome `json:"chunk_outcomes,omitempty"`
	Duration      time.Duration  `json:"duration"`
}

// Merge 合并另一份报告
func (r *IngestionReport) Merge(other IngestionReport) {
	r.DocumentIDs = append(r.DocumentIDs, other.DocumentIDs...)
	r.Documents += other.Documents
	r.Chunks += other.Chunks
	r.FailedChunks += other.FailedChunks
	r.Entities += other.Entities
	r.Relations += other.Relations
	r.Skipped += other.Skipped
	r.Errors = append(r.Errors, other.Errors...)
	r.ChunkOutcomes = append(r.ChunkOutcomes, other.ChunkOutcomes...)
}

// Failed 是否存在文档级失败
func (r IngestionReport) Failed() bool {
	for _, e := range r.Errors {
		if e.Ordinal < 0 {
			return true
		}
	}
	return false
}

func (r *IngestionReport) docError(doc Document, stage string, err error) {
	r.Errors = append(r.Errors, IngestError{
		DocumentID: doc.ID, Source: doc.Source, Ordinal: -1, Stage: stage, Message: err.Error(),
	})
}

// CoordinatorConfig 摄取协调器配置
type CoordinatorConfig struct {
	// 单文档内 chunk 并发
	MaxConcurrency int
	// IngestBatch 的文档并发
	DocumentConcurrency int
	// 每次嵌入请求的 chunk 数
	EmbeddingBatchSize int
	ExtractionTimeout  time.Duration
	StoreTimeout       time.Duration
}

// Coordinator 摄取协调器
type Coordinator struct {
	cfg       CoordinatorConfig
	chunker   *DocumentChunker
	embedder  embedding.Provider
	extractor Extractor
	vectors   VectorStore
	graph     GraphStore
	collector *metrics.Collector
	tracer    trace.Tracer
	logger    *zap.Logger
}

// NewCoordinator 创建摄取协调器；extractor 或 graph 为 nil 时等同于始终 fast
func NewCoordinator(cfg CoordinatorConfig, chunker *DocumentChunker, embedder embedding.Provider,
	extractor Extractor, vectors VectorStore, graph GraphStore,
	collector *metrics.Collector, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.DocumentConcurrency <= 0 {
		cfg.DocumentConcurrency = 1
	}
	if cfg.EmbeddingBatchSize <= 0 {
		cfg.EmbeddingBatchSize = 16
	}
	if cfg.ExtractionTimeout <= 0 {
		cfg.ExtractionTimeout = 60 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}
	return &Coordinator{
		cfg:       cfg,
		chunker:   chunker,
		embedder:  embedder,
		extractor: extractor,
		vectors:   vectors,
		graph:     graph,
		collector: collector,
		tracer:    telemetry.Tracer(),
		logger:    logger.With(zap.String("component", "ingestion")),
	}
}

func (c *Coordinator) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.StoreTimeout)
}

// Ingest 摄取单个文档。失败记录在报告中，不会以 error 返回
func (c *Coordinator) Ingest(ctx context.Context, doc Document, opts IngestOptions) IngestionReport {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "rag.Ingest", trace.WithAttributes(
		attribute.String("document.source", doc.Source),
		attribute.Bool("ingest.clean", opts.Clean),
		attribute.Bool("ingest.fast", opts.Fast),
	))
	defer span.End()

	report, status := c.ingest(ctx, doc, opts)
	report.Duration = time.Since(start)
	c.collector.RecordDocument(status, report.Duration)
	span.SetAttributes(attribute.String("ingest.status", status), attribute.Int("ingest.chunks", report.Chunks))
	return report
}

func (c *Coordinator) ingest(ctx context.Context, doc Document, opts IngestOptions) (IngestionReport, string) {
	var report IngestionReport
	log := c.logger.With(zap.String("source", doc.Source), zap.String("title", doc.Title))

	if strings.TrimSpace(doc.Content) == "" {
		report.docError(doc, "validate", types.NewInvalidRequestError("document has no content"))
		return report, "failed"
	}
	doc.ContentHash = ContentHash(doc.Content)

	sctx, cancel := c.storeCtx(ctx)
	existing, err := c.vectors.DocumentByHash(sctx, doc.ContentHash)
	cancel()
	if err != nil {
		log.Error("document lookup failed", zap.Error(err))
		report.docError(doc, "lookup", err)
		return report, "failed"
	}

	if existing != nil && !opts.Clean {
		stored, want, err := c.storedChunks(ctx, doc, existing.ID)
		if err != nil {
			log.Error("chunk count failed", zap.Error(err))
			report.docError(*existing, "lookup", err)
			return report, "failed"
		}
		if stored >= want {
			log.Info("document unchanged, skipping", zap.String("document_id", existing.ID))
			report.Skipped = 1
			report.DocumentIDs = []string{existing.ID}
			return report, "skipped"
		}
		log.Warn("prior ingest incomplete, re-ingesting",
			zap.String("document_id", existing.ID),
			zap.Int("stored_chunks", stored),
			zap.Int("chunks", want))
		if err := c.purgeScope(ctx, *existing, &report); err != nil {
			return report, "failed"
		}
	}

	if opts.Clean {
		if err := c.purgePrior(ctx, doc, existing, &report); err != nil {
			return report, "failed"
		}
	}

	if doc.ID == "" || (existing != nil && doc.ID == existing.ID) {
		doc.ID = uuid.NewString()
	}
	if doc.Title == "" {
		doc.Title = doc.Source
	}
	sctx, cancel = c.storeCtx(ctx)
	err = c.vectors.UpsertDocument(sctx, doc)
	cancel()
	if err != nil {
		log.Error("document write failed", zap.Error(err))
		report.docError(doc, "document", err)
		return report, "failed"
	}
	report.Documents = 1
	report.DocumentIDs = []string{doc.ID}
	log = log.With(zap.String("document_id", doc.ID))

	chunks := c.chunker.ChunkDocument(doc)
	for i := range chunks {
		if chunks[i].Metadata == nil {
			chunks[i].Metadata = map[string]any{}
		}
		chunks[i].Metadata["document_title"] = doc.Title
		chunks[i].Metadata["source"] = doc.Source
	}

	withGraph := !opts.Fast && c.extractor != nil && c.graph != nil
	docNode := false
	if withGraph {
		sctx, cancel = c.storeCtx(ctx)
		_, err := c.graph.UpsertEntity(sctx, Entity{ID: DocumentEntityID(doc.ID), Name: doc.Title, Type: DocumentEntityType})
		cancel()
		if err != nil {
			log.Warn("document node write failed, MENTIONS edges skipped", zap.Error(err))
			report.docError(doc, "graph", err)
		} else {
			docNode = true
		}
	}

	outcomes := c.processChunks(ctx, doc, chunks, withGraph, docNode, opts)

	entityIDs := make(map[string]bool)
	for _, o := range outcomes {
		if o.Succeeded() {
			report.Chunks++
		} else {
			report.FailedChunks++
			report.Errors = append(report.Errors, IngestError{
				DocumentID: doc.ID, Source: doc.Source, Ordinal: o.Ordinal, Stage: "vector", Message: o.VectorErr.Error(),
			})
		}
		if o.GraphErr != nil {
			report.Errors = append(report.Errors, IngestError{
				DocumentID: doc.ID, Source: doc.Source, Ordinal: o.Ordinal, Stage: "graph", Message: o.GraphErr.Error(),
			})
		}
		report.Relations += o.Relations
		for _, id := range o.EntityIDs {
			entityIDs[id] = true
		}
	}
	report.Entities = len(entityIDs)
	report.ChunkOutcomes = outcomes

	log.Info("document ingested",
		zap.Int("chunks", report.Chunks),
		zap.Int("failed_chunks", report.FailedChunks),
		zap.Int("entities", report.Entities),
		zap.Int("relations", report.Relations))

	if report.Chunks == 0 && len(chunks) > 0 {
		// 没有任何 chunk 落库时不保留文档行，下次运行会重新摄取
		log.Error("no chunk stored, removing document", zap.Int("chunks", len(chunks)))
		_ = c.purgeScope(ctx, doc, &report)
		report.docError(doc, "vector", fmt.Errorf("all %d chunks failed: %w", len(chunks), outcomes[0].VectorErr))
		report.Documents = 0
		report.DocumentIDs = nil
		return report, "failed"
	}
	return report, "ok"
}

// storedChunks 返回已存储的 chunk 数与按当前配置应有的 chunk 数
func (c *Coordinator) storedChunks(ctx context.Context, doc Document, documentID string) (int, int, error) {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	stored, err := c.vectors.ChunkCount(sctx, documentID)
	if err != nil {
		return 0, 0, err
	}
	return stored, len(c.chunker.ChunkDocument(doc)), nil
}

// purgePrior clean=true 时删除同哈希、同来源的旧文档；图谱范围只做软失效
func (c *Coordinator) purgePrior(ctx context.Context, doc Document, existing *Document, report *IngestionReport) error {
	prior := make(map[string]Document)
	if existing != nil {
		prior[existing.ID] = *existing
	}
	if doc.Source != "" {
		sctx, cancel := c.storeCtx(ctx)
		same, err := c.vectors.DocumentsBySource(sctx, doc.Source)
		cancel()
		if err != nil {
			report.docError(doc, "clean", err)
			return err
		}
		for _, d := range same {
			prior[d.ID] = d
		}
	}

	for _, old := range prior {
		if err := c.purgeScope(ctx, old, report); err != nil {
			return err
		}
	}
	return nil
}

// purgeScope 删除文档的向量范围，图谱关系只做软失效
func (c *Coordinator) purgeScope(ctx context.Context, old Document, report *IngestionReport) error {
	c.logger.Warn("deleting document scope",
		zap.String("document_id", old.ID),
		zap.String("source", old.Source))

	sctx, cancel := c.storeCtx(ctx)
	err := c.vectors.DeleteDocument(sctx, old.ID)
	cancel()
	if err != nil {
		report.docError(old, "clean", err)
		return err
	}

	if c.graph == nil {
		return nil
	}
	sctx, cancel = c.storeCtx(ctx)
	defer cancel()
	n, err := c.graph.InvalidateDocument(sctx, old.ID, time.Now().UTC())
	if err == nil {
		err = c.graph.DeleteEntity(sctx, DocumentEntityID(old.ID))
	}
	if err != nil {
		c.logger.Warn("graph scope not removed", zap.String("document_id", old.ID), zap.Error(err))
		report.docError(old, "clean_graph", err)
		return nil
	}
	c.logger.Warn("relationships invalidated",
		zap.String("document_id", old.ID),
		zap.Int("relationships", n))
	return nil
}

// processChunks 有界并发处理全部 chunk；ordinal 已在分块时确定
func (c *Coordinator) processChunks(ctx context.Context, doc Document, chunks []Chunk, withGraph, docNode bool, opts IngestOptions) []ChunkOutcome {
	outcomes := make([]ChunkOutcome, len(chunks))
	for i, ch := range chunks {
		outcomes[i] = ChunkOutcome{DocumentID: doc.ID, ChunkID: ch.ID, Ordinal: ch.Ordinal}
	}
	if len(chunks) == 0 {
		return outcomes
	}

	vecs, embedErrs := c.embedChunks(ctx, chunks)

	sem := semaphore.NewWeighted(int64(c.cfg.MaxConcurrency))
	var g errgroup.Group

	for i := range chunks {
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(chunks); j++ {
				outcomes[j].VectorErr = types.NewAdapterError("ingestion", err)
			}
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			o := &outcomes[i]
			chunk := chunks[i]

			if embedErrs[i] != nil {
				o.VectorErr = embedErrs[i]
			} else {
				chunk.Embedding = vecs[i]
				sctx, cancel := c.storeCtx(ctx)
				o.VectorErr = c.vectors.AddChunk(sctx, chunk)
				cancel()
			}
			c.collector.RecordChunkPhase("vector", o.VectorErr == nil)

			if withGraph {
				o.EntityIDs, o.Relations, o.GraphErr = c.writeGraph(ctx, doc, chunk, docNode)
				c.collector.RecordChunkPhase("graph", o.GraphErr == nil)
			}

			c.logChunk(opts, *o)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (c *Coordinator) logChunk(opts IngestOptions, o ChunkOutcome) {
	fields := []zap.Field{
		zap.String("document_id", o.DocumentID),
		zap.Int("chunk_index", o.Ordinal),
		zap.Bool("vector_ok", o.VectorErr == nil),
		zap.Bool("graph_ok", o.GraphErr == nil),
	}
	switch {
	case o.VectorErr != nil:
		c.logger.Warn("chunk vector write failed", append(fields, zap.Error(o.VectorErr))...)
	case o.GraphErr != nil:
		c.logger.Warn("chunk graph write failed", append(fields, zap.Error(o.GraphErr))...)
	case opts.Verbose:
		c.logger.Info("chunk ingested", fields...)
	default:
		c.logger.Debug("chunk ingested", fields...)
	}
}

// embedChunks 分批嵌入；整批失败时逐个重试以隔离坏 chunk
func (c *Coordinator) embedChunks(ctx context.Context, chunks []Chunk) ([][]float64, []error) {
	vecs := make([][]float64, len(chunks))
	errs := make([]error, len(chunks))

	var g errgroup.Group
	g.SetLimit(c.cfg.MaxConcurrency)
	for start := 0; start < len(chunks); start += c.cfg.EmbeddingBatchSize {
		end := min(start+c.cfg.EmbeddingBatchSize, len(chunks))
		g.Go(func() error {
			texts := make([]string, end-start)
			for i := range texts {
				texts[i] = chunks[start+i].Content
			}
			out, err := c.embedder.EmbedDocuments(ctx, texts)
			if err == nil && len(out) == len(texts) {
				copy(vecs[start:end], out)
				c.collector.RecordEmbedding(c.embedder.Name(), "success", len(texts))
				return nil
			}
			if err == nil {
				err = types.NewAdapterError("embedding", errors.New("embedding count mismatch"))
			}
			if len(texts) == 1 {
				errs[start] = wrapAdapter("embedding", err)
				c.collector.RecordEmbedding(c.embedder.Name(), "error", 1)
				return nil
			}
			c.logger.Debug("embedding batch failed, retrying individually", zap.Int("batch", len(texts)), zap.Error(err))
			for i, text := range texts {
				v, err := c.embedder.EmbedQuery(ctx, text)
				if err != nil {
					errs[start+i] = wrapAdapter("embedding", err)
					c.collector.RecordEmbedding(c.embedder.Name(), "error", 1)
					continue
				}
				vecs[start+i] = v
				c.collector.RecordEmbedding(c.embedder.Name(), "success", 1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return vecs, errs
}

func wrapAdapter(component string, err error) error {
	if _, ok := types.AsError(err); ok {
		return err
	}
	return types.NewAdapterError(component, err)
}

// writeGraph 抽取并写入实体、关系以及文档到实体的 MENTIONS 边
func (c *Coordinator) writeGraph(ctx context.Context, doc Document, chunk Chunk, docNode bool) ([]string, int, error) {
	ectx, cancel := context.WithTimeout(ctx, c.cfg.ExtractionTimeout)
	ext, err := c.extractor.Extract(ectx, chunk.Content)
	cancel()
	if err != nil {
		return nil, 0, wrapAdapter("extraction", err)
	}

	sctx, cancel := c.storeCtx(ctx)
	defer cancel()

	byName := make(map[string]string, len(ext.Entities))
	ids := make([]string, 0, len(ext.Entities))
	relations := 0
	for _, e := range ext.Entities {
		stored, err := c.graph.UpsertEntity(sctx, Entity{Name: e.Name, Type: e.Type})
		if err != nil {
			return ids, relations, err
		}
		byName[strings.ToLower(e.Name)] = stored.ID
		ids = append(ids, stored.ID)

		if docNode {
			err := c.graph.AddRelationship(sctx, Relationship{
				Type: RelMentions, SourceID: DocumentEntityID(doc.ID), TargetID: stored.ID,
				Weight: mentionWeight, DocumentID: doc.ID, ChunkID: chunk.ID,
			})
			if err != nil {
				return ids, relations, err
			}
			relations++
		}
	}

	for _, r := range ext.Relations {
		src, dst := byName[strings.ToLower(r.Source)], byName[strings.ToLower(r.Target)]
		if src == "" || dst == "" {
			continue
		}
		err := c.graph.AddRelationship(sctx, Relationship{
			Type: r.Type, SourceID: src, TargetID: dst, Weight: 1, DocumentID: doc.ID, ChunkID: chunk.ID,
		})
		if err != nil {
			return ids, relations, err
		}
		relations++
	}
	return ids, relations, nil
}

// IngestBatch 多文档摄取，单个文档失败不影响其他文档
func (c *Coordinator) IngestBatch(ctx context.Context, docs []Document, opts IngestOptions) IngestionReport {
	start := time.Now()
	reports := make([]IngestionReport, len(docs))

	var g errgroup.Group
	g.SetLimit(c.cfg.DocumentConcurrency)
	for i := range docs {
		g.Go(func() error {
			reports[i] = c.Ingest(ctx, docs[i], opts)
			return nil
		})
	}
	_ = g.Wait()

	var total IngestionReport
	for _, r := range reports {
		total.Merge(r)
	}
	total.Duration = time.Since(start)
	c.logger.Info("batch ingestion finished",
		zap.Int("documents", total.Documents),
		zap.Int("skipped", total.Skipped),
		zap.Int("chunks", total.Chunks),
		zap.Int("errors", len(total.Errors)),
		zap.Duration("duration", total.Duration))
	return total
}
