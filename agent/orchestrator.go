package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/hybridrag/agent/session"
	"github.com/BaSui01/hybridrag/internal/metrics"
	"github.com/BaSui01/hybridrag/internal/telemetry"
	"github.com/BaSui01/hybridrag/llm"
	"github.com/BaSui01/hybridrag/rag"
	"github.com/BaSui01/hybridrag/types"
)

// Mode 编排器运行模式，必须与会话管理器一致
type Mode struct {
	Persistent bool
}

// Config 编排器配置
type Config struct {
	Model        string
	SystemPrompt string
	// 送入 LLM 的检索条目上限
	ContextK int
	// 送入 LLM 的历史消息条数
	HistoryMessages int
	MaxTokens       int
	Temperature     float32
	// 单次 LLM 调用（含整个流）的超时
	LLMTimeout time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Model:           "gpt-4o-mini",
		ContextK:        4,
		HistoryMessages: 6,
		MaxTokens:       1024,
		Temperature:     0.2,
		LLMTimeout:      2 * time.Minute,
	}
}

// SessionStore 会话管理器的最小接口，*session.Manager 实现了它
type SessionStore interface {
	Mode() session.Mode
	ResolveOrCreate(ctx context.Context, ref string) (string, error)
	AppendMessages(ctx context.Context, sessionID string, msgs ...session.Message) ([]session.Message, error)
	History(ctx context.Context, sessionID string, limit int) ([]session.Message, error)
}

// TurnRequest 一轮问答的输入
type TurnRequest struct {
	Message   string
	SessionID string
	// History 调用方自带的前序消息（OpenAI 协议），非空时不再读会话存储
	History []types.Message
	// Strategy 强制使用的策略，为空时由 Classifier 决定
	Strategy StrategyKind
	// ReceivedAt 用户消息到达时间，零值时取开始处理的时刻
	ReceivedAt time.Time
}

// TurnResult 一轮问答的输出
type TurnResult struct {
	Content   string           `json:"content"`
	ToolsUsed []types.ToolCall `json:"tools_used"`
	Citations []Citation       `json:"citations"`
	SessionID string           `json:"session_id"`
	State     TurnState        `json:"state"`
	States    []TurnState      `json:"-"`
	Strategy  StrategyKind     `json:"strategy"`
	Model     string           `json:"model"`
	Usage     types.TokenUsage `json:"usage"`
}

// EventType 流式事件类型
type EventType string

const (
	EventSession EventType = "session"
	EventToken   EventType = "token"
	EventTools   EventType = "tools"
	EventEnd     EventType = "end"
	EventError   EventType = "error"
)

// TurnEvent 流式事件；Result 只在 end 事件上携带
type TurnEvent struct {
	Type      EventType
	SessionID string
	Delta     string
	Tools     []types.ToolCall
	Result    *TurnResult
	Err       error
}

// Orchestrator 单轮问答编排器
type Orchestrator struct {
	cfg        Config
	mode       Mode
	retriever  Retriever
	provider   llm.Provider
	sessions   SessionStore
	classifier Classifier
	collector  *metrics.Collector
	tracer     trace.Tracer
	logger     *zap.Logger
}

// NewOrchestrator 创建编排器。classifier 为 nil 时使用默认启发式分类器
func NewOrchestrator(cfg Config, mode Mode, retriever Retriever, provider llm.Provider, sessions SessionStore,
	classifier Classifier, collector *metrics.Collector, logger *zap.Logger) (*Orchestrator, error) {
	if retriever == nil || provider == nil || sessions == nil {
		return nil, types.NewConfigurationError("orchestrator requires a retriever, an llm provider and a session store")
	}
	if sessions.Mode().Persistent != mode.Persistent {
		return nil, types.NewConfigurationError("orchestrator and session manager disagree on persistent mode")
	}
	def := DefaultConfig()
	if cfg.ContextK <= 0 {
		cfg.ContextK = def.ContextK
	}
	if cfg.HistoryMessages < 0 {
		cfg.HistoryMessages = 0
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = def.LLMTimeout
	}
	if classifier == nil {
		classifier = NewHeuristicClassifier(DefaultHeuristicConfig())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:        cfg,
		mode:       mode,
		retriever:  retriever,
		provider:   provider,
		sessions:   sessions,
		classifier: classifier,
		collector:  collector,
		tracer:     telemetry.Tracer(),
		logger:     logger.With(zap.String("component", "orchestrator")),
	}, nil
}

// Mode 返回运行模式
func (o *Orchestrator) Mode() Mode { return o.mode }

// Model 返回配置的模型名
func (o *Orchestrator) Model() string { return o.cfg.Model }

// prepared 合成之前的所有中间结果
type prepared struct {
	sessionID  string
	receivedAt time.Time
	strategy  RetrievalStrategy
	tool      types.ToolCall
	items     []rag.SearchResult
	request   *llm.ChatRequest
}

// prepare 推进到 RETRIEVAL_COMPLETE
func (o *Orchestrator) prepare(ctx context.Context, req TurnRequest, t *turn) (*prepared, error) {
	received := req.ReceivedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}
	question := strings.TrimSpace(req.Message)
	if question == "" {
		return nil, types.NewInvalidRequestError("message must not be empty")
	}

	sid, err := o.sessions.ResolveOrCreate(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := t.advance(StateSessionResolved); err != nil {
		return nil, err
	}
	p := &prepared{sessionID: sid, receivedAt: received}

	history, err := o.history(ctx, req, sid)
	if err != nil {
		return p, err
	}

	kind := req.Strategy
	if _, ok := ParseStrategy(string(kind)); !ok {
		kind = o.classifier.Classify(question)
	}
	p.strategy = StrategyFor(kind)
	p.tool = types.ToolCall{
		ID:   newToolCallID(),
		Name: p.strategy.ToolName(),
		Args: map[string]any{"query": question, "limit": o.cfg.ContextK},
	}
	if err := t.advance(StateToolsSelected); err != nil {
		return p, err
	}

	items, err := p.strategy.Retrieve(ctx, o.retriever, question, o.cfg.ContextK)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return p, ctxErr
		}
		if !degradable(err) {
			return p, err
		}
		o.logger.Warn("retrieval failed, answering without context",
			zap.String("strategy", string(p.strategy.Kind())),
			zap.String("code", string(types.GetErrorCode(err))),
			zap.Error(err))
		items = nil
	}
	if len(items) > o.cfg.ContextK {
		items = items[:o.cfg.ContextK]
	}
	p.items = items
	if err := t.advance(StateRetrievalComplete); err != nil {
		return p, err
	}

	p.request = &llm.ChatRequest{
		Model:       o.cfg.Model,
		Messages:    buildPrompt(o.cfg.SystemPrompt, history, question, items),
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: o.cfg.Temperature,
	}
	return p, nil
}

// history 优先使用调用方自带的历史；持久化模式下读会话存储
func (o *Orchestrator) history(ctx context.Context, req TurnRequest, sid string) ([]types.Message, error) {
	if o.cfg.HistoryMessages == 0 {
		return nil, nil
	}
	if len(req.History) > 0 {
		return lastN(req.History, o.cfg.HistoryMessages), nil
	}
	if !o.mode.Persistent {
		return nil, nil
	}
	stored, err := o.sessions.History(ctx, sid, o.cfg.HistoryMessages)
	if err != nil {
		return nil, err
	}
	out := make([]types.Message, len(stored))
	for i, m := range stored {
		out[i] = types.Message{Role: m.Role, Content: m.Content, Timestamp: m.CreatedAt}
	}
	return out, nil
}

// degradable 检索失败时可以退化为无上下文作答的错误
func degradable(err error) bool {
	switch types.GetErrorCode(err) {
	case types.ErrStoreUnavailable, types.ErrAdapter, types.ErrTimeout, types.ErrServiceUnavailable:
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Answer 非流式作答
func (o *Orchestrator) Answer(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	ctx, span := o.tracer.Start(ctx, "agent.Answer")
	defer span.End()

	t := newTurn()
	p, err := o.prepare(ctx, req, t)
	if err != nil {
		span.RecordError(err)
		return nil, o.abort(t, p, err)
	}
	span.SetAttributes(attribute.String("agent.strategy", string(p.strategy.Kind())))

	llmCtx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout)
	defer cancel()
	start := time.Now()
	resp, err := o.provider.Completion(llmCtx, p.request)
	if err != nil {
		err = o.llmError(ctx, err)
		o.recordLLM("error", time.Since(start), types.TokenUsage{})
		span.RecordError(err)
		return nil, o.abort(t, p, err)
	}
	o.recordLLM("success", time.Since(start), resp.Usage)
	if err := t.advance(StateSynthesized); err != nil {
		return nil, o.abort(t, p, err)
	}

	res := o.result(p, resp.Content, resp.Usage)
	if resp.Model != "" {
		res.Model = resp.Model
	}
	o.finish(ctx, t, p, req.Message, res)
	return res, nil
}

// Stream 流式作答。合成前的错误（会话 ID 非法等）同步返回；
// 之后的错误以 error 事件送出。ctx 取消时立即停止读取上游并丢弃本轮。
func (o *Orchestrator) Stream(ctx context.Context, req TurnRequest) (<-chan TurnEvent, error) {
	t := newTurn()
	p, err := o.prepare(ctx, req, t)
	if err != nil {
		return nil, o.abort(t, p, err)
	}

	llmCtx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout)
	chunks, err := o.provider.Stream(llmCtx, p.request)
	if err != nil {
		cancel()
		o.recordLLM("error", 0, types.TokenUsage{})
		return nil, o.abort(t, p, o.llmError(ctx, err))
	}

	out := make(chan TurnEvent)
	go o.pump(ctx, llmCtx, cancel, t, p, req.Message, chunks, out)
	return out, nil
}

func (o *Orchestrator) pump(ctx, llmCtx context.Context, cancel context.CancelFunc, t *turn, p *prepared,
	question string, chunks <-chan llm.StreamChunk, out chan<- TurnEvent) {
	defer close(out)
	defer cancel()

	ctx, span := o.tracer.Start(ctx, "agent.Stream",
		trace.WithAttributes(attribute.String("agent.strategy", string(p.strategy.Kind()))))
	defer span.End()

	emit := func(ev TurnEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	cancelled := func() {
		o.logger.Info("turn cancelled by client", zap.String("session_id", p.sessionID))
		t.discard()
		o.collector.RecordTurn(string(t.state), string(p.strategy.Kind()))
	}

	if !emit(TurnEvent{Type: EventSession, SessionID: p.sessionID}) {
		cancelled()
		return
	}

	start := time.Now()
	var (
		content strings.Builder
		usage   types.TokenUsage
	)
read:
	for {
		select {
		case <-ctx.Done():
			cancelled()
			return
		case chunk, ok := <-chunks:
			if !ok {
				break read
			}
			if chunk.Err != nil {
				if ctx.Err() != nil {
					cancelled()
					return
				}
				err := o.llmError(ctx, chunk.Err)
				o.recordLLM("error", time.Since(start), usage)
				span.RecordError(err)
				_ = o.abort(t, p, err)
				emit(TurnEvent{Type: EventError, SessionID: p.sessionID, Err: err})
				return
			}
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			if chunk.Delta == "" {
				continue
			}
			content.WriteString(chunk.Delta)
			if !emit(TurnEvent{Type: EventToken, SessionID: p.sessionID, Delta: chunk.Delta}) {
				cancelled()
				return
			}
		}
	}

	if ctx.Err() != nil {
		cancelled()
		return
	}
	// 上游因超时提前关闭
	if err := llmCtx.Err(); err != nil {
		err = types.NewError(types.ErrTimeout, "llm stream timed out").
			WithCause(err).WithRetryable(true).WithComponent("llm")
		o.recordLLM("error", time.Since(start), usage)
		_ = o.abort(t, p, err)
		emit(TurnEvent{Type: EventError, SessionID: p.sessionID, Err: err})
		return
	}
	o.recordLLM("success", time.Since(start), usage)
	if err := t.advance(StateSynthesized); err != nil {
		_ = o.abort(t, p, err)
		emit(TurnEvent{Type: EventError, SessionID: p.sessionID, Err: err})
		return
	}

	res := o.result(p, content.String(), usage)
	o.finish(ctx, t, p, question, res)
	if !emit(TurnEvent{Type: EventTools, SessionID: p.sessionID, Tools: res.ToolsUsed}) {
		return
	}
	emit(TurnEvent{Type: EventEnd, SessionID: p.sessionID, Result: res})
}

func (o *Orchestrator) result(p *prepared, content string, usage types.TokenUsage) *TurnResult {
	return &TurnResult{
		Content:   content,
		ToolsUsed: []types.ToolCall{p.tool},
		Citations: buildCitations(p.items, content),
		SessionID: p.sessionID,
		Strategy:  p.strategy.Kind(),
		Model:     o.cfg.Model,
		Usage:     usage,
	}
}

// finish 持久化模式写入本轮两条消息后进入 PERSISTED；否则 DISCARDED。
// 写入失败只记录错误，答案照常返回。
func (o *Orchestrator) finish(ctx context.Context, t *turn, p *prepared, question string, res *TurnResult) {
	if o.mode.Persistent {
		if err := o.persist(ctx, p, question, res); err != nil {
			o.logger.Error("failed to persist turn",
				zap.String("session_id", p.sessionID),
				zap.Error(err))
			t.discard()
		} else {
			_ = t.advance(StatePersisted)
		}
	} else {
		t.discard()
	}
	res.State = t.state
	res.States = t.states()
	o.collector.RecordTurn(string(t.state), string(res.Strategy))
	o.logger.Debug("turn finished",
		zap.String("session_id", p.sessionID),
		zap.String("state", string(t.state)),
		zap.String("strategy", string(res.Strategy)),
		zap.Int("context_items", len(p.items)))
}

// persist 用户消息与助手回复在同一事务中写入
func (o *Orchestrator) persist(ctx context.Context, p *prepared, question string, res *TurnResult) error {
	_, err := o.sessions.AppendMessages(ctx, p.sessionID,
		session.Message{
			Role:      types.RoleUser,
			Content:   question,
			CreatedAt: p.receivedAt,
		},
		session.Message{
			Role:      types.RoleAssistant,
			Content:   res.Content,
			ToolsUsed: res.ToolsUsed,
			Metadata:  map[string]any{"strategy": string(res.Strategy)},
		})
	return err
}

// abort 丢弃本轮并返回原错误
func (o *Orchestrator) abort(t *turn, p *prepared, err error) error {
	t.discard()
	strategy := ""
	if p != nil && p.strategy != nil {
		strategy = string(p.strategy.Kind())
	}
	o.collector.RecordTurn(string(t.state), strategy)
	return err
}

func (o *Orchestrator) llmError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if _, ok := types.AsError(err); ok {
		return err
	}
	return types.NewAdapterError("llm", err)
}

func (o *Orchestrator) recordLLM(status string, d time.Duration, usage types.TokenUsage) {
	o.collector.RecordLLMRequest(o.provider.Name(), o.cfg.Model, status, d, usage.PromptTokens, usage.CompletionTokens)
}

func newToolCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
