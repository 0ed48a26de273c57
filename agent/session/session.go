package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/hybridrag/types"
)

// Mode 会话模式，构造时传入
type Mode struct {
	Persistent bool
}

func (m Mode) String() string {
	if m.Persistent {
		return "persistent"
	}
	return "stateless"
}

// Session 一个对话会话
type Session struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Messages  []Message      `json:"messages,omitempty"`
}

// Message 会话中的一条消息
type Message struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	Role      types.Role       `json:"role"`
	Content   string           `json:"content"`
	ToolsUsed []types.ToolCall `json:"tools_used"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// SessionModel sessions 表
type SessionModel struct {
	ID        string         `gorm:"type:uuid;primaryKey"`
	UserID    *string        `gorm:"index"`
	Metadata  map[string]any `gorm:"serializer:json;type:jsonb"`
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt *time.Time
}

func (SessionModel) TableName() string { return "sessions" }

// MessageModel messages 表
type MessageModel struct {
	ID        string           `gorm:"type:uuid;primaryKey"`
	SessionID string           `gorm:"type:uuid;not null;index:idx_messages_session_created,priority:1"`
	Role      string           `gorm:"type:varchar(16);not null"`
	Content   string           `gorm:"not null"`
	ToolsUsed []types.ToolCall `gorm:"serializer:json;type:jsonb"`
	Metadata  map[string]any   `gorm:"serializer:json;type:jsonb"`
	CreatedAt time.Time        `gorm:"index:idx_messages_session_created,priority:2"`
}

func (MessageModel) TableName() string { return "messages" }

func (m SessionModel) toSession() Session {
	s := Session{
		ID:        m.ID,
		Metadata:  m.Metadata,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
		ExpiresAt: m.ExpiresAt,
	}
	if m.UserID != nil {
		s.UserID = *m.UserID
	}
	return s
}

func (m MessageModel) toMessage() Message {
	tools := m.ToolsUsed
	if tools == nil {
		tools = []types.ToolCall{}
	}
	return Message{
		ID:        m.ID,
		SessionID: m.SessionID,
		Role:      types.Role(m.Role),
		Content:   m.Content,
		ToolsUsed: tools,
		Metadata:  m.Metadata,
		CreatedAt: m.CreatedAt,
	}
}

// ValidateID 校验会话 ID 为规范 UUID（小写/大写 8-4-4-4-12），否则返回 IDENTIFIER_FORMAT
func ValidateID(id string) error {
	if len(id) != 36 {
		return types.NewIdentifierFormatError("session_id", id)
	}
	if _, err := uuid.Parse(id); err != nil {
		return types.NewIdentifierFormatError("session_id", id)
	}
	return nil
}

// Config 会话管理器配置
type Config struct {
	// 会话有效期，0 表示不过期
	TTL time.Duration
}

// Manager 会话管理器
type Manager struct {
	db     *gorm.DB
	mode   Mode
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewManager 创建会话管理器。持久化模式必须提供 db
func NewManager(db *gorm.DB, mode Mode, cfg Config, logger *zap.Logger) (*Manager, error) {
	if mode.Persistent && db == nil {
		return nil, types.NewConfigurationError("persistent session mode requires a database")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		db:     db,
		mode:   mode,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "session_manager")),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Mode 返回当前模式
func (m *Manager) Mode() Mode { return m.mode }

// ResolveOrCreate 解析或创建会话，返回会话 ID。
// ref 非空时先做格式校验；无状态模式总是生成新 ID 且不落库。
// ref 指向已过期的会话时生成新会话。
func (m *Manager) ResolveOrCreate(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref != "" {
		if err := ValidateID(ref); err != nil {
			return "", err
		}
	}
	if !m.mode.Persistent {
		return uuid.NewString(), nil
	}

	id := strings.ToLower(ref)
	if id == "" {
		id = uuid.NewString()
	}
	created, err := m.create(ctx, id)
	if err != nil {
		return "", err
	}
	if created || ref == "" {
		return id, nil
	}

	var model SessionModel
	if err := m.db.WithContext(ctx).Select("id", "expires_at").Where("id = ?", id).First(&model).Error; err != nil {
		return "", types.NewStoreUnavailable("session_store", err)
	}
	if !m.expired(model) {
		return id, nil
	}
	fresh := uuid.NewString()
	if _, err := m.create(ctx, fresh); err != nil {
		return "", err
	}
	m.logger.Info("session expired, started a new one",
		zap.String("expired_session_id", id),
		zap.String("session_id", fresh))
	return fresh, nil
}

// create 插入会话行，已存在时不做任何事
func (m *Manager) create(ctx context.Context, id string) (bool, error) {
	now := m.now()
	model := SessionModel{ID: id, Metadata: map[string]any{}, CreatedAt: now, UpdatedAt: now}
	if m.cfg.TTL > 0 {
		exp := now.Add(m.cfg.TTL)
		model.ExpiresAt = &exp
	}
	res := m.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if res.Error != nil {
		return false, types.NewStoreUnavailable("session_store", res.Error)
	}
	if res.RowsAffected > 0 {
		m.logger.Debug("session created", zap.String("session_id", id))
		return true, nil
	}
	return false, nil
}

func (m *Manager) expired(model SessionModel) bool {
	return model.ExpiresAt != nil && !m.now().Before(*model.ExpiresAt)
}

// AppendMessage 追加一条消息，见 AppendMessages
func (m *Manager) AppendMessage(ctx context.Context, sessionID string, msg Message) (*Message, error) {
	out, err := m.AppendMessages(ctx, sessionID, msg)
	if err != nil {
		return nil, err
	}
	return &out[0], nil
}

// AppendMessages 在同一事务中追加多条消息，全部成功或全部不写。
// 这里是唯一的消息写入口：无状态模式返回 STATELESS_WRITE，不发起任何数据库调用。
// CreatedAt 为零值时取当前时间；同一批内时间严格递增。
func (m *Manager) AppendMessages(ctx context.Context, sessionID string, msgs ...Message) ([]Message, error) {
	if !m.mode.Persistent {
		return nil, types.NewError(types.ErrStatelessWrite, "message writes are disabled in stateless mode")
	}
	if err := ValidateID(sessionID); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, types.NewInvalidRequestError("no messages to append")
	}

	now := m.now()
	models := make([]MessageModel, len(msgs))
	for i, msg := range msgs {
		if !msg.Role.Valid() {
			return nil, types.NewInvalidRequestError("invalid message role: " + string(msg.Role))
		}
		at := msg.CreatedAt.UTC()
		if msg.CreatedAt.IsZero() {
			at = now
		}
		if i > 0 && !at.After(models[i-1].CreatedAt) {
			at = models[i-1].CreatedAt.Add(time.Microsecond)
		}
		models[i] = MessageModel{
			ID:        uuid.NewString(),
			SessionID: strings.ToLower(sessionID),
			Role:      string(msg.Role),
			Content:   msg.Content,
			ToolsUsed: msg.ToolsUsed,
			Metadata:  msg.Metadata,
			CreatedAt: at,
		}
		if models[i].ToolsUsed == nil {
			models[i].ToolsUsed = []types.ToolCall{}
		}
		if models[i].Metadata == nil {
			models[i].Metadata = map[string]any{}
		}
	}

	last := models[len(models)-1].CreatedAt
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range models {
			if err := tx.Create(&models[i]).Error; err != nil {
				return err
			}
		}
		return tx.Model(&SessionModel{}).Where("id = ?", models[0].SessionID).
			Update("updated_at", last).Error
	})
	if err != nil {
		return nil, types.NewStoreUnavailable("session_store", err)
	}
	out := make([]Message, len(models))
	for i, mm := range models {
		out[i] = mm.toMessage()
	}
	return out, nil
}

// History 返回最近 limit 条消息，按时间升序；limit<=0 返回全部。
// 无状态模式下恒为空。
func (m *Manager) History(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if err := ValidateID(sessionID); err != nil {
		return nil, err
	}
	if !m.mode.Persistent {
		return nil, nil
	}

	q := m.db.WithContext(ctx).Where("session_id = ?", strings.ToLower(sessionID)).
		Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []MessageModel
	if err := q.Find(&models).Error; err != nil {
		return nil, types.NewStoreUnavailable("session_store", err)
	}
	out := make([]Message, len(models))
	for i, mm := range models {
		out[len(models)-1-i] = mm.toMessage()
	}
	return out, nil
}

// Get 读取会话及全部消息。无状态模式、不存在或已过期时返回 NOT_FOUND
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if !m.mode.Persistent {
		return nil, types.NewNotFoundError("sessions are not stored in stateless mode")
	}

	var model SessionModel
	err := m.db.WithContext(ctx).Where("id = ?", strings.ToLower(id)).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewNotFoundError("session not found: " + id)
	}
	if err != nil {
		return nil, types.NewStoreUnavailable("session_store", err)
	}
	if m.expired(model) {
		return nil, types.NewNotFoundError("session expired: " + id)
	}
	msgs, err := m.History(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	s := model.toSession()
	s.Messages = msgs
	return &s, nil
}

// Ping 检查会话存储连通性
func (m *Manager) Ping(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	sqlDB, err := m.db.DB()
	if err != nil {
		return types.NewStoreUnavailable("session_store", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return types.NewStoreUnavailable("session_store", err)
	}
	return nil
}
