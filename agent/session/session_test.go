package session

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/hybridrag/testutil"
	"github.com/BaSui01/hybridrag/types"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "sessions.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&SessionModel{}, &MessageModel{}))
	return db
}

// countStatements 统计经过 gorm 的所有语句
func countStatements(t *testing.T, db *gorm.DB) *atomic.Int64 {
	t.Helper()
	var n atomic.Int64
	inc := func(*gorm.DB) { n.Add(1) }
	cb := db.Callback()
	require.NoError(t, cb.Create().Before("gorm:create").Register("test:count_create", inc))
	require.NoError(t, cb.Query().Before("gorm:query").Register("test:count_query", inc))
	require.NoError(t, cb.Update().Before("gorm:update").Register("test:count_update", inc))
	require.NoError(t, cb.Delete().Before("gorm:delete").Register("test:count_delete", inc))
	require.NoError(t, cb.Raw().Before("gorm:raw").Register("test:count_raw", inc))
	require.NoError(t, cb.Row().Before("gorm:row").Register("test:count_row", inc))
	return &n
}

func rowCounts(t *testing.T, db *gorm.DB) (sessions, messages int64) {
	t.Helper()
	require.NoError(t, db.Model(&SessionModel{}).Count(&sessions).Error)
	require.NoError(t, db.Model(&MessageModel{}).Count(&messages).Error)
	return sessions, messages
}

func newTestManager(t *testing.T, db *gorm.DB, persistent bool) *Manager {
	t.Helper()
	m, err := NewManager(db, Mode{Persistent: persistent}, Config{TTL: time.Hour}, zap.NewNop())
	require.NoError(t, err)
	// 单调时钟，保证消息顺序稳定
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	m.now = func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Millisecond) }
	return m
}

func TestValidateID(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateID("0b6c2f4e-7d0a-4c8e-9a51-3f2d1e0c9b8a"))
	assert.NoError(t, ValidateID(strings.ToUpper("0b6c2f4e-7d0a-4c8e-9a51-3f2d1e0c9b8a")))

	for _, bad := range []string{
		"",
		"session-123",
		"0b6c2f4e7d0a4c8e9a513f2d1e0c9b8a",
		"{0b6c2f4e-7d0a-4c8e-9a51-3f2d1e0c9b8a}",
		"urn:uuid:0b6c2f4e-7d0a-4c8e-9a51-3f2d1e0c9b8a",
		"0b6c2f4e-7d0a-4c8e-9a51-3f2d1e0c9b8z",
	} {
		err := ValidateID(bad)
		assert.True(t, types.IsCode(err, types.ErrIdentifierFormat), bad)
	}
}

func TestNewManager_PersistentRequiresDB(t *testing.T) {
	t.Parallel()

	_, err := NewManager(nil, Mode{Persistent: true}, Config{}, nil)
	assert.True(t, types.IsCode(err, types.ErrConfiguration))

	m, err := NewManager(nil, Mode{}, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "stateless", m.Mode().String())
}

func TestResolveOrCreate_Persistent(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	m := newTestManager(t, db, true)
	ctx := context.Background()

	id, err := m.ResolveOrCreate(ctx, "")
	require.NoError(t, err)
	require.NoError(t, ValidateID(id))

	s, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, s.ID)
	require.NotNil(t, s.ExpiresAt)
	assert.Equal(t, time.Hour, s.ExpiresAt.Sub(s.CreatedAt))

	// 已存在的 ref 原样返回，不重复建行
	again, err := m.ResolveOrCreate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	sessions, _ := rowCounts(t, db)
	assert.EqualValues(t, 1, sessions)

	// 合法但不存在的 ref 惰性建行
	ref := uuid.NewString()
	got, err := m.ResolveOrCreate(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, ref, got)
	sessions, _ = rowCounts(t, db)
	assert.EqualValues(t, 2, sessions)
}

func TestResolveOrCreate_MalformedRefFailsBeforeStore(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	m := newTestManager(t, db, true)
	calls := countStatements(t, db)

	_, err := m.ResolveOrCreate(context.Background(), "not-a-uuid")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrIdentifierFormat))

	_, err = m.AppendMessage(context.Background(), "42", Message{Role: types.RoleUser, Content: "hi"})
	assert.True(t, types.IsCode(err, types.ErrIdentifierFormat))

	_, err = m.Get(context.Background(), "42")
	assert.True(t, types.IsCode(err, types.ErrIdentifierFormat))

	assert.Zero(t, calls.Load())
}

func TestResolveOrCreate_Stateless(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	m := newTestManager(t, db, false)
	calls := countStatements(t, db)
	ctx := context.Background()

	ref := uuid.NewString()
	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		id, err := m.ResolveOrCreate(ctx, ref)
		require.NoError(t, err)
		require.NoError(t, ValidateID(id))
		assert.NotEqual(t, ref, id)
		assert.False(t, seen[id])
		seen[id] = true
	}

	_, err := m.ResolveOrCreate(ctx, "bogus")
	assert.True(t, types.IsCode(err, types.ErrIdentifierFormat))
	assert.Zero(t, calls.Load())
}

func TestAppendMessage_StatelessRefusesWithoutDBCall(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	m := newTestManager(t, db, false)
	beforeSessions, beforeMessages := rowCounts(t, db)
	calls := countStatements(t, db)

	for n := 0; n < 3; n++ {
		id, err := m.ResolveOrCreate(context.Background(), "")
		require.NoError(t, err)
		_, err = m.AppendMessage(context.Background(), id, Message{Role: types.RoleUser, Content: "hello"})
		require.Error(t, err)
		assert.True(t, types.IsCode(err, types.ErrStatelessWrite))
		_, err = m.AppendMessages(context.Background(), id,
			Message{Role: types.RoleUser, Content: "hello"},
			Message{Role: types.RoleAssistant, Content: "hi"})
		assert.True(t, types.IsCode(err, types.ErrStatelessWrite))
	}
	assert.Zero(t, calls.Load())

	afterSessions, afterMessages := rowCounts(t, db)
	assert.Equal(t, beforeSessions, afterSessions)
	assert.Equal(t, beforeMessages, afterMessages)
}

func TestAppendMessage_AndHistory(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	m := newTestManager(t, db, true)
	ctx := context.Background()

	id, err := m.ResolveOrCreate(ctx, "")
	require.NoError(t, err)

	tools := []types.ToolCall{{ID: "call_1", Name: "hybrid_search", Args: map[string]any{"query": "Acme", "limit": float64(4)}}}
	contents := []string{"q1", "a1", "q2", "a2", "q3"}
	for i, c := range contents {
		role := types.RoleUser
		msg := Message{Role: role, Content: c}
		if i%2 == 1 {
			msg.Role = types.RoleAssistant
			msg.ToolsUsed = tools
		}
		stored, err := m.AppendMessage(ctx, id, msg)
		require.NoError(t, err)
		assert.Equal(t, id, stored.SessionID)
		require.NoError(t, ValidateID(stored.ID))
	}

	all, err := m.History(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, c := range contents {
		assert.Equal(t, c, all[i].Content)
	}
	assert.Equal(t, tools, all[1].ToolsUsed)
	assert.Equal(t, []types.ToolCall{}, all[0].ToolsUsed)

	last, err := m.History(ctx, id, 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "a2", last[0].Content)
	assert.Equal(t, "q3", last[1].Content)

	s, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, s.Messages, 5)
	assert.True(t, s.UpdatedAt.After(s.CreatedAt))
}

func TestAppendMessages_OneTransaction(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	m := newTestManager(t, db, true)
	ctx := testutil.TestContextWithTimeout(t, 10*time.Second)

	id, err := m.ResolveOrCreate(ctx, "")
	require.NoError(t, err)
	received := time.Date(2025, 12, 31, 23, 59, 0, 0, time.UTC)

	stored, err := m.AppendMessages(ctx, id,
		Message{Role: types.RoleUser, Content: "q1", CreatedAt: received},
		Message{Role: types.RoleAssistant, Content: "a1"})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.True(t, stored[0].CreatedAt.Equal(received))
	assert.True(t, stored[1].CreatedAt.After(received))

	history, err := m.History(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.WithinDuration(t, received, history[0].CreatedAt, time.Millisecond)
	assert.Equal(t, "a1", history[1].Content)

	// 同一时刻的消息保持写入顺序
	same := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	stored, err = m.AppendMessages(ctx, id,
		Message{Role: types.RoleUser, Content: "q2", CreatedAt: same},
		Message{Role: types.RoleAssistant, Content: "a2", CreatedAt: same})
	require.NoError(t, err)
	assert.True(t, stored[1].CreatedAt.After(stored[0].CreatedAt))
}

func TestAppendMessages_RollsBackOnFailure(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	m := newTestManager(t, db, true)
	ctx := testutil.TestContextWithTimeout(t, 10*time.Second)

	id, err := m.ResolveOrCreate(ctx, "")
	require.NoError(t, err)

	// 校验失败时不写任何一条
	_, err = m.AppendMessages(ctx, id,
		Message{Role: types.RoleUser, Content: "q"},
		Message{Role: "tool", Content: "x"})
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
	_, err = m.AppendMessages(ctx, id)
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))

	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("test:fail_assistant", func(tx *gorm.DB) {
		if mm, ok := tx.Statement.Dest.(*MessageModel); ok && mm.Role == string(types.RoleAssistant) {
			_ = tx.AddError(errors.New("disk full"))
		}
	}))
	_, err = m.AppendMessages(ctx, id,
		Message{Role: types.RoleUser, Content: "q"},
		Message{Role: types.RoleAssistant, Content: "a"})
	assert.True(t, types.IsCode(err, types.ErrStoreUnavailable))

	_, messages := rowCounts(t, db)
	assert.Zero(t, messages)
}

func TestSessionTTL(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	m := newTestManager(t, db, true)
	ctx := testutil.TestContextWithTimeout(t, 10*time.Second)

	id, err := m.ResolveOrCreate(ctx, "")
	require.NoError(t, err)
	_, err = m.AppendMessage(ctx, id, Message{Role: types.RoleUser, Content: "hi"})
	require.NoError(t, err)

	// 有效期内原样解析
	again, err := m.ResolveOrCreate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	later := time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return later }

	_, err = m.Get(ctx, id)
	assert.True(t, types.IsCode(err, types.ErrNotFound))

	fresh, err := m.ResolveOrCreate(ctx, id)
	require.NoError(t, err)
	require.NoError(t, ValidateID(fresh))
	assert.NotEqual(t, id, fresh)

	s, err := m.Get(ctx, fresh)
	require.NoError(t, err)
	assert.Empty(t, s.Messages)
	require.NotNil(t, s.ExpiresAt)
	assert.True(t, s.ExpiresAt.Equal(later.Add(time.Hour)))

	sessions, _ := rowCounts(t, db)
	assert.EqualValues(t, 2, sessions)
}

func TestSessionTTL_ZeroNeverExpires(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	m, err := NewManager(db, Mode{Persistent: true}, Config{}, zap.NewNop())
	require.NoError(t, err)
	ctx := testutil.TestContextWithTimeout(t, 10*time.Second)

	id, err := m.ResolveOrCreate(ctx, "")
	require.NoError(t, err)
	m.now = func() time.Time { return time.Now().UTC().Add(24 * 365 * time.Hour) }

	s, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, s.ExpiresAt)
	again, err := m.ResolveOrCreate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestAppendMessage_RejectsUnknownRole(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	m := newTestManager(t, db, true)

	id, err := m.ResolveOrCreate(context.Background(), "")
	require.NoError(t, err)
	_, err = m.AppendMessage(context.Background(), id, Message{Role: "tool", Content: "x"})
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
}

func TestGet_NotFound(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)

	_, err := newTestManager(t, db, true).Get(context.Background(), uuid.NewString())
	assert.True(t, types.IsCode(err, types.ErrNotFound))

	_, err = newTestManager(t, db, false).Get(context.Background(), uuid.NewString())
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestHistory_Stateless(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, nil, false)
	msgs, err := m.History(context.Background(), uuid.NewString(), 6)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.NoError(t, m.Ping(context.Background()))
}

func TestStoreFailureIsUnavailable(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	m := newTestManager(t, db, true)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = m.ResolveOrCreate(context.Background(), "")
	assert.True(t, types.IsCode(err, types.ErrStoreUnavailable))
	assert.True(t, types.IsCode(m.Ping(context.Background()), types.ErrStoreUnavailable))
}
