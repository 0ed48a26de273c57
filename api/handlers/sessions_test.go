package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/hybridrag/agent/session"
	"github.com/BaSui01/hybridrag/types"
)

func newSessionManager(t *testing.T, persistent bool) *session.Manager {
	t.Helper()
	var db *gorm.DB
	if persistent {
		var err error
		db, err = gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "sessions.db")), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		require.NoError(t, err)
		require.NoError(t, db.AutoMigrate(&session.SessionModel{}, &session.MessageModel{}))
	}
	m, err := session.NewManager(db, session.Mode{Persistent: persistent}, session.Config{TTL: time.Hour}, zap.NewNop())
	require.NoError(t, err)
	return m
}

func getSession(t *testing.T, m *session.Manager, id string) *httptest.ResponseRecorder {
	t.Helper()
	router := NewRouter(Routes{Sessions: NewSessionHandler(m, zap.NewNop())})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/"+id, nil))
	return w
}

func TestSessionHandler_Persistent(t *testing.T) {
	ctx := context.Background()
	m := newSessionManager(t, true)

	id, err := m.ResolveOrCreate(ctx, "")
	require.NoError(t, err)
	_, err = m.AppendMessage(ctx, id, session.Message{Role: types.RoleUser, Content: "Who founded Acme?"})
	require.NoError(t, err)
	_, err = m.AppendMessage(ctx, id, session.Message{
		Role:      types.RoleAssistant,
		Content:   "Alice Smith founded Acme [1].",
		ToolsUsed: []types.ToolCall{{ID: "call-1", Name: "vector_search"}},
	})
	require.NoError(t, err)

	w := getSession(t, m, id)
	require.Equal(t, http.StatusOK, w.Code)

	var sess session.Session
	require.NoError(t, json.NewDecoder(w.Body).Decode(&sess))
	assert.Equal(t, id, sess.ID)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, types.RoleUser, sess.Messages[0].Role)
	assert.Equal(t, types.RoleAssistant, sess.Messages[1].Role)
	require.Len(t, sess.Messages[1].ToolsUsed, 1)
	assert.Equal(t, "vector_search", sess.Messages[1].ToolsUsed[0].Name)
}

func TestSessionHandler_Errors(t *testing.T) {
	tests := []struct {
		name       string
		persistent bool
		id         string
		wantStatus int
		wantCode   types.ErrorCode
	}{
		{name: "persistent missing", persistent: true, id: uuid.NewString(), wantStatus: http.StatusNotFound, wantCode: types.ErrNotFound},
		{name: "persistent malformed", persistent: true, id: "not-a-uuid", wantStatus: http.StatusBadRequest, wantCode: types.ErrIdentifierFormat},
		{name: "stateless valid", persistent: false, id: uuid.NewString(), wantStatus: http.StatusNotFound, wantCode: types.ErrNotFound},
		{name: "stateless malformed", persistent: false, id: "abc", wantStatus: http.StatusBadRequest, wantCode: types.ErrIdentifierFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := getSession(t, newSessionManager(t, tt.persistent), tt.id)

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeResponse(t, w)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.wantCode), resp.Error.Code)
		})
	}
}
