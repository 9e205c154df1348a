package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"voicefeed/server/internal/feed"
	"voicefeed/server/internal/model"
	"voicefeed/server/internal/notestore"
	"voicefeed/server/internal/reader"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type stubAdapter struct {
	source model.Source
}

func (a *stubAdapter) Source() model.Source { return a.source }
func (a *stubAdapter) SelfID() string       { return "" }
func (a *stubAdapter) IsConnected() bool    { return false }
func (a *stubAdapter) Start(context.Context, chan<- model.SourceEvent) error {
	return nil
}
func (a *stubAdapter) Stop() {}

func newTestServer() (*Server, *notestore.Store, *reader.Scheduler) {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	st := notestore.New(200)
	sched := reader.New(reader.Config{Store: st, Logger: logger})
	session := feed.NewSession([]feed.Adapter{&stubAdapter{source: model.SourceTest}}, st, sched, logger)
	return NewServer(session, st, sched, "misskey.example", logger), st, sched
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// TestHealthz 验证健康检查。
func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer()
	w := do(t, s.Routes(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", gjson.Get(w.Body.String(), "status").String())
}

// TestSessionStartStopAndStatus 验证会话生命周期与状态面。
func TestSessionStartStopAndStatus(t *testing.T) {
	s, _, _ := newTestServer()
	h := s.Routes()

	w := do(t, h, http.MethodGet, "/api/status", "")
	assert.False(t, gjson.Get(w.Body.String(), "running").Bool())
	assert.Equal(t, "idle", gjson.Get(w.Body.String(), "reader_state").String())

	w = do(t, h, http.MethodPost, "/api/session/start", "")
	require.Equal(t, http.StatusOK, w.Code)

	// 重复 start 冲突
	w = do(t, h, http.MethodPost, "/api/session/start", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, http.MethodGet, "/api/status", "")
	assert.True(t, gjson.Get(w.Body.String(), "running").Bool())
	assert.True(t, gjson.Get(w.Body.String(), "sources").Exists())

	w = do(t, h, http.MethodPost, "/api/session/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, h, http.MethodGet, "/api/status", "")
	assert.False(t, gjson.Get(w.Body.String(), "running").Bool())
}

// TestMuteToggle 验证静音开关与状态回显。
func TestMuteToggle(t *testing.T) {
	s, _, sched := newTestServer()
	h := s.Routes()

	w := do(t, h, http.MethodPost, "/api/reader/mute", `{"muted":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, sched.Muted())

	w = do(t, h, http.MethodPost, "/api/reader/mute", `{"muted":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, sched.Muted())

	w = do(t, h, http.MethodPost, "/api/reader/mute", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestNotesListingCarriesPermalink 验证笔记列表带 permalink 与未读计数。
func TestNotesListingCarriesPermalink(t *testing.T) {
	s, st, _ := newTestServer()
	st.MarkLive(model.SourceMisskey)
	require.True(t, st.Insert(&model.Note{
		ID:        model.NoteID(model.SourceMisskey, "abc123"),
		Source:    model.SourceMisskey,
		AuthorID:  "u1",
		Content:   "hello",
		CreatedAt: 100,
	}))

	w := do(t, s.Routes(), http.MethodGet, "/api/notes", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Equal(t, int64(1), gjson.Get(body, "unread").Int())
	assert.Equal(t, "https://misskey.example/notes/abc123",
		gjson.Get(body, "notes.0.permalink").String())
}

// TestLanguageOverrideEndpoint 验证会话级语言覆盖设置与清除。
func TestLanguageOverrideEndpoint(t *testing.T) {
	s, _, _ := newTestServer()
	h := s.Routes()

	w := do(t, h, http.MethodPost, "/api/reader/language", `{"lang":"en"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "en", gjson.Get(w.Body.String(), "lang").String())

	w = do(t, h, http.MethodPost, "/api/reader/language", `{"lang":""}`)
	require.Equal(t, http.StatusOK, w.Code)
}
