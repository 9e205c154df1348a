package bridge

import (
	"context"
	"errors"
	"testing"

	"voicefeed/server/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOnMessageDeliversEnvelope 验证桥接包裹被转成统一 Note 交付。
func TestOnMessageDeliversEnvelope(t *testing.T) {
	a := NewAdapter("ws://127.0.0.1:9720/stream", "self-1", nil)
	events := make(chan model.SourceEvent, 1)
	a.runCtx = context.Background()
	a.events = events

	a.onMessage([]byte(`{
		"id": "m1",
		"author": {"id": "u9", "handle": "bob", "displayName": "Bob", "avatarUrl": "https://example.com/b.png"},
		"content": "over the bridge",
		"timestamp": 1755943200
	}`))

	ev := <-events
	assert.Equal(t, model.EventNote, ev.Type)
	require.NotNil(t, ev.Note)
	assert.Equal(t, "bridge:m1", ev.Note.ID)
	assert.Equal(t, "u9", ev.Note.AuthorID)
	assert.Equal(t, "over the bridge", ev.Note.Content)
	assert.Equal(t, int64(1755943200), ev.Note.CreatedAt)
}

// TestOnMessageDropsIncompleteEnvelopes 验证缺 id/正文/时间戳的包裹被丢弃。
func TestOnMessageDropsIncompleteEnvelopes(t *testing.T) {
	a := NewAdapter("ws://127.0.0.1:9720/stream", "", nil)
	events := make(chan model.SourceEvent, 4)
	a.runCtx = context.Background()
	a.events = events

	a.onMessage([]byte(`{"author":{"id":"u9"},"content":"no id","timestamp":1}`))
	a.onMessage([]byte(`{"id":"m2","author":{"id":"u9"},"timestamp":1}`))
	a.onMessage([]byte(`{"id":"m3","author":{"id":"u9"},"content":"no ts"}`))
	a.onMessage([]byte(`not json at all`))

	assert.Empty(t, events)
}

// TestOnCloseEmitsClosedEvent 验证断线时汇报 closed，Stop 之后不再汇报。
func TestOnCloseEmitsClosedEvent(t *testing.T) {
	a := NewAdapter("ws://127.0.0.1:9720/stream", "", nil)
	events := make(chan model.SourceEvent, 1)
	a.runCtx = context.Background()
	a.events = events

	a.onClose(errors.New("read: connection reset"))
	ev := <-events
	assert.Equal(t, model.EventClosed, ev.Type)
	assert.Equal(t, model.SourceBridge, ev.Source)

	a.runCtx = nil
	a.onClose(errors.New("late close"))
	assert.Empty(t, events)
}

// TestSelfIDComesFromConfig 验证桥接来源的操作者 id 由配置直接给出。
func TestSelfIDComesFromConfig(t *testing.T) {
	a := NewAdapter("ws://127.0.0.1:9720/stream", "self-7", nil)
	assert.Equal(t, "self-7", a.SelfID())
	assert.Equal(t, model.SourceBridge, a.Source())
}
