package misskey

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"voicefeed/server/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func notePayload(t *testing.T, note map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"type": "channel",
		"body": map[string]any{
			"id":   "chan-1",
			"type": "note",
			"body": note,
		},
	})
	require.NoError(t, err)
	return b
}

func plainNote(id, text string) map[string]any {
	return map[string]any{
		"id":        id,
		"createdAt": "2026-08-23T10:00:00Z",
		"text":      text,
		"userId":    "u1",
		"user": map[string]any{
			"username":  "alice",
			"name":      "Alice",
			"avatarUrl": "https://example.com/a.png",
		},
	}
}

// TestOnMessageDeliversPlainNote 验证频道 note 负载被转成统一 Note 交付。
func TestOnMessageDeliversPlainNote(t *testing.T) {
	a := NewAdapter("misskey.example", "tok", nil)
	events := make(chan model.SourceEvent, 1)
	a.runCtx = context.Background()
	a.events = events

	a.onMessage(notePayload(t, plainNote("n1", "hello")))

	ev := <-events
	assert.Equal(t, model.EventNote, ev.Type)
	require.NotNil(t, ev.Note)
	assert.Equal(t, "misskey:n1", ev.Note.ID)
	assert.Equal(t, "hello", ev.Note.Content)
	assert.Equal(t, "alice", ev.Note.AuthorHandle)
	assert.Equal(t, time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC).Unix(), ev.Note.CreatedAt)
}

// TestOnMessageIgnoresNonNotePayloads 验证订阅确认等非 note 消息被静默忽略。
func TestOnMessageIgnoresNonNotePayloads(t *testing.T) {
	a := NewAdapter("misskey.example", "tok", nil)
	events := make(chan model.SourceEvent, 1)
	a.runCtx = context.Background()
	a.events = events

	a.onMessage([]byte(`{"type":"connected"}`))
	a.onMessage([]byte(`{"type":"channel","body":{"type":"readAllNotifications"}}`))

	assert.Empty(t, events)
}

// TestNoteFromPayloadFilters 验证回复与纯转发被排除，带正文的引用保留。
func TestNoteFromPayloadFilters(t *testing.T) {
	a := NewAdapter("misskey.example", "tok", nil)
	events := make(chan model.SourceEvent, 1)
	a.runCtx = context.Background()
	a.events = events

	parse := func(m map[string]any) *model.Note {
		a.onMessage(notePayload(t, m))
		select {
		case ev := <-events:
			return ev.Note
		default:
			return nil
		}
	}

	reply := plainNote("n2", "a reply")
	reply["replyId"] = "parent"
	assert.Nil(t, parse(reply))

	repost := plainNote("n3", "")
	repost["renoteId"] = "original"
	assert.Nil(t, parse(repost))

	quote := plainNote("n4", "my take")
	quote["renoteId"] = "original"
	require.NotNil(t, parse(quote))

	empty := plainNote("n5", "")
	assert.Nil(t, parse(empty))
}

// TestRemoteHandleCarriesHost 验证联邦用户 handle 带实例后缀。
func TestRemoteHandleCarriesHost(t *testing.T) {
	a := NewAdapter("misskey.example", "tok", nil)
	events := make(chan model.SourceEvent, 1)
	a.runCtx = context.Background()
	a.events = events

	remote := plainNote("n6", "from afar")
	remote["user"].(map[string]any)["host"] = "other.example"
	a.onMessage(notePayload(t, remote))

	ev := <-events
	require.NotNil(t, ev.Note)
	assert.Equal(t, "alice@other.example", ev.Note.AuthorHandle)
}

// TestOnCloseEmitsClosedEvent 验证断线时汇报 closed，Stop 之后不再汇报。
func TestOnCloseEmitsClosedEvent(t *testing.T) {
	a := NewAdapter("misskey.example", "tok", nil)
	events := make(chan model.SourceEvent, 1)
	a.runCtx = context.Background()
	a.events = events

	a.onClose(errors.New("read: connection reset"))
	ev := <-events
	assert.Equal(t, model.EventClosed, ev.Type)
	assert.Equal(t, model.SourceMisskey, ev.Source)

	// 会话停止后断线回调静默
	a.runCtx = nil
	a.onClose(errors.New("late close"))
	assert.Empty(t, events)
}

// TestSubscribePayloadShape 验证频道订阅消息的结构。
func TestSubscribePayloadShape(t *testing.T) {
	a := NewAdapter("misskey.example", "tok", nil)
	a.channelID = "chan-42"

	var msg struct {
		Type string `json:"type"`
		Body struct {
			Channel string `json:"channel"`
			ID      string `json:"id"`
		} `json:"body"`
	}
	require.NoError(t, json.Unmarshal(a.subscribePayload(), &msg))
	assert.Equal(t, "connect", msg.Type)
	assert.Equal(t, "homeTimeline", msg.Body.Channel)
	assert.Equal(t, "chan-42", msg.Body.ID)
}
