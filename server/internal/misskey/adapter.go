package misskey

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"voicefeed/server/internal/model"
	"voicefeed/server/internal/streamws"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const timelineChannel = "homeTimeline"

// Adapter 是推流来源：建立持久 websocket 后显式订阅 home 时间线频道，
// 服务器随后把新笔记推过来。断线重连由 streamws 统一负责。
type Adapter struct {
	host   string
	token  string
	logger *logrus.Logger

	httpClient *http.Client
	conn       *streamws.Conn

	mu        sync.Mutex
	cancel    context.CancelFunc
	events    chan<- model.SourceEvent
	runCtx    context.Context
	selfID    string
	channelID string
}

// NewAdapter 创建推流来源 adapter。host 不带 scheme（如 "misskey.io"）。
func NewAdapter(host, token string, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	a := &Adapter{
		host:       host,
		token:      token,
		logger:     logger,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	a.conn = streamws.New(streamws.Config{
		Name:             "Misskey",
		URL:              a.streamURL(),
		SubscribePayload: a.subscribePayload,
	}, streamws.Callbacks{
		OnOpen:    a.onOpen,
		OnMessage: a.onMessage,
		OnClose:   a.onClose,
	}, logger)
	return a
}

func (a *Adapter) Source() model.Source { return model.SourceMisskey }

// SelfID 返回操作者在该实例上的用户 id（首次连接成功后才有值）。
func (a *Adapter) SelfID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selfID
}

func (a *Adapter) IsConnected() bool { return a.conn.IsConnected() }

// Start 发起持久连接。非阻塞。
func (a *Adapter) Start(ctx context.Context, events chan<- model.SourceEvent) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return fmt.Errorf("misskey adapter already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.runCtx = runCtx
	a.events = events
	// 每次会话一个新的频道 id，断线重连沿用（服务器按连接隔离频道）
	a.channelID = uuid.NewString()
	a.mu.Unlock()

	a.conn.Connect(runCtx)
	return nil
}

// Stop 同步断开连接并取消一切重连计时器。
func (a *Adapter) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.events = nil
	a.runCtx = nil
	a.mu.Unlock()

	a.conn.Disconnect()
	if cancel != nil {
		cancel()
	}
}

func (a *Adapter) streamURL() string {
	return fmt.Sprintf("wss://%s/streaming?i=%s", a.host, url.QueryEscape(a.token))
}

func (a *Adapter) subscribePayload() []byte {
	a.mu.Lock()
	id := a.channelID
	a.mu.Unlock()

	payload, _ := json.Marshal(map[string]any{
		"type": "connect",
		"body": map[string]string{
			"channel": timelineChannel,
			"id":      id,
		},
	})
	return payload
}

// onOpen 连接（含重连）建立：补齐 selfID 后宣告握手完成。
func (a *Adapter) onOpen() {
	a.mu.Lock()
	ctx := a.runCtx
	events := a.events
	known := a.selfID != ""
	a.mu.Unlock()
	if ctx == nil {
		return
	}

	if !known {
		if id, err := a.fetchSelfID(ctx); err == nil {
			a.mu.Lock()
			a.selfID = id
			a.mu.Unlock()
		} else {
			a.logger.Warnf("[Misskey] resolve self id: %v", err)
		}
	}

	a.emit(ctx, events, model.SourceEvent{Source: model.SourceMisskey, Type: model.EventOpened})
}

// onClose 连接断开：汇报 closed 事件，重连本身由 streamws 负责。
// Stop 之后的回调（runCtx 已清）不再汇报。
func (a *Adapter) onClose(err error) {
	a.mu.Lock()
	ctx := a.runCtx
	events := a.events
	a.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	a.emit(ctx, events, model.SourceEvent{Source: model.SourceMisskey, Type: model.EventClosed})
}

// onMessage 解析频道消息；只处理 note 负载，其余（订阅确认等）静默忽略。
func (a *Adapter) onMessage(data []byte) {
	a.mu.Lock()
	ctx := a.runCtx
	events := a.events
	a.mu.Unlock()
	if ctx == nil {
		return
	}

	root := gjson.ParseBytes(data)
	if root.Get("type").String() != "channel" || root.Get("body.type").String() != "note" {
		return
	}
	n := a.noteFromPayload(root.Get("body.body"))
	if n == nil {
		return
	}
	a.emit(ctx, events, model.SourceEvent{Source: model.SourceMisskey, Type: model.EventNote, Note: n})
}

// noteFromPayload 把流式 note 负载转成 Note；回复/无文字转发/空正文返回 nil。
func (a *Adapter) noteFromPayload(note gjson.Result) *model.Note {
	if note.Get("replyId").String() != "" {
		return nil
	}
	text := note.Get("text").String()
	// renoteId 且自己没有正文 = 纯转发；带正文的引用保留
	if note.Get("renoteId").String() != "" && text == "" {
		return nil
	}
	if text == "" {
		return nil
	}

	id := note.Get("id").String()
	if id == "" {
		return nil
	}
	createdAt, err := time.Parse(time.RFC3339, note.Get("createdAt").String())
	if err != nil {
		return nil
	}

	handle := note.Get("user.username").String()
	if remote := note.Get("user.host").String(); remote != "" {
		handle = handle + "@" + remote
	}

	return &model.Note{
		ID:                model.NoteID(model.SourceMisskey, id),
		Source:            model.SourceMisskey,
		AuthorID:          note.Get("userId").String(),
		AuthorHandle:      handle,
		AuthorDisplayName: note.Get("user.name").String(),
		AuthorAvatarURL:   note.Get("user.avatarUrl").String(),
		Content:           text,
		CreatedAt:         createdAt.Unix(),
	}
}

// fetchSelfID 调 /api/i（token 放请求体，非 header）取操作者 id。
func (a *Adapter) fetchSelfID(ctx context.Context) (string, error) {
	payload, _ := json.Marshal(map[string]string{"i": a.token})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("https://%s/api/i", a.host), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch /api/i: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("/api/i: status %d", resp.StatusCode)
	}
	id := gjson.GetBytes(body, "id").String()
	if id == "" {
		return "", fmt.Errorf("/api/i: response missing id")
	}
	return id, nil
}

func (a *Adapter) emit(ctx context.Context, events chan<- model.SourceEvent, ev model.SourceEvent) {
	if events == nil {
		return
	}
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}
