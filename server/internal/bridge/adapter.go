package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"voicefeed/server/internal/model"
	"voicefeed/server/internal/streamws"

	"github.com/sirupsen/logrus"
)

// envelope 是桥接进程的私有协议：桥接方已把平台原生事件翻译成
// 这个最小包裹，核心只认这一种形状。
type envelope struct {
	ID     string `json:"id"`
	Author struct {
		ID          string `json:"id"`
		Handle      string `json:"handle"`
		DisplayName string `json:"displayName"`
		AvatarURL   string `json:"avatarUrl"`
	} `json:"author"`
	Content string `json:"content"`
	// Timestamp 秒级 epoch，由桥接进程换算好
	Timestamp int64 `json:"timestamp"`
}

// Adapter 消费伴生桥接进程的私有流。桥接进程隐式转发全部事件，
// 所以连接建立后不需要订阅步骤；断线重连同样交给 streamws。
type Adapter struct {
	url    string
	selfID string
	logger *logrus.Logger

	conn *streamws.Conn

	mu     sync.Mutex
	cancel context.CancelFunc
	runCtx context.Context
	events chan<- model.SourceEvent
}

// NewAdapter 创建桥接来源 adapter。selfID 是操作者在被桥接平台上的
// 账号 id（配置提供，可为空 = 不做自发帖去重）。
func NewAdapter(url, selfID string, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	a := &Adapter{url: url, selfID: selfID, logger: logger}
	a.conn = streamws.New(streamws.Config{
		Name: "Bridge",
		URL:  url,
	}, streamws.Callbacks{
		OnOpen:    a.onOpen,
		OnMessage: a.onMessage,
		OnClose:   a.onClose,
	}, logger)
	return a
}

func (a *Adapter) Source() model.Source { return model.SourceBridge }

func (a *Adapter) SelfID() string { return a.selfID }

func (a *Adapter) IsConnected() bool { return a.conn.IsConnected() }

// Start 发起持久连接。非阻塞。
func (a *Adapter) Start(ctx context.Context, events chan<- model.SourceEvent) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return fmt.Errorf("bridge adapter already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.runCtx = runCtx
	a.events = events
	a.mu.Unlock()

	a.conn.Connect(runCtx)
	return nil
}

// Stop 同步断开连接并取消一切重连计时器。
func (a *Adapter) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.runCtx = nil
	a.events = nil
	a.mu.Unlock()

	a.conn.Disconnect()
	if cancel != nil {
		cancel()
	}
}

func (a *Adapter) onOpen() {
	a.mu.Lock()
	ctx := a.runCtx
	events := a.events
	a.mu.Unlock()
	if ctx == nil {
		return
	}
	a.emit(ctx, events, model.SourceEvent{Source: model.SourceBridge, Type: model.EventOpened})
}

// onClose 连接断开：汇报 closed 事件（Stop 之后不再汇报），重连由 streamws 负责。
func (a *Adapter) onClose(err error) {
	a.mu.Lock()
	ctx := a.runCtx
	events := a.events
	a.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	a.emit(ctx, events, model.SourceEvent{Source: model.SourceBridge, Type: model.EventClosed})
}

func (a *Adapter) onMessage(data []byte) {
	a.mu.Lock()
	ctx := a.runCtx
	events := a.events
	a.mu.Unlock()
	if ctx == nil {
		return
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		a.logger.Debugf("[Bridge] malformed envelope: %v", err)
		return
	}
	n := noteFromEnvelope(&env)
	if n == nil {
		return
	}
	a.emit(ctx, events, model.SourceEvent{Source: model.SourceBridge, Type: model.EventNote, Note: n})
}

// noteFromEnvelope 把桥接包裹转成 Note；缺 id/正文/时间戳返回 nil。
func noteFromEnvelope(env *envelope) *model.Note {
	if env.ID == "" || env.Content == "" || env.Timestamp <= 0 {
		return nil
	}
	return &model.Note{
		ID:                model.NoteID(model.SourceBridge, env.ID),
		Source:            model.SourceBridge,
		AuthorID:          env.Author.ID,
		AuthorHandle:      env.Author.Handle,
		AuthorDisplayName: env.Author.DisplayName,
		AuthorAvatarURL:   env.Author.AvatarURL,
		Content:           env.Content,
		CreatedAt:         env.Timestamp,
	}
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
