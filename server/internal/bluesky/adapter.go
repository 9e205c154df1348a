package bluesky

import (
	"context"
	"fmt"
	"sync"
	"time"

	"voicefeed/server/internal/model"

	"github.com/sirupsen/logrus"
)

// Adapter 以固定周期轮询：每个 tick 先 peek，只有正向信号才付全量拉取的成本，
// 在压低请求量的同时保持接近实时的延迟。
type Adapter struct {
	client   *Client
	interval time.Duration
	limit    int
	logger   *logrus.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	connected bool
}

// NewAdapter 创建轮询来源 adapter。
func NewAdapter(client *Client, interval time.Duration, limit int, logger *logrus.Logger) *Adapter {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if limit <= 0 {
		limit = 20
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Adapter{client: client, interval: interval, limit: limit, logger: logger}
}

func (a *Adapter) Source() model.Source { return model.SourceBluesky }

// SelfID 返回登录后的 did（登录前为空）。
func (a *Adapter) SelfID() string { return a.client.DID() }

func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Start 启动登录 + 轮询循环。非阻塞。
func (a *Adapter) Start(ctx context.Context, events chan<- model.SourceEvent) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return fmt.Errorf("bluesky adapter already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	go a.run(runCtx, events)
	return nil
}

// Stop 同步停止轮询循环（取消 ctx 即清掉 ticker 与在途请求）。
func (a *Adapter) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.connected = false
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (a *Adapter) run(ctx context.Context, events chan<- model.SourceEvent) {
	if err := a.client.Login(ctx); err != nil {
		// 登录失败：本次运行该来源贡献零条，不致命
		a.logger.Warnf("[Bluesky] login failed, source disabled for this run: %v", err)
		a.emit(ctx, events, model.SourceEvent{Source: model.SourceBluesky, Type: model.EventError, Err: err})
		return
	}

	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()

	// 首批积压先交付，再宣告握手完成（store 的 initial-load 阶段会压成一条）
	if notes, err := a.client.Fetch(ctx, a.limit); err == nil {
		for _, n := range notes {
			a.emit(ctx, events, model.SourceEvent{Source: model.SourceBluesky, Type: model.EventNote, Note: n})
		}
	} else {
		a.logger.Warnf("[Bluesky] initial fetch: %v", err)
	}
	a.emit(ctx, events, model.SourceEvent{Source: model.SourceBluesky, Type: model.EventOpened})

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.mu.Lock()
			a.connected = false
			a.mu.Unlock()
			return
		case <-ticker.C:
			a.pollOnce(ctx, events)
		}
	}
}

func (a *Adapter) pollOnce(ctx context.Context, events chan<- model.SourceEvent) {
	fresh, err := a.client.Peek(ctx)
	if err != nil {
		// 一次性拉取失败静默跳过，等下一个 tick
		a.logger.Debugf("[Bluesky] peek: %v", err)
		return
	}
	if !fresh {
		return
	}

	notes, err := a.client.Fetch(ctx, a.limit)
	if err != nil {
		a.logger.Debugf("[Bluesky] fetch: %v", err)
		return
	}
	for _, n := range notes {
		a.emit(ctx, events, model.SourceEvent{Source: model.SourceBluesky, Type: model.EventNote, Note: n})
	}
}

func (a *Adapter) emit(ctx context.Context, events chan<- model.SourceEvent, ev model.SourceEvent) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}
