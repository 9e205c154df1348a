package feed

import (
	"context"
	"fmt"
	"sync"

	"voicefeed/server/internal/model"
	"voicefeed/server/internal/notestore"
	"voicefeed/server/internal/reader"

	"github.com/sirupsen/logrus"
)

// eventQueueSize 合并事件通道的缓冲。满了会丢（背压只有 store 的容量
// 上限，不向 adapter 回压），实际上限远在之下。
const eventQueueSize = 256

// Adapter 是来源适配器的统一契约。Start 非阻塞、自带 goroutine；
// 所有事件汇入同一条 events 通道。
type Adapter interface {
	Source() model.Source
	// SelfID 操作者在该来源上的身份 id（未知时为空串）。
	SelfID() string
	IsConnected() bool
	Start(ctx context.Context, events chan<- model.SourceEvent) error
	Stop()
}

// Session 把多来源事件汇成单消费者循环：插入 store、翻转来源的
// initial-load 阶段、触发调度器。生命周期 = 一次 start/stop。
type Session struct {
	adapters  []Adapter
	store     *notestore.Store
	scheduler *reader.Scheduler
	logger    *logrus.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	// failed 记录本次运行中报废的来源；全部报废才算 no-sources-available
	failed map[model.Source]bool
	// contributed 记录交出过内容（笔记或握手完成）的来源
	contributed map[model.Source]bool
}

// NewSession 创建会话编排器。
func NewSession(adapters []Adapter, store *notestore.Store, scheduler *reader.Scheduler, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Session{
		adapters:  adapters,
		store:     store,
		scheduler: scheduler,
		logger:    logger,
	}
}

// Start 启动全部已配置的 adapter 与消费循环。
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("session already running")
	}
	if len(s.adapters) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("no sources configured")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.failed = make(map[model.Source]bool)
	s.contributed = make(map[model.Source]bool)
	done := s.done
	s.mu.Unlock()

	events := make(chan model.SourceEvent, eventQueueSize)
	s.scheduler.Start(runCtx)

	for _, a := range s.adapters {
		if err := a.Start(runCtx, events); err != nil {
			s.logger.Warnf("[Feed] start %s: %v", a.Source(), err)
			s.markFailed(a.Source())
		}
	}

	go s.consume(runCtx, events, done)
	s.logger.Infof("[Feed] session started with %d sources", len(s.adapters))
	return nil
}

// Stop 同步收尾：停掉全部 adapter（各自取消所有计时器与连接）、
// 停掉调度器、清空 store。会话停止后不允许任何残留计时器复活它。
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	done := s.done
	s.mu.Unlock()

	for _, a := range s.adapters {
		a.Stop()
	}
	s.scheduler.Stop()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	s.store.Reset()
	s.logger.Infof("[Feed] session stopped")
}

// Running 返回会话是否在跑。
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SelfID 返回操作者在某来源上的身份 id（调度器的自发帖去重用）。
func (s *Session) SelfID(source model.Source) string {
	for _, a := range s.adapters {
		if a.Source() == source {
			return a.SelfID()
		}
	}
	return ""
}

// SourcesConnected 按来源返回连接状态（状态接口用）。
func (s *Session) SourcesConnected() map[model.Source]bool {
	out := make(map[model.Source]bool, len(s.adapters))
	for _, a := range s.adapters {
		out[a.Source()] = a.IsConnected()
	}
	return out
}

// AllSourcesFailed 全部已配置来源都没能交出内容时为真。
func (s *Session) AllSourcesFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.adapters) == 0 {
		return false
	}
	for _, a := range s.adapters {
		if !s.failed[a.Source()] {
			return false
		}
	}
	return true
}

// consume 单消费者循环：事件串行处理，store/调度器不需要额外协调。
func (s *Session) consume(ctx context.Context, events <-chan model.SourceEvent, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			s.handle(ev)
		}
	}
}

func (s *Session) handle(ev model.SourceEvent) {
	switch ev.Type {
	case model.EventNote:
		if ev.Note == nil {
			return
		}
		s.markContributed(ev.Source)
		if s.store.Insert(ev.Note) {
			s.scheduler.NoteArrived()
		}
	case model.EventOpened:
		// 握手完成：该来源的 initial-load 阶段结束，后续事件正常追加
		s.markContributed(ev.Source)
		s.store.MarkLive(ev.Source)
		s.scheduler.SourceReady()
		s.logger.Infof("[Feed] source %s live", ev.Source)
	case model.EventClosed:
		s.logger.Infof("[Feed] source %s closed", ev.Source)
	case model.EventError:
		// adapter 自己已经降级为"本次运行零贡献"，这里只记账
		s.markFailed(ev.Source)
		s.logger.Warnf("[Feed] source %s failed: %v", ev.Source, ev.Err)
		if s.AllSourcesFailed() {
			s.logger.Errorf("[Feed] no sources available")
		}
	}
}

func (s *Session) markFailed(source model.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed != nil && !s.contributed[source] {
		s.failed[source] = true
	}
}

func (s *Session) markContributed(source model.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contributed != nil {
		s.contributed[source] = true
		delete(s.failed, source)
	}
}
