package relay

import (
	"context"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// subPhase 是订阅的显式追平状态。
// 协议的 EOSE 信号不可信，用"首个事件后 1 秒静默"代替。
type subPhase int

const (
	phaseBackfilling subPhase = iota
	phaseLive
)

// catchup 实现 (re)connect 时的追平启发式：
//   - backfilling：每个新事件替换候选（不追加），只留时间戳最新的一条；
//   - 首个事件后静默 silence 即转入 live，surface 候选；
//   - live：只 surface createdAt 严格大于已见最大值的事件，
//     因此中继重连不会重放旧内容（晚到的 backlog 直接丢弃）。
type catchup struct {
	mu        sync.Mutex
	phase     subPhase
	candidate *nostr.Event
	maxSeen   nostr.Timestamp
	silence   time.Duration
	surface   func(*nostr.Event)
	timer     *time.Timer
	stopped   bool
}

func newCatchup(silence time.Duration, surface func(*nostr.Event)) *catchup {
	if silence <= 0 {
		silence = catchupSilence
	}
	return &catchup{silence: silence, surface: surface}
}

// observe 处理一个已通过内容过滤的事件。
func (c *catchup) observe(evt *nostr.Event) {
	c.mu.Lock()

	if c.stopped {
		c.mu.Unlock()
		return
	}

	switch c.phase {
	case phaseBackfilling:
		if c.candidate == nil || evt.CreatedAt > c.candidate.CreatedAt {
			c.candidate = evt
		}
		if evt.CreatedAt > c.maxSeen {
			c.maxSeen = evt.CreatedAt
		}
		// 每个事件都把静默计时器往后推
		if c.timer != nil {
			c.timer.Stop()
		}
		c.timer = time.AfterFunc(c.silence, c.goLive)
		c.mu.Unlock()

	case phaseLive:
		if evt.CreatedAt <= c.maxSeen {
			c.mu.Unlock()
			return
		}
		c.maxSeen = evt.CreatedAt
		c.mu.Unlock()
		c.surface(evt)

	default:
		c.mu.Unlock()
	}
}

// goLive 静默期满：surface 候选并切换到 live。
// 测试可直接调用以确定性驱动状态转移。
func (c *catchup) goLive() {
	c.mu.Lock()
	if c.stopped || c.phase == phaseLive {
		c.mu.Unlock()
		return
	}
	c.phase = phaseLive
	candidate := c.candidate
	c.candidate = nil
	c.mu.Unlock()

	if candidate != nil {
		c.surface(candidate)
	}
}

// stop 取消计时器并丢弃后续事件。
func (c *catchup) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Subscription 是 SubscribeNotes 返回的取消句柄，统一撤掉全部 filter 分片。
type Subscription struct {
	cancel  context.CancelFunc
	catchup *catchup

	mu     sync.Mutex
	relays []*nostr.Relay
	closed bool
}

// Unsub 取消全部分片订阅并关闭中继连接。幂等。
func (s *Subscription) Unsub() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	relays := s.relays
	s.relays = nil
	s.mu.Unlock()

	s.cancel()
	s.catchup.stop()
	for _, r := range relays {
		r.Close()
	}
}

func (s *Subscription) track(r *nostr.Relay) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.relays = append(s.relays, r)
	return true
}

// SubscribeNotes 对全部关注作者开实时订阅，按 maxAuthorsPerFilter 分片。
// surface 只会收到合格事件：kind 1、有正文、不带回复标记，
// 且经过追平启发式（backfilling 只留最新一条，live 只放行严格更新的）。
func (m *Manager) SubscribeNotes(ctx context.Context, relays []string, authors []string, surface func(*nostr.Event)) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)

	c := newCatchup(m.silence, surface)
	sub := &Subscription{cancel: cancel, catchup: c}

	shards := shardAuthors(authors, maxAuthorsPerFilter)
	filters := make(nostr.Filters, 0, len(shards))
	for _, shard := range shards {
		filters = append(filters, nostr.Filter{
			Kinds:   []int{nostr.KindTextNote},
			Authors: shard,
		})
	}

	m.logger.Infof("[Relay] subscribing %d authors across %d filter shards on %d relays",
		len(authors), len(filters), len(relays))

	for _, url := range relays {
		go m.runRelaySub(subCtx, url, filters, c, sub)
	}

	return sub
}

func (m *Manager) runRelaySub(ctx context.Context, url string, filters nostr.Filters, c *catchup, sub *Subscription) {
	r, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		// 中继不可达静默容忍：协议多宿主，别的中继会补上
		m.logger.Debugf("[Relay] connect %s: %v", url, err)
		return
	}
	if !sub.track(r) {
		r.Close()
		return
	}

	rsub, err := r.Subscribe(ctx, filters)
	if err != nil {
		m.logger.Debugf("[Relay] subscribe %s: %v", url, err)
		return
	}
	defer rsub.Unsub()

	m.logger.Infof("[Relay] live subscription open on %s", url)

	for {
		select {
		case evt, ok := <-rsub.Events:
			if !ok {
				return
			}
			if !eligibleNote(evt) {
				continue
			}
			c.observe(evt)
		case <-ctx.Done():
			return
		}
	}
}

// eligibleNote 只放行顶层原创笔记：有正文且不带回复标记（e 标签）。
func eligibleNote(evt *nostr.Event) bool {
	if evt == nil || evt.Kind != nostr.KindTextNote || evt.Content == "" {
		return false
	}
	for _, tag := range evt.Tags {
		if len(tag) >= 1 && tag[0] == "e" {
			return false
		}
	}
	return true
}
