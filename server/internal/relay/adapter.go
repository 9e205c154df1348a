package relay

import (
	"context"
	"fmt"
	"sync"

	"voicefeed/server/internal/model"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sirupsen/logrus"
)

// Adapter 把 Manager 包装成统一的来源 adapter：
// 解析 relay list → 拉 follow 列表 → 开实时订阅，产出 SourceEvent 流。
// 档案缓存懒加载，生命周期 = 会话（Stop 时清空）。
type Adapter struct {
	mgr    *Manager
	pubkey string
	logger *logrus.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	sub       *Subscription
	relays    []string
	connected bool

	profileMu sync.Mutex
	profiles  map[string]*model.AuthorProfile
	fetching  map[string]bool
}

// NewAdapter 创建中继来源 adapter。pubkeyRaw 接受 hex 或 npub。
func NewAdapter(pubkeyRaw string, bootstrap, fallback []string, logger *logrus.Logger) (*Adapter, error) {
	pubkey, err := DecodePubKey(pubkeyRaw)
	if err != nil {
		return nil, fmt.Errorf("nostr pubkey: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Adapter{
		mgr:      NewManager(bootstrap, fallback, logger),
		pubkey:   pubkey,
		logger:   logger,
		profiles: make(map[string]*model.AuthorProfile),
		fetching: make(map[string]bool),
	}, nil
}

func (a *Adapter) Source() model.Source { return model.SourceNostr }

// SelfID 返回操作者在本平台的身份（hex 公钥），自帖去重用。
func (a *Adapter) SelfID() string { return a.pubkey }

func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Start 启动 adapter。非阻塞：解析与订阅在后台进行，
// 进展通过 events 汇报（opened / note / error）。
func (a *Adapter) Start(ctx context.Context, events chan<- model.SourceEvent) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return fmt.Errorf("nostr adapter already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	go a.run(runCtx, events)
	return nil
}

func (a *Adapter) run(ctx context.Context, events chan<- model.SourceEvent) {
	relays := a.mgr.ResolveRelays(ctx, a.pubkey)
	if len(relays) == 0 {
		a.emit(ctx, events, model.SourceEvent{
			Source: model.SourceNostr, Type: model.EventError,
			Err: fmt.Errorf("no relay reachable"),
		})
		return
	}

	a.mu.Lock()
	a.relays = relays
	a.mu.Unlock()

	follows := a.mgr.FetchFollows(ctx, relays, a.pubkey)
	authors := append(follows, a.pubkey)
	authors = dedupStrings(authors)
	a.logger.Infof("[Nostr] following %d authors", len(authors))

	sub := a.mgr.SubscribeNotes(ctx, relays, authors, func(evt *nostr.Event) {
		a.emit(ctx, events, model.SourceEvent{
			Source: model.SourceNostr,
			Type:   model.EventNote,
			Note:   a.noteFromEvent(ctx, evt),
		})
	})

	a.mu.Lock()
	a.sub = sub
	a.connected = true
	a.mu.Unlock()

	// 追平启发式已把 backlog 压成最多一条，订阅建立即视为握手完成
	a.emit(ctx, events, model.SourceEvent{Source: model.SourceNostr, Type: model.EventOpened})

	<-ctx.Done()

	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	sub.Unsub()
}

// Stop 同步撤掉订阅、关闭连接并清空档案缓存。
func (a *Adapter) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	sub := a.sub
	a.cancel = nil
	a.sub = nil
	a.connected = false
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Unsub()
	}

	a.profileMu.Lock()
	a.profiles = make(map[string]*model.AuthorProfile)
	a.fetching = make(map[string]bool)
	a.profileMu.Unlock()
}

func (a *Adapter) noteFromEvent(ctx context.Context, evt *nostr.Event) *model.Note {
	n := &model.Note{
		ID:        model.NoteID(model.SourceNostr, evt.ID),
		Source:    model.SourceNostr,
		AuthorID:  evt.PubKey,
		Content:   evt.Content,
		CreatedAt: int64(evt.CreatedAt),
	}

	if p := a.cachedProfile(evt.PubKey); p != nil {
		n.AuthorDisplayName = p.DisplayName
		n.AuthorHandle = p.ShortName
		n.AuthorAvatarURL = p.AvatarURL
	} else {
		// 懒加载：本条先走，档案回来后惠及后续笔记
		a.fetchProfileOnce(ctx, evt.PubKey)
	}
	return n
}

func (a *Adapter) cachedProfile(pubkey string) *model.AuthorProfile {
	a.profileMu.Lock()
	defer a.profileMu.Unlock()
	return a.profiles[pubkey]
}

func (a *Adapter) fetchProfileOnce(ctx context.Context, pubkey string) {
	a.profileMu.Lock()
	if a.fetching[pubkey] {
		a.profileMu.Unlock()
		return
	}
	a.fetching[pubkey] = true
	a.profileMu.Unlock()

	a.mu.Lock()
	relays := a.relays
	a.mu.Unlock()

	go func() {
		p := a.mgr.FetchProfile(ctx, relays, pubkey)
		if p == nil {
			return
		}
		a.profileMu.Lock()
		a.profiles[pubkey] = p
		a.profileMu.Unlock()
	}()
}

func (a *Adapter) emit(ctx context.Context, events chan<- model.SourceEvent, ev model.SourceEvent) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

func dedupStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
