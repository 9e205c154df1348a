package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"voicefeed/server/internal/model"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	// resolveTimeout 历史订阅的硬超时。
	resolveTimeout = 5 * time.Second
	// earlyExit 任一候选到达后的自适应提前退出窗口。
	earlyExit = 1 * time.Second
	// catchupSilence 首个事件后静默多久视为追平（EOSE 不可信的替代信号）。
	catchupSilence = 1 * time.Second
	// maxAuthorsPerFilter 单个 filter 的作者上限，超过时分片。
	maxAuthorsPerFilter = 200
)

// Manager 负责与中继网络的全部交互：
// relay list 解析、follow/profile 拉取、带追平启发式的实时订阅。
// 单个中继不可达一律静默容忍（协议本身多宿主）。
type Manager struct {
	bootstrapRelays []string
	fallbackRelays  []string

	// silence 覆盖 catchupSilence，测试用。
	silence time.Duration

	logger *logrus.Logger
}

// NewManager 创建中继订阅管理器。
func NewManager(bootstrap, fallback []string, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		bootstrapRelays: bootstrap,
		fallbackRelays:  fallback,
		silence:         catchupSilence,
		logger:          logger,
	}
}

// DecodePubKey 接受 hex 或 npub 形式的公钥，返回 hex。
func DecodePubKey(raw string) (string, error) {
	if strings.HasPrefix(raw, "npub1") {
		prefix, data, err := nip19.Decode(raw)
		if err != nil {
			return "", fmt.Errorf("decode npub: %w", err)
		}
		if prefix != "npub" {
			return "", fmt.Errorf("unexpected bech32 prefix %q", prefix)
		}
		return data.(string), nil
	}
	if len(raw) != 64 {
		return "", fmt.Errorf("pubkey must be 64 hex chars or npub, got %d chars", len(raw))
	}
	return strings.ToLower(raw), nil
}

// ResolveRelays 为用户解析 relay list。
// 同时请求 relay-list 文档（kind 10002）与旧式 contact list（kind 3），
// 两者都在时优先前者；都没有时退回静态兜底集合。
func (m *Manager) ResolveRelays(ctx context.Context, pubkey string) []string {
	filter := nostr.Filter{
		Kinds:   []int{nostr.KindRelayListMetadata, nostr.KindContactList},
		Authors: []string{pubkey},
		Limit:   4,
	}

	events := m.fetchBackward(ctx, m.bootstrapRelays, filter)

	if evt := newestOfKind(events, nostr.KindRelayListMetadata); evt != nil {
		if urls := relayURLsFromRelayList(evt); len(urls) > 0 {
			m.logger.Infof("[Relay] resolved %d relays from relay-list document", len(urls))
			return urls
		}
	}
	if evt := newestOfKind(events, nostr.KindContactList); evt != nil {
		if urls := relayURLsFromContacts(evt); len(urls) > 0 {
			m.logger.Infof("[Relay] resolved %d relays from legacy contact list", len(urls))
			return urls
		}
	}

	m.logger.Warnf("[Relay] no relay list found, falling back to %d static relays", len(m.fallbackRelays))
	return m.fallbackRelays
}

// FetchFollows 拉取关注列表（kind 3 的 p 标签）。
func (m *Manager) FetchFollows(ctx context.Context, relays []string, pubkey string) []string {
	filter := nostr.Filter{
		Kinds:   []int{nostr.KindContactList},
		Authors: []string{pubkey},
		Limit:   1,
	}

	events := m.fetchBackward(ctx, relays, filter)
	evt := newestOfKind(events, nostr.KindContactList)
	if evt == nil {
		return nil
	}
	return followsFromContacts(evt)
}

// FetchProfile 拉取单个作者的档案（kind 0），找不到时返回 nil。
func (m *Manager) FetchProfile(ctx context.Context, relays []string, pubkey string) *model.AuthorProfile {
	filter := nostr.Filter{
		Kinds:   []int{nostr.KindProfileMetadata},
		Authors: []string{pubkey},
		Limit:   1,
	}

	events := m.fetchBackward(ctx, relays, filter)
	evt := newestOfKind(events, nostr.KindProfileMetadata)
	if evt == nil {
		return nil
	}
	return parseProfile(evt)
}

// fetchBackward 是所有一次性历史拉取共用的形状：
// 对每个中继开一个短订阅收集事件，任一候选到达后 earlyExit 提前收束，
// 整体受 resolveTimeout 硬超时约束。中继失败一律静默跳过。
func (m *Manager) fetchBackward(ctx context.Context, urls []string, filter nostr.Filter) []*nostr.Event {
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	collected := make(chan *nostr.Event, 64)
	var wg sync.WaitGroup
	for _, url := range urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()

			r, err := nostr.RelayConnect(ctx, url)
			if err != nil {
				m.logger.Debugf("[Relay] connect %s: %v", url, err)
				return
			}
			defer r.Close()

			sub, err := r.Subscribe(ctx, nostr.Filters{filter})
			if err != nil {
				m.logger.Debugf("[Relay] subscribe %s: %v", url, err)
				return
			}
			defer sub.Unsub()

			for {
				select {
				case evt, ok := <-sub.Events:
					if !ok {
						return
					}
					select {
					case collected <- evt:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}(url)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var out []*nostr.Event
	var early *time.Timer
	var earlyC <-chan time.Time
	defer func() {
		if early != nil {
			early.Stop()
		}
	}()

	for {
		select {
		case evt := <-collected:
			out = append(out, evt)
			if early == nil {
				early = time.NewTimer(earlyExit)
				earlyC = early.C
			}
		case <-earlyC:
			return out
		case <-done:
			return out
		case <-ctx.Done():
			return out
		}
	}
}

// newestOfKind 返回指定 kind 中 createdAt 最新的事件（replaceable 语义）。
func newestOfKind(events []*nostr.Event, kind int) *nostr.Event {
	var newest *nostr.Event
	for _, evt := range events {
		if evt.Kind != kind {
			continue
		}
		if newest == nil || evt.CreatedAt > newest.CreatedAt {
			newest = evt
		}
	}
	return newest
}

// relayURLsFromRelayList 解析 kind 10002 的 r 标签。
// 第三个元素是可选的 read/write 标记，这里订阅与发布共用同一列表，不区分。
func relayURLsFromRelayList(evt *nostr.Event) []string {
	var urls []string
	seen := make(map[string]struct{})
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		url := normalizeRelayURL(tag[1])
		if url == "" {
			continue
		}
		if _, dup := seen[url]; dup {
			continue
		}
		seen[url] = struct{}{}
		urls = append(urls, url)
	}
	return urls
}

// relayURLsFromContacts 解析 kind 3 正文里的旧式 relay map。
func relayURLsFromContacts(evt *nostr.Event) []string {
	var urls []string
	seen := make(map[string]struct{})
	gjson.Parse(evt.Content).ForEach(func(key, _ gjson.Result) bool {
		url := normalizeRelayURL(key.String())
		if url == "" {
			return true
		}
		if _, dup := seen[url]; dup {
			return true
		}
		seen[url] = struct{}{}
		urls = append(urls, url)
		return true
	})
	return urls
}

// followsFromContacts 解析 kind 3 的 p 标签（followee 公钥列表）。
func followsFromContacts(evt *nostr.Event) []string {
	var follows []string
	seen := make(map[string]struct{})
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "p" || len(tag[1]) != 64 {
			continue
		}
		if _, dup := seen[tag[1]]; dup {
			continue
		}
		seen[tag[1]] = struct{}{}
		follows = append(follows, tag[1])
	}
	return follows
}

// parseProfile 解析 kind 0 正文（JSON: name/display_name/picture）。
func parseProfile(evt *nostr.Event) *model.AuthorProfile {
	body := gjson.Parse(evt.Content)
	name := body.Get("name").String()
	display := body.Get("display_name").String()
	if display == "" {
		display = name
	}
	return &model.AuthorProfile{
		ID:          model.NoteID(model.SourceNostr, evt.PubKey),
		DisplayName: display,
		ShortName:   name,
		AvatarURL:   body.Get("picture").String(),
	}
}

func normalizeRelayURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "wss://") && !strings.HasPrefix(raw, "ws://") {
		return ""
	}
	return strings.TrimRight(raw, "/")
}

// shardAuthors 把作者列表切成不超过 maxAuthorsPerFilter 的分片。
func shardAuthors(authors []string, size int) [][]string {
	if size <= 0 {
		size = maxAuthorsPerFilter
	}
	var shards [][]string
	for len(authors) > size {
		shards = append(shards, authors[:size])
		authors = authors[size:]
	}
	if len(authors) > 0 {
		shards = append(shards, authors)
	}
	return shards
}
