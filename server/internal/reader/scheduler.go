package reader

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"voicefeed/server/internal/model"
	"voicefeed/server/internal/notestore"
	"voicefeed/server/internal/speech"

	"github.com/sirupsen/logrus"
)

// State 朗读调度器的状态。
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

const (
	// maxDisplayRunes 朗读文本的长度上限（rune 计）。
	maxDisplayRunes = 64
	// selfDedupWindow 自发帖去重的滑动窗口：同一段文字在窗口内
	// 只发声一次（覆盖同文多平台同时发布的场景）。
	selfDedupWindow = 60 * time.Second
	defaultDwell    = 2 * time.Second
)

// Transform 把 Note 变成要朗读的展示文本（URL/表情替换、作者名清洗等
// 由外部协作者负责）。返回空串表示这条不发声。
type Transform func(n *model.Note) string

// DetectLang 纯函数式语言检测；识别不出返回空串。
type DetectLang func(text string) string

// Config 调度器的依赖与策略。
type Config struct {
	Engine speech.Engine
	Store  *notestore.Store
	// SelfID 返回操作者在某来源上的身份 id（自发帖去重用），可为 nil。
	SelfID func(source model.Source) string

	Transform  Transform  // nil 取默认（只做截断）
	DetectLang DetectLang // nil 视为永远识别不出

	// FixedLang 配置的固定朗读语言；DefaultLang 环境默认语言。
	FixedLang   string
	DefaultLang string

	// ReadTimeout 单条朗读的硬超时，0 表示不限。
	ReadTimeout time.Duration
	// MuteDwell 静音模式下每条消耗的停留时间，0 取默认 2s。
	MuteDwell time.Duration

	Logger *logrus.Logger
}

// Scheduler 单消费者朗读调度器。
//
// 状态机 idle → loading → running ⇄ paused → idle。进入 running 不等
// 所有来源就绪：第一个交出笔记（或完成握手）的来源就足够，慢的来源
// 之后自己汇入。核心循环每次取最旧的未读一条，发声前同步标记已读，
// 保证快速重入触发下同一条至多播一次。
type Scheduler struct {
	cfg Config

	mu          sync.Mutex
	state       State
	ctx         context.Context
	cancel      context.CancelFunc
	inFlight    bool
	muted       bool
	override    string // 会话级语言覆盖
	authorLang  map[string]string
	spokenSelf  []selfRecord
	cancelSpeak context.CancelFunc

	// 可注入的时钟与等待，测试替换
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type selfRecord struct {
	content string
	at      time.Time
}

// New 创建调度器（idle 态）。
func New(cfg Config) *Scheduler {
	if cfg.Engine == nil {
		cfg.Engine = speech.Null{}
	}
	if cfg.Transform == nil {
		cfg.Transform = DefaultTransform
	}
	if cfg.MuteDwell <= 0 {
		cfg.MuteDwell = defaultDwell
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Scheduler{
		cfg:        cfg,
		state:      StateIdle,
		authorLang: make(map[string]string),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// State 返回当前状态。
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start 进入 loading，等第一个来源贡献内容。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.state = StateLoading
	s.cfg.Logger.Infof("[Reader] loading")
}

// SourceReady 某来源完成握手或交出第一条笔记：loading → running。
// 已在 running/paused 则只触发一次调度检查。
func (s *Scheduler) SourceReady() {
	s.mu.Lock()
	if s.state == StateLoading {
		s.state = StateRunning
		s.cfg.Logger.Infof("[Reader] running")
	}
	s.mu.Unlock()
	s.kick()
}

// NoteArrived 新笔记入库后的调度触发。
func (s *Scheduler) NoteArrived() {
	s.mu.Lock()
	if s.state == StateLoading {
		s.state = StateRunning
		s.cfg.Logger.Infof("[Reader] running")
	}
	s.mu.Unlock()
	s.kick()
}

// Pause 暂停推进（当前这条播完为止）。
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		s.state = StatePaused
		s.cfg.Logger.Infof("[Reader] paused")
	}
}

// Resume 恢复推进并立即调度。
func (s *Scheduler) Resume() {
	s.mu.Lock()
	if s.state == StatePaused {
		s.state = StateRunning
		s.cfg.Logger.Infof("[Reader] resumed")
	}
	s.mu.Unlock()
	s.kick()
}

// Skip 掐断当前朗读；循环自己会推进到下一条。
func (s *Scheduler) Skip() {
	s.mu.Lock()
	cancel := s.cancelSpeak
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SetMuted 静音开关。静音下调度照常推进，只是不发声、按固定停留计时。
func (s *Scheduler) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

// Muted 返回静音状态。
func (s *Scheduler) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// SetLanguageOverride 设置会话级语言覆盖（空串清除）。
func (s *Scheduler) SetLanguageOverride(lang string) {
	s.mu.Lock()
	s.override = lang
	s.mu.Unlock()
}

// Stop 回到 idle：掐断当前朗读，清空会话内缓存。
// 已经 idle 时是 no-op。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	s.state = StateIdle
	cancel := s.cancel
	cancelSpeak := s.cancelSpeak
	s.cancel = nil
	s.cancelSpeak = nil
	s.override = ""
	s.authorLang = make(map[string]string)
	s.spokenSelf = nil
	s.mu.Unlock()

	if cancelSpeak != nil {
		cancelSpeak()
	}
	if cancel != nil {
		cancel()
	}
	s.cfg.Logger.Infof("[Reader] stopped")
}

// kick 触发核心循环。in-flight guard 保证任何时刻只有一个循环在跑
// （手动 skip 与自然播完赛跑时不会出现重叠调度）。
func (s *Scheduler) kick() {
	s.mu.Lock()
	if s.state != StateRunning || s.inFlight || s.ctx == nil {
		s.mu.Unlock()
		return
	}
	s.inFlight = true
	ctx := s.ctx
	s.mu.Unlock()

	go s.drain(ctx)
}

// drain 顺序消化未读队列，state 离开 running 或队列空了就退出。
func (s *Scheduler) drain(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		running := s.state == StateRunning
		s.mu.Unlock()
		if !running || ctx.Err() != nil {
			return
		}

		n := s.cfg.Store.NextUnread()
		if n == nil {
			return
		}
		// 发声前同步标记已读：快速重入触发下同一条至多播一次
		s.cfg.Store.MarkRead(n.ID)
		s.speakOne(ctx, n)
	}
}

func (s *Scheduler) speakOne(ctx context.Context, n *model.Note) {
	text := s.cfg.Transform(n)
	if text == "" {
		return
	}

	s.mu.Lock()
	muted := s.muted
	s.mu.Unlock()

	if muted {
		// 静音：不发声但消耗固定停留，保住节奏与顺序
		s.sleep(ctx, s.cfg.MuteDwell)
		return
	}

	if s.isSelfDuplicate(n) {
		s.cfg.Logger.Debugf("[Reader] self-post duplicate skipped: %s", n.ID)
		return
	}

	lang := s.resolveLang(n)

	var speakCtx context.Context
	var cancel context.CancelFunc
	if s.cfg.ReadTimeout > 0 {
		speakCtx, cancel = context.WithTimeout(ctx, s.cfg.ReadTimeout)
	} else {
		speakCtx, cancel = context.WithCancel(ctx)
	}
	s.mu.Lock()
	s.cancelSpeak = cancel
	s.mu.Unlock()

	err := s.cfg.Engine.Speak(speakCtx, text, lang)

	s.mu.Lock()
	s.cancelSpeak = nil
	s.mu.Unlock()
	cancel()

	if err != nil && ctx.Err() == nil {
		// 播完、报错、超时、手动 skip 都一样推进；只记日志
		s.cfg.Logger.Debugf("[Reader] speak %s: %v", n.ID, err)
	}

	s.recordSelf(n)
}

// resolveLang 朗读语言解析链：会话覆盖 → 作者历史检测 → 本条检测 →
// 配置固定语言 → 环境默认。
func (s *Scheduler) resolveLang(n *model.Note) string {
	s.mu.Lock()
	override := s.override
	authorKey := string(n.Source) + ":" + n.AuthorID
	cached := s.authorLang[authorKey]
	s.mu.Unlock()

	if override != "" {
		return override
	}
	if cached != "" {
		return cached
	}
	if s.cfg.DetectLang != nil {
		if detected := s.cfg.DetectLang(n.Content); detected != "" {
			s.mu.Lock()
			s.authorLang[authorKey] = detected
			s.mu.Unlock()
			return detected
		}
	}
	if s.cfg.FixedLang != "" {
		return s.cfg.FixedLang
	}
	return s.cfg.DefaultLang
}

// isSelfDuplicate 自发帖去重：作者是操作者本人、同样的正文在滑动
// 窗口内已经播过，就跳过发声（已读状态照常推进）。
func (s *Scheduler) isSelfDuplicate(n *model.Note) bool {
	if s.cfg.SelfID == nil {
		return false
	}
	self := s.cfg.SelfID(n.Source)
	if self == "" || n.AuthorID != self {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-selfDedupWindow)
	kept := s.spokenSelf[:0]
	dup := false
	for _, rec := range s.spokenSelf {
		if rec.at.Before(cutoff) {
			continue
		}
		kept = append(kept, rec)
		if rec.content == n.Content {
			dup = true
		}
	}
	s.spokenSelf = kept
	return dup
}

// recordSelf 自发帖发声后登记，供窗口去重比对。
func (s *Scheduler) recordSelf(n *model.Note) {
	if s.cfg.SelfID == nil {
		return
	}
	self := s.cfg.SelfID(n.Source)
	if self == "" || n.AuthorID != self {
		return
	}
	s.mu.Lock()
	s.spokenSelf = append(s.spokenSelf, selfRecord{content: n.Content, at: s.now()})
	s.mu.Unlock()
}

// DefaultTransform 缺省展示文本：原文截断到 64 rune。
func DefaultTransform(n *model.Note) string {
	return clampRunes(n.Content, maxDisplayRunes)
}

func clampRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
