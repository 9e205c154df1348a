package notestore

import (
	"sort"
	"sync"

	"voicefeed/server/internal/model"
)

// DefaultCapacity 超出后按 createdAt 最旧先淘汰。
const DefaultCapacity = 200

// phase 区分来源的 initial-load 与 live 两个阶段。
type phase int

const (
	phaseInitial phase = iota
	phaseLive
)

// Store 是所有 adapter 输出的统一存储。
//
// 契约：
// - id 跨来源全局唯一，重复插入直接拒绝（对抗重连与平台侧重放）。
// - 始终按 createdAt 降序，超出容量时最旧先淘汰（不区分已读/未读）。
// - 每个来源在 MarkLive 之前处于 initial-load 阶段：该阶段最多贡献一条
//   （最新一条），避免启动时读一大段历史积压。
type Store struct {
	mu       sync.RWMutex
	capacity int
	notes    []*model.Note
	ids      map[string]struct{}

	phases map[model.Source]phase
	// initialCandidate 记录各来源在 initial 阶段插入的那条笔记 id。
	initialCandidate map[model.Source]string
}

// New 创建一个容量为 capacity 的存储（<=0 时取 DefaultCapacity）。
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity:         capacity,
		ids:              make(map[string]struct{}),
		phases:           make(map[model.Source]phase),
		initialCandidate: make(map[model.Source]string),
	}
}

// Insert 合并一条 adapter 回调送来的笔记。
// 返回 false 表示被拒绝（重复 id，或 initial 阶段被更新的候选顶掉）。
func (s *Store) Insert(n *model.Note) bool {
	if n == nil || n.ID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.ids[n.ID]; dup {
		return false
	}

	// initial-load 阶段：整个首批只保留最新一条，新到的替换旧候选
	if s.phaseOf(n.Source) == phaseInitial {
		if prevID, ok := s.initialCandidate[n.Source]; ok {
			prev := s.findLocked(prevID)
			if prev != nil && prev.CreatedAt >= n.CreatedAt {
				return false
			}
			s.removeLocked(prevID)
		}
		s.initialCandidate[n.Source] = n.ID
	}

	cp := *n
	s.notes = append(s.notes, &cp)
	s.ids[n.ID] = struct{}{}

	sort.SliceStable(s.notes, func(i, j int) bool {
		return s.notes[i].CreatedAt > s.notes[j].CreatedAt
	})

	// 容量是唯一的背压手段：溢出时最旧先走，不向 adapter 反馈
	for len(s.notes) > s.capacity {
		victim := s.notes[len(s.notes)-1]
		s.notes = s.notes[:len(s.notes)-1]
		delete(s.ids, victim.ID)
	}

	return true
}

// MarkLive 将来源切换到 live 阶段，此后事件正常追加。
func (s *Store) MarkLive(src model.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phases[src] = phaseLive
	delete(s.initialCandidate, src)
}

// NextUnread 返回最旧的未读笔记副本（按到达顺序处理：oldest unread first）。
// 没有未读时返回 nil。
func (s *Store) NextUnread() *model.Note {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.notes) - 1; i >= 0; i-- {
		if !s.notes[i].Read {
			cp := *s.notes[i]
			return &cp
		}
	}
	return nil
}

// MarkRead 将指定笔记置为已读。read 标记在会话内单调，不会回退。
func (s *Store) MarkRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.findLocked(id)
	if n == nil {
		return false
	}
	n.Read = true
	return true
}

// Len 返回当前条数。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.notes)
}

// Unread 返回未读条数。
func (s *Store) Unread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, n := range s.notes {
		if !n.Read {
			count++
		}
	}
	return count
}

// List 返回全量快照（createdAt 降序、副本），供状态接口与测试使用。
func (s *Store) List() []model.Note {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Note, len(s.notes))
	for i, n := range s.notes {
		out[i] = *n
	}
	return out
}

// Reset 清空全部状态（会话 stop 时调用）。
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notes = nil
	s.ids = make(map[string]struct{})
	s.phases = make(map[model.Source]phase)
	s.initialCandidate = make(map[model.Source]string)
}

func (s *Store) phaseOf(src model.Source) phase {
	if p, ok := s.phases[src]; ok {
		return p
	}
	return phaseInitial
}

func (s *Store) findLocked(id string) *model.Note {
	for _, n := range s.notes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

func (s *Store) removeLocked(id string) {
	for i, n := range s.notes {
		if n.ID == id {
			s.notes = append(s.notes[:i], s.notes[i+1:]...)
			delete(s.ids, id)
			return
		}
	}
}
