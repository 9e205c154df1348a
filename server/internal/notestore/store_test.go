package notestore

import (
	"fmt"
	"testing"

	"voicefeed/server/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNote(src model.Source, id string, createdAt int64) *model.Note {
	return &model.Note{
		ID:        model.NoteID(src, id),
		Source:    src,
		AuthorID:  "author-1",
		Content:   "hello " + id,
		CreatedAt: createdAt,
	}
}

// TestInsertRejectsDuplicateID 验证重复 id 被拒绝。
// 场景：同一条笔记插入两次（模拟重连后平台重放），第二次应返回 false。
func TestInsertRejectsDuplicateID(t *testing.T) {
	s := New(10)
	s.MarkLive(model.SourceTest)

	require.True(t, s.Insert(testNote(model.SourceTest, "n1", 100)))
	assert.False(t, s.Insert(testNote(model.SourceTest, "n1", 100)))
	assert.Equal(t, 1, s.Len())
}

// TestInsertKeepsCreatedAtDescending 验证乱序插入后仍按 createdAt 降序。
func TestInsertKeepsCreatedAtDescending(t *testing.T) {
	s := New(10)
	s.MarkLive(model.SourceTest)

	s.Insert(testNote(model.SourceTest, "a", 100))
	s.Insert(testNote(model.SourceTest, "c", 300))
	s.Insert(testNote(model.SourceTest, "b", 200))

	list := s.List()
	require.Len(t, list, 3)
	for i := 1; i < len(list); i++ {
		assert.GreaterOrEqual(t, list[i-1].CreatedAt, list[i].CreatedAt)
	}
}

// TestCapacityEvictsOldestFirst 验证容量上限与最旧先淘汰。
// 场景：单一来源按 createdAt 递增送入 250 条，最终应只剩最新的 200 条。
func TestCapacityEvictsOldestFirst(t *testing.T) {
	s := New(200)
	s.MarkLive(model.SourceTest)

	for i := 0; i < 250; i++ {
		require.True(t, s.Insert(testNote(model.SourceTest, fmt.Sprintf("n%03d", i), int64(1000+i))))
	}

	list := s.List()
	require.Len(t, list, 200)
	// 最旧的 50 条（createdAt 1000..1049）应已被淘汰
	assert.Equal(t, int64(1249), list[0].CreatedAt)
	assert.Equal(t, int64(1050), list[len(list)-1].CreatedAt)
}

// TestInitialLoadKeepsOnlyNewestCandidate 验证 initial-load 阶段首批最多贡献一条。
// 场景：MarkLive 之前连续送入 5 条历史积压，store 只保留最新一条；
// 切到 live 后事件正常追加。
func TestInitialLoadKeepsOnlyNewestCandidate(t *testing.T) {
	s := New(10)

	for i := 0; i < 5; i++ {
		s.Insert(testNote(model.SourceNostr, fmt.Sprintf("backlog%d", i), int64(100+i)))
	}
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, int64(104), s.List()[0].CreatedAt)

	s.MarkLive(model.SourceNostr)
	require.True(t, s.Insert(testNote(model.SourceNostr, "live1", 200)))
	require.True(t, s.Insert(testNote(model.SourceNostr, "live2", 201)))
	assert.Equal(t, 3, s.Len())
}

// TestInitialLoadRejectsOlderThanCandidate 验证 initial 阶段更旧的事件不会顶掉候选。
func TestInitialLoadRejectsOlderThanCandidate(t *testing.T) {
	s := New(10)

	require.True(t, s.Insert(testNote(model.SourceNostr, "newer", 200)))
	assert.False(t, s.Insert(testNote(model.SourceNostr, "older", 100)))
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, model.NoteID(model.SourceNostr, "newer"), s.List()[0].ID)
}

// TestInitialLoadPhaseIsPerSource 验证 initial 阶段按来源独立。
// 场景：来源 A 处于 initial，来源 B 已 live，两者互不影响。
func TestInitialLoadPhaseIsPerSource(t *testing.T) {
	s := New(10)
	s.MarkLive(model.SourceBluesky)

	s.Insert(testNote(model.SourceNostr, "a1", 100))
	s.Insert(testNote(model.SourceNostr, "a2", 101))
	s.Insert(testNote(model.SourceBluesky, "b1", 100))
	s.Insert(testNote(model.SourceBluesky, "b2", 101))

	// nostr 仍在 initial（只留 1 条），bluesky 正常追加（2 条）
	assert.Equal(t, 3, s.Len())
}

// TestNextUnreadReturnsOldestUnread 验证按到达顺序消费：oldest unread first。
func TestNextUnreadReturnsOldestUnread(t *testing.T) {
	s := New(10)
	s.MarkLive(model.SourceTest)

	s.Insert(testNote(model.SourceTest, "n1", 100))
	s.Insert(testNote(model.SourceTest, "n2", 200))
	s.Insert(testNote(model.SourceTest, "n3", 300))

	next := s.NextUnread()
	require.NotNil(t, next)
	assert.Equal(t, int64(100), next.CreatedAt)

	require.True(t, s.MarkRead(next.ID))
	next = s.NextUnread()
	require.NotNil(t, next)
	assert.Equal(t, int64(200), next.CreatedAt)
}

// TestNextUnreadReturnsCopy 验证 NextUnread 返回副本，外部修改不影响内部状态。
func TestNextUnreadReturnsCopy(t *testing.T) {
	s := New(10)
	s.MarkLive(model.SourceTest)
	s.Insert(testNote(model.SourceTest, "n1", 100))

	next := s.NextUnread()
	require.NotNil(t, next)
	next.Content = "mutated"

	assert.Equal(t, "hello n1", s.List()[0].Content)
}

// TestUnreadCountAndReset 验证未读计数与 Reset 清空。
func TestUnreadCountAndReset(t *testing.T) {
	s := New(10)
	s.MarkLive(model.SourceTest)

	s.Insert(testNote(model.SourceTest, "n1", 100))
	s.Insert(testNote(model.SourceTest, "n2", 200))
	assert.Equal(t, 2, s.Unread())

	s.MarkRead(model.NoteID(model.SourceTest, "n1"))
	assert.Equal(t, 1, s.Unread())

	s.Reset()
	assert.Equal(t, 0, s.Len())
	assert.Nil(t, s.NextUnread())

	// Reset 之后来源回到 initial 阶段
	s.Insert(testNote(model.SourceTest, "x1", 100))
	s.Insert(testNote(model.SourceTest, "x2", 101))
	assert.Equal(t, 1, s.Len())
}
