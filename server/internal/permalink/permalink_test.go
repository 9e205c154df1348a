package permalink

import (
	"strings"
	"testing"

	"voicefeed/server/internal/model"

	"github.com/stretchr/testify/assert"
)

// TestForNoteNostrUsesBech32Address 验证中继来源的 permalink 使用 bech32 编码。
func TestForNoteNostrUsesBech32Address(t *testing.T) {
	n := &model.Note{
		ID:       model.NoteID(model.SourceNostr, "5c83da77af1dec6d7289834998ad7aafbd9e2191396d75ec3cc27f5a77226f36"),
		Source:   model.SourceNostr,
		AuthorID: "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d",
	}

	url := ForNote(n, "")
	assert.True(t, strings.HasPrefix(url, "https://njump.me/note1"), "got %q", url)

	author := ForAuthor(n, "")
	assert.True(t, strings.HasPrefix(author, "https://njump.me/npub1"), "got %q", author)
}

// TestForNoteBlueskyExtractsRKey 验证 at-uri 中的 rkey 与 handle 拼出 bsky.app 链接。
func TestForNoteBlueskyExtractsRKey(t *testing.T) {
	n := &model.Note{
		ID:           model.NoteID(model.SourceBluesky, "at://did:plc:abc123/app.bsky.feed.post/3kxyz"),
		Source:       model.SourceBluesky,
		AuthorID:     "did:plc:abc123",
		AuthorHandle: "alice.bsky.social",
	}

	assert.Equal(t, "https://bsky.app/profile/alice.bsky.social/post/3kxyz", ForNote(n, ""))
}

// TestForNoteBlueskyFallsBackToDID 验证没有 handle 时退回 did。
func TestForNoteBlueskyFallsBackToDID(t *testing.T) {
	n := &model.Note{
		ID:       model.NoteID(model.SourceBluesky, "at://did:plc:abc123/app.bsky.feed.post/3kxyz"),
		Source:   model.SourceBluesky,
		AuthorID: "did:plc:abc123",
	}

	assert.Equal(t, "https://bsky.app/profile/did:plc:abc123/post/3kxyz", ForNote(n, ""))
}

// TestForNoteMisskeyUsesHost 验证 misskey 链接由配置的 host 构成。
func TestForNoteMisskeyUsesHost(t *testing.T) {
	n := &model.Note{
		ID:     model.NoteID(model.SourceMisskey, "9abcdef"),
		Source: model.SourceMisskey,
	}

	assert.Equal(t, "https://misskey.io/notes/9abcdef", ForNote(n, "misskey.io"))
	assert.Equal(t, "", ForNote(n, ""))
}

// TestForNoteBridgeHasNoPermalink 验证桥接来源没有 permalink。
func TestForNoteBridgeHasNoPermalink(t *testing.T) {
	n := &model.Note{
		ID:     model.NoteID(model.SourceBridge, "42"),
		Source: model.SourceBridge,
	}

	assert.Equal(t, "", ForNote(n, ""))
}
