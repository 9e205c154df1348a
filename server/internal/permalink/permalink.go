package permalink

import (
	"fmt"
	"strings"

	"voicefeed/server/internal/model"

	"github.com/nbd-wtf/go-nostr/nip19"
)

// PlatformID 从 source-qualified id 还原平台侧原始 id。
func PlatformID(n *model.Note) string {
	return strings.TrimPrefix(n.ID, string(n.Source)+":")
}

// ForNote 按来源构造一条笔记的 permalink。
// 构造不出来（桥接来源、编码失败）时返回空串。
func ForNote(n *model.Note, misskeyHost string) string {
	switch n.Source {
	case model.SourceNostr:
		// 中继协议用 bech32 地址编码（note1...）
		encoded, err := nip19.EncodeNote(PlatformID(n))
		if err != nil {
			return ""
		}
		return "https://njump.me/" + encoded

	case model.SourceBluesky:
		// 平台 id 是 at-uri：at://<did>/app.bsky.feed.post/<rkey>
		rkey := lastSegment(PlatformID(n))
		if rkey == "" {
			return ""
		}
		who := n.AuthorHandle
		if who == "" {
			who = n.AuthorID
		}
		return fmt.Sprintf("https://bsky.app/profile/%s/post/%s", who, rkey)

	case model.SourceMisskey:
		if misskeyHost == "" {
			return ""
		}
		return fmt.Sprintf("https://%s/notes/%s", misskeyHost, PlatformID(n))

	default:
		return ""
	}
}

// ForAuthor 构造作者主页地址（中继协议用 npub 编码）。
func ForAuthor(n *model.Note, misskeyHost string) string {
	switch n.Source {
	case model.SourceNostr:
		encoded, err := nip19.EncodePublicKey(n.AuthorID)
		if err != nil {
			return ""
		}
		return "https://njump.me/" + encoded

	case model.SourceBluesky:
		who := n.AuthorHandle
		if who == "" {
			who = n.AuthorID
		}
		return "https://bsky.app/profile/" + who

	case model.SourceMisskey:
		if misskeyHost == "" || n.AuthorHandle == "" {
			return ""
		}
		return fmt.Sprintf("https://%s/@%s", misskeyHost, n.AuthorHandle)

	default:
		return ""
	}
}

func lastSegment(uri string) string {
	idx := strings.LastIndex(uri, "/")
	if idx < 0 || idx == len(uri)-1 {
		return ""
	}
	return uri[idx+1:]
}
