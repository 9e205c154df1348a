package model

import "fmt"

// Source 标识一条笔记来自哪个平台。
// 下游根据 Source 决定使用哪个平台身份字段与 permalink 构造规则。
type Source string

const (
	// SourceNostr 去中心化中继协议（nostr）。
	SourceNostr Source = "nostr"
	// SourceBluesky 轮询式 REST 平台（bluesky）。
	SourceBluesky Source = "bluesky"
	// SourceMisskey 推送式流平台 A（misskey）。
	SourceMisskey Source = "misskey"
	// SourceBridge 经由伴生桥接进程转发的流平台 B。
	SourceBridge Source = "bridge"
	// SourceTest 测试/合成来源。
	SourceTest Source = "test"
)

// NoteID 生成跨平台唯一的 source-qualified id。
// 约定：同一平台内 platformID 唯一，前缀保证跨平台不冲突。
func NoteID(source Source, platformID string) string {
	return fmt.Sprintf("%s:%s", source, platformID)
}

// Note 是统一存储中的一条笔记。
// 生命周期：只由 adapter 创建（有正文、非回复/转发/回应），
// 只被 store 的合并步骤（去重）和 scheduler（read 标记）修改。
type Note struct {
	// ID 是 source-qualified id，整个 store 内唯一。
	ID string `json:"id"`
	// Source 决定下游的身份字段与 permalink 规则。
	Source Source `json:"source"`

	AuthorID          string `json:"author_id"`
	AuthorDisplayName string `json:"author_display_name,omitempty"`
	AuthorHandle      string `json:"author_handle,omitempty"`
	AuthorAvatarURL   string `json:"author_avatar_url,omitempty"`

	Content string `json:"content"`
	// CreatedAt 是平台自报的 epoch 秒。跨平台时钟偏差不做纠正。
	CreatedAt int64 `json:"created_at"`
	// Read 一旦置为 true，在会话内不会再变回 false。
	Read bool `json:"read"`
}

// AuthorProfile 是懒加载的作者档案缓存项。
// 生命周期 = 会话：stop 时整体清空。
type AuthorProfile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	ShortName   string `json:"short_name"`
	AvatarURL   string `json:"avatar_url"`
}

// SourceEventType 表示 adapter 事件流中的事件类型。
type SourceEventType string

const (
	// EventNote 一条合格笔记到达。
	EventNote SourceEventType = "note"
	// EventOpened 连接/订阅建立成功（或启动握手完成）。
	EventOpened SourceEventType = "opened"
	// EventClosed 连接关闭（adapter 自己负责重连）。
	EventClosed SourceEventType = "closed"
	// EventError adapter 内部错误（降级处理，不致命）。
	EventError SourceEventType = "error"
)

// SourceEvent 是所有 adapter 输出的统一事件（tagged union）。
// 会话编排器通过单一 merge point 消费，保证顺序与取消语义显式可控。
type SourceEvent struct {
	Source Source
	Type   SourceEventType
	// Note 仅在 Type == EventNote 时非空。
	Note *Note
	// Err 仅在 Type == EventError 时非空。
	Err error
}
