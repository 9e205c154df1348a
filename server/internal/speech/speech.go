package speech

import "context"

// Engine 是语音引擎的控制契约。
// 引擎本体（OS TTS / 云端合成）是外部协作者，核心只关心控制面：
// Speak 阻塞到读完为止，ctx 取消意味着强制跳过（§ 超时竞速）。
type Engine interface {
	// Speak 朗读一段文本。lang 是 BCP-47 语言标签（如 "ja", "en"）。
	// 返回 nil 表示自然读完；ctx 取消或引擎错误都应尽快返回。
	Speak(ctx context.Context, text string, lang string) error
}

// Null 是不发声的引擎实现，读任何内容都立即完成。
// 用于没有可用引擎的环境与部分测试。
type Null struct{}

func (Null) Speak(ctx context.Context, text string, lang string) error {
	return ctx.Err()
}
