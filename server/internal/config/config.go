package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Tokens  TokensConfig  `yaml:"tokens"`
	Nostr   NostrConfig   `yaml:"nostr"`
	Bluesky BlueskyConfig `yaml:"bluesky"`
	Misskey MisskeyConfig `yaml:"misskey"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Reader  ReaderConfig  `yaml:"reader"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type StoreConfig struct {
	// Capacity 超出后按 createdAt 最旧先淘汰，默认 200。
	Capacity int `yaml:"capacity"`
}

type TokensConfig struct {
	// Path sqlite 文件路径，保存各平台的 session token 记录。
	Path string `yaml:"path"`
}

// NostrConfig 中继协议来源配置
type NostrConfig struct {
	Enabled bool `yaml:"enabled"`
	// PubKey 操作者自己的公钥（hex 或 npub）。
	PubKey string `yaml:"pubkey"`
	// BootstrapRelays 用于解析 relay list 的引导中继。
	BootstrapRelays []string `yaml:"bootstrap_relays"`
	// FallbackRelays 解析失败时的静态兜底中继（按 locale 预选）。
	FallbackRelays []string `yaml:"fallback_relays"`
}

// BlueskyConfig 轮询平台来源配置
type BlueskyConfig struct {
	Enabled bool `yaml:"enabled"`
	// Host 服务端点，默认 https://bsky.social。
	Host       string `yaml:"host"`
	Identifier string `yaml:"identifier"`
	Password   string `yaml:"password"`
	// PollInterval 轮询周期，默认 15s。
	PollInterval time.Duration `yaml:"poll_interval"`
	// FetchLimit 全量拉取的单页条数，默认 20。
	FetchLimit int `yaml:"fetch_limit"`
}

// MisskeyConfig 流平台 A 来源配置
type MisskeyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Token   string `yaml:"token"`
}

// BridgeConfig 流平台 B（伴生桥接进程）来源配置
type BridgeConfig struct {
	Enabled bool `yaml:"enabled"`
	// URL 桥接进程的私有流地址，默认 ws://127.0.0.1:9720/stream。
	URL string `yaml:"url"`
	// SelfID 操作者在被桥接平台上的账号 id（自发帖去重用，可空）。
	SelfID string `yaml:"self_id"`
}

// ReaderConfig 朗读调度器配置
type ReaderConfig struct {
	// LanguageOverride 会话级语言覆盖（最高优先）。
	LanguageOverride string `yaml:"language_override"`
	// FixedLanguage 自动检测失败时的固定语言。
	FixedLanguage string `yaml:"fixed_language"`
	// DefaultLanguage 环境默认语言，默认 "ja"。
	DefaultLanguage string `yaml:"default_language"`
	// ReadTimeout 单条朗读的硬超时，0 表示不限制。
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// MuteDwell 静音模式下每条消耗的停留时间，默认 2s。
	MuteDwell time.Duration `yaml:"mute_dwell"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load 从文件加载配置，并用环境变量覆盖敏感信息。
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// 敏感信息优先取环境变量，避免写进配置文件
	if v := os.Getenv("BLUESKY_PASSWORD"); v != "" {
		cfg.Bluesky.Password = v
	}
	if v := os.Getenv("MISSKEY_TOKEN"); v != "" {
		cfg.Misskey.Token = v
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Store.Capacity == 0 {
		c.Store.Capacity = 200
	}
	if c.Tokens.Path == "" {
		c.Tokens.Path = "voicefeed-tokens.db"
	}
	if c.Bluesky.Host == "" {
		c.Bluesky.Host = "https://bsky.social"
	}
	if c.Bluesky.PollInterval == 0 {
		c.Bluesky.PollInterval = 15 * time.Second
	}
	if c.Bluesky.FetchLimit == 0 {
		c.Bluesky.FetchLimit = 20
	}
	if c.Bridge.URL == "" {
		c.Bridge.URL = "ws://127.0.0.1:9720/stream"
	}
	if c.Reader.DefaultLanguage == "" {
		c.Reader.DefaultLanguage = "ja"
	}
	if c.Reader.MuteDwell == 0 {
		c.Reader.MuteDwell = 2 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate 验证启用的来源都有必需字段。
func (c *Config) Validate() error {
	if c.Nostr.Enabled && c.Nostr.PubKey == "" {
		return fmt.Errorf("nostr enabled but pubkey is empty")
	}
	if c.Bluesky.Enabled && c.Bluesky.Identifier == "" {
		return fmt.Errorf("bluesky enabled but identifier is empty")
	}
	if c.Misskey.Enabled && (c.Misskey.Host == "" || c.Misskey.Token == "") {
		return fmt.Errorf("misskey enabled but host/token is empty")
	}
	if !c.Nostr.Enabled && !c.Bluesky.Enabled && !c.Misskey.Enabled && !c.Bridge.Enabled {
		return fmt.Errorf("no source enabled")
	}
	return nil
}
