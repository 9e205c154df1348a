package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voicefeed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestLoadAppliesDefaults 验证缺省字段补齐默认值。
func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
nostr:
  enabled: true
  pubkey: "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 200, cfg.Store.Capacity)
	assert.Equal(t, "https://bsky.social", cfg.Bluesky.Host)
	assert.Equal(t, 15*time.Second, cfg.Bluesky.PollInterval)
	assert.Equal(t, 20, cfg.Bluesky.FetchLimit)
	assert.Equal(t, "ws://127.0.0.1:9720/stream", cfg.Bridge.URL)
	assert.Equal(t, "ja", cfg.Reader.DefaultLanguage)
	assert.Equal(t, 2*time.Second, cfg.Reader.MuteDwell)
	assert.Equal(t, "info", cfg.Logging.Level)
}

// TestLoadEnvOverridesSecrets 验证敏感信息优先取环境变量。
func TestLoadEnvOverridesSecrets(t *testing.T) {
	t.Setenv("BLUESKY_PASSWORD", "env-pw")
	t.Setenv("MISSKEY_TOKEN", "env-token")

	path := writeConfig(t, `
bluesky:
  enabled: true
  identifier: op.test
  password: file-pw
misskey:
  enabled: true
  host: misskey.example
  token: file-token
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-pw", cfg.Bluesky.Password)
	assert.Equal(t, "env-token", cfg.Misskey.Token)
}

// TestValidateRejectsIncompleteSources 验证启用来源缺必需字段时报错。
func TestValidateRejectsIncompleteSources(t *testing.T) {
	_, err := Load(writeConfig(t, `
nostr:
  enabled: true
`))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `
misskey:
  enabled: true
  host: misskey.example
`))
	assert.Error(t, err)
}

// TestValidateRequiresAtLeastOneSource 验证零来源配置直接拒绝。
func TestValidateRequiresAtLeastOneSource(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  port: 9000
`))
	assert.Error(t, err)
}

// TestLoadMissingFile 验证配置文件不存在时报错。
func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
