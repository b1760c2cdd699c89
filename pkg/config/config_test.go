package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile_Defaults(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, "logging:\n  level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, 0.83, cfg.Router.ConfidenceThreshold)
	assert.Equal(t, time.Hour, cfg.Router.HandoverTTL)
	assert.Equal(t, time.Second, cfg.OpenAI.PollInterval)
	assert.Equal(t, 30, cfg.OpenAI.PollMaxRetries)
	assert.Equal(t, 3*time.Second, cfg.Buffer.Timeout)
	assert.Equal(t, []string{"轉人工", "人工客服", "真人", "客服"}, cfg.Router.HandoverKeywords)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.False(t, cfg.Server.IsDevelopment())
}

func TestLoadFile_FileOverridesAndDurations(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, `
server:
  environment: development
buffer:
  timeout: 1500ms
  maxFragments: 3
router:
  confidenceThreshold: 0.9
`))
	require.NoError(t, err)

	assert.True(t, cfg.Server.IsDevelopment())
	assert.Equal(t, 1500*time.Millisecond, cfg.Buffer.Timeout)
	assert.Equal(t, 3, cfg.Buffer.MaxFragments)
	assert.Equal(t, 0.9, cfg.Router.ConfidenceThreshold)
}

func TestLoadFile_LegacyEnv(t *testing.T) {
	t.Setenv("LINE_CHANNEL_SECRET", "legacy-secret")
	t.Setenv("LINE_RELAY_LINE_CHANNELACCESSTOKEN", "prefixed-token")

	cfg, err := LoadFile(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, "legacy-secret", cfg.Line.ChannelSecret)
	assert.Equal(t, "prefixed-token", cfg.Line.ChannelAccessToken)
}

func TestValidate(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line.channelSecret")

	cfg.Line.ChannelAccessToken = "t"
	cfg.Line.ChannelSecret = "s"
	cfg.OpenAI.APIKey = "k"
	cfg.OpenAI.AssistantID = "asst"
	require.NoError(t, cfg.Validate())

	cfg.Storage.Driver = "postgres"
	assert.Error(t, cfg.Validate())

	cfg.Postgres.DSN = "postgres://localhost/relay"
	assert.NoError(t, cfg.Validate())

	cfg.Router.ConfidenceThreshold = 1.5
	assert.Error(t, cfg.Validate())
}
