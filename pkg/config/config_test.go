package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/callcore/pkg/call"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "softphone.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 30*time.Second, cfg.Call.IncomingTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Call.SettleDelay)
	assert.Equal(t, 250*time.Millisecond, cfg.Call.ToneDuration)
	assert.Equal(t, 100*time.Millisecond, cfg.Call.ToneGap)
	assert.Equal(t, 180*time.Second, cfg.SIP.Expiry)
	assert.Equal(t, "udp", cfg.SIP.Transport)
	assert.Equal(t, 90*24*time.Hour, cfg.Retention())
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
sip:
  username: "5550001111"
  password: secret
  domain: sip.example.com
  transport: TCP
  listen_port: 5070
call:
  incoming_timeout: 45s
  settle_delay: 100ms
recordings:
  retention_days: 7
  schedule: "0 4 * * *"
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "5550001111", cfg.SIP.Username)
	assert.Equal(t, "sip.example.com", cfg.SIP.Domain)
	assert.Equal(t, "tcp", cfg.SIP.Transport)
	assert.Equal(t, 5070, cfg.SIP.ListenPort)
	assert.Equal(t, 45*time.Second, cfg.Call.IncomingTimeout)
	t.Logf("пауза перед записью поднимается до минимума")
	assert.Equal(t, 500*time.Millisecond, cfg.Call.SettleDelay)
	assert.Equal(t, 250*time.Millisecond, cfg.Call.ToneDuration, "значение по умолчанию")
	assert.Equal(t, 7*24*time.Hour, cfg.Retention())
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeFile(t, "sip:\n  username: \"5550001111\"\n  domain: sip.example.com\n")
	t.Setenv("SOFTPHONE_SIP_DOMAIN", "pbx.example.org")
	t.Setenv("SOFTPHONE_CALL_INCOMING_TIMEOUT", "10s")
	t.Setenv("SOFTPHONE_METRICS_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "pbx.example.org", cfg.SIP.Domain)
	assert.Equal(t, 10*time.Second, cfg.Call.IncomingTimeout)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "нет.yaml"))
	require.Error(t, err)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"транспорт", func(c *Config) { c.SIP.Transport = "sctp" }},
		{"порт", func(c *Config) { c.SIP.ListenPort = 70000 }},
		{"расписание", func(c *Config) { c.Recordings.Schedule = "каждый день" }},
		{"срок хранения", func(c *Config) { c.Recordings.RetentionDays = -1 }},
		{"формат логов", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SIP.Username = "5550001111"
	cfg.SIP.Domain = "sip.example.com"
	cfg.Call.IncomingTimeout = 20 * time.Second
	cfg.Recordings.RetentionDays = 14

	path := filepath.Join(t.TempDir(), "nested", "softphone.yaml")
	require.NoError(t, Save(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.SIP.Username, loaded.SIP.Username)
	assert.Equal(t, 20*time.Second, loaded.Call.IncomingTimeout)
	assert.Equal(t, 14, loaded.Recordings.RetentionDays)
}

func TestApplyCallAndAgent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SIP.Username = "5550001111"
	cfg.SIP.Domain = "sip.example.com"
	cfg.Call.IncomingTimeout = 12 * time.Second
	cfg.Metrics.Enabled = true
	require.NoError(t, cfg.Validate())

	var cc call.Config
	cfg.ApplyCall(&cc)
	assert.Equal(t, 12*time.Second, cc.IncomingTimeout)
	assert.True(t, cc.Metrics.Enabled)
	assert.Equal(t, "softphone", cc.Metrics.Namespace)

	ac := cfg.AgentConfig(nil)
	require.NoError(t, ac.Validate())
	assert.Equal(t, "sip.example.com:5060", ac.Server)
}

func TestNewLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"

	var buf bytes.Buffer
	log := cfg.NewLogger(&buf)
	log.Info(t.Context(), "не пишется")
	log.Warn(t.Context(), "пишется")
	assert.NotContains(t, buf.String(), "не пишется")
	assert.Contains(t, buf.String(), "пишется")
}
