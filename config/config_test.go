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
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.DNSTimeout)
	assert.Equal(t, 2, cfg.DNSRetry)
	assert.Equal(t, "entry", cfg.HeaderIndentStyle)
	assert.Equal(t, 4, cfg.HeaderIndentBy)
	assert.Equal(t, "gochannel", cfg.Audit.Transport)
	assert.False(t, cfg.TempfailOnError)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
debug: true
hostname: mx.example.com
connect_timeout: 5
tempfail_on_error: true
load_handlers: [LocalIP, SPF]
ip_map:
  "198.51.100.0/24":
    ip: 192.0.2.5
    helo: masked.example
handlers:
  SPF:
    reject_on_fail: true
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.True(t, cfg.Debug)
	assert.Equal(t, "mx.example.com", cfg.Hostname)
	assert.Equal(t, []string{"LocalIP", "SPF"}, cfg.LoadHandlers)
	assert.True(t, cfg.TempfailOnError)

	require.Contains(t, cfg.IPMap, "198.51.100.0/24")
	assert.Equal(t, "192.0.2.5", cfg.IPMap["198.51.100.0/24"].IP)
	assert.Equal(t, "masked.example", cfg.IPMap["198.51.100.0/24"].Helo)

	section := cfg.HandlerConfig("SPF", map[string]any{"reject_on_fail": false, "lookup_timeout": 8})
	assert.Equal(t, true, section["reject_on_fail"], "file value wins over default")
	assert.Equal(t, 8, section["lookup_timeout"], "default fills the gap")
}

func TestTypeTimeout(t *testing.T) {
	cfg := &Config{ConnectTimeout: 5, CommandTimeout: 10, ContentTimeout: 20}
	assert.Equal(t, 5*time.Second, cfg.TypeTimeout(TimeoutConnect))
	assert.Equal(t, 10*time.Second, cfg.TypeTimeout(TimeoutCommand))
	assert.Equal(t, 20*time.Second, cfg.TypeTimeout(TimeoutContent))
	assert.Equal(t, time.Duration(0), cfg.TypeTimeout(TimeoutAddHeader),
		"zero means unlimited")
}

func TestValidateAudit(t *testing.T) {
	cfg := &Config{Audit: AuditConfig{Transport: "amqp"}}
	assert.Error(t, cfg.Validate(), "amqp needs a uri")

	cfg = &Config{Audit: AuditConfig{Transport: "amqp", AMQPURI: "amqp://localhost"}}
	assert.NoError(t, cfg.Validate())

	cfg = &Config{Audit: AuditConfig{Transport: "carrier-pigeon"}}
	assert.Error(t, cfg.Validate())
}

type upperProcessor struct{}

func (upperProcessor) HandlerConfig(_ string, cfg map[string]any) {
	cfg["injected"] = true
}

func TestHandlerConfigProcessorHook(t *testing.T) {
	cfg := &Config{Handlers: map[string]map[string]any{"SPF": {"a": 1}}}
	cfg.SetCallbackProcessor(upperProcessor{})

	section := cfg.HandlerConfig("SPF", nil)
	assert.Equal(t, true, section["injected"])

	// The hook worked on a clone; the stored section is untouched.
	assert.NotContains(t, cfg.Handlers["SPF"], "injected")
}
