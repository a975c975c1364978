package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventpipe/componentregistry"
	"github.com/c360/eventpipe/config"
	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/parser"
	"github.com/c360/eventpipe/peerforwarder"
	"github.com/c360/eventpipe/plugin"
)

func writePipelines(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipelines.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func loadSpecs(t *testing.T, doc string) map[string]*parser.PipelineSpec {
	t.Helper()
	cfg, err := parser.FromYAML([]byte(doc))
	require.NoError(t, err)
	return cfg.Pipelines
}

func TestParseFlags_Defaults(t *testing.T) {
	cfg, err := parseFlags(nil)
	require.NoError(t, err)

	assert.Equal(t, "", cfg.ConfigPath)
	assert.Equal(t, "pipelines.yaml", cfg.PipelinesPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.False(t, cfg.Validate)
}

func TestParseFlags_EnvFallback(t *testing.T) {
	t.Setenv("EVENTPIPE_LOG_LEVEL", "debug")
	t.Setenv("EVENTPIPE_SHUTDOWN_TIMEOUT", "5s")

	cfg, err := parseFlags([]string{"--log-format=text"})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
}

func TestParseFlags_Unknown(t *testing.T) {
	_, err := parseFlags([]string{"--no-such-flag"})
	assert.Error(t, err)
}

func TestValidateFlags(t *testing.T) {
	pipelines := writePipelines(t, "p:\n  source:\n    random: {}\n  sink:\n    - stdout: {}\n")

	valid := func() *CLIConfig {
		return &CLIConfig{
			PipelinesPath:   pipelines,
			LogLevel:        "info",
			LogFormat:       "json",
			ShutdownTimeout: time.Second,
		}
	}

	require.NoError(t, validateFlags(valid()))

	cfg := valid()
	cfg.PipelinesPath = filepath.Join(t.TempDir(), "missing.yaml")
	assert.ErrorContains(t, validateFlags(cfg), "pipelines not found")

	cfg = valid()
	cfg.ConfigPath = filepath.Join(t.TempDir(), "missing.yaml")
	assert.ErrorContains(t, validateFlags(cfg), "config file not found")

	cfg = valid()
	cfg.LogLevel = "trace"
	assert.ErrorContains(t, validateFlags(cfg), "invalid log level")

	cfg = valid()
	cfg.LogFormat = "xml"
	assert.ErrorContains(t, validateFlags(cfg), "invalid log format")

	cfg = valid()
	cfg.ShutdownTimeout = 0
	assert.ErrorContains(t, validateFlags(cfg), "invalid shutdown timeout")

	// version short-circuits the checks
	cfg = valid()
	cfg.LogLevel = "trace"
	cfg.ShowVersion = true
	assert.NoError(t, validateFlags(cfg))
}

func TestLoadConfig_DefaultsWithoutPath(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultMetricsPort, cfg.Metrics.Port)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestValidatePipelines(t *testing.T) {
	registry := plugin.NewRegistry()
	require.NoError(t, componentregistry.Register(registry))

	t.Run("known plugins and connectors", func(t *testing.T) {
		specs := loadSpecs(t, `
entry:
  source:
    random:
      rate: 10
  processor:
    - add_entries:
        entries:
          - key: env
            value: test
  sink:
    - pipeline:
        name: exit
exit:
  source:
    pipeline:
      name: entry
  sink:
    - stdout: {}
`)
		assert.NoError(t, validatePipelines(registry, specs))
	})

	t.Run("unknown plugin", func(t *testing.T) {
		specs := loadSpecs(t, `
p:
  source:
    random: {}
  processor:
    - grok: {}
  sink:
    - stdout: {}
`)
		err := validatePipelines(registry, specs)
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrUnknownPlugin)
		assert.Contains(t, err.Error(), "grok")
	})
}

func TestNeedsNATS(t *testing.T) {
	plain := loadSpecs(t, "p:\n  source:\n    random: {}\n  sink:\n    - stdout: {}\n")
	natsSink := loadSpecs(t, "p:\n  source:\n    random: {}\n  sink:\n    - nats:\n        subject: out\n")
	natsSource := loadSpecs(t, "p:\n  source:\n    nats:\n      subject: in\n  sink:\n    - stdout: {}\n")

	cfg := config.Default()
	assert.False(t, needsNATS(cfg, plain))
	assert.True(t, needsNATS(cfg, natsSink))
	assert.True(t, needsNATS(cfg, natsSource))

	cfg.PeerForwarder.Transport = peerforwarder.TransportNATS
	assert.True(t, needsNATS(cfg, plain))

	cfg = config.Default()
	cfg.PeerForwarder.DiscoveryMode = peerforwarder.DiscoveryRegistry
	assert.True(t, needsNATS(cfg, plain))
}

func TestSetupLogger(t *testing.T) {
	for _, format := range []string{"json", "text"} {
		logger := setupLogger("debug", format)
		require.NotNil(t, logger)
		assert.True(t, logger.Enabled(t.Context(), -4))
	}
	logger := setupLogger("warn", "json")
	assert.False(t, logger.Enabled(t.Context(), 0))
}
