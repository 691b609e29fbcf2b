package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lisuiheng/pawire-go/core"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
audio:
  backend: virtual
  input_device: virtual-in
  buffer_depth: 5
  frame_duration: 20
  frames_per_block: 64
status:
  listen_addr: 127.0.0.1:8089
  interval: 500ms
start:
  retries: 2
logging:
  level: debug
  format: json
  outputs: [stdout]
`)

	cfg, err := loadConfig(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "virtual", cfg.Audio.Backend)
	assert.Equal(t, "virtual-in", cfg.Audio.InputDevice)
	assert.Equal(t, 5, cfg.Audio.BufferDepth)
	assert.Equal(t, 20*time.Millisecond, cfg.FrameDuration())
	assert.Equal(t, "127.0.0.1:8089", cfg.Status.ListenAddr)
	assert.Equal(t, 500*time.Millisecond, cfg.StatusInterval())
	assert.Equal(t, 2, cfg.Start.Retries)
	assert.Equal(t, []string{"stdout"}, cfg.Logging.Outputs)
	assert.Equal(t, 64, cfg.Audio.FramesPerBlock)

	logCfg := loggerConfig(viper.New(), cfg)
	assert.Equal(t, "json", logCfg.Format)
	assert.Equal(t, "debug", logCfg.Level)
}

func TestFlagsOverrideBlockSizeAndLogFormat(t *testing.T) {
	t.Chdir(t.TempDir())

	v := viper.New()
	cmd := newRootCmd(v)
	run, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)
	require.NoError(t, run.Flags().Set("frames-per-block", "64"))
	require.NoError(t, cmd.PersistentFlags().Set("log-format", "json"))

	cfg, err := loadConfig(v, "")
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Audio.FramesPerBlock)
	assert.Equal(t, "json", loggerConfig(v, cfg).Format)
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := loadConfig(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "malgo", cfg.Audio.Backend)
	assert.Equal(t, 10*time.Millisecond, cfg.FrameDuration())
	assert.Equal(t, time.Second, cfg.StatusInterval())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Zero(t, cfg.Audio.FramesPerBlock)
}

func TestLoadConfig_Env(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PAWIRE_AUDIO_BUFFER_DEPTH", "7")
	t.Setenv("PAWIRE_AUDIO_BACKEND", "virtual")

	cfg, err := loadConfig(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Audio.BufferDepth)
	assert.Equal(t, "virtual", cfg.Audio.Backend)
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := loadConfig(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestDevicesCommand(t *testing.T) {
	t.Chdir(t.TempDir())

	cmd := newRootCmd(viper.New())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"devices", "--backend", "virtual"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Backend: virtual, 2 devices")
	assert.Contains(t, out.String(), "[virtual-in] input")
	assert.Contains(t, out.String(), "Virtual Speaker")
}

func TestRunCommand_StartFailure(t *testing.T) {
	t.Chdir(t.TempDir())

	cmd := newRootCmd(viper.New())
	cmd.SetArgs([]string{"run", "--backend", "virtual", "--input", "missing"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, "DeviceNotFoundError", core.ErrorKind(err))
}

func TestRunCommand_CleanShutdown(t *testing.T) {
	t.Chdir(t.TempDir())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	cmd := newRootCmd(viper.New())
	cmd.SetArgs([]string{"run", "--backend", "virtual", "--status-addr", "127.0.0.1:0"})
	require.NoError(t, cmd.ExecuteContext(ctx))
}
