package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
panel:
  device:
    width: 3200
    height: 1800
  update:
    interval: 120
  sources:
    - name: rain_cloud
      url: https://example.com/radar.png
      x: 0
      y: 0
      width: 1600
      height: 900
      timeout: 30
    - name: filler
      x: 1600
      y: 0
      width: 1600
      height: 900
display:
  host: rasp-meter-1
  key_file: key/panel.id_rsa
liveness:
  file: /dev/shm/healthz/display
metrics:
  file: data/metrics.jsonl
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 3200, cfg.Panel.Device.Width)
	assert.Equal(t, 120*time.Second, cfg.Interval())
	assert.Len(t, cfg.Panel.Sources, 2)
	assert.Equal(t, "rasp-meter-1", cfg.Display.Host)
	assert.Equal(t, "/dev/shm/healthz/display", cfg.Liveness.File)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, defaultSSHPort, cfg.Display.Port)
	assert.Equal(t, defaultSSHUser, cfg.Display.User)
	assert.Equal(t, defaultInitialEstimateSec, cfg.Timing.InitialEstimateSec)
	assert.Equal(t, defaultObservationNoise, cfg.Timing.ObservationNoise)
}

func TestLoad_TimingControllerConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	tc := cfg.TimingControllerConfig()
	assert.Equal(t, 120*time.Second, tc.Interval)
	assert.Equal(t, 3*time.Second, tc.InitialEstimate)
	assert.Equal(t, 0.25, tc.ObservationNoise)
}

func TestLoad_MissingInterval(t *testing.T) {
	bad := `
panel:
  device:
    width: 3200
    height: 1800
  update:
    target_second: 0
`
	_, err := Load(writeConfig(t, bad))
	assert.Error(t, err)
}

func TestLoad_BadSourceGeometry(t *testing.T) {
	bad := `
panel:
  device:
    width: 3200
    height: 1800
  update:
    interval: 60
  sources:
    - name: broken
      width: 0
      height: 100
`
	_, err := Load(writeConfig(t, bad))
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "panel: [broken"))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("WP_HOSTNAME", "rasp-display-2")
	t.Setenv("WP_SSH_KEY", "/run/secrets/panel_key")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "rasp-display-2", cfg.Display.Host)
	assert.Equal(t, "/run/secrets/panel_key", cfg.Display.KeyFile)
}
