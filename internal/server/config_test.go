package server

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
device:
  model: Zet
  port: /dev/ttyACM3
acquisition:
  read_timeout_ms: 5
  window_seconds: 2.5
  auto_read: true
recording:
  dir: /data/rec
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg := LoadConfig(path)
	assert.Equal(t, "Zet", cfg.Device.Model)
	assert.Equal(t, "/dev/ttyACM3", cfg.Device.Port)
	assert.Equal(t, "/dev/ttyACM", cfg.Device.PortPrefix, "unset fields keep defaults")
	assert.Equal(t, "/data/rec", cfg.Recording.Dir)

	mc := cfg.MachineConfig()
	assert.Equal(t, 5*time.Millisecond, mc.ReadTimeout)
	assert.True(t, mc.AutoRead)
	assert.Equal(t, 2500*time.Millisecond, cfg.StoreConfig().Span)

	p, err := cfg.Profile()
	require.NoError(t, err)
	assert.Equal(t, 256, p.FrameSize)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Equal(t, DefaultConfig().Device, cfg.Device)
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("# comment\nRECORD_DIR=\"/from/env\"\nDEVICE_MODEL=Pro\n"), 0644))
	t.Setenv("DEVICE_MODEL", "Mini")
	t.Setenv("RECORD_DIR", "")
	t.Setenv("DEMO", "true")
	t.Setenv("PORT_PREFIX", "/dev/ttyUSB")

	cfg := LoadConfig(filepath.Join(dir, "config.yaml"))
	assert.Equal(t, "Mini", cfg.Device.Model, "real env wins over .env")
	assert.Equal(t, "/from/env", cfg.Recording.Dir)
	assert.True(t, cfg.Device.Demo)
	assert.Equal(t, "/dev/ttyUSB", cfg.Device.PortPrefix)
	assert.Equal(t, "", cfg.MachineConfig().PortPrefix, "demo lists every port")
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Device.Model = "Ultra"
	cfg.Acquisition.ReadTimeoutMs = 0
	cfg.Logging.Level = "loud"

	err := cfg.Validate()
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	require.Len(t, verrs, 3)
	assert.Equal(t, "device.model", verrs[0].Field)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestUpdateFromJSON(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.UpdateFromJSON([]byte(`{"device":{"model":"GoStress"}}`)))
	assert.Equal(t, "GoStress", cfg.Device.Model)
	assert.Equal(t, "/dev/ttyACM0", cfg.Device.Port, "merge keeps siblings")

	err := cfg.UpdateFromJSON([]byte(`{"acquisition":{"windowSeconds":-1}}`))
	assert.Error(t, err)
	assert.Equal(t, 5.0, cfg.Acquisition.WindowSeconds, "invalid update rolled back")

	assert.Error(t, cfg.UpdateFromJSON([]byte(`{`)))
}

func TestSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := DefaultConfig()
	cfg.path = path
	cfg.Device.Model = "Zet"
	require.NoError(t, cfg.Save())

	again := LoadConfig(path)
	assert.Equal(t, "Zet", again.Device.Model)
}
