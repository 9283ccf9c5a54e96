package config

import (
	"path/filepath"
	"testing"

	"github.com/magiconair/properties"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropertiesFileOverlay(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", "agent:\n  properties_file: agent.properties\n")
	writeFile(t, dir, "agent.properties", `
LOGGER = debug
LOGGER.scheduler = warn
LOGFILE = logs/agent.log
LOGFILE.append = true
watchResources = res, more ;
disabledPlugins = hotswapper
autoHotswap = false
custom.key = hello
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Service.LogLevel)
	assert.Equal(t, "warn", cfg.Service.LogLevels["scheduler"])
	assert.Equal(t, filepath.Join(dir, "logs", "agent.log"), cfg.Service.LogFile)
	assert.True(t, cfg.Service.LogAppend)
	assert.Equal(t, []string{filepath.Join(dir, "res"), filepath.Join(dir, "more")}, cfg.Agent.WatchResources)
	assert.Equal(t, []string{"hotswapper"}, cfg.Agent.DisabledPlugins)
	assert.False(t, cfg.Agent.AutoHotswap)
	assert.Equal(t, "hello", cfg.Properties.MustGetString("custom.key"))
}

func TestApplyPropertiesRejectsBadBool(t *testing.T) {
	cfg := Defaults()
	err := ApplyProperties(cfg, properties.MustLoadString("autoHotswap = maybe\n"))
	require.Error(t, err)
	assert.True(t, cfg.Agent.AutoHotswap)
}

func TestUnitProperties(t *testing.T) {
	global := properties.MustLoadString("a = 1\nb = 2\n")

	root := t.TempDir()
	writeFile(t, root, UnitPropertiesFile, "b = 3\nc = 4\n")

	p, err := UnitProperties(global, root)
	require.NoError(t, err)
	assert.Equal(t, "1", p.MustGetString("a"))
	assert.Equal(t, "3", p.MustGetString("b"))
	assert.Equal(t, "4", p.MustGetString("c"))
	assert.Equal(t, "2", global.MustGetString("b"))

	p, err = UnitProperties(global, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "2", p.MustGetString("b"))
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SplitList(" a, b;;c ,"))
	assert.Empty(t, SplitList(""))
}
