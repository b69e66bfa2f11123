package biz

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claby2/ebpfcca/config"
	"github.com/claby2/ebpfcca/plugin"
)

func TestNewPlugins(t *testing.T) {
	settings := config.Default()
	settings.TapStdout = true
	settings.TapFileDir = []string{t.TempDir()}

	plugins, err := NewPlugins(&settings)
	require.NoError(t, err)
	require.Len(t, plugins.Sinks, 2)
	assert.IsType(t, &plugin.StdOutput{}, plugins.Sinks[0])
	assert.IsType(t, &plugin.FileDirOutput{}, plugins.Sinks[1])
	assert.Len(t, plugins.All, 2)
}

func TestNewPluginsBadDir(t *testing.T) {
	settings := config.Default()
	settings.TapFileDir = []string{filepath.Join(t.TempDir(), "missing")}
	_, err := NewPlugins(&settings)
	assert.Error(t, err)
}

func TestRegisterPluginError(t *testing.T) {
	plugins := new(Plugins)
	err := plugins.registerPlugin(func(name string) (*testSink, error) {
		return nil, errors.New("no broker " + name)
	}, "x")
	assert.EqualError(t, err, "no broker x")
	assert.Empty(t, plugins.All)

	require.NoError(t, plugins.registerPlugin(func() (*testSink, error) { return &testSink{}, nil }))
	assert.Len(t, plugins.Sinks, 1)
}
