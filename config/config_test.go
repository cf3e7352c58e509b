package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/dynslice/slicing"
	"github.com/chazu/dynslice/tracer"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	tomlContent := `
[trace]
strategy = "compressed"
block-size = 4096
output = "out/run.trace"

[analysis]
parallel = true
control = false
direction = "forward"

[log]
verbosity = 2
file = "dynslice.log"

[export]
driver = "duckdb"
dsn = "graph.duckdb"
`
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(tomlContent), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, c.Path)
	assert.Equal(t, "compressed", c.Trace.Strategy)
	assert.Equal(t, 4096, c.Trace.BlockSize)
	assert.Equal(t, tracer.DefaultSwitchThreshold, c.Trace.SwitchThreshold, "unset keys keep their defaults")
	assert.True(t, c.Analysis.Parallel)
	assert.True(t, c.Analysis.Data)
	assert.False(t, c.Analysis.Control)
	assert.Equal(t, 2, c.Log.Verbosity)
	assert.Equal(t, "duckdb", c.Export.Driver)

	opts, err := c.TracerOptions()
	require.NoError(t, err)
	assert.Equal(t, tracer.StrategyCompressed, opts.Strategy)
	assert.Equal(t, 4096, opts.BlockSize)

	so, err := c.SliceOptions()
	require.NoError(t, err)
	assert.Equal(t, slicing.Options{Direction: slicing.Forward, Data: true}, so)
	assert.True(t, c.EngineOptions().Parallel)
}

func TestDefaultsValidate(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	var empty Config
	empty.Normalize()
	assert.Equal(t, Default().Trace, empty.Trace)
	assert.Equal(t, Default().Export, empty.Export)
	require.NoError(t, empty.Validate())
}

func TestSchemaRejects(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"strategy", `trace.strategy = "gzip"`},
		{"threshold", `trace.switch-threshold = -5`},
		{"block size", `trace.block-size = 100`},
		{"direction", `analysis.direction = "sideways"`},
		{"verbosity", `log.verbosity = 9`},
		{"driver", `export.driver = "postgres"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("test.toml", []byte(tt.toml))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestParseError(t *testing.T) {
	_, err := Parse("broken.toml", []byte("[trace\nstrategy ="))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "broken.toml")
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, FileName), []byte(`trace.strategy = "uncompressed"`), 0644))

	c, err := FindAndLoad(nested)
	require.NoError(t, err)
	assert.Equal(t, "uncompressed", c.Trace.Strategy)
	assert.Equal(t, filepath.Join(root, FileName), c.Path)

	_, err = Load(filepath.Join(root, "missing.toml"))
	assert.Error(t, err)
}
