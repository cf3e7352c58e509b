// Package config handles dynslice.toml configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"

	"github.com/chazu/dynslice/dependence"
	"github.com/chazu/dynslice/slicing"
	"github.com/chazu/dynslice/store"
	"github.com/chazu/dynslice/tracer"
)

// FileName is the name FindAndLoad looks for.
const FileName = "dynslice.toml"

// ErrInvalid is returned for configurations rejected by the schema.
var ErrInvalid = errors.New("config: invalid configuration")

// Config represents a dynslice.toml file.
type Config struct {
	Trace    Trace    `toml:"trace" json:"trace"`
	Analysis Analysis `toml:"analysis" json:"analysis"`
	Log      Log      `toml:"log" json:"log"`
	Export   Export   `toml:"export" json:"export"`

	// Path is the file the configuration was read from, if any.
	Path string `toml:"-" json:"-"`
}

// Trace configures recording.
type Trace struct {
	Strategy          string `toml:"strategy" json:"strategy"`
	SwitchThreshold   int    `toml:"switch-threshold" json:"switch-threshold"`
	CompressThreshold int    `toml:"compress-threshold" json:"compress-threshold"`
	BlockSize         int    `toml:"block-size" json:"block-size"`
	Output            string `toml:"output" json:"output"`
}

// Analysis configures replay and slicing.
type Analysis struct {
	Parallel  bool   `toml:"parallel" json:"parallel"`
	Data      bool   `toml:"data" json:"data"`
	Control   bool   `toml:"control" json:"control"`
	Direction string `toml:"direction" json:"direction"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity" json:"verbosity"`
	File      string `toml:"file" json:"file"`
}

// Export configures the SQL export.
type Export struct {
	Driver string `toml:"driver" json:"driver"`
	DSN    string `toml:"dsn" json:"dsn"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Trace: Trace{
			Strategy:          tracer.DefaultStrategy.String(),
			SwitchThreshold:   tracer.DefaultSwitchThreshold,
			CompressThreshold: tracer.DefaultCompressThreshold,
			BlockSize:         store.DefaultBlockSize,
			Output:            "dynslice.trace",
		},
		Analysis: Analysis{
			Data:      true,
			Control:   true,
			Direction: slicing.Backward.String(),
		},
		Export: Export{
			Driver: "sqlite",
			DSN:    "dynslice.db",
		},
	}
}

// Normalize fills empty settings from Default.
func (c *Config) Normalize() {
	d := Default()

	if c.Trace.Strategy == "" {
		c.Trace.Strategy = d.Trace.Strategy
	}
	if c.Trace.SwitchThreshold == 0 {
		c.Trace.SwitchThreshold = d.Trace.SwitchThreshold
	}
	if c.Trace.CompressThreshold == 0 {
		c.Trace.CompressThreshold = d.Trace.CompressThreshold
	}
	if c.Trace.BlockSize == 0 {
		c.Trace.BlockSize = d.Trace.BlockSize
	}
	if c.Trace.Output == "" {
		c.Trace.Output = d.Trace.Output
	}
	if c.Analysis.Direction == "" {
		c.Analysis.Direction = d.Analysis.Direction
	}
	if c.Export.Driver == "" {
		c.Export.Driver = d.Export.Driver
	}
	if c.Export.DSN == "" {
		c.Export.DSN = d.Export.DSN
	}
}

// Validate checks c against the schema.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	s := ctx.CompileString(schema, cue.Filename("dynslice.cue"))
	if err := s.Err(); err != nil {
		return fmt.Errorf("compiling schema: %w", err)
	}
	v := s.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(c))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Load parses and validates the configuration file at path. Settings the
// file leaves out keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	return Parse(path, data)
}

// Parse parses and validates configuration text read from path.
func Parse(path string, data []byte) (*Config, error) {
	c := Default()
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	c.Path = path
	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

// FindAndLoad walks up from startDir to find a dynslice.toml file, then
// loads it. Without a file it returns the defaults.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			c := Default()
			return &c, nil
		}
		dir = parent
	}
}

// TracerOptions returns the recording options.
func (c *Config) TracerOptions() (tracer.Options, error) {
	s, err := tracer.ParseStrategy(c.Trace.Strategy)
	if err != nil {
		return tracer.Options{}, err
	}
	return tracer.Options{
		Strategy:          s,
		SwitchThreshold:   c.Trace.SwitchThreshold,
		CompressThreshold: c.Trace.CompressThreshold,
		BlockSize:         c.Trace.BlockSize,
	}, nil
}

// EngineOptions returns the replay options.
func (c *Config) EngineOptions() dependence.Options {
	return dependence.Options{Parallel: c.Analysis.Parallel}
}

// SliceOptions returns the slicing options.
func (c *Config) SliceOptions() (slicing.Options, error) {
	d, err := slicing.ParseDirection(c.Analysis.Direction)
	if err != nil {
		return slicing.Options{}, err
	}
	return slicing.Options{Direction: d, Data: c.Analysis.Data, Control: c.Analysis.Control}, nil
}
