// Package config handles zerovm.toml runtime configuration.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"
	"github.com/chazu/zerovm/vm"
)

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "zerovm.toml"

//go:embed schema.cue
var schemaSrc string

// Config represents a zerovm.toml file.
type Config struct {
	Stack       Stack       `toml:"stack"`
	Interpreter Interpreter `toml:"interpreter"`
	Log         Log         `toml:"log"`
	Journal     Journal     `toml:"journal"`
	Server      Server      `toml:"server"`

	// Dir is the directory containing the zerovm.toml file (set at load time).
	Dir string `toml:"-"`
}

// Stack sizes each thread's execution stack, in words.
type Stack struct {
	Words int `toml:"words"`
	Guard int `toml:"guard"`
}

// Interpreter tunes the frame manager and the compile broker.
type Interpreter struct {
	HeavyMonitors bool  `toml:"heavy-monitors"`
	HotThreshold  int64 `toml:"hot-threshold"`
	OSRThreshold  int64 `toml:"osr-threshold"`
	CompileQueue  int   `toml:"compile-queue"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"`
}

// Journal configures the transition journal. An empty path disables it.
type Journal struct {
	Path   string `toml:"path"`
	Buffer int    `toml:"buffer"`
}

// Server configures the inspection service.
type Server struct {
	Addr string `toml:"addr"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Stack: Stack{Words: vm.DefaultStackWords, Guard: vm.DefaultGuardWords},
		Interpreter: Interpreter{
			HotThreshold: vm.DefaultMethodHotThreshold,
			OSRThreshold: vm.DefaultLoopHotThreshold,
			CompileQueue: vm.DefaultCompileQueue,
		},
		Server: Server{Addr: "127.0.0.1:7411"},
	}
}

// Load parses the zerovm.toml file in dir.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	c, err := Parse(path, data)
	if err != nil {
		return nil, err
	}
	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	if c.Journal.Path != "" && !filepath.IsAbs(c.Journal.Path) {
		c.Journal.Path = filepath.Join(c.Dir, c.Journal.Path)
	}
	if c.Log.Path != "" && !filepath.IsAbs(c.Log.Path) {
		c.Log.Path = filepath.Join(c.Dir, c.Log.Path)
	}
	return c, nil
}

// Parse decodes and validates TOML data. name is used in errors.
func Parse(name string, data []byte) (*Config, error) {
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", name, err)
	}
	if err := validate(raw); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}

	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", name, err)
	}
	if c.Stack.Guard >= c.Stack.Words {
		return nil, fmt.Errorf("invalid %s: stack guard %d must be below stack words %d", name, c.Stack.Guard, c.Stack.Words)
	}
	return c, nil
}

func validate(raw map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSrc, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return err
	}
	value := ctx.Encode(raw)
	if err := value.Err(); err != nil {
		return err
	}
	return schema.LookupPath(cue.ParsePath("#Config")).Unify(value).Validate(cue.Concrete(true))
}

// FindAndLoad walks up from startDir to find a zerovm.toml file, then
// loads and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Options returns the runtime options the configuration selects.
func (c *Config) Options() []vm.Option {
	return []vm.Option{
		vm.WithStackWords(c.Stack.Words),
		vm.WithGuardWords(c.Stack.Guard),
		vm.WithHeavyMonitors(c.Interpreter.HeavyMonitors),
		vm.WithHotThresholds(c.Interpreter.HotThreshold, c.Interpreter.OSRThreshold),
		vm.WithCompileQueue(c.Interpreter.CompileQueue),
	}
}
