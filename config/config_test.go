package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/zerovm/vm"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	tomlContent := `
[stack]
words = 8192
guard = 256

[interpreter]
heavy-monitors = true
hot-threshold = 50
osr-threshold = 0
compile-queue = 16

[log]
verbosity = 2
path = "zerovm.log"

[journal]
path = "trace.db"

[server]
addr = ":9000"
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Stack.Words != 8192 || c.Stack.Guard != 256 {
		t.Errorf("stack = %+v, want 8192/256", c.Stack)
	}
	if !c.Interpreter.HeavyMonitors || c.Interpreter.HotThreshold != 50 || c.Interpreter.OSRThreshold != 0 {
		t.Errorf("interpreter = %+v", c.Interpreter)
	}
	if c.Interpreter.CompileQueue != 16 {
		t.Errorf("compile queue = %d, want 16", c.Interpreter.CompileQueue)
	}
	if c.Log.Verbosity != 2 || c.Log.Path != filepath.Join(c.Dir, "zerovm.log") {
		t.Errorf("log = %+v, want verbosity 2 under %s", c.Log, c.Dir)
	}
	if c.Journal.Path != filepath.Join(c.Dir, "trace.db") {
		t.Errorf("journal path = %q, want it resolved against %s", c.Journal.Path, c.Dir)
	}
	if c.Server.Addr != ":9000" {
		t.Errorf("server addr = %q, want :9000", c.Server.Addr)
	}
}

func TestDefaultsFillMissingSections(t *testing.T) {
	c, err := Parse("partial.toml", []byte("[stack]\nwords = 4096\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Stack.Words != 4096 || c.Stack.Guard != vm.DefaultGuardWords {
		t.Errorf("stack = %+v, want 4096 and the default guard", c.Stack)
	}
	if c.Interpreter.HotThreshold != vm.DefaultMethodHotThreshold || c.Interpreter.OSRThreshold != vm.DefaultLoopHotThreshold {
		t.Errorf("thresholds = %+v, want defaults", c.Interpreter)
	}
	if c.Server.Addr == "" {
		t.Error("server addr has no default")
	}
	if c.Journal.Path != "" {
		t.Errorf("journal enabled by default: %q", c.Journal.Path)
	}
}

func TestInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"syntax", "[stack\nwords = 1", "parse error"},
		{"unknown section", "[stak]\nwords = 4096", "invalid"},
		{"unknown key", "[stack]\nsize = 4096", "invalid"},
		{"tiny stack", "[stack]\nwords = 10", "invalid"},
		{"wrong type", "[interpreter]\nheavy-monitors = \"yes\"", "invalid"},
		{"verbosity", "[log]\nverbosity = 9", "invalid"},
		{"negative threshold", "[interpreter]\nhot-threshold = -1", "invalid"},
		{"addr", "[server]\naddr = \"localhost\"", "invalid"},
		{"guard too big", "[stack]\nwords = 2048\nguard = 2048", "guard"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.name+".toml", []byte(tt.src))
			if err == nil {
				t.Fatal("Parse succeeded")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, FileName), []byte("[stack]\nwords = 2048\n"), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if c.Stack.Words != 2048 {
		t.Errorf("stack words = %d, want 2048", c.Stack.Words)
	}
	abs, _ := filepath.Abs(root)
	if c.Dir != abs {
		t.Errorf("dir = %q, want %q", c.Dir, abs)
	}
}

func TestOptionsConfigureRuntime(t *testing.T) {
	c := Default()
	c.Stack.Words = 4096
	c.Stack.Guard = 128
	c.Interpreter.HotThreshold = 7
	c.Interpreter.OSRThreshold = 0

	rt := vm.NewRuntime(c.Options()...)
	defer rt.Close()
	th, err := rt.NewThread("configured")
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	defer th.Close()
	if s := th.Stack(); s.Size() != 4096 || s.Guard() != 128 {
		t.Errorf("stack = %d/%d, want 4096/128", s.Size(), s.Guard())
	}
	p := rt.Profiler()
	if p.MethodHotThreshold != 7 || p.LoopHotThreshold != 0 {
		t.Errorf("thresholds = %d/%d, want 7/0", p.MethodHotThreshold, p.LoopHotThreshold)
	}
}
