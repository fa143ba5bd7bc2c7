// zerovm loads assembled classes and runs, traces, disassembles, or serves
// them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/chazu/zerovm/asm"
	"github.com/chazu/zerovm/config"
	"github.com/chazu/zerovm/server"
	"github.com/chazu/zerovm/vm"
	"github.com/chazu/zerovm/vm/journal"
	"github.com/chazu/zerovm/vm/snapshot"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

func main() {
	verbosity := flag.Int("v", 0, "Log verbosity (-4 silences, 2 is debug)")
	configDir := flag.String("config", "", "Directory to search for zerovm.toml (default: current directory)")
	entry := flag.String("entry", "", "Static method to run, as Class.method or Class.method(desc)")
	argList := flag.String("args", "", "Comma-separated arguments for the entry method")
	threads := flag.Int("threads", 1, "Number of threads running the entry method")
	disasm := flag.Bool("d", false, "Disassemble the loaded classes")
	journalPath := flag.String("journal", "", "Record interpreter transitions to this sqlite file")
	history := flag.Int("history", 0, "Print the newest N journal events after running")
	serve := flag.Bool("serve", false, "Serve the inspection service after loading")
	addr := flag.String("addr", "", "Inspection service address (overrides the config)")
	inspect := flag.String("inspect", "", "Print a snapshot of the server at this address and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: zerovm [options] files.zasm...\n\n")
		fmt.Fprintf(os.Stderr, "Assembles classes into a fresh runtime and runs an entry method.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  zerovm -entry Main.run main.zasm              # Run Main.run()\n")
		fmt.Fprintf(os.Stderr, "  zerovm -entry Math.fib -args 20 math.zasm     # Run Math.fib(20)\n")
		fmt.Fprintf(os.Stderr, "  zerovm -d math.zasm                           # Disassemble\n")
		fmt.Fprintf(os.Stderr, "  zerovm -journal t.db -history 20 -entry ...   # Trace transitions\n")
		fmt.Fprintf(os.Stderr, "  zerovm -serve math.zasm                       # Serve inspection\n")
		fmt.Fprintf(os.Stderr, "  zerovm -inspect 127.0.0.1:7411                # Snapshot a server\n")
	}
	flag.Parse()

	cfg, err := loadConfig(*configDir)
	if err != nil {
		fatal(err)
	}
	if *verbosity != 0 {
		cfg.Log.Verbosity = *verbosity
	}
	var logPath *string
	if cfg.Log.Path != "" {
		logPath = &cfg.Log.Path
	}
	commonlog.Configure(cfg.Log.Verbosity, logPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *inspect != "" {
		if err := runInspect(ctx, *inspect); err != nil {
			fatal(err)
		}
		return
	}

	if *journalPath != "" {
		cfg.Journal.Path = *journalPath
	}
	opts := cfg.Options()
	var j *journal.Journal
	if cfg.Journal.Path != "" {
		j, err = journal.OpenBuffered(cfg.Journal.Path, cfg.Journal.Buffer)
		if err != nil {
			fatal(err)
		}
		defer j.Close()
		opts = append(opts, vm.WithTracer(j))
	}

	rt := vm.NewRuntime(opts...)
	defer rt.Close()

	var loaded []*vm.Class
	for _, path := range flag.Args() {
		classes, err := loadFile(rt, path)
		if err != nil {
			fatal(err)
		}
		loaded = append(loaded, classes...)
	}

	if *disasm {
		disassemble(os.Stdout, loaded)
	}

	if *entry != "" {
		results, err := runEntry(ctx, rt, *entry, *argList, *threads)
		if err != nil {
			fatal(err)
		}
		for _, r := range results {
			fmt.Println(r)
		}
	}

	if j != nil {
		if err := printJournal(ctx, os.Stdout, j, *history); err != nil {
			fatal(err)
		}
	}

	if *serve {
		if *addr != "" {
			cfg.Server.Addr = *addr
		}
		srv, err := server.New(rt)
		if err != nil {
			fatal(err)
		}
		go func() {
			<-ctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Stop(shutdown)
		}()
		if err := srv.ListenAndServe(cfg.Server.Addr); err != nil {
			fatal(err)
		}
	}

	if *entry == "" && !*disasm && !*serve && len(flag.Args()) == 0 {
		flag.Usage()
		os.Exit(2)
	}
}

func loadConfig(dir string) (*config.Config, error) {
	if dir == "" {
		dir = "."
	}
	cfg, err := config.FindAndLoad(dir)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func loadFile(rt *vm.Runtime, path string) ([]*vm.Class, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return asm.Load(rt, filepath.Base(path), f)
}

func runInspect(ctx context.Context, addr string) error {
	c, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	snap, err := c.Snapshot(ctx, &server.SnapshotRequest{})
	if err != nil {
		return err
	}
	return snapshot.Render(os.Stdout, snap)
}

func fatal(err error) {
	var gex *vm.GuestException
	if errors.As(err, &gex) {
		fmt.Fprintln(os.Stderr, gex.StackTrace())
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(1)
}
