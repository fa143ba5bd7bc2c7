package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chazu/zerovm/vm"
	"github.com/chazu/zerovm/vm/journal"
	"golang.org/x/sync/errgroup"
)

// resolveEntry finds the static method named by entry, written as
// Class.method or Class.method(desc). Without a descriptor the name must be
// unique among the class's static methods.
func resolveEntry(rt *vm.Runtime, entry string) (*vm.Method, error) {
	dot := strings.LastIndexByte(entry, '.')
	if paren := strings.IndexByte(entry, '('); paren >= 0 {
		dot = strings.LastIndexByte(entry[:paren], '.')
	}
	if dot <= 0 || dot == len(entry)-1 {
		return nil, fmt.Errorf("entry %q: want Class.method", entry)
	}
	class, name := entry[:dot], entry[dot+1:]
	if paren := strings.IndexByte(name, '('); paren >= 0 {
		m, err := rt.LookupMethod(class, name[:paren], name[paren:])
		if err != nil {
			return nil, err
		}
		if !m.IsStatic() {
			return nil, fmt.Errorf("entry %s is not static", m)
		}
		return m, nil
	}

	k := rt.Class(class)
	if k == nil {
		return nil, fmt.Errorf("%w: %s", vm.ErrNoSuchClass, class)
	}
	var found *vm.Method
	for _, m := range k.Methods() {
		if m.Name != name || !m.IsStatic() {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("entry %q is ambiguous: %s and %s", entry, found, m)
		}
		found = m
	}
	if found == nil {
		return nil, fmt.Errorf("%w: no static %s in %s", vm.ErrNoSuchMethod, name, class)
	}
	return found, nil
}

// parseArgs converts comma-separated literals into argument words for m.
func parseArgs(m *vm.Method, list string) ([]vm.Word, error) {
	var fields []string
	if strings.TrimSpace(list) != "" {
		fields = strings.Split(list, ",")
	}
	if len(fields) != len(m.Params) {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", m, len(m.Params), len(fields))
	}
	args := new(vm.Args)
	for i, t := range m.Params {
		s := strings.TrimSpace(fields[i])
		switch t {
		case vm.TBoolean:
			b, err := strconv.ParseBool(s)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			var v int32
			if b {
				v = 1
			}
			args.Int(v)
		case vm.TChar, vm.TByte, vm.TShort, vm.TInt:
			v, err := strconv.ParseInt(s, 0, 32)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			args.Int(int32(v))
		case vm.TLong:
			v, err := strconv.ParseInt(s, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			args.Long(v)
		case vm.TFloat:
			v, err := strconv.ParseFloat(s, 32)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			args.Float(float32(v))
		case vm.TDouble:
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			args.Double(v)
		default:
			return nil, fmt.Errorf("argument %d: %s arguments cannot be given on the command line", i, t)
		}
	}
	return args.Words(), nil
}

func formatResult(r vm.Result) string {
	switch r.Type {
	case vm.TVoid:
		return "void"
	case vm.TLong:
		return strconv.FormatInt(r.Long(), 10)
	case vm.TFloat:
		return strconv.FormatFloat(float64(r.Float()), 'g', -1, 32)
	case vm.TDouble:
		return strconv.FormatFloat(r.Double(), 'g', -1, 64)
	case vm.TObject:
		return fmt.Sprintf("ref %d", r.Ref())
	case vm.TBoolean:
		return strconv.FormatBool(r.Int() != 0)
	default:
		return strconv.FormatInt(int64(r.Int()), 10)
	}
}

// runEntry runs the entry method on n threads at once and returns one
// formatted result per thread. The first failure cancels the others.
func runEntry(ctx context.Context, rt *vm.Runtime, entry, argList string, n int) ([]string, error) {
	if n < 1 {
		return nil, fmt.Errorf("thread count %d must be positive", n)
	}
	m, err := resolveEntry(rt, entry)
	if err != nil {
		return nil, err
	}
	args, err := parseArgs(m, argList)
	if err != nil {
		return nil, err
	}

	results := make([]string, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			th, err := rt.NewThread(fmt.Sprintf("main-%d", i+1))
			if err != nil {
				return err
			}
			defer th.Close()
			res, err := th.Invoke(gctx, m, args...)
			if err != nil {
				return fmt.Errorf("%s: %w", th.Name, err)
			}
			results[i] = formatResult(res)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if n > 1 {
		for i := range results {
			results[i] = fmt.Sprintf("main-%d: %s", i+1, results[i])
		}
	}
	return results, nil
}

func disassemble(w io.Writer, classes []*vm.Class) {
	for _, k := range classes {
		fmt.Fprintf(w, "class %s", k.Name)
		if k.Super != nil {
			fmt.Fprintf(w, " extends %s", k.Super.Name)
		}
		fmt.Fprintln(w)
		for _, m := range k.Methods() {
			fmt.Fprintf(w, "\n%s", m)
			if m.IsNative() {
				fmt.Fprintln(w, " native")
				continue
			}
			fmt.Fprintf(w, " locals=%d stack=%d\n", m.MaxLocals, m.MaxStack)
			fmt.Fprint(w, m.Disassemble())
			for _, h := range m.Handlers {
				catch := h.Class
				if catch == "" {
					catch = "any"
				}
				fmt.Fprintf(w, "  handler [%d, %d) -> %d %s\n", h.Start, h.End, h.Target, catch)
			}
		}
		fmt.Fprintln(w)
	}
}

// printJournal flushes j and prints transition counts and the newest
// events.
func printJournal(ctx context.Context, w io.Writer, j *journal.Journal, newest int) error {
	if err := j.Flush(ctx); err != nil {
		return err
	}
	counts, err := j.Counts(ctx)
	if err != nil {
		return err
	}
	kinds := []vm.MessageKind{vm.KindCallMethod, vm.KindReturnFromMethod, vm.KindMoreMonitors, vm.KindThrowingException, vm.KindDoOSR}
	for _, k := range kinds {
		fmt.Fprintf(w, "%-20s %d\n", k, counts[k])
	}
	if st := j.Stats(); st.Dropped > 0 {
		fmt.Fprintf(w, "%-20s %d\n", "dropped", st.Dropped)
	}
	if newest <= 0 {
		return nil
	}
	events, err := j.Query(ctx, journal.Filter{Limit: newest})
	if err != nil {
		return err
	}
	for _, ev := range events {
		fmt.Fprintf(w, "%s %s bci=%d depth=%d monitors=%d", ev.Kind, ev.Method, ev.BCI, ev.Depth, ev.Monitors)
		if ev.Callee != "" {
			fmt.Fprintf(w, " -> %s", ev.Callee)
		}
		fmt.Fprintln(w)
	}
	return nil
}
