package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/chazu/zerovm/asm"
	"github.com/chazu/zerovm/vm"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const calcSrc = `
.class Calc
.method static add (II)I
    iload 0
    iload 1
    iadd
    ireturn
.end
.method static boom ()I
    iconst 1
    iconst 0
    idiv
    ireturn
.end
.method static spin ()V
loop:
    goto loop
.end
.method half (I)I
    iload 1
    iconst 2
    idiv
    ireturn
.end
`

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	rt := vm.NewRuntime()
	t.Cleanup(func() { rt.Close() })
	if _, err := asm.Load(rt, "calc.zasm", strings.NewReader(calcSrc)); err != nil {
		t.Fatalf("Load: %v", err)
	}
	s, err := New(rt, WithSnapshotTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		hs.Close()
		s.Stop(context.Background())
	})
	return s, hs
}

func dialTest(t *testing.T, hs *httptest.Server) *Client {
	t.Helper()
	c, err := Dial(hs.Listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func timeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGRPCInvoke(t *testing.T) {
	_, hs := newTestServer(t)
	c := dialTest(t, hs)
	ctx := timeout(t)

	args := new(vm.Args).Int(2).Int(-5).Words()
	resp, err := c.Invoke(ctx, &InvokeRequest{Class: "Calc", Method: "add", Desc: "(II)I", Args: []uint64{uint64(args[0]), uint64(args[1])}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Exception != "" {
		t.Fatalf("add threw %s: %s", resp.Exception, resp.Message)
	}
	if len(resp.Words) != 1 || vm.FromWord[int32](vm.Word(resp.Words[0])) != -3 {
		t.Errorf("add(2, -5) = %v, want -3", resp.Words)
	}
	if resp.Type != vm.TInt.String() {
		t.Errorf("type = %q, want %q", resp.Type, vm.TInt.String())
	}

	resp, err = c.Invoke(ctx, &InvokeRequest{Class: "Calc", Method: "boom", Desc: "()I"})
	if err != nil {
		t.Fatalf("Invoke boom: %v", err)
	}
	if resp.Exception != vm.ClassArithmetic {
		t.Errorf("boom exception = %q, want %s", resp.Exception, vm.ClassArithmetic)
	}
}

func TestGRPCInvokeErrors(t *testing.T) {
	_, hs := newTestServer(t)
	c := dialTest(t, hs)
	ctx := timeout(t)

	tests := []struct {
		name string
		req  InvokeRequest
		code codes.Code
	}{
		{"missing class", InvokeRequest{Class: "Nope", Method: "f", Desc: "()V"}, codes.NotFound},
		{"missing method", InvokeRequest{Class: "Calc", Method: "sub", Desc: "(II)I"}, codes.NotFound},
		{"instance method", InvokeRequest{Class: "Calc", Method: "half", Desc: "(I)I", Args: []uint64{0, 4}}, codes.InvalidArgument},
		{"argument count", InvokeRequest{Class: "Calc", Method: "add", Desc: "(II)I", Args: []uint64{1}}, codes.InvalidArgument},
		{"empty", InvokeRequest{}, codes.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Invoke(ctx, &tt.req)
			if got := status.Code(err); got != tt.code {
				t.Errorf("code = %s (%v), want %s", got, err, tt.code)
			}
		})
	}
}

func TestGRPCThreadsAndMethods(t *testing.T) {
	_, hs := newTestServer(t)
	c := dialTest(t, hs)
	ctx := timeout(t)

	threads, err := c.Threads(ctx)
	if err != nil {
		t.Fatalf("Threads: %v", err)
	}
	if len(threads) != 1 || threads[0].Name != "server" || threads[0].State != "idle" {
		t.Errorf("threads = %+v, want the idle server thread", threads)
	}

	methods, err := c.Methods(ctx, "Calc")
	if err != nil {
		t.Fatalf("Methods: %v", err)
	}
	var names []string
	for _, m := range methods {
		names = append(names, m.Name)
	}
	if got := strings.Join(names, " "); got != "add boom half spin" {
		t.Errorf("methods = %s, want add boom half spin", got)
	}
	if !methods[0].Static || methods[2].Static {
		t.Errorf("static flags = %+v", methods)
	}
	if _, err := c.Methods(ctx, "Nope"); status.Code(err) != codes.NotFound {
		t.Errorf("Methods(Nope) = %v, want NotFound", err)
	}
}

func TestSnapshotWhileInvoking(t *testing.T) {
	s, hs := newTestServer(t)
	c := dialTest(t, hs)

	spinCtx, stop := context.WithCancel(context.Background())
	defer stop()
	done := make(chan *InvokeResponse, 1)
	go func() {
		resp, err := s.Invoke(spinCtx, connect.NewRequest(&InvokeRequest{Class: "Calc", Method: "spin", Desc: "()V"}))
		if err != nil {
			t.Errorf("spin: %v", err)
			done <- nil
			return
		}
		done <- resp.Msg
	}()
	th := s.worker.Thread()
	deadline := time.Now().Add(5 * time.Second)
	for th.State() != vm.InGuest {
		if time.Now().After(deadline) {
			t.Fatal("worker never entered guest code")
		}
		time.Sleep(time.Millisecond)
	}

	snap, err := c.Snapshot(timeout(t), &SnapshotRequest{})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Threads) != 1 {
		t.Fatalf("snapshot threads = %d, want 1", len(snap.Threads))
	}
	st := snap.Threads[0]
	if st.State != vm.Blocked.String() {
		t.Errorf("state = %s, want %s", st.State, vm.Blocked)
	}
	if len(st.Frames) != 2 || st.Frames[0].Method != "Calc.spin()V" {
		t.Errorf("frames = %+v, want Calc.spin over an entry frame", st.Frames)
	}

	sp, err := c.Safepoint(timeout(t))
	if err != nil {
		t.Fatalf("Safepoint: %v", err)
	}
	if sp.Safepoints < 1 || sp.Threads != 1 {
		t.Errorf("safepoint stats = %+v, want at least one safepoint over one thread", sp)
	}

	stop()
	select {
	case resp := <-done:
		if resp != nil && resp.Exception != vm.ClassInterrupted {
			t.Errorf("spin ended with %q, want %s", resp.Exception, vm.ClassInterrupted)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("spin did not stop")
	}
}

func TestSnapshotRejectsNegativeTimeout(t *testing.T) {
	s, _ := newTestServer(t)
	_, err := s.Snapshot(context.Background(), connect.NewRequest(&SnapshotRequest{TimeoutMillis: -1}))
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("error = %v, want invalid_argument", err)
	}
}

func TestConnectClient(t *testing.T) {
	_, hs := newTestServer(t)
	client := connect.NewClient[ThreadsRequest, ThreadsResponse](
		hs.Client(), hs.URL+ThreadsProcedure, connect.WithCodec(cborCodec{}),
	)
	resp, err := client.CallUnary(timeout(t), connect.NewRequest(&ThreadsRequest{}))
	if err != nil {
		t.Fatalf("CallUnary: %v", err)
	}
	if len(resp.Msg.Threads) != 1 || resp.Msg.Threads[0].Num == 0 {
		t.Errorf("threads = %+v, want one numbered thread", resp.Msg.Threads)
	}
}

func TestWorkerStop(t *testing.T) {
	rt := vm.NewRuntime()
	defer rt.Close()
	w, err := NewWorker(rt, "w")
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	v, err := w.Do(func(th *vm.Thread) (any, error) { return th.Name, nil })
	if err != nil || v != "w" {
		t.Errorf("Do = %v, %v, want w", v, err)
	}
	if _, err := w.Do(func(*vm.Thread) (any, error) { panic("bad request") }); err == nil || err.Error() != "bad request" {
		t.Errorf("panicking request = %v, want its message", err)
	}
	w.Stop()
	w.Stop()
	if _, err := w.Do(func(*vm.Thread) (any, error) { return nil, nil }); err != ErrWorkerStopped {
		t.Errorf("Do after Stop = %v, want ErrWorkerStopped", err)
	}
	if n := len(rt.Threads()); n != 0 {
		t.Errorf("threads after Stop = %d, want 0", n)
	}
}
