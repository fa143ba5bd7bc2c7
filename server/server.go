// Package server exposes a running runtime over Connect and gRPC. Both
// protocols share one port: Connect over HTTP/1.1 or HTTP/2, gRPC over
// cleartext HTTP/2.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/chazu/zerovm/vm"
	"github.com/chazu/zerovm/vm/snapshot"
	"github.com/tliron/commonlog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

var log = commonlog.GetLogger("zerovm.server")

// DefaultSnapshotTimeout bounds the wait for a stop-the-world snapshot.
const DefaultSnapshotTimeout = 5 * time.Second

// Server is the inspection service wrapping a runtime.
type Server struct {
	rt      *vm.Runtime
	worker  *Worker
	mux     *http.ServeMux
	http    *http.Server
	timeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithSnapshotTimeout sets the default stop-the-world timeout.
func WithSnapshotTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// New creates a Server for rt. It starts a worker thread that serves
// Invoke requests.
func New(rt *vm.Runtime, opts ...Option) (*Server, error) {
	s := &Server{
		rt:      rt,
		mux:     http.NewServeMux(),
		timeout: DefaultSnapshotTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	w, err := NewWorker(rt, "server")
	if err != nil {
		return nil, err
	}
	s.worker = w

	codec := connect.WithCodec(cborCodec{})
	s.mux.Handle(ThreadsProcedure, connect.NewUnaryHandler(ThreadsProcedure, s.ListThreads, codec))
	s.mux.Handle(SnapshotProcedure, connect.NewUnaryHandler(SnapshotProcedure, s.Snapshot, codec))
	s.mux.Handle(SafepointProcedure, connect.NewUnaryHandler(SafepointProcedure, s.Safepoint, codec))
	s.mux.Handle(InvokeProcedure, connect.NewUnaryHandler(InvokeProcedure, s.Invoke, codec))
	s.mux.Handle(MethodsProcedure, connect.NewUnaryHandler(MethodsProcedure, s.ListMethods, codec))
	return s, nil
}

// Handler returns the HTTP handler serving every procedure, with cleartext
// HTTP/2 enabled for gRPC clients.
func (s *Server) Handler() http.Handler {
	return h2c.NewHandler(s.mux, &http2.Server{})
}

// ListenAndServe serves on addr ("host:port" or ":port") until Stop.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve serves on l until Stop.
func (s *Server) Serve(l net.Listener) error {
	s.http = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	log.Noticef("inspection service listening on %s", l.Addr())
	log.Infof("  Connect: http://%s%s", l.Addr(), SnapshotProcedure)
	log.Infof("  gRPC:    grpc://%s", l.Addr())
	if err := s.http.Serve(l); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the listener down and stops the worker thread.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	s.worker.Stop()
	return err
}

// ListThreads reports every live thread without stopping any of them.
func (s *Server) ListThreads(
	ctx context.Context,
	req *connect.Request[ThreadsRequest],
) (*connect.Response[ThreadsResponse], error) {
	resp := &ThreadsResponse{}
	for _, th := range s.rt.Threads() {
		resp.Threads = append(resp.Threads, ThreadInfo{
			ID:    th.ID.String(),
			Name:  th.Name,
			Num:   th.Num(),
			State: th.State().String(),
		})
	}
	return connect.NewResponse(resp), nil
}

// Snapshot stops the world and captures every thread's frames.
func (s *Server) Snapshot(
	ctx context.Context,
	req *connect.Request[SnapshotRequest],
) (*connect.Response[SnapshotResponse], error) {
	timeout := s.timeout
	if req.Msg.TimeoutMillis < 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("negative timeout %d", req.Msg.TimeoutMillis))
	}
	if req.Msg.TimeoutMillis > 0 {
		timeout = time.Duration(req.Msg.TimeoutMillis) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		snap *snapshot.Snapshot
		err  error
	)
	if stop, ok := s.rt.Safepoints().(snapshot.Stopper); ok {
		snap, err = snapshot.Capture(ctx, s.rt, stop)
	} else {
		snap, err = snapshot.CaptureNow(s.rt)
	}
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		return nil, connect.NewError(connect.CodeDeadlineExceeded, err)
	case errors.Is(err, snapshot.ErrThreadRunning):
		return nil, connect.NewError(connect.CodeUnavailable, err)
	default:
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	log.Debugf("snapshot of %d threads", len(snap.Threads))
	return connect.NewResponse(&SnapshotResponse{Snapshot: snap}), nil
}

// Safepoint reports safepoint and compile broker counters.
func (s *Server) Safepoint(
	ctx context.Context,
	req *connect.Request[SafepointRequest],
) (*connect.Response[SafepointResponse], error) {
	resp := &SafepointResponse{}
	if c, ok := s.rt.Safepoints().(*vm.SafepointCoordinator); ok {
		st := c.Stats()
		resp.Safepoints = st.Safepoints
		resp.Checkpoints = st.Checkpoints
		resp.Threads = st.Threads
	} else {
		resp.Threads = len(s.rt.Threads())
	}
	bs := s.rt.Broker().Stats()
	resp.Compiled = bs.Compiled
	resp.Dropped = bs.Dropped
	return connect.NewResponse(resp), nil
}

// Invoke runs a static method on the worker thread.
func (s *Server) Invoke(
	ctx context.Context,
	req *connect.Request[InvokeRequest],
) (*connect.Response[InvokeResponse], error) {
	if req.Msg.Class == "" || req.Msg.Method == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("class and method are required"))
	}
	m, err := s.rt.LookupMethod(req.Msg.Class, req.Msg.Method, req.Msg.Desc)
	if err != nil {
		return nil, connect.NewError(connect.CodeNotFound, err)
	}
	if !m.IsStatic() {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("%s is not static", m))
	}
	args := make([]vm.Word, len(req.Msg.Args))
	for i, a := range req.Msg.Args {
		args[i] = vm.Word(a)
	}

	v, err := s.worker.Do(func(th *vm.Thread) (any, error) {
		return th.Invoke(ctx, m, args...)
	})
	resp := &InvokeResponse{Type: m.Result.String()}
	var gex *vm.GuestException
	switch {
	case err == nil:
		for _, w := range v.(vm.Result).Words {
			resp.Words = append(resp.Words, uint64(w))
		}
	case errors.As(err, &gex):
		resp.Exception = gex.Class
		resp.Message = gex.Message
	case errors.Is(err, vm.ErrBadArguments):
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, ErrWorkerStopped):
		return nil, connect.NewError(connect.CodeUnavailable, err)
	default:
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(resp), nil
}

// ListMethods describes the methods a class declares.
func (s *Server) ListMethods(
	ctx context.Context,
	req *connect.Request[MethodsRequest],
) (*connect.Response[MethodsResponse], error) {
	k := s.rt.Class(req.Msg.Class)
	if k == nil {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("class %q not found", req.Msg.Class))
	}
	resp := &MethodsResponse{}
	for _, m := range k.Methods() {
		resp.Methods = append(resp.Methods, MethodInfo{
			Name:        m.Name,
			Desc:        m.Descriptor,
			Static:      m.IsStatic(),
			Native:      m.IsNative(),
			Invocations: m.Invocations(),
		})
	}
	return connect.NewResponse(resp), nil
}
