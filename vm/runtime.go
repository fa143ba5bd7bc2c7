package vm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ErrDuplicateClass is returned when a class name is defined twice.
var ErrDuplicateClass = errors.New("class already defined")

// Runtime owns the classes, the heap, the services, and the threads that run
// guest code. Services are fixed at construction.
type Runtime struct {
	heap *Heap

	mu       sync.RWMutex
	classes  map[string]*Class
	methods  []*Method // by ID
	natives  map[string]NativeFunc
	threads  map[*Thread]struct{}
	nextNum  uint32
	closed   bool
	stdout   io.Writer
	stdoutMu sync.Mutex

	resolver   Resolver
	safepoints SafepointService
	monitors   MonitorService
	signatures *SignatureTable
	unpacker   DeoptUnpacker
	exceptions ExceptionDispatch
	dispatcher *EntryDispatcher
	bridge     *NativeCallBridge
	profiler   *Profiler
	broker     *CompileBroker
	compiler   Compiler
	tracer     Tracer

	heavyMonitors bool
	stackWords    int
	guardWords    int
	compileQueue  int
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithStackWords sets the size of each thread's execution stack.
func WithStackWords(n int) Option { return func(rt *Runtime) { rt.stackWords = n } }

// WithGuardWords sets the overflow margin kept free at the low end of each
// stack.
func WithGuardWords(n int) Option { return func(rt *Runtime) { rt.guardWords = n } }

// WithHeavyMonitors routes every lock operation through the monitor
// service.
func WithHeavyMonitors(on bool) Option { return func(rt *Runtime) { rt.heavyMonitors = on } }

// WithSafepointService replaces the default SafepointCoordinator.
func WithSafepointService(s SafepointService) Option {
	return func(rt *Runtime) { rt.safepoints = s }
}

// WithMonitorService replaces the default InflatedMonitors.
func WithMonitorService(m MonitorService) Option { return func(rt *Runtime) { rt.monitors = m } }

// WithResolver replaces the default LinkResolver.
func WithResolver(r Resolver) Option { return func(rt *Runtime) { rt.resolver = r } }

// WithDeoptUnpacker replaces the default BufferUnpacker.
func WithDeoptUnpacker(u DeoptUnpacker) Option { return func(rt *Runtime) { rt.unpacker = u } }

// WithExceptionDispatch replaces the default HandlerTableDispatch.
func WithExceptionDispatch(d ExceptionDispatch) Option {
	return func(rt *Runtime) { rt.exceptions = d }
}

// WithTracer installs a transition tracer.
func WithTracer(t Tracer) Option { return func(rt *Runtime) { rt.tracer = t } }

// WithStdout redirects System.print.
func WithStdout(w io.Writer) Option { return func(rt *Runtime) { rt.stdout = w } }

// WithCompiler attaches a compiler behind the compile broker.
func WithCompiler(c Compiler) Option { return func(rt *Runtime) { rt.compiler = c } }

// WithCompileQueue sets how many compile requests may wait for the broker.
func WithCompileQueue(n int) Option { return func(rt *Runtime) { rt.compileQueue = n } }

// WithHotThresholds sets the profiler's method and loop thresholds. Zero
// disables the corresponding report.
func WithHotThresholds(method, loop int64) Option {
	return func(rt *Runtime) {
		rt.profiler.MethodHotThreshold = method
		rt.profiler.LoopHotThreshold = loop
	}
}

// NewRuntime creates a runtime with the well-known classes defined.
func NewRuntime(opts ...Option) *Runtime {
	rt := &Runtime{
		heap:       NewHeap(),
		classes:    make(map[string]*Class),
		natives:    make(map[string]NativeFunc),
		threads:    make(map[*Thread]struct{}),
		stdout:     os.Stdout,
		signatures: NewSignatureTable(),
		profiler:   NewProfiler(),
		stackWords: DefaultStackWords,
		guardWords: DefaultGuardWords,
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.resolver == nil {
		rt.resolver = NewLinkResolver(rt.Class)
	}
	if rt.safepoints == nil {
		rt.safepoints = NewSafepointCoordinator()
	}
	if rt.monitors == nil {
		rt.monitors = NewInflatedMonitors()
	}
	if rt.unpacker == nil {
		rt.unpacker = BufferUnpacker{}
	}
	if rt.exceptions == nil {
		rt.exceptions = HandlerTableDispatch{}
	}
	rt.dispatcher = NewEntryDispatcher(rt)
	rt.bridge = NewNativeCallBridge(rt)
	rt.broker = NewCompileBrokerSize(rt.compiler, rt.compileQueue)
	rt.broker.Attach(rt.profiler)

	rt.bootstrap()
	return rt
}

func (rt *Runtime) bootstrap() {
	object := NewClass(ClassObject, nil)
	class := NewClass(ClassClass, object)
	throwable := NewClass(ClassThrowable, object)
	for _, k := range []*Class{object, class, throwable} {
		rt.mustDefine(k)
	}
	for _, name := range throwableClasses {
		rt.mustDefine(NewClass(name, throwable))
	}
	rt.defineStandardNatives()
}

func (rt *Runtime) mustDefine(k *Class) {
	if err := rt.DefineClass(k); err != nil {
		invariant("bootstrap: %v", err)
	}
}

// DefineClass registers k and its methods, gives each method an ID, and
// allocates the class mirror.
func (rt *Runtime) DefineClass(k *Class) error {
	rt.mu.Lock()
	if _, ok := rt.classes[k.Name]; ok {
		rt.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateClass, k.Name)
	}
	rt.classes[k.Name] = k
	for _, m := range k.Methods() {
		m.ID = len(rt.methods)
		rt.methods = append(rt.methods, m)
		if m.IsNative() && m.Native == nil {
			m.Native = rt.natives[m.QualifiedName()]
		}
	}
	mirrorClass := rt.classes[ClassClass]
	rt.mu.Unlock()

	if mirrorClass != nil {
		r := rt.heap.Allocate(mirrorClass)
		rt.heap.MustGet(r).mirrorOf = k
		k.mu.Lock()
		k.mirror = r
		k.mu.Unlock()
	}
	if k.Name == ClassClass {
		// Class is its own mirror's class; Object was defined before it.
		rt.mirrorEarlyClasses()
	}
	log.Debugf("defined class %s with %d methods", k.Name, len(k.Methods()))
	return nil
}

func (rt *Runtime) mirrorEarlyClasses() {
	rt.mu.RLock()
	var early []*Class
	for _, k := range rt.classes {
		if k.Mirror() == NullRef {
			early = append(early, k)
		}
	}
	mirrorClass := rt.classes[ClassClass]
	rt.mu.RUnlock()
	for _, k := range early {
		r := rt.heap.Allocate(mirrorClass)
		rt.heap.MustGet(r).mirrorOf = k
		k.mu.Lock()
		k.mirror = r
		k.mu.Unlock()
	}
}

// Class returns the named class, or nil.
func (rt *Runtime) Class(name string) *Class {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.classes[name]
}

// Classes returns every defined class sorted by name.
func (rt *Runtime) Classes() []*Class {
	rt.mu.RLock()
	out := make([]*Class, 0, len(rt.classes))
	for _, k := range rt.classes {
		out = append(out, k)
	}
	rt.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MethodByID returns the method with the given ID, or nil.
func (rt *Runtime) MethodByID(id int) *Method {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if id < 0 || id >= len(rt.methods) {
		return nil
	}
	return rt.methods[id]
}

// LookupMethod finds a method by class, name, and descriptor.
func (rt *Runtime) LookupMethod(class, name, desc string) (*Method, error) {
	k := rt.Class(class)
	if k == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchClass, class)
	}
	m := k.LookupMethod(name, desc)
	if m == nil {
		return nil, fmt.Errorf("%w: %s.%s%s", ErrNoSuchMethod, class, name, desc)
	}
	return m, nil
}

// RegisterNative binds fn to the native method class.name. It applies to
// classes defined later as well as to an already defined method.
func (rt *Runtime) RegisterNative(class, name string, fn NativeFunc) {
	rt.mu.Lock()
	rt.natives[class+"."+name] = fn
	k := rt.classes[class]
	rt.mu.Unlock()
	if k == nil {
		return
	}
	for _, m := range k.Methods() {
		if m.Name == name && m.IsNative() && m.Native == nil {
			m.Native = fn
		}
	}
}

func (rt *Runtime) lookupNative(m *Method) NativeFunc {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.natives[m.QualifiedName()]
}

// ResolveAll resolves every symbolic reference in k's constant pool so fast
// entries apply from the first call.
func (rt *Runtime) ResolveAll(k *Class) error {
	cp := k.Constants
	for i := 0; i < cp.Len(); i++ {
		c := cp.At(i)
		var err error
		switch c.Tag {
		case TagClass:
			_, err = rt.resolver.ResolveClass(c)
		case TagField:
			_, err = rt.resolver.ResolveField(c)
		case TagMethod:
			_, err = rt.resolver.ResolveMethod(c)
		}
		if err != nil {
			return fmt.Errorf("resolving %s: %w", c, err)
		}
	}
	return nil
}

func (rt *Runtime) resolveField(c *Constant) (*ResolvedField, error) {
	if c.Tag != TagField {
		return nil, fmt.Errorf("%w: %s is not a field reference", ErrUnresolvedConstant, c)
	}
	return rt.resolver.ResolveField(c)
}

// Heap returns the runtime's heap.
func (rt *Runtime) Heap() *Heap { return rt.heap }

// Safepoints returns the safepoint service.
func (rt *Runtime) Safepoints() SafepointService { return rt.safepoints }

// Monitors returns the monitor service.
func (rt *Runtime) Monitors() MonitorService { return rt.monitors }

// Dispatcher returns the entry dispatcher.
func (rt *Runtime) Dispatcher() *EntryDispatcher { return rt.dispatcher }

// Bridge returns the native call bridge.
func (rt *Runtime) Bridge() *NativeCallBridge { return rt.bridge }

// Profiler returns the profiler.
func (rt *Runtime) Profiler() *Profiler { return rt.profiler }

// Broker returns the compile broker.
func (rt *Runtime) Broker() *CompileBroker { return rt.broker }

// Signatures returns the native signature table.
func (rt *Runtime) Signatures() *SignatureTable { return rt.signatures }

// NewThread creates a thread with its own execution stack.
func (rt *Runtime) NewThread(name string) (*Thread, error) {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil, errors.New("runtime closed")
	}
	rt.nextNum++
	th := &Thread{
		ID:    uuid.New(),
		Name:  name,
		num:   rt.nextNum,
		rt:    rt,
		stack: NewExecutionStack(rt.stackWords, rt.guardWords),
		top:   -1,
	}
	rt.threads[th] = struct{}{}
	rt.mu.Unlock()

	if obs, ok := rt.safepoints.(ThreadObserver); ok {
		obs.ThreadStarted(th)
	}
	log.Debugf("started %s", th)
	return th, nil
}

func (rt *Runtime) removeThread(th *Thread) {
	rt.mu.Lock()
	_, ok := rt.threads[th]
	delete(rt.threads, th)
	rt.mu.Unlock()
	if !ok {
		return
	}
	if obs, ok := rt.safepoints.(ThreadObserver); ok {
		obs.ThreadExited(th)
	}
	log.Debugf("exited %s", th)
}

// Threads returns the live threads ordered by number.
func (rt *Runtime) Threads() []*Thread {
	rt.mu.RLock()
	out := make([]*Thread, 0, len(rt.threads))
	for th := range rt.threads {
		out = append(out, th)
	}
	rt.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].num < out[j].num })
	return out
}

// Close stops the compile broker and rejects new threads. Running threads
// are asked to stop.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	rt.closed = true
	threads := make([]*Thread, 0, len(rt.threads))
	for th := range rt.threads {
		threads = append(threads, th)
	}
	rt.mu.Unlock()
	for _, th := range threads {
		th.RequestStop()
	}
	rt.broker.Close()
	if c, ok := rt.safepoints.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (rt *Runtime) print(s string) error {
	rt.stdoutMu.Lock()
	defer rt.stdoutMu.Unlock()
	_, err := io.WriteString(rt.stdout, s)
	return err
}
