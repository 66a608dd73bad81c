// Package esruntime embeds an ECMAScript engine behind a value bridge.
//
// Scripts execute on a single event-loop goroutine that owns the engine;
// the host never touches live engine values. Everything that crosses the
// boundary is snapshotted into a detached Value that any goroutine may
// hold and read. Promises cross as awaitable handles: the runtime
// correlates each one with an id and Value.Await blocks until the engine
// side settles it.
//
//	rt, err := esruntime.New()
//	if err != nil {
//		...
//	}
//	defer rt.Close()
//
//	v, err := rt.Eval("6 * 7")
//	n, err := v.AsInt32() // 42
//
// Host operations registered with RegisterOp become invocable from
// script through the esses namespace, either synchronously or as a
// promise.
package esruntime

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja/parser"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"
	"go.uber.org/zap"

	"github.com/sagudev/es-runtime/internal/bootscript"
)

// Op is a host operation scripts can invoke by name. Arguments arrive as
// detached snapshots and the returned Value converts back into the
// engine; a non-nil error is thrown into the calling script.
//
// An op invoked through esses.invokeSync runs on the event loop and must
// not call back into its own Runtime or block on Await. An op invoked
// through esses.invoke runs on its own goroutine and may do both.
type Op func(args []*Value) (*Value, error)

// Runtime owns one engine instance and the event loop driving it.
// Methods are safe for concurrent use from any goroutine; the engine
// itself is only ever touched by the loop.
type Runtime struct {
	loop *eventloop.EventLoop
	log  *zap.Logger
	vm   *goja.Runtime // published by bootstrap before New returns; used off-loop only for Interrupt

	opsMu sync.RWMutex
	ops   map[string]Op

	mu       sync.Mutex
	closed   bool
	fatalErr error
	done     chan struct{} // closed once the loop has fully stopped

	w *worker // loop-confined; only loop jobs may touch it
}

// worker is the loop-confined half of the runtime. Everything here,
// including the futures registry, is owned by the event-loop goroutine.
type worker struct {
	rt       *Runtime
	vm       *goja.Runtime
	log      *zap.Logger
	futures  *AutoIDMap[chan settlement]
	adoptFn  goja.Callable
	maxDepth int
}

// New starts an event loop, installs the native hooks and evaluates the
// bootstrap script. A bootstrap failure stops the loop and is returned
// as a *ScriptError.
func New(opts ...Option) (*Runtime, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	registry := require.NewRegistry()
	registry.RegisterNativeModule(console.ModuleName,
		console.RequireWithPrinter(zapPrinter{log: cfg.logger.Named("console")}))

	rt := &Runtime{
		loop: eventloop.NewEventLoop(eventloop.WithRegistry(registry)),
		log:  cfg.logger,
		ops:  make(map[string]Op),
		done: make(chan struct{}),
	}
	rt.loop.Start()

	boot := make(chan error, 1)
	rt.loop.RunOnLoop(func(vm *goja.Runtime) {
		boot <- rt.bootstrap(vm, cfg)
	})
	if err := <-boot; err != nil {
		rt.loop.Stop()
		close(rt.done)
		return nil, err
	}
	rt.log.Debug("runtime started")
	return rt, nil
}

// zapPrinter adapts script console output to the runtime's logger.
type zapPrinter struct{ log *zap.Logger }

func (p zapPrinter) Log(s string)   { p.log.Info(s) }
func (p zapPrinter) Warn(s string)  { p.log.Warn(s) }
func (p zapPrinter) Error(s string) { p.log.Error(s) }

// bootstrap runs on the loop during New.
func (rt *Runtime) bootstrap(vm *goja.Runtime, cfg config) error {
	if cfg.maxCallStack > 0 {
		vm.SetMaxCallStackSize(cfg.maxCallStack)
	}
	w := &worker{
		rt:       rt,
		vm:       vm,
		log:      rt.log,
		futures:  NewAutoIDMap[chan settlement](),
		maxDepth: cfg.maxDepth,
	}

	hooks := map[string]func(goja.FunctionCall) goja.Value{
		bootscript.HookInvokeSync:    w.hookInvokeSync,
		bootscript.HookInvokeAsync:   w.hookInvokeAsync,
		bootscript.HookFutureSettled: w.hookFutureSettled,
	}
	for name, fn := range hooks {
		if err := vm.Set(name, fn); err != nil {
			return fmt.Errorf("install %s: %w", name, err)
		}
	}

	if _, err := w.run(bootscript.Core, bootscript.Origin); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	ns, ok := vm.GlobalObject().Get(bootscript.Namespace).(*goja.Object)
	if !ok {
		return errors.New("bootstrap: namespace missing")
	}
	adopt, ok := goja.AssertFunction(ns.Get(bootscript.AdoptFn))
	if !ok {
		return errors.New("bootstrap: adopt helper missing")
	}
	w.adoptFn = adopt

	rt.vm = vm
	rt.w = w
	return nil
}

// run compiles and executes src on the loop under the given origin name.
func (w *worker) run(src, origin string) (goja.Value, error) {
	prg, err := goja.Compile(origin, src, false)
	if err != nil {
		return nil, scriptError(err, src, origin)
	}
	res, err := w.vm.RunProgram(prg)
	if err != nil {
		return nil, scriptError(err, src, origin)
	}
	return res, nil
}

// scriptError normalizes engine failures into *ScriptError. Syntax
// errors are re-parsed to recover an exact position; runtime throws
// already carry their location in the message.
func scriptError(err error, src, origin string) error {
	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		se := &ScriptError{Message: err.Error(), Origin: origin}
		if _, perr := parser.ParseFile(nil, origin, src, 0); perr != nil {
			var list parser.ErrorList
			if errors.As(perr, &list) && len(list) > 0 {
				se.Message = list[0].Message
				se.Line = list[0].Position.Line
				se.Column = list[0].Position.Column
			}
		}
		return se
	}
	return &ScriptError{Message: err.Error(), Origin: origin}
}

// do runs fn on the loop and waits for it. Callers blocked here are
// released with ErrClosed if the runtime shuts down underneath them.
func (rt *Runtime) do(fn func(w *worker) error) error {
	if err := rt.aliveErr(); err != nil {
		return err
	}
	done := make(chan error, 1)
	rt.loop.RunOnLoop(func(*goja.Runtime) {
		done <- fn(rt.w)
	})
	select {
	case err := <-done:
		return err
	case <-rt.done:
		// The loop stopped; the job may still have completed first.
		select {
		case err := <-done:
			return err
		default:
			return rt.aliveErr()
		}
	}
}

func (rt *Runtime) aliveErr() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.closed {
		return nil
	}
	if rt.fatalErr != nil {
		return fmt.Errorf("%w: %v", ErrClosed, rt.fatalErr)
	}
	return ErrClosed
}

// Eval evaluates src as a script and returns its completion value as a
// detached Value. A promise result comes back as an awaitable handle.
func (rt *Runtime) Eval(src string) (*Value, error) {
	return rt.EvalScript(src, "<eval>")
}

// EvalScript is Eval under an explicit origin name, which shows up in
// error positions and stack traces.
func (rt *Runtime) EvalScript(src, origin string) (*Value, error) {
	rt.log.Debug("eval", zap.String("origin", origin))
	var out *Value
	err := rt.do(func(w *worker) error {
		res, err := w.run(src, origin)
		if err != nil {
			return err
		}
		out, err = w.resultValue(res)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Call invokes a script function by name with the given arguments and
// bridges the result exactly like Eval. Dotted names walk object
// properties ("api.handlers.run"); the last object on the path becomes
// the this value of the call.
func (rt *Runtime) Call(fn string, args ...*Value) (*Value, error) {
	rt.log.Debug("call", zap.String("fn", fn))
	var out *Value
	err := rt.do(func(w *worker) error {
		callable, this, err := w.lookup(fn)
		if err != nil {
			return err
		}
		nargs := make([]goja.Value, len(args))
		for i, a := range args {
			na, err := w.toNative(a, 0)
			if err != nil {
				return fmt.Errorf("argument %d: %w", i, err)
			}
			nargs[i] = na
		}
		res, err := callable(this, nargs...)
		if err != nil {
			return scriptError(err, "", fn)
		}
		out, err = w.resultValue(res)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (w *worker) lookup(path string) (goja.Callable, goja.Value, error) {
	var owner goja.Value = w.vm.GlobalObject()
	var cur goja.Value = w.vm.GlobalObject()
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(*goja.Object)
		if !ok {
			return nil, nil, &ScriptError{Message: fmt.Sprintf("%q is not an object", path), Origin: "<call>"}
		}
		owner = obj
		cur = obj.Get(part)
		if cur == nil {
			return nil, nil, &ScriptError{Message: fmt.Sprintf("%q is not defined", path), Origin: "<call>"}
		}
	}
	fn, ok := goja.AssertFunction(cur)
	if !ok {
		return nil, nil, &ScriptError{Message: fmt.Sprintf("%q is not a function", path), Origin: "<call>"}
	}
	return fn, owner, nil
}

// SetGlobal converts v and installs it as a global variable.
func (rt *Runtime) SetGlobal(name string, v *Value) error {
	return rt.do(func(w *worker) error {
		nv, err := w.toNative(v, 0)
		if err != nil {
			return err
		}
		return w.vm.GlobalObject().Set(name, nv)
	})
}

// GetGlobal snapshots a global variable. Promises are not adopted here:
// a promise stored in a global snapshots as an empty object. Evaluate an
// expression instead to obtain an awaitable handle.
func (rt *Runtime) GetGlobal(name string) (*Value, error) {
	var out *Value
	err := rt.do(func(w *worker) error {
		v, err := w.snapshot(w.vm.GlobalObject().Get(name), 0)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterOp makes op invocable from script as esses.invokeSync(name, …)
// or esses.invoke(name, …). Registering a name again replaces the
// previous op. Safe from any goroutine at any time.
func (rt *Runtime) RegisterOp(name string, op Op) error {
	if name == "" {
		return errors.New("op name must not be empty")
	}
	if op == nil {
		return errors.New("op must not be nil")
	}
	rt.opsMu.Lock()
	rt.ops[name] = op
	rt.opsMu.Unlock()
	rt.log.Debug("op registered", zap.String("name", name))
	return nil
}

func (rt *Runtime) lookupOp(name string) Op {
	rt.opsMu.RLock()
	defer rt.opsMu.RUnlock()
	return rt.ops[name]
}

// ===== Native hooks =====
//
// Installed on the global object before the bootstrap script runs; the
// script wraps them into the esses namespace. They execute on the loop.

// opCall validates a hook invocation and snapshots its arguments.
func (w *worker) opCall(call goja.FunctionCall) (string, Op, []*Value) {
	if len(call.Arguments) == 0 {
		panic(w.vm.NewTypeError("operation name required"))
	}
	name := call.Arguments[0].String()
	op := w.rt.lookupOp(name)
	if op == nil {
		panic(w.vm.NewTypeError("no operation %q registered", name))
	}
	args := make([]*Value, 0, len(call.Arguments)-1)
	for _, a := range call.Arguments[1:] {
		v, err := w.snapshot(a, 0)
		if err != nil {
			panic(w.vm.NewGoError(fmt.Errorf("op %s argument: %w", name, err)))
		}
		args = append(args, v)
	}
	return name, op, args
}

func (w *worker) hookInvokeSync(call goja.FunctionCall) goja.Value {
	name, op, args := w.opCall(call)
	res, err := op(args)
	if err != nil {
		panic(w.vm.NewGoError(fmt.Errorf("op %s: %w", name, err)))
	}
	nv, err := w.toNative(res, 0)
	if err != nil {
		panic(w.vm.NewGoError(fmt.Errorf("op %s result: %w", name, err)))
	}
	return nv
}

func (w *worker) hookInvokeAsync(call goja.FunctionCall) goja.Value {
	name, op, args := w.opCall(call)
	p, resolve, reject := w.vm.NewPromise()
	loop := w.rt.loop
	go func() {
		res, err := op(args)
		loop.RunOnLoop(func(vm *goja.Runtime) {
			if err != nil {
				reject(vm.NewGoError(fmt.Errorf("op %s: %w", name, err)))
				return
			}
			nv, err := w.toNative(res, 0)
			if err != nil {
				reject(vm.NewGoError(fmt.Errorf("op %s result: %w", name, err)))
				return
			}
			resolve(nv)
		})
	}()
	return w.vm.ToValue(p)
}

func (w *worker) hookFutureSettled(call goja.FunctionCall) goja.Value {
	id := uint64(call.Argument(0).ToInteger())
	rejected := call.Argument(1).ToBoolean()
	if err := w.settleFuture(id, rejected, call.Argument(2)); err != nil {
		w.log.Error("promise consistency violation",
			zap.Uint64("future_id", id), zap.Error(err))
		w.rt.poison(err)
		panic(w.vm.NewGoError(err))
	}
	return goja.Undefined()
}

// Interrupt aborts the currently running script with an interrupt
// exception carrying reason. Safe from any goroutine; it is the only way
// to stop a runaway script. Call ClearInterrupt before evaluating again.
func (rt *Runtime) Interrupt(reason string) {
	rt.vm.Interrupt(reason)
}

// ClearInterrupt re-arms the engine after an Interrupt so later evals
// can run.
func (rt *Runtime) ClearInterrupt() {
	rt.vm.ClearInterrupt()
}

// poison records a fatal error and shuts the loop down from within a
// loop job. Later host calls fail with ErrClosed wrapping the cause.
func (rt *Runtime) poison(cause error) {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return
	}
	rt.closed = true
	rt.fatalErr = cause
	rt.mu.Unlock()

	rt.w.failPending("runtime is closed: " + cause.Error())
	rt.loop.StopNoWait()
	close(rt.done)
}

// Close stops the runtime: the current job finishes (use Interrupt for a
// stuck script), queued work is dropped, and every pending promise is
// rejected with a runtime-closed error so blocked Await callers fail
// fast. Close is idempotent and safe from any goroutine, but must not be
// called from an op running on the loop.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	rt.mu.Unlock()

	rt.loop.Stop()
	// The loop is down; nothing else can touch worker state anymore.
	rt.w.failPending("runtime is closed")
	close(rt.done)
	rt.log.Debug("runtime closed")
	return nil
}
