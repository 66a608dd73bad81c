package esruntime

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	rt, err := New(opts...)
	if err != nil {
		t.Fatalf("New(): %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	return rt
}

// ===== Eval =====

func TestEvalExpressions(t *testing.T) {
	rt := newTestRuntime(t)

	tests := []struct {
		src  string
		want string // rendered result
	}{
		{"1 + 2", "3"},
		{"6 * 7", "42"},
		{"'a' + 'b'", `"ab"`},
		{"3 > 2", "true"},
		{"[1, 2, 3].length", "3"},
		{"({x: 1}).x", "1"},
		{"var n = 5; n * n", "25"},
		{"undefined", "null"},
		{"", "null"},
	}
	for _, tt := range tests {
		v, err := rt.Eval(tt.src)
		if err != nil {
			t.Errorf("Eval(%q): %v", tt.src, err)
			continue
		}
		if got := v.String(); got != tt.want {
			t.Errorf("Eval(%q) = %s, want %s", tt.src, got, tt.want)
		}
	}
}

func TestEvalSyntaxError(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := rt.EvalScript("let a = ;", "broken.js")
	var se *ScriptError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *ScriptError", err)
	}
	if se.Origin != "broken.js" {
		t.Errorf("Origin = %q, want \"broken.js\"", se.Origin)
	}
	if se.Line != 1 || se.Column <= 0 {
		t.Errorf("position = %d:%d, want line 1 with a column", se.Line, se.Column)
	}
	if se.Message == "" {
		t.Error("Message is empty")
	}
}

func TestEvalThrow(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := rt.EvalScript("throw new Error('boom')", "thrower.js")
	var se *ScriptError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *ScriptError", err)
	}
	if !strings.Contains(se.Message, "boom") {
		t.Errorf("Message = %q, want it to mention boom", se.Message)
	}
	if se.Origin != "thrower.js" {
		t.Errorf("Origin = %q, want \"thrower.js\"", se.Origin)
	}

	// A throw poisons nothing; the instance keeps working.
	if v, err := rt.Eval("'alive'"); err != nil {
		t.Fatalf("eval after throw: %v", err)
	} else if s, _ := v.AsString(); s != "alive" {
		t.Errorf("eval after throw = %v", v)
	}
}

func TestEvalStackOverflow(t *testing.T) {
	rt := newTestRuntime(t, WithMaxCallStackSize(64))

	if _, err := rt.Eval("function r(n) { return r(n + 1); } r(0)"); err == nil {
		t.Error("unbounded recursion evaluated without error")
	}
}

// ===== Host operations =====

func TestRegisterOpValidation(t *testing.T) {
	rt := newTestRuntime(t)

	if err := rt.RegisterOp("", func([]*Value) (*Value, error) { return nil, nil }); err == nil {
		t.Error("empty op name accepted")
	}
	if err := rt.RegisterOp("noop", nil); err == nil {
		t.Error("nil op accepted")
	}
}

func TestInvokeSync(t *testing.T) {
	rt := newTestRuntime(t)

	pair := func(args []*Value) (int32, int32, error) {
		if len(args) != 2 {
			return 0, 0, fmt.Errorf("want 2 args, got %d", len(args))
		}
		a, err := args[0].AsInt32()
		if err != nil {
			return 0, 0, err
		}
		b, err := args[1].AsInt32()
		if err != nil {
			return 0, 0, err
		}
		return a, b, nil
	}
	mustRegister := func(name string, op Op) {
		t.Helper()
		if err := rt.RegisterOp(name, op); err != nil {
			t.Fatalf("RegisterOp(%q): %v", name, err)
		}
	}
	mustRegister("pair_ratio", func(args []*Value) (*Value, error) {
		a, b, err := pair(args)
		if err != nil {
			return nil, err
		}
		return NewFloat64(float64(a) / float64(b)), nil
	})
	mustRegister("pair_product", func(args []*Value) (*Value, error) {
		a, b, err := pair(args)
		if err != nil {
			return nil, err
		}
		return NewInt32(a * b), nil
	})
	mustRegister("pair_less", func(args []*Value) (*Value, error) {
		a, b, err := pair(args)
		if err != nil {
			return nil, err
		}
		return NewBool(a < b), nil
	})
	mustRegister("pair_tag", func(args []*Value) (*Value, error) {
		a, b, err := pair(args)
		if err != nil {
			return nil, err
		}
		return NewString(fmt.Sprintf("%d-%d", a, b)), nil
	})

	v, err := rt.Eval("esses.invokeSync('pair_ratio', 13, 17)")
	if err != nil {
		t.Fatal(err)
	}
	if f, err := v.AsFloat64(); err != nil || f != 13.0/17.0 {
		t.Errorf("pair_ratio = %v (%v), want %v", v, err, 13.0/17.0)
	}

	v, err = rt.Eval("esses.invokeSync('pair_product', 13, 17)")
	if err != nil {
		t.Fatal(err)
	}
	if n, err := v.AsInt32(); err != nil || n != 221 {
		t.Errorf("pair_product = %v (%v), want 221", v, err)
	}

	v, err = rt.Eval("esses.invokeSync('pair_less', 13, 17)")
	if err != nil {
		t.Fatal(err)
	}
	if b, err := v.AsBool(); err != nil || !b {
		t.Errorf("pair_less = %v (%v), want true", v, err)
	}

	v, err = rt.Eval("esses.invokeSync('pair_tag', 13, 17)")
	if err != nil {
		t.Fatal(err)
	}
	if s, err := v.AsString(); err != nil || s != "13-17" {
		t.Errorf("pair_tag = %v (%v), want \"13-17\"", v, err)
	}
}

func TestInvokeSyncUnknownOp(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := rt.Eval("esses.invokeSync('no_such_op')")
	if err == nil || !strings.Contains(err.Error(), "no operation") {
		t.Errorf("unknown op error = %v", err)
	}
}

func TestInvokeSyncOpError(t *testing.T) {
	rt := newTestRuntime(t)

	if err := rt.RegisterOp("fail_always", func([]*Value) (*Value, error) {
		return nil, errors.New("kaboom")
	}); err != nil {
		t.Fatal(err)
	}

	// Uncaught, the failure surfaces to the host.
	_, err := rt.Eval("esses.invokeSync('fail_always')")
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Errorf("op failure = %v, want it to mention kaboom", err)
	}

	// Caught, the script sees a regular exception.
	v, err := rt.Eval("try { esses.invokeSync('fail_always'); 'no throw' } catch (e) { e.message }")
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := v.AsString(); !strings.Contains(s, "kaboom") {
		t.Errorf("caught message = %v", v)
	}
}

func TestInvokeAsync(t *testing.T) {
	rt := newTestRuntime(t)

	if err := rt.RegisterOp("slow_echo", func(args []*Value) (*Value, error) {
		time.Sleep(20 * time.Millisecond)
		return args[0], nil
	}); err != nil {
		t.Fatal(err)
	}

	v, err := rt.Eval("esses.invoke('slow_echo', 'payload')")
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsPromise() {
		t.Fatalf("esses.invoke returned %v, want promise", v)
	}
	res, err := v.Await(2 * time.Second)
	if err != nil {
		t.Fatalf("Await(): %v", err)
	}
	if s, _ := res.AsString(); s != "payload" {
		t.Errorf("async op result = %v, want \"payload\"", res)
	}
}

func TestInvokeAsyncOpRejection(t *testing.T) {
	rt := newTestRuntime(t)

	if err := rt.RegisterOp("fail_later", func([]*Value) (*Value, error) {
		return nil, errors.New("kaboom")
	}); err != nil {
		t.Fatal(err)
	}

	v, err := rt.Eval("esses.invoke('fail_later')")
	if err != nil {
		t.Fatal(err)
	}
	_, err = v.Await(2 * time.Second)
	var rej *RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("Await() = %v, want *RejectedError", err)
	}
}

// Ops that run off the loop may call back into their own runtime.
func TestInvokeAsyncOpReenters(t *testing.T) {
	rt := newTestRuntime(t)

	if err := rt.RegisterOp("re_enter", func([]*Value) (*Value, error) {
		return rt.Eval("21 * 2")
	}); err != nil {
		t.Fatal(err)
	}

	v, err := rt.Eval("esses.invoke('re_enter')")
	if err != nil {
		t.Fatal(err)
	}
	res, err := v.Await(2 * time.Second)
	if err != nil {
		t.Fatalf("Await(): %v", err)
	}
	if n, _ := res.AsInt32(); n != 42 {
		t.Errorf("re-entrant op result = %v, want 42", res)
	}
}

// ===== Call =====

func TestCallGlobalFunction(t *testing.T) {
	rt := newTestRuntime(t)

	if _, err := rt.Eval("function add(a, b) { return a + b; }"); err != nil {
		t.Fatal(err)
	}
	v, err := rt.Call("add", NewInt32(2), NewInt32(3))
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := v.AsInt32(); n != 5 {
		t.Errorf("add(2, 3) = %v, want 5", v)
	}
}

func TestCallDottedPath(t *testing.T) {
	rt := newTestRuntime(t)

	src := "var api = { prefix: 'item-', tag: function (n) { return this.prefix + n; } }"
	if _, err := rt.Eval(src); err != nil {
		t.Fatal(err)
	}
	v, err := rt.Call("api.tag", NewInt32(7))
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := v.AsString(); s != "item-7" {
		t.Errorf("api.tag(7) = %v, want \"item-7\"", v)
	}
}

func TestCallObjectArgument(t *testing.T) {
	rt := newTestRuntime(t)

	if _, err := rt.Eval("function describe(o) { return o.name + ':' + o.size + ':' + o.extra.deep; }"); err != nil {
		t.Fatal(err)
	}
	arg := NewObject(map[string]*Value{
		"name":  NewString("disk"),
		"size":  NewInt32(42),
		"extra": NewObject(map[string]*Value{"deep": NewBool(true)}),
	})
	v, err := rt.Call("describe", arg)
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := v.AsString(); s != "disk:42:true" {
		t.Errorf("describe(obj) = %v, want \"disk:42:true\"", v)
	}
}

func TestCallErrors(t *testing.T) {
	rt := newTestRuntime(t)

	if _, err := rt.Eval("var notFn = 3"); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		fn   string
		want string
	}{
		{"undefined name", "noSuchFn", "not defined"},
		{"not callable", "notFn", "not a function"},
		{"path through non-object", "notFn.x", "not an object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rt.Call(tt.fn)
			var se *ScriptError
			if !errors.As(err, &se) {
				t.Fatalf("Call(%q) = %v, want *ScriptError", tt.fn, err)
			}
			if !strings.Contains(se.Message, tt.want) {
				t.Errorf("Call(%q) message = %q, want it to mention %q", tt.fn, se.Message, tt.want)
			}
		})
	}
}

func TestCallBridgesPromiseResult(t *testing.T) {
	rt := newTestRuntime(t)

	if _, err := rt.Eval("function defer() { return Promise.resolve('ok'); }"); err != nil {
		t.Fatal(err)
	}
	v, err := rt.Call("defer")
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsPromise() {
		t.Fatalf("defer() bridged as %v, want promise", v)
	}
	res, err := v.Await(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := res.AsString(); s != "ok" {
		t.Errorf("settled value = %v, want \"ok\"", res)
	}
}

// ===== Console =====

func TestConsoleRoutesToLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	rt := newTestRuntime(t, WithLogger(zap.New(core)))

	if _, err := rt.Eval("console.log('bridge online'); console.error('engine trouble')"); err != nil {
		t.Fatal(err)
	}

	if n := logs.FilterMessage("bridge online").Len(); n != 1 {
		t.Errorf("console.log recorded %d times, want 1", n)
	}
	got := logs.FilterMessage("engine trouble").All()
	if len(got) != 1 {
		t.Fatalf("console.error recorded %d times, want 1", len(got))
	}
	if got[0].Level != zap.ErrorLevel {
		t.Errorf("console.error level = %v, want error", got[0].Level)
	}
}

// ===== Interrupt =====

func TestInterruptStopsRunawayScript(t *testing.T) {
	rt := newTestRuntime(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := rt.Eval("for (;;) {}")
		errCh <- err
	}()

	time.Sleep(100 * time.Millisecond)
	rt.Interrupt("deadline")

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("runaway script evaluated without error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Interrupt did not stop the script")
	}

	rt.ClearInterrupt()
	if v, err := rt.Eval("'alive'"); err != nil {
		t.Fatalf("eval after interrupt: %v", err)
	} else if s, _ := v.AsString(); s != "alive" {
		t.Errorf("eval after interrupt = %v", v)
	}
}

// ===== Concurrency =====

func TestConcurrentEval(t *testing.T) {
	rt := newTestRuntime(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			v, err := rt.Eval(fmt.Sprintf("%d + %d", n, n))
			if err != nil {
				t.Errorf("eval %d: %v", n, err)
				return
			}
			if got, _ := v.AsInt32(); got != int32(2*n) {
				t.Errorf("eval %d = %v, want %d", n, v, 2*n)
			}
		}(i)
	}
	wg.Wait()
}

func TestParallelRuntimes(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			rt, err := New()
			if err != nil {
				t.Errorf("New(): %v", err)
				return
			}
			defer rt.Close()

			limit := 100 * (n + 1)
			v, err := rt.Eval(fmt.Sprintf(
				"(function () { var s = 0; for (var i = 0; i <= %d; i++) s += i; return s; })()", limit))
			if err != nil {
				t.Errorf("runtime %d: %v", n, err)
				return
			}
			want := int32(limit * (limit + 1) / 2)
			if got, _ := v.AsInt32(); got != want {
				t.Errorf("runtime %d = %v, want %d", n, v, want)
			}
		}(i)
	}
	wg.Wait()
}

func TestRuntimesAreIndependent(t *testing.T) {
	a := newTestRuntime(t)
	b := newTestRuntime(t)

	if _, err := a.Eval("var who = 'a'"); err != nil {
		t.Fatal(err)
	}

	v, err := b.GetGlobal("who")
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsUndefined() {
		t.Errorf("global leaked across instances: %v", v)
	}
	v, err = a.GetGlobal("who")
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := v.AsString(); s != "a" {
		t.Errorf("own global = %v, want \"a\"", v)
	}
}

// ===== Bootstrap =====

func TestNamespaceInstalled(t *testing.T) {
	rt := newTestRuntime(t)

	v, err := rt.Eval("typeof esses.invokeSync + '/' + typeof esses.invoke + '/' + typeof esses._adopt")
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := v.AsString(); s != "function/function/function" {
		t.Errorf("namespace shape = %v", v)
	}

	v, err = rt.Eval("esses.version")
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := v.AsString(); s == "" {
		t.Errorf("esses.version = %v, want a version string", v)
	}
}

func TestNamespaceNotReassignable(t *testing.T) {
	rt := newTestRuntime(t)

	v, err := rt.Eval("esses = null; typeof esses")
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := v.AsString(); s != "object" {
		t.Errorf("esses after reassignment attempt = %v, want object", v)
	}
}

// ===== Lifecycle =====

func TestCloseIdempotent(t *testing.T) {
	rt, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rt.Eval("1 + 1"); err != nil {
		t.Fatal(err)
	}

	if err := rt.Close(); err != nil {
		t.Errorf("first Close(): %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Errorf("second Close(): %v", err)
	}

	if _, err := rt.Eval("1 + 1"); !errors.Is(err, ErrClosed) {
		t.Errorf("eval after Close = %v, want ErrClosed", err)
	}
	if err := rt.SetGlobal("x", NewInt32(1)); !errors.Is(err, ErrClosed) {
		t.Errorf("SetGlobal after Close = %v, want ErrClosed", err)
	}
}
