package esruntime

import (
	"fmt"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/sagudev/es-runtime/internal/bootscript"
)

// future is the host half of a promise handle: the correlation id minted
// for the native promise, and the channel its settlement arrives on. The
// channel is buffered so the event loop never blocks on delivery, and it
// carries exactly one settlement ever.
type future struct {
	id uint64
	ch chan settlement
}

// settlement is the outcome of a settled promise, already snapshotted
// into a detached Value.
type settlement struct {
	value    *Value
	rejected bool
}

// Await blocks until the promise settles or timeout elapses.
//
// A resolution returns the settled Value. A rejection returns a
// *RejectedError carrying the rejection Value: the computation failed.
// That is a different thing from ErrAwaitTimeout, which means only that
// this call gave up waiting; after a timeout the registration is still
// intact and a later Await can receive the settlement.
//
// Awaiting a Value that is not a promise returns an immediate
// *RejectedError; it does not wait. The settlement is delivered exactly
// once, so with several concurrent waiters exactly one of them receives
// it.
func (v *Value) Await(timeout time.Duration) (*Value, error) {
	if v.kind != kindFuture {
		return nil, &RejectedError{Reason: NewString("value is not a promise")}
	}
	select {
	case s := <-v.fut.ch:
		return s.unpack()
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s := <-v.fut.ch:
		return s.unpack()
	case <-timer.C:
		return nil, ErrAwaitTimeout
	}
}

func (s settlement) unpack() (*Value, error) {
	if s.rejected {
		return nil, &RejectedError{Reason: s.value}
	}
	return s.value, nil
}

// isNativePromise reports whether a live engine value is a promise.
func isNativePromise(v goja.Value) bool {
	obj, ok := v.(*goja.Object)
	if !ok {
		return false
	}
	_, ok = obj.Export().(*goja.Promise)
	return ok
}

// resultValue turns an eval or call result into a detached Value. A
// promise result is adopted: the worker mints a correlation id,
// snapshots a marker object in its place (which registers the delivery
// channel), and only then attaches the settlement handlers. That order
// makes registration happen before any settlement can fire. A failure
// at any step unregisters the id before the error returns.
func (w *worker) resultValue(res goja.Value) (*Value, error) {
	if res == nil || !isNativePromise(res) {
		return w.snapshot(res, 0)
	}
	id := w.futures.Insert(nil)
	marker := w.vm.NewObject()
	if err := marker.Set(bootscript.FutureIDProp, id); err != nil {
		w.futures.Remove(id)
		return nil, fmt.Errorf("mark future %d: %w", id, err)
	}
	val, err := w.snapshot(marker, 0)
	if err != nil {
		w.futures.Remove(id)
		return nil, err
	}
	if _, err := w.adoptFn(goja.Undefined(), res, w.vm.ToValue(id)); err != nil {
		w.futures.Remove(id)
		return nil, fmt.Errorf("adopt future %d: %w", id, err)
	}
	return val, nil
}

// settleFuture delivers a settled outcome to the channel registered for
// id. Removing the registry entry first is what enforces exactly-once
// delivery: a second settlement for the same id, or a settlement for an
// id that was never minted, finds no entry and is a consistency
// violation. A live id whose marker was never snapshotted has no
// receiver; its outcome is dropped.
func (w *worker) settleFuture(id uint64, rejected bool, nv goja.Value) error {
	ch, err := w.futures.Remove(id)
	if err != nil {
		return &ConsistencyError{FutureID: id, Reason: "not pending (settled twice or never issued)"}
	}
	val, err := w.snapshot(nv, 0)
	if err != nil {
		val = NewString("settled value could not bridge: " + err.Error())
		rejected = true
	}
	if ch == nil {
		w.log.Debug("future settled with no receiver", zap.Uint64("future_id", id))
		return nil
	}
	ch <- settlement{value: val, rejected: rejected}
	return nil
}

// failPending rejects every pending future with reason. Runs on the
// loop as the last act before the runtime stops, so blocked Await
// callers fail fast instead of waiting out their timeouts. A channel
// already holding an undelivered settlement keeps it.
func (w *worker) failPending(reason string) {
	for id, ch := range w.futures.entries {
		if ch != nil {
			select {
			case ch <- settlement{value: NewString(reason), rejected: true}:
			default:
			}
		}
		delete(w.futures.entries, id)
	}
}
