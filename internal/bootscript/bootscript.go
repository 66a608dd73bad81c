// Package bootscript carries the startup script evaluated into every
// runtime, plus the property and hook names that keep the script and the
// Go side of the bridge in sync.
package bootscript

import _ "embed"

// Core is the startup script. It defines the global esses namespace on
// top of the native hooks the runtime installs first. Evaluated once,
// before any user script; a failure here is fatal to runtime
// construction.
//
//go:embed core.js
var Core string

// Origin is the script name Core is evaluated under, as it appears in
// stack traces and error positions.
const Origin = "esses_core.js"

// FutureIDProp is the reserved marker property. An object carrying it is
// not data: it is a handle standing in for a promise, and the property
// holds the correlation id its settlement will be delivered under.
const FutureIDProp = "__esses_future_obj_id"

// Names of the native hooks installed on the global object before Core
// runs. Core captures them in a closure, so a script clobbering the
// globals afterwards cannot break the bridge.
const (
	HookInvokeSync    = "__esses_invoke_sync"
	HookInvokeAsync   = "__esses_invoke_async"
	HookFutureSettled = "__esses_future_settled"
)

// Namespace is the global object Core defines; AdoptFn is the property
// on it the runtime calls to wire a promise to the settlement hook.
const (
	Namespace = "esses"
	AdoptFn   = "_adopt"
)
