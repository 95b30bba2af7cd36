// Package recovery keeps a panic in a background goroutine from taking
// down the host process.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/lauramikodo-star/zauraHook-sub000/internal/logging"
)

// RecoverWithLog recovers a panic and logs it with its stack. Defer it
// first thing in every goroutine the client starts.
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "relay.cleanupLoop")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWithCallback is RecoverWithLog plus a callback that receives the
// recovered value, used to move the owner into a terminal state.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered any)) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if callback != nil {
			callback(r)
		}
	}
}

func logPanic(logger *slog.Logger, name string, r any) {
	logging.OrNop(logger).Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
