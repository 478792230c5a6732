package exception

import (
	"fmt"
	"runtime/debug"

	"github.com/mezonai/peerpay/logx"
	"github.com/mezonai/peerpay/monitoring"
)

// SafeGo runs fn on a new goroutine and converts a panic into a log line and a metric.
func SafeGo(name string, fn func()) {
	go func() {
		defer Recover(name)
		fn()
	}()
}

// Recover must be deferred directly.
func Recover(name string) {
	if r := recover(); r != nil {
		monitoring.IncreasePanicCount()
		logx.Error("PANIC", "Panic in: ", name, " ", r, "\n", string(debug.Stack()))
	}
}

// SafeCall invokes fn and turns a panic into an error, used for user supplied callbacks.
func SafeCall(name string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.IncreasePanicCount()
			logx.Error("PANIC", "Panic in callback: ", name, " ", r)
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	fn()
	return nil
}
