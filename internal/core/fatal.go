package core

import (
	"fmt"
	"sync/atomic"
)

// PanicHook halts the process after an invariant violation.
type PanicHook func(msg string)

var panicHook atomic.Pointer[PanicHook]

// SetPanicHook replaces the handler used by Fatal. Passing nil restores
// the default, which panics.
func SetPanicHook(fn PanicHook) {
	if fn == nil {
		panicHook.Store(nil)
		return
	}
	panicHook.Store(&fn)
}

// Fatal reports a detected invariant violation.
func Fatal(msg string) {
	if fn := panicHook.Load(); fn != nil {
		(*fn)(msg)
		return
	}
	panic("satcat5: " + msg)
}

// Fatalf is Fatal with formatting.
func Fatalf(format string, args ...interface{}) {
	Fatal(fmt.Sprintf(format, args...))
}
