// Package goroutine runs background goroutines with panic recovery.
package goroutine

import (
	"fmt"
	"os"
	"runtime"

	"go.uber.org/zap"
)

const (
	// StackTraceBufferSize is the buffer size for stack trace collection
	StackTraceBufferSize = 4096
)

// Recover recovers from panics in goroutines and logs them with a stack trace.
// If logger is nil, it falls back to stderr so the panic is still recorded.
func Recover(name string, logger *zap.SugaredLogger) {
	r := recover()
	if r == nil {
		return
	}
	buf := make([]byte, StackTraceBufferSize)
	n := runtime.Stack(buf, false)

	if logger == nil {
		fmt.Fprintf(os.Stderr, "PANIC in goroutine %s (no logger): %v\n%s\n", name, r, buf[:n])
		return
	}
	logger.Errorw("Goroutine panic recovered",
		"goroutine", name,
		"panic", r,
		"stack", string(buf[:n]))
}

// Go runs fn in a new goroutine named name. A panic in fn is logged and
// does not crash the process.
func Go(name string, logger *zap.SugaredLogger, fn func()) {
	go func() {
		defer Recover(name, logger)
		fn()
	}()
}
