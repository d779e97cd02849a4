package goroutine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecover_NoPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)

	func() {
		defer Recover("quiet", zap.New(core).Sugar())
	}()

	assert.Zero(t, logs.Len())
}

func TestRecover_LogsPanic(t *testing.T) {
	tests := []struct {
		name  string
		value any
	}{
		{"string", "boom"},
		{"error", errors.New("db closed")},
		{"int", 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.ErrorLevel)

			func() {
				defer Recover("api-server", zap.New(core).Sugar())
				panic(tt.value)
			}()

			require.Equal(t, 1, logs.Len())
			entry := logs.All()[0]
			assert.Equal(t, zapcore.ErrorLevel, entry.Level)
			assert.Equal(t, "Goroutine panic recovered", entry.Message)

			fields := entry.ContextMap()
			assert.Equal(t, "api-server", fields["goroutine"])
			assert.Contains(t, fields["stack"], "goroutine")
		})
	}
}

func TestRecover_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		defer Recover("no-logger", nil)
		panic("unlogged")
	})
}

func TestGo(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	logger := zap.New(core).Sugar()

	var wg sync.WaitGroup
	wg.Add(2)
	ran := false
	Go("worker", logger, func() {
		defer wg.Done()
		ran = true
	})
	Go("crasher", logger, func() {
		defer wg.Done()
		panic("crash")
	})
	wg.Wait()

	assert.True(t, ran)
	// wg.Done runs before Recover logs; wait for the entry
	assert.Eventually(t, func() bool { return logs.Len() == 1 }, time.Second, 10*time.Millisecond)
}
