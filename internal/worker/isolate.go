package worker

import (
	"runtime/debug"

	"github.com/banyancomputer/banyan-core-sub001/internal/task"
)

// runIsolated executes fn on its own goroutine and reports how it ended. A
// panic comes back as *task.PanicError and a runtime.Goexit as
// task.ErrAbnormalExit; neither unwinds the caller.
//
// Goroutines started by fn itself are outside the boundary.
func runIsolated(fn func() error) error {
	done := make(chan error, 1)
	go func() {
		returned := false
		defer func() {
			if r := recover(); r != nil {
				done <- &task.PanicError{Value: r, Stack: debug.Stack()}
				return
			}
			if !returned {
				done <- task.ErrAbnormalExit
			}
		}()
		err := fn()
		returned = true
		done <- err
	}()
	return <-done
}
