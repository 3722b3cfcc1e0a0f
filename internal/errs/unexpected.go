// Package errs funnels unexpected errors and recovered panics from anywhere in a process
// into a single handler, so they are logged with a stack instead of crashing the process.
package errs

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Handler receives unexpected errors.
type Handler func(err error)

var (
	handlerMut sync.RWMutex
	handler    Handler = func(err error) {
		fmt.Printf("unexpected error: %+v\n", err)
	}
)

// SetUnexpectedErrorHandler replaces the process-wide handler.
func SetUnexpectedErrorHandler(h Handler) {
	handlerMut.Lock()
	defer handlerMut.Unlock()
	handler = h
}

// OnUnexpectedError reports err to the process-wide handler. Errors without a stack get one attached here.
func OnUnexpectedError(err error) {
	if err == nil {
		return
	}
	if _, ok := err.(interface{ StackTrace() errors.StackTrace }); !ok {
		err = errors.WithStack(err)
	}
	handlerMut.RLock()
	h := handler
	handlerMut.RUnlock()
	h(err)
}

// Recover is meant to be deferred at the top of goroutines.
// A panic is converted into an error carrying the panic site's stack and reported.
func Recover() {
	if r := recover(); r != nil {
		OnUnexpectedError(panicError(r))
	}
}

// Go runs fn in a new goroutine guarded by Recover.
func Go(fn func()) {
	go func() {
		defer Recover()
		fn()
	}()
}

// FromPanic converts a recovered panic value into an error with a stack.
func FromPanic(r any) error {
	return panicError(r)
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return errors.Wrap(err, "panic")
	}
	return errors.Errorf("panic: %v", r)
}

// LogHandler returns a Handler which logs the error and its stack with log.
func LogHandler(log *zap.SugaredLogger, prefix string) Handler {
	return func(err error) {
		log.Errorf("[%s]: %s", prefix, err)
		log.Errorf("%+v", err)
	}
}
