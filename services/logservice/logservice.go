// Package logservice registers the process logger with the instantiation service.
package logservice

import (
	"github.com/guseggert/servicebus/instantiation"
	"go.uber.org/zap"
)

// ServiceID resolves to a *zap.SugaredLogger.
var ServiceID = instantiation.NewServiceIdentifier("logService")

// Entry registers log under ServiceID.
func Entry(log *zap.SugaredLogger) instantiation.Entry {
	return instantiation.Entry{ID: ServiceID, Value: log}
}

// From returns the logger resolved for a constructor dependency, falling back to a no-op logger.
func From(dep any) *zap.SugaredLogger {
	if l, ok := dep.(*zap.SugaredLogger); ok && l != nil {
		return l
	}
	return zap.NewNop().Sugar()
}
