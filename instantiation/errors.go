package instantiation

import (
	"fmt"
	"strings"
)

// UnresolvedDependencyError is returned when a required service has no registration
// anywhere in the container chain.
type UnresolvedDependencyError struct {
	ID   string
	Type string
}

func (e *UnresolvedDependencyError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("unknown service %q", e.ID)
	}
	return fmt.Sprintf("[createInstance] %s depends on unknown service %q", e.Type, e.ID)
}

// CyclicDependencyError is returned when resolution revisits a type that is still being constructed.
type CyclicDependencyError struct {
	Path []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency between services: %s", strings.Join(e.Path, " -> "))
}

// AccessorExpiredError is returned when an Accessor is used after InvokeFunction returned.
type AccessorExpiredError struct {
	ID string
}

func (e *AccessorExpiredError) Error() string {
	return fmt.Sprintf("service accessor is only valid during the invocation of its target method (requested %q)", e.ID)
}

// ConstructionError wraps an error returned by a constructor.
type ConstructionError struct {
	Type string
	Err  error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("constructing %s: %v", e.Type, e.Err)
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}

// TypeMismatchError is returned by the typed helpers when a service does not have the requested type.
type TypeMismatchError struct {
	ID       string
	Expected string
	Got      string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("service %q: type mismatch: expected %s, got %s", e.ID, e.Expected, e.Got)
}
