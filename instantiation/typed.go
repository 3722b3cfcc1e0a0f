package instantiation

import (
	"fmt"
	"reflect"
)

// Get resolves id through a and asserts the result to T.
func Get[T any](a Accessor, id *ServiceIdentifier) (T, error) {
	var zero T
	v, err := a.Get(id)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, &TypeMismatchError{ID: id.String(), Expected: typeName[T](), Got: fmt.Sprintf("%T", v)}
	}
	return t, nil
}

// Create constructs ctor and asserts the result to T.
func Create[T any](s *InstantiationService, ctor *Ctor, args ...any) (T, error) {
	var zero T
	v, err := s.CreateInstance(ctor, args...)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, &TypeMismatchError{ID: ctor.Name, Expected: typeName[T](), Got: fmt.Sprintf("%T", v)}
	}
	return t, nil
}

// Invoke is InvokeFunction for functions that produce a value.
func Invoke[T any](s *InstantiationService, fn func(a Accessor) (T, error)) (T, error) {
	var res T
	err := s.InvokeFunction(func(a Accessor) error {
		var err error
		res, err = fn(a)
		return err
	})
	return res, err
}

func typeName[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}
