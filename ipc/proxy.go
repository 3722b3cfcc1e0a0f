package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// FromService exposes the exported methods of service as a ServerChannel.
//
// Methods of the form
//
//	func(ctx context.Context[, arg A]) ([R, ]error)
//
// become commands, and methods of the form
//
//	func OnX(listener func(T)) (unsubscribe func())
//
// become events. Command and event names are the method names with a lower-case first letter,
// so Checksum is called as "checksum" and OnStateChange is listened to as "onStateChange".
// Other methods are not exposed.
func FromService(name string, service any) ServerChannel {
	v := reflect.ValueOf(service)
	p := &serviceChannel{
		name:     name,
		commands: map[string]reflect.Value{},
		events:   map[string]reflect.Value{},
	}
	t := v.Type()
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		fn := v.Method(i)
		switch {
		case isEvent(m.Name, fn.Type()):
			p.events[lowerFirst(m.Name)] = fn
		case isCommand(fn.Type()):
			p.commands[lowerFirst(m.Name)] = fn
		}
	}
	return p
}

type serviceChannel struct {
	name     string
	commands map[string]reflect.Value
	events   map[string]reflect.Value
}

func isEvent(name string, t reflect.Type) bool {
	if !strings.HasPrefix(name, "On") || len(name) < 3 {
		return false
	}
	r, _ := utf8.DecodeRuneInString(name[2:])
	if !unicode.IsUpper(r) {
		return false
	}
	if t.NumIn() != 1 || t.NumOut() != 1 {
		return false
	}
	l := t.In(0)
	if l.Kind() != reflect.Func || l.NumIn() != 1 || l.NumOut() != 0 {
		return false
	}
	u := t.Out(0)
	return u.Kind() == reflect.Func && u.NumIn() == 0 && u.NumOut() == 0
}

func isCommand(t reflect.Type) bool {
	if t.NumIn() < 1 || t.NumIn() > 2 || t.In(0) != contextType {
		return false
	}
	switch t.NumOut() {
	case 1:
		return t.Out(0) == errorType
	case 2:
		return t.Out(1) == errorType
	}
	return false
}

func lowerFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[n:]
}

func (p *serviceChannel) Call(ctx context.Context, _ string, command string, arg json.RawMessage) (any, error) {
	fn, ok := p.commands[command]
	if !ok {
		return nil, &UnknownCommandError{Channel: p.name, Command: command}
	}
	t := fn.Type()
	in := []reflect.Value{reflect.ValueOf(ctx)}
	if t.NumIn() == 2 {
		argPtr := reflect.New(t.In(1))
		if len(arg) > 0 {
			if err := json.Unmarshal(arg, argPtr.Interface()); err != nil {
				return nil, fmt.Errorf("decoding argument of %s: %w", command, err)
			}
		}
		in = append(in, argPtr.Elem())
	}
	out := fn.Call(in)
	errV := out[len(out)-1]
	if !errV.IsNil() {
		return nil, errV.Interface().(error)
	}
	if len(out) == 2 {
		return out[0].Interface(), nil
	}
	return nil, nil
}

func (p *serviceChannel) Listen(ctx context.Context, _ string, event string, _ json.RawMessage) (<-chan any, error) {
	fn, ok := p.events[event]
	if !ok {
		return nil, &UnknownEventError{Channel: p.name, Event: event}
	}
	listenerType := fn.Type().In(0)
	subscribe := func(listener func(any)) func() {
		l := reflect.MakeFunc(listenerType, func(args []reflect.Value) []reflect.Value {
			listener(args[0].Interface())
			return nil
		})
		unsubscribe := fn.Call([]reflect.Value{l})[0]
		return func() { unsubscribe.Call(nil) }
	}
	return EventStream(ctx, subscribe), nil
}

// ServiceClient is the caller's view of a service exposed with FromService.
type ServiceClient struct {
	ch      Channel
	methods map[string]bool
	events  map[string]bool
}

type ServiceClientOption func(c *ServiceClient)

// WithMethods restricts the commands a client may call. Calls to other names fail locally
// with an UnknownCommandError instead of making a round trip.
func WithMethods(names ...string) ServiceClientOption {
	return func(c *ServiceClient) {
		c.methods = map[string]bool{}
		for _, n := range names {
			c.methods[n] = true
		}
	}
}

// WithEvents restricts the events a client may subscribe to. Other names fail locally
// with an UnknownEventError.
func WithEvents(names ...string) ServiceClientOption {
	return func(c *ServiceClient) {
		c.events = map[string]bool{}
		for _, n := range names {
			c.events[n] = true
		}
	}
}

// ToService wraps ch so that method calls route to Call and event subscriptions route to Listen.
func ToService(ch Channel, opts ...ServiceClientOption) *ServiceClient {
	c := &ServiceClient{ch: ch}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Call invokes method with arg and decodes the result into result, which may be nil.
func (c *ServiceClient) Call(ctx context.Context, method string, result any, arg any) error {
	if c.methods != nil && !c.methods[method] {
		return &UnknownCommandError{Command: method}
	}
	raw, err := c.ch.Call(ctx, method, arg)
	if err != nil {
		return err
	}
	if result == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("decoding result of %s: %w", method, err)
	}
	return nil
}

func (c *ServiceClient) Listen(ctx context.Context, event string) (<-chan json.RawMessage, error) {
	if c.events != nil && !c.events[event] {
		return nil, &UnknownEventError{Event: event}
	}
	return c.ch.Listen(ctx, event, nil)
}

// On subscribes fn to event until the returned unsubscribe function is called.
// Values that fail to decode are dropped.
func On[T any](c *ServiceClient, event string, fn func(T)) (unsubscribe func(), err error) {
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := c.Listen(ctx, event)
	if err != nil {
		cancel()
		return nil, err
	}
	go func() {
		for raw := range stream {
			v, err := Decode[T](raw)
			if err != nil {
				continue
			}
			fn(v)
		}
	}()
	return cancel, nil
}
