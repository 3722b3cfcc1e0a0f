package instantiation

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// InstantiationServiceID resolves to the container doing the resolving.
// Every InstantiationService registers itself under it.
var InstantiationServiceID = NewServiceIdentifier("instantiationService")

// Accessor resolves services. It is handed to the function passed to InvokeFunction
// and stops working once that function returns.
type Accessor interface {
	Get(id *ServiceIdentifier) (any, error)
}

// InstantiationService resolves services and constructs types whose dependencies are
// declared by a Ctor. Lookups fall back to the parent container; lazily constructed
// services are stored in the container that registered their descriptor, so parent and
// children share them.
//
// Constructors run without any container lock held, so a constructor may itself use
// the container. Concurrent resolutions of the same lazy service wait for the first one.
type InstantiationService struct {
	log      *zap.SugaredLogger
	services *ServiceCollection
	parent   *InstantiationService

	m        sync.Mutex
	building map[*ServiceIdentifier]chan struct{}
}

type Option func(s *InstantiationService)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *InstantiationService) {
		s.log = l.Named("instantiation")
	}
}

// New creates a root container over services.
func New(services *ServiceCollection, opts ...Option) *InstantiationService {
	if services == nil {
		services = NewServiceCollection()
	}
	s := &InstantiationService{
		log:      zap.NewNop().Sugar(),
		services: services,
		building: map[*ServiceIdentifier]chan struct{}{},
	}
	for _, o := range opts {
		o(s)
	}
	services.Set(InstantiationServiceID, s)
	return s
}

// CreateChild returns a container that overlays services on top of s.
// Registrations in the child never affect s.
func (s *InstantiationService) CreateChild(services *ServiceCollection) *InstantiationService {
	if services == nil {
		services = NewServiceCollection()
	}
	child := &InstantiationService{
		log:      s.log,
		services: services,
		parent:   s,
		building: map[*ServiceIdentifier]chan struct{}{},
	}
	services.Set(InstantiationServiceID, child)
	return child
}

// CreateInstance constructs ctor, resolving its declared dependencies through the container chain.
// The caller owns the returned value.
func (s *InstantiationService) CreateInstance(ctor *Ctor, args ...any) (any, error) {
	return s.createInstance(ctor, args, &trace{})
}

// InvokeFunction calls fn with an accessor that is only valid until fn returns.
func (s *InstantiationService) InvokeFunction(fn func(a Accessor) error) error {
	acc := &accessor{svc: s}
	defer acc.expired.Store(true)
	return fn(acc)
}

// InstantiateEager constructs every eager descriptor registered directly in this container.
func (s *InstantiationService) InstantiateEager() error {
	var ids []*ServiceIdentifier
	s.services.Range(func(id *ServiceIdentifier, v any) bool {
		if d, ok := v.(*Descriptor); ok && d.Eager {
			ids = append(ids, id)
		}
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i].name < ids[j].name })
	for _, id := range ids {
		if _, err := s.resolve(id, &trace{}); err != nil {
			return fmt.Errorf("instantiating eager service %q: %w", id, err)
		}
	}
	return nil
}

func (s *InstantiationService) createInstance(ctor *Ctor, args []any, tr *trace) (any, error) {
	if err := tr.push(ctor); err != nil {
		return nil, err
	}
	defer tr.pop()

	deps := make([]any, len(ctor.Deps))
	for i, id := range ctor.Deps {
		dep, err := s.resolve(id, tr)
		if err != nil {
			var unresolved *UnresolvedDependencyError
			if errors.As(err, &unresolved) && unresolved.Type == "" {
				return nil, &UnresolvedDependencyError{ID: unresolved.ID, Type: ctor.Name}
			}
			return nil, err
		}
		deps[i] = dep
	}

	s.log.Debugf("creating instance of %s", ctor.Name)
	v, err := ctor.New(deps, args)
	if err != nil {
		return nil, &ConstructionError{Type: ctor.Name, Err: err}
	}
	return v, nil
}

func (s *InstantiationService) lookup(id *ServiceIdentifier) (*InstantiationService, any, bool) {
	for c := s; c != nil; c = c.parent {
		if v, ok := c.services.Get(id); ok {
			return c, v, true
		}
	}
	return nil, nil, false
}

func (s *InstantiationService) resolve(id *ServiceIdentifier, tr *trace) (any, error) {
	owner, v, ok := s.lookup(id)
	if !ok {
		return nil, &UnresolvedDependencyError{ID: id.String()}
	}
	if _, ok := v.(*Descriptor); !ok {
		return v, nil
	}
	return owner.instantiate(id, tr)
}

// instantiate builds the descriptor registered for id in s and replaces it with the instance.
func (s *InstantiationService) instantiate(id *ServiceIdentifier, tr *trace) (any, error) {
	for {
		s.m.Lock()
		v, _ := s.services.Get(id)
		desc, ok := v.(*Descriptor)
		if !ok {
			s.m.Unlock()
			return v, nil
		}
		if tr.contains(desc.Ctor) {
			s.m.Unlock()
			return nil, tr.cycle(desc.Ctor)
		}
		if wait, ok := s.building[id]; ok {
			s.m.Unlock()
			<-wait
			continue
		}
		done := make(chan struct{})
		s.building[id] = done
		s.m.Unlock()

		inst, err := s.createInstance(desc.Ctor, desc.Args, tr)

		s.m.Lock()
		delete(s.building, id)
		if err == nil {
			s.services.Set(id, inst)
		}
		s.m.Unlock()
		close(done)
		return inst, err
	}
}

type accessor struct {
	svc     *InstantiationService
	expired atomic.Bool
}

func (a *accessor) Get(id *ServiceIdentifier) (any, error) {
	if a.expired.Load() {
		return nil, &AccessorExpiredError{ID: id.String()}
	}
	return a.svc.resolve(id, &trace{})
}

// trace is the stack of constructors being built by one resolution.
type trace struct {
	ctors []*Ctor
}

func (t *trace) contains(c *Ctor) bool {
	for _, x := range t.ctors {
		if x == c {
			return true
		}
	}
	return false
}

func (t *trace) push(c *Ctor) error {
	if t.contains(c) {
		return t.cycle(c)
	}
	t.ctors = append(t.ctors, c)
	return nil
}

func (t *trace) pop() {
	t.ctors = t.ctors[:len(t.ctors)-1]
}

func (t *trace) cycle(c *Ctor) error {
	path := make([]string, 0, len(t.ctors)+1)
	for _, x := range t.ctors {
		path = append(path, x.Name)
	}
	return &CyclicDependencyError{Path: append(path, c.Name)}
}
