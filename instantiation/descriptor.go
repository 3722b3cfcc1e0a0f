package instantiation

// ServiceIdentifier identifies a service. Identifiers are compared by pointer,
// so two identifiers with the same name are still different services.
type ServiceIdentifier struct {
	name string
}

// NewServiceIdentifier creates a new, never before seen, identifier.
func NewServiceIdentifier(name string) *ServiceIdentifier {
	return &ServiceIdentifier{name: name}
}

func (id *ServiceIdentifier) String() string {
	if id == nil {
		return "<nil>"
	}
	return id.name
}

// Ctor declares a constructible type: the services it depends on, in order, and a
// function building it from the resolved dependencies and the caller's static args.
// The container reads Deps instead of inspecting New.
type Ctor struct {
	Name string
	Deps []*ServiceIdentifier
	New  func(deps []any, args []any) (any, error)
}

// Descriptor is a recipe for lazily constructing a service.
// Eager descriptors are built by InstantiateEager instead of on first use.
type Descriptor struct {
	Ctor  *Ctor
	Args  []any
	Eager bool
}

// NewDescriptor returns a lazy descriptor for ctor with the given static args.
func NewDescriptor(ctor *Ctor, args ...any) *Descriptor {
	return &Descriptor{Ctor: ctor, Args: args}
}

// NewEagerDescriptor returns a descriptor that is constructed by InstantiateEager.
func NewEagerDescriptor(ctor *Ctor, args ...any) *Descriptor {
	return &Descriptor{Ctor: ctor, Args: args, Eager: true}
}
