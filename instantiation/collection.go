package instantiation

import "sync"

// ServiceCollection maps service identifiers to either instances or *Descriptor values.
type ServiceCollection struct {
	m       sync.RWMutex
	entries map[*ServiceIdentifier]any
}

// Entry is a single registration, used to build a collection in one go.
type Entry struct {
	ID    *ServiceIdentifier
	Value any
}

func NewServiceCollection(entries ...Entry) *ServiceCollection {
	c := &ServiceCollection{entries: make(map[*ServiceIdentifier]any, len(entries))}
	for _, e := range entries {
		c.entries[e.ID] = e.Value
	}
	return c
}

// Set registers an instance or a *Descriptor, returning the previous registration if any.
func (c *ServiceCollection) Set(id *ServiceIdentifier, instanceOrDescriptor any) any {
	c.m.Lock()
	defer c.m.Unlock()
	prev := c.entries[id]
	c.entries[id] = instanceOrDescriptor
	return prev
}

func (c *ServiceCollection) Has(id *ServiceIdentifier) bool {
	c.m.RLock()
	defer c.m.RUnlock()
	_, ok := c.entries[id]
	return ok
}

func (c *ServiceCollection) Get(id *ServiceIdentifier) (any, bool) {
	c.m.RLock()
	defer c.m.RUnlock()
	v, ok := c.entries[id]
	return v, ok
}

// Range calls f for every registration until f returns false. The order is unspecified.
func (c *ServiceCollection) Range(f func(id *ServiceIdentifier, v any) bool) {
	c.m.RLock()
	snapshot := make([]Entry, 0, len(c.entries))
	for id, v := range c.entries {
		snapshot = append(snapshot, Entry{ID: id, Value: v})
	}
	c.m.RUnlock()
	for _, e := range snapshot {
		if !f(e.ID, e.Value) {
			return
		}
	}
}
