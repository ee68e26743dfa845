package snapshot

import (
	"fmt"
	"reflect"

	"github.com/sasha-s/go-deadlock"
)

// Registry tracks live entities by (kind, id) and knows how to instantiate
// a bare entity for each kind without running its constructor. Joiners
// resolve excluded owner references against it after Decode: entities hold
// owner ids on the wire, never owner pointers.
type Registry struct {
	mutex     deadlock.Mutex
	templates map[string]reflect.Type
	live      map[Key]Entity
}

func NewRegistry() *Registry {
	return &Registry{
		templates: make(map[string]reflect.Type),
		live:      make(map[Key]Entity),
	}
}

// RegisterKind teaches the registry how to instantiate a kind. The
// prototype is only inspected for its type.
func (r *Registry) RegisterKind(prototype Entity) {
	value := reflect.TypeOf(prototype)
	for value.Kind() == reflect.Pointer {
		value = value.Elem()
	}

	r.mutex.Lock()
	r.templates[prototype.EntityKind()] = value
	r.mutex.Unlock()
}

// Instantiate creates a zero entity of the given kind. No side effects
// run; the caller fills it via Decode and attaches excluded fields before
// the entity becomes active.
func (r *Registry) Instantiate(kind string) (Entity, error) {
	r.mutex.Lock()
	template, ok := r.templates[kind]
	r.mutex.Unlock()

	if !ok {
		return nil, fmt.Errorf("unknown entity kind %s", kind)
	}

	entity, ok := reflect.New(template).Interface().(Entity)
	if !ok {
		return nil, fmt.Errorf("template for %s does not implement Entity", kind)
	}

	return entity, nil
}

// Decode instantiates and fills an entity from a record. The entity is not
// attached; the caller re-attaches excluded fields (resolving owner ids via
// Get) and then calls Attach.
func (r *Registry) Decode(record Record) (Entity, error) {
	entity, err := r.Instantiate(record.Kind)
	if err != nil {
		return nil, err
	}

	if err := Decode(record, entity); err != nil {
		return nil, err
	}

	return entity, nil
}

func (r *Registry) Attach(entity Entity) {
	r.mutex.Lock()
	r.live[Key{Kind: entity.EntityKind(), ID: entity.EntityID()}] = entity
	r.mutex.Unlock()
}

func (r *Registry) Detach(key Key) {
	r.mutex.Lock()
	delete(r.live, key)
	r.mutex.Unlock()
}

func (r *Registry) Get(kind string, id uint32) (Entity, bool) {
	r.mutex.Lock()
	entity, ok := r.live[Key{Kind: kind, ID: id}]
	r.mutex.Unlock()
	return entity, ok
}

// Each visits every live entity. The registry lock is held for the whole
// walk; callbacks must not call back into the registry.
func (r *Registry) Each(callback func(Entity)) {
	r.mutex.Lock()
	for _, entity := range r.live {
		callback(entity)
	}
	r.mutex.Unlock()
}
