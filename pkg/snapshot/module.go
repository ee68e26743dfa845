package snapshot

import (
	"bytes"
	"fmt"
	"io"
	"reflect"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/gzip"
)

// Record is the flat, self-describing form of one entity. Fields holds
// primitive values only; owning references never cross the wire, they are
// excluded on encode and re-attached by the caller on decode.
type Record struct {
	Kind   string                 `cbor:"kind"`
	ID     uint32                 `cbor:"id"`
	Fields map[string]interface{} `cbor:"fields"`
}

type Key struct {
	Kind string
	ID   uint32
}

func (r Record) Key() Key {
	return Key{Kind: r.Kind, ID: r.ID}
}

// Snapshot is one simulation tick's worth of records. Produced by the host,
// consumed read-only by joiners.
type Snapshot struct {
	Version uint32   `cbor:"version"`
	Records []Record `cbor:"records"`
}

// Entity is anything the codec can flatten.
type Entity interface {
	EntityKind() string
	EntityID() uint32
}

type Options struct {
	// Field names omitted from the record entirely, typically owning
	// back-references.
	Exclude []string
	// Derived fields injected into the record, e.g. a numeric ownerId
	// standing in for an excluded owner reference.
	Augment map[string]interface{}
	// Bypass the changed-record optimization and always emit. Required
	// for the initial full-state broadcast and for host transitions.
	Force bool
}

// Encoder flattens entities and remembers a content hash per (kind, id) so
// unchanged entities can be skipped between ticks.
type Encoder struct {
	hashes map[Key]uint64
}

func NewEncoder() *Encoder {
	return &Encoder{
		hashes: make(map[Key]uint64),
	}
}

// Encode copies the entity's exported fields into a Record, applying
// opts.Exclude and opts.Augment. The second return value is false when the
// record is unchanged since the last call for this entity and opts.Force is
// not set.
func (e *Encoder) Encode(entity Entity, opts Options) (Record, bool, error) {
	value := reflect.ValueOf(entity)
	for value.Kind() == reflect.Pointer {
		if value.IsNil() {
			return Record{}, false, fmt.Errorf("cannot encode nil %s", entity.EntityKind())
		}
		value = value.Elem()
	}
	if value.Kind() != reflect.Struct {
		return Record{}, false, fmt.Errorf("cannot encode %s: not a struct", value.Kind())
	}

	excluded := make(map[string]bool, len(opts.Exclude))
	for _, name := range opts.Exclude {
		excluded[name] = true
	}

	fields := make(map[string]interface{})
	valueType := value.Type()
	for i := 0; i < valueType.NumField(); i++ {
		field := valueType.Field(i)
		if !field.IsExported() || excluded[field.Name] {
			continue
		}
		fields[field.Name] = value.Field(i).Interface()
	}

	for name, augmented := range opts.Augment {
		fields[name] = augmented
	}

	record := Record{
		Kind:   entity.EntityKind(),
		ID:     entity.EntityID(),
		Fields: fields,
	}

	key := record.Key()
	hash := hashFields(fields)
	if !opts.Force {
		if previous, ok := e.hashes[key]; ok && previous == hash {
			return Record{}, false, nil
		}
	}
	e.hashes[key] = hash

	return record, true, nil
}

// Forget drops the stored hash for an entity so its next Encode always
// emits, e.g. after the entity despawned and respawned.
func (e *Encoder) Forget(key Key) {
	delete(e.hashes, key)
}

func hashFields(fields map[string]interface{}) uint64 {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	digest := xxhash.New()
	for _, name := range names {
		digest.WriteString(name)
		fmt.Fprintf(digest, "=%v;", fields[name])
	}
	return digest.Sum64()
}

// Decode assigns a record's fields back onto out, which must be a non-nil
// pointer to a struct. No constructors run; excluded fields are left at
// their zero value for the caller to re-attach before the entity goes live.
func Decode(record Record, out interface{}) error {
	value := reflect.ValueOf(out)
	if value.Kind() != reflect.Pointer || value.IsNil() {
		return fmt.Errorf("decode target for %s must be a non-nil pointer", record.Kind)
	}
	value = value.Elem()
	if value.Kind() != reflect.Struct {
		return fmt.Errorf("decode target for %s must point to a struct", record.Kind)
	}

	for name, raw := range record.Fields {
		field := value.FieldByName(name)
		if !field.IsValid() || !field.CanSet() {
			// Augmented fields have no struct counterpart; the caller
			// reads them from the record directly.
			continue
		}
		if err := assign(field, raw); err != nil {
			return fmt.Errorf("field %s.%s: %w", record.Kind, name, err)
		}
	}

	return nil
}

func assign(field reflect.Value, raw interface{}) error {
	if raw == nil {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}

	value := reflect.ValueOf(raw)
	if value.Type().AssignableTo(field.Type()) {
		field.Set(value)
		return nil
	}

	// cbor round-trips decode numbers as uint64/int64/float64 regardless
	// of the original width.
	switch field.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch number := raw.(type) {
		case int64:
			field.SetInt(number)
			return nil
		case uint64:
			field.SetInt(int64(number))
			return nil
		case float64:
			field.SetInt(int64(number))
			return nil
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		switch number := raw.(type) {
		case uint64:
			field.SetUint(number)
			return nil
		case int64:
			field.SetUint(uint64(number))
			return nil
		case float64:
			field.SetUint(uint64(number))
			return nil
		}
	case reflect.Float32, reflect.Float64:
		switch number := raw.(type) {
		case float64:
			field.SetFloat(number)
			return nil
		case int64:
			field.SetFloat(float64(number))
			return nil
		case uint64:
			field.SetFloat(float64(number))
			return nil
		}
	}

	if value.Type().ConvertibleTo(field.Type()) {
		field.Set(value.Convert(field.Type()))
		return nil
	}

	return fmt.Errorf("cannot assign %T", raw)
}

// Payloads smaller than this are not worth compressing.
const compressThreshold = 512

// Pack marshals a snapshot for a state-update payload, gzipping it when
// large enough to be worth it.
func Pack(snapshot Snapshot) (payload []byte, compressed bool, err error) {
	encoded, err := cbor.Marshal(snapshot)
	if err != nil {
		return nil, false, err
	}

	if len(encoded) < compressThreshold {
		return encoded, false, nil
	}

	var buffer bytes.Buffer
	gz := gzip.NewWriter(&buffer)
	if _, err := gz.Write(encoded); err != nil {
		return nil, false, err
	}
	if err := gz.Close(); err != nil {
		return nil, false, err
	}

	return buffer.Bytes(), true, nil
}

// Unpack reverses Pack.
func Unpack(payload []byte, compressed bool) (Snapshot, error) {
	var snapshot Snapshot

	if compressed {
		gz, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return snapshot, err
		}
		payload, err = io.ReadAll(gz)
		if err != nil {
			return snapshot, err
		}
		if err := gz.Close(); err != nil {
			return snapshot, err
		}
	}

	err := cbor.Unmarshal(payload, &snapshot)
	return snapshot, err
}
