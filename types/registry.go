// Package types implements the PSRP type registry: the mapping from a .NET
// type-name list to a concrete Go constructor used when rehydrating a
// deserialized CLIXML object.
//
// A Registry is injectable rather than a mutable process-wide singleton so
// that a caller who wants per-pool type registries (for example, isolating
// two RunspacePools that define conflicting custom types) can do so; a
// ready-populated Default registry is provided for callers who don't care.
//
// # Reference
//
// MS-PSRP Section 2.2.5.2 (Complex Objects): https://docs.microsoft.com/en-us/openspecs/windows_protocols/ms-psrp/
package types

import "sync"

// Constructor builds a concrete Go value from a deserialized object's
// ToString representation and its adapted/extended properties. It is called
// only when the matching Entry has Rehydrate set.
type Constructor func(typeNames []string, toString string, props map[string]interface{}) (interface{}, error)

// Entry is a single registered type mapping.
type Entry struct {
	// TypeNames is the full .NET type-name list this entry was registered
	// under, most-derived first.
	TypeNames []string
	// Ctor builds the concrete value. Nil if Rehydrate is false.
	Ctor Constructor
	// Rehydrate controls whether Lookup's caller should construct a
	// concrete type (true) or fall back to a generic Deserialized.* object
	// (false).
	Rehydrate bool
}

// leadingName is the first (most-derived) type name in a type-name list,
// which is the only thing Lookup matches on per MS-PSRP.
func leadingName(typeNames []string) string {
	if len(typeNames) == 0 {
		return ""
	}
	return typeNames[0]
}

// Registry maps .NET type-name lists to constructors.
//
// Registration is additive and idempotent per leading type name:
// re-registering under the same leading name replaces the prior entry.
// Lookup never errors — an unregistered type name simply reports ok=false,
// and callers fall back to the generic object path (spec: "unknown types
// always deserialise to the generic path").
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds or replaces the entry for typeNames's leading name.
func (r *Registry) Register(typeNames []string, ctor Constructor, rehydrate bool) {
	name := leadingName(typeNames)
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = Entry{TypeNames: typeNames, Ctor: ctor, Rehydrate: rehydrate}
}

// Unregister removes any entry registered under typeNames's leading name.
func (r *Registry) Unregister(typeNames []string) {
	name := leadingName(typeNames)
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Lookup finds the entry whose leading type name matches the leading name
// of typeNames. Only the first (most-derived) name in the incoming list is
// consulted, per MS-PSRP and spec.
func (r *Registry) Lookup(typeNames []string) (Entry, bool) {
	name := leadingName(typeNames)
	if name == "" {
		return Entry{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// GenericObject is the fallback shape produced when a type is unregistered,
// or registered with Rehydrate=false. TypeNames is prefixed with
// "Deserialized." on the leading entry; ToString is preserved verbatim.
type GenericObject struct {
	TypeNames  []string
	ToString   string
	Properties map[string]interface{}
}

// Resolve constructs a concrete value for typeNames via the registered
// constructor, or produces a GenericObject if the type is unregistered or
// registered with Rehydrate=false. It never returns an error from an
// unknown type; only a registered constructor's own error propagates.
func (r *Registry) Resolve(typeNames []string, toString string, props map[string]interface{}) (interface{}, error) {
	entry, ok := r.Lookup(typeNames)
	if !ok || !entry.Rehydrate {
		return genericObject(typeNames, toString, props), nil
	}
	return entry.Ctor(typeNames, toString, props)
}

func genericObject(typeNames []string, toString string, props map[string]interface{}) GenericObject {
	prefixed := make([]string, len(typeNames))
	copy(prefixed, typeNames)
	if len(prefixed) > 0 {
		prefixed[0] = "Deserialized." + prefixed[0]
	} else {
		prefixed = []string{"Deserialized.System.Object"}
	}
	return GenericObject{TypeNames: prefixed, ToString: toString, Properties: props}
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns a process-wide Registry pre-populated with the well-known
// PSRP complex types. It is provided for callers who want zero-config
// behavior; anyone who needs isolation should call New() instead. The
// serialization package's Deserializer does not consult a Registry.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultReg = New()
		registerWellKnown(defaultReg)
	})
	return defaultReg
}
