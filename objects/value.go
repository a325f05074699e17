package objects

import (
	"strings"

	"github.com/google/uuid"
)

// Kind discriminates the variant held by a Value. Value is a tagged union
// over every primitive and complex shape CLIXML can carry; Go has no sum
// type, so Kind plus a handful of typed fields stand in for one.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindChar
	KindBool
	KindInt8
	KindUInt8
	KindInt16
	KindUInt16
	KindInt32
	KindUInt32
	KindInt64
	KindUInt64
	KindFloat32
	KindFloat64
	KindDecimal
	KindDateTime
	KindDuration
	KindByteArray
	KindGUID
	KindURI
	KindVersion
	KindXMLDocument
	KindScriptBlock
	KindSecureString
	KindEnum
	KindObject
)

// CollectionKind identifies which collection shape (if any) an Object
// carries. Per MS-PSRP an object has at most one of these; PSRP never
// combines a dictionary with a list on the same object.
type CollectionKind int

const (
	CollectionNone CollectionKind = iota
	CollectionDict
	CollectionStack
	CollectionQueue
	CollectionList
	CollectionIEnumerable
)

// DictEntry is a single key/value pair of a Dict-collection Object.
// Order is preserved; keys are Values, not necessarily strings, matching
// .NET Hashtable's ability to key on arbitrary objects.
type DictEntry struct {
	Key   Value
	Value Value
}

// Enum is a numeric-or-symbolic .NET enum value. Names holds one entry for
// a plain enum, or several for a flags enum composed of multiple bits.
type Enum struct {
	TypeNames []string
	Value     int64
	Names     []string
}

// Object is a complex PSRP object: a type-name list, an optional string
// representation, adapted and extended property bags, and at most one
// collection payload.
//
// Adapted holds properties that came from the object's .NET adapted view
// (its declared members); Extended holds PSRP's own bolt-on
// PSMemberInfo-derived properties (the <MS> block). Both are looked up
// case-sensitively, per spec; property names collide only if the caller's
// registered type genuinely defines two members differing only in case,
// which .NET permits and PSRP does not fold together.
type Object struct {
	TypeNames  []string
	ToString   *string
	Adapted    map[string]Value
	Extended   map[string]Value
	Collection CollectionKind
	Dict       []DictEntry
	Items      []Value
}

// Property looks up name first in Extended, then Adapted, matching
// PowerShell's own resolution order for members added via Add-Member.
// The name is matched case-sensitively.
func (o *Object) Property(name string) (Value, bool) {
	if o == nil {
		return Value{}, false
	}
	if v, ok := o.Extended[name]; ok {
		return v, true
	}
	if v, ok := o.Adapted[name]; ok {
		return v, true
	}
	return Value{}, false
}

// PropertyFold is Property with a case-insensitive name match, for callers
// that need PowerShell's member-access leniency rather than PSRP's own
// case-sensitive wire semantics.
func (o *Object) PropertyFold(name string) (Value, bool) {
	if o == nil {
		return Value{}, false
	}
	if v, ok := lookupFold(o.Extended, name); ok {
		return v, true
	}
	return lookupFold(o.Adapted, name)
}

func lookupFold(m map[string]Value, name string) (Value, bool) {
	for k, v := range m {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return Value{}, false
}

// Value is a single PSRP-serializable value: a Kind tag plus the payload
// field matching that Kind. Only the field named by Kind is meaningful;
// the others are zero.
type Value struct {
	Kind Kind

	Str          string
	Char         rune
	Bool         bool
	I8           int8
	U8           uint8
	I16          int16
	U16          uint16
	I32          int32
	U32          uint32
	I64          int64
	U64          uint64
	F32          float32
	F64          float64
	Decimal      string
	DateTime     DateTime
	Duration     Duration
	Bytes        []byte
	GUID         uuid.UUID
	URI          string
	Version      Version
	XMLDocument  string
	ScriptBlock  string
	SecureString *SecureString
	Enum         *Enum
	Object       *Object
}

// Duration is a PSRP TimeSpan, wrapping the tick count .NET uses (100ns
// units) rather than Go's nanosecond time.Duration directly, so a
// round-tripped TimeSpan reproduces the same tick count bit for bit.
type Duration struct {
	Ticks int64
}

func Null() Value                  { return Value{Kind: KindNull} }
func StringValue(s string) Value   { return Value{Kind: KindString, Str: s} }
func CharValue(c rune) Value       { return Value{Kind: KindChar, Char: c} }
func BoolValue(b bool) Value       { return Value{Kind: KindBool, Bool: b} }
func Int32Value(v int32) Value     { return Value{Kind: KindInt32, I32: v} }
func Int64Value(v int64) Value     { return Value{Kind: KindInt64, I64: v} }
func UInt32Value(v uint32) Value   { return Value{Kind: KindUInt32, U32: v} }
func UInt64Value(v uint64) Value   { return Value{Kind: KindUInt64, U64: v} }
func Float64Value(v float64) Value { return Value{Kind: KindFloat64, F64: v} }
func ByteArrayValue(b []byte) Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Value{Kind: KindByteArray, Bytes: cp}
}
func GUIDValue(id uuid.UUID) Value       { return Value{Kind: KindGUID, GUID: id} }
func VersionValue(v Version) Value       { return Value{Kind: KindVersion, Version: v} }
func DateTimeValue(dt DateTime) Value    { return Value{Kind: KindDateTime, DateTime: dt} }
func ObjectValue(o *Object) Value        { return Value{Kind: KindObject, Object: o} }
func SecureStringValue(s *SecureString) Value {
	return Value{Kind: KindSecureString, SecureString: s}
}
func DurationValue(ticks int64) Value { return Value{Kind: KindDuration, Duration: Duration{Ticks: ticks}} }
func URIValue(u string) Value         { return Value{Kind: KindURI, URI: u} }
func XMLDocumentValue(x string) Value { return Value{Kind: KindXMLDocument, XMLDocument: x} }
func ScriptBlockValue(s string) Value { return Value{Kind: KindScriptBlock, ScriptBlock: s} }
func EnumValue(e *Enum) Value         { return Value{Kind: KindEnum, Enum: e} }

// NewValueFromNative promotes a native Go value into a Value using the
// obvious type-to-Kind mapping. It is the boundary a caller crosses when
// handing plain Go values (from application code) to the serializer; it
// does not attempt to guess at complex object shapes, which callers build
// directly as *Object.
func NewValueFromNative(v interface{}) (Value, bool) {
	switch val := v.(type) {
	case nil:
		return Null(), true
	case string:
		return StringValue(val), true
	case rune:
		return CharValue(val), true
	case bool:
		return BoolValue(val), true
	case int8:
		return Value{Kind: KindInt8, I8: val}, true
	case uint8:
		return Value{Kind: KindUInt8, U8: val}, true
	case int16:
		return Value{Kind: KindInt16, I16: val}, true
	case uint16:
		return Value{Kind: KindUInt16, U16: val}, true
	case int:
		if int64(val) == int64(int32(val)) {
			return Int32Value(int32(val)), true
		}
		return Int64Value(int64(val)), true
	case uint32:
		return UInt32Value(val), true
	case int64:
		return Int64Value(val), true
	case uint64:
		return UInt64Value(val), true
	case float32:
		return Value{Kind: KindFloat32, F32: val}, true
	case float64:
		return Float64Value(val), true
	case []byte:
		return ByteArrayValue(val), true
	case uuid.UUID:
		return GUIDValue(val), true
	case Version:
		return VersionValue(val), true
	case DateTime:
		return DateTimeValue(val), true
	case *SecureString:
		return SecureStringValue(val), true
	case *Object:
		return ObjectValue(val), true
	default:
		return Value{}, false
	}
}

// Equal reports whether two Values are structurally equivalent, ignoring
// any reference identity a serializer might have assigned. Byte slices
// compare by content; nested objects compare property-by-property and
// item-by-item rather than by pointer.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindString:
		return v.Str == other.Str
	case KindChar:
		return v.Char == other.Char
	case KindBool:
		return v.Bool == other.Bool
	case KindInt8:
		return v.I8 == other.I8
	case KindUInt8:
		return v.U8 == other.U8
	case KindInt16:
		return v.I16 == other.I16
	case KindUInt16:
		return v.U16 == other.U16
	case KindInt32:
		return v.I32 == other.I32
	case KindUInt32:
		return v.U32 == other.U32
	case KindInt64:
		return v.I64 == other.I64
	case KindUInt64:
		return v.U64 == other.U64
	case KindFloat32:
		return v.F32 == other.F32
	case KindFloat64:
		return v.F64 == other.F64
	case KindDecimal:
		return v.Decimal == other.Decimal
	case KindDateTime:
		return v.DateTime.Kind == other.DateTime.Kind &&
			v.DateTime.Offset == other.DateTime.Offset &&
			v.DateTime.Time.Equal(other.DateTime.Time)
	case KindDuration:
		return v.Duration.Ticks == other.Duration.Ticks
	case KindByteArray:
		return string(v.Bytes) == string(other.Bytes)
	case KindGUID:
		return v.GUID == other.GUID
	case KindURI:
		return v.URI == other.URI
	case KindVersion:
		return v.Version == other.Version
	case KindXMLDocument:
		return v.XMLDocument == other.XMLDocument
	case KindScriptBlock:
		return v.ScriptBlock == other.ScriptBlock
	case KindSecureString:
		return v.SecureString == other.SecureString
	case KindEnum:
		return enumsEqual(v.Enum, other.Enum)
	case KindObject:
		return objectsEqual(v.Object, other.Object)
	default:
		return false
	}
}

func enumsEqual(a, b *Enum) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Value != b.Value || len(a.Names) != len(b.Names) {
		return false
	}
	for i := range a.Names {
		if a.Names[i] != b.Names[i] {
			return false
		}
	}
	return true
}

func objectsEqual(a, b *Object) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Collection != b.Collection {
		return false
	}
	if !stringSlicesEqual(a.TypeNames, b.TypeNames) {
		return false
	}
	if !propsEqual(a.Adapted, b.Adapted) || !propsEqual(a.Extended, b.Extended) {
		return false
	}
	switch a.Collection {
	case CollectionDict:
		if len(a.Dict) != len(b.Dict) {
			return false
		}
		for i := range a.Dict {
			if !a.Dict[i].Key.Equal(b.Dict[i].Key) || !a.Dict[i].Value.Equal(b.Dict[i].Value) {
				return false
			}
		}
	case CollectionStack, CollectionQueue, CollectionList, CollectionIEnumerable:
		if len(a.Items) != len(b.Items) {
			return false
		}
		for i := range a.Items {
			if !a.Items[i].Equal(b.Items[i]) {
				return false
			}
		}
	}
	return true
}

func propsEqual(a, b map[string]Value) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		ov, ok := b[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
