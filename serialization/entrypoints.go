package serialization

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/smnsjas/psrpcore-go/objects"
)

// SerializeCLIXML renders a single Value as a complete <Objs>-wrapped CLIXML
// document. It is the entry point application code should use instead of
// reaching for the lower-level Serializer directly.
func SerializeCLIXML(v objects.Value) (string, error) {
	s := NewSerializer()
	defer s.Close()

	native, err := toInternal(v)
	if err != nil {
		return "", err
	}
	data, err := s.Serialize(native)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SerializeCLIXMLRaw is SerializeCLIXML without the <Objs> wrapper, for
// embedding directly into a PSRP message payload.
func SerializeCLIXMLRaw(v objects.Value) (string, error) {
	s := NewSerializer()
	defer s.Close()

	native, err := toInternal(v)
	if err != nil {
		return "", err
	}
	data, err := s.SerializeRaw(native)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DeserializeCLIXML parses a complete CLIXML document into its top-level
// Values, in document order. A SecureString in doc fails with
// ErrCryptoUnavailable; use DeserializeCLIXMLWithProvider once a session key
// has been negotiated.
func DeserializeCLIXML(doc string) ([]objects.Value, error) {
	return DeserializeCLIXMLWithProvider(doc, nil)
}

// DeserializeCLIXMLWithProvider is DeserializeCLIXML, but arms the
// deserializer with provider (e.g. a runspace.Pool's CryptoProvider()) so a
// SecureString in doc can be recovered instead of rejected.
func DeserializeCLIXMLWithProvider(doc string, provider EncryptionProvider) ([]objects.Value, error) {
	d := NewDeserializerWithEncryption(provider)
	defer d.Close()

	natives, err := d.Deserialize([]byte(doc))
	if err != nil {
		return nil, err
	}
	values := make([]objects.Value, 0, len(natives))
	for _, n := range natives {
		v, err := fromInternal(n)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// toInternal lowers a Value to the interface{} shape the Serializer's fast
// paths already know how to walk.
func toInternal(v objects.Value) (interface{}, error) {
	switch v.Kind {
	case objects.KindNull:
		return nil, nil
	case objects.KindString:
		return v.Str, nil
	case objects.KindChar:
		return Char(v.Char), nil
	case objects.KindBool:
		return v.Bool, nil
	case objects.KindInt8:
		return v.I8, nil
	case objects.KindUInt8:
		return v.U8, nil
	case objects.KindInt16:
		return v.I16, nil
	case objects.KindUInt16:
		return v.U16, nil
	case objects.KindInt32:
		return v.I32, nil
	case objects.KindUInt32:
		return v.U32, nil
	case objects.KindInt64:
		return v.I64, nil
	case objects.KindUInt64:
		return v.U64, nil
	case objects.KindFloat32:
		return v.F32, nil
	case objects.KindFloat64:
		return v.F64, nil
	case objects.KindDecimal:
		return Decimal(v.Decimal), nil
	case objects.KindByteArray:
		return v.Bytes, nil
	case objects.KindGUID:
		return v.GUID, nil
	case objects.KindURI:
		return URI(v.URI), nil
	case objects.KindVersion:
		return v.Version, nil
	case objects.KindDateTime:
		return v.DateTime, nil
	case objects.KindDuration:
		return TimeSpan{Ticks: v.Duration.Ticks}, nil
	case objects.KindXMLDocument:
		return XMLDocument(v.XMLDocument), nil
	case objects.KindSecureString:
		return v.SecureString, nil
	case objects.KindScriptBlock:
		return &objects.ScriptBlock{Text: v.ScriptBlock}, nil
	case objects.KindObject:
		return objectToInternal(v.Object)
	default:
		return nil, fmt.Errorf("%w: value kind %d has no CLIXML tag yet", ErrUnsupportedType, v.Kind)
	}
}

func objectToInternal(o *objects.Object) (interface{}, error) {
	if o == nil {
		return nil, nil
	}
	obj := &PSObject{
		TypeNames:  o.TypeNames,
		Properties: make(map[string]interface{}, len(o.Adapted)),
		Members:    make(map[string]interface{}, len(o.Extended)),
	}
	if o.ToString != nil {
		obj.ToString = *o.ToString
	}
	for k, v := range o.Adapted {
		nv, err := toInternal(v)
		if err != nil {
			return nil, err
		}
		obj.Properties[k] = nv
	}
	for k, v := range o.Extended {
		nv, err := toInternal(v)
		if err != nil {
			return nil, err
		}
		obj.Members[k] = nv
	}

	switch o.Collection {
	case objects.CollectionNone:
		return obj, nil
	case objects.CollectionDict:
		m := make(map[string]interface{}, len(o.Dict))
		for _, e := range o.Dict {
			if e.Key.Kind != objects.KindString {
				return nil, fmt.Errorf("%w: non-string dictionary key", ErrUnsupportedType)
			}
			nv, err := toInternal(e.Value)
			if err != nil {
				return nil, err
			}
			m[e.Key.Str] = nv
		}
		if obj.TypeNames == nil {
			return m, nil
		}
		obj.Properties["__dict__"] = m
		return obj, nil
	default:
		items := make([]interface{}, 0, len(o.Items))
		for _, it := range o.Items {
			nv, err := toInternal(it)
			if err != nil {
				return nil, err
			}
			items = append(items, nv)
		}
		if len(o.TypeNames) == 0 {
			return items, nil
		}
		return &TypedList{TypeNames: o.TypeNames, Items: items}, nil
	}
}

// fromInternal lifts a value produced by Deserializer back into a Value.
func fromInternal(n interface{}) (objects.Value, error) {
	switch val := n.(type) {
	case nil:
		return objects.Null(), nil
	case string:
		return objects.StringValue(val), nil
	case Char:
		return objects.CharValue(rune(val)), nil
	case bool:
		return objects.BoolValue(val), nil
	case int8:
		return objects.Value{Kind: objects.KindInt8, I8: val}, nil
	case uint8:
		return objects.Value{Kind: objects.KindUInt8, U8: val}, nil
	case int16:
		return objects.Value{Kind: objects.KindInt16, I16: val}, nil
	case uint16:
		return objects.Value{Kind: objects.KindUInt16, U16: val}, nil
	case int32:
		return objects.Int32Value(val), nil
	case uint32:
		return objects.UInt32Value(val), nil
	case int64:
		return objects.Int64Value(val), nil
	case uint64:
		return objects.UInt64Value(val), nil
	case float32:
		return objects.Value{Kind: objects.KindFloat32, F32: val}, nil
	case float64:
		return objects.Float64Value(val), nil
	case Decimal:
		return objects.Value{Kind: objects.KindDecimal, Decimal: string(val)}, nil
	case []byte:
		return objects.ByteArrayValue(val), nil
	case objects.DateTime:
		return objects.DateTimeValue(val), nil
	case TimeSpan:
		return objects.DurationValue(val.Ticks), nil
	case URI:
		return objects.URIValue(string(val)), nil
	case XMLDocument:
		return objects.XMLDocumentValue(string(val)), nil
	case uuid.UUID:
		return objects.GUIDValue(val), nil
	case objects.Version:
		return objects.VersionValue(val), nil
	case *objects.SecureString:
		return objects.SecureStringValue(val), nil
	case *objects.ScriptBlock:
		return objects.ScriptBlockValue(val.Text), nil
	case map[string]interface{}:
		entries := make([]objects.DictEntry, 0, len(val))
		for k, v := range val {
			fv, err := fromInternal(v)
			if err != nil {
				return objects.Value{}, err
			}
			entries = append(entries, objects.DictEntry{Key: objects.StringValue(k), Value: fv})
		}
		return objects.ObjectValue(&objects.Object{Collection: objects.CollectionDict, Dict: entries}), nil
	case []interface{}:
		items := make([]objects.Value, 0, len(val))
		for _, v := range val {
			fv, err := fromInternal(v)
			if err != nil {
				return objects.Value{}, err
			}
			items = append(items, fv)
		}
		return objects.ObjectValue(&objects.Object{Collection: objects.CollectionList, Items: items}), nil
	case *PSObject:
		return psObjectToValue(val)
	case PSObject:
		return psObjectToValue(&val)
	default:
		return objects.Value{}, fmt.Errorf("%w: cannot lift %T to a Value", ErrUnsupportedType, n)
	}
}

func psObjectToValue(p *PSObject) (objects.Value, error) {
	obj := &objects.Object{
		TypeNames: p.TypeNames,
		Adapted:   make(map[string]objects.Value, len(p.Properties)),
		Extended:  make(map[string]objects.Value, len(p.Members)),
	}
	if p.ToString != "" {
		s := p.ToString
		obj.ToString = &s
	}
	for k, v := range p.Properties {
		fv, err := fromInternal(v)
		if err != nil {
			return objects.Value{}, err
		}
		obj.Adapted[k] = fv
	}
	for k, v := range p.Members {
		fv, err := fromInternal(v)
		if err != nil {
			return objects.Value{}, err
		}
		obj.Extended[k] = fv
	}
	return objects.ObjectValue(obj), nil
}
