package cache

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// KeySeparator delimits the segments of a serialized key.
const KeySeparator = "::"

// StateKeyed is implemented by objects whose output depends on mutable
// state. StateKey must encode every field that changes results (encoding,
// quality, style ...) and be stable across calls.
type StateKeyed interface {
	StateKey() string
}

// KeySerializer turns a method name and its arguments into a stable string.
type KeySerializer interface {
	SerializeKey(method string, args ...any) string
}

type reflectKeySerializer struct{}

// NewKeySerializer returns the reflection based serializer: basic values by
// their text form, maps with sorted keys, structs by exported field,
// StateKeyed values by their StateKey.
func NewKeySerializer() KeySerializer {
	return reflectKeySerializer{}
}

func (s reflectKeySerializer) SerializeKey(method string, args ...any) string {
	var b strings.Builder
	b.WriteString(method)
	for _, arg := range args {
		b.WriteString(KeySeparator)
		s.write(&b, reflect.ValueOf(arg))
	}
	return b.String()
}

var stateKeyedType = reflect.TypeOf((*StateKeyed)(nil)).Elem()

func (s reflectKeySerializer) write(b *strings.Builder, v reflect.Value) {
	if !v.IsValid() {
		b.WriteString("nil")
		return
	}
	if v.Type().Implements(stateKeyedType) && v.CanInterface() {
		if (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) && v.IsNil() {
			b.WriteString("nil")
			return
		}
		b.WriteString("state:")
		b.WriteString(v.Interface().(StateKeyed).StateKey())
		return
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			b.WriteString("nil")
			return
		}
		s.write(b, v.Elem())
	case reflect.Bool:
		b.WriteString(strconv.FormatBool(v.Bool()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		b.WriteString(strconv.FormatInt(v.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		b.WriteString(strconv.FormatUint(v.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		b.WriteString(strconv.FormatFloat(v.Float(), 'g', -1, 64))
	case reflect.String:
		b.WriteString(strconv.Quote(v.String()))
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			b.WriteString("[]nil")
			return
		}
		fmt.Fprintf(b, "[%d]{", v.Len())
		for i := 0; i < v.Len(); i++ {
			if i > 0 {
				b.WriteByte(',')
			}
			s.write(b, v.Index(i))
		}
		b.WriteByte('}')
	case reflect.Map:
		if v.IsNil() {
			b.WriteString("map:nil")
			return
		}
		pairs := make([]string, 0, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			var kb, vb strings.Builder
			s.write(&kb, iter.Key())
			s.write(&vb, iter.Value())
			pairs = append(pairs, kb.String()+"="+vb.String())
		}
		sort.Strings(pairs)
		fmt.Fprintf(b, "map[%d]{%s}", len(pairs), strings.Join(pairs, ","))
	case reflect.Struct:
		t := v.Type()
		b.WriteString(t.Name())
		b.WriteByte('{')
		first := true
		for i := 0; i < v.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			if !first {
				b.WriteByte(',')
			}
			first = false
			b.WriteString(field.Name)
			b.WriteByte(':')
			s.write(b, v.Field(i))
		}
		b.WriteByte('}')
	default:
		// Functions and channels have no stable value; fall back to JSON,
		// then to the type name.
		if v.CanInterface() {
			if data, err := json.Marshal(v.Interface()); err == nil {
				b.WriteString("json:")
				b.Write(data)
				return
			}
		}
		b.WriteString("type:")
		b.WriteString(v.Type().String())
	}
}

// StateSignature is the default StateKey: the serialized exported fields of
// owner, or owner's own StateKey when it implements StateKeyed.
func StateSignature(owner any) string {
	if k, ok := owner.(StateKeyed); ok {
		return k.StateKey()
	}
	var b strings.Builder
	reflectKeySerializer{}.write(&b, reflect.ValueOf(owner))
	return b.String()
}

// HashKey shortens a serialized key to a fixed-width digest prefixed by
// the method so entries stay attributable in network caches.
func HashKey(method, serialized string) string {
	return method + ":" + strconv.FormatUint(xxhash.Sum64String(serialized), 16)
}
