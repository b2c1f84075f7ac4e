package rpcserver

import (
	"math/big"
	"reflect"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// deepHexlify walks an arbitrary result value and rewrites every *big.Int
// and []byte it finds into its 0x-prefixed hex form, recursing through
// structs, maps, slices and pointers. This is the "deep hexlify" §6.1
// requires of the JSON-RPC serializer: every integer result field crosses
// the wire as lowercase 0x-prefixed hex, no matter how deeply nested.
func deepHexlify(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	return hexlifyValue(reflect.ValueOf(v))
}

func hexlifyValue(rv reflect.Value) interface{} {
	if !rv.IsValid() {
		return nil
	}

	switch iv := rv.Interface().(type) {
	case *big.Int:
		if iv == nil {
			return nil
		}
		return (*hexutil.Big)(iv).String()
	case big.Int:
		return (*hexutil.Big)(&iv).String()
	case []byte:
		return hexutil.Encode(iv)
	case common.Address:
		return iv.Hex()
	case common.Hash:
		return iv.Hex()
	}

	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return hexlifyValue(rv.Elem())

	case reflect.Struct:
		out := make(map[string]interface{}, rv.NumField())
		t := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			field := t.Field(i)
			if field.PkgPath != "" { // unexported
				continue
			}
			out[lowerFirst(field.Name)] = hexlifyValue(rv.Field(i))
		}
		return out

	case reflect.Map:
		out := make(map[string]interface{}, rv.Len())
		for _, key := range rv.MapKeys() {
			out[formatMapKey(key)] = hexlifyValue(rv.MapIndex(key))
		}
		return out

	case reflect.Slice, reflect.Array:
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = hexlifyValue(rv.Index(i))
		}
		return out

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return hexutil.EncodeUint64(rv.Uint())

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := rv.Int()
		if n < 0 {
			return n
		}
		return hexutil.EncodeUint64(uint64(n))

	default:
		return rv.Interface()
	}
}

func formatMapKey(rv reflect.Value) string {
	if rv.Kind() == reflect.String {
		return rv.String()
	}
	return hexlifyString(rv)
}

func hexlifyString(rv reflect.Value) string {
	if s, ok := hexlifyValue(rv).(string); ok {
		return s
	}
	return ""
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'A' && b[0] <= 'Z' {
		b[0] += 'a' - 'A'
	}
	return string(b)
}
