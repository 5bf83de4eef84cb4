package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

var jsonNull = []byte("null")

// decodeStrict unmarshals body into v and then verifies that every required
// field of v's type was present and non-null on the wire. encoding/json
// leaves absent fields at their zero value, which would let a missing
// "authenticated" read as false.
func decodeStrict(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return err
	}
	return checkRequired(body, reflect.TypeOf(v), "")
}

func checkRequired(raw []byte, t reflect.Type, path string) error {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("field %q: %w", path, err)
	}

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		fieldPath := name
		if path != "" {
			fieldPath = path + "." + name
		}

		val, ok := obj[name]
		if !ok || bytes.Equal(bytes.TrimSpace(val), jsonNull) {
			if f.Type.Kind() == reflect.Pointer || strings.Contains(opts, "omitempty") {
				continue
			}
			return fmt.Errorf("missing required field %q", fieldPath)
		}
		if err := checkRequired(val, f.Type, fieldPath); err != nil {
			return err
		}
	}
	return nil
}
