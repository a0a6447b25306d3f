// Package codec serializes event payloads and task bodies with encoding/gob.
//
// Values are always encoded through an interface so that attribute structs
// and user payloads of any registered concrete type round-trip without the
// caller knowing the type up front.
package codec

import (
	"bytes"
	"encoding/gob"
)

// Encode serializes an arbitrary Go value. Callers must ensure that the
// dynamic type is gob-encodable and, for struct payloads, registered with
// gob.Register. A nil value encodes to nil.
func Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	iv := v
	if err := gob.NewEncoder(&buf).Encode(&iv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode. Empty input decodes to nil.
func Decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var iv any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&iv); err != nil {
		return nil, err
	}
	return iv, nil
}
