package api

import (
	"bytes"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Encode converts a domain value into a Struct through its JSON form. v must
// encode to a JSON object.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("encode response: %T is not an object: %w", v, err)
	}
	return structpb.NewStruct(fields)
}

// Decode maps a request Struct onto out. Unknown fields are rejected. A nil
// or empty request leaves out untouched.
func Decode(in *structpb.Struct, out any) error {
	if in == nil || len(in.GetFields()) == 0 {
		return nil
	}
	data, err := json.Marshal(in.AsMap())
	if err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

// FromJSON builds a request Struct from a JSON object; empty input yields an
// empty request.
func FromJSON(raw string) (*structpb.Struct, error) {
	if len(bytes.TrimSpace([]byte(raw))) == 0 {
		return &structpb.Struct{}, nil
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("request must be a JSON object: %w", err)
	}
	return structpb.NewStruct(fields)
}
