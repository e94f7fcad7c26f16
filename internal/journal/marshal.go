package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/statekit/internal/ir"
)

// marshalValue converts an optional IR value to canonical JSON TEXT.
// A nil value is stored as NULL.
func marshalValue(v ir.IRValue) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal value: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalValue(ns sql.NullString) (ir.IRValue, error) {
	if !ns.Valid {
		return nil, nil
	}
	v, err := ir.UnmarshalIRValue([]byte(ns.String))
	if err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	return v, nil
}

func marshalSnapshot(s ir.IRObject) (sql.NullString, error) {
	if s == nil {
		return sql.NullString{}, nil
	}
	return marshalValue(s)
}

func unmarshalSnapshot(ns sql.NullString) (ir.IRObject, error) {
	v, err := unmarshalValue(ns)
	if err != nil || v == nil {
		return nil, err
	}
	obj, ok := v.(ir.IRObject)
	if !ok {
		return nil, fmt.Errorf("unmarshal snapshot: expected object, got %T", v)
	}
	return obj, nil
}

// marshalDetails stores origin details with sorted keys.
func marshalDetails(details map[string]string) (string, error) {
	m := make(map[string]any, len(details))
	for k, v := range details {
		m[k] = v
	}
	data, err := ir.MarshalCanonical(m)
	if err != nil {
		return "", fmt.Errorf("marshal origin details: %w", err)
	}
	return string(data), nil
}

func unmarshalDetails(data string) (map[string]string, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	var details map[string]string
	if err := json.Unmarshal([]byte(data), &details); err != nil {
		return nil, fmt.Errorf("unmarshal origin details: %w", err)
	}
	return details, nil
}

func marshalRoots(ids []ir.PathID) (string, error) {
	vals := make([]any, len(ids))
	for i, id := range ids {
		vals[i] = int(id)
	}
	data, err := ir.MarshalCanonical(vals)
	if err != nil {
		return "", fmt.Errorf("marshal dirty roots: %w", err)
	}
	return string(data), nil
}

func unmarshalRoots(data string) ([]ir.PathID, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var ids []ir.PathID
	if err := json.Unmarshal([]byte(data), &ids); err != nil {
		return nil, fmt.Errorf("unmarshal dirty roots: %w", err)
	}
	return ids, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
