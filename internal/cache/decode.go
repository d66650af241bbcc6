package cache

import (
	"encoding/json"

	"rbac-cache/internal/common/errors"
)

// Decode converts a cached value into T. Values read from the local tier are
// usually already a T; values read from the remote tier are generic JSON
// shapes and are re-decoded.
func Decode[T any](v any) (T, error) {
	if typed, ok := v.(T); ok {
		return typed, nil
	}

	var out T
	raw, err := json.Marshal(v)
	if err != nil {
		return out, errors.SerializationError("", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, errors.DeserializationError("", err)
	}
	return out, nil
}
