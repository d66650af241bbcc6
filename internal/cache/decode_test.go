package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rbac-cache/internal/common/errors"
)

type permissionSet struct {
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

func TestDecode(t *testing.T) {
	t.Run("identity", func(t *testing.T) {
		in := permissionSet{Role: "admin", Permissions: []string{"read"}}
		out, err := Decode[permissionSet](in)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("generic json shape", func(t *testing.T) {
		in := map[string]any{"role": "viewer", "permissions": []any{"read", "list"}}
		out, err := Decode[permissionSet](in)
		require.NoError(t, err)
		assert.Equal(t, permissionSet{Role: "viewer", Permissions: []string{"read", "list"}}, out)
	})

	t.Run("number", func(t *testing.T) {
		out, err := Decode[int](float64(42))
		require.NoError(t, err)
		assert.Equal(t, 42, out)
	})

	t.Run("wrong shape", func(t *testing.T) {
		_, err := Decode[permissionSet]("not an object")
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrTypeDeserialization))
	})

	t.Run("unencodable", func(t *testing.T) {
		_, err := Decode[permissionSet](make(chan int))
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrTypeSerialization))
	})
}
