package dag

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestTypeOf(t *testing.T) {
	t.Run("stable within process", func(t *testing.T) {
		assert.Equal(t, TypeOf[int](), TypeOf[int]())
		assert.Equal(t, TypeOf[[]string](), TypeOf[[]string]())
	})

	t.Run("distinct types get distinct ids", func(t *testing.T) {
		assert.NotEqual(t, TypeOf[int](), TypeOf[string]())
		assert.NotEqual(t, TypeOf[int](), TypeOf[int64]())
		assert.NotEqual(t, TypeOf[[]int](), TypeOf[[]string]())
	})

	t.Run("TypeFor agrees with TypeOf", func(t *testing.T) {
		assert.Equal(t, TypeOf[int](), TypeFor(reflect.TypeOf(0)))
	})

	t.Run("GoType round-trips", func(t *testing.T) {
		id := TypeOf[string]()
		typ, ok := id.GoType()
		assert.True(t, ok)
		assert.Equal(t, reflect.TypeOf(""), typ)
	})

	t.Run("string rendering", func(t *testing.T) {
		assert.True(t, strings.Contains(TypeOf[int]().String(), "int"))
	})
}

func TestNodeTypeIDValidate(t *testing.T) {
	assert.NoError(t, NodeTypeID("geometry.extrude").Validate())

	err := NodeTypeID("").Validate()
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidNodeType))

	err = NodeTypeID("has space").Validate()
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidNodeType))
}
