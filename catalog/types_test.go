package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColumnTypeString(t *testing.T) {
	tests := []struct {
		ct       ColumnType
		expected string
	}{
		{ColumnNull, "null"},
		{ColumnBool, "bool"},
		{ColumnInt, "int"},
		{ColumnUint, "uint"},
		{ColumnFloat, "float"},
		{ColumnString, "string"},
		{ColumnArray, "array"},
		{ColumnObject, "object"},
		{ColumnType(42), "ColumnType(42)"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.ct.String())
	}
}

func TestParseColumnType(t *testing.T) {
	for c := range numColumnTypes {
		got, err := ParseColumnType(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}

	got, err := ParseColumnType("Object")
	require.NoError(t, err)
	assert.Equal(t, ColumnObject, got)

	_, err = ParseColumnType("decimal")
	assert.ErrorIs(t, err, ErrUnknownColumnType)
}

func TestTypeSet(t *testing.T) {
	s := NewTypeSet(ColumnObject, ColumnArray, ColumnObject)
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Has(ColumnArray))
	assert.False(t, s.Has(ColumnInt))
	assert.Equal(t, []ColumnType{ColumnArray, ColumnObject}, s.Types())
	assert.Equal(t, "{array, object}", s.String())

	s = s.Without(ColumnArray).With(ColumnType(200))
	assert.Equal(t, NewTypeSet(ColumnObject), s)

	var empty TypeSet
	assert.True(t, empty.IsEmpty())
	assert.Equal(t, "{}", empty.String())
}
