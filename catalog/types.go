package catalog

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
)

// ErrUnknownColumnType is returned by ParseColumnType for an unknown name.
var ErrUnknownColumnType = errors.New("catalog: unknown column type")

// ColumnType is the type of a value stored under a path.
type ColumnType uint8

const (
	ColumnNull ColumnType = iota
	ColumnBool
	ColumnInt
	ColumnUint
	ColumnFloat
	ColumnString
	ColumnArray
	ColumnObject

	numColumnTypes
)

var columnTypeNames = [numColumnTypes]string{
	ColumnNull:   "null",
	ColumnBool:   "bool",
	ColumnInt:    "int",
	ColumnUint:   "uint",
	ColumnFloat:  "float",
	ColumnString: "string",
	ColumnArray:  "array",
	ColumnObject: "object",
}

// String returns the lower-case name of the type.
func (c ColumnType) String() string {
	if c < numColumnTypes {
		return columnTypeNames[c]
	}
	return fmt.Sprintf("ColumnType(%d)", uint8(c))
}

// ParseColumnType returns the type named s, ignoring case.
func ParseColumnType(s string) (ColumnType, error) {
	for c, name := range columnTypeNames {
		if strings.EqualFold(s, name) {
			return ColumnType(c), nil //nolint:gosec // c < numColumnTypes
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownColumnType, s)
}

// TypeSet is a set of column types.
type TypeSet uint16

// NewTypeSet returns the set holding types.
func NewTypeSet(types ...ColumnType) TypeSet {
	var s TypeSet
	for _, c := range types {
		s = s.With(c)
	}
	return s
}

// With returns s with c added.
func (s TypeSet) With(c ColumnType) TypeSet {
	if c >= numColumnTypes {
		return s
	}
	return s | 1<<c
}

// Without returns s with c removed.
func (s TypeSet) Without(c ColumnType) TypeSet {
	return s &^ (1 << c)
}

// Has reports whether c is in s.
func (s TypeSet) Has(c ColumnType) bool {
	return c < numColumnTypes && s&(1<<c) != 0
}

// Len returns the number of types in s.
func (s TypeSet) Len() int {
	return bits.OnesCount16(uint16(s))
}

// IsEmpty reports whether s holds no type.
func (s TypeSet) IsEmpty() bool {
	return s == 0
}

// Types returns the members of s in ascending order.
func (s TypeSet) Types() []ColumnType {
	out := make([]ColumnType, 0, s.Len())
	for c := range numColumnTypes {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// String formats s as {a, b}.
func (s TypeSet) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, c := range s.Types() {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(c.String())
	}
	sb.WriteByte('}')
	return sb.String()
}
