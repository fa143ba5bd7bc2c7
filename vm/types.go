package vm

import "fmt"

// BasicType is the declared type of a local, field, parameter, or result.
type BasicType uint8

const (
	TVoid BasicType = iota
	TBoolean
	TChar
	TByte
	TShort
	TInt
	TLong
	TFloat
	TDouble
	TObject
)

var basicTypeNames = [...]string{
	TVoid:    "void",
	TBoolean: "boolean",
	TChar:    "char",
	TByte:    "byte",
	TShort:   "short",
	TInt:     "int",
	TLong:    "long",
	TFloat:   "float",
	TDouble:  "double",
	TObject:  "object",
}

func (t BasicType) String() string {
	if int(t) < len(basicTypeNames) {
		return basicTypeNames[t]
	}
	return fmt.Sprintf("BasicType(%d)", t)
}

// Slots returns the number of stack slots a value of this type occupies.
func (t BasicType) Slots() int {
	switch t {
	case TVoid:
		return 0
	case TLong, TDouble:
		return 2
	}
	return 1
}

// Size returns the in-object storage size in bytes.
func (t BasicType) Size() int {
	switch t {
	case TBoolean, TByte:
		return 1
	case TChar, TShort:
		return 2
	case TInt, TFloat:
		return 4
	case TVoid:
		return 0
	}
	return 8
}

// IsSubword reports whether values of this type are carried in an int slot
// but must be narrowed to fewer than 32 bits.
func (t BasicType) IsSubword() bool {
	switch t {
	case TBoolean, TChar, TByte, TShort:
		return true
	}
	return false
}

// Narrow truncates a raw result word to the width of t with the extension
// the type requires: booleans keep bit 0, bytes and shorts sign-extend,
// chars zero-extend. Other types pass through unchanged.
func Narrow(t BasicType, w Word) Word {
	switch t {
	case TBoolean:
		return w & 1
	case TByte:
		return ToWord(int32(int8(w)))
	case TChar:
		return Word(uint16(w))
	case TShort:
		return ToWord(int32(int16(w)))
	}
	return w
}

// TypeFromDescriptor maps a descriptor character to a BasicType.
func TypeFromDescriptor(c byte) (BasicType, bool) {
	switch c {
	case 'V':
		return TVoid, true
	case 'Z':
		return TBoolean, true
	case 'C':
		return TChar, true
	case 'B':
		return TByte, true
	case 'S':
		return TShort, true
	case 'I':
		return TInt, true
	case 'J':
		return TLong, true
	case 'F':
		return TFloat, true
	case 'D':
		return TDouble, true
	case 'L', '[':
		return TObject, true
	}
	return TVoid, false
}

// ParseDescriptor splits a method descriptor such as "(IJLPoint;)Z" into its
// parameter types and result type.
func ParseDescriptor(desc string) ([]BasicType, BasicType, error) {
	if len(desc) < 3 || desc[0] != '(' {
		return nil, TVoid, fmt.Errorf("malformed descriptor %q", desc)
	}
	var params []BasicType
	i := 1
	for i < len(desc) && desc[i] != ')' {
		t, n, err := parseFieldType(desc, i)
		if err != nil {
			return nil, TVoid, err
		}
		if t == TVoid {
			return nil, TVoid, fmt.Errorf("void parameter in descriptor %q", desc)
		}
		params = append(params, t)
		i += n
	}
	if i >= len(desc) {
		return nil, TVoid, fmt.Errorf("unterminated descriptor %q", desc)
	}
	result, n, err := parseFieldType(desc, i+1)
	if err != nil {
		return nil, TVoid, err
	}
	if i+1+n != len(desc) {
		return nil, TVoid, fmt.Errorf("trailing characters in descriptor %q", desc)
	}
	return params, result, nil
}

// ParseFieldDescriptor parses a single field type such as "I" or "LPoint;".
func ParseFieldDescriptor(desc string) (BasicType, error) {
	t, n, err := parseFieldType(desc, 0)
	if err != nil {
		return TVoid, err
	}
	if n != len(desc) || t == TVoid {
		return TVoid, fmt.Errorf("malformed field descriptor %q", desc)
	}
	return t, nil
}

func parseFieldType(desc string, i int) (BasicType, int, error) {
	if i >= len(desc) {
		return TVoid, 0, fmt.Errorf("truncated descriptor %q", desc)
	}
	t, ok := TypeFromDescriptor(desc[i])
	if !ok {
		return TVoid, 0, fmt.Errorf("bad type %q in descriptor %q", desc[i], desc)
	}
	switch desc[i] {
	case 'L':
		for j := i + 1; j < len(desc); j++ {
			if desc[j] == ';' {
				return t, j - i + 1, nil
			}
		}
		return TVoid, 0, fmt.Errorf("unterminated class name in descriptor %q", desc)
	case '[':
		_, n, err := parseFieldType(desc, i+1)
		if err != nil {
			return TVoid, 0, err
		}
		return TObject, n + 1, nil
	}
	return t, 1, nil
}
