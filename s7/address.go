package s7

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Area represents an S7 memory area.
type Area int

const (
	AreaDB Area = iota // Data Block
)

// String returns the area name.
func (a Area) String() string {
	switch a {
	case AreaDB:
		return "DB"
	default:
		return "?"
	}
}

// Tag is a parsed, immutable S7 address. Tags are comparable and are used
// directly as map keys when deduplicating reads.
type Tag struct {
	Area      Area
	DBNumber  int
	DataType  DataType
	Start     int // Byte offset within the data block
	BitOffset int // Stored bit offset for BIT tags (7 - written bit index)
	Length    int // Declared max length for STRING and WSTRING, element count for CHAR
}

// MaxStringLength is the largest declared length of an S7 STRING.
const MaxStringLength = 254

// MaxWStringLength is the largest declared length of an S7 WSTRING.
const MaxWStringLength = 16382

// reAddress matches DB<n>.<TOKEN><byte>[.<n>] after whitespace removal.
var reAddress = regexp.MustCompile(`^DB(\d+)\.([A-Z]+)(\d+)(?:\.(\d+))?$`)

// typeTokens maps every accepted type token to its data type.
var typeTokens = map[string]DataType{
	"DBX": Bit, "X": Bit, "BOOL": Bit, "BIT": Bit,
	"DBB": Byte, "B": Byte, "BYTE": Byte,
	"DBW": Word, "W": Word, "WORD": Word,
	"DBD": DWord, "D": DWord, "DWORD": DWord,
	"INT": Int, "I": Int,
	"DINT": DInt, "DI": DInt,
	"REAL": Real, "FLOAT": Real, "R": Real, "F": Real,
	"LREAL": LReal, "LR": LReal,
	"C": Char, "CHAR": Char,
	"S": String, "DBS": String, "STR": String, "STRING": String,
	"WS": WString, "WSTR": WString, "WSTRING": WString,
}

// Parse parses an S7 address string into a Tag.
// Supported formats:
//   - DB1.DBX0.3  - bit 3 of byte 0 (also X, BOOL, BIT)
//   - DB1.DBB0    - byte (also B, BYTE)
//   - DB1.DBW2    - word (also W, WORD)
//   - DB1.DBD4    - dword (also D, DWORD)
//   - DB1.INT6    - 16-bit signed (also I)
//   - DB1.DINT8   - 32-bit signed (also DI)
//   - DB1.REAL12  - 32-bit float (also FLOAT, R, F)
//   - DB1.LREAL16 - 64-bit float (also LR)
//   - DB1.CHAR20  - single character, DB1.CHAR20.4 for four
//   - DB1.S30.20  - STRING with declared length 20 (also DBS, STR, STRING)
//   - DB1.WS40.10 - WSTRING with declared length 10 (also WSTR, WSTRING)
//
// Matching is case-insensitive and whitespace anywhere is ignored.
func Parse(address string) (Tag, error) {
	norm := strings.ToUpper(strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, address))
	if norm == "" {
		return Tag{}, fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}

	m := reAddress.FindStringSubmatch(norm)
	if m == nil {
		return Tag{}, fmt.Errorf("%w: %q does not match DB<n>.<type><byte>[.<n>]", ErrInvalidAddress, address)
	}

	dataType, ok := typeTokens[m[2]]
	if !ok {
		return Tag{}, fmt.Errorf("%w: unknown type %q in %q", ErrInvalidAddress, m[2], address)
	}

	dbNum, err := strconv.Atoi(m[1])
	if err != nil {
		return Tag{}, fmt.Errorf("%w: data block number in %q: %v", ErrInvalidAddress, address, err)
	}
	start, err := strconv.Atoi(m[3])
	if err != nil {
		return Tag{}, fmt.Errorf("%w: byte offset in %q: %v", ErrInvalidAddress, address, err)
	}

	suffix := -1
	if m[4] != "" {
		suffix, err = strconv.Atoi(m[4])
		if err != nil {
			return Tag{}, fmt.Errorf("%w: suffix in %q: %v", ErrInvalidAddress, address, err)
		}
	}

	tag := Tag{Area: AreaDB, DBNumber: dbNum, DataType: dataType, Start: start}

	switch dataType {
	case Bit:
		if suffix < 0 {
			return Tag{}, fmt.Errorf("%w: bit index required in %q", ErrInvalidAddress, address)
		}
		if suffix > 7 {
			return Tag{}, fmt.Errorf("%w: bit index %d out of range 0-7 in %q", ErrInvalidAddress, suffix, address)
		}
		tag.BitOffset = 7 - suffix
	case String:
		tag.Length = MaxStringLength
		if suffix >= 0 {
			if suffix < 1 || suffix > MaxStringLength {
				return Tag{}, fmt.Errorf("%w: string length %d out of range 1-%d in %q", ErrInvalidAddress, suffix, MaxStringLength, address)
			}
			tag.Length = suffix
		}
	case WString:
		tag.Length = MaxStringLength
		if suffix >= 0 {
			if suffix < 1 || suffix > MaxWStringLength {
				return Tag{}, fmt.Errorf("%w: wstring length %d out of range 1-%d in %q", ErrInvalidAddress, suffix, MaxWStringLength, address)
			}
			tag.Length = suffix
		}
	case Char:
		tag.Length = 1
		if suffix >= 0 {
			if suffix < 1 {
				return Tag{}, fmt.Errorf("%w: char count must be at least 1 in %q", ErrInvalidAddress, address)
			}
			tag.Length = suffix
		}
	default:
		if suffix >= 0 {
			return Tag{}, fmt.Errorf("%w: %s does not take a suffix in %q", ErrInvalidAddress, dataType, address)
		}
	}

	return tag, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// package-level tables.
func MustParse(address string) Tag {
	tag, err := Parse(address)
	if err != nil {
		panic(err)
	}
	return tag
}

// ValidateAddress checks if an address string is valid.
func ValidateAddress(address string) error {
	_, err := Parse(address)
	return err
}

// Bit returns the bit index as written in the address (0 = least significant).
func (t Tag) Bit() int {
	return 7 - t.BitOffset
}

// Size returns the number of bytes the tag occupies in the data block.
func (t Tag) Size() int {
	switch t.DataType {
	case Char:
		return t.Length
	case String:
		return t.Length + 2
	case WString:
		return 2*t.Length + 4
	default:
		return t.DataType.Size()
	}
}

// IsStringLike reports whether the tag is read through the string path.
func (t Tag) IsStringLike() bool {
	switch t.DataType {
	case String, WString:
		return true
	case Char:
		return t.Length > 1
	}
	return false
}

// String formats the tag back into its canonical address. Parse(t.String())
// returns t for every valid tag.
func (t Tag) String() string {
	base := fmt.Sprintf("%s%d.%s%d", t.Area, t.DBNumber, t.DataType, t.Start)
	switch t.DataType {
	case Bit:
		return fmt.Sprintf("%s.%d", base, t.Bit())
	case String, WString:
		return fmt.Sprintf("%s.%d", base, t.Length)
	case Char:
		if t.Length > 1 {
			return fmt.Sprintf("%s.%d", base, t.Length)
		}
	}
	return base
}
