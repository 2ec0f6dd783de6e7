// Package s7 provides Siemens S7 addressing, value encoding and the
// transport boundary used to talk to S7 PLCs.
package s7

import "math"

// DataType identifies how a tag's bytes are interpreted.
type DataType int

const (
	Bit    DataType = iota // 1 bit inside a byte
	Byte                   // 8 bits unsigned
	Word                   // 16 bits unsigned
	DWord                  // 32 bits unsigned
	Int                    // 16 bits signed
	DInt                   // 32 bits signed
	Real                   // 32 bits IEEE 754 float
	LReal                  // 64 bits IEEE 754 double
	Char                   // 8 bits character
	String                 // S7 STRING, 2 byte header + declared length
	WString                // S7 WSTRING, 4 byte header + 2 bytes per character
)

// String returns the canonical address token for the type.
func (d DataType) String() string {
	switch d {
	case Bit:
		return "DBX"
	case Byte:
		return "DBB"
	case Word:
		return "DBW"
	case DWord:
		return "DBD"
	case Int:
		return "INT"
	case DInt:
		return "DINT"
	case Real:
		return "REAL"
	case LReal:
		return "LREAL"
	case Char:
		return "CHAR"
	case String:
		return "S"
	case WString:
		return "WS"
	default:
		return "?"
	}
}

// Name returns the human-readable type name used in published payloads.
func (d DataType) Name() string {
	switch d {
	case Bit:
		return "BOOL"
	case Byte:
		return "BYTE"
	case Word:
		return "WORD"
	case DWord:
		return "DWORD"
	case Int:
		return "INT"
	case DInt:
		return "DINT"
	case Real:
		return "REAL"
	case LReal:
		return "LREAL"
	case Char:
		return "CHAR"
	case String:
		return "STRING"
	case WString:
		return "WSTRING"
	default:
		return "UNKNOWN"
	}
}

// Size returns the byte size of a single element of the type.
// Returns 0 for STRING and WSTRING, whose size depends on the declared length.
func (d DataType) Size() int {
	switch d {
	case Bit, Byte, Char:
		return 1
	case Word, Int:
		return 2
	case DWord, DInt, Real:
		return 4
	case LReal:
		return 8
	default:
		return 0
	}
}

// IsInteger reports whether values of the type are rounded before a write.
func (d DataType) IsInteger() bool {
	switch d {
	case Byte, Word, DWord, Int, DInt:
		return true
	}
	return false
}

// IsNumeric reports whether the type accepts numeric writes.
func (d DataType) IsNumeric() bool {
	return d.IsInteger() || d == Real || d == LReal
}

// IsFloat reports whether the type holds IEEE 754 values.
func (d DataType) IsFloat() bool {
	return d == Real || d == LReal
}

// NumericLimits returns the inclusive value range of the type. ok is false
// for types without a bounded range (floats, characters and strings).
func NumericLimits(d DataType) (min, max float64, ok bool) {
	switch d {
	case Bit:
		return 0, 1, true
	case Byte:
		return 0, math.MaxUint8, true
	case Word:
		return 0, math.MaxUint16, true
	case DWord:
		return 0, math.MaxUint32, true
	case Int:
		return math.MinInt16, math.MaxInt16, true
	case DInt:
		return math.MinInt32, math.MaxInt32, true
	default:
		return 0, 0, false
	}
}
