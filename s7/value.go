package s7

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// utf16BE is the WSTRING body encoding.
var utf16BE = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// Decode converts the raw bytes read for a scalar tag into a Go value.
// BIT yields bool, BYTE/WORD/DWORD yield uint8/uint16/uint32, INT/DINT yield
// int16/int32, REAL/LREAL yield float64 and CHAR yields string.
// STRING and WSTRING tags go through the string header and body decoders.
func Decode(tag Tag, raw []byte) (interface{}, error) {
	need := tag.Size()
	if tag.DataType == String || tag.DataType == WString {
		return nil, fmt.Errorf("%w: %s must be read as a string", ErrInvalidArgument, tag)
	}
	if len(raw) < need {
		return nil, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrDecode, tag, need, len(raw))
	}

	switch tag.DataType {
	case Bit:
		return raw[0]&BitMask(tag) != 0, nil
	case Byte:
		return raw[0], nil
	case Word:
		return binary.BigEndian.Uint16(raw), nil
	case DWord:
		return binary.BigEndian.Uint32(raw), nil
	case Int:
		return int16(binary.BigEndian.Uint16(raw)), nil
	case DInt:
		return int32(binary.BigEndian.Uint32(raw)), nil
	case Real:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(raw))), nil
	case LReal:
		return math.Float64frombits(binary.BigEndian.Uint64(raw)), nil
	case Char:
		return decodeLatin1(raw[:tag.Length]), nil
	default:
		return nil, fmt.Errorf("%w: unsupported data type %d", ErrDecode, tag.DataType)
	}
}

// BitMask returns the mask selecting a BIT tag's bit within its byte. The
// same mask is used for reads and for read-modify-write, so a bit written at
// index n is read back from index n.
func BitMask(tag Tag) byte {
	return 0x80 >> uint(tag.BitOffset)
}

// SetBit returns b with the tag's bit set or cleared.
func SetBit(b byte, tag Tag, on bool) byte {
	if on {
		return b | BitMask(tag)
	}
	return b &^ BitMask(tag)
}

// EncodeNumber converts a numeric value into the bytes for tag.
// Integer types are rounded to the nearest integer (half away from zero) and
// truncated to the type width; no range clamping is applied.
// REAL and LREAL are encoded unrounded.
func EncodeNumber(tag Tag, value float64) ([]byte, error) {
	if !tag.DataType.IsNumeric() {
		return nil, fmt.Errorf("%w: %s (%s) does not accept numeric values", ErrInvalidArgument, tag, tag.DataType.Name())
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		if !tag.DataType.IsFloat() {
			return nil, fmt.Errorf("%w: %v cannot be written to %s", ErrInvalidArgument, value, tag)
		}
	}

	buf := make([]byte, tag.DataType.Size())
	rounded := int64(math.Round(value))

	switch tag.DataType {
	case Byte:
		buf[0] = byte(rounded)
	case Word:
		binary.BigEndian.PutUint16(buf, uint16(rounded))
	case Int:
		binary.BigEndian.PutUint16(buf, uint16(int16(rounded)))
	case DWord:
		binary.BigEndian.PutUint32(buf, uint32(rounded))
	case DInt:
		binary.BigEndian.PutUint32(buf, uint32(int32(rounded)))
	case Real:
		binary.BigEndian.PutUint32(buf, math.Float32bits(float32(value)))
	case LReal:
		binary.BigEndian.PutUint64(buf, math.Float64bits(value))
	}
	return buf, nil
}

// DecodeStringHeader parses the two byte S7 STRING header.
func DecodeStringHeader(raw []byte) (maxLen, curLen int, err error) {
	if len(raw) < 2 {
		return 0, 0, fmt.Errorf("%w: string header needs 2 bytes, got %d", ErrDecode, len(raw))
	}
	return int(raw[0]), int(raw[1]), nil
}

// DecodeStringBody decodes up to curLen characters from body. The result is
// truncated to whatever the PLC actually returned.
func DecodeStringBody(body []byte, curLen int) string {
	n := curLen
	if n > len(body) {
		n = len(body)
	}
	if n < 0 {
		n = 0
	}
	return decodeLatin1(body[:n])
}

// DecodeWStringHeader parses the four byte S7 WSTRING header. Lengths are
// in characters, not bytes.
func DecodeWStringHeader(raw []byte) (maxLen, curLen int, err error) {
	if len(raw) < 4 {
		return 0, 0, fmt.Errorf("%w: wstring header needs 4 bytes, got %d", ErrDecode, len(raw))
	}
	return int(binary.BigEndian.Uint16(raw)), int(binary.BigEndian.Uint16(raw[2:])), nil
}

// DecodeWStringBody decodes up to curLen UTF-16BE characters from body,
// dropping NUL padding and unpaired surrogates.
func DecodeWStringBody(body []byte, curLen int) (string, error) {
	n := 2 * curLen
	if n > len(body) {
		n = len(body) &^ 1
	}
	if n < 0 {
		n = 0
	}
	decoded, err := utf16BE.NewDecoder().Bytes(body[:n])
	if err != nil {
		return "", fmt.Errorf("%w: wstring body: %v", ErrDecode, err)
	}
	return strings.Map(func(r rune) rune {
		if r == 0 || r == '\uFFFD' {
			return -1
		}
		return r
	}, string(decoded)), nil
}

// EncodeString builds the header and body written for a STRING or WSTRING
// tag.
func EncodeString(tag Tag, s string) ([]byte, error) {
	switch tag.DataType {
	case String:
		return encodeString(tag, s)
	case WString:
		return encodeWString(tag, s)
	}
	return nil, fmt.Errorf("%w: %s (%s) does not accept string values", ErrInvalidArgument, tag, tag.DataType.Name())
}

func encodeString(tag Tag, s string) ([]byte, error) {
	body := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xFF {
			return nil, fmt.Errorf("%w: %q is not representable in a single-byte string", ErrInvalidArgument, r)
		}
		body = append(body, byte(r))
	}
	if len(body) > tag.Length {
		return nil, fmt.Errorf("%w: %d characters exceed declared length %d of %s", ErrInvalidArgument, len(body), tag.Length, tag)
	}
	out := make([]byte, 2, 2+len(body))
	out[0] = byte(tag.Length)
	out[1] = byte(len(body))
	return append(out, body...), nil
}

// encodeWString counts length in UTF-16 code units, so characters outside
// the BMP use two.
func encodeWString(tag Tag, s string) ([]byte, error) {
	body, err := utf16BE.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %q cannot be encoded as UTF-16: %v", ErrInvalidArgument, s, err)
	}
	units := len(body) / 2
	if units > tag.Length {
		return nil, fmt.Errorf("%w: %d characters exceed declared length %d of %s", ErrInvalidArgument, units, tag.Length, tag)
	}
	out := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint16(out, uint16(tag.Length))
	binary.BigEndian.PutUint16(out[2:], uint16(units))
	return append(out, body...), nil
}

// decodeLatin1 maps each byte to the rune of the same value, dropping NUL
// padding.
func decodeLatin1(raw []byte) string {
	var sb strings.Builder
	sb.Grow(len(raw))
	for _, b := range raw {
		if b == 0 {
			continue
		}
		sb.WriteRune(rune(b))
	}
	return sb.String()
}
