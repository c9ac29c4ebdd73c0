package hashchain

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

var ErrNotCanonical = errors.New("hashchain: value has no canonical form")

// Canonical serializes v as compact JSON with object keys sorted, floats in
// shortest round-trip form and every non-ASCII rune escaped. Two logically
// equal values always produce identical bytes.
//
// Supported values: nil, bool, string, the integer kinds, float32, float64,
// json.Number, map[string]any, []any and json.RawMessage (decoded first).
func Canonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeObject parses raw JSON into a value Canonical accepts, keeping number
// literals as written. Empty input decodes to an empty object.
func DecodeObject(raw []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("hashchain: decode object: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: null is not an object", ErrNotCanonical)
	}
	return out, nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		writeString(buf, x)
	case int:
		buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(x, 10))
	case uint:
		buf.WriteString(strconv.FormatUint(uint64(x), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(x, 10))
	case float32:
		return writeFloat(buf, float64(x))
	case float64:
		return writeFloat(buf, x)
	case json.Number:
		return writeNumber(buf, x)
	case json.RawMessage:
		obj, err := decodeAny(x)
		if err != nil {
			return err
		}
		return writeValue(buf, obj)
	case map[string]any:
		return writeObject(buf, x)
	case []any:
		buf.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrNotCanonical, v)
	}
	return nil
}

func decodeAny(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("hashchain: decode raw: %w", err)
	}
	return out, nil
}

func writeObject(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(buf, k)
		buf.WriteByte(':')
		if err := writeValue(buf, m[k]); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

// writeFloat renders f the way a repr-style float printer does: shortest
// digits, a ".0" suffix for integral values and exponent notation outside
// [1e-4, 1e16).
func writeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: non-finite float %v", ErrNotCanonical, f)
	}
	if f == 0 {
		if math.Signbit(f) {
			buf.WriteString("-0.0")
		} else {
			buf.WriteString("0.0")
		}
		return nil
	}

	exp := strconv.FormatFloat(f, 'e', -1, 64)
	mantissa, expPart, _ := strings.Cut(exp, "e")
	e, err := strconv.Atoi(expPart)
	if err != nil {
		return fmt.Errorf("hashchain: parse exponent %q: %w", exp, err)
	}

	if e < -4 || e >= 16 {
		// Go prints at least two exponent digits, e.g. 1e+16 / 1.5e-05.
		buf.WriteString(mantissa)
		buf.WriteByte('e')
		if e < 0 {
			buf.WriteByte('-')
			e = -e
		} else {
			buf.WriteByte('+')
		}
		if e < 10 {
			buf.WriteByte('0')
		}
		buf.WriteString(strconv.Itoa(e))
		return nil
	}

	s := strconv.FormatFloat(f, 'f', -1, 64)
	buf.WriteString(s)
	if !strings.ContainsAny(s, ".") {
		buf.WriteString(".0")
	}
	return nil
}

// writeNumber keeps integer literals as written and normalizes anything with
// a fraction or exponent through writeFloat.
func writeNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if v, ok := new(big.Int).SetString(s, 10); ok {
			if v.Sign() == 0 {
				buf.WriteByte('0')
				return nil
			}
			buf.WriteString(strings.TrimPrefix(s, "+"))
			return nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("%w: number %q", ErrNotCanonical, s)
	}
	return writeFloat(buf, f)
}

const hexDigits = "0123456789abcdef"

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch c {
			case '"':
				buf.WriteString(`\"`)
			case '\\':
				buf.WriteString(`\\`)
			case '\b':
				buf.WriteString(`\b`)
			case '\f':
				buf.WriteString(`\f`)
			case '\n':
				buf.WriteString(`\n`)
			case '\r':
				buf.WriteString(`\r`)
			case '\t':
				buf.WriteString(`\t`)
			default:
				if c < 0x20 || c == 0x7f {
					writeEscape(buf, rune(c))
				} else {
					buf.WriteByte(c)
				}
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r > 0xffff {
			r1, r2 := utf16.EncodeRune(r)
			writeEscape(buf, r1)
			writeEscape(buf, r2)
		} else {
			writeEscape(buf, r)
		}
		i += size
	}
	buf.WriteByte('"')
}

func writeEscape(buf *bytes.Buffer, r rune) {
	buf.WriteString(`\u`)
	buf.WriteByte(hexDigits[(r>>12)&0xf])
	buf.WriteByte(hexDigits[(r>>8)&0xf])
	buf.WriteByte(hexDigits[(r>>4)&0xf])
	buf.WriteByte(hexDigits[r&0xf])
}
