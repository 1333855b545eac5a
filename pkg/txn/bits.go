package txn

import (
	"fmt"
	"strings"
)

// Bits is a bit vector in shift order: index 0 is shifted first and is the
// least significant bit of the word it encodes.
type Bits []bool

// FromUint returns the low n bits of v.
func FromUint(v uint64, n int) Bits {
	b := make(Bits, n)
	for i := range b {
		b[i] = i < 64 && v>>uint(i)&1 == 1
	}
	return b
}

// ParseBits reads an MSB-first string of 0 and 1, optionally prefixed by 0b.
func ParseBits(s string) (Bits, error) {
	s = strings.TrimPrefix(strings.ReplaceAll(s, "_", ""), "0b")
	b := make(Bits, len(s))
	for i, ch := range s {
		switch ch {
		case '0':
		case '1':
			b[len(s)-1-i] = true
		default:
			return nil, fmt.Errorf("txn: invalid bit %q in %q", ch, s)
		}
	}
	return b, nil
}

// Uint packs the first 64 bits into a word.
func (b Bits) Uint() uint64 {
	var v uint64
	for i, bit := range b {
		if i == 64 {
			break
		}
		if bit {
			v |= 1 << uint(i)
		}
	}
	return v
}

func (b Bits) Equal(o Bits) bool {
	if len(b) != len(o) {
		return false
	}
	for i := range b {
		if b[i] != o[i] {
			return false
		}
	}
	return true
}

func (b Bits) Clone() Bits {
	if b == nil {
		return nil
	}
	return append(Bits(nil), b...)
}

// String renders the vector MSB first.
func (b Bits) String() string {
	var sb strings.Builder
	sb.WriteString("0b")
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

// MarshalText lets encoders emit the MSB-first string form.
func (b Bits) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *Bits) UnmarshalText(text []byte) error {
	parsed, err := ParseBits(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}
