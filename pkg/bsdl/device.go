package bsdl

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMissingAttribute is returned when a description lacks an attribute the
// verifier needs.
var ErrMissingAttribute = errors.New("bsdl: missing attribute")

// Device is the part of a BSDL description the verifier consumes.
type Device struct {
	Name           string
	Standard       string
	IRLength       int
	BoundaryLength int
	// IDCode holds the expected IDCODE; IDMask has a 1 for every bit that
	// is not a wildcard.
	IDCode uint32
	IDMask uint32
	// Instructions maps upper-case names to opcodes (bit 0 is the bit
	// nearest TDO). When a name lists several opcodes the first is kept.
	Instructions map[string]uint64
}

// HasIDCode reports whether the description declares an IDCODE register.
func (d *Device) HasIDCode() bool {
	return d.IDMask != 0
}

// MatchIDCode compares a captured IDCODE against the declared one, ignoring
// wildcard bits.
func (d *Device) MatchIDCode(id uint32) bool {
	return id&d.IDMask == d.IDCode&d.IDMask
}

// Device extracts the verifier's view of the entity.
func (e *Entity) Device() (*Device, error) {
	d := &Device{
		Name:         e.Name,
		Standard:     e.Standard(),
		Instructions: make(map[string]uint64),
	}

	attr := e.Attribute("INSTRUCTION_LENGTH")
	if attr == nil {
		return nil, fmt.Errorf("%w: INSTRUCTION_LENGTH", ErrMissingAttribute)
	}
	n, ok := attr.Value.Int()
	if !ok || n < 2 || n > 64 {
		return nil, fmt.Errorf("bsdl: INSTRUCTION_LENGTH %q is not an IR width", attr.Value.Text())
	}
	d.IRLength = n

	if attr := e.Attribute("BOUNDARY_LENGTH"); attr != nil {
		if n, ok := attr.Value.Int(); ok && n >= 0 {
			d.BoundaryLength = n
		}
	}

	if attr := e.Attribute("IDCODE_REGISTER"); attr != nil {
		v, mask, err := ParseBinary(attr.Value.Text())
		if err != nil {
			return nil, fmt.Errorf("bsdl: IDCODE_REGISTER: %w", err)
		}
		d.IDCode, d.IDMask = uint32(v), uint32(mask)
	}

	attr = e.Attribute("INSTRUCTION_OPCODE")
	if attr == nil {
		return nil, fmt.Errorf("%w: INSTRUCTION_OPCODE", ErrMissingAttribute)
	}
	ops, err := parseOpcodes(attr.Value.Text())
	if err != nil {
		return nil, err
	}
	for name, bits := range ops {
		if len(bits) != d.IRLength {
			return nil, fmt.Errorf("bsdl: opcode %s for %s is %d bits, IR is %d", bits, name, len(bits), d.IRLength)
		}
		v, _, err := ParseBinary(bits)
		if err != nil {
			return nil, fmt.Errorf("bsdl: opcode for %s: %w", name, err)
		}
		d.Instructions[name] = v
	}
	return d, nil
}

// parseOpcodes splits "BYPASS (11111, 10111), IDCODE (00001)" into the
// first opcode string of every instruction.
func parseOpcodes(s string) (map[string]string, error) {
	out := make(map[string]string)
	for rest := strings.TrimSpace(s); rest != ""; {
		open := strings.IndexByte(rest, '(')
		if open <= 0 {
			return nil, fmt.Errorf("bsdl: malformed INSTRUCTION_OPCODE near %q", rest)
		}
		end := strings.IndexByte(rest[open:], ')')
		if end < 0 {
			return nil, fmt.Errorf("bsdl: unterminated opcode list near %q", rest)
		}
		name := strings.ToUpper(strings.TrimSpace(rest[:open]))
		codes := strings.Split(rest[open+1:open+end], ",")
		if _, dup := out[name]; !dup {
			out[name] = strings.TrimSpace(codes[0])
		}
		rest = strings.TrimLeft(rest[open+end+1:], " ,\t\r\n")
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("bsdl: empty INSTRUCTION_OPCODE")
	}
	return out, nil
}

// ParseBinary converts an MSB-first string of 0, 1 and X into a value and a
// mask of the non-wildcard bits. Spaces and underscores are ignored.
func ParseBinary(s string) (value, mask uint64, err error) {
	width := 0
	for _, ch := range s {
		switch ch {
		case '0', '1':
			value = value<<1 | uint64(ch-'0')
			mask = mask<<1 | 1
		case 'X', 'x':
			value <<= 1
			mask <<= 1
		case ' ', '_', '\t', '\n', '\r':
			continue
		default:
			return 0, 0, fmt.Errorf("invalid bit %q in %q", ch, s)
		}
		width++
	}
	if width == 0 || width > 64 {
		return 0, 0, fmt.Errorf("%q is %d bits wide", s, width)
	}
	return value, mask, nil
}

// LoadDevice parses the description at path and extracts its Device.
func LoadDevice(path string) (*Device, error) {
	p, err := NewParser()
	if err != nil {
		return nil, err
	}
	f, err := p.ParseFile(path)
	if err != nil {
		return nil, err
	}
	return f.Entity.Device()
}
