package idcode

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMarker means bit 0 of the captured word is 0, so the register
	// shifted out was not an IDCODE (a BYPASS register captures 0).
	ErrNoMarker = errors.New("idcode: marker bit is 0")
	// ErrReservedManufacturer flags the JEP106 code 0x7F, which the
	// standard reserves so that an all-ones chain can be detected.
	ErrReservedManufacturer = errors.New("idcode: reserved manufacturer code 0x7F")
)

// IDCode is an IEEE 1149.1 device identification register split into its
// fields.
type IDCode struct {
	Raw              uint32
	Version          uint8  // [31:28]
	PartNumber       uint16 // [27:12]
	ManufacturerCode uint16 // [11:1], JEP106 bank in [11:8]
	Marker           bool   // bit 0
}

// Decode splits raw into its fields.
func Decode(raw uint32) IDCode {
	return IDCode{
		Raw:              raw,
		Version:          uint8(raw >> 28 & 0xF),
		PartNumber:       uint16(raw >> 12 & 0xFFFF),
		ManufacturerCode: uint16(raw >> 1 & 0x7FF),
		Marker:           raw&1 == 1,
	}
}

// Validate checks the structural rules every IDCODE obeys.
func (id IDCode) Validate() error {
	if !id.Marker {
		return ErrNoMarker
	}
	if id.ManufacturerCode&0x7F == 0x7F {
		return ErrReservedManufacturer
	}
	return nil
}

// Manufacturer returns the JEP106 name of the vendor.
func (id IDCode) Manufacturer() string {
	return LookupManufacturer(id.ManufacturerCode)
}

func (id IDCode) String() string {
	return fmt.Sprintf("0x%08X (%s part 0x%04X rev %d)", id.Raw, id.Manufacturer(), id.PartNumber, id.Version)
}
