package idcode

import "fmt"

// manufacturers maps 11-bit JEP106 codes (bank<<7 | id) to vendor names.
// Only vendors commonly found on boundary-scan chains are listed.
var manufacturers = map[uint16]string{
	0x001: "AMD",
	0x009: "Intel",
	0x00E: "Freescale (Motorola)",
	0x015: "NXP (Philips)",
	0x017: "Texas Instruments",
	0x018: "Toshiba",
	0x01F: "Atmel",
	0x020: "STMicroelectronics",
	0x025: "Analog Devices",
	0x02E: "Cypress",
	0x031: "Xilinx",
	0x03D: "Altera",
	0x041: "Lattice",
	0x049: "Infineon",
	0x06E: "Microchip",
	0x093: "ARM",
	0x0B7: "Espressif",
	0x13B: "Nordic Semiconductor",
	0x1F1: "Raspberry Pi",
	0x23B: "ARM Ltd",
}

// LookupManufacturer returns the vendor name for a JEP106 code, or a
// placeholder naming the code when it is not known.
func LookupManufacturer(code uint16) string {
	if name, ok := manufacturers[code]; ok {
		return name
	}
	return fmt.Sprintf("unknown (0x%03X)", code)
}

// KnownManufacturer reports whether code is in the table.
func KnownManufacturer(code uint16) bool {
	_, ok := manufacturers[code]
	return ok
}
