package compliance

import (
	"fmt"
	"strings"
)

// Standard selects the family member whose extra rules apply.
type Standard string

const (
	Std1149_1 Standard = "1149.1"
	Std1149_4 Standard = "1149.4"
	Std1149_6 Standard = "1149.6"
	Std1149_7 Standard = "1149.7"
	StdCustom Standard = "custom"
)

// ParseStandard accepts "1149.7", "IEEE 1149.7", "ieee1149.7" and "custom".
func ParseStandard(s string) (Standard, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.TrimPrefix(norm, "ieee")
	norm = strings.TrimSpace(strings.TrimPrefix(norm, "std"))
	switch Standard(norm) {
	case "":
		return Std1149_1, nil
	case Std1149_1, Std1149_4, Std1149_6, Std1149_7, StdCustom:
		return Standard(norm), nil
	}
	return "", fmt.Errorf("compliance: unknown standard %q", s)
}

// Mandatory 1149.1 instructions, plus the aliases SAMPLE/PRELOAD is known by.
var mandatory = map[string]bool{
	"BYPASS":         true,
	"IDCODE":         true,
	"SAMPLE/PRELOAD": true,
	"SAMPLE":         true,
	"PRELOAD":        true,
	"EXTEST":         true,
}

// boundaryInstructions select the boundary register.
var boundaryInstructions = map[string]bool{
	"EXTEST":         true,
	"SAMPLE/PRELOAD": true,
	"SAMPLE":         true,
	"PRELOAD":        true,
	"INTEST":         true,
}

// requiredByStandard lists instructions a strict profile must register.
var requiredByStandard = map[Standard][]string{
	Std1149_4: {"PROBE"},
	Std1149_6: {"EXTEST_PULSE", "EXTEST_TRAIN"},
}

// IsMandatory reports whether name is one of the 1149.1 mandatory
// instructions.
func IsMandatory(name string) bool {
	return mandatory[strings.ToUpper(name)]
}
