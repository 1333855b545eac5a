package jtag

import (
	"encoding/binary"
	"fmt"
	"time"
)

// CMSIS-DAP Command IDs
const (
	CmdInfo        = 0x00
	CmdConnect     = 0x02
	CmdDisconnect  = 0x03
	CmdResetTarget = 0x0A
	CmdSWJPins     = 0x10
	CmdSWJClock    = 0x11
)

// DAP_Info Info IDs
const (
	InfoVendorID     = 0x01
	InfoProductID    = 0x02
	InfoSerialNum    = 0x03
	InfoFirmwareVer  = 0x04
	InfoCapabilities = 0xF0
	InfoPacketSize   = 0xFF
)

// Connection ports
const (
	PortDefault = 0
	PortSWD     = 1
	PortJTAG    = 2
)

// Status codes
const (
	StatusOK    = 0x00
	StatusError = 0xFF
)

// DAP_SWJ_Pins bit positions.
const (
	PinTCK    byte = 1 << 0
	PinTMS    byte = 1 << 1
	PinTDI    byte = 1 << 2
	PinTDO    byte = 1 << 3
	PinNTRST  byte = 1 << 5
	PinNReset byte = 1 << 7
)

// maxPinWait is the longest pin wait the firmware accepts (3 s).
const maxPinWait = 3 * time.Second

// CMSISDAPProtocol handles encoding/decoding of CMSIS-DAP commands
type CMSISDAPProtocol struct {
	PacketSize int
}

// NewCMSISDAPProtocol creates a new protocol handler
func NewCMSISDAPProtocol(packetSize int) *CMSISDAPProtocol {
	return &CMSISDAPProtocol{
		PacketSize: packetSize,
	}
}

func checkHeader(resp []byte, cmd byte) error {
	if len(resp) < 2 {
		return fmt.Errorf("jtag: response too short")
	}
	if resp[0] != cmd {
		return fmt.Errorf("jtag: invalid command ID 0x%02X, want 0x%02X", resp[0], cmd)
	}
	return nil
}

// EncodeInfo builds a DAP_Info command
func (p *CMSISDAPProtocol) EncodeInfo(infoID byte) []byte {
	return []byte{CmdInfo, infoID}
}

// DecodeInfo parses a DAP_Info response
func (p *CMSISDAPProtocol) DecodeInfo(resp []byte) (string, error) {
	if err := checkHeader(resp, CmdInfo); err != nil {
		return "", err
	}
	length := int(resp[1])
	if len(resp) < 2+length {
		return "", fmt.Errorf("jtag: incomplete info string")
	}
	return string(resp[2 : 2+length]), nil
}

// EncodeConnect builds a DAP_Connect command
func (p *CMSISDAPProtocol) EncodeConnect(port byte) []byte {
	return []byte{CmdConnect, port}
}

// DecodeConnect parses a DAP_Connect response
func (p *CMSISDAPProtocol) DecodeConnect(resp []byte) (byte, error) {
	if err := checkHeader(resp, CmdConnect); err != nil {
		return 0, err
	}
	if resp[1] == 0 {
		return 0, fmt.Errorf("jtag: connection failed")
	}
	return resp[1], nil
}

// EncodeDisconnect builds a DAP_Disconnect command
func (p *CMSISDAPProtocol) EncodeDisconnect() []byte {
	return []byte{CmdDisconnect}
}

// DecodeDisconnect parses a DAP_Disconnect response
func (p *CMSISDAPProtocol) DecodeDisconnect(resp []byte) error {
	return p.decodeStatus(resp, CmdDisconnect, "disconnect")
}

// EncodeSetClock builds a DAP_SWJ_Clock command
func (p *CMSISDAPProtocol) EncodeSetClock(hz uint32) []byte {
	cmd := make([]byte, 5)
	cmd[0] = CmdSWJClock
	binary.LittleEndian.PutUint32(cmd[1:], hz)
	return cmd
}

// DecodeSetClock parses response
func (p *CMSISDAPProtocol) DecodeSetClock(resp []byte) error {
	return p.decodeStatus(resp, CmdSWJClock, "set clock")
}

// EncodeResetTarget builds a DAP_ResetTarget command
func (p *CMSISDAPProtocol) EncodeResetTarget() []byte {
	return []byte{CmdResetTarget}
}

// DecodeResetTarget parses response
func (p *CMSISDAPProtocol) DecodeResetTarget(resp []byte) error {
	return p.decodeStatus(resp, CmdResetTarget, "reset target")
}

// EncodeSWJPins builds a DAP_SWJ_Pins command. Only pins set in sel are
// driven; the probe then waits up to wait for the selected pins to settle
// before sampling every input.
func (p *CMSISDAPProtocol) EncodeSWJPins(out, sel byte, wait time.Duration) []byte {
	if wait < 0 {
		wait = 0
	}
	if wait > maxPinWait {
		wait = maxPinWait
	}
	cmd := make([]byte, 7)
	cmd[0] = CmdSWJPins
	cmd[1] = out
	cmd[2] = sel
	binary.LittleEndian.PutUint32(cmd[3:], uint32(wait/time.Microsecond))
	return cmd
}

// DecodeSWJPins returns the pin input byte sampled by the probe.
func (p *CMSISDAPProtocol) DecodeSWJPins(resp []byte) (byte, error) {
	if err := checkHeader(resp, CmdSWJPins); err != nil {
		return 0, err
	}
	return resp[1], nil
}

func (p *CMSISDAPProtocol) decodeStatus(resp []byte, cmd byte, what string) error {
	if err := checkHeader(resp, cmd); err != nil {
		return err
	}
	if resp[1] != StatusOK {
		return fmt.Errorf("jtag: %s failed (status 0x%02X)", what, resp[1])
	}
	return nil
}
