package jtag

import (
	"bytes"
	"testing"
	"time"
)

func TestProtocolEncodeInfo(t *testing.T) {
	proto := NewCMSISDAPProtocol(64)

	tests := []struct {
		name   string
		infoID byte
		want   []byte
	}{
		{"Vendor ID", InfoVendorID, []byte{0x00, 0x01}},
		{"Product ID", InfoProductID, []byte{0x00, 0x02}},
		{"Serial Number", InfoSerialNum, []byte{0x00, 0x03}},
		{"Firmware Version", InfoFirmwareVer, []byte{0x00, 0x04}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := proto.EncodeInfo(tt.infoID)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("EncodeInfo() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProtocolDecodeInfo(t *testing.T) {
	proto := NewCMSISDAPProtocol(64)

	tests := []struct {
		name    string
		resp    []byte
		want    string
		wantErr bool
	}{
		{name: "valid vendor", resp: []byte{0x00, 0x04, 'T', 'e', 's', 't'}, want: "Test"},
		{name: "too short", resp: []byte{0x00}, wantErr: true},
		{name: "wrong command", resp: []byte{0x01, 0x04, 'T', 'e', 's', 't'}, wantErr: true},
		{name: "incomplete string", resp: []byte{0x00, 0x10, 'T', 'e', 's', 't'}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := proto.DecodeInfo(tt.resp)
			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeInfo() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("DecodeInfo() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProtocolConnect(t *testing.T) {
	proto := NewCMSISDAPProtocol(64)

	if got := proto.EncodeConnect(PortJTAG); !bytes.Equal(got, []byte{CmdConnect, PortJTAG}) {
		t.Fatalf("EncodeConnect() = %v", got)
	}
	port, err := proto.DecodeConnect([]byte{CmdConnect, PortJTAG})
	if err != nil || port != PortJTAG {
		t.Fatalf("DecodeConnect() = %d, %v", port, err)
	}
	if _, err := proto.DecodeConnect([]byte{CmdConnect, 0}); err == nil {
		t.Fatalf("expected error for failed connect")
	}
}

func TestProtocolStatusResponses(t *testing.T) {
	proto := NewCMSISDAPProtocol(64)

	if err := proto.DecodeSetClock([]byte{CmdSWJClock, StatusOK}); err != nil {
		t.Fatalf("DecodeSetClock() error = %v", err)
	}
	if err := proto.DecodeSetClock([]byte{CmdSWJClock, StatusError}); err == nil {
		t.Fatalf("expected error for failed clock")
	}
	if err := proto.DecodeDisconnect([]byte{CmdConnect, StatusOK}); err == nil {
		t.Fatalf("expected error for wrong command ID")
	}
	if err := proto.DecodeResetTarget([]byte{CmdResetTarget, StatusOK}); err != nil {
		t.Fatalf("DecodeResetTarget() error = %v", err)
	}
}

func TestProtocolEncodeSetClock(t *testing.T) {
	proto := NewCMSISDAPProtocol(64)
	got := proto.EncodeSetClock(1_000_000)
	want := []byte{CmdSWJClock, 0x40, 0x42, 0x0F, 0x00}
	if !bytes.Equal(got, want) {
		t.Fatalf("EncodeSetClock() = %v, want %v", got, want)
	}
}

func TestProtocolSWJPins(t *testing.T) {
	proto := NewCMSISDAPProtocol(64)

	tests := []struct {
		name string
		out  byte
		sel  byte
		wait time.Duration
		want []byte
	}{
		{"clock high", PinTCK | PinTMS, PinTCK | PinTMS | PinTDI, 0, []byte{CmdSWJPins, 0x03, 0x07, 0, 0, 0, 0}},
		{"read only", 0, 0, 0, []byte{CmdSWJPins, 0, 0, 0, 0, 0, 0}},
		{"wait 1ms", PinNTRST, PinNTRST, time.Millisecond, []byte{CmdSWJPins, 0x20, 0x20, 0xE8, 0x03, 0, 0}},
		{"wait clamped", 0, 0, time.Minute, []byte{CmdSWJPins, 0, 0, 0xC0, 0xC6, 0x2D, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := proto.EncodeSWJPins(tt.out, tt.sel, tt.wait)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("EncodeSWJPins() = %v, want %v", got, tt.want)
			}
		})
	}

	in, err := proto.DecodeSWJPins([]byte{CmdSWJPins, PinTDO | PinNReset})
	if err != nil {
		t.Fatalf("DecodeSWJPins() error = %v", err)
	}
	if in&PinTDO == 0 {
		t.Fatalf("TDO bit not reported in 0x%02X", in)
	}
	if _, err := proto.DecodeSWJPins([]byte{CmdSWJClock, 0}); err == nil {
		t.Fatalf("expected error for wrong command ID")
	}
}
