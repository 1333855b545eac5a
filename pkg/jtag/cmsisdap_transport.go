package jtag

import (
	"fmt"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"
)

const (
	// JTAGProbe USB identifiers
	VendorIDRaspberryPi = 0x2E8A
	ProductIDCMSISDAP   = 0x000C

	// Default packet size for CMSIS-DAP v1/v2
	DefaultPacketSize = 64
	DefaultTimeout    = 5 * time.Second
)

// probeTransport is the command/response channel to a CMSIS-DAP probe.
type probeTransport interface {
	WriteRead(cmd []byte) ([]byte, error)
	PacketSize() int
	Close() error
}

// USBTransport handles USB communication with CMSIS-DAP probe
type USBTransport struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	done func()
	intf *gousb.Interface

	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint

	packetSize int
	timeout    time.Duration
}

// NewUSBTransport opens the first probe matching vid:pid and claims its
// vendor-class interface.
func NewUSBTransport(vid, pid uint16, log *zap.Logger) (*USBTransport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("jtag: open usb device: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("jtag: device not found (VID:0x%04X PID:0x%04X)", vid, pid)
	}

	// Needed on Linux when a kernel driver holds the interface.
	if err := dev.SetAutoDetach(true); err != nil {
		log.Debug("auto-detach unavailable", zap.Error(err))
	}

	t := &USBTransport{
		ctx:        ctx,
		dev:        dev,
		packetSize: DefaultPacketSize,
		timeout:    DefaultTimeout,
	}
	if err := t.claimInterface(); err != nil {
		dev.Close()
		ctx.Close()
		return nil, err
	}
	log.Info("cmsis-dap probe opened",
		zap.String("vid", fmt.Sprintf("%04X", vid)),
		zap.String("pid", fmt.Sprintf("%04X", pid)),
		zap.Int("packet_size", t.packetSize))
	return t, nil
}

// claimInterface finds and claims the CMSIS-DAP vendor interface
func (t *USBTransport) claimInterface() error {
	cfgNum, err := t.dev.ActiveConfigNum()
	if err != nil {
		cfgNum = 1
	}
	cfg, err := t.dev.Config(cfgNum)
	if err != nil {
		return fmt.Errorf("jtag: usb config %d: %w", cfgNum, err)
	}

	intfNum := 0
	for _, desc := range cfg.Desc.Interfaces {
		if len(desc.AltSettings) > 0 && desc.AltSettings[0].Class == gousb.ClassVendorSpec {
			intfNum = desc.Number
			break
		}
	}

	intf, err := cfg.Interface(intfNum, 0)
	if err != nil {
		cfg.Close()
		return fmt.Errorf("jtag: claim interface %d: %w", intfNum, err)
	}
	t.intf = intf
	t.done = func() {
		intf.Close()
		cfg.Close()
	}

	if err := t.findEndpoints(); err != nil {
		t.done()
		t.done = nil
		return err
	}
	return nil
}

// findEndpoints discovers the bulk IN and OUT endpoints
func (t *USBTransport) findEndpoints() error {
	var outAddr, inAddr int
	for _, ep := range t.intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch {
		case ep.Direction == gousb.EndpointDirectionOut && outAddr == 0:
			outAddr = ep.Number
		case ep.Direction == gousb.EndpointDirectionIn && inAddr == 0:
			inAddr = ep.Number
			t.packetSize = ep.MaxPacketSize
		}
	}
	if outAddr == 0 {
		return fmt.Errorf("jtag: bulk OUT endpoint not found")
	}
	if inAddr == 0 {
		return fmt.Errorf("jtag: bulk IN endpoint not found")
	}

	epOut, err := t.intf.OutEndpoint(outAddr)
	if err != nil {
		return fmt.Errorf("jtag: open OUT endpoint: %w", err)
	}
	epIn, err := t.intf.InEndpoint(inAddr)
	if err != nil {
		return fmt.Errorf("jtag: open IN endpoint: %w", err)
	}
	t.epOut, t.epIn = epOut, epIn
	return nil
}

// WriteRead sends one padded command packet and reads its response.
func (t *USBTransport) WriteRead(cmd []byte) ([]byte, error) {
	packet := make([]byte, t.packetSize)
	copy(packet, cmd)
	if _, err := t.epOut.Write(packet); err != nil {
		return nil, fmt.Errorf("jtag: usb write: %w", err)
	}

	resp := make([]byte, t.packetSize)
	n, err := t.epIn.Read(resp)
	if err != nil {
		return nil, fmt.Errorf("jtag: usb read: %w", err)
	}
	return resp[:n], nil
}

// PacketSize returns the negotiated packet size.
func (t *USBTransport) PacketSize() int {
	return t.packetSize
}

// Close releases USB resources
func (t *USBTransport) Close() error {
	if t.done != nil {
		t.done()
		t.done = nil
	}
	if t.dev != nil {
		t.dev.Close()
		t.dev = nil
	}
	if t.ctx != nil {
		t.ctx.Close()
		t.ctx = nil
	}
	return nil
}
