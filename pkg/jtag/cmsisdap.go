package jtag

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProbeInfo is what a CMSIS-DAP probe reports about itself.
type ProbeInfo struct {
	Vendor       string
	Product      string
	SerialNumber string
	Firmware     string
}

// PinDriver implements Lines by bit-banging TCK/TMS/TDI/TRST through
// DAP_SWJ_Pins. Each clock costs two USB round trips, so it suits
// verification at low TCK rates rather than throughput.
//
// Lines has no error returns; the first transport error is latched and
// reported by Err, after which every call is a no-op.
type PinDriver struct {
	transport probeTransport
	protocol  *CMSISDAPProtocol
	log       *zap.Logger

	info      ProbeInfo
	connected bool

	tms, tdi bool
	trst     bool
	halfWait time.Duration
	epoch    time.Time
	err      error

	mu sync.Mutex
}

// PinDriverOption customises a PinDriver.
type PinDriverOption func(*PinDriver)

// WithHalfPeriod sets the pin wait the probe applies after each TCK level
// change.
func WithHalfPeriod(d time.Duration) PinDriverOption {
	return func(p *PinDriver) { p.halfWait = d }
}

// WithLogger attaches a logger.
func WithLogger(log *zap.Logger) PinDriverOption {
	return func(p *PinDriver) {
		if log != nil {
			p.log = log
		}
	}
}

// OpenPinDriver opens the probe at vid:pid and connects it in JTAG mode.
func OpenPinDriver(vid, pid uint16, opts ...PinDriverOption) (*PinDriver, error) {
	p := &PinDriver{log: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	transport, err := NewUSBTransport(vid, pid, p.log)
	if err != nil {
		return nil, err
	}
	if err := p.attach(transport); err != nil {
		transport.Close()
		return nil, err
	}
	return p, nil
}

func newPinDriver(t probeTransport, opts ...PinDriverOption) (*PinDriver, error) {
	p := &PinDriver{log: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.attach(t); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PinDriver) attach(t probeTransport) error {
	p.transport = t
	p.protocol = NewCMSISDAPProtocol(t.PacketSize())
	p.epoch = time.Now()

	if err := p.queryInfo(); err != nil {
		return fmt.Errorf("jtag: query probe info: %w", err)
	}

	resp, err := t.WriteRead(p.protocol.EncodeConnect(PortJTAG))
	if err != nil {
		return err
	}
	port, err := p.protocol.DecodeConnect(resp)
	if err != nil {
		return err
	}
	if port != PortJTAG {
		return fmt.Errorf("jtag: probe connected port %d, want JTAG", port)
	}
	p.connected = true

	// Park TCK low, TRST released.
	if _, err := p.pins(PinNTRST, PinTCK|PinTMS|PinTDI|PinNTRST, 0); err != nil {
		return err
	}
	p.log.Info("pin driver attached",
		zap.String("vendor", p.info.Vendor),
		zap.String("product", p.info.Product),
		zap.String("serial", p.info.SerialNumber))
	return nil
}

func (p *PinDriver) queryInfo() error {
	fields := []struct {
		id  byte
		dst *string
	}{
		{InfoVendorID, &p.info.Vendor},
		{InfoProductID, &p.info.Product},
		{InfoSerialNum, &p.info.SerialNumber},
		{InfoFirmwareVer, &p.info.Firmware},
	}
	for i, f := range fields {
		resp, err := p.transport.WriteRead(p.protocol.EncodeInfo(f.id))
		if err != nil {
			if i == 0 {
				return err
			}
			continue
		}
		if s, err := p.protocol.DecodeInfo(resp); err == nil {
			*f.dst = s
		}
	}
	return nil
}

// Info returns what the probe reported when it was attached.
func (p *PinDriver) Info() ProbeInfo {
	return p.info
}

// Err returns the first transport error seen since the driver was opened.
func (p *PinDriver) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *PinDriver) pins(out, sel byte, wait time.Duration) (byte, error) {
	resp, err := p.transport.WriteRead(p.protocol.EncodeSWJPins(out, sel, wait))
	if err != nil {
		return 0, err
	}
	return p.protocol.DecodeSWJPins(resp)
}

func (p *PinDriver) levels(tck bool) byte {
	var out byte
	if tck {
		out |= PinTCK
	}
	if p.tms {
		out |= PinTMS
	}
	if p.tdi {
		out |= PinTDI
	}
	if !p.trst {
		out |= PinNTRST
	}
	return out
}

// drive applies the current levels with TCK low; called with mu held.
func (p *PinDriver) drive() {
	if p.err != nil {
		return
	}
	if _, err := p.pins(p.levels(false), PinTCK|PinTMS|PinTDI|PinNTRST, 0); err != nil {
		p.fail(err)
	}
}

func (p *PinDriver) fail(err error) {
	p.err = err
	p.log.Error("pin driver transport failed", zap.Error(err))
}

func (p *PinDriver) SetModeSelect(high bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tms = high
	p.drive()
}

func (p *PinDriver) SetDataIn(high bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tdi = high
	p.drive()
}

// DataOut samples TDO without changing any output.
func (p *PinDriver) DataOut() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return false
	}
	in, err := p.pins(0, 0, 0)
	if err != nil {
		p.fail(err)
		return false
	}
	return in&PinTDO != 0
}

func (p *PinDriver) AssertReset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trst = true
	p.drive()
}

func (p *PinDriver) DeassertReset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trst = false
	p.drive()
}

// AdvanceClock raises then lowers TCK. Times are host-side and include USB
// latency.
func (p *PinDriver) AdvanceClock() ClockEdge {
	p.mu.Lock()
	defer p.mu.Unlock()

	var edge ClockEdge
	edge.Rising = time.Since(p.epoch)
	if p.err == nil {
		if _, err := p.pins(p.levels(true), PinTCK|PinTMS|PinTDI|PinNTRST, p.halfWait); err != nil {
			p.fail(err)
		}
	}
	edge.Falling = time.Since(p.epoch)
	if p.err == nil {
		if _, err := p.pins(p.levels(false), PinTCK, p.halfWait); err != nil {
			p.fail(err)
		}
	}
	edge.OutValid = time.Since(p.epoch)
	return edge
}

func (p *PinDriver) Now() time.Duration {
	return time.Since(p.epoch)
}

// SetSpeed programs the probe's SWJ clock; it also bounds how fast
// DAP_SWJ_Pins waits can settle.
func (p *PinDriver) SetSpeed(hz int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if hz <= 0 {
		return fmt.Errorf("jtag: frequency %d Hz out of range", hz)
	}
	resp, err := p.transport.WriteRead(p.protocol.EncodeSetClock(uint32(hz)))
	if err != nil {
		return fmt.Errorf("jtag: set speed: %w", err)
	}
	return p.protocol.DecodeSetClock(resp)
}

// Close disconnects and releases resources
func (p *PinDriver) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		if resp, err := p.transport.WriteRead(p.protocol.EncodeDisconnect()); err == nil {
			if err := p.protocol.DecodeDisconnect(resp); err != nil {
				p.log.Warn("disconnect rejected", zap.Error(err))
			}
		}
		p.connected = false
	}
	return p.transport.Close()
}
