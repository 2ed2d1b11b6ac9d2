package device

import (
	"fmt"
	"sync"

	"github.com/picodev/usb/device/hal"
	"github.com/picodev/usb/pkg"
)

// Endpoint transfer types (USB 2.0 Spec Table 9-13).
const (
	EndpointTypeControl     = 0x00 // Control transfer
	EndpointTypeIsochronous = 0x01 // Isochronous transfer
	EndpointTypeBulk        = 0x02 // Bulk transfer
	EndpointTypeInterrupt   = 0x03 // Interrupt transfer
)

// Endpoint directions.
const (
	EndpointDirectionOut = 0x00 // Host to device
	EndpointDirectionIn  = 0x80 // Device to host
)

// Endpoint represents one direction of a USB endpoint and owns its
// transfer engine state. Endpoints are created through the controller,
// which partitions the hardware packet RAM and registers the
// buffer-completion hook.
type Endpoint struct {
	// Descriptor data
	Address       uint8  // Endpoint address including direction
	Attributes    uint8  // Transfer type and sync/usage flags
	MaxPacketSize uint16 // Maximum packet size
	Interval      uint8  // Polling interval (interrupt/isochronous)

	// Hardware buffer lent by the HAL
	hw hal.EndpointBuffer

	// Owning interface, if any. A lookup relation, not ownership.
	iface *Interface

	// Transfer state. Valid only while active; guarded by mutex because
	// completions arrive from interrupt context while the application
	// starts transfers from the foreground.
	mutex      sync.Mutex
	buf        []byte
	total      int
	cursor     int
	bytesLeft  int
	currentLen uint16
	nextPID    uint8
	active     bool
	stalled    bool
	nakked     bool

	// DataHandler is invoked once per completed transfer with the user
	// buffer and the number of bytes moved. Runs in interrupt context;
	// must not block.
	DataHandler func(buf []byte, n int)

	// SetupHandler receives class/vendor SETUP packets addressed to this
	// endpoint, and SYNCH_FRAME.
	SetupHandler func(*SetupPacket)
}

// Number returns the endpoint number (0-15).
func (e *Endpoint) Number() uint8 {
	return e.Address & 0x0F
}

// Direction returns EndpointDirectionIn or EndpointDirectionOut.
func (e *Endpoint) Direction() uint8 {
	return e.Address & 0x80
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *Endpoint) IsIn() bool {
	return e.Direction() == EndpointDirectionIn
}

// IsOut returns true if this is an OUT endpoint (host to device).
func (e *Endpoint) IsOut() bool {
	return e.Direction() == EndpointDirectionOut
}

// TransferType returns the transfer type (Control, Isochronous, Bulk, or Interrupt).
func (e *Endpoint) TransferType() uint8 {
	return e.Attributes & 0x03
}

// IsControl returns true if this is a control endpoint.
func (e *Endpoint) IsControl() bool {
	return e.TransferType() == EndpointTypeControl
}

// IsBulk returns true if this is a bulk endpoint.
func (e *Endpoint) IsBulk() bool {
	return e.TransferType() == EndpointTypeBulk
}

// IsInterrupt returns true if this is an interrupt endpoint.
func (e *Endpoint) IsInterrupt() bool {
	return e.TransferType() == EndpointTypeInterrupt
}

// IsIsochronous returns true if this is an isochronous endpoint.
func (e *Endpoint) IsIsochronous() bool {
	return e.TransferType() == EndpointTypeIsochronous
}

// Interface returns the interface this endpoint belongs to, or nil.
func (e *Endpoint) Interface() *Interface {
	return e.iface
}

// IsActive returns true while a transfer is in flight on this direction.
func (e *Endpoint) IsActive() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.active
}

// NextPID returns the data PID the next armed packet will carry.
func (e *Endpoint) NextPID() uint8 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.nextPID
}

// SendStall sets or clears the stall condition and resets the data PID
// to 0. An in-flight transfer is paused behind the stall bit, not
// discarded: once the host clears the halt, the armed packet proceeds.
// This is what Bulk-Only Transport error recovery relies on.
func (e *Endpoint) SendStall(stalled bool) {
	e.mutex.Lock()
	e.stalled = stalled
	if stalled {
		e.nextPID = 0
	}
	e.hw.SetStall(stalled)
	e.mutex.Unlock()
	pkg.LogDebug(pkg.ComponentEndpoint, "stall",
		"address", fmt.Sprintf("0x%02X", e.Address),
		"stalled", stalled)
}

// IsStalled returns true if the endpoint is stalled.
func (e *Endpoint) IsStalled() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.stalled
}

// SendNAK pauses or resumes reception on an OUT endpoint. While NAK is
// asserted the host retries; clearing it re-opens the endpoint.
func (e *Endpoint) SendNAK(nak bool) {
	e.mutex.Lock()
	e.nakked = nak
	e.hw.SetNAK(nak)
	e.mutex.Unlock()
}

// IsNAK returns true while reception is paused.
func (e *Endpoint) IsNAK() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.nakked
}

// Reset returns the endpoint to its post-SETUP state: stall and NAK
// cleared, no transfer in flight, next PID DATA1. DATA1 is the first
// data stage PID of a control transaction following SETUP (DATA0).
func (e *Endpoint) Reset() {
	e.mutex.Lock()
	e.stalled = false
	e.nakked = false
	e.active = false
	e.nextPID = 1
	e.hw.SetStall(false)
	e.hw.SetNAK(false)
	e.mutex.Unlock()
}

// Enable activates or deactivates the endpoint in hardware. Called when
// a configuration is selected or torn down.
func (e *Endpoint) Enable(enabled bool) {
	e.hw.Enable(enabled)
}

// Descriptor returns the endpoint descriptor.
func (e *Endpoint) Descriptor() *EndpointDescriptor {
	return &EndpointDescriptor{
		Length:          EndpointDescriptorSize,
		DescriptorType:  DescriptorTypeEndpoint,
		EndpointAddress: e.Address,
		Attributes:      e.Attributes,
		MaxPacketSize:   e.MaxPacketSize,
		Interval:        e.Interval,
	}
}

// TransferTypeName returns a human-readable transfer type name.
func TransferTypeName(t uint8) string {
	switch t & 0x03 {
	case EndpointTypeControl:
		return "Control"
	case EndpointTypeIsochronous:
		return "Isochronous"
	case EndpointTypeBulk:
		return "Bulk"
	case EndpointTypeInterrupt:
		return "Interrupt"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// DirectionName returns a human-readable direction name.
func DirectionName(dir uint8) string {
	if dir == EndpointDirectionIn {
		return "IN"
	}
	return "OUT"
}
