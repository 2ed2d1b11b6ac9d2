package hal

// EndpointConfig describes an endpoint configuration for the HAL.
// This is a minimal, platform-agnostic representation used to allocate
// a hardware endpoint and its packet buffer.
type EndpointConfig struct {
	Address       uint8  // Endpoint address including direction bit
	Attributes    uint8  // Transfer type and sync/usage flags
	MaxPacketSize uint16 // Maximum packet size
	Interval      uint8  // Polling interval for interrupt/isochronous
}

// Number returns the endpoint number (0-15).
func (e *EndpointConfig) Number() uint8 {
	return e.Address & 0x0F
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *EndpointConfig) IsIn() bool {
	return e.Address&0x80 != 0
}

// TransferType returns the transfer type (control, bulk, interrupt, isochronous).
func (e *EndpointConfig) TransferType() uint8 {
	return e.Attributes & 0x03
}

// SetupPacket represents a USB SETUP packet in the HAL layer.
// This is a fixed-size, zero-allocation structure for SETUP transactions.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// CompletionFunc is invoked from interrupt context when an armed buffer
// completes. For OUT endpoints actualLen is the number of bytes received
// into the endpoint's packet buffer; for IN endpoints it is the number of
// bytes the host acknowledged.
type CompletionFunc func(actualLen uint16)

// EndpointBuffer is the hardware face of one endpoint direction: a slice
// of dual-port packet RAM lent to the stack plus the doorbell controls.
type EndpointBuffer interface {
	// Buffer returns the packet buffer lent to this endpoint. Its length
	// equals the configured maximum packet size. The stack copies transfer
	// chunks in and out of this slice; ownership stays with the HAL.
	Buffer() []byte

	// Arm makes the buffer available to the controller for exactly one
	// packet of up to length bytes, tagged with the given data PID (0 or 1).
	// For IN endpoints the buffer content must already be valid.
	Arm(pid uint8, length uint16)

	// SetStall sets or clears the hardware stall bit for this direction.
	SetStall(stalled bool)

	// SetNAK pauses or resumes packet reception on an OUT endpoint.
	SetNAK(nak bool)

	// Enable activates or deactivates the endpoint in hardware.
	Enable(enabled bool)
}

// Controller is the contract a USB device controller port implements.
//
// The controller is a process-wide resource: one per chip. Init-like
// setup (register configuration, DPRAM zeroing, IRQ registration) is the
// port's business and happens before the stack registers endpoints.
type Controller interface {
	// RegisterEndpoint allocates a hardware endpoint with a unique slice
	// of packet RAM and associates the completion hook invoked on each
	// buffer event. Endpoint address 0 is registered once per direction
	// by the control dispatcher.
	RegisterEndpoint(cfg EndpointConfig, complete CompletionFunc) (EndpointBuffer, error)

	// SetAddress latches the device address assigned by the host. The
	// hardware register write must be deferred until the status-stage IN
	// packet of the SET_ADDRESS transaction has been acknowledged.
	SetAddress(addr uint8)

	// ResetAddress immediately resets the device address to 0 (bus reset).
	ResetAddress()

	// PullupEnable connects or disconnects the D+ pull-up, making the
	// device visible to the host.
	PullupEnable(enabled bool)

	// IRQEnable enables or disables controller interrupts.
	IRQEnable(enabled bool)

	// SetSetupHandler registers the hook invoked for each SETUP packet
	// received on endpoint 0.
	SetSetupHandler(handler func(*SetupPacket))

	// SetBusResetHandler registers the hook invoked on USB bus reset.
	SetBusResetHandler(handler func())
}
