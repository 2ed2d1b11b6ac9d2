package mem

import (
	"sync"

	"github.com/picodev/usb/device/hal"
	"github.com/picodev/usb/pkg"
)

// MaxEndpoints is the number of endpoint slots per direction.
const MaxEndpoints = 16

// HAL implements hal.Controller over an in-memory simulated bus.
type HAL struct {
	mutex sync.Mutex

	// Endpoint slots - OUT at [0-15], IN at [16-31]
	endpoints [MaxEndpoints * 2]*endpointHW

	setupHandler    func(*hal.SetupPacket)
	busResetHandler func()

	// Device address with deferred commit: SetAddress latches, the
	// acknowledged status-stage IN packet on EP0 commits.
	address     uint8
	pendingAddr uint8
	addrPending bool

	pullup bool
	irq    bool
}

// endpointHW models one hardware endpoint direction: a packet buffer
// and its doorbell state.
type endpointHW struct {
	h        *HAL
	cfg      hal.EndpointConfig
	buf      []byte
	complete hal.CompletionFunc

	armed    bool
	armedLen uint16
	armedPID uint8
	stalled  bool
	nak      bool
	enabled  bool
}

// New creates a simulated-bus HAL.
func New() *HAL {
	return &HAL{}
}

func endpointIndex(addr uint8) int {
	if addr&0x80 != 0 {
		return int(addr&0x0F) + MaxEndpoints
	}
	return int(addr & 0x0F)
}

// RegisterEndpoint allocates an endpoint slot and its packet buffer.
func (h *HAL) RegisterEndpoint(cfg hal.EndpointConfig, complete hal.CompletionFunc) (hal.EndpointBuffer, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	idx := endpointIndex(cfg.Address)
	if h.endpoints[idx] != nil {
		return nil, pkg.ErrBusy
	}
	ep := &endpointHW{
		h:        h,
		cfg:      cfg,
		buf:      make([]byte, cfg.MaxPacketSize),
		complete: complete,
		enabled:  cfg.Number() == 0,
	}
	h.endpoints[idx] = ep
	return ep, nil
}

// SetAddress latches the address for commit after the status-stage ACK.
func (h *HAL) SetAddress(addr uint8) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.pendingAddr = addr
	h.addrPending = true
}

// ResetAddress immediately resets the device address to 0.
func (h *HAL) ResetAddress() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.address = 0
	h.pendingAddr = 0
	h.addrPending = false
}

// Address returns the committed device address (host view).
func (h *HAL) Address() uint8 {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.address
}

// PullupEnable connects or disconnects the simulated pull-up.
func (h *HAL) PullupEnable(enabled bool) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.pullup = enabled
}

// IsConnected returns true while the pull-up is enabled.
func (h *HAL) IsConnected() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.pullup
}

// IRQEnable enables or disables event delivery.
func (h *HAL) IRQEnable(enabled bool) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.irq = enabled
}

// SetSetupHandler registers the SETUP delivery hook.
func (h *HAL) SetSetupHandler(handler func(*hal.SetupPacket)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.setupHandler = handler
}

// SetBusResetHandler registers the bus reset hook.
func (h *HAL) SetBusResetHandler(handler func()) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.busResetHandler = handler
}

// EndpointBuffer implementation

// Buffer returns the packet buffer lent to the endpoint.
func (e *endpointHW) Buffer() []byte {
	return e.buf
}

// Arm makes the buffer available for one packet with the given PID.
func (e *endpointHW) Arm(pid uint8, length uint16) {
	e.h.mutex.Lock()
	defer e.h.mutex.Unlock()
	e.armed = true
	e.armedPID = pid
	e.armedLen = length
}

// SetStall sets or clears the stall bit. An armed buffer stays armed
// behind the stall and becomes reachable again once the stall clears.
func (e *endpointHW) SetStall(stalled bool) {
	e.h.mutex.Lock()
	defer e.h.mutex.Unlock()
	e.stalled = stalled
}

// SetNAK pauses or resumes reception.
func (e *endpointHW) SetNAK(nak bool) {
	e.h.mutex.Lock()
	defer e.h.mutex.Unlock()
	e.nak = nak
}

// Enable activates or deactivates the endpoint.
func (e *endpointHW) Enable(enabled bool) {
	e.h.mutex.Lock()
	defer e.h.mutex.Unlock()
	e.enabled = enabled
	if !enabled {
		e.armed = false
	}
}

// Host side of the simulated bus

// SendSetup delivers a SETUP packet to the device.
func (h *HAL) SendSetup(pkt *hal.SetupPacket) {
	h.mutex.Lock()
	handler := h.setupHandler
	irq := h.irq
	h.mutex.Unlock()
	if handler == nil || !irq {
		return
	}
	handler(pkt)
}

// BusReset delivers a bus reset to the device. All transient endpoint
// state is cleared before the stack's handler runs.
func (h *HAL) BusReset() {
	h.mutex.Lock()
	for _, ep := range h.endpoints {
		if ep != nil {
			ep.armed = false
			ep.stalled = false
			ep.nak = false
		}
	}
	h.address = 0
	h.pendingAddr = 0
	h.addrPending = false
	handler := h.busResetHandler
	h.mutex.Unlock()
	if handler != nil {
		handler()
	}
}

// ReadIn reads one packet from an IN endpoint as the host would.
// Returns the packet payload and its data PID. Returns pkg.ErrStall if
// the endpoint is stalled and pkg.ErrNAK if no buffer is armed.
func (h *HAL) ReadIn(addr uint8) ([]byte, uint8, error) {
	h.mutex.Lock()
	ep := h.endpoints[endpointIndex(addr|0x80)]
	if ep == nil || !ep.enabled {
		h.mutex.Unlock()
		return nil, 0, pkg.ErrInvalidEndpoint
	}
	if ep.stalled {
		h.mutex.Unlock()
		return nil, 0, pkg.ErrStall
	}
	if !ep.armed {
		h.mutex.Unlock()
		return nil, 0, pkg.ErrNAK
	}
	n := int(ep.armedLen)
	data := make([]byte, n)
	copy(data, ep.buf[:n])
	pid := ep.armedPID
	ep.armed = false
	complete := ep.complete
	// The acknowledged EP0 IN packet commits a pending address change.
	if ep.cfg.Number() == 0 && h.addrPending {
		h.address = h.pendingAddr
		h.addrPending = false
	}
	h.mutex.Unlock()

	complete(uint16(n))
	return data, pid, nil
}

// WriteOut writes one packet to an OUT endpoint as the host would.
// Returns pkg.ErrStall if the endpoint is stalled and pkg.ErrNAK if
// reception is paused or no buffer is armed.
func (h *HAL) WriteOut(addr uint8, data []byte) error {
	h.mutex.Lock()
	ep := h.endpoints[endpointIndex(addr&0x0F)]
	if ep == nil || !ep.enabled {
		h.mutex.Unlock()
		return pkg.ErrInvalidEndpoint
	}
	if ep.stalled {
		h.mutex.Unlock()
		return pkg.ErrStall
	}
	if ep.nak || !ep.armed {
		h.mutex.Unlock()
		return pkg.ErrNAK
	}
	n := len(data)
	if n > len(ep.buf) {
		n = len(ep.buf)
	}
	copy(ep.buf[:n], data[:n])
	ep.armed = false
	complete := ep.complete
	h.mutex.Unlock()

	complete(uint16(n))
	return nil
}

// InPID returns the PID the next IN packet on addr will carry, without
// consuming it. Only meaningful while the endpoint is armed.
func (h *HAL) InPID(addr uint8) (uint8, bool) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	ep := h.endpoints[endpointIndex(addr|0x80)]
	if ep == nil || !ep.armed {
		return 0, false
	}
	return ep.armedPID, true
}

// IsArmed reports whether the endpoint direction has a buffer armed.
func (h *HAL) IsArmed(addr uint8) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	ep := h.endpoints[endpointIndex(addr)]
	return ep != nil && ep.armed
}

// ControlRead performs a full device-to-host control transaction:
// SETUP, IN data stage, OUT status stage. Returns the data stage bytes.
func (h *HAL) ControlRead(pkt *hal.SetupPacket) ([]byte, error) {
	h.SendSetup(pkt)

	h.mutex.Lock()
	ep0 := h.endpoints[endpointIndex(0x80)]
	h.mutex.Unlock()
	if ep0 == nil {
		return nil, pkg.ErrInvalidEndpoint
	}
	maxPacket := int(ep0.cfg.MaxPacketSize)

	var response []byte
	for {
		data, _, err := h.ReadIn(0x80)
		if err != nil {
			if err == pkg.ErrNAK && len(response) > 0 {
				break
			}
			return response, err
		}
		response = append(response, data...)
		if len(data) < maxPacket || len(response) >= int(pkt.Length) {
			break
		}
	}

	// Status stage
	if err := h.WriteOut(0x00, nil); err != nil && err != pkg.ErrNAK {
		return response, err
	}
	return response, nil
}

// ControlWrite performs a full host-to-device control transaction:
// SETUP, optional OUT data stage, IN status stage.
func (h *HAL) ControlWrite(pkt *hal.SetupPacket, data []byte) error {
	h.SendSetup(pkt)

	h.mutex.Lock()
	ep0 := h.endpoints[endpointIndex(0x00)]
	h.mutex.Unlock()
	if ep0 == nil {
		return pkg.ErrInvalidEndpoint
	}
	maxPacket := int(ep0.cfg.MaxPacketSize)

	for offset := 0; offset < len(data); {
		n := len(data) - offset
		if n > maxPacket {
			n = maxPacket
		}
		if err := h.WriteOut(0x00, data[offset:offset+n]); err != nil {
			return err
		}
		offset += n
	}

	// Status stage: the device acknowledges with a ZLP on EP0 IN.
	_, _, err := h.ReadIn(0x80)
	return err
}
