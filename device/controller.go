package device

import (
	"github.com/picodev/usb/device/hal"
	"github.com/picodev/usb/pkg"
)

// Controller is the control dispatcher of the stack. It owns endpoint 0
// in both directions, answers the Chapter-9 standard request set, routes
// class and vendor requests to the device, interface, or endpoint setup
// handlers, and maintains the endpoint registry and the active
// configuration.
//
// The controller runs inside the interrupt context the HAL calls it
// from; handlers must be short. A single deferred DataHandler slot lets
// a setup handler receive the OUT data stage after it completes.
type Controller struct {
	hal    hal.Controller
	device *Device

	ep0In  *Endpoint
	ep0Out *Endpoint

	// Endpoint registry - OUT at [0-15], IN at [16-31]
	endpoints [MaxEndpointAddresses]*Endpoint

	activeConfiguration uint8

	// DataHandler is latched by a setup handler that expects an OUT data
	// stage; the dispatcher invokes it once when the data stage completes
	// and clears the slot.
	DataHandler func(data []byte, n int)

	// Scratch buffers: descriptor responses (IN) and control data
	// stages (OUT).
	buf    [MaxDescSize]byte
	outBuf [MaxDescSize]byte
}

// endpointIndex converts an endpoint address to a registry index.
func endpointIndex(addr uint8) int {
	if addr&0x80 != 0 {
		return int(addr&0x0F) + 16
	}
	return int(addr & 0x0F)
}

// NewController creates the control dispatcher on top of the HAL,
// registers both directions of endpoint 0, and hooks SETUP and bus-reset
// delivery. Interrupts are enabled before returning; the device becomes
// visible to the host once PullupEnable is called.
func NewController(h hal.Controller, dev *Device) (*Controller, error) {
	c := &Controller{
		hal:    h,
		device: dev,
	}

	var err error
	c.ep0Out, err = c.CreateEndpointAt(0x00, EndpointTypeControl,
		uint16(dev.Descriptor.MaxPacketSize0), 0, nil)
	if err != nil {
		return nil, err
	}
	c.ep0In, err = c.CreateEndpointAt(0x80, EndpointTypeControl,
		uint16(dev.Descriptor.MaxPacketSize0), 0, nil)
	if err != nil {
		return nil, err
	}

	// After an IN data stage, prepare to receive the host's status-stage
	// ZLP. After an OUT data stage, acknowledge with a ZLP and hand the
	// data to the latched handler.
	c.ep0In.DataHandler = func(_ []byte, n int) {
		if n > 0 {
			c.ep0Out.SendZLPData1()
		}
	}
	c.ep0Out.DataHandler = func(data []byte, n int) {
		if n > 0 {
			c.ep0In.SendZLPData1()
		}
		if c.DataHandler != nil {
			handler := c.DataHandler
			c.DataHandler = nil
			handler(data, n)
		}
	}

	h.SetSetupHandler(c.handleSetup)
	h.SetBusResetHandler(c.handleBusReset)
	h.IRQEnable(true)

	return c, nil
}

// Device returns the device this controller serves.
func (c *Controller) Device() *Device {
	return c.device
}

// EP0In returns the IN direction of the control endpoint. Class setup
// handlers use it to run their own data stages.
func (c *Controller) EP0In() *Endpoint {
	return c.ep0In
}

// EP0Out returns the OUT direction of the control endpoint.
func (c *Controller) EP0Out() *Endpoint {
	return c.ep0Out
}

// ActiveConfiguration returns the bConfigurationValue of the active
// configuration, or 0 when unconfigured.
func (c *Controller) ActiveConfiguration() uint8 {
	return c.activeConfiguration
}

// PullupEnable connects or disconnects the device from the bus. Call
// after the descriptor tree and class drivers are fully constructed.
func (c *Controller) PullupEnable(enabled bool) {
	c.hal.PullupEnable(enabled)
}

// CreateEndpointAt registers an endpoint with an explicit address and
// attaches it to iface (which may be nil for endpoint 0).
func (c *Controller) CreateEndpointAt(addr, transferType uint8, maxPacket uint16, interval uint8, iface *Interface) (*Endpoint, error) {
	idx := endpointIndex(addr)
	if c.endpoints[idx] != nil {
		return nil, pkg.ErrBusy
	}
	ep := &Endpoint{
		Address:       addr,
		Attributes:    transferType,
		MaxPacketSize: maxPacket,
		Interval:      interval,
		iface:         iface,
		nextPID:       1,
	}
	hw, err := c.hal.RegisterEndpoint(hal.EndpointConfig{
		Address:       addr,
		Attributes:    transferType,
		MaxPacketSize: maxPacket,
		Interval:      interval,
	}, ep.complete)
	if err != nil {
		return nil, err
	}
	ep.hw = hw
	if iface != nil {
		if err := iface.addEndpoint(ep); err != nil {
			return nil, err
		}
	}
	c.endpoints[idx] = ep
	return ep, nil
}

// CreateEndpoint registers an endpoint on the next free index in the
// given direction with default packet size and polling interval.
func (c *Controller) CreateEndpoint(iface *Interface, direction, transferType uint8) (*Endpoint, error) {
	interval := uint8(0)
	if transferType == EndpointTypeInterrupt || transferType == EndpointTypeIsochronous {
		interval = DefaultPollInterval
	}
	for num := uint8(1); num <= 0x0F; num++ {
		addr := num | direction
		if c.endpoints[endpointIndex(addr)] == nil {
			return c.CreateEndpointAt(addr, transferType, DefaultPacketSize, interval, iface)
		}
	}
	return nil, pkg.ErrNoResources
}

// AddrToEndpoint returns the endpoint registered at addr, or nil.
func (c *Controller) AddrToEndpoint(addr uint8) *Endpoint {
	return c.endpoints[endpointIndex(addr)]
}

// handleBusReset clears the transient device state: address back to 0,
// active configuration deactivated.
func (c *Controller) handleBusReset() {
	pkg.LogInfo(pkg.ComponentController, "bus reset")
	c.hal.ResetAddress()
	if c.activeConfiguration != 0 {
		conf := c.device.FindConfiguration(c.activeConfiguration)
		if conf != nil {
			conf.ActivateEndpoints(false)
		} else {
			pkg.LogWarn(pkg.ComponentController, "could not deactivate configuration",
				"config", c.activeConfiguration)
		}
	}
	c.activeConfiguration = 0
}

// handleSetup processes one SETUP packet. Both directions of endpoint 0
// are reset first, discarding any in-flight data stage.
func (c *Controller) handleSetup(raw *hal.SetupPacket) {
	var pkt SetupPacket
	pkt.RequestType = raw.RequestType
	pkt.Request = raw.Request
	pkt.Value = raw.Value
	pkt.Index = raw.Index
	pkt.Length = raw.Length

	pkg.LogDebug(pkg.ComponentController, "setup received",
		"request", pkt.String())

	c.ep0In.Reset()
	c.ep0Out.Reset()

	if pkt.IsStandard() {
		c.handleStandardRequest(&pkt)
		return
	}

	// Class or vendor request: forward to the recipient's setup handler.
	// The dispatcher does not parse class-specific request codes.
	switch pkt.Recipient() {
	case RequestRecipientDevice:
		if c.device.SetupHandler != nil {
			c.device.SetupHandler(&pkt)
		} else {
			pkg.LogWarn(pkg.ComponentController, "unhandled device request",
				"request", pkt.String())
		}
	case RequestRecipientInterface:
		iface := c.activeInterface(pkt.InterfaceNumber())
		if iface != nil && iface.SetupHandler != nil {
			iface.SetupHandler(&pkt)
		} else {
			pkg.LogWarn(pkg.ComponentController, "unhandled interface request",
				"request", pkt.String())
		}
	case RequestRecipientEndpoint:
		ep := c.AddrToEndpoint(pkt.EndpointAddress())
		if ep != nil && ep.SetupHandler != nil {
			ep.SetupHandler(&pkt)
		} else {
			pkg.LogWarn(pkg.ComponentController, "unhandled endpoint request",
				"request", pkt.String())
		}
	default:
		pkg.LogWarn(pkg.ComponentController, "unknown recipient",
			"recipient", pkt.Recipient())
	}

	// Arm the OUT data stage for host-to-device requests that carry one;
	// the handler has latched its DataHandler by now.
	if pkt.IsHostToDevice() && pkt.Length > 0 {
		n := int(pkt.Length)
		if n > MaxDescSize {
			n = MaxDescSize
		}
		if err := c.ep0Out.StartTransfer(c.outBuf[:n], n); err != nil {
			pkg.LogWarn(pkg.ComponentController, "could not arm data stage",
				"error", err)
		}
	}
}

// activeInterface looks up an interface number in the active
// configuration.
func (c *Controller) activeInterface(number uint8) *Interface {
	if c.activeConfiguration == 0 {
		return nil
	}
	conf := c.device.FindConfiguration(c.activeConfiguration)
	if conf == nil {
		return nil
	}
	return conf.GetInterface(number)
}

// stallEP0 stalls both directions of the control endpoint. The host
// recovers with the next SETUP packet.
func (c *Controller) stallEP0() {
	c.ep0In.SendStall(true)
	c.ep0Out.SendStall(true)
}
