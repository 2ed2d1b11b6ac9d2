package device

import (
	"encoding/binary"

	"github.com/picodev/usb/pkg"
)

// handleStandardRequest dispatches the Chapter-9 standard request set.
// Unsupported requests stall both directions of endpoint 0.
func (c *Controller) handleStandardRequest(pkt *SetupPacket) {
	switch pkt.Request {
	// Device requests
	case RequestSetAddress:
		c.handleSetAddress(pkt)
	case RequestGetDescriptor:
		c.handleGetDescriptor(pkt)
	case RequestSetDescriptor:
		c.handleSetDescriptor(pkt)
	case RequestGetConfiguration:
		c.handleGetConfiguration(pkt)
	case RequestSetConfiguration:
		c.handleSetConfiguration(pkt)
	// Interface requests
	case RequestGetInterface:
		c.handleGetInterface(pkt)
	case RequestSetInterface:
		c.handleSetInterface(pkt)
	// Endpoint requests
	case RequestSynchFrame:
		c.handleSynchFrame(pkt)
	// Requests for multiple recipients
	case RequestGetStatus:
		c.handleGetStatus(pkt)
	case RequestClearFeature:
		c.handleClearFeature(pkt)
	case RequestSetFeature:
		c.handleSetFeature(pkt)
	default:
		pkg.LogWarn(pkg.ComponentController, "unknown standard request",
			"request", pkt.Request)
		c.stallEP0()
	}
}

// handleSetAddress latches the new device address in the HAL. The
// hardware commit is deferred until the status-stage IN packet has been
// acknowledged; the host keeps using address 0 until then.
func (c *Controller) handleSetAddress(pkt *SetupPacket) {
	pkg.LogInfo(pkg.ComponentController, "set address",
		"address", pkt.Value&0x7F)
	c.hal.SetAddress(uint8(pkt.Value & 0x7F))
	// Status stage
	c.ep0In.SendZLPData1()
}

// handleGetDescriptor serializes the requested descriptor into the
// scratch buffer and answers with at most wLength bytes.
func (c *Controller) handleGetDescriptor(pkt *SetupPacket) {
	descIndex := pkt.DescriptorIndex()
	maxLen := int(pkt.Length)

	switch pkt.DescriptorType() {
	case DescriptorTypeDevice:
		pkg.LogInfo(pkg.ComponentController, "get device descriptor",
			"len", pkt.Length)
		// Hosts often ask for only the first 8 bytes before reading the
		// full descriptor.
		n := c.device.Descriptor.MarshalTo(c.buf[:])
		if n > maxLen {
			n = maxLen
		}
		c.startEP0In(c.buf[:n], n)

	case DescriptorTypeConfiguration:
		pkg.LogInfo(pkg.ComponentController, "get configuration descriptor",
			"index", descIndex,
			"len", pkt.Length)
		conf := c.device.ConfigurationAt(descIndex)
		if conf == nil {
			c.stallEP0()
			return
		}
		var n int
		if maxLen >= int(conf.TotalLength()) {
			n = conf.MarshalTo(c.buf[:])
		} else {
			// Header-only probe; the host re-requests with wTotalLength.
			n = conf.Descriptor().MarshalTo(c.buf[:])
			if n > maxLen {
				n = maxLen
			}
		}
		c.startEP0In(c.buf[:n], n)

	case DescriptorTypeString:
		pkg.LogInfo(pkg.ComponentController, "get string descriptor",
			"index", descIndex,
			"len", pkt.Length)
		n := c.device.Strings.DescriptorTo(descIndex, c.buf[:])
		if n == 0 {
			c.stallEP0()
			return
		}
		if n > maxLen {
			n = maxLen
		}
		c.startEP0In(c.buf[:n], n)

	case DescriptorTypeBOS:
		pkg.LogInfo(pkg.ComponentController, "get BOS descriptor",
			"len", pkt.Length)
		bos := c.device.BOS()
		if bos == nil {
			c.stallEP0()
			return
		}
		n := bos.MarshalTo(c.buf[:])
		if n > maxLen {
			n = maxLen
		}
		c.startEP0In(c.buf[:n], n)

	case DescriptorTypeOTG, DescriptorTypeDebug, DescriptorTypeDeviceQualifier:
		pkg.LogInfo(pkg.ComponentController, "unsupported descriptor request",
			"type", pkt.DescriptorType())
		c.stallEP0()

	default:
		pkg.LogWarn(pkg.ComponentController, "unsupported descriptor type",
			"type", pkt.DescriptorType())
		c.stallEP0()
	}
}

// handleSetDescriptor is not implemented.
func (c *Controller) handleSetDescriptor(*SetupPacket) {
	pkg.LogInfo(pkg.ComponentController, "set descriptor")
	c.stallEP0()
}

// handleGetConfiguration answers with the active configuration value.
func (c *Controller) handleGetConfiguration(*SetupPacket) {
	pkg.LogInfo(pkg.ComponentController, "get configuration",
		"config", c.activeConfiguration)
	c.buf[0] = c.activeConfiguration
	c.startEP0In(c.buf[:1], 1)
}

// handleSetConfiguration deactivates the current configuration's
// endpoints, activates the endpoints of the configuration whose value
// matches wValue, and records it as active.
func (c *Controller) handleSetConfiguration(pkt *SetupPacket) {
	value := uint8(pkt.Value & 0xFF)
	pkg.LogInfo(pkg.ComponentController, "set configuration",
		"config", value)
	if c.activeConfiguration != value {
		if c.activeConfiguration != 0 {
			if conf := c.device.FindConfiguration(c.activeConfiguration); conf != nil {
				conf.ActivateEndpoints(false)
			}
			c.activeConfiguration = 0
		}
		if value != 0 {
			if conf := c.device.FindConfiguration(value); conf != nil {
				conf.ActivateEndpoints(true)
				c.activeConfiguration = value
			} else {
				pkg.LogWarn(pkg.ComponentController, "unknown configuration",
					"config", value)
			}
		}
	}
	// Status stage
	c.ep0In.SendZLPData1()
}

// handleGetInterface answers with the current alternate setting of the
// interface addressed by wIndex.
func (c *Controller) handleGetInterface(pkt *SetupPacket) {
	pkg.LogInfo(pkg.ComponentController, "get interface",
		"interface", pkt.InterfaceNumber())
	iface := c.activeInterface(pkt.InterfaceNumber())
	if iface == nil {
		c.stallEP0()
		return
	}
	c.buf[0] = iface.AlternateSetting
	c.startEP0In(c.buf[:1], 1)
}

// handleSetInterface updates the alternate setting of the interface
// addressed by wIndex.
func (c *Controller) handleSetInterface(pkt *SetupPacket) {
	pkg.LogInfo(pkg.ComponentController, "set interface",
		"interface", pkt.InterfaceNumber(),
		"alt", pkt.Value&0xFF)
	iface := c.activeInterface(pkt.InterfaceNumber())
	if iface != nil {
		iface.AlternateSetting = uint8(pkt.Value & 0xFF)
	}
	// Status stage
	c.ep0In.SendZLPData1()
}

// handleSynchFrame forwards the request to the endpoint's setup handler
// if present.
func (c *Controller) handleSynchFrame(pkt *SetupPacket) {
	pkg.LogInfo(pkg.ComponentController, "synch frame",
		"endpoint", pkt.EndpointAddress())
	ep := c.AddrToEndpoint(pkt.EndpointAddress())
	if ep != nil && ep.SetupHandler != nil {
		ep.SetupHandler(pkt)
	}
}

// handleGetStatus answers the 16-bit status word for the device,
// interface, or endpoint recipient.
func (c *Controller) handleGetStatus(pkt *SetupPacket) {
	pkg.LogInfo(pkg.ComponentController, "get status",
		"recipient", pkt.Recipient())
	var status uint16
	switch pkt.Recipient() {
	case RequestRecipientDevice:
		conf := c.device.FindConfiguration(c.activeConfiguration)
		if conf != nil {
			if conf.IsSelfPowered() {
				status |= 1 << 0
			}
			if conf.SupportsRemoteWakeup() {
				status |= 1 << 1
			}
		} else {
			pkg.LogWarn(pkg.ComponentController, "no active configuration for GET_STATUS",
				"config", c.activeConfiguration)
		}
	case RequestRecipientInterface:
		// Interface status is reserved (zero)
	case RequestRecipientEndpoint:
		ep := c.AddrToEndpoint(pkt.EndpointAddress())
		if ep != nil {
			if ep.IsStalled() {
				status = 1
			}
		} else {
			pkg.LogWarn(pkg.ComponentController, "unknown endpoint for GET_STATUS",
				"endpoint", pkt.EndpointAddress())
		}
	default:
		pkg.LogWarn(pkg.ComponentController, "unknown recipient for GET_STATUS",
			"recipient", pkt.Recipient())
	}
	binary.LittleEndian.PutUint16(c.buf[:2], status)
	c.startEP0In(c.buf[:2], 2)
}

// handleClearFeature clears remote wakeup (device) or endpoint halt.
func (c *Controller) handleClearFeature(pkt *SetupPacket) {
	switch pkt.Recipient() {
	case RequestRecipientDevice:
		if pkt.Value == FeatureDeviceRemoteWakeup {
			pkg.LogInfo(pkg.ComponentController, "clear feature: remote wakeup")
			if conf := c.device.FindConfiguration(c.activeConfiguration); conf != nil {
				conf.SetRemoteWakeup(false)
			}
		} else {
			pkg.LogWarn(pkg.ComponentController, "unknown CLEAR_FEATURE id",
				"feature", pkt.Value)
		}
	case RequestRecipientEndpoint:
		if pkt.Value == FeatureEndpointHalt {
			pkg.LogInfo(pkg.ComponentController, "clear feature: endpoint halt",
				"endpoint", pkt.EndpointAddress())
			if ep := c.AddrToEndpoint(pkt.EndpointAddress()); ep != nil {
				ep.SendStall(false)
			}
		} else {
			pkg.LogWarn(pkg.ComponentController, "unknown CLEAR_FEATURE id",
				"feature", pkt.Value)
		}
	default:
		pkg.LogWarn(pkg.ComponentController, "unknown recipient for CLEAR_FEATURE",
			"recipient", pkt.Recipient())
	}
	// Status stage
	c.ep0In.SendZLPData1()
}

// handleSetFeature sets remote wakeup (device) or endpoint halt.
func (c *Controller) handleSetFeature(pkt *SetupPacket) {
	switch pkt.Recipient() {
	case RequestRecipientDevice:
		if pkt.Value == FeatureDeviceRemoteWakeup {
			pkg.LogInfo(pkg.ComponentController, "set feature: remote wakeup")
			if conf := c.device.FindConfiguration(c.activeConfiguration); conf != nil {
				conf.SetRemoteWakeup(true)
			}
		} else {
			pkg.LogWarn(pkg.ComponentController, "unknown SET_FEATURE id",
				"feature", pkt.Value)
		}
	case RequestRecipientEndpoint:
		if pkt.Value == FeatureEndpointHalt {
			pkg.LogInfo(pkg.ComponentController, "set feature: endpoint halt",
				"endpoint", pkt.EndpointAddress())
			if ep := c.AddrToEndpoint(pkt.EndpointAddress()); ep != nil {
				ep.SendStall(true)
			}
		} else {
			pkg.LogWarn(pkg.ComponentController, "unknown SET_FEATURE id",
				"feature", pkt.Value)
		}
	default:
		pkg.LogWarn(pkg.ComponentController, "unknown recipient for SET_FEATURE",
			"recipient", pkt.Recipient())
	}
	// Status stage
	c.ep0In.SendZLPData1()
}

// startEP0In runs an IN data stage on endpoint 0.
func (c *Controller) startEP0In(buf []byte, n int) {
	if err := c.ep0In.StartTransfer(buf, n); err != nil {
		pkg.LogWarn(pkg.ComponentController, "EP0 IN busy", "error", err)
	}
}
