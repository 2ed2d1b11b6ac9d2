package device

import (
	"github.com/picodev/usb/pkg"
)

// FunctionalDescriptor is a class-specific descriptor blob owned by an
// interface and emitted between the interface descriptor and its
// endpoint descriptors. Implementations only need to report their length
// and serialize themselves.
type FunctionalDescriptor interface {
	// DescriptorLength returns the serialized size in bytes.
	DescriptorLength() int

	// MarshalTo writes the descriptor to buf and returns the number of
	// bytes written, or 0 if buf is too small.
	MarshalTo(buf []byte) int
}

// Interface represents a USB interface within a configuration.
type Interface struct {
	// Descriptor data
	Number           uint8 // Interface number
	AlternateSetting uint8 // Current alternate setting
	Class            uint8 // Interface class
	SubClass         uint8 // Interface subclass
	Protocol         uint8 // Interface protocol
	StringIndex      uint8 // String descriptor index

	// Endpoints (excluding EP0) - fixed-size array for zero allocation
	endpoints     [MaxEndpointsPerInterface]*Endpoint
	endpointCount int

	// Functional descriptors, emitted in insertion order
	funcDescriptors []FunctionalDescriptor

	// Owning configuration. A lookup relation, not ownership.
	config *Configuration

	// Set when this interface is the first of an interface association;
	// the IAD is emitted once, directly before this interface.
	assoc *InterfaceAssociation

	// SetupHandler receives class/vendor SETUP packets addressed to this
	// interface. Runs in interrupt context; must not block.
	SetupHandler func(*SetupPacket)
}

// NewInterface creates an interface with the given class triplet and
// adds it to the configuration, assigning the next interface number.
func NewInterface(config *Configuration, class, subClass, protocol uint8) (*Interface, error) {
	i := &Interface{
		Class:    class,
		SubClass: subClass,
		Protocol: protocol,
	}
	if err := config.AddInterface(i); err != nil {
		return nil, err
	}
	return i, nil
}

// addEndpoint appends an endpoint to the interface. Called by the
// controller when endpoints are created against this interface.
func (i *Interface) addEndpoint(ep *Endpoint) error {
	if i.endpointCount >= MaxEndpointsPerInterface {
		return pkg.ErrNoMemory
	}
	for idx := 0; idx < i.endpointCount; idx++ {
		if i.endpoints[idx].Address == ep.Address {
			return pkg.ErrBusy
		}
	}
	i.endpoints[i.endpointCount] = ep
	i.endpointCount++

	pkg.LogDebug(pkg.ComponentDevice, "endpoint added to interface",
		"interface", i.Number,
		"endpoint", ep.Address,
		"type", TransferTypeName(ep.TransferType()),
		"direction", DirectionName(ep.Direction()))

	return nil
}

// AddFunctionalDescriptor appends a functional descriptor to the chain.
func (i *Interface) AddFunctionalDescriptor(fd FunctionalDescriptor) {
	i.funcDescriptors = append(i.funcDescriptors, fd)
}

// FunctionalDescriptors returns the chain in insertion order.
func (i *Interface) FunctionalDescriptors() []FunctionalDescriptor {
	return i.funcDescriptors
}

// GetEndpoint returns the endpoint with the given address, or nil.
func (i *Interface) GetEndpoint(address uint8) *Endpoint {
	for idx := 0; idx < i.endpointCount; idx++ {
		if i.endpoints[idx].Address == address {
			return i.endpoints[idx]
		}
	}
	return nil
}

// Endpoints returns all endpoints in insertion order.
// The returned slice references internal storage; do not modify.
func (i *Interface) Endpoints() []*Endpoint {
	return i.endpoints[:i.endpointCount]
}

// NumEndpoints returns the number of endpoints in the interface.
func (i *Interface) NumEndpoints() int {
	return i.endpointCount
}

// Configuration returns the configuration this interface belongs to.
func (i *Interface) Configuration() *Configuration {
	return i.config
}

// Association returns the association this interface heads, or nil.
func (i *Interface) Association() *InterfaceAssociation {
	return i.assoc
}

// ActivateEndpoints enables or disables all endpoints of this interface.
func (i *Interface) ActivateEndpoints(enabled bool) {
	for idx := 0; idx < i.endpointCount; idx++ {
		i.endpoints[idx].Enable(enabled)
	}
}

// Descriptor returns the interface descriptor.
func (i *Interface) Descriptor() *InterfaceDescriptor {
	return &InterfaceDescriptor{
		Length:            InterfaceDescriptorSize,
		DescriptorType:    DescriptorTypeInterface,
		InterfaceNumber:   i.Number,
		AlternateSetting:  i.AlternateSetting,
		NumEndpoints:      uint8(i.endpointCount),
		InterfaceClass:    i.Class,
		InterfaceSubClass: i.SubClass,
		InterfaceProtocol: i.Protocol,
		InterfaceIndex:    i.StringIndex,
	}
}

// descriptorLength returns the serialized size of this interface: the
// IAD if this interface heads one, the interface descriptor, functional
// descriptors, and endpoint descriptors.
func (i *Interface) descriptorLength() int {
	length := InterfaceDescriptorSize
	if i.assoc != nil {
		length += IADSize
	}
	for _, fd := range i.funcDescriptors {
		length += fd.DescriptorLength()
	}
	length += i.endpointCount * EndpointDescriptorSize
	return length
}

// MarshalTo writes the interface descriptor with its association header,
// functional descriptors, and endpoint descriptors to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (i *Interface) MarshalTo(buf []byte) int {
	offset := 0

	if i.assoc != nil {
		n := i.assoc.Descriptor().MarshalTo(buf[offset:])
		if n == 0 {
			return 0
		}
		offset += n
	}

	n := i.Descriptor().MarshalTo(buf[offset:])
	if n == 0 {
		return 0
	}
	offset += n

	for _, fd := range i.funcDescriptors {
		n = fd.MarshalTo(buf[offset:])
		if n == 0 {
			return 0
		}
		offset += n
	}

	for idx := 0; idx < i.endpointCount; idx++ {
		n = i.endpoints[idx].Descriptor().MarshalTo(buf[offset:])
		if n == 0 {
			return 0
		}
		offset += n
	}

	return offset
}

// InterfaceAssociation groups N consecutive interfaces under one
// function (e.g. CDC control + data). Serialized once, before its first
// interface.
type InterfaceAssociation struct {
	FirstInterface   uint8
	InterfaceCount   uint8
	FunctionClass    uint8
	FunctionSubClass uint8
	FunctionProtocol uint8
	StringIndex      uint8
}

// Descriptor returns the interface association descriptor.
func (a *InterfaceAssociation) Descriptor() *InterfaceAssociationDescriptor {
	return &InterfaceAssociationDescriptor{
		Length:           IADSize,
		DescriptorType:   DescriptorTypeInterfaceAssociation,
		FirstInterface:   a.FirstInterface,
		InterfaceCount:   a.InterfaceCount,
		FunctionClass:    a.FunctionClass,
		FunctionSubClass: a.FunctionSubClass,
		FunctionProtocol: a.FunctionProtocol,
		FunctionIndex:    a.StringIndex,
	}
}

// Configuration represents a USB device configuration.
type Configuration struct {
	// Descriptor data
	Value       uint8 // Configuration value for SET_CONFIGURATION
	Attributes  uint8 // Configuration attributes (bus/self powered, remote wakeup)
	MaxPower    uint8 // Maximum power consumption (2mA units)
	StringIndex uint8 // String descriptor index

	// Interfaces - fixed-size array for zero allocation
	interfaces     [MaxInterfacesPerConfiguration]*Interface
	interfaceCount int

	// Interface associations - fixed-size array
	associations     [MaxAssociationsPerConfiguration]*InterfaceAssociation
	associationCount int
}

// NewConfiguration creates a configuration and adds it to the device.
func NewConfiguration(dev *Device, value uint8) (*Configuration, error) {
	c := &Configuration{
		Value:      value,
		Attributes: ConfigAttrBusPowered,
		MaxPower:   50, // 100mA default
	}
	if err := dev.AddConfiguration(c); err != nil {
		return nil, err
	}
	return c, nil
}

// AddInterface adds an interface to the configuration, assigning the
// next interface number.
func (c *Configuration) AddInterface(iface *Interface) error {
	if c.interfaceCount >= MaxInterfacesPerConfiguration {
		return pkg.ErrNoMemory
	}
	iface.Number = uint8(c.interfaceCount)
	iface.config = c
	c.interfaces[c.interfaceCount] = iface
	c.interfaceCount++

	pkg.LogDebug(pkg.ComponentDevice, "interface added to configuration",
		"config", c.Value,
		"interface", iface.Number)

	return nil
}

// GetInterface returns the interface with the given number, or nil.
func (c *Configuration) GetInterface(number uint8) *Interface {
	for idx := 0; idx < c.interfaceCount; idx++ {
		if c.interfaces[idx].Number == number {
			return c.interfaces[idx]
		}
	}
	return nil
}

// Interfaces returns all interfaces in insertion order.
// The returned slice references internal storage; do not modify.
func (c *Configuration) Interfaces() []*Interface {
	return c.interfaces[:c.interfaceCount]
}

// NumInterfaces returns the number of interfaces.
func (c *Configuration) NumInterfaces() int {
	return c.interfaceCount
}

// AddAssociation groups count consecutive interfaces starting at first
// under one function. The association descriptor is emitted directly
// before its first interface.
func (c *Configuration) AddAssociation(assoc *InterfaceAssociation) error {
	if c.associationCount >= MaxAssociationsPerConfiguration {
		return pkg.ErrNoMemory
	}
	first := c.GetInterface(assoc.FirstInterface)
	if first == nil {
		return pkg.ErrInvalidParameter
	}
	first.assoc = assoc
	c.associations[c.associationCount] = assoc
	c.associationCount++
	return nil
}

// Associations returns all interface associations.
func (c *Configuration) Associations() []*InterfaceAssociation {
	return c.associations[:c.associationCount]
}

// ActivateEndpoints enables or disables every endpoint owned by this
// configuration's interfaces.
func (c *Configuration) ActivateEndpoints(enabled bool) {
	for idx := 0; idx < c.interfaceCount; idx++ {
		c.interfaces[idx].ActivateEndpoints(enabled)
	}
	pkg.LogDebug(pkg.ComponentDevice, "configuration endpoints",
		"config", c.Value,
		"enabled", enabled)
}

// TotalLength returns the serialized size of this configuration and all
// transitively owned interface, functional, and endpoint descriptors.
func (c *Configuration) TotalLength() uint16 {
	length := ConfigurationDescriptorSize
	for idx := 0; idx < c.interfaceCount; idx++ {
		length += c.interfaces[idx].descriptorLength()
	}
	return uint16(length)
}

// Descriptor returns the configuration descriptor with wTotalLength.
func (c *Configuration) Descriptor() *ConfigurationDescriptor {
	return &ConfigurationDescriptor{
		Length:             ConfigurationDescriptorSize,
		DescriptorType:     DescriptorTypeConfiguration,
		TotalLength:        c.TotalLength(),
		NumInterfaces:      uint8(c.interfaceCount),
		ConfigurationValue: c.Value,
		ConfigurationIndex: c.StringIndex,
		Attributes:         c.Attributes,
		MaxPower:           c.MaxPower,
	}
}

// MarshalTo writes the full configuration descriptor including all
// sub-descriptors to buf: for each interface in insertion order, the
// association descriptor if the interface heads one, then the interface
// descriptor, functional descriptors in chain order, and endpoint
// descriptors in insertion order.
// Returns the number of bytes written, or 0 if buf is too small.
func (c *Configuration) MarshalTo(buf []byte) int {
	offset := c.Descriptor().MarshalTo(buf)
	if offset == 0 {
		return 0
	}
	for idx := 0; idx < c.interfaceCount; idx++ {
		n := c.interfaces[idx].MarshalTo(buf[offset:])
		if n == 0 {
			return 0
		}
		offset += n
	}
	return offset
}

// SetSelfPowered sets or clears the self-powered attribute.
func (c *Configuration) SetSelfPowered(selfPowered bool) {
	if selfPowered {
		c.Attributes |= ConfigAttrSelfPowered
	} else {
		c.Attributes &^= ConfigAttrSelfPowered
	}
}

// IsSelfPowered returns true if the configuration is self-powered.
func (c *Configuration) IsSelfPowered() bool {
	return c.Attributes&ConfigAttrSelfPowered != 0
}

// SetRemoteWakeup sets or clears the remote wakeup capability.
func (c *Configuration) SetRemoteWakeup(enabled bool) {
	if enabled {
		c.Attributes |= ConfigAttrRemoteWakeup
	} else {
		c.Attributes &^= ConfigAttrRemoteWakeup
	}
}

// SupportsRemoteWakeup returns true if remote wakeup is enabled.
func (c *Configuration) SupportsRemoteWakeup() bool {
	return c.Attributes&ConfigAttrRemoteWakeup != 0
}

// SetMaxPowerMilliamps sets the maximum power draw in milliamps.
func (c *Configuration) SetMaxPowerMilliamps(ma uint16) {
	c.MaxPower = uint8(ma / 2)
}
