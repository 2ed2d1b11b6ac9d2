package device

import (
	"encoding/binary"

	"github.com/picodev/usb/pkg"
)

// Capability is a device capability descriptor held by the Binary
// Object Store. Same two-method contract as FunctionalDescriptor:
// report the length, serialize on demand.
type Capability interface {
	// DescriptorLength returns the serialized size in bytes.
	DescriptorLength() int

	// MarshalTo writes the capability descriptor to buf and returns the
	// number of bytes written, or 0 if buf is too small.
	MarshalTo(buf []byte) int
}

// BOS is the Binary Object Store: the container for platform capability
// descriptors (Microsoft OS 2.0, WebUSB). A device holds at most one.
type BOS struct {
	capabilities    [MaxBOSCapabilities]Capability
	capabilityCount int
}

// NewBOS creates a Binary Object Store and attaches it to the device.
func NewBOS(dev *Device) (*BOS, error) {
	b := &BOS{}
	if err := dev.SetBOS(b); err != nil {
		return nil, err
	}
	return b, nil
}

// AddCapability appends a device capability descriptor.
func (b *BOS) AddCapability(cap Capability) error {
	if b.capabilityCount >= MaxBOSCapabilities {
		return pkg.ErrNoMemory
	}
	b.capabilities[b.capabilityCount] = cap
	b.capabilityCount++
	return nil
}

// Capabilities returns the stored capabilities in insertion order.
func (b *BOS) Capabilities() []Capability {
	return b.capabilities[:b.capabilityCount]
}

// NumCapabilities returns the number of stored capabilities.
func (b *BOS) NumCapabilities() int {
	return b.capabilityCount
}

// TotalLength returns the BOS header size plus all capability bytes.
func (b *BOS) TotalLength() uint16 {
	length := BOSDescriptorSize
	for idx := 0; idx < b.capabilityCount; idx++ {
		length += b.capabilities[idx].DescriptorLength()
	}
	return uint16(length)
}

// MarshalTo writes the BOS descriptor followed by each capability to
// buf. Returns the number of bytes written, or 0 if buf is too small.
func (b *BOS) MarshalTo(buf []byte) int {
	if len(buf) < BOSDescriptorSize {
		return 0
	}
	buf[0] = BOSDescriptorSize
	buf[1] = DescriptorTypeBOS
	binary.LittleEndian.PutUint16(buf[2:4], b.TotalLength())
	buf[4] = uint8(b.capabilityCount)
	offset := BOSDescriptorSize

	for idx := 0; idx < b.capabilityCount; idx++ {
		n := b.capabilities[idx].MarshalTo(buf[offset:])
		if n == 0 {
			return 0
		}
		offset += n
	}
	return offset
}
