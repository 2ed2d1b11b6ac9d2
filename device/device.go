package device

import (
	"github.com/picodev/usb/pkg"
)

// Device is the root of the descriptor tree. It owns its configurations,
// the string table, and an optional Binary Object Store. The tree is
// built eagerly before the bus pull-up is enabled and is immutable after
// enumeration except for alternate settings, stall bits, and
// class-visible state.
type Device struct {
	// Descriptor holds the device descriptor fields. NumConfigurations
	// is maintained by AddConfiguration.
	Descriptor *DeviceDescriptor

	// Strings is the device string table; descriptor string indices
	// refer into it.
	Strings *StringTable

	// Configurations - fixed-size array for zero allocation
	configurations     [MaxConfigurations]*Configuration
	configurationCount int

	// Optional Binary Object Store
	bos *BOS

	// SetupHandler receives class/vendor SETUP packets addressed to the
	// device (e.g. the vendor request serving the Microsoft OS 2.0
	// descriptor set). Runs in interrupt context; must not block.
	SetupHandler func(*SetupPacket)
}

// NewDevice creates a USB device with the given descriptor. Length,
// type, and configuration count fields are maintained by the stack.
func NewDevice(desc *DeviceDescriptor) *Device {
	desc.Length = DeviceDescriptorSize
	desc.DescriptorType = DescriptorTypeDevice
	if desc.MaxPacketSize0 == 0 {
		desc.MaxPacketSize0 = DefaultPacketSize
	}
	return &Device{
		Descriptor: desc,
		Strings:    NewStringTable(),
	}
}

// SetManufacturer stores the manufacturer string and records its index.
func (d *Device) SetManufacturer(s string) {
	d.Descriptor.ManufacturerIndex = d.Strings.Add(s)
}

// SetProduct stores the product string and records its index.
func (d *Device) SetProduct(s string) {
	d.Descriptor.ProductIndex = d.Strings.Add(s)
}

// SetSerialNumber stores the serial number string and records its index.
func (d *Device) SetSerialNumber(s string) {
	d.Descriptor.SerialNumberIndex = d.Strings.Add(s)
}

// AddConfiguration adds a configuration to the device. Configuration
// values must be unique and nonzero.
func (d *Device) AddConfiguration(config *Configuration) error {
	if config.Value == 0 {
		return pkg.ErrInvalidParameter
	}
	if d.configurationCount >= MaxConfigurations {
		return pkg.ErrNoMemory
	}
	for idx := 0; idx < d.configurationCount; idx++ {
		if d.configurations[idx].Value == config.Value {
			return pkg.ErrBusy
		}
	}
	d.configurations[d.configurationCount] = config
	d.configurationCount++
	d.Descriptor.NumConfigurations = uint8(d.configurationCount)

	pkg.LogDebug(pkg.ComponentDevice, "configuration added",
		"value", config.Value)

	return nil
}

// FindConfiguration returns the configuration whose bConfigurationValue
// matches value, or nil.
func (d *Device) FindConfiguration(value uint8) *Configuration {
	for idx := 0; idx < d.configurationCount; idx++ {
		if d.configurations[idx].Value == value {
			return d.configurations[idx]
		}
	}
	return nil
}

// ConfigurationAt returns the configuration at the given insertion
// index, or nil. GET_DESCRIPTOR(CONFIGURATION) indexes this way.
func (d *Device) ConfigurationAt(index uint8) *Configuration {
	if int(index) >= d.configurationCount {
		return nil
	}
	return d.configurations[index]
}

// Configurations returns all configurations in insertion order.
func (d *Device) Configurations() []*Configuration {
	return d.configurations[:d.configurationCount]
}

// NumConfigurations returns the number of configurations.
func (d *Device) NumConfigurations() int {
	return d.configurationCount
}

// SetBOS attaches the Binary Object Store. A device may hold only one.
func (d *Device) SetBOS(b *BOS) error {
	if d.bos != nil {
		return pkg.ErrBusy
	}
	d.bos = b
	return nil
}

// BOS returns the Binary Object Store, or nil.
func (d *Device) BOS() *BOS {
	return d.bos
}
