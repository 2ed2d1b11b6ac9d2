package msos

import (
	"encoding/binary"

	"github.com/picodev/usb/device"
	"github.com/picodev/usb/pkg"
)

// Microsoft OS 2.0 descriptor set types.
const (
	DescSetHeader    = 0x00 // Descriptor set header
	DescConfigSubset = 0x01 // Configuration subset header
	DescFuncSubset   = 0x02 // Function subset header
	DescCompatibleID = 0x03 // Compatible ID descriptor
	DescRegistryProp = 0x04 // Registry property descriptor
)

// Vendor request indices (wIndex) defined by the two specifications.
const (
	// RequestIndexDescriptorSet selects the MS OS 2.0 descriptor set.
	RequestIndexDescriptorSet = 0x07

	// RequestIndexGetURL selects the WebUSB URL descriptor.
	RequestIndexGetURL = 0x02
)

// WindowsVersion81 is the minimum Windows version the descriptor set
// targets (NTDDI_WINBLUE).
const WindowsVersion81 = 0x06030000

// RegistryPropertyMultiSZ is the REG_MULTI_SZ property data type.
const RegistryPropertyMultiSZ = 0x07

// registryValueSize is the fixed on-wire size of a registry property
// value field.
const registryValueSize = 0x50

// WebUSB URL scheme prefixes.
const (
	URLSchemeHTTP  = 0x00
	URLSchemeHTTPS = 0x01
	URLSchemeFull  = 0xFF
)

// platform capability sizes
const (
	msosCapabilitySize   = 28
	webusbCapabilitySize = 24
)

// Platform capability UUIDs, byte order as serialized.
var (
	// MS OS 2.0: D8DD60DF-4589-4CC7-9CD2-659D9E648A9F
	msosUUID = [16]byte{
		0xDF, 0x60, 0xDD, 0xD8, 0x89, 0x45, 0xC7, 0x4C,
		0x9C, 0xD2, 0x65, 0x9D, 0x9E, 0x64, 0x8A, 0x9F,
	}
	// WebUSB: 3408B638-09A9-47A0-8BFD-A0768815B665
	webusbUUID = [16]byte{
		0x38, 0xB6, 0x08, 0x34, 0xA9, 0x09, 0xA0, 0x47,
		0x8B, 0xFD, 0xA0, 0x76, 0x88, 0x15, 0xB6, 0x65,
	}
)

// PlatformCapability is the Microsoft OS 2.0 platform capability
// descriptor placed in the BOS. It advertises the vendor request code
// and the total length of the descriptor set the host should fetch.
type PlatformCapability struct {
	WindowsVersion uint32 // Minimum supported Windows version
	VendorCode     uint8  // bMS_VendorCode the host echoes back
	set            *DescriptorSet
}

// DescriptorLength returns the serialized size in bytes.
func (p *PlatformCapability) DescriptorLength() int {
	return msosCapabilitySize
}

// MarshalTo writes the capability descriptor to buf.
func (p *PlatformCapability) MarshalTo(buf []byte) int {
	if len(buf) < msosCapabilitySize {
		return 0
	}
	buf[0] = msosCapabilitySize
	buf[1] = device.DescriptorTypeDeviceCapability
	buf[2] = device.CapabilityTypePlatform
	buf[3] = 0 // Reserved
	copy(buf[4:20], msosUUID[:])
	binary.LittleEndian.PutUint32(buf[20:24], p.WindowsVersion)
	var setLen uint16
	if p.set != nil {
		setLen = p.set.TotalLength()
	}
	binary.LittleEndian.PutUint16(buf[24:26], setLen)
	buf[26] = p.VendorCode
	buf[27] = 0 // bAltEnumCode
	return msosCapabilitySize
}

// WebUSBCapability is the WebUSB platform capability descriptor.
type WebUSBCapability struct {
	VendorCode  uint8 // bVendorCode the host echoes back
	LandingPage uint8 // iLandingPage URL descriptor index (1-based)
}

// DescriptorLength returns the serialized size in bytes.
func (w *WebUSBCapability) DescriptorLength() int {
	return webusbCapabilitySize
}

// MarshalTo writes the capability descriptor to buf.
func (w *WebUSBCapability) MarshalTo(buf []byte) int {
	if len(buf) < webusbCapabilitySize {
		return 0
	}
	buf[0] = webusbCapabilitySize
	buf[1] = device.DescriptorTypeDeviceCapability
	buf[2] = device.CapabilityTypePlatform
	buf[3] = 0 // Reserved
	copy(buf[4:20], webusbUUID[:])
	binary.LittleEndian.PutUint16(buf[20:22], 0x0100) // bcdVersion
	buf[22] = w.VendorCode
	buf[23] = w.LandingPage
	return webusbCapabilitySize
}

// registryProperty is one REG_MULTI_SZ property of the function subset.
type registryProperty struct {
	name  string
	value string
}

func (r *registryProperty) length() int {
	// Header, name length field and UTF-16 name with double NUL,
	// value length field and fixed-size value.
	return 6 + 2 + (len([]rune(r.name))*2 + 2) + 2 + registryValueSize
}

// DescriptorSet is the Microsoft OS 2.0 descriptor set: a linear blob of
// set header, configuration subset, function subset, compatible ID, and
// registry properties, served on the vendor request advertised in the
// BOS platform capability.
type DescriptorSet struct {
	WindowsVersion     uint32
	ConfigurationValue uint8
	FirstInterface     uint8
	CompatibleID       string // e.g. "WINUSB"
	properties         []registryProperty
}

// NewDescriptorSet creates a descriptor set for the given configuration
// and first interface of the vendor function.
func NewDescriptorSet(configurationValue, firstInterface uint8) *DescriptorSet {
	return &DescriptorSet{
		WindowsVersion:     WindowsVersion81,
		ConfigurationValue: configurationValue,
		FirstInterface:     firstInterface,
		CompatibleID:       "WINUSB",
	}
}

// AddRegistryProperty appends a REG_MULTI_SZ registry property to the
// function subset.
func (s *DescriptorSet) AddRegistryProperty(name, value string) {
	s.properties = append(s.properties, registryProperty{name: name, value: value})
}

// subsetLength returns the function subset length including the
// compatible ID and registry properties.
func (s *DescriptorSet) subsetLength() uint16 {
	length := 8 + 20
	for i := range s.properties {
		length += s.properties[i].length()
	}
	return uint16(length)
}

// TotalLength returns the total descriptor set length.
func (s *DescriptorSet) TotalLength() uint16 {
	// Set header, configuration subset header, function subset.
	return 10 + 8 + s.subsetLength()
}

// MarshalTo writes the complete descriptor set blob to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (s *DescriptorSet) MarshalTo(buf []byte) int {
	total := int(s.TotalLength())
	if len(buf) < total {
		return 0
	}

	// Descriptor set header
	binary.LittleEndian.PutUint16(buf[0:2], 10)
	binary.LittleEndian.PutUint16(buf[2:4], DescSetHeader)
	binary.LittleEndian.PutUint32(buf[4:8], s.WindowsVersion)
	binary.LittleEndian.PutUint16(buf[8:10], s.TotalLength())
	offset := 10

	// Configuration subset header
	binary.LittleEndian.PutUint16(buf[offset:], 8)
	binary.LittleEndian.PutUint16(buf[offset+2:], DescConfigSubset)
	buf[offset+4] = s.ConfigurationValue
	buf[offset+5] = 0 // Reserved
	binary.LittleEndian.PutUint16(buf[offset+6:], 8+s.subsetLength())
	offset += 8

	// Function subset header
	binary.LittleEndian.PutUint16(buf[offset:], 8)
	binary.LittleEndian.PutUint16(buf[offset+2:], DescFuncSubset)
	buf[offset+4] = s.FirstInterface
	buf[offset+5] = 0 // Reserved
	binary.LittleEndian.PutUint16(buf[offset+6:], s.subsetLength())
	offset += 8

	// Compatible ID
	binary.LittleEndian.PutUint16(buf[offset:], 20)
	binary.LittleEndian.PutUint16(buf[offset+2:], DescCompatibleID)
	for i := 0; i < 16; i++ {
		buf[offset+4+i] = 0
	}
	copy(buf[offset+4:offset+12], s.CompatibleID)
	offset += 20

	// Registry properties
	for i := range s.properties {
		prop := &s.properties[i]
		propLen := prop.length()
		binary.LittleEndian.PutUint16(buf[offset:], uint16(propLen))
		binary.LittleEndian.PutUint16(buf[offset+2:], DescRegistryProp)
		binary.LittleEndian.PutUint16(buf[offset+4:], RegistryPropertyMultiSZ)
		offset += 6

		nameLen := device.AppendUTF16(buf[offset+2:], prop.name)
		binary.LittleEndian.PutUint16(buf[offset:], uint16(nameLen))
		offset += 2 + nameLen

		binary.LittleEndian.PutUint16(buf[offset:], registryValueSize)
		offset += 2
		for j := 0; j < registryValueSize; j++ {
			buf[offset+j] = 0
		}
		device.AppendUTF16(buf[offset:], prop.value)
		offset += registryValueSize
	}

	return offset
}

// URLDescriptorTo writes a WebUSB URL descriptor to buf:
// [bLength, bDescriptorType=3, bScheme, URL bytes].
// Returns the number of bytes written, or 0 if buf is too small.
func URLDescriptorTo(buf []byte, scheme uint8, url string) int {
	length := 3 + len(url)
	if length > 255 || len(buf) < length {
		return 0
	}
	buf[0] = uint8(length)
	buf[1] = 0x03 // URL descriptor
	buf[2] = scheme
	copy(buf[3:], url)
	return length
}

// CompatDescriptor assembles the full Windows compatibility surface for
// one vendor function: the BOS with the MS OS 2.0 platform capability
// (plus WebUSB when a landing page URL is given), the descriptor set
// blob, and the device-level vendor setup handler that serves both.
type CompatDescriptor struct {
	ctrl *device.Controller
	set  *DescriptorSet

	msosVendorCode   uint8
	webusbVendorCode uint8
	urlScheme        uint8
	url              string

	blob   [device.MaxDescSize]byte
	urlBuf [device.MaxDescSize]byte
}

// NewCompatDescriptor builds the BOS and descriptor set on the given
// device and installs the vendor request handler. firstInterface names
// the first interface of the vendor function; url may be empty to omit
// the WebUSB capability.
func NewCompatDescriptor(ctrl *device.Controller, dev *device.Device, firstInterface uint8, url string) (*CompatDescriptor, error) {
	c := &CompatDescriptor{
		ctrl:             ctrl,
		msosVendorCode:   0x20,
		webusbVendorCode: 0x21,
		urlScheme:        URLSchemeHTTPS,
		url:              url,
	}

	bos, err := device.NewBOS(dev)
	if err != nil {
		return nil, err
	}

	c.set = NewDescriptorSet(0, firstInterface)
	c.set.AddRegistryProperty("DeviceInterfaceGUIDs",
		"{975F44D9-0D08-43FD-8B3E-127CA8AFFF9D}")

	if err := bos.AddCapability(&PlatformCapability{
		WindowsVersion: WindowsVersion81,
		VendorCode:     c.msosVendorCode,
		set:            c.set,
	}); err != nil {
		return nil, err
	}
	if url != "" {
		if err := bos.AddCapability(&WebUSBCapability{
			VendorCode:  c.webusbVendorCode,
			LandingPage: 1,
		}); err != nil {
			return nil, err
		}
	}

	dev.SetupHandler = c.handleSetup
	return c, nil
}

// Set returns the descriptor set for further customization before the
// pull-up is enabled.
func (c *CompatDescriptor) Set() *DescriptorSet {
	return c.set
}

// handleSetup serves the vendor requests advertised in the BOS.
func (c *CompatDescriptor) handleSetup(pkt *device.SetupPacket) {
	if !pkt.IsVendor() || !pkt.IsDeviceToHost() {
		return
	}
	switch {
	case pkt.Request == c.msosVendorCode && pkt.Index == RequestIndexDescriptorSet:
		pkg.LogInfo(pkg.ComponentDevice, "get MS OS 2.0 descriptor set",
			"len", pkt.Length)
		n := c.set.MarshalTo(c.blob[:])
		if n == 0 {
			pkg.LogWarn(pkg.ComponentDevice, "descriptor set too large")
			return
		}
		if n > int(pkt.Length) {
			n = int(pkt.Length)
		}
		if err := c.ctrl.EP0In().StartTransfer(c.blob[:n], n); err != nil {
			pkg.LogWarn(pkg.ComponentDevice, "descriptor set send", "error", err)
		}

	case pkt.Request == c.webusbVendorCode && pkt.Index == RequestIndexGetURL:
		pkg.LogInfo(pkg.ComponentDevice, "get WebUSB URL",
			"len", pkt.Length)
		n := URLDescriptorTo(c.urlBuf[:], c.urlScheme, c.url)
		if n == 0 {
			return
		}
		if n > int(pkt.Length) {
			n = int(pkt.Length)
		}
		if err := c.ctrl.EP0In().StartTransfer(c.urlBuf[:n], n); err != nil {
			pkg.LogWarn(pkg.ComponentDevice, "URL send", "error", err)
		}
	}
}
