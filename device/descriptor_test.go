package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceDescriptorMarshalParse(t *testing.T) {
	desc := DeviceDescriptor{
		USBVersion:        0x0200,
		DeviceClass:       ClassMisc,
		DeviceSubClass:    0x02,
		DeviceProtocol:    0x01,
		MaxPacketSize0:    64,
		VendorID:          0xCAFE,
		ProductID:         0x4005,
		DeviceVersion:     0x0100,
		ManufacturerIndex: 1,
		ProductIndex:      2,
		SerialNumberIndex: 3,
		NumConfigurations: 1,
	}

	var buf [DeviceDescriptorSize]byte
	n := desc.MarshalTo(buf[:])
	require.Equal(t, DeviceDescriptorSize, n)

	assert.Equal(t, uint8(0x12), buf[0])
	assert.Equal(t, uint8(DescriptorTypeDevice), buf[1])
	assert.Equal(t, uint8(0x00), buf[2]) // bcdUSB low
	assert.Equal(t, uint8(0x02), buf[3]) // bcdUSB high
	assert.Equal(t, uint8(64), buf[7])

	var parsed DeviceDescriptor
	require.NoError(t, ParseDeviceDescriptor(buf[:], &parsed))
	assert.Equal(t, desc.VendorID, parsed.VendorID)
	assert.Equal(t, desc.ProductID, parsed.ProductID)
	assert.Equal(t, desc.SerialNumberIndex, parsed.SerialNumberIndex)
}

func TestDeviceDescriptorMarshalShortBuffer(t *testing.T) {
	var desc DeviceDescriptor
	assert.Equal(t, 0, desc.MarshalTo(make([]byte, 17)))
}

func TestParseDeviceDescriptorErrors(t *testing.T) {
	var out DeviceDescriptor
	assert.Error(t, ParseDeviceDescriptor(make([]byte, 4), &out))

	bad := make([]byte, DeviceDescriptorSize)
	bad[1] = DescriptorTypeConfiguration
	assert.Error(t, ParseDeviceDescriptor(bad, &out))
}

func TestEndpointDescriptorMarshalParse(t *testing.T) {
	desc := EndpointDescriptor{
		EndpointAddress: 0x81,
		Attributes:      EndpointTypeBulk,
		MaxPacketSize:   64,
		Interval:        0,
	}
	var buf [EndpointDescriptorSize]byte
	require.Equal(t, EndpointDescriptorSize, desc.MarshalTo(buf[:]))

	var parsed EndpointDescriptor
	require.NoError(t, ParseEndpointDescriptor(buf[:], &parsed))
	assert.Equal(t, uint8(0x81), parsed.EndpointAddress)
	assert.Equal(t, uint16(64), parsed.MaxPacketSize)
}

func TestStringDescriptorEncoding(t *testing.T) {
	var buf [64]byte
	n := StringDescriptorTo(buf[:], "ABC")
	require.Equal(t, 8, n)
	assert.Equal(t, []byte{0x08, 0x03, 'A', 0, 'B', 0, 'C', 0}, buf[:n])
}

func TestLanguageDescriptorEncoding(t *testing.T) {
	var buf [8]byte
	n := LanguageDescriptorTo(buf[:], LangIDUSEnglish)
	require.Equal(t, 4, n)
	assert.Equal(t, []byte{0x04, 0x03, 0x09, 0x04}, buf[:n])
}

func TestSetupPacketMarshalParse(t *testing.T) {
	var pkt SetupPacket
	GetDescriptorSetup(&pkt, DescriptorTypeDevice, 0, 18)

	var buf [SetupPacketSize]byte
	require.Equal(t, SetupPacketSize, pkt.MarshalTo(buf[:]))
	assert.Equal(t, []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}, buf[:])

	var parsed SetupPacket
	require.NoError(t, ParseSetupPacket(buf[:], &parsed))
	assert.True(t, parsed.IsDeviceToHost())
	assert.True(t, parsed.IsStandard())
	assert.Equal(t, uint8(DescriptorTypeDevice), parsed.DescriptorType())
	assert.Equal(t, uint16(18), parsed.Length)
}
