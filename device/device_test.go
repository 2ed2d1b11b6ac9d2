package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDeviceDefaults(t *testing.T) {
	dev := NewDevice(&DeviceDescriptor{USBVersion: 0x0200})
	assert.Equal(t, uint8(DeviceDescriptorSize), dev.Descriptor.Length)
	assert.Equal(t, uint8(DescriptorTypeDevice), dev.Descriptor.DescriptorType)
	assert.Equal(t, uint8(DefaultPacketSize), dev.Descriptor.MaxPacketSize0)
	assert.NotNil(t, dev.Strings)
}

func TestDeviceStringIndices(t *testing.T) {
	dev := NewDevice(&DeviceDescriptor{})
	dev.SetManufacturer("Vendor")
	dev.SetProduct("Widget")
	dev.SetSerialNumber("0001")

	assert.Equal(t, uint8(1), dev.Descriptor.ManufacturerIndex)
	assert.Equal(t, uint8(2), dev.Descriptor.ProductIndex)
	assert.Equal(t, uint8(3), dev.Descriptor.SerialNumberIndex)
	assert.Equal(t, "Widget", dev.Strings.String(2))
}

func TestAddConfiguration(t *testing.T) {
	dev := NewDevice(&DeviceDescriptor{})

	conf, err := NewConfiguration(dev, 1)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), dev.Descriptor.NumConfigurations)
	assert.Same(t, conf, dev.FindConfiguration(1))
	assert.Same(t, conf, dev.ConfigurationAt(0))
	assert.Nil(t, dev.ConfigurationAt(1))
}

func TestAddConfigurationRejectsZeroValue(t *testing.T) {
	dev := NewDevice(&DeviceDescriptor{})
	_, err := NewConfiguration(dev, 0)
	assert.Error(t, err)
}

func TestAddConfigurationRejectsDuplicateValue(t *testing.T) {
	dev := NewDevice(&DeviceDescriptor{})
	_, err := NewConfiguration(dev, 1)
	require.NoError(t, err)
	_, err = NewConfiguration(dev, 1)
	assert.Error(t, err)
}

func TestAddConfigurationCapacity(t *testing.T) {
	dev := NewDevice(&DeviceDescriptor{})
	for i := 1; i <= MaxConfigurations; i++ {
		_, err := NewConfiguration(dev, uint8(i))
		require.NoError(t, err)
	}
	_, err := NewConfiguration(dev, MaxConfigurations+1)
	assert.Error(t, err)
	assert.Equal(t, uint8(MaxConfigurations), dev.Descriptor.NumConfigurations)
}

func TestSetBOSOnlyOnce(t *testing.T) {
	dev := NewDevice(&DeviceDescriptor{})
	_, err := NewBOS(dev)
	require.NoError(t, err)
	_, err = NewBOS(dev)
	assert.Error(t, err)
}
