package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picodev/usb/device/hal"
	"github.com/picodev/usb/pkg"
)

func register(t *testing.T, h *HAL, addr uint8, complete hal.CompletionFunc) hal.EndpointBuffer {
	t.Helper()
	if complete == nil {
		complete = func(uint16) {}
	}
	ep, err := h.RegisterEndpoint(hal.EndpointConfig{
		Address:       addr,
		Attributes:    0x02,
		MaxPacketSize: 64,
	}, complete)
	require.NoError(t, err)
	return ep
}

func TestRegisterEndpointRejectsDuplicate(t *testing.T) {
	h := New()
	register(t, h, 0x81, nil)
	_, err := h.RegisterEndpoint(hal.EndpointConfig{Address: 0x81, MaxPacketSize: 64}, func(uint16) {})
	assert.ErrorIs(t, err, pkg.ErrBusy)
}

func TestEndpointBufferSize(t *testing.T) {
	h := New()
	ep := register(t, h, 0x81, nil)
	assert.Len(t, ep.Buffer(), 64)
}

func TestReadInLifecycle(t *testing.T) {
	h := New()
	var completed uint16
	ep := register(t, h, 0x81, func(n uint16) { completed = n })
	ep.Enable(true)

	_, _, err := h.ReadIn(0x81)
	assert.ErrorIs(t, err, pkg.ErrNAK)

	copy(ep.Buffer(), []byte{1, 2, 3})
	ep.Arm(1, 3)
	data, pid, err := h.ReadIn(0x81)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
	assert.Equal(t, uint8(1), pid)
	assert.Equal(t, uint16(3), completed)

	// The buffer is consumed.
	_, _, err = h.ReadIn(0x81)
	assert.ErrorIs(t, err, pkg.ErrNAK)
}

func TestStallReportedToHost(t *testing.T) {
	h := New()
	ep := register(t, h, 0x81, nil)
	ep.Enable(true)
	ep.Arm(0, 8)
	ep.SetStall(true)

	_, _, err := h.ReadIn(0x81)
	assert.ErrorIs(t, err, pkg.ErrStall)

	ep.SetStall(false)
	_, _, err = h.ReadIn(0x81)
	require.NoError(t, err) // the armed buffer survived the stall
}

func TestWriteOutNAKAndDelivery(t *testing.T) {
	h := New()
	var got []byte
	ep := register(t, h, 0x01, nil)
	ep.Enable(true)

	assert.ErrorIs(t, h.WriteOut(0x01, []byte{1}), pkg.ErrNAK)

	h.endpoints[1].complete = func(n uint16) {
		got = append([]byte(nil), h.endpoints[1].buf[:n]...)
	}
	ep.Arm(0, 64)
	require.NoError(t, h.WriteOut(0x01, []byte{9, 8, 7}))
	assert.Equal(t, []byte{9, 8, 7}, got)

	ep.Arm(0, 64)
	ep.SetNAK(true)
	assert.ErrorIs(t, h.WriteOut(0x01, []byte{1}), pkg.ErrNAK)
	ep.SetNAK(false)
	assert.NoError(t, h.WriteOut(0x01, []byte{1}))
}

func TestDisabledEndpointInvisible(t *testing.T) {
	h := New()
	ep := register(t, h, 0x81, nil)
	ep.Arm(0, 4)

	_, _, err := h.ReadIn(0x81)
	assert.ErrorIs(t, err, pkg.ErrInvalidEndpoint)

	ep.Enable(true)
	_, _, err = h.ReadIn(0x81)
	require.NoError(t, err)
}

func TestDeferredAddressCommit(t *testing.T) {
	h := New()
	ep := register(t, h, 0x80, nil)
	ep.Enable(true)

	h.SetAddress(7)
	assert.Equal(t, uint8(0), h.Address())

	ep.Arm(1, 0)
	_, _, err := h.ReadIn(0x80)
	require.NoError(t, err)
	assert.Equal(t, uint8(7), h.Address())
}

func TestBusResetClearsState(t *testing.T) {
	h := New()
	ep := register(t, h, 0x81, nil)
	ep.Enable(true)
	ep.Arm(1, 4)
	ep.SetStall(true)
	h.SetAddress(7)

	reset := false
	h.SetBusResetHandler(func() { reset = true })
	h.BusReset()

	assert.True(t, reset)
	assert.Equal(t, uint8(0), h.Address())
	_, _, err := h.ReadIn(0x81)
	assert.ErrorIs(t, err, pkg.ErrNAK)
}

func TestSetupDeliveryRequiresIRQ(t *testing.T) {
	h := New()
	var delivered int
	h.SetSetupHandler(func(*hal.SetupPacket) { delivered++ })

	h.SendSetup(&hal.SetupPacket{})
	assert.Zero(t, delivered)

	h.IRQEnable(true)
	h.SendSetup(&hal.SetupPacket{})
	assert.Equal(t, 1, delivered)
}
