package cdc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picodev/usb/device"
	"github.com/picodev/usb/device/hal"
	"github.com/picodev/usb/device/hal/mem"
	"github.com/picodev/usb/pkg"
)

// Endpoint addresses assigned by allocation order in newSerialStack.
const (
	notifyAddr  = 0x81
	dataInAddr  = 0x82
	dataOutAddr = 0x01
)

// newSerialStack builds a CDC-ACM device on the simulated bus and
// selects its configuration.
func newSerialStack(t *testing.T, fifoSize int) (*mem.HAL, *ACM) {
	t.Helper()
	h := mem.New()
	dev := device.NewDevice(&device.DeviceDescriptor{
		USBVersion:  0x0200,
		DeviceClass: device.ClassMisc,
	})
	ctrl, err := device.NewController(h, dev)
	require.NoError(t, err)
	conf, err := device.NewConfiguration(dev, 1)
	require.NoError(t, err)

	acm, err := NewACM(ctrl, conf, fifoSize)
	require.NoError(t, err)
	ctrl.PullupEnable(true)

	var pkt device.SetupPacket
	device.GetSetConfigurationSetup(&pkt, 1)
	require.NoError(t, h.ControlWrite(rawSetup(&pkt), nil))
	return h, acm
}

func rawSetup(pkt *device.SetupPacket) *hal.SetupPacket {
	return &hal.SetupPacket{
		RequestType: pkt.RequestType,
		Request:     pkt.Request,
		Value:       pkt.Value,
		Index:       pkt.Index,
		Length:      pkt.Length,
	}
}

func classOut(request uint8, value, index, length uint16) *hal.SetupPacket {
	return &hal.SetupPacket{
		RequestType: device.RequestDirectionHostToDevice | device.RequestTypeClass | device.RequestRecipientInterface,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      length,
	}
}

func classIn(request uint8, value, index, length uint16) *hal.SetupPacket {
	return &hal.SetupPacket{
		RequestType: device.RequestDirectionDeviceToHost | device.RequestTypeClass | device.RequestRecipientInterface,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      length,
	}
}

func TestACMDescriptorTree(t *testing.T) {
	_, acm := newSerialStack(t, 0)

	comm := acm.CommInterface()
	data := acm.DataInterface()

	assert.Equal(t, uint8(ClassCDC), comm.Class)
	assert.Equal(t, uint8(SubclassACM), comm.SubClass)
	assert.Equal(t, uint8(ClassCDCData), data.Class)
	assert.Len(t, comm.FunctionalDescriptors(), 4)
	assert.NotNil(t, comm.Association())
	assert.Equal(t, 1, comm.NumEndpoints())
	assert.Equal(t, 2, data.NumEndpoints())

	// Header, Call Management, ACM, Union in chain order.
	var buf [64]byte
	subtypes := []uint8{}
	for _, fd := range comm.FunctionalDescriptors() {
		n := fd.MarshalTo(buf[:])
		require.Positive(t, n)
		assert.Equal(t, uint8(DescriptorTypeCSInterface), buf[1])
		subtypes = append(subtypes, buf[2])
	}
	assert.Equal(t, []uint8{SubtypeHeader, SubtypeCallManagement, SubtypeACM, SubtypeUnion}, subtypes)
}

func TestACMReceivePath(t *testing.T) {
	h, acm := newSerialStack(t, 0)

	require.NoError(t, h.WriteOut(dataOutAddr, []byte("hello")))
	assert.Equal(t, 5, acm.Buffered())

	buf := make([]byte, 64)
	n, err := acm.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Zero(t, acm.Buffered())
}

func TestACMReceiveFlowControl(t *testing.T) {
	h, acm := newSerialStack(t, 64) // room for exactly one packet

	full := bytes.Repeat([]byte{0x55}, 64)
	require.NoError(t, h.WriteOut(dataOutAddr, full))

	// FIFO full: the endpoint NAKs further packets.
	assert.ErrorIs(t, h.WriteOut(dataOutAddr, []byte{1}), pkg.ErrNAK)

	// Draining the FIFO reopens the pipe.
	buf := make([]byte, 64)
	n, err := acm.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 64, n)

	require.NoError(t, h.WriteOut(dataOutAddr, []byte{1}))
	n, err = acm.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestACMTransmitPath(t *testing.T) {
	h, acm := newSerialStack(t, 0)

	n, err := acm.Write([]byte("pong"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	data, _, err := h.ReadIn(dataInAddr)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(data))
}

func TestACMTransmitMultiPacket(t *testing.T) {
	h, acm := newSerialStack(t, 256)

	payload := bytes.Repeat([]byte{0xA5}, 100)
	n, err := acm.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	first, _, err := h.ReadIn(dataInAddr)
	require.NoError(t, err)
	assert.Len(t, first, 64)

	second, _, err := h.ReadIn(dataInAddr)
	require.NoError(t, err)
	assert.Len(t, second, 36)

	assert.Equal(t, payload, append(first, second...))
}

func TestACMTransmitZLPDelimiter(t *testing.T) {
	h, acm := newSerialStack(t, 0)

	payload := bytes.Repeat([]byte{0x5A}, 64)
	_, err := acm.Write(payload)
	require.NoError(t, err)

	data, _, err := h.ReadIn(dataInAddr)
	require.NoError(t, err)
	assert.Len(t, data, 64)

	// A full-size final packet is delimited by a zero-length packet.
	zlp, _, err := h.ReadIn(dataInAddr)
	require.NoError(t, err)
	assert.Empty(t, zlp)
}

func TestACMSetGetLineCoding(t *testing.T) {
	h, acm := newSerialStack(t, 0)

	var notified *LineCoding
	acm.SetOnLineCodingChange(func(lc *LineCoding) { notified = lc })

	want := LineCoding{
		DTERate:    9600,
		CharFormat: StopBits2,
		ParityType: ParityEven,
		DataBits:   7,
	}
	var raw [LineCodingSize]byte
	want.MarshalTo(raw[:])

	require.NoError(t, h.ControlWrite(
		classOut(RequestSetLineCoding, 0, 0, LineCodingSize), raw[:]))

	assert.Equal(t, want, acm.LineCoding())
	require.NotNil(t, notified)
	assert.Equal(t, uint32(9600), notified.DTERate)

	data, err := h.ControlRead(classIn(RequestGetLineCoding, 0, 0, LineCodingSize))
	require.NoError(t, err)
	assert.Equal(t, raw[:], data)
}

func TestACMControlLineState(t *testing.T) {
	h, acm := newSerialStack(t, 0)

	var gotDTR, gotRTS bool
	acm.SetOnControlStateChange(func(dtr, rts bool) {
		gotDTR, gotRTS = dtr, rts
	})

	require.NoError(t, h.ControlWrite(
		classOut(RequestSetControlLineState, ControlLineDTR|ControlLineRTS, 0, 0), nil))

	assert.True(t, acm.DTR())
	assert.True(t, acm.RTS())
	assert.True(t, gotDTR)
	assert.True(t, gotRTS)

	require.NoError(t, h.ControlWrite(
		classOut(RequestSetControlLineState, 0, 0, 0), nil))
	assert.False(t, acm.DTR())
	assert.False(t, acm.RTS())
}

func TestACMSendBreak(t *testing.T) {
	h, acm := newSerialStack(t, 0)

	var millis uint16
	acm.SetOnBreak(func(ms uint16) { millis = ms })

	require.NoError(t, h.ControlWrite(classOut(RequestSendBreak, 250, 0, 0), nil))
	assert.Equal(t, uint16(250), millis)
}

func TestACMSerialStateNotification(t *testing.T) {
	h, acm := newSerialStack(t, 0)

	state := uint16(SerialStateRxCarrier | SerialStateTxCarrier)
	require.NoError(t, acm.SendSerialState(state))

	data, _, err := h.ReadIn(notifyAddr)
	require.NoError(t, err)
	require.Len(t, data, 10)
	assert.Equal(t, uint8(0xA1), data[0])
	assert.Equal(t, uint8(NotificationSerialState), data[1])
	assert.Equal(t, uint8(2), data[6])
	assert.Equal(t, uint8(state), data[8])
	assert.Equal(t, uint8(state>>8), data[9])
	assert.Equal(t, state, acm.SerialState())
}

func TestACMSerialStateBusy(t *testing.T) {
	_, acm := newSerialStack(t, 0)

	require.NoError(t, acm.SendSerialState(SerialStateBreak))
	// The first notification is still armed.
	assert.ErrorIs(t, acm.SendSerialState(0), pkg.ErrBusy)
}
