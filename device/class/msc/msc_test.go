package msc

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picodev/usb/device"
	"github.com/picodev/usb/device/hal"
	"github.com/picodev/usb/device/hal/mem"
	"github.com/picodev/usb/pkg"
)

// Endpoint addresses assigned by allocation order in newDiskStack.
const (
	bulkInAddr  = 0x81
	bulkOutAddr = 0x01
)

// diskBlocks is the simulated medium size for tests.
const diskBlocks = 16

// disk is the block storage backing the tests.
type disk struct {
	blocks    [diskBlocks][BlockSize]byte
	readLBAs  []uint32
	writeLBAs []uint32
	writable  bool
}

// newDiskStack builds an MSC device on the simulated bus, selects its
// configuration, and wires a RAM-backed medium.
func newDiskStack(t *testing.T) (*mem.HAL, *MSC, *disk) {
	t.Helper()
	h := mem.New()
	dev := device.NewDevice(&device.DeviceDescriptor{USBVersion: 0x0200})
	ctrl, err := device.NewController(h, dev)
	require.NoError(t, err)
	conf, err := device.NewConfiguration(dev, 1)
	require.NoError(t, err)

	m, err := NewMSC(ctrl, conf)
	require.NoError(t, err)

	d := &disk{writable: true}
	m.SetVendorID("vendor")
	m.SetProductID("disk")
	m.SetProductRev("1.0")
	m.SetReadHandler(func(buf []byte, lba uint32) error {
		d.readLBAs = append(d.readLBAs, lba)
		copy(buf, d.blocks[lba%diskBlocks][:])
		return nil
	})
	m.SetWriteHandler(func(buf []byte, lba uint32) error {
		d.writeLBAs = append(d.writeLBAs, lba)
		copy(d.blocks[lba%diskBlocks][:], buf)
		return nil
	})
	m.SetCapacityHandler(func() (uint16, uint32) {
		return BlockSize, diskBlocks
	})
	m.SetIsWritableHandler(func() bool { return d.writable })

	ctrl.PullupEnable(true)

	var pkt device.SetupPacket
	device.GetSetConfigurationSetup(&pkt, 1)
	raw := hal.SetupPacket{
		RequestType: pkt.RequestType,
		Request:     pkt.Request,
		Value:       pkt.Value,
	}
	require.NoError(t, h.ControlWrite(&raw, nil))
	return h, m, d
}

// sendCBW writes a CBW and lets the state machine consume it.
func sendCBW(t *testing.T, h *mem.HAL, m *MSC, cbw *CommandBlockWrapper) {
	t.Helper()
	var buf [CBWSize]byte
	require.Equal(t, CBWSize, cbw.MarshalTo(buf[:]))
	require.NoError(t, h.WriteOut(bulkOutAddr, buf[:]))
	m.HandleRequest()
}

// newCBW builds a CBW carrying the given command block.
func newCBW(tag, dataLen uint32, flags uint8, cb []byte) *CommandBlockWrapper {
	cbw := &CommandBlockWrapper{
		Signature:          CBWSignature,
		Tag:                tag,
		DataTransferLength: dataLen,
		Flags:              flags,
		CBLength:           uint8(len(cb)),
	}
	copy(cbw.CB[:], cb)
	return cbw
}

// readBulk collects n bytes from bulk IN, advancing the state machine
// whenever the endpoint has nothing armed.
func readBulk(t *testing.T, h *mem.HAL, m *MSC, n int) []byte {
	t.Helper()
	var out []byte
	for attempts := 0; len(out) < n; attempts++ {
		require.Less(t, attempts, 1000, "bulk IN starved")
		data, _, err := h.ReadIn(bulkInAddr)
		if err == pkg.ErrNAK {
			m.HandleRequest()
			continue
		}
		require.NoError(t, err)
		out = append(out, data...)
	}
	return out
}

// readCSW collects and parses the Command Status Wrapper.
func readCSW(t *testing.T, h *mem.HAL, m *MSC) *CommandStatusWrapper {
	t.Helper()
	raw := readBulk(t, h, m, CSWSize)
	var csw CommandStatusWrapper
	require.True(t, ParseCSW(raw, &csw))
	return &csw
}

// writeBulk pushes payload to bulk OUT in packet-size chunks,
// advancing the state machine through NAK windows.
func writeBulk(t *testing.T, h *mem.HAL, m *MSC, payload []byte) {
	t.Helper()
	for offset := 0; offset < len(payload); {
		end := offset + 64
		if end > len(payload) {
			end = len(payload)
		}
		err := h.WriteOut(bulkOutAddr, payload[offset:end])
		if err == pkg.ErrNAK {
			m.HandleRequest()
			continue
		}
		require.NoError(t, err)
		offset = end
	}
}

func TestInquiry(t *testing.T) {
	h, m, _ := newDiskStack(t)

	sendCBW(t, h, m, newCBW(0x1001, 36, CBWFlagDataIn,
		[]byte{SCSIInquiry, 0, 0, 0, 36, 0}))

	data := readBulk(t, h, m, InquiryStandardSize)
	assert.Equal(t, uint8(DeviceTypeDisk), data[0])
	assert.Equal(t, uint8(InquiryRMB), data[1])
	assert.Equal(t, "vendor  ", string(data[8:16]))

	csw := readCSW(t, h, m)
	assert.Equal(t, uint32(0x1001), csw.Tag)
	assert.Equal(t, uint8(CSWStatusPassed), csw.Status)
	assert.Equal(t, uint32(36-InquiryStandardSize), csw.DataResidue)
	assert.Equal(t, StateReceiveCBW, m.State())
}

func TestRead10TwoBlocks(t *testing.T) {
	h, m, d := newDiskStack(t)

	copy(d.blocks[7][:], "block seven")
	copy(d.blocks[8][:], "block eight")

	// READ(10) LBA 7, 2 blocks: 28 00 00 00 00 07 00 00 02 00
	cb := []byte{SCSIRead10, 0, 0, 0, 0, 7, 0, 0, 2, 0}
	sendCBW(t, h, m, newCBW(0x2002, 2*BlockSize, CBWFlagDataIn, cb))

	data := readBulk(t, h, m, 2*BlockSize)
	assert.True(t, bytes.HasPrefix(data, []byte("block seven")))
	assert.True(t, bytes.HasPrefix(data[BlockSize:], []byte("block eight")))
	assert.Equal(t, []uint32{7, 8}, d.readLBAs)

	csw := readCSW(t, h, m)
	assert.Equal(t, uint32(0x2002), csw.Tag)
	assert.Equal(t, uint8(CSWStatusPassed), csw.Status)
	assert.Equal(t, StateReceiveCBW, m.State())
}

func TestWrite10(t *testing.T) {
	h, m, d := newDiskStack(t)

	payload := bytes.Repeat([]byte{0xAB}, BlockSize)
	cb := []byte{SCSIWrite10, 0, 0, 0, 0, 3, 0, 0, 1, 0}
	sendCBW(t, h, m, newCBW(0x3003, BlockSize, CBWFlagDataOut, cb))
	assert.Equal(t, StateDataWrite, m.State())

	writeBulk(t, h, m, payload)
	m.HandleRequest()

	csw := readCSW(t, h, m)
	assert.Equal(t, uint8(CSWStatusPassed), csw.Status)
	assert.Equal(t, []uint32{3}, d.writeLBAs)
	assert.True(t, bytes.Equal(payload, d.blocks[3][:]))
}

func TestWrite10WriteProtected(t *testing.T) {
	h, m, d := newDiskStack(t)
	d.writable = false

	cb := []byte{SCSIWrite10, 0, 0, 0, 0, 3, 0, 0, 1, 0}
	sendCBW(t, h, m, newCBW(0x4004, BlockSize, CBWFlagDataOut, cb))

	// The command is refused without a data phase.
	csw := readCSW(t, h, m)
	assert.Equal(t, uint8(CSWStatusFailed), csw.Status)
	assert.Empty(t, d.writeLBAs)

	// REQUEST SENSE reports DATA PROTECT / write protected.
	sendCBW(t, h, m, newCBW(0x4005, SenseResponseSize, CBWFlagDataIn,
		[]byte{SCSIRequestSense, 0, 0, 0, SenseResponseSize, 0}))
	sense := readBulk(t, h, m, SenseResponseSize)
	assert.Equal(t, uint8(SenseDataProtect), sense[2]&0x0F)
	assert.Equal(t, uint8(0x27), sense[12])
	assert.Equal(t, uint8(0x00), sense[13])

	csw = readCSW(t, h, m)
	assert.Equal(t, uint8(CSWStatusPassed), csw.Status)
}

func TestTestUnitReady(t *testing.T) {
	h, m, _ := newDiskStack(t)

	sendCBW(t, h, m, newCBW(0x5005, 0, CBWFlagDataOut,
		[]byte{SCSITestUnitReady, 0, 0, 0, 0, 0}))
	csw := readCSW(t, h, m)
	assert.Equal(t, uint8(CSWStatusPassed), csw.Status)

	m.SetDeviceReady(false)
	sendCBW(t, h, m, newCBW(0x5006, 0, CBWFlagDataOut,
		[]byte{SCSITestUnitReady, 0, 0, 0, 0, 0}))
	csw = readCSW(t, h, m)
	assert.Equal(t, uint8(CSWStatusFailed), csw.Status)

	// Sense latched NOT READY.
	sendCBW(t, h, m, newCBW(0x5007, SenseResponseSize, CBWFlagDataIn,
		[]byte{SCSIRequestSense, 0, 0, 0, SenseResponseSize, 0}))
	sense := readBulk(t, h, m, SenseResponseSize)
	assert.Equal(t, uint8(SenseNotReady), sense[2]&0x0F)
	assert.Equal(t, uint8(ASCNotReady), sense[12])
	readCSW(t, h, m)
}

func TestReadCapacity10(t *testing.T) {
	h, m, _ := newDiskStack(t)

	sendCBW(t, h, m, newCBW(0x6006, 8, CBWFlagDataIn,
		[]byte{SCSIReadCapacity10, 0, 0, 0, 0, 0, 0, 0, 0, 0}))
	data := readBulk(t, h, m, ReadCapacity10ResponseSize)

	assert.Equal(t, uint32(diskBlocks-1), binary.BigEndian.Uint32(data[0:4]))
	assert.Equal(t, uint32(BlockSize), binary.BigEndian.Uint32(data[4:8]))

	csw := readCSW(t, h, m)
	assert.Equal(t, uint8(CSWStatusPassed), csw.Status)
	assert.Zero(t, csw.DataResidue)
}

func TestReadFormatCapacities(t *testing.T) {
	h, m, _ := newDiskStack(t)

	sendCBW(t, h, m, newCBW(0x7007, ReadFormatCapacitiesResponseSize, CBWFlagDataIn,
		[]byte{SCSIReadFormatCapacities, 0, 0, 0, 0, 0, 0, 0, ReadFormatCapacitiesResponseSize, 0}))
	data := readBulk(t, h, m, ReadFormatCapacitiesResponseSize)

	assert.Equal(t, uint8(8), data[3])
	assert.Equal(t, uint32(diskBlocks), binary.BigEndian.Uint32(data[4:8]))

	readCSW(t, h, m)
}

func TestModeSense6ReflectsWriteProtect(t *testing.T) {
	h, m, d := newDiskStack(t)

	sendCBW(t, h, m, newCBW(0x8008, ModeSense6ResponseSize, CBWFlagDataIn,
		[]byte{SCSIModeSense6, 0, 0x3F, 0, ModeSense6ResponseSize, 0}))
	data := readBulk(t, h, m, ModeSense6ResponseSize)
	assert.Equal(t, uint8(0x00), data[2])
	readCSW(t, h, m)

	d.writable = false
	sendCBW(t, h, m, newCBW(0x8009, ModeSense6ResponseSize, CBWFlagDataIn,
		[]byte{SCSIModeSense6, 0, 0x3F, 0, ModeSense6ResponseSize, 0}))
	data = readBulk(t, h, m, ModeSense6ResponseSize)
	assert.Equal(t, uint8(0x80), data[2])
	readCSW(t, h, m)
}

func TestStartStopAndRemovalCallbacks(t *testing.T) {
	h, m, _ := newDiskStack(t)

	var gotStart, gotEject bool
	m.SetStartStopHandler(func(_ uint8, start, loej bool) {
		gotStart = start
		gotEject = loej
	})
	sendCBW(t, h, m, newCBW(0x9009, 0, CBWFlagDataOut,
		[]byte{SCSIStartStopUnit, 0, 0, 0, 0x02, 0}))
	csw := readCSW(t, h, m)
	assert.Equal(t, uint8(CSWStatusPassed), csw.Status)
	assert.False(t, gotStart)
	assert.True(t, gotEject)

	var prevented bool
	m.SetRemoveHandler(func(prevent bool) { prevented = prevent })
	sendCBW(t, h, m, newCBW(0x900A, 0, CBWFlagDataOut,
		[]byte{SCSIPreventAllowRemoval, 0, 0, 0, 0x01, 0}))
	readCSW(t, h, m)
	assert.True(t, prevented)
}

func TestUnknownCommandFails(t *testing.T) {
	h, m, _ := newDiskStack(t)

	sendCBW(t, h, m, newCBW(0xA00A, 0, CBWFlagDataOut, []byte{0xEE, 0, 0, 0, 0, 0}))
	csw := readCSW(t, h, m)
	assert.Equal(t, uint8(CSWStatusFailed), csw.Status)

	sendCBW(t, h, m, newCBW(0xA00B, SenseResponseSize, CBWFlagDataIn,
		[]byte{SCSIRequestSense, 0, 0, 0, SenseResponseSize, 0}))
	sense := readBulk(t, h, m, SenseResponseSize)
	assert.Equal(t, uint8(SenseIllegalRequest), sense[2]&0x0F)
	assert.Equal(t, uint8(ASCInvalidCommand), sense[12])
	readCSW(t, h, m)
}

func TestInvalidCBWStallsBothEndpoints(t *testing.T) {
	h, m, _ := newDiskStack(t)

	require.NoError(t, h.WriteOut(bulkOutAddr, []byte{1, 2, 3, 4, 5}))
	m.HandleRequest()

	assert.Equal(t, StateReceiveCBW, m.State())
	_, _, err := h.ReadIn(bulkInAddr)
	assert.ErrorIs(t, err, pkg.ErrStall)
	assert.ErrorIs(t, h.WriteOut(bulkOutAddr, make([]byte, CBWSize)), pkg.ErrStall)
}

func TestBOTResetPreservesStalls(t *testing.T) {
	h, m, _ := newDiskStack(t)

	// Provoke the stall with a malformed CBW.
	require.NoError(t, h.WriteOut(bulkOutAddr, []byte{1, 2, 3}))
	m.HandleRequest()

	// Class-level reset returns to CBW reception without touching the
	// bulk endpoint stalls.
	reset := &hal.SetupPacket{
		RequestType: device.RequestDirectionHostToDevice | device.RequestTypeClass | device.RequestRecipientInterface,
		Request:     RequestBOTReset,
		Index:       uint16(m.Interface().Number),
	}
	require.NoError(t, h.ControlWrite(reset, nil))

	assert.Equal(t, StateReceiveCBW, m.State())
	_, _, err := h.ReadIn(bulkInAddr)
	assert.ErrorIs(t, err, pkg.ErrStall)
	assert.ErrorIs(t, h.WriteOut(bulkOutAddr, make([]byte, CBWSize)), pkg.ErrStall)

	// Recovery per BOT: the host clears each halt, then resumes.
	clearHalt := func(addr uint16) {
		var pkt device.SetupPacket
		device.GetClearFeatureSetup(&pkt, device.RequestRecipientEndpoint,
			device.FeatureEndpointHalt, addr)
		raw := hal.SetupPacket{
			RequestType: pkt.RequestType,
			Request:     pkt.Request,
			Value:       pkt.Value,
			Index:       pkt.Index,
		}
		require.NoError(t, h.ControlWrite(&raw, nil))
	}
	clearHalt(bulkInAddr)
	clearHalt(bulkOutAddr)

	sendCBW(t, h, m, newCBW(0xB00B, 0, CBWFlagDataOut,
		[]byte{SCSITestUnitReady, 0, 0, 0, 0, 0}))
	csw := readCSW(t, h, m)
	assert.Equal(t, uint8(CSWStatusPassed), csw.Status)
}

func TestGetMaxLUN(t *testing.T) {
	h, m, _ := newDiskStack(t)

	pkt := &hal.SetupPacket{
		RequestType: device.RequestDirectionDeviceToHost | device.RequestTypeClass | device.RequestRecipientInterface,
		Request:     RequestGetMaxLUN,
		Index:       uint16(m.Interface().Number),
		Length:      1,
	}
	data, err := h.ControlRead(pkt)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00}, data)
}

func TestInquiryTruncatedToWLength(t *testing.T) {
	h, m, _ := newDiskStack(t)

	// Host asks for fewer bytes than the full response.
	sendCBW(t, h, m, newCBW(0xC00C, 8, CBWFlagDataIn,
		[]byte{SCSIInquiry, 0, 0, 0, 8, 0}))
	data := readBulk(t, h, m, 8)
	assert.Equal(t, uint8(DeviceTypeDisk), data[0])

	csw := readCSW(t, h, m)
	assert.Equal(t, uint8(CSWStatusPassed), csw.Status)
	assert.Zero(t, csw.DataResidue)
}
