package msc

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/picodev/usb/device"
	"github.com/picodev/usb/pkg"
)

// State identifies the Bulk-Only Transport session state.
type State uint8

// Bulk-Only Transport states.
const (
	StateReceiveCBW State = iota // Waiting for a Command Block Wrapper
	StateDataRead                // Streaming blocks to the host
	StateDataWrite               // Receiving blocks from the host
	StateSendCSW                 // Emitting the Command Status Wrapper
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateReceiveCBW:
		return "RECEIVE_CBW"
	case StateDataRead:
		return "DATA_READ"
	case StateDataWrite:
		return "DATA_WRITE"
	case StateSendCSW:
		return "SEND_CSW"
	default:
		return "UNKNOWN"
	}
}

// MSC implements the Mass Storage Bulk-Only Transport state machine.
//
// Endpoint completions latch received data through an atomic length
// flag; the state machine advances in HandleRequest, called from the
// foreground in a tight loop.
type MSC struct {
	ctrl  *device.Controller
	iface *device.Interface

	bulkInEP  *device.Endpoint // Bulk IN (device to host)
	bulkOutEP *device.Endpoint // Bulk OUT (host to device)

	state State

	// Latched responses
	csw         CommandStatusWrapper
	sense       RequestSenseResponse
	inquiry     InquiryResponse
	maxLUN      [1]byte
	deviceReady bool

	// Block transfer bookkeeping
	blocksToTransfer  uint16
	blocksTransferred uint16
	blockAddr         uint32

	// One block of reception, one of transmission. The OUT buffer also
	// receives CBWs; a CBW shows up as a 31-byte short packet.
	bufferOut [BlockSize]byte
	bufferIn  [BlockSize]byte

	// bufferOutLen carries the received-length handoff from interrupt
	// to foreground. Nonzero means unconsumed data in bufferOut.
	bufferOutLen atomic.Uint32

	// Serialization buffers for in-flight bulk IN responses
	cswBuf      [CSWSize]byte
	responseBuf [64]byte

	// Callbacks, invoked from the foreground poll
	readHandler       func(buf []byte, lba uint32) error
	writeHandler      func(buf []byte, lba uint32) error
	capacityHandler   func() (blockSize uint16, blockCount uint32)
	isWritableHandler func() bool
	startStopHandler  func(powerCondition uint8, start, loadEject bool)
	removeHandler     func(prevent bool)
}

// NewMSC builds the mass storage function inside the given
// configuration: one interface with a bulk IN and bulk OUT endpoint.
// The OUT endpoint is armed for one block immediately; receptions
// larger than one block are never requested because a partial trailing
// packet would go undetected.
func NewMSC(ctrl *device.Controller, conf *device.Configuration) (*MSC, error) {
	m := &MSC{
		ctrl:        ctrl,
		state:       StateReceiveCBW,
		deviceReady: true,
	}

	var err error
	m.iface, err = device.NewInterface(conf, ClassMSC, SubclassSCSI, ProtocolBulkOnly)
	if err != nil {
		return nil, err
	}
	m.bulkInEP, err = ctrl.CreateEndpoint(m.iface, device.EndpointDirectionIn, device.EndpointTypeBulk)
	if err != nil {
		return nil, err
	}
	m.bulkOutEP, err = ctrl.CreateEndpoint(m.iface, device.EndpointDirectionOut, device.EndpointTypeBulk)
	if err != nil {
		return nil, err
	}

	m.inquiry = *NewInquiryResponse(true, "", "", "")
	m.sense = RequestSenseResponse{
		ResponseCode:     SenseResponseCurrent | SenseResponseValid,
		SenseKey:         SenseNoSense,
		AdditionalLength: SenseResponseSize - 8,
	}

	m.iface.SetupHandler = m.handleSetup
	m.bulkOutEP.DataHandler = m.handleBulkOut

	if err := m.bulkOutEP.StartTransfer(m.bufferOut[:], BlockSize); err != nil {
		return nil, err
	}

	pkg.LogDebug(pkg.ComponentMSC, "MSC configured",
		"interface", m.iface.Number,
		"bulkIn", m.bulkInEP.Address,
		"bulkOut", m.bulkOutEP.Address)

	return m, nil
}

// handleBulkOut runs in interrupt context when a bulk OUT packet burst
// completes. It pauses reception, posts the length to the foreground,
// and rearms the endpoint for the next block.
func (m *MSC) handleBulkOut(_ []byte, n int) {
	if m.bufferOutLen.Load() != 0 {
		pkg.LogWarn(pkg.ComponentMSC, "unconsumed bulk OUT data")
	}
	m.bulkOutEP.SendNAK(true)
	m.bufferOutLen.Store(uint32(n))
	if err := m.bulkOutEP.StartTransfer(m.bufferOut[:], BlockSize); err != nil {
		pkg.LogWarn(pkg.ComponentMSC, "bulk OUT rearm", "error", err)
	}
}

// handleSetup processes the two Bulk-Only class requests.
func (m *MSC) handleSetup(pkt *device.SetupPacket) {
	if !pkt.IsClass() {
		return
	}
	switch pkt.Request {
	case RequestBOTReset:
		pkg.LogInfo(pkg.ComponentMSC, "BOT reset")
		// Continue with the next CBW. Per the BOT specification the
		// STALL state and data toggles of the bulk endpoints are left
		// untouched.
		m.state = StateReceiveCBW
		// Status stage
		m.ctrl.EP0In().SendZLPData1()

	case RequestGetMaxLUN:
		pkg.LogInfo(pkg.ComponentMSC, "get max LUN")
		m.maxLUN[0] = 0 // Single LUN
		if err := m.ctrl.EP0In().StartTransfer(m.maxLUN[:], 1); err != nil {
			pkg.LogWarn(pkg.ComponentMSC, "get max LUN", "error", err)
		}

	default:
		pkg.LogError(pkg.ComponentMSC, "unsupported MSC request",
			"request", pkt.Request)
	}
}

// SetReadHandler installs the block read callback.
func (m *MSC) SetReadHandler(f func(buf []byte, lba uint32) error) {
	m.readHandler = f
}

// SetWriteHandler installs the block write callback.
func (m *MSC) SetWriteHandler(f func(buf []byte, lba uint32) error) {
	m.writeHandler = f
}

// SetCapacityHandler installs the capacity callback. The reported block
// size must equal BlockSize.
func (m *MSC) SetCapacityHandler(f func() (blockSize uint16, blockCount uint32)) {
	m.capacityHandler = f
}

// SetIsWritableHandler installs the write-protect callback.
func (m *MSC) SetIsWritableHandler(f func() bool) {
	m.isWritableHandler = f
}

// SetStartStopHandler installs the START STOP UNIT callback.
func (m *MSC) SetStartStopHandler(f func(powerCondition uint8, start, loadEject bool)) {
	m.startStopHandler = f
}

// SetRemoveHandler installs the PREVENT ALLOW MEDIUM REMOVAL callback.
func (m *MSC) SetRemoveHandler(f func(prevent bool)) {
	m.removeHandler = f
}

// SetDeviceReady marks the medium ready or not ready.
func (m *MSC) SetDeviceReady(ready bool) {
	m.deviceReady = ready
}

// SetVendorID sets the INQUIRY vendor identification (8 characters).
func (m *MSC) SetVendorID(id string) {
	if len(id) > 8 {
		pkg.LogWarn(pkg.ComponentMSC, "SCSI vendor ID truncated", "id", id)
	}
	copyPadded(m.inquiry.VendorID[:], id)
}

// SetProductID sets the INQUIRY product identification (16 characters).
func (m *MSC) SetProductID(id string) {
	if len(id) > 16 {
		pkg.LogWarn(pkg.ComponentMSC, "SCSI product ID truncated", "id", id)
	}
	copyPadded(m.inquiry.ProductID[:], id)
}

// SetProductRev sets the INQUIRY product revision (4 characters).
func (m *MSC) SetProductRev(rev string) {
	if len(rev) > 4 {
		pkg.LogWarn(pkg.ComponentMSC, "SCSI product rev truncated", "rev", rev)
	}
	copyPadded(m.inquiry.ProductRev[:], rev)
}

// State returns the current transport state.
func (m *MSC) State() State {
	return m.state
}

// Interface returns the mass storage interface.
func (m *MSC) Interface() *device.Interface {
	return m.iface
}

// scsiSuccess latches NO_SENSE and a passing CSW.
func (m *MSC) scsiSuccess() {
	m.sense.SenseKey = SenseNoSense
	m.sense.ASC = 0
	m.sense.ASCQ = 0
	m.csw.DataResidue = 0
	m.csw.Status = CSWStatusPassed
}

// scsiFail latches the sense triple and a failing CSW.
func (m *MSC) scsiFail(key, asc, ascq uint8) {
	m.sense.SenseKey = key
	m.sense.ASC = asc
	m.sense.ASCQ = ascq
	m.csw.DataResidue = 0
	m.csw.Status = CSWStatusFailed
}

// HandleRequest advances the Bulk-Only state machine. Call it in a
// tight loop or from a task; completion flags set by interrupt context
// signal work to this method.
func (m *MSC) HandleRequest() {
	switch m.state {
	case StateReceiveCBW:
		n := m.bufferOutLen.Load()
		if n == 0 {
			// Nothing received, keep waiting.
			return
		}
		pkg.LogDebug(pkg.ComponentMSC, "state", "state", m.state.String())

		var cbw CommandBlockWrapper
		if int(n) != CBWSize || !ParseCBW(m.bufferOut[:n], &cbw) {
			// Invalid CBW: stall both bulk endpoints and stay in
			// RECEIVE_CBW (BOT 6.6.1).
			m.bulkInEP.SendStall(true)
			m.bulkOutEP.SendStall(true)
			m.bufferOutLen.Store(0)
			m.bulkOutEP.SendNAK(false)
			return
		}

		// Seed the status wrapper; commands overwrite as needed.
		m.csw.Signature = CSWSignature
		m.csw.Tag = cbw.Tag
		m.csw.DataResidue = 0
		m.csw.Status = CSWStatusPassed

		m.state = StateSendCSW
		m.processSCSICommand(&cbw)

		m.bufferOutLen.Store(0)
		m.bulkOutEP.SendNAK(false)

	case StateSendCSW:
		if m.bulkInEP.IsActive() {
			// Wait for the endpoint to drain.
			return
		}
		pkg.LogDebug(pkg.ComponentMSC, "state", "state", m.state.String())
		m.csw.MarshalTo(m.cswBuf[:])
		if err := m.bulkInEP.StartTransfer(m.cswBuf[:], CSWSize); err != nil {
			pkg.LogWarn(pkg.ComponentMSC, "CSW send", "error", err)
			return
		}
		m.state = StateReceiveCBW

	case StateDataRead:
		if m.bulkInEP.IsActive() {
			return
		}
		pkg.LogDebug(pkg.ComponentMSC, "state", "state", m.state.String())
		var err error
		if m.readHandler != nil {
			err = m.readHandler(m.bufferIn[:], m.blockAddr)
		}
		m.blockAddr++
		if serr := m.bulkInEP.StartTransfer(m.bufferIn[:], BlockSize); serr != nil {
			pkg.LogWarn(pkg.ComponentMSC, "block send", "error", serr)
		}
		m.blocksTransferred++
		if m.blocksTransferred == m.blocksToTransfer {
			m.state = StateSendCSW
		}
		if err != nil {
			m.scsiFail(SenseNotReady, ASCMediumNotPresent, 0)
		}

	case StateDataWrite:
		n := m.bufferOutLen.Load()
		if n == 0 {
			return
		}
		pkg.LogDebug(pkg.ComponentMSC, "state", "state", m.state.String())
		var err error
		if m.writeHandler != nil {
			err = m.writeHandler(m.bufferOut[:n], m.blockAddr)
		}
		m.blockAddr++
		m.blocksTransferred++
		if m.blocksTransferred == m.blocksToTransfer {
			m.state = StateSendCSW
		}
		if err != nil {
			m.scsiFail(SenseNotReady, ASCMediumNotPresent, 0)
		}
		m.bufferOutLen.Store(0)
		m.bulkOutEP.SendNAK(false)
	}
}

// processSCSICommand dispatches one SCSI command block. For commands
// with a device-to-host response the data is serialized and sent before
// the CSW; block transfers switch the state machine into a data phase.
func (m *MSC) processSCSICommand(cbw *CommandBlockWrapper) {
	opcode := cbw.CB[0]
	expected := cbw.DataTransferLength

	var responseLen int

	switch opcode {
	case SCSITestUnitReady:
		pkg.LogInfo(pkg.ComponentMSC, "SCSI: TEST_UNIT_READY")
		if m.deviceReady {
			m.sense.SenseKey = SenseNoSense
			m.sense.ASC = 0
			m.sense.ASCQ = 0
		} else {
			m.sense.SenseKey = SenseNotReady
			m.sense.ASC = ASCNotReady
			m.sense.ASCQ = 0
			m.csw.Status = CSWStatusFailed
		}

	case SCSIRequestSense:
		pkg.LogInfo(pkg.ComponentMSC, "SCSI: REQUEST_SENSE")
		responseLen = m.sense.MarshalTo(m.responseBuf[:])

	case SCSIInquiry:
		pkg.LogInfo(pkg.ComponentMSC, "SCSI: INQUIRY")
		responseLen = m.inquiry.MarshalTo(m.responseBuf[:])

	case SCSIModeSense6:
		pkg.LogInfo(pkg.ComponentMSC, "SCSI: MODE_SENSE_6")
		writeProtect := false
		if m.isWritableHandler != nil {
			writeProtect = !m.isWritableHandler()
		}
		resp := ModeSense6Response{WriteProtect: writeProtect}
		responseLen = resp.MarshalTo(m.responseBuf[:])
		if !m.deviceReady {
			m.csw.Status = CSWStatusFailed
		}

	case SCSIStartStopUnit:
		start := cbw.CB[4]&0x01 != 0
		loej := cbw.CB[4]&0x02 != 0
		powerCondition := cbw.CB[4] >> 4
		pkg.LogInfo(pkg.ComponentMSC, "SCSI: START_STOP_UNIT",
			"start", start,
			"loej", loej)
		// A load/eject stop does not change the ready state here; the
		// callback owns that decision.
		if m.startStopHandler != nil {
			m.startStopHandler(powerCondition, start, loej)
		}
		if !m.deviceReady {
			m.csw.Status = CSWStatusFailed
		}

	case SCSIPreventAllowRemoval:
		prevent := cbw.CB[4]&0x01 != 0
		pkg.LogInfo(pkg.ComponentMSC, "SCSI: PREVENT_ALLOW_MEDIUM_REMOVAL",
			"prevent", prevent)
		if m.removeHandler != nil {
			m.removeHandler(prevent)
		}
		if !m.deviceReady {
			m.csw.Status = CSWStatusFailed
		}

	case SCSIReadCapacity10:
		blockSize, blockCount := m.capacity()
		pkg.LogInfo(pkg.ComponentMSC, "SCSI: READ_CAPACITY_10",
			"blockSize", blockSize,
			"blocks", blockCount)
		resp := ReadCapacity10Response{
			LastLBA:     blockCount - 1,
			BlockLength: uint32(blockSize),
		}
		responseLen = resp.MarshalTo(m.responseBuf[:])
		if !m.deviceReady {
			m.csw.Status = CSWStatusFailed
		}

	case SCSIReadFormatCapacities:
		blockSize, blockCount := m.capacity()
		pkg.LogInfo(pkg.ComponentMSC, "SCSI: READ_FORMAT_CAPACITIES")
		resp := ReadFormatCapacitiesResponse{
			BlockCount:  blockCount,
			BlockLength: uint32(blockSize),
		}
		responseLen = resp.MarshalTo(m.responseBuf[:])
		if !m.deviceReady {
			m.csw.Status = CSWStatusFailed
		}

	case SCSIRead10:
		m.blocksToTransfer = binary.BigEndian.Uint16(cbw.CB[7:9])
		m.blocksTransferred = 0
		m.blockAddr = binary.BigEndian.Uint32(cbw.CB[2:6])
		pkg.LogInfo(pkg.ComponentMSC, "SCSI: READ_10",
			"lba", m.blockAddr,
			"blocks", m.blocksToTransfer)
		m.state = StateDataRead
		if !m.deviceReady {
			m.scsiFail(SenseNotReady, ASCNotReady, 0)
			m.state = StateSendCSW
		}

	case SCSIWrite10:
		writeProtect := false
		if m.isWritableHandler != nil {
			writeProtect = !m.isWritableHandler()
		}
		if writeProtect {
			pkg.LogWarn(pkg.ComponentMSC, "SCSI: write on write-protected device")
			m.scsiFail(SenseDataProtect, ASCWriteProtected, 0)
			break
		}
		m.blocksToTransfer = binary.BigEndian.Uint16(cbw.CB[7:9])
		m.blocksTransferred = 0
		m.blockAddr = binary.BigEndian.Uint32(cbw.CB[2:6])
		pkg.LogInfo(pkg.ComponentMSC, "SCSI: WRITE_10",
			"lba", m.blockAddr,
			"blocks", m.blocksToTransfer)
		m.state = StateDataWrite
		if !m.deviceReady {
			m.scsiFail(SenseNotReady, ASCNotReady, 0)
			m.state = StateSendCSW
		}

	default:
		pkg.LogError(pkg.ComponentMSC, "unrecognized SCSI command",
			"opcode", opcode,
			"tag", cbw.Tag,
			"len", cbw.DataTransferLength,
			"cbLen", cbw.CBLength)
		m.scsiFail(SenseIllegalRequest, ASCInvalidCommand, 0)
	}

	// Response bookkeeping for non-data-phase commands.
	if m.state == StateSendCSW {
		if expected > 0 {
			if responseLen > 0 {
				if responseLen > int(expected) {
					// Never send more than the host asked for.
					responseLen = int(expected)
				}
				m.csw.DataResidue = expected - uint32(responseLen)
				if err := m.bulkInEP.StartTransfer(m.responseBuf[:responseLen], responseLen); err != nil {
					pkg.LogWarn(pkg.ComponentMSC, "response send", "error", err)
				}
			} else {
				pkg.LogWarn(pkg.ComponentMSC, "SCSI response expected but no data")
				m.csw.Status = CSWStatusFailed
			}
		} else if responseLen > 0 {
			// BOT 6.7.1: the host did not expect a data transfer.
			pkg.LogWarn(pkg.ComponentMSC, "no SCSI response expected but data")
			m.csw.Status = CSWStatusFailed
		}
	}
}

// capacity queries the capacity callback.
func (m *MSC) capacity() (uint16, uint32) {
	if m.capacityHandler == nil {
		return BlockSize, 0
	}
	blockSize, blockCount := m.capacityHandler()
	if blockSize != BlockSize {
		pkg.LogWarn(pkg.ComponentMSC, "unexpected block size",
			"blockSize", blockSize)
	}
	return blockSize, blockCount
}
