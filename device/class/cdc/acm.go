package cdc

import (
	"sync"

	"github.com/picodev/usb/device"
	"github.com/picodev/usb/pkg"
)

// ACM implements the CDC Abstract Control Model class: a USB serial
// port with FIFO-backed read/write semantics.
type ACM struct {
	ctrl *device.Controller

	// Interfaces
	commIface *device.Interface
	dataIface *device.Interface

	// Endpoints
	notifyEP  *device.Endpoint // Interrupt IN for notifications
	dataInEP  *device.Endpoint // Bulk IN for data to host
	dataOutEP *device.Endpoint // Bulk OUT for data from host

	// Serial state
	lineCoding   LineCoding
	controlState uint16
	serialState  uint16

	// Data FIFOs
	rx *FIFO
	tx *FIFO

	// Staging buffers between the FIFOs and the endpoint engine
	rxStage []byte
	txStage []byte

	// Notification packet buffer
	notifyBuf [10]byte

	// Line coding response buffer for GET_LINE_CODING
	lineCodingBuf [LineCodingSize]byte

	// Callbacks, invoked from interrupt context
	onLineCodingChange   func(*LineCoding)
	onControlStateChange func(dtr, rts bool)
	onBreak              func(millis uint16)

	mutex sync.Mutex
}

// NewACM builds the CDC-ACM function inside the given configuration:
// the interface association, both interfaces with their functional
// descriptors, and the three endpoints. fifoSize selects the RX and TX
// FIFO capacity; 0 selects DefaultFIFOSize.
func NewACM(ctrl *device.Controller, conf *device.Configuration, fifoSize int) (*ACM, error) {
	a := &ACM{
		ctrl:       ctrl,
		lineCoding: DefaultLineCoding,
		rx:         NewFIFO(fifoSize),
		tx:         NewFIFO(fifoSize),
	}

	var err error
	a.commIface, err = device.NewInterface(conf, ClassCDC, SubclassACM, ProtocolAT)
	if err != nil {
		return nil, err
	}
	a.dataIface, err = device.NewInterface(conf, ClassCDCData, SubclassNone, ProtocolNone)
	if err != nil {
		return nil, err
	}
	err = conf.AddAssociation(&device.InterfaceAssociation{
		FirstInterface:   a.commIface.Number,
		InterfaceCount:   2,
		FunctionClass:    ClassCDC,
		FunctionSubClass: SubclassACM,
		FunctionProtocol: ProtocolAT,
	})
	if err != nil {
		return nil, err
	}

	a.commIface.AddFunctionalDescriptor(&HeaderDescriptor{CDCVersion: 0x0110})
	a.commIface.AddFunctionalDescriptor(&CallManagementDescriptor{
		DataInterface: a.dataIface.Number,
	})
	a.commIface.AddFunctionalDescriptor(&ACMDescriptor{
		Capabilities: ACMCapLineCoding | ACMCapSendBreak,
	})
	a.commIface.AddFunctionalDescriptor(&UnionDescriptor{
		MasterInterface: a.commIface.Number,
		SlaveInterface0: a.dataIface.Number,
	})

	a.notifyEP, err = ctrl.CreateEndpoint(a.commIface, device.EndpointDirectionIn, device.EndpointTypeInterrupt)
	if err != nil {
		return nil, err
	}
	a.dataInEP, err = ctrl.CreateEndpoint(a.dataIface, device.EndpointDirectionIn, device.EndpointTypeBulk)
	if err != nil {
		return nil, err
	}
	a.dataOutEP, err = ctrl.CreateEndpoint(a.dataIface, device.EndpointDirectionOut, device.EndpointTypeBulk)
	if err != nil {
		return nil, err
	}

	a.rxStage = make([]byte, a.dataOutEP.MaxPacketSize)
	a.txStage = make([]byte, a.dataInEP.MaxPacketSize)

	a.commIface.SetupHandler = a.handleSetup
	a.dataIface.SetupHandler = a.handleSetup
	a.dataOutEP.DataHandler = a.handleDataOut
	a.dataInEP.DataHandler = a.handleDataIn

	// Keep the OUT endpoint armed for one packet at all times; NAK
	// throttles the host when the RX FIFO runs out of room.
	if err := a.dataOutEP.StartTransfer(a.rxStage, len(a.rxStage)); err != nil {
		return nil, err
	}

	pkg.LogDebug(pkg.ComponentCDC, "ACM configured",
		"comm", a.commIface.Number,
		"data", a.dataIface.Number,
		"notify", a.notifyEP.Address,
		"in", a.dataInEP.Address,
		"out", a.dataOutEP.Address)

	return a, nil
}

// handleSetup processes class requests addressed to the CDC interfaces.
func (a *ACM) handleSetup(pkt *device.SetupPacket) {
	if !pkt.IsClass() {
		return
	}
	switch pkt.Request {
	case RequestSetLineCoding:
		// Line coding arrives in the OUT data stage.
		a.ctrl.DataHandler = func(data []byte, n int) {
			a.mutex.Lock()
			if !ParseLineCoding(data[:n], &a.lineCoding) {
				a.mutex.Unlock()
				return
			}
			lc := a.lineCoding
			cb := a.onLineCodingChange
			a.mutex.Unlock()
			pkg.LogDebug(pkg.ComponentCDC, "line coding set",
				"baud", lc.DTERate,
				"dataBits", lc.DataBits,
				"parity", lc.ParityType,
				"stopBits", lc.CharFormat)
			if cb != nil {
				cb(&lc)
			}
		}

	case RequestGetLineCoding:
		a.mutex.Lock()
		n := a.lineCoding.MarshalTo(a.lineCodingBuf[:])
		a.mutex.Unlock()
		if n > int(pkt.Length) {
			n = int(pkt.Length)
		}
		if err := a.ctrl.EP0In().StartTransfer(a.lineCodingBuf[:n], n); err != nil {
			pkg.LogWarn(pkg.ComponentCDC, "get line coding", "error", err)
		}

	case RequestSetControlLineState:
		a.mutex.Lock()
		a.controlState = pkt.Value
		dtr := a.controlState&ControlLineDTR != 0
		rts := a.controlState&ControlLineRTS != 0
		cb := a.onControlStateChange
		a.mutex.Unlock()
		pkg.LogDebug(pkg.ComponentCDC, "control line state",
			"dtr", dtr,
			"rts", rts)
		if cb != nil {
			cb(dtr, rts)
		}
		// Status stage
		a.ctrl.EP0In().SendZLPData1()

	case RequestSendBreak:
		a.mutex.Lock()
		cb := a.onBreak
		a.mutex.Unlock()
		pkg.LogDebug(pkg.ComponentCDC, "break", "duration_ms", pkt.Value)
		if cb != nil {
			cb(pkt.Value)
		}
		// Status stage
		a.ctrl.EP0In().SendZLPData1()

	default:
		pkg.LogWarn(pkg.ComponentCDC, "unsupported CDC request",
			"request", pkt.Request)
	}
}

// handleDataOut runs in interrupt context when a bulk OUT packet
// arrives. The chunk is appended to the RX FIFO; the endpoint is
// re-armed, with NAK asserted until the FIFO can take a full packet.
func (a *ACM) handleDataOut(buf []byte, n int) {
	a.rx.Push(buf[:n])
	if a.rx.Free() < int(a.dataOutEP.MaxPacketSize) {
		a.dataOutEP.SendNAK(true)
	}
	if err := a.dataOutEP.StartTransfer(a.rxStage, len(a.rxStage)); err != nil {
		pkg.LogWarn(pkg.ComponentCDC, "rx rearm", "error", err)
	}
}

// handleDataIn runs in interrupt context when a bulk IN transfer
// completes. Drain the next chunk from the TX FIFO, or delimit the
// message with a zero-length packet when the final chunk filled the
// packet exactly.
func (a *ACM) handleDataIn(_ []byte, n int) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.tx.Used() > 0 {
		a.pumpLocked()
		return
	}
	if n > 0 && n == int(a.dataInEP.MaxPacketSize) {
		if err := a.dataInEP.StartTransfer(nil, 0); err != nil {
			pkg.LogWarn(pkg.ComponentCDC, "tx zlp", "error", err)
		}
	}
}

// pumpLocked starts the next IN transfer from the TX FIFO.
// Caller holds a.mutex.
func (a *ACM) pumpLocked() {
	n := a.tx.Pop(a.txStage)
	if n == 0 {
		return
	}
	if err := a.dataInEP.StartTransfer(a.txStage, n); err != nil {
		pkg.LogWarn(pkg.ComponentCDC, "tx start", "error", err)
	}
}

// Write appends data to the TX FIFO and starts transmission if the
// bulk IN endpoint is idle. Returns the number of bytes accepted.
func (a *ACM) Write(p []byte) (int, error) {
	n := a.tx.Push(p)
	a.mutex.Lock()
	if !a.dataInEP.IsActive() {
		a.pumpLocked()
	}
	a.mutex.Unlock()
	return n, nil
}

// Read drains buffered data from the RX FIFO. Returns the number of
// bytes read; zero when the FIFO is empty. Reception resumes once the
// FIFO has room for a full packet again.
func (a *ACM) Read(p []byte) (int, error) {
	n := a.rx.Pop(p)
	if a.dataOutEP.IsNAK() && a.rx.Free() >= int(a.dataOutEP.MaxPacketSize) {
		a.dataOutEP.SendNAK(false)
	}
	return n, nil
}

// Buffered returns the number of bytes waiting in the RX FIFO.
func (a *ACM) Buffered() int {
	return a.rx.Used()
}

// Available returns the free space in the TX FIFO.
func (a *ACM) Available() int {
	return a.tx.Free()
}

// LineCoding returns the current line coding configuration.
func (a *ACM) LineCoding() LineCoding {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.lineCoding
}

// DTR returns the current DTR (Data Terminal Ready) state.
func (a *ACM) DTR() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.controlState&ControlLineDTR != 0
}

// RTS returns the current RTS (Request To Send) state.
func (a *ACM) RTS() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.controlState&ControlLineRTS != 0
}

// SetOnLineCodingChange sets the callback for line coding changes.
func (a *ACM) SetOnLineCodingChange(cb func(*LineCoding)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onLineCodingChange = cb
}

// SetOnControlStateChange sets the callback for DTR/RTS changes.
func (a *ACM) SetOnControlStateChange(cb func(dtr, rts bool)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onControlStateChange = cb
}

// SetOnBreak sets the callback for break signaling.
func (a *ACM) SetOnBreak(cb func(millis uint16)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onBreak = cb
}

// SendSerialState sends a SERIAL_STATE notification on the interrupt
// endpoint when the virtual modem signals change.
func (a *ACM) SendSerialState(state uint16) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.notifyEP.IsActive() {
		return pkg.ErrBusy
	}
	a.serialState = state

	// bmRequestType 0xA1: device-to-host, class, interface
	a.notifyBuf[0] = 0xA1
	a.notifyBuf[1] = NotificationSerialState
	a.notifyBuf[2] = 0 // wValue
	a.notifyBuf[3] = 0
	a.notifyBuf[4] = a.commIface.Number // wIndex
	a.notifyBuf[5] = 0
	a.notifyBuf[6] = 2 // wLength
	a.notifyBuf[7] = 0
	a.notifyBuf[8] = byte(state)
	a.notifyBuf[9] = byte(state >> 8)

	return a.notifyEP.StartTransfer(a.notifyBuf[:], len(a.notifyBuf))
}

// SerialState returns the last notified serial state bits.
func (a *ACM) SerialState() uint16 {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.serialState
}

// CommInterface returns the Communications interface.
func (a *ACM) CommInterface() *device.Interface {
	return a.commIface
}

// DataInterface returns the Data interface.
func (a *ACM) DataInterface() *device.Interface {
	return a.dataIface
}
